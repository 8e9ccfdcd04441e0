package geom

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

var (
	axisX = mgl64.Vec3{1, 0, 0}
	axisY = mgl64.Vec3{0, 1, 0}
	axisZ = mgl64.Vec3{0, 0, 1}
)

// QuatFromEulerYXZ builds a rotation from Euler angles in degrees using the
// Unity convention: roll about Z first, then pitch about X, then yaw about Y
// (R = Ry·Rx·Rz).
func QuatFromEulerYXZ(deg mgl64.Vec3) mgl64.Quat {
	qx := mgl64.QuatRotate(mgl64.DegToRad(deg[0]), axisX)
	qy := mgl64.QuatRotate(mgl64.DegToRad(deg[1]), axisY)
	qz := mgl64.QuatRotate(mgl64.DegToRad(deg[2]), axisZ)
	return qy.Mul(qx).Mul(qz)
}

// EulerYXZ decomposes q into Unity-order Euler angles in degrees, each
// normalised to [0, 360). At the ±90° pitch singularity roll is reported as 0
// and the remaining rotation is folded into yaw.
func EulerYXZ(q mgl64.Quat) mgl64.Vec3 {
	m := q.Normalize().Mat4()
	sx := mgl64.Clamp(-m.At(1, 2), -1, 1)
	x := math.Asin(sx)

	var y, z float64
	if math.Abs(sx) < 1-1e-9 {
		y = math.Atan2(m.At(0, 2), m.At(2, 2))
		z = math.Atan2(m.At(1, 0), m.At(1, 1))
	} else {
		y = math.Atan2(-m.At(2, 0), m.At(0, 0))
	}
	return mgl64.Vec3{wrapDegrees(x), wrapDegrees(y), wrapDegrees(z)}
}

func wrapDegrees(rad float64) float64 {
	d := math.Mod(mgl64.RadToDeg(rad), 360)
	if d < 0 {
		d += 360
	}
	if d >= 360 {
		d -= 360
	}
	return d
}

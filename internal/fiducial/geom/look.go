package geom

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

const lookEpsilon = 1e-12

// LookRotation returns the orientation whose local +Z points along forward
// and whose local +Y is as close to up as the constraint allows. A zero
// forward yields identity; when up is parallel to forward the shortest
// rotation from +Z to forward is used.
func LookRotation(forward, up mgl64.Vec3) mgl64.Quat {
	if forward.Len() < lookEpsilon {
		return mgl64.QuatIdent()
	}
	f := forward.Normalize()

	right := up.Cross(f)
	if right.Len() < lookEpsilon {
		return fromToRotation(axisZ, f)
	}
	right = right.Normalize()
	u := f.Cross(right)

	return mgl64.Mat4ToQuat(mgl64.Mat3FromCols(right, u, f).Mat4()).Normalize()
}

func fromToRotation(from, to mgl64.Vec3) mgl64.Quat {
	d := mgl64.Clamp(from.Dot(to), -1, 1)
	axis := from.Cross(to)
	if axis.Len() < lookEpsilon {
		if d > 0 {
			return mgl64.QuatIdent()
		}
		axis = axisX.Cross(from)
		if axis.Len() < lookEpsilon {
			axis = axisY.Cross(from)
		}
	}
	return mgl64.QuatRotate(math.Acos(d), axis.Normalize())
}

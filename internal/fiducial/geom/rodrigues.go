package geom

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// RodriguesEpsilon is the rotation-vector magnitude below which the vector is
// treated as no rotation at all.
const RodriguesEpsilon = 1e-12

// QuatFromRodrigues converts an axis·angle rotation vector (radians) to a
// unit quaternion. The zero vector maps to identity.
func QuatFromRodrigues(v mgl64.Vec3) mgl64.Quat {
	angle := v.Len()
	if angle < RodriguesEpsilon {
		return mgl64.QuatIdent()
	}
	return mgl64.QuatRotate(angle, v.Mul(1/angle))
}

// RodriguesFromQuat returns the rotation vector of q with angle in [0, π].
// Inputs with |v| > π come back wrapped to the equivalent shorter rotation.
func RodriguesFromQuat(q mgl64.Quat) mgl64.Vec3 {
	q = q.Normalize()
	if q.W < 0 {
		q = q.Scale(-1)
	}
	s := q.V.Len()
	if s < RodriguesEpsilon {
		return mgl64.Vec3{}
	}
	angle := 2 * math.Atan2(s, q.W)
	return q.V.Mul(angle / s)
}

// Mat3FromRodrigues returns the rotation matrix for a rotation vector.
func Mat3FromRodrigues(v mgl64.Vec3) mgl64.Mat3 {
	return QuatFromRodrigues(v).Mat4().Mat3()
}

// RodriguesFromMat3 returns the rotation vector of an orthonormal matrix.
func RodriguesFromMat3(m mgl64.Mat3) mgl64.Vec3 {
	return RodriguesFromQuat(mgl64.Mat4ToQuat(m.Mat4()))
}

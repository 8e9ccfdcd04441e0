package geom

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
)

// Space tags the reference frame a Pose is expressed in.
type Space uint8

const (
	SpaceUnknown Space = iota
	SpaceCamera
	SpaceWorld
)

func (s Space) String() string {
	switch s {
	case SpaceCamera:
		return "camera"
	case SpaceWorld:
		return "world"
	default:
		return "unknown"
	}
}

// Pose is a position plus orientation in a named frame.
type Pose struct {
	Position mgl64.Vec3
	Rotation mgl64.Quat
	Space    Space
}

// IdentityPose returns the origin pose in space s.
func IdentityPose(s Space) Pose {
	return Pose{Rotation: mgl64.QuatIdent(), Space: s}
}

// Mat4 returns the homogeneous transform Translate(Position)·Rotate(Rotation).
func (p Pose) Mat4() mgl64.Mat4 {
	return mgl64.Translate3D(p.Position.Elem()).Mul4(p.Rotation.Normalize().Mat4())
}

func (p Pose) String() string {
	e := EulerYXZ(p.Rotation)
	return fmt.Sprintf("%s pos=(%.4f, %.4f, %.4f) euler=(%.1f, %.1f, %.1f)",
		p.Space, p.Position[0], p.Position[1], p.Position[2], e[0], e[1], e[2])
}

// SameOrientation reports whether a and b describe the same rotation to
// within eps, treating q and -q as equal.
func SameOrientation(a, b mgl64.Quat, eps float64) bool {
	return a.OrientationEqualThreshold(b, eps)
}

// Slerp interpolates from a towards b along the shorter arc.
func Slerp(a, b mgl64.Quat, t float64) mgl64.Quat {
	return mgl64.QuatSlerp(a, b, t).Normalize()
}

// RowMajor flattens m row by row, the layout used on the wire and in storage.
func RowMajor(m mgl64.Mat4) [16]float64 {
	var out [16]float64
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			out[r*4+c] = m.At(r, c)
		}
	}
	return out
}

// FromRowMajor is the inverse of RowMajor.
func FromRowMajor(v [16]float64) mgl64.Mat4 {
	var m mgl64.Mat4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			m.Set(r, c, v[r*4+c])
		}
	}
	return m
}

// Package transform turns camera-space marker detections into world poses.
//
// Detections arrive in the vision convention (right-handed, +Y down, +Z
// forward). The world frame is the left-handed, +Y up frame used by the
// device's tracking system. The conversion mirrors the rotation's X and Z
// Euler components, adds a half turn about Z, flips Y of the translation and
// then negates the third row of the resulting transform before composing
// with the current frame-to-world transform.
package transform

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/banshee-data/fiducial.tracker/internal/fiducial/detect"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/geom"
)

// Quality grades a world pose.
type Quality int

const (
	QualityTracked Quality = iota
	// QualityLowConfidence means no frame-to-world transform was available
	// and identity was substituted.
	QualityLowConfidence
)

func (q Quality) String() string {
	if q == QualityLowConfidence {
		return "low_confidence"
	}
	return "tracked"
}

// FrameToWorld maps the camera's engine-convention frame into the world at
// the moment a frame was captured.
type FrameToWorld struct {
	M     mgl64.Mat4
	Valid bool
}

// NewFrameToWorld wraps an available transform.
func NewFrameToWorld(m mgl64.Mat4) FrameToWorld {
	return FrameToWorld{M: m, Valid: true}
}

// Unavailable is the substitute used when no transform could be obtained.
func Unavailable() FrameToWorld {
	return FrameToWorld{M: mgl64.Ident4()}
}

// HandednessCorrection is the half turn about Z applied after mirroring.
var HandednessCorrection = mgl64.QuatRotate(math.Pi, mgl64.Vec3{0, 0, 1})

// CorrectHandedness converts a vision-convention rotation into the engine
// convention: Euler X and Z are negated, then the half turn about Z is
// appended.
func CorrectHandedness(q mgl64.Quat) mgl64.Quat {
	e := geom.EulerYXZ(q)
	mirrored := geom.QuatFromEulerYXZ(mgl64.Vec3{-e[0], e[1], -e[2]})
	return mirrored.Mul(HandednessCorrection).Normalize()
}

// MarkerToCamera builds the marker's transform in the engine camera frame
// (forward is -Z after the third-row negation).
func MarkerToCamera(m detect.DetectedMarker) mgl64.Mat4 {
	rot := CorrectHandedness(geom.QuatFromRodrigues(m.Rodrigues))
	t := m.Translation
	return negateThirdRow(mgl64.Translate3D(t[0], -t[1], t[2]).Mul4(rot.Mat4()))
}

// Engine converts detections to world poses. The zero value is ready to use.
type Engine struct{}

// NewEngine returns an Engine.
func NewEngine() *Engine { return &Engine{} }

// ToWorld composes the detection with f2w. An unavailable transform is
// replaced by identity and the result is graded low confidence.
func (e *Engine) ToWorld(m detect.DetectedMarker, f2w FrameToWorld) (geom.Pose, Quality) {
	ref, quality := f2w.M, QualityTracked
	if !f2w.Valid {
		ref, quality = mgl64.Ident4(), QualityLowConfidence
	}
	w := ref.Mul4(MarkerToCamera(m))
	return geom.Pose{
		Position: w.Col(3).Vec3(),
		Rotation: geom.LookRotation(w.Col(2).Vec3(), w.Col(1).Vec3()),
		Space:    geom.SpaceWorld,
	}, quality
}

// ToWorldPose is ToWorld for a pose already tagged as camera space. It
// refuses anything else.
func (e *Engine) ToWorldPose(id int, p geom.Pose, f2w FrameToWorld) (geom.Pose, Quality, error) {
	if err := geom.RequireSpace(p, geom.SpaceCamera); err != nil {
		return geom.Pose{}, QualityLowConfidence, err
	}
	m := detect.DetectedMarker{ID: id, Translation: p.Position, Rodrigues: geom.RodriguesFromQuat(p.Rotation)}
	w, q := e.ToWorld(m, f2w)
	return w, q, nil
}

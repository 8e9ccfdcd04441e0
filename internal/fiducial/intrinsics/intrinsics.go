// Package intrinsics stores per-camera calibration and decides which
// calibration a frame is processed with.
package intrinsics

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// ErrInvalidCameraIndex is returned when a camera has neither a configured
// calibration nor a store-wide fallback.
var ErrInvalidCameraIndex = errors.New("intrinsics: invalid camera index")

// Camera identifies one of the device's physical cameras.
type Camera int

const (
	CameraLeftFront Camera = iota
	CameraRightFront
	CameraPhotoVideo
)

var cameraNames = [...]string{
	CameraLeftFront:  "left_front",
	CameraRightFront: "right_front",
	CameraPhotoVideo: "photo_video",
}

func (c Camera) String() string {
	if c < 0 || int(c) >= len(cameraNames) {
		return fmt.Sprintf("camera(%d)", int(c))
	}
	return cameraNames[c]
}

// Valid reports whether c names a known camera.
func (c Camera) Valid() bool {
	return c >= 0 && int(c) < len(cameraNames)
}

// ParseCamera accepts the names printed by Camera.String, case-insensitively.
func ParseCamera(s string) (Camera, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for i, name := range cameraNames {
		if name == norm {
			return Camera(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown camera %q", ErrInvalidCameraIndex, s)
}

// CameraIntrinsics is a pinhole calibration with Brown-Conrady distortion.
// Focal length and principal point are in pixels.
type CameraIntrinsics struct {
	FocalLength          [2]float64 `json:"focal_length"`
	PrincipalPoint       [2]float64 `json:"principal_point"`
	RadialDistortion     [3]float64 `json:"radial_distortion"`
	TangentialDistortion [2]float64 `json:"tangential_distortion"`
}

// Validate rejects calibrations that cannot project points.
func (c CameraIntrinsics) Validate() error {
	for i, f := range c.FocalLength {
		if !(f > 0) || math.IsInf(f, 0) {
			return fmt.Errorf("focal_length[%d] must be positive, got %v", i, f)
		}
	}
	for i, v := range c.PrincipalPoint {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("principal_point[%d] is not finite", i)
		}
	}
	for _, v := range c.Distortion() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("distortion coefficients must be finite")
		}
	}
	return nil
}

// IsZero reports whether c is the zero value.
func (c CameraIntrinsics) IsZero() bool {
	return c == CameraIntrinsics{}
}

// CameraMatrix returns the 3×3 matrix K = [fx 0 cx; 0 fy cy; 0 0 1].
func (c CameraIntrinsics) CameraMatrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		c.FocalLength[0], 0, c.PrincipalPoint[0],
		0, c.FocalLength[1], c.PrincipalPoint[1],
		0, 0, 1,
	})
}

// Distortion returns the coefficients in (k1, k2, p1, p2, k3) order.
func (c CameraIntrinsics) Distortion() [5]float64 {
	return [5]float64{
		c.RadialDistortion[0],
		c.RadialDistortion[1],
		c.TangentialDistortion[0],
		c.TangentialDistortion[1],
		c.RadialDistortion[2],
	}
}

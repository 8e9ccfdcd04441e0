// Package detect finds square binary fiducial markers (ArUco and AprilTag
// families) in camera frames and estimates each marker's pose relative to
// the camera.
//
// Candidate extraction and decoding of the predefined dictionaries run in
// OpenCV's ArucoDetector through gocv, with sub-pixel corner refinement.
// Custom codebooks reuse OpenCV's candidate outlines and are decoded here.
// Pose comes from a planar PnP solve: both solutions of the planar
// ambiguity are refined with Levenberg-Marquardt and the one with the lower
// reprojection error wins. Camera space follows the usual vision convention
// (+X right, +Y down, +Z forward).
package detect

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"gocv.io/x/gocv"

	"github.com/banshee-data/fiducial.tracker/internal/fiducial/geom"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/intrinsics"
	"github.com/banshee-data/fiducial.tracker/internal/monitoring"
	"github.com/banshee-data/fiducial.tracker/internal/timeutil"
)

var logf = monitoring.Prefixed("Detector")

// DetectedMarker is one decoded marker in camera space.
type DetectedMarker struct {
	ID          int
	Translation mgl64.Vec3
	Rodrigues   mgl64.Vec3
	// Corners are the image corners in pixels, top-left first, clockwise.
	Corners [4][2]float64
}

// CameraPose returns the detection as a camera-space pose.
func (m DetectedMarker) CameraPose() geom.Pose {
	return geom.Pose{
		Position: m.Translation,
		Rotation: geom.QuatFromRodrigues(m.Rodrigues),
		Space:    geom.SpaceCamera,
	}
}

// DetectorParams tunes candidate extraction and decoding. The fields map
// onto OpenCV's aruco::DetectorParameters.
type DetectorParams struct {
	// ThresholdWindow is the side of the adaptive threshold window in
	// pixels; 0 scans OpenCV's default range of windows.
	ThresholdWindow int
	// ThresholdOffset is how far below the local mean a pixel must be to
	// count as dark.
	ThresholdOffset int
	// MinPerimeterRate and MaxPerimeterRate bound a candidate's perimeter
	// relative to the larger image dimension.
	MinPerimeterRate float64
	MaxPerimeterRate float64
	// PolygonalApproxRate is the contour approximation tolerance relative
	// to the candidate perimeter.
	PolygonalApproxRate float64
	// BorderMargin rejects candidates this close to the image edge.
	BorderMargin int
	// MinCellContrast is the intensity standard deviation below which a
	// candidate interior is read as uniformly black.
	MinCellContrast float64
	// MaxErroneousBorderRate is the fraction of border cells allowed to
	// read white.
	MaxErroneousBorderRate float64
	// ErrorCorrectionRate scales the dictionary's correctable bit count.
	ErrorCorrectionRate float64
	// CornerRefinementWindow is the half-size in pixels of the sub-pixel
	// corner search.
	CornerRefinementWindow int
}

// DefaultDetectorParams returns the parameters used when none are configured.
func DefaultDetectorParams() DetectorParams {
	return DetectorParams{
		ThresholdOffset:        7,
		MinPerimeterRate:       0.03,
		MaxPerimeterRate:       4,
		PolygonalApproxRate:    0.03,
		BorderMargin:           3,
		MinCellContrast:        5,
		MaxErroneousBorderRate: 0.35,
		ErrorCorrectionRate:    0.6,
		CornerRefinementWindow: 5,
	}
}

// Detector wraps one OpenCV detector per dictionary it has been asked for.
// It is safe for concurrent use; Close releases the native resources.
type Detector struct {
	params DetectorParams
	clock  timeutil.Clock

	mu        sync.Mutex
	detectors map[DictionaryID]*arucoDetector
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock sets the clock used for timing detections.
func WithClock(c timeutil.Clock) Option {
	return func(d *Detector) { d.clock = c }
}

// NewDetector returns a detector with the given parameters.
func NewDetector(params DetectorParams, opts ...Option) *Detector {
	d := &Detector{
		params:    params,
		clock:     timeutil.RealClock{},
		detectors: make(map[DictionaryID]*arucoDetector),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Params returns the detector's parameters.
func (d *Detector) Params() DetectorParams { return d.params }

// Detect finds markers of the built-in dictionary dict. markerSize is the
// printed side length (black border included) in metres; translations come
// back in the same unit. It never fails: bad input is logged and yields no
// markers.
func (d *Detector) Detect(img Image, intr intrinsics.CameraIntrinsics, dict DictionaryID, markerSize float64) ([]DetectedMarker, time.Duration) {
	start := d.clock.Now()
	if err := dict.Validate(); err != nil {
		logf("%v", err)
		return nil, d.clock.Since(start)
	}
	markers := d.detect(img, intr, markerSize, func(gray gocv.Mat) []candidate {
		corners, ids, _ := d.aruco(dict).detectMarkers(gray)
		out := make([]candidate, 0, len(ids))
		for i, id := range ids {
			if i >= len(corners) {
				break
			}
			q, ok := quadFromPoints(corners[i])
			if !ok {
				continue
			}
			out = append(out, candidate{id: id, corners: q, area: polygonArea(q[:])})
		}
		return out
	})
	return markers, d.clock.Since(start)
}

// DetectWith is Detect for an explicit codebook, such as one loaded with
// LoadCodebook.
func (d *Detector) DetectWith(img Image, intr intrinsics.CameraIntrinsics, dict *Dictionary, markerSize float64) ([]DetectedMarker, time.Duration) {
	start := d.clock.Now()
	if dict == nil {
		logf("skipping frame: no codebook")
		return nil, d.clock.Since(start)
	}
	maxErr := int(float64(dict.MaxCorrectionBits()) * d.params.ErrorCorrectionRate)
	markers := d.detect(img, intr, markerSize, func(gray gocv.Mat) []candidate {
		var out []candidate
		for _, quad := range d.candidateQuads(gray) {
			code, ok := readBits(gray, quad, dict.MarkerBits, d.params)
			if !ok {
				continue
			}
			id, rot, _, ok := dict.identify(code, maxErr)
			if !ok {
				continue
			}
			var ordered [4]point
			for i := range ordered {
				ordered[i] = quad[(i+rot)%4]
			}
			out = append(out, candidate{id: id, corners: ordered, area: polygonArea(ordered[:])})
		}
		return out
	})
	return markers, d.clock.Since(start)
}

type candidate struct {
	id      int
	corners [4]point
	area    float64
}

func (d *Detector) detect(img Image, intr intrinsics.CameraIntrinsics, markerSize float64, decode func(gocv.Mat) []candidate) []DetectedMarker {
	if err := img.Validate(); err != nil {
		logf("skipping frame: %v", err)
		return nil
	}
	if err := intr.Validate(); err != nil {
		logf("skipping frame: invalid intrinsics: %v", err)
		return nil
	}
	if !(markerSize > 0) {
		logf("skipping frame: marker size %v", markerSize)
		return nil
	}

	gray, err := grayMat(img)
	if err != nil {
		logf("skipping frame: %v", err)
		return nil
	}
	defer gray.Close()

	best := make(map[int]candidate)
	for _, c := range decode(gray) {
		if prev, seen := best[c.id]; !seen || c.area > prev.area {
			best[c.id] = c
		}
	}

	obj := markerObjectPoints(markerSize)
	out := make([]DetectedMarker, 0, len(best))
	for _, c := range best {
		var norm [4]point
		for i, px := range c.corners {
			norm[i] = undistort(px, intr)
		}
		rvec, tvec, ok := solvePlanarPose(obj, norm)
		if !ok || !finite(rvec) || !finite(tvec) {
			continue
		}
		out = append(out, DetectedMarker{ID: c.id, Translation: tvec, Rodrigues: rvec, Corners: c.corners})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func finite(v mgl64.Vec3) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

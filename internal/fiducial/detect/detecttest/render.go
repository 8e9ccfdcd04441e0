// Package detecttest renders synthetic camera frames containing markers for
// tests of packages that consume detections.
package detecttest

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/banshee-data/fiducial.tracker/internal/fiducial/detect"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/geom"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/intrinsics"
)

const (
	PaperLevel = 235
	InkLevel   = 20
)

// Placement puts one printed marker in front of the camera.
type Placement struct {
	Dict *detect.Dictionary
	ID   int
	Size float64
	// Rodrigues and Translation are the marker-to-camera pose.
	Rodrigues   mgl64.Vec3
	Translation mgl64.Vec3
}

// Intrinsics returns a distortion-free 640x480 calibration.
func Intrinsics() intrinsics.CameraIntrinsics {
	return intrinsics.CameraIntrinsics{
		FocalLength:    [2]float64{800, 800},
		PrincipalPoint: [2]float64{320, 240},
	}
}

// Facing returns the rotation vector of a marker facing the camera upright,
// then turned by the given angles in degrees about its own axes.
func Facing(aboutX, aboutY, aboutZ float64) mgl64.Vec3 {
	flip := mgl64.QuatRotate(math.Pi, mgl64.Vec3{1, 0, 0})
	local := mgl64.QuatRotate(mgl64.DegToRad(aboutX), mgl64.Vec3{1, 0, 0}).
		Mul(mgl64.QuatRotate(mgl64.DegToRad(aboutY), mgl64.Vec3{0, 1, 0})).
		Mul(mgl64.QuatRotate(mgl64.DegToRad(aboutZ), mgl64.Vec3{0, 0, 1}))
	return geom.RodriguesFromQuat(flip.Mul(local))
}

// Supersample is the per-axis sample count behind each rendered pixel, so
// marker edges come out anti-aliased as they do through a real lens.
const Supersample = 4

type plane struct {
	inv  mgl64.Mat3
	code uint64
	n    int
	size float64
}

// level returns the printed intensity at a point of the marker plane, and
// false when the point is off the marker.
func (p plane) level(ray [2]float64) (uint8, bool) {
	q := p.inv.Mul3x1(mgl64.Vec3{ray[0], ray[1], 1})
	if q[2] == 0 {
		return 0, false
	}
	px, py := q[0]/q[2], q[1]/q[2]
	cell := p.size / float64(p.n+2)
	c := int(math.Floor((px + p.size/2) / cell))
	r := int(math.Floor((p.size/2 - py) / cell))
	if r < 0 || c < 0 || r > p.n+1 || c > p.n+1 {
		return 0, false
	}
	black := r == 0 || c == 0 || r == p.n+1 || c == p.n+1 ||
		p.code>>uint((r-1)*p.n+(c-1))&1 == 0
	if black {
		return InkLevel, true
	}
	return PaperLevel, true
}

// Render ray-casts Supersample² points per pixel onto each marker plane
// through the detector's lens model. Later placements cover earlier ones.
func Render(w, h int, intr intrinsics.CameraIntrinsics, format detect.PixelFormat, markers ...Placement) detect.Image {
	planes := make([]plane, 0, len(markers))
	for _, m := range markers {
		rot := geom.Mat3FromRodrigues(m.Rodrigues)
		code, _ := m.Dict.Code(m.ID)
		planes = append(planes, plane{
			inv:  mgl64.Mat3FromCols(rot.Col(0), rot.Col(1), m.Translation).Inv(),
			code: code,
			n:    m.Dict.MarkerBits,
			size: m.Size,
		})
	}

	gray := make([]uint8, w*h)
	const samples = Supersample * Supersample
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			acc := 0
			for sy := 0; sy < Supersample; sy++ {
				for sx := 0; sx < Supersample; sx++ {
					u := float64(x) + (float64(sx)+0.5)/Supersample - 0.5
					v := float64(y) + (float64(sy)+0.5)/Supersample - 0.5
					lv := uint8(PaperLevel)
					if len(planes) > 0 {
						ray := detect.Undistort([2]float64{u, v}, intr)
						for _, p := range planes {
							if l, ok := p.level(ray); ok {
								lv = l
							}
						}
					}
					acc += int(lv)
				}
			}
			gray[y*w+x] = uint8((acc + samples/2) / samples)
		}
	}

	if format == detect.PixelFormatGray8 {
		return detect.Image{Pix: gray, Width: w, Height: h, Format: detect.PixelFormatGray8}
	}
	pix := make([]byte, 4*w*h)
	for i, v := range gray {
		pix[4*i], pix[4*i+1], pix[4*i+2], pix[4*i+3] = v, v, v, 0xff
	}
	return detect.Image{Pix: pix, Width: w, Height: h, Format: detect.PixelFormatBGRA8}
}

package detect

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fiducial.tracker/internal/fiducial/geom"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/intrinsics"
)

const (
	paperLevel = 235
	inkLevel   = 20
)

// placement puts one printed marker in front of the camera.
type placement struct {
	dict *Dictionary
	id   int
	size float64
	rvec mgl64.Vec3
	tvec mgl64.Vec3
}

func testIntrinsics() intrinsics.CameraIntrinsics {
	return intrinsics.CameraIntrinsics{
		FocalLength:    [2]float64{800, 800},
		PrincipalPoint: [2]float64{320, 240},
	}
}

// facing returns the rotation vector of a marker that faces the camera
// upright, then turned by the given angles (degrees) about its own axes.
func facing(aboutX, aboutY, aboutZ float64) mgl64.Vec3 {
	flip := mgl64.QuatRotate(math.Pi, mgl64.Vec3{1, 0, 0})
	local := mgl64.QuatRotate(mgl64.DegToRad(aboutX), mgl64.Vec3{1, 0, 0}).
		Mul(mgl64.QuatRotate(mgl64.DegToRad(aboutY), mgl64.Vec3{0, 1, 0})).
		Mul(mgl64.QuatRotate(mgl64.DegToRad(aboutZ), mgl64.Vec3{0, 0, 1}))
	return geom.RodriguesFromQuat(flip.Mul(local))
}

func mustDictionary(t testing.TB, id DictionaryID) *Dictionary {
	t.Helper()
	d, err := id.Dictionary()
	require.NoError(t, err)
	return d
}

const supersample = 4

// renderScene ray-casts supersample² points per pixel onto each marker
// plane, going through the same lens model the detector inverts, so marker
// edges are anti-aliased.
func renderScene(w, h int, intr intrinsics.CameraIntrinsics, format PixelFormat, markers ...placement) Image {
	type plane struct {
		inv  mgl64.Mat3
		code uint64
		n    int
		size float64
	}
	planes := make([]plane, 0, len(markers))
	for _, m := range markers {
		rot := geom.Mat3FromRodrigues(m.rvec)
		code, _ := m.dict.Code(m.id)
		planes = append(planes, plane{
			inv:  mgl64.Mat3FromCols(rot.Col(0), rot.Col(1), m.tvec).Inv(),
			code: code,
			n:    m.dict.MarkerBits,
			size: m.size,
		})
	}
	level := func(u, v float64) int {
		lv := paperLevel
		if len(planes) == 0 {
			return lv
		}
		ray := undistort(point{u, v}, intr)
		for _, p := range planes {
			q := p.inv.Mul3x1(mgl64.Vec3{ray[0], ray[1], 1})
			if q[2] == 0 {
				continue
			}
			px, py := q[0]/q[2], q[1]/q[2]
			cell := p.size / float64(p.n+2)
			c := int(math.Floor((px + p.size/2) / cell))
			r := int(math.Floor((p.size/2 - py) / cell))
			if r < 0 || c < 0 || r > p.n+1 || c > p.n+1 {
				continue
			}
			black := r == 0 || c == 0 || r == p.n+1 || c == p.n+1 ||
				p.code>>uint((r-1)*p.n+(c-1))&1 == 0
			if black {
				lv = inkLevel
			} else {
				lv = paperLevel
			}
		}
		return lv
	}

	gray := make([]uint8, w*h)
	const samples = supersample * supersample
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			acc := 0
			for sy := 0; sy < supersample; sy++ {
				for sx := 0; sx < supersample; sx++ {
					acc += level(
						float64(x)+(float64(sx)+0.5)/supersample-0.5,
						float64(y)+(float64(sy)+0.5)/supersample-0.5,
					)
				}
			}
			gray[y*w+x] = uint8((acc + samples/2) / samples)
		}
	}

	if format == PixelFormatGray8 {
		return Image{Pix: gray, Width: w, Height: h, Format: PixelFormatGray8}
	}
	pix := make([]byte, 4*w*h)
	for i, v := range gray {
		pix[4*i], pix[4*i+1], pix[4*i+2], pix[4*i+3] = v, v, v, 0xff
	}
	return Image{Pix: pix, Width: w, Height: h, Format: PixelFormatBGRA8}
}

// rotationError is the angle in degrees between two rotation vectors.
func rotationError(a, b mgl64.Vec3) float64 {
	qa, qb := geom.QuatFromRodrigues(a), geom.QuatFromRodrigues(b)
	d := math.Min(1, math.Abs(qa.Dot(qb)))
	return mgl64.RadToDeg(2 * math.Acos(d))
}

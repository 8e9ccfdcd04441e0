package detect

import (
	"image"
	"math"

	"gocv.io/x/gocv"
)

const (
	// sampleCellPixels is the cell size of the rectified candidate.
	sampleCellPixels = 8
	// ignoredCellMargin is the fraction of each cell edge left out when
	// counting white pixels.
	ignoredCellMargin = 0.13
)

type point = [2]float64

// signedArea is the shoelace area; it is positive for quads listed
// clockwise on screen (y down).
func signedArea(poly []point) float64 {
	var a float64
	for i := range poly {
		j := (i + 1) % len(poly)
		a += poly[i][0]*poly[j][1] - poly[j][0]*poly[i][1]
	}
	return a / 2
}

func polygonArea(poly []point) float64 { return math.Abs(signedArea(poly)) }

// clockwise reorders q so it runs clockwise on screen.
func clockwise(q [4]point) [4]point {
	if signedArea(q[:]) < 0 {
		q[1], q[3] = q[3], q[1]
	}
	return q
}

// candidateQuads returns every quad OpenCV accepts as a marker outline,
// decoded or not. Outline extraction does not depend on the dictionary, so
// any predefined detector finds the same candidates. Rejected candidates
// come back without corner refinement and are refined here.
func (d *Detector) candidateQuads(gray gocv.Mat) [][4]point {
	accepted, _, rejected := d.aruco(Dict4X4_50).detectMarkers(gray)
	quads := make([][4]point, 0, len(accepted)+len(rejected))
	for _, pts := range accepted {
		if q, ok := quadFromPoints(pts); ok {
			quads = append(quads, clockwise(q))
		}
	}
	for _, pts := range rejected {
		if q, ok := quadFromPoints(pts); ok {
			quads = append(quads, refineCorners(gray, clockwise(q), d.params.CornerRefinementWindow))
		}
	}
	return quads
}

func refineCorners(gray gocv.Mat, q [4]point, win int) [4]point {
	if win <= 0 {
		return q
	}
	m := gocv.NewMatWithSize(4, 2, gocv.MatTypeCV32F)
	defer m.Close()
	for i, p := range q {
		m.SetFloatAt(i, 0, float32(p[0]))
		m.SetFloatAt(i, 1, float32(p[1]))
	}
	criteria := gocv.NewTermCriteria(gocv.Count|gocv.EPS, 30, 0.01)
	gocv.CornerSubPix(gray, &m, image.Pt(win, win), image.Pt(-1, -1), criteria)
	for i := range q {
		q[i] = point{float64(m.GetFloatAt(i, 0)), float64(m.GetFloatAt(i, 1))}
	}
	return q
}

// readBits rectifies the quad onto an (n+2)×(n+2) grid, binarises it with
// Otsu and returns the interior code. Bit r*n+c is 1 when the cell is white.
// ok is false when too many border cells read white.
func readBits(gray gocv.Mat, quad [4]point, n int, p DetectorParams) (code uint64, ok bool) {
	cells := n + 2
	side := cells * sampleCellPixels
	last := float32(side - 1)

	srcPts := make([]gocv.Point2f, 4)
	for i, c := range quad {
		srcPts[i] = gocv.Point2f{X: float32(c[0]), Y: float32(c[1])}
	}
	src := gocv.NewPoint2fVectorFromPoints(srcPts)
	defer src.Close()
	dst := gocv.NewPoint2fVectorFromPoints([]gocv.Point2f{{X: 0, Y: 0}, {X: last, Y: 0}, {X: last, Y: last}, {X: 0, Y: last}})
	defer dst.Close()

	hm := gocv.GetPerspectiveTransform2f(src, dst)
	defer hm.Close()
	warped := gocv.NewMat()
	defer warped.Close()
	gocv.WarpPerspective(gray, &warped, hm, image.Pt(side, side))

	// A flat interior is read as all black, as OpenCV does.
	flat := interiorStdDev(warped.ToBytes(), side) < p.MinCellContrast

	bin := gocv.NewMat()
	defer bin.Close()
	gocv.Threshold(warped, &bin, 125, 255, gocv.ThresholdBinary|gocv.ThresholdOtsu)

	cellMargin := float64(sampleCellPixels) * ignoredCellMargin
	margin := int(cellMargin)
	inner := sampleCellPixels - 2*margin
	allowed := int(p.MaxErroneousBorderRate * float64(4*(n+1)))
	whiteBorder := 0
	for r := 0; r < cells; r++ {
		for c := 0; c < cells; c++ {
			border := r == 0 || c == 0 || r == cells-1 || c == cells-1
			if !border && flat {
				continue
			}
			x0, y0 := c*sampleCellPixels+margin, r*sampleCellPixels+margin
			roi := bin.Region(image.Rect(x0, y0, x0+inner, y0+inner))
			white := gocv.CountNonZero(roi) > inner*inner/2
			roi.Close()
			switch {
			case border && white:
				whiteBorder++
			case !border && white:
				code |= 1 << uint((r-1)*n+(c-1))
			}
		}
	}
	if whiteBorder > allowed {
		return 0, false
	}
	return code, true
}

// interiorStdDev is the intensity spread inside the border ring of a
// rectified candidate.
func interiorStdDev(pix []byte, side int) float64 {
	lo, hi := sampleCellPixels, side-sampleCellPixels
	if len(pix) < side*side || hi <= lo {
		return 0
	}
	var sum, sq float64
	for y := lo; y < hi; y++ {
		for x := lo; x < hi; x++ {
			v := float64(pix[y*side+x])
			sum += v
			sq += v * v
		}
	}
	n := float64((hi - lo) * (hi - lo))
	mean := sum / n
	return math.Sqrt(math.Max(0, sq/n-mean*mean))
}

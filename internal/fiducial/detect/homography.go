package detect

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// homography is a row-major 3×3 projective map with h[8] == 1.
type homography [9]float64

// solveHomography maps the four src points onto dst exactly.
func solveHomography(src, dst [4]point) (homography, bool) {
	a := mat.NewDense(8, 8, nil)
	b := mat.NewVecDense(8, nil)
	for i := 0; i < 4; i++ {
		x, y := src[i][0], src[i][1]
		u, v := dst[i][0], dst[i][1]
		a.SetRow(2*i, []float64{x, y, 1, 0, 0, 0, -u * x, -u * y})
		a.SetRow(2*i+1, []float64{0, 0, 0, x, y, 1, -v * x, -v * y})
		b.SetVec(2*i, u)
		b.SetVec(2*i+1, v)
	}
	var sol mat.VecDense
	if err := sol.SolveVec(a, b); err != nil {
		return homography{}, false
	}
	var h homography
	for i := 0; i < 8; i++ {
		h[i] = sol.AtVec(i)
		if math.IsNaN(h[i]) || math.IsInf(h[i], 0) {
			return homography{}, false
		}
	}
	h[8] = 1
	return h, true
}

package detect

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/fiducial.tracker/internal/fiducial/geom"
	"github.com/banshee-data/fiducial.tracker/internal/fiducial/intrinsics"
)

// undistort maps a pixel to normalised image coordinates, inverting the
// Brown-Conrady model by fixed-point iteration.
func undistort(px point, intr intrinsics.CameraIntrinsics) point {
	fx, fy := intr.FocalLength[0], intr.FocalLength[1]
	cx, cy := intr.PrincipalPoint[0], intr.PrincipalPoint[1]
	d := intr.Distortion()
	k1, k2, p1, p2, k3 := d[0], d[1], d[2], d[3], d[4]

	x0, y0 := (px[0]-cx)/fx, (px[1]-cy)/fy
	if d == [5]float64{} {
		return point{x0, y0}
	}
	x, y := x0, y0
	for i := 0; i < 20; i++ {
		r2 := x*x + y*y
		radial := 1 + r2*(k1+r2*(k2+r2*k3))
		dx := 2*p1*x*y + p2*(r2+2*x*x)
		dy := p1*(r2+2*y*y) + 2*p2*x*y
		nx, ny := (x0-dx)/radial, (y0-dy)/radial
		if math.Abs(nx-x) < 1e-12 && math.Abs(ny-y) < 1e-12 {
			return point{nx, ny}
		}
		x, y = nx, ny
	}
	return point{x, y}
}

// Undistort maps a pixel to normalised, distortion-free image coordinates
// on the z = 1 plane.
func Undistort(px [2]float64, intr intrinsics.CameraIntrinsics) [2]float64 {
	return undistort(px, intr)
}

// markerObjectPoints returns the marker corners in the marker frame in
// top-left, top-right, bottom-right, bottom-left order (z = 0).
func markerObjectPoints(size float64) [4]point {
	h := size / 2
	return [4]point{{-h, h}, {h, h}, {h, -h}, {-h, -h}}
}

// solvePlanarPose estimates the marker-to-camera rotation vector and
// translation from four undistorted, normalised corner observations. A
// planar target seen at a shallow angle has two poses that reproject almost
// equally well; both are refined and the lower reprojection error wins.
func solvePlanarPose(obj, img [4]point) (rvec, tvec mgl64.Vec3, ok bool) {
	hm, ok := solveHomography(obj, img)
	if !ok {
		return rvec, tvec, false
	}
	h1 := mgl64.Vec3{hm[0], hm[3], hm[6]}
	h2 := mgl64.Vec3{hm[1], hm[4], hm[7]}
	h3 := mgl64.Vec3{hm[2], hm[5], hm[8]}
	norm := h1.Len() + h2.Len()
	if norm < 1e-12 {
		return rvec, tvec, false
	}
	lambda := 2 / norm
	r1, r2, t := h1.Mul(lambda), h2.Mul(lambda), h3.Mul(lambda)
	if t[2] < 0 {
		r1, r2, t = r1.Mul(-1), r2.Mul(-1), t.Mul(-1)
	}

	rot, ok := nearestRotation(mgl64.Mat3FromCols(r1, r2, r1.Cross(r2)))
	if !ok {
		return rvec, tvec, false
	}

	bestCost := math.Inf(1)
	for _, start := range [2]mgl64.Mat3{rot, alternateRotation(rot, t)} {
		params := [6]float64{}
		rv := geom.RodriguesFromMat3(start)
		copy(params[:3], rv[:])
		copy(params[3:], t[:])

		params = refinePose(params, obj, img)
		cost := sumSquares(reprojectionResiduals(params, obj, img))
		if !(params[5] > 0) || !(cost < bestCost) {
			continue
		}
		bestCost = cost
		rvec = mgl64.Vec3{params[0], params[1], params[2]}
		tvec = mgl64.Vec3{params[3], params[4], params[5]}
	}
	return rvec, tvec, !math.IsInf(bestCost, 1)
}

// alternateRotation is the other solution of the planar pose ambiguity: the
// marker normal mirrored about the line of sight t, keeping the in-plane
// axes facing the same way on screen.
func alternateRotation(rot mgl64.Mat3, t mgl64.Vec3) mgl64.Mat3 {
	if t.Len() < 1e-12 {
		return rot
	}
	v := t.Normalize()
	halfTurn := v.OuterProd3(v).Mul(2).Sub(mgl64.Ident3())
	return halfTurn.Mul3(rot).Mul3(mgl64.Diag3(mgl64.Vec3{-1, -1, 1}))
}

// nearestRotation projects m onto SO(3) with an SVD, forcing det = +1.
func nearestRotation(m mgl64.Mat3) (mgl64.Mat3, bool) {
	a := mat.NewDense(3, 3, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			a.Set(r, c, m.At(r, c))
		}
	}
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return mgl64.Mat3{}, false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	if mat.Det(&u)*mat.Det(&v) < 0 {
		for r := 0; r < 3; r++ {
			u.Set(r, 2, -u.At(r, 2))
		}
	}
	var rot mat.Dense
	rot.Mul(&u, v.T())

	var out mgl64.Mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out.Set(r, c, rot.At(r, c))
		}
	}
	return out, true
}

func reprojectionResiduals(params [6]float64, obj, img [4]point) [8]float64 {
	var res [8]float64
	rot := geom.Mat3FromRodrigues(mgl64.Vec3{params[0], params[1], params[2]})
	t := mgl64.Vec3{params[3], params[4], params[5]}
	for i := 0; i < 4; i++ {
		p := rot.Mul3x1(mgl64.Vec3{obj[i][0], obj[i][1], 0}).Add(t)
		if p[2] < 1e-9 {
			res[2*i], res[2*i+1] = 1e3, 1e3
			continue
		}
		res[2*i] = p[0]/p[2] - img[i][0]
		res[2*i+1] = p[1]/p[2] - img[i][1]
	}
	return res
}

func sumSquares(r [8]float64) float64 {
	var s float64
	for _, v := range r {
		s += v * v
	}
	return s
}

// refinePose runs Levenberg-Marquardt on the reprojection error with a
// central-difference Jacobian.
func refinePose(params [6]float64, obj, img [4]point) [6]float64 {
	const (
		maxIterations = 30
		step          = 1e-7
	)
	res := reprojectionResiduals(params, obj, img)
	cost := sumSquares(res)
	damping := 1e-3

	jac := mat.NewDense(8, 6, nil)
	for iter := 0; iter < maxIterations && cost > 1e-24; iter++ {
		for j := 0; j < 6; j++ {
			plus, minus := params, params
			plus[j] += step
			minus[j] -= step
			rp := reprojectionResiduals(plus, obj, img)
			rm := reprojectionResiduals(minus, obj, img)
			for i := 0; i < 8; i++ {
				jac.Set(i, j, (rp[i]-rm[i])/(2*step))
			}
		}
		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		var grad mat.VecDense
		grad.MulVec(jac.T(), mat.NewVecDense(8, res[:]))

		improved := false
		for damping < 1e10 {
			a := mat.DenseCopyOf(&jtj)
			for k := 0; k < 6; k++ {
				a.Set(k, k, a.At(k, k)*(1+damping)+1e-15)
			}
			var delta mat.VecDense
			if err := delta.SolveVec(a, &grad); err != nil {
				damping *= 10
				continue
			}
			candidate := params
			var stepNorm float64
			for k := 0; k < 6; k++ {
				candidate[k] -= delta.AtVec(k)
				stepNorm += delta.AtVec(k) * delta.AtVec(k)
			}
			candRes := reprojectionResiduals(candidate, obj, img)
			if c := sumSquares(candRes); c < cost {
				params, res, cost = candidate, candRes, c
				damping = math.Max(damping/10, 1e-12)
				improved = stepNorm > 1e-24
				break
			}
			damping *= 10
		}
		if !improved {
			break
		}
	}
	return params
}

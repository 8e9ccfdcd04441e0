package detect

import (
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// cv::aruco::CORNER_REFINE_SUBPIX
const cornerRefineSubpix = 1

// codeCellPixels is the cell size used when reading codes out of OpenCV.
const codeCellPixels = 8

func (id DictionaryID) arucoCode() gocv.ArucoDictionaryCode {
	return gocv.ArucoDictionaryCode(id)
}

// extractCodebook renders every marker of a predefined dictionary with
// OpenCV and reads the interior cells back, so Code matches what the
// detector decodes bit for bit.
func extractCodebook(id DictionaryID, fam dictionaryFamily) []uint64 {
	n := fam.bits
	img := gocv.NewMat()
	defer img.Close()

	codes := make([]uint64, fam.size)
	for i := range codes {
		gocv.ArucoGenerateImageMarker(id.arucoCode(), i, (n+2)*codeCellPixels, img, 1)
		var code uint64
		for r := 0; r < n; r++ {
			for c := 0; c < n; c++ {
				y := (r+1)*codeCellPixels + codeCellPixels/2
				x := (c+1)*codeCellPixels + codeCellPixels/2
				if img.GetUCharAt(y, x) > 127 {
					code |= 1 << uint(r*n+c)
				}
			}
		}
		codes[i] = code
	}
	return codes
}

func (p DetectorParams) aruco() gocv.ArucoDetectorParameters {
	ap := gocv.NewArucoDetectorParameters()
	if w := p.ThresholdWindow; w > 0 {
		w = max(3, w|1)
		ap.SetAdaptiveThreshWinSizeMin(w)
		ap.SetAdaptiveThreshWinSizeMax(w)
	}
	ap.SetAdaptiveThreshConstant(float64(p.ThresholdOffset))
	ap.SetMinMarkerPerimeterRate(p.MinPerimeterRate)
	ap.SetMaxMarkerPerimeterRate(p.MaxPerimeterRate)
	ap.SetPolygonalApproxAccuracyRate(p.PolygonalApproxRate)
	ap.SetMinDistanceToBorder(p.BorderMargin)
	ap.SetMinOtsuStdDev(p.MinCellContrast)
	ap.SetMaxErroneousBitsInBorderRate(p.MaxErroneousBorderRate)
	ap.SetErrorCorrectionRate(p.ErrorCorrectionRate)
	ap.SetCornerRefinementMethod(cornerRefineSubpix)
	ap.SetCornerRefinementWinSize(p.CornerRefinementWindow)
	return ap
}

// arucoDetector serialises calls into one OpenCV detector.
type arucoDetector struct {
	mu     sync.Mutex
	det    gocv.ArucoDetector
	closed bool
}

func (a *arucoDetector) detectMarkers(gray gocv.Mat) (corners [][]gocv.Point2f, ids []int, rejected [][]gocv.Point2f) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, nil, nil
	}
	return a.det.DetectMarkers(gray)
}

func (a *arucoDetector) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.det.Close()
		a.closed = true
	}
}

// aruco returns the cached OpenCV detector for a predefined dictionary.
func (d *Detector) aruco(id DictionaryID) *arucoDetector {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.detectors[id]; ok {
		return a
	}
	a := &arucoDetector{
		det: gocv.NewArucoDetectorWithParams(gocv.GetPredefinedDictionary(id.arucoCode()), d.params.aruco()),
	}
	d.detectors[id] = a
	return a
}

// Close releases the OpenCV detectors. The Detector stays usable and builds
// new ones on demand.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, a := range d.detectors {
		a.close()
		delete(d.detectors, id)
	}
	return nil
}

// grayMat copies a validated frame into an 8-bit single channel Mat owned by
// OpenCV.
func grayMat(img Image) (gocv.Mat, error) {
	w, h := img.Width, img.Height
	switch img.Format {
	case PixelFormatGray8:
		src, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC1, img.Pix[:w*h])
		if err != nil {
			return gocv.Mat{}, fmt.Errorf("wrap gray frame: %w", err)
		}
		defer src.Close()
		return src.Clone(), nil
	case PixelFormatBGRA8:
		src, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC4, img.Pix[:4*w*h])
		if err != nil {
			return gocv.Mat{}, fmt.Errorf("wrap bgra frame: %w", err)
		}
		defer src.Close()
		gray := gocv.NewMat()
		gocv.CvtColor(src, &gray, gocv.ColorBGRAToGray)
		return gray, nil
	default:
		return gocv.Mat{}, fmt.Errorf("unsupported pixel format %s", img.Format)
	}
}

func quadFromPoints(pts []gocv.Point2f) ([4]point, bool) {
	var q [4]point
	if len(pts) != 4 {
		return q, false
	}
	for i, p := range pts {
		q[i] = point{float64(p.X), float64(p.Y)}
	}
	return q, true
}

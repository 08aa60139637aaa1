package omr

import (
	"image"

	"gocv.io/x/gocv"
)

// CanonicalPage is a binarized, perspective corrected page of the calibrated size.
// All grid coordinates are expressed in its pixel space.
type CanonicalPage struct {
	mat     gocv.Mat
	samples []image.Point
	record  bool
}

// NewCanonicalPage wraps an already rectified single channel image. The page takes
// ownership of mat.
func NewCanonicalPage(mat gocv.Mat) *CanonicalPage {
	return &CanonicalPage{mat: mat}
}

// Size returns the page width and height.
func (p *CanonicalPage) Size() image.Point {
	return image.Pt(p.mat.Cols(), p.mat.Rows())
}

// Intensity returns the pixel value at (x, y). ok is false outside the page.
func (p *CanonicalPage) Intensity(x, y int) (value uint8, ok bool) {
	if p.record {
		p.samples = append(p.samples, image.Pt(x, y))
	}
	if x < 0 || y < 0 || x >= p.mat.Cols() || y >= p.mat.Rows() {
		return 0, false
	}
	return p.mat.GetUCharAt(y, x), true
}

// Mat exposes the underlying image for overlays and matching.
func (p *CanonicalPage) Mat() gocv.Mat {
	return p.mat
}

// RecordSamples makes the page remember every sampled point for the analysis overlay.
func (p *CanonicalPage) RecordSamples() {
	p.record = true
}

// Samples returns the points sampled since RecordSamples.
func (p *CanonicalPage) Samples() []image.Point {
	return p.samples
}

func (p *CanonicalPage) Close() error {
	return p.mat.Close()
}

// Rectify warps the Otsu binarized image so the detected corners land on the corners
// of the canonical page.
func Rectify(geo *Geometry, cal Calibration) (*CanonicalPage, error) {
	if geo.Corners.Degenerate() {
		return nil, newGeometryNotFoundError(geo.Vertices, geo.Corners)
	}

	w, h := float32(cal.PageSize.X), float32(cal.PageSize.Y)
	c := geo.Corners

	src := gocv.NewPoint2fVectorFromPoints([]gocv.Point2f{
		toPoint2f(c.TopLeft),
		toPoint2f(c.TopRight),
		toPoint2f(c.BottomLeft),
		toPoint2f(c.BottomRight),
	})
	defer src.Close()
	dst := gocv.NewPoint2fVectorFromPoints([]gocv.Point2f{
		{X: 0, Y: 0},
		{X: w, Y: 0},
		{X: 0, Y: h},
		{X: w, Y: h},
	})
	defer dst.Close()

	m := gocv.GetPerspectiveTransform2f(src, dst)
	defer m.Close()

	warped := gocv.NewMat()
	gocv.WarpPerspective(geo.Binary, &warped, m, cal.PageSize)
	return NewCanonicalPage(warped), nil
}

func toPoint2f(p image.Point) gocv.Point2f {
	return gocv.Point2f{X: float32(p.X), Y: float32(p.Y)}
}

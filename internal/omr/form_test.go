package omr

import (
	"image"
	"image/color"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"gocv.io/x/gocv"
)

var (
	black = color.RGBA{0, 0, 0, 0}
	white = color.RGBA{255, 255, 255, 0}
)

const (
	photoMargin = 40
	triangleLeg = 60
)

var (
	pageOneMarker = image.Pt(1700, 150)
	pageTwoMarker = image.Pt(150, 2800)
)

func whiteMat(w, h int) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 255, 255, 0), h, w, gocv.MatTypeCV8U)
}

// markerTemplate is a square ring, which approximates to four vertices and so never
// passes for a corner triangle.
func markerTemplate() gocv.Mat {
	m := whiteMat(100, 100)
	gocv.Rectangle(&m, image.Rect(20, 20, 80, 80), black, -1)
	gocv.Rectangle(&m, image.Rect(40, 40, 60, 60), white, -1)
	return m
}

// answerKey is the choice filled for an item, as an index into ABCDE.
func answerKey(part, item int) int {
	return (part + item) % 5
}

// testForm draws a filled-in form in canonical page coordinates.
type testForm struct {
	cal     Calibration
	sampler Sampler
	page    gocv.Mat
}

func newTestForm(t *testing.T) *testForm {
	t.Helper()
	cal := DefaultCalibration()
	f := &testForm{cal: cal, sampler: NewSampler(cal), page: whiteMat(cal.PageSize.X, cal.PageSize.Y)}
	t.Cleanup(func() { f.page.Close() })
	return f
}

// cell is the area around the four sample points of one candidate.
func (f *testForm) cell(g BubbleGrid, col, row int) image.Rectangle {
	pts := f.sampler.SamplePoints(g, col, row)
	return image.Rect(pts[0].X-4, pts[0].Y-4, pts[3].X+5, pts[3].Y+5)
}

func (f *testForm) fill(g BubbleGrid, col, row int) {
	gocv.Rectangle(&f.page, f.cell(g, col, row), black, -1)
}

func (f *testForm) erase(g BubbleGrid, col, row int) {
	gocv.Rectangle(&f.page, f.cell(g, col, row), white, -1)
}

func (f *testForm) stamp(tmpl gocv.Mat, at image.Point) {
	region := f.page.Region(image.Rect(at.X, at.Y, at.X+tmpl.Cols(), at.Y+tmpl.Rows()))
	defer region.Close()
	tmpl.CopyTo(&region)
}

func (f *testForm) studentNumber(origin image.Point, number string) {
	layout := f.cal.StudentNumber
	for b, block := range strings.Split(number, "-") {
		grid := BubbleGrid{
			Origin:   origin.Add(image.Pt(b*layout.BlockOffset, 0)),
			Count:    len(block),
			Alphabet: digitAlphabet,
			Axis:     AlongX,
			Pitch:    layout.Pitch,
		}
		for j, r := range block {
			d, _ := strconv.Atoi(string(r))
			f.fill(grid, j, d)
		}
	}
}

// answers fills every item of the given parts on one side with answerKey.
func (f *testForm) answers(layout PageLayout, parts ...int) {
	want := make(map[int]bool)
	for _, p := range parts {
		want[p] = true
	}
	for _, part := range layout.Parts {
		if !want[part.Part] {
			continue
		}
		for _, col := range part.Columns {
			grid := BubbleGrid{
				Origin:   image.Pt(col.X, col.Y),
				Count:    col.Items,
				Alphabet: len(f.cal.Choices),
				Axis:     AlongY,
				Pitch:    f.cal.ChoicePitch,
			}
			for j := 0; j < col.Items; j++ {
				f.fill(grid, answerKey(part.Part, col.Start+j+1), j)
			}
		}
	}
}

// canonical returns a copy of the drawn page as a CanonicalPage.
func (f *testForm) canonical() *CanonicalPage {
	return NewCanonicalPage(f.page.Clone())
}

// photo embeds the page in a white margin and, if corners is set, draws the four
// triangular markers with their outer vertices on the page corners.
func (f *testForm) photo(corners bool) gocv.Mat {
	size := f.cal.PageSize
	out := whiteMat(size.X+2*photoMargin, size.Y+2*photoMargin)
	r := image.Rect(photoMargin, photoMargin, photoMargin+size.X, photoMargin+size.Y)
	region := out.Region(r)
	f.page.CopyTo(&region)
	region.Close()
	if corners {
		drawCornerTriangles(&out, r)
	}
	return out
}

// warp maps the page area of a flat photo onto quad in a white canvas of the given size,
// as a tilted camera would see it.
func (f *testForm) warp(flat gocv.Mat, canvas image.Point, quad Quadrilateral) gocv.Mat {
	m, size := float32(photoMargin), f.cal.PageSize
	w, h := m+float32(size.X), m+float32(size.Y)
	src := gocv.NewPoint2fVectorFromPoints([]gocv.Point2f{{X: m, Y: m}, {X: w, Y: m}, {X: m, Y: h}, {X: w, Y: h}})
	defer src.Close()
	dst := gocv.NewPoint2fVectorFromPoints([]gocv.Point2f{
		toPoint2f(quad.TopLeft),
		toPoint2f(quad.TopRight),
		toPoint2f(quad.BottomLeft),
		toPoint2f(quad.BottomRight),
	})
	defer dst.Close()

	xf := gocv.GetPerspectiveTransform2f(src, dst)
	defer xf.Close()
	out := gocv.NewMat()
	gocv.WarpPerspectiveWithParams(flat, &out, xf, canvas, gocv.InterpolationLinear, gocv.BorderConstant, white)
	return out
}

func drawCornerTriangles(img *gocv.Mat, r image.Rectangle) {
	l := triangleLeg
	triangles := [][]image.Point{
		{r.Min, image.Pt(r.Min.X+l, r.Min.Y), image.Pt(r.Min.X, r.Min.Y+l)},
		{image.Pt(r.Max.X, r.Min.Y), image.Pt(r.Max.X-l, r.Min.Y), image.Pt(r.Max.X, r.Min.Y+l)},
		{image.Pt(r.Min.X, r.Max.Y), image.Pt(r.Min.X+l, r.Max.Y), image.Pt(r.Min.X, r.Max.Y-l)},
		{r.Max, image.Pt(r.Max.X-l, r.Max.Y), image.Pt(r.Max.X, r.Max.Y-l)},
	}
	pv := gocv.NewPointsVectorFromPoints(triangles)
	defer pv.Close()
	gocv.FillPoly(img, pv, black)
}

func writePNG(t testing.TB, dir, name string, img gocv.Mat) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if !gocv.IMWrite(path, img) {
		t.Fatalf("write %s", path)
	}
	return path
}

// pageOneForm draws a marked page one with the given parts answered by answerKey.
func pageOneForm(t *testing.T, number string, parts ...int) *testForm {
	t.Helper()
	f := newTestForm(t)
	tmpl := markerTemplate()
	defer tmpl.Close()
	f.stamp(tmpl, pageOneMarker)
	f.studentNumber(f.cal.PageOne.StudentNumber, number)
	f.answers(f.cal.PageOne, parts...)
	return f
}

func pageTwoForm(t *testing.T, number string, parts ...int) *testForm {
	t.Helper()
	f := newTestForm(t)
	tmpl := markerTemplate()
	defer tmpl.Close()
	f.stamp(tmpl, pageTwoMarker)
	f.studentNumber(f.cal.PageTwo.StudentNumber, number)
	f.answers(f.cal.PageTwo, parts...)
	return f
}

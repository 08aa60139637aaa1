package omr

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"gocv.io/x/gocv"
	"golang.org/x/image/bmp"
)

const studentA = "2021-00042"

type fixtureSet struct {
	dir       string
	marker    string
	pageOne   string
	pageTwo   string
	other     string
	noCorners string
	noMarker  string
}

var (
	fixturesOnce sync.Once
	fixtureDir   string
	shared       fixtureSet
)

func TestMain(m *testing.M) {
	code := m.Run()
	if fixtureDir != "" {
		os.RemoveAll(fixtureDir)
	}
	os.Exit(code)
}

// fixtures draws the test photographs once per test binary.
func fixtures(t *testing.T) fixtureSet {
	t.Helper()
	fixturesOnce.Do(func() {
		dir, err := os.MkdirTemp("", "omr-fixtures-")
		if err != nil {
			t.Fatalf("fixture dir: %v", err)
		}
		fixtureDir = dir
		shared.dir = dir

		tmpl := markerTemplate()
		shared.marker = writePNG(t, dir, "marker.png", tmpl)
		tmpl.Close()

		photo := func(name string, f *testForm, corners bool) string {
			img := f.photo(corners)
			defer img.Close()
			return writePNG(t, dir, name, img)
		}
		shared.pageOne = photo("page-one.png", pageOneForm(t, studentA, 1, 2, 3, 4), true)
		shared.pageTwo = photo("page-two.png", pageTwoForm(t, studentA, 5, 6, 7, 8, 9), true)
		shared.other = photo("other-one.png", pageOneForm(t, "2020-12345", 1, 2), true)
		shared.noCorners = photo("no-corners.png", pageOneForm(t, studentA, 1), false)

		blank := newTestForm(t)
		blank.studentNumber(blank.cal.PageOne.StudentNumber, studentA)
		shared.noMarker = photo("no-marker.png", blank, true)
	})
	if shared.pageOne == "" {
		t.Fatal("fixtures unavailable")
	}
	return shared
}

func newTestProcessor(t *testing.T, cal Calibration, opts ...Option) *Processor {
	t.Helper()
	cal.MarkerTemplate = fixtures(t).marker
	p, err := NewProcessor(cal, opts...)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

// expectKeyed checks that items from..to of a part carry answerKey.
func expectKeyed(t *testing.T, part int, got PartAnswers, from, to int) {
	t.Helper()
	for item := from; item <= to; item++ {
		want := Answer(string("ABCDE"[answerKey(part, item)]))
		if got[item] != want {
			t.Errorf("part %d item %d = %q, want %q", part, item, got[item], want)
		}
	}
}

func expectBlank(t *testing.T, part int, got PartAnswers, from, to int) {
	t.Helper()
	for item := from; item <= to; item++ {
		ans, ok := got[item]
		if !ok || ans != Blank {
			t.Errorf("part %d item %d = %q (present %v), want blank", part, item, ans, ok)
		}
	}
}

func near(a, b image.Point) bool {
	d := a.Sub(b)
	return d.X >= -2 && d.X <= 2 && d.Y >= -2 && d.Y <= 2
}

func TestProcessPageOne(t *testing.T) {
	fx := fixtures(t)
	p := newTestProcessor(t, DefaultCalibration())

	res, err := p.Process(FileSource(fx.pageOne))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Side != PageOne {
		t.Errorf("side = %v, want page-one", res.Side)
	}
	if res.StudentNumber != studentA {
		t.Errorf("student number = %q, want %q", res.StudentNumber, studentA)
	}
	if !near(res.Marker, pageOneMarker) {
		t.Errorf("marker at %v, want %v", res.Marker, pageOneMarker)
	}
	if res.MarkerConfidence < 0.9 {
		t.Errorf("marker confidence = %f", res.MarkerConfidence)
	}

	m := photoMargin
	wantCorners := Quadrilateral{
		TopLeft:     image.Pt(m, m),
		TopRight:    image.Pt(m+2000, m),
		BottomLeft:  image.Pt(m, m+3200),
		BottomRight: image.Pt(m+2000, m+3200),
	}
	got, want := res.Corners.Points(), wantCorners.Points()
	for i := range got {
		if !near(got[i], want[i]) {
			t.Errorf("corners = %v, want %v", res.Corners, wantCorners)
			break
		}
	}

	if !reflect.DeepEqual(res.Parts.Parts(), []int{1, 2, 3, 4, 5}) {
		t.Fatalf("parts = %v", res.Parts.Parts())
	}
	for part := 1; part <= 4; part++ {
		if n := len(res.Parts[part]); n != 110 {
			t.Errorf("part %d has %d items", part, n)
		}
		expectKeyed(t, part, res.Parts[part], 1, 110)
	}
	expectBlank(t, 5, res.Parts[5], 1, 55)
}

func TestProcessPageTwo(t *testing.T) {
	fx := fixtures(t)
	p := newTestProcessor(t, DefaultCalibration())

	res, err := p.Process(FileSource(fx.pageTwo))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Side != PageTwo {
		t.Errorf("side = %v, want page-two", res.Side)
	}
	if res.StudentNumber != studentA {
		t.Errorf("student number = %q, want %q", res.StudentNumber, studentA)
	}
	if !reflect.DeepEqual(res.Parts.Parts(), []int{1, 5, 6, 7, 8, 9}) {
		t.Fatalf("parts = %v", res.Parts.Parts())
	}
	if n := len(res.Parts[1]); n != 10 {
		t.Errorf("part 1 has %d items, want 10", n)
	}
	expectBlank(t, 1, res.Parts[1], 111, 120)
	expectKeyed(t, 5, res.Parts[5], 56, 110)
	for part := 6; part <= 9; part++ {
		expectKeyed(t, part, res.Parts[part], 1, 110)
	}
}

func TestProcessDistortedPhoto(t *testing.T) {
	f := pageOneForm(t, studentA, 1, 2, 3, 4)
	flat := f.photo(true)
	defer flat.Close()
	p := newTestProcessor(t, DefaultCalibration())
	dir := t.TempDir()

	tests := []struct {
		name   string
		canvas image.Point
		quad   Quadrilateral
	}{
		{
			name:   "keystone",
			canvas: image.Pt(2300, 3500),
			quad: Quadrilateral{
				TopLeft:     image.Pt(60, 110),
				TopRight:    image.Pt(2200, 40),
				BottomLeft:  image.Pt(130, 3420),
				BottomRight: image.Pt(2150, 3330),
			},
		},
		{
			// 5 degrees clockwise about the canvas centre.
			name:   "rotated",
			canvas: image.Pt(2500, 3600),
			quad: Quadrilateral{
				TopLeft:     image.Pt(393, 119),
				TopRight:    image.Pt(2386, 293),
				BottomLeft:  image.Pt(114, 3307),
				BottomRight: image.Pt(2107, 3481),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := f.warp(flat, tt.canvas, tt.quad)
			path := writePNG(t, dir, tt.name+".png", img)
			img.Close()

			res, err := p.Process(FileSource(path))
			if err != nil {
				t.Fatalf("Process: %v", err)
			}
			got, want := res.Corners.Points(), tt.quad.Points()
			for i := range got {
				if d := got[i].Sub(want[i]); d.X < -4 || d.X > 4 || d.Y < -4 || d.Y > 4 {
					t.Errorf("corners = %v, want %v", res.Corners, tt.quad)
					break
				}
			}
			if res.Side != PageOne {
				t.Errorf("side = %v, want page-one", res.Side)
			}
			if res.StudentNumber != studentA {
				t.Errorf("student number = %q, want %q", res.StudentNumber, studentA)
			}
			for part := 1; part <= 4; part++ {
				expectKeyed(t, part, res.Parts[part], 1, 110)
			}
			expectBlank(t, 5, res.Parts[5], 1, 55)
		})
	}
}

func TestProcessDeterministic(t *testing.T) {
	fx := fixtures(t)
	p := newTestProcessor(t, DefaultCalibration())

	first, err := p.Process(FileSource(fx.pageOne))
	if err != nil {
		t.Fatalf("first Process: %v", err)
	}
	second, err := p.Process(FileSource(fx.pageOne))
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("results differ:\n%+v\n%+v", first, second)
	}

	data, err := os.ReadFile(fx.pageOne)
	if err != nil {
		t.Fatal(err)
	}
	fromBytes, err := p.Process(BytesSource("upload", data))
	if err != nil {
		t.Fatalf("Process bytes: %v", err)
	}
	if fromBytes.Source != "upload" {
		t.Errorf("source = %q", fromBytes.Source)
	}
	if !reflect.DeepEqual(fromBytes.Parts, first.Parts) || fromBytes.StudentNumber != first.StudentNumber {
		t.Errorf("bytes source read differently from file source")
	}
}

func TestProcessFailures(t *testing.T) {
	fx := fixtures(t)
	missing := filepath.Join(fx.dir, "missing.png")

	tests := []struct {
		name   string
		cal    func(*Calibration)
		src    Source
		target error
	}{
		{"no corner markers", nil, FileSource(fx.noCorners), ErrGeometryNotFound},
		{"missing file", nil, FileSource(missing), ErrIOFailure},
		{"empty source", nil, Source{ID: "nothing"}, ErrIOFailure},
		{"not an image", nil, BytesSource("junk", []byte("definitely not an image")), ErrUnsupportedFormat},
		{"weak page marker", func(c *Calibration) { c.MinMarkerConfidence = 0.95 }, FileSource(fx.noMarker), ErrLowConfidence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cal := DefaultCalibration()
			if tt.cal != nil {
				tt.cal(&cal)
			}
			p := newTestProcessor(t, cal)
			res, err := p.Process(tt.src)
			if !errors.Is(err, tt.target) {
				t.Fatalf("err = %v, want %v", err, tt.target)
			}
			if res != nil {
				t.Errorf("result = %+v alongside error", res)
			}
			var rerr *RecognitionError
			if !errors.As(err, &rerr) {
				t.Fatalf("err %T is not a *RecognitionError", err)
			}
			if rerr.Source != tt.src.name() {
				t.Errorf("error source = %q, want %q", rerr.Source, tt.src.name())
			}
		})
	}
}

func TestStrictDigitsRejectsEmptyGrid(t *testing.T) {
	f := newTestForm(t)
	tmpl := markerTemplate()
	f.stamp(tmpl, pageOneMarker)
	tmpl.Close()
	img := f.photo(true)
	path := writePNG(t, t.TempDir(), "unnumbered.png", img)
	img.Close()

	cal := DefaultCalibration()
	lenient := newTestProcessor(t, cal)
	res, err := lenient.Process(FileSource(path))
	if err != nil {
		t.Fatalf("lenient Process: %v", err)
	}
	if res.StudentNumber != "9999-99999" {
		t.Errorf("lenient student number = %q, want 9999-99999", res.StudentNumber)
	}

	cal.StrictDigits = true
	strict := newTestProcessor(t, cal)
	if _, err := strict.Process(FileSource(path)); !errors.Is(err, ErrIncompleteStudentNumber) {
		t.Fatalf("strict err = %v, want incomplete student number", err)
	}
}

func TestDetectCornersSingleTriangle(t *testing.T) {
	img := whiteMat(400, 600)
	drawCornerTriangles(&img, image.Rect(50, 50, 350, 550))
	// Keep only the top left triangle.
	gocv.Rectangle(&img, image.Rect(200, 0, 400, 600), white, -1)
	gocv.Rectangle(&img, image.Rect(0, 300, 400, 600), white, -1)
	path := writePNG(t, t.TempDir(), "one-triangle.png", img)
	img.Close()

	raw, err := DecodeImage(FileSource(path))
	if err != nil {
		t.Fatalf("DecodeImage: %v", err)
	}
	defer raw.Close()

	_, err = DetectCorners(raw, DefaultCalibration())
	if !errors.Is(err, ErrGeometryNotFound) {
		t.Fatalf("err = %v, want geometry not found", err)
	}
	if rerr := err.(*RecognitionError); rerr.Details["triangle_vertices"] != 3 {
		t.Errorf("details = %v", rerr.Details)
	}
}

func TestRectifyCanonicalSize(t *testing.T) {
	cal := DefaultCalibration()
	dir := t.TempDir()
	for _, size := range []image.Point{image.Pt(1000, 1600), image.Pt(1700, 1300), image.Pt(2600, 4000)} {
		img := whiteMat(size.X, size.Y)
		drawCornerTriangles(&img, image.Rect(30, 30, size.X-30, size.Y-30))
		path := writePNG(t, dir, "photo.png", img)
		img.Close()

		raw, err := DecodeImage(FileSource(path))
		if err != nil {
			t.Fatalf("%v: DecodeImage: %v", size, err)
		}
		geo, err := DetectCorners(raw, cal)
		if err != nil {
			raw.Close()
			t.Fatalf("%v: DetectCorners: %v", size, err)
		}
		page, err := Rectify(geo, cal)
		if err != nil {
			t.Fatalf("%v: Rectify: %v", size, err)
		}
		if page.Size() != cal.PageSize {
			t.Errorf("%v: canonical size %v, want %v", size, page.Size(), cal.PageSize)
		}
		page.Close()
		geo.Close()
		raw.Close()
	}
}

func TestRectifyRefusesDegenerate(t *testing.T) {
	geo := &Geometry{
		Corners: Quadrilateral{TopLeft: image.Pt(1, 1), TopRight: image.Pt(1, 1), BottomLeft: image.Pt(0, 5), BottomRight: image.Pt(5, 5)},
		Binary:  gocv.NewMat(),
	}
	defer geo.Close()
	if _, err := Rectify(geo, DefaultCalibration()); !errors.Is(err, ErrGeometryNotFound) {
		t.Fatalf("err = %v, want geometry not found", err)
	}
}

func TestClassify(t *testing.T) {
	cal := DefaultCalibration()
	cls, err := NewClassifier(markerTemplate(), cal.PageSize)
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}
	defer cls.Close()

	tests := []struct {
		name string
		form *testForm
		side PageSide
		at   image.Point
	}{
		{"page one", pageOneForm(t, studentA), PageOne, pageOneMarker},
		{"page two", pageTwoForm(t, studentA), PageTwo, pageTwoMarker},
	}
	for _, tt := range tests {
		page := tt.form.canonical()
		c := cls.Classify(page)
		page.Close()
		if c.Side != tt.side {
			t.Errorf("%s: side = %v", tt.name, c.Side)
		}
		if c.Marker.Min != tt.at || c.Marker.Dx() != 100 {
			t.Errorf("%s: marker = %v, want at %v", tt.name, c.Marker, tt.at)
		}
		if c.Confidence < 0.99 {
			t.Errorf("%s: confidence = %f", tt.name, c.Confidence)
		}
	}

	empty := newTestForm(t).canonical()
	defer empty.Close()
	if c := cls.Classify(empty); c.Confidence > 0.9 {
		t.Errorf("unmarked page confidence = %f", c.Confidence)
	}
}

func TestNewClassifierRejects(t *testing.T) {
	if _, err := NewClassifier(gocv.NewMat(), image.Pt(10, 10)); err == nil {
		t.Error("empty template accepted")
	}
	// Rejected templates are closed by NewClassifier.
	if _, err := NewClassifier(whiteMat(20, 20), image.Pt(10, 10)); err == nil {
		t.Error("template larger than the page accepted")
	}
	if _, err := LoadClassifier(filepath.Join(t.TempDir(), "none.png"), image.Pt(10, 10)); err == nil {
		t.Error("missing template file accepted")
	}
}

func TestDecodeWithGo(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 12, 8))
	for i := range src.Pix {
		src.Pix[i] = 200
	}
	src.SetGray(3, 2, color.Gray{Y: 10})

	var buf bytes.Buffer
	if err := bmp.Encode(&buf, src); err != nil {
		t.Fatal(err)
	}
	mat, err := decodeWithGo(buf.Bytes())
	if err != nil {
		t.Fatalf("decodeWithGo: %v", err)
	}
	defer mat.Close()
	if mat.Cols() != 12 || mat.Rows() != 8 || mat.Channels() != 3 {
		t.Fatalf("decoded %dx%d with %d channels", mat.Cols(), mat.Rows(), mat.Channels())
	}

	if _, err := decodeWithGo([]byte("nope")); err == nil {
		t.Error("garbage decoded")
	}
}

func TestAnalysisImages(t *testing.T) {
	fx := fixtures(t)
	dir := t.TempDir()
	p := newTestProcessor(t, DefaultCalibration(), WithAnalysisDir(dir))

	if _, err := p.Process(FileSource(fx.pageOne)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	for _, name := range []string{"page-one-corners.jpg", "page-one-analysis.png"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
}

func TestNewProcessorOptions(t *testing.T) {
	cal := DefaultCalibration()
	if _, err := NewProcessor(cal, WithMarkerTemplate(markerTemplate()), WithWorkers(0)); err == nil {
		t.Error("zero workers accepted")
	}

	cal.MarkerTemplate = filepath.Join(t.TempDir(), "absent.png")
	if _, err := NewProcessor(cal); err == nil {
		t.Error("missing marker template accepted")
	}

	p, err := NewProcessor(cal, WithMarkerTemplate(markerTemplate()))
	if err != nil {
		t.Fatalf("in-memory template: %v", err)
	}
	defer p.Close()

	got := p.Calibration()
	got.StudentNumber.Blocks[0] = 1
	if p.Calibration().StudentNumber.Blocks[0] != 4 {
		t.Error("Calibration() exposes the processor's copy")
	}

	cal.BlurKernel = 2
	if _, err := NewProcessor(cal, WithMarkerTemplate(markerTemplate())); err == nil {
		t.Error("invalid calibration accepted")
	}
	if _, err := NewProcessor(DefaultCalibration(), WithMarkerTemplate(whiteMat(3000, 3000))); err == nil {
		t.Error("template larger than the page accepted")
	}
}

func TestProcessorClosesHeldTemplate(t *testing.T) {
	p := &Processor{cal: DefaultCalibration()}
	if err := WithMarkerTemplate(markerTemplate())(p); err != nil {
		t.Fatal(err)
	}
	first := p.template
	if err := WithMarkerTemplate(markerTemplate())(p); err != nil {
		t.Fatal(err)
	}
	if first.Ptr() != nil {
		t.Error("replaced template left open")
	}

	held := p.template
	p.cal.BlurKernel = 2
	if err := p.init(nil); err == nil {
		t.Fatal("invalid calibration accepted")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if held.Ptr() != nil || p.template != nil {
		t.Error("template of a failed processor left open")
	}

	oversize := &Processor{cal: DefaultCalibration()}
	if err := WithMarkerTemplate(whiteMat(3000, 3000))(oversize); err != nil {
		t.Fatal(err)
	}
	if err := oversize.init(nil); err == nil {
		t.Fatal("template larger than the page accepted")
	}
	// NewClassifier already released it.
	if oversize.template != nil || oversize.classifier != nil {
		t.Errorf("rejected template still held: %v %v", oversize.template, oversize.classifier)
	}
	oversize.Close()
}

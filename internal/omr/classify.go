package omr

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// PageSide tells which side of the two-page form a canonical page shows.
type PageSide int

const (
	PageOne PageSide = iota + 1
	PageTwo
)

func (s PageSide) String() string {
	switch s {
	case PageOne:
		return "page-one"
	case PageTwo:
		return "page-two"
	default:
		return fmt.Sprintf("page-side(%d)", int(s))
	}
}

func (s PageSide) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Classification is where the page marker was found and what that says about the side.
type Classification struct {
	Side       PageSide
	Marker     image.Rectangle
	Confidence float64
}

// Classifier locates the page-one marker glyph by template matching.
type Classifier struct {
	template gocv.Mat
	pageSize image.Point
}

// LoadClassifier reads the marker template from disk.
func LoadClassifier(path string, pageSize image.Point) (*Classifier, error) {
	tmpl := gocv.IMRead(path, gocv.IMReadGrayScale)
	if tmpl.Empty() {
		tmpl.Close()
		return nil, fmt.Errorf("read marker template %s: empty image", path)
	}
	return NewClassifier(tmpl, pageSize)
}

// NewClassifier takes ownership of a single channel marker template, also when it
// rejects it.
func NewClassifier(template gocv.Mat, pageSize image.Point) (*Classifier, error) {
	if template.Empty() {
		template.Close()
		return nil, errors.New("marker template is empty")
	}
	if template.Cols() > pageSize.X || template.Rows() > pageSize.Y {
		err := fmt.Errorf("marker template %dx%d larger than page %v", template.Cols(), template.Rows(), pageSize)
		template.Close()
		return nil, err
	}
	return &Classifier{template: template, pageSize: pageSize}, nil
}

// Classify matches the marker against the page. The minimum normalized squared
// difference is taken as the marker position; a marker in the top right quadrant
// means page one. Any match yields a side, the confidence says how good it was.
func (c *Classifier) Classify(page *CanonicalPage) Classification {
	result := gocv.NewMat()
	defer result.Close()
	mask := gocv.NewMat()
	defer mask.Close()

	gocv.MatchTemplate(page.Mat(), c.template, &result, gocv.TmSqdiffNormed, mask)
	minVal, _, minLoc, _ := gocv.MinMaxLoc(result)

	side := PageTwo
	if minLoc.X > c.pageSize.X/2 && minLoc.Y < c.pageSize.Y/2 {
		side = PageOne
	}

	confidence := 1 - float64(minVal)
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}

	return Classification{
		Side:       side,
		Marker:     image.Rectangle{Min: minLoc, Max: minLoc.Add(image.Pt(c.template.Cols(), c.template.Rows()))},
		Confidence: confidence,
	}
}

func (c *Classifier) Close() error {
	return c.template.Close()
}

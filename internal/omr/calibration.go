package omr

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
)

// Pitch places bubbles inside a grid. All values are multiples of the bubble size:
// X and Y are the distances between neighbouring cells, InsetX and InsetY the offset of
// the first sample point inside a cell.
type Pitch struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	InsetX float64 `json:"inset_x"`
	InsetY float64 `json:"inset_y"`
}

// Column is one vertical run of answer rows. Start is the number of items that precede
// the column within its part, so the first row is item Start+1.
type Column struct {
	X     int `json:"x"`
	Y     int `json:"y"`
	Items int `json:"items"`
	Start int `json:"start"`
}

// PartLayout lists the columns that make up one part on one page side.
type PartLayout struct {
	Part    int      `json:"part"`
	Columns []Column `json:"columns"`
}

// PageLayout is the printed geometry of one side of the form.
type PageLayout struct {
	StudentNumber image.Point  `json:"student_number"`
	Parts         []PartLayout `json:"parts"`
}

// StudentNumberLayout describes the two digit blocks of the YYYY-NNNNN identifier.
type StudentNumberLayout struct {
	Blocks      []int `json:"blocks"`
	BlockOffset int   `json:"block_offset"`
	Pitch       Pitch `json:"pitch"`
}

// Calibration is the fixed geometry of the form and the thresholds used to read it.
// A Calibration is copied into a Processor and never changed afterwards.
type Calibration struct {
	PageSize            image.Point         `json:"page_size"`
	BubbleSize          image.Point         `json:"bubble_size"`
	SampleFraction      float64             `json:"sample_fraction"`
	DarkThreshold       uint8               `json:"dark_threshold"`
	GeometryThreshold   float32             `json:"geometry_threshold"`
	BlurKernel          int                 `json:"blur_kernel"`
	ApproxEpsilon       float64             `json:"approx_epsilon"`
	NestedContours      bool                `json:"nested_contours"`
	MarkerTemplate      string              `json:"marker_template"`
	MinMarkerConfidence float64             `json:"min_marker_confidence"`
	StrictDigits        bool                `json:"strict_digits"`
	Choices             string              `json:"choices"`
	ChoicePitch         Pitch               `json:"choice_pitch"`
	StudentNumber       StudentNumberLayout `json:"student_number"`
	PageOne             PageLayout          `json:"page_one"`
	PageTwo             PageLayout          `json:"page_two"`
}

const itemsPerColumn = 55

// DefaultCalibration returns the geometry of the printed two-page answer sheet.
func DefaultCalibration() Calibration {
	return Calibration{
		PageSize:          image.Pt(2000, 3200),
		BubbleSize:        image.Pt(32, 32),
		SampleFraction:    3.0 / 8.0,
		DarkThreshold:     50,
		GeometryThreshold: 127,
		BlurKernel:        5,
		ApproxEpsilon:     0.05,
		MarkerTemplate:    "resources/page_marker.png",
		Choices:           "ABCDE",
		ChoicePitch:       Pitch{X: 1.038, Y: 1.1868, InsetX: 0.334, InsetY: 0.34},
		StudentNumber: StudentNumberLayout{
			Blocks:      []int{4, 5},
			BlockOffset: 165,
			Pitch:       Pitch{X: 1.045, Y: 1.1868, InsetX: 0.35, InsetY: 0.37},
		},
		PageOne: PageLayout{
			StudentNumber: image.Pt(1632, 488),
			Parts: []PartLayout{
				stacked(1, 1090, 70, 285),
				stacked(2, 1090, 500, 716),
				stacked(3, 1090, 930, 1147),
				stacked(4, 1090, 1362, 1578),
				stacked(5, 1090, 1794),
			},
		},
		PageTwo: PageLayout{
			StudentNumber: image.Pt(1632, 2786),
			Parts: []PartLayout{
				{Part: 5, Columns: []Column{{X: 67, Y: 225, Items: itemsPerColumn, Start: itemsPerColumn}}},
				stacked(6, 225, 285, 500),
				stacked(7, 225, 716, 930),
				stacked(8, 225, 1147, 1362),
				stacked(9, 225, 1578, 1794),
				partOneStrip(),
			},
		},
	}
}

// stacked builds a part whose columns each hold a full run of items, numbered left to right.
func stacked(part, y int, xs ...int) PartLayout {
	layout := PartLayout{Part: part}
	for i, x := range xs {
		layout.Columns = append(layout.Columns, Column{X: x, Y: y, Items: itemsPerColumn, Start: i * itemsPerColumn})
	}
	return layout
}

// partOneStrip is the single row at the bottom of page two holding items 111-120 of part 1.
func partOneStrip() PartLayout {
	layout := PartLayout{Part: 1}
	for i, x := range []int{67, 285, 500, 716, 930, 1147, 1362, 1578, 1794} {
		layout.Columns = append(layout.Columns, Column{X: x, Y: 2423, Items: 1, Start: 110 + i})
	}
	layout.Columns = append(layout.Columns, Column{X: 1794, Y: 2461, Items: 1, Start: 119})
	return layout
}

// LoadCalibration reads a JSON calibration file on top of DefaultCalibration.
func LoadCalibration(path string) (Calibration, error) {
	cal := DefaultCalibration()
	data, err := os.ReadFile(path)
	if err != nil {
		return cal, fmt.Errorf("read calibration: %w", err)
	}
	if err := json.Unmarshal(data, &cal); err != nil {
		return cal, fmt.Errorf("decode calibration %s: %w", path, err)
	}
	if err := cal.Validate(); err != nil {
		return cal, err
	}
	return cal, nil
}

// Validate checks that the calibration describes a readable form.
func (c Calibration) Validate() error {
	if c.PageSize.X <= 0 || c.PageSize.Y <= 0 {
		return fmt.Errorf("page_size must be positive, got %v", c.PageSize)
	}
	if c.BubbleSize.X <= 0 || c.BubbleSize.Y <= 0 {
		return fmt.Errorf("bubble_size must be positive, got %v", c.BubbleSize)
	}
	if c.SampleFraction <= 0 || c.SampleFraction >= 1 {
		return fmt.Errorf("sample_fraction must be in (0,1), got %f", c.SampleFraction)
	}
	if c.BlurKernel <= 0 || c.BlurKernel%2 == 0 {
		return fmt.Errorf("blur_kernel must be a positive odd number, got %d", c.BlurKernel)
	}
	if c.ApproxEpsilon <= 0 {
		return fmt.Errorf("approx_epsilon must be positive, got %f", c.ApproxEpsilon)
	}
	if c.MinMarkerConfidence < 0 || c.MinMarkerConfidence > 1 {
		return fmt.Errorf("min_marker_confidence must be in [0,1], got %f", c.MinMarkerConfidence)
	}
	if len(c.Choices) < 2 {
		return fmt.Errorf("choices needs at least two letters, got %q", c.Choices)
	}
	if len(c.StudentNumber.Blocks) == 0 {
		return fmt.Errorf("student_number.blocks is empty")
	}
	for _, n := range c.StudentNumber.Blocks {
		if n <= 0 {
			return fmt.Errorf("student_number.blocks must be positive, got %v", c.StudentNumber.Blocks)
		}
	}
	for side, layout := range map[PageSide]PageLayout{PageOne: c.PageOne, PageTwo: c.PageTwo} {
		for _, part := range layout.Parts {
			if part.Part < 1 || part.Part > 9 {
				return fmt.Errorf("%s: part %d outside 1-9", side, part.Part)
			}
			for _, col := range part.Columns {
				if col.Items <= 0 || col.Start < 0 {
					return fmt.Errorf("%s: part %d has an empty column at x=%d", side, part.Part, col.X)
				}
			}
		}
	}
	return nil
}

// Layout returns the printed geometry of the given side.
func (c Calibration) Layout(side PageSide) PageLayout {
	if side == PageOne {
		return c.PageOne
	}
	return c.PageTwo
}

// clone deep-copies the slices so the processor's copy cannot be changed through the caller's.
func (c Calibration) clone() Calibration {
	out := c
	out.StudentNumber.Blocks = append([]int(nil), c.StudentNumber.Blocks...)
	out.PageOne = c.PageOne.clone()
	out.PageTwo = c.PageTwo.clone()
	return out
}

func (l PageLayout) clone() PageLayout {
	out := PageLayout{StudentNumber: l.StudentNumber}
	for _, part := range l.Parts {
		out.Parts = append(out.Parts, PartLayout{
			Part:    part.Part,
			Columns: append([]Column(nil), part.Columns...),
		})
	}
	return out
}

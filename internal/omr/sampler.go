package omr

import (
	"image"
)

// Axis is the direction in which a grid's positions advance.
type Axis int

const (
	// AlongX: each position is a column, candidates are stacked vertically (digit grids).
	AlongX Axis = iota
	// AlongY: each position is a row, candidates sit side by side (answer grids).
	AlongY
)

const samplesPerBubble = 4

// BubbleGrid is one run of Count positions, each offering Alphabet candidate bubbles.
type BubbleGrid struct {
	Origin   image.Point
	Count    int
	Alphabet int
	Axis     Axis
	Pitch    Pitch
}

// Selection decides which candidate of a position counts as filled.
//
// A candidate replaces the current best when its dark count is greater than the best,
// or equal to it when KeepLast is set. The best starts at Floor.
type Selection struct {
	Floor    int
	KeepLast bool
}

var (
	// DigitSelection: the last candidate with the highest count wins, and a column with
	// no dark points at all resolves to its last candidate (digit 9).
	DigitSelection = Selection{Floor: 0, KeepLast: true}
	// ChoiceSelection: the first candidate with the highest count wins, and at least two
	// dark points are needed to register a choice.
	ChoiceSelection = Selection{Floor: 1, KeepLast: false}
)

// Mark is the decoded state of one grid position.
type Mark struct {
	Symbol     int
	Dark       int
	RunnerUp   int
	Unreadable bool
}

// Blank reports whether no candidate was selected.
func (m Mark) Blank() bool {
	return m.Symbol < 0
}

// Confidence is the margin between the selected candidate and the best other one.
func (m Mark) Confidence() float64 {
	if m.Blank() {
		return 0
	}
	return float64(m.Dark-m.RunnerUp) / samplesPerBubble
}

// Sampler evaluates bubble fill by counting dark pixels at four points inside each cell.
type Sampler struct {
	bubble    image.Point
	fraction  float64
	threshold uint8
}

// NewSampler builds a sampler from the calibrated bubble geometry.
func NewSampler(cal Calibration) Sampler {
	return Sampler{
		bubble:    cal.BubbleSize,
		fraction:  cal.SampleFraction,
		threshold: cal.DarkThreshold,
	}
}

// SamplePoints returns the four sample points of the candidate at (col, row) of the grid.
func (s Sampler) SamplePoints(g BubbleGrid, col, row int) [samplesPerBubble]image.Point {
	w, h := float64(s.bubble.X), float64(s.bubble.Y)
	x := float64(g.Origin.X) + (float64(col)*(w*g.Pitch.X) + w*g.Pitch.InsetX)
	y := float64(g.Origin.Y) + (float64(row)*(h*g.Pitch.Y) + h*g.Pitch.InsetY)
	dx, dy := w*s.fraction, h*s.fraction

	return [samplesPerBubble]image.Point{
		image.Pt(int(x), int(y)),
		image.Pt(int(x), int(y+dy)),
		image.Pt(int(x+dx), int(y)),
		image.Pt(int(x+dx), int(y+dy)),
	}
}

// darkCount counts the sample points darker than the threshold. ok is false if any
// point falls outside the page.
func (s Sampler) darkCount(page *CanonicalPage, pts [samplesPerBubble]image.Point) (int, bool) {
	n := 0
	for _, p := range pts {
		v, ok := page.Intensity(p.X, p.Y)
		if !ok {
			return 0, false
		}
		if v < s.threshold {
			n++
		}
	}
	return n, true
}

// Read decodes every position of the grid under the given selection policy.
func (s Sampler) Read(page *CanonicalPage, g BubbleGrid, sel Selection) []Mark {
	marks := make([]Mark, 0, g.Count)
	counts := make([]int, g.Alphabet)

	for pos := 0; pos < g.Count; pos++ {
		readable := true
		for cand := 0; cand < g.Alphabet; cand++ {
			col, row := pos, cand
			if g.Axis == AlongY {
				col, row = cand, pos
			}
			n, ok := s.darkCount(page, s.SamplePoints(g, col, row))
			if !ok {
				readable = false
			}
			counts[cand] = n
		}
		if !readable {
			marks = append(marks, Mark{Symbol: -1, Unreadable: true})
			continue
		}
		marks = append(marks, sel.choose(counts))
	}
	return marks
}

func (sel Selection) choose(counts []int) Mark {
	m := Mark{Symbol: -1}
	best := sel.Floor
	for i, n := range counts {
		if n > best || (sel.KeepLast && n == best) {
			best = n
			m.Symbol = i
		}
	}
	if m.Blank() {
		return m
	}
	m.Dark = best
	for i, n := range counts {
		if i != m.Symbol && n > m.RunnerUp {
			m.RunnerUp = n
		}
	}
	return m
}

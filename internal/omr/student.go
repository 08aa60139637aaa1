package omr

import (
	"image"
	"strconv"
	"strings"
)

const digitAlphabet = 10

// ReadStudentNumber decodes the digit blocks whose top left bubble is at origin and joins
// them with dashes. Unreadable columns are dropped, so a damaged grid yields a shorter string.
func ReadStudentNumber(s Sampler, page *CanonicalPage, origin image.Point, layout StudentNumberLayout, strict bool) string {
	blocks := make([]string, 0, len(layout.Blocks))
	pos := origin
	for _, n := range layout.Blocks {
		grid := BubbleGrid{
			Origin:   pos,
			Count:    n,
			Alphabet: digitAlphabet,
			Axis:     AlongX,
			Pitch:    layout.Pitch,
		}
		var b strings.Builder
		for _, m := range s.Read(page, grid, DigitSelection) {
			if m.Blank() || (strict && m.Dark == 0) {
				continue
			}
			b.WriteString(strconv.Itoa(m.Symbol))
		}
		blocks = append(blocks, b.String())
		pos = pos.Add(image.Pt(layout.BlockOffset, 0))
	}
	return strings.Join(blocks, "-")
}

// ValidStudentNumber reports whether number has exactly the digit blocks of the layout.
func ValidStudentNumber(number string, layout StudentNumberLayout) bool {
	blocks := strings.Split(number, "-")
	if len(blocks) != len(layout.Blocks) {
		return false
	}
	for i, b := range blocks {
		if len(b) != layout.Blocks[i] {
			return false
		}
		for _, r := range b {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}

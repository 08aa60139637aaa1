package omr

import (
	"image"
)

// ReadAnswers decodes every part laid out on one side of the form. Parts listed more than
// once in the layout are combined, later columns overwriting earlier item numbers.
func ReadAnswers(s Sampler, page *CanonicalPage, layout PageLayout, choices string, pitch Pitch) StudentRecord {
	record := make(StudentRecord, len(layout.Parts))
	for _, part := range layout.Parts {
		answers, ok := record[part.Part]
		if !ok {
			answers = make(PartAnswers)
			record[part.Part] = answers
		}
		for _, col := range part.Columns {
			readColumn(s, page, col, choices, pitch, answers)
		}
	}
	return record
}

func readColumn(s Sampler, page *CanonicalPage, col Column, choices string, pitch Pitch, into PartAnswers) {
	grid := BubbleGrid{
		Origin:   image.Pt(col.X, col.Y),
		Count:    col.Items,
		Alphabet: len(choices),
		Axis:     AlongY,
		Pitch:    pitch,
	}
	for j, m := range s.Read(page, grid, ChoiceSelection) {
		ans := Blank
		if !m.Blank() {
			ans = Answer(choices[m.Symbol])
		}
		into[col.Start+j+1] = ans
	}
}

package omr

import (
	"fmt"
	"sort"
)

// Answer is one decoded choice letter. Blank means no bubble registered.
type Answer string

const Blank Answer = ""

// PartAnswers maps item number (1-based) to the decoded answer.
type PartAnswers map[int]Answer

// StudentRecord maps part number (1-9) to its answers.
type StudentRecord map[int]PartAnswers

// BatchResult maps a decoded student number to its record.
type BatchResult map[string]StudentRecord

// MergePolicy controls how a page's parts combine with a record that already has them.
type MergePolicy int

const (
	// ReplaceParts: an overlapping part is replaced wholesale by the later page.
	ReplaceParts MergePolicy = iota
	// MergeItems: an overlapping part keeps items the later page does not carry.
	MergeItems
)

func (p MergePolicy) String() string {
	switch p {
	case ReplaceParts:
		return "parts"
	case MergeItems:
		return "items"
	default:
		return fmt.Sprintf("merge-policy(%d)", int(p))
	}
}

// ParseMergePolicy accepts "parts" or "items".
func ParseMergePolicy(s string) (MergePolicy, error) {
	switch s {
	case "", "parts":
		return ReplaceParts, nil
	case "items":
		return MergeItems, nil
	default:
		return ReplaceParts, fmt.Errorf("unknown merge policy %q", s)
	}
}

func (a PartAnswers) Clone() PartAnswers {
	out := make(PartAnswers, len(a))
	for item, ans := range a {
		out[item] = ans
	}
	return out
}

// Items returns the item numbers in ascending order.
func (a PartAnswers) Items() []int {
	items := make([]int, 0, len(a))
	for item := range a {
		items = append(items, item)
	}
	sort.Ints(items)
	return items
}

func (r StudentRecord) Clone() StudentRecord {
	out := make(StudentRecord, len(r))
	for part, answers := range r {
		out[part] = answers.Clone()
	}
	return out
}

// Parts returns the part numbers in ascending order.
func (r StudentRecord) Parts() []int {
	parts := make([]int, 0, len(r))
	for part := range r {
		parts = append(parts, part)
	}
	sort.Ints(parts)
	return parts
}

// Overlap is a part that was already in the record when a page carrying it was merged,
// and whose non-blank answers did not survive unchanged.
type Overlap struct {
	Part int
	// Disagreed: an item answered on both pages got a different letter.
	Disagreed bool
	// Dropped counts non-blank answers left blank or missing after the merge.
	Dropped int
}

// Merge folds a page's parts into the record and reports the overlapping parts that lost
// or changed non-blank answers.
func (r StudentRecord) Merge(page StudentRecord, policy MergePolicy) []Overlap {
	var overlaps []Overlap
	for _, part := range page.Parts() {
		incoming := page[part]
		existing, overlap := r[part]
		if !overlap {
			r[part] = incoming.Clone()
			continue
		}
		before := existing.Clone()
		if policy == ReplaceParts {
			r[part] = incoming.Clone()
		} else {
			for item, ans := range incoming {
				existing[item] = ans
			}
		}
		o := Overlap{Part: part, Disagreed: disagree(before, incoming), Dropped: dropped(before, r[part])}
		if o.Disagreed || o.Dropped > 0 {
			overlaps = append(overlaps, o)
		}
	}
	return overlaps
}

func disagree(a, b PartAnswers) bool {
	for item, x := range a {
		y, ok := b[item]
		if ok && x != Blank && y != Blank && x != y {
			return true
		}
	}
	return false
}

// dropped counts the non-blank answers of before that are blank or absent in after.
func dropped(before, after PartAnswers) int {
	n := 0
	for item, ans := range before {
		if ans != Blank && after[item] == Blank {
			n++
		}
	}
	return n
}

func (b BatchResult) Clone() BatchResult {
	out := make(BatchResult, len(b))
	for number, record := range b {
		out[number] = record.Clone()
	}
	return out
}

// StudentNumbers returns the keys in ascending order.
func (b BatchResult) StudentNumbers() []string {
	numbers := make([]string, 0, len(b))
	for n := range b {
		numbers = append(numbers, n)
	}
	sort.Strings(numbers)
	return numbers
}

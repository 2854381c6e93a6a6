// Package spans maps violation offsets reported by the service onto the
// client's copy of the text.
//
// Offsets are rune offsets. The service computes them against its own copy of
// the text, so they may be stale or out of range; Reconcile recovers what it
// can from the violation's reason and drops the rest.
package spans

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"adcheck/domain"
	"adcheck/obs"
)

var (
	// 「phrase」
	quotedPhrase = regexp.MustCompile(`「([^」]+)」`)
	// field: before→after (also accepts a full-width colon and "->")
	beforeAfter = regexp.MustCompile(`([^\s:：（(「」]+)\s*[:：]\s*([^→:：]+?)\s*(?:→|->)\s*([^）)]*)`)
)

// Reconcile returns one HighlightRange per violation it can place, in input
// order. Every range satisfies 0 <= Start < End <= rune length of text.
// Ranges are not merged; use NonOverlapping before rendering if the input may
// produce overlaps.
func Reconcile(text string, violations []domain.Violation) []domain.HighlightRange {
	if len(violations) == 0 {
		return nil
	}
	rs := []rune(text)
	out := make([]domain.HighlightRange, 0, len(violations))
	for i, v := range violations {
		start, end, ok := locate(rs, v)
		if !ok || start < 0 || start >= end || end > len(rs) {
			obs.RecordSpanDropped()
			slog.Debug("violation dropped: no span recoverable",
				"index", i, "start", v.Start, "end", v.End, "reason", v.Reason, "text_len", len(rs))
			continue
		}
		out = append(out, domain.HighlightRange{Start: start, End: end, Reason: v.Reason})
	}
	return out
}

// locate runs the recovery chain for a single violation:
// clamp, quoted phrase, structured before-term, token fallback, drop.
func locate(text []rune, v domain.Violation) (int, int, bool) {
	n := len(text)
	start := clamp(v.Start, 0, n)
	end := clamp(max(start, v.End), 0, n)
	tentative := start < end

	if phrase := phraseOf(v); phrase != "" {
		if tentative && containsRunes(text[start:end], phrase) {
			return start, end, true
		}
		if i := indexRunes(text, phrase); i >= 0 {
			return i, i + runeLen(phrase), true
		}
	}

	if before := beforeTerm(v.Reason); before != "" {
		if tentative && containsRunes(text[start:end], before) {
			return start, end, true
		}
		if i := indexRunes(text, before); i >= 0 {
			return i, i + runeLen(before), true
		}
		// Known limitation: the first matching token wins even when it recurs
		// elsewhere in the text.
		for _, tok := range strings.Fields(before) {
			if runeLen(tok) <= 1 {
				continue
			}
			if i := indexRunes(text, tok); i >= 0 {
				return i, i + runeLen(tok), true
			}
		}
	}

	if tentative {
		return start, end, true
	}
	return 0, 0, false
}

// phraseOf prefers the 「」-quoted phrase in the reason and falls back to the
// dictionary phrase attached to the violation.
func phraseOf(v domain.Violation) string {
	if m := quotedPhrase.FindStringSubmatch(v.Reason); m != nil {
		if p := strings.TrimSpace(m[1]); p != "" {
			return p
		}
	}
	return strings.TrimSpace(v.DictionaryPhrase)
}

func beforeTerm(reason string) string {
	m := beforeAfter.FindStringSubmatch(reason)
	if m == nil {
		return ""
	}
	return strings.Trim(strings.TrimSpace(m[2]), "「」\"'")
}

// NonOverlapping keeps, in start order, every range that does not overlap one
// already kept. The earliest-starting range wins a conflict; equal starts keep
// the longer range.
func NonOverlapping(ranges []domain.HighlightRange) []domain.HighlightRange {
	sorted := append([]domain.HighlightRange(nil), ranges...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End > sorted[j].End
	})
	out := sorted[:0]
	lastEnd := -1
	for _, r := range sorted {
		if r.Start < lastEnd {
			continue
		}
		out = append(out, r)
		lastEnd = r.End
	}
	return out
}

// Apply wraps each range of text with mark. Ranges are applied in descending
// start order so that markup inserted for a later span never shifts the
// offsets of spans not yet applied. Out-of-range ranges are skipped before
// overlaps are policed with NonOverlapping, so they never shadow valid ones.
func Apply(text string, ranges []domain.HighlightRange, mark func(segment string, r domain.HighlightRange) string) string {
	if len(ranges) == 0 || mark == nil {
		return text
	}
	rs := []rune(text)
	valid := make([]domain.HighlightRange, 0, len(ranges))
	for _, r := range ranges {
		if r.Start < 0 || r.Start >= r.End || r.End > len(rs) {
			continue
		}
		valid = append(valid, r)
	}
	kept := NonOverlapping(valid)
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Start > kept[j].Start })

	out := rs
	for _, r := range kept {
		marked := []rune(mark(string(out[r.Start:r.End]), r))
		next := make([]rune, 0, len(out)-(r.End-r.Start)+len(marked))
		next = append(next, out[:r.Start]...)
		next = append(next, marked...)
		next = append(next, out[r.End:]...)
		out = next
	}
	return string(out)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func runeLen(s string) int { return len([]rune(s)) }

func containsRunes(hay []rune, needle string) bool {
	return strings.Contains(string(hay), needle)
}

// indexRunes returns the rune index of the first occurrence of needle, or -1.
func indexRunes(hay []rune, needle string) int {
	s := string(hay)
	b := strings.Index(s, needle)
	if b < 0 {
		return -1
	}
	return len([]rune(s[:b]))
}

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"adcheck/domain"
	"adcheck/spans"
)

type renderer struct {
	highlight func(string) string
	label     func(string) string
	muted     func(string) string
}

func styledRenderer() renderer {
	hl := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FF6B6B")).
		Bold(true).
		Underline(true)
	label := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFD166"))
	muted := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		Italic(true)
	return renderer{
		highlight: func(s string) string { return hl.Render(s) },
		label:     func(s string) string { return label.Render(s) },
		muted:     func(s string) string { return muted.Render(s) },
	}
}

func plainRenderer() renderer {
	return renderer{
		highlight: func(s string) string { return "[" + s + "]" },
		label:     func(s string) string { return s },
		muted:     func(s string) string { return s },
	}
}

// renderResult prints the original text with every placeable violation
// marked and numbered, the suggested rewrite, and the reasons. Violations
// whose span cannot be placed on this copy of the text are listed without a
// number.
func renderResult(w io.Writer, res *domain.CheckResult, r renderer) {
	if res == nil {
		return
	}
	ranges := spans.NonOverlapping(spans.Reconcile(res.OriginalText, res.Violations))
	index := make(map[int]int, len(ranges))
	for i, hr := range ranges {
		index[hr.Start] = i + 1
	}
	marked := spans.Apply(res.OriginalText, ranges, func(seg string, hr domain.HighlightRange) string {
		return r.highlight(seg) + r.label(fmt.Sprintf("(%d)", index[hr.Start]))
	})

	fmt.Fprintln(w, marked)
	if len(res.Violations) == 0 {
		fmt.Fprintln(w, r.muted("no issues found"))
		return
	}
	if res.ModifiedText != "" && res.ModifiedText != res.OriginalText {
		fmt.Fprintln(w)
		fmt.Fprintln(w, r.label("suggested:"), res.ModifiedText)
	}
	fmt.Fprintln(w)

	placed := make(map[string]bool, len(ranges))
	rs := []rune(res.OriginalText)
	for i, hr := range ranges {
		placed[hr.Reason] = true
		fmt.Fprintf(w, "%s 「%s」 %s\n", r.label(fmt.Sprintf("(%d)", i+1)), string(rs[hr.Start:hr.End]), hr.Reason)
	}
	for _, v := range res.Violations {
		if !placed[v.Reason] {
			fmt.Fprintf(w, "%s %s\n", r.label("(-)"), r.muted(v.Reason))
		}
	}
}

func statusLine(j domain.Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s", j.Seq, j.Status)
	if j.StatusMessage != "" && j.StatusMessage != string(j.Status) {
		fmt.Fprintf(&b, ": %s", j.StatusMessage)
	}
	if j.Error != "" {
		fmt.Fprintf(&b, " (%s)", j.Error)
	}
	return b.String()
}

func queueLine(qs domain.QueueStatus) string {
	state := "accepting"
	if !qs.CanStartNewCheck {
		state = "busy"
	}
	return fmt.Sprintf("%s: %d waiting, %d/%d processing", state, qs.QueueLength, qs.ProcessingCount, qs.MaxConcurrent)
}

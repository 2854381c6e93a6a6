package check

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"adcheck/domain"
)

// Rule flags one phrase. Replacement is the suggested wording; when empty
// the phrase is left as is in the modified text.
type Rule struct {
	Phrase      string `yaml:"phrase"`
	Category    string `yaml:"category"`
	Replacement string `yaml:"replacement"`
	Note        string `yaml:"note"`
}

type Dictionary struct {
	rules []Rule
}

var defaultRules = []Rule{
	{Phrase: "がんが治る", Category: "疾病の治療効果", Replacement: "健康を維持する"},
	{Phrase: "がん", Category: "疾病名", Replacement: "", Note: "疾病の予防・治療をうたう表現は使用できません"},
	{Phrase: "シミが消える", Category: "効能効果の逸脱", Replacement: "シミを目立たなくする"},
	{Phrase: "痩せる", Category: "身体の変化", Replacement: "すっきりとした毎日をサポート"},
	{Phrase: "若返る", Category: "効能効果の逸脱", Replacement: "いきいきとした印象に"},
	{Phrase: "副作用なし", Category: "安全性の保証", Replacement: "毎日使いやすい"},
	{Phrase: "100%安全", Category: "安全性の保証", Replacement: "品質管理を徹底"},
	{Phrase: "最高級", Category: "最大級表現", Replacement: "こだわりの"},
	{Phrase: "No.1", Category: "最大級表現", Replacement: "多くの方に選ばれている"},
	{Phrase: "cures cancer", Category: "disease claim", Replacement: "supports wellbeing"},
	{Phrase: "miracle", Category: "exaggeration", Replacement: "remarkable"},
}

func DefaultDictionary() *Dictionary {
	d, _ := NewDictionary(defaultRules)
	return d
}

// NewDictionary rejects empty and duplicate phrases. Longer phrases are
// matched first, so "がんが治る" wins over "がん" where both apply.
func NewDictionary(rules []Rule) (*Dictionary, error) {
	seen := make(map[string]struct{}, len(rules))
	out := make([]Rule, 0, len(rules))
	for i, r := range rules {
		r.Phrase = strings.TrimSpace(r.Phrase)
		if r.Phrase == "" {
			return nil, fmt.Errorf("rule %d: empty phrase", i)
		}
		if _, dup := seen[r.Phrase]; dup {
			return nil, fmt.Errorf("rule %d: duplicate phrase %q", i, r.Phrase)
		}
		seen[r.Phrase] = struct{}{}
		if strings.TrimSpace(r.Category) == "" {
			r.Category = "不適切な表現"
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return len([]rune(out[i].Phrase)) > len([]rune(out[j].Phrase))
	})
	return &Dictionary{rules: out}, nil
}

// LoadDictionary reads a YAML list of rules. An empty path gives the
// built-in set.
func LoadDictionary(path string) (*Dictionary, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultDictionary(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	var rules []Rule
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	if len(rules) == 0 {
		return nil, errors.New("rules file has no entries")
	}
	return NewDictionary(rules)
}

func (d *Dictionary) Len() int { return len(d.rules) }

// Check returns the text with every flagged phrase replaced and one
// violation per occurrence, ordered by start. Offsets are rune offsets into
// text. Occurrences never overlap.
func (d *Dictionary) Check(text string) (string, []domain.Violation) {
	rs := []rune(text)
	taken := make([]bool, len(rs))
	type hit struct {
		start, end int
		rule       Rule
	}
	var hits []hit
	for _, r := range d.rules {
		phrase := []rune(r.Phrase)
		for i := 0; i+len(phrase) <= len(rs); i++ {
			if !matchAt(rs, phrase, i) || anyTaken(taken, i, i+len(phrase)) {
				continue
			}
			for k := i; k < i+len(phrase); k++ {
				taken[k] = true
			}
			hits = append(hits, hit{start: i, end: i + len(phrase), rule: r})
			i += len(phrase) - 1
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].start < hits[j].start })

	violations := make([]domain.Violation, 0, len(hits))
	var b strings.Builder
	last := 0
	for _, h := range hits {
		violations = append(violations, domain.Violation{
			Start:              h.start,
			End:                h.end,
			Reason:             reasonFor(h.rule),
			DictionaryPhrase:   h.rule.Phrase,
			DictionaryCategory: h.rule.Category,
		})
		b.WriteString(string(rs[last:h.start]))
		if h.rule.Replacement != "" {
			b.WriteString(h.rule.Replacement)
		} else {
			b.WriteString(string(rs[h.start:h.end]))
		}
		last = h.end
	}
	b.WriteString(string(rs[last:]))
	return b.String(), violations
}

// reasonFor embeds the phrase as 「phrase」 and, when there is a suggested
// wording, as "表現: before→after" so clients can relocate stale offsets.
func reasonFor(r Rule) string {
	reason := fmt.Sprintf("「%s」は%sにあたる表現です。", r.Phrase, r.Category)
	if r.Note != "" {
		reason += r.Note
	}
	if r.Replacement != "" {
		reason += fmt.Sprintf("（表現: %s→%s）", r.Phrase, r.Replacement)
	}
	return reason
}

func matchAt(text, phrase []rune, i int) bool {
	for k, r := range phrase {
		if text[i+k] != r {
			return false
		}
	}
	return true
}

func anyTaken(taken []bool, start, end int) bool {
	for k := start; k < end; k++ {
		if taken[k] {
			return true
		}
	}
	return false
}

package scorer

import (
	"sort"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

// Matcher finds urgent-sale terms in listing descriptions. Matching ignores
// whitespace and letter case, and markup is reduced to its text first.
type Matcher struct {
	terms []term
}

type term struct {
	raw  string
	norm string
}

// NewMatcher builds a matcher over terms. Longer terms are tried first so
// "급급매" wins over "급매" when both occur.
func NewMatcher(terms []string) *Matcher {
	m := &Matcher{}
	for _, t := range terms {
		n := normalize(t)
		if n == "" {
			continue
		}
		m.terms = append(m.terms, term{raw: strings.TrimSpace(t), norm: n})
	}
	sort.SliceStable(m.terms, func(i, j int) bool {
		return len(m.terms[i].norm) > len(m.terms[j].norm)
	})
	return m
}

// Match returns the first configured term found in description, or "".
func (m *Matcher) Match(description string) string {
	if len(m.terms) == 0 || strings.TrimSpace(description) == "" {
		return ""
	}
	text := normalize(PlainText(description))
	for _, t := range m.terms {
		if strings.Contains(text, t.norm) {
			return t.raw
		}
	}
	return ""
}

// PlainText strips markup from an upstream description. Plain strings pass
// through with entities decoded.
func PlainText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	doc.Find("script, style").Remove()
	return doc.Text()
}

func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

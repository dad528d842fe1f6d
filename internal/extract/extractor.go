// Package extract pulls credentials out of unstructured automation output.
package extract

import (
	"regexp"
	"strings"
)

// Fields maps a field to its extracted value. Absent fields are missing keys.
type Fields map[Field]string

// Get returns a field value and whether it was extracted.
func (f Fields) Get(field Field) (string, bool) {
	v, ok := f[field]
	return v, ok && v != ""
}

// Credentials returns the email/password pair when both were extracted.
func (f Fields) Credentials() (email, password string, ok bool) {
	email, hasEmail := f.Get(FieldEmail)
	password, hasPassword := f.Get(FieldPassword)
	return email, password, hasEmail && hasPassword
}

// Outcome is the result of one extraction pass.
type Outcome struct {
	// Success is true when the text carries a success indicator. Without it
	// no fields are extracted, which is not a failure by itself.
	Success bool
	Fields  Fields
}

// Extractor applies a success classifier and per-field cascades.
type Extractor struct {
	success *regexp.Regexp
	rules   []Rule
}

// New creates an extractor from a success pattern and ordered rules.
func New(success *regexp.Regexp, rules []Rule) *Extractor {
	return &Extractor{success: success, rules: rules}
}

// Default returns the extractor for the registration workflow.
func Default() *Extractor {
	return New(SuccessPattern, DefaultRules)
}

// Extract classifies text and, on success, runs every field cascade over it.
func (e *Extractor) Extract(text string) Outcome {
	out := Outcome{Fields: Fields{}}
	if e.success != nil && !e.success.MatchString(text) {
		return out
	}
	out.Success = true

	for _, rule := range e.rules {
		if v, ok := rule.Find(text); ok {
			out.Fields[rule.Field] = v
		}
	}
	return out
}

// Find runs the rule's cascade. Labelled patterns always win over fallback
// patterns; within a tier the first matching pattern supplies the value unless
// PreferLast is set, in which case the latest occurrence across the tier wins.
func (r Rule) Find(text string) (string, bool) {
	for _, tier := range [][]*regexp.Regexp{r.Labelled, r.Fallback} {
		var v string
		var ok bool
		if r.PreferLast {
			v, ok = lastMatch(tier, text)
		} else {
			v, ok = firstMatch(tier, text)
		}
		if ok {
			return v, true
		}
	}
	return "", false
}

func firstMatch(patterns []*regexp.Regexp, text string) (string, bool) {
	for _, re := range patterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if v := Clean(capture(m)); v != "" {
			return v, true
		}
	}
	return "", false
}

func lastMatch(patterns []*regexp.Regexp, text string) (string, bool) {
	best, bestPos := "", -1
	for _, re := range patterns {
		for _, idx := range re.FindAllStringSubmatchIndex(text, -1) {
			start, end := idx[0], idx[1]
			if len(idx) >= 4 && idx[2] >= 0 {
				start, end = idx[2], idx[3]
			}
			if start <= bestPos {
				continue
			}
			if v := Clean(text[start:end]); v != "" {
				best, bestPos = v, start
			}
		}
	}
	return best, bestPos >= 0
}

// Redacted replaces a secret value in redacted text.
const Redacted = "[REDACTED]"

var defaultExtractor = Default()

// Redact masks secret values in text using the default rules.
func Redact(text string) string {
	return defaultExtractor.Redact(text)
}

// Redact masks the values matched by every secret field's patterns. The
// labels and non-secret fields such as the email stay readable.
func (e *Extractor) Redact(text string) string {
	for _, rule := range e.rules {
		if !rule.Field.Secret() {
			continue
		}
		for _, tier := range [][]*regexp.Regexp{rule.Labelled, rule.Fallback} {
			for _, re := range tier {
				text = redactMatches(re, text)
			}
		}
	}
	return text
}

func redactMatches(re *regexp.Regexp, text string) string {
	matches := re.FindAllStringSubmatchIndex(text, -1)
	if matches == nil {
		return text
	}
	var b strings.Builder
	last := 0
	for _, idx := range matches {
		start, end := idx[0], idx[1]
		if len(idx) >= 4 && idx[2] >= 0 {
			start, end = idx[2], idx[3]
		}
		if start < last {
			continue
		}
		b.WriteString(text[last:start])
		b.WriteString(Redacted)
		last = end
	}
	b.WriteString(text[last:])
	return b.String()
}

func capture(m []string) string {
	if len(m) > 1 {
		return m[1]
	}
	return m[0]
}

// Clean trims a value and strips C0/C1 control characters.
func Clean(s string) string {
	s = strings.Map(func(r rune) rune {
		if r <= 0x1f || (r >= 0x7f && r <= 0x9f) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

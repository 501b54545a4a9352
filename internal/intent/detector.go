// Package intent classifies user messages: whether they describe an
// equipment problem, which category it falls into, and whether a reply to
// an open step carries explicit feedback. Everything here is pure.
package intent

import (
	"strings"
	"unicode"

	"github.com/jdkato/prose/v2"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/abparts/troubleshoot/internal/storage/models"
)

type phrase []string

type compiled struct {
	problem      []phrase
	hazard       []phrase
	feedback     map[models.Feedback][]phrase
	negation     map[string]struct{}
	postNegation map[string]struct{}
	categories   map[string][]phrase
}

// Detector holds the tokenised vocabularies. It is safe for concurrent use.
type Detector struct {
	langs map[string]*compiled
}

func NewDetector() *Detector {
	d := &Detector{langs: make(map[string]*compiled, len(vocabularies))}
	for lang, v := range vocabularies {
		c := &compiled{
			problem:      compilePhrases(v.problem),
			hazard:       compilePhrases(v.hazard),
			feedback:     make(map[models.Feedback][]phrase, len(v.feedback)),
			negation:     wordSet(v.negation),
			postNegation: wordSet(v.postNegation),
			categories:   make(map[string][]phrase, len(v.categories)),
		}
		for fb, list := range v.feedback {
			c.feedback[fb] = compilePhrases(list)
		}
		for cat, list := range v.categories {
			c.categories[cat] = compilePhrases(list)
		}
		d.langs[lang] = c
	}
	return d
}

// Detect reports whether text describes a problem with the equipment.
func (d *Detector) Detect(text, language string) bool {
	return containsAny(Tokenize(text), d.vocab(language).problem)
}

// Categorize returns the first category whose keywords appear in text.
func (d *Detector) Categorize(text, language string) string {
	tokens := Tokenize(text)
	v := d.vocab(language)
	for _, cat := range categoryOrder {
		if containsAny(tokens, v.categories[cat]) {
			return cat
		}
	}
	return CategoryGeneral
}

// ParseFeedback finds an explicit worked / partially worked / didn't work
// signal in a free-text reply. Rejections win over everything else. A
// success phrase preceded by a negation in the same clause ("not fixed",
// "hasn't worked") counts as a rejection, and a negated partial phrase is
// ignored.
func (d *Detector) ParseFeedback(text, language string) (models.Feedback, bool) {
	v := d.vocab(language)
	if containsAny(Tokenize(text), v.feedback[models.FeedbackDidntWork]) {
		return models.FeedbackDidntWork, true
	}

	clauses := Clauses(text)
	negatedSuccess := false
	for _, fb := range []models.Feedback{models.FeedbackPartiallyWorked, models.FeedbackWorked} {
		for _, clause := range clauses {
			for _, p := range v.feedback[fb] {
				for _, at := range phraseIndexes(clause, p) {
					if v.negated(clause, at, len(p)) {
						if fb == models.FeedbackWorked {
							negatedSuccess = true
						}
						continue
					}
					return fb, true
				}
			}
		}
	}

	if negatedSuccess {
		return models.FeedbackDidntWork, true
	}
	return "", false
}

// MentionsHazard reports safety vocabulary such as fire or electric shock.
func (d *Detector) MentionsHazard(text, language string) bool {
	return containsAny(Tokenize(text), d.vocab(language).hazard)
}

// NormalizeLanguage reduces a tag like "es-MX" to a supported base language.
func NormalizeLanguage(language string) string {
	base := strings.ToLower(strings.TrimSpace(language))
	if i := strings.IndexAny(base, "-_"); i >= 0 {
		base = base[:i]
	}
	if _, ok := vocabularies[base]; ok {
		return base
	}
	return DefaultLanguage
}

func (d *Detector) vocab(language string) *compiled {
	return d.langs[NormalizeLanguage(language)]
}

// Tokenize splits text into folded word tokens. Contractions are split the
// way prose splits them ("didn't" becomes "did", "n't").
func Tokenize(text string) []string {
	return wordsOnly(rawTokens(text))
}

// Clauses tokenizes text like Tokenize but breaks it into clauses at
// punctuation, so "no problem, it worked" keeps "no" away from "worked".
func Clauses(text string) [][]string {
	var (
		out     [][]string
		current []string
	)
	for _, tok := range rawTokens(text) {
		if !isWord(tok) {
			if len(current) > 0 {
				out = append(out, current)
				current = nil
			}
			continue
		}
		current = append(current, tok)
	}
	if len(current) > 0 {
		out = append(out, current)
	}
	return out
}

func rawTokens(text string) []string {
	text = fold(text)
	if strings.TrimSpace(text) == "" {
		return nil
	}

	doc, err := prose.NewDocument(text,
		prose.WithTokenization(true),
		prose.WithTagging(false),
		prose.WithExtraction(false),
		prose.WithSegmentation(false),
	)
	if err != nil || len(doc.Tokens()) == 0 {
		return splitPunctuation(strings.Fields(text))
	}

	raw := make([]string, 0, len(doc.Tokens()))
	for _, tok := range doc.Tokens() {
		raw = append(raw, tok.Text)
	}
	return raw
}

// negated reports a negation within negationWindow words before the phrase
// at tokens[at:at+n], or a trailing negation right after it.
func (c *compiled) negated(tokens []string, at, n int) bool {
	from := at - negationWindow
	if from < 0 {
		from = 0
	}
	for _, tok := range tokens[from:at] {
		if _, ok := c.negation[tok]; ok || strings.HasSuffix(tok, "n't") {
			return true
		}
	}
	if end := at + n; end < len(tokens) {
		if _, ok := c.postNegation[tokens[end]]; ok {
			return true
		}
	}
	return false
}

func compilePhrases(list []string) []phrase {
	out := make([]phrase, 0, len(list))
	for _, s := range list {
		if toks := Tokenize(s); len(toks) > 0 {
			out = append(out, toks)
		}
	}
	return out
}

func containsAny(tokens []string, phrases []phrase) bool {
	for _, p := range phrases {
		if containsPhrase(tokens, p) {
			return true
		}
	}
	return false
}

func containsPhrase(tokens []string, p phrase) bool {
	return len(phraseIndexes(tokens, p)) > 0
}

// phraseIndexes returns every position where p starts in tokens.
func phraseIndexes(tokens []string, p phrase) []int {
	if len(p) == 0 || len(p) > len(tokens) {
		return nil
	}
	var out []int
outer:
	for i := 0; i+len(p) <= len(tokens); i++ {
		for j := range p {
			if tokens[i+j] != p[j] {
				continue outer
			}
		}
		out = append(out, i)
	}
	return out
}

func wordSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[fold(w)] = struct{}{}
	}
	return set
}

// wordsOnly drops pure punctuation tokens.
func wordsOnly(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if isWord(t) {
			out = append(out, t)
		}
	}
	return out
}

func isWord(tok string) bool {
	return strings.IndexFunc(tok, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) >= 0
}

// splitPunctuation separates clause punctuation stuck to words when prose
// is unavailable, so "fixed," yields "fixed" and ",".
func splitPunctuation(fields []string) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		trimmed := strings.TrimRightFunc(f, unicode.IsPunct)
		if trimmed != "" {
			out = append(out, trimmed)
		}
		if rest := f[len(trimmed):]; rest != "" {
			out = append(out, rest)
		}
	}
	return out
}

var dotless = strings.NewReplacer("ı", "i", "’", "'", "‘", "'")

// fold lowercases text and strips diacritics so "presión" matches "presion"
// and "πρόβλημα" matches "προβλημα".
func fold(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, strings.ToLower(text))
	if err != nil {
		folded = strings.ToLower(text)
	}
	return dotless.Replace(folded)
}

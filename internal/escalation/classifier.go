// Package escalation flags user messages that ask for a human.
package escalation

import "strings"

// DefaultPhrases are matched case-insensitively as substrings.
var DefaultPhrases = []string{
	"can't help",
	"cannot help",
	"need a specialist",
	"talk to a human",
	"real person",
	"call me",
	"doesn't work",
	"does not work",
	"don't understand",
	"do not understand",
	"оператор",
	"специалист",
	"позвоните мне",
	"перезвоните",
	"не работает",
	"не помогло",
	"не понимаю",
	"живой человек",
}

type Classifier struct {
	phrases []string
}

// New builds a classifier from a phrase list. Blank phrases are ignored.
func New(phrases []string) *Classifier {
	c := &Classifier{}
	for _, p := range phrases {
		if p = normalize(p); p != "" {
			c.phrases = append(c.phrases, p)
		}
	}
	return c
}

// Default returns a classifier over DefaultPhrases plus extra.
func Default(extra ...string) *Classifier {
	return New(append(append([]string(nil), DefaultPhrases...), extra...))
}

// Classify reports whether text asks for a specialist.
func (c *Classifier) Classify(text string) bool {
	text = normalize(text)
	if text == "" {
		return false
	}
	for _, p := range c.phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// normalize lowercases, folds typographic apostrophes and ё, and collapses whitespace.
func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer("’", "'", "‘", "'", "`", "'", "ё", "е").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

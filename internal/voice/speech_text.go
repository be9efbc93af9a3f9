package voice

import (
	"regexp"
	"strings"
	"unicode"
)

// SpeechFilter turns reply text into what a backend should say. An empty result means
// there is nothing worth speaking.
type SpeechFilter func(string) string

type speechRewrite struct {
	pattern *regexp.Regexp
	with    string
}

// Applied in order: links must lose their target before bare URLs are dropped.
var speechRewrites = []speechRewrite{
	{regexp.MustCompile("(?s)```.*?```"), " "},
	{regexp.MustCompile("`[^`]*`"), " "},
	{regexp.MustCompile(`!?\[([^\]]*)\]\([^)]*\)`), "$1"},
	{regexp.MustCompile(`https?://\S+`), " "},
	{regexp.MustCompile(`(?m)^[ \t]*\|?[ \t]*:?-{3,}.*$`), " "},
	{regexp.MustCompile(`(?m)^[ \t]*(?:[-*+]|\d+[.)])[ \t]+`), ""},
	{regexp.MustCompile(`(?:₹|\bRs\.?)[ \t]*(\d+(?:,\d+)*(?:\.\d+)?)`), "$1 rupees"},
}

type speechRune int

const (
	runeKeep speechRune = iota
	runeBreak
	runeDrop
)

// SanitizeSpeechText turns a markdown-bearing shop reply into plain speakable text: code
// and URLs go, link labels and list items stay, rupee amounts are read out and emoji are
// dropped.
func SanitizeSpeechText(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}
	for _, rw := range speechRewrites {
		text = rw.pattern.ReplaceAllString(text, rw.with)
	}

	var b strings.Builder
	b.Grow(len(text))
	gap := false
	for _, r := range text {
		switch classifySpeechRune(r) {
		case runeBreak:
			gap = b.Len() > 0
		case runeKeep:
			if gap {
				b.WriteByte(' ')
				gap = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

func classifySpeechRune(r rune) speechRune {
	switch {
	case unicode.IsSpace(r):
		return runeBreak
	case r == '\u20e3', unicode.Is(unicode.Variation_Selector, r):
		return runeDrop
	case unicode.In(r, unicode.Cc, unicode.Cf, unicode.So):
		return runeDrop
	case unicode.In(r, unicode.Sm, unicode.Sk):
		return runeBreak
	}
	switch r {
	case '.', ',', '!', '?', ':', ';', '\'', '"', '-', '(', ')', '।':
		return runeKeep
	}
	if unicode.IsPunct(r) {
		return runeBreak
	}
	return runeKeep
}

package voice

import (
	"regexp"
	"strings"
	"unicode"
)

var speechURLPattern = regexp.MustCompile(`https?://\S+`)

// cleanSpeechText strips symbols a car speaker should not try to pronounce.
// CJK text and full-width punctuation are kept.
func cleanSpeechText(raw string) string {
	raw = strings.TrimSpace(speechURLPattern.ReplaceAllString(raw, " "))
	if raw == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(raw))
	prevSpace := true
	for _, r := range raw {
		switch {
		case r == '\u200d' || r == '\ufe0f' || r == '\u20e3':
			continue
		case unicode.IsSpace(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsControl(r):
			continue
		case unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
			continue
		case isSpeechSafePunctuation(r) || !unicode.IsPunct(r):
			b.WriteRune(r)
			prevSpace = false
		default:
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func isSpeechSafePunctuation(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ':', ';', '\'', '"', '-', '(', ')',
		'。', '，', '！', '？', '：', '；', '、', '“', '”', '（', '）':
		return true
	default:
		return false
	}
}

// splitSentences cuts text after sentence-ending punctuation so each piece
// can be framed by its own sentence_start/sentence_end pair.
func splitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	for _, r := range text {
		cur.WriteRune(r)
		switch r {
		case '。', '！', '？', '.', '!', '?', '；', ';':
			if s := strings.TrimSpace(cur.String()); s != "" {
				out = append(out, s)
			}
			cur.Reset()
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}

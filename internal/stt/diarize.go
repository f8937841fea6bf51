package stt

import (
	"fmt"
	"strings"
)

// FormatDiarized groups consecutive same-speaker words into paragraphs
// labeled "Speaker <id>:". Words without speaker ids (speaker < 0) fall back
// to the plain text.
func FormatDiarized(text string, words []Word) string {
	hasSpeakers := false
	for _, w := range words {
		if w.Speaker >= 0 {
			hasSpeakers = true
			break
		}
	}
	if !hasSpeakers {
		return text
	}

	var b strings.Builder
	current := -1
	var para []string
	flush := func() {
		if len(para) == 0 {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Speaker %d: %s", current, strings.Join(para, " "))
		para = para[:0]
	}

	for _, w := range words {
		if w.Word == "" {
			continue
		}
		sp := w.Speaker
		if sp < 0 {
			sp = current
		}
		if sp != current && len(para) > 0 {
			flush()
		}
		current = sp
		para = append(para, w.Word)
	}
	flush()

	if b.Len() == 0 {
		return text
	}
	return b.String()
}

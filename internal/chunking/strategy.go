package chunking

import (
	"regexp"
	"strings"
	"unicode"
)

var paragraphBreak = regexp.MustCompile(`\n\s*\n`)

// unit is a sentence or paragraph with its token count. para records the
// source paragraph so packed units are rejoined with the right separator.
type unit struct {
	text   string
	tokens int
	para   int
}

func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, p := range paragraphBreak.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSentences cuts after runs of '.', '!' or '?' (and any closing quotes
// or brackets) that are followed by whitespace or the end of the text.
// Decimal numbers and dotted abbreviations without a following space stay
// intact.
func splitSentences(text string) []string {
	runes := []rune(text)
	var out []string
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isTerminator(runes[i]) {
			continue
		}
		j := i + 1
		for j < len(runes) && (isTerminator(runes[j]) || isCloser(runes[j])) {
			j++
		}
		if j < len(runes) && !unicode.IsSpace(runes[j]) {
			i = j - 1
			continue
		}
		if s := normalizeSpace(string(runes[start:j])); s != "" {
			out = append(out, s)
		}
		start = j
		i = j - 1
	}
	if s := normalizeSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’':
		return true
	}
	return false
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func sentenceUnits(text string, tok Tokenizer) []unit {
	var units []unit
	for pi, para := range splitParagraphs(text) {
		for _, s := range splitSentences(para) {
			units = append(units, unit{text: s, tokens: len(tok.Tokens(s)), para: pi})
		}
	}
	return units
}

// paragraphUnits yields one unit per paragraph, or the paragraph's
// sentences when it alone exceeds size.
func paragraphUnits(text string, tok Tokenizer, size int) []unit {
	var units []unit
	for pi, para := range splitParagraphs(text) {
		n := len(tok.Tokens(para))
		if n <= size {
			units = append(units, unit{text: para, tokens: n, para: pi})
			continue
		}
		for _, s := range splitSentences(para) {
			units = append(units, unit{text: s, tokens: len(tok.Tokens(s)), para: pi})
		}
	}
	return units
}

// pack greedily fills chunks with whole units. Each new chunk starts with
// the trailing units of the previous one that fit in overlap tokens. A
// unit larger than size is flushed on its own through the fixed window.
func (e *Engine) pack(units []unit, size, overlap int) []string {
	var (
		out       []string
		cur       []unit
		curTokens int
	)
	for _, u := range units {
		if u.tokens == 0 {
			continue
		}
		if u.tokens > size {
			if len(cur) > 0 {
				out = append(out, joinUnits(cur))
			}
			cur, curTokens = nil, 0
			for _, seg := range e.windows(e.tok.Tokens(u.text), size, overlap) {
				out = append(out, seg.text)
			}
			continue
		}
		if len(cur) > 0 && curTokens+u.tokens > size {
			out = append(out, joinUnits(cur))
			cur = carry(cur, min(overlap, size-u.tokens))
			curTokens = 0
			for _, c := range cur {
				curTokens += c.tokens
			}
		}
		cur = append(cur, u)
		curTokens += u.tokens
	}
	if len(cur) > 0 {
		out = append(out, joinUnits(cur))
	}
	return out
}

// carry returns the longest suffix of units totalling at most budget tokens.
func carry(units []unit, budget int) []unit {
	total := 0
	k := len(units)
	for k > 0 && total+units[k-1].tokens <= budget {
		total += units[k-1].tokens
		k--
	}
	return append([]unit(nil), units[k:]...)
}

func joinUnits(units []unit) string {
	var b strings.Builder
	for i, u := range units {
		if i > 0 {
			if u.para == units[i-1].para {
				b.WriteByte(' ')
			} else {
				b.WriteString("\n\n")
			}
		}
		b.WriteString(u.text)
	}
	return b.String()
}

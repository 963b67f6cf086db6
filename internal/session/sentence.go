package session

import "strings"

// sentenceAssembler accumulates generation tokens and cuts them into
// synthesizable pieces. A piece is emitted on sentence punctuation, or at a
// word boundary once the buffer holds maxWords words so long unpunctuated
// output still reaches synthesis promptly.
type sentenceAssembler struct {
	text        strings.Builder
	maxWords    int
	punctuation string
}

func newSentenceAssembler() *sentenceAssembler {
	return &sentenceAssembler{
		maxWords:    24,
		punctuation: ".!?",
	}
}

// Add appends a token and returns a completed piece, or "" while more text
// should accumulate.
func (a *sentenceAssembler) Add(token string) string {
	if token == "" {
		return ""
	}

	startsWithSpace := token[0] == ' ' || token[0] == '\n'
	prev := a.text.String()
	prevWords := len(strings.Fields(prev))

	a.text.WriteString(token)
	content := a.text.String()

	if strings.ContainsAny(token, a.punctuation) {
		last := strings.LastIndexAny(content, a.punctuation)
		if last >= 0 {
			piece := strings.TrimSpace(content[:last+1])
			remainder := strings.TrimSpace(content[last+1:])
			a.text.Reset()
			if remainder != "" {
				a.text.WriteString(remainder)
			}
			if piece != "" {
				return piece
			}
			return ""
		}
	}

	if prevWords >= a.maxWords && startsWithSpace {
		a.text.Reset()
		a.text.WriteString(strings.TrimLeft(token, " \n"))
		return strings.TrimSpace(prev)
	}

	return ""
}

// Flush returns whatever remains after the token stream ends.
func (a *sentenceAssembler) Flush() string {
	piece := strings.TrimSpace(a.text.String())
	a.text.Reset()
	return piece
}

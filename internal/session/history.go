package session

import "strings"

// Exchange is one completed user/assistant round kept as prompt context.
type Exchange struct {
	User      string
	Assistant string
}

// history keeps recent exchanges under a character budget, evicting the
// oldest exchange first. A zero or negative budget disables history.
type history struct {
	exchanges []Exchange
	maxChars  int
	size      int
}

func newHistory(maxChars int) *history {
	return &history{maxChars: maxChars}
}

func (h *history) Add(user, assistant string) {
	if h.maxChars <= 0 {
		return
	}
	user = strings.TrimSpace(user)
	assistant = strings.TrimSpace(assistant)
	if user == "" && assistant == "" {
		return
	}
	h.exchanges = append(h.exchanges, Exchange{User: user, Assistant: assistant})
	h.size += len(user) + len(assistant)
	for h.size > h.maxChars && len(h.exchanges) > 0 {
		evicted := h.exchanges[0]
		h.exchanges = h.exchanges[1:]
		h.size -= len(evicted.User) + len(evicted.Assistant)
	}
}

// Prompt renders the retained exchanges followed by the new user utterance.
func (h *history) Prompt(userText string) string {
	if len(h.exchanges) == 0 {
		return userText
	}
	var b strings.Builder
	for _, ex := range h.exchanges {
		if ex.User != "" {
			b.WriteString("User: ")
			b.WriteString(ex.User)
			b.WriteString("\n")
		}
		if ex.Assistant != "" {
			b.WriteString("Assistant: ")
			b.WriteString(ex.Assistant)
			b.WriteString("\n")
		}
	}
	b.WriteString("User: ")
	b.WriteString(userText)
	return b.String()
}

func (h *history) Len() int { return len(h.exchanges) }

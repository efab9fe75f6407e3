package memory

import (
	"github.com/sipeed/picocell/pkg/providers"
	"github.com/sipeed/picocell/pkg/tokens"
)

type trackedMessage struct {
	msg    providers.Message
	tokens int
}

// SlidingWindow is the L1 layer: raw messages in insertion order. Adding
// past the budget evicts from the front, but the newest message always
// stays, so the window may briefly hold budget plus one message.
type SlidingWindow struct {
	budget int
	msgs   []trackedMessage
	total  int
}

func NewSlidingWindow(tokenBudget int) *SlidingWindow {
	return &SlidingWindow{budget: tokenBudget}
}

// Add appends msg and returns the messages evicted to make room, oldest
// first.
func (w *SlidingWindow) Add(msg providers.Message) []providers.Message {
	t := tokens.Estimate(msg.Content)
	w.msgs = append(w.msgs, trackedMessage{msg: msg, tokens: t})
	w.total += t

	var evicted []providers.Message
	for w.total > w.budget && len(w.msgs) > 1 {
		head := w.msgs[0]
		w.msgs = w.msgs[1:]
		w.total -= head.tokens
		evicted = append(evicted, head.msg)
	}
	return evicted
}

// Messages returns the current window in insertion order.
func (w *SlidingWindow) Messages() []providers.Message {
	out := make([]providers.Message, len(w.msgs))
	for i, tm := range w.msgs {
		out[i] = tm.msg
	}
	return out
}

// Recent returns up to the newest messages whose tokens fit in budget, in
// insertion order.
func (w *SlidingWindow) Recent(budget int) []providers.Message {
	used := 0
	start := len(w.msgs)
	for i := len(w.msgs) - 1; i >= 0; i-- {
		if used+w.msgs[i].tokens > budget {
			break
		}
		used += w.msgs[i].tokens
		start = i
	}
	out := make([]providers.Message, len(w.msgs)-start)
	for i := start; i < len(w.msgs); i++ {
		out[i-start] = w.msgs[i].msg
	}
	return out
}

func (w *SlidingWindow) TotalTokens() int { return w.total }

func (w *SlidingWindow) Len() int { return len(w.msgs) }

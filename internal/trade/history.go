package trade

import (
	"encoding/json"
	"iter"
	"time"
)

// DefaultHistoryCapacity bounds the transition log of each trade.
const DefaultHistoryCapacity = 16

// HistoryEntry records one state transition.
type HistoryEntry struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Actor  string    `json:"actor"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// History is a fixed-capacity ring of transitions. Once full, each Push
// overwrites the oldest entry, so a trade record never grows past its
// capacity.
type History struct {
	buf   []HistoryEntry
	start int
	size  int
}

// NewHistory returns an empty history holding at most capacity entries.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{buf: make([]HistoryEntry, capacity)}
}

// Cap returns the fixed capacity.
func (h *History) Cap() int { return len(h.buf) }

// Len returns the number of retained entries.
func (h *History) Len() int { return h.size }

// Push appends e, evicting the oldest entry when full. It never fails.
func (h *History) Push(e HistoryEntry) {
	if len(h.buf) == 0 {
		h.buf = make([]HistoryEntry, DefaultHistoryCapacity)
	}
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = e
		h.size++
		return
	}
	h.buf[h.start] = e
	h.start = (h.start + 1) % len(h.buf)
}

func (h *History) at(i int) HistoryEntry {
	return h.buf[(h.start+i)%len(h.buf)]
}

// All yields entries oldest first.
func (h *History) All() iter.Seq[HistoryEntry] {
	return func(yield func(HistoryEntry) bool) {
		for i := 0; i < h.size; i++ {
			if !yield(h.at(i)) {
				return
			}
		}
	}
}

// Backward yields entries newest first.
func (h *History) Backward() iter.Seq[HistoryEntry] {
	return func(yield func(HistoryEntry) bool) {
		for i := h.size - 1; i >= 0; i-- {
			if !yield(h.at(i)) {
				return
			}
		}
	}
}

// Entries returns a chronological copy of the retained entries.
func (h *History) Entries() []HistoryEntry {
	out := make([]HistoryEntry, 0, h.size)
	for e := range h.All() {
		out = append(out, e)
	}
	return out
}

// Last returns the newest entry.
func (h *History) Last() (HistoryEntry, bool) {
	if h.size == 0 {
		return HistoryEntry{}, false
	}
	return h.at(h.size - 1), true
}

// ByActor returns entries made by actor, newest first.
func (h *History) ByActor(actor string) []HistoryEntry {
	var out []HistoryEntry
	for e := range h.Backward() {
		if e.Actor == actor {
			out = append(out, e)
		}
	}
	return out
}

// ByState returns entries that moved the trade into state, newest first.
func (h *History) ByState(state State) []HistoryEntry {
	var out []HistoryEntry
	for e := range h.Backward() {
		if e.To == state {
			out = append(out, e)
		}
	}
	return out
}

// Clone returns an independent copy.
func (h *History) Clone() *History {
	if h == nil {
		return nil
	}
	cp := &History{buf: make([]HistoryEntry, len(h.buf)), start: h.start, size: h.size}
	copy(cp.buf, h.buf)
	return cp
}

type historyJSON struct {
	Capacity int            `json:"capacity"`
	Entries  []HistoryEntry `json:"entries"`
}

// MarshalJSON encodes the capacity and the chronological entries.
func (h *History) MarshalJSON() ([]byte, error) {
	return json.Marshal(historyJSON{Capacity: h.Cap(), Entries: h.Entries()})
}

// UnmarshalJSON rebuilds the ring, keeping only the newest Capacity entries.
func (h *History) UnmarshalJSON(data []byte) error {
	var raw historyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*h = *NewHistory(raw.Capacity)
	for _, e := range raw.Entries {
		h.Push(e)
	}
	return nil
}

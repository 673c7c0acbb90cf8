package transcription

import (
	"sync"
	"time"
)

// Segment is one final transcript entry retained in the history.
type Segment struct {
	Text         string    `json:"text"`
	Language     string    `json:"language"`
	SpeakerID    string    `json:"speakerId,omitempty"`
	DidTranslate bool      `json:"didTranslate,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// History keeps final transcript segments per language for a rolling
// window. Interim results are never stored. Safe for concurrent use.
type History struct {
	window time.Duration

	mu      sync.Mutex
	perLang map[string][]Segment
}

// NewHistory creates a History with the given retention window.
func NewHistory(window time.Duration) *History {
	if window <= 0 {
		window = 30 * time.Minute
	}
	return &History{
		window:  window,
		perLang: make(map[string][]Segment),
	}
}

// Add appends a final segment under its language.
func (h *History) Add(seg Segment) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.perLang[seg.Language] = h.pruned(append(h.perLang[seg.Language], seg))
}

// Get returns the retained segments for one language, oldest first.
func (h *History) Get(language string) []Segment {
	h.mu.Lock()
	defer h.mu.Unlock()

	segs := h.pruned(h.perLang[language])
	h.perLang[language] = segs
	out := make([]Segment, len(segs))
	copy(out, segs)
	return out
}

// Languages returns the languages with retained segments.
func (h *History) Languages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []string
	for lang, segs := range h.perLang {
		if len(h.pruned(segs)) > 0 {
			out = append(out, lang)
		}
	}
	return out
}

// pruned drops segments older than the window. Must be called with h.mu
// held.
func (h *History) pruned(segs []Segment) []Segment {
	cutoff := time.Now().Add(-h.window)
	i := 0
	for i < len(segs) && segs[i].Timestamp.Before(cutoff) {
		i++
	}
	return segs[i:]
}

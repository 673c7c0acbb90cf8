package subscription

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lenslab/lenscloud/internal/protocol"
)

// CachedEvent is a last-known value replayed to an App right after it
// subscribes to the matching stream.
type CachedEvent struct {
	Key  string
	Data any
}

// Index tracks which App on a session subscribes to which effective stream
// key, plus the cached last-values used for replay. One Index per user
// session; safe for concurrent use.
type Index struct {
	mu   sync.RWMutex
	subs map[string]map[string]struct{}

	lastLocation *protocol.LocationUpdate
	calendar     []protocol.CalendarEvent
	lastDatetime string
}

// NewIndex creates an empty Index.
func NewIndex() *Index {
	return &Index{subs: make(map[string]map[string]struct{})}
}

// Update atomically replaces pkg's subscription set with the normalised
// form of keys and returns the effective keys that are new for this App.
// If any key is invalid the whole update is rejected and the existing
// set is left untouched.
func (x *Index) Update(pkg string, keys []string) (added []string, err error) {
	normalized := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		ek, err := NormalizeKey(k)
		if err != nil {
			return nil, fmt.Errorf("subscription: update %s: %w", pkg, err)
		}
		normalized[ek] = struct{}{}
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	old := x.subs[pkg]
	for ek := range normalized {
		if _, had := old[ek]; !had {
			added = append(added, ek)
		}
	}
	sort.Strings(added)

	if len(normalized) == 0 {
		delete(x.subs, pkg)
	} else {
		x.subs[pkg] = normalized
	}
	return added, nil
}

// Remove drops all subscriptions held by pkg.
func (x *Index) Remove(pkg string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.subs, pkg)
}

// Subscribers returns the package names subscribed to the effective key,
// sorted for deterministic fan-out order.
func (x *Index) Subscribers(effectiveKey string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var out []string
	for pkg, set := range x.subs {
		if _, ok := set[effectiveKey]; ok {
			out = append(out, pkg)
		}
	}
	sort.Strings(out)
	return out
}

// Subscriptions returns pkg's current effective keys, sorted.
func (x *Index) Subscriptions(pkg string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	set := x.subs[pkg]
	out := make([]string, 0, len(set))
	for ek := range set {
		out = append(out, ek)
	}
	sort.Strings(out)
	return out
}

// HasMediaSubscriptions reports whether any App needs microphone audio:
// raw audio chunks, transcription, or translation.
func (x *Index) HasMediaSubscriptions() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()

	for _, set := range x.subs {
		for ek := range set {
			if ek == StreamAudioChunk {
				return true
			}
			if _, ok := ParseLanguagePair(ek); ok {
				return true
			}
		}
	}
	return false
}

// LanguagePairs returns the minimal set of distinct language pairs implied
// by all current subscriptions, one entry per (transcribe, translate)
// combination. This is the set of provider streams the session needs.
func (x *Index) LanguagePairs() []LanguagePair {
	x.mu.RLock()
	defer x.mu.RUnlock()

	seen := make(map[LanguagePair]struct{})
	var out []LanguagePair
	for _, set := range x.subs {
		for ek := range set {
			pair, ok := ParseLanguagePair(ek)
			if !ok {
				continue
			}
			if _, dup := seen[pair]; dup {
				continue
			}
			seen[pair] = struct{}{}
			out = append(out, pair)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Transcribe != out[j].Transcribe {
			return out[i].Transcribe < out[j].Transcribe
		}
		return out[i].Translate < out[j].Translate
	})
	return out
}

// CacheLocation stores the latest position for replay.
func (x *Index) CacheLocation(loc protocol.LocationUpdate) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.lastLocation = &loc
}

// CacheCalendarEvent appends a calendar entry for replay, replacing any
// earlier entry with the same event id.
func (x *Index) CacheCalendarEvent(ev protocol.CalendarEvent) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for i := range x.calendar {
		if x.calendar[i].EventID == ev.EventID {
			x.calendar[i] = ev
			return
		}
	}
	x.calendar = append(x.calendar, ev)
}

// CacheDatetime stores the device-reported local datetime for replay.
func (x *Index) CacheDatetime(dt string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.lastDatetime = dt
}

// Replay returns the cached events matching newly added effective keys.
// The caller delivers them to the App that just subscribed.
func (x *Index) Replay(added []string) []CachedEvent {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var out []CachedEvent
	for _, ek := range added {
		switch ek {
		case StreamLocationUpdate:
			if x.lastLocation != nil {
				out = append(out, CachedEvent{Key: ek, Data: *x.lastLocation})
			}
		case StreamCalendarEvent:
			for _, ev := range x.calendar {
				out = append(out, CachedEvent{Key: ek, Data: ev})
			}
		case SettingsPrefix + "datetime":
			if x.lastDatetime != "" {
				out = append(out, CachedEvent{Key: ek, Data: x.lastDatetime})
			}
		}
	}
	return out
}

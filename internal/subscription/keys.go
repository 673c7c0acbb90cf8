// Package subscription maintains the per-session subscription index: which
// App wants which stream, with language-aware effective keys and cached
// last-values replayed on new subscriptions.
package subscription

import (
	"fmt"
	"regexp"
	"strings"
)

// Plain stream keys without language parameters.
const (
	StreamTranscription  = "transcription"
	StreamTranslation    = "translation"
	StreamAudioChunk     = "audio_chunk"
	StreamCalendarEvent  = "calendar_event"
	StreamLocationUpdate = "location_update"
	StreamCustomMessage  = "custom_message"
	StreamHeadPosition   = "head_position"
	StreamButtonPress    = "button_press"
	StreamPhoneNotification = "phone_notification"
	StreamGlassesBattery = "glasses_battery_update"
)

// SettingsPrefix marks subscriptions to individual device setting keys
// ("augmentos:brightness").
const SettingsPrefix = "augmentos:"

// DefaultLanguage is assumed when a transcription subscription names no
// language.
const DefaultLanguage = "en-US"

// plainKeys is the closed set of valid non-language stream keys.
var plainKeys = map[string]bool{
	StreamAudioChunk:        true,
	StreamCalendarEvent:     true,
	StreamLocationUpdate:    true,
	StreamCustomMessage:     true,
	StreamHeadPosition:      true,
	StreamButtonPress:       true,
	StreamPhoneNotification: true,
	StreamGlassesBattery:    true,
}

// langPattern matches a BCP-47 language-region tag ("en", "en-US").
var langPattern = regexp.MustCompile(`^[A-Za-z]{2,3}(?:-[A-Za-z]{2})?$`)

// LanguagePair is one (transcribe, translate) combination a subscription
// implies. Translate is empty for plain transcription.
type LanguagePair struct {
	Transcribe string
	Translate  string
}

// Key returns the effective subscription key for the pair.
func (p LanguagePair) Key() string {
	if p.Translate == "" {
		return StreamTranscription + ":" + p.Transcribe
	}
	return StreamTranslation + ":" + p.Transcribe + "-to-" + p.Translate
}

// NormalizeKey canonicalises a raw subscription key into its effective
// form. The same normalisation runs at subscribe and publish time, which is
// how fan-out finds the right subscribers:
//
//	transcription              → transcription:en-US
//	transcription:es-es        → transcription:es-ES
//	translation:en-US-to-es    → translation:en-US-to-es
//	calendar_event             → calendar_event
//	augmentos:brightness       → augmentos:brightness
//
// Invalid keys (unknown base, malformed language) return an error.
func NormalizeKey(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("subscription: empty stream key")
	}
	if plainKeys[raw] {
		return raw, nil
	}
	if strings.HasPrefix(raw, SettingsPrefix) {
		if raw == SettingsPrefix {
			return "", fmt.Errorf("subscription: settings key %q names no setting", raw)
		}
		return raw, nil
	}

	base, rest, hasLang := strings.Cut(raw, ":")
	switch base {
	case StreamTranscription:
		if !hasLang || rest == "" {
			return StreamTranscription + ":" + DefaultLanguage, nil
		}
		lang, err := normalizeLang(rest)
		if err != nil {
			return "", err
		}
		return StreamTranscription + ":" + lang, nil

	case StreamTranslation:
		if !hasLang || rest == "" {
			return "", fmt.Errorf("subscription: translation key %q names no language pair", raw)
		}
		src, dst, ok := strings.Cut(rest, "-to-")
		if !ok {
			return "", fmt.Errorf("subscription: translation key %q must use <src>-to-<dst>", raw)
		}
		srcLang, err := normalizeLang(src)
		if err != nil {
			return "", err
		}
		dstLang, err := normalizeLang(dst)
		if err != nil {
			return "", err
		}
		return StreamTranslation + ":" + srcLang + "-to-" + dstLang, nil
	}

	return "", fmt.Errorf("subscription: unknown stream key %q", raw)
}

// ParseLanguagePair extracts the language pair from an effective
// transcription or translation key. ok is false for other keys.
func ParseLanguagePair(effectiveKey string) (LanguagePair, bool) {
	base, rest, found := strings.Cut(effectiveKey, ":")
	if !found {
		return LanguagePair{}, false
	}
	switch base {
	case StreamTranscription:
		return LanguagePair{Transcribe: rest}, true
	case StreamTranslation:
		src, dst, ok := strings.Cut(rest, "-to-")
		if !ok {
			return LanguagePair{}, false
		}
		return LanguagePair{Transcribe: src, Translate: dst}, true
	}
	return LanguagePair{}, false
}

// normalizeLang validates and canonicalises a language tag: lower-case
// language subtag, upper-case region ("es-es" → "es-ES").
func normalizeLang(tag string) (string, error) {
	if !langPattern.MatchString(tag) {
		return "", fmt.Errorf("subscription: invalid language %q", tag)
	}
	lang, region, hasRegion := strings.Cut(tag, "-")
	lang = strings.ToLower(lang)
	if !hasRegion {
		return lang, nil
	}
	return lang + "-" + strings.ToUpper(region), nil
}

// SameLanguage reports whether two tags name the same language after
// normalisation, ignoring region ("en-US" vs "en"). It drives the
// didTranslate flag on published results.
func SameLanguage(a, b string) bool {
	la, _, _ := strings.Cut(strings.ToLower(a), "-")
	lb, _, _ := strings.Cut(strings.ToLower(b), "-")
	return la == lb
}

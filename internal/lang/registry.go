// Package lang maps supported language codes to display names and
// resolves the best available synthesis voice for a language.
package lang

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/voiceturn/internal/bus"
	"github.com/normanking/voiceturn/internal/capability"
)

// Language pairs a BCP-47 code with a human-readable name.
type Language struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// supportedLanguages is the fixed, ordered language table.
var supportedLanguages = []Language{
	{Code: "en-US", Name: "English"},
	{Code: "de-DE", Name: "Deutsch"},
	{Code: "fr-FR", Name: "Français"},
	{Code: "es-ES", Name: "Español"},
	{Code: "it-IT", Name: "Italiano"},
	{Code: "pt-BR", Name: "Português"},
	{Code: "nl-NL", Name: "Nederlands"},
	{Code: "ja-JP", Name: "日本語"},
	{Code: "ko-KR", Name: "한국어"},
	{Code: "zh-CN", Name: "中文"},
	{Code: "ru-RU", Name: "Русский"},
	{Code: "hi-IN", Name: "हिन्दी"},
}

// languageKeywords maps a primary subtag to names platforms use when
// they label voices by language name rather than tag.
var languageKeywords = map[string][]string{
	"en": {"english"},
	"de": {"deutsch", "german"},
	"fr": {"français", "francais", "french"},
	"es": {"español", "espanol", "spanish"},
	"it": {"italiano", "italian"},
	"pt": {"português", "portugues", "portuguese"},
	"nl": {"nederlands", "dutch"},
	"ja": {"日本語", "japanese"},
	"ko": {"한국어", "korean"},
	"zh": {"中文", "chinese", "mandarin"},
	"ru": {"русский", "russian"},
	"hi": {"हिन्दी", "hindi"},
}

// SupportedLanguages returns the fixed language table.
func SupportedLanguages() []Language {
	out := make([]Language, len(supportedLanguages))
	copy(out, supportedLanguages)
	return out
}

// IsSupported reports whether code is in the language table.
func IsSupported(code string) bool {
	for _, l := range supportedLanguages {
		if strings.EqualFold(l.Code, code) {
			return true
		}
	}
	return false
}

// RefreshPolicy bounds voice catalog refresh retries for platforms
// that report voices later than application start.
type RefreshPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

// DefaultRefreshPolicy returns sensible defaults.
func DefaultRefreshPolicy() RefreshPolicy {
	return RefreshPolicy{MaxAttempts: 5, Interval: 250 * time.Millisecond}
}

// VoiceProvider is the capability slice the registry needs.
type VoiceProvider interface {
	ListVoices(ctx context.Context) ([]capability.Voice, error)
	SetVoicesChangedHandler(handler func())
	CancelSpeech() error
}

// Registry owns the voice catalog and the current language selection.
// The catalog is replaced wholesale on each refresh, never merged.
type Registry struct {
	provider VoiceProvider
	logger   zerolog.Logger
	eventBus *bus.EventBus

	mu       sync.RWMutex
	catalog  []capability.Voice
	current  string
	voiceID  string
	hasVoice bool
}

// NewRegistry creates a registry at the given default language and
// subscribes to the provider's voices-changed notification.
func NewRegistry(provider VoiceProvider, defaultLang string, logger zerolog.Logger, eventBus *bus.EventBus) *Registry {
	r := &Registry{
		provider: provider,
		logger:   logger.With().Str("component", "lang-registry").Logger(),
		eventBus: eventBus,
		current:  defaultLang,
	}
	if !IsSupported(defaultLang) {
		r.logger.Warn().Str("code", defaultLang).Msg("Default language not in supported table, using en-US")
		r.current = "en-US"
	}

	// The refresh must not run on the notifying goroutine: providers
	// deliver the catalog reply on that same goroutine, so a synchronous
	// ListVoices here would block against itself.
	provider.SetVoicesChangedHandler(func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			r.RefreshVoices(ctx)
		}()
	})

	return r
}

// CurrentLanguage returns the active language code.
func (r *Registry) CurrentLanguage() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// SelectedVoice returns the resolved voice ID for the current language.
func (r *Registry) SelectedVoice() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.voiceID, r.hasVoice
}

// Voices returns a copy of the current catalog.
func (r *Registry) Voices() []capability.Voice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]capability.Voice, len(r.catalog))
	copy(out, r.catalog)
	return out
}

// RefreshVoices re-reads the full catalog from the provider, replaces
// it, and re-resolves the voice for the current language. Safe to call
// repeatedly; an empty result is a logged no-op.
func (r *Registry) RefreshVoices(ctx context.Context) {
	voices, err := r.provider.ListVoices(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Voice catalog refresh failed")
		return
	}
	if len(voices) == 0 {
		r.logger.Debug().Msg("Voice catalog empty, keeping previous selection")
		return
	}

	r.mu.Lock()
	prevVoice := r.voiceID
	r.catalog = voices
	r.reselectLocked()
	count := len(r.catalog)
	voiceID, hasVoice := r.voiceID, r.hasVoice
	current := r.current
	r.mu.Unlock()

	r.logger.Info().Int("voices", count).Str("selected", voiceID).Msg("Voice catalog refreshed")
	if r.eventBus != nil {
		r.eventBus.Publish(bus.Event{
			Type: bus.EventTypeVoicesRefreshed,
			Data: map[string]any{"count": count, "voice": voiceID, "resolved": hasVoice},
		})
		if hasVoice && voiceID != prevVoice {
			r.eventBus.Publish(bus.Event{
				Type: bus.EventTypeVoiceSelected,
				Data: map[string]any{"voice": voiceID, "language": current},
			})
		}
	}
}

// RefreshWithRetry refreshes until a non-empty catalog is resolved or
// the policy is exhausted.
func (r *Registry) RefreshWithRetry(ctx context.Context, policy RefreshPolicy) {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRefreshPolicy()
	}
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		r.RefreshVoices(ctx)

		r.mu.RLock()
		populated := len(r.catalog) > 0
		r.mu.RUnlock()
		if populated {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(policy.Interval):
		}
	}
	r.logger.Warn().Int("attempts", policy.MaxAttempts).Msg("Voice catalog still empty after retries")
}

// ResolveVoice resolves a language code against the catalog using a
// strict priority chain: exact tag match, primary-subtag prefix match,
// language-name keyword match, first catalog entry, none.
func (r *Registry) ResolveVoice(code string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return resolveVoice(r.catalog, code)
}

func resolveVoice(catalog []capability.Voice, code string) (string, bool) {
	if len(catalog) == 0 {
		return "", false
	}

	// (1) exact case-insensitive tag match
	for _, v := range catalog {
		if strings.EqualFold(v.LanguageTag, code) {
			return v.ID, true
		}
	}

	// (2) primary-subtag prefix match ("de" matches "de-DE")
	primary := primarySubtag(code)
	for _, v := range catalog {
		if strings.EqualFold(primarySubtag(v.LanguageTag), primary) {
			return v.ID, true
		}
	}

	// (3) keyword match against voice display names
	for _, keyword := range languageKeywords[primary] {
		for _, v := range catalog {
			if strings.Contains(strings.ToLower(v.Name), keyword) {
				return v.ID, true
			}
		}
	}

	// (4) first catalog entry as last resort
	return catalog[0].ID, true
}

func primarySubtag(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		return strings.ToLower(tag[:i])
	}
	return strings.ToLower(tag)
}

// reselectLocked re-resolves the voice for the current language.
// Caller must hold r.mu.
func (r *Registry) reselectLocked() {
	r.voiceID, r.hasVoice = resolveVoice(r.catalog, r.current)
}

// SetLanguage switches the active language. Unknown codes are logged
// and ignored. A switch cancels in-flight synthesis; the interrupted
// reply is not re-spoken in the new language.
func (r *Registry) SetLanguage(code string) {
	if !IsSupported(code) {
		r.logger.Warn().Str("code", code).Msg("Ignoring unsupported language")
		return
	}

	r.mu.Lock()
	if strings.EqualFold(r.current, code) {
		r.mu.Unlock()
		return
	}
	r.current = code
	prevVoice := r.voiceID
	r.reselectLocked()
	voiceID, hasVoice := r.voiceID, r.hasVoice
	r.mu.Unlock()

	if err := r.provider.CancelSpeech(); err != nil {
		r.logger.Debug().Err(err).Msg("Cancel speech on language switch failed")
	}

	r.logger.Info().Str("language", code).Str("voice", voiceID).Msg("Language changed")
	if r.eventBus != nil {
		r.eventBus.Publish(bus.Event{
			Type: bus.EventTypeLanguageChanged,
			Data: map[string]any{"language": code, "voice": voiceID},
		})
		if hasVoice && voiceID != prevVoice {
			r.eventBus.Publish(bus.Event{
				Type: bus.EventTypeVoiceSelected,
				Data: map[string]any{"voice": voiceID, "language": code},
			})
		}
	}
}

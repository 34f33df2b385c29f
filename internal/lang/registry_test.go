package lang

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/voiceturn/internal/bus"
	"github.com/normanking/voiceturn/internal/capability"
)

type mockVoiceProvider struct {
	mu              sync.Mutex
	voices          []capability.Voice
	listCalls       int
	cancelCalls     int
	onVoicesChanged func()
}

func (m *mockVoiceProvider) ListVoices(ctx context.Context) ([]capability.Voice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	return m.voices, nil
}

func (m *mockVoiceProvider) SetVoicesChangedHandler(handler func()) {
	m.onVoicesChanged = handler
}

func (m *mockVoiceProvider) CancelSpeech() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelCalls++
	return nil
}

func (m *mockVoiceProvider) setVoices(voices []capability.Voice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.voices = voices
}

func newTestRegistry(voices []capability.Voice) (*Registry, *mockVoiceProvider) {
	provider := &mockVoiceProvider{voices: voices}
	r := NewRegistry(provider, "en-US", zerolog.Nop(), nil)
	return r, provider
}

func TestSupportedLanguages_Fixed(t *testing.T) {
	langs := SupportedLanguages()
	require.NotEmpty(t, langs)
	assert.Equal(t, "en-US", langs[0].Code)
	assert.Equal(t, "English", langs[0].Name)

	// Mutating the returned slice must not affect the table.
	langs[0].Code = "xx-XX"
	assert.Equal(t, "en-US", SupportedLanguages()[0].Code)
}

func TestResolveVoice_ExactMatch(t *testing.T) {
	r, _ := newTestRegistry([]capability.Voice{
		{ID: "v1", Name: "Samantha", LanguageTag: "en-US"},
		{ID: "v2", Name: "Anna", LanguageTag: "de-DE"},
	})
	r.RefreshVoices(context.Background())

	id, ok := r.ResolveVoice("de-DE")
	require.True(t, ok)
	assert.Equal(t, "v2", id)

	// Case-insensitive
	id, ok = r.ResolveVoice("DE-de")
	require.True(t, ok)
	assert.Equal(t, "v2", id)
}

func TestResolveVoice_PrefixMatch(t *testing.T) {
	r, _ := newTestRegistry([]capability.Voice{
		{ID: "v-fr", Name: "Amelie", LanguageTag: "fr-FR"},
		{ID: "v-en", Name: "Samantha", LanguageTag: "en-US"},
	})
	r.RefreshVoices(context.Background())

	// fr-CA has no exact match; the fr primary subtag selects fr-FR.
	id, ok := r.ResolveVoice("fr-CA")
	require.True(t, ok)
	assert.Equal(t, "v-fr", id)
}

func TestResolveVoice_KeywordMatch(t *testing.T) {
	// Some platforms label voices by language name rather than tag.
	r, _ := newTestRegistry([]capability.Voice{
		{ID: "v1", Name: "Samantha", LanguageTag: "en-US"},
		{ID: "v2", Name: "Deutsch Stimme", LanguageTag: ""},
	})
	r.RefreshVoices(context.Background())

	id, ok := r.ResolveVoice("de-DE")
	require.True(t, ok)
	assert.Equal(t, "v2", id)
}

func TestResolveVoice_FirstEntryFallback(t *testing.T) {
	r, _ := newTestRegistry([]capability.Voice{
		{ID: "v1", Name: "Samantha", LanguageTag: "en-US"},
	})
	r.RefreshVoices(context.Background())

	id, ok := r.ResolveVoice("ja-JP")
	require.True(t, ok)
	assert.Equal(t, "v1", id)
}

func TestResolveVoice_EmptyCatalog(t *testing.T) {
	r, _ := newTestRegistry(nil)

	_, ok := r.ResolveVoice("en-US")
	assert.False(t, ok)
}

func TestResolveVoice_PriorityChainStopsAtFirstMatch(t *testing.T) {
	// An exact match wins over a keyword hit elsewhere in the catalog.
	r, _ := newTestRegistry([]capability.Voice{
		{ID: "v-name", Name: "German Voice", LanguageTag: "en-US"},
		{ID: "v-exact", Name: "Anna", LanguageTag: "de-DE"},
	})
	r.RefreshVoices(context.Background())

	id, ok := r.ResolveVoice("de-DE")
	require.True(t, ok)
	assert.Equal(t, "v-exact", id)
}

func TestRefreshVoices_EmptyResultIsNoop(t *testing.T) {
	r, provider := newTestRegistry([]capability.Voice{
		{ID: "v1", Name: "Samantha", LanguageTag: "en-US"},
	})
	r.RefreshVoices(context.Background())
	id, ok := r.SelectedVoice()
	require.True(t, ok)
	require.Equal(t, "v1", id)

	provider.setVoices(nil)
	r.RefreshVoices(context.Background())

	// Previous selection survives an empty refresh.
	id, ok = r.SelectedVoice()
	assert.True(t, ok)
	assert.Equal(t, "v1", id)
}

func TestRefreshVoices_ReplacesCatalogWholesale(t *testing.T) {
	r, provider := newTestRegistry([]capability.Voice{
		{ID: "v1", Name: "Samantha", LanguageTag: "en-US"},
		{ID: "v2", Name: "Anna", LanguageTag: "de-DE"},
	})
	r.RefreshVoices(context.Background())
	require.Len(t, r.Voices(), 2)

	provider.setVoices([]capability.Voice{
		{ID: "v3", Name: "Kyoko", LanguageTag: "ja-JP"},
	})
	r.RefreshVoices(context.Background())

	voices := r.Voices()
	require.Len(t, voices, 1)
	assert.Equal(t, "v3", voices[0].ID)
}

func TestRefreshWithRetry_StopsOncePopulated(t *testing.T) {
	r, provider := newTestRegistry(nil)

	// Voices appear after the first attempt, as on platforms that
	// report the list late.
	go func() {
		time.Sleep(10 * time.Millisecond)
		provider.setVoices([]capability.Voice{
			{ID: "v1", Name: "Samantha", LanguageTag: "en-US"},
		})
	}()

	r.RefreshWithRetry(context.Background(), RefreshPolicy{MaxAttempts: 10, Interval: 5 * time.Millisecond})

	provider.mu.Lock()
	calls := provider.listCalls
	provider.mu.Unlock()
	assert.Less(t, calls, 10, "retrying should stop once the catalog is populated")
	_, ok := r.SelectedVoice()
	assert.True(t, ok)
}

func TestSetLanguage_UnsupportedIsIgnored(t *testing.T) {
	r, provider := newTestRegistry([]capability.Voice{
		{ID: "v1", Name: "Samantha", LanguageTag: "en-US"},
	})
	r.RefreshVoices(context.Background())

	r.SetLanguage("xx-YY")

	assert.Equal(t, "en-US", r.CurrentLanguage())
	provider.mu.Lock()
	cancels := provider.cancelCalls
	provider.mu.Unlock()
	assert.Equal(t, 0, cancels)
}

func TestSetLanguage_SwitchCancelsSynthesisAndReselects(t *testing.T) {
	r, provider := newTestRegistry([]capability.Voice{
		{ID: "v-en", Name: "Samantha", LanguageTag: "en-US"},
		{ID: "v-de", Name: "Anna", LanguageTag: "de-DE"},
	})
	r.RefreshVoices(context.Background())

	r.SetLanguage("de-DE")

	assert.Equal(t, "de-DE", r.CurrentLanguage())
	id, ok := r.SelectedVoice()
	require.True(t, ok)
	assert.Equal(t, "v-de", id)

	provider.mu.Lock()
	cancels := provider.cancelCalls
	provider.mu.Unlock()
	assert.Equal(t, 1, cancels)
}

func TestSetLanguage_SameLanguageIsNoop(t *testing.T) {
	r, provider := newTestRegistry([]capability.Voice{
		{ID: "v-en", Name: "Samantha", LanguageTag: "en-US"},
	})
	r.RefreshVoices(context.Background())

	r.SetLanguage("en-US")

	provider.mu.Lock()
	cancels := provider.cancelCalls
	provider.mu.Unlock()
	assert.Equal(t, 0, cancels)
}

func TestVoiceSelectedEvents(t *testing.T) {
	eventBus := bus.NewEventBus()
	selected := make(chan string, 4)
	eventBus.Subscribe(bus.EventTypeVoiceSelected, func(e bus.Event) {
		selected <- e.Data["voice"].(string)
	})

	provider := &mockVoiceProvider{voices: []capability.Voice{
		{ID: "v-en", Name: "Samantha", LanguageTag: "en-US"},
		{ID: "v-de", Name: "Anna", LanguageTag: "de-DE"},
	}}
	r := NewRegistry(provider, "en-US", zerolog.Nop(), eventBus)

	// The first refresh resolves a voice.
	r.RefreshVoices(context.Background())
	select {
	case v := <-selected:
		assert.Equal(t, "v-en", v)
	case <-time.After(time.Second):
		t.Fatal("no voice-selected event after refresh")
	}

	// A language switch re-resolves and announces the new voice.
	r.SetLanguage("de-DE")
	select {
	case v := <-selected:
		assert.Equal(t, "v-de", v)
	case <-time.After(time.Second):
		t.Fatal("no voice-selected event after language switch")
	}

	// An unchanged re-refresh stays quiet.
	r.RefreshVoices(context.Background())
	select {
	case v := <-selected:
		t.Fatalf("unexpected voice-selected event %q for unchanged selection", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestVoicesChangedNotification_TriggersRefresh(t *testing.T) {
	r, provider := newTestRegistry(nil)
	_, ok := r.SelectedVoice()
	require.False(t, ok)

	provider.setVoices([]capability.Voice{
		{ID: "v1", Name: "Samantha", LanguageTag: "en-US"},
	})
	provider.onVoicesChanged()

	// The refresh runs off the notifying goroutine.
	require.Eventually(t, func() bool {
		id, ok := r.SelectedVoice()
		return ok && id == "v1"
	}, time.Second, 5*time.Millisecond)
}

func TestVoicesChangedNotification_DoesNotBlockNotifier(t *testing.T) {
	r, provider := newTestRegistry([]capability.Voice{
		{ID: "v1", Name: "Samantha", LanguageTag: "en-US"},
	})

	// Providers fire the notification from their own event goroutine;
	// the handler must return without waiting for the refresh.
	done := make(chan struct{})
	go func() {
		provider.onVoicesChanged()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("voices-changed handler blocked the notifier")
	}

	require.Eventually(t, func() bool {
		return len(r.Voices()) == 1
	}, time.Second, 5*time.Millisecond)
}

// The browser bridge delivers the catalog reply on the same read-loop
// goroutine that fires voices.changed, so the refresh must never run
// inline with the notification.
func TestVoicesChangedOverBridge_PopulatesCatalog(t *testing.T) {
	bridge := capability.NewBrowserBridge(zerolog.Nop())
	r := NewRegistry(bridge, "en-US", zerolog.Nop(), nil)

	server := httptest.NewServer(bridge)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The page answers the voices request the notification provokes.
	go func() {
		for {
			var env struct {
				Type string `json:"type"`
			}
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Type == "voices.list" {
				conn.WriteJSON(map[string]any{
					"type": "voices.result",
					"payload": map[string]any{
						"voices": []map[string]string{
							{"id": "v1", "name": "Samantha", "languageTag": "en-US"},
						},
					},
				})
				return
			}
		}
	}()

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "voices.changed"}))

	require.Eventually(t, func() bool {
		return len(r.Voices()) == 1
	}, 3*time.Second, 10*time.Millisecond, "catalog not populated after voices.changed")

	id, ok := r.SelectedVoice()
	require.True(t, ok)
	assert.Equal(t, "v1", id)
}

package capability

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPage is a websocket client standing in for the browser page.
type testPage struct {
	t    *testing.T
	conn *websocket.Conn
	recv chan envelope
}

func dialBridge(t *testing.T, bridge *BrowserBridge) *testPage {
	t.Helper()

	server := httptest.NewServer(bridge)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	page := &testPage{t: t, conn: conn, recv: make(chan envelope, 16)}
	go func() {
		for {
			var env envelope
			if err := conn.ReadJSON(&env); err != nil {
				close(page.recv)
				return
			}
			page.recv <- env
		}
	}()
	return page
}

func (p *testPage) send(msgType string, payload any) {
	p.t.Helper()
	env := envelope{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(p.t, err)
		env.Payload = raw
	}
	require.NoError(p.t, p.conn.WriteJSON(env))
}

func (p *testPage) expect(msgType string) envelope {
	p.t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case env, ok := <-p.recv:
			if !ok {
				p.t.Fatalf("connection closed while waiting for %s", msgType)
			}
			if env.Type == msgType {
				return env
			}
		case <-deadline:
			p.t.Fatalf("timed out waiting for %s", msgType)
		}
	}
}

func TestBrowserBridge_SendBeforeConnect(t *testing.T) {
	bridge := NewBrowserBridge(zerolog.Nop())

	err := bridge.StartRecognition("en-US")
	assert.ErrorIs(t, err, ErrBridgeClosed)
	assert.ErrorIs(t, bridge.Speak("hi", "en-US", "v1"), ErrBridgeClosed)
}

func TestBrowserBridge_ReplacedConnectionDoesNotFireClose(t *testing.T) {
	bridge := NewBrowserBridge(zerolog.Nop())

	var connects, closes atomic.Int32
	bridge.SetConnectionHandlers(
		func() { connects.Add(1) },
		func() { closes.Add(1) },
	)

	server := httptest.NewServer(bridge)
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	conn1, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn1.Close()

	require.Eventually(t, func() bool {
		return connects.Load() == 1
	}, time.Second, 5*time.Millisecond)

	// A new page takes over the bridge.
	conn2, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn2.Close()

	require.Eventually(t, func() bool {
		return connects.Load() == 2
	}, time.Second, 5*time.Millisecond)

	// The superseded session's teardown must not report a disconnect.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), closes.Load())

	// The live session still carries traffic.
	require.Eventually(t, func() bool {
		return bridge.Speak("hello", "en-US", "v1") == nil
	}, time.Second, 5*time.Millisecond)

	// A genuine disconnect still fires.
	conn2.Close()
	require.Eventually(t, func() bool {
		return closes.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBrowserBridge_SpeakSendsEnvelope(t *testing.T) {
	bridge := NewBrowserBridge(zerolog.Nop())
	page := dialBridge(t, bridge)

	require.Eventually(t, func() bool {
		return bridge.Speak("hello", "en-US", "v1") == nil
	}, time.Second, 5*time.Millisecond)

	env := page.expect(msgSpeak)
	var p speakPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "hello", p.Text)
	assert.Equal(t, "en-US", p.Lang)
	assert.Equal(t, "v1", p.VoiceID)
}

func TestBrowserBridge_RecognitionRoundTrip(t *testing.T) {
	bridge := NewBrowserBridge(zerolog.Nop())

	results := make(chan recognitionResultPayload, 4)
	bridge.SetResultHandler(func(transcript string, isFinal bool) {
		results <- recognitionResultPayload{Transcript: transcript, IsFinal: isFinal}
	})

	page := dialBridge(t, bridge)

	require.Eventually(t, func() bool {
		return bridge.StartRecognition("de-DE") == nil
	}, time.Second, 5*time.Millisecond)

	env := page.expect(msgRecognitionStart)
	var start recognitionStartPayload
	require.NoError(t, json.Unmarshal(env.Payload, &start))
	assert.Equal(t, "de-DE", start.Lang)

	page.send(msgRecognitionResult, recognitionResultPayload{Transcript: "hallo welt", IsFinal: true})

	select {
	case res := <-results:
		assert.Equal(t, "hallo welt", res.Transcript)
		assert.True(t, res.IsFinal)
	case <-time.After(time.Second):
		t.Fatal("recognition result did not reach handler")
	}
}

func TestBrowserBridge_SpeechEvents(t *testing.T) {
	bridge := NewBrowserBridge(zerolog.Nop())

	events := make(chan string, 4)
	bridge.SetSpeechHandlers(
		func() { events <- "start" },
		func() { events <- "end" },
	)

	page := dialBridge(t, bridge)

	page.send(msgSpeechStart, nil)
	page.send(msgSpeechEnd, nil)

	for _, want := range []string{"start", "end"} {
		select {
		case got := <-events:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("missing speech event %q", want)
		}
	}
}

func TestBrowserBridge_ListVoices(t *testing.T) {
	bridge := NewBrowserBridge(zerolog.Nop())
	page := dialBridge(t, bridge)

	// The page answers the voices request.
	go func() {
		page.expect(msgVoicesList)
		page.send(msgVoicesResult, voicesResultPayload{Voices: []Voice{
			{ID: "v1", Name: "Samantha", LanguageTag: "en-US"},
		}})
	}()

	var voices []Voice
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		var err error
		voices, err = bridge.ListVoices(ctx)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	require.Len(t, voices, 1)
	assert.Equal(t, "v1", voices[0].ID)
}

func TestBrowserBridge_ListVoicesContextCancel(t *testing.T) {
	bridge := NewBrowserBridge(zerolog.Nop())
	dialBridge(t, bridge)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// The page never answers.
	require.Eventually(t, func() bool {
		_, err := bridge.ListVoices(ctx)
		return err != nil && err != ErrBridgeClosed
	}, time.Second, 5*time.Millisecond)
}

func TestBrowserBridge_MicrophoneStream(t *testing.T) {
	bridge := NewBrowserBridge(zerolog.Nop())
	page := dialBridge(t, bridge)

	go func() {
		page.expect(msgMicOpen)
		page.send(msgMicBins, micBinsPayload{Bins: []float64{0.1, 0.5, 0.9}})
	}()

	var stream MicStream
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		var err error
		stream, err = bridge.MicrophoneStream(ctx)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	dst := make([]float64, 8)
	n := stream.Bins(dst)
	require.Equal(t, 3, n)
	assert.Equal(t, []float64{0.1, 0.5, 0.9}, dst[:3])

	require.NoError(t, stream.Close())
	assert.Equal(t, 0, stream.Bins(dst), "closed stream must return no bins")
}

func TestBrowserBridge_MicrophoneDenied(t *testing.T) {
	bridge := NewBrowserBridge(zerolog.Nop())
	page := dialBridge(t, bridge)

	go func() {
		page.expect(msgMicOpen)
		page.send(msgMicDenied, nil)
	}()

	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		_, err := bridge.MicrophoneStream(ctx)
		return err == ErrMicrophoneDenied
	}, 2*time.Second, 10*time.Millisecond)
}

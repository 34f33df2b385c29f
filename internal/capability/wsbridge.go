package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Bridge message types. The browser page holds the actual speech and
// audio APIs; Go drives it through these envelopes.
const (
	msgRecognitionStart  = "recognition.start"
	msgRecognitionStop   = "recognition.stop"
	msgRecognitionAbort  = "recognition.abort"
	msgRecognitionResult = "recognition.result"
	msgRecognitionError  = "recognition.error"

	msgSpeak        = "speech.speak"
	msgSpeechCancel = "speech.cancel"
	msgSpeechStart  = "speech.start"
	msgSpeechEnd    = "speech.end"

	msgVoicesList    = "voices.list"
	msgVoicesResult  = "voices.result"
	msgVoicesChanged = "voices.changed"

	msgMicOpen   = "mic.open"
	msgMicClose  = "mic.close"
	msgMicBins   = "mic.bins"
	msgMicDenied = "mic.denied"
)

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type recognitionResultPayload struct {
	Transcript string `json:"transcript"`
	IsFinal    bool   `json:"isFinal"`
}

type recognitionErrorPayload struct {
	Code string `json:"code"`
}

type speakPayload struct {
	Text    string `json:"text"`
	Lang    string `json:"lang"`
	VoiceID string `json:"voiceId"`
}

type recognitionStartPayload struct {
	Lang string `json:"lang"`
}

type voicesResultPayload struct {
	Voices []Voice `json:"voices"`
}

type micBinsPayload struct {
	Bins []float64 `json:"bins"`
}

// BrowserBridge is a Provider backed by a web page over a websocket
// session. One page connects at a time; a new connection replaces the
// previous session.
type BrowserBridge struct {
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	connMu sync.Mutex
	conn   *websocket.Conn

	handlerMu          sync.RWMutex
	onResult           func(transcript string, isFinal bool)
	onRecognitionError func(code string)
	onSpeechStart      func()
	onSpeechEnd        func()
	onVoicesChanged    func()
	onConnect          func()
	onClose            func()

	voicesMu    sync.Mutex
	voicesReply chan []Voice

	micMu     sync.Mutex
	micStream *bridgeMicStream
}

var _ Provider = (*BrowserBridge)(nil)

// NewBrowserBridge creates a bridge awaiting a page connection.
func NewBrowserBridge(logger zerolog.Logger) *BrowserBridge {
	return &BrowserBridge{
		logger: logger.With().Str("component", "browser-bridge").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The page is served alongside the bridge; cross-origin pages
			// are not expected.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetConnectionHandlers registers callbacks for page connect/disconnect.
func (b *BrowserBridge) SetConnectionHandlers(onConnect, onClose func()) {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()
	b.onConnect = onConnect
	b.onClose = onClose
}

// ServeHTTP upgrades the request and runs the session read loop.
func (b *BrowserBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error().Err(err).Msg("Bridge upgrade failed")
		return
	}

	b.connMu.Lock()
	if b.conn != nil {
		b.conn.Close()
	}
	b.conn = conn
	b.connMu.Unlock()

	b.logger.Info().Str("remote", r.RemoteAddr).Msg("Bridge page connected")

	b.handlerMu.RLock()
	onConnect := b.onConnect
	b.handlerMu.RUnlock()
	if onConnect != nil {
		onConnect()
	}

	b.readLoop(conn)
}

func (b *BrowserBridge) readLoop(conn *websocket.Conn) {
	defer func() {
		b.connMu.Lock()
		replaced := b.conn != conn
		if !replaced {
			b.conn = nil
		}
		b.connMu.Unlock()
		conn.Close()

		// A session superseded by a newer page connection must not
		// report a disconnect; the bridge is still connected.
		if replaced {
			b.logger.Debug().Msg("Bridge session replaced")
			return
		}

		b.handlerMu.RLock()
		onClose := b.onClose
		b.handlerMu.RUnlock()
		if onClose != nil {
			onClose()
		}
		b.logger.Info().Msg("Bridge page disconnected")
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			b.logger.Debug().Err(err).Msg("Bridge read ended")
			return
		}

		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			b.logger.Warn().Err(err).Str("message", string(message)).Msg("Failed to parse bridge message")
			continue
		}

		b.dispatch(env)
	}
}

func (b *BrowserBridge) dispatch(env envelope) {
	switch env.Type {
	case msgRecognitionResult:
		var p recognitionResultPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			b.logger.Warn().Err(err).Msg("Bad recognition result payload")
			return
		}
		b.handlerMu.RLock()
		handler := b.onResult
		b.handlerMu.RUnlock()
		if handler != nil {
			handler(p.Transcript, p.IsFinal)
		}

	case msgRecognitionError:
		var p recognitionErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		b.handlerMu.RLock()
		handler := b.onRecognitionError
		b.handlerMu.RUnlock()
		if handler != nil {
			handler(p.Code)
		}

	case msgSpeechStart:
		b.handlerMu.RLock()
		handler := b.onSpeechStart
		b.handlerMu.RUnlock()
		if handler != nil {
			handler()
		}

	case msgSpeechEnd:
		b.handlerMu.RLock()
		handler := b.onSpeechEnd
		b.handlerMu.RUnlock()
		if handler != nil {
			handler()
		}

	case msgVoicesChanged:
		b.handlerMu.RLock()
		handler := b.onVoicesChanged
		b.handlerMu.RUnlock()
		if handler != nil {
			handler()
		}

	case msgVoicesResult:
		var p voicesResultPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			b.logger.Warn().Err(err).Msg("Bad voices result payload")
			return
		}
		b.voicesMu.Lock()
		reply := b.voicesReply
		b.voicesReply = nil
		b.voicesMu.Unlock()
		if reply != nil {
			reply <- p.Voices
		}

	case msgMicBins:
		var p micBinsPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		b.micMu.Lock()
		stream := b.micStream
		b.micMu.Unlock()
		if stream != nil {
			stream.update(p.Bins)
		}

	case msgMicDenied:
		b.micMu.Lock()
		stream := b.micStream
		b.micStream = nil
		b.micMu.Unlock()
		if stream != nil {
			stream.deny()
		}

	default:
		b.logger.Debug().Str("type", env.Type).Msg("Unknown bridge message")
	}
}

func (b *BrowserBridge) send(msgType string, payload any) error {
	b.connMu.Lock()
	defer b.connMu.Unlock()

	if b.conn == nil {
		return ErrBridgeClosed
	}

	env := envelope{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal bridge payload: %w", err)
		}
		env.Payload = raw
	}

	b.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := b.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("bridge write: %w", err)
	}
	return nil
}

// --- Recognizer ---

func (b *BrowserBridge) StartRecognition(lang string) error {
	return b.send(msgRecognitionStart, recognitionStartPayload{Lang: lang})
}

func (b *BrowserBridge) StopRecognition() error {
	return b.send(msgRecognitionStop, nil)
}

func (b *BrowserBridge) AbortRecognition() error {
	return b.send(msgRecognitionAbort, nil)
}

func (b *BrowserBridge) SetResultHandler(handler func(transcript string, isFinal bool)) {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()
	b.onResult = handler
}

func (b *BrowserBridge) SetRecognitionErrorHandler(handler func(code string)) {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()
	b.onRecognitionError = handler
}

// --- Synthesizer ---

func (b *BrowserBridge) Speak(text, lang, voiceID string) error {
	return b.send(msgSpeak, speakPayload{Text: text, Lang: lang, VoiceID: voiceID})
}

func (b *BrowserBridge) CancelSpeech() error {
	return b.send(msgSpeechCancel, nil)
}

func (b *BrowserBridge) SetSpeechHandlers(onStart, onEnd func()) {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()
	b.onSpeechStart = onStart
	b.onSpeechEnd = onEnd
}

// --- VoiceLister ---

func (b *BrowserBridge) ListVoices(ctx context.Context) ([]Voice, error) {
	reply := make(chan []Voice, 1)

	b.voicesMu.Lock()
	b.voicesReply = reply
	b.voicesMu.Unlock()

	if err := b.send(msgVoicesList, nil); err != nil {
		b.voicesMu.Lock()
		b.voicesReply = nil
		b.voicesMu.Unlock()
		return nil, err
	}

	select {
	case voices := <-reply:
		return voices, nil
	case <-ctx.Done():
		b.voicesMu.Lock()
		if b.voicesReply == reply {
			b.voicesReply = nil
		}
		b.voicesMu.Unlock()
		return nil, ctx.Err()
	}
}

func (b *BrowserBridge) SetVoicesChangedHandler(handler func()) {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()
	b.onVoicesChanged = handler
}

// --- Microphone ---

func (b *BrowserBridge) MicrophoneStream(ctx context.Context) (MicStream, error) {
	stream := newBridgeMicStream(b)

	b.micMu.Lock()
	if b.micStream != nil {
		b.micStream.closeLocal()
	}
	b.micStream = stream
	b.micMu.Unlock()

	if err := b.send(msgMicOpen, nil); err != nil {
		b.micMu.Lock()
		if b.micStream == stream {
			b.micStream = nil
		}
		b.micMu.Unlock()
		return nil, err
	}

	// The page answers with either the first bins frame or a denial.
	select {
	case <-stream.ready:
		if stream.denied {
			return nil, ErrMicrophoneDenied
		}
		return stream, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// bridgeMicStream holds the most recent magnitude frame pushed by the page.
type bridgeMicStream struct {
	bridge *BrowserBridge

	mu     sync.Mutex
	bins   []float64
	closed bool
	denied bool

	ready     chan struct{}
	readyOnce sync.Once
}

func newBridgeMicStream(bridge *BrowserBridge) *bridgeMicStream {
	return &bridgeMicStream{
		bridge: bridge,
		ready:  make(chan struct{}),
	}
}

func (s *bridgeMicStream) update(bins []float64) {
	s.mu.Lock()
	if !s.closed {
		s.bins = bins
	}
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *bridgeMicStream) deny() {
	s.denied = true
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *bridgeMicStream) Bins(dst []float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || len(s.bins) == 0 {
		return 0
	}
	n := copy(dst, s.bins)
	return n
}

func (s *bridgeMicStream) closeLocal() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *bridgeMicStream) Close() error {
	s.closeLocal()

	s.bridge.micMu.Lock()
	if s.bridge.micStream == s {
		s.bridge.micStream = nil
	}
	s.bridge.micMu.Unlock()

	// Best effort; the page may already be gone.
	if err := s.bridge.send(msgMicClose, nil); err != nil {
		return err
	}
	return nil
}

package turn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/normanking/voiceturn/internal/bus"
	"github.com/normanking/voiceturn/internal/capability"
)

// Mode enumerates the controller states.
type Mode string

const (
	ModeIdle       Mode = "idle"
	ModeListening  Mode = "listening"
	ModeProcessing Mode = "processing"
	ModeSpeaking   Mode = "speaking"
)

// ErrCapabilityUnavailable is surfaced when recognition cannot be
// started after the bounded retry budget is spent.
var ErrCapabilityUnavailable = errors.New("speech capability unavailable")

// Generator produces a reply for the conversation so far.
type Generator interface {
	Generate(ctx context.Context, history []Turn) (string, error)
}

// SamplerControl is the slice of the intensity sampler the controller
// drives. The sampler owns streams handed to StartListening.
type SamplerControl interface {
	StartListening(stream capability.MicStream)
	StartSpeaking()
	Stop()
}

// VoiceSelector resolves the language and voice used across one cycle.
type VoiceSelector interface {
	CurrentLanguage() string
	SelectedVoice() (string, bool)
	SetLanguage(code string)
}

// Config tunes the controller.
type Config struct {
	MinTranscriptChars      int           // final transcripts shorter than this are noise
	GenerationTimeout       time.Duration // hard cap racing the generate call
	FallbackReply           string        // shown and spoken when generation fails
	RecognitionRestartDelay time.Duration // delay before (re)starting recognition
	SamplerStartDelay       time.Duration // delay between recognition and sampler start
	MaxStartRetries         int           // consecutive start failures before giving up
}

// DefaultConfig returns the reference tuning.
func DefaultConfig() Config {
	return Config{
		MinTranscriptChars:      2,
		GenerationTimeout:       15 * time.Second,
		FallbackReply:           "Sorry, I didn't catch that. Could you say it again?",
		RecognitionRestartDelay: 50 * time.Millisecond,
		SamplerStartDelay:       100 * time.Millisecond,
		MaxStartRetries:         5,
	}
}

// Controller owns the {listen, transcribe, generate, speak, resume}
// cycle. The strict state sequence, not ad hoc flags, guarantees that
// recognition and synthesis are never active at the same time and that
// Generate is never invoked for overlapping turns.
type Controller struct {
	config    Config
	provider  capability.Provider
	generator Generator
	sampler   SamplerControl
	voices    VoiceSelector
	history   *History
	logger    zerolog.Logger
	eventBus  *bus.EventBus

	mu    sync.Mutex
	mode  Mode
	epoch uint64 // voids callbacks from retired cycles

	lastTranscript string
	lastReply      string
}

// NewController wires the controller to the provider's event handlers.
func NewController(
	config Config,
	provider capability.Provider,
	generator Generator,
	sampler SamplerControl,
	voices VoiceSelector,
	history *History,
	logger zerolog.Logger,
	eventBus *bus.EventBus,
) *Controller {
	if config.MinTranscriptChars <= 0 {
		config.MinTranscriptChars = 2
	}
	if config.GenerationTimeout <= 0 {
		config.GenerationTimeout = 15 * time.Second
	}
	if config.MaxStartRetries <= 0 {
		config.MaxStartRetries = 5
	}

	c := &Controller{
		config:    config,
		provider:  provider,
		generator: generator,
		sampler:   sampler,
		voices:    voices,
		history:   history,
		logger:    logger.With().Str("component", "turn-controller").Logger(),
		eventBus:  eventBus,
		mode:      ModeIdle,
	}

	provider.SetResultHandler(c.handleRecognitionResult)
	provider.SetRecognitionErrorHandler(c.handleRecognitionError)
	provider.SetSpeechHandlers(c.handleSpeechStart, c.handleSpeechEnd)

	return c
}

// Mode returns the current controller state.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// LastTranscript returns the most recent accepted final transcript.
func (c *Controller) LastTranscript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTranscript
}

// LastReply returns the most recent reply text (possibly the fallback).
func (c *Controller) LastReply() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReply
}

// SetLanguage switches language for subsequent cycles. A switch while
// speaking cancels the current synthesis; the reply is not re-spoken.
func (c *Controller) SetLanguage(code string) {
	c.voices.SetLanguage(code)
}

// Start moves Idle -> Listening and begins recognition.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.mode != ModeIdle {
		c.mu.Unlock()
		return nil
	}
	c.epoch++
	epoch := c.epoch
	c.setModeLocked(ModeListening)
	c.mu.Unlock()

	go c.beginListening(epoch, 0)
	return nil
}

// Stop moves any state -> Idle. Recognition, synthesis, and sampling
// are cancelled best-effort; cancellation errors are swallowed.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.epoch++
	c.setModeLocked(ModeIdle)
	c.mu.Unlock()

	c.sampler.Stop()
	if err := c.provider.AbortRecognition(); err != nil {
		c.logger.Debug().Err(err).Msg("Abort recognition failed")
	}
	if err := c.provider.CancelSpeech(); err != nil {
		c.logger.Debug().Err(err).Msg("Cancel speech failed")
	}
	c.logger.Info().Msg("Turn cycle stopped")
}

// beginListening starts recognition, tolerating the provider rejecting
// an immediate start (common right after a prior stop) with a bounded
// number of delayed retries.
func (c *Controller) beginListening(epoch uint64, attempt int) {
	if c.config.RecognitionRestartDelay > 0 {
		time.Sleep(c.config.RecognitionRestartDelay)
	}

	c.mu.Lock()
	if c.epoch != epoch || c.mode != ModeListening {
		c.mu.Unlock()
		return
	}
	lang := c.voices.CurrentLanguage()
	c.mu.Unlock()

	if err := c.provider.StartRecognition(lang); err != nil {
		if attempt+1 >= c.config.MaxStartRetries {
			c.logger.Error().Err(err).Int("attempts", attempt+1).Msg("Recognition start retries exhausted")
			c.mu.Lock()
			if c.epoch == epoch {
				c.setModeLocked(ModeIdle)
			}
			c.mu.Unlock()
			c.publish(bus.EventTypeCapabilityError, map[string]any{
				"error": ErrCapabilityUnavailable.Error(),
			})
			return
		}
		c.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Recognition start rejected, retrying")
		go c.beginListening(epoch, attempt+1)
		return
	}

	c.logger.Debug().Str("lang", lang).Msg("Recognition started")
	c.publish(bus.EventTypeListeningStarted, map[string]any{"lang": lang})

	// The microphone stream is acquired fresh for each listening session.
	time.Sleep(c.config.SamplerStartDelay)

	c.mu.Lock()
	stale := c.epoch != epoch || c.mode != ModeListening
	c.mu.Unlock()
	if stale {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	stream, err := c.provider.MicrophoneStream(ctx)
	cancel()
	if err != nil {
		// Listening continues without intensity sampling; the
		// recognize/reply/speak cycle itself is unaffected.
		c.logger.Warn().Err(err).Msg("Microphone stream unavailable, sampling disabled")
		return
	}

	c.mu.Lock()
	stale = c.epoch != epoch || c.mode != ModeListening
	c.mu.Unlock()
	if stale {
		stream.Close()
		return
	}

	c.sampler.StartListening(stream)
}

// handleRecognitionResult receives every recognition event. Interim
// results are surfaced as previews only; final transcripts below the
// noise threshold are discarded and the controller stays Listening.
func (c *Controller) handleRecognitionResult(transcript string, isFinal bool) {
	c.mu.Lock()
	if c.mode != ModeListening {
		c.mu.Unlock()
		return
	}
	epoch := c.epoch
	c.mu.Unlock()

	if !isFinal {
		c.publish(bus.EventTypeTranscriptInterim, map[string]any{"text": transcript})
		return
	}

	text := strings.TrimSpace(transcript)
	if utf8.RuneCountInString(text) < c.config.MinTranscriptChars {
		c.logger.Debug().Str("text", text).Msg("Discarding trivial transcript")
		return
	}

	c.mu.Lock()
	if c.epoch != epoch || c.mode != ModeListening {
		c.mu.Unlock()
		return
	}
	c.setModeLocked(ModeProcessing)
	c.lastTranscript = text
	c.mu.Unlock()

	// Recognition is stopped, not merely ignored, so no overlapping
	// utterances are processed concurrently.
	c.sampler.Stop()
	if err := c.provider.StopRecognition(); err != nil {
		c.logger.Debug().Err(err).Msg("Stop recognition failed")
	}

	c.logger.Info().Str("text", text).Msg("Final transcript accepted")
	c.publish(bus.EventTypeTranscriptFinal, map[string]any{"text": text})
	c.publish(bus.EventTypeListeningStopped, nil)

	go c.process(epoch, text)
}

// process runs one Processing phase: generate a reply under the hard
// timeout, then speak it. A failure never parks the controller in
// Processing; the fallback reply keeps the cycle moving.
func (c *Controller) process(epoch uint64, userText string) {
	c.history.Append(RoleUser, userText)

	ctx, cancel := context.WithTimeout(context.Background(), c.config.GenerationTimeout)
	defer cancel()

	type genResult struct {
		text string
		err  error
	}
	resultCh := make(chan genResult, 1)
	go func() {
		text, err := c.generator.Generate(ctx, c.history.Turns())
		resultCh <- genResult{text: text, err: err}
	}()

	// The timeout races the generation call; a resolution arriving
	// after the deadline is dropped on the buffered channel.
	var replyText string
	var err error
	select {
	case res := <-resultCh:
		replyText, err = res.text, res.err
	case <-ctx.Done():
		err = ctx.Err()
	}

	c.mu.Lock()
	if c.epoch != epoch || c.mode != ModeProcessing {
		// The cycle moved on (stop or timeout already handled); a late
		// resolution must have no observable effect.
		c.mu.Unlock()
		return
	}

	if err != nil {
		replyText = c.config.FallbackReply
	}
	c.setModeLocked(ModeSpeaking)
	c.lastReply = replyText
	c.mu.Unlock()

	if err != nil {
		reason := "transport"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		c.logger.Error().Err(err).Str("reason", reason).Msg("Reply generation failed, using fallback")
		c.publish(bus.EventTypeReplyFailed, map[string]any{"reason": reason, "fallback": replyText})
	} else {
		c.history.Append(RoleAssistant, replyText)
		c.publish(bus.EventTypeReply, map[string]any{"text": replyText})
	}

	voiceID, _ := c.voices.SelectedVoice()
	if speakErr := c.provider.Speak(replyText, c.voices.CurrentLanguage(), voiceID); speakErr != nil {
		c.logger.Warn().Err(speakErr).Msg("Synthesis request failed, resuming listening")
		c.resumeAfterSpeaking(epoch)
	}
}

// handleSpeechStart begins speaking-mode sampling once the provider
// actually starts playback.
func (c *Controller) handleSpeechStart() {
	c.mu.Lock()
	speaking := c.mode == ModeSpeaking
	c.mu.Unlock()
	if !speaking {
		return
	}

	c.sampler.StartSpeaking()
	c.publish(bus.EventTypeSpeakingStarted, nil)
}

// handleSpeechEnd resumes listening after playback. If the session was
// stopped while speaking, the mode guard resolves to Idle instead.
func (c *Controller) handleSpeechEnd() {
	c.mu.Lock()
	if c.mode != ModeSpeaking {
		c.mu.Unlock()
		return
	}
	epoch := c.epoch
	c.mu.Unlock()

	c.publish(bus.EventTypeSpeakingStopped, nil)
	c.resumeAfterSpeaking(epoch)
}

// resumeAfterSpeaking stops speaking-mode sampling and restarts
// recognition for the next turn.
func (c *Controller) resumeAfterSpeaking(epoch uint64) {
	c.sampler.Stop()

	c.mu.Lock()
	if c.epoch != epoch || c.mode != ModeSpeaking {
		c.mu.Unlock()
		return
	}
	c.setModeLocked(ModeListening)
	c.mu.Unlock()

	go c.beginListening(epoch, 0)
}

// handleRecognitionError logs per-utterance recognizer errors; the
// session continues.
func (c *Controller) handleRecognitionError(code string) {
	c.logger.Warn().Str("code", code).Msg("Recognition error")
	c.publish(bus.EventTypeCapabilityError, map[string]any{"code": code})
}

// setModeLocked updates the mode and announces the change. Caller must
// hold c.mu.
func (c *Controller) setModeLocked(mode Mode) {
	if c.mode == mode {
		return
	}
	old := c.mode
	c.mode = mode
	c.logger.Debug().Str("old", string(old)).Str("new", string(mode)).Msg("Mode changed")
	if c.eventBus != nil {
		c.eventBus.Publish(bus.Event{
			Type: bus.EventTypeModeChanged,
			Data: map[string]any{"old": string(old), "new": string(mode)},
		})
	}
}

func (c *Controller) publish(eventType bus.EventType, data map[string]any) {
	if c.eventBus != nil {
		c.eventBus.Publish(bus.Event{Type: eventType, Data: data})
	}
}

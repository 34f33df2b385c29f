// Package capability defines the contracts for the platform speech and
// audio capabilities VoiceTurn consumes: continuous speech recognition,
// speech synthesis, voice enumeration, and microphone analysis access.
package capability

import (
	"context"
	"errors"
)

// Common errors
var (
	ErrUnavailable      = errors.New("capability unavailable")
	ErrBridgeClosed     = errors.New("capability bridge not connected")
	ErrRecognitionBusy  = errors.New("recognition cannot start yet")
	ErrMicrophoneDenied = errors.New("microphone access denied")
)

// Voice is a synthesis persona offered by the provider.
type Voice struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	LanguageTag string `json:"languageTag"`
}

// Recognizer provides continuous, interim-capable speech recognition.
type Recognizer interface {
	// StartRecognition begins continuous recognition for the given language.
	// It may fail with ErrRecognitionBusy immediately after a stop; callers
	// retry after a short delay.
	StartRecognition(lang string) error
	StopRecognition() error
	AbortRecognition() error

	// SetResultHandler registers the callback for recognition results.
	// isFinal marks a settled transcript as opposed to an interim preview.
	SetResultHandler(handler func(transcript string, isFinal bool))
	SetRecognitionErrorHandler(handler func(code string))
}

// Synthesizer speaks text and reports start/end of playback.
type Synthesizer interface {
	Speak(text, lang, voiceID string) error
	CancelSpeech() error
	SetSpeechHandlers(onStart, onEnd func())
}

// VoiceLister enumerates available synthesis voices. The platform may
// report voices later than application start, hence the changed handler.
type VoiceLister interface {
	ListVoices(ctx context.Context) ([]Voice, error)
	SetVoicesChangedHandler(handler func())
}

// MicStream exposes normalized frequency magnitudes of the live input.
type MicStream interface {
	// Bins fills dst with current magnitudes in [0,1] and returns the
	// number written. Zero means no data yet.
	Bins(dst []float64) int
	Close() error
}

// Microphone grants analysis access to live input audio. Streams are
// acquired fresh per listening session and not reused across sessions.
type Microphone interface {
	MicrophoneStream(ctx context.Context) (MicStream, error)
}

// Provider bundles the full capability set.
type Provider interface {
	Recognizer
	Synthesizer
	VoiceLister
	Microphone
}

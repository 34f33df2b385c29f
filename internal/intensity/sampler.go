// Package intensity produces a bounded-rate stream of normalized
// loudness values driving mouth and head animation.
package intensity

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/voiceturn/internal/capability"
)

// Callback receives an intensity sample in [0,1].
type Callback func(v float64)

// Mode identifies the active sampling source.
type Mode string

const (
	ModeOff       Mode = "off"
	ModeListening Mode = "listening"
	ModeSpeaking  Mode = "speaking"
)

// Pseudo-waveform parameters for speaking mode. Synthesized speech
// audio cannot be tapped for frequency data, so a deterministic
// waveform anchored to wall-clock time approximates speech rhythm.
const (
	speakBase      = 0.35
	speakFreqSlow  = 1.7 // Hz
	speakFreqFast  = 4.3 // Hz
	speakAmpSlow   = 0.28
	speakAmpFast   = 0.12
	speakPhaseFast = 2.1 // radians
)

// Config tunes the sampler cadence and cost.
type Config struct {
	// Interval is the sample cadence (default 50ms, i.e. 20 Hz).
	Interval time.Duration
	// BinStride averages every Nth frequency bin (default 8). The
	// average only needs to be representative, not bin-exact.
	BinStride int
	// FrameSkip processes every other scheduled tick as an additional
	// throttle.
	FrameSkip bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:  50 * time.Millisecond,
		BinStride: 8,
		FrameSkip: true,
	}
}

// Sampler emits intensity samples from either the live microphone
// (listening) or a synthetic waveform (speaking). The two sources never
// run concurrently; starting one stops the other.
type Sampler struct {
	config   Config
	logger   zerolog.Logger
	callback Callback

	mu   sync.Mutex
	mode Mode
	stop chan struct{}
}

// NewSampler creates a sampler delivering samples to callback.
func NewSampler(config Config, logger zerolog.Logger, callback Callback) *Sampler {
	if config.Interval <= 0 {
		config.Interval = 50 * time.Millisecond
	}
	if config.BinStride <= 0 {
		config.BinStride = 8
	}
	return &Sampler{
		config:   config,
		logger:   logger.With().Str("component", "intensity").Logger(),
		callback: callback,
		mode:     ModeOff,
	}
}

// Mode returns the active sampling mode.
func (s *Sampler) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// StartListening begins sampling the given microphone stream. The
// sampler owns the stream and closes it when the session ends.
func (s *Sampler) StartListening(stream capability.MicStream) {
	s.mu.Lock()
	s.stopLocked()
	stopCh := make(chan struct{})
	s.stop = stopCh
	s.mode = ModeListening
	s.mu.Unlock()

	s.logger.Debug().Msg("Listening-mode sampling started")
	go s.listenLoop(stream, stopCh)
}

// StartSpeaking begins emitting the synthetic speech waveform.
func (s *Sampler) StartSpeaking() {
	s.mu.Lock()
	s.stopLocked()
	stopCh := make(chan struct{})
	s.stop = stopCh
	s.mode = ModeSpeaking
	s.mu.Unlock()

	s.logger.Debug().Msg("Speaking-mode sampling started")
	go s.speakLoop(stopCh)
}

// Stop ends the current sampling session. No further samples are
// emitted for the session once Stop returns.
func (s *Sampler) Stop() {
	s.mu.Lock()
	s.stopLocked()
	s.mode = ModeOff
	s.mu.Unlock()
}

// stopLocked closes the active session channel. Caller must hold s.mu.
func (s *Sampler) stopLocked() {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}

func (s *Sampler) listenLoop(stream capability.MicStream, stopCh chan struct{}) {
	defer stream.Close()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	bins := make([]float64, 256)
	skip := false

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if s.config.FrameSkip {
				skip = !skip
				if skip {
					continue
				}
			}

			n := stream.Bins(bins)
			if n == 0 {
				continue
			}
			s.emit(stridedAverage(bins[:n], s.config.BinStride), stopCh)
		}
	}
}

func (s *Sampler) speakLoop(stopCh chan struct{}) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.emit(speakingWave(time.Now()), stopCh)
		}
	}
}

// emit delivers a sample unless the session has ended meanwhile.
func (s *Sampler) emit(v float64, stopCh chan struct{}) {
	select {
	case <-stopCh:
		return
	default:
	}
	if s.callback != nil {
		s.callback(clamp01(v))
	}
}

// stridedAverage averages every stride-th bin. Sampling a subset keeps
// per-tick cost bounded while remaining representative.
func stridedAverage(bins []float64, stride int) float64 {
	var sum float64
	var count int
	for i := 0; i < len(bins); i += stride {
		sum += bins[i]
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// speakingWave computes the deterministic pseudo-waveform value for the
// given instant. Two offset sinusoids avoid a visibly metronomic mouth.
func speakingWave(now time.Time) float64 {
	t := float64(now.UnixNano()) / float64(time.Second)
	v := speakBase +
		speakAmpSlow*math.Sin(2*math.Pi*speakFreqSlow*t) +
		speakAmpFast*math.Sin(2*math.Pi*speakFreqFast*t+speakPhaseFast)
	return clamp01(v)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

package engine

import (
	"context"
	"fmt"
	"sync"
)

// Loopback is a deterministic, in-process Engine used for development and
// tests: it echoes inbound audio back at reduced gain and emits a canned
// token script on the text channel. It lets the full server run end to end
// without a GPU-backed generator binding.
type Loopback struct {
	mu        sync.Mutex
	frameSize int
	channels  int
	warmSteps int // steps that return no output while the pipeline "fills"

	voice     string
	seed      int64
	opts      TuneOptions
	steps     int
	lastFrame []int16
}

// NewLoopback creates a loopback engine for the given PCM frame size.
func NewLoopback(frameSize int) *Loopback {
	return &Loopback{
		frameSize: frameSize,
		channels:  9, // text channel + 8 audio sub-channels
		warmSteps: 2,
	}
}

// FrameSize returns the PCM frame size one Encode consumes.
func (l *Loopback) FrameSize() int { return l.frameSize }

// Channels returns the token vector width.
func (l *Loopback) Channels() int { return l.channels }

// Encode produces one token column per frame, derived from the frame's
// energy, and remembers the frame for echo synthesis.
func (l *Loopback) Encode(frame []int16) (TokenBlock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastFrame = make([]int16, len(frame))
	copy(l.lastFrame, frame)

	var energy int64
	for _, s := range frame {
		if s < 0 {
			energy -= int64(s)
		} else {
			energy += int64(s)
		}
	}
	col := make([]int32, l.channels-1)
	for i := range col {
		col[i] = int32(energy % 1024)
	}
	return TokenBlock{col}, nil
}

// Step returns no output for the first warm steps, then a full token vector.
// The text channel emits a word-script token every fourth step and reserved
// silence/pad ids otherwise.
func (l *Loopback) Step(column []int32) ([]int32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps++
	if l.steps <= l.warmSteps {
		return nil, nil
	}

	out := make([]int32, l.channels)
	switch {
	case l.steps%4 == 0:
		out[0] = loopbackVocabBase + int32(l.steps/4)%loopbackVocabSize
	case l.steps%2 == 0:
		out[0] = TextPadID
	default:
		out[0] = TextSilenceID
	}
	copy(out[1:], column)
	return out, nil
}

// Decode echoes the most recently encoded frame at half gain.
func (l *Loopback) Decode(tokens []int32) ([]int16, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pcm := make([]int16, l.frameSize)
	for i := range pcm {
		if i < len(l.lastFrame) {
			pcm[i] = l.lastFrame[i] / 2
		}
	}
	return pcm, nil
}

// ResetStreaming returns the loopback state to baseline.
func (l *Loopback) ResetStreaming() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = 0
	l.lastFrame = nil
}

// LoadVoicePrompt records the conditioned voice asset.
func (l *Loopback) LoadVoicePrompt(asset string) error {
	if asset == "" {
		return fmt.Errorf("%w: empty asset", ErrVoicePrompt)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.voice = asset
	return nil
}

// VoicePrompt reports the currently loaded voice asset.
func (l *Loopback) VoicePrompt() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.voice
}

// ApplySystemPrompt conditions on the prompt tokens. The loopback has no
// recurrent state to condition, so it only honors cancellation.
func (l *Loopback) ApplySystemPrompt(ctx context.Context, tokens []int32) error {
	return ctx.Err()
}

// Seed records the session seed.
func (l *Loopback) Seed(seed int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seed = seed
}

// Tune records the session generation knobs.
func (l *Loopback) Tune(opts TuneOptions) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opts = opts
}

var _ Engine = (*Loopback)(nil)

const (
	loopbackVocabBase int32 = 16
	loopbackVocabSize int32 = 8
)

var loopbackVocab = []string{
	"▁hear", "▁you", "▁loud", "▁and", "▁clear", "▁over", "▁the", "▁wire",
}

// LoopbackTokenizer is the text side of the loopback engine.
type LoopbackTokenizer struct{}

// Encode maps each byte of text to a vocabulary id. Deterministic, lossy,
// good enough to drive the system-prompt phase.
func (LoopbackTokenizer) Encode(text string) []int32 {
	ids := make([]int32, 0, len(text))
	for _, b := range []byte(text) {
		ids = append(ids, loopbackVocabBase+int32(b)%loopbackVocabSize)
	}
	return ids
}

// Piece returns the surface text for an id, or "" for out-of-vocabulary ids.
func (LoopbackTokenizer) Piece(id int32) string {
	idx := id - loopbackVocabBase
	if idx < 0 || idx >= loopbackVocabSize {
		return ""
	}
	return loopbackVocab[idx]
}

var _ Tokenizer = (LoopbackTokenizer{})

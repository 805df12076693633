// Package engine defines the boundary to the speech-to-speech generative
// engine: a shared, stateful, strictly serialized encode/step/decode
// pipeline, plus the gate that enforces single-session access to it.
package engine

import (
	"context"
	"errors"
)

// Errors returned across the engine boundary.
var (
	ErrContract    = errors.New("engine: output violates channel contract")
	ErrVoicePrompt = errors.New("engine: voice prompt could not be loaded")
)

// Reserved ids on the text channel. Neither carries surface text and
// neither may produce an outbound text envelope.
const (
	TextSilenceID int32 = 0
	TextPadID     int32 = 3
)

// TokenBlock is the result of encoding one PCM frame: one token column per
// generator time step.
type TokenBlock [][]int32

// TuneOptions are the per-session generation knobs, passed through opaquely
// from connection parameters.
type TuneOptions struct {
	Temperature              float64
	TextTemperature          float64
	TopK                     int
	TextTopK                 int
	RepetitionPenalty        float64
	RepetitionPenaltyContext int
}

// Engine is the streaming generator/codec pipeline. It is stateful and NOT
// safe for concurrent invocation: callers must hold the Gate for the whole
// session, from warm-up through draining.
type Engine interface {
	// FrameSize returns the PCM frame size (samples) one Encode consumes.
	FrameSize() int

	// Channels returns the width of a step's token vector: one text channel
	// followed by the audio sub-channels.
	Channels() int

	// Encode turns one PCM frame into a block of token columns.
	Encode(frame []int16) (TokenBlock, error)

	// Step advances the generator by one token column. A nil vector with a
	// nil error means the generator has no output yet for this step.
	Step(column []int32) ([]int32, error)

	// Decode synthesizes PCM from a step's audio sub-channel tokens.
	Decode(tokens []int32) ([]int16, error)

	// ResetStreaming returns all streaming state (encoder buffers, generator
	// recurrent state, codec context) to baseline.
	ResetStreaming()

	// LoadVoicePrompt conditions the generator on a voice asset.
	LoadVoicePrompt(asset string) error

	// VoicePrompt reports the currently loaded voice asset, or "".
	VoicePrompt() string

	// ApplySystemPrompt runs the system-prompt conditioning phase. It must
	// honor ctx so a disconnected session can abort the warm-up promptly.
	ApplySystemPrompt(ctx context.Context, tokens []int32) error

	// Seed deterministically reseeds the engine's randomness sources.
	Seed(seed int64)

	// Tune applies per-session generation knobs.
	Tune(opts TuneOptions)
}

// Tokenizer maps between text and the ids seen on the text channel.
type Tokenizer interface {
	// Encode tokenizes text, e.g. a system prompt.
	Encode(text string) []int32

	// Piece returns the surface text of one token id.
	Piece(id int32) string
}

package session

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/voxbridge/voxbridge/pkg/engine"
)

// Default generation knobs, matching what the reference web client sends.
const (
	DefaultTemperature              = 0.7
	DefaultTextTemperature          = 0.7
	DefaultTopK                     = 250
	DefaultTextTopK                 = 100
	DefaultRepetitionPenalty        = 1.1
	DefaultRepetitionPenaltyContext = 64
)

// NoSeed means the session does not reseed the engine.
const NoSeed int64 = -1

// Params are the negotiated per-connection parameters.
type Params struct {
	// TextPrompt is the system prompt. Empty is valid.
	TextPrompt string

	// VoicePrompt is the voice asset id. Empty means none requested.
	VoicePrompt string

	// Seed reseeds the engine deterministically; NoSeed disables it.
	Seed int64

	// Tune carries the generation knobs, passed opaquely to the engine.
	Tune engine.TuneOptions
}

// DefaultParams returns Params with default knobs, no prompts, no seed.
func DefaultParams() Params {
	return Params{
		Seed: NoSeed,
		Tune: engine.TuneOptions{
			Temperature:              DefaultTemperature,
			TextTemperature:          DefaultTextTemperature,
			TopK:                     DefaultTopK,
			TextTopK:                 DefaultTextTopK,
			RepetitionPenalty:        DefaultRepetitionPenalty,
			RepetitionPenaltyContext: DefaultRepetitionPenaltyContext,
		},
	}
}

// ParseParams negotiates connection parameters from the request query.
// Malformed values are fatal to the connection, surfaced before any
// handshake is sent.
func ParseParams(q url.Values) (Params, error) {
	p := DefaultParams()
	p.TextPrompt = q.Get("text_prompt")
	p.VoicePrompt = q.Get("voice_prompt")

	var err error
	if p.Seed, err = parseInt64(q, "seed", NoSeed); err != nil {
		return Params{}, err
	}
	if p.Tune.Temperature, err = parseFloat(q, "audio_temperature", p.Tune.Temperature); err != nil {
		return Params{}, err
	}
	if p.Tune.TextTemperature, err = parseFloat(q, "text_temperature", p.Tune.TextTemperature); err != nil {
		return Params{}, err
	}
	if p.Tune.TopK, err = parseTopK(q, "audio_topk", p.Tune.TopK); err != nil {
		return Params{}, err
	}
	if p.Tune.TextTopK, err = parseTopK(q, "text_topk", p.Tune.TextTopK); err != nil {
		return Params{}, err
	}
	if p.Tune.RepetitionPenalty, err = parseFloat(q, "repetition_penalty", p.Tune.RepetitionPenalty); err != nil {
		return Params{}, err
	}
	rpc, err := parseInt64(q, "repetition_penalty_context", int64(p.Tune.RepetitionPenaltyContext))
	if err != nil {
		return Params{}, err
	}
	p.Tune.RepetitionPenaltyContext = int(rpc)
	return p, nil
}

func parseFloat(q url.Values, key string, def float64) (float64, error) {
	raw := q.Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("session: invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func parseInt64(q url.Values, key string, def int64) (int64, error) {
	raw := q.Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("session: invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

// parseTopK clamps top-k values to at least 1, as a zero would disable
// sampling entirely.
func parseTopK(q url.Values, key string, def int) (int, error) {
	v, err := parseInt64(q, key, int64(def))
	if err != nil {
		return 0, err
	}
	if v < 1 {
		v = 1
	}
	return int(v), nil
}

package session

import (
	"fmt"

	"github.com/voxbridge/voxbridge/pkg/engine"
	"github.com/voxbridge/voxbridge/pkg/wire"
)

// stepFrame drives one encode/step/decode cycle for a single PCM frame.
// For every generator step that produces output, the audio is encoded and
// written before the same step's text so the client always observes them in
// generation order.
func (s *Session) stepFrame(frame []int16) error {
	block, err := s.rt.Engine.Encode(frame)
	if err != nil {
		return fmt.Errorf("session: encode frame: %w", err)
	}

	for _, column := range block {
		out, err := s.rt.Engine.Step(column)
		if err != nil {
			return fmt.Errorf("session: generator step: %w", err)
		}
		s.stepsRun.Add(1)
		if out == nil {
			// Generator is still filling its context.
			continue
		}
		if len(out) != s.rt.Engine.Channels() {
			s.logger.Error("engine channel contract violated",
				"got", len(out), "want", s.rt.Engine.Channels())
			return engine.ErrContract
		}

		pcm, err := s.rt.Engine.Decode(out[1:])
		if err != nil {
			return fmt.Errorf("session: decode step output: %w", err)
		}
		if err := s.emitAudio(pcm); err != nil {
			return err
		}

		if id := out[0]; id != engine.TextSilenceID && id != engine.TextPadID {
			if piece := s.rt.Tokenizer.Piece(id); piece != "" {
				if err := s.emitText(piece); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// emitAudio queues synthesized PCM on the encoder and immediately flushes
// whatever packets are ready, keeping audio ahead of this step's text.
func (s *Session) emitAudio(pcm []int16) error {
	if err := s.rt.Encoder.AppendPCM(pcm); err != nil {
		return err
	}
	return s.flushEncoded()
}

// emitText writes one token's surface text to the wire.
func (s *Session) emitText(piece string) error {
	if err := s.writeMessage(wire.Text(piece)); err != nil {
		return err
	}
	s.textOut.Add(1)
	return nil
}

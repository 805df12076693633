package audio

import "errors"

// Codec errors.
var (
	ErrDecoderClosed = errors.New("audio: decoder closed")
	ErrEncoderClosed = errors.New("audio: encoder closed")
)

// StreamDecoder is the inbound compressed-audio context of one session.
// The receive pump appends compressed packets as they arrive; the process
// pump drains decoded PCM. Implementations must be safe for that two
// goroutine split.
type StreamDecoder interface {
	// AppendPacket decodes one compressed packet and buffers its PCM.
	AppendPacket(packet []byte) error

	// ReadPCM drains all buffered PCM without blocking. It returns nil when
	// nothing is pending.
	ReadPCM() ([]int16, error)

	// Close releases the decoder. Further appends fail with ErrDecoderClosed.
	Close() error
}

// StreamEncoder is the outbound compressed-audio context of one session.
// The process pump appends generated PCM; encoded packets are drained by
// whoever writes to the wire. Implementations must be safe for concurrent
// use from two goroutines.
type StreamEncoder interface {
	// AppendPCM buffers PCM and encodes every complete codec frame.
	AppendPCM(pcm []int16) error

	// ReadPacket pops the oldest encoded packet, or nil when none is ready.
	ReadPacket() ([]byte, error)

	// Flush zero-pads any buffered remainder into a final packet.
	Flush() error

	// Close releases the encoder. Further appends fail with ErrEncoderClosed.
	Close() error
}

package audio

import "sync"

// PCMDecoder is a passthrough decoder for testing: each "compressed" packet
// is raw PCM16 little-endian bytes.
type PCMDecoder struct {
	mu     sync.Mutex
	buf    []int16
	closed bool
}

// NewPCMDecoder creates a passthrough decoder.
func NewPCMDecoder() *PCMDecoder {
	return &PCMDecoder{}
}

// AppendPacket interprets packet as raw PCM16 bytes.
func (d *PCMDecoder) AppendPacket(packet []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDecoderClosed
	}
	d.buf = append(d.buf, BytesToSamples(packet)...)
	return nil
}

// ReadPCM drains all buffered PCM.
func (d *PCMDecoder) ReadPCM() ([]int16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.buf) == 0 {
		return nil, nil
	}
	out := make([]int16, len(d.buf))
	copy(out, d.buf)
	d.buf = d.buf[:0]
	return out, nil
}

// Close releases the decoder.
func (d *PCMDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.buf = nil
	return nil
}

// PCMEncoder is a passthrough encoder for testing: each appended PCM chunk
// becomes one "packet" of raw PCM16 little-endian bytes.
type PCMEncoder struct {
	mu      sync.Mutex
	packets [][]byte
	closed  bool
}

// NewPCMEncoder creates a passthrough encoder.
func NewPCMEncoder() *PCMEncoder {
	return &PCMEncoder{}
}

// AppendPCM turns the chunk into one packet.
func (e *PCMEncoder) AppendPCM(pcm []int16) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEncoderClosed
	}
	if len(pcm) == 0 {
		return nil
	}
	e.packets = append(e.packets, SamplesToBytes(pcm))
	return nil
}

// ReadPacket pops the oldest packet, or nil when none is ready.
func (e *PCMEncoder) ReadPacket() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.packets) == 0 {
		return nil, nil
	}
	pkt := e.packets[0]
	e.packets = e.packets[1:]
	return pkt, nil
}

// Flush is a no-op: the passthrough encoder never buffers a remainder.
func (e *PCMEncoder) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEncoderClosed
	}
	return nil
}

// Close releases the encoder.
func (e *PCMEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.packets = nil
	return nil
}

// Ensure the passthrough contexts satisfy the codec interfaces.
var (
	_ StreamDecoder = (*PCMDecoder)(nil)
	_ StreamEncoder = (*PCMEncoder)(nil)
)

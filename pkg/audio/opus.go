package audio

import (
	"fmt"
	"sync"

	"gopkg.in/hraban/opus.v2"
)

// packetFrameMs is the duration of one encoded Opus packet. 20ms is the
// sweet spot for speech and what the web client's encoder emits.
const packetFrameMs = 20

// maxFrameMs bounds the decode buffer; Opus packets never exceed 120ms.
const maxFrameMs = 120

// opusWireRate picks the codec sample rate for a given engine rate. Opus
// only speaks the five rates below; other engine rates are bridged by
// resampling on either side of the codec.
func opusWireRate(engineRate int) int {
	for _, rate := range [...]int{8000, 12000, 16000, 24000, 48000} {
		if rate >= engineRate {
			return rate
		}
	}
	return 48000
}

// OpusDecoder decodes one inbound Opus packet per wire envelope into a
// session-local PCM buffer at the engine's sample rate.
type OpusDecoder struct {
	mu         sync.Mutex
	dec        *opus.Decoder
	wireRate   int
	engineRate int
	buf        []int16
	closed     bool
}

// NewOpusDecoder creates a mono Opus decoder producing PCM at the given
// engine sample rate, resampling when the rate is not Opus-native.
func NewOpusDecoder(engineRate int) (*OpusDecoder, error) {
	wireRate := opusWireRate(engineRate)
	dec, err := opus.NewDecoder(wireRate, 1)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:        dec,
		wireRate:   wireRate,
		engineRate: engineRate,
		buf:        make([]int16, 0, engineRate/2),
	}, nil
}

// AppendPacket decodes one Opus packet and appends its PCM to the buffer.
func (d *OpusDecoder) AppendPacket(packet []byte) error {
	if len(packet) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDecoderClosed
	}
	pcm := make([]int16, d.maxFrameSamples())
	n, err := d.dec.Decode(packet, pcm)
	if err != nil {
		return fmt.Errorf("audio: opus decode: %w", err)
	}
	d.buf = append(d.buf, Resample(pcm[:n], d.wireRate, d.engineRate)...)
	return nil
}

// ReadPCM drains all buffered PCM.
func (d *OpusDecoder) ReadPCM() ([]int16, error) {
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
func (d *OpusDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.buf = nil
	return nil
}

func (d *OpusDecoder) maxFrameSamples() int {
	return d.wireRate * maxFrameMs / 1000
}

// OpusEncoder buffers generated PCM and encodes fixed 20ms Opus packets,
// one per outbound wire envelope.
type OpusEncoder struct {
	mu           sync.Mutex
	enc          *opus.Encoder
	wireRate     int
	engineRate   int
	frameSamples int
	pcmBuf       []int16
	packets      [][]byte
	closed       bool
}

// NewOpusEncoder creates a mono VoIP-tuned Opus encoder consuming PCM at the
// given engine sample rate, resampling when the rate is not Opus-native.
func NewOpusEncoder(engineRate int) (*OpusEncoder, error) {
	wireRate := opusWireRate(engineRate)
	enc, err := opus.NewEncoder(wireRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	frameSamples := wireRate * packetFrameMs / 1000
	return &OpusEncoder{
		enc:          enc,
		wireRate:     wireRate,
		engineRate:   engineRate,
		frameSamples: frameSamples,
		pcmBuf:       make([]int16, 0, frameSamples*8),
	}, nil
}

// AppendPCM buffers PCM and encodes every complete 20ms frame.
func (e *OpusEncoder) AppendPCM(pcm []int16) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEncoderClosed
	}
	e.pcmBuf = append(e.pcmBuf, Resample(pcm, e.engineRate, e.wireRate)...)
	return e.encodeBufferedLocked()
}

// ReadPacket pops the oldest encoded packet, or nil when none is ready.
func (e *OpusEncoder) ReadPacket() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.packets) == 0 {
		return nil, nil
	}
	pkt := e.packets[0]
	e.packets = e.packets[1:]
	return pkt, nil
}

// Flush zero-pads any buffered remainder to a full frame and encodes it.
func (e *OpusEncoder) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEncoderClosed
	}
	if len(e.pcmBuf) == 0 {
		return nil
	}
	pad := make([]int16, e.frameSamples)
	copy(pad, e.pcmBuf)
	e.pcmBuf = e.pcmBuf[:0]
	return e.encodeFrameLocked(pad)
}

// Close releases the encoder.
func (e *OpusEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.pcmBuf = nil
	e.packets = nil
	return nil
}

func (e *OpusEncoder) encodeBufferedLocked() error {
	for len(e.pcmBuf) >= e.frameSamples {
		frame := e.pcmBuf[:e.frameSamples]
		if err := e.encodeFrameLocked(frame); err != nil {
			return err
		}
		n := copy(e.pcmBuf, e.pcmBuf[e.frameSamples:])
		e.pcmBuf = e.pcmBuf[:n]
	}
	return nil
}

func (e *OpusEncoder) encodeFrameLocked(frame []int16) error {
	out := make([]byte, 4000)
	n, err := e.enc.Encode(frame, out)
	if err != nil {
		return fmt.Errorf("audio: opus encode: %w", err)
	}
	if n > 0 {
		e.packets = append(e.packets, out[:n])
	}
	return nil
}

// Ensure the Opus contexts satisfy the codec interfaces.
var (
	_ StreamDecoder = (*OpusDecoder)(nil)
	_ StreamEncoder = (*OpusEncoder)(nil)
)

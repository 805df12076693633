// Package wire implements the binary envelope protocol spoken over the
// conversation websocket. Every message is a single tag byte followed by an
// optional payload.
package wire

import (
	"errors"
	"strings"
)

// Message tags. The handshake is sent exactly once by the server before any
// audio or text flows; audio and text may then interleave freely.
const (
	TagHandshake byte = 0x00
	TagAudio     byte = 0x01
	TagText      byte = 0x02
)

// Errors returned when parsing inbound messages.
var (
	ErrEmpty      = errors.New("wire: empty message")
	ErrUnknownTag = errors.New("wire: unknown message tag")
)

// wordBoundaryMarker is the sentencepiece piece prefix marking a word start.
const wordBoundaryMarker = "▁"

// Envelope is a parsed inbound message.
type Envelope struct {
	Tag     byte
	Payload []byte
}

// ParseInbound parses a raw websocket message from the client. Only audio
// envelopes are valid inbound; anything else is a protocol error the caller
// should log and drop without affecting the session.
func ParseInbound(msg []byte) (Envelope, error) {
	if len(msg) == 0 {
		return Envelope{}, ErrEmpty
	}
	if msg[0] != TagAudio {
		return Envelope{Tag: msg[0]}, ErrUnknownTag
	}
	return Envelope{Tag: TagAudio, Payload: msg[1:]}, nil
}

// Handshake returns the zero-payload readiness marker.
func Handshake() []byte {
	return []byte{TagHandshake}
}

// Audio frames one compressed audio packet for the client.
func Audio(packet []byte) []byte {
	msg := make([]byte, 1+len(packet))
	msg[0] = TagAudio
	copy(msg[1:], packet)
	return msg
}

// Text frames one decoded token's surface text for the client, folding
// sentencepiece word-boundary markers to plain spaces.
func Text(piece string) []byte {
	folded := strings.ReplaceAll(piece, wordBoundaryMarker, " ")
	msg := make([]byte, 1+len(folded))
	msg[0] = TagText
	copy(msg[1:], folded)
	return msg
}

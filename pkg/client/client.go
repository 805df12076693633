// Package client provides a Go client for the voice conversation endpoint:
// it dials the websocket, negotiates parameters through the query string,
// waits for the server's readiness marker and exchanges tagged envelopes.
package client

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxbridge/voxbridge/pkg/session"
	"github.com/voxbridge/voxbridge/pkg/wire"
)

var ErrNotConnected = errors.New("client: not connected")

// Options configure one connection attempt.
type Options struct {
	// TextPrompt and VoicePrompt are forwarded to the server verbatim.
	TextPrompt  string
	VoicePrompt string

	// Seed, when non-negative, makes the server's generation deterministic.
	Seed int64

	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration
}

// DefaultOptions returns Options with no prompts and no seed.
func DefaultOptions() Options {
	return Options{
		Seed:             session.NoSeed,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Client manages one websocket conversation with the server.
type Client struct {
	ws   *websocket.Conn
	wsMu sync.Mutex

	mu     sync.Mutex
	ready  bool
	closed bool

	// Callbacks fire on the reader goroutine; they must not block.
	OnHandshake func()
	OnAudio     func(packet []byte)
	OnText      func(piece string)
	OnError     func(err error)
}

// New creates a disconnected client. Set the callbacks before Connect.
func New() *Client {
	return &Client{}
}

// Connect dials the conversation endpoint and starts the reader. endpoint is
// the websocket URL of the chat route, e.g. ws://host:8998/api/chat.
func (c *Client) Connect(endpoint string, opts Options) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("client: parse endpoint: %w", err)
	}
	q := u.Query()
	if opts.TextPrompt != "" {
		q.Set("text_prompt", opts.TextPrompt)
	}
	if opts.VoicePrompt != "" {
		q.Set("voice_prompt", opts.VoicePrompt)
	}
	if opts.Seed != session.NoSeed {
		q.Set("seed", strconv.FormatInt(opts.Seed, 10))
	}
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	ws, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", u.Host, err)
	}

	c.mu.Lock()
	c.ws = ws
	c.ready = false
	c.closed = false
	c.mu.Unlock()

	go c.readLoop(ws)
	return nil
}

// SendAudio sends one compressed audio packet. The server ignores audio sent
// before the handshake arrives, so callers should wait for IsReady or the
// OnHandshake callback.
func (c *Client) SendAudio(packet []byte) error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, wire.Audio(packet))
}

// IsReady reports whether the server's readiness marker has arrived.
func (c *Client) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	return ws.Close()
}

func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed && c.OnError != nil {
				c.OnError(err)
			}
			return
		}
		c.dispatch(msg)
	}
}

// dispatch routes one server envelope. Unknown tags are ignored so older
// clients keep working against newer servers.
func (c *Client) dispatch(msg []byte) {
	if len(msg) == 0 {
		return
	}
	switch msg[0] {
	case wire.TagHandshake:
		c.mu.Lock()
		first := !c.ready
		c.ready = true
		c.mu.Unlock()
		if first && c.OnHandshake != nil {
			c.OnHandshake()
		}
	case wire.TagAudio:
		if c.OnAudio != nil {
			c.OnAudio(msg[1:])
		}
	case wire.TagText:
		if c.OnText != nil {
			c.OnText(string(msg[1:]))
		}
	}
}

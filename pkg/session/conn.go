package session

import (
	"errors"
	"net"
	"time"
)

// binaryMessage is the websocket binary frame opcode. Declared locally so
// the supervisor stays agnostic of which websocket library carries the
// connection; gorilla and gofiber use the same RFC 6455 value.
const binaryMessage = 2

// Conn is the transport a session runs over. Both gorilla/websocket and
// gofiber/websocket connections satisfy it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// isTimeout reports whether a read failed only because its deadline
// expired. During liveness probing and pump polling, a timeout means the
// peer is simply quiet, not gone.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

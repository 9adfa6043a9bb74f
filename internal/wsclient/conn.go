package wsclient

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
)

// Frame is one outbound websocket message.
type Frame struct {
	MessageType int
	Payload     []byte
}

// Text builds a text frame.
func Text(payload string) Frame {
	return Frame{MessageType: websocket.TextMessage, Payload: []byte(payload)}
}

// JSON builds a text frame holding v encoded as JSON.
func JSON(v interface{}) (Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Frame{}, err
	}
	return Frame{MessageType: websocket.TextMessage, Payload: b}, nil
}

// gorillaConn adapts *websocket.Conn to the liveness.Conn interface. Control
// frames go through WriteControl so they carry a deadline.
type gorillaConn struct {
	conn      *websocket.Conn
	writeWait time.Duration
}

func (c *gorillaConn) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

func (c *gorillaConn) WriteMessage(messageType int, data []byte) error {
	deadline := time.Now().Add(c.writeWait)
	switch messageType {
	case websocket.PingMessage, websocket.PongMessage, websocket.CloseMessage:
		return c.conn.WriteControl(messageType, data, deadline)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *gorillaConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.writeWait))
	return c.conn.Close()
}

// replyPong answers a server ping. Errors after a close was sent are not
// worth reporting.
func replyPong(conn *websocket.Conn, data string, writeWait time.Duration) error {
	err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	if err == nil || errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil
	}
	return err
}

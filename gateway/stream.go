package gateway

import (
	"io"
	"time"

	"github.com/gorilla/websocket"
)

// wsStream turns a WebSocket into the byte stream a session expects.
// Incoming messages are concatenated; every Write becomes one message of
// the same type as the first message the client sent.
type wsStream struct {
	conn *websocket.Conn
	cur  io.Reader

	curType  int
	lastByte byte
	// pendingNL terminates a text message that lacked its own newline.
	pendingNL bool

	outType int
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

func (s *wsStream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if s.pendingNL {
			s.pendingNL = false
			s.lastByte = '\n'
			p[0] = '\n'
			return 1, nil
		}
		if s.cur == nil {
			typ, r, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if s.outType == 0 {
				s.outType = typ
			}
			s.cur, s.curType, s.lastByte = r, typ, 0
		}

		n, err := s.cur.Read(p)
		if n > 0 {
			s.lastByte = p[n-1]
		}
		if err == io.EOF {
			if s.curType == websocket.TextMessage && s.lastByte != '\n' && s.lastByte != 0 {
				s.pendingNL = true
			}
			s.cur = nil
			err = nil
		}
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	typ := s.outType
	if typ == 0 {
		typ = websocket.BinaryMessage
	}
	if err := s.conn.WriteMessage(typ, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}

func (s *wsStream) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

func (s *wsStream) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pavelanni/viva/internal/i18n"
	"github.com/pavelanni/viva/internal/viva"
)

const (
	writeWait   = 10 * time.Second
	closeWait   = 2 * time.Second
	frameBuffer = 16
)

type frame struct {
	kind int
	data []byte
}

// wsTransport adapts a WebSocket connection to viva.Transport. A single
// read pump owns every read; writes happen on the goroutine running the
// viva.
type wsTransport struct {
	conn          *websocket.Conn
	frames        chan frame
	done          chan struct{}
	answerTimeout time.Duration
}

// newWSTransport starts the read pump. cancel is called once the peer is
// gone so that in-flight work for the connection stops.
func newWSTransport(conn *websocket.Conn, answerTimeout time.Duration, cancel context.CancelFunc) *wsTransport {
	t := &wsTransport{
		conn:          conn,
		frames:        make(chan frame, frameBuffer),
		done:          make(chan struct{}),
		answerTimeout: answerTimeout,
	}
	go t.readPump(cancel)
	return t
}

func (t *wsTransport) readPump(cancel context.CancelFunc) {
	defer close(t.frames)
	defer cancel()
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read ended", "error", err)
			}
			return
		}
		select {
		case t.frames <- frame{kind: kind, data: data}:
		case <-t.done:
			return
		}
	}
}

// stop releases the read pump if it is blocked on a full buffer.
func (t *wsTransport) stop() {
	close(t.done)
}

// next blocks until a frame arrives or the connection ends.
func (t *wsTransport) next(ctx context.Context) (frame, error) {
	select {
	case f, ok := <-t.frames:
		if !ok {
			return frame{}, viva.ErrDisconnected
		}
		return f, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

// drain discards frames sent before the question they would answer.
func (t *wsTransport) drain() {
	for {
		select {
		case f, ok := <-t.frames:
			if !ok {
				return
			}
			slog.Debug("discarding stale frame", "bytes", len(f.data))
		default:
			return
		}
	}
}

func (t *wsTransport) SendQuestion(ctx context.Context, question string) error {
	t.drain()
	return t.send(map[string]string{"question": question})
}

// ReceiveAnswer waits for a binary audio frame or a text {"answer": ...}
// frame. Empty audio and malformed text frames are rejected and the wait
// continues.
func (t *wsTransport) ReceiveAnswer(ctx context.Context) (viva.Answer, error) {
	if t.answerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.answerTimeout)
		defer cancel()
	}

	for {
		f, err := t.next(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			return viva.Answer{}, viva.ErrAnswerTimeout
		}
		if err != nil {
			return viva.Answer{}, err
		}

		if f.kind == websocket.BinaryMessage {
			if len(f.data) > 0 {
				return viva.Answer{Audio: f.data}, nil
			}
			slog.Debug("rejecting empty audio frame")
		} else {
			var msg struct {
				Answer *string `json:"answer"`
			}
			if err := json.Unmarshal(f.data, &msg); err == nil && msg.Answer != nil {
				return viva.Answer{Text: *msg.Answer}, nil
			}
		}

		if err := t.sendError(i18n.T(ctx, i18n.MsgInvalidAnswer)); err != nil {
			return viva.Answer{}, err
		}
	}
}

func (t *wsTransport) SendInterim(ctx context.Context, rationale string) error {
	return t.send(map[string]string{"answer": rationale})
}

func (t *wsTransport) sendError(msg string) error {
	return t.send(map[string]string{"error": msg})
}

// send writes v as a JSON text frame. Write failures mean the client is
// gone and are reported as viva.ErrDisconnected.
func (t *wsTransport) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return viva.ErrDisconnected
	}
	return nil
}

// closeWith sends a close frame with the given code and reason.
func (t *wsTransport) closeWith(code int, reason string) {
	_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(closeWait))
}

package transport

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// wsFrame is the websocket wire framing: the packet type byte plus the
// JSON envelope, carried as one JSON object per websocket text message.
type wsFrame struct {
	Type byte            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// WSTransport carries signaling frames over a websocket connection to
// a signaling fabric that routes envelopes by their "to" field.
// Safe for concurrent use.
type WSTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu       sync.RWMutex
	handlers map[byte]func(data []byte) error

	onClose func(err error)
	quit    chan struct{}
	once    sync.Once
}

// DialWS connects to the signaling fabric and starts the read loop.
// onClose, if non-nil, fires once when the connection is lost; callers
// typically hook it to the manager's disconnect handling.
func DialWS(url string, onClose func(err error)) (*WSTransport, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing signaling server: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "DialWS",
		"url":      url,
	}).Info("Connected to signaling server")

	t := &WSTransport{
		conn:     conn,
		handlers: make(map[byte]func(data []byte) error),
		onClose:  onClose,
		quit:     make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// Send writes one frame. Serialized by an internal write lock because
// websocket connections allow only one concurrent writer.
func (t *WSTransport) Send(packetType byte, data []byte) error {
	select {
	case <-t.quit:
		return ErrTransportClosed
	default:
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteJSON(wsFrame{Type: packetType, Data: data}); err != nil {
		return fmt.Errorf("writing signaling frame: %w", err)
	}
	return nil
}

// RegisterHandler registers the handler for one packet type, replacing
// any previous one.
func (t *WSTransport) RegisterHandler(packetType byte, handler func(data []byte) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[packetType] = handler
}

func (t *WSTransport) readLoop() {
	for {
		var f wsFrame
		if err := t.conn.ReadJSON(&f); err != nil {
			select {
			case <-t.quit:
			default:
				logrus.WithFields(logrus.Fields{
					"function": "readLoop",
					"error":    err,
				}).Warn("Signaling connection lost")
				if t.onClose != nil {
					t.onClose(err)
				}
			}
			return
		}
		t.mu.RLock()
		handler := t.handlers[f.Type]
		t.mu.RUnlock()
		if handler == nil {
			logrus.WithFields(logrus.Fields{
				"function":   "readLoop",
				"packetType": f.Type,
			}).Warn("No handler for packet type")
			continue
		}
		if err := handler(f.Data); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "readLoop",
				"packetType": f.Type,
				"error":      err,
			}).Warn("Handler failed")
		}
	}
}

// Close shuts the connection down. Idempotent.
func (t *WSTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.quit)
		err = t.conn.Close()
	})
	return err
}

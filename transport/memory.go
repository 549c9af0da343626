// Package transport provides message-transport implementations for
// call signaling: a websocket transport for real deployments and an
// in-memory pair for tests and examples.
package transport

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrTransportClosed indicates a send on a closed transport.
var ErrTransportClosed = errors.New("transport is closed")

type memoryFrame struct {
	packetType byte
	data       []byte
}

// MemoryTransport is one end of an in-process transport pair. Frames
// sent on one end are delivered to the other end's handlers on a
// dedicated goroutine, in order, so a handler can safely re-enter the
// code that triggered the send.
type MemoryTransport struct {
	mu       sync.RWMutex
	handlers map[byte]func(data []byte) error

	peer *MemoryTransport

	frames chan memoryFrame
	quit   chan struct{}
	once   sync.Once
}

// NewMemoryPair creates two linked transports. Closing either end
// stops delivery to it; the peer's sends then fail.
func NewMemoryPair() (*MemoryTransport, *MemoryTransport) {
	a := newMemoryTransport()
	b := newMemoryTransport()
	a.peer = b
	b.peer = a
	go a.deliverLoop()
	go b.deliverLoop()
	return a, b
}

func newMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		handlers: make(map[byte]func(data []byte) error),
		frames:   make(chan memoryFrame, 256),
		quit:     make(chan struct{}),
	}
}

// Send enqueues a frame for the peer. Blocks only if the peer's queue
// is full; fails once the peer is closed.
func (t *MemoryTransport) Send(packetType byte, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case t.peer.frames <- memoryFrame{packetType: packetType, data: buf}:
		return nil
	case <-t.peer.quit:
		return ErrTransportClosed
	}
}

// RegisterHandler registers the handler for one packet type, replacing
// any previous one.
func (t *MemoryTransport) RegisterHandler(packetType byte, handler func(data []byte) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[packetType] = handler
}

func (t *MemoryTransport) deliverLoop() {
	for {
		select {
		case f := <-t.frames:
			t.dispatch(f)
		case <-t.quit:
			return
		}
	}
}

func (t *MemoryTransport) dispatch(f memoryFrame) {
	t.mu.RLock()
	handler := t.handlers[f.packetType]
	t.mu.RUnlock()
	if handler == nil {
		logrus.WithFields(logrus.Fields{
			"function":   "dispatch",
			"packetType": f.packetType,
		}).Warn("No handler for packet type")
		return
	}
	if err := handler(f.data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "dispatch",
			"packetType": f.packetType,
			"error":      err,
		}).Warn("Handler failed")
	}
}

// Close stops delivery to this end. Idempotent.
func (t *MemoryTransport) Close() error {
	t.once.Do(func() { close(t.quit) })
	return nil
}

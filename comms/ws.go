package comms

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// WSTransport talks to a controller exposing its command stream over a
// WebSocket (FluidNC's web UI port, serial bridges).
type WSTransport struct {
	mx sync.Mutex
	ws *websocket.Conn

	// gorilla/websocket allows a single concurrent writer
	wmx sync.Mutex
}

var _ Transport = &WSTransport{}

func NewWSTransport() *WSTransport {
	return &WSTransport{}
}

func (w *WSTransport) Connect(p ConnectionParams) error {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.ws != nil {
		return fmt.Errorf("dial %s: already connected", p.Port)
	}

	ws, _, err := websocket.DefaultDialer.Dial(p.Port, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.Port, err)
	}
	w.ws = ws
	return nil
}

func (w *WSTransport) Disconnect() error {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.ws == nil {
		return nil
	}
	err := w.ws.Close()
	w.ws = nil
	return err
}

func (w *WSTransport) IsConnected() bool {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.ws != nil
}

func (w *WSTransport) Send(p []byte) (int, error) {
	w.mx.Lock()
	ws := w.ws
	w.mx.Unlock()
	if ws == nil {
		return 0, ErrNotConnected
	}
	w.wmx.Lock()
	err := ws.WriteMessage(websocket.TextMessage, p)
	w.wmx.Unlock()
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *WSTransport) Receive() ([]byte, error) {
	w.mx.Lock()
	ws := w.ws
	w.mx.Unlock()
	if ws == nil {
		return nil, ErrNotConnected
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

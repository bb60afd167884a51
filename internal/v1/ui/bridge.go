package ui

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/callkit/internal/v1/auth"
	"github.com/RoseWrightdev/callkit/internal/v1/logging"
	"github.com/RoseWrightdev/callkit/internal/v1/types"
)

const (
	defaultAnswerTimeout = 30 * time.Second
	writeWait            = 10 * time.Second

	framePrompt  = "prompt"
	frameAnswer  = "answer"
	frameDismiss = "dismiss"

	// Sent by the GUI to act on the call.
	frameMuteRequest = "muteRequest"
	frameRole        = "role"

	// Replies to GUI actions.
	frameAck   = "ack"
	frameError = "error"
)

// wsConnection is the subset of *websocket.Conn the bridge uses.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// frame is the JSON envelope exchanged with the GUI.
type frame struct {
	Type     string  `json:"type"`
	Prompt   *Prompt `json:"prompt,omitempty"`
	ID       string  `json:"id,omitempty"`
	Accepted bool    `json:"accepted,omitempty"`

	// muteRequest
	RosterID types.RosterID `json:"rtcId,omitempty"`
	Device   string         `json:"device,omitempty"`
	Mute     bool           `json:"mute,omitempty"`
	Forceful bool           `json:"isForceful,omitempty"`
	// role
	Role string `json:"role,omitempty"`

	Error string `json:"error,omitempty"`
}

func marshalFrame(f frame) ([]byte, error) {
	return json.Marshal(f)
}

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	AllowedOrigins []string
	// AnswerTimeout cancels a prompt the GUI has not answered. Defaults to 30s.
	AnswerTimeout time.Duration
}

// Bridge is a Prompter backed by a websocket GUI. One GUI may be attached at
// a time; a new connection replaces the old one. Prompts are declined when no
// GUI is attached, when it disconnects, or when the answer times out. The GUI
// can also send call actions, which go to the Commands set with SetCommands.
type Bridge struct {
	upgrader websocket.Upgrader
	timeout  time.Duration

	mu       sync.Mutex
	client   *guiClient
	pending  map[string]*pendingPrompt
	commands Commands
	closed   bool
}

type pendingPrompt struct {
	client *guiClient
	answer func(bool)
	timer  *time.Timer
	stop   func() bool
}

var _ Prompter = (*Bridge)(nil)

// NewBridge returns a bridge with no GUI attached. Serve it over HTTP.
func NewBridge(opts BridgeOptions) *Bridge {
	b := &Bridge{
		timeout: opts.AnswerTimeout,
		pending: make(map[string]*pendingPrompt),
	}
	if b.timeout <= 0 {
		b.timeout = defaultAnswerTimeout
	}
	allowed := opts.AllowedOrigins
	b.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return auth.ValidateOrigin(r, allowed) == nil
		},
	}
	return b
}

// ServeHTTP upgrades the request and attaches the GUI.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error(r.Context(), "Failed to upgrade UI bridge connection", zap.Error(err))
		return
	}
	b.attach(conn)
}

// Connected reports whether a GUI is attached.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client != nil
}

// Confirm sends p to the GUI. answer runs on a bridge goroutine.
func (b *Bridge) Confirm(ctx context.Context, p Prompt, answer func(accepted bool)) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	data, err := marshalFrame(frame{Type: framePrompt, Prompt: &p})
	if err != nil {
		logging.Error(ctx, "Failed to encode prompt", zap.Error(err))
		answer(false)
		return
	}

	b.mu.Lock()
	c := b.client
	if c == nil || b.closed {
		b.mu.Unlock()
		logging.Warn(ctx, "No UI attached, declining prompt", zap.String("title", p.Title))
		answer(false)
		return
	}
	id := p.ID
	pp := &pendingPrompt{client: c, answer: answer}
	pp.timer = time.AfterFunc(b.timeout, func() { b.expire(id) })
	pp.stop = context.AfterFunc(ctx, func() { b.resolve(id, false) })
	b.pending[id] = pp
	b.mu.Unlock()

	if !c.enqueue(data) {
		b.resolve(id, false)
	}
}

// Close detaches the GUI and declines every pending prompt.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	c := b.client
	b.mu.Unlock()
	if c != nil {
		b.detach(c)
	}
}

func (b *Bridge) attach(conn wsConnection) {
	c := &guiClient{conn: conn, send: make(chan []byte, 64)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = conn.Close()
		return
	}
	prev := b.client
	b.client = c
	b.mu.Unlock()

	if prev != nil {
		logging.Info(context.Background(), "Replacing attached UI")
		b.detach(prev)
	}
	logging.Info(context.Background(), "UI attached to bridge")

	go c.writePump()
	go b.readPump(c)
}

func (b *Bridge) detach(c *guiClient) {
	b.mu.Lock()
	if b.client == c {
		b.client = nil
	}
	var orphaned []string
	for id, pp := range b.pending {
		if pp.client == c {
			orphaned = append(orphaned, id)
		}
	}
	b.mu.Unlock()

	for _, id := range orphaned {
		b.resolve(id, false)
	}
	c.disconnect()
}

func (b *Bridge) resolve(id string, accepted bool) bool {
	b.mu.Lock()
	pp, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}

	pp.timer.Stop()
	pp.stop()
	pp.answer(accepted)
	return true
}

func (b *Bridge) expire(id string) {
	b.mu.Lock()
	pp, ok := b.pending[id]
	b.mu.Unlock()
	if !ok || !b.resolve(id, false) {
		return
	}
	logging.Info(context.Background(), "Prompt timed out", zap.String("id", id))
	if data, err := marshalFrame(frame{Type: frameDismiss, ID: id}); err == nil {
		pp.client.enqueue(data)
	}
}

// readPump processes answers and call actions until the GUI goes away.
func (b *Bridge) readPump(c *guiClient) {
	defer b.detach(c)

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			logging.Warn(context.Background(), "Failed to decode UI frame", zap.Error(err))
			continue
		}
		if f.Type != frameAnswer {
			b.handleCommand(c, f)
			continue
		}
		if !b.resolve(f.ID, f.Accepted) {
			logging.Debug(context.Background(), "Answer for unknown prompt", zap.String("id", f.ID))
		}
	}
}

type guiClient struct {
	conn wsConnection

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

func (c *guiClient) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		logging.Warn(context.Background(), "UI send channel full, dropping frame")
		return false
	}
}

func (c *guiClient) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	// Closing send makes writePump send CloseMessage and close the connection.
	close(c.send)
}

func (c *guiClient) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing UI frame", zap.Error(err))
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

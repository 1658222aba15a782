package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/cropbid/auction-client/pkg/errors"
	"github.com/cropbid/auction-client/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
	eventBuffer    = 64
)

type ackResult struct {
	ack *AckData
	err *ErrorData
}

// Conn owns the lifecycle of one persistent websocket connection to the
// auction server. It reconnects on its own after unexpected loss; callers only
// observe the state transitions. One Conn may be shared by several auction
// sessions, each filtering the event stream by auction id.
type Conn struct {
	url    string
	header http.Header
	dialer *websocket.Dialer

	lifetime context.Context
	stop     context.CancelFunc

	mu         sync.Mutex
	ws         *websocket.Conn
	state      types.ConnectionState
	gen        int // connection generation, detects a replaced socket
	stopWrite  chan struct{}
	pending    map[string]chan ackResult
	events     map[int]chan Event
	reconnects map[int]chan struct{}
	stateSubs  map[int]chan types.ConnectionState
	nextSub    int
	send       chan []byte
	closed     bool
}

// NewConn prepares a connection manager for the given websocket endpoint.
// An optional bearer token is sent with the handshake.
func NewConn(serverURL, token string) *Conn {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		url:        serverURL,
		header:     header,
		dialer:     websocket.DefaultDialer,
		lifetime:   ctx,
		stop:       cancel,
		state:      types.Disconnected,
		pending:    make(map[string]chan ackResult),
		events:     make(map[int]chan Event),
		reconnects: make(map[int]chan struct{}),
		stateSubs:  make(map[int]chan types.ConnectionState),
		send:       make(chan []byte, sendBufferSize),
	}
}

// Connect establishes the transport. A failed handshake is returned to the
// caller; once connected, later losses are handled internally.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.WithMessage(errors.ErrConnectionFailed, "connection manager is closed")
	}
	if c.state == types.Connected {
		c.mu.Unlock()
		return nil
	}
	if c.state == types.Reconnecting {
		// reconnectLoop owns the dial until it succeeds or Close is called.
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(types.Connecting)
	c.mu.Unlock()

	ws, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(types.Disconnected)
		c.mu.Unlock()
		return errors.Wrap(errors.ErrConnectionFailed, err, "websocket handshake failed")
	}

	c.attach(ws)
	log.Debugf("Connected to auction server at %s", c.url)
	return nil
}

// Close gracefully tears down the transport. Safe to call when already
// disconnected.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.gen++
	c.retireWriterLocked()
	c.failPendingLocked("connection closed")
	c.setStateLocked(types.Disconnected)
	for _, ch := range c.events {
		close(ch)
	}
	c.events = map[int]chan Event{}
	c.mu.Unlock()

	c.stop()
	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		return ws.Close()
	}
	return nil
}

// State reports the current connection state.
func (c *Conn) State() types.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe returns a channel of broadcast events and a cancel function. The
// channel is closed when the connection manager closes.
func (c *Conn) Subscribe() (<-chan Event, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Event, eventBuffer)
	c.events[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.events[id]; ok {
			delete(c.events, id)
			close(ch)
		}
	}
}

// OnReconnect returns a channel that receives a signal after every successful
// automatic reconnection.
func (c *Conn) OnReconnect() (<-chan struct{}, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan struct{}, 1)
	c.reconnects[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.reconnects, id)
	}
}

// StateChanges returns a channel of connection state transitions, for UIs
// that render a reconnecting indicator.
func (c *Conn) StateChanges() (<-chan types.ConnectionState, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan types.ConnectionState, 8)
	c.stateSubs[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.stateSubs, id)
	}
}

// Invoke sends a correlated request and waits for the server's acknowledgment
// or the context deadline.
func (c *Conn) Invoke(ctx context.Context, msgType string, payload interface{}) (*AckData, error) {
	c.mu.Lock()
	if c.state != types.Connected {
		state := c.state
		c.mu.Unlock()
		return nil, errors.WithMessage(errors.ErrConnectionFailed, "transport is "+state.String())
	}
	id := uuid.NewString()
	result := make(chan ackResult, 1)
	c.pending[id] = result
	c.mu.Unlock()

	raw, err := marshalMessage(msgType, id, payload)
	if err != nil {
		c.dropPending(id)
		return nil, errors.Wrap(errors.ErrConnectionFailed, err, "marshal "+msgType)
	}

	select {
	case c.send <- raw:
	case <-ctx.Done():
		c.dropPending(id)
		return nil, errors.Wrap(errors.ErrTimeout, ctx.Err(), "send queue full")
	}

	select {
	case res := <-result:
		if res.err != nil {
			return nil, ackError(res.err)
		}
		return res.ack, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, errors.Wrap(errors.ErrTimeout, ctx.Err(), "no acknowledgment for "+msgType)
	case <-c.lifetime.Done():
		return nil, errors.WithMessage(errors.ErrConnectionFailed, "connection manager closed")
	}
}

// Send queues an uncorrelated frame, for fire-and-forget messages like leave.
func (c *Conn) Send(msgType string, payload interface{}) error {
	c.mu.Lock()
	if c.state != types.Connected {
		state := c.state
		c.mu.Unlock()
		return errors.WithMessage(errors.ErrConnectionFailed, "transport is "+state.String())
	}
	c.mu.Unlock()

	raw, err := marshalMessage(msgType, "", payload)
	if err != nil {
		return errors.Wrap(errors.ErrConnectionFailed, err, "marshal "+msgType)
	}
	select {
	case c.send <- raw:
		return nil
	default:
		return errors.WithMessage(errors.ErrConnectionFailed, "send queue full")
	}
}

// RejectionError is a negative acknowledgment from the server. CurrentPrice
// carries the updated floor when the server provides one, so the caller can
// reset its increment input.
type RejectionError struct {
	*errors.AppError
	CurrentPrice *decimal.Decimal
}

func ackError(data *ErrorData) error {
	kind := errors.ErrBidRejected
	switch data.Code {
	case errors.ErrCodeJoinFailed:
		kind = errors.ErrJoinFailed
	case errors.ErrCodeAuctionClosed:
		kind = errors.ErrAuctionClosed
	case errors.ErrCodeTimeout:
		kind = errors.ErrTimeout
	}
	return &RejectionError{
		AppError:     errors.WithMessage(kind, data.Message),
		CurrentPrice: data.CurrentPrice,
	}
}

func (c *Conn) attach(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.gen++
	gen := c.gen
	c.retireWriterLocked()
	c.stopWrite = make(chan struct{})
	stop := c.stopWrite
	c.setStateLocked(types.Connected)
	c.mu.Unlock()

	go c.readPump(ws, gen)
	go c.writePump(ws, stop)
}

// retireWriterLocked tells the current write pump to exit so it stops
// draining the shared send queue.
func (c *Conn) retireWriterLocked() {
	if c.stopWrite != nil {
		close(c.stopWrite)
		c.stopWrite = nil
	}
}

func (c *Conn) readPump(ws *websocket.Conn, gen int) {
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("Read error: %v", err)
			}
			break
		}
		c.dispatch(raw)
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.gen++
	c.retireWriterLocked()
	c.failPendingLocked("connection lost before acknowledgment")
	c.setStateLocked(types.Reconnecting)
	c.mu.Unlock()

	go c.reconnectLoop()
}

func (c *Conn) writePump(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case <-stop:
			return
		case message := <-c.send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debugf("Write error: %v", err)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.lifetime.Done():
			return
		}
	}
}

func (c *Conn) reconnectLoop() {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // retry until Close

	attempt := func() error {
		ws, _, err := c.dialer.DialContext(c.lifetime, c.url, c.header)
		if err != nil {
			log.Debugf("Reconnect attempt failed: %v", err)
			return err
		}
		c.attach(ws)
		return nil
	}

	if err := backoff.Retry(attempt, backoff.WithContext(policy, c.lifetime)); err != nil {
		c.mu.Lock()
		c.setStateLocked(types.Disconnected)
		c.mu.Unlock()
		return
	}

	log.Info("Reconnected to auction server")
	c.mu.Lock()
	for _, ch := range c.reconnects {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	c.mu.Unlock()
}

func (c *Conn) dispatch(raw []byte) {
	msg, err := ParseMessage(raw)
	if err != nil {
		log.Warnf("Invalid frame from server: %v", err)
		return
	}

	switch msg.Type {
	case TypeAck, TypeError:
		c.resolve(msg)
	case TypeBidPlaced:
		var ev BidPlacedEvent
		if err := unmarshalData(msg.Data, &ev); err != nil {
			log.Warnf("Invalid bid event: %v", err)
			return
		}
		c.fanOut(Event{Type: TypeBidPlaced, BidPlaced: &ev})
	case TypePriceTick:
		var ev PriceTickEvent
		if err := unmarshalData(msg.Data, &ev); err != nil {
			log.Warnf("Invalid tick event: %v", err)
			return
		}
		c.fanOut(Event{Type: TypePriceTick, PriceTick: &ev})
	default:
		log.Debugf("Unknown message type: %s", msg.Type)
	}
}

func (c *Conn) resolve(msg *Message) {
	var res ackResult
	if msg.Type == TypeError {
		var data ErrorData
		if err := unmarshalData(msg.Data, &data); err != nil {
			log.Warnf("Invalid error frame: %v", err)
			return
		}
		res.err = &data
		if msg.ID == "" {
			// Uncorrelated server error, nothing waiting on it.
			log.Warnf("Server error: %s (code %d)", data.Message, data.Code)
			return
		}
	} else {
		var data AckData
		if len(msg.Data) > 0 {
			if err := unmarshalData(msg.Data, &data); err != nil {
				log.Warnf("Invalid ack frame: %v", err)
				return
			}
		}
		res.ack = &data
	}

	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- res
	}
}

func (c *Conn) fanOut(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.events {
		select {
		case ch <- ev:
		default:
			// Slow subscriber, drop the event rather than block the pump.
			log.Warnf("Dropping event for slow subscriber %d", id)
		}
	}
}

func (c *Conn) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) failPendingLocked(reason string) {
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- ackResult{err: &ErrorData{Code: errors.ErrCodeTimeout, Message: reason}}
	}
}

func (c *Conn) setStateLocked(state types.ConnectionState) {
	if c.state == state {
		return
	}
	c.state = state
	for _, ch := range c.stateSubs {
		select {
		case ch <- state:
		default:
		}
	}
}

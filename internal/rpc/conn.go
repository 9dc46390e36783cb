package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jaakkos/codeloom/internal/domain"
)

// DefaultRequestTimeout applies when no deadline is configured.
const DefaultRequestTimeout = 60 * time.Second

// Handler serves requests and notifications initiated by the peer, such as
// LSP progress or configuration callbacks.
type Handler interface {
	// HandleRequest returns the result for a peer request. Returning
	// ErrMethodNotFound produces a -32601 reply.
	HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error)
	HandleNotification(ctx context.Context, method string, params json.RawMessage)
}

// ErrMethodNotFound is returned by handlers for methods they do not serve.
var ErrMethodNotFound = errors.New("method not found")

// Outcome labels how a request was resolved.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeError    Outcome = "error"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeCrashed  Outcome = "crashed"
	OutcomeCanceled Outcome = "canceled"
)

// Observer is told about every resolved request.
type Observer func(method string, outcome Outcome, elapsed time.Duration)

// Option configures a Conn.
type Option func(*Conn)

// WithName labels the connection in logs and errors.
func WithName(name string) Option {
	return func(c *Conn) { c.name = name }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Conn) { c.logger = l }
}

// WithHandler sets the handler for peer-initiated messages.
func WithHandler(h Handler) Option {
	return func(c *Conn) { c.handler = h }
}

// WithRequestTimeout sets the deadline applied to every request.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithObserver installs a resolution observer (metrics).
func WithObserver(o Observer) Option {
	return func(c *Conn) { c.observer = o }
}

// WithCloser closes the underlying stream when the connection closes.
func WithCloser(cl io.Closer) Option {
	return func(c *Conn) { c.closer = cl }
}

type result struct {
	raw json.RawMessage
	err error
}

// Pending is one outstanding request. It is resolved exactly once: by the
// matching response, by its deadline, or by the connection closing.
type Pending struct {
	id       int64
	method   string
	sentAt   time.Time
	deadline time.Time
	ch       chan result
	timer    *time.Timer
	conn     *Conn
}

// ID returns the request id.
func (p *Pending) ID() int64 { return p.id }

// Method returns the request method.
func (p *Pending) Method() string { return p.method }

// Deadline returns when the request times out.
func (p *Pending) Deadline() time.Time { return p.deadline }

// Wait blocks until the request is resolved or ctx is done. A ctx expiry
// resolves the request itself so a late reply is dropped.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case r := <-p.ch:
		return r.raw, r.err
	case <-ctx.Done():
		outcome := OutcomeCanceled
		err := fmt.Errorf("%s: %w", p.method, ctx.Err())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			outcome = OutcomeTimeout
			err = domain.NewError(domain.ErrTimeout, "call", p.method, ctx.Err())
		}
		p.conn.resolve(p.id, result{err: err}, outcome)
		// Either our resolution or a concurrent one is now in the channel.
		r := <-p.ch
		return r.raw, r.err
	}
}

// Conn correlates requests and responses on one framed stream. Responses
// are matched strictly by id; peer requests and notifications go to the
// Handler.
type Conn struct {
	name     string
	framer   Framer
	handler  Handler
	logger   *log.Logger
	timeout  time.Duration
	observer Observer
	closer   io.Closer

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*Pending
	closed  bool
	cause   error

	done        chan struct{}
	readDone    chan struct{}
	baseCtx     context.Context
	cancelBase  context.CancelFunc
	handlers    sync.WaitGroup
	lateReplies atomic.Int64
	malformed   atomic.Int64
}

// NewConn starts reading frames from f and returns the connection.
func NewConn(f Framer, opts ...Option) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		name:       "conn",
		framer:     f,
		logger:     log.New(io.Discard, "", 0),
		timeout:    DefaultRequestTimeout,
		pending:    make(map[int64]*Pending),
		done:       make(chan struct{}),
		readDone:   make(chan struct{}),
		baseCtx:    ctx,
		cancelBase: cancel,
	}
	for _, o := range opts {
		o(c)
	}
	go c.readLoop()
	return c
}

// Send writes a request and returns its pending entry without waiting.
func (c *Conn) Send(method string, params any) (*Pending, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	id := c.nextID.Add(1)
	now := time.Now()
	p := &Pending{
		id:       id,
		method:   method,
		sentAt:   now,
		deadline: now.Add(c.timeout),
		ch:       make(chan result, 1),
		conn:     c,
	}

	c.mu.Lock()
	if c.closed {
		cause := c.cause
		c.mu.Unlock()
		return nil, cause
	}
	p.timer = time.AfterFunc(c.timeout, func() {
		c.resolve(id, result{err: domain.NewError(domain.ErrTimeout, "call", method, fmt.Errorf("no response within %s", c.timeout))}, OutcomeTimeout)
	})
	c.pending[id] = p
	c.mu.Unlock()

	nid := NumberID(id)
	if err := WriteMessage(c.framer, &Message{ID: &nid, Method: method, Params: raw}); err != nil {
		werr := domain.NewError(domain.ErrWorkerCrashed, "write", method, err)
		c.resolve(id, result{err: werr}, OutcomeCrashed)
		return nil, werr
	}
	return p, nil
}

// Call sends a request and decodes the result into out (which may be nil).
func (c *Conn) Call(ctx context.Context, method string, params, out any) error {
	p, err := c.Send(method, params)
	if err != nil {
		return err
	}
	raw, err := p.Wait(ctx)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return domain.NewError(domain.ErrProtocolError, "decode result", method, err)
	}
	return nil
}

// Notify writes a notification.
func (c *Conn) Notify(method string, params any) error {
	if err := c.Err(); err != nil {
		return err
	}
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return WriteMessage(c.framer, &Message{Method: method, Params: raw})
}

// InFlight returns the number of unresolved requests.
func (c *Conn) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// ReadDone is closed once the read loop has exited.
func (c *Conn) ReadDone() <-chan struct{} { return c.readDone }

// Err returns the close cause, or nil while open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// LateReplies counts responses that arrived for already-resolved ids.
func (c *Conn) LateReplies() int64 { return c.lateReplies.Load() }

// Malformed counts frames dropped because they did not decode.
func (c *Conn) Malformed() int64 { return c.malformed.Load() }

// Close resolves every outstanding request with cause and stops the
// connection. Later calls are no-ops.
func (c *Conn) Close(cause error) {
	if cause == nil {
		cause = domain.NewError(domain.ErrWorkerCrashed, "close", c.name, errors.New("connection closed"))
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cause = cause
	pending := c.pending
	c.pending = make(map[int64]*Pending)
	c.mu.Unlock()

	outcome := OutcomeError
	if errors.Is(cause, domain.ErrWorkerCrashed) {
		outcome = OutcomeCrashed
	}
	for _, p := range pending {
		c.deliver(p, result{err: cause}, outcome)
	}
	if len(pending) > 0 {
		c.logger.Printf("Conn[%s]: failed %d pending request(s): %v", c.name, len(pending), cause)
	}
	c.cancelBase()
	close(c.done)
	if c.closer != nil {
		_ = c.closer.Close()
	}
}

// resolve removes id from the pending map and delivers r. Only the caller
// that removes the entry delivers, so each request resolves once.
func (c *Conn) resolve(id int64, r result, outcome Outcome) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.deliver(p, r, outcome)
	return true
}

func (c *Conn) deliver(p *Pending, r result, outcome Outcome) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.ch <- r
	if c.observer != nil {
		c.observer(p.method, outcome, time.Since(p.sentAt))
	}
}

func (c *Conn) readLoop() {
	defer close(c.readDone)
	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			if errors.Is(err, domain.ErrProtocolError) {
				c.logger.Printf("Conn[%s]: framing error, closing: %v", c.name, err)
				c.Close(domain.NewError(domain.ErrProtocolError, "read", c.name, err))
			} else {
				c.Close(domain.NewError(domain.ErrWorkerCrashed, "read", c.name, err))
			}
			return
		}
		msg, err := Decode(frame)
		if err != nil {
			c.malformed.Add(1)
			c.logger.Printf("Conn[%s]: dropping malformed frame: %v", c.name, err)
			continue
		}
		switch msg.Kind() {
		case KindResponse:
			c.handleResponse(msg)
		case KindRequest:
			c.handlers.Add(1)
			go func() {
				defer c.handlers.Done()
				c.handleRequest(msg)
			}()
		case KindNotification:
			if c.handler != nil {
				c.handler.HandleNotification(c.baseCtx, msg.Method, msg.Params)
			}
		}
	}
}

func (c *Conn) handleResponse(msg *Message) {
	id, ok := msg.ID.Int64()
	if !ok {
		c.lateReplies.Add(1)
		c.logger.Printf("Conn[%s]: response with foreign id %q dropped", c.name, msg.ID.String())
		return
	}
	r := result{raw: msg.Result}
	outcome := OutcomeOK
	if msg.Error != nil {
		r = result{err: msg.Error}
		outcome = OutcomeError
	}
	if !c.resolve(id, r, outcome) {
		c.lateReplies.Add(1)
		c.logger.Printf("Conn[%s]: late or unknown response id %d dropped", c.name, id)
	}
}

func (c *Conn) handleRequest(msg *Message) {
	reply := &Message{ID: msg.ID}
	var res any
	err := ErrMethodNotFound
	if c.handler != nil {
		res, err = c.handler.HandleRequest(c.baseCtx, msg.Method, msg.Params)
	}
	switch {
	case errors.Is(err, ErrMethodNotFound):
		reply.Error = &ResponseError{Code: CodeMethodNotFound, Message: "method not found: " + msg.Method}
	case err != nil:
		var re *ResponseError
		if errors.As(err, &re) {
			reply.Error = re
		} else {
			reply.Error = &ResponseError{Code: CodeInternalError, Message: err.Error()}
		}
	default:
		raw, merr := json.Marshal(res)
		if merr != nil {
			reply.Error = &ResponseError{Code: CodeInternalError, Message: merr.Error()}
		} else {
			reply.Result = raw
		}
	}
	if c.Err() != nil {
		return
	}
	if err := WriteMessage(c.framer, reply); err != nil {
		c.logger.Printf("Conn[%s]: reply to %s failed: %v", c.name, msg.Method, err)
	}
}

// WaitHandlers blocks until in-progress peer request handlers return.
func (c *Conn) WaitHandlers() { c.handlers.Wait() }

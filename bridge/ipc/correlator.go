package ipc

import (
	"context"
	"fmt"
	"sync"
)

// Writer sends one message on the player connection.
type Writer interface {
	Write(msg any) error
}

// Call is a request in flight. It is resolved at most once.
type Call struct {
	id   uint64
	once sync.Once
	done chan struct{}
	msg  Message
	err  error
}

func newCall(id uint64) *Call {
	return &Call{id: id, done: make(chan struct{})}
}

// ID returns the correlation id assigned to the call.
func (c *Call) ID() uint64 { return c.id }

// Done is closed once the call is resolved.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call is resolved or ctx is done.
// Giving up on ctx does not cancel the call: a reply that arrives later still resolves it.
func (c *Call) Wait(ctx context.Context) (Message, error) {
	select {
	case <-c.done:
		return c.msg, c.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *Call) resolve(msg Message, err error) bool {
	resolved := false
	c.once.Do(func() {
		c.msg = msg
		c.err = err
		resolved = true
		close(c.done)
	})
	return resolved
}

// Correlator matches replies to requests by correlation id.
type Correlator struct {
	w Writer

	// sendMu makes id order equal wire order
	sendMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*Call
}

// NewCorrelator returns a Correlator that writes through w. Ids start at firstID and only ever increase.
func NewCorrelator(w Writer, firstID uint64) *Correlator {
	return &Correlator{
		w:       w,
		nextID:  firstID,
		pending: map[uint64]*Call{},
	}
}

// Send assigns cmd the next id, registers it, and writes it.
// The caller's map is not modified.
// If the write fails the call is unregistered and the error returned, since no reply can ever come.
func (c *Correlator) Send(cmd Command) (*Call, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	call := newCall(id)
	c.pending[id] = call
	c.mu.Unlock()

	out := make(Command, len(cmd)+1)
	for k, v := range cmd {
		out[k] = v
	}
	out[RequestIDKey] = id

	err := c.w.Write(out)
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("sending request %d: %w", id, err)
	}
	return call, nil
}

// Deliver resolves the pending call matching msg and reports whether there was one.
// Messages without an id, or with an id that is not pending, are left to the caller.
func (c *Correlator) Deliver(msg Message) bool {
	if msg.RequestID == nil {
		return false
	}
	c.mu.Lock()
	call, ok := c.pending[*msg.RequestID]
	if ok {
		delete(c.pending, *msg.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	return call.resolve(msg, nil)
}

// FailAll resolves every pending call with err, empties the table, and returns how many calls were failed.
func (c *Correlator) FailAll(err error) int {
	c.mu.Lock()
	calls := c.pending
	c.pending = map[uint64]*Call{}
	c.mu.Unlock()

	for _, call := range calls {
		call.resolve(Message{}, err)
	}
	return len(calls)
}

// Pending returns the number of calls awaiting a reply.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// NextID returns the id the next Send will use.
func (c *Correlator) NextID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextID
}

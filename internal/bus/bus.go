// Package bus turns the device's fire-and-forget bus commands into awaitable
// Read and Write calls. Requests are correlated with their acknowledgements by
// (address, register); acks nobody is waiting for are kept for inspection.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/williamyang98/QuaternionIMU/internal/monitoring"
	"github.com/williamyang98/QuaternionIMU/internal/protocol"
	"github.com/williamyang98/QuaternionIMU/internal/timeutil"
)

var (
	// ErrNotAvailable is returned when the device acknowledged a read with no data.
	ErrNotAvailable = errors.New("bus: register not available")
	// ErrTimeout is returned when no acknowledgement arrived in time.
	ErrTimeout = errors.New("bus: request timed out")
	// ErrTransportClosed is returned to every waiter once the link shuts down.
	ErrTransportClosed = errors.New("bus: transport closed")
	// ErrReset is returned to waiters evicted by Reset.
	ErrReset = errors.New("bus: correlator reset")
	// ErrUnmatchedAck marks acknowledgements recorded in the unknown bucket.
	ErrUnmatchedAck = errors.New("bus: unmatched acknowledgement")
)

const (
	DefaultTimeout    = time.Second
	DefaultMaxUnknown = 256
)

// Sender writes one command to the device.
type Sender interface {
	SendCommand(cmd []byte) error
}

// Key identifies a register on a bus device.
type Key struct {
	Addr byte
	Reg  byte
}

func (k Key) String() string {
	return fmt.Sprintf("0x%02X/0x%02X", k.Addr, k.Reg)
}

// Op is the direction of a bus transaction.
type Op string

const (
	OpRead  Op = "read"
	OpWrite Op = "write"
)

// UnknownAck is an acknowledgement that matched no outstanding request.
type UnknownAck struct {
	Time time.Time `json:"time"`
	Op   Op        `json:"op"`
	Body []byte    `json:"body"`
	// Reason describes why it was not matched.
	Reason string `json:"reason"`
}

// Config tunes a Correlator. Zero values select the defaults.
type Config struct {
	Timeout    time.Duration
	MaxUnknown int
	Clock      timeutil.Clock
}

// slot holds the per-key state. guard admits one in-flight request at a time;
// acks carries the matching acknowledgement to it.
type slot[T any] struct {
	guard   chan struct{}
	acks    chan T
	evicted chan struct{}
	waiting bool
}

func newSlot[T any]() *slot[T] {
	return &slot[T]{
		guard:   make(chan struct{}, 1),
		acks:    make(chan T, 1),
		evicted: make(chan struct{}),
	}
}

// Correlator is safe for concurrent use.
type Correlator struct {
	sender     Sender
	clock      timeutil.Clock
	timeout    time.Duration
	maxUnknown int

	mu       sync.Mutex
	reads    map[Key]*slot[protocol.ReadAck]
	writes   map[Key]*slot[protocol.WriteAck]
	unknown  []UnknownAck
	closed   bool
	closeErr error
	done     chan struct{}
}

// NewCorrelator returns a Correlator sending commands through sender.
func NewCorrelator(sender Sender, cfg Config) *Correlator {
	c := &Correlator{
		sender:     sender,
		clock:      cfg.Clock,
		timeout:    cfg.Timeout,
		maxUnknown: cfg.MaxUnknown,
		reads:      make(map[Key]*slot[protocol.ReadAck]),
		writes:     make(map[Key]*slot[protocol.WriteAck]),
		done:       make(chan struct{}),
	}
	if c.clock == nil {
		c.clock = timeutil.RealClock{}
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.maxUnknown <= 0 {
		c.maxUnknown = DefaultMaxUnknown
	}
	return c
}

// Read requests n bytes from register reg of the device at addr and waits for
// the acknowledgement.
func (c *Correlator) Read(ctx context.Context, addr, reg, n byte) ([]byte, error) {
	key := Key{Addr: addr, Reg: reg}
	ack, err := request(ctx, c, c.reads, key, protocol.BusReadCommand(addr, reg, n))
	if err != nil {
		observe(OpRead, err)
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if ack.Data == nil {
		observe(OpRead, ErrNotAvailable)
		return nil, fmt.Errorf("read %s: %w", key, ErrNotAvailable)
	}
	observe(OpRead, nil)
	return ack.Data, nil
}

// Write writes data to register reg of the device at addr and returns the
// number of bytes the device acknowledged.
func (c *Correlator) Write(ctx context.Context, addr, reg byte, data []byte) (int, error) {
	key := Key{Addr: addr, Reg: reg}
	cmd, err := protocol.BusWriteCommand(addr, reg, data)
	if err != nil {
		return 0, err
	}
	ack, err := request(ctx, c, c.writes, key, cmd)
	if err != nil {
		observe(OpWrite, err)
		return 0, fmt.Errorf("write %s: %w", key, err)
	}
	observe(OpWrite, nil)
	return ack.Written, nil
}

func request[T any](ctx context.Context, c *Correlator, slots map[Key]*slot[T], key Key, cmd []byte) (T, error) {
	var zero T

	c.mu.Lock()
	if c.closed {
		err := c.closedErrLocked()
		c.mu.Unlock()
		return zero, err
	}
	s, ok := slots[key]
	if !ok {
		s = newSlot[T]()
		slots[key] = s
	}
	c.mu.Unlock()

	// Wait for any earlier request on this key to finish.
	select {
	case s.guard <- struct{}{}:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-c.done:
		return zero, c.closedError()
	case <-s.evicted:
		return zero, ErrReset
	}
	defer func() { <-s.guard }()

	c.mu.Lock()
	// Drop acks that arrived for a request that already gave up.
	for drained := false; !drained; {
		select {
		case <-s.acks:
		default:
			drained = true
		}
	}
	s.waiting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		s.waiting = false
		c.mu.Unlock()
	}()

	if err := c.sender.SendCommand(cmd); err != nil {
		return zero, fmt.Errorf("send: %w", err)
	}

	var timeout <-chan time.Time
	if _, ok := ctx.Deadline(); !ok {
		timer := c.clock.NewTimer(c.timeout)
		defer timer.Stop()
		timeout = timer.C()
	}

	select {
	case ack := <-s.acks:
		return ack, nil
	case <-timeout:
		return zero, ErrTimeout
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
		return zero, ctx.Err()
	case <-c.done:
		return zero, c.closedError()
	case <-s.evicted:
		return zero, ErrReset
	}
}

// OnReadAck consumes a read acknowledgement body [addr, reg, n, data...].
func (c *Correlator) OnReadAck(body []byte) {
	ack, err := protocol.ParseReadAck(body)
	if err != nil {
		c.recordUnknown(OpRead, body, err.Error())
		return
	}
	deliver(c, c.reads, Key{Addr: ack.Addr, Reg: ack.Reg}, ack, OpRead, body)
}

// OnWriteAck consumes a write acknowledgement body [addr, reg, n].
func (c *Correlator) OnWriteAck(body []byte) {
	ack, err := protocol.ParseWriteAck(body)
	if err != nil {
		c.recordUnknown(OpWrite, body, err.Error())
		return
	}
	deliver(c, c.writes, Key{Addr: ack.Addr, Reg: ack.Reg}, ack, OpWrite, body)
}

func deliver[T any](c *Correlator, slots map[Key]*slot[T], key Key, ack T, op Op, body []byte) {
	c.mu.Lock()
	s, ok := slots[key]
	if ok && s.waiting {
		select {
		case s.acks <- ack:
			c.mu.Unlock()
			return
		default:
		}
	}
	c.mu.Unlock()

	reason := "no request outstanding for " + key.String()
	if ok && s.waiting {
		reason = "duplicate acknowledgement for " + key.String()
	}
	c.recordUnknown(op, body, reason)
}

func (c *Correlator) recordUnknown(op Op, body []byte, reason string) {
	monitoring.UnmatchedAcks.WithLabelValues(string(op)).Inc()
	monitoring.Logf("bus: %v: %s ack % X: %s", ErrUnmatchedAck, op, body, reason)

	entry := UnknownAck{
		Time:   c.clock.Now(),
		Op:     op,
		Body:   append([]byte(nil), body...),
		Reason: reason,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.unknown) >= c.maxUnknown {
		copy(c.unknown, c.unknown[1:])
		c.unknown = c.unknown[:len(c.unknown)-1]
	}
	c.unknown = append(c.unknown, entry)
}

// UnknownAcks returns a copy of the unmatched acknowledgements, oldest first.
// Only the most recent MaxUnknown entries are kept.
func (c *Correlator) UnknownAcks() []UnknownAck {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]UnknownAck(nil), c.unknown...)
}

// Reset evicts every key and clears the unknown bucket. Pending requests
// return ErrReset.
func (c *Correlator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, s := range c.reads {
		close(s.evicted)
		delete(c.reads, k)
	}
	for k, s := range c.writes {
		close(s.evicted)
		delete(c.writes, k)
	}
	c.unknown = nil
}

// Close resolves every pending and future request with ErrTransportClosed.
func (c *Correlator) Close() error {
	return c.CloseWithError(nil)
}

// CloseWithError is Close with a cause attached to the returned errors.
func (c *Correlator) CloseWithError(cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeErr = cause
	close(c.done)
	return nil
}

func (c *Correlator) closedErrLocked() error {
	if c.closeErr != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, c.closeErr)
	}
	return ErrTransportClosed
}

func (c *Correlator) closedError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closedErrLocked()
}

func observe(op Op, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrTimeout):
		result = "timeout"
	case errors.Is(err, ErrTransportClosed):
		result = "closed"
	case errors.Is(err, ErrNotAvailable):
		result = "unavailable"
	default:
		result = "error"
	}
	monitoring.BusRequests.WithLabelValues(string(op), result).Inc()
}

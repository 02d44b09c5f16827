package vmi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultHeartbeatInterval = 100 * time.Millisecond
	DefaultQueryTimeout      = 250 * time.Millisecond
)

// ClientOptions tunes an analysis client. Zero values select the defaults.
type ClientOptions struct {
	HeartbeatInterval time.Duration
	QueryTimeout      time.Duration
	// PollInterval is how often Attach retries while the segment is not
	// yet published.
	PollInterval time.Duration
	Logger       *zap.Logger
}

// Handler decides what happens to one intercepted event.
type Handler interface {
	HandleEvent(ctx context.Context, ec *EventContext) (Action, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ec *EventContext) (Action, error)

func (f HandlerFunc) HandleEvent(ctx context.Context, ec *EventContext) (Action, error) {
	return f(ctx, ec)
}

// Client is the analysis side of a segment. It consumes every Event Ring and
// produces every Response Ring.
type Client struct {
	seg    *Segment
	opts   ClientOptions
	logger *zap.Logger
	owned  bool

	detachOnce sync.Once
	detachErr  error
}

// Attach maps the segment at path, waiting for the host to publish it, and
// announces the client.
func Attach(ctx context.Context, path string, opts ClientOptions) (*Client, error) {
	seg, err := WaitSegment(ctx, path, opts.PollInterval)
	if err != nil {
		return nil, err
	}
	c := NewClient(seg, opts)
	c.owned = true
	return c, nil
}

// NewClient announces a client on an already mapped segment.
func NewClient(seg *Segment, opts ClientOptions) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := &Client{
		seg:    seg,
		opts:   opts,
		logger: opts.Logger.With(zap.String("session", seg.Session().String())),
	}
	seg.TouchHeartbeat(monotonicNow())
	seg.SetClientState(ClientAttached)
	c.logger.Info("Attached to segment",
		zap.String("path", seg.Path()),
		zap.Uint32("vcpus", seg.VCPUs()))
	return c
}

// Segment returns the mapped segment.
func (c *Client) Segment() *Segment { return c.seg }

// Run serves every vCPU with h until ctx is canceled. Each vCPU gets its own
// goroutine, so events of one vCPU are handled in order while vCPUs proceed
// independently. Run must not be called concurrently.
func (c *Client) Run(ctx context.Context, h Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.heartbeat(ctx)
	})
	for v := range c.seg.VCPUs() {
		g.Go(func() error {
			return c.serve(ctx, v, h)
		})
	}
	return g.Wait()
}

func (c *Client) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		c.seg.TouchHeartbeat(monotonicNow())
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Client) serve(ctx context.Context, vcpu uint32, h Handler) error {
	ec := &EventContext{
		client:    c,
		vcpu:      vcpu,
		events:    c.seg.EventRing(vcpu),
		responses: c.seg.ResponseRing(vcpu),
	}
	var rec [SlotSize]byte
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !ec.next(rec[:]) {
			ec.events.WaitReadable(maxWaitSlice)
			continue
		}

		switch recordType(rec[:]) {
		case recEvent:
		case recReply:
			c.logger.Debug("Discarding late query reply", zap.Uint32("vcpu", vcpu))
			continue
		default:
			c.logger.Warn("Discarding unexpected record",
				zap.Uint32("vcpu", vcpu),
				zap.Uint16("record_type", recordType(rec[:])))
			continue
		}
		ev, err := decodeEvent(rec[:])
		if err != nil {
			c.logger.Warn("Discarding malformed event", zap.Uint32("vcpu", vcpu), zap.Error(err))
			continue
		}

		ec.reset(ev)
		action, err := h.HandleEvent(ctx, ec)
		if err == nil {
			err = action.Validate()
		}
		if err != nil {
			c.logger.Warn("Handler failed; continuing guest",
				zap.Uint32("vcpu", vcpu),
				zap.Uint64("event_id", ev.ID),
				zap.Error(err))
			action = Continue()
		}
		if ec.expired {
			// The host already resolved this event; a decision would only
			// count as a protocol violation.
			continue
		}

		encodeResponse(rec[:], &Response{EventID: ev.ID, VCPU: vcpu, Action: action})
		for !ec.responses.TryPush(rec[:]) {
			if ctx.Err() != nil {
				return nil
			}
			ec.responses.WaitWritable(maxWaitSlice)
		}
	}
}

// Detach tells the host the client is gone; blocked vCPUs resume and later
// exits pass through. Segments mapped by Attach are unmapped.
func (c *Client) Detach() error {
	c.detachOnce.Do(func() {
		c.seg.SetClientState(ClientDetached)
		c.logger.Info("Detached from segment")
		if c.owned {
			c.detachErr = c.seg.Close()
		}
	})
	return c.detachErr
}

// EventContext is handed to a Handler with the event being decided. Its
// query helpers read and modify the paused vCPU's guest; they are only valid
// inside the HandleEvent call.
type EventContext struct {
	Event Event

	client    *Client
	vcpu      uint32
	events    *Ring
	responses *Ring

	seq     uint64
	expired bool
	backlog [][SlotSize]byte
	rx, tx  [SlotSize]byte
}

func (ec *EventContext) reset(ev Event) {
	ec.Event = ev
	ec.expired = false
}

func (ec *EventContext) next(dst []byte) bool {
	if len(ec.backlog) > 0 {
		copy(dst, ec.backlog[0][:])
		ec.backlog = ec.backlog[1:]
		return true
	}
	return ec.events.TryPop(dst)
}

func (ec *EventContext) query(ctx context.Context, q *query) (reply, error) {
	if ec.expired {
		return reply{}, &Error{Code: CodeUnknownEvent, Op: q.Op.String(), Addr: ec.Event.ID}
	}
	ec.seq++
	q.EventID = ec.Event.ID
	q.VCPU = ec.vcpu
	q.Seq = ec.seq
	if err := encodeQuery(ec.tx[:], q); err != nil {
		return reply{}, err
	}

	deadline := time.Now().Add(ec.client.opts.QueryTimeout)
	for !ec.responses.TryPush(ec.tx[:]) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return reply{}, &Error{Code: CodeRingFull, Op: q.Op.String(), Addr: q.Addr}
		}
		if err := ctx.Err(); err != nil {
			return reply{}, err
		}
		ec.responses.WaitWritable(min(remaining, maxWaitSlice))
	}

	for {
		for ec.events.TryPop(ec.rx[:]) {
			switch recordType(ec.rx[:]) {
			case recReply:
				r, err := decodeReply(ec.rx[:])
				if err != nil || r.Seq != q.Seq || r.EventID != q.EventID {
					continue
				}
				return r, replyError(&r, q)
			case recEvent:
				// A newer event means ours was resolved without us.
				ec.backlog = append(ec.backlog, ec.rx)
				ec.expired = true
				return reply{}, &Error{Code: CodeUnknownEvent, Op: q.Op.String(), Addr: ec.Event.ID}
			}
		}
		if err := ctx.Err(); err != nil {
			return reply{}, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return reply{}, &Error{Code: CodeTimeout, Op: q.Op.String(), Addr: q.Addr}
		}
		ec.events.WaitReadable(min(remaining, maxWaitSlice))
	}
}

func replyError(r *reply, q *query) error {
	var code uint32
	switch r.Status {
	case StatusOK:
		return nil
	case StatusOutOfBounds:
		code = CodeOutOfBounds
	case StatusTranslationFault:
		code = CodeTranslationFault
	case StatusBadRequest:
		code = CodeInvalidArgument
	case StatusNotPending:
		code = CodeUnknownEvent
	default:
		code = CodeBackend
	}
	return &Error{Code: code, Op: q.Op.String(), Addr: q.Addr, Len: uint64(q.Length)}
}

func (ec *EventContext) read(ctx context.Context, op QueryOp, addr uint64, n int) ([]byte, error) {
	if n <= 0 || n > MaxAccess {
		return nil, newError(CodeInvalidArgument, op.String(), addr, uint64(max(n, 0)))
	}
	buf := make([]byte, 0, n)
	for len(buf) < n {
		chunk := min(n-len(buf), MaxPayload)
		r, err := ec.query(ctx, &query{Op: op, Addr: addr + uint64(len(buf)), Length: uint32(chunk)})
		if err != nil {
			return nil, err
		}
		if len(r.Data) != chunk {
			return nil, fmt.Errorf("vmi: short %s reply (%d of %d bytes): %w", op, len(r.Data), chunk, ErrBadRecord)
		}
		buf = append(buf, r.Data...)
	}
	return buf, nil
}

func (ec *EventContext) write(ctx context.Context, op QueryOp, addr uint64, data []byte) error {
	if len(data) == 0 {
		return newError(CodeInvalidArgument, op.String(), addr, 0)
	}
	for off := 0; off < len(data); off += MaxPayload {
		chunk := data[off:min(off+MaxPayload, len(data))]
		if _, err := ec.query(ctx, &query{Op: op, Addr: addr + uint64(off), Length: uint32(len(chunk)), Data: chunk}); err != nil {
			return err
		}
	}
	return nil
}

// ReadPhysical reads guest-physical memory of the paused guest.
func (ec *EventContext) ReadPhysical(ctx context.Context, addr uint64, n int) ([]byte, error) {
	return ec.read(ctx, QueryReadPhysical, addr, n)
}

// ReadVirtual reads memory through the paused vCPU's page tables.
func (ec *EventContext) ReadVirtual(ctx context.Context, addr uint64, n int) ([]byte, error) {
	return ec.read(ctx, QueryReadVirtual, addr, n)
}

// WritePhysical writes guest-physical memory of the paused guest.
func (ec *EventContext) WritePhysical(ctx context.Context, addr uint64, data []byte) error {
	return ec.write(ctx, QueryWritePhysical, addr, data)
}

// WriteVirtual writes memory through the paused vCPU's page tables.
func (ec *EventContext) WriteVirtual(ctx context.Context, addr uint64, data []byte) error {
	return ec.write(ctx, QueryWriteVirtual, addr, data)
}

// Translate resolves a guest-virtual address of the paused vCPU.
func (ec *EventContext) Translate(ctx context.Context, addr uint64) (uint64, error) {
	r, err := ec.query(ctx, &query{Op: QueryTranslate, Addr: addr})
	if err != nil {
		return 0, err
	}
	return r.Value, nil
}

// Registers returns the paused vCPU's registers.
func (ec *EventContext) Registers(ctx context.Context) (Registers, error) {
	r, err := ec.query(ctx, &query{Op: QueryRegisters})
	if err != nil {
		return Registers{}, err
	}
	return r.Registers, nil
}

// Expired reports whether the host resolved the event while the handler was
// still working on it.
func (ec *EventContext) Expired() bool { return ec.expired }

// IsTimeout reports whether err means the host or a query gave up waiting.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

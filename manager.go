package vmi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultResponseTimeout = 500 * time.Millisecond
	// DefaultLivenessTimeout matches the response timeout so a crashed
	// client costs at most one stalled exit per vCPU.
	DefaultLivenessTimeout = DefaultResponseTimeout
)

// TimeoutAction is applied when the client does not answer in time.
type TimeoutAction int

const (
	// TimeoutContinue resumes the guest unmodified (fail-open).
	TimeoutContinue TimeoutAction = iota
	// TimeoutSkip suppresses the exit's side effect (fail-closed).
	TimeoutSkip
)

func (a TimeoutAction) String() string {
	if a == TimeoutSkip {
		return "skip"
	}
	return "continue"
}

// ParseTimeoutAction accepts "continue" (or "fail-open") and "skip" (or
// "fail-closed").
func ParseTimeoutAction(s string) (TimeoutAction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "continue", "fail-open":
		return TimeoutContinue, nil
	case "skip", "fail-closed":
		return TimeoutSkip, nil
	}
	return 0, fmt.Errorf("vmi: unknown timeout action %q: %w", s, ErrInvalidArgument)
}

// BackpressurePolicy selects what happens when an Event Ring is full.
type BackpressurePolicy int

const (
	// BackpressureReject drops the event and resumes the guest.
	BackpressureReject BackpressurePolicy = iota
	// BackpressureBlock waits for space up to the response timeout, then
	// rejects.
	BackpressureBlock
)

func (b BackpressurePolicy) String() string {
	if b == BackpressureBlock {
		return "block"
	}
	return "reject"
}

func ParseBackpressure(s string) (BackpressurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject", "drop":
		return BackpressureReject, nil
	case "block":
		return BackpressureBlock, nil
	}
	return 0, fmt.Errorf("vmi: unknown backpressure policy %q: %w", s, ErrInvalidArgument)
}

// ManagerConfig tunes a Manager. Zero values select the defaults.
type ManagerConfig struct {
	ResponseTimeout time.Duration
	TimeoutAction   TimeoutAction
	Backpressure    BackpressurePolicy
	// LivenessTimeout is the maximum client heartbeat age. Zero uses
	// ResponseTimeout.
	LivenessTimeout time.Duration
	Logger          *zap.Logger
	// Clock returns monotonic nanoseconds comparable with client heartbeats.
	Clock func() int64
}

// VCPUState is where a vCPU is in the handling of its current exit.
type VCPUState uint32

const (
	StateIdle VCPUState = iota
	StateTranslated
	StatePassThrough
	StatePublished
	StateAwaitingResponse
	StateResolved
)

func (s VCPUState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTranslated:
		return "translated"
	case StatePassThrough:
		return "pass_through"
	case StatePublished:
		return "published"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateResolved:
		return "resolved"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// Outcome records how a Verdict was reached.
type Outcome int

const (
	OutcomePassThrough Outcome = iota
	OutcomeResponded
	OutcomeTimedOut
	OutcomeDropped
	OutcomeDetached
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomePassThrough:
		return "pass_through"
	case OutcomeResponded:
		return "responded"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeDropped:
		return "dropped"
	case OutcomeDetached:
		return "detached"
	case OutcomeCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Verdict tells the vCPU run loop how to resume. When Suppress is set the
// exit's original side effect must not be emulated.
type Verdict struct {
	EventID  uint64 // zero for pass-through
	Action   Action
	Suppress bool
	Outcome  Outcome
}

type vcpuContext struct {
	mu         sync.Mutex
	state      atomic.Uint32
	singleStep bool
	rx, tx     [SlotSize]byte
}

func (vc *vcpuContext) setState(s VCPUState) { vc.state.Store(uint32(s)) }

// Manager is the Introspection Manager. One Manager serves every vCPU of a
// VM; each vCPU thread calls HandleExit inline on its own exits.
type Manager struct {
	seg    *Segment
	guest  *Guest
	cfg    ManagerConfig
	logger *zap.Logger

	policy  atomic.Pointer[Policy]
	nextID  atomic.Uint64
	pending *correlationTable
	stats   Stats
	vcpus   []*vcpuContext

	connected atomic.Bool
	warnLimit *rate.Limiter
}

// NewManager binds a segment and guest. An error here disables
// introspection only; the VM keeps running without it.
func NewManager(seg *Segment, guest *Guest, policy *Policy, cfg ManagerConfig) (*Manager, error) {
	if seg == nil || guest == nil {
		return nil, fmt.Errorf("vmi: manager needs a segment and a guest: %w", ErrInvalidArgument)
	}
	if guest.VCPUs() > seg.VCPUs() {
		return nil, fmt.Errorf("vmi: guest has %d vcpus, segment only %d: %w", guest.VCPUs(), seg.VCPUs(), ErrBadLayout)
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = cfg.ResponseTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.LivenessTimeout > cfg.ResponseTimeout {
		cfg.Logger.Warn("Liveness timeout exceeds response timeout; a crashed client stalls vCPUs until it expires",
			zap.Duration("liveness_timeout", cfg.LivenessTimeout),
			zap.Duration("response_timeout", cfg.ResponseTimeout))
	}
	if cfg.Clock == nil {
		cfg.Clock = monotonicNow
	}

	m := &Manager{
		seg:       seg,
		guest:     guest,
		cfg:       cfg,
		logger:    cfg.Logger.With(zap.String("session", seg.Session().String())),
		pending:   newCorrelationTable(),
		vcpus:     make([]*vcpuContext, guest.VCPUs()),
		warnLimit: rate.NewLimiter(rate.Every(time.Second), 10),
	}
	for i := range m.vcpus {
		m.vcpus[i] = &vcpuContext{}
	}
	m.SetPolicy(policy)
	return m, nil
}

// SetPolicy atomically replaces the intercept policy. nil intercepts nothing.
func (m *Manager) SetPolicy(p *Policy) {
	if p == nil {
		p = PassThroughPolicy()
	}
	m.policy.Store(p)
}

// Policy returns the active policy.
func (m *Manager) Policy() *Policy { return m.policy.Load() }

// Stats returns the live counters.
func (m *Manager) Stats() *Stats { return &m.stats }

// Guest returns the Guest Access Service the Manager applies actions through.
func (m *Manager) Guest() *Guest { return m.guest }

// Pending returns the number of events awaiting a response.
func (m *Manager) Pending() int { return m.pending.len() }

// State returns vcpu's current state.
func (m *Manager) State(vcpu uint32) VCPUState {
	if int(vcpu) >= len(m.vcpus) {
		return StateIdle
	}
	return VCPUState(m.vcpus[vcpu].state.Load())
}

// Connected reports the client liveness observed by the last check.
func (m *Manager) Connected() bool { return m.connected.Load() }

func (m *Manager) clientAlive() bool {
	if m.seg.ClientState() != ClientAttached {
		return false
	}
	age := m.cfg.Clock() - m.seg.ClientHeartbeat()
	return age <= m.cfg.LivenessTimeout.Nanoseconds()
}

// checkLiveness reports whether the client is alive and logs transitions.
func (m *Manager) checkLiveness() bool {
	alive := m.clientAlive()
	if prev := m.connected.Swap(alive); prev != alive {
		if alive {
			m.logger.Info("Introspection client attached")
		} else {
			m.stats.recordDisconnect()
			m.logger.Warn("Introspection client lost; passing exits through",
				zap.Stringer("client_state", m.seg.ClientState()),
				zap.Duration("liveness_timeout", m.cfg.LivenessTimeout))
		}
	}
	return alive
}

func (m *Manager) warn(msg string, fields ...zap.Field) {
	if m.warnLimit.Allow() {
		m.logger.Warn(msg, fields...)
	}
}

// HandleExit runs one exit of vcpu through translation, filtering,
// publication and response handling, and applies the resulting action. It
// blocks at most for the response timeout. The returned Verdict is always
// usable; a non-nil error explains why it is not the client's decision or
// why applying it failed.
func (m *Manager) HandleExit(ctx context.Context, vcpu uint32, exit *ExitRecord) (Verdict, error) {
	if int(vcpu) >= len(m.vcpus) {
		return Verdict{Action: Continue()}, &Error{Code: CodeInvalidVCPU, Op: "handle_exit", Addr: uint64(vcpu)}
	}
	if exit == nil {
		return Verdict{Action: Continue()}, &Error{Code: CodeMalformedExit, Op: "handle_exit", Addr: uint64(vcpu)}
	}
	vc := m.vcpus[vcpu]
	vc.mu.Lock()
	defer vc.mu.Unlock()
	defer vc.setState(StateIdle)

	ev, err := Translate(exit, vcpu, m.guest)
	vc.setState(StateTranslated)
	if err != nil {
		if errors.Is(err, ErrUnsupportedExit) {
			m.stats.recordUnsupported()
		} else {
			m.stats.recordTranslationError()
			m.warn("Failed to translate exit",
				zap.Uint32("vcpu", vcpu),
				zap.Stringer("reason", exit.Reason),
				zap.Error(err))
		}
		return m.passThrough(vc, vcpu, nil), nil
	}

	if !m.policy.Load().ShouldIntercept(&ev) {
		return m.passThrough(vc, vcpu, &ev), nil
	}
	if !m.checkLiveness() {
		if vc.singleStep {
			m.disarmSingleStep(vc, vcpu)
		}
		return m.passThrough(vc, vcpu, &ev), nil
	}
	return m.publish(ctx, vc, vcpu, &ev)
}

func (m *Manager) passThrough(vc *vcpuContext, vcpu uint32, ev *Event) Verdict {
	vc.setState(StatePassThrough)
	m.stats.recordPassThrough()
	if ev != nil && vc.singleStep && isDebugTrap(ev) {
		m.disarmSingleStep(vc, vcpu)
	}
	return Verdict{Action: Continue(), Outcome: OutcomePassThrough}
}

func (m *Manager) publish(ctx context.Context, vc *vcpuContext, vcpu uint32, ev *Event) (Verdict, error) {
	vc.setState(StatePublished)
	m.drainStale(vc, vcpu)

	ev.ID = m.nextID.Add(1)
	if err := encodeEvent(vc.tx[:], ev); err != nil {
		m.stats.recordTranslationError()
		return m.passThrough(vc, vcpu, nil), err
	}

	now := time.Now()
	deadline := now.Add(m.cfg.ResponseTimeout)
	if err := m.pending.insert(ev.ID, pendingEvent{vcpu: vcpu, published: now, deadline: deadline}); err != nil {
		return m.passThrough(vc, vcpu, nil), err
	}

	events := m.seg.EventRing(vcpu)
	if !m.push(ctx, events, vc.tx[:], deadline) {
		m.pending.remove(ev.ID)
		m.stats.recordDrop()
		m.warn("Event ring full; dropping event",
			zap.Uint32("vcpu", vcpu),
			zap.Uint64("event_id", ev.ID),
			zap.Stringer("kind", ev.Kind()),
			zap.Stringer("backpressure", m.cfg.Backpressure))
		return Verdict{EventID: ev.ID, Action: Continue(), Outcome: OutcomeDropped},
			&Error{Code: CodeRingFull, Op: "publish", Addr: ev.ID}
	}
	m.stats.recordPublished()

	vc.setState(StateAwaitingResponse)
	action, outcome, waitErr := m.await(ctx, vc, vcpu, ev.ID, now, deadline)
	vc.setState(StateResolved)

	verdict := Verdict{
		EventID:  ev.ID,
		Action:   action,
		Suppress: action.Kind == ActionSkip,
		Outcome:  outcome,
	}
	if outcome == OutcomeDetached {
		if vc.singleStep {
			m.disarmSingleStep(vc, vcpu)
		}
		return verdict, waitErr
	}
	if err := m.apply(vc, vcpu, ev, action); err != nil {
		return verdict, errors.Join(waitErr, err)
	}
	return verdict, waitErr
}

// push writes rec to ring, honoring the backpressure policy.
func (m *Manager) push(ctx context.Context, ring *Ring, rec []byte, deadline time.Time) bool {
	if ring.TryPush(rec) {
		return true
	}
	if m.cfg.Backpressure != BackpressureBlock {
		return false
	}
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil || !m.checkLiveness() {
			return false
		}
		ring.WaitWritable(min(remaining, maxWaitSlice))
		if ring.TryPush(rec) {
			return true
		}
	}
}

// drainStale discards everything left on vcpu's Response Ring before a new
// event is published. Anything found there answers an event that is no
// longer pending.
func (m *Manager) drainStale(vc *vcpuContext, vcpu uint32) {
	responses := m.seg.ResponseRing(vcpu)
	for responses.TryPop(vc.rx[:]) {
		if recordType(vc.rx[:]) == recQuery {
			m.serveQuery(vc, vcpu, 0)
			continue
		}
		m.stats.recordProtocolViolation()
		m.warn("Discarding stale record",
			zap.Uint32("vcpu", vcpu),
			zap.Uint64("event_id", le.Uint64(vc.rx[offID:])),
			zap.Uint16("record_type", recordType(vc.rx[:])))
	}
}

// await blocks until the pending event id is resolved.
func (m *Manager) await(ctx context.Context, vc *vcpuContext, vcpu uint32, id uint64, published, deadline time.Time) (Action, Outcome, error) {
	responses := m.seg.ResponseRing(vcpu)
	for {
		for responses.TryPop(vc.rx[:]) {
			switch recordType(vc.rx[:]) {
			case recDecision:
				resp, err := decodeResponse(vc.rx[:])
				if err != nil {
					m.stats.recordProtocolViolation()
					m.warn("Discarding malformed response", zap.Uint32("vcpu", vcpu), zap.Error(err))
					continue
				}
				if resp.EventID != id || resp.VCPU != vcpu {
					m.stats.recordProtocolViolation()
					m.warn("Discarding response for non-pending event",
						zap.Uint32("vcpu", vcpu),
						zap.Uint64("event_id", resp.EventID),
						zap.Uint64("pending_id", id))
					continue
				}
				if _, ok := m.pending.remove(id); !ok {
					m.stats.recordProtocolViolation()
					continue
				}
				m.stats.recordResponse(time.Since(published))
				return resp.Action, OutcomeResponded, nil
			case recQuery:
				m.serveQuery(vc, vcpu, id)
			default:
				m.stats.recordProtocolViolation()
				m.warn("Discarding unexpected record",
					zap.Uint32("vcpu", vcpu),
					zap.Uint16("record_type", recordType(vc.rx[:])))
			}
		}

		if err := ctx.Err(); err != nil {
			m.pending.remove(id)
			m.stats.recordCanceled()
			return m.timeoutAction(), OutcomeCanceled, err
		}
		if !m.checkLiveness() {
			m.pending.remove(id)
			m.stats.recordDetached()
			return Continue(), OutcomeDetached, &Error{Code: CodeClientDetached, Op: "await", Addr: id}
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			m.pending.remove(id)
			m.stats.recordTimeout()
			m.warn("Response timeout; applying default action",
				zap.Uint32("vcpu", vcpu),
				zap.Uint64("event_id", id),
				zap.Stringer("action", m.cfg.TimeoutAction))
			return m.timeoutAction(), OutcomeTimedOut, &Error{Code: CodeTimeout, Op: "await", Addr: id}
		}
		responses.WaitReadable(min(remaining, maxWaitSlice))
	}
}

func (m *Manager) timeoutAction() Action {
	if m.cfg.TimeoutAction == TimeoutSkip {
		return Skip()
	}
	return Continue()
}

// serveQuery answers the query in vc.rx. pendingID is the event vcpu is
// paused on, or zero when nothing is pending.
func (m *Manager) serveQuery(vc *vcpuContext, vcpu uint32, pendingID uint64) {
	q, err := decodeQuery(vc.rx[:])
	r := reply{EventID: q.EventID, VCPU: vcpu, Seq: q.Seq, Op: q.Op}
	switch {
	case err != nil:
		m.stats.recordProtocolViolation()
		r.Status = StatusBadRequest
	case pendingID == 0 || q.EventID != pendingID || q.VCPU != vcpu:
		m.stats.recordProtocolViolation()
		r.Status = StatusNotPending
	default:
		m.execQuery(vcpu, &q, &r)
		m.stats.recordQuery()
	}

	encodeReply(vc.tx[:], &r)
	events := m.seg.EventRing(vcpu)
	if !events.TryPush(vc.tx[:]) && !(events.WaitWritable(maxWaitSlice) && events.TryPush(vc.tx[:])) {
		m.stats.recordDrop()
		m.warn("Event ring full; dropping query reply",
			zap.Uint32("vcpu", vcpu),
			zap.Stringer("op", q.Op))
	}
}

func (m *Manager) execQuery(vcpu uint32, q *query, r *reply) {
	var err error
	switch q.Op {
	case QueryReadPhysical, QueryReadVirtual:
		n := int(q.Length)
		if n <= 0 || n > MaxPayload {
			r.Status = StatusBadRequest
			return
		}
		if q.Op == QueryReadPhysical {
			r.Data, err = m.guest.ReadPhysical(q.Addr, n)
		} else {
			r.Data, err = m.guest.ReadVirtual(vcpu, q.Addr, n)
		}
	case QueryWritePhysical:
		err = m.guest.WritePhysical(q.Addr, q.Data)
	case QueryWriteVirtual:
		err = m.guest.WriteVirtual(vcpu, q.Addr, q.Data)
	case QueryTranslate:
		r.Value, err = m.guest.TranslateVirtual(vcpu, q.Addr)
	case QueryRegisters:
		r.Registers, err = m.guest.Registers(vcpu)
	default:
		r.Status = StatusBadRequest
		return
	}
	r.Status = queryStatus(err)
	if err != nil {
		r.Data = nil
		m.logger.Debug("Guest query failed",
			zap.Uint32("vcpu", vcpu),
			zap.Stringer("op", q.Op),
			zap.Uint64("addr", q.Addr),
			zap.Error(err))
	}
}

func queryStatus(err error) QueryStatus {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrOutOfBounds):
		return StatusOutOfBounds
	case errors.Is(err, ErrTranslationFault):
		return StatusTranslationFault
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrInvalidVCPU):
		return StatusBadRequest
	default:
		return StatusFailed
	}
}

// apply performs action on the guest and maintains single-step state.
func (m *Manager) apply(vc *vcpuContext, vcpu uint32, ev *Event, action Action) error {
	var err error
	switch action.Kind {
	case ActionContinue, ActionSkip:
	case ActionInjectException:
		err = m.guest.InjectException(vcpu, action.Vector, action.ErrorCode)
	case ActionSetRegisters:
		err = m.guest.SetRegisters(vcpu, action.Registers)
	case ActionEnableSingleStep:
		if err = m.guest.EnableSingleStep(vcpu); err == nil {
			vc.singleStep = true
		}
	default:
		err = &Error{Code: CodeBadRecord, Op: "apply", Addr: uint64(action.Kind)}
	}

	if vc.singleStep && action.Kind != ActionEnableSingleStep && isDebugTrap(ev) {
		m.disarmSingleStep(vc, vcpu)
	}

	if err != nil {
		m.stats.recordApplyError()
		m.warn("Failed to apply action",
			zap.Uint32("vcpu", vcpu),
			zap.Uint64("event_id", ev.ID),
			zap.Stringer("action", action),
			zap.Error(err))
		return err
	}
	m.stats.recordApplied()
	return nil
}

func (m *Manager) disarmSingleStep(vc *vcpuContext, vcpu uint32) {
	vc.singleStep = false
	if err := m.guest.DisableSingleStep(vcpu); err != nil {
		m.warn("Failed to disarm single-step", zap.Uint32("vcpu", vcpu), zap.Error(err))
	}
}

func isDebugTrap(ev *Event) bool {
	d, ok := ev.Detail.(Exception)
	return ok && d.Vector == vectorDebug
}

package vmi

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func popRecord(t *testing.T, r *Ring) [SlotSize]byte {
	t.Helper()
	var rec [SlotSize]byte
	deadline := time.Now().Add(2 * time.Second)
	for !r.TryPop(rec[:]) {
		require.True(t, time.Now().Before(deadline), "no record")
		r.WaitReadable(10 * time.Millisecond)
	}
	return rec
}

func TestClientAttachDetach(t *testing.T) {
	seg, err := NewHeapSegment(2, 4)
	require.NoError(t, err)
	assert.Equal(t, ClientAbsent, seg.ClientState())

	c := NewClient(seg, ClientOptions{Logger: zaptest.NewLogger(t)})
	assert.Equal(t, ClientAttached, seg.ClientState())
	assert.NotZero(t, seg.ClientHeartbeat())
	assert.Same(t, seg, c.Segment())

	require.NoError(t, c.Detach())
	assert.Equal(t, ClientDetached, seg.ClientState())
	require.NoError(t, c.Detach())
}

func TestClientHandlerFailuresContinue(t *testing.T) {
	env := newTestEnv(t, 1, mustPolicy(t, Rule{Kind: KindHypercall}), ManagerConfig{ResponseTimeout: 5 * time.Second})
	env.runClient(t, HandlerFunc(func(ctx context.Context, ec *EventContext) (Action, error) {
		switch ec.Event.Detail.(Hypercall).Number {
		case 1:
			return Skip(), errors.New("analysis failed")
		case 2:
			return InjectException(40, 0), nil
		}
		return Skip(), nil
	}))

	for _, tt := range []struct {
		number uint64
		want   Action
	}{
		{1, Continue()},
		{2, Continue()},
		{3, Skip()},
	} {
		require.NoError(t, env.backend.SetRegisters(0, Registers{RAX: tt.number}))
		v, err := env.mgr.HandleExit(context.Background(), 0, hypercallExit)
		require.NoError(t, err)
		assert.Equal(t, OutcomeResponded, v.Outcome)
		assert.Equal(t, tt.want, v.Action, "hypercall %d", tt.number)
	}
	assert.Empty(t, env.backend.Injected(0))
}

func TestClientQueryTimeout(t *testing.T) {
	seg, err := NewHeapSegment(1, 4)
	require.NoError(t, err)
	c := NewClient(seg, ClientOptions{Logger: zaptest.NewLogger(t), QueryTimeout: 50 * time.Millisecond})

	queryErr := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, HandlerFunc(func(ctx context.Context, ec *EventContext) (Action, error) {
			_, err := ec.Registers(ctx)
			queryErr <- err
			return Skip(), nil
		}))
	}()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	var rec [SlotSize]byte
	require.NoError(t, encodeEvent(rec[:], &Event{ID: 7, Detail: Hypercall{Number: 1}}))
	require.True(t, seg.EventRing(0).TryPush(rec[:]))

	rec = popRecord(t, seg.ResponseRing(0))
	q, err := decodeQuery(rec[:])
	require.NoError(t, err)
	assert.Equal(t, QueryRegisters, q.Op)
	assert.Equal(t, uint64(7), q.EventID)
	assert.Equal(t, uint64(1), q.Seq)

	err = <-queryErr
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsTimeout(err))

	rec = popRecord(t, seg.ResponseRing(0))
	resp, err := decodeResponse(rec[:])
	require.NoError(t, err)
	assert.Equal(t, Response{EventID: 7, Action: Skip()}, resp)
}

func TestClientQueryAfterHostGaveUp(t *testing.T) {
	env := newTestEnv(t, 1, mustPolicy(t, Rule{Kind: KindHypercall}), ManagerConfig{ResponseTimeout: 200 * time.Millisecond})

	release := make(chan struct{})
	type stale struct {
		err     error
		expired bool
	}
	staleQuery := make(chan stale, 1)
	env.runClient(t, HandlerFunc(func(ctx context.Context, ec *EventContext) (Action, error) {
		if ec.Event.Detail.(Hypercall).Number != 1 {
			return Continue(), nil
		}
		<-release
		_, err := ec.Registers(ctx)
		staleQuery <- stale{err, ec.Expired()}
		return Skip(), nil
	}))

	require.NoError(t, env.backend.SetRegisters(0, Registers{RAX: 1}))
	v, err := env.mgr.HandleExit(context.Background(), 0, hypercallExit)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, OutcomeTimedOut, v.Outcome)

	require.NoError(t, env.backend.SetRegisters(0, Registers{RAX: 2}))
	res := handleAsync(env.mgr, 0, hypercallExit)
	require.Eventually(t, func() bool {
		n, err := env.seg.EventRing(0).Len()
		return err == nil && n == 1
	}, 2*time.Second, time.Millisecond)
	close(release)

	s := <-staleQuery
	assert.ErrorIs(t, s.err, ErrUnknownEvent)
	assert.True(t, s.expired)

	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, OutcomeResponded, r.verdict.Outcome)
	assert.Equal(t, Continue(), r.verdict.Action)
	assert.Equal(t, uint64(1), env.mgr.Stats().Snapshot().ProtocolViolations)
}

func TestClientRejectsBadAccess(t *testing.T) {
	env := newTestEnv(t, 1, mustPolicy(t, Rule{Kind: KindCPUIDQuery}), ManagerConfig{ResponseTimeout: 5 * time.Second})
	errs := make(chan error, 3)
	env.runClient(t, HandlerFunc(func(ctx context.Context, ec *EventContext) (Action, error) {
		_, err := ec.ReadPhysical(ctx, 0, 0)
		errs <- err
		_, err = ec.ReadVirtual(ctx, 0, MaxAccess+1)
		errs <- err
		errs <- ec.WritePhysical(ctx, 0, nil)
		return Continue(), nil
	}))

	_, err := env.mgr.HandleExit(context.Background(), 0, &ExitRecord{Reason: ExitCPUID})
	require.NoError(t, err)
	for i := range 3 {
		assert.ErrorIs(t, <-errs, ErrInvalidArgument, fmt.Sprint(i))
	}
	assert.Zero(t, env.mgr.Stats().Snapshot().QueriesServed)
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(ErrTimeout))
	assert.True(t, IsTimeout(&Error{Code: CodeTimeout, Op: "await"}))
	assert.True(t, IsTimeout(fmt.Errorf("wait: %w", context.DeadlineExceeded)))
	assert.False(t, IsTimeout(ErrOutOfBounds))
	assert.False(t, IsTimeout(nil))
}

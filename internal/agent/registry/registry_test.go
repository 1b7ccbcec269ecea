package registry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/sessionhub/internal/agent/dispatch"
	"github.com/kandev/sessionhub/internal/agent/execctx"
	"github.com/kandev/sessionhub/internal/agent/lifecycle"
	"github.com/kandev/sessionhub/internal/agent/notify"
	"github.com/kandev/sessionhub/internal/agent/session"
	"github.com/kandev/sessionhub/internal/agent/tasks"
	apperrors "github.com/kandev/sessionhub/internal/common/errors"
	"github.com/kandev/sessionhub/internal/common/logger"
	"github.com/kandev/sessionhub/internal/events"
	"github.com/kandev/sessionhub/internal/events/bus"
)

type echoAgent struct {
	Type   string
	Bridge *notify.Bridge
}

type brokenAgent struct{}

func (brokenAgent) Cleanup() error { return errors.New("cleanup failed") }

type startedNotifier struct{}

func (startedNotifier) AgentStarted(ctx context.Context, ev notify.Event) error { return nil }

// blockingNotifier builds its bridge only once ctx is cancelled.
type blockingNotifier struct{ entered chan struct{} }

func (b *blockingNotifier) SessionBridgeContext(ctx context.Context, ectx *execctx.Context) (*notify.Bridge, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

// gatedBridgeBuilder holds its bridge hook until release is closed.
type gatedBridgeBuilder struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBridgeBuilder) SessionBridgeContext(ctx context.Context, ectx *execctx.Context) (*notify.Bridge, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return notify.NewBridge(g, ectx.UserID, logger.NewNop()), nil
}

// countingAgent records how often it was released.
type countingAgent struct{ cleanups atomic.Int32 }

func (a *countingAgent) Cleanup() error {
	a.cleanups.Add(1)
	return nil
}

type hookAgent struct{ onCleanup func() }

func (a hookAgent) Cleanup() error {
	a.onCleanup()
	return nil
}

func newTestRegistry(t *testing.T) *SessionRegistry {
	t.Helper()
	r := New(DefaultOptions(), logger.NewNop())
	t.Cleanup(func() { r.Shutdown(time.Second) })
	return r
}

func echoFactory() dispatch.Factory {
	return dispatch.Sync(func(ectx *execctx.Context, b *notify.Bridge) (any, error) {
		return &echoAgent{Type: ectx.AgentName, Bridge: b}, nil
	})
}

func TestGetOrCreateSession_Identity(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	const n = 64
	results := make([]*session.AgentSession, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := r.GetOrCreateSession(ctx, "u1")
			assert.NoError(t, err)
			results[i] = s
		}()
	}
	wg.Wait()

	for _, s := range results {
		assert.Same(t, results[0], s)
	}
	assert.Equal(t, 1, r.SessionCount())

	other, err := r.GetOrCreateSession(ctx, "u2")
	require.NoError(t, err)
	assert.NotSame(t, results[0], other)

	_, err = r.GetOrCreateSession(ctx, "")
	assert.True(t, apperrors.IsInvalidArgument(err))
}

func TestSessions_Isolation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	for round := range 50 {
		a := fmt.Sprintf("user-%d", rng.Intn(1_000_000))
		b := fmt.Sprintf("user-%d-%d", rng.Intn(1_000_000), round)

		sa, err := r.GetOrCreateSession(ctx, a)
		require.NoError(t, err)
		sb, err := r.GetOrCreateSession(ctx, b)
		require.NoError(t, err)

		before := sb.AgentTypes()
		agentType := fmt.Sprintf("agent-%d", rng.Intn(10))
		sa.RegisterAgent(agentType, &echoAgent{Type: agentType}, nil)
		require.NoError(t, sa.SetNotificationBridge(ctx, startedNotifier{}, nil))

		assert.Equal(t, before, sb.AgentTypes())
		got, ok := r.GetUserAgent(a, agentType)
		require.True(t, ok)
		if other, ok := r.GetUserAgent(b, agentType); ok {
			assert.NotSame(t, got, other)
		}
	}
}

func TestScenarioA_EchoFactory(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.RegisterFactory("echo", echoFactory(), []string{"demo"}, "echoes its type"))

	inst, err := r.CreateAgentForUser(ctx, "u1", "echo", execctx.New("u1", "t1", "r1"), nil)
	require.NoError(t, err)
	assert.Equal(t, "echo", inst.(*echoAgent).Type)

	got, ok := r.GetUserAgent("u1", "echo")
	require.True(t, ok)
	assert.Same(t, inst, got)

	_, ok = r.GetUserAgent("u2", "echo")
	assert.False(t, ok)

	s, _ := r.Session("u1")
	child, ok := s.Context("echo")
	require.True(t, ok)
	assert.Equal(t, "t1", child.ThreadID)
	assert.NotEqual(t, "r1", child.RunID)
	require.NotNil(t, child.Parent())
	assert.Equal(t, "r1", child.Parent().RunID)
}

func TestCreateAgentForUser_Errors(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Register("shared", &echoAgent{Type: "shared"}))
	require.NoError(t, r.RegisterFactory("echo", echoFactory(), nil, ""))

	_, err := r.CreateAgentForUser(ctx, "u1", "missing", nil, nil)
	assert.True(t, apperrors.IsNotFound(err))

	_, err = r.CreateAgentForUser(ctx, "u1", "shared", nil, nil)
	assert.True(t, apperrors.IsInvalidArgument(err))

	_, err = r.CreateAgentForUser(ctx, "", "echo", nil, nil)
	assert.True(t, apperrors.IsInvalidArgument(err))

	_, err = r.CreateAgentForUser(ctx, "u1", "", nil, nil)
	assert.True(t, apperrors.IsInvalidArgument(err))

	_, err = r.CreateAgentForUser(ctx, "u1", "echo", execctx.New("u2", "", ""), nil)
	assert.True(t, apperrors.IsInvalidArgument(err))

	assert.Equal(t, 0, r.SessionCount())
}

func TestCreateAgentForUser_InjectsCurrentSessionBridge(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.RegisterFactory("echo", echoFactory(), nil, ""))

	inst, err := r.CreateAgentForUser(ctx, "u1", "echo", nil, startedNotifier{})
	require.NoError(t, err)

	agent := inst.(*echoAgent)
	require.NotNil(t, agent.Bridge)
	assert.Equal(t, "u1", agent.Bridge.UserID())
	assert.Same(t, r.SessionBridge("u1"), agent.Bridge)
	assert.Nil(t, r.SessionBridge("u2"))
}

func TestCreateAgentForUser_FactoryFallback(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.RegisterFactory("legacy", dispatch.Sync(func(ectx *execctx.Context, b *notify.Bridge) (any, error) {
		if b != nil {
			return nil, errors.New("unexpected bridge argument")
		}
		return &echoAgent{Type: "legacy"}, nil
	}), nil, ""))
	require.NoError(t, r.RegisterFactory("legacy-async", dispatch.Async(func(ctx context.Context, ectx *execctx.Context, b *notify.Bridge) *dispatch.Future {
		if b != nil {
			return dispatch.Resolved(nil, errors.New("unexpected bridge argument"))
		}
		return dispatch.Resolved(&echoAgent{Type: "legacy-async"}, nil)
	}), nil, ""))

	for _, key := range []string{"legacy", "legacy-async"} {
		inst, err := r.CreateAgentForUser(ctx, "u1", key, nil, startedNotifier{})
		require.NoError(t, err, key)
		assert.Equal(t, key, inst.(*echoAgent).Type)
	}

	ectx := execctx.New("u1", "", "")
	got, err := r.Get(ctx, "legacy", ectx)
	require.NoError(t, err)
	assert.Equal(t, "legacy", got.(*echoAgent).Type)

	got, err = r.GetAsync(ctx, "legacy-async", ectx).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "legacy-async", got.(*echoAgent).Type)

	_, err = r.Get(tasks.WithLoop(ctx), "legacy-async", ectx)
	assert.True(t, apperrors.IsConcurrencyMisuse(err))
}

func TestRemoveUserAgent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.RegisterFactory("echo", echoFactory(), nil, ""))
	_, err := r.CreateAgentForUser(ctx, "u1", "echo", nil, nil)
	require.NoError(t, err)

	assert.True(t, r.RemoveUserAgent("u1", "echo"))
	assert.False(t, r.RemoveUserAgent("u1", "echo"))
	assert.False(t, r.RemoveUserAgent("ghost", "echo"))
	_, ok := r.GetUserAgent("u1", "echo")
	assert.False(t, ok)
}

func TestResetUserAgents(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	r.SetGlobalNotifier(ctx, startedNotifier{}).Wait(ctx)

	old, err := r.GetOrCreateSession(ctx, "u1")
	require.NoError(t, err)
	old.RegisterAgent("a", &echoAgent{}, nil)

	fresh, err := r.ResetUserAgents(ctx, "u1")
	require.NoError(t, err)

	assert.NotSame(t, old, fresh)
	assert.Equal(t, 0, old.AgentCount())
	assert.Equal(t, 0, fresh.AgentCount())
	assert.NotNil(t, fresh.Bridge())

	current, _ := r.Session("u1")
	assert.Same(t, fresh, current)

	_, err = r.ResetUserAgents(ctx, "")
	assert.True(t, apperrors.IsInvalidArgument(err))
}

func TestCleanupUserSession_Unconditional(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	s, err := r.GetOrCreateSession(ctx, "u1")
	require.NoError(t, err)
	s.RegisterAgent("broken", brokenAgent{}, nil)
	s.RegisterAgent("fine", &echoAgent{}, nil)

	result, err := r.CleanupUserSession("u1")
	require.NoError(t, err)
	assert.True(t, result.Removed)
	assert.Equal(t, 2, result.AgentsCleaned)
	assert.ErrorContains(t, result.Err(), "cleanup failed")

	_, ok := r.MonitorAllUsers().Sessions["u1"]
	assert.False(t, ok)
	assert.Equal(t, 0, r.SessionCount())

	_, err = r.CleanupUserSession("u1")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestCleanupUserSession_RemoveOnSuccessPolicy(t *testing.T) {
	opts := DefaultOptions()
	opts.Policy = lifecycle.PolicyRemoveOnSuccess
	r := New(opts, logger.NewNop())
	defer r.Shutdown(time.Second)

	s, err := r.GetOrCreateSession(context.Background(), "u1")
	require.NoError(t, err)
	s.RegisterAgent("broken", brokenAgent{}, nil)

	result, err := r.CleanupUserSession("u1")
	require.NoError(t, err)
	assert.False(t, result.Removed)
	assert.Equal(t, 1, r.SessionCount())
}

func TestMonitorAllUsers(t *testing.T) {
	opts := DefaultOptions()
	opts.Thresholds = lifecycle.Thresholds{MaxAgentsPerSession: 1, MaxSessions: 1, MaxTotalAgents: 2}
	r := New(opts, logger.NewNop())
	defer r.Shutdown(time.Second)
	ctx := context.Background()

	busy, _ := r.GetOrCreateSession(ctx, "busy")
	busy.RegisterAgent("a", &echoAgent{}, nil)
	busy.RegisterAgent("b", &echoAgent{}, nil)
	idle, _ := r.GetOrCreateSession(ctx, "idle")
	idle.RegisterAgent("a", &echoAgent{}, nil)

	report := r.MonitorAllUsers()
	assert.Equal(t, 2, report.TotalSessions)
	assert.Equal(t, 3, report.TotalAgents)
	assert.Equal(t, 1, report.Healthy)
	assert.Equal(t, 1, report.Warnings)
	assert.Equal(t, lifecycle.StatusWarning, report.Sessions["busy"].Status)
	assert.Len(t, report.Issues, 2)

	assert.Equal(t, 2, r.SessionCount(), "monitoring must not mutate")
}

func TestEmergencyCleanupAll_Totality(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	const k = 7
	for i := range k {
		s, err := r.GetOrCreateSession(ctx, fmt.Sprintf("u%d", i))
		require.NoError(t, err)
		s.RegisterAgent("fine", &echoAgent{}, nil)
		if i%2 == 0 {
			s.RegisterAgent("broken", brokenAgent{}, nil)
		}
	}

	report := r.EmergencyCleanupAll()

	assert.Equal(t, 0, r.SessionCount())
	assert.Equal(t, k, report.UsersCleaned)
	assert.Equal(t, k+4, report.AgentsCleaned)
	assert.Len(t, report.Errors, 4)
	assert.Empty(t, r.MonitorAllUsers().Sessions)
}

func TestScenarioB_GlobalNotifierFanout(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	var existing []*session.AgentSession
	for _, u := range []string{"u1", "u2", "u3"} {
		s, err := r.GetOrCreateSession(ctx, u)
		require.NoError(t, err)
		existing = append(existing, s)
	}

	task := r.SetGlobalNotifier(ctx, startedNotifier{})
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, task.Wait(waitCtx))

	bridges := map[*notify.Bridge]bool{}
	for _, s := range existing {
		require.NotNil(t, s.Bridge())
		bridges[s.Bridge()] = true
	}
	assert.Len(t, bridges, 3, "every session gets its own bridge")

	late, err := r.GetOrCreateSession(ctx, "u4")
	require.NoError(t, err)
	assert.NotNil(t, late.Bridge())
}

func TestScenarioB_ShutdownCancelsPendingFanout(t *testing.T) {
	r := New(DefaultOptions(), logger.NewNop())
	ctx := context.Background()

	for _, u := range []string{"u1", "u2", "u3"} {
		_, err := r.GetOrCreateSession(ctx, u)
		require.NoError(t, err)
	}

	n := &blockingNotifier{entered: make(chan struct{}, 1)}
	task := r.SetGlobalNotifier(ctx, n)
	<-n.entered

	start := time.Now()
	remaining := r.Shutdown(time.Second)

	assert.Equal(t, 0, remaining)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, task.Err(), context.Canceled)
}

func TestSessionEventsPublished(t *testing.T) {
	r := newTestRegistry(t)
	eventBus := bus.NewMemoryEventBus(logger.NewNop())
	defer eventBus.Close()
	r.SetEventBus(eventBus)

	received := make(chan *bus.Event, 8)
	_, err := eventBus.Subscribe(events.AllSessionEvents, func(ctx context.Context, e *bus.Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	_, err = r.GetOrCreateSession(context.Background(), "u1")
	require.NoError(t, err)
	_, err = r.CleanupUserSession("u1")
	require.NoError(t, err)

	seen := map[string]bool{}
	timeout := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case e := <-received:
			assert.Equal(t, "u1", e.UserID)
			seen[e.Type] = true
		case <-timeout:
			t.Fatalf("timed out, saw %v", seen)
		}
	}
	assert.True(t, seen[events.SessionCreated])
	assert.True(t, seen[events.SessionCleaned])
}

func TestGetOrCreateSession_RebuildsWhenNotifierReplacedMidBuild(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	gated := &gatedBridgeBuilder{entered: make(chan struct{}, 1), release: make(chan struct{})}
	require.NoError(t, r.SetGlobalNotifier(ctx, gated).Wait(ctx))

	created := make(chan *session.AgentSession, 1)
	go func() {
		s, err := r.GetOrCreateSession(ctx, "u1")
		assert.NoError(t, err)
		created <- s
	}()
	<-gated.entered

	replacement := startedNotifier{}
	require.NoError(t, r.SetGlobalNotifier(ctx, replacement).Wait(ctx))
	close(gated.release)

	var s *session.AgentSession
	select {
	case s = <-created:
	case <-time.After(2 * time.Second):
		t.Fatal("session creation did not finish")
	}
	require.NotNil(t, s)
	require.NotNil(t, s.Bridge())
	assert.Equal(t, replacement, s.Bridge().Unwrap())

	current, ok := r.Session("u1")
	require.True(t, ok)
	assert.Same(t, s, current)
	assert.Same(t, current.Bridge(), r.SessionBridge("u1"))
}

func TestCreateAgentForUser_ReleasesAgentWhenSessionClosedDuringConstruction(t *testing.T) {
	cases := []struct {
		name    string
		trigger func(t *testing.T, r *SessionRegistry)
	}{
		{"reset", func(t *testing.T, r *SessionRegistry) {
			_, err := r.ResetUserAgents(context.Background(), "u1")
			require.NoError(t, err)
		}},
		{"cleanup", func(t *testing.T, r *SessionRegistry) {
			_, err := r.CleanupUserSession("u1")
			require.NoError(t, err)
		}},
		{"emergency", func(t *testing.T, r *SessionRegistry) {
			r.EmergencyCleanupAll()
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRegistry(t)
			ctx := context.Background()

			agent := &countingAgent{}
			entered := make(chan struct{})
			proceed := make(chan struct{})
			require.NoError(t, r.RegisterFactory("slow", dispatch.Sync(func(ectx *execctx.Context, b *notify.Bridge) (any, error) {
				close(entered)
				<-proceed
				return agent, nil
			}), nil, ""))

			errs := make(chan error, 1)
			go func() {
				_, err := r.CreateAgentForUser(ctx, "u1", "slow", nil, nil)
				errs <- err
			}()
			<-entered
			tc.trigger(t, r)
			close(proceed)

			err := <-errs
			assert.True(t, apperrors.IsConflict(err), "got %v", err)
			assert.Equal(t, int32(1), agent.cleanups.Load())
			_, ok := r.GetUserAgent("u1", "slow")
			assert.False(t, ok)
		})
	}
}

func TestCreateAgentForUser_ReleasesAgentFinishedAfterCancel(t *testing.T) {
	r := newTestRegistry(t)

	agent := &countingAgent{}
	entered := make(chan struct{})
	proceed := make(chan struct{})
	require.NoError(t, r.RegisterFactory("slow", dispatch.Async(func(ctx context.Context, ectx *execctx.Context, b *notify.Bridge) *dispatch.Future {
		return dispatch.Spawn(ctx, func(ctx context.Context) (any, error) {
			close(entered)
			<-proceed
			return agent, nil
		})
	}), nil, ""))

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := r.CreateAgentForUser(ctx, "u1", "slow", nil, nil)
		errs <- err
	}()
	<-entered
	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)

	close(proceed)
	assert.Eventually(t, func() bool { return agent.cleanups.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	_, ok := r.GetUserAgent("u1", "slow")
	assert.False(t, ok)
}

func TestResetUserAgents_DoesNotResurrectCleanedSession(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	old, err := r.GetOrCreateSession(ctx, "u1")
	require.NoError(t, err)
	var cleanup *lifecycle.CleanupResult
	old.RegisterAgent("racer", hookAgent{onCleanup: func() {
		var cerr error
		cleanup, cerr = r.CleanupUserSession("u1")
		assert.NoError(t, cerr)
	}}, nil)

	_, err = r.ResetUserAgents(ctx, "u1")
	assert.True(t, apperrors.IsConflict(err), "got %v", err)

	require.NotNil(t, cleanup)
	assert.True(t, cleanup.Removed)
	_, ok := r.Session("u1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.SessionCount())
}

func TestResetUserAgents_RemovesClosedSessionWhenRebuildFails(t *testing.T) {
	r := newTestRegistry(t)
	old, err := r.GetOrCreateSession(context.Background(), "u1")
	require.NoError(t, err)
	r.SetGlobalNotifier(context.Background(), startedNotifier{}).Wait(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.ResetUserAgents(ctx, "u1")
	assert.ErrorIs(t, err, context.Canceled)

	assert.True(t, old.Closed())
	_, ok := r.Session("u1")
	assert.False(t, ok)
}

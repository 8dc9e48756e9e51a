package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestra-labs/agentcore/runtime/agent/session"
)

// fakeClient is a hand-written stand-in for the low-level mongo.Client
// interface, used instead of a real MongoDB connection to exercise the
// Store's delegation logic.
type fakeClient struct {
	createSession     func(ctx context.Context, id string, createdAt time.Time) (session.Session, error)
	loadSession        func(ctx context.Context, id string) (session.Session, error)
	endSession         func(ctx context.Context, id string, endedAt time.Time) (session.Session, error)
	upsertRun          func(ctx context.Context, r session.RunMeta) error
	loadRun            func(ctx context.Context, runID string) (session.RunMeta, error)
	listRunsBySession  func(ctx context.Context, sessionID string, statuses []session.RunStatus) ([]session.RunMeta, error)
	calls              int
}

func (f *fakeClient) Name() string                  { return "fake-session-mongo" }
func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func (f *fakeClient) CreateSession(ctx context.Context, id string, createdAt time.Time) (session.Session, error) {
	f.calls++
	return f.createSession(ctx, id, createdAt)
}

func (f *fakeClient) LoadSession(ctx context.Context, id string) (session.Session, error) {
	f.calls++
	return f.loadSession(ctx, id)
}

func (f *fakeClient) EndSession(ctx context.Context, id string, endedAt time.Time) (session.Session, error) {
	f.calls++
	return f.endSession(ctx, id, endedAt)
}

func (f *fakeClient) UpsertRun(ctx context.Context, r session.RunMeta) error {
	f.calls++
	return f.upsertRun(ctx, r)
}

func (f *fakeClient) LoadRun(ctx context.Context, runID string) (session.RunMeta, error) {
	f.calls++
	return f.loadRun(ctx, runID)
}

func (f *fakeClient) ListRunsBySession(ctx context.Context, sessionID string, statuses []session.RunStatus) ([]session.RunMeta, error) {
	f.calls++
	return f.listRunsBySession(ctx, sessionID, statuses)
}

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(nil)
	require.EqualError(t, err, "client is required")
}

func TestCreateSessionDelegatesToClient(t *testing.T) {
	now := time.Now().UTC()
	expected := session.Session{
		ID:        "sess-1",
		Status:    session.StatusActive,
		CreatedAt: now,
		EndedAt:   nil,
	}
	fc := &fakeClient{
		createSession: func(ctx context.Context, id string, createdAt time.Time) (session.Session, error) {
			require.Equal(t, "sess-1", id)
			require.Equal(t, now, createdAt)
			return expected, nil
		},
	}
	store, err := NewStore(fc)
	require.NoError(t, err)

	sess, err := store.CreateSession(context.Background(), "sess-1", now)
	require.NoError(t, err)
	require.Equal(t, expected, sess)
	require.Equal(t, 1, fc.calls)
}

func TestLoadSessionDelegatesToClient(t *testing.T) {
	now := time.Now().UTC()
	expected := session.Session{
		ID:        "sess-1",
		Status:    session.StatusActive,
		CreatedAt: now,
	}
	fc := &fakeClient{
		loadSession: func(ctx context.Context, id string) (session.Session, error) {
			require.Equal(t, "sess-1", id)
			return expected, nil
		},
	}
	store, err := NewStore(fc)
	require.NoError(t, err)

	actual, err := store.LoadSession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, expected, actual)
	require.Equal(t, 1, fc.calls)
}

func TestEndSessionDelegatesToClient(t *testing.T) {
	now := time.Now().UTC()
	end := now.Add(time.Minute)
	expected := session.Session{
		ID:        "sess-1",
		Status:    session.StatusEnded,
		CreatedAt: now,
		EndedAt:   &end,
	}
	fc := &fakeClient{
		endSession: func(ctx context.Context, id string, endedAt time.Time) (session.Session, error) {
			require.Equal(t, "sess-1", id)
			require.Equal(t, end, endedAt)
			return expected, nil
		},
	}
	store, err := NewStore(fc)
	require.NoError(t, err)

	actual, err := store.EndSession(context.Background(), "sess-1", end)
	require.NoError(t, err)
	require.Equal(t, expected, actual)
	require.Equal(t, 1, fc.calls)
}

func TestUpsertRunDelegatesToClient(t *testing.T) {
	run := session.RunMeta{
		RunID:     "run-1",
		AgentID:   "agent",
		SessionID: "sess-1",
		Status:    session.RunStatusRunning,
	}
	fc := &fakeClient{
		upsertRun: func(ctx context.Context, r session.RunMeta) error {
			require.Equal(t, run, r)
			return nil
		},
	}
	store, err := NewStore(fc)
	require.NoError(t, err)

	require.NoError(t, store.UpsertRun(context.Background(), run))
	require.Equal(t, 1, fc.calls)
}

func TestLoadRunDelegatesToClient(t *testing.T) {
	expected := session.RunMeta{RunID: "run-1", AgentID: "agent", SessionID: "sess-1"}
	fc := &fakeClient{
		loadRun: func(ctx context.Context, runID string) (session.RunMeta, error) {
			require.Equal(t, "run-1", runID)
			return expected, nil
		},
	}
	store, err := NewStore(fc)
	require.NoError(t, err)

	actual, err := store.LoadRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, expected, actual)
	require.Equal(t, 1, fc.calls)
}

func TestListRunsBySessionDelegatesToClient(t *testing.T) {
	expected := []session.RunMeta{
		{RunID: "run-1", AgentID: "agent", SessionID: "sess-1", Status: session.RunStatusRunning},
		{RunID: "run-2", AgentID: "agent", SessionID: "sess-1", Status: session.RunStatusPending},
	}
	statuses := []session.RunStatus{session.RunStatusRunning, session.RunStatusPending}
	fc := &fakeClient{
		listRunsBySession: func(ctx context.Context, sessionID string, st []session.RunStatus) ([]session.RunMeta, error) {
			require.Equal(t, "sess-1", sessionID)
			require.Equal(t, statuses, st)
			return expected, nil
		},
	}
	store, err := NewStore(fc)
	require.NoError(t, err)

	actual, err := store.ListRunsBySession(context.Background(), "sess-1", statuses)
	require.NoError(t, err)
	require.Equal(t, expected, actual)
	require.Equal(t, 1, fc.calls)
}

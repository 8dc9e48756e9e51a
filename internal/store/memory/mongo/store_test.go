package mongo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	clientsmongo "github.com/orchestra-labs/agentcore/internal/store/memory/mongo/clients/mongo"
	"github.com/orchestra-labs/agentcore/runtime/agent/memory"
)

// fakeClient is a hand-written stand-in for clientsmongo.Client, used instead
// of a real MongoDB connection to exercise the Store's delegation logic.
type fakeClient struct {
	loadRun      func(ctx context.Context, agentID, runID string) (memory.Snapshot, error)
	appendEvents func(ctx context.Context, agentID, runID string, events []memory.Event) error
	calls        int
}

func (f *fakeClient) Name() string                  { return "fake-memory-mongo" }
func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func (f *fakeClient) LoadRun(ctx context.Context, agentID, runID string) (memory.Snapshot, error) {
	f.calls++
	return f.loadRun(ctx, agentID, runID)
}

func (f *fakeClient) AppendEvents(ctx context.Context, agentID, runID string, events []memory.Event) error {
	f.calls++
	return f.appendEvents(ctx, agentID, runID, events)
}

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(Options{})
	require.EqualError(t, err, "client is required")
}

func TestLoadRunDelegatesToClient(t *testing.T) {
	expected := memory.Snapshot{AgentID: "agent", RunID: "run"}
	fc := &fakeClient{
		loadRun: func(ctx context.Context, agentID, runID string) (memory.Snapshot, error) {
			require.Equal(t, "agent", agentID)
			require.Equal(t, "run", runID)
			return expected, nil
		},
	}
	store, err := NewStore(Options{Client: fc})
	require.NoError(t, err)

	actual, err := store.LoadRun(context.Background(), "agent", "run")
	require.NoError(t, err)
	require.Equal(t, expected, actual)
	require.Equal(t, 1, fc.calls)
}

func TestAppendEventsSkipsEmpty(t *testing.T) {
	fc := &fakeClient{}
	store, err := NewStore(Options{Client: fc})
	require.NoError(t, err)

	err = store.AppendEvents(context.Background(), "agent", "run")
	require.NoError(t, err)
	require.Equal(t, 0, fc.calls)
}

func TestAppendEventsDelegates(t *testing.T) {
	fc := &fakeClient{
		appendEvents: func(ctx context.Context, agentID, runID string, events []memory.Event) error {
			require.Equal(t, "agent", agentID)
			require.Equal(t, "run", runID)
			require.Len(t, events, 1)
			require.Equal(t, memory.EventToolCall, events[0].Type)
			return nil
		},
	}
	store, err := NewStore(Options{Client: fc})
	require.NoError(t, err)

	err = store.AppendEvents(context.Background(), "agent", "run", memory.Event{Type: memory.EventToolCall})
	require.NoError(t, err)
	require.Equal(t, 1, fc.calls)
}

func TestNewStoreFromMongoValidatesOptions(t *testing.T) {
	_, err := NewStoreFromMongo(clientsmongo.Options{})
	require.EqualError(t, err, "mongo client is required")
}

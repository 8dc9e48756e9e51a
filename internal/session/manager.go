// Package session resolves and maintains the mapping
// (tenant_id, conversation_id) -> (provider_conversation_id?, sdk_session_id)
// and wraps the resulting session handle with a memory strategy.
package session

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/orchestra-labs/agentcore/internal/apperr"
	"github.com/orchestra-labs/agentcore/internal/config"
	"github.com/orchestra-labs/agentcore/internal/store/postgres"
	agentmemory "github.com/orchestra-labs/agentcore/runtime/agent/memory"
)

// ConversationFactory asks a provider to mint a new provider-side
// conversation id (e.g. Anthropic/OpenAI's server-side conversation
// objects). Providers that don't support this return ErrUnsupported.
type ConversationFactory interface {
	NewConversation(ctx context.Context) (string, error)
	// ExpectedIDPrefix is the prefix a valid id from this provider carries
	// (e.g. "conv_"). A reused or newly-minted id failing this check is
	// discarded.
	ExpectedIDPrefix() string
}

// ErrUnsupported is returned by a ConversationFactory that cannot mint
// provider conversation ids.
var ErrUnsupported = apperr.New(apperr.KindInternal, "provider_conversation_unsupported", "provider does not support conversation creation")

// Handle is a session handle exposing the item read/write contract every
// memory strategy wraps.
type Handle interface {
	GetItems(ctx context.Context) ([]agentmemory.Event, error)
	AddItems(ctx context.Context, items []agentmemory.Event) error
}

// storeHandle adapts runtime/agent/memory.Store (keyed by agentID/runID) to
// Handle, keyed instead by the resolved session id so memory
// persists across runs that share a session rather than per-run.
type storeHandle struct {
	store     agentmemory.Store
	agentID   string
	sessionID string
}

func (h storeHandle) GetItems(ctx context.Context) ([]agentmemory.Event, error) {
	snap, err := h.store.LoadRun(ctx, h.agentID, h.sessionID)
	if err != nil {
		return nil, err
	}
	return snap.Events, nil
}

func (h storeHandle) AddItems(ctx context.Context, items []agentmemory.Event) error {
	return h.store.AppendEvents(ctx, h.agentID, h.sessionID, items...)
}

// Manager resolves ConversationSessionState and session handles.
type Manager struct {
	states    *postgres.SessionStateRepo
	memory    agentmemory.Store
	factories map[string]ConversationFactory
	cfg       config.SessionConfig
}

// NewManager constructs a Manager. factories maps provider name ("anthropic",
// "openai", ...) to its ConversationFactory; a provider absent from the map
// is treated as not supporting provider conversation creation.
func NewManager(states *postgres.SessionStateRepo, memory agentmemory.Store, factories map[string]ConversationFactory, cfg config.SessionConfig) *Manager {
	return &Manager{states: states, memory: memory, factories: factories, cfg: cfg}
}

// Resolution is the outcome of Resolve: the session id to bind the run to,
// plus the session handle (already wrapped by the requested MemoryStrategy)
// and the state to persist once the run completes via Manager.Save.
type Resolution struct {
	SessionID string
	Handle    Handle
	state     postgres.ConversationSessionState
}

// Resolve runs the session resolution algorithm for one turn against conversationID
// under provider.
func (m *Manager) Resolve(ctx context.Context, conversationID uuid.UUID, provider string, agentID string, strategy MemoryStrategy) (Resolution, error) {
	st, err := m.states.Get(ctx, conversationID)
	if err != nil {
		return Resolution{}, err
	}
	st.Provider = provider
	factory := m.factories[provider]

	// Step 1/2: reuse or mint a provider conversation id.
	providerConvID := st.ProviderConversationID
	if factory != nil {
		if providerConvID != "" && !strings.HasPrefix(providerConvID, factory.ExpectedIDPrefix()) {
			providerConvID = ""
		}
		if providerConvID == "" && !m.cfg.DisableProviderConversationCreation {
			if newID, err := factory.NewConversation(ctx); err == nil && strings.HasPrefix(newID, factory.ExpectedIDPrefix()) {
				providerConvID = newID
			}
		}
	} else {
		providerConvID = ""
	}

	// Step 3: acquire the session id to bind the handle to.
	var sessionID string
	switch {
	case providerConvID != "" && m.cfg.ForceProviderSessionRebind:
		sessionID = providerConvID
	case st.SDKSessionID != "":
		sessionID = st.SDKSessionID
	default:
		sessionID = conversationID.String()
	}

	handle := Handle(storeHandle{store: m.memory, agentID: agentID, sessionID: sessionID})
	if strategy != nil {
		handle = strategy.Wrap(handle)
	}

	st.ConversationID = conversationID
	st.ProviderConversationID = providerConvID
	st.SDKSessionID = sessionID

	return Resolution{SessionID: sessionID, Handle: handle, state: st}, nil
}

// Save persists the resolved state unconditionally.
func (m *Manager) Save(ctx context.Context, r Resolution) error {
	return m.states.Upsert(ctx, r.state)
}

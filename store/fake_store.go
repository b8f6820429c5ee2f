package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pantheon-labs/pantheon-core/wallet"
	"github.com/shopspring/decimal"
)

// FakeStore is an in-memory Store, grounded on the teacher's
// provider.Registry (sync.RWMutex-guarded map) pattern. It is used by the
// turn package's tests instead of a real database.
type FakeStore struct {
	mu sync.Mutex

	rooms     map[string]*Room
	agents    map[string]*Agent
	roomAgent []RoomAgent
	sessions  map[string]*Session
	turns     map[string][]*Turn // by sessionID
	messages  map[string][]*Message
	summaries map[string][]*SessionSummary
	audits    []*TurnContextAudit
	llmEvents []*LlmCallEvent
	toolEvents []*ToolCallEvent
	wallets   map[string]*wallet.Wallet
	txns      []*wallet.Transaction
	files     map[string]*UploadedFile

	activePricingVersion string
	multipliers          map[string]float64
}

// NewFakeStore builds an empty in-memory store.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		rooms:                map[string]*Room{},
		agents:               map[string]*Agent{},
		sessions:             map[string]*Session{},
		turns:                map[string][]*Turn{},
		messages:             map[string][]*Message{},
		summaries:            map[string][]*SessionSummary{},
		wallets:              map[string]*wallet.Wallet{},
		files:                map[string]*UploadedFile{},
		activePricingVersion: "test-version",
		multipliers:          map[string]float64{},
	}
}

// --- Seeding helpers (test-only) ---

func (f *FakeStore) PutRoom(r *Room)                 { f.mu.Lock(); defer f.mu.Unlock(); f.rooms[r.ID] = r }
func (f *FakeStore) PutAgent(a *Agent)                { f.mu.Lock(); defer f.mu.Unlock(); f.agents[a.ID] = a }
func (f *FakeStore) PutSession(s *Session)             { f.mu.Lock(); defer f.mu.Unlock(); f.sessions[s.ID] = s }
func (f *FakeStore) PutFile(uf *UploadedFile)          { f.mu.Lock(); defer f.mu.Unlock(); f.files[uf.ID] = uf }
func (f *FakeStore) SetPricing(version string, m map[string]float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activePricingVersion = version
	f.multipliers = m
}

func (f *FakeStore) AddRoomAgent(roomID, agentID string, position int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roomAgent = append(f.roomAgent, RoomAgent{RoomID: roomID, AgentID: agentID, Position: position})
}

// Turns/Messages/Events snapshot accessors (test-only, read latest state).
func (f *FakeStore) Turns(sessionID string) []*Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Turn{}, f.turns[sessionID]...)
}

func (f *FakeStore) Messages(sessionID string) []*Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Message{}, f.messages[sessionID]...)
}

func (f *FakeStore) LlmEvents() []*LlmCallEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*LlmCallEvent{}, f.llmEvents...)
}

func (f *FakeStore) ToolEvents() []*ToolCallEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*ToolCallEvent{}, f.toolEvents...)
}

func (f *FakeStore) Transactions() []*wallet.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*wallet.Transaction{}, f.txns...)
}

// --- pricing.Loader ---

func (f *FakeStore) LoadActivePricing() (string, map[string]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]float64, len(f.multipliers))
	for k, v := range f.multipliers {
		out[k] = v
	}
	return f.activePricingVersion, out, nil
}

// --- Store ---

// WithTx runs fn against the same FakeStore (acting as its own Tx handle).
// On success, staged mutations are already visible (the fake has no real
// rollback log); on error, a shadow copy is rolled back instead — see
// commit-or-rollback note below. For test simplicity, FakeStore snapshots
// mutable slices/maps before fn runs and restores them if fn errors, giving
// the same atomicity guarantee real callers rely on.
func (f *FakeStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	f.mu.Lock()
	snapshot := f.snapshotLocked()
	f.mu.Unlock()

	err := fn(ctx, f)
	if err != nil {
		f.mu.Lock()
		f.restoreLocked(snapshot)
		f.mu.Unlock()
		return err
	}
	return nil
}

type fakeSnapshot struct {
	turns      map[string][]*Turn
	messages   map[string][]*Message
	summaries  map[string][]*SessionSummary
	audits     []*TurnContextAudit
	llmEvents  []*LlmCallEvent
	toolEvents []*ToolCallEvent
	wallets    map[string]*wallet.Wallet
	txns       []*wallet.Transaction
}

func (f *FakeStore) snapshotLocked() fakeSnapshot {
	cpTurns := map[string][]*Turn{}
	for k, v := range f.turns {
		cpTurns[k] = append([]*Turn{}, v...)
	}
	cpMsgs := map[string][]*Message{}
	for k, v := range f.messages {
		cpMsgs[k] = append([]*Message{}, v...)
	}
	cpSum := map[string][]*SessionSummary{}
	for k, v := range f.summaries {
		cpSum[k] = append([]*SessionSummary{}, v...)
	}
	cpWallets := map[string]*wallet.Wallet{}
	for k, v := range f.wallets {
		cp := *v
		cpWallets[k] = &cp
	}
	return fakeSnapshot{
		turns:      cpTurns,
		messages:   cpMsgs,
		summaries:  cpSum,
		audits:     append([]*TurnContextAudit{}, f.audits...),
		llmEvents:  append([]*LlmCallEvent{}, f.llmEvents...),
		toolEvents: append([]*ToolCallEvent{}, f.toolEvents...),
		wallets:    cpWallets,
		txns:       append([]*wallet.Transaction{}, f.txns...),
	}
}

func (f *FakeStore) restoreLocked(s fakeSnapshot) {
	f.turns = s.turns
	f.messages = s.messages
	f.summaries = s.summaries
	f.audits = s.audits
	f.llmEvents = s.llmEvents
	f.toolEvents = s.toolEvents
	f.wallets = s.wallets
	f.txns = s.txns
}

// --- Tx (same object, guarded by the same mutex) ---

func (f *FakeStore) GetSessionForUpdate(ctx context.Context, sessionID string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (f *FakeStore) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (f *FakeStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

func (f *FakeStore) ListRoomAgents(ctx context.Context, roomID string) ([]RoomAgentView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []RoomAgentView
	for _, ra := range f.roomAgent {
		if ra.RoomID != roomID {
			continue
		}
		a, ok := f.agents[ra.AgentID]
		if !ok || a.DeletedAt != nil {
			continue
		}
		out = append(out, RoomAgentView{RoomAgent: ra, Agent: *a})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (f *FakeStore) MaxTurnIndex(ctx context.Context, sessionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	max := 0
	for _, t := range f.turns[sessionID] {
		if t.TurnIndex > max {
			max = t.TurnIndex
		}
	}
	return max, nil
}

func (f *FakeStore) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, m := range f.messages[sessionID] {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *FakeStore) LatestSummary(ctx context.Context, sessionID string) (*SessionSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sums := f.summaries[sessionID]
	if len(sums) == 0 {
		return nil, nil
	}
	latest := sums[0]
	for _, s := range sums[1:] {
		if s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	cp := *latest
	return &cp, nil
}

func (f *FakeStore) CountTurnsSince(ctx context.Context, sessionID string, since *time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, t := range f.turns[sessionID] {
		if since == nil || t.CreatedAt.After(*since) {
			count++
		}
	}
	return count, nil
}

func (f *FakeStore) InsertTurn(ctx context.Context, t *Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.turns[t.SessionID] {
		if existing.TurnIndex == t.TurnIndex {
			return ErrConcurrencyConflict
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	cp := *t
	f.turns[t.SessionID] = append(f.turns[t.SessionID], &cp)
	return nil
}

func (f *FakeStore) InsertMessage(ctx context.Context, m *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	cp := *m
	f.messages[m.SessionID] = append(f.messages[m.SessionID], &cp)
	return nil
}

func (f *FakeStore) InsertSummary(ctx context.Context, s *SessionSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	cp := *s
	f.summaries[s.SessionID] = append(f.summaries[s.SessionID], &cp)
	return nil
}

func (f *FakeStore) InsertAudit(ctx context.Context, a *TurnContextAudit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	cp := *a
	f.audits = append(f.audits, &cp)
	return nil
}

func (f *FakeStore) InsertLlmCallEvent(ctx context.Context, e *LlmCallEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	cp := *e
	f.llmEvents = append(f.llmEvents, &cp)
	return nil
}

func (f *FakeStore) InsertToolCallEvent(ctx context.Context, e *ToolCallEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	cp := *e
	f.toolEvents = append(f.toolEvents, &cp)
	return nil
}

func (f *FakeStore) GetUploadedFile(ctx context.Context, fileID string, roomID, sessionID *string) (*UploadedFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uf, ok := f.files[fileID]
	if !ok {
		return nil, nil // not_found is a normal outcome, not an error
	}
	sameRoom := roomID != nil && uf.RoomID != nil && *uf.RoomID == *roomID
	sameSession := sessionID != nil && uf.SessionID != nil && *uf.SessionID == *sessionID
	if !sameRoom && !sameSession {
		return nil, nil
	}
	cp := *uf
	return &cp, nil
}

// --- wallet.Store ---

func (f *FakeStore) GetWalletForUpdate(ctx context.Context, userID string) (*wallet.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.wallets[userID]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (f *FakeStore) CreateWallet(ctx context.Context, userID string) (*wallet.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &wallet.Wallet{ID: uuid.NewString(), UserID: userID, Balance: decimal.Zero}
	f.wallets[userID] = w
	cp := *w
	return &cp, nil
}

func (f *FakeStore) UpdateWalletBalance(ctx context.Context, walletID string, newBalance decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.wallets {
		if w.ID == walletID {
			w.Balance = newBalance
			return nil
		}
	}
	return ErrNotFound
}

func (f *FakeStore) InsertTransaction(ctx context.Context, tx *wallet.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	f.txns = append(f.txns, tx)
	return nil
}

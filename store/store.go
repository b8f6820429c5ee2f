package store

import (
	"context"
	"time"

	"github.com/pantheon-labs/pantheon-core/pricing"
	"github.com/pantheon-labs/pantheon-core/wallet"
)

// Tx is the narrow, transactional surface the turn pipeline operates
// through. One Tx backs exactly one turn's worth of writes; either every
// write commits, or none do (spec.md §5, §7).
//
// It embeds wallet.Store so WalletLedger can stage debits/grants against the
// same transaction the rest of the turn uses. (Store, below, embeds
// pricing.Loader so the PricingCache can be rebuilt from the same facade
// outside of any one transaction.)
type Tx interface {
	wallet.Store

	GetSessionForUpdate(ctx context.Context, sessionID string) (*Session, error)
	GetRoom(ctx context.Context, roomID string) (*Room, error)
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
	ListRoomAgents(ctx context.Context, roomID string) ([]RoomAgentView, error)

	MaxTurnIndex(ctx context.Context, sessionID string) (int, error)
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
	LatestSummary(ctx context.Context, sessionID string) (*SessionSummary, error)
	// CountTurnsSince counts turns (of any status) in sessionID created strictly
	// after `since` (nil means "since the beginning of the session").
	CountTurnsSince(ctx context.Context, sessionID string, since *time.Time) (int, error)

	InsertTurn(ctx context.Context, t *Turn) error
	InsertMessage(ctx context.Context, m *Message) error
	InsertSummary(ctx context.Context, s *SessionSummary) error
	InsertAudit(ctx context.Context, a *TurnContextAudit) error
	InsertLlmCallEvent(ctx context.Context, e *LlmCallEvent) error
	InsertToolCallEvent(ctx context.Context, e *ToolCallEvent) error

	GetUploadedFile(ctx context.Context, fileID string, roomID, sessionID *string) (*UploadedFile, error)
}

// Store opens transactions and maps backend-specific conflict errors onto
// the facade's sentinel errors.
type Store interface {
	// WithTx runs fn within one transaction. If fn returns an error, the
	// transaction is rolled back and the error is propagated (mapped to
	// ErrConcurrencyConflict on a unique-index violation). If fn returns
	// nil, the transaction commits. No partial persistence is ever
	// observable from outside WithTx.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	pricing.Loader
}

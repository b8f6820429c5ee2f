package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pantheon-labs/pantheon-core/wallet"
	"github.com/shopspring/decimal"
)

// uniqueViolation is Postgres's SQLSTATE for a unique-constraint violation.
const uniqueViolation = "23505"

// PostgresStore implements Store over a pgx connection pool. All core
// writes for one turn happen in a single transaction (spec.md §6).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an already-connected pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	pgxTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	t := &postgresTx{tx: pgxTx}
	if err := fn(ctx, t); err != nil {
		_ = pgxTx.Rollback(ctx)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrConcurrencyConflict
		}
		return err
	}
	if err := pgxTx.Commit(ctx); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrConcurrencyConflict
		}
		return err
	}
	return nil
}

// LoadActivePricing reads the currently-active PricingVersion's multipliers.
// Satisfies pricing.Loader outside of any turn transaction.
func (s *PostgresStore) LoadActivePricing() (string, map[string]float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var version string
	row := s.pool.QueryRow(ctx, `SELECT version FROM pricing_versions WHERE is_active LIMIT 1`)
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", map[string]float64{}, nil
		}
		return "", nil, err
	}

	rows, err := s.pool.Query(ctx, `SELECT model_alias, multiplier FROM model_pricing WHERE version = $1`, version)
	if err != nil {
		return "", nil, err
	}
	defer rows.Close()

	out := map[string]float64{}
	for rows.Next() {
		var alias string
		var mult float64
		if err := rows.Scan(&alias, &mult); err != nil {
			return "", nil, err
		}
		out[alias] = mult
	}
	return version, out, rows.Err()
}

// postgresTx implements Tx over one pgx.Tx.
type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) GetSessionForUpdate(ctx context.Context, sessionID string) (*Session, error) {
	row := t.tx.QueryRow(ctx, `SELECT id, room_id, agent_id, started_by, deleted_at FROM sessions WHERE id = $1 FOR UPDATE`, sessionID)
	var s Session
	if err := row.Scan(&s.ID, &s.RoomID, &s.AgentID, &s.StartedBy, &s.DeletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (t *postgresTx) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	row := t.tx.QueryRow(ctx, `SELECT id, owner_id, name, current_mode, pending_mode, goal, deleted_at FROM rooms WHERE id = $1`, roomID)
	var r Room
	if err := row.Scan(&r.ID, &r.OwnerID, &r.Name, &r.CurrentMode, &r.PendingMode, &r.Goal, &r.DeletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (t *postgresTx) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := t.tx.QueryRow(ctx, `SELECT id, owner_id, agent_key, name, model_alias, role_prompt, tool_permissions_json, deleted_at FROM agents WHERE id = $1`, agentID)
	var a Agent
	var permsJSON []byte
	if err := row.Scan(&a.ID, &a.OwnerID, &a.AgentKey, &a.Name, &a.ModelAlias, &a.RolePrompt, &permsJSON, &a.DeletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(permsJSON) > 0 {
		_ = json.Unmarshal(permsJSON, &a.ToolPermissions)
	}
	return &a, nil
}

func (t *postgresTx) ListRoomAgents(ctx context.Context, roomID string) ([]RoomAgentView, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT ra.room_id, ra.agent_id, ra.position,
		       a.id, a.owner_id, a.agent_key, a.name, a.model_alias, a.role_prompt, a.tool_permissions_json, a.deleted_at
		FROM room_agents ra
		JOIN agents a ON a.id = ra.agent_id
		WHERE ra.room_id = $1 AND a.deleted_at IS NULL
		ORDER BY ra.position ASC, a.agent_key ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoomAgentView
	for rows.Next() {
		var v RoomAgentView
		var permsJSON []byte
		if err := rows.Scan(&v.RoomID, &v.AgentID, &v.Position,
			&v.Agent.ID, &v.Agent.OwnerID, &v.Agent.AgentKey, &v.Agent.Name, &v.Agent.ModelAlias, &v.Agent.RolePrompt, &permsJSON, &v.Agent.DeletedAt); err != nil {
			return nil, err
		}
		if len(permsJSON) > 0 {
			_ = json.Unmarshal(permsJSON, &v.Agent.ToolPermissions)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (t *postgresTx) MaxTurnIndex(ctx context.Context, sessionID string) (int, error) {
	row := t.tx.QueryRow(ctx, `SELECT COALESCE(MAX(turn_index), 0) FROM turns WHERE session_id = $1`, sessionID)
	var max int
	if err := row.Scan(&max); err != nil {
		return 0, err
	}
	return max, nil
}

func (t *postgresTx) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, session_id, turn_id, role, visibility, agent_key, source_agent_key, tool_call_id, content, created_at
		FROM messages WHERE session_id = $1 ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.TurnID, &m.Role, &m.Visibility, &m.AgentKey, &m.SourceAgentKey, &m.ToolCallID, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *postgresTx) LatestSummary(ctx context.Context, sessionID string) (*SessionSummary, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT id, session_id, from_message_id, to_message_id, summary_text,
		       key_facts_json, decisions_json, open_questions_json, action_items_json, used_fallback, created_at
		FROM session_summaries WHERE session_id = $1 ORDER BY created_at DESC LIMIT 1`, sessionID)
	var s SessionSummary
	var kf, dec, oq, ai []byte
	if err := row.Scan(&s.ID, &s.SessionID, &s.FromMessageID, &s.ToMessageID, &s.SummaryText, &kf, &dec, &oq, &ai, &s.UsedFallback, &s.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	_ = json.Unmarshal(kf, &s.KeyFacts)
	_ = json.Unmarshal(dec, &s.Decisions)
	_ = json.Unmarshal(oq, &s.OpenQuestions)
	_ = json.Unmarshal(ai, &s.ActionItems)
	return &s, nil
}

func (t *postgresTx) CountTurnsSince(ctx context.Context, sessionID string, since *time.Time) (int, error) {
	var count int
	var err error
	if since == nil {
		err = t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM turns WHERE session_id = $1`, sessionID).Scan(&count)
	} else {
		err = t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM turns WHERE session_id = $1 AND created_at > $2`, sessionID, *since).Scan(&count)
	}
	return count, err
}

func (t *postgresTx) InsertTurn(ctx context.Context, tn *Turn) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO turns (id, session_id, turn_index, mode, user_input, assistant_output, status, model_alias_used, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		tn.ID, tn.SessionID, tn.TurnIndex, tn.Mode, tn.UserInput, tn.AssistantOutput, tn.Status, tn.ModelAliasUsed, tn.CreatedAt)
	return err
}

func (t *postgresTx) InsertMessage(ctx context.Context, m *Message) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO messages (id, session_id, turn_id, role, visibility, agent_key, source_agent_key, tool_call_id, content, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		m.ID, m.SessionID, m.TurnID, m.Role, m.Visibility, m.AgentKey, m.SourceAgentKey, m.ToolCallID, m.Content, m.CreatedAt)
	return err
}

func (t *postgresTx) InsertSummary(ctx context.Context, s *SessionSummary) error {
	kf, _ := json.Marshal(s.KeyFacts)
	dec, _ := json.Marshal(s.Decisions)
	oq, _ := json.Marshal(s.OpenQuestions)
	ai, _ := json.Marshal(s.ActionItems)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO session_summaries (id, session_id, from_message_id, to_message_id, summary_text, key_facts_json, decisions_json, open_questions_json, action_items_json, used_fallback, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		s.ID, s.SessionID, s.FromMessageID, s.ToMessageID, s.SummaryText, kf, dec, oq, ai, s.UsedFallback, s.CreatedAt)
	return err
}

func (t *postgresTx) InsertAudit(ctx context.Context, a *TurnContextAudit) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO turn_context_audits (id, turn_id, model_context_limit, input_budget, estimated_before, estimated_after_summary, estimated_after_prune, summary_triggered, prune_triggered, overflow_rejected, output_reserve, overhead_reserve)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		a.ID, a.TurnID, a.ModelContextLimit, a.InputBudget, a.EstimatedBefore, a.EstimatedAfterSummary, a.EstimatedAfterPrune, a.SummaryTriggered, a.PruneTriggered, a.OverflowRejected, a.OutputReserve, a.OverheadReserve)
	return err
}

func (t *postgresTx) InsertLlmCallEvent(ctx context.Context, e *LlmCallEvent) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO llm_call_events (id, user_id, room_id, session_id, turn_id, agent_id, provider, model_alias, provider_model, fresh_tokens, cached_tokens, output_tokens, total_tokens, oe_tokens, credits_burned, pricing_version, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		e.ID, e.UserID, e.RoomID, e.SessionID, e.TurnID, e.AgentID, e.Provider, e.ModelAlias, e.ProviderModel,
		e.Fresh, e.Cached, e.Output, e.Total, e.OETokens, e.CreditsBurned, e.PricingVersion, e.Status, e.CreatedAt)
	return err
}

func (t *postgresTx) InsertToolCallEvent(ctx context.Context, e *ToolCallEvent) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO tool_call_events (id, user_id, room_id, session_id, turn_id, agent_key, tool_name, tool_input_json, tool_output_json, status, latency_ms, credits_charged, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		e.ID, e.UserID, e.RoomID, e.SessionID, e.TurnID, e.AgentKey, e.ToolName, e.ToolInputJSON, e.ToolOutputJSON, e.Status, e.LatencyMs, e.CreditsCharged, e.CreatedAt)
	return err
}

func (t *postgresTx) GetUploadedFile(ctx context.Context, fileID string, roomID, sessionID *string) (*UploadedFile, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT id, room_id, session_id, parse_status, parsed_text, error_message
		FROM uploaded_files
		WHERE id = $1 AND (
			(room_id IS NOT NULL AND room_id = $2) OR
			(session_id IS NOT NULL AND session_id = $3)
		)`, fileID, roomID, sessionID)
	var uf UploadedFile
	if err := row.Scan(&uf.ID, &uf.RoomID, &uf.SessionID, &uf.ParseStatus, &uf.ParsedText, &uf.ErrorMessage); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &uf, nil
}

// --- wallet.Store ---

func (t *postgresTx) GetWalletForUpdate(ctx context.Context, userID string) (*wallet.Wallet, error) {
	row := t.tx.QueryRow(ctx, `SELECT id, user_id, balance FROM credit_wallets WHERE user_id = $1 FOR UPDATE`, userID)
	var w wallet.Wallet
	if err := row.Scan(&w.ID, &w.UserID, &w.Balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &w, nil
}

func (t *postgresTx) CreateWallet(ctx context.Context, userID string) (*wallet.Wallet, error) {
	w := &wallet.Wallet{UserID: userID, Balance: decimal.Zero}
	row := t.tx.QueryRow(ctx, `
		INSERT INTO credit_wallets (id, user_id, balance) VALUES (gen_random_uuid(), $1, 0)
		RETURNING id`, userID)
	if err := row.Scan(&w.ID); err != nil {
		return nil, err
	}
	return w, nil
}

func (t *postgresTx) UpdateWalletBalance(ctx context.Context, walletID string, newBalance decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `UPDATE credit_wallets SET balance = $2 WHERE id = $1`, walletID, newBalance)
	return err
}

func (t *postgresTx) InsertTransaction(ctx context.Context, tx *wallet.Transaction) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO credit_transactions (id, wallet_id, user_id, amount, kind, reference_id, initiated_by, note)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		tx.ID, tx.WalletID, tx.UserID, tx.Amount, tx.Kind, tx.ReferenceID, tx.InitiatedBy, tx.Note)
	return err
}

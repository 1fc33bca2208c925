package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/indieweb-endpoint/internal/indieweb"
)

const mentionColumns = `id, source, target, state, attempts, last_error, created_at, updated_at,
	verified_at, next_attempt_at, metadata, snapshot_uri, claim_token`

// MentionQueue is a durable MentionQueue. Claims are row updates guarded by
// FOR UPDATE SKIP LOCKED so several workers (or processes) can poll safely.
type MentionQueue struct {
	pool     Pool
	ids      indieweb.IDGenerator
	clock    indieweb.Clock
	policy   indieweb.BackoffPolicy
	claimTTL time.Duration
}

// NewMentionQueue constructs a queue over pool.
func NewMentionQueue(
	pool Pool,
	ids indieweb.IDGenerator,
	clock indieweb.Clock,
	policy indieweb.BackoffPolicy,
	claimTTL time.Duration,
) (*MentionQueue, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if claimTTL <= 0 {
		claimTTL = 30 * time.Second
	}
	return &MentionQueue{pool: pool, ids: ids, clock: clock, policy: policy, claimTTL: claimTTL}, nil
}

// Enqueue inserts a pending mention, or makes an existing pending mention for
// the same pair due now.
func (q *MentionQueue) Enqueue(ctx context.Context, source, target string) (indieweb.Mention, error) {
	id, err := q.ids.NewID()
	if err != nil {
		return indieweb.Mention{}, fmt.Errorf("mention id: %w", err)
	}
	now := q.clock.Now()
	query := `
INSERT INTO mentions (id, source, target, state, attempts, created_at, updated_at, next_attempt_at)
VALUES ($1, $2, $3, 'pending', 0, $4, $4, $4)
ON CONFLICT (source, target) WHERE state = 'pending'
DO UPDATE SET next_attempt_at = EXCLUDED.next_attempt_at, updated_at = EXCLUDED.updated_at
RETURNING ` + mentionColumns

	m, err := scanMention(q.pool.QueryRow(ctx, query, id, source, target, now))
	if err != nil {
		return indieweb.Mention{}, storageErr("enqueue mention", err)
	}
	return m, nil
}

// DequeueBatch claims up to limit due mentions under a fresh claim token.
func (q *MentionQueue) DequeueBatch(ctx context.Context, limit int) ([]indieweb.Mention, error) {
	if limit <= 0 {
		return nil, nil
	}
	token, err := q.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("claim token: %w", err)
	}
	now := q.clock.Now()
	query := `
UPDATE mentions SET claimed_until = $2, claim_token = $4
WHERE id IN (
	SELECT id FROM mentions
	WHERE state = 'pending'
	  AND next_attempt_at <= $1
	  AND (claimed_until IS NULL OR claimed_until <= $1)
	ORDER BY next_attempt_at, created_at
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + mentionColumns

	rows, err := q.pool.Query(ctx, query, now, now.Add(q.claimTTL), limit, token)
	if err != nil {
		return nil, storageErr("claim mentions", err)
	}
	defer rows.Close()

	var out []indieweb.Mention
	for rows.Next() {
		m, err := scanMention(rows)
		if err != nil {
			return nil, storageErr("scan mention", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("claim mentions", err)
	}
	return out, nil
}

// Renew pushes claimed_until out by the claim TTL while claimToken still
// holds the row.
func (q *MentionQueue) Renew(ctx context.Context, id, claimToken string) (indieweb.Mention, error) {
	if claimToken == "" {
		return indieweb.Mention{}, fmt.Errorf("mention %s: %w", id, indieweb.ErrClaimLost)
	}
	m, err := scanMention(q.pool.QueryRow(ctx, `
UPDATE mentions SET claimed_until = $3
WHERE id = $1 AND claim_token = $2 AND state = 'pending'
RETURNING `+mentionColumns, id, claimToken, q.clock.Now().Add(q.claimTTL)))
	if errors.Is(err, pgx.ErrNoRows) {
		return indieweb.Mention{}, fmt.Errorf("mention %s: %w", id, indieweb.ErrClaimLost)
	}
	if err != nil {
		return indieweb.Mention{}, storageErr("renew claim", err)
	}
	return m, nil
}

// Mark applies outcome inside a transaction holding the row lock. The
// outcome's claim token is compared with the locked row's.
func (q *MentionQueue) Mark(ctx context.Context, id string, outcome indieweb.Outcome) (indieweb.Mention, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return indieweb.Mention{}, storageErr("begin mark", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	current, err := scanMention(tx.QueryRow(ctx,
		`SELECT `+mentionColumns+` FROM mentions WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return indieweb.Mention{}, fmt.Errorf("mention %s: %w", id, indieweb.ErrNotFound)
	}
	if err != nil {
		return indieweb.Mention{}, storageErr("load mention", err)
	}

	next, err := indieweb.ApplyOutcome(current, outcome, q.policy, q.clock.Now())
	if err != nil {
		return current, err
	}
	metadata, err := marshalMetadata(next.Metadata)
	if err != nil {
		return indieweb.Mention{}, err
	}

	_, err = tx.Exec(ctx, `
UPDATE mentions SET
	state = $2, attempts = $3, last_error = $4, updated_at = $5, verified_at = $6,
	next_attempt_at = $7, metadata = $8, snapshot_uri = $9, claimed_until = NULL, claim_token = NULL
WHERE id = $1`,
		next.ID, string(next.State), next.Attempts, next.LastError, next.UpdatedAt,
		next.VerifiedAt, next.NextAttemptAt, metadata, next.SnapshotURI)
	if err != nil {
		return indieweb.Mention{}, storageErr("update mention", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return indieweb.Mention{}, storageErr("commit mark", err)
	}
	return next, nil
}

// Get loads a mention by ID.
func (q *MentionQueue) Get(ctx context.Context, id string) (indieweb.Mention, error) {
	m, err := scanMention(q.pool.QueryRow(ctx, `SELECT `+mentionColumns+` FROM mentions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return indieweb.Mention{}, fmt.Errorf("mention %s: %w", id, indieweb.ErrNotFound)
	}
	if err != nil {
		return indieweb.Mention{}, storageErr("get mention", err)
	}
	return m, nil
}

func scanMention(row pgx.Row) (indieweb.Mention, error) {
	var (
		m          indieweb.Mention
		state      string
		metadata   []byte
		claimToken *string
	)
	err := row.Scan(
		&m.ID, &m.Source, &m.Target, &state, &m.Attempts, &m.LastError,
		&m.CreatedAt, &m.UpdatedAt, &m.VerifiedAt, &m.NextAttemptAt, &metadata, &m.SnapshotURI,
		&claimToken,
	)
	if err != nil {
		return indieweb.Mention{}, err
	}
	m.State = indieweb.MentionState(state)
	if claimToken != nil {
		m.ClaimToken = *claimToken
	}
	if len(metadata) > 0 {
		m.Metadata = &indieweb.MentionMetadata{}
		if err := json.Unmarshal(metadata, m.Metadata); err != nil {
			return indieweb.Mention{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return m, nil
}

func marshalMetadata(meta *indieweb.MentionMetadata) ([]byte, error) {
	if meta == nil {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return data, nil
}

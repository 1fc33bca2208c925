// Package memory provides an in-process mention queue for local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/indieweb-endpoint/internal/indieweb"
)

// Queue is an in-memory MentionQueue with claim semantics. Claims expire
// after the configured TTL so a mention held by a crashed worker becomes
// eligible again.
type Queue struct {
	mu       sync.Mutex
	mentions map[string]*entry
	pending  map[string]string // source+target -> mention ID, pending only
	ids      indieweb.IDGenerator
	clock    indieweb.Clock
	policy   indieweb.BackoffPolicy
	claimTTL time.Duration
	claims   int
}

type entry struct {
	mention      indieweb.Mention
	claimedUntil time.Time
}

// NewQueue constructs a queue. A non-positive claimTTL defaults to 30s.
func NewQueue(
	ids indieweb.IDGenerator,
	clock indieweb.Clock,
	policy indieweb.BackoffPolicy,
	claimTTL time.Duration,
) *Queue {
	if claimTTL <= 0 {
		claimTTL = 30 * time.Second
	}
	return &Queue{
		mentions: make(map[string]*entry),
		pending:  make(map[string]string),
		ids:      ids,
		clock:    clock,
		policy:   policy,
		claimTTL: claimTTL,
	}
}

// Enqueue stores a pending mention. A pending mention for the same pair is
// made due immediately and returned instead of creating a duplicate.
func (q *Queue) Enqueue(ctx context.Context, source, target string) (indieweb.Mention, error) {
	if err := ctx.Err(); err != nil {
		return indieweb.Mention{}, fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	key := pairKey(source, target)
	if id, ok := q.pending[key]; ok {
		e := q.mentions[id]
		e.mention.NextAttemptAt = now
		e.mention.UpdatedAt = now
		return e.mention, nil
	}

	id, err := q.ids.NewID()
	if err != nil {
		return indieweb.Mention{}, fmt.Errorf("mention id: %w", err)
	}
	m := indieweb.Mention{
		ID:            id,
		Source:        source,
		Target:        target,
		State:         indieweb.MentionPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		NextAttemptAt: now,
	}
	q.mentions[id] = &entry{mention: m}
	q.pending[key] = id
	return m, nil
}

// DequeueBatch claims up to limit due mentions, oldest first.
func (q *Queue) DequeueBatch(ctx context.Context, limit int) ([]indieweb.Mention, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dequeue canceled: %w", err)
	}
	if limit <= 0 {
		return nil, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	due := make([]*entry, 0, len(q.pending))
	for _, id := range q.pending {
		e := q.mentions[id]
		if e.mention.NextAttemptAt.After(now) || e.claimedUntil.After(now) {
			continue
		}
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].mention.NextAttemptAt.Equal(due[j].mention.NextAttemptAt) {
			return due[i].mention.CreatedAt.Before(due[j].mention.CreatedAt)
		}
		return due[i].mention.NextAttemptAt.Before(due[j].mention.NextAttemptAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]indieweb.Mention, 0, len(due))
	for _, e := range due {
		q.claims++
		e.mention.ClaimToken = fmt.Sprintf("claim-%d", q.claims)
		e.claimedUntil = now.Add(q.claimTTL)
		out = append(out, e.mention)
	}
	return out, nil
}

// Renew restarts the claim TTL for a mention still held under claimToken.
func (q *Queue) Renew(ctx context.Context, id, claimToken string) (indieweb.Mention, error) {
	if err := ctx.Err(); err != nil {
		return indieweb.Mention{}, fmt.Errorf("renew canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.mentions[id]
	if !ok {
		return indieweb.Mention{}, fmt.Errorf("mention %s: %w", id, indieweb.ErrNotFound)
	}
	if e.mention.State.Terminal() || claimToken == "" || e.mention.ClaimToken != claimToken {
		return e.mention, fmt.Errorf("mention %s: %w", id, indieweb.ErrClaimLost)
	}
	e.claimedUntil = q.clock.Now().Add(q.claimTTL)
	return e.mention, nil
}

// Mark applies a verification outcome and releases the claim. The outcome
// must carry the token of the mention's current claim.
func (q *Queue) Mark(ctx context.Context, id string, outcome indieweb.Outcome) (indieweb.Mention, error) {
	if err := ctx.Err(); err != nil {
		return indieweb.Mention{}, fmt.Errorf("mark canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.mentions[id]
	if !ok {
		return indieweb.Mention{}, fmt.Errorf("mention %s: %w", id, indieweb.ErrNotFound)
	}
	m, err := indieweb.ApplyOutcome(e.mention, outcome, q.policy, q.clock.Now())
	if err != nil {
		return m, err
	}

	e.mention = m
	e.claimedUntil = time.Time{}
	if m.State.Terminal() {
		delete(q.pending, pairKey(m.Source, m.Target))
	}
	return m, nil
}

// Get returns a snapshot of a mention.
func (q *Queue) Get(_ context.Context, id string) (indieweb.Mention, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.mentions[id]
	if !ok {
		return indieweb.Mention{}, fmt.Errorf("mention %s: %w", id, indieweb.ErrNotFound)
	}
	return e.mention, nil
}

func pairKey(source, target string) string {
	return source + "\x00" + target
}

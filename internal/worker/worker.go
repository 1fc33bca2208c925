// Package worker implements the mention verification loop.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/indieweb-endpoint/internal/clock/system"
	"github.com/JakeFAU/indieweb-endpoint/internal/hash/sha256"
	"github.com/JakeFAU/indieweb-endpoint/internal/indieweb"
	"github.com/JakeFAU/indieweb-endpoint/internal/metrics"
	"github.com/JakeFAU/indieweb-endpoint/internal/webmention"
)

// Config controls Worker behavior.
type Config struct {
	BatchSize      int
	PollInterval   time.Duration
	SnapshotPrefix string
	Topic          string
}

// Event is the payload published when a mention reaches a terminal state.
type Event struct {
	ID          string                    `json:"id"`
	Source      string                    `json:"source"`
	Target      string                    `json:"target"`
	State       indieweb.MentionState     `json:"state"`
	Attempts    int                       `json:"attempts"`
	Error       string                    `json:"error,omitempty"`
	Metadata    *indieweb.MentionMetadata `json:"metadata,omitempty"`
	SnapshotURI string                    `json:"snapshot_uri,omitempty"`
	Timestamp   string                    `json:"timestamp"`
}

// Worker claims pending mentions and verifies them.
type Worker struct {
	queue     indieweb.MentionQueue
	fetcher   indieweb.Fetcher
	policy    indieweb.HostPolicy
	blobStore indieweb.BlobStore
	publisher indieweb.Publisher
	hasher    indieweb.Hasher
	clock     indieweb.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. policy, blobStore and publisher are optional.
// hasher and clock default to SHA-256 and the system clock.
func New(
	queue indieweb.MentionQueue,
	fetcher indieweb.Fetcher,
	policy indieweb.HostPolicy,
	blobStore indieweb.BlobStore,
	publisher indieweb.Publisher,
	hasher indieweb.Hasher,
	clock indieweb.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	metrics.Init()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if hasher == nil {
		hasher = sha256.New()
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		fetcher:   fetcher,
		policy:    policy,
		blobStore: blobStore,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run polls the queue every PollInterval, or sooner when wake fires, until
// the context finishes. wake may be nil.
func (w *Worker) Run(ctx context.Context, wake <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// drain processes batches until the queue has nothing due.
func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		batch, err := w.queue.DequeueBatch(ctx, w.cfg.BatchSize)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("dequeue failed", zap.Error(err))
			}
			return
		}
		if len(batch) == 0 {
			return
		}
		w.logger.Debug("claimed mentions", zap.Int("count", len(batch)))
		for _, m := range batch {
			if _, err := w.Process(ctx, m); err != nil && ctx.Err() == nil {
				w.logger.Error("process mention failed", zap.String("mention_id", m.ID), zap.Error(err))
			}
		}
	}
}

// Process runs one verification attempt for a claimed mention and records the
// outcome. When ctx is cancelled mid-attempt nothing is recorded and the claim
// is left to expire. A mention whose claim was taken over by another worker is
// skipped without error.
func (w *Worker) Process(ctx context.Context, m indieweb.Mention) (indieweb.Mention, error) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(zap.String("mention_id", m.ID), zap.String("source", m.Source))
	outcome, err := w.verify(ctx, m)
	if errors.Is(err, indieweb.ErrClaimLost) {
		logger.Info("claim lost before fetch, skipping")
		return m, nil
	}
	if err != nil {
		return m, err
	}

	outcome.ClaimToken = m.ClaimToken
	updated, err := w.queue.Mark(ctx, m.ID, outcome)
	if errors.Is(err, indieweb.ErrClaimLost) {
		logger.Info("claim lost before mark, discarding outcome", zap.String("outcome", string(outcome.Kind)))
		return m, nil
	}
	if err != nil {
		return m, fmt.Errorf("mark mention: %w", err)
	}
	metrics.ObserveVerification(string(outcome.Kind))
	logger.Info("verification attempt recorded",
		zap.String("outcome", string(outcome.Kind)),
		zap.String("state", string(updated.State)),
		zap.Int("attempts", updated.Attempts),
		zap.String("error", outcome.Err),
	)

	if updated.State.Terminal() {
		w.publish(ctx, updated)
	}
	return updated, nil
}

func (w *Worker) verify(ctx context.Context, m indieweb.Mention) (indieweb.Outcome, error) {
	if w.policy != nil {
		if err := w.policy.Allow(m.Source); err != nil {
			return rejected(err), nil
		}
		if err := w.policy.Wait(ctx, m.Source); err != nil {
			if ctx.Err() != nil {
				return indieweb.Outcome{}, fmt.Errorf("host policy wait: %w", ctx.Err())
			}
			return retry(err), nil
		}
	}
	if w.fetcher == nil {
		return indieweb.Outcome{}, errors.New("no fetcher configured")
	}
	// The rate limit wait can outlast the batch claim; refresh it so the fetch
	// runs under a claim nobody else can take.
	if _, err := w.queue.Renew(ctx, m.ID, m.ClaimToken); err != nil {
		return indieweb.Outcome{}, fmt.Errorf("renew claim: %w", err)
	}

	resp, err := w.fetcher.Fetch(ctx, indieweb.FetchRequest{MentionID: m.ID, URL: m.Source})
	metrics.ObserveFetch(len(resp.Body), resp.Duration)
	if err != nil {
		if ctx.Err() != nil {
			return indieweb.Outcome{}, fmt.Errorf("fetch source: %w", ctx.Err())
		}
		return classifyFetchError(err), nil
	}

	pageURL := resp.URL
	if pageURL == "" {
		pageURL = m.Source
	}
	found, err := webmention.FindLink(resp.Body, resp.ContentType, pageURL, m.Target)
	if err != nil {
		return rejected(fmt.Errorf("%w: %v", indieweb.ErrLinkNotFound, err)), nil
	}
	if !found {
		return rejected(indieweb.ErrLinkNotFound), nil
	}

	return indieweb.Outcome{
		Kind:        indieweb.OutcomeVerified,
		Metadata:    webmention.ExtractMetadata(resp.Body, pageURL, m.Target),
		SnapshotURI: w.snapshot(ctx, m, resp),
	}, nil
}

// classifyFetchError maps fetcher errors onto queue outcomes. Anything the
// fetcher could not classify is treated as transient.
func classifyFetchError(err error) indieweb.Outcome {
	switch {
	case errors.Is(err, indieweb.ErrUnreachable):
		return retry(err)
	case errors.Is(err, indieweb.ErrSourceGone),
		errors.Is(err, indieweb.ErrTooManyRedirects),
		errors.Is(err, indieweb.ErrBlockedHost):
		return rejected(err)
	default:
		return retry(fmt.Errorf("%w: %v", indieweb.ErrUnreachable, err))
	}
}

func rejected(err error) indieweb.Outcome {
	return indieweb.Outcome{Kind: indieweb.OutcomeRejected, Err: err.Error()}
}

func retry(err error) indieweb.Outcome {
	return indieweb.Outcome{Kind: indieweb.OutcomeRetry, Err: err.Error()}
}

// snapshot stores the verified source body. Failures are logged and leave
// the mention without a snapshot.
func (w *Worker) snapshot(ctx context.Context, m indieweb.Mention, resp indieweb.FetchResponse) string {
	if w.blobStore == nil || len(resp.Body) == 0 {
		return ""
	}
	digest, err := w.hasher.Hash(resp.Body)
	if err != nil {
		w.logger.Warn("hash source body failed", zap.String("mention_id", m.ID), zap.Error(err))
		return ""
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	uri, err := w.blobStore.PutObject(ctx, w.snapshotPath(digest), contentType, bytes.NewReader(resp.Body))
	if err != nil {
		w.logger.Warn("store snapshot failed", zap.String("mention_id", m.ID), zap.Error(err))
		return ""
	}
	return uri
}

func (w *Worker) snapshotPath(digest string) string {
	name := sha256.ShardedPath(digest, ".html")
	prefix := strings.Trim(w.cfg.SnapshotPrefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func (w *Worker) publish(ctx context.Context, m indieweb.Mention) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	event := Event{
		ID:          m.ID,
		Source:      m.Source,
		Target:      m.Target,
		State:       m.State,
		Attempts:    m.Attempts,
		Error:       m.LastError,
		Metadata:    m.Metadata,
		SnapshotURI: m.SnapshotURI,
		Timestamp:   w.clock.Now().UTC().Format(time.RFC3339),
	}
	id, err := w.publisher.Publish(ctx, w.cfg.Topic, event)
	if err != nil {
		w.logger.Warn("publish mention event failed", zap.String("mention_id", m.ID), zap.Error(err))
		return
	}
	w.logger.Debug("mention event published", zap.String("mention_id", m.ID), zap.String("message_id", id))
}

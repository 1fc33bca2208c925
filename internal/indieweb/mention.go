package indieweb

import (
	"fmt"
	"time"
)

// ApplyOutcome computes the state of m after a verification attempt. It is
// shared by every MentionQueue implementation so the transition rules live in
// one place. Terminal mentions are never modified, and an outcome whose
// claim token is not the mention's current one is refused.
func ApplyOutcome(m Mention, outcome Outcome, policy BackoffPolicy, now time.Time) (Mention, error) {
	if m.State.Terminal() {
		return m, fmt.Errorf("mention %s is %s: %w", m.ID, m.State, ErrTerminalState)
	}
	if outcome.ClaimToken != m.ClaimToken {
		return m, fmt.Errorf("mention %s: %w", m.ID, ErrClaimLost)
	}

	m.UpdatedAt = now
	m.ClaimToken = ""
	m.LastError = outcome.Err
	m.Attempts++
	switch outcome.Kind {
	case OutcomeVerified:
		verifiedAt := now
		m.State = MentionVerified
		m.LastError = ""
		m.VerifiedAt = &verifiedAt
		m.Metadata = outcome.Metadata
		m.SnapshotURI = outcome.SnapshotURI
	case OutcomeRejected:
		m.State = MentionRejected
	case OutcomeFailed:
		m.State = MentionFailed
	case OutcomeRetry:
		if policy.Exhausted(m.Attempts) {
			m.State = MentionFailed
		} else {
			m.NextAttemptAt = now.Add(policy.Backoff(m.Attempts))
		}
	default:
		return m, fmt.Errorf("unknown outcome %q: %w", outcome.Kind, ErrInvalidRequest)
	}
	return m, nil
}

package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskLifecycleEdges(t *testing.T) {
	assert.True(t, TaskOpen.CanTransition(TaskMatching))
	assert.True(t, TaskOpen.CanTransition(TaskAccepted))
	assert.True(t, TaskMatching.CanTransition(TaskOpen)) // instant-offer timeout fallback
	assert.True(t, TaskProofSubmitted.CanTransition(TaskAccepted))
	assert.True(t, TaskDisputed.CanTransition(TaskCompleted))
	assert.True(t, TaskDisputed.CanTransition(TaskCancelled))

	assert.False(t, TaskOpen.CanTransition(TaskCompleted))
	assert.False(t, TaskAccepted.CanTransition(TaskOpen))
	assert.False(t, TaskCompleted.CanTransition(TaskOpen))
	assert.False(t, TaskCancelled.CanTransition(TaskAccepted))
}

func TestTaskTerminalStates(t *testing.T) {
	for _, s := range []TaskState{TaskCompleted, TaskCancelled, TaskExpired} {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
		assert.Empty(t, taskEdges[s])
	}
	for _, s := range []TaskState{TaskOpen, TaskMatching, TaskAccepted, TaskProofSubmitted, TaskDisputed} {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestProgressStrictlyMonotonic(t *testing.T) {
	next, ok := NextProgress(ProgressPosted)
	require.True(t, ok)
	assert.Equal(t, ProgressAccepted, next)

	assert.True(t, CanAdvanceProgress(ProgressTraveling, ProgressWorking))

	// No skips.
	assert.False(t, CanAdvanceProgress(ProgressPosted, ProgressTraveling))
	assert.False(t, CanAdvanceProgress(ProgressAccepted, ProgressCompleted))
	// No reversals.
	assert.False(t, CanAdvanceProgress(ProgressWorking, ProgressTraveling))
	// No self loops.
	assert.False(t, CanAdvanceProgress(ProgressWorking, ProgressWorking))

	_, ok = NextProgress(ProgressClosed)
	assert.False(t, ok)
}

func TestEscrowEdges(t *testing.T) {
	assert.True(t, EscrowPending.CanTransition(EscrowFunded))
	assert.True(t, EscrowFunded.CanTransition(EscrowLockedDispute))
	assert.True(t, EscrowLockedDispute.CanTransition(EscrowRefundPartial))

	assert.False(t, EscrowPending.CanTransition(EscrowReleased))
	assert.False(t, EscrowFunded.CanTransition(EscrowRefundPartial)) // partial only from dispute lock
	assert.False(t, EscrowReleased.CanTransition(EscrowRefunded))

	for _, s := range []EscrowState{EscrowReleased, EscrowRefunded, EscrowRefundPartial} {
		assert.True(t, s.Terminal())
	}
	assert.True(t, EscrowReleased.ReleasedLike())
	assert.True(t, EscrowRefundPartial.ReleasedLike())
	assert.False(t, EscrowRefunded.ReleasedLike())
}

func TestDisputeEdges(t *testing.T) {
	assert.True(t, DisputeOpen.CanTransition(DisputeEvidenceRequested))
	assert.True(t, DisputeEvidenceRequested.CanTransition(DisputeOpen))
	assert.True(t, DisputeEscalated.CanTransition(DisputeResolved))
	assert.False(t, DisputeResolved.CanTransition(DisputeOpen))
	assert.True(t, DisputeResolved.Terminal())
}

func TestProofEdges(t *testing.T) {
	assert.True(t, ProofPending.CanTransition(ProofSubmitted))
	assert.True(t, ProofSubmitted.CanTransition(ProofExpired))
	assert.False(t, ProofAccepted.CanTransition(ProofRejected))
	assert.False(t, ProofPending.CanTransition(ProofAccepted))
}

func TestSplitFee(t *testing.T) {
	fee, net := SplitFee(2000, PlatformFeeBasisPoints)
	assert.Equal(t, int64(300), fee)
	assert.Equal(t, int64(1700), net)
	assert.Equal(t, int64(2000), fee+net)

	// Odd amounts still decompose exactly.
	fee, net = SplitFee(999, PlatformFeeBasisPoints)
	assert.Equal(t, int64(999), fee+net)
	assert.Equal(t, int64(149), fee)
}

func TestOutboxKey(t *testing.T) {
	assert.Equal(t, "escrow.released:esc-1:3", OutboxKey(EventEscrowReleased, "esc-1", 3))
}

func TestEffectiveMax(t *testing.T) {
	now := time.Now()
	cap := &ZoneCapacity{MaxWeightCapacity: 2.0, AutoExpandPct: 10}

	assert.Equal(t, 2.0, cap.EffectiveMax(now)) // no expiry set

	future := now.Add(time.Hour)
	cap.AutoExpandExpiresAt = &future
	assert.InDelta(t, 2.2, cap.EffectiveMax(now), 1e-9)

	past := now.Add(-time.Hour)
	cap.AutoExpandExpiresAt = &past
	assert.Equal(t, 2.0, cap.EffectiveMax(now))
}

func TestErrorCodes(t *testing.T) {
	err := Ef(CodeInvalidTransition, "task %s: OPEN->COMPLETED", "t1").With("task_id", "t1")
	assert.Equal(t, CodeInvalidTransition, CodeOf(err))
	assert.True(t, IsCode(err, CodeInvalidTransition))
	assert.Contains(t, err.Error(), "INVALID_TRANSITION")
	assert.Equal(t, "t1", err.Details["task_id"])

	assert.True(t, Retryable(E(CodeConflict, "version conflict")))
	assert.False(t, Retryable(E(CodeEscrowTerminal, "already released")))

	assert.True(t, IsInvariant(CodeHXOutboxKeyDuplicate))
	assert.False(t, IsInvariant(CodeConflict))
}

func TestChannelSelection(t *testing.T) {
	assert.Contains(t, ChannelsFor(CategorySecurityAlert), ChannelEmail)
	assert.True(t, CategorySecurityAlert.BypassesQuietHours())
	assert.False(t, CategoryTaskUpdate.BypassesQuietHours())
	assert.Equal(t, []Channel{ChannelEmail}, ChannelsFor(CategoryMarketing))
}

func TestEmailOutboxEdges(t *testing.T) {
	assert.True(t, EmailPending.CanTransition(EmailSending))
	assert.True(t, EmailSending.CanTransition(EmailPending)) // retryable failure
	assert.True(t, EmailFailed.CanTransition(EmailPending))
	assert.False(t, EmailSent.CanTransition(EmailPending))
	assert.False(t, EmailSuppressed.CanTransition(EmailSending))
}

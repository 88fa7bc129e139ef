package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jakechorley/blood-match/pkg/core/apperr"
	"github.com/jakechorley/blood-match/pkg/core/model"
)

var errTransientForTest = fmt.Errorf("%w: deadlock detected", apperr.ErrTransient)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestWithRetry_RetriesTransient(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), fastPolicy(3), zap.NewNop(), "test", func() error {
		calls++
		if calls < 3 {
			return errTransientForTest
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), fastPolicy(2), zap.NewNop(), "test", func() error {
		calls++
		return errTransientForTest
	})
	assert.ErrorIs(t, err, apperr.ErrTransient)
	assert.Equal(t, 2, calls)
}

func TestWithRetry_NeverRetriesDomainErrors(t *testing.T) {
	domainErrs := []error{
		&apperr.CapacityExceededError{SlotID: "slot-1", Capacity: 1},
		apperr.Conflict("request", "req-1", "taken"),
		apperr.InvalidState("request", "req-1", "fulfilled", "accept offer on"),
		apperr.Validation("bloodType", "unknown"),
	}
	for _, domainErr := range domainErrs {
		calls := 0
		err := withRetry(context.Background(), fastPolicy(5), zap.NewNop(), "test", func() error {
			calls++
			return domainErr
		})
		assert.Equal(t, domainErr, err)
		assert.Equal(t, 1, calls)
	}
}

func TestWithRetry_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}

	err := withRetry(ctx, policy, zap.NewNop(), "test", func() error { return errTransientForTest })
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRetryPolicy_DelayIsCapped(t *testing.T) {
	p := RetryPolicy{BaseDelay: 10 * time.Millisecond, MaxDelay: 35 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, p.delay(1))
	assert.Equal(t, 20*time.Millisecond, p.delay(2))
	assert.Equal(t, 35*time.Millisecond, p.delay(3))
	assert.Equal(t, 35*time.Millisecond, p.delay(10))
}

func TestBook_RetriesTransientStoreContention(t *testing.T) {
	f := newFixture(t)
	f.addDonor(t, "donor-a", model.BloodTypeOPos, nil)
	slot := f.createSlot(t, 1)

	flaky := &flakyStore{MemoryStore: f.store, transientLeft: 2}
	f.deps.Store = flaky
	f.rebuild()

	booking, err := f.slots.Book(f.ctx, slot.ID, "donor-a")
	require.NoError(t, err)
	assert.Equal(t, model.BookingScheduled, booking.Status)
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, 1, f.slot(t, slot.ID).BookedCount)
}

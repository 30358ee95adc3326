package sync_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craneworks/fieldsync/internal/entity"
	"github.com/craneworks/fieldsync/internal/sync"
	"github.com/craneworks/fieldsync/internal/syncerrors"
)

func TestOperationCompletesOnSuccess(t *testing.T) {
	op := sync.NewOperation(sync.KindDownload, entity.Employee, "", func(ctx context.Context) error {
		return nil
	})

	backoff, retry := op.Attempt(context.Background())

	assert.False(t, retry)
	assert.Zero(t, backoff)
	assert.Equal(t, sync.StatusCompleted, op.Status())
	assert.Equal(t, 1.0, op.Progress())
	assert.NoError(t, op.Wait(context.Background()))
}

func TestOperationTerminalErrorNeverRetries(t *testing.T) {
	attempts := 0
	op := sync.NewOperation(sync.KindUpload, entity.Project, "", func(ctx context.Context) error {
		attempts++
		return &syncerrors.InvalidDataError{Detail: "missing name"}
	})

	_, retry := op.Attempt(context.Background())

	assert.False(t, retry)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 0, op.RetryCount())
	assert.Equal(t, sync.StatusFailed, op.Status())
}

func TestOperationRetryLadder(t *testing.T) {
	attempts := 0
	op := sync.NewOperation(sync.KindUpdate, entity.Task, "9", func(ctx context.Context) error {
		attempts++
		return &syncerrors.NetworkError{Kind: syncerrors.NetworkTimeout}
	})

	var backoffs []time.Duration
	for {
		backoff, retry := op.Attempt(context.Background())
		if !retry {
			break
		}
		backoffs = append(backoffs, backoff)
		assert.Equal(t, sync.StatusRetrying, op.Status())
	}

	// 3 retries, 4 attempts total, exponential backoff.
	assert.Equal(t, 4, attempts)
	assert.Equal(t, 3, op.RetryCount())
	assert.Equal(t, sync.StatusFailed, op.Status())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, backoffs)

	var netErr *syncerrors.NetworkError
	assert.ErrorAs(t, op.LastError(), &netErr)
}

func TestOperationRetryableServerError(t *testing.T) {
	op := sync.NewOperation(sync.KindDownload, entity.Employee, "", func(ctx context.Context) error {
		return &syncerrors.ServerError{StatusCode: 503, Message: "maintenance"}
	})

	_, retry := op.Attempt(context.Background())
	assert.True(t, retry)
	assert.Equal(t, 1, op.RetryCount())
}

func TestOperationRateLimitIsRetryable(t *testing.T) {
	op := sync.NewOperation(sync.KindDownload, entity.Employee, "", func(ctx context.Context) error {
		return &syncerrors.ServerError{StatusCode: 429, Message: "slow down"}
	})

	_, retry := op.Attempt(context.Background())
	assert.True(t, retry)
}

func TestOperationClientErrorIsTerminal(t *testing.T) {
	op := sync.NewOperation(sync.KindDownload, entity.Employee, "", func(ctx context.Context) error {
		return &syncerrors.ServerError{StatusCode: 404, Message: "gone"}
	})

	_, retry := op.Attempt(context.Background())
	assert.False(t, retry)
	assert.Equal(t, sync.StatusFailed, op.Status())
}

func TestOperationCancelBeforeStart(t *testing.T) {
	ran := false
	op := sync.NewOperation(sync.KindDelete, entity.Notification, "n1", func(ctx context.Context) error {
		ran = true
		return nil
	})

	op.Cancel()
	_, retry := op.Attempt(context.Background())

	assert.False(t, retry)
	assert.False(t, ran)
	assert.Equal(t, sync.StatusCancelled, op.Status())
	assert.ErrorIs(t, op.Wait(context.Background()), syncerrors.ErrCancelled)
}

func TestOperationCancelDuringBackoffStopsRetrying(t *testing.T) {
	op := sync.NewOperation(sync.KindUpload, entity.WorkEntry, "", func(ctx context.Context) error {
		return &syncerrors.NetworkError{Kind: syncerrors.NetworkConnectionLost}
	})

	_, retry := op.Attempt(context.Background())
	require.True(t, retry)

	op.Cancel()
	_, retry = op.Attempt(context.Background())

	assert.False(t, retry)
	assert.Equal(t, sync.StatusCancelled, op.Status())
}

func TestOperationWaitHonorsContext(t *testing.T) {
	op := sync.NewOperation(sync.KindDownload, entity.Employee, "", func(ctx context.Context) error {
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, op.Wait(ctx), context.Canceled)
}

func TestOperationProgressClamped(t *testing.T) {
	op := sync.NewOperation(sync.KindDownload, entity.Employee, "", func(ctx context.Context) error {
		return nil
	})

	op.SetProgress(1.7)
	assert.Equal(t, 1.0, op.Progress())
	op.SetProgress(-0.2)
	assert.Equal(t, 0.0, op.Progress())
}

func TestKindPriorities(t *testing.T) {
	assert.Greater(t, sync.KindDelete.Priority(), sync.KindUpdate.Priority())
	assert.Greater(t, sync.KindUpdate.Priority(), sync.KindUpload.Priority())
	assert.Greater(t, sync.KindUpload.Priority(), sync.KindDownload.Priority())
	assert.Greater(t, sync.KindDownload.Priority(), sync.KindFullSync.Priority())
}

func TestRetryableClassification(t *testing.T) {
	assert.True(t, syncerrors.Retryable(&syncerrors.NetworkError{Kind: syncerrors.NetworkTimeout}))
	assert.True(t, syncerrors.Retryable(&syncerrors.ServerError{StatusCode: 500}))
	assert.True(t, syncerrors.Retryable(syncerrors.ErrNoNetwork))
	assert.False(t, syncerrors.Retryable(&syncerrors.ServerError{StatusCode: 400}))
	assert.False(t, syncerrors.Retryable(syncerrors.ErrAuthenticationRequired))
	assert.False(t, syncerrors.Retryable(&syncerrors.UnknownError{Err: errors.New("weird")}))
	assert.False(t, syncerrors.Retryable(errors.New("weird")))
	assert.False(t, syncerrors.Retryable(nil))
}

func TestUnknownErrorWrapsCause(t *testing.T) {
	cause := errors.New("weird")
	err := &syncerrors.UnknownError{Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "weird")
}

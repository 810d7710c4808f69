package breaker

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperr "gemini-proxy-go/internal/errors"
)

func testRegistry(settings Settings) (*Registry, *time.Time) {
	now := time.Now()
	reg := NewRegistry(settings, nil)
	reg.now = func() time.Time { return now }
	return reg, &now
}

func failOp() (*http.Response, error) {
	return nil, errors.New("connect refused")
}

func okOp() (*http.Response, error) {
	return &http.Response{StatusCode: http.StatusOK}, nil
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	reg, _ := testRegistry(Settings{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	b := reg.For("https://upstream.example")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.Call(ctx, failOp)
		require.Error(t, err)
		require.NotErrorIs(t, err, apperr.ErrCircuitOpen)
	}

	invoked := false
	_, err := b.Call(ctx, func() (*http.Response, error) {
		invoked = true
		return okOp()
	})
	require.ErrorIs(t, err, apperr.ErrCircuitOpen)
	require.False(t, invoked, "rejected call must not reach the upstream")
	require.Equal(t, StateOpen, b.Snapshot().State)
}

func TestBreakerCountsServerErrorsAsFailures(t *testing.T) {
	reg, _ := testRegistry(Settings{FailureThreshold: 2, RecoveryTimeout: time.Minute})
	b := reg.For("https://upstream.example")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		resp, err := b.Call(ctx, func() (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusInternalServerError}, nil
		})
		require.NoError(t, err)
		require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	}
	_, err := b.Call(ctx, okOp)
	require.ErrorIs(t, err, apperr.ErrCircuitOpen)
}

func TestBreakerHalfOpenAdmitsExactlyOneProbe(t *testing.T) {
	reg, now := testRegistry(Settings{FailureThreshold: 1, RecoveryTimeout: 100 * time.Millisecond})
	b := reg.For("https://upstream.example")
	ctx := context.Background()

	_, err := b.Call(ctx, failOp)
	require.Error(t, err)
	require.Equal(t, StateOpen, b.Snapshot().State)

	*now = now.Add(150 * time.Millisecond)

	admitted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := b.Call(ctx, func() (*http.Response, error) {
			close(admitted)
			<-release
			return okOp()
		})
		done <- err
	}()
	<-admitted

	// Probe in flight: a second call must be rejected, not admitted alongside.
	_, err = b.Call(ctx, okOp)
	require.ErrorIs(t, err, apperr.ErrCircuitOpen)

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, StateClosed, b.Snapshot().State)

	_, err = b.Call(ctx, okOp)
	require.NoError(t, err)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	reg, now := testRegistry(Settings{FailureThreshold: 1, RecoveryTimeout: time.Second})
	b := reg.For("https://upstream.example")
	ctx := context.Background()

	_, err := b.Call(ctx, failOp)
	require.Error(t, err)

	*now = now.Add(2 * time.Second)
	_, err = b.Call(ctx, failOp)
	require.Error(t, err)
	require.NotErrorIs(t, err, apperr.ErrCircuitOpen)
	require.Equal(t, StateOpen, b.Snapshot().State)

	_, err = b.Call(ctx, okOp)
	require.ErrorIs(t, err, apperr.ErrCircuitOpen)
}

func TestBreakerSuccessThreshold(t *testing.T) {
	reg, now := testRegistry(Settings{FailureThreshold: 1, RecoveryTimeout: time.Second, SuccessThreshold: 2})
	b := reg.For("https://upstream.example")
	ctx := context.Background()

	_, err := b.Call(ctx, failOp)
	require.Error(t, err)

	*now = now.Add(2 * time.Second)
	_, err = b.Call(ctx, okOp)
	require.NoError(t, err)
	require.Equal(t, StateHalfOpen, b.Snapshot().State, "one success below threshold keeps probing")

	_, err = b.Call(ctx, okOp)
	require.NoError(t, err)
	require.Equal(t, StateClosed, b.Snapshot().State)
}

func TestClosedSuccessResetsFailureStreak(t *testing.T) {
	reg, _ := testRegistry(Settings{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	b := reg.For("https://upstream.example")
	ctx := context.Background()

	_, _ = b.Call(ctx, failOp)
	_, _ = b.Call(ctx, failOp)
	_, err := b.Call(ctx, okOp)
	require.NoError(t, err)

	// Streak broken: two more failures still stay below the threshold.
	_, _ = b.Call(ctx, failOp)
	_, _ = b.Call(ctx, failOp)
	require.Equal(t, StateClosed, b.Snapshot().State)
}

func TestRegistryPerTargetIsolation(t *testing.T) {
	reg, _ := testRegistry(Settings{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	_, err := reg.For("https://a.example").Call(ctx, failOp)
	require.Error(t, err)

	_, err = reg.For("https://b.example").Call(ctx, okOp)
	require.NoError(t, err, "breaker state must not leak across targets")

	require.Same(t, reg.For("https://a.example"), reg.For("https://a.example"))
	require.Len(t, reg.Snapshots(), 2)
}

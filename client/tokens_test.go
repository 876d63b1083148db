package client

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRegistrar struct {
	tokens []string
	err    error
}

func (r *recordingRegistrar) RegisterToken(_ context.Context, token string) error {
	if r.err != nil {
		return r.err
	}
	r.tokens = append(r.tokens, token)
	return nil
}

func TestCheckAndRenewHonoursInterval(t *testing.T) {
	store := newLocalStore(t)
	mock := newMockClock()
	registrar := &recordingRegistrar{}
	generation := 0
	source := func(context.Context) (string, error) {
		generation++
		return fmt.Sprintf("token-%d", generation), nil
	}
	refresher := NewTokenRefresher(store, registrar, source, mock)
	ctx := context.Background()

	_, ok, err := refresher.LastRefreshed(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	renewed, err := refresher.CheckAndRenew(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, renewed)

	mock.Add(23 * time.Hour)
	renewed, err = refresher.CheckAndRenew(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, renewed)

	// A new refresher over the same store sees the persisted timestamp.
	restarted := NewTokenRefresher(store, registrar, source, mock)
	mock.Add(time.Hour)
	renewed, err = restarted.CheckAndRenew(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, renewed)

	assert.Equal(t, []string{"token-1", "token-2"}, registrar.tokens)
	last, ok, err := restarted.LastRefreshed(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, last.Equal(mock.Now()))

	token, err := store.GetState(ctx, statePushToken)
	require.NoError(t, err)
	assert.Equal(t, "token-2", token)
}

func TestCheckAndRenewKeepsTimestampOnFailure(t *testing.T) {
	store := newLocalStore(t)
	mock := newMockClock()
	registrar := &recordingRegistrar{err: &APIError{Status: 503}}
	refresher := NewTokenRefresher(store, registrar, func(context.Context) (string, error) { return "t", nil }, mock)

	renewed, err := refresher.CheckAndRenew(context.Background(), time.Hour)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.False(t, renewed)

	_, ok, err := refresher.LastRefreshed(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

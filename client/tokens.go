package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/andres-erbsen/clock"
	jww "github.com/spf13/jwalterweatherman"
)

const (
	stateLastTokenRefresh = "last_token_refresh_at"
	statePushToken        = "push_token"
)

// TokenSource returns the current push token from the platform push provider.
type TokenSource func(ctx context.Context) (string, error)

// TokenRegistrar uploads a push token. *Client implements it.
type TokenRegistrar interface {
	RegisterToken(ctx context.Context, pushToken string) error
}

// TokenRefresher re-registers the push token when it is older than an interval,
// even if the app restarted in between.
type TokenRefresher struct {
	store     *LocalStore
	registrar TokenRegistrar
	source    TokenSource
	clock     clock.Clock
}

// NewTokenRefresher creates a refresher. clk may be nil.
func NewTokenRefresher(store *LocalStore, registrar TokenRegistrar, source TokenSource, clk clock.Clock) *TokenRefresher {
	if clk == nil {
		clk = clock.New()
	}
	return &TokenRefresher{store: store, registrar: registrar, source: source, clock: clk}
}

// LastRefreshed returns when the token was last registered.
func (r *TokenRefresher) LastRefreshed(ctx context.Context) (time.Time, bool, error) {
	raw, err := r.store.GetState(ctx, stateLastTokenRefresh)
	if err != nil {
		if errors.Is(err, ErrNoState) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse %s: %w", stateLastTokenRefresh, err)
	}
	return time.UnixMilli(ms), true, nil
}

// CheckAndRenew registers the token when interval elapsed since the last refresh,
// or when it was never registered. It reports whether a registration happened.
func (r *TokenRefresher) CheckAndRenew(ctx context.Context, interval time.Duration) (bool, error) {
	now := r.clock.Now()
	last, ok, err := r.LastRefreshed(ctx)
	if err != nil {
		return false, err
	}
	if ok && now.Sub(last) < interval {
		return false, nil
	}

	token, err := r.source(ctx)
	if err != nil {
		return false, fmt.Errorf("obtain push token: %w", err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return false, errors.New("push provider returned an empty token")
	}
	if err := r.registrar.RegisterToken(ctx, token); err != nil {
		return false, fmt.Errorf("register push token: %w", err)
	}

	at := now.UnixMilli()
	if err := r.store.SetState(ctx, statePushToken, token, at); err != nil {
		return false, err
	}
	if err := r.store.SetState(ctx, stateLastTokenRefresh, strconv.FormatInt(at, 10), at); err != nil {
		return false, err
	}
	jww.INFO.Printf("[Client] push token renewed")
	return true, nil
}

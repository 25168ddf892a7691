// Package ratelimit gates user-triggered publishes with per-item and
// per-requester daily caps.
package ratelimit

import (
	"context"
	"strconv"
	"sync/atomic"

	"cinebot/internal/settings"
)

const (
	DefaultItemCap = 3
	DefaultUserCap = 5

	itemCounter = "item_requests"
	userCounter = "user_requests"
)

// CounterNames lists the daily counters the limiter writes.
func CounterNames() []string { return []string{itemCounter, userCounter} }

// Limiter is constructed once at startup and shared. Caps can be swapped at
// runtime on config reload.
type Limiter struct {
	items *settings.Counter
	users *settings.Counter

	itemCap atomic.Int64
	userCap atomic.Int64
}

func New(s *settings.Store, itemCap, userCap int) *Limiter {
	l := &Limiter{
		items: s.Counter(itemCounter),
		users: s.Counter(userCounter),
	}
	l.SetCaps(itemCap, userCap)
	return l
}

// SetCaps replaces the caps; non-positive values select the defaults.
func (l *Limiter) SetCaps(itemCap, userCap int) {
	if itemCap <= 0 {
		itemCap = DefaultItemCap
	}
	if userCap <= 0 {
		userCap = DefaultUserCap
	}
	l.itemCap.Store(int64(itemCap))
	l.userCap.Store(int64(userCap))
}

func (l *Limiter) Caps() (item, user int) {
	return int(l.itemCap.Load()), int(l.userCap.Load())
}

// TryItemRequest counts one request for the item and reports whether it is
// still within today's cap. The increment happens first, so concurrent
// callers never both take the last slot.
func (l *Limiter) TryItemRequest(ctx context.Context, externalID int64) (bool, error) {
	n, err := l.items.Incr(ctx, strconv.FormatInt(externalID, 10))
	if err != nil {
		return false, err
	}
	return int64(n) <= l.itemCap.Load(), nil
}

// TrySubmitRequest counts one request by userID and reports whether it is
// within today's cap.
func (l *Limiter) TrySubmitRequest(ctx context.Context, userID int64) (bool, error) {
	n, err := l.users.Incr(ctx, strconv.FormatInt(userID, 10))
	if err != nil {
		return false, err
	}
	return int64(n) <= l.userCap.Load(), nil
}

// Remaining returns how many requests userID has left today.
func (l *Limiter) Remaining(ctx context.Context, userID int64) (int, error) {
	n, err := l.users.Get(ctx, strconv.FormatInt(userID, 10))
	if err != nil {
		return 0, err
	}
	return max(int(l.userCap.Load())-n, 0), nil
}

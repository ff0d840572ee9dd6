// Package registry is the single source of truth for who wants which ticker.
// It keeps SubscriberIdentity -> InterestSet and Ticker -> RefCount, and
// reports the 0->1 and 1->0 transitions that drive upstream subscriptions.
// Every mutation is atomic per call, so concurrent first subscribers to one
// ticker observe exactly one activation.
package registry

import (
	"context"
	"errors"
	"time"
)

var ErrEmptySubscriber = errors.New("registry: empty subscriber id")

type Registry interface {
	// Subscribe adds tickers to the subscriber's interest set and returns the tickers whose ref-count went 0->1.
	// Tickers the subscriber already holds are ignored.
	Subscribe(ctx context.Context, subscriberID string, tickers []string) (activated []string, err error)
	// Unsubscribe removes tickers and returns those whose ref-count went 1->0. Unknown tickers are a no-op.
	Unsubscribe(ctx context.Context, subscriberID string, tickers []string) (deactivated []string, err error)
	InterestOf(ctx context.Context, subscriberID string) ([]string, error)
	RefCount(ctx context.Context, ticker string) (int64, error)
	// ActiveTickers lists every ticker with a positive ref-count.
	ActiveTickers(ctx context.Context) ([]string, error)

	// BindTransport records a live transport for the subscriber and clears any detached mark.
	BindTransport(ctx context.Context, subscriberID, transportID string) error
	// DropTransport forgets one transport. Interest is kept; the subscriber is
	// marked detached when its last transport is gone.
	DropTransport(ctx context.Context, subscriberID, transportID string) error
	// Detached lists subscribers whose last transport dropped at or before the cutoff.
	Detached(ctx context.Context, before time.Time) ([]string, error)
	// Expire drops the whole interest set of a subscriber that is still detached since before the cutoff,
	// returning the tickers deactivated as a result. A subscriber that came back is left untouched.
	Expire(ctx context.Context, subscriberID string, before time.Time) (deactivated []string, err error)
}

package feed

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ActiveSource reports the tickers downstream interest currently holds.
type ActiveSource interface {
	ActiveTickers(ctx context.Context) ([]string, error)
}

// Reconcile repairs drift between the desired set and the registry, e.g. after
// a gateway crashed between a registry write and its upstream call.
//
// The desired set is read before the registry. Gateways write the registry
// first, so a transition that lands between the two reads shows up as a
// repeated Subscribe or Unsubscribe, never as the opposite call.
func (c *Client) Reconcile(ctx context.Context, src ActiveSource) (added, removed []string, err error) {
	desired, err := c.store.Members(ctx)
	if err != nil {
		return nil, nil, err
	}
	active, err := src.ActiveTickers(ctx)
	if err != nil {
		return nil, nil, err
	}

	want := toSet(active)
	have := toSet(desired)
	for t := range want {
		if _, ok := have[t]; !ok {
			added = append(added, t)
		}
	}
	for t := range have {
		if _, ok := want[t]; !ok {
			removed = append(removed, t)
		}
	}

	if len(added) > 0 {
		if err := c.Subscribe(ctx, added); err != nil {
			return added, removed, err
		}
	}
	if len(removed) > 0 {
		if err := c.Unsubscribe(ctx, removed); err != nil {
			return added, removed, err
		}
	}
	return added, removed, nil
}

// RunReconciler calls Reconcile every interval until ctx is done.
func (c *Client) RunReconciler(ctx context.Context, src ActiveSource, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			added, removed, err := c.Reconcile(ctx, src)
			if err != nil {
				c.logger.Warn("Reconcile failed", zap.Error(err))
				continue
			}
			if len(added)+len(removed) > 0 {
				c.logger.Info("Reconciled desired set",
					zap.Strings("added", added),
					zap.Strings("removed", removed),
				)
			}
		}
	}
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[s] = struct{}{}
	}
	return set
}

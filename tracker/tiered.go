package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/multierr"
)

//tiered announces to an announce-list. Tiers are tried in order and so are the
//trackers inside a tier; the first tracker that answers is moved to the head of
//its tier so it is tried first next time (BEP 12).
type tiered struct {
	mu      sync.Mutex
	tiers   [][]string
	tracker func(url string) (Tracker, error)
}

func newTiered(tiers [][]string, tracker func(string) (Tracker, error)) *tiered {
	return &tiered{
		tiers:   tiers,
		tracker: tracker,
	}
}

func (t *tiered) Announce(ctx context.Context, r AnnounceReq) (*AnnounceResp, error) {
	var errs error
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tier := range t.tiers {
		for i, u := range tier {
			if err := ctx.Err(); err != nil {
				return nil, multierr.Append(errs, err)
			}
			tr, err := t.tracker(u)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			resp, err := tr.Announce(ctx, r)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", u, err))
				continue
			}
			copy(tier[1:i+1], tier[:i])
			tier[0] = u
			return resp, nil
		}
	}
	if errs == nil {
		errs = errors.New("no trackers in announce list")
	}
	return nil, errs
}

func (t *tiered) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	tiers := make([]string, len(t.tiers))
	for i, tier := range t.tiers {
		tiers[i] = strings.Join(tier, " ")
	}
	return strings.Join(tiers, " | ")
}

package tracker

import "context"

// Tier is one BEP 12 announce-list tier: URLs are tried in order, and the
// first to succeed is promoted to the front so it is tried first next
// time.
type Tier struct {
	clients []Client
}

// NewTier builds a tier from clients already constructed for each URL in
// announce-list order.
func NewTier(clients []Client) *Tier {
	return &Tier{clients: clients}
}

// Announce tries each client in the tier in order, promoting the first
// success to the front. It returns the winning client's response, or the
// last error if every client in the tier failed.
func (t *Tier) Announce(ctx context.Context, req AnnounceRequest) (AnnounceResponse, error) {
	var lastErr error
	for i, c := range t.clients {
		resp, err := c.Announce(ctx, req)
		if err == nil {
			t.promote(i)
			return resp, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrTrackerFailure
	}
	return AnnounceResponse{}, lastErr
}

func (t *Tier) promote(i int) {
	if i == 0 {
		return
	}
	winner := t.clients[i]
	copy(t.clients[1:i+1], t.clients[0:i])
	t.clients[0] = winner
}

func (t *Tier) Close() error {
	var firstErr error
	for _, c := range t.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// TierList is a torrent's whole announce-list: tiers are tried in order,
// moving to the next tier only when the whole current tier fails.
type TierList struct {
	tiers []*Tier
}

func NewTierList(tiers []*Tier) *TierList {
	return &TierList{tiers: tiers}
}

// Announce tries tiers in order and returns the first tier's success.
func (tl *TierList) Announce(ctx context.Context, req AnnounceRequest) (AnnounceResponse, error) {
	var lastErr error
	for _, t := range tl.tiers {
		resp, err := t.Announce(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrTrackerFailure
	}
	return AnnounceResponse{}, lastErr
}

func (tl *TierList) Close() error {
	var firstErr error
	for _, t := range tl.tiers {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

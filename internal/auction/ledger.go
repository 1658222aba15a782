package auction

import (
	"fmt"
	"sort"

	"github.com/cropbid/auction-client/pkg/types"
)

// Ledger is the append-as-received, deduplicated, time-ordered log of
// observed bids for one auction. It merges the paginated REST history with
// live broadcast events; neither source guarantees a durable bid id, so
// entries are keyed by a derived identity.
type Ledger struct {
	bids  []types.Bid // ascending by ObservedAt
	index map[string]int
}

func NewLedger() *Ledger {
	return &Ledger{index: make(map[string]int)}
}

// dedupKey derives a stable identity for a bid. The durable id wins when a
// source supplies one; otherwise bidder, price and the observation second
// identify the logical event across both sources.
func dedupKey(b types.Bid) string {
	if b.ID != "" {
		return b.ID
	}
	return fmt.Sprintf("%d|%s|%d", b.BidderUserID, b.Price.String(), b.ObservedAt.Unix())
}

// Seed establishes the baseline from the initial history fetch. Order of the
// input is not trusted; the ledger re-derives it from ObservedAt.
func (l *Ledger) Seed(historical []types.Bid) {
	for _, b := range historical {
		l.Observe(b)
	}
}

// Observe inserts or replaces a bid by its dedup key, keeping the list
// sorted. Called for every live bid broadcast and every seeded record.
func (l *Ledger) Observe(b types.Bid) {
	key := dedupKey(b)
	if i, ok := l.index[key]; ok {
		if l.bids[i].ObservedAt.Equal(b.ObservedAt) {
			l.bids[i] = b
			return
		}
		// The re-delivery moved the timestamp; the slot may no longer be the
		// right one, so take the old entry out and re-insert in order.
		l.bids = append(l.bids[:i], l.bids[i+1:]...)
		delete(l.index, key)
		for j := i; j < len(l.bids); j++ {
			l.index[dedupKey(l.bids[j])] = j
		}
	}

	at := sort.Search(len(l.bids), func(i int) bool {
		return l.bids[i].ObservedAt.After(b.ObservedAt)
	})
	l.bids = append(l.bids, types.Bid{})
	copy(l.bids[at+1:], l.bids[at:])
	l.bids[at] = b

	l.index[key] = at
	for i := at + 1; i < len(l.bids); i++ {
		l.index[dedupKey(l.bids[i])] = i
	}
}

// Len reports the number of distinct bids observed.
func (l *Ledger) Len() int {
	return len(l.bids)
}

// Chronological returns a copy of the bids in ascending ObservedAt order.
func (l *Ledger) Chronological() []types.Bid {
	out := make([]types.Bid, len(l.bids))
	copy(out, l.bids)
	return out
}

// NewestFirst returns the display ordering, derived from the canonical
// chronological storage.
func (l *Ledger) NewestFirst() []types.Bid {
	out := make([]types.Bid, len(l.bids))
	for i, b := range l.bids {
		out[len(l.bids)-1-i] = b
	}
	return out
}

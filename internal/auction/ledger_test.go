package auction

import (
	"testing"
	"time"

	"github.com/cropbid/auction-client/pkg/types"
)

func bidAt(bidder int64, price string, at time.Time) types.Bid {
	return types.Bid{
		AuctionID:    1,
		BidderUserID: bidder,
		Price:        dec(price),
		ObservedAt:   at,
	}
}

func TestLedgerSeedOrdersByObservedAt(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLedger()

	// History endpoint ordering is not trusted; seed newest first on purpose.
	l.Seed([]types.Bid{
		bidAt(3, "1150", base.Add(2*time.Minute)),
		bidAt(2, "1100", base.Add(1*time.Minute)),
		bidAt(1, "1050", base),
	})

	got := l.Chronological()
	if len(got) != 3 {
		t.Fatalf("expected 3 bids, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].ObservedAt.Before(got[i-1].ObservedAt) {
			t.Errorf("bids out of order at index %d", i)
		}
	}
	if got[0].BidderUserID != 1 || got[2].BidderUserID != 3 {
		t.Errorf("unexpected ordering: first bidder %d, last bidder %d",
			got[0].BidderUserID, got[2].BidderUserID)
	}
}

func TestLedgerDeduplicatesAcrossSources(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLedger()

	l.Seed([]types.Bid{
		bidAt(1, "1050", base),
		bidAt(2, "1100", base.Add(time.Minute)),
	})

	// Live broadcast delivers the same logical bid with sub-second skew.
	l.Observe(bidAt(2, "1100", base.Add(time.Minute).Add(300*time.Millisecond)))
	l.Observe(bidAt(3, "1150", base.Add(2*time.Minute)))

	if l.Len() != 3 {
		t.Fatalf("expected 3 distinct bids, got %d", l.Len())
	}

	seen := make(map[string]bool)
	for _, b := range l.Chronological() {
		key := dedupKey(b)
		if seen[key] {
			t.Errorf("duplicate dedup key %q", key)
		}
		seen[key] = true
	}
}

func TestLedgerPrefersDurableID(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLedger()

	first := bidAt(1, "1050", base)
	first.ID = "bid-1"
	l.Seed([]types.Bid{first})

	// Same durable id arriving from the live stream replaces, never duplicates,
	// even when the observed timestamp differs by more than a second.
	replay := bidAt(1, "1050", base.Add(5*time.Second))
	replay.ID = "bid-1"
	l.Observe(replay)

	if l.Len() != 1 {
		t.Fatalf("expected 1 bid, got %d", l.Len())
	}
}

func TestLedgerReplayWithNewerTimestampKeepsOrder(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLedger()

	first := bidAt(1, "1050", base)
	first.ID = "bid-1"
	second := bidAt(2, "1100", base.Add(2*time.Second))
	second.ID = "bid-2"
	l.Seed([]types.Bid{first, second})

	// The live stream re-delivers bid-1 with a timestamp past its neighbor
	// (history createdAt vs broadcast placed_at). The entry must move, not be
	// overwritten in place.
	replay := bidAt(1, "1050", base.Add(7*time.Second))
	replay.ID = "bid-1"
	l.Observe(replay)

	got := l.Chronological()
	if len(got) != 2 {
		t.Fatalf("expected 2 bids, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].ObservedAt.Before(got[i-1].ObservedAt) {
			t.Errorf("bids out of order at index %d: %s precedes %s",
				i, got[i-1].ObservedAt, got[i].ObservedAt)
		}
	}
	if got[0].ID != "bid-2" || got[1].ID != "bid-1" {
		t.Errorf("expected bid-2 then bid-1, got %q then %q", got[0].ID, got[1].ID)
	}

	// The index must still resolve both keys after the move.
	l.Observe(replay)
	if l.Len() != 2 {
		t.Errorf("replaying again should not duplicate, got %d bids", l.Len())
	}
}

func TestLedgerObserveInsertsInOrder(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLedger()

	l.Observe(bidAt(2, "1100", base.Add(time.Minute)))
	l.Observe(bidAt(1, "1050", base)) // arrives late

	got := l.Chronological()
	if got[0].BidderUserID != 1 {
		t.Errorf("late-arriving older bid should sort first, got bidder %d", got[0].BidderUserID)
	}
}

func TestLedgerNewestFirstIsDerivedFromChronological(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLedger()
	l.Seed([]types.Bid{
		bidAt(1, "1050", base),
		bidAt(2, "1100", base.Add(time.Minute)),
		bidAt(3, "1150", base.Add(2*time.Minute)),
	})

	asc := l.Chronological()
	desc := l.NewestFirst()
	if len(asc) != len(desc) {
		t.Fatalf("length mismatch: %d vs %d", len(asc), len(desc))
	}
	for i := range asc {
		if asc[i].BidderUserID != desc[len(desc)-1-i].BidderUserID {
			t.Errorf("display order is not the reverse of storage order at index %d", i)
		}
	}
}

package auction

import (
	"github.com/charmbracelet/log"
	"github.com/cropbid/auction-client/internal/transport"
	"github.com/cropbid/auction-client/pkg/types"
	"github.com/shopspring/decimal"
)

// LiveState is the local authoritative view of one auction's live status.
// Broadcast events only ever move the price up; a reconnect resync replaces
// the whole state, even when the fresh snapshot looks "lower" than a stale
// local cache.
type LiveState struct {
	auctionID    int64
	currentPrice decimal.Decimal
	minIncrement decimal.Decimal
	status       types.AuctionStatus
}

func NewLiveState(auctionID int64) *LiveState {
	return &LiveState{
		auctionID: auctionID,
		status:    types.AuctionScheduled,
	}
}

// Initialize sets the state from the initial REST snapshot, before any
// broadcasts are guaranteed to have arrived.
func (s *LiveState) Initialize(snapshot types.AuctionSnapshot) {
	s.currentPrice = snapshot.CurrentPrice
	s.minIncrement = snapshot.MinIncrement
	s.status = snapshot.Status
}

// Resync replaces the state wholesale from a fresh snapshot after a
// reconnect. This is the only path allowed to lower the price.
func (s *LiveState) Resync(snapshot types.AuctionSnapshot) {
	s.Initialize(snapshot)
}

// ApplyBidPlaced applies a bid broadcast. Events for other auctions are
// ignored, as are events that would lower the price: those can only be stale
// or leaked frames, and the server never lowers the floor while open.
func (s *LiveState) ApplyBidPlaced(ev *transport.BidPlacedEvent) bool {
	if ev.AuctionID != s.auctionID {
		return false
	}
	if ev.CurrentPrice.LessThan(s.currentPrice) {
		log.Warnf("Ignoring stale bid event for auction %d: %s < %s",
			s.auctionID, ev.CurrentPrice, s.currentPrice)
		return false
	}
	s.currentPrice = ev.CurrentPrice
	s.minIncrement = ev.MinIncrement
	return true
}

// ApplyPriceTick applies a partial update; only fields present in the event
// are touched. Ticks carry status flips like open -> closed at the scheduled
// end time.
func (s *LiveState) ApplyPriceTick(ev *transport.PriceTickEvent) {
	if ev.AuctionID != s.auctionID {
		return
	}
	if ev.CurrentPrice != nil && !ev.CurrentPrice.LessThan(s.currentPrice) {
		s.currentPrice = *ev.CurrentPrice
	}
	if ev.MinIncrement != nil {
		s.minIncrement = *ev.MinIncrement
	}
	if ev.Status != nil {
		s.status = *ev.Status
	}
}

func (s *LiveState) AuctionID() int64 {
	return s.auctionID
}

func (s *LiveState) CurrentPrice() decimal.Decimal {
	return s.currentPrice
}

func (s *LiveState) MinIncrement() decimal.Decimal {
	return s.minIncrement
}

func (s *LiveState) Status() types.AuctionStatus {
	return s.status
}

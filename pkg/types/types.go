package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type AuctionStatus string

const (
	AuctionScheduled AuctionStatus = "scheduled"
	AuctionOpen      AuctionStatus = "open"
	AuctionClosed    AuctionStatus = "closed"
)

// AuctionSnapshot is the authoritative view of one auction as returned by the
// REST API. It seeds live state on session start and replaces it wholesale on
// reconnect resync.
type AuctionSnapshot struct {
	ID           int64           `json:"id"`
	CropName     string          `json:"cropName"`
	SellerID     int64           `json:"sellerId"`
	StartPrice   decimal.Decimal `json:"startPrice"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	MinIncrement decimal.Decimal `json:"minIncrement"`
	Status       AuctionStatus   `json:"status"`
	StartTime    time.Time       `json:"startTime"`
	EndTime      time.Time       `json:"endTime"`
}

// Bid is one observed or submitted bid. Price is the new absolute total after
// the bid, not a delta.
type Bid struct {
	ID           string          `json:"id,omitempty"` // durable id when the source supplies one
	AuctionID    int64           `json:"auctionId"`
	BidderUserID int64           `json:"bidderUserId"`
	Price        decimal.Decimal `json:"price"`
	ObservedAt   time.Time       `json:"observedAt"`
}

// BidResult is the outcome of an accepted bid submission.
type BidResult struct {
	AuctionID    int64
	BidAmount    decimal.Decimal
	CurrentPrice decimal.Decimal // price acknowledged by the server
}

// ConnectionState is owned by the transport connection and read-only to
// everything else.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

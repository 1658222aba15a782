package transport

import (
	"encoding/json"
	"time"

	"github.com/cropbid/auction-client/pkg/types"
	"github.com/shopspring/decimal"
)

// Message type constants for the auction wire protocol.
const (
	// server -> client
	TypeBidPlaced = "bid"   // a bid was accepted, carries the new floor
	TypePriceTick = "tick"  // periodic partial state update
	TypeAck       = "ack"   // positive acknowledgment of an invocation
	TypeError     = "error" // negative acknowledgment or protocol error

	// client -> server
	TypeJoin  = "join"
	TypeLeave = "leave"
	TypePlace = "place_bid"
)

// Message is the envelope for every frame on the wire. ID correlates an
// invocation with its ack; broadcast events leave it empty.
type Message struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ParseMessage validates and parses incoming frames.
func ParseMessage(rawMessage []byte) (*Message, error) {
	var msg Message
	err := json.Unmarshal(rawMessage, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// BidPlacedEvent is broadcast to every member of an auction room when the
// server accepts a bid. CurrentPrice is the new absolute floor.
type BidPlacedEvent struct {
	AuctionID    int64           `json:"auction_id"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	MinIncrement decimal.Decimal `json:"min_increment"`
	UserID       int64           `json:"user_id"`
	BidID        string          `json:"bid_id,omitempty"`
	PlacedAt     *time.Time      `json:"placed_at,omitempty"`
}

// PriceTickEvent is a partial update; only non-nil fields apply.
type PriceTickEvent struct {
	AuctionID    int64                `json:"auction_id"`
	CurrentPrice *decimal.Decimal     `json:"current_price,omitempty"`
	MinIncrement *decimal.Decimal     `json:"min_increment,omitempty"`
	Status       *types.AuctionStatus `json:"status,omitempty"`
}

// JoinRequest subscribes the connection to one auction's broadcast room.
type JoinRequest struct {
	AuctionID int64  `json:"auction_id"`
	UserID    int64  `json:"user_id"`
	Client    string `json:"client,omitempty"`
}

// LeaveRequest unsubscribes from the room. Best effort on the way out.
type LeaveRequest struct {
	AuctionID int64 `json:"auction_id"`
}

// PlaceBidRequest submits an absolute bid amount, not an increment.
type PlaceBidRequest struct {
	AuctionID    int64           `json:"auction_id"`
	BidderUserID int64           `json:"bidder_user_id"`
	BidAmount    decimal.Decimal `json:"bid_amount"`
}

// AckData is the payload of a positive acknowledgment. CurrentPrice is set on
// bid acks so the client learns the acknowledged floor.
type AckData struct {
	CurrentPrice *decimal.Decimal `json:"current_price,omitempty"`
}

// ErrorData is the payload of a negative acknowledgment. CurrentPrice is set
// when a bid loses the race, so the client can show the new floor.
type ErrorData struct {
	Code         int              `json:"code"`
	Message      string           `json:"message"`
	CurrentPrice *decimal.Decimal `json:"current_price,omitempty"`
}

// Event is a broadcast frame delivered to session subscribers, already split
// from the ack stream.
type Event struct {
	Type      string
	BidPlaced *BidPlacedEvent
	PriceTick *PriceTickEvent
}

// AuctionID reports which room the event belongs to.
func (e Event) AuctionID() int64 {
	switch e.Type {
	case TypeBidPlaced:
		return e.BidPlaced.AuctionID
	case TypePriceTick:
		return e.PriceTick.AuctionID
	}
	return 0
}

func unmarshalData(data json.RawMessage, v interface{}) error {
	return json.Unmarshal(data, v)
}

func marshalMessage(msgType, id string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Message{Type: msgType, ID: id, Data: data})
}

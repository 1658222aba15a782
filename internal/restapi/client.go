package restapi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cropbid/auction-client/pkg/errors"
	"github.com/cropbid/auction-client/pkg/types"
	"github.com/shopspring/decimal"
	"resty.dev/v3"
)

const requestTimeout = 10 * time.Second

// Client talks to the marketplace REST API for the two collaborator calls the
// live protocol needs: the auction snapshot and the paginated bid history.
type Client struct {
	http *resty.Client
}

func NewClient(baseURL, token string) *Client {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout)
	if token != "" {
		http.SetAuthToken(token)
	}
	return &Client{http: http}
}

func (c *Client) Close() error {
	return c.http.Close()
}

// GetAuction fetches the authoritative snapshot for one auction.
func (c *Client) GetAuction(ctx context.Context, auctionID int64) (types.AuctionSnapshot, error) {
	var snapshot types.AuctionSnapshot
	res, err := c.http.R().
		SetContext(ctx).
		SetResult(&snapshot).
		Get(fmt.Sprintf("/auctions/%d", auctionID))
	if err != nil {
		return types.AuctionSnapshot{}, fmt.Errorf("get auction %d: %w", auctionID, err)
	}
	if res.IsError() {
		return types.AuctionSnapshot{}, errors.New(errors.ErrCodeInternal,
			fmt.Sprintf("get auction %d: %s", auctionID, res.Status()))
	}
	return snapshot, nil
}

// bidRecord tolerates both field spellings the backend has shipped for the
// same logical bid: the history endpoint and the live broadcast disagree on
// names.
type bidRecord struct {
	ID           string           `json:"id"`
	BidAmount    *decimal.Decimal `json:"bidAmount"`
	Price        *decimal.Decimal `json:"price"`
	BidderUserID *int64           `json:"bidderUserId"`
	UserID       *int64           `json:"userId"`
	CreatedAt    *time.Time       `json:"createdAt"`
}

func (r bidRecord) toBid(auctionID int64, now time.Time) types.Bid {
	bid := types.Bid{ID: r.ID, AuctionID: auctionID, ObservedAt: now}
	if r.Price != nil {
		bid.Price = *r.Price
	} else if r.BidAmount != nil {
		bid.Price = *r.BidAmount
	}
	if r.BidderUserID != nil {
		bid.BidderUserID = *r.BidderUserID
	} else if r.UserID != nil {
		bid.BidderUserID = *r.UserID
	}
	if r.CreatedAt != nil {
		bid.ObservedAt = *r.CreatedAt
	}
	return bid
}

type bidHistoryPage struct {
	Bids  []json.RawMessage `json:"bids"`
	Total int               `json:"total"`
}

// ListBids fetches one page of the bid history. Records missing a timestamp
// get a client-assigned observation time; ordering is left to the ledger.
func (c *Client) ListBids(ctx context.Context, auctionID int64, page, pageSize int) ([]types.Bid, error) {
	var body bidHistoryPage
	res, err := c.http.R().
		SetContext(ctx).
		SetResult(&body).
		SetQueryParam("page", fmt.Sprintf("%d", page)).
		SetQueryParam("pageSize", fmt.Sprintf("%d", pageSize)).
		Get(fmt.Sprintf("/auctions/%d/bids", auctionID))
	if err != nil {
		return nil, fmt.Errorf("list bids for auction %d: %w", auctionID, err)
	}
	if res.IsError() {
		return nil, errors.New(errors.ErrCodeInternal,
			fmt.Sprintf("list bids for auction %d: %s", auctionID, res.Status()))
	}

	now := time.Now()
	bids := make([]types.Bid, 0, len(body.Bids))
	for _, raw := range body.Bids {
		var record bidRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, fmt.Errorf("decode bid record: %w", err)
		}
		bids = append(bids, record.toBid(auctionID, now))
	}
	return bids, nil
}

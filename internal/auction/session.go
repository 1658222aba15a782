package auction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cropbid/auction-client/internal/transport"
	"github.com/cropbid/auction-client/pkg/errors"
	"github.com/cropbid/auction-client/pkg/types"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Transport is the slice of the connection manager a session depends on.
type Transport interface {
	State() types.ConnectionState
	Invoke(ctx context.Context, msgType string, payload interface{}) (*transport.AckData, error)
	Send(msgType string, payload interface{}) error
	Subscribe() (<-chan transport.Event, func())
	OnReconnect() (<-chan struct{}, func())
}

// SnapshotAPI is the REST collaborator consulted at session start and after
// every reconnect.
type SnapshotAPI interface {
	GetAuction(ctx context.Context, auctionID int64) (types.AuctionSnapshot, error)
	ListBids(ctx context.Context, auctionID int64, page, pageSize int) ([]types.Bid, error)
}

// Options tune the session timing knobs. Zero values fall back to defaults.
type Options struct {
	JoinTimeout     time.Duration
	SubmitTimeout   time.Duration
	HistoryPageSize int
	BidsPerSecond   float64
	BidBurst        int
	Observer        bool // owner/observer mode: bid submission is refused
}

func (o *Options) applyDefaults() {
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 5 * time.Second
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 5 * time.Second
	}
	if o.HistoryPageSize <= 0 {
		o.HistoryPageSize = 50
	}
	if o.BidsPerSecond <= 0 {
		o.BidsPerSecond = 1
	}
	if o.BidBurst <= 0 {
		o.BidBurst = 3
	}
}

// Session is one client's live view of one auction: room membership, the
// synchronized price state and the bid ledger. A session owns its state
// exclusively; two views of the same auction run two sessions.
type Session struct {
	conn      Transport
	api       SnapshotAPI
	auctionID int64
	userID    int64
	opts      Options
	limiter   *rate.Limiter

	mu         sync.Mutex
	state      *LiveState
	ledger     *Ledger
	joined     bool
	submitting bool
	closed     bool

	events          <-chan transport.Event
	cancelEvents    func()
	reconnects      <-chan struct{}
	cancelReconnect func()
	done            chan struct{}
	updates         chan struct{}
}

func NewSession(conn Transport, api SnapshotAPI, auctionID, userID int64, opts Options) *Session {
	opts.applyDefaults()
	return &Session{
		conn:      conn,
		api:       api,
		auctionID: auctionID,
		userID:    userID,
		opts:      opts,
		limiter:   rate.NewLimiter(rate.Limit(opts.BidsPerSecond), opts.BidBurst),
		state:     NewLiveState(auctionID),
		ledger:    NewLedger(),
		done:      make(chan struct{}),
		updates:   make(chan struct{}, 1),
	}
}

// Start fetches the snapshot and bid history, subscribes to the live event
// stream and joins the auction room. The transport must already be connected.
func (s *Session) Start(ctx context.Context) error {
	snapshot, err := s.api.GetAuction(ctx, s.auctionID)
	if err != nil {
		return fmt.Errorf("initial snapshot: %w", err)
	}

	history, err := s.fetchHistory(ctx)
	if err != nil {
		return fmt.Errorf("initial history: %w", err)
	}

	s.mu.Lock()
	s.state.Initialize(snapshot)
	s.ledger.Seed(history)
	s.mu.Unlock()

	s.events, s.cancelEvents = s.conn.Subscribe()
	s.reconnects, s.cancelReconnect = s.conn.OnReconnect()
	go s.loop()

	if err := s.Join(ctx); err != nil {
		return err
	}
	return nil
}

func (s *Session) fetchHistory(ctx context.Context) ([]types.Bid, error) {
	var all []types.Bid
	for page := 1; ; page++ {
		bids, err := s.api.ListBids(ctx, s.auctionID, page, s.opts.HistoryPageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, bids...)
		if len(bids) < s.opts.HistoryPageSize {
			return all, nil
		}
	}
}

// Join subscribes this client to the auction's broadcast room. Joining while
// already joined is a no-op.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.WithMessage(errors.ErrJoinFailed, "session is closed")
	}
	if s.joined {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if s.conn.State() != types.Connected {
		return errors.WithMessage(errors.ErrJoinFailed, "transport is not connected")
	}

	joinCtx, cancel := context.WithTimeout(ctx, s.opts.JoinTimeout)
	defer cancel()
	_, err := s.conn.Invoke(joinCtx, transport.TypeJoin, &transport.JoinRequest{
		AuctionID: s.auctionID,
		UserID:    s.userID,
	})
	if err != nil {
		if errors.Is(err, errors.ErrTimeout) {
			return err
		}
		return errors.Wrap(errors.ErrJoinFailed, err, fmt.Sprintf("join auction %d", s.auctionID))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.WithMessage(errors.ErrJoinFailed, "session closed during join")
	}
	s.joined = true
	s.mu.Unlock()
	log.Debugf("Joined auction %d as user %d", s.auctionID, s.userID)
	return nil
}

// Leave is best effort; the session is ending anyway, so failures are logged
// and ignored.
func (s *Session) Leave() {
	s.mu.Lock()
	wasJoined := s.joined
	s.joined = false
	s.mu.Unlock()
	if !wasJoined {
		return
	}
	if err := s.conn.Send(transport.TypeLeave, &transport.LeaveRequest{AuctionID: s.auctionID}); err != nil {
		log.Debugf("Leave auction %d failed: %v", s.auctionID, err)
	}
}

// SubmitBid validates the increment locally, then submits the absolute bid
// amount and waits for the server's verdict. Exactly one submission may be in
// flight per session. The bid amount is derived from the current price at
// validation time, not at button-press time; the server stays the final
// arbiter when a concurrent bid raises the floor mid-flight.
func (s *Session) SubmitBid(ctx context.Context, increment decimal.Decimal) (types.BidResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.BidResult{}, errors.WithMessage(errors.ErrNotJoined, "session is closed")
	}
	if s.conn.State() != types.Connected || !s.joined {
		s.mu.Unlock()
		return types.BidResult{}, errors.WithMessage(errors.ErrNotJoined,
			"bidding requires a connected and joined session")
	}
	if s.opts.Observer {
		s.mu.Unlock()
		return types.BidResult{}, errors.ErrOwnerCannotBid
	}
	if increment.LessThan(s.state.MinIncrement()) {
		minIncrement := s.state.MinIncrement()
		s.mu.Unlock()
		return types.BidResult{}, errors.WithMessage(errors.ErrBelowMinimumIncrement,
			fmt.Sprintf("increment %s is below the minimum %s", increment, minIncrement))
	}
	if s.state.Status() != types.AuctionOpen {
		status := s.state.Status()
		s.mu.Unlock()
		return types.BidResult{}, errors.WithMessage(errors.ErrAuctionClosed,
			fmt.Sprintf("auction %d is %s", s.auctionID, status))
	}
	if s.submitting {
		s.mu.Unlock()
		return types.BidResult{}, errors.ErrSubmissionInProgress
	}
	if !s.limiter.Allow() {
		s.mu.Unlock()
		return types.BidResult{}, errors.WithMessage(errors.ErrSubmissionInProgress,
			"bid rate limit exceeded")
	}
	s.submitting = true
	amount := s.state.CurrentPrice().Add(increment)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.submitting = false
		s.mu.Unlock()
	}()

	submitCtx, cancel := context.WithTimeout(ctx, s.opts.SubmitTimeout)
	defer cancel()
	ack, err := s.conn.Invoke(submitCtx, transport.TypePlace, &transport.PlaceBidRequest{
		AuctionID:    s.auctionID,
		BidderUserID: s.userID,
		BidAmount:    amount,
	})
	if err != nil {
		return types.BidResult{}, err
	}

	result := types.BidResult{AuctionID: s.auctionID, BidAmount: amount, CurrentPrice: amount}
	if ack != nil && ack.CurrentPrice != nil {
		result.CurrentPrice = *ack.CurrentPrice
	}
	// The ledger is not touched here: the BidPlaced broadcast, observed by the
	// submitter like everyone else, is the single update path.
	return result, nil
}

// Close leaves the room and detaches from the shared connection. Safe to call
// more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.Leave()
	if s.cancelEvents != nil {
		s.cancelEvents()
	}
	if s.cancelReconnect != nil {
		s.cancelReconnect()
	}
	close(s.done)
}

// loop is the session's single dispatch goroutine; every state and ledger
// mutation driven by the network happens here, in arrival order.
func (s *Session) loop() {
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				return
			}
			s.handleEvent(ev)
		case <-s.reconnects:
			s.handleReconnected()
		case <-s.done:
			return
		}
	}
}

func (s *Session) handleEvent(ev transport.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	switch ev.Type {
	case transport.TypeBidPlaced:
		if !s.state.ApplyBidPlaced(ev.BidPlaced) {
			return
		}
		observedAt := time.Now()
		if ev.BidPlaced.PlacedAt != nil {
			observedAt = *ev.BidPlaced.PlacedAt
		}
		s.ledger.Observe(types.Bid{
			ID:           ev.BidPlaced.BidID,
			AuctionID:    ev.BidPlaced.AuctionID,
			BidderUserID: ev.BidPlaced.UserID,
			Price:        ev.BidPlaced.CurrentPrice,
			ObservedAt:   observedAt,
		})
	case transport.TypePriceTick:
		s.state.ApplyPriceTick(ev.PriceTick)
	default:
		return
	}
	s.notifyLocked()
}

// handleReconnected re-joins the room and resyncs from a fresh snapshot: the
// in-memory state is treated as possibly stale because events may have been
// missed while disconnected.
func (s *Session) handleReconnected() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.joined = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.JoinTimeout)
	defer cancel()

	if err := s.Join(ctx); err != nil {
		log.Warnf("Re-join after reconnect failed: %v", err)
		return
	}

	snapshot, err := s.api.GetAuction(ctx, s.auctionID)
	if err != nil {
		log.Warnf("Resync snapshot fetch failed: %v", err)
		return
	}

	s.mu.Lock()
	if !s.closed {
		s.state.Resync(snapshot)
		s.notifyLocked()
	}
	s.mu.Unlock()
}

func (s *Session) notifyLocked() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// Updates signals (coalesced) that the live state or ledger changed.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// Joined reports the room membership state.
func (s *Session) Joined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

// CurrentPrice returns the synchronized floor price.
func (s *Session) CurrentPrice() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CurrentPrice()
}

// MinIncrement returns the minimum delta a new bid must add.
func (s *Session) MinIncrement() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.MinIncrement()
}

// Status returns the auction's live status.
func (s *Session) Status() types.AuctionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Status()
}

// Bids returns the ledger in display order, newest first.
func (s *Session) Bids() []types.Bid {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.NewestFirst()
}

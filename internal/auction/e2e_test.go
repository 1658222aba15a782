package auction_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cropbid/auction-client/internal/auction"
	"github.com/cropbid/auction-client/internal/restapi"
	"github.com/cropbid/auction-client/internal/transport"
	"github.com/cropbid/auction-client/pkg/errors"
	"github.com/cropbid/auction-client/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// bidServer is a minimal in-process auction server speaking the live
// protocol: join acks, bid validation against the floor, and room-wide
// broadcasts.
type bidServer struct {
	mu           sync.Mutex
	currentPrice decimal.Decimal
	minIncrement decimal.Decimal
	members      map[*websocket.Conn]bool
}

func newBidServer(price, increment string) *bidServer {
	return &bidServer{
		currentPrice: mustDec(price),
		minIncrement: mustDec(increment),
		members:      make(map[*websocket.Conn]bool),
	}
}

func mustDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

var e2eUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *bidServer) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := e2eUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() {
		s.mu.Lock()
		delete(s.members, ws)
		s.mu.Unlock()
		ws.Close()
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := transport.ParseMessage(raw)
		if err != nil {
			continue
		}
		switch msg.Type {
		case "join":
			s.mu.Lock()
			s.members[ws] = true
			s.mu.Unlock()
			s.send(ws, "ack", msg.ID, nil)
		case "leave":
			s.mu.Lock()
			delete(s.members, ws)
			s.mu.Unlock()
		case "place_bid":
			s.handleBid(ws, msg)
		}
	}
}

func (s *bidServer) handleBid(ws *websocket.Conn, msg *transport.Message) {
	var req struct {
		AuctionID    int64           `json:"auction_id"`
		BidderUserID int64           `json:"bidder_user_id"`
		BidAmount    decimal.Decimal `json:"bid_amount"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return
	}

	s.mu.Lock()
	floor := s.currentPrice.Add(s.minIncrement)
	accepted := !req.BidAmount.LessThan(floor)
	if accepted {
		s.currentPrice = req.BidAmount
	}
	price := s.currentPrice
	increment := s.minIncrement
	members := make([]*websocket.Conn, 0, len(s.members))
	for m := range s.members {
		members = append(members, m)
	}
	s.mu.Unlock()

	if !accepted {
		s.send(ws, "error", msg.ID, map[string]interface{}{
			"code":          errors.ErrCodeBidRejected,
			"message":       "bid below the current floor",
			"current_price": price,
		})
		return
	}

	s.send(ws, "ack", msg.ID, map[string]interface{}{"current_price": price})
	for _, m := range members {
		s.send(m, "bid", "", map[string]interface{}{
			"auction_id":    req.AuctionID,
			"current_price": price,
			"min_increment": increment,
			"user_id":       req.BidderUserID,
		})
	}
}

func (s *bidServer) send(ws *websocket.Conn, msgType, id string, data interface{}) {
	payload, _ := json.Marshal(data)
	raw, _ := json.Marshal(map[string]interface{}{
		"type": msgType,
		"id":   id,
		"data": json.RawMessage(payload),
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = ws.WriteMessage(websocket.TextMessage, raw)
}

func (s *bidServer) handleREST(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	price := s.currentPrice
	increment := s.minIncrement
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if r.URL.Path == "/auctions/1" {
		fmt.Fprintf(w, `{"id":1,"sellerId":3,"currentPrice":%q,"minIncrement":%q,"status":"open"}`,
			price.String(), increment.String())
		return
	}
	if r.URL.Path == "/auctions/1/bids" {
		fmt.Fprint(w, `{"total":0,"bids":[]}`)
		return
	}
	http.NotFound(w, r)
}

func startClient(t *testing.T, wsServer, restServer *httptest.Server, userID int64) *auction.Session {
	t.Helper()
	conn := transport.NewConn("ws"+wsServer.URL[len("http"):], "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	api := restapi.NewClient(restServer.URL, "")
	t.Cleanup(func() { _ = api.Close() })

	sess := auction.NewSession(conn, api, 1, userID, auction.Options{BidsPerSecond: 100, BidBurst: 10})
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("session start failed: %v", err)
	}
	t.Cleanup(sess.Close)
	return sess
}

func waitForPrice(t *testing.T, sess *auction.Session, want string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if sess.CurrentPrice().Equal(mustDec(want)) {
			return
		}
		select {
		case <-sess.Updates():
		case <-deadline:
			t.Fatalf("timed out waiting for price %s, have %s", want, sess.CurrentPrice())
		}
	}
}

func TestTwoClientBiddingScenario(t *testing.T) {
	srv := newBidServer("1000", "50")
	wsServer := httptest.NewServer(http.HandlerFunc(srv.handleWS))
	defer wsServer.Close()
	restServer := httptest.NewServer(http.HandlerFunc(srv.handleREST))
	defer restServer.Close()

	clientA := startClient(t, wsServer, restServer, 101)
	clientB := startClient(t, wsServer, restServer, 102)

	// A bids the minimum increment; both observers converge on 1050.
	result, err := clientA.SubmitBid(context.Background(), mustDec("50"))
	if err != nil {
		t.Fatalf("client A bid failed: %v", err)
	}
	if !result.BidAmount.Equal(mustDec("1050")) {
		t.Errorf("expected bid amount 1050, got %s", result.BidAmount)
	}
	waitForPrice(t, clientA, "1050")
	waitForPrice(t, clientB, "1050")

	bids := clientB.Bids()
	if len(bids) != 1 {
		t.Fatalf("client B ledger should show one bid, got %d", len(bids))
	}
	if !bids[0].Price.Equal(mustDec("1050")) || bids[0].BidderUserID != 101 {
		t.Errorf("unexpected ledger entry: %+v", bids[0])
	}

	// B tries an increment below the minimum; fails locally.
	if _, err := clientB.SubmitBid(context.Background(), mustDec("30")); !errors.Is(err, errors.ErrBelowMinimumIncrement) {
		t.Fatalf("expected ErrBelowMinimumIncrement, got %v", err)
	}

	// B bids the minimum; both clients converge on 1100.
	if _, err := clientB.SubmitBid(context.Background(), mustDec("50")); err != nil {
		t.Fatalf("client B bid failed: %v", err)
	}
	waitForPrice(t, clientA, "1100")
	waitForPrice(t, clientB, "1100")

	if got := len(clientA.Bids()); got != 2 {
		t.Errorf("client A ledger should show two bids, got %d", got)
	}
}

func TestRaceLosingBidIsRejectedWithNewFloor(t *testing.T) {
	srv := newBidServer("1000", "50")
	wsServer := httptest.NewServer(http.HandlerFunc(srv.handleWS))
	defer wsServer.Close()
	restServer := httptest.NewServer(http.HandlerFunc(srv.handleREST))
	defer restServer.Close()

	clientA := startClient(t, wsServer, restServer, 101)

	// The floor moves on the server after the client captured its snapshot.
	srv.mu.Lock()
	srv.currentPrice = mustDec("1200")
	srv.mu.Unlock()

	_, err := clientA.SubmitBid(context.Background(), mustDec("50"))
	if !errors.Is(err, errors.ErrBidRejected) {
		t.Fatalf("expected ErrBidRejected, got %v", err)
	}
	var rejection *transport.RejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("expected RejectionError, got %T", err)
	}
	if rejection.CurrentPrice == nil || !rejection.CurrentPrice.Equal(mustDec("1200")) {
		t.Error("rejection should carry the server's updated floor")
	}

	// Types survive the round trip.
	if clientA.Status() != types.AuctionOpen {
		t.Errorf("expected auction open, got %s", clientA.Status())
	}
}

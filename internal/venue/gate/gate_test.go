package gate

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"crossarb-trader/internal/model"
)

func testSecret() model.Secret {
	return model.Secret{Key: "test-key", Secret: "test-secret"}
}

func newTestGate(t *testing.T, handler http.Handler) (*Gate, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	g := New("USDT", testSecret(), zerolog.Nop())
	g.rest = newRESTClient(srv.URL, testSecret(), zerolog.Nop())
	return g, srv
}

func TestOrderFromVenueStatusMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		status   string
		finishAs string
		want     model.OrderStatus
	}{
		{"open", "open", "", model.OrderStatusNew},
		{"underscore new", "finished", "_new", model.OrderStatusNew},
		{"cancelled", "finished", "cancelled", model.OrderStatusCanceled},
		{"liquidated", "finished", "liquidated", model.OrderStatusCanceled},
		{"reduce only", "finished", "reduce_only", model.OrderStatusCanceled},
		{"position close", "finished", "position_close", model.OrderStatusCanceled},
		{"stp", "finished", "stp", model.OrderStatusCanceled},
		{"reduce out", "finished", "reduce_out", model.OrderStatusCanceled},
		{"filled", "finished", "filled", model.OrderStatusFilled},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			o := orderFromVenue(&gateOrder{
				ID:       42,
				Contract: "ARPA_USDT",
				Size:     -100,
				Status:   tc.status,
				FinishAs: tc.finishAs,
			})
			if o.Status != tc.want {
				t.Fatalf("status(%s/%s) = %s, want %s", tc.status, tc.finishAs, o.Status, tc.want)
			}
		})
	}
}

func TestOrderFromVenueFields(t *testing.T) {
	t.Parallel()

	o := orderFromVenue(&gateOrder{
		ID:           7,
		Contract:     "ARPA_USDT",
		Size:         -250,
		Left:         50,
		Price:        "0.0465",
		FillPrice:    "0.0466",
		IsClose:      true,
		Status:       "finished",
		FinishAs:     "filled",
		CreateTime:   1700000000.5,
		CreateTimeMs: 0,
	})

	if o.Symbol != "ARPAUSDT" || o.ID != "7" || o.VenueName != "gate" {
		t.Errorf("identity fields: %+v", o)
	}
	if o.Side != model.SideSell {
		t.Errorf("negative size must map to SELL, got %s", o.Side)
	}
	if o.TradeSide != model.TradeSideClose {
		t.Errorf("is_close must map to CLOSE, got %s", o.TradeSide)
	}
	if o.Amount != 250 || o.DealAmount != 200 {
		t.Errorf("amounts = %v / %v, want 250 / 200", o.Amount, o.DealAmount)
	}
	if o.Price != 0.0465 || o.DealPrice != 0.0466 {
		t.Errorf("prices = %v / %v", o.Price, o.DealPrice)
	}
	// Seconds fall back when the millisecond field is absent.
	if o.CTime != 1700000000500 {
		t.Errorf("CTime = %d, want 1700000000500", o.CTime)
	}
}

func TestSignHeaders(t *testing.T) {
	t.Parallel()

	c := newRESTClient("http://example", testSecret(), zerolog.Nop())
	headers := c.signHeaders("GET", restPrefix+"/accounts", "a=1", "")

	if headers["KEY"] != "test-key" {
		t.Errorf("KEY = %q", headers["KEY"])
	}
	ts := headers["Timestamp"]
	if ts == "" {
		t.Fatal("Timestamp header missing")
	}

	bodyHash := sha512.Sum512([]byte(""))
	msg := "GET\n" + restPrefix + "/accounts\na=1\n" + hex.EncodeToString(bodyHash[:]) + "\n" + ts
	mac := hmac.New(sha512.New, []byte("test-secret"))
	mac.Write([]byte(msg))
	if want := hex.EncodeToString(mac.Sum(nil)); headers["SIGN"] != want {
		t.Errorf("SIGN = %q, want %q", headers["SIGN"], want)
	}
}

func TestSubscribeAndAPISigns(t *testing.T) {
	t.Parallel()

	g := New("USDT", testSecret(), zerolog.Nop())

	mac := hmac.New(sha512.New, []byte("test-secret"))
	mac.Write([]byte("channel=futures.orders&event=subscribe&time=1700000000"))
	if want := hex.EncodeToString(mac.Sum(nil)); g.subscribeSign("futures.orders", "subscribe", 1700000000) != want {
		t.Error("subscribe signature mismatch")
	}

	mac = hmac.New(sha512.New, []byte("test-secret"))
	mac.Write([]byte("api\nfutures.login\n\n1700000000"))
	if want := hex.EncodeToString(mac.Sum(nil)); g.apiSign("futures.login", "", 1700000000) != want {
		t.Error("api signature mismatch")
	}
}

func TestGetRules(t *testing.T) {
	t.Parallel()

	g, _ := newTestGate(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != restPrefix+"/contracts" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("KEY") == "" || r.Header.Get("SIGN") == "" {
			t.Error("request not signed")
		}
		w.Write([]byte(`[
			{"name":"ARPA_USDT","order_price_round":"0.00001","order_size_max":1000000,"order_size_min":1,"leverage_max":"50","quanto_multiplier":"10"},
			{"name":"BTC_USD","order_price_round":"0.1","order_size_max":1000,"order_size_min":1,"leverage_max":"100","quanto_multiplier":"1"}
		]`))
	}))

	rules, err := g.GetRules(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 {
		t.Fatalf("got %d rules, want only the quote-settled one", len(rules))
	}
	r := rules["ARPAUSDT"]
	if r == nil {
		t.Fatal("ARPAUSDT rule missing")
	}
	if r.PricePrec != 5 || r.AmountPrec != 0 {
		t.Errorf("precisions = %d / %d, want 5 / 0", r.PricePrec, r.AmountPrec)
	}
	if r.ContractSize != 10 || r.MaxLeverage != 50 || r.MinAmount != 1 || r.MaxAmount != 1000000 {
		t.Errorf("rule = %+v", r)
	}
	// The cache resolves through the same symbol.
	if g.Rule("ARPAUSDT") != r {
		t.Error("rule cache not replaced")
	}
}

func TestUpdateBalance(t *testing.T) {
	t.Parallel()

	g, _ := newTestGate(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"user":123456,"in_dual_mode":true,"total":"1500.5","available":"1200.25"}`))
	}))

	if err := g.UpdateBalance(context.Background()); err != nil {
		t.Fatal(err)
	}
	acct := g.Account()
	if acct.UserID != "123456" || !acct.InDualMode {
		t.Errorf("account identity = %+v", acct)
	}
	if acct.SwapBalance != 1500.5 || acct.SwapAvailable != 1200.25 {
		t.Errorf("balances = %v / %v", acct.SwapBalance, acct.SwapAvailable)
	}
}

func TestGetPositions(t *testing.T) {
	t.Parallel()

	g, _ := newTestGate(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("holding") != "true" {
			t.Error("holding filter missing")
		}
		w.Write([]byte(`[
			{"contract":"ARPA_USDT","size":-300,"entry_price":"0.0470"},
			{"contract":"BTC_USDT","size":2,"entry_price":"50000"},
			{"contract":"ETH_USDT","size":0,"entry_price":"3000"}
		]`))
	}))

	positions, err := g.GetPositions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 2 {
		t.Fatalf("got %d positions, flat entries must be skipped", len(positions))
	}

	short := positions[model.PositionID("ARPAUSDT", model.SideSell)]
	if short == nil || short.Amount != 300 || short.Price != 0.047 {
		t.Errorf("short = %+v", short)
	}
	long := positions[model.PositionID("BTCUSDT", model.SideBuy)]
	if long == nil || long.Amount != 2 || long.Price != 50000 {
		t.Errorf("long = %+v", long)
	}
	// The cache was replaced wholesale.
	if len(g.Positions()) != 2 {
		t.Error("position cache not replaced")
	}
}

func TestGetOrders(t *testing.T) {
	t.Parallel()

	g, _ := newTestGate(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("status") != "open" {
			t.Error("status filter missing")
		}
		w.Write([]byte(`[
			{"id":11,"contract":"ARPA_USDT","size":100,"left":100,"price":"0.046","status":"open","create_time_ms":1700000000001}
		]`))
	}))

	orders, err := g.GetOrders(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	o := orders["11"]
	if o == nil {
		t.Fatal("order 11 missing")
	}
	if o.Status != model.OrderStatusNew || o.Side != model.SideBuy || o.CTime != 1700000000001 {
		t.Errorf("order = %+v", o)
	}
}

func TestCreateOrderWithoutPool(t *testing.T) {
	t.Parallel()

	g := New("USDT", testSecret(), zerolog.Nop())
	id, errText := g.CreateOrder(context.Background(), "ARPAUSDT", model.SideBuy, model.TradeSideOpen, model.OrderTypeMarket, 10, 0)
	if id != "" || errText != "ws not connected" {
		t.Fatalf("got (%q, %q), want empty id and ws not connected", id, errText)
	}
}

func newWSServer(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// Not parallel: repoints the ws dial target.
func TestListenPrivateResyncsOnReconnect(t *testing.T) {
	var orderFetches atomic.Int32
	g, _ := newTestGate(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case restPrefix + "/orders":
			orderFetches.Add(1)
			w.Write([]byte(`[
				{"id":21,"contract":"ARPA_USDT","size":-120,"left":120,"price":"0.048","status":"open","create_time_ms":1700000000005}
			]`))
		case restPrefix + "/positions":
			w.Write([]byte(`[
				{"contract":"ARPA_USDT","size":-120,"entry_price":"0.0470"}
			]`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	// The server accepts both subscriptions, then drops the connection,
	// so each resync runs on a fresh connect.
	wsURL := newWSServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for i := 0; i < 2; i++ {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	oldURL := wsBaseURL
	wsBaseURL = wsURL
	defer func() { wsBaseURL = oldURL }()

	// State the snapshots do not contain must not survive a resync.
	g.ApplyOrder(&model.Order{ID: "42", Symbol: "ARPAUSDT", CTime: 1})
	g.ApplyPosition(&model.Position{
		Symbol: "BTCUSDT",
		ID:     model.PositionID("BTCUSDT", model.SideBuy),
		Side:   model.SideBuy,
		Amount: 1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.ListenPrivate(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for orderFetches.Load() < 2 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("no resync after reconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	orders := g.Orders()
	if len(orders) != 1 {
		t.Fatalf("orders = %v, want only the snapshot entry", orders)
	}
	if o := orders["21"]; o == nil || o.Side != model.SideSell || o.Amount != 120 || o.Status != model.OrderStatusNew {
		t.Errorf("order 21 = %+v", o)
	}
	positions := g.Positions()
	if len(positions) != 1 {
		t.Fatalf("positions = %v, want only the snapshot entry", positions)
	}
	short := positions[model.PositionID("ARPAUSDT", model.SideSell)]
	if short == nil || short.Amount != 120 || short.Price != 0.047 {
		t.Errorf("short = %+v", short)
	}
}

func TestNativeContract(t *testing.T) {
	t.Parallel()

	g := New("USDT", testSecret(), zerolog.Nop())
	if got := g.nativeContract("ARPAUSDT"); got != "ARPA_USDT" {
		t.Fatalf("nativeContract = %q, want ARPA_USDT", got)
	}
}

package trader

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"crossarb-trader/internal/config"
	"crossarb-trader/internal/model"
	"crossarb-trader/internal/venue"
)

type placedOrder struct {
	symbol    string
	side      model.Side
	tradeSide model.TradeSide
	amount    float64
}

// fakeVenue records CreateOrder calls; everything else rides on the
// shared Base or is inert.
type fakeVenue struct {
	*venue.Base

	mu      sync.Mutex
	placed  []placedOrder
	orderID string
	errText string
	done    chan struct{}
}

func newFakeVenue(name string) *fakeVenue {
	return &fakeVenue{
		Base:    venue.NewBase(name, "USDT", zerolog.Nop()),
		orderID: "ok-1",
		done:    make(chan struct{}, 16),
	}
}

func (f *fakeVenue) Init(ctx context.Context) error { return nil }

func (f *fakeVenue) ListenPublic(ctx context.Context, symbol string) {}

func (f *fakeVenue) ListenPrivate(ctx context.Context) {}

func (f *fakeVenue) ListenWSAPI(ctx context.Context, count int) {}

func (f *fakeVenue) GetRules(ctx context.Context) (map[string]*model.ContractRule, error) {
	return f.Rules(), nil
}

func (f *fakeVenue) GetOrders(ctx context.Context, symbol string) (map[string]*model.Order, error) {
	return f.Orders(), nil
}

func (f *fakeVenue) GetPositions(ctx context.Context) (map[string]*model.Position, error) {
	return f.Positions(), nil
}

func (f *fakeVenue) CreateOrder(ctx context.Context, symbol string, side model.Side, tradeSide model.TradeSide, typ model.OrderType, amount, price float64) (string, string) {
	f.mu.Lock()
	f.placed = append(f.placed, placedOrder{symbol: symbol, side: side, tradeSide: tradeSide, amount: amount})
	id, errText := f.orderID, f.errText
	f.mu.Unlock()
	f.done <- struct{}{}
	return id, errText
}

func (f *fakeVenue) placedOrders() []placedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]placedOrder(nil), f.placed...)
}

func (f *fakeVenue) CancelOrder(ctx context.Context, symbol, id string) error { return nil }

func (f *fakeVenue) CancelAllOrders(ctx context.Context, symbol string) error { return nil }

func (f *fakeVenue) SetLeverage(ctx context.Context, s string, l int) error { return nil }

func (f *fakeVenue) SetMarginMode(ctx context.Context) error { return nil }

func (f *fakeVenue) SetPositionMode(ctx context.Context) error { return nil }

func (f *fakeVenue) UpdateBalance(ctx context.Context) error { return nil }

// stubStrategy returns a fixed signal and counts evaluations.
type stubStrategy struct {
	mu     sync.Mutex
	calls  int
	signal *model.Signal
}

func (s *stubStrategy) GenSignal(now int64, symbol string, master, slave venue.Venue) *model.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.signal
}

func (s *stubStrategy) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func pairSignal(symbol string) *model.Signal {
	return &model.Signal{
		Symbol: symbol,
		Type:   model.OrderTypeMarket,
		Spread: 0.006,
		Legs: []model.SignalLeg{
			{VenueName: "binance", TradeSide: model.TradeSideOpen, Side: model.SideSell, Price: 0.0465, Amount: 1000},
			{VenueName: "gate", TradeSide: model.TradeSideOpen, Side: model.SideBuy, Price: 0.0462, Amount: 1000},
		},
	}
}

func rules(symbols ...string) map[string]*model.ContractRule {
	out := make(map[string]*model.ContractRule, len(symbols))
	for _, s := range symbols {
		out[s] = model.NewContractRule(s)
	}
	return out
}

func TestMatchSymbols(t *testing.T) {
	t.Parallel()

	master := newFakeVenue("binance")
	slave := newFakeVenue("gate")
	master.SetRules(rules("BTCUSDT", "PEPEUSDT", "1000SHIBUSDT", "ETHBTC", "BADUSDT", "SOLUSDT"))
	slave.SetRules(rules("BTCUSDT", "1000PEPEUSDT", "SHIBUSDT", "ETHBTC", "BADUSDT"))

	cfg := &config.Config{Quote: "USDT", SymbolsBlacklist: []string{"BADUSDT"}}
	tr := New(cfg, &stubStrategy{}, master, slave, zerolog.Nop())

	got := tr.matchSymbols()
	want := []string{"1000SHIBUSDT", "BTCUSDT", "PEPEUSDT"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("matchSymbols() = %v, want %v", got, want)
	}
}

func TestMatchSymbolsRangeWindow(t *testing.T) {
	t.Parallel()

	symbols := []string{"A", "B", "C", "D"}
	cases := []struct {
		name string
		rang []int
		want []string
	}{
		{"no window", nil, []string{"A", "B", "C", "D"}},
		{"zero window keeps all", []int{0, 0}, []string{"A", "B", "C", "D"}},
		{"end only", []int{0, 2}, []string{"A", "B"}},
		{"start only", []int{1, 0}, []string{"B", "C", "D"}},
		{"both", []int{1, 3}, []string{"B", "C"}},
		{"end past len keeps tail", []int{2, 9}, []string{"C", "D"}},
		{"start past len", []int{9, 0}, nil},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := sliceRange(symbols, tc.rang)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("sliceRange(%v) = %v, want %v", tc.rang, got, tc.want)
			}
		})
	}
}

func TestOnBBOPairedExecution(t *testing.T) {
	t.Parallel()

	master := newFakeVenue("binance")
	slave := newFakeVenue("gate")
	strat := &stubStrategy{signal: pairSignal("ARPAUSDT")}
	cfg := &config.Config{Quote: "USDT"}

	tr := New(cfg, strat, master, slave, zerolog.Nop())
	tr.cooldown = 0

	tr.OnBBO("ARPAUSDT")

	waitOrders(t, master, 1)
	waitOrders(t, slave, 1)

	mOrders := master.placedOrders()
	if mOrders[0].side != model.SideSell || mOrders[0].tradeSide != model.TradeSideOpen || mOrders[0].amount != 1000 {
		t.Errorf("master order = %+v", mOrders[0])
	}
	sOrders := slave.placedOrders()
	if sOrders[0].side != model.SideBuy || sOrders[0].amount != 1000 {
		t.Errorf("slave order = %+v", sOrders[0])
	}
}

func TestOnBBOSingleFlight(t *testing.T) {
	t.Parallel()

	master := newFakeVenue("binance")
	slave := newFakeVenue("gate")
	strat := &stubStrategy{signal: pairSignal("ARPAUSDT")}
	cfg := &config.Config{Quote: "USDT"}

	tr := New(cfg, strat, master, slave, zerolog.Nop())
	tr.cooldown = time.Hour // hold the lock for the whole test

	tr.OnBBO("ARPAUSDT")
	waitOrders(t, master, 1)
	// The symbol is locked until the cooldown expires; further ticks
	// must be dropped before the strategy even runs.
	callsAfterFirst := strat.callCount()
	tr.OnBBO("ARPAUSDT")
	tr.OnBBO("ARPAUSDT")

	if got := strat.callCount(); got != callsAfterFirst {
		t.Fatalf("locked ticks reached the strategy: %d evaluations, want %d", got, callsAfterFirst)
	}
	if got := len(master.placedOrders()); got != 1 {
		t.Fatalf("master got %d orders, want 1", got)
	}
}

func TestOnBBOUnlocksAfterCooldown(t *testing.T) {
	t.Parallel()

	master := newFakeVenue("binance")
	slave := newFakeVenue("gate")
	strat := &stubStrategy{signal: pairSignal("ARPAUSDT")}
	cfg := &config.Config{Quote: "USDT"}

	tr := New(cfg, strat, master, slave, zerolog.Nop())
	tr.cooldown = 0

	tr.OnBBO("ARPAUSDT")
	waitOrders(t, master, 1)
	waitUnlocked(t, tr, "ARPAUSDT")

	tr.OnBBO("ARPAUSDT")
	waitOrders(t, master, 1)

	if got := len(master.placedOrders()); got != 2 {
		t.Fatalf("master got %d orders across two ticks, want 2", got)
	}
}

func TestOnBBOOneLegFails(t *testing.T) {
	t.Parallel()

	master := newFakeVenue("binance")
	slave := newFakeVenue("gate")
	slave.orderID = ""
	slave.errText = "insufficient margin"
	strat := &stubStrategy{signal: pairSignal("ARPAUSDT")}
	cfg := &config.Config{Quote: "USDT"}

	tr := New(cfg, strat, master, slave, zerolog.Nop())
	tr.cooldown = 0

	// The healthy leg still goes out; nothing is unwound.
	tr.OnBBO("ARPAUSDT")
	waitOrders(t, master, 1)
	waitOrders(t, slave, 1)
	waitUnlocked(t, tr, "ARPAUSDT")

	if got := len(master.placedOrders()); got != 1 {
		t.Fatalf("master got %d orders, want 1", got)
	}
}

func TestObserverSeesEveryTick(t *testing.T) {
	t.Parallel()

	master := newFakeVenue("binance")
	slave := newFakeVenue("gate")
	strat := &stubStrategy{} // never signals
	cfg := &config.Config{Quote: "USDT"}

	tr := New(cfg, strat, master, slave, zerolog.Nop())

	var mu sync.Mutex
	var seen []string
	tr.SetObserver(func(now int64, symbol string) {
		mu.Lock()
		seen = append(seen, symbol)
		mu.Unlock()
	})

	tr.OnBBO("AUSDT")
	tr.OnBBO("BUSDT")

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(seen, []string{"AUSDT", "BUSDT"}) {
		t.Fatalf("observer saw %v", seen)
	}
}

func waitOrders(t *testing.T, v *fakeVenue, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-v.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("venue %s: timed out waiting for order %d", v.Name(), i+1)
		}
	}
}

func waitUnlocked(t *testing.T, tr *Trader, symbol string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tr.mu.Lock()
		_, locked := tr.locks[symbol]
		tr.mu.Unlock()
		if !locked {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("symbol %s never unlocked", symbol)
}

// Package trader orchestrates the hedge: it matches symbols across the
// venue pair, negotiates leverage, fans in BBO events, and executes
// paired orders under a per-symbol single-flight lock.
package trader

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"crossarb-trader/internal/config"
	"crossarb-trader/internal/mathx"
	"crossarb-trader/internal/metrics"
	"crossarb-trader/internal/model"
	"crossarb-trader/internal/strategy"
	"crossarb-trader/internal/timex"
	"crossarb-trader/internal/venue"
)

// ErrNoMatchedSymbols is returned by Run when the two venues share no
// tradable symbol after filtering.
var ErrNoMatchedSymbols = errors.New("no matching symbols between master and slave")

const (
	// cooldown holds the symbol lock after a trade so exchange-side
	// position and balance updates can land before the next decision.
	cooldown = 2 * time.Second

	// startupPace spaces leverage calls and public subscriptions so
	// the venues' rate limits stay comfortable.
	startupPace = 100 * time.Millisecond
)

// Observer receives every BBO fan-in event, locked or not. The market
// monitor hangs off this hook.
type Observer func(now int64, symbol string)

// Trader drives the master/slave venue pair with one strategy.
type Trader struct {
	cfg      *config.Config
	strategy strategy.Strategy
	master   venue.Venue
	slave    venue.Venue
	log      zerolog.Logger

	observer Observer
	cooldown time.Duration

	mu      sync.Mutex
	locks   map[string]int64
	symbols []string
}

// New wires the trader into both venues' BBO and order callbacks.
func New(cfg *config.Config, strat strategy.Strategy, master, slave venue.Venue, logger zerolog.Logger) *Trader {
	t := &Trader{
		cfg:      cfg,
		strategy: strat,
		master:   master,
		slave:    slave,
		log:      logger.With().Str("component", "trader").Logger(),
		cooldown: cooldown,
		locks:    make(map[string]int64),
	}
	master.SetBBOHandler(t.OnBBO)
	slave.SetBBOHandler(t.OnBBO)
	master.SetOrderHandler(t.OnOrder)
	slave.SetOrderHandler(t.OnOrder)
	return t
}

// SetObserver installs the optional market observer.
func (t *Trader) SetObserver(o Observer) {
	t.observer = o
}

// Symbols returns the matched symbol list once Run has built it.
func (t *Trader) Symbols() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.symbols...)
}

// Run performs the startup sequence and then blocks serving listeners
// until ctx is done: rules, symbol matching, balances, account modes,
// leverage negotiation, then the private, trading, and public streams.
func (t *Trader) Run(ctx context.Context) error {
	if _, err := t.master.GetRules(ctx); err != nil {
		return err
	}
	if _, err := t.slave.GetRules(ctx); err != nil {
		return err
	}

	symbols := t.matchSymbols()
	if len(symbols) == 0 {
		return ErrNoMatchedSymbols
	}
	t.mu.Lock()
	t.symbols = symbols
	t.mu.Unlock()
	t.log.Info().Int("symbols", len(symbols)).Msg("matched symbols")

	total := 0.0
	for _, v := range []venue.Venue{t.master, t.slave} {
		if err := v.UpdateBalance(ctx); err != nil {
			return err
		}
		balance := v.Account().SwapBalance
		total += balance
		t.log.Info().Str("venue", v.Name()).Float64("balance", balance).Msg("venue balance")
	}
	t.log.Info().Float64("total", total).Msg("combined balance")

	for _, v := range []venue.Venue{t.master, t.slave} {
		if err := v.Init(ctx); err != nil {
			return err
		}
	}

	if err := t.configureLeverage(ctx, symbols); err != nil {
		return err
	}

	return t.serve(ctx, symbols)
}

// configureLeverage negotiates one leverage per symbol, the min of both
// venues' caps bounded by the configured target, writes it into the
// rules, and applies it on both venues. Venue rejections are logged and
// tolerated; the written TradeLeverage still bounds sizing.
func (t *Trader) configureLeverage(ctx context.Context, symbols []string) error {
	limiter := rate.NewLimiter(rate.Every(startupPace), 1)
	for _, symbol := range symbols {
		lev := t.cfg.Leverage
		for _, v := range []venue.Venue{t.master, t.slave} {
			if rule := v.Rule(symbol); rule != nil && rule.MaxLeverage < lev {
				lev = rule.MaxLeverage
			}
		}
		for _, v := range []venue.Venue{t.master, t.slave} {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			v.SetTradeLeverage(symbol, lev)
			if err := v.SetLeverage(ctx, symbol, lev); err != nil {
				t.log.Error().Err(err).
					Str("venue", v.Name()).
					Str("symbol", symbol).
					Msg("set leverage failed")
			}
		}
	}
	return nil
}

// serve launches every long-running listener and blocks until ctx is
// done. Public subscriptions are paced so the dials do not burst.
func (t *Trader) serve(ctx context.Context, symbols []string) error {
	var wg sync.WaitGroup
	launch := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}

	for _, v := range []venue.Venue{t.master, t.slave} {
		v := v
		launch(func() { v.ListenPrivate(ctx) })
		launch(func() { v.ListenWSAPI(ctx, t.cfg.WSAPIConns) })
	}

	limiter := rate.NewLimiter(rate.Every(startupPace), 1)
	for _, symbol := range symbols {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		for _, v := range []venue.Venue{t.master, t.slave} {
			v, symbol := v, symbol
			launch(func() { v.ListenPublic(ctx, symbol) })
		}
	}

	wg.Wait()
	return ctx.Err()
}

// matchSymbols intersects the master's rule symbols with the slave's
// under 1000X equivalence, keeps quote-settled symbols off the
// blacklist, and applies the configured range window.
func (t *Trader) matchSymbols() []string {
	slaveRules := t.slave.Rules()
	blacklist := make(map[string]bool, len(t.cfg.SymbolsBlacklist))
	for _, s := range t.cfg.SymbolsBlacklist {
		blacklist[s] = true
	}

	var symbols []string
	for symbol := range t.master.Rules() {
		_, ok := slaveRules[symbol]
		if !ok {
			_, ok = slaveRules["1000"+symbol]
		}
		if !ok {
			_, ok = slaveRules[strings.Replace(symbol, "1000", "", 1)]
		}
		if !ok {
			continue
		}
		if !strings.HasSuffix(symbol, t.cfg.Quote) {
			continue
		}
		if blacklist[symbol] {
			continue
		}
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	return sliceRange(symbols, t.cfg.SymbolRange)
}

// sliceRange applies the [start, end] window: zero means "unbounded" on
// that side, and [0, 0] keeps everything.
func sliceRange(symbols []string, rang []int) []string {
	if len(rang) < 2 {
		return symbols
	}
	start, end := rang[0], rang[1]
	if start == 0 {
		if end != 0 && end <= len(symbols) {
			return symbols[:end]
		}
		return symbols
	}
	if start >= len(symbols) {
		return nil
	}
	if end != 0 && end <= len(symbols) {
		return symbols[start:end]
	}
	return symbols[start:]
}

// OnBBO is the fan-in point for every venue's public stream. A locked
// symbol drops the tick; a signal locks the symbol and hands off to a
// worker goroutine so the stream reader is never blocked.
func (t *Trader) OnBBO(symbol string) {
	now := timex.NowMs()

	if t.observer != nil {
		t.observer(now, symbol)
	}

	t.mu.Lock()
	_, locked := t.locks[symbol]
	t.mu.Unlock()
	if locked {
		return
	}

	signal := t.strategy.GenSignal(now, symbol, t.master, t.slave)
	if signal == nil {
		return
	}

	t.mu.Lock()
	if _, locked := t.locks[symbol]; locked {
		t.mu.Unlock()
		return
	}
	t.locks[symbol] = now
	metrics.SetLockedSymbols(len(t.locks))
	t.mu.Unlock()

	go t.executeLocked(now, signal)
}

// executeLocked runs one paired trade and the post-trade reconcile,
// holds the lock for the cooldown, then releases.
func (t *Trader) executeLocked(marketTime int64, signal *model.Signal) {
	defer func() {
		t.mu.Lock()
		delete(t.locks, signal.Symbol)
		metrics.SetLockedSymbols(len(t.locks))
		t.mu.Unlock()
	}()

	ctx := context.Background()
	t.trade(ctx, marketTime, signal)

	for _, v := range []venue.Venue{t.master, t.slave} {
		if err := v.UpdateBalance(ctx); err != nil {
			t.log.Error().Err(err).Str("venue", v.Name()).Msg("post-trade balance refresh failed")
		}
		if _, err := v.GetPositions(ctx); err != nil {
			t.log.Error().Err(err).Str("venue", v.Name()).Msg("post-trade position refresh failed")
		}
	}

	// Exchange-side propagation is not instant; deciding again off a
	// half-updated position cache would double up.
	elapsed := time.Duration(timex.NowMs()-marketTime) * time.Millisecond
	if wait := t.cooldown - elapsed; wait > 0 {
		time.Sleep(wait)
	}
}

// trade fires both legs concurrently and collects the results. A failed
// leg is alerted and left for the operator; the successful leg is not
// unwound automatically.
func (t *Trader) trade(ctx context.Context, marketTime int64, signal *model.Signal) {
	spreadPct := mathx.Floor(signal.Spread*100, 2)
	for _, leg := range signal.Legs {
		t.log.Info().
			Str("symbol", signal.Symbol).
			Str("venue", leg.VenueName).
			Str("side", string(leg.Side)).
			Str("trade_side", string(leg.TradeSide)).
			Str("type", string(signal.Type)).
			Float64("price", leg.Price).
			Float64("amount", leg.Amount).
			Int64("bbo_delay_ms", marketTime-leg.Time).
			Float64("spread_pct", spreadPct).
			Msg("trade signal")
	}

	type result struct {
		venueName string
		id        string
		errText   string
	}
	results := make([]result, len(signal.Legs))

	var wg sync.WaitGroup
	for i, leg := range signal.Legs {
		wg.Add(1)
		go func(i int, leg model.SignalLeg) {
			defer wg.Done()
			v := t.venueByName(leg.VenueName)
			started := timex.NowMs()
			id, errText := v.CreateOrder(ctx, signal.Symbol, leg.Side, leg.TradeSide, signal.Type, leg.Amount, 0)
			latency := timex.NowMs() - started
			metrics.ObserveOrderLatency(leg.VenueName, latency)
			results[i] = result{venueName: leg.VenueName, id: id, errText: errText}

			ev := t.log.Info()
			outcome := "ok"
			if id == "" {
				ev = t.log.Error()
				outcome = "error"
			}
			metrics.RecordOrderPlaced(leg.VenueName, outcome)
			ev.Str("symbol", signal.Symbol).
				Str("venue", leg.VenueName).
				Str("id", id).
				Str("err", errText).
				Int64("order_delay_ms", latency).
				Float64("spread_pct", spreadPct).
				Msg("order placed")
		}(i, leg)
	}
	wg.Wait()

	for _, r := range results {
		if r.id == "" {
			// No auto-unwind: the live leg stays on the book and the
			// operator decides.
			t.log.Error().
				Str("symbol", signal.Symbol).
				Str("venue", r.venueName).
				Str("err", r.errText).
				Msg("an exchange failed to place order")
		}
	}
}

func (t *Trader) venueByName(name string) venue.Venue {
	if t.master.Name() == name {
		return t.master
	}
	return t.slave
}

// OnOrder logs fill quality; it makes no trading decisions.
func (t *Trader) OnOrder(order *model.Order) {
	if order.Status != model.OrderStatusFilled || order.Price == 0 || order.DealPrice == 0 {
		return
	}
	slip := mathx.Floor((order.DealPrice-order.Price)/order.Price, 4) * 100
	t.log.Debug().
		Str("venue", order.VenueName).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("trade_side", string(order.TradeSide)).
		Float64("slippage_pct", slip).
		Msg("order filled")
}

package venue

import (
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"crossarb-trader/internal/model"
)

const (
	defaultTakerFeeRate = 0.0005

	// The order cache is bounded: past maxCachedOrders entries it is
	// rebuilt from the newest keepNewestOrders by creation time.
	maxCachedOrders  = 500
	keepNewestOrders = 100
)

// Base carries the state every venue adapter shares: rule, BBO, order,
// and position caches plus the account snapshot, all behind one RWMutex,
// and the emit callbacks the trader hooks into.
type Base struct {
	name  string
	quote string
	log   zerolog.Logger

	takerFeeRate float64

	mu        sync.RWMutex
	rules     map[string]*model.ContractRule
	bbos      map[string]*model.BBO
	orders    map[string]*model.Order
	positions map[string]*model.Position
	account   model.Account

	bboHandler   BBOHandler
	orderHandler OrderHandler
}

// NewBase builds the shared state for a named venue.
func NewBase(name, quote string, logger zerolog.Logger) *Base {
	return &Base{
		name:         name,
		quote:        quote,
		log:          logger.With().Str("venue", name).Logger(),
		takerFeeRate: defaultTakerFeeRate,
		rules:        make(map[string]*model.ContractRule),
		bbos:         make(map[string]*model.BBO),
		orders:       make(map[string]*model.Order),
		positions:    make(map[string]*model.Position),
	}
}

// Name returns the venue identifier used in signals and logs.
func (b *Base) Name() string { return b.name }

// Quote returns the settlement currency the venue is filtered to.
func (b *Base) Quote() string { return b.quote }

// TakerFeeRate returns the taker fee used in close profitability checks.
func (b *Base) TakerFeeRate() float64 { return b.takerFeeRate }

// SetBBOHandler installs the BBO callback.
func (b *Base) SetBBOHandler(h BBOHandler) {
	b.mu.Lock()
	b.bboHandler = h
	b.mu.Unlock()
}

// SetOrderHandler installs the order callback.
func (b *Base) SetOrderHandler(h OrderHandler) {
	b.mu.Lock()
	b.orderHandler = h
	b.mu.Unlock()
}

// EmitBBO fires the BBO callback with the matched symbol.
func (b *Base) EmitBBO(symbol string) {
	b.mu.RLock()
	h := b.bboHandler
	b.mu.RUnlock()
	if h != nil {
		h(symbol)
	}
}

// EmitOrder fires the order callback.
func (b *Base) EmitOrder(order *model.Order) {
	b.mu.RLock()
	h := b.orderHandler
	b.mu.RUnlock()
	if h != nil {
		h(order)
	}
}

// SetRules replaces the rule cache.
func (b *Base) SetRules(rules map[string]*model.ContractRule) {
	b.mu.Lock()
	b.rules = rules
	b.mu.Unlock()
}

// Rules returns a copy of the rule cache.
func (b *Base) Rules() map[string]*model.ContractRule {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]*model.ContractRule, len(b.rules))
	for k, v := range b.rules {
		out[k] = v
	}
	return out
}

// Rule resolves a matched symbol to this venue's rule, trying the symbol
// itself, its 1000X listing, and its de-1000X form. Rules are returned
// unscaled; the 1000 factor only applies to BBO reads.
func (b *Base) Rule(symbol string) *model.ContractRule {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if r, ok := b.rules[symbol]; ok {
		return r
	}
	if r, ok := b.rules["1000"+symbol]; ok {
		return r
	}
	if r, ok := b.rules[strings.Replace(symbol, "1000", "", 1)]; ok {
		return r
	}
	return nil
}

// SetTradeLeverage writes the negotiated leverage into the rule for
// symbol, resolved the same way Rule is.
func (b *Base) SetTradeLeverage(symbol string, leverage int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range []string{symbol, "1000" + symbol, strings.Replace(symbol, "1000", "", 1)} {
		if r, ok := b.rules[key]; ok {
			r.TradeLeverage = leverage
			return
		}
	}
}

// StoreBBO caches a BBO under the venue-native symbol it was subscribed
// with.
func (b *Base) StoreBBO(symbol string, bbo *model.BBO) {
	b.mu.Lock()
	b.bbos[symbol] = bbo
	b.mu.Unlock()
}

// LastBBO resolves a matched symbol to the venue's latest BBO, trying
// the same three keys as Rule. When the stored quote belongs to a 1000X
// listing a scaled copy is returned: prices divided by 1000, amounts
// multiplied by 1000, so both venues quote the same coin.
func (b *Base) LastBBO(symbol string) *model.BBO {
	b.mu.RLock()
	bbo, ok := b.bbos[symbol]
	if !ok {
		bbo, ok = b.bbos["1000"+symbol]
	}
	if !ok {
		bbo, ok = b.bbos[strings.Replace(symbol, "1000", "", 1)]
	}
	b.mu.RUnlock()
	if !ok || bbo == nil {
		return nil
	}
	if strings.HasPrefix(bbo.Symbol, "1000") {
		scaled := *bbo
		scaled.Bid /= 1000
		scaled.Ask /= 1000
		scaled.BidAmount *= 1000
		scaled.AskAmount *= 1000
		return &scaled
	}
	return bbo
}

// ApplyOrder folds an order update into the cache: terminal updates for
// known orders delete the entry, everything else upserts. When the cache
// outgrows its bound it is rebuilt from the newest entries. The order
// callback fires either way.
func (b *Base) ApplyOrder(order *model.Order) {
	b.mu.Lock()
	if _, known := b.orders[order.ID]; known && order.Status.Done() {
		delete(b.orders, order.ID)
	} else {
		b.orders[order.ID] = order
	}
	if len(b.orders) > maxCachedOrders {
		b.trimOrdersLocked()
	}
	b.mu.Unlock()

	b.EmitOrder(order)
}

func (b *Base) trimOrdersLocked() {
	all := make([]*model.Order, 0, len(b.orders))
	for _, o := range b.orders {
		all = append(all, o)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CTime > all[j].CTime })
	if len(all) > keepNewestOrders {
		all = all[:keepNewestOrders]
	}
	b.orders = make(map[string]*model.Order, len(all))
	for _, o := range all {
		b.orders[o.ID] = o
	}
}

// Orders returns a copy of the order cache.
func (b *Base) Orders() map[string]*model.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]*model.Order, len(b.orders))
	for k, v := range b.orders {
		out[k] = v
	}
	return out
}

// ReplaceOrders swaps in a fresh order snapshot, used after private
// stream reconnects.
func (b *Base) ReplaceOrders(orders map[string]*model.Order) {
	b.mu.Lock()
	if orders == nil {
		orders = make(map[string]*model.Order)
	}
	b.orders = orders
	b.mu.Unlock()
}

// ApplyPosition folds a position update into the cache. Zero amounts
// delete the entry; a symbol never keeps a flat position around.
func (b *Base) ApplyPosition(pos *model.Position) {
	b.mu.Lock()
	if pos.Amount == 0 {
		delete(b.positions, pos.ID)
		b.mu.Unlock()
		b.log.Info().
			Str("symbol", pos.Symbol).
			Str("side", string(pos.Side)).
			Msg("position closed")
		return
	}
	b.positions[pos.ID] = pos
	b.mu.Unlock()
	b.log.Info().
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Float64("price", pos.Price).
		Float64("amount", pos.Amount).
		Msg("position update")
}

// Positions returns a copy of the position cache.
func (b *Base) Positions() map[string]*model.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]*model.Position, len(b.positions))
	for k, v := range b.positions {
		out[k] = v
	}
	return out
}

// ReplacePositions swaps in a fresh position snapshot.
func (b *Base) ReplacePositions(positions map[string]*model.Position) {
	b.mu.Lock()
	if positions == nil {
		positions = make(map[string]*model.Position)
	}
	b.positions = positions
	b.mu.Unlock()
}

// SetAccount replaces the account snapshot.
func (b *Base) SetAccount(acct model.Account) {
	b.mu.Lock()
	b.account = acct
	b.mu.Unlock()
}

// Account returns the current account snapshot.
func (b *Base) Account() model.Account {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.account
}

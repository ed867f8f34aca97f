// Package gate adapts the slave venue: USDT-settled perpetuals behind
// one WebSocket protocol that carries public channels, authenticated
// account channels, and the order-placement API, with HMAC-SHA512
// signing on REST and on every WS login or subscription.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"crossarb-trader/internal/mathx"
	"crossarb-trader/internal/metrics"
	"crossarb-trader/internal/model"
	"crossarb-trader/internal/timex"
	"crossarb-trader/internal/venue"
	"crossarb-trader/internal/wsx"
)

const (
	venueName = "gate"

	requestTimeout = 10 * time.Second
	pingInterval   = 10 * time.Second
)

// Stream endpoint; tests repoint it at a local server.
var wsBaseURL = "wss://fx-ws.gateio.ws/v4/ws/usdt"

// Gate implements venue.Venue for the slave side of the hedge.
type Gate struct {
	*venue.Base

	rest   *restClient
	secret model.Secret
	log    zerolog.Logger

	poolMu sync.RWMutex
	pool   *wsx.Pool
}

// New builds the adapter.
func New(quote string, secret model.Secret, logger zerolog.Logger) *Gate {
	g := &Gate{
		Base:   venue.NewBase(venueName, quote, logger),
		secret: secret,
		log:    logger.With().Str("venue", venueName).Logger(),
	}
	g.rest = newRESTClient(restBaseURL, secret, g.log)
	return g
}

// Init prepares the account: dual position mode plus a sweep of any
// stale open orders left by a previous run. Cross margin needs no
// separate call; it is selected when leverage is set.
func (g *Gate) Init(ctx context.Context) error {
	if err := g.SetPositionMode(ctx); err != nil {
		return fmt.Errorf("set position mode: %w", err)
	}
	if err := g.CancelAllOrders(ctx, ""); err != nil {
		return fmt.Errorf("cancel stale orders: %w", err)
	}
	return nil
}

// nativeSymbol maps a matched symbol to this venue's listing.
func (g *Gate) nativeSymbol(symbol string) string {
	if rule := g.Rule(symbol); rule != nil {
		return rule.Symbol
	}
	return symbol
}

// nativeContract renders the matched symbol as the venue contract name,
// XUSDT -> X_USDT, via the native listing.
func (g *Gate) nativeContract(symbol string) string {
	native := g.nativeSymbol(symbol)
	return strings.Replace(native, g.Quote(), "_"+g.Quote(), 1)
}

// ===== rules and account state =====

// GetRules loads the quote-settled contract list and replaces the rule
// cache. Price precision is recovered from the tick size; amounts are
// whole contracts on this venue.
func (g *Gate) GetRules(ctx context.Context) (map[string]*model.ContractRule, error) {
	contracts, err := g.rest.contracts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load contracts: %w", err)
	}

	rules := make(map[string]*model.ContractRule)
	for _, c := range contracts {
		symbol := strings.ReplaceAll(c.Name, "_", "")
		if !strings.HasSuffix(symbol, g.Quote()) {
			continue
		}
		rule := model.NewContractRule(symbol)
		rule.PricePrec = mathx.Prec(f64(c.OrderPriceRound))
		rule.AmountPrec = 0
		rule.MaxAmount = c.OrderSizeMax
		rule.MinAmount = c.OrderSizeMin
		rule.MaxLeverage = int(f64(c.LeverageMax))
		if cs := f64(c.QuantoMultiplier); cs > 0 {
			rule.ContractSize = cs
		}
		rules[symbol] = rule
	}
	g.SetRules(rules)
	g.log.Info().Int("rules", len(rules)).Msg("contract rules loaded")
	return rules, nil
}

// UpdateBalance refreshes the futures account snapshot. The stream
// subscriptions need the user id from here, so this runs before
// ListenPrivate.
func (g *Gate) UpdateBalance(ctx context.Context) error {
	acct, err := g.rest.account(ctx)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	g.SetAccount(model.Account{
		UserID:        strconv.FormatInt(acct.User, 10),
		InDualMode:    acct.InDualMode,
		SwapBalance:   f64(acct.Total),
		SwapAvailable: f64(acct.Available),
	})
	metrics.SetVenueBalance(venueName, f64(acct.Total))
	return nil
}

// GetPositions snapshots held positions over REST and replaces the
// cache.
func (g *Gate) GetPositions(ctx context.Context) (map[string]*model.Position, error) {
	rows, err := g.rest.positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	positions := make(map[string]*model.Position)
	for _, r := range rows {
		if r.Size == 0 {
			continue
		}
		symbol := strings.ReplaceAll(r.Contract, "_", "")
		side := model.SideBuy
		amount := r.Size
		if amount < 0 {
			side = model.SideSell
			amount = -amount
		}
		pos := &model.Position{
			Symbol: symbol,
			ID:     model.PositionID(symbol, side),
			Side:   side,
			Price:  f64(r.EntryPrice),
			Amount: amount,
		}
		positions[pos.ID] = pos
	}
	g.ReplacePositions(positions)
	return positions, nil
}

// GetOrders snapshots open orders over REST, keyed by order id.
func (g *Gate) GetOrders(ctx context.Context, symbol string) (map[string]*model.Order, error) {
	contract := ""
	if symbol != "" {
		contract = g.nativeContract(symbol)
	}
	rows, err := g.rest.openOrders(ctx, contract)
	if err != nil {
		return nil, fmt.Errorf("load open orders: %w", err)
	}
	orders := make(map[string]*model.Order, len(rows))
	for i := range rows {
		o := orderFromVenue(&rows[i])
		orders[o.ID] = o
	}
	return orders, nil
}

// CancelOrder cancels one order over REST.
func (g *Gate) CancelOrder(ctx context.Context, symbol, id string) error {
	return g.rest.cancelOrder(ctx, id)
}

// CancelAllOrders cancels every open order, optionally scoped to one
// contract.
func (g *Gate) CancelAllOrders(ctx context.Context, symbol string) error {
	contract := ""
	if symbol != "" {
		contract = g.nativeContract(symbol)
	}
	return g.rest.cancelAllOrders(ctx, contract)
}

// SetLeverage applies the negotiated leverage. Leverage 0 with a cross
// limit selects cross margin on this venue, which doubles as the margin
// mode setter.
func (g *Gate) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return g.rest.setLeverage(ctx, g.nativeContract(symbol), leverage)
}

// SetMarginMode is a no-op: cross margin is selected by SetLeverage.
func (g *Gate) SetMarginMode(ctx context.Context) error {
	return nil
}

// SetPositionMode switches the account to dual mode unless the last
// account snapshot says it already is.
func (g *Gate) SetPositionMode(ctx context.Context) error {
	if g.Account().InDualMode {
		return nil
	}
	return g.rest.enableDualMode(ctx)
}

// ===== order placement =====

func (g *Gate) currentPool() *wsx.Pool {
	g.poolMu.RLock()
	defer g.poolMu.RUnlock()
	return g.pool
}

// CreateOrder places an order through the trading WebSocket pool. Size
// carries the direction: positive buys, negative sells. CLOSE legs are
// reduce-only with the sign flipped so they shrink the named book.
func (g *Gate) CreateOrder(ctx context.Context, symbol string, side model.Side, tradeSide model.TradeSide, typ model.OrderType, amount, price float64) (string, string) {
	pool := g.currentPool()
	if pool == nil {
		return "", "ws not connected"
	}

	param := orderParam{Contract: g.nativeContract(symbol)}
	if tradeSide == model.TradeSideClose {
		param.ReduceOnly = true
		if side == model.SideSell {
			param.Size = amount
		} else {
			param.Size = -amount
		}
	} else {
		if side == model.SideBuy {
			param.Size = amount
		} else {
			param.Size = -amount
		}
	}
	if typ == model.OrderTypeMarket {
		param.Price = "0"
		param.TIF = "ioc"
	} else {
		param.Price = strconv.FormatFloat(price, 'f', -1, 64)
		param.TIF = strings.ToLower(string(typ))
	}

	reqID := uuid.NewString()
	req := wsAPIFrame{
		Time:    timex.NowS(),
		Channel: "futures.order_place",
		Event:   "api",
		Payload: apiPayload{ReqID: reqID, ReqParam: param},
	}
	raw, err := pool.Send(req, reqID)
	if err != nil {
		if errors.Is(err, wsx.ErrNotConnected) {
			return "", "ws not connected"
		}
		return "", err.Error()
	}

	var resp wsAPIResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Sprintf("decode order response: %v", err)
	}
	if errs := string(resp.Data.Errs); len(errs) > 0 && errs != "null" {
		return "", errs
	}
	var result orderResult
	if len(resp.Data.Result) > 0 {
		if err := json.Unmarshal(resp.Data.Result, &result); err != nil {
			return "", fmt.Sprintf("decode order result: %v", err)
		}
	}
	if result.ID == 0 {
		return "", string(raw)
	}
	return strconv.FormatInt(result.ID, 10), ""
}

// ===== mappings =====

// orderFromVenue converts a venue order row; the stream and the REST
// snapshot share the shape. Terminal non-fills (cancels, liquidations,
// reduce-only closures, self-trade prevention) collapse to CANCELED.
func orderFromVenue(data *gateOrder) *model.Order {
	symbol := strings.ReplaceAll(data.Contract, "_", "")
	side := model.SideBuy
	if data.Size < 0 {
		side = model.SideSell
	}
	amount := data.Size
	if amount < 0 {
		amount = -amount
	}

	tradeSide := model.TradeSideOpen
	if data.IsClose {
		tradeSide = model.TradeSideClose
	}

	var status model.OrderStatus
	switch {
	case data.Status == "open" || data.FinishAs == "_new":
		status = model.OrderStatusNew
	case data.FinishAs == "cancelled" || data.FinishAs == "liquidated" ||
		data.FinishAs == "reduce_only" || data.FinishAs == "position_close" ||
		data.FinishAs == "stp" || data.FinishAs == "reduce_out":
		status = model.OrderStatusCanceled
	default:
		status = model.OrderStatusFilled
	}

	ctime := data.CreateTimeMs
	if ctime == 0 {
		ctime = int64(data.CreateTime * 1000)
	}

	return &model.Order{
		VenueName:  venueName,
		Symbol:     symbol,
		ID:         strconv.FormatInt(data.ID, 10),
		Status:     status,
		Side:       side,
		TradeSide:  tradeSide,
		Price:      f64(data.Price),
		Amount:     amount,
		DealPrice:  f64(data.FillPrice),
		DealAmount: amount - data.Left,
		CTime:      ctime,
	}
}

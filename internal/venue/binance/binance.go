// Package binance adapts the master venue: USD-M perpetual futures with
// signed REST, per-symbol bookTicker streams, a listen-key user-data
// stream, and an ed25519-authenticated trading WebSocket API.
package binance

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crossarb-trader/internal/metrics"
	"crossarb-trader/internal/model"
	"crossarb-trader/internal/timex"
	"crossarb-trader/internal/venue"
	"crossarb-trader/internal/wsx"
)

const (
	venueName = "binance"

	requestTimeout = 10 * time.Second

	// listenKeyInterval keeps the user-data key alive; the venue expires
	// idle keys after 60 minutes.
	listenKeyInterval = 55 * time.Minute
)

// Stream endpoints; tests repoint them at local servers.
var (
	wsBaseURL    = "wss://fstream.binance.com"
	wsAPIBaseURL = "wss://ws-fapi.binance.com/ws-fapi/v1"
)

// Binance implements venue.Venue for the master side of the hedge.
type Binance struct {
	*venue.Base

	rest    *restClient
	secret  model.Secret
	signKey ed25519.PrivateKey
	log     zerolog.Logger

	poolMu sync.RWMutex
	pool   *wsx.Pool
}

// New builds the adapter. The ed25519 private key is parsed eagerly so
// a bad PEM fails at startup, not on the first order.
func New(quote string, secret model.Secret, logger zerolog.Logger) (*Binance, error) {
	b := &Binance{
		Base:   venue.NewBase(venueName, quote, logger),
		secret: secret,
		log:    logger.With().Str("venue", venueName).Logger(),
	}
	b.rest = newRESTClient(restBaseURL, secret, b.log)

	if secret.PrivateKey != "" {
		key, err := parseEd25519PEM(secret.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("parse ws-api private key: %w", err)
		}
		b.signKey = key
	}
	return b, nil
}

func parseEd25519PEM(pemData string) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unexpected key type %T", parsed)
	}
	return key, nil
}

// Init prepares the account: multi-assets margin and dual-side position
// mode. Both setters skip the write when the mode is already on.
func (b *Binance) Init(ctx context.Context) error {
	if err := b.SetMarginMode(ctx); err != nil {
		return fmt.Errorf("set margin mode: %w", err)
	}
	if err := b.SetPositionMode(ctx); err != nil {
		return fmt.Errorf("set position mode: %w", err)
	}
	return nil
}

// nativeSymbol maps a matched symbol to this venue's listing.
func (b *Binance) nativeSymbol(symbol string) string {
	if rule := b.Rule(symbol); rule != nil {
		return rule.Symbol
	}
	return symbol
}

// ===== rules and account state =====

// GetRules loads contract rules for all quote-settled symbols and
// replaces the rule cache. Symbols missing a leverage bracket are
// skipped; the strategy cannot size them.
func (b *Binance) GetRules(ctx context.Context) (map[string]*model.ContractRule, error) {
	brackets, err := b.rest.leverageBrackets(ctx)
	if err != nil {
		return nil, fmt.Errorf("load leverage brackets: %w", err)
	}
	info, err := b.rest.exchangeInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("load exchange info: %w", err)
	}

	rules := make(map[string]*model.ContractRule)
	for _, s := range info.Symbols {
		if !strings.HasSuffix(s.Symbol, b.Quote()) {
			continue
		}
		maxLev, ok := brackets[s.Symbol]
		if !ok {
			continue
		}
		rule := model.NewContractRule(s.Symbol)
		rule.PricePrec = s.PricePrecision
		rule.AmountPrec = s.QuantityPrecision
		rule.MaxLeverage = maxLev
		for _, f := range s.Filters {
			if f.FilterType == "LOT_SIZE" {
				rule.MaxAmount = f64(f.MaxQty)
				rule.MinAmount = f64(f.MinQty)
			}
		}
		rules[s.Symbol] = rule
	}
	b.SetRules(rules)
	b.log.Info().Int("rules", len(rules)).Msg("contract rules loaded")
	return rules, nil
}

// UpdateBalance refreshes the quote-asset margin balances.
func (b *Binance) UpdateBalance(ctx context.Context) error {
	entries, err := b.rest.balances(ctx)
	if err != nil {
		return fmt.Errorf("load balances: %w", err)
	}
	for _, e := range entries {
		if e.Asset != b.Quote() {
			continue
		}
		acct := b.Account()
		acct.SwapBalance = f64(e.Balance)
		acct.SwapAvailable = f64(e.AvailableBalance)
		b.SetAccount(acct)
		metrics.SetVenueBalance(venueName, acct.SwapBalance)
		return nil
	}
	return fmt.Errorf("no %s balance entry", b.Quote())
}

// GetPositions snapshots open positions over REST and replaces the
// cache. Flat rows are dropped.
func (b *Binance) GetPositions(ctx context.Context) (map[string]*model.Position, error) {
	rows, err := b.rest.positionRisk(ctx)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	positions := make(map[string]*model.Position)
	for _, r := range rows {
		amount := f64(r.PositionAmt)
		if amount == 0 {
			continue
		}
		side := model.SideBuy
		if amount < 0 {
			side = model.SideSell
			amount = -amount
		}
		pos := &model.Position{
			Symbol: r.Symbol,
			ID:     model.PositionID(r.Symbol, side),
			Side:   side,
			Price:  f64(r.EntryPrice),
			Amount: amount,
			CTime:  r.UpdateTime,
		}
		positions[pos.ID] = pos
	}
	b.ReplacePositions(positions)
	return positions, nil
}

// GetOrders snapshots open orders over REST, keyed by order id.
func (b *Binance) GetOrders(ctx context.Context, symbol string) (map[string]*model.Order, error) {
	rows, err := b.rest.openOrders(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("load open orders: %w", err)
	}
	orders := make(map[string]*model.Order, len(rows))
	for _, r := range rows {
		o := &model.Order{
			VenueName:  venueName,
			Symbol:     r.Symbol,
			ID:         strconv.FormatInt(r.OrderID, 10),
			Status:     statusFromVenue(r.Status),
			Side:       model.Side(r.Side),
			TradeSide:  tradeSideFromVenue(model.Side(r.Side), r.PositionSide),
			Price:      f64(r.Price),
			Amount:     f64(r.OrigQty),
			DealPrice:  f64(r.AvgPrice),
			DealAmount: f64(r.ExecutedQty),
			CTime:      r.Time,
		}
		orders[o.ID] = o
	}
	return orders, nil
}

// CancelOrder cancels one order over REST.
func (b *Binance) CancelOrder(ctx context.Context, symbol, id string) error {
	return b.rest.cancelOrder(ctx, b.nativeSymbol(symbol), id)
}

// CancelAllOrders cancels every open order on the symbol.
func (b *Binance) CancelAllOrders(ctx context.Context, symbol string) error {
	return b.rest.cancelAllOrders(ctx, b.nativeSymbol(symbol))
}

// SetLeverage applies the negotiated leverage to a symbol.
func (b *Binance) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return b.rest.setLeverage(ctx, b.nativeSymbol(symbol), leverage)
}

// SetMarginMode switches the account to multi-assets margin unless it
// already is.
func (b *Binance) SetMarginMode(ctx context.Context) error {
	on, err := b.rest.multiAssetsMargin(ctx)
	if err != nil {
		return err
	}
	if on {
		return nil
	}
	return b.rest.enableMultiAssetsMargin(ctx)
}

// SetPositionMode switches the account to dual-side positions unless it
// already is.
func (b *Binance) SetPositionMode(ctx context.Context) error {
	dual, err := b.rest.dualSidePosition(ctx)
	if err != nil {
		return err
	}
	if dual {
		return nil
	}
	return b.rest.enableDualSidePosition(ctx)
}

// ===== order placement =====

func (b *Binance) currentPool() *wsx.Pool {
	b.poolMu.RLock()
	defer b.poolMu.RUnlock()
	return b.pool
}

// CreateOrder places an order through the trading WebSocket pool. The
// request side flips for CLOSE legs: closing a BUY position sells. The
// position side always follows the signal side, which names the book
// being opened or reduced.
func (b *Binance) CreateOrder(ctx context.Context, symbol string, side model.Side, tradeSide model.TradeSide, typ model.OrderType, amount, price float64) (string, string) {
	pool := b.currentPool()
	if pool == nil {
		return "", "ws not connected"
	}

	orderSide := side
	if tradeSide == model.TradeSideClose {
		orderSide = side.Opposite()
	}
	posSide := model.PositionSideLong
	if side == model.SideSell {
		posSide = model.PositionSideShort
	}

	params := map[string]any{
		"symbol":       b.nativeSymbol(symbol),
		"side":         string(orderSide),
		"positionSide": string(posSide),
		"quantity":     decimal.NewFromFloat(amount).String(),
		"timestamp":    timex.NowMs(),
	}
	if typ == model.OrderTypeMarket {
		params["type"] = "MARKET"
	} else {
		params["type"] = "LIMIT"
		params["price"] = decimal.NewFromFloat(price).String()
		params["timeInForce"] = string(typ)
	}

	id := uuid.NewString()
	raw, err := pool.Send(wsAPIRequest{ID: id, Method: "order.place", Params: params}, id)
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
	if resp.Error != nil {
		return "", fmt.Sprintf("%d: %s", resp.Error.Code, resp.Error.Msg)
	}
	var result orderPlaceResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return "", fmt.Sprintf("decode order result: %v", err)
		}
	}
	if result.OrderID == 0 {
		return "", string(raw)
	}
	return strconv.FormatInt(result.OrderID, 10), ""
}

// ===== mappings =====

func statusFromVenue(status string) model.OrderStatus {
	switch status {
	case "PARTIALLY_FILLED":
		return model.OrderStatusPartiallyFilled
	case "FILLED":
		return model.OrderStatusFilled
	case "CANCELED", "REJECTED", "EXPIRED":
		return model.OrderStatusCanceled
	default:
		return model.OrderStatusNew
	}
}

// tradeSideFromVenue recovers OPEN/CLOSE from the order side and the
// position book it acts on: buying into the long book opens, buying
// into the short book reduces.
func tradeSideFromVenue(side model.Side, positionSide string) model.TradeSide {
	if side == model.SideBuy {
		if positionSide == string(model.PositionSideLong) {
			return model.TradeSideOpen
		}
		return model.TradeSideClose
	}
	if positionSide == string(model.PositionSideShort) {
		return model.TradeSideOpen
	}
	return model.TradeSideClose
}

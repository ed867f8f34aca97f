// Package venue defines the adapter contract the trader drives and the
// shared state base both venue implementations embed.
package venue

import (
	"context"

	"crossarb-trader/internal/model"
)

// BBOHandler is invoked after a venue stores a fresh best-bid/offer.
// It receives the matched symbol the stream was subscribed under.
type BBOHandler func(symbol string)

// OrderHandler is invoked after a venue applies an order update.
type OrderHandler func(order *model.Order)

// Venue is one derivatives exchange wired into the hedge. Listen methods
// block and reconnect internally; they return when ctx is done. All other
// methods are safe to call from any goroutine.
type Venue interface {
	Name() string
	Quote() string
	TakerFeeRate() float64

	// Init prepares the account (margin mode, position mode, stale
	// order cleanup). It is idempotent.
	Init(ctx context.Context) error

	ListenPublic(ctx context.Context, symbol string)
	ListenPrivate(ctx context.Context)
	ListenWSAPI(ctx context.Context, count int)

	GetRules(ctx context.Context) (map[string]*model.ContractRule, error)
	GetOrders(ctx context.Context, symbol string) (map[string]*model.Order, error)
	GetPositions(ctx context.Context) (map[string]*model.Position, error)

	// CreateOrder places an order over the trading WebSocket pool. It
	// returns the venue order id, or an empty id with the rejection
	// text ("ws not connected" when the pool has no usable session).
	CreateOrder(ctx context.Context, symbol string, side model.Side, tradeSide model.TradeSide, typ model.OrderType, amount, price float64) (id string, errText string)

	CancelOrder(ctx context.Context, symbol, id string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context) error
	SetPositionMode(ctx context.Context) error
	UpdateBalance(ctx context.Context) error

	Rule(symbol string) *model.ContractRule
	Rules() map[string]*model.ContractRule
	LastBBO(symbol string) *model.BBO
	Positions() map[string]*model.Position
	Account() model.Account
	SetTradeLeverage(symbol string, leverage int)

	SetBBOHandler(h BBOHandler)
	SetOrderHandler(h OrderHandler)
}

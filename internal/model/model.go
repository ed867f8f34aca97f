package model

// OrderStatus is the unified lifecycle state of an order across venues.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
)

// Done reports whether the status is terminal for cache purposes.
// Partial fills count: once a fill event arrives the cached entry is stale.
func (s OrderStatus) Done() bool {
	switch s {
	case OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCanceled:
		return true
	}
	return false
}

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other direction.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide distinguishes the two books of a dual-mode account.
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// TradeSide says whether an order opens or reduces a position.
type TradeSide string

const (
	TradeSideOpen  TradeSide = "OPEN"
	TradeSideClose TradeSide = "CLOSE"
)

// OrderType is the execution type. The non-market values double as the
// time-in-force sent on limit orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeIOC    OrderType = "IOC"
	OrderTypeFOK    OrderType = "FOK"
	OrderTypeGTC    OrderType = "GTC"
)

// BBO is a best-bid/offer snapshot. Amounts are in venue-native contract
// units; Time is the venue event time in Unix milliseconds.
type BBO struct {
	Symbol    string
	Bid       float64
	BidAmount float64
	Ask       float64
	AskAmount float64
	Time      int64
}

// ContractRule describes one perpetual contract's trading constraints.
// MaxAmount and MinAmount are in contracts; ContractSize is coins per
// contract. TradeLeverage is the negotiated leverage written at startup.
type ContractRule struct {
	Symbol        string
	PricePrec     int
	AmountPrec    int
	MaxAmount     float64
	MinAmount     float64
	MaxLeverage   int
	TradeLeverage int
	ContractSize  float64
}

// NewContractRule returns a rule with the venue-agnostic defaults.
func NewContractRule(symbol string) *ContractRule {
	return &ContractRule{
		Symbol:        symbol,
		MaxLeverage:   20,
		TradeLeverage: 20,
		ContractSize:  1,
	}
}

// Order is the unified order view kept in the venue caches.
type Order struct {
	VenueName  string
	Symbol     string
	ID         string
	Status     OrderStatus
	Side       Side
	TradeSide  TradeSide
	Price      float64
	Amount     float64
	DealPrice  float64
	DealAmount float64
	CTime      int64
}

// Position is one side of a dual-mode position. Amount is always the
// absolute contract count; the sign lives in Side.
type Position struct {
	Symbol string
	ID     string
	Side   Side
	Price  float64
	Amount float64
	CTime  int64
}

// PositionID builds the cache key for a position. A symbol can hold a
// BUY (long) and a SELL (short) entry at the same time.
func PositionID(symbol string, side Side) string {
	return symbol + string(side)
}

// Account is the venue margin account snapshot.
type Account struct {
	UserID        string
	InDualMode    bool
	SwapBalance   float64
	SwapAvailable float64
}

// SignalLeg is one venue's share of a hedge signal. Time carries the BBO
// event time the leg was priced from.
type SignalLeg struct {
	VenueName string
	TradeSide TradeSide
	Side      Side
	Price     float64
	Amount    float64
	Time      int64
}

// Signal is a paired trade decision: exactly two legs, master first.
type Signal struct {
	Symbol string
	Type   OrderType
	Spread float64
	Legs   []SignalLeg
}

// Secret bundles one venue's credentials. Key/Secret sign REST calls;
// APIKey with the ed25519 PEM pair authenticates WebSocket trading
// sessions on venues that use session logon.
type Secret struct {
	Key        string
	Secret     string
	APIKey     string
	PrivateKey string
	PublicKey  string
}

package binance

import (
	"encoding/json"
	"strconv"
)

// f64 parses venue decimal strings, tolerating blanks.
func f64(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// ===== REST payloads =====

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

type exchangeInfo struct {
	Symbols []symbolInfo `json:"symbols"`
}

type symbolInfo struct {
	Symbol            string         `json:"symbol"`
	PricePrecision    int            `json:"pricePrecision"`
	QuantityPrecision int            `json:"quantityPrecision"`
	Filters           []symbolFilter `json:"filters"`
}

type symbolFilter struct {
	FilterType string `json:"filterType"`
	MaxQty     string `json:"maxQty"`
	MinQty     string `json:"minQty"`
}

type leverageBracket struct {
	Symbol   string `json:"symbol"`
	Brackets []struct {
		InitialLeverage int `json:"initialLeverage"`
	} `json:"brackets"`
}

type balanceEntry struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
}

type positionRisk struct {
	Symbol      string `json:"symbol"`
	PositionAmt string `json:"positionAmt"`
	EntryPrice  string `json:"entryPrice"`
	UpdateTime  int64  `json:"updateTime"`
}

type openOrder struct {
	Symbol       string `json:"symbol"`
	OrderID      int64  `json:"orderId"`
	Status       string `json:"status"`
	Side         string `json:"side"`
	PositionSide string `json:"positionSide"`
	Price        string `json:"price"`
	OrigQty      string `json:"origQty"`
	AvgPrice     string `json:"avgPrice"`
	ExecutedQty  string `json:"executedQty"`
	Time         int64  `json:"time"`
}

type marginAssetsMode struct {
	MultiAssetsMargin bool `json:"multiAssetsMargin"`
}

type positionModeState struct {
	DualSidePosition bool `json:"dualSidePosition"`
}

type apiResult struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type leverageResult struct {
	Leverage         int    `json:"leverage"`
	MaxNotionalValue string `json:"maxNotionalValue"`
	Symbol           string `json:"symbol"`
}

// ===== public stream =====

type bookTickerEvent struct {
	Symbol    string `json:"s"`
	Bid       string `json:"b"`
	BidAmount string `json:"B"`
	Ask       string `json:"a"`
	AskAmount string `json:"A"`
	TradeTime int64  `json:"T"`
}

// ===== user data stream =====

type userDataEvent struct {
	EventType string             `json:"e"`
	EventTime int64              `json:"E"`
	Account   *accountUpdateData `json:"a,omitempty"`
	Order     *orderUpdateData   `json:"o,omitempty"`
}

type accountUpdateData struct {
	Balances  []streamBalance  `json:"B"`
	Positions []streamPosition `json:"P"`
}

type streamBalance struct {
	Asset         string `json:"a"`
	WalletBalance string `json:"wb"`
	CrossWallet   string `json:"cw"`
}

type streamPosition struct {
	Symbol       string `json:"s"`
	EntryPrice   string `json:"ep"`
	Amount       string `json:"pa"`
	PositionSide string `json:"ps"`
}

type orderUpdateData struct {
	Symbol       string `json:"s"`
	Side         string `json:"S"`
	PositionSide string `json:"ps"`
	Status       string `json:"X"`
	OrderID      int64  `json:"i"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	AvgPrice     string `json:"ap"`
	FilledQty    string `json:"z"`
	TradeTime    int64  `json:"T"`
}

// ===== trading WebSocket API =====

type wsAPIRequest struct {
	ID     string         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

type wsAPIResponse struct {
	ID     string          `json:"id"`
	Status int             `json:"status"`
	Result json.RawMessage `json:"result"`
	Error  *wsAPIError     `json:"error"`
}

type wsAPIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type orderPlaceResult struct {
	OrderID int64 `json:"orderId"`
}

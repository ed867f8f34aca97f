package gate

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

type gateContract struct {
	Name             string  `json:"name"`
	OrderPriceRound  string  `json:"order_price_round"`
	OrderSizeMax     float64 `json:"order_size_max"`
	OrderSizeMin     float64 `json:"order_size_min"`
	LeverageMax      string  `json:"leverage_max"`
	QuantoMultiplier string  `json:"quanto_multiplier"`
}

type gateAccount struct {
	User       int64  `json:"user"`
	InDualMode bool   `json:"in_dual_mode"`
	Total      string `json:"total"`
	Available  string `json:"available"`
}

type gatePosition struct {
	Contract   string  `json:"contract"`
	Size       float64 `json:"size"`
	EntryPrice string  `json:"entry_price"`
}

// gateOrder is shared by the futures.orders stream and the REST order
// snapshot; the venue uses one shape for both.
type gateOrder struct {
	ID           int64   `json:"id"`
	Contract     string  `json:"contract"`
	Size         float64 `json:"size"`
	Left         float64 `json:"left"`
	Price        string  `json:"price"`
	FillPrice    string  `json:"fill_price"`
	IsClose      bool    `json:"is_close"`
	Status       string  `json:"status"`
	FinishAs     string  `json:"finish_as"`
	CreateTime   float64 `json:"create_time"`
	CreateTimeMs int64   `json:"create_time_ms"`
}

// ===== WebSocket frames =====

// wsFrame is the generic inbound message on the shared protocol. Stream
// events carry channel/event/result; API responses carry request_id,
// header, and data.
type wsFrame struct {
	Channel   string          `json:"channel"`
	Event     string          `json:"event"`
	Result    json.RawMessage `json:"result"`
	RequestID string          `json:"request_id"`
	Ack       bool            `json:"ack"`
	Header    *wsAPIHeader    `json:"header"`
	Data      *wsAPIData      `json:"data"`
	Error     *wsError        `json:"error"`
}

type wsError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type bookTickerResult struct {
	Contract  string  `json:"s"`
	Bid       string  `json:"b"`
	BidAmount float64 `json:"B"`
	Ask       string  `json:"a"`
	AskAmount float64 `json:"A"`
	TimeMs    int64   `json:"t"`
}

// subscribeFrame is an outbound channel subscription, optionally with
// the per-subscription HMAC auth block.
type subscribeFrame struct {
	Time    int64     `json:"time"`
	Channel string    `json:"channel"`
	Event   string    `json:"event"`
	Payload []string  `json:"payload,omitempty"`
	Auth    *authInfo `json:"auth,omitempty"`
}

type authInfo struct {
	Method string `json:"method"`
	Key    string `json:"KEY"`
	Sign   string `json:"SIGN"`
}

type pingFrame struct {
	Time    int64  `json:"time"`
	Channel string `json:"channel"`
}

// ===== trading API =====

type wsAPIFrame struct {
	Time    int64      `json:"time"`
	Channel string     `json:"channel"`
	Event   string     `json:"event"`
	Payload apiPayload `json:"payload"`
}

type apiPayload struct {
	ReqID    string `json:"req_id"`
	ReqParam any    `json:"req_param,omitempty"`

	// Login fields, unset on order requests.
	APIKey    string `json:"api_key,omitempty"`
	Signature string `json:"signature,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

type orderParam struct {
	Contract   string  `json:"contract"`
	Size       float64 `json:"size"`
	Price      string  `json:"price"`
	TIF        string  `json:"tif"`
	ReduceOnly bool    `json:"reduce_only,omitempty"`
}

type wsAPIResponse struct {
	RequestID string      `json:"request_id"`
	Header    wsAPIHeader `json:"header"`
	Data      wsAPIData   `json:"data"`
	Ack       bool        `json:"ack"`
}

type wsAPIHeader struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Status  string `json:"status"`
}

type wsAPIData struct {
	Result json.RawMessage `json:"result"`
	Errs   json.RawMessage `json:"errs"`
}

type orderResult struct {
	ID int64 `json:"id"`
}

package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"crossarb-trader/internal/model"
	"crossarb-trader/internal/timex"
)

const restBaseURL = "https://fapi.binance.com"

// restClient signs and issues the venue's REST calls. Every request is
// query-signed: params are URL-encoded, a millisecond timestamp is
// appended, and the HMAC-SHA256 hex of the query string rides along as
// the signature parameter.
type restClient struct {
	http   *resty.Client
	secret model.Secret
	log    zerolog.Logger
}

func newRESTClient(baseURL string, secret model.Secret, logger zerolog.Logger) *restClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout).
		SetHeader("X-MBX-APIKEY", secret.Key)
	return &restClient{http: client, secret: secret, log: logger}
}

func (c *restClient) signQuery(params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(timex.NowMs(), 10))
	q := params.Encode()
	mac := hmac.New(sha256.New, []byte(c.secret.Secret))
	mac.Write([]byte(q))
	return q + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}

func (c *restClient) request(ctx context.Context, method, path string, params url.Values, out any) error {
	q := c.signQuery(params)
	resp, err := c.http.R().SetContext(ctx).Execute(method, path+"?"+q)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode(), resp.String())
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func (c *restClient) createListenKey(ctx context.Context) (string, error) {
	var res listenKeyResponse
	if err := c.request(ctx, "POST", "/fapi/v1/listenKey", nil, &res); err != nil {
		return "", err
	}
	if res.ListenKey == "" {
		return "", fmt.Errorf("empty listen key")
	}
	return res.ListenKey, nil
}

func (c *restClient) keepAliveListenKey(ctx context.Context) error {
	return c.request(ctx, "PUT", "/fapi/v1/listenKey", nil, nil)
}

func (c *restClient) exchangeInfo(ctx context.Context) (*exchangeInfo, error) {
	var res exchangeInfo
	if err := c.request(ctx, "GET", "/fapi/v1/exchangeInfo", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// leverageBrackets returns the first-tier max leverage per symbol.
func (c *restClient) leverageBrackets(ctx context.Context) (map[string]int, error) {
	var res []leverageBracket
	if err := c.request(ctx, "GET", "/fapi/v1/leverageBracket", nil, &res); err != nil {
		return nil, err
	}
	out := make(map[string]int, len(res))
	for _, b := range res {
		if len(b.Brackets) > 0 {
			out[b.Symbol] = b.Brackets[0].InitialLeverage
		}
	}
	return out, nil
}

func (c *restClient) balances(ctx context.Context) ([]balanceEntry, error) {
	var res []balanceEntry
	if err := c.request(ctx, "GET", "/fapi/v3/balance", nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *restClient) positionRisk(ctx context.Context) ([]positionRisk, error) {
	var res []positionRisk
	if err := c.request(ctx, "GET", "/fapi/v3/positionRisk", nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *restClient) openOrders(ctx context.Context, symbol string) ([]openOrder, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	var res []openOrder
	if err := c.request(ctx, "GET", "/fapi/v1/openOrders", params, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *restClient) cancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	return c.request(ctx, "DELETE", "/fapi/v1/order", params, nil)
}

func (c *restClient) cancelAllOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	var res apiResult
	if err := c.request(ctx, "DELETE", "/fapi/v1/allOpenOrders", params, &res); err != nil {
		return err
	}
	if res.Code != 200 {
		return fmt.Errorf("cancel all %s: code %d: %s", symbol, res.Code, res.Msg)
	}
	return nil
}

// setLeverage succeeds only when the venue echoes the notional cap,
// which it omits on rejected symbols.
func (c *restClient) setLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	var res leverageResult
	if err := c.request(ctx, "POST", "/fapi/v1/leverage", params, &res); err != nil {
		return err
	}
	if res.MaxNotionalValue == "" {
		return fmt.Errorf("set leverage %s: no notional cap in response", symbol)
	}
	return nil
}

func (c *restClient) multiAssetsMargin(ctx context.Context) (bool, error) {
	var res marginAssetsMode
	if err := c.request(ctx, "GET", "/fapi/v1/multiAssetsMargin", nil, &res); err != nil {
		return false, err
	}
	return res.MultiAssetsMargin, nil
}

func (c *restClient) enableMultiAssetsMargin(ctx context.Context) error {
	params := url.Values{}
	params.Set("multiAssetsMargin", "true")
	var res apiResult
	if err := c.request(ctx, "POST", "/fapi/v1/multiAssetsMargin", params, &res); err != nil {
		return err
	}
	if res.Code != 200 {
		return fmt.Errorf("enable multi-assets margin: code %d: %s", res.Code, res.Msg)
	}
	return nil
}

func (c *restClient) dualSidePosition(ctx context.Context) (bool, error) {
	var res positionModeState
	if err := c.request(ctx, "GET", "/fapi/v1/positionSide/dual", nil, &res); err != nil {
		return false, err
	}
	return res.DualSidePosition, nil
}

func (c *restClient) enableDualSidePosition(ctx context.Context) error {
	params := url.Values{}
	params.Set("dualSidePosition", "true")
	var res apiResult
	if err := c.request(ctx, "POST", "/fapi/v1/positionSide/dual", params, &res); err != nil {
		return err
	}
	if res.Code != 200 {
		return fmt.Errorf("enable dual side position: code %d: %s", res.Code, res.Msg)
	}
	return nil
}

package gate

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
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

const (
	restBaseURL = "https://api.gateio.ws"
	restPrefix  = "/api/v4/futures/usdt"
)

// restClient signs and issues the venue's REST calls. The signature is
// HMAC-SHA512 hex over "METHOD\nPATH\nQUERY\nSHA512(BODY)\nTIMESTAMP"
// with a second-resolution timestamp, carried in the KEY/Timestamp/SIGN
// headers.
type restClient struct {
	http   *resty.Client
	secret model.Secret
	log    zerolog.Logger
}

func newRESTClient(baseURL string, secret model.Secret, logger zerolog.Logger) *restClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	return &restClient{http: client, secret: secret, log: logger}
}

func (c *restClient) signHeaders(method, path, query, body string) map[string]string {
	ts := strconv.FormatInt(timex.NowS(), 10)

	payloadHash := sha512.Sum512([]byte(body))
	msg := method + "\n" + path + "\n" + query + "\n" + hex.EncodeToString(payloadHash[:]) + "\n" + ts

	mac := hmac.New(sha512.New, []byte(c.secret.Secret))
	mac.Write([]byte(msg))

	return map[string]string{
		"KEY":       c.secret.Key,
		"Timestamp": ts,
		"SIGN":      hex.EncodeToString(mac.Sum(nil)),
	}
}

func (c *restClient) request(ctx context.Context, method, path string, query url.Values, body, out any) error {
	queryStr := ""
	if len(query) > 0 {
		queryStr = query.Encode()
	}
	bodyStr := ""
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		bodyStr = string(raw)
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeaders(c.signHeaders(method, path, queryStr, bodyStr))
	if bodyStr != "" {
		req.SetBody(bodyStr)
	}

	target := path
	if queryStr != "" {
		target += "?" + queryStr
	}
	resp, err := req.Execute(method, target)
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

func (c *restClient) contracts(ctx context.Context) ([]gateContract, error) {
	var res []gateContract
	if err := c.request(ctx, "GET", restPrefix+"/contracts", nil, nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *restClient) account(ctx context.Context) (*gateAccount, error) {
	var res gateAccount
	if err := c.request(ctx, "GET", restPrefix+"/accounts", nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *restClient) positions(ctx context.Context) ([]gatePosition, error) {
	query := url.Values{}
	query.Set("holding", "true")
	var res []gatePosition
	if err := c.request(ctx, "GET", restPrefix+"/positions", query, nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *restClient) openOrders(ctx context.Context, contract string) ([]gateOrder, error) {
	query := url.Values{}
	query.Set("status", "open")
	if contract != "" {
		query.Set("contract", contract)
	}
	var res []gateOrder
	if err := c.request(ctx, "GET", restPrefix+"/orders", query, nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *restClient) cancelOrder(ctx context.Context, id string) error {
	return c.request(ctx, "DELETE", restPrefix+"/orders/"+id, nil, nil, nil)
}

func (c *restClient) cancelAllOrders(ctx context.Context, contract string) error {
	query := url.Values{}
	query.Set("contract", contract)
	return c.request(ctx, "DELETE", restPrefix+"/orders", query, nil, nil)
}

// setLeverage selects cross margin (leverage=0) with the negotiated
// cross leverage cap.
func (c *restClient) setLeverage(ctx context.Context, contract string, leverage int) error {
	query := url.Values{}
	query.Set("leverage", "0")
	query.Set("cross_leverage_limit", strconv.Itoa(leverage))
	return c.request(ctx, "POST", restPrefix+"/positions/"+contract+"/leverage", query, nil, nil)
}

func (c *restClient) enableDualMode(ctx context.Context) error {
	query := url.Values{}
	query.Set("dual_mode", "true")
	return c.request(ctx, "POST", restPrefix+"/dual_mode", query, nil, nil)
}

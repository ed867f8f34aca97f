package binance

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"crossarb-trader/internal/metrics"
	"crossarb-trader/internal/model"
	"crossarb-trader/internal/timex"
	"crossarb-trader/internal/wsx"
)

// ListenPublic subscribes one bookTicker stream. The matched symbol is
// resolved to the venue-native listing before dialing; BBOs are cached
// under that native symbol and the callback fires with the matched one.
func (b *Binance) ListenPublic(ctx context.Context, symbol string) {
	native := b.nativeSymbol(symbol)
	url := wsBaseURL + "/ws/" + strings.ToLower(native) + "@bookTicker"

	session := wsx.NewSession("binance public "+symbol, wsx.StaticURL(url), wsx.Handler{
		OnConnect: func(ctx context.Context, s *wsx.Session) error {
			metrics.RecordWSConnect(venueName, "public")
			return nil
		},
		OnMessage: func(s *wsx.Session, raw []byte) string {
			var ev bookTickerEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				b.log.Warn().Err(err).Msg("bad bookTicker frame")
				return ""
			}
			bbo := &model.BBO{
				Symbol:    ev.Symbol,
				Bid:       f64(ev.Bid),
				BidAmount: f64(ev.BidAmount),
				Ask:       f64(ev.Ask),
				AskAmount: f64(ev.AskAmount),
				Time:      ev.TradeTime,
			}
			b.StoreBBO(native, bbo)
			metrics.RecordBBO(venueName, symbol, timex.NowMs()-bbo.Time)
			b.EmitBBO(symbol)
			return ""
		},
	}, b.log)
	session.Run(ctx)
}

// ListenPrivate serves the user-data stream. The listen key is minted on
// every (re)connect through the URL resolver and kept alive by a
// per-connection goroutine; a failed keep-alive surfaces as a disconnect
// and the session redials with a fresh key.
func (b *Binance) ListenPrivate(ctx context.Context) {
	url := func() (string, error) {
		key, err := b.rest.createListenKey(ctx)
		if err != nil {
			return "", err
		}
		return wsBaseURL + "/ws/" + key, nil
	}

	session := wsx.NewSession("binance private", url, wsx.Handler{
		OnConnect: func(connCtx context.Context, s *wsx.Session) error {
			metrics.RecordWSConnect(venueName, "private")

			// Refetch so updates missed while disconnected cannot
			// leave the caches stale.
			if orders, err := b.GetOrders(connCtx, ""); err != nil {
				b.log.Error().Err(err).Msg("resync orders failed")
			} else {
				b.ReplaceOrders(orders)
			}
			if _, err := b.GetPositions(connCtx); err != nil {
				b.log.Error().Err(err).Msg("resync positions failed")
			}

			go b.keepListenKeyAlive(connCtx)
			return nil
		},
		OnMessage: func(s *wsx.Session, raw []byte) string {
			var ev userDataEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				b.log.Warn().Err(err).Msg("bad user-data frame")
				return ""
			}
			switch ev.EventType {
			case "ACCOUNT_UPDATE":
				if ev.Account != nil {
					b.handleAccountUpdate(ev.Account)
				}
			case "ORDER_TRADE_UPDATE":
				if ev.Order != nil {
					b.handleOrderUpdate(ev.Order)
				}
			}
			return ""
		},
	}, b.log)
	session.Run(ctx)
}

func (b *Binance) keepListenKeyAlive(ctx context.Context) {
	ticker := time.NewTicker(listenKeyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.rest.keepAliveListenKey(ctx); err != nil {
				b.log.Error().Err(err).Msg("listen key keep-alive failed")
			}
		}
	}
}

func (b *Binance) handleAccountUpdate(data *accountUpdateData) {
	for _, bal := range data.Balances {
		if bal.Asset != b.Quote() {
			continue
		}
		acct := b.Account()
		acct.SwapBalance = f64(bal.WalletBalance)
		acct.SwapAvailable = f64(bal.CrossWallet)
		b.SetAccount(acct)
		metrics.SetVenueBalance(venueName, acct.SwapBalance)
		b.log.Info().Float64("available", acct.SwapAvailable).Msg("balance update")
	}
	for _, p := range data.Positions {
		side := model.SideBuy
		if p.PositionSide == string(model.PositionSideShort) {
			side = model.SideSell
		}
		b.ApplyPosition(&model.Position{
			Symbol: p.Symbol,
			ID:     model.PositionID(p.Symbol, side),
			Side:   side,
			Price:  f64(p.EntryPrice),
			Amount: absFloat(f64(p.Amount)),
		})
	}
}

func (b *Binance) handleOrderUpdate(data *orderUpdateData) {
	side := model.Side(data.Side)
	b.ApplyOrder(&model.Order{
		VenueName:  venueName,
		Symbol:     data.Symbol,
		ID:         strconv.FormatInt(data.OrderID, 10),
		Status:     statusFromVenue(data.Status),
		Side:       side,
		TradeSide:  tradeSideFromVenue(side, data.PositionSide),
		Price:      f64(data.Price),
		Amount:     f64(data.Quantity),
		DealPrice:  f64(data.AvgPrice),
		DealAmount: f64(data.FilledQty),
		CTime:      data.TradeTime,
	})
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// ListenWSAPI runs the trading-API pool. Each member authenticates its
// own connection with session.logon right after the dial, so requests on
// any ready member are already signed-in.
func (b *Binance) ListenWSAPI(ctx context.Context, count int) {
	pool := wsx.NewPool(func(i int) *wsx.Session {
		name := "binance wsapi " + strconv.Itoa(i)
		return wsx.NewSession(name, wsx.StaticURL(wsAPIBaseURL), wsx.Handler{
			OnConnect: func(connCtx context.Context, s *wsx.Session) error {
				metrics.RecordWSConnect(venueName, "wsapi")
				return b.sessionLogon(s)
			},
			OnMessage: func(s *wsx.Session, raw []byte) string {
				var resp wsAPIResponse
				if err := json.Unmarshal(raw, &resp); err != nil {
					b.log.Warn().Err(err).Msg("bad wsapi frame")
					return ""
				}
				return resp.ID
			},
		}, b.log)
	}, b.log)

	b.poolMu.Lock()
	b.pool = pool
	b.poolMu.Unlock()

	pool.Run(ctx, count, wsx.DefaultStagger)
}

// sessionLogon authenticates one trading connection. The signature is
// ed25519 over the lexicographically sorted params, base64-encoded. The
// logon must ride the connection that just opened, never a pool pick.
func (b *Binance) sessionLogon(s *wsx.Session) error {
	params := map[string]any{
		"apiKey":    b.secret.APIKey,
		"timestamp": timex.NowMs(),
	}
	params["signature"] = b.signWSAPI(params)

	_, err := s.Send(wsAPIRequest{
		ID:     uuid.NewString(),
		Method: "session.logon",
		Params: params,
	}, "")
	return err
}

func (b *Binance) signWSAPI(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+paramString(params[k]))
	}
	payload := strings.Join(parts, "&")

	sig := ed25519.Sign(b.signKey, []byte(payload))
	return base64.StdEncoding.EncodeToString(sig)
}

func paramString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	default:
		raw, _ := json.Marshal(x)
		return string(raw)
	}
}

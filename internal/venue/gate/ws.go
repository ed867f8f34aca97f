package gate

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"crossarb-trader/internal/metrics"
	"crossarb-trader/internal/model"
	"crossarb-trader/internal/timex"
	"crossarb-trader/internal/wsx"
)

// loopPing keeps one connection alive with the application-level ping
// channel. The venue drops connections that stay silent.
func (g *Gate) loopPing(ctx context.Context, s *wsx.Session) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Send(pingFrame{Time: timex.NowS(), Channel: "futures.ping"}, ""); err != nil {
				g.log.Warn().Err(err).Msg("ws ping failed")
				return
			}
		}
	}
}

// subscribeSign authenticates one channel subscription.
func (g *Gate) subscribeSign(channel, event string, ts int64) string {
	msg := "channel=" + channel + "&event=" + event + "&time=" + strconv.FormatInt(ts, 10)
	mac := hmac.New(sha512.New, []byte(g.secret.Secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// apiSign authenticates the in-band trading login.
func (g *Gate) apiSign(channel, query string, ts int64) string {
	msg := "api\n" + channel + "\n" + query + "\n" + strconv.FormatInt(ts, 10)
	mac := hmac.New(sha512.New, []byte(g.secret.Secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// ListenPublic subscribes one book-ticker stream. The matched symbol is
// resolved to the venue-native listing; BBOs are cached under that
// native symbol and the callback fires with the matched one.
func (g *Gate) ListenPublic(ctx context.Context, symbol string) {
	native := g.nativeSymbol(symbol)
	contract := g.nativeContract(symbol)

	session := wsx.NewSession("gate public "+symbol, wsx.StaticURL(wsBaseURL), wsx.Handler{
		OnConnect: func(connCtx context.Context, s *wsx.Session) error {
			metrics.RecordWSConnect(venueName, "public")
			if _, err := s.Send(subscribeFrame{
				Time:    timex.NowS(),
				Channel: "futures.book_ticker",
				Event:   "subscribe",
				Payload: []string{contract},
			}, ""); err != nil {
				return err
			}
			go g.loopPing(connCtx, s)
			return nil
		},
		OnMessage: func(s *wsx.Session, raw []byte) string {
			var frame wsFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				g.log.Warn().Err(err).Msg("bad public frame")
				return ""
			}
			if frame.Channel == "futures.book_ticker" && frame.Event == "update" {
				var tick bookTickerResult
				if err := json.Unmarshal(frame.Result, &tick); err != nil {
					g.log.Warn().Err(err).Msg("bad book ticker result")
					return ""
				}
				bbo := &model.BBO{
					Symbol:    native,
					Bid:       f64(tick.Bid),
					BidAmount: tick.BidAmount,
					Ask:       f64(tick.Ask),
					AskAmount: tick.AskAmount,
					Time:      tick.TimeMs,
				}
				g.StoreBBO(native, bbo)
				metrics.RecordBBO(venueName, symbol, timex.NowMs()-bbo.Time)
				g.EmitBBO(symbol)
			}
			return ""
		},
	}, g.log)
	session.Run(ctx)
}

// ListenPrivate serves the order and position streams. Each (re)connect
// re-authenticates both subscriptions and refetches REST snapshots so
// updates missed while disconnected cannot leave stale state. The user
// id in the subscription payload comes from the account snapshot, so
// UpdateBalance must have run first.
func (g *Gate) ListenPrivate(ctx context.Context) {
	session := wsx.NewSession("gate private", wsx.StaticURL(wsBaseURL), wsx.Handler{
		OnConnect: func(connCtx context.Context, s *wsx.Session) error {
			metrics.RecordWSConnect(venueName, "private")
			userID := g.Account().UserID

			ts := timex.NowS()
			for _, channel := range []string{"futures.orders", "futures.positions"} {
				if _, err := s.Send(subscribeFrame{
					Time:    ts,
					Channel: channel,
					Event:   "subscribe",
					Payload: []string{userID, "!all"},
					Auth: &authInfo{
						Method: "api_key",
						Key:    g.secret.Key,
						Sign:   g.subscribeSign(channel, "subscribe", ts),
					},
				}, ""); err != nil {
					return err
				}
			}

			if orders, err := g.GetOrders(connCtx, ""); err != nil {
				g.log.Error().Err(err).Msg("resync orders failed")
			} else {
				g.ReplaceOrders(orders)
			}
			if _, err := g.GetPositions(connCtx); err != nil {
				g.log.Error().Err(err).Msg("resync positions failed")
			}

			go g.loopPing(connCtx, s)
			return nil
		},
		OnMessage: func(s *wsx.Session, raw []byte) string {
			var frame wsFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				g.log.Warn().Err(err).Msg("bad private frame")
				return ""
			}
			if frame.Event == "update" {
				switch frame.Channel {
				case "futures.orders":
					g.handleOrderEvents(frame.Result)
				case "futures.positions":
					g.handlePositionEvents(frame.Result)
				}
			}
			return ""
		},
	}, g.log)
	session.Run(ctx)
}

func (g *Gate) handleOrderEvents(result json.RawMessage) {
	var rows []gateOrder
	if err := json.Unmarshal(result, &rows); err != nil {
		g.log.Warn().Err(err).Msg("bad order event")
		return
	}
	for i := range rows {
		g.ApplyOrder(orderFromVenue(&rows[i]))
	}
}

func (g *Gate) handlePositionEvents(result json.RawMessage) {
	var rows []gatePosition
	if err := json.Unmarshal(result, &rows); err != nil {
		g.log.Warn().Err(err).Msg("bad position event")
		return
	}
	for _, r := range rows {
		symbol := strings.ReplaceAll(r.Contract, "_", "")
		side := model.SideBuy
		amount := r.Size
		if amount < 0 {
			side = model.SideSell
			amount = -amount
		}
		g.ApplyPosition(&model.Position{
			Symbol: symbol,
			ID:     model.PositionID(symbol, side),
			Side:   side,
			Price:  f64(r.EntryPrice),
			Amount: amount,
		})
	}
}

// ListenWSAPI runs the trading-API pool. Each member logs in on its own
// connection right after the dial; a login rejection closes the socket
// so the session redials cleanly instead of serving unauthenticated.
func (g *Gate) ListenWSAPI(ctx context.Context, count int) {
	pool := wsx.NewPool(func(i int) *wsx.Session {
		name := "gate wsapi " + strconv.Itoa(i)
		return wsx.NewSession(name, wsx.StaticURL(wsBaseURL), wsx.Handler{
			OnConnect: func(connCtx context.Context, s *wsx.Session) error {
				metrics.RecordWSConnect(venueName, "wsapi")
				if err := g.wsLogin(s); err != nil {
					return err
				}
				go g.loopPing(connCtx, s)
				return nil
			},
			OnMessage: g.wsAPIMessage,
		}, g.log)
	}, g.log)

	g.poolMu.Lock()
	g.pool = pool
	g.poolMu.Unlock()

	pool.Run(ctx, count, wsx.DefaultStagger)
}

// wsLogin authenticates one trading connection in-band.
func (g *Gate) wsLogin(s *wsx.Session) error {
	ts := timex.NowS()
	_, err := s.Send(wsAPIFrame{
		Time:    ts,
		Channel: "futures.login",
		Event:   "api",
		Payload: apiPayload{
			APIKey:    g.secret.Key,
			Signature: g.apiSign("futures.login", "", ts),
			Timestamp: strconv.FormatInt(ts, 10),
			ReqID:     uuid.NewString(),
		},
	}, "")
	return err
}

// wsAPIMessage routes trading-API frames. Acks are dropped; a login
// error closes the connection to force a clean redial; everything else
// correlates by request id.
func (g *Gate) wsAPIMessage(s *wsx.Session, raw []byte) string {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		g.log.Warn().Err(err).Msg("bad wsapi frame")
		return ""
	}
	if frame.Ack {
		return ""
	}
	if frame.Data != nil {
		if errs := string(frame.Data.Errs); len(errs) > 0 && errs != "null" {
			g.log.Error().Str("errs", errs).Msg("wsapi request rejected")
			if frame.Header != nil && frame.Header.Channel == "futures.login" {
				s.Close()
				return ""
			}
		}
	}
	return frame.RequestID
}

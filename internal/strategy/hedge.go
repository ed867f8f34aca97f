package strategy

import (
	"github.com/rs/zerolog"

	"crossarb-trader/internal/config"
	"crossarb-trader/internal/mathx"
	"crossarb-trader/internal/metrics"
	"crossarb-trader/internal/model"
	"crossarb-trader/internal/venue"
)

// minProfitRate is the floor on profit over entry cost for a close to
// fire; convergence alone is not enough to pay the round trip.
const minProfitRate = 0.002

// Hedge opens a delta-neutral pair when the cross-venue spread exceeds
// the configured threshold and closes it once the spread inverts and
// the round trip clears fees.
type Hedge struct {
	cfg *config.Config
	log zerolog.Logger
}

// NewHedge builds the strategy around an immutable configuration.
func NewHedge(cfg *config.Config, logger zerolog.Logger) *Hedge {
	return &Hedge{
		cfg: cfg,
		log: logger.With().Str("strategy", "hedge").Logger(),
	}
}

// GenSignal evaluates one symbol on the current BBOs of both venues.
// Nil means no trade: missing or stale quotes, one-sided inventory, a
// spread inside the threshold, or a sizing reject.
func (h *Hedge) GenSignal(now int64, symbol string, master, slave venue.Venue) *model.Signal {
	mBBO := master.LastBBO(symbol)
	sBBO := slave.LastBBO(symbol)
	if mBBO == nil || sBBO == nil {
		return nil
	}

	// Equality passes: a quote exactly max_delay old is still usable.
	if now-mBBO.Time > h.cfg.MaxDelay || now-sBBO.Time > h.cfg.MaxDelay {
		return nil
	}

	mPos := fetchPos(symbol, master.Positions())
	sPos := fetchPos(symbol, slave.Positions())

	switch {
	case mPos != nil && sPos != nil:
		return h.genClose(symbol, mBBO, sBBO, master, slave, mPos, sPos)
	case mPos == nil && sPos == nil:
		return h.genOpen(symbol, mBBO, sBBO, master, slave)
	default:
		// One leg on, one off: human territory, not a signal.
		return nil
	}
}

// fetchPos finds the first position for symbol. A zero-amount hit
// short-circuits to "no position".
func fetchPos(symbol string, positions map[string]*model.Position) *model.Position {
	for _, p := range positions {
		if p.Symbol == symbol {
			if p.Amount == 0 {
				break
			}
			return p
		}
	}
	return nil
}

// genClose fires only when the spread has crossed back through zero in
// the direction matching current inventory and the round trip is
// profitable after taker fees.
func (h *Hedge) genClose(symbol string, mBBO, sBBO *model.BBO, master, slave venue.Venue, mPos, sPos *model.Position) *model.Signal {
	var (
		spread          float64
		mPrice, mBBOAmt float64
		sPrice, sBBOAmt float64
		matched         bool
	)

	switch {
	case mPos.Side == model.SideSell && sPos.Side == model.SideBuy:
		// Entered short master / long slave; close by buying master's
		// ask and selling slave's bid.
		if s := mathx.CalcSpread(mBBO.Ask, sBBO.Bid); s <= 0 {
			spread = s
			mPrice, mBBOAmt = mBBO.Ask, mBBO.AskAmount
			sPrice, sBBOAmt = sBBO.Bid, sBBO.BidAmount
			matched = true
		}
	case mPos.Side == model.SideBuy && sPos.Side == model.SideSell:
		if s := mathx.CalcSpread(sBBO.Ask, mBBO.Bid); s <= 0 {
			spread = s
			mPrice, mBBOAmt = mBBO.Bid, mBBO.BidAmount
			sPrice, sBBOAmt = sBBO.Ask, sBBO.AskAmount
			matched = true
		}
	}
	if !matched {
		return nil
	}

	mRule := master.Rule(symbol)
	sRule := slave.Rule(symbol)
	if mRule == nil || sRule == nil {
		return nil
	}

	// Fee per leg covers both the entry and the exit notional.
	mFee := (mPrice + mPos.Price) * master.TakerFeeRate()
	sFee := (sPrice + sPos.Price) * slave.TakerFeeRate()

	var mPnl, sPnl float64
	if mPos.Side == model.SideSell {
		mPnl = mPos.Price - mPrice
		sPnl = sPrice - sPos.Price
	} else {
		mPnl = mPrice - mPos.Price
		sPnl = sPos.Price - sPrice
	}
	pnl := mPnl + sPnl
	if pnl < 0 {
		h.log.Info().Str("symbol", symbol).Msg("spread reverted but unprofitable")
		return nil
	}
	profit := pnl - mFee - sFee
	if profit < 0 {
		h.log.Info().Str("symbol", symbol).Msg("spread reverted but fees eat the profit")
		return nil
	}
	profitRate := profit / (mPos.Price + sPos.Price)
	if profitRate < minProfitRate {
		h.log.Info().
			Str("symbol", symbol).
			Float64("profit_rate", profitRate).
			Msg("spread reverted but return too small")
		return nil
	}

	coinCount := minFloat(
		mBBOAmt*mRule.ContractSize*h.cfg.BBOVolumeRate,
		sBBOAmt*sRule.ContractSize*h.cfg.BBOVolumeRate,
		mPos.Amount*mRule.ContractSize,
		sPos.Amount*sRule.ContractSize,
	)
	mCount := coinCount / mRule.ContractSize
	sCount := coinCount / sRule.ContractSize
	mCount, sCount = normalizeAmounts(mCount, sCount, mRule, sRule)
	if mCount == 0 || sCount == 0 {
		return nil
	}

	metrics.RecordSignal("close")
	return &model.Signal{
		Symbol: symbol,
		Type:   model.OrderTypeMarket,
		Spread: spread,
		Legs: []model.SignalLeg{
			{VenueName: master.Name(), TradeSide: model.TradeSideClose, Side: mPos.Side, Price: mPrice, Amount: mCount, Time: mBBO.Time},
			{VenueName: slave.Name(), TradeSide: model.TradeSideClose, Side: sPos.Side, Price: sPrice, Amount: sCount, Time: sBBO.Time},
		},
	}
}

// genOpen fires when either directional spread clears the threshold and
// the sized pair passes the lot, capital, and notional gates. When both
// directions clear it, the short-master branch wins.
func (h *Hedge) genOpen(symbol string, mBBO, sBBO *model.BBO, master, slave venue.Venue) *model.Signal {
	available := h.availableMargin(master, slave)
	if available <= 0 {
		return nil
	}

	var (
		spread          float64
		mPrice, mBBOAmt float64
		sPrice, sBBOAmt float64
		mSide, sSide    model.Side
	)
	if s1 := mathx.CalcSpread(mBBO.Bid, sBBO.Ask); s1 > h.cfg.Spread {
		spread = s1
		mPrice, mBBOAmt = mBBO.Bid, mBBO.BidAmount
		sPrice, sBBOAmt = sBBO.Ask, sBBO.AskAmount
		mSide, sSide = model.SideSell, model.SideBuy
	} else if s2 := mathx.CalcSpread(sBBO.Bid, mBBO.Ask); s2 > h.cfg.Spread {
		spread = s2
		mPrice, mBBOAmt = mBBO.Ask, mBBO.AskAmount
		sPrice, sBBOAmt = sBBO.Bid, sBBO.BidAmount
		mSide, sSide = model.SideBuy, model.SideSell
	} else {
		return nil
	}

	mRule := master.Rule(symbol)
	sRule := slave.Rule(symbol)
	if mRule == nil || sRule == nil {
		return nil
	}

	minBBOCoin := minFloat(
		mBBOAmt*mRule.ContractSize,
		sBBOAmt*sRule.ContractSize,
	)
	orderValue := available * float64(mRule.TradeLeverage)
	coinCount := minFloat(
		minBBOCoin*h.cfg.BBOVolumeRate,
		orderValue/mPrice,
		orderValue/sPrice,
		mRule.MaxAmount*mRule.ContractSize,
		sRule.MaxAmount*sRule.ContractSize,
	)
	mCount := coinCount / mRule.ContractSize
	sCount := coinCount / sRule.ContractSize
	mCount, sCount = normalizeAmounts(mCount, sCount, mRule, sRule)

	if mCount < mRule.MinAmount {
		h.log.Warn().
			Str("symbol", symbol).
			Float64("amount", mCount).
			Float64("min", mRule.MinAmount).
			Msg("master leg below minimum lot")
		return nil
	}
	if sCount < sRule.MinAmount {
		h.log.Warn().
			Str("symbol", symbol).
			Float64("amount", sCount).
			Float64("min", sRule.MinAmount).
			Msg("slave leg below minimum lot")
		return nil
	}
	if mPrice*mCount*mRule.ContractSize < h.cfg.MinNominal {
		h.log.Warn().Str("symbol", symbol).Msg("master leg below minimum notional")
		return nil
	}
	if sPrice*sCount*sRule.ContractSize < h.cfg.MinNominal {
		h.log.Warn().Str("symbol", symbol).Msg("slave leg below minimum notional")
		return nil
	}

	metrics.RecordSignal("open")
	return &model.Signal{
		Symbol: symbol,
		Type:   model.OrderTypeMarket,
		Spread: spread,
		Legs: []model.SignalLeg{
			{VenueName: master.Name(), TradeSide: model.TradeSideOpen, Side: mSide, Price: mPrice, Amount: mCount, Time: mBBO.Time},
			{VenueName: slave.Name(), TradeSide: model.TradeSideOpen, Side: sSide, Price: sPrice, Amount: sCount, Time: sBBO.Time},
		},
	}
}

// availableMargin returns the capital one open may use: the smaller
// venue allocation, zero when either venue cannot fund the allocation
// and still keep its reserve untouched.
func (h *Hedge) availableMargin(master, slave venue.Venue) float64 {
	alloc := func(acct model.Account) float64 {
		allocBalance := acct.SwapBalance * h.cfg.PosRate
		reserve := acct.SwapBalance * h.cfg.ReserveMargin
		if acct.SwapAvailable <= 0 {
			return 0
		}
		if acct.SwapAvailable-allocBalance < reserve {
			return 0
		}
		return allocBalance
	}

	m := alloc(master.Account())
	if m <= 0 {
		return 0
	}
	s := alloc(slave.Account())
	if s <= 0 {
		return 0
	}
	return minFloat(m, s)
}

// normalizeAmounts floors both contract counts to the coarser amount
// precision, then rebalances across unequal contract sizes so both legs
// carry the same coin exposure: mCount*mSize == sCount*sSize.
func normalizeAmounts(mCount, sCount float64, mRule, sRule *model.ContractRule) (float64, float64) {
	prec := mRule.AmountPrec
	if sRule.AmountPrec < prec {
		prec = sRule.AmountPrec
	}
	switch {
	case mRule.ContractSize == sRule.ContractSize:
		mCount = mathx.Floor(mCount, prec)
		sCount = mathx.Floor(sCount, prec)
	case mRule.ContractSize < sRule.ContractSize:
		sCount = mathx.Floor(sCount, prec)
		mCount = sCount * sRule.ContractSize / mRule.ContractSize
	default:
		mCount = mathx.Floor(mCount, prec)
		sCount = mCount * mRule.ContractSize / sRule.ContractSize
	}
	return mCount, sCount
}

func minFloat(first float64, rest ...float64) float64 {
	m := first
	for _, v := range rest {
		if v < m {
			m = v
		}
	}
	return m
}

// Package monitor records cross-venue spread observations for offline
// analysis. It consumes the same BBO fan-in as the trader, tracks a
// simulated position per symbol, and appends open/close actions to a
// per-symbol CSV sidecar, optionally mirroring each row to a Redis
// stream.
package monitor

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"crossarb-trader/internal/config"
	"crossarb-trader/internal/mathx"
	"crossarb-trader/internal/metrics"
	"crossarb-trader/internal/venue"
)

var csvHeader = []string{"action", "spread", "m_delay", "s_delay", "t"}

type symbolState struct {
	lastOpen  float64
	lastClose float64
	seen      bool
	inPos     bool
}

// Market watches the master/slave BBO pair and logs spread crossings.
type Market struct {
	cfg       *config.Config
	master    venue.Venue
	slave     venue.Venue
	publisher *Publisher
	log       zerolog.Logger
	logPace   rate.Sometimes

	mu    sync.Mutex
	state map[string]*symbolState
}

// NewMarket builds the monitor. publisher may be nil; CSV recording
// alone still works.
func NewMarket(cfg *config.Config, master, slave venue.Venue, publisher *Publisher, logger zerolog.Logger) *Market {
	return &Market{
		cfg:       cfg,
		master:    master,
		slave:     slave,
		publisher: publisher,
		log:       logger.With().Str("component", "monitor").Logger(),
		logPace:   rate.Sometimes{Interval: 10 * time.Second},
		state:     make(map[string]*symbolState),
	}
}

// Observe handles one BBO fan-in event. Rows are written only when a
// spread changed and an open or close threshold was crossed by the
// simulated position.
func (m *Market) Observe(now int64, symbol string) {
	mBBO := m.master.LastBBO(symbol)
	sBBO := m.slave.LastBBO(symbol)
	if mBBO == nil || sBBO == nil {
		return
	}
	mDelay := now - mBBO.Time
	sDelay := now - sBBO.Time
	if mDelay > m.cfg.MaxDelay || sDelay > m.cfg.MaxDelay {
		return
	}

	// The richer side decides which direction both spreads are read in.
	var openSpread, closeSpread float64
	if mBBO.Bid > sBBO.Ask {
		openSpread = mathx.CalcSpread(mBBO.Bid, sBBO.Ask)
		closeSpread = mathx.CalcSpread(mBBO.Ask, sBBO.Bid)
	} else {
		openSpread = mathx.CalcSpread(sBBO.Bid, mBBO.Ask)
		closeSpread = mathx.CalcSpread(sBBO.Ask, mBBO.Bid)
	}
	openSpread = mathx.Floor(openSpread, 4)
	closeSpread = mathx.Floor(closeSpread, 4)

	metrics.SetSpread(symbol, "open", openSpread)
	metrics.SetSpread(symbol, "close", closeSpread)

	m.mu.Lock()
	st, ok := m.state[symbol]
	if !ok {
		st = &symbolState{}
		m.state[symbol] = st
	}
	if st.seen && openSpread == st.lastOpen && closeSpread == st.lastClose {
		m.mu.Unlock()
		return
	}
	st.seen = true
	st.lastOpen = openSpread
	st.lastClose = closeSpread

	var action string
	var spread float64
	switch {
	case st.inPos && closeSpread <= 0:
		action, spread = "close", closeSpread
		st.inPos = false
	case !st.inPos && openSpread > m.cfg.Spread:
		action, spread = "open", openSpread
		st.inPos = true
	default:
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	row := Observation{
		Symbol:      symbol,
		Action:      action,
		Spread:      spread,
		MasterDelay: mDelay,
		SlaveDelay:  sDelay,
		Time:        now,
	}
	if err := m.appendCSV(row); err != nil {
		m.log.Error().Err(err).Str("symbol", symbol).Msg("spread record failed")
	}
	if m.publisher != nil {
		if err := m.publisher.Publish(row); err != nil {
			m.log.Warn().Err(err).Msg("spread publish failed")
		}
	}
	m.logPace.Do(func() {
		m.log.Info().
			Str("symbol", symbol).
			Str("action", action).
			Float64("spread", spread).
			Msg("spread crossing recorded")
	})
}

func (m *Market) appendCSV(row Observation) error {
	if err := os.MkdirAll(m.cfg.CacheDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(m.cfg.CacheDir, row.Symbol+".csv")

	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if fresh {
		if err := w.Write(csvHeader); err != nil {
			return err
		}
	}
	if err := w.Write([]string{
		row.Action,
		strconv.FormatFloat(row.Spread, 'f', -1, 64),
		strconv.FormatInt(row.MasterDelay, 10),
		strconv.FormatInt(row.SlaveDelay, 10),
		strconv.FormatInt(row.Time, 10),
	}); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

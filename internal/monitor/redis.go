package monitor

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	spreadStream    = "arb:spreads"
	spreadStreamCap = 10000
	publishTimeout  = 2 * time.Second
)

// Observation is one recorded spread crossing.
type Observation struct {
	Symbol      string
	Action      string
	Spread      float64
	MasterDelay int64
	SlaveDelay  int64
	Time        int64
}

// Publisher mirrors spread observations to a capped Redis stream so
// dashboards can tail them live.
type Publisher struct {
	client *redis.Client
}

// NewPublisher connects to addr and verifies the connection.
func NewPublisher(ctx context.Context, addr string) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &Publisher{client: client}, nil
}

// Publish appends one observation to the stream. The stream is trimmed
// approximately so old entries age out on their own.
func (p *Publisher) Publish(obs Observation) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: spreadStream,
		MaxLen: spreadStreamCap,
		Approx: true,
		Values: map[string]interface{}{
			"symbol":  obs.Symbol,
			"action":  obs.Action,
			"spread":  strconv.FormatFloat(obs.Spread, 'f', -1, 64),
			"m_delay": obs.MasterDelay,
			"s_delay": obs.SlaveDelay,
			"t":       obs.Time,
		},
	}).Err()
}

// Close releases the underlying connection pool.
func (p *Publisher) Close() error {
	return p.client.Close()
}

package demo

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/pricethrottler/pkg/price"
)

// FeedConfig describes the random price stream.
type FeedConfig struct {
	// Prefix is combined with an index to form instrument keys (EURRUB0, EURRUB1, ...).
	Prefix      string
	Instruments int
	// MaxPrice is the exclusive upper bound of generated prices.
	MaxPrice float64
	// Places is the number of decimal places prices are rounded to.
	Places int32
	// Rate limits prices per second. Zero sends as fast as the sink accepts.
	Rate  float64
	Burst int
	Seed  uint64
}

// DefaultFeedConfig mirrors the interactive harness: five EURRUB instruments
// priced below 70.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		Prefix:      "EURRUB",
		Instruments: 5,
		MaxPrice:    70,
		Places:      4,
		Burst:       1,
	}
}

// Feed produces random prices for a fixed set of instruments.
type Feed struct {
	cfg     FeedConfig
	limiter *rate.Limiter

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewFeed validates cfg and builds a feed.
func NewFeed(cfg FeedConfig) (*Feed, error) {
	if cfg.Instruments <= 0 {
		return nil, fmt.Errorf("feed instruments must be >0")
	}
	if cfg.MaxPrice <= 0 {
		return nil, fmt.Errorf("feed max price must be >0")
	}
	if cfg.Rate < 0 {
		return nil, fmt.Errorf("feed rate must be >=0")
	}
	if cfg.Places < 0 {
		cfg.Places = 0
	}
	f := &Feed{cfg: cfg, rnd: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))}
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	return f, nil
}

// Next returns a random instrument and price.
func (f *Feed) Next() (string, float64) {
	f.mu.Lock()
	idx := f.rnd.IntN(f.cfg.Instruments)
	raw := f.rnd.Float64() * f.cfg.MaxPrice
	f.mu.Unlock()

	value, _ := decimal.NewFromFloat(raw).Round(f.cfg.Places).Float64()
	return fmt.Sprintf("%s%d", f.cfg.Prefix, idx), value
}

// Run publishes count prices to sink, paced by the configured rate. A count of
// zero or less runs until ctx is done. It returns how many prices were sent.
func (f *Feed) Run(ctx context.Context, count int, sink price.Subscriber) (int, error) {
	sent := 0
	for count <= 0 || sent < count {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return sent, fmt.Errorf("feed wait: %w", err)
			}
		} else if err := ctx.Err(); err != nil {
			return sent, fmt.Errorf("feed: %w", err)
		}
		instrument, value := f.Next()
		if err := sink.OnPrice(ctx, instrument, value); err != nil {
			return sent, fmt.Errorf("publish %s: %w", instrument, err)
		}
		sent++
	}
	return sent, nil
}

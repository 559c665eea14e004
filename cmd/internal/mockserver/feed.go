package mockserver

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	v1 "goldvision/contracts/realtime/v1"
)

const defaultCurrency = "USD"

var seedPrices = map[string]float64{
	"XAU": 2350.00,
	"XAG": 29.50,
	"XPT": 980.00,
}

// subscriber is one connected stream. send is never closed; done signals
// shutdown so concurrent publishers cannot panic.
type subscriber struct {
	id      string
	symbols map[string]struct{}
	send    chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

func newSubscriber(id string, symbols []string, queue int) *subscriber {
	if queue <= 0 {
		queue = 64
	}
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[s] = struct{}{}
	}
	return &subscriber{
		id:      id,
		symbols: set,
		send:    make(chan v1.Envelope, queue),
		done:    make(chan struct{}),
	}
}

func (s *subscriber) Done() <-chan struct{} { return s.done }

func (s *subscriber) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Feed holds the latest price per symbol and fans ticks out to subscribers.
// Publish never blocks: a full subscriber queue drops the tick.
type Feed struct {
	log *slog.Logger

	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	latest map[string]v1.PriceTickPayload
}

// NewFeed builds a Feed seeded with reference prices.
func NewFeed(log *slog.Logger) *Feed {
	if log == nil {
		log = slog.Default()
	}
	now := time.Now().UTC()
	latest := make(map[string]v1.PriceTickPayload, len(seedPrices))
	for sym, p := range seedPrices {
		latest[sym] = v1.PriceTickPayload{Symbol: sym, Price: p, Currency: defaultCurrency, AsOf: now}
	}
	return &Feed{log: log, subs: make(map[*subscriber]struct{}), latest: latest}
}

// Known reports whether sym has a price.
func (f *Feed) Known(sym string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.latest[sym]
	return ok
}

// Symbols lists the symbols with a price, sorted.
func (f *Feed) Symbols() []string {
	f.mu.RLock()
	out := make([]string, 0, len(f.latest))
	for sym := range f.latest {
		out = append(out, sym)
	}
	f.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Latest returns the last tick for sym.
func (f *Feed) Latest(sym string) (v1.PriceTickPayload, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.latest[sym]
	return t, ok
}

// Subscribers returns the number of joined streams.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

func (f *Feed) join(s *subscriber) {
	f.mu.Lock()
	f.subs[s] = struct{}{}
	f.mu.Unlock()
	f.log.Info("feed.subscriber.join", "session_id", s.id)
}

// leave removes the subscriber before signalling its shutdown. Unknown
// subscribers are only closed.
func (f *Feed) leave(s *subscriber) {
	f.mu.Lock()
	_, ok := f.subs[s]
	delete(f.subs, s)
	f.mu.Unlock()

	s.Close()
	if ok {
		f.log.Info("feed.subscriber.leave", "session_id", s.id)
	}
}

// Publish records tick as the latest price and fans it out.
func (f *Feed) Publish(tick v1.PriceTickPayload) {
	tick.Symbol = strings.ToUpper(strings.TrimSpace(tick.Symbol))
	if tick.Symbol == "" {
		return
	}
	if tick.Currency == "" {
		tick.Currency = defaultCurrency
	}
	if tick.AsOf.IsZero() {
		tick.AsOf = time.Now().UTC()
	}

	env, err := v1.NewEnvelope(v1.TypePriceTick, "", tick, tick.AsOf)
	if err != nil {
		f.log.Warn("feed.publish.fail", "err", err)
		return
	}

	f.mu.Lock()
	f.latest[tick.Symbol] = tick
	f.mu.Unlock()

	f.mu.RLock()
	defer f.mu.RUnlock()
	for s := range f.subs {
		if _, ok := s.symbols[tick.Symbol]; !ok {
			continue
		}
		select {
		case <-s.done:
			continue
		default:
		}
		select {
		case s.send <- env:
		default:
		}
	}
}

// Run publishes a random walk for every known symbol each interval until
// ctx is done.
func (f *Feed) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			for _, sym := range f.Symbols() {
				last, _ := f.Latest(sym)
				step := last.Price * (rand.Float64() - 0.5) * 0.002
				f.Publish(v1.PriceTickPayload{
					Symbol:   sym,
					Price:    roundCents(last.Price + step),
					Currency: last.Currency,
					AsOf:     now.UTC(),
				})
			}
		}
	}
}

func roundCents(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

package logging

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// EventCount is the tally of one noisy bridge event: SSE heartbeats and
// reconnects, data-source failures, Telegram send retries, dropped live
// frames.
type EventCount struct {
	Component string    `json:"component"`
	Event     string    `json:"event"`
	Window    int64     `json:"window"`
	Total     int64     `json:"total"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

type eventKey struct {
	component string
	event     string
}

type eventTally struct {
	window    int64
	total     int64
	firstSeen time.Time
	lastSeen  time.Time
	attrs     []slog.Attr
}

// Aggregator counts high-frequency events instead of logging each one. Every
// interval it writes one event_summary line per event seen in that window.
// Totals survive the flush so operators can read them through Counts.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	events map[eventKey]*eventTally

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAggregator returns an aggregator that summarizes every intervalSecs
// seconds (30 when unset). A nil logger keeps counting but writes nothing.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &Aggregator{
		logger:   logger,
		interval: time.Duration(intervalSecs) * time.Second,
		now:      time.Now,
		events:   make(map[eventKey]*eventTally),
		stop:     make(chan struct{}),
	}
}

func (a *Aggregator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.flush()
			case <-a.stop:
				return
			}
		}
	}()
}

// Stop ends the ticker and writes the final window. Safe to call twice.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		close(a.stop)
		a.wg.Wait()
		a.flush()
	})
}

// Record counts one occurrence. attrs replace the ones from earlier calls so
// the summary line carries the latest context.
func (a *Aggregator) Record(component, event string, attrs ...slog.Attr) {
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	key := eventKey{component: component, event: event}
	t := a.events[key]
	if t == nil {
		t = &eventTally{firstSeen: now}
		a.events[key] = t
	}
	t.window++
	t.total++
	t.lastSeen = now
	if len(attrs) > 0 {
		t.attrs = attrs
	}
}

// Counts returns every event recorded since start, ordered by component then
// event.
func (a *Aggregator) Counts() []EventCount {
	a.mu.Lock()
	out := make([]EventCount, 0, len(a.events))
	for k, t := range a.events {
		out = append(out, EventCount{
			Component: k.component,
			Event:     k.event,
			Window:    t.window,
			Total:     t.total,
			FirstSeen: t.firstSeen,
			LastSeen:  t.lastSeen,
		})
	}
	a.mu.Unlock()

	slices.SortFunc(out, func(x, y EventCount) int {
		return cmp.Or(cmp.Compare(x.Component, y.Component), cmp.Compare(x.Event, y.Event))
	})
	return out
}

type summaryLine struct {
	key   eventKey
	count int64
	total int64
	attrs []slog.Attr
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	var lines []summaryLine
	for k, t := range a.events {
		if t.window == 0 {
			continue
		}
		lines = append(lines, summaryLine{key: k, count: t.window, total: t.total, attrs: t.attrs})
		t.window = 0
	}
	a.mu.Unlock()

	if a.logger == nil {
		return
	}
	for _, l := range lines {
		args := []any{
			slog.String("component", l.key.component),
			slog.String("event", l.key.event),
			slog.Int64("count", l.count),
			slog.Int64("total", l.total),
			slog.Int("window_seconds", int(a.interval.Seconds())),
		}
		for _, attr := range l.attrs {
			args = append(args, attr)
		}
		a.logger.Info("event_summary", args...)
	}
}

package bus

import (
	"context"
	"log"
	"sync"

	"ohlcv-systemv1/internal/model"
)

// FanOut broadcasts engine events from a single input channel to named
// subscriber channels. Droppable event types (partial updates, heartbeats)
// are shed when a subscriber's buffer is full; everything else is held until
// the subscriber drains, because a missed append or repair would silently
// fork that consumer's view of the series.
type FanOut struct {
	mu   sync.RWMutex
	subs []subscription

	// OnDrop is called with the subscriber name when a droppable event is
	// shed for that subscriber.
	OnDrop func(name string)
}

type subscription struct {
	name string
	ch   chan model.Event
}

// New creates an empty FanOut. Subscribers attach before Run starts.
func New() *FanOut {
	return &FanOut{}
}

// Subscribe registers a named output channel with its own buffer size.
func (f *FanOut) Subscribe(name string, size int) <-chan model.Event {
	ch := make(chan model.Event, size)
	f.mu.Lock()
	f.subs = append(f.subs, subscription{name: name, ch: ch})
	f.mu.Unlock()
	return ch
}

// Droppable reports whether the event type may be shed under backpressure.
// Appends, repairs and gap notices are never droppable.
func Droppable(t model.EventType) bool {
	return t == model.EventPartialUpdate || t == model.EventHeartbeat
}

// Run reads from the input channel and fans out to all subscribers.
// Blocks until ctx is cancelled or input is closed, then closes every
// subscriber channel.
func (f *FanOut) Run(ctx context.Context, input <-chan model.Event) {
	defer func() {
		f.mu.RLock()
		for _, s := range f.subs {
			close(s.ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-input:
			if !ok {
				return
			}
			f.dispatch(ctx, ev)
		}
	}
}

func (f *FanOut) dispatch(ctx context.Context, ev model.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.subs {
		if Droppable(ev.Type) {
			select {
			case s.ch <- ev:
			default:
				if f.OnDrop != nil {
					f.OnDrop(s.name)
				} else {
					log.Printf("[bus] %s full, dropping %s for %s", s.name, ev.Type, ev.StreamKey())
				}
			}
			continue
		}
		select {
		case s.ch <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// ChannelStat reports (length, capacity) for a subscriber channel, used for
// saturation gauges.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.subs))
	for i, s := range f.subs {
		stats[i] = ChannelStat{Name: s.name, Len: len(s.ch), Cap: cap(s.ch)}
	}
	return stats
}

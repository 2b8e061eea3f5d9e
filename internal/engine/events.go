package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/pumpsniper/internal/event"
	"github.com/nexus-trading/pumpsniper/internal/sniper"
	"github.com/nexus-trading/pumpsniper/internal/trader"
)

// EventKind names an engine event.
type EventKind string

const (
	EventNewToken       EventKind = "new_token"
	EventPriceUpdate    EventKind = "price_update"
	EventPositionUpdate EventKind = "position_update"
	EventTransaction    EventKind = "transaction"
	EventError          EventKind = "error"
)

// Event is one notification on the engine stream. The payload field that
// matches Kind is set.
type Event struct {
	ID          string                `json:"id"`
	Kind        EventKind             `json:"type"`
	Time        time.Time             `json:"ts"`
	Token       *event.TokenCandidate `json:"token,omitempty"`
	Decision    *sniper.Decision      `json:"decision,omitempty"`
	Tick        *event.TradeTick      `json:"tick,omitempty"`
	Position    *sniper.Position      `json:"position,omitempty"`
	Transaction *Transaction          `json:"transaction,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// Transaction describes a finished trade.
type Transaction struct {
	Side      trader.Side `json:"side"`
	Mint      string      `json:"mint"`
	OK        bool        `json:"ok"`
	Signature string      `json:"signature,omitempty"`
	Amount    string      `json:"amount"`
	Spent     string      `json:"spent"`
	Mode      string      `json:"mode,omitempty"`
	Error     string      `json:"error,omitempty"`
}

func newEvent(kind EventKind) Event {
	return Event{ID: uuid.New().String(), Kind: kind, Time: time.Now()}
}

func transactionOf(res trader.Result) *Transaction {
	tx := &Transaction{
		Side:      res.Side,
		Mint:      res.Mint,
		OK:        res.OK,
		Signature: string(res.Signature),
		Amount:    res.Amount.String(),
		Spent:     res.Spent.String(),
		Mode:      res.Mode,
	}
	if res.Err != nil {
		tx.Error = res.Err.Error()
	}
	return tx
}

// Broadcaster fans events out to subscribers without ever blocking the
// publisher. A full subscriber buffer loses the event.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	dropped atomic.Int64
	onDrop  func()
}

// NewBroadcaster creates a broadcaster. onDrop may be nil.
func NewBroadcaster(onDrop func()) *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]chan Event), onDrop: onDrop}
}

// Subscribe returns a channel with the given buffer and a cancel func
// that closes it.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber that has room.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			n := b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
			if n == 1 || n%100 == 0 {
				log.Warn().Uint64("subscriber", id).Str("kind", string(ev.Kind)).Int64("dropped_total", n).
					Msg("engine: slow event subscriber, dropping events")
			}
		}
	}
}

// Dropped is the number of lost deliveries.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers is the current subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

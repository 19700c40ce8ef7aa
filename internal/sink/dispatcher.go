// Package sink delivers computed series points to display clients.
//
// The Dispatcher implements the controller's render-sink contract and fans
// updates out to subscribers using the actor model: a single goroutine owns
// the subscribers map, so no mutex is needed, and external interactions
// happen through channels. Slow clients lose their oldest buffered update
// rather than blocking aggregation.
package sink

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"barstream/internal/model"
)

// Update is one render-sink operation: a full data replace after a rebuild,
// or a single appended point on live bucket close.
type Update struct {
	SeriesID string        `json:"seriesId"`
	Replace  bool          `json:"replace"`
	Points   []model.Point `json:"points"`
}

// Subscriber represents one client's subscription to a set of series.
type Subscriber struct {
	id         int64
	ch         chan Update
	seriesSubs map[string]struct{} // Empty set means all series
}

// Updates returns the subscriber's delivery channel. It is closed on
// unsubscribe and on dispatcher shutdown.
func (s *Subscriber) Updates() <-chan Update {
	return s.ch
}

// Wants reports whether the subscriber asked for a series.
func (s *Subscriber) Wants(seriesID string) bool {
	if len(s.seriesSubs) == 0 {
		return true
	}
	_, found := s.seriesSubs[seriesID]
	return found
}

// DispatcherConfig holds configuration parameters for the Dispatcher.
type DispatcherConfig struct {
	MaxSeriesAllowed int // Maximum series per subscription to prevent resource abuse
}

// Dispatcher fans series updates out to subscribers.
type Dispatcher struct {
	cfg              DispatcherConfig
	subscribers      map[int64]*Subscriber // Owned by the dispatch goroutine
	subscriptionCh   chan *Subscriber
	unsubscriptionCh chan *Subscriber
	updateCh         chan Update
	started          atomic.Bool
	randIDGen        *rand.Rand
}

// NewDispatcher creates a Dispatcher with the provided configuration.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		cfg:              cfg,
		subscribers:      make(map[int64]*Subscriber),
		subscriptionCh:   make(chan *Subscriber, 10),
		unsubscriptionCh: make(chan *Subscriber, 10),
		updateCh:         make(chan Update, 1000),
		randIDGen:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ReplaceAll implements the render-sink full-replace operation.
func (d *Dispatcher) ReplaceAll(seriesID string, points []model.Point) {
	d.push(Update{SeriesID: seriesID, Replace: true, Points: points})
}

// AppendLast implements the render-sink incremental operation.
func (d *Dispatcher) AppendLast(seriesID string, point model.Point) {
	d.push(Update{SeriesID: seriesID, Points: []model.Point{point}})
}

// push enqueues an update without ever blocking the aggregation path.
func (d *Dispatcher) push(u Update) {
	select {
	case d.updateCh <- u:
	default:
		log.Warn().Str("series", u.SeriesID).Msg("update channel full, dropping update")
	}
}

// Subscribe registers a client for the given series ids. An empty list
// subscribes to everything.
func (d *Dispatcher) Subscribe(seriesIDs []string) (*Subscriber, error) {
	if !d.started.Load() {
		return nil, errors.New("dispatcher not started")
	}
	if d.cfg.MaxSeriesAllowed > 0 && len(seriesIDs) > d.cfg.MaxSeriesAllowed {
		return nil, fmt.Errorf("requested %d series, maximum allowed %d",
			len(seriesIDs), d.cfg.MaxSeriesAllowed)
	}

	subs := make(map[string]struct{}, len(seriesIDs))
	for _, id := range seriesIDs {
		subs[id] = struct{}{}
	}

	sub := &Subscriber{
		id:         d.randIDGen.Int63(),
		ch:         make(chan Update, 100), // buffer size per client
		seriesSubs: subs,
	}

	select {
	case d.subscriptionCh <- sub:
	default:
		return nil, errors.New("subscription channel is full")
	}
	return sub, nil
}

// Unsubscribe removes a subscriber.
func (d *Dispatcher) Unsubscribe(sub *Subscriber) error {
	select {
	case d.unsubscriptionCh <- sub:
		return nil
	default:
		return errors.New("unsubscription channel is full")
	}
}

// Start launches the dispatch goroutine. The goroutine owns all subscriber
// state and exits on context cancellation, closing every client channel.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.New("dispatcher already started")
	}

	go func() {
		defer func() {
			for _, sub := range d.subscribers {
				close(sub.ch)
			}
			d.subscribers = make(map[int64]*Subscriber)
		}()

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("sink dispatcher stopped")
				return
			case sub := <-d.subscriptionCh:
				d.subscribers[sub.id] = sub
			case sub := <-d.unsubscriptionCh:
				if _, found := d.subscribers[sub.id]; found {
					delete(d.subscribers, sub.id)
					close(sub.ch)
				}
			case update := <-d.updateCh:
				d.dispatch(update)
			}
		}
	}()
	return nil
}

// dispatch delivers an update to every interested subscriber. Called only
// from the dispatch goroutine.
func (d *Dispatcher) dispatch(update Update) {
	for _, sub := range d.subscribers {
		if !sub.Wants(update.SeriesID) {
			continue
		}
		select {
		case sub.ch <- update:
		default:
			// Channel full: drop the oldest buffered update for this slow
			// client so the newest always lands. The receive must not block,
			// the client may drain its buffer between the two selects.
			log.Info().Int64("subscriber", sub.id).Msg("subscriber too slow, dropping oldest update")
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- update
		}
	}
}

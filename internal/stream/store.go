// Package stream maintains the market-data feed: one websocket connection,
// the persisted set of tracked instruments, and the in-memory quote store
// everything else reads prices from.
package stream

import (
	"sync"

	"github.com/eddiefleurent/schrute_scalper/internal/models"
)

// Store holds the latest quote per instrument. The manager is its only
// writer; every other component reads. Each write replaces the whole quote
// atomically and fans out to subscribers.
type Store struct {
	mu      sync.RWMutex
	quotes  map[string]models.Quote
	subs    map[int]chan models.Quote
	nextSub int
}

// NewStore creates an empty quote store.
func NewStore() *Store {
	return &Store{
		quotes: make(map[string]models.Quote),
		subs:   make(map[int]chan models.Quote),
	}
}

// Set replaces the stored quote for the instrument and delivers it to all
// subscribers. Delivery never blocks: a subscriber whose buffer is full loses
// its oldest pending quote, not anyone else's.
func (s *Store) Set(q models.Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.quotes[q.Instrument.Key()] = q

	for _, ch := range s.subs {
		select {
		case ch <- q:
		default:
			// Buffer full: drop the oldest entry to make room. The slow
			// listener sees a gap; latest-price consumers only care about
			// the newest quote anyway.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- q:
			default:
			}
		}
	}
}

// Get returns the latest quote for the instrument, if any. Non-blocking.
func (s *Store) Get(key models.InstrumentKey) (models.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotes[key.Key()]
	return q, ok
}

// Subscribe registers a listener and returns its quote channel plus a cancel
// function. buffer bounds how many quotes may queue before drop-oldest kicks
// in; values below 1 are raised to 1.
func (s *Store) Subscribe(buffer int) (<-chan models.Quote, func()) {
	if buffer < 1 {
		buffer = 1
	}

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan models.Quote, buffer)
	s.subs[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

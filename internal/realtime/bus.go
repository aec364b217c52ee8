package realtime

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultQueueSize bounds each subscriber's delivery buffer.
	DefaultQueueSize = 100
	// DefaultHistorySize bounds the replay history.
	DefaultHistorySize = 1000

	// historyEvictBatch is how many of the oldest entries go at once when
	// the history overflows. UUIDv7 ids sort in creation order, so "oldest"
	// is the lexicographic head.
	historyEvictBatch = 100
)

// Option configures a Bus at construction.
type Option func(*Bus)

// WithQueueSize sets the per-subscriber buffer capacity.
func WithQueueSize(n int) Option {
	return func(b *Bus) { b.queueSize = n }
}

// WithHistorySize sets the replay history capacity.
func WithHistorySize(n int) Option {
	return func(b *Bus) { b.historySize = n }
}

// WithLogger sets the logger the bus reports drops and removals to.
func WithLogger(log *logrus.Logger) Option {
	return func(b *Bus) { b.log = log }
}

type subscriber struct {
	id          string
	userID      string
	queue       *Queue
	profiles    map[string]struct{}
	global      bool
	lastEventID string
}

// wants is the delivery predicate: events are suppressed for their own
// sender, global subscribers get everything else, and profile subscribers
// get only events carrying one of their profile ids. Events without a
// profile id reach global subscribers only.
func (s *subscriber) wants(e Event) bool {
	if e.Metadata.SenderID != "" && e.Metadata.SenderID == s.userID {
		return false
	}
	if s.global {
		return true
	}
	if e.ProfileID == "" {
		return false
	}
	_, ok := s.profiles[e.ProfileID]
	return ok
}

// Bus fans published events out to subscriber queues and keeps a bounded
// in-memory history for reconnect replay. One mutex serializes every
// operation; fan-out holds it for the whole pass, which keeps the recipient
// count and the registry consistent without per-subscriber locking.
//
// Delivery is best-effort at-most-once: a full queue drops its oldest event
// to make room, and a subscriber that cannot accept even then is removed.
// Publishers never block and never see delivery errors.
type Bus struct {
	log         *logrus.Logger
	queueSize   int
	historySize int

	mu      sync.Mutex
	subs    map[string]*subscriber
	history map[string]Event
}

// NewBus builds a bus with the default bounds unless overridden by options.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		log:         logrus.StandardLogger(),
		queueSize:   DefaultQueueSize,
		historySize: DefaultHistorySize,
		subs:        make(map[string]*subscriber),
		history:     make(map[string]Event),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) ensureLocked(id, userID string) *subscriber {
	sub, ok := b.subs[id]
	if !ok {
		sub = &subscriber{
			id:       id,
			userID:   userID,
			queue:    newQueue(b.queueSize),
			profiles: make(map[string]struct{}),
		}
		b.subs[id] = sub
	}
	return sub
}

// SubscribeGlobal registers id to receive every event. Re-subscribing an
// existing id keeps its queue and adds the global flag.
func (b *Bus) SubscribeGlobal(id, userID string) *Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := b.ensureLocked(id, userID)
	sub.global = true
	b.log.WithFields(logrus.Fields{"subscriber_id": id, "scope": "global"}).Debug("subscribed")
	return sub.queue
}

// SubscribeProfile registers id to receive events for profileID, in
// addition to any channels it already has. The returned queue is shared
// across all of the subscriber's channels.
func (b *Bus) SubscribeProfile(id, profileID, userID string) *Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := b.ensureLocked(id, userID)
	sub.profiles[profileID] = struct{}{}
	b.log.WithFields(logrus.Fields{"subscriber_id": id, "profile_id": profileID}).Debug("subscribed")
	return sub.queue
}

// Unsubscribe removes id entirely. Reports whether it was registered.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(id)
}

// UnsubscribeProfile removes one channel from id's set. A subscriber whose
// last channel is removed and that is not global is dropped entirely.
// Reports whether the subscriber was registered.
func (b *Bus) UnsubscribeProfile(id, profileID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return false
	}
	delete(sub.profiles, profileID)
	if len(sub.profiles) == 0 && !sub.global {
		return b.removeLocked(id)
	}
	return true
}

func (b *Bus) removeLocked(id string) bool {
	if _, ok := b.subs[id]; !ok {
		return false
	}
	delete(b.subs, id)
	return true
}

// Publish records e in the history and enqueues it for every matching
// subscriber. It returns how many subscribers received the event. A
// subscriber whose queue rejects the event even after evicting its oldest
// entry is removed once the pass completes.
func (b *Bus) Publish(e Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history[e.ID] = e
	if len(b.history) > b.historySize {
		b.evictHistoryLocked()
	}

	delivered := 0
	var failed []string
	for id, sub := range b.subs {
		if !sub.wants(e) {
			continue
		}
		enqueued, evicted := sub.queue.put(e)
		if evicted {
			b.log.WithFields(logrus.Fields{
				"subscriber_id": id,
				"event_kind":    string(e.Kind),
			}).Warn("subscriber queue full, dropped oldest event")
		}
		if enqueued {
			sub.lastEventID = e.ID
			delivered++
		} else {
			failed = append(failed, id)
		}
	}
	for _, id := range failed {
		b.log.WithField("subscriber_id", id).Warn("removing unresponsive subscriber")
		b.removeLocked(id)
	}
	return delivered
}

func (b *Bus) evictHistoryLocked() {
	ids := make([]string, 0, len(b.history))
	for id := range b.history {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	n := historyEvictBatch
	if n > len(ids) {
		n = len(ids)
	}
	for _, id := range ids[:n] {
		delete(b.history, id)
	}
}

// MissedEvents returns the history entries newer than afterEventID that
// match id's delivery predicate, oldest first. An empty or unknown
// afterEventID means the whole history is considered. Unknown subscribers
// get nil.
func (b *Bus) MissedEvents(id, afterEventID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return nil
	}

	all := make([]Event, 0, len(b.history))
	for _, e := range b.history {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].ID < all[j].ID
		}
		return all[i].Timestamp.Before(all[j].Timestamp)
	})

	start := 0
	if afterEventID != "" {
		for i, e := range all {
			if e.ID == afterEventID {
				start = i + 1
				break
			}
		}
	}

	var missed []Event
	for _, e := range all[start:] {
		if sub.wants(e) {
			missed = append(missed, e)
		}
	}
	return missed
}

// Counts is a point-in-time snapshot of the subscriber registry.
type Counts struct {
	Total        int `json:"total"`
	Global       int `json:"global"`
	Profiles     int `json:"profiles"`
	QueuedEvents int `json:"queued_events"`
}

// Counts reports subscriber totals, the number of global subscribers, the
// number of distinct profile channels with at least one subscriber, and how
// many events sit undrained across all queues.
func (b *Bus) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := Counts{Total: len(b.subs)}
	channels := make(map[string]struct{})
	for _, sub := range b.subs {
		if sub.global {
			c.Global++
		}
		for id := range sub.profiles {
			channels[id] = struct{}{}
		}
		c.QueuedEvents += sub.queue.Len()
	}
	c.Profiles = len(channels)
	return c
}

// ClearSubscriber discards everything buffered for id without touching its
// registration. Unknown ids are a no-op.
func (b *Bus) ClearSubscriber(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	if n := sub.queue.drain(); n > 0 {
		b.log.WithFields(logrus.Fields{"subscriber_id": id, "dropped": n}).Debug("cleared subscriber queue")
	}
}

// Package fanout is the in-process publish/subscribe hub that pushes
// realtime events (new messages, relationship changes, presence, typing)
// to open streams.
//
// DELIVERY RULES:
//   - Publish never blocks. Each subscription has a bounded buffer; a
//     subscriber that lets it fill up is cut off.
//   - A subscription the server closes always receives a final
//     stream.closed event saying why, then its channel is closed. One
//     buffer slot is held back so that last event always fits.
//   - Events on one topic arrive in the order they were published.
//     Publishers that need "commit order == delivery order" serialise
//     commit+publish themselves (see service.keyedMutex).
package fanout

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sakif/buddychat/internal/metrics"
	"github.com/sakif/buddychat/internal/model"
)

// DefaultBufferSize is the per-subscription queue length.
const DefaultBufferSize = 64

// Reasons carried by stream.closed.
const (
	ReasonSlowConsumer = "slow_consumer"
	ReasonShutdown     = "shutdown"
	ReasonBlocked      = "blocked"
	ReasonLocked       = "locked"
)

func RelationshipsTopic(userID string) string { return "relationships:" + userID }
func ConversationTopic(key string) string     { return "conversation:" + key }
func PresenceTopic(userID string) string      { return "presence:" + userID }
func TypingTopic(key string) string           { return "typing:" + key }

// Hub routes events from publishers to subscriptions by topic.
type Hub struct {
	mu         sync.RWMutex
	topics     map[string]map[*Subscription]struct{}
	closed     bool
	bufferSize int
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewHub creates a hub. bufferSize <= 1 falls back to DefaultBufferSize.
func NewHub(bufferSize int, logger *slog.Logger, m *metrics.Metrics) *Hub {
	if bufferSize <= 1 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		topics:     make(map[string]map[*Subscription]struct{}),
		bufferSize: bufferSize,
		logger:     logger,
		metrics:    m,
	}
}

// Subscribe opens one subscription covering all the given topics. owner
// tags the subscription (a user or session id) for CloseTopicWhere. On a closed hub the returned subscription is already
// closed.
func (h *Hub) Subscribe(owner string, topics ...string) *Subscription {
	sub := &Subscription{
		hub:    h,
		owner:  owner,
		topics: topics,
		ch:     make(chan model.Event, h.bufferSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		sub.shut(ReasonShutdown)
		return sub
	}
	for _, t := range topics {
		subs, ok := h.topics[t]
		if !ok {
			subs = make(map[*Subscription]struct{})
			h.topics[t] = subs
		}
		subs[sub] = struct{}{}
	}
	h.metrics.SubscriptionOpened()
	return sub
}

// Publish delivers ev to every subscription of topic. Topic and At are
// filled in when the caller left them empty.
func (h *Hub) Publish(topic string, ev model.Event) {
	ev.Topic = topic
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	var dropped []*Subscription

	h.mu.RLock()
	for sub := range h.topics[topic] {
		if !sub.deliver(ev) {
			dropped = append(dropped, sub)
		}
	}
	h.mu.RUnlock()

	// Removal needs the write lock, so it happens after RUnlock.
	for _, sub := range dropped {
		h.logger.Warn("dropping slow subscriber",
			slog.String("topic", topic),
			slog.Int("buffer", h.bufferSize),
		)
		h.metrics.SubscriptionDropped()
		h.remove(sub)
	}
}

// CloseTopic ends every subscription to topic with the given reason. Used
// when access is revoked (block, lock change).
func (h *Hub) CloseTopic(topic, reason string) {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.topics[topic]))
	for sub := range h.topics[topic] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		sub.shut(reason)
		h.remove(sub)
	}
}

// CloseTopicWhere ends the subscriptions to topic whose owner matches.
func (h *Hub) CloseTopicWhere(topic, reason string, match func(owner string) bool) {
	h.mu.RLock()
	var subs []*Subscription
	for sub := range h.topics[topic] {
		if match(sub.owner) {
			subs = append(subs, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		sub.shut(reason)
		h.remove(sub)
	}
}

// Close shuts every subscription down with reason "shutdown". Subscribe
// after Close returns closed subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	all := make(map[*Subscription]struct{})
	for _, subs := range h.topics {
		for sub := range subs {
			all[sub] = struct{}{}
		}
	}
	h.mu.Unlock()

	for sub := range all {
		sub.shut(ReasonShutdown)
		h.remove(sub)
	}
}

// Subscribers returns how many subscriptions topic currently has.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// remove deletes sub from every topic index. It is a no-op the second time.
func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removed := false
	for _, t := range sub.topics {
		subs, ok := h.topics[t]
		if !ok {
			continue
		}
		if _, ok := subs[sub]; ok {
			delete(subs, sub)
			removed = true
		}
		if len(subs) == 0 {
			delete(h.topics, t)
		}
	}
	if removed {
		h.metrics.SubscriptionClosed()
	}
}

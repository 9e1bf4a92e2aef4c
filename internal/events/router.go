package events

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

type Handler func(Event)

type subscription struct {
	id      uint64
	topic   Topic
	scope   string
	handler Handler
}

// Router fans decoded events out to subscribers. Handlers run on the caller's
// goroutine in registration order, so events reach them in transport order.
type Router struct {
	logger *zap.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[Topic]map[uint64]subscription
}

func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		logger: logger,
		subs:   map[Topic]map[uint64]subscription{},
	}
}

// Subscribe registers handler for topic. An empty scope receives every event of
// the topic; otherwise only events whose Scope matches. The returned func is
// safe to call more than once.
func (r *Router) Subscribe(topic Topic, scope string, handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	byID, ok := r.subs[topic]
	if !ok {
		byID = map[uint64]subscription{}
		r.subs[topic] = byID
	}
	byID[id] = subscription{id: id, topic: topic, scope: strings.TrimSpace(scope), handler: handler}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if byID, ok := r.subs[topic]; ok {
				delete(byID, id)
				if len(byID) == 0 {
					delete(r.subs, topic)
				}
			}
		})
	}
}

func (r *Router) Dispatch(event Event) int {
	if event == nil {
		return 0
	}
	scope := event.Scope()
	r.mu.RLock()
	matched := make([]subscription, 0, len(r.subs[event.Topic()]))
	for _, sub := range r.subs[event.Topic()] {
		if sub.scope == "" || sub.scope == scope {
			matched = append(matched, sub)
		}
	}
	r.mu.RUnlock()
	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })

	for _, sub := range matched {
		sub.handler(event)
	}
	return len(matched)
}

// HandleFrame decodes and dispatches one frame. Frames that fail validation are
// logged and dropped.
func (r *Router) HandleFrame(frame Frame) {
	switch Topic(frame.Event) {
	case TopicPing, TopicJoinProject, TopicLeaveProject:
		return
	}
	event, err := Decode(frame)
	if err != nil {
		r.logger.Warn("dropping stream frame", zap.String("event", frame.Event), zap.Error(err))
		return
	}
	r.Dispatch(event)
}

func (r *Router) SubscriberCount(topic Topic) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[topic])
}

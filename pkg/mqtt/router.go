package mqtt

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/eclipse/paho.golang/paho"

	"github.com/autopeer-io/sysflash/pkg/log"
)

type subscription struct {
	topic   string
	qos     int
	handler MessageHandler
}

// router keeps the registered subscriptions and hands incoming messages to
// every handler whose filter matches.
type router struct {
	mu     sync.RWMutex
	subs   map[string]subscription
	logger log.Logger
}

func newRouter(logger log.Logger) *router {
	return &router{subs: make(map[string]subscription), logger: logger}
}

func (r *router) add(topic string, qos int, handler MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[topic] = subscription{topic: topic, qos: qos, handler: handler}
}

func (r *router) remove(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, topic)
}

// list returns the subscriptions ordered by topic.
func (r *router) list() []subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].topic < out[j].topic })
	return out
}

// deliver is registered with paho. Each handler gets its own goroutine so a
// slow handler cannot stall the paho reader loop. Messages are always acked.
func (r *router) deliver(p paho.PublishReceived) (bool, error) {
	topic, payload := p.Packet.Topic, p.Packet.Payload

	matched := false
	for _, s := range r.list() {
		if !topicsMatch(topicFilter(s.topic), topic) {
			continue
		}
		matched = true
		go s.handler(context.Background(), topic, payload)
	}

	if !matched {
		r.logger.Debug("Dropping message without subscriber", "topic", topic)
	}
	return true, nil
}

// topicsMatch reports whether topic matches filter, honouring the + and #
// wildcards.
func topicsMatch(filter, topic string) bool {
	if filter == topic {
		return true
	}
	if !strings.ContainsAny(filter, "+#") {
		return false
	}

	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		switch {
		case f == "#":
			return true
		case i >= len(ts):
			return false
		case f != "+" && f != ts[i]:
			return false
		}
	}
	return len(fs) == len(ts)
}

// topicFilter strips the "$share/<group>/" prefix of a shared subscription.
func topicFilter(filter string) string {
	if rest, ok := strings.CutPrefix(filter, "$share/"); ok {
		if _, f, ok := strings.Cut(rest, "/"); ok {
			return f
		}
	}
	return filter
}

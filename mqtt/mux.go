// Package mqtt owns the broker connection: lifecycle and reconnect
// policy, the subscription registry, the bounded publish worker pool,
// and inbound topic routing.
package mqtt

import (
	"strings"
	"sync"
)

// Inbound is one decoded message handed to topic handlers. Payload is
// the decoded JSON object, or {"raw_message": <text>} when the bytes
// are not a JSON object. Raw keeps the original bytes for typed
// decoding.
type Inbound struct {
	Topic   string
	Payload map[string]any
	Raw     []byte
}

// HandlerFunc consumes one inbound message. Handlers run off the
// broker client's I/O goroutine and may block.
type HandlerFunc func(msg *Inbound)

// Mux routes inbound messages to handlers by topic filter. Filters are
// slash-separated with single-level `+` wildcards, trie-matched.
type Mux struct {
	mu   sync.RWMutex
	root *muxNode
}

type muxNode struct {
	children map[string]*muxNode
	wild     *muxNode // "+" branch
	handlers []HandlerFunc
}

func NewMux() *Mux {
	return &Mux{root: &muxNode{}}
}

// Handle registers a handler for a topic filter. Multiple handlers may
// share a filter; each match runs all of them in registration order.
func (m *Mux) Handle(filter string, h HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.root
	for _, level := range strings.Split(filter, "/") {
		if level == "+" {
			if n.wild == nil {
				n.wild = &muxNode{}
			}
			n = n.wild
			continue
		}
		if n.children == nil {
			n.children = make(map[string]*muxNode)
		}
		child, ok := n.children[level]
		if !ok {
			child = &muxNode{}
			n.children[level] = child
		}
		n = child
	}
	n.handlers = append(n.handlers, h)
}

// Dispatch runs every handler whose filter matches the topic and
// reports how many ran.
func (m *Mux) Dispatch(msg *Inbound) int {
	levels := strings.Split(msg.Topic, "/")

	m.mu.RLock()
	var matched []HandlerFunc
	collect(m.root, levels, &matched)
	m.mu.RUnlock()

	for _, h := range matched {
		h(msg)
	}
	return len(matched)
}

func collect(n *muxNode, levels []string, out *[]HandlerFunc) {
	if n == nil {
		return
	}
	if len(levels) == 0 {
		*out = append(*out, n.handlers...)
		return
	}
	if n.children != nil {
		collect(n.children[levels[0]], levels[1:], out)
	}
	collect(n.wild, levels[1:], out)
}

// Level returns the i-th slash-separated topic level, or "" when the
// topic is too short. Handlers use it to pull names out of wildcard
// positions.
func Level(topic string, i int) string {
	levels := strings.Split(topic, "/")
	if i < 0 || i >= len(levels) {
		return ""
	}
	return levels[i]
}

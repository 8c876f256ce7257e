package mqtt

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pms-go/errcode"
	"pms-go/metrics"
)

// staleAfter is how long a queued message may wait before a worker
// throws it away instead of publishing stale data.
const staleAfter = 30 * time.Second

type queued struct {
	topic      string
	payload    any
	qos        byte
	retain     bool
	enqueuedAt time.Time
}

// publishFunc performs the actual broker publish for one encoded body.
type publishFunc func(topic string, qos byte, retain bool, body []byte) error

// pool is the bounded publish queue and its workers. Telemetry
// producers enqueue without blocking; workers JSON-encode and send.
type pool struct {
	q       chan queued
	workers int
	send    publishFunc
	log     *zap.Logger
	met     *metrics.Metrics

	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup

	success    atomic.Uint64
	failure    atomic.Uint64
	dropped    atomic.Uint64
	totalBytes atomic.Uint64
	latencyNs  atomic.Int64

	topicMu  sync.Mutex
	perTopic map[string]uint64
}

func newPool(size, workers int, send publishFunc, met *metrics.Metrics, log *zap.Logger) *pool {
	if size <= 0 {
		size = 1000
	}
	if workers <= 0 {
		workers = 5
	}
	if met == nil {
		met = metrics.Nop()
	}
	return &pool{
		q:        make(chan queued, size),
		workers:  workers,
		send:     send,
		log:      log,
		met:      met,
		perTopic: make(map[string]uint64),
	}
}

func (p *pool) start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
}

func (p *pool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-p.q:
			if !ok {
				return
			}
			p.handle(m)
		}
	}
}

// stop closes the queue and waits for the workers to drain it.
func (p *pool) stop() {
	p.closeMu.Lock()
	if !p.closed {
		p.closed = true
		close(p.q)
	}
	p.closeMu.Unlock()
	p.wg.Wait()
}

// enqueue adds a message without blocking. A full queue drops the
// message and counts it.
func (p *pool) enqueue(topic string, payload any, qos byte, retain bool) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		p.dropped.Add(1)
		p.met.PublishDropped.Inc()
		return &errcode.E{C: errcode.QueueFull, Op: "publish", Msg: "pool closed"}
	}
	select {
	case p.q <- queued{topic: topic, payload: payload, qos: qos, retain: retain, enqueuedAt: time.Now()}:
		p.met.QueueDepth.Set(float64(len(p.q)))
		return nil
	default:
		p.dropped.Add(1)
		p.met.PublishDropped.Inc()
		p.log.Debug("publish queue full, message dropped", zap.String("topic", topic))
		return &errcode.E{C: errcode.QueueFull, Op: "publish", Msg: topic}
	}
}

func (p *pool) handle(m queued) {
	p.met.QueueDepth.Set(float64(len(p.q)))

	if age := time.Since(m.enqueuedAt); age > staleAfter {
		p.dropped.Add(1)
		p.met.PublishDropped.Inc()
		p.log.Debug("stale message dropped", zap.String("topic", m.topic), zap.Duration("age", age))
		return
	}

	body, err := json.Marshal(m.payload)
	if err != nil {
		p.failure.Add(1)
		p.met.PublishFailure.Inc()
		p.log.Warn("payload not serialisable", zap.String("topic", m.topic), zap.Error(err))
		return
	}

	start := time.Now()
	if err := p.send(m.topic, m.qos, m.retain, body); err != nil {
		p.failure.Add(1)
		p.met.PublishFailure.Inc()
		p.log.Debug("publish failed", zap.String("topic", m.topic), zap.Error(err))
		return
	}
	elapsed := time.Since(start)

	p.success.Add(1)
	p.totalBytes.Add(uint64(len(body)))
	p.latencyNs.Add(int64(elapsed))
	p.met.PublishSuccess.Inc()
	p.met.PublishLatency.Observe(elapsed.Seconds())
	p.topicMu.Lock()
	p.perTopic[m.topic] += uint64(len(body))
	p.topicMu.Unlock()
}

// TopicBytes pairs a topic with the bytes published to it.
type TopicBytes struct {
	Topic string `json:"topic"`
	Bytes uint64 `json:"bytes"`
}

// Stats is a point-in-time snapshot of publish activity.
type Stats struct {
	Success    uint64        `json:"success"`
	Failure    uint64        `json:"failure"`
	Dropped    uint64        `json:"dropped"`
	AvgLatency time.Duration `json:"avg_latency_ns"`
	TotalBytes uint64        `json:"total_bytes"`
	TopTopics  []TopicBytes  `json:"top_topics"`
}

func (p *pool) stats(topN int) Stats {
	s := Stats{
		Success:    p.success.Load(),
		Failure:    p.failure.Load(),
		Dropped:    p.dropped.Load(),
		TotalBytes: p.totalBytes.Load(),
	}
	if s.Success > 0 {
		s.AvgLatency = time.Duration(p.latencyNs.Load() / int64(s.Success))
	}

	p.topicMu.Lock()
	all := make([]TopicBytes, 0, len(p.perTopic))
	for t, b := range p.perTopic {
		all = append(all, TopicBytes{Topic: t, Bytes: b})
	}
	p.topicMu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Bytes != all[j].Bytes {
			return all[i].Bytes > all[j].Bytes
		}
		return all[i].Topic < all[j].Topic
	})
	if topN > 0 && len(all) > topN {
		all = all[:topN]
	}
	s.TopTopics = all
	return s
}

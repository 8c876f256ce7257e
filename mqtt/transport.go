package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"pms-go/config"
	"pms-go/errcode"
	"pms-go/metrics"
	"pms-go/types"
	"pms-go/x/timex"
)

const (
	connectTimeout   = 10 * time.Second
	publishTimeout   = 5 * time.Second
	subscribeTimeout = 5 * time.Second
)

// Transport is the shared broker connection. Reconnection is owned
// here, not by paho: auto-reconnect is disabled and every attempt
// builds a fresh client so the network loop restarts clean.
type Transport struct {
	cfg    config.MQTT
	topics Topics
	log    *zap.Logger
	mux    *Mux
	pool   *pool

	// newClient is swapped by tests for a fake broker client.
	newClient func(*paho.ClientOptions) paho.Client

	backoffBase time.Duration
	backoffCap  time.Duration

	mu           sync.Mutex
	client       paho.Client
	reconnecting bool

	subMu sync.Mutex
	subs  map[string]byte

	ctx   context.Context
	fatal chan error
}

func NewTransport(cfg config.MQTT, met *metrics.Metrics, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	if met == nil {
		met = metrics.Nop()
	}
	t := &Transport{
		cfg:         cfg,
		topics:      Topics{Base: cfg.BaseTopic},
		log:         log.Named("mqtt"),
		mux:         NewMux(),
		newClient:   func(o *paho.ClientOptions) paho.Client { return paho.NewClient(o) },
		backoffBase: 5 * time.Second,
		backoffCap:  30 * time.Second,
		subs:        make(map[string]byte),
		fatal:       make(chan error, 1),
	}
	t.pool = newPool(cfg.QueueSize, cfg.MaxPublishWorkers, t.sendNow, met, t.log)
	return t
}

// Mux exposes the inbound topic router for handler registration.
func (t *Transport) Mux() *Mux { return t.mux }

// Topics exposes the topic builder bound to the configured base.
func (t *Transport) Topics() Topics { return t.topics }

// Stats snapshots publish pool counters.
func (t *Transport) Stats(topN int) Stats { return t.pool.stats(topN) }

// Fatal delivers at most one unrecoverable transport error; the main
// loop treats it as reason to exit.
func (t *Transport) Fatal() <-chan error { return t.fatal }

// Start connects, launches the publish workers and the health
// checker. A failed first connect is not fatal; the reconnect policy
// takes over in the background.
func (t *Transport) Start(ctx context.Context) {
	t.ctx = ctx
	t.pool.start(ctx)
	if err := t.connectOnce(); err != nil {
		t.log.Warn("initial connect failed, entering reconnect", zap.Error(err))
		go t.reconnect()
	}
	go t.healthLoop(ctx)
}

// clientID builds a broker-unique id so a restarted instance cannot be
// taken over by its own stale session.
func (t *Transport) clientID() string {
	return fmt.Sprintf("%s-%d-%04d", t.cfg.ClientID, timex.NowMs(), rand.Intn(10000))
}

func (t *Transport) options() *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", t.cfg.Broker, t.cfg.Port))
	opts.SetClientID(t.clientID())
	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
		opts.SetPassword(t.cfg.Password)
	}
	opts.SetKeepAlive(t.cfg.KeepaliveDuration())
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)

	lwt, _ := json.Marshal(types.BrokerStatus{Status: "offline", Reason: "unexpected_disconnect"})
	opts.SetWill(t.topics.Status(), string(lwt), 1, true)

	opts.SetOnConnectHandler(t.onConnect)
	opts.SetConnectionLostHandler(t.onConnectionLost)
	return opts
}

func (t *Transport) connectOnce() error {
	c := t.newClient(t.options())
	tok := c.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		return &errcode.E{C: errcode.Timeout, Op: "connect", Msg: t.cfg.Broker}
	}
	if err := tok.Error(); err != nil {
		return errors.Wrap(err, "mqtt connect")
	}
	t.mu.Lock()
	t.client = c
	t.mu.Unlock()
	return nil
}

func (t *Transport) currentClient() paho.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}

// IsConnected reports the live broker connection state.
func (t *Transport) IsConnected() bool {
	c := t.currentClient()
	return c != nil && c.IsConnected()
}

// onConnect runs on every successful (re)connect: announce liveness,
// then restore the subscription registry. It must only use the client
// it is handed; the transport lock may be held by the connect path.
func (t *Transport) onConnect(c paho.Client) {
	t.log.Info("connected", zap.String("broker", t.cfg.Broker))

	body, _ := json.Marshal(types.BrokerStatus{Status: "online", Timestamp: timex.NowISO()})
	tok := c.Publish(t.topics.Status(), 1, true, body)
	if !tok.WaitTimeout(publishTimeout) || tok.Error() != nil {
		t.log.Warn("online status publish failed", zap.Error(tok.Error()))
	}

	t.resubscribe(c)
}

func (t *Transport) onConnectionLost(_ paho.Client, err error) {
	t.log.Warn("connection lost", zap.Error(err))
	go t.reconnect()
}

// reconnect runs the retry policy: linear backoff min(base·attempt,
// cap), bounded attempts, fresh client each time. Concurrent triggers
// collapse into the one in-flight run.
func (t *Transport) reconnect() {
	t.mu.Lock()
	if t.reconnecting {
		t.mu.Unlock()
		return
	}
	t.reconnecting = true
	old := t.client
	t.client = nil
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.reconnecting = false
		t.mu.Unlock()
	}()

	if old != nil && old.IsConnected() {
		old.Disconnect(250)
	}

	for attempt := 1; attempt <= t.cfg.ConnectionRetryCount; attempt++ {
		if t.ctx != nil && t.ctx.Err() != nil {
			return
		}
		err := t.connectOnce()
		if err == nil {
			t.log.Info("reconnected", zap.Int("attempt", attempt))
			return
		}
		t.log.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))

		backoff := t.backoffBase * time.Duration(attempt)
		if backoff > t.backoffCap {
			backoff = t.backoffCap
		}
		if t.ctx == nil {
			time.Sleep(backoff)
			continue
		}
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(backoff):
		}
	}

	err := errors.Errorf("mqtt: gave up after %d reconnect attempts", t.cfg.ConnectionRetryCount)
	t.log.Error("reconnect budget exhausted", zap.Error(err))
	select {
	case t.fatal <- err:
	default:
	}
}

func (t *Transport) healthLoop(ctx context.Context) {
	interval := t.cfg.HealthInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.IsConnected() {
				t.log.Debug("health check: disconnected")
				go t.reconnect()
			}
		}
	}
}

// Subscribe registers a topic filter with a handler. The registry
// survives reconnects; every successful connect resubscribes it.
func (t *Transport) Subscribe(filter string, qos byte, h HandlerFunc) error {
	t.mux.Handle(filter, h)
	t.subMu.Lock()
	t.subs[filter] = qos
	t.subMu.Unlock()

	c := t.currentClient()
	if c == nil || !c.IsConnected() {
		return nil // will subscribe on connect
	}
	tok := c.Subscribe(filter, qos, t.onMessage)
	if !tok.WaitTimeout(subscribeTimeout) || tok.Error() != nil {
		t.subMu.Lock()
		delete(t.subs, filter)
		t.subMu.Unlock()
		return &errcode.E{C: errcode.Error, Op: "subscribe", Msg: filter, Err: tok.Error()}
	}
	return nil
}

// Subscriptions lists the currently registered topic filters.
func (t *Transport) Subscriptions() []string {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	out := make([]string, 0, len(t.subs))
	for f := range t.subs {
		out = append(out, f)
	}
	return out
}

// resubscribe replays the registry onto a fresh connection. Filters
// the broker rejects are evicted rather than retried forever.
func (t *Transport) resubscribe(c paho.Client) {
	t.subMu.Lock()
	snapshot := make(map[string]byte, len(t.subs))
	for f, q := range t.subs {
		snapshot[f] = q
	}
	t.subMu.Unlock()

	for filter, qos := range snapshot {
		tok := c.Subscribe(filter, qos, t.onMessage)
		if !tok.WaitTimeout(subscribeTimeout) || tok.Error() != nil {
			t.log.Warn("resubscribe failed, topic evicted", zap.String("topic", filter), zap.Error(tok.Error()))
			t.subMu.Lock()
			delete(t.subs, filter)
			t.subMu.Unlock()
			continue
		}
		t.log.Debug("resubscribed", zap.String("topic", filter))
	}
}

// onMessage is the single inbound callback. It decodes and hands off;
// handler work happens on its own goroutine, never on the paho I/O
// thread.
func (t *Transport) onMessage(_ paho.Client, m paho.Message) {
	msg := &Inbound{Topic: m.Topic(), Raw: m.Payload(), Payload: decodePayload(m.Payload())}
	go func() {
		if n := t.mux.Dispatch(msg); n == 0 {
			t.log.Debug("unrouted message", zap.String("topic", msg.Topic))
		}
	}()
}

func decodePayload(b []byte) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal(b, &obj); err == nil && obj != nil {
		return obj
	}
	return map[string]any{"raw_message": string(b)}
}

// Publish enqueues telemetry at QoS 0.
func (t *Transport) Publish(topic string, payload any) error {
	return t.pool.enqueue(topic, payload, 0, false)
}

// PublishQoS enqueues with explicit QoS/retain, for command responses
// and status.
func (t *Transport) PublishQoS(topic string, payload any, qos byte, retain bool) error {
	return t.pool.enqueue(topic, payload, qos, retain)
}

// sendNow is the pool's publish function: one encoded body to the
// live client. Disconnected publishes fail fast and are counted by
// the pool.
func (t *Transport) sendNow(topic string, qos byte, retain bool, body []byte) error {
	c := t.currentClient()
	if c == nil || !c.IsConnected() {
		return &errcode.E{C: errcode.Disconnected, Op: "publish", Msg: topic}
	}
	tok := c.Publish(topic, qos, retain, body)
	if !tok.WaitTimeout(publishTimeout) {
		return &errcode.E{C: errcode.Timeout, Op: "publish", Msg: topic}
	}
	return tok.Error()
}

// Close drains the publish queue, announces a clean shutdown and
// disconnects. The subscription registry is deliberately not cleared;
// it lives as long as the process.
func (t *Transport) Close() {
	t.pool.stop()

	body, _ := json.Marshal(types.BrokerStatus{Status: "offline", Reason: "shutdown", Timestamp: timex.NowISO()})
	if err := t.sendNow(t.topics.Status(), 1, true, body); err != nil {
		t.log.Debug("offline status publish failed", zap.Error(err))
	}

	if c := t.currentClient(); c != nil && c.IsConnected() {
		c.Disconnect(250)
	}
	t.log.Info("transport closed")
}

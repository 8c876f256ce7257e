// Package poller runs the read→process→cache→publish pipeline for
// every configured device. One scheduler job per device; the scheduler
// provides non-overlap, so two sweeps of the same device never race.
package poller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"pms-go/cache"
	"pms-go/config"
	"pms-go/device"
	"pms-go/metrics"
	"pms-go/mqtt"
	"pms-go/sched"
	"pms-go/types"
	"pms-go/x/timex"
)

// Publisher is the outbound side of the pipeline, satisfied by
// *mqtt.Transport.
type Publisher interface {
	Publish(topic string, payload any) error
}

// Pipeline fans device readings out to the cache and the broker.
type Pipeline struct {
	reg    *device.Registry
	cache  *cache.Store
	pub    Publisher
	topics mqtt.Topics
	met    *metrics.Metrics
	log    *zap.Logger
}

func New(reg *device.Registry, c *cache.Store, pub Publisher, topics mqtt.Topics, met *metrics.Metrics, log *zap.Logger) *Pipeline {
	if met == nil {
		met = metrics.Nop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{reg: reg, cache: c, pub: pub, topics: topics, met: met, log: log.Named("poller")}
}

// Register schedules one poll job per configured device at its own
// interval.
func (p *Pipeline) Register(s *sched.Scheduler, devices []config.DeviceSpec) error {
	for _, d := range devices {
		h, ok := p.reg.Get(d.Name)
		if !ok {
			continue
		}
		h := h
		err := s.Add("poll:"+d.Name, d.Interval(), func(ctx context.Context) error {
			return p.PollOnce(ctx, h)
		})
		if err != nil {
			return err
		}
		p.log.Info("device scheduled",
			zap.String("device", d.Name),
			zap.String("type", string(d.Type)),
			zap.Duration("interval", d.Interval()))
	}
	return nil
}

// PollOnce runs one full pipeline pass for one device. A failed read
// marks the device down in the cache and returns the error for the
// scheduler to log; the stale cache entry keeps its last reading.
func (p *Pipeline) PollOnce(ctx context.Context, h *device.Handler) error {
	start := time.Now()
	r, err := h.ReadData(ctx)
	p.met.PollDuration.WithLabelValues(h.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		p.met.PollsTotal.WithLabelValues(h.Name(), metrics.OutcomeError).Inc()
		p.met.PollErrors.WithLabelValues(h.Name()).Inc()
		p.cache.SetError(h.Name(), err.Error())
		return err
	}

	r.Processed = device.Process(r.Raw, h.Map(), h.Type())
	p.cache.Update(h.Name(), r)
	p.met.PollsTotal.WithLabelValues(h.Name(), metrics.OutcomeOK).Inc()

	topic := p.topics.Telemetry(string(r.DeviceType), r.DeviceName)
	if err := p.pub.Publish(topic, telemetry(r)); err != nil {
		// Queue-full is a local condition; the reading is already cached.
		p.log.Debug("telemetry not queued", zap.String("topic", topic), zap.Error(err))
	}
	return nil
}

func telemetry(r *types.Reading) types.Telemetry {
	return types.Telemetry{
		DeviceName: r.DeviceName,
		DeviceType: r.DeviceType,
		IPAddress:  r.IP,
		Timestamp:  timex.ISO(r.Timestamp),
		Data:       r.Processed,
	}
}

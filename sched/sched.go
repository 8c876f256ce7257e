// Package sched runs named periodic jobs from a single timing wheel.
// Each job gets non-overlap (one instance in flight), coalescing (ticks
// arriving mid-run collapse into one follow-up) and isolation (a
// failing job is logged, never unscheduled).
package sched

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"pms-go/errcode"
)

// MisfireGrace is how late a tick may fire and still run. Older ticks
// are discarded rather than replayed in a burst.
const MisfireGrace = 30 * time.Second

// Job is one unit of periodic work. The returned error is logged; it
// never affects scheduling.
type Job func(ctx context.Context) error

type item struct {
	name  string
	every time.Duration
	job   Job

	due   int64 // unix ns of the next tick
	index int   // heap position, -1 when popped

	running bool
	pending int64 // unix ns of the coalesced tick, 0 when none
}

type itemHeap []*item

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return h[i].due < h[j].due }
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *itemHeap) Push(x any)        { it := x.(*item); it.index = len(*h); *h = append(*h, it) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	it.index = -1
	*h = old[:n-1]
	return it
}
func (h itemHeap) Top() *item {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// Scheduler owns the timing heap. Jobs are registered before Run and
// may be added or removed while running.
type Scheduler struct {
	log   *zap.Logger
	grace time.Duration

	mu    sync.Mutex
	wake  chan struct{}
	items map[string]*item
	h     itemHeap

	wg sync.WaitGroup
}

func New(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		log:   log.Named("sched"),
		grace: MisfireGrace,
		wake:  make(chan struct{}, 1),
		items: make(map[string]*item),
	}
}

// Add schedules a job. The first tick fires immediately, then every
// interval. Duplicate names are rejected.
func (s *Scheduler) Add(name string, interval time.Duration, job Job) error {
	if interval <= 0 {
		return &errcode.E{C: errcode.InvalidParams, Op: "sched", Msg: name + ": interval must be positive"}
	}
	if job == nil {
		return &errcode.E{C: errcode.InvalidParams, Op: "sched", Msg: name + ": nil job"}
	}

	s.mu.Lock()
	if _, dup := s.items[name]; dup {
		s.mu.Unlock()
		return &errcode.E{C: errcode.InvalidParams, Op: "sched", Msg: "duplicate job " + name}
	}
	it := &item{
		name:  name,
		every: interval,
		job:   job,
		due:   time.Now().UnixNano(),
		index: -1,
	}
	s.items[name] = it
	heap.Push(&s.h, it)
	s.mu.Unlock()

	s.wakeup()
	return nil
}

// Remove unschedules a job. A run already in flight completes; its
// coalesced follow-up, if any, is discarded.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	if it := s.items[name]; it != nil {
		if it.index >= 0 {
			heap.Remove(&s.h, it.index)
		}
		it.pending = 0
		delete(s.items, name)
	}
	s.mu.Unlock()
	s.wakeup()
}

// Run drives the heap until ctx is cancelled. It returns after all
// in-flight jobs have finished.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait := s.nextWait()
		if wait < 0 {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return
			case <-s.wake:
				continue
			}
		}
		if wait == 0 {
			s.fireDue(ctx)
			continue
		}

		timer.Reset(time.Duration(wait))
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-s.wake:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
		}
	}
}

// fireDue pops the top item if due, re-arms it and dispatches the
// tick.
func (s *Scheduler) fireDue(ctx context.Context) {
	s.mu.Lock()
	now := time.Now().UnixNano()
	top := s.h.Top()
	if top == nil || top.due > now {
		s.mu.Unlock()
		return
	}
	it := heap.Pop(&s.h).(*item)
	tick := it.due
	it.due = now + int64(it.every)
	heap.Push(&s.h, it)

	late := time.Duration(now - tick)
	if late > s.grace {
		s.mu.Unlock()
		s.log.Warn("tick discarded past misfire grace",
			zap.String("job", it.name), zap.Duration("late", late))
		return
	}

	if it.running {
		// Coalesce: however many ticks arrive mid-run, exactly one
		// follow-up runs when the current one finishes.
		it.pending = tick
		s.mu.Unlock()
		return
	}
	it.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runJob(ctx, it)
}

// runJob executes the job and then any coalesced follow-up that is
// still within the misfire grace.
func (s *Scheduler) runJob(ctx context.Context, it *item) {
	defer s.wg.Done()

	for {
		if err := it.job(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("job failed", zap.String("job", it.name), zap.Error(err))
		}
		if ctx.Err() != nil {
			s.mu.Lock()
			it.running = false
			it.pending = 0
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		tick := it.pending
		it.pending = 0
		if tick == 0 || time.Duration(time.Now().UnixNano()-tick) > s.grace {
			it.running = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) nextWait() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	top := s.h.Top()
	if top == nil {
		return -1
	}
	now := time.Now().UnixNano()
	if top.due <= now {
		return 0
	}
	return top.due - now
}

func (s *Scheduler) wakeup() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Len reports how many jobs are scheduled.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

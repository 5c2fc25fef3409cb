// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package carve

import (
	"context"
	"os"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/saferwall/carve/log"
)

// A hashSet is the concurrent de-duplication set shared by all workers,
// keyed by content hash. Check and insert is a single atomic step: the
// first caller wins, later callers drop their work.
type hashSet struct {
	mu sync.Mutex
	m  map[string]struct{}
}

func newHashSet() *hashSet {
	return &hashSet{m: make(map[string]struct{})}
}

// checkAndInsert reports whether hash was new.
func (h *hashSet) checkAndInsert(hash string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.m[hash]; ok {
		return false
	}
	h.m[hash] = struct{}{}
	return true
}

// A workQueue is a joinable queue of meta directory hand offs. The queue
// closes itself when it drains: no queued items and no item still being
// processed.
type workQueue struct {
	mu          sync.Mutex
	cond        *sync.Cond
	items       []*MetaDirectory
	outstanding int
	closed      bool
}

func newWorkQueue() *workQueue {
	q := &workQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// put enqueues one item. The item counts as outstanding until done is
// called for it.
func (q *workQueue) put(md *MetaDirectory) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, md)
	q.outstanding++
	q.cond.Signal()
}

// get blocks until an item arrives or the queue closes.
func (q *workQueue) get() (*MetaDirectory, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	md := q.items[0]
	q.items = q.items[1:]
	return md, true
}

// done marks one item as finished. When nothing is queued and nothing is
// outstanding the queue closes and all waiters wake.
func (q *workQueue) done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.outstanding--
	if q.outstanding == 0 && len(q.items) == 0 {
		q.closed = true
		q.cond.Broadcast()
	}
}

// terminate force closes the queue. Queued items are dropped.
func (q *workQueue) terminate() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
	q.cond.Broadcast()
}

// A Scheduler drives N parallel workers over the work queue until it
// drains. Ownership of a meta directory travels with the queue hand off:
// the worker holding an item is its only writer.
type Scheduler struct {
	disp    *Dispatcher
	threads int
	logger  *log.Helper
	seen    *hashSet
	queue   *workQueue
}

// NewScheduler returns a scheduler running threads workers; zero or less
// means one worker per CPU.
func NewScheduler(disp *Dispatcher, threads int, logger log.Logger) *Scheduler {
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	if logger == nil {
		logger = log.NewFilter(log.NewStdLogger(os.Stdout),
			log.FilterLevel(log.LevelError))
	}
	return &Scheduler{
		disp:    disp,
		threads: threads,
		logger:  log.NewHelper(logger),
		seen:    newHashSet(),
		queue:   newWorkQueue(),
	}
}

// Terminate force stops the scheduler. Used for fatal errors; normal runs
// end by draining.
func (s *Scheduler) Terminate() {
	s.queue.terminate()
}

// Run seeds the queue with the given roots and blocks until every
// reachable meta directory has been processed. Per item errors are logged
// and do not stop the run. Cancellation is cooperative at item
// boundaries.
func (s *Scheduler) Run(ctx context.Context, roots ...*MetaDirectory) error {
	seeded := false
	for _, r := range roots {
		if !s.seen.checkAndInsert(r.Identity()) {
			s.logger.Infof("duplicate input %s, sharing %s", r.Pathname(), r.Identity())
			continue
		}
		s.queue.put(r)
		seeded = true
	}
	if !seeded {
		return nil
	}

	g := new(errgroup.Group)
	for i := 0; i < s.threads; i++ {
		g.Go(func() error {
			s.worker(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		md, ok := s.queue.get()
		if !ok {
			return
		}
		if ctx.Err() != nil {
			// Cooperative cancellation: drop the item without parsing.
			s.queue.done()
			continue
		}
		children, err := s.disp.Process(md)
		if err != nil {
			s.logger.Errorf("processing %s: %v", md.Name(), err)
		}
		for _, c := range children {
			if !s.seen.checkAndInsert(c.Identity()) {
				s.logger.Debugf("duplicate content %s, sharing meta directory",
					c.Identity())
				continue
			}
			s.queue.put(c)
		}
		s.queue.done()
	}
}

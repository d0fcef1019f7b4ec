/*
The scheduler package runs file-transfer tasks on a bounded worker pool.
Producers (the collection sync manager, BIOS provisioner and save
synchronizer) submit task specs and observe completion; they never
perform transfers themselves.

Tasks move queued -> active -> {done, failed, canceled}. A failed
attempt re-enters the queue with exponential backoff until the attempt
budget is exhausted. Bulk rom/bios tasks and save tasks wait in
independent queues, with the save queue preferred at dispatch so save
sync is never starved by a large collection download.
*/
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/rommsync/rommsync/pkg/errors"
)

type Kind string

const (
	KindROM          Kind = "rom"
	KindBIOS         Kind = "bios"
	KindSaveDownload Kind = "save_download"
	KindSaveUpload   Kind = "save_upload"
)

func (k Kind) isSave() bool {
	return k == KindSaveDownload || k == KindSaveUpload
}

type State string

const (
	StateQueued   State = "queued"
	StateActive   State = "active"
	StateDone     State = "done"
	StateFailed   State = "failed"
	StateCanceled State = "canceled"
)

func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCanceled
}

// Spec describes a transfer to execute. Run performs the actual I/O,
// reporting cumulative bytes written through its callback and honoring
// context cancellation at buffer boundaries.
type Spec struct {
	Kind       Kind
	Collection string
	Name       string

	// Destination is the local output path. On cancellation any
	// partial file next to it is removed.
	Destination string

	BytesTotal int64

	Run func(ctx context.Context, report func(bytesDone int64)) error
}

// Task is an immutable snapshot of a task's state.
type Task struct {
	ID          int64
	Kind        Kind
	Collection  string
	Name        string
	Destination string
	BytesTotal  int64
	BytesDone   int64
	State       State
	Attempts    int

	// Speed is the task's smoothed throughput in bytes per second,
	// only meaningful while active.
	Speed float64

	Err error
}

type task struct {
	Spec
	id       int64
	state    State
	bytesDone int64
	attempts int
	speed    float64
	// lastSampleBytes is the bytesDone value at the previous speed
	// tick.
	lastSampleBytes int64
	cancelRun       context.CancelFunc
	canceled        bool
	err             error
}

type Options struct {
	MaxConcurrent int
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMax      time.Duration

	// SpeedInterval is the cadence at which throughput samples are
	// folded into each active task's moving average.
	SpeedInterval time.Duration

	Clock clockwork.Clock

	// OnDone is invoked once per task on reaching a terminal state,
	// in completion order. It runs on a dedicated goroutine and must
	// not call back into the scheduler synchronously while blocking.
	OnDone func(Task)
}

// speedAlpha weighs the newest throughput sample in the moving average.
const speedAlpha = 0.3

type Scheduler struct {
	opts Options

	mu sync.Mutex
	// nextID is the id handed to the next submitted task.
	nextID    int64
	tasks     map[int64]*task
	bulkQueue []int64
	saveQueue []int64
	active    int

	// wake nudges the dispatcher after submissions, completions and
	// cancellations.
	wake chan struct{}

	completions chan Task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Scheduler {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 2 * time.Minute
	}
	if opts.SpeedInterval <= 0 {
		opts.SpeedInterval = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		opts:        opts,
		tasks:       map[int64]*task{},
		wake:        make(chan struct{}, 1),
		completions: make(chan Task, 64),
	}
}

// Start launches the dispatcher. Transfers stop when ctx is cancelled;
// in-flight tasks are aborted at their next buffer boundary.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(3)
	go s.dispatch()
	go s.sampleSpeeds()
	go s.deliverCompletions()
}

// Stop aborts all in-flight work and waits for the workers to wind
// down.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Submit enqueues a transfer and returns its task id.
func (s *Scheduler) Submit(spec Spec) int64 {
	s.mu.Lock()
	s.nextID++
	t := &task{Spec: spec, id: s.nextID, state: StateQueued, attempts: 0}
	s.tasks[t.id] = t
	s.enqueueLocked(t)
	s.mu.Unlock()

	s.poke()
	return t.id
}

// Cancel aborts the task with the given id, whether queued, waiting for
// a retry, or active. Canceling a terminal task is a no-op.
func (s *Scheduler) Cancel(id int64) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.cancelLocked(t)
	s.mu.Unlock()

	s.poke()
}

// CancelCollection aborts every non-terminal task belonging to the
// named collection. It holds the scheduler lock for the whole sweep,
// so a Submit racing with it is ordered either entirely before (and
// gets canceled here) or entirely after.
func (s *Scheduler) CancelCollection(name string) {
	s.mu.Lock()
	for _, t := range s.tasks {
		if t.Collection == name && !t.state.Terminal() {
			s.cancelLocked(t)
		}
	}
	s.mu.Unlock()

	s.poke()
}

// cancelLocked transitions a queued or retry-waiting task straight to
// canceled, and flags an active task so its worker finalizes it.
func (s *Scheduler) cancelLocked(t *task) {
	t.canceled = true
	switch t.state {
	case StateQueued:
		s.removeFromQueueLocked(t.id)
		s.finalizeLocked(t, StateCanceled, context.Canceled)
	case StateActive:
		if t.cancelRun != nil {
			t.cancelRun()
		}
	}
}

// Snapshot returns copies of all tasks, including terminal ones that
// haven't been pruned yet.
func (s *Scheduler) Snapshot() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.snapshot())
	}
	return out
}

// CollectionTasks returns snapshots of the named collection's tasks.
func (s *Scheduler) CollectionTasks(name string) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Task
	for _, t := range s.tasks {
		if t.Collection == name {
			out = append(out, t.snapshot())
		}
	}
	return out
}

// Prune drops terminal tasks from the snapshot view, returning how many
// were removed.
func (s *Scheduler) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, t := range s.tasks {
		if t.state.Terminal() {
			delete(s.tasks, id)
			n++
		}
	}
	return n
}

func (t *task) snapshot() Task {
	return Task{
		ID:          t.id,
		Kind:        t.Kind,
		Collection:  t.Collection,
		Name:        t.Name,
		Destination: t.Destination,
		BytesTotal:  t.BytesTotal,
		BytesDone:   t.bytesDone,
		State:       t.state,
		Attempts:    t.attempts,
		Speed:       t.speed,
		Err:         t.err,
	}
}

func (s *Scheduler) enqueueLocked(t *task) {
	if t.Kind.isSave() {
		s.saveQueue = append(s.saveQueue, t.id)
	} else {
		s.bulkQueue = append(s.bulkQueue, t.id)
	}
}

func (s *Scheduler) removeFromQueueLocked(id int64) {
	s.saveQueue = removeID(s.saveQueue, id)
	s.bulkQueue = removeID(s.bulkQueue, id)
}

func removeID(queue []int64, id int64) []int64 {
	for i, candidate := range queue {
		if candidate == id {
			return append(queue[:i], queue[i+1:]...)
		}
	}
	return queue
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatch() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for s.active < s.opts.MaxConcurrent {
			t := s.popLocked()
			if t == nil {
				break
			}
			t.state = StateActive
			t.attempts++
			runCtx, cancelRun := context.WithCancel(s.ctx)
			t.cancelRun = cancelRun
			s.active++

			s.wg.Add(1)
			go s.runTask(runCtx, t)
		}
		s.mu.Unlock()

		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}
	}
}

// popLocked prefers the save queue so interactive save sync keeps
// moving during bulk downloads.
func (s *Scheduler) popLocked() *task {
	for _, queue := range []*[]int64{&s.saveQueue, &s.bulkQueue} {
		for len(*queue) > 0 {
			id := (*queue)[0]
			*queue = (*queue)[1:]
			if t, ok := s.tasks[id]; ok && t.state == StateQueued {
				return t
			}
		}
	}
	return nil
}

func (s *Scheduler) runTask(ctx context.Context, t *task) {
	defer s.wg.Done()

	err := t.Run(ctx, func(bytesDone int64) {
		s.mu.Lock()
		// bytes_done never regresses, whatever the reporter says.
		if bytesDone > t.bytesDone {
			t.bytesDone = bytesDone
		}
		s.mu.Unlock()
	})

	s.mu.Lock()
	s.active--
	t.cancelRun = nil

	switch {
	case t.canceled || ctx.Err() != nil:
		s.finalizeLocked(t, StateCanceled, context.Canceled)
		s.removePartial(t)
	case err == nil:
		s.finalizeLocked(t, StateDone, nil)
	default:
		delay, retryable := errors.RetryAfter(err, t.attempts, s.opts.RetryBase, s.opts.RetryMax)
		if retryable && t.attempts < s.opts.MaxAttempts {
			log.WithError(err).WithFields(log.Fields{
				"task":    t.Name,
				"attempt": t.attempts,
				"delay":   delay,
			}).Warn("Transfer failed, will retry")
			t.state = StateQueued
			s.mu.Unlock()
			s.poke()
			s.requeueAfter(t, delay)
			return
		}
		s.finalizeLocked(t, StateFailed, errors.TransferFailed{
			Name:     t.Name,
			Attempts: t.attempts,
			Cause:    err,
		})
		s.removePartial(t)
	}
	s.mu.Unlock()
	s.poke()
}

// requeueAfter re-enqueues a failed task once the backoff delay
// elapses. Cancellation during the wait wins.
func (s *Scheduler) requeueAfter(t *task, delay time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.ctx.Done():
			s.mu.Lock()
			if !t.state.Terminal() {
				s.finalizeLocked(t, StateCanceled, context.Canceled)
			}
			s.mu.Unlock()
			return
		case <-s.opts.Clock.After(delay):
		}

		s.mu.Lock()
		if !t.state.Terminal() && !t.canceled {
			s.enqueueLocked(t)
		}
		s.mu.Unlock()
		s.poke()
	}()
}

// finalizeLocked records a terminal state and hands the snapshot to the
// completion delivery goroutine.
func (s *Scheduler) finalizeLocked(t *task, state State, err error) {
	t.state = state
	t.err = err
	t.speed = 0
	select {
	case s.completions <- t.snapshot():
	default:
		// The completion buffer is full; deliver without blocking the
		// scheduler lock.
		snapshot := t.snapshot()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			select {
			case s.completions <- snapshot:
			case <-s.ctx.Done():
			}
		}()
	}
}

func (s *Scheduler) deliverCompletions() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case completed := <-s.completions:
			if s.opts.OnDone != nil {
				s.opts.OnDone(completed)
			}
		}
	}
}

// sampleSpeeds folds a throughput sample into each active task's moving
// average at a fixed cadence, rather than on every byte, so readers see
// a stable number.
func (s *Scheduler) sampleSpeeds() {
	defer s.wg.Done()

	ticker := s.opts.Clock.NewTicker(s.opts.SpeedInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.Chan():
		}

		s.mu.Lock()
		interval := s.opts.SpeedInterval.Seconds()
		for _, t := range s.tasks {
			if t.state != StateActive {
				continue
			}
			instant := float64(t.bytesDone-t.lastSampleBytes) / interval
			t.lastSampleBytes = t.bytesDone
			if t.speed == 0 {
				t.speed = instant
			} else {
				t.speed = speedAlpha*instant + (1-speedAlpha)*t.speed
			}
		}
		s.mu.Unlock()
	}
}

// removePartial cleans up the in-progress file next to the destination
// after a cancel or terminal failure.
func (s *Scheduler) removePartial(t *task) {
	if t.Destination == "" {
		return
	}
	partial := t.Destination + ".part"
	if exists, _ := aferoExists(partial); exists {
		if err := fs.Remove(partial); err != nil {
			log.WithError(err).WithField("path", partial).
				Warn("Failed to remove partial file")
		}
	}
}

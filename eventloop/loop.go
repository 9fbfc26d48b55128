package eventloop

import (
	"container/heap"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/sailfishos/statebus/errors"
)

// Task is a unit of work executed on the loop goroutine.
type Task func()

// Loop is the daemon's single logical thread. All pipe writes, dispatch and
// peer state transitions are funneled through it.
type Loop struct {
	log *slog.Logger

	t    *tomb.Tomb
	wake chan struct{}

	mu     sync.Mutex
	queue  []Task
	idle   []Task
	timers timerHeap
	seq    uint64

	gid     atomic.Uint64
	started atomic.Bool

	// Statistics (atomic)
	executed int64
	dropped  int64
}

// Timer is a handle to a delayed task. Cancel prevents the task from running
// if it has not fired yet.
type Timer struct {
	loop  *Loop
	entry *timerEntry
}

type timerEntry struct {
	when     time.Time
	seq      uint64
	fn       Task
	canceled bool
	index    int
}

// New creates a stopped loop. Call Start before posting work.
func New(log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		log:  log.With("component", "eventloop"),
		wake: make(chan struct{}, 1),
	}
}

// Start launches the loop goroutine. It is an error to start twice.
func (l *Loop) Start() error {
	if !l.started.CompareAndSwap(false, true) {
		return errors.WrapRegistry(errors.ErrAlreadyStarted, "Loop", "Start", "state check")
	}
	l.t = &tomb.Tomb{}
	l.t.Go(l.run)
	return nil
}

// Stop terminates the loop and waits for the loop goroutine to exit. Pending
// tasks, idle tasks and timers are dropped with a log line; the loop does not
// attempt to drain them.
func (l *Loop) Stop() error {
	if !l.started.Load() {
		return errors.WrapRegistry(errors.ErrNotStarted, "Loop", "Stop", "state check")
	}
	l.t.Kill(nil)
	err := l.t.Wait()

	l.mu.Lock()
	pending := len(l.queue) + len(l.idle) + l.timers.Len()
	l.queue, l.idle, l.timers = nil, nil, nil
	l.mu.Unlock()

	if pending > 0 {
		atomic.AddInt64(&l.dropped, int64(pending))
		l.log.Warn("dropped pending work at shutdown", "count", pending)
	}
	return err
}

// Post schedules fn to run on the loop goroutine in FIFO order. Safe to call
// from any goroutine, including from a task already running on the loop.
func (l *Loop) Post(fn Task) error {
	if fn == nil {
		return errors.WrapRegistry(errors.ErrNotRegistered, "Loop", "Post", "nil task check")
	}
	if !l.alive() {
		atomic.AddInt64(&l.dropped, 1)
		return errors.Wrap(errors.ErrLoopStopped, "Loop", "Post", "liveness check")
	}
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.nudge()
	return nil
}

// Inject is Post under the name the cross-thread contract uses: values
// produced on worker goroutines must cross into the loop through here before
// they may touch a pipe.
func (l *Loop) Inject(fn Task) error {
	return l.Post(fn)
}

// PostIdle schedules fn to run once the loop has no ordinary or due timer
// work left. Deferred compaction and subscriber catch-up notifications use
// this class.
func (l *Loop) PostIdle(fn Task) error {
	if fn == nil {
		return errors.WrapRegistry(errors.ErrNotRegistered, "Loop", "PostIdle", "nil task check")
	}
	if !l.alive() {
		atomic.AddInt64(&l.dropped, 1)
		return errors.Wrap(errors.ErrLoopStopped, "Loop", "PostIdle", "liveness check")
	}
	l.mu.Lock()
	l.idle = append(l.idle, fn)
	l.mu.Unlock()
	l.nudge()
	return nil
}

// PostDelayed schedules fn to run on the loop after d has elapsed. The
// returned Timer can cancel the task before it fires.
func (l *Loop) PostDelayed(d time.Duration, fn Task) (*Timer, error) {
	if fn == nil {
		return nil, errors.WrapRegistry(errors.ErrNotRegistered, "Loop", "PostDelayed", "nil task check")
	}
	if !l.alive() {
		atomic.AddInt64(&l.dropped, 1)
		return nil, errors.Wrap(errors.ErrLoopStopped, "Loop", "PostDelayed", "liveness check")
	}
	l.mu.Lock()
	l.seq++
	entry := &timerEntry{when: time.Now().Add(d), seq: l.seq, fn: fn}
	heap.Push(&l.timers, entry)
	l.mu.Unlock()
	l.nudge()
	return &Timer{loop: l, entry: entry}, nil
}

// Cancel prevents the timer task from running. Canceling an already-fired or
// already-canceled timer is a no-op.
func (t *Timer) Cancel() {
	if t == nil || t.loop == nil {
		return
	}
	t.loop.mu.Lock()
	t.entry.canceled = true
	t.loop.mu.Unlock()
}

// OnLoop reports whether the caller is running on the loop goroutine.
func (l *Loop) OnLoop() bool {
	return l.started.Load() && goroutineID() == l.gid.Load()
}

// Executed returns the number of tasks run so far.
func (l *Loop) Executed() int64 {
	return atomic.LoadInt64(&l.executed)
}

// Dropped returns the number of tasks discarded (posted after death or
// pending at shutdown).
func (l *Loop) Dropped() int64 {
	return atomic.LoadInt64(&l.dropped)
}

func (l *Loop) alive() bool {
	if !l.started.Load() {
		return false
	}
	select {
	case <-l.t.Dying():
		return false
	default:
		return true
	}
}

func (l *Loop) nudge() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) run() error {
	l.gid.Store(goroutineID())

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		fn, wait := l.next()
		if fn != nil {
			fn()
			atomic.AddInt64(&l.executed, 1)
			continue
		}

		var timerC <-chan time.Time
		if wait > 0 {
			timer.Reset(wait)
			timerC = timer.C
		}

		select {
		case <-l.wake:
		case <-timerC:
			timerC = nil
		case <-l.t.Dying():
			return nil
		}

		if timerC != nil && !timer.Stop() {
			<-timer.C
		}
	}
}

// next pops the highest-priority runnable task: queued tasks first, then due
// timers, then idle tasks. When nothing is runnable it returns the wait until
// the earliest timer deadline (0 = wait forever).
func (l *Loop) next() (Task, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) > 0 {
		fn := l.queue[0]
		l.queue = l.queue[1:]
		return fn, 0
	}

	now := time.Now()
	for l.timers.Len() > 0 {
		top := l.timers[0]
		if top.canceled {
			heap.Pop(&l.timers)
			continue
		}
		if !top.when.After(now) {
			heap.Pop(&l.timers)
			return top.fn, 0
		}
		break
	}

	if len(l.idle) > 0 {
		fn := l.idle[0]
		l.idle = l.idle[1:]
		return fn, 0
	}

	if l.timers.Len() > 0 {
		return nil, time.Until(l.timers[0].when)
	}
	return nil, 0
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	entry := x.(*timerEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

// goroutineID parses the current goroutine id from the stack header. Used
// only for the OnLoop assertion, never on hot paths without need.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if i := strings.IndexByte(s, ' '); i > 0 {
		id, err := strconv.ParseUint(s[:i], 10, 64)
		if err == nil {
			return id
		}
	}
	return 0
}

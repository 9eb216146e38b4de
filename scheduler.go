package nvmet

import (
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Budgets for one scheduling pass of a queue's work item.
const (
	RecvBudget   = 16
	IOWorkBudget = 64
)

// workItem is one pending unit of scheduling for a queue: process
// whatever progress is available, self-requeue if the budget ran out
// with work still pending.
type workItem struct {
	q *Queue
}

// Scheduler is a small pool of CPU-pinned worker goroutines, one per
// configured CPU, each draining a buffered channel of work items. Each
// worker pins itself with runtime.LockOSThread + unix.SchedSetaffinity
// once at startup rather than per wakeup.
type Scheduler struct {
	cpus    []int
	queues  []chan workItem
	log     *logrus.Entry
	group   *errgroup.Group
}

// NewScheduler builds one worker goroutine per entry in cpus. An empty
// list still produces one unpinned worker so the scheduler degrades
// gracefully on platforms without affinity support.
func NewScheduler(cpus []int, log *logrus.Entry) *Scheduler {
	if len(cpus) == 0 {
		cpus = []int{-1}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Scheduler{cpus: cpus, log: log}
	s.queues = make([]chan workItem, len(cpus))
	for i := range s.queues {
		s.queues[i] = make(chan workItem, 1024)
	}
	return s
}

// Start launches one pinned goroutine per configured CPU under an
// errgroup, which Wait uses to join them; workers run until ctxDone is
// closed and always return a nil error.
func (s *Scheduler) Start(ctxDone <-chan struct{}) {
	g := &errgroup.Group{}
	for i, cpu := range s.cpus {
		i, cpu := i, cpu
		g.Go(func() error {
			s.runWorker(i, cpu, ctxDone)
			return nil
		})
	}
	s.group = g
}

// Wait blocks until every worker goroutine has returned.
func (s *Scheduler) Wait() error {
	if s.group == nil {
		return nil
	}
	return s.group.Wait()
}

func (s *Scheduler) runWorker(idx, cpu int, done <-chan struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if cpu >= 0 {
		var mask unix.CPUSet
		mask.Set(cpu)
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			s.log.WithError(err).WithField("cpu", cpu).Warn("failed to set worker CPU affinity")
		}
	}

	ch := s.queues[idx]
	for {
		select {
		case <-done:
			return
		case item := <-ch:
			s.runQueue(item.q)
		}
	}
}

// Schedule enqueues a queue's pending work on its placement CPU's
// worker. Safe to call from any goroutine (socket readability, the
// write-space retry, or the accept loop on first assignment).
func (s *Scheduler) Schedule(q *Queue) {
	idx := q.cpu % len(s.queues)
	if idx < 0 {
		idx = 0
	}
	select {
	case s.queues[idx] <- workItem{q: q}:
	default:
		// The worker's channel is full; this wake-up is dropped and the
		// queue is not enqueued here.
	}
}

// runQueue is the do-while budgeted loop: drive receive and send
// progress until neither makes any, or the combined operation budget
// is exhausted, then self-requeue if there's still work pending.
func (s *Scheduler) runQueue(q *Queue) {
	if q.isReleased() {
		return
	}
	ops := 0
	for {
		pending := false

		r, err := tryRecv(q, RecvBudget)
		if err != nil {
			q.fatal(err)
			return
		}
		if r > 0 {
			pending = true
			ops += r
		}

		sOps, err := trySend(q, SendBudget)
		if err != nil {
			q.fatal(err)
			return
		}
		if sOps > 0 {
			pending = true
			ops += sOps
		}

		if !pending || ops >= IOWorkBudget {
			if pending {
				s.Schedule(q)
			}
			return
		}
	}
}

// tryRecv invokes the receive state machine up to budget times,
// breaking on the first step that makes no progress.
func tryRecv(q *Queue, budget int) (int, error) {
	n := 0
	for ; n < budget; n++ {
		progressed, err := q.recvStep()
		if err != nil {
			if isPeerClose(err) {
				q.release()
				return n, nil
			}
			return n, err
		}
		if !progressed {
			break
		}
	}
	return n, nil
}

// trySend is the caravan-aware outer send loop: drive the send state
// machine up to budget times, flushing either caravan whenever it is
// marked send_now, the prior emission made no progress, or the budget
// has been exhausted.
func trySend(q *Queue, budget int) (int, error) {
	n := 0
	lastNonPositive := false
	for i := 0; i < budget; i++ {
		progressed, err := q.sendStep()
		if err != nil && err != ErrAgain {
			if isPeerClose(err) {
				q.release()
				return n, nil
			}
			return n, err
		}
		lastNonPositive = !progressed
		if progressed {
			n++
		}

		if !q.isAdmin() {
			for _, id := range []caravanID{caravanC1, caravanC2} {
				car := q.caravans[id]
				if car == nil {
					continue
				}
				if car.sendNow || lastNonPositive || i == budget-1 {
					if car.Len() > 0 {
						res, ferr := car.flush(q.sock)
						if ferr != nil {
							if isPeerClose(ferr) {
								q.release()
								return n, nil
							}
							return n, ferr
						}
						if res.NoSpace {
							q.armWriteWaiter()
						} else if res.BytesSent != res.Expected && res.Expected > 0 {
							q.log.WithFields(logrus.Fields{
								"caravan":  id,
								"sent":     res.BytesSent,
								"expected": res.Expected,
							}).Warn("short caravan flush, bytes lost on the wire")
						}
					}
				}
			}
		}

		if !progressed && lastNonPositive {
			break
		}
	}
	return n, nil
}

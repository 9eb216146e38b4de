package nvmet

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

// QueueState is the lifecycle of a connection's queue.
type QueueState int32

const (
	QueueConnecting QueueState = iota
	QueueLive
	QueueDisconnecting
)

func (s QueueState) String() string {
	switch s {
	case QueueConnecting:
		return "CONNECTING"
	case QueueLive:
		return "LIVE"
	case QueueDisconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// respNode is one link of the lock-free response inbox: the executor
// completes from any goroutine by pushing here without ever touching
// state-machine fields directly.
type respNode struct {
	cmd  *Command
	next *respNode
}

// respInbox is a Treiber stack: push is lock-free, drain swaps the
// whole chain out atomically and hands it back in arrival order.
type respInbox struct {
	head atomic.Pointer[respNode]
}

func (b *respInbox) push(c *Command) {
	n := &respNode{cmd: c}
	for {
		old := b.head.Load()
		n.next = old
		if b.head.CompareAndSwap(old, n) {
			return
		}
	}
}

// drain empties the stack and returns its contents in arrival order.
// The stack itself is LIFO, so the drained chain is reversed once to
// restore arrival order.
func (b *respInbox) drain() []*Command {
	old := b.head.Swap(nil)
	if old == nil {
		return nil
	}
	var out []*Command
	for n := old; n != nil; n = n.next {
		out = append(out, n.cmd)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// QueueOptions carries the operator-configured knobs NewQueue needs
// beyond connection and pool sizing: the scheduler used to re-arm
// readability/writability wake-ups once the queue goes idle, the
// deployment's digest requirements, and a socket buffer override.
type QueueOptions struct {
	Scheduler           *Scheduler
	SocketBufferBytes   int
	RequireHeaderDigest bool
	RequireDataDigest   bool
}

// Queue is one per active connection: socket, the two state machines,
// the command pool, the free/response lists and the two caravans.
type Queue struct {
	ID  xid.ID
	QID uint16 // 0 is the admin submission queue; it never uses caravans

	cpu int

	sock     *socketState
	pool     *SlotPool
	executor Executor
	ctrl     AdminController
	log      *logrus.Entry

	sched        *Scheduler
	writeWaiting atomic.Bool

	state atomic.Int32

	hdgstEnabled bool
	ddgstEnabled bool
	requireHdgst bool
	requireDdgst bool
	digester     Digester

	// Receive scratch.
	recvState        RecvState
	recvHdrBuf       [CommonHeaderLen]byte
	recvBody         []byte
	recvBodyNeed     int
	recvOffset       int
	recvPhaseIsHdr   bool
	recvHdr          CommonHeader
	recvCmd          *Command
	recvDataRemaining int
	recvDDGSTBuf     [DigestLen]byte
	recvDDGSTOffset  int

	// Send side.
	sndCmd       *Command
	inbox        respInbox
	respSendList []*Command

	caravans [2]*caravan

	registry *Registry

	mu sync.Mutex // guards released

	releaseOnce sync.Once
	released    bool
}

// RecvState enumerates the per-queue receive state machine.
type RecvState int

const (
	RecvPDU RecvState = iota
	RecvData
	RecvDDGST
	RecvErr
)

func (s RecvState) String() string {
	switch s {
	case RecvPDU:
		return "RECV_PDU"
	case RecvData:
		return "RECV_DATA"
	case RecvDDGST:
		return "RECV_DDGST"
	case RecvErr:
		return "RECV_ERR"
	default:
		return "unknown"
	}
}

// maxPDUBody is the largest fixed body this target ever needs to
// buffer in recvBody: the icreq body, plus room for a trailing header
// digest.
const maxPDUBody = ICReqBodyLen + DigestLen

// NewQueue constructs a queue for a freshly accepted connection. nrCmds
// is sized by the admin interface's install_queue (2x submission queue
// depth); qid 0 designates the admin queue, which bypasses caravans
// entirely. When opts.Scheduler is set, a background goroutine watches
// the socket for readability and reschedules the queue whenever it
// goes idle with data still arriving.
func NewQueue(conn net.Conn, qid uint16, nrCmds int, executor Executor, ctrl AdminController, cpu int, unmap PageUnmapper, opts QueueOptions, log *logrus.Entry) *Queue {
	q := &Queue{
		ID:           xid.New(),
		QID:          qid,
		cpu:          cpu,
		sock:         newSocketState(conn, opts.SocketBufferBytes),
		pool:         NewSlotPool(nrCmds),
		executor:     executor,
		ctrl:         ctrl,
		sched:        opts.Scheduler,
		requireHdgst: opts.RequireHeaderDigest,
		requireDdgst: opts.RequireDataDigest,
		digester:     NewDigester(),
		recvBody:     make([]byte, maxPDUBody),
		recvState:    RecvPDU,
	}
	for i := range q.pool.slots {
		q.pool.slots[i].queue = q
	}
	if qid != 0 {
		q.caravans[caravanC1] = newCaravan(caravanC1, CaravanC1Capacity, unmap)
		q.caravans[caravanC2] = newCaravan(caravanC2, CaravanC2Capacity, unmap)
	}
	q.state.Store(int32(QueueConnecting))
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	q.log = log.WithFields(logrus.Fields{"qid": qid, "queue": q.ID.String(), "cpu": cpu})
	if err := q.sock.applySocketOptions(); err != nil {
		q.log.WithError(err).Warn("failed to apply forced socket options")
	}
	q.prepareReceivePDU()
	if q.sched != nil {
		go q.watchReadable()
	}
	return q
}

// watchReadable blocks on socket readability without consuming bytes
// and reschedules the queue each time the kernel reports new data, so
// a queue that has gone idle (budget exhausted with nothing pending,
// or simply no work since the last pass) still gets woken up instead
// of waiting for another caller to kick it. It returns once the
// connection closes or exposes no raw fd to wait on (e.g. net.Pipe in
// tests).
func (q *Queue) watchReadable() {
	for {
		if q.isReleased() {
			return
		}
		if err := q.sock.waitReadable(); err != nil {
			return
		}
		q.sched.Schedule(q)
	}
}

// armWriteWaiter spawns a one-shot goroutine that blocks until the
// socket becomes writable again, clears the no-space latch and
// reschedules the queue. writeWaiting guards against stacking more
// than one such goroutine per queue while a caravan keeps hitting the
// no-space branch.
func (q *Queue) armWriteWaiter() {
	if q.sched == nil {
		return
	}
	if !q.writeWaiting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer q.writeWaiting.Store(false)
		if err := q.sock.waitWritable(); err != nil {
			return
		}
		if q.sock.clearNoSpaceIfWritable() {
			q.sched.Schedule(q)
		}
	}()
}

func (q *Queue) State() QueueState {
	return QueueState(q.state.Load())
}

func (q *Queue) setState(s QueueState) {
	q.state.Store(int32(s))
}

// isAdmin reports whether this is the qid=0 submission queue, which
// never uses caravans.
func (q *Queue) isAdmin() bool { return q.QID == 0 }

// queueResponse is the executor-facing completion entry point: it may
// be called from any goroutine and only ever pushes onto the
// lock-free inbox.
func (q *Queue) queueResponse(req *Request) {
	if req == nil || req.cmd == nil {
		return
	}
	q.inbox.push(req.cmd)
}

// fatal transitions the queue to RECV_ERR and notifies the controller,
// or shuts the socket down directly if no controller is attached.
func (q *Queue) fatal(err error) {
	q.recvState = RecvErr
	q.setState(QueueDisconnecting)
	q.log.WithError(err).Warn("queue entering fatal error state")
	if q.ctrl != nil {
		q.ctrl.CtrlFatalError(q, err)
	} else {
		_ = q.sock.conn.Close()
	}
}

// release tears the queue down: mark it released so no further work
// runs, drop the payload mapping of the command being received (if
// any) and return its slot, close the socket and leave the registry.
// Commands held by the caravans are not flushed or returned.
func (q *Queue) release() {
	q.releaseOnce.Do(func() {
		q.mu.Lock()
		q.released = true
		q.mu.Unlock()
		q.setState(QueueDisconnecting)

		if q.recvCmd != nil {
			q.recvCmd.recvIOV = nil
			if q.recvCmd.req != nil {
				q.recvCmd.req.Pages = nil
			}
			q.pool.Put(q.recvCmd)
			q.recvCmd = nil
		}
		_ = q.sock.conn.Close()
		if q.registry != nil {
			q.registry.remove(q)
		}
		q.log.Info("queue released")
	})
}

// prepareReceivePDU rearms the receive scratch to read a fresh common
// header.
func (q *Queue) prepareReceivePDU() {
	q.recvState = RecvPDU
	q.recvPhaseIsHdr = true
	q.recvOffset = 0
	q.recvCmd = nil
}

func (q *Queue) isReleased() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.released
}

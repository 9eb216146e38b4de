package nvmet

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Port is a listener handle: bound socket, accept loop, and a rotating
// CPU cursor used to place newly accepted queues round-robin across
// the scheduler's worker set.
type Port struct {
	ln                net.Listener
	sched             *Scheduler
	registry          *Registry
	executor          Executor
	ctrl              AdminController
	unmap             PageUnmapper
	nrCmdsAdmin       int
	nrCmdsMultiplier  int
	socketBufferBytes int
	requireHdgst      bool
	requireDdgst      bool
	cpus              []int
	cursor            atomic.Uint64
	log               *logrus.Entry

	mu      sync.Mutex
	closing bool
	done    chan struct{}
}

// PortConfig bundles the dependencies a port needs to turn an accepted
// connection into a running queue.
type PortConfig struct {
	Scheduler  *Scheduler
	Registry   *Registry
	Executor   Executor
	Controller AdminController
	Unmap      PageUnmapper

	// NrCmdsAdmin is the admin queue's nr_cmds, provisioned at accept
	// time since the admin queue has no negotiated submission-queue size.
	NrCmdsAdmin int
	// NrCmdsMultiplier is applied to a submission queue's size at
	// install_queue time: nr_cmds = multiplier * sq.size. The
	// wire-protocol default is 2.
	NrCmdsMultiplier int
	// SocketBufferBytes overrides ForcedSocketBufferBytes when nonzero.
	SocketBufferBytes int
	// RequireHeaderDigest/RequireDataDigest fail the icreq handshake
	// outright when the initiator doesn't offer a digest this
	// deployment requires.
	RequireHeaderDigest bool
	RequireDataDigest   bool

	CPUs []int
	Log  *logrus.Entry
}

// AddPort binds addr and starts the accept loop in a background
// goroutine. It sets no listen-socket options: the listener keeps the
// OS default backlog and socket settings.
func AddPort(addr string, cfg PortConfig) (*Port, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tl, ok := ln.(*net.TCPListener); ok {
		_ = tl // backlog is set by the OS listen(2) default here; ListenBacklog
		// documents the value this transport assumes.
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Port{
		ln:                ln,
		sched:             cfg.Scheduler,
		registry:          cfg.Registry,
		executor:          cfg.Executor,
		ctrl:              cfg.Controller,
		unmap:             cfg.Unmap,
		nrCmdsAdmin:       cfg.NrCmdsAdmin,
		nrCmdsMultiplier:  cfg.NrCmdsMultiplier,
		socketBufferBytes: cfg.SocketBufferBytes,
		requireHdgst:      cfg.RequireHeaderDigest,
		requireDdgst:      cfg.RequireDataDigest,
		cpus:              cfg.CPUs,
		log:               log.WithField("addr", addr),
		done:              make(chan struct{}),
	}
	go p.acceptLoop()
	return p, nil
}

func (p *Port) nextCPU() int {
	if len(p.cpus) == 0 {
		return 0
	}
	i := p.cursor.Add(1) - 1
	return p.cpus[int(i)%len(p.cpus)]
}

func (p *Port) acceptLoop() {
	p.log.Info("port listening")
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			p.mu.Lock()
			closing := p.closing
			p.mu.Unlock()
			if closing {
				return
			}
			p.log.WithError(err).Warn("accept failed")
			continue
		}
		p.acceptWork(conn)
	}
}

// queueOptions bundles the scheduler and operator-configured knobs
// every queue this port creates needs, whether admin or I/O.
func (p *Port) queueOptions() QueueOptions {
	return QueueOptions{
		Scheduler:           p.sched,
		SocketBufferBytes:   p.socketBufferBytes,
		RequireHeaderDigest: p.requireHdgst,
		RequireDataDigest:   p.requireDdgst,
	}
}

// acceptWork installs a freshly accepted connection as an admin queue
// (qid=0) in the CONNECTING state and puts it straight onto the
// scheduler, so the receive state machine can run the icreq/icresp
// handshake immediately. Creating further I/O queues is driven by the
// NVMe admin command set above this layer (see InstallQueue).
func (p *Port) acceptWork(conn net.Conn) {
	cpu := p.nextCPU()
	nrCmds := p.nrCmdsAdmin
	if nrCmds < 1 {
		nrCmds = 1
	}
	q := NewQueue(conn, 0, nrCmds, p.executor, p.ctrl, cpu, p.unmap, p.queueOptions(), p.log)
	p.registry.add(q)
	p.log.WithFields(logrus.Fields{"queue": q.ID.String(), "cpu": cpu}).Info("accepted connection")
	p.sched.Schedule(q)
}

// InstallQueue creates a new non-admin I/O queue on an already
// connected socket, with nr_cmds sized at NrCmdsMultiplier times the
// submission queue depth (the wire-protocol default multiplier is 2).
func (p *Port) InstallQueue(conn net.Conn, qid uint16, sqSize int) *Queue {
	cpu := p.nextCPU()
	mult := p.nrCmdsMultiplier
	if mult < 1 {
		mult = 2
	}
	nrCmds := mult * sqSize
	q := NewQueue(conn, qid, nrCmds, p.executor, p.ctrl, cpu, p.unmap, p.queueOptions(), p.log)
	p.registry.add(q)
	p.sched.Schedule(q)
	return q
}

// RemovePort reverses AddPort: stop accepting new connections and
// close the listener. In-flight queues are left running; callers that
// want a full shutdown should also call Registry.DeleteCtrl.
func (p *Port) RemovePort() error {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()
	close(p.done)
	return p.ln.Close()
}

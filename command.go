package nvmet

// SendState enumerates where a command's send-side emission currently
// sits.
type SendState int

const (
	SendIdle SendState = iota
	SendDataPDU
	SendData
	SendR2T
	SendDDGST
	SendResponse
)

func (s SendState) String() string {
	switch s {
	case SendIdle:
		return "idle"
	case SendDataPDU:
		return "data_pdu"
	case SendData:
		return "data"
	case SendR2T:
		return "r2t"
	case SendDDGST:
		return "ddgst"
	case SendResponse:
		return "response"
	default:
		return "unknown"
	}
}

// connectSlotIndex is the reserved slot used for the icreq/icresp
// handshake and the admin connect command; it is never recycled
// through the free list.
const connectSlotIndex = 0

// Command is the control block for a single NVMe operation in flight
// on a queue. Tag == its index in the pool's backing array, and is
// exactly the ttag echoed by the initiator on solicited h2c_data.
type Command struct {
	queue *Queue
	tag   uint16
	req   *Request

	// Pre-allocated PDU buffers, sized to include an optional
	// header-digest trailer. Reused across the command's lifetime so
	// the hot path never allocates.
	cmdBuf  []byte
	rspBuf  []byte
	dataBuf []byte
	r2tBuf  []byte

	rbytesDone uint32 // bytes received into req.Pages so far
	wbytesDone uint32 // bytes sent from req.Pages so far

	sendOffset uint32 // bytes emitted in the current send sub-stage
	curSG      int    // index into req.Pages for the current send/recv step
	sgOffset   uint32 // offset within req.Pages[curSG]

	recvIOV [][]byte // mapped per-page pieces for write payload reception

	expectedDDGST uint32 // captured before network receive
	receivedDDGST uint32
	sendDDGST     uint32 // precomputed when a c2h_data PDU is set up
	ddgstOutBuf   [DigestLen]byte

	discard bool // validation failed; absorb and drop any inline payload

	state SendState

	inFreeList bool
}

func (c *Command) reset() {
	c.req = nil
	c.rbytesDone = 0
	c.wbytesDone = 0
	c.sendOffset = 0
	c.curSG = 0
	c.sgOffset = 0
	c.recvIOV = nil
	c.expectedDDGST = 0
	c.receivedDDGST = 0
	c.sendDDGST = 0
	c.discard = false
	c.state = SendIdle
}

// isWrite reports whether the in-flight request needs inbound data
// from the initiator.
func (c *Command) isWrite() bool {
	return c.req != nil && c.req.Opcode == OpWrite
}

// isRead reports whether the in-flight request produces outbound data.
func (c *Command) isRead() bool {
	return c.req != nil && c.req.Opcode == OpRead
}

// SlotPool is the fixed-size per-queue array of command control blocks:
// a contiguous array indexed by tag, a free-list, and a reserved
// connect slot that never re-enters it.
type SlotPool struct {
	slots []Command
	free  []uint16 // stack of free tags; free[len-1] is the next Get()
}

// NewSlotPool allocates nrCmds slots. nrCmds is sized by the admin
// interface's install_queue as 2x the submission queue size.
func NewSlotPool(nrCmds int) *SlotPool {
	if nrCmds < 1 {
		nrCmds = 1
	}
	p := &SlotPool{
		slots: make([]Command, nrCmds),
		free:  make([]uint16, 0, nrCmds-1),
	}
	for i := range p.slots {
		p.slots[i].tag = uint16(i)
	}
	// Every slot but the reserved connect slot starts on the free list.
	// Pushed in descending order so Get() hands out ascending tags,
	// which keeps test expectations (and logs) predictable.
	for i := len(p.slots) - 1; i >= 1; i-- {
		p.slots[i].inFreeList = true
		p.free = append(p.free, uint16(i))
	}
	return p
}

// Len reports the total number of slots, i.e. nr_cmds.
func (p *SlotPool) Len() int { return len(p.slots) }

// ConnectSlot returns the reserved connect/admin slot, which is never
// handed out by Get and never accepted by Put.
func (p *SlotPool) ConnectSlot() *Command {
	return &p.slots[connectSlotIndex]
}

// Get pops a slot from the free list and resets its per-use counters.
// Returns ErrResourceExhausted when no slot is free, treated as fatal:
// the initiator promised not to oversubscribe.
func (p *SlotPool) Get() (*Command, error) {
	if len(p.free) == 0 {
		return nil, ErrResourceExhausted
	}
	tag := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	c := &p.slots[tag]
	c.inFreeList = false
	c.reset()
	return c, nil
}

// ByTag looks up a slot by its wire ttag, used for O(1) h2c_data
// dispatch.
func (p *SlotPool) ByTag(tag uint16) (*Command, bool) {
	if int(tag) >= len(p.slots) {
		return nil, false
	}
	return &p.slots[tag], true
}

// Put returns a slot to the free list, unless it is the reserved
// connect slot.
func (p *SlotPool) Put(c *Command) {
	if c == nil || c.tag == connectSlotIndex || c.inFreeList {
		return
	}
	c.inFreeList = true
	c.req = nil
	p.free = append(p.free, c.tag)
}

// InUse reports how many slots are currently allocated, for metrics
// and tests.
func (p *SlotPool) InUse() int {
	return len(p.slots) - len(p.free) - 1
}

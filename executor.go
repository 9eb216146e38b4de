package nvmet

import "context"

// Request is the executor-facing handle for a single NVMe operation in
// flight. The queue engine only ever reads TransferLen/NSID/Opcode and
// appends/consumes Pages; the executor owns everything else about how
// the operation is actually carried out against backing storage.
type Request struct {
	Queue       *Queue
	CommandID   uint16
	Opcode      Opcode
	NSID        uint32
	StartLBA    uint64
	TransferLen uint32

	// Pages is the request's scatter-gather list: for a write it is
	// filled in by the receive state machine as payload arrives, for a
	// read it is filled in by the executor before calling
	// queue_response. Pages are walked by the PDU mapping helpers.
	Pages [][]byte

	Status uint16 // completion status, set by the executor or locally on failure

	cmd *Command // back-pointer, set once the slot is allocated
}

// Executor is the external NVMe command executor consumed by the queue
// engine. It actually performs block I/O; the engine only drives its
// lifecycle and waits for queue_response.
type Executor interface {
	// ReqInit validates an inbound command against the local namespace
	// and object model, filling in TransferLen/Pages sizing hints. A
	// false return means the command failed validation and should be
	// absorbed/discarded without ever reaching ReqExecute.
	ReqInit(ctx context.Context, req *Request) bool

	// ReqExecute asynchronously performs the operation. Completion is
	// reported by calling QueueResponse(req) from any goroutine.
	ReqExecute(req *Request)

	// ReqUninit releases any executor-side resources tied to req.
	ReqUninit(req *Request)

	// ReqComplete synchronously fails req with the given status, without
	// ever calling ReqExecute or queueing a wire response: this is the
	// command-validation-failure notification, not a completion.
	ReqComplete(req *Request, status uint16)
}

// AdminController is the subset of the discovery/admin controller the
// queue engine notifies on fatal per-queue errors. Listener setup, CPU affinity policy and
// discovery registration all live above this interface and are out of
// scope here.
type AdminController interface {
	CtrlFatalError(q *Queue, err error)
}

package nvmet

import (
	"context"
	"sync"
)

// EchoExecutor is a minimal in-memory namespace executor: reads return
// a per-namespace backing byte slice (zero-initialized, or written to
// by prior writes), writes copy inbound pages into it. It exists so
// cmd/nvmet-tcpd has something runnable out of the box; the real NVMe
// command executor that performs block I/O against durable storage is
// an injected collaborator out of scope for the queue engine itself.
type EchoExecutor struct {
	mu  sync.Mutex
	nss map[uint32][]byte
}

// NewEchoExecutor constructs an executor with no pre-existing
// namespaces; namespaces are created lazily on first access, sized to
// whatever offset a command has touched so far.
func NewEchoExecutor() *EchoExecutor {
	return &EchoExecutor{nss: make(map[uint32][]byte)}
}

func (e *EchoExecutor) nsBuf(nsid uint32, minLen uint64) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf := e.nss[nsid]
	if uint64(len(buf)) < minLen {
		grown := make([]byte, minLen)
		copy(grown, buf)
		buf = grown
		e.nss[nsid] = buf
	}
	return buf
}

// ReqInit validates the request and, for a read, stages the reply
// pages up front so the send state machine has data ready by the time
// req_execute runs.
func (e *EchoExecutor) ReqInit(ctx context.Context, req *Request) bool {
	if req.Opcode != OpRead && req.Opcode != OpWrite {
		return false
	}
	if req.TransferLen == 0 {
		return false
	}
	if req.Opcode == OpRead {
		req.Pages = splitIntoPages(req.TransferLen, DefaultPageSize)
		e.mu.Lock()
		src := e.nss[req.NSID]
		e.mu.Unlock()
		var off uint64
		for _, pg := range req.Pages {
			for i := range pg {
				idx := req.StartLBA*512 + off
				if int(idx) < len(src) {
					pg[i] = src[idx]
				}
				off++
			}
		}
	}
	return true
}

// ReqExecute performs the operation synchronously (an in-memory copy
// is cheap enough not to warrant a worker pool of its own) and reports
// completion through the normal asynchronous path.
func (e *EchoExecutor) ReqExecute(req *Request) {
	if req.Opcode == OpWrite {
		minLen := req.StartLBA*512 + uint64(req.TransferLen)
		buf := e.nsBuf(req.NSID, minLen)
		off := req.StartLBA * 512
		e.mu.Lock()
		var written uint64
		for _, pg := range req.Pages {
			copy(buf[off+written:], pg)
			written += uint64(len(pg))
		}
		e.mu.Unlock()
	}
	req.Status = StatusSuccess
	req.Queue.queueResponse(req)
}

func (e *EchoExecutor) ReqUninit(req *Request) {
	req.Pages = nil
}

// ReqComplete is the synchronous command-validation-failure path: the
// queue engine has already decided to discard the command without a
// wire response, so this just records the status for diagnostics.
func (e *EchoExecutor) ReqComplete(req *Request, status uint16) {
	req.Status = status
}

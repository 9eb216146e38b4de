package nvmet

import "encoding/binary"

// writeDirectPartial performs one polling write attempt against buf,
// resuming from cmd.sendOffset. Used for the admin queue, which never
// uses caravans, and for the icresp handshake reply.
func (q *Queue) writeDirectPartial(cmd *Command, buf []byte) (bool, error) {
	if cmd.sendOffset >= uint32(len(buf)) {
		cmd.sendOffset = 0
		return true, nil
	}
	n, err := q.sock.tryWrite(buf[cmd.sendOffset:])
	if err != nil {
		return false, err
	}
	cmd.sendOffset += uint32(n)
	if cmd.sendOffset >= uint32(len(buf)) {
		cmd.sendOffset = 0
		return true, nil
	}
	return false, ErrAgain
}

// fetchNextSendCommand returns the command currently being dispatched
// by the send state machine, pulling a fresh one from the response
// inbox (via respSendList, which preserves arrival order across
// budget-limited drains) and classifying its starting state.
func (q *Queue) fetchNextSendCommand() *Command {
	if q.sndCmd != nil {
		return q.sndCmd
	}
	if drained := q.inbox.drain(); len(drained) > 0 {
		q.respSendList = append(q.respSendList, drained...)
	}
	if len(q.respSendList) == 0 {
		return nil
	}
	cmd := q.respSendList[0]
	q.respSendList = q.respSendList[1:]

	switch {
	case cmd.isRead():
		cmd.state = SendDataPDU
	case cmd.isWrite() && cmd.rbytesDone < cmd.req.TransferLen:
		cmd.state = SendR2T
	default:
		cmd.state = SendResponse
	}
	q.sndCmd = cmd
	return cmd
}

// sendStep advances the send state machine by one emission attempt,
// returning whether it made progress this pass.
func (q *Queue) sendStep() (bool, error) {
	cmd := q.fetchNextSendCommand()
	if cmd == nil {
		return false, nil
	}
	switch cmd.state {
	case SendDataPDU:
		return q.sendDataPDU(cmd)
	case SendData:
		return q.sendData(cmd)
	case SendR2T:
		return q.sendR2T(cmd)
	case SendDDGST:
		return q.sendDDGSTStep(cmd)
	case SendResponse:
		return q.sendResponseStep(cmd)
	default:
		q.sndCmd = nil
		return false, nil
	}
}

// emitOrRollback appends segs into the queue's caravan car; the admin
// queue has no caravans, so its callers write directly instead of
// calling this. On a full caravan it rolls back (sets sendNow, returns
// ErrAgain) leaving cmd's state untouched for the next pass.
func (q *Queue) emitOrRollback(car *caravan, segs [][]byte, owner *Command, pages [][]byte) (bool, error) {
	total := 0
	for _, s := range segs {
		total += len(s)
	}
	if car.wouldOverflow(total, len(segs), boolToInt(owner != nil), len(pages)) {
		car.sendNow = true
		return false, ErrAgain
	}
	car.append(segs, owner, pages)
	return true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// buildDataPDUHeader lazily constructs the c2h_data header for a read
// reply and precomputes its data-digest trailer up front over the
// source pages rather than streaming it.
func (q *Queue) buildDataPDUHeader(cmd *Command) {
	hdgstLen := 0
	if q.hdgstEnabled {
		hdgstLen = DigestLen
	}
	if cmd.dataBuf == nil {
		cmd.dataBuf = make([]byte, CommonHeaderLen+C2HDataBodyLen+hdgstLen)
	}
	ddgstLen := 0
	if q.ddgstEnabled {
		ddgstLen = DigestLen
		cmd.sendDDGST = digestPages(q.digester, cmd.req.Pages, cmd.req.TransferLen)
	}
	plen := uint32(len(cmd.dataBuf)) + cmd.req.TransferLen + uint32(ddgstLen)
	hdr := CommonHeader{Type: PDUTypeC2HData, HLen: C2HDataBodyLen, PLen: plen}
	if hdgstLen > 0 {
		hdr.Flags |= PDUFlagHDGST
	}
	if ddgstLen > 0 {
		hdr.Flags |= PDUFlagDDGST
	}
	hdr.Encode(cmd.dataBuf[0:CommonHeaderLen])
	body := C2HDataHdr{CommandID: cmd.req.CommandID, DataOffset: 0, DataLength: cmd.req.TransferLen}
	body.Encode(cmd.dataBuf[CommonHeaderLen : CommonHeaderLen+C2HDataBodyLen])
	if hdgstLen > 0 {
		q.digester.Reset()
		q.digester.Write(cmd.dataBuf[:CommonHeaderLen+C2HDataBodyLen])
		binary.LittleEndian.PutUint32(cmd.dataBuf[CommonHeaderLen+C2HDataBodyLen:], q.digester.Sum32())
	}
}

func (q *Queue) sendDataPDU(cmd *Command) (bool, error) {
	if cmd.sendOffset == 0 {
		q.buildDataPDUHeader(cmd)
	}
	if q.isAdmin() {
		done, err := q.writeDirectPartial(cmd, cmd.dataBuf)
		if err != nil {
			return false, err
		}
		if !done {
			return false, nil
		}
		cmd.state = SendData
		return true, nil
	}
	ok, err := q.emitOrRollback(q.caravans[caravanC1], [][]byte{cmd.dataBuf}, nil, nil)
	if !ok {
		return false, err
	}
	cmd.state = SendData
	return true, nil
}

// sendData walks the read reply's scatter-gather list one page per
// step.
func (q *Queue) sendData(cmd *Command) (bool, error) {
	if cmd.curSG >= len(cmd.req.Pages) {
		if q.ddgstEnabled {
			cmd.state = SendDDGST
		} else {
			cmd.state = SendResponse
		}
		return true, nil
	}
	page := cmd.req.Pages[cmd.curSG]
	if q.isAdmin() {
		done, err := q.writeDirectPartial(cmd, page)
		if err != nil {
			return false, err
		}
		if !done {
			return false, nil
		}
		cmd.wbytesDone += uint32(len(page))
		cmd.curSG++
		return true, nil
	}
	ok, err := q.emitOrRollback(q.caravans[caravanC1], [][]byte{page}, nil, [][]byte{page})
	if !ok {
		return false, err
	}
	cmd.wbytesDone += uint32(len(page))
	cmd.curSG++
	return true, nil
}

func (q *Queue) sendDDGSTStep(cmd *Command) (bool, error) {
	binary.LittleEndian.PutUint32(cmd.ddgstOutBuf[:], cmd.sendDDGST)
	buf := cmd.ddgstOutBuf[:]
	if q.isAdmin() {
		done, err := q.writeDirectPartial(cmd, buf)
		if err != nil {
			return false, err
		}
		if !done {
			return false, nil
		}
		cmd.state = SendResponse
		return true, nil
	}
	ok, err := q.emitOrRollback(q.caravans[caravanC1], [][]byte{buf}, nil, nil)
	if !ok {
		return false, err
	}
	cmd.state = SendResponse
	return true, nil
}

// sendR2T solicits the write payload a command didn't carry inline.
// The command stays allocated (it is not an owner of the append, since
// its lifecycle isn't finished) and the send state machine releases
// sndCmd so the scheduler can start dispatching the next command.
func (q *Queue) sendR2T(cmd *Command) (bool, error) {
	hdgstLen := 0
	if q.hdgstEnabled {
		hdgstLen = DigestLen
	}
	if cmd.r2tBuf == nil {
		cmd.r2tBuf = make([]byte, CommonHeaderLen+R2TBodyLen+hdgstLen)
		hdr := CommonHeader{Type: PDUTypeR2T, HLen: R2TBodyLen, PLen: uint32(len(cmd.r2tBuf))}
		if hdgstLen > 0 {
			hdr.Flags |= PDUFlagHDGST
		}
		hdr.Encode(cmd.r2tBuf[0:CommonHeaderLen])
		body := R2THdr{TTag: cmd.tag, R2TOffset: cmd.rbytesDone, R2TLength: cmd.req.TransferLen - cmd.rbytesDone}
		body.Encode(cmd.r2tBuf[CommonHeaderLen : CommonHeaderLen+R2TBodyLen])
		if hdgstLen > 0 {
			q.digester.Reset()
			q.digester.Write(cmd.r2tBuf[:CommonHeaderLen+R2TBodyLen])
			binary.LittleEndian.PutUint32(cmd.r2tBuf[CommonHeaderLen+R2TBodyLen:], q.digester.Sum32())
		}
	}
	if q.isAdmin() {
		done, err := q.writeDirectPartial(cmd, cmd.r2tBuf)
		if err != nil {
			return false, err
		}
		if !done {
			return false, nil
		}
		cmd.r2tBuf = nil
		cmd.state = SendIdle
		q.sndCmd = nil
		return true, nil
	}
	ok, err := q.emitOrRollback(q.caravans[caravanC2], [][]byte{cmd.r2tBuf}, nil, nil)
	if !ok {
		return false, err
	}
	cmd.r2tBuf = nil
	cmd.state = SendIdle
	q.sndCmd = nil
	return true, nil
}

// sendResponseStep emits the completion capsule, transferring
// commit-on-flush ownership of the command to whichever caravan the
// response lands in: C1 for a write-side completion, C2 for a read
// completion. The admin queue releases the command immediately since
// it writes directly with no caravan to defer to.
func (q *Queue) sendResponseStep(cmd *Command) (bool, error) {
	if cmd.sendOffset == 0 {
		hdgstLen := 0
		if q.hdgstEnabled {
			hdgstLen = DigestLen
		}
		if cmd.rspBuf == nil {
			cmd.rspBuf = make([]byte, CommonHeaderLen+CapsuleRspBodyLen+hdgstLen)
		}
		hdr := CommonHeader{Type: PDUTypeCapsuleRsp, HLen: CapsuleRspBodyLen, PLen: uint32(len(cmd.rspBuf))}
		if hdgstLen > 0 {
			hdr.Flags |= PDUFlagHDGST
		}
		hdr.Encode(cmd.rspBuf[0:CommonHeaderLen])
		status := cmd.req.Status
		rsp := CapsuleRsp{CommandID: cmd.req.CommandID, Status: status}
		rsp.Encode(cmd.rspBuf[CommonHeaderLen : CommonHeaderLen+CapsuleRspBodyLen])
		if hdgstLen > 0 {
			q.digester.Reset()
			q.digester.Write(cmd.rspBuf[:CommonHeaderLen+CapsuleRspBodyLen])
			binary.LittleEndian.PutUint32(cmd.rspBuf[CommonHeaderLen+CapsuleRspBodyLen:], q.digester.Sum32())
		}
	}

	if q.isAdmin() {
		done, err := q.writeDirectPartial(cmd, cmd.rspBuf)
		if err != nil {
			return false, err
		}
		if !done {
			return false, nil
		}
		q.executor.ReqUninit(cmd.req)
		cmd.req = nil
		q.pool.Put(cmd)
		q.sndCmd = nil
		return true, nil
	}

	var car *caravan
	if cmd.isWrite() {
		car = q.caravans[caravanC1]
	} else {
		car = q.caravans[caravanC2]
	}
	ok, err := q.emitOrRollback(car, [][]byte{cmd.rspBuf}, cmd, nil)
	if !ok {
		return false, err
	}
	q.sndCmd = nil
	return true, nil
}

package nvmet

import (
	"context"
	"encoding/binary"
)

// recvStep advances the receive state machine by at most one socket
// read, returning whether it made progress (so the scheduler's budget
// loop knows whether to keep spinning) and any fatal error.
// ErrAgain is swallowed here: it just means this step made no
// progress this pass.
func (q *Queue) recvStep() (bool, error) {
	switch q.recvState {
	case RecvPDU:
		return q.recvStepPDU()
	case RecvData:
		return q.recvStepData()
	case RecvDDGST:
		return q.recvStepDDGST()
	default:
		return false, nil
	}
}

// recvStepPDU fills the fixed common header, then the type-specific
// body (plus an optional header-digest trailer), one polling read at a
// time, dispatching once the body is fully buffered.
func (q *Queue) recvStepPDU() (bool, error) {
	var target []byte
	if q.recvPhaseIsHdr {
		target = q.recvHdrBuf[:]
	} else {
		target = q.recvBody[:q.recvBodyNeed]
	}

	if q.recvOffset < len(target) {
		n, err := q.sock.tryRead(target[q.recvOffset:])
		if err != nil {
			if err == ErrAgain {
				return false, nil
			}
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		q.recvOffset += n
		if q.recvOffset < len(target) {
			return true, nil
		}
	}

	if q.recvPhaseIsHdr {
		hdr, err := DecodeCommonHeader(q.recvHdrBuf[:])
		if err != nil {
			q.fatal(err)
			return false, err
		}
		bodyLen, ok := expectedBodyLen(hdr.Type)
		if !ok {
			q.fatal(ErrUnsupportedPDU)
			return false, ErrUnsupportedPDU
		}
		if int(hdr.HLen) != bodyLen {
			q.fatal(ErrBadHeaderLength)
			return false, ErrBadHeaderLength
		}
		q.recvHdr = hdr
		need := bodyLen
		if hdr.HasHeaderDigest() {
			need += DigestLen
		}
		if need > len(q.recvBody) {
			q.recvBody = make([]byte, need)
		}
		q.recvBodyNeed = need
		q.recvPhaseIsHdr = false
		q.recvOffset = 0
		return true, nil
	}

	return q.dispatchPDU()
}

// verifyHeaderDigest checks the trailing CRC32C over the common header
// plus the type-specific body.
func (q *Queue) verifyHeaderDigest(bodyLen int) error {
	if !q.recvHdr.HasHeaderDigest() {
		return nil
	}
	trailer := q.recvBody[bodyLen : bodyLen+DigestLen]
	got := binary.LittleEndian.Uint32(trailer)
	q.digester.Reset()
	q.digester.Write(q.recvHdrBuf[:])
	q.digester.Write(q.recvBody[:bodyLen])
	if q.digester.Sum32() != got {
		return ErrDigestMismatch
	}
	return nil
}

// dispatchPDU handles a fully-buffered header+body by routing on PDU
// type, and is reached exactly once per inbound PDU's header/body
// phase.
func (q *Queue) dispatchPDU() (bool, error) {
	bodyLen, _ := expectedBodyLen(q.recvHdr.Type)
	if err := q.verifyHeaderDigest(bodyLen); err != nil {
		q.fatal(err)
		return false, err
	}
	// icreq precedes digest negotiation, so it's exempt; every other
	// inbound PDU must set DDGST consistently with what icreq settled on.
	if q.recvHdr.Type != PDUTypeICReq && q.recvHdr.HasDataDigest() != q.ddgstEnabled {
		q.fatal(ErrDigestMismatch)
		return false, ErrDigestMismatch
	}
	body := q.recvBody[:bodyLen]

	switch q.recvHdr.Type {
	case PDUTypeICReq:
		return q.handleICReq(body)
	case PDUTypeCapsuleCmd:
		return q.handleCapsuleCmd(body)
	case PDUTypeH2CData:
		return q.handleH2CData(body)
	default:
		q.fatal(ErrUnsupportedPDU)
		return false, ErrUnsupportedPDU
	}
}

// handleICReq runs the initial-connection handshake: validate the
// fixed parameters this target requires, latch the negotiated digest
// options, and answer synchronously with icresp before moving the
// queue to LIVE.
func (q *Queue) handleICReq(body []byte) (bool, error) {
	if q.State() != QueueConnecting {
		q.fatal(ErrNotConnecting)
		return false, ErrNotConnecting
	}
	req, err := DecodeICReq(body)
	if err != nil {
		q.fatal(err)
		return false, err
	}
	if req.PFV != ProtocolFabricVersion || req.HPDA != HPDA || req.MaxR2T != 0 {
		q.fatal(ErrUnsupportedICReq)
		return false, ErrUnsupportedICReq
	}

	q.hdgstEnabled = req.Digest&PDUFlagHDGST != 0
	q.ddgstEnabled = req.Digest&PDUFlagDDGST != 0
	if q.requireHdgst && !q.hdgstEnabled {
		q.fatal(ErrUnsupportedICReq)
		return false, ErrUnsupportedICReq
	}
	if q.requireDdgst && !q.ddgstEnabled {
		q.fatal(ErrUnsupportedICReq)
		return false, ErrUnsupportedICReq
	}

	resp := ICResp{
		PFV:     ProtocolFabricVersion,
		CPDA:    CPDA,
		Digest:  req.Digest,
		MaxData: DefaultInlineDataSize,
	}
	slot := q.pool.ConnectSlot()
	if slot.rspBuf == nil {
		slot.rspBuf = make([]byte, CommonHeaderLen+ICRespBodyLen)
	}
	hdr := CommonHeader{Type: PDUTypeICResp, HLen: ICRespBodyLen, PLen: uint32(len(slot.rspBuf))}
	hdr.Encode(slot.rspBuf[0:CommonHeaderLen])
	resp.Encode(slot.rspBuf[CommonHeaderLen:])

	slot.sendOffset = 0
	for {
		done, err := q.writeDirectPartial(slot, slot.rspBuf)
		if err != nil {
			if err == ErrAgain {
				continue
			}
			q.fatal(err)
			return false, err
		}
		if done {
			break
		}
	}

	q.setState(QueueLive)
	q.prepareReceivePDU()
	return true, nil
}

// handleH2CData looks up the command the initiator is resuming with
// solicited write data, validates it's picking up exactly where the
// target left off, and arms RECV_DATA.
func (q *Queue) handleH2CData(body []byte) (bool, error) {
	hdr, err := DecodeH2CDataHdr(body)
	if err != nil {
		q.fatal(err)
		return false, err
	}
	cmd, ok := q.pool.ByTag(hdr.TTag)
	if !ok || cmd.req == nil {
		q.fatal(ErrUnknownTag)
		return false, ErrUnknownTag
	}
	if hdr.DataOffset != cmd.rbytesDone {
		q.fatal(ErrUnexpectedOffset)
		return false, ErrUnexpectedOffset
	}

	cmd.recvIOV = mapWriteIOV(cmd.req.Pages, cmd.rbytesDone)
	cmd.curSG = 0
	cmd.sgOffset = 0
	q.recvCmd = cmd
	q.recvDataRemaining = int(hdr.DataLength)
	q.recvState = RecvData
	return true, nil
}

// handleCapsuleCmd allocates a command slot for a freshly arrived
// submission, asks the executor to validate it, then branches into the
// inline-write / solicited-write / read-or-no-data paths.
func (q *Queue) handleCapsuleCmd(body []byte) (bool, error) {
	capsule, err := DecodeCapsuleCmd(body)
	if err != nil {
		q.fatal(err)
		return false, err
	}
	cmd, err := q.pool.Get()
	if err != nil {
		q.fatal(err)
		return false, err
	}

	req := &Request{
		Queue:       q,
		CommandID:   capsule.CommandID,
		Opcode:      capsule.Opcode,
		NSID:        capsule.NSID,
		StartLBA:    capsule.StartLBA,
		TransferLen: capsule.TransferLen,
		cmd:         cmd,
	}
	cmd.req = req

	ok := q.executor.ReqInit(context.Background(), req)
	if !ok {
		if capsule.Opcode == OpWrite && capsule.InlineData && capsule.TransferLen > 0 {
			cmd.discard = true
			cmd.recvIOV = [][]byte{make([]byte, capsule.TransferLen)}
			cmd.curSG = 0
			cmd.sgOffset = 0
			q.recvCmd = cmd
			q.recvDataRemaining = int(capsule.TransferLen)
			q.recvState = RecvData
			return true, nil
		}
		q.executor.ReqComplete(req, StatusInvalidField|StatusDNR)
		cmd.req = nil
		q.pool.Put(cmd)
		q.prepareReceivePDU()
		return true, nil
	}

	if capsule.Opcode == OpWrite {
		if req.Pages == nil {
			req.Pages = splitIntoPages(capsule.TransferLen, DefaultPageSize)
		}
		if capsule.InlineData {
			cmd.recvIOV = mapWriteIOV(req.Pages, 0)
			cmd.curSG = 0
			cmd.sgOffset = 0
			q.recvCmd = cmd
			q.recvDataRemaining = int(capsule.TransferLen)
			q.recvState = RecvData
			return true, nil
		}
		// No inline data: the command needs its payload solicited. Hand
		// it straight to the response path; the send state machine
		// classifies it into SEND_R2T because it is a write still
		// missing bytes.
		q.inbox.push(cmd)
		q.prepareReceivePDU()
		return true, nil
	}

	q.executor.ReqExecute(req)
	q.prepareReceivePDU()
	return true, nil
}

// recvStepData absorbs one scatter element of write payload per call,
// advancing rbytes_done, and transitions to RECV_DDGST or straight to
// execution once the full transfer has landed.
func (q *Queue) recvStepData() (bool, error) {
	cmd := q.recvCmd
	if cmd == nil {
		q.prepareReceivePDU()
		return false, nil
	}
	if q.recvDataRemaining > 0 {
		if cmd.curSG >= len(cmd.recvIOV) {
			q.fatal(ErrProtocol)
			return false, ErrProtocol
		}
		seg := cmd.recvIOV[cmd.curSG]
		dst := seg[cmd.sgOffset:]
		if len(dst) > q.recvDataRemaining {
			dst = dst[:q.recvDataRemaining]
		}
		n, err := q.sock.tryRead(dst)
		if err != nil {
			if err == ErrAgain {
				return false, nil
			}
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		cmd.sgOffset += uint32(n)
		cmd.rbytesDone += uint32(n)
		q.recvDataRemaining -= n
		if cmd.sgOffset >= uint32(len(seg)) {
			cmd.curSG++
			cmd.sgOffset = 0
		}
		return true, nil
	}

	cmd.recvIOV = nil
	if cmd.discard {
		q.executor.ReqComplete(cmd.req, StatusInvalidField|StatusDNR)
		cmd.req = nil
		q.pool.Put(cmd)
		q.prepareReceivePDU()
		return true, nil
	}
	if q.ddgstEnabled {
		cmd.expectedDDGST = digestPages(q.digester, cmd.req.Pages, cmd.rbytesDone)
		q.recvState = RecvDDGST
		q.recvDDGSTOffset = 0
		return true, nil
	}
	q.executor.ReqExecute(cmd.req)
	q.prepareReceivePDU()
	return true, nil
}

// recvStepDDGST reads the trailing data-digest CRC32C and compares it
// against the value computed as the payload landed.
func (q *Queue) recvStepDDGST() (bool, error) {
	cmd := q.recvCmd
	if cmd == nil {
		q.prepareReceivePDU()
		return false, nil
	}
	if q.recvDDGSTOffset < DigestLen {
		n, err := q.sock.tryRead(q.recvDDGSTBuf[q.recvDDGSTOffset:])
		if err != nil {
			if err == ErrAgain {
				return false, nil
			}
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		q.recvDDGSTOffset += n
		if q.recvDDGSTOffset < DigestLen {
			return true, nil
		}
	}

	cmd.receivedDDGST = binary.LittleEndian.Uint32(q.recvDDGSTBuf[:])
	if cmd.receivedDDGST != cmd.expectedDDGST {
		q.fatal(ErrDigestMismatch)
		return false, ErrDigestMismatch
	}
	q.executor.ReqExecute(cmd.req)
	q.prepareReceivePDU()
	return true, nil
}

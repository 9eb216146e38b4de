package nvmet

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopbackPair returns two ends of a real TCP connection. Unlike
// net.Pipe, a TCP loopback socket has a kernel send/receive buffer, so
// tryRead's "arm an immediate deadline, then read" polling trick
// behaves the way it does against a real NIC: already-buffered bytes
// are still returned despite the expired deadline.
func loopbackPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptCh <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = <-acceptCh
	require.NotNil(t, server)
	return server, client
}

// pumpInBackground continuously drives a queue's receive/send state
// machines, mimicking the scheduler's per-pass budgeted loop, so a
// test can drive a conversation over the wire without manually
// interleaving scheduler ticks with socket reads/writes.
func pumpInBackground(t *testing.T, q *Queue) (stop func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if q.isReleased() {
					return
				}
				_, _ = tryRecv(q, RecvBudget)
				_, _ = trySend(q, SendBudget)
			}
		}
	}()
	return func() { close(done) }
}

type nullExecutor struct{}

func (nullExecutor) ReqInit(ctx context.Context, req *Request) bool {
	if req.Opcode == OpRead {
		req.Pages = splitIntoPages(req.TransferLen, DefaultPageSize)
	}
	return true
}
func (nullExecutor) ReqExecute(req *Request)                        { req.Queue.queueResponse(req) }
func (nullExecutor) ReqUninit(req *Request)                         {}
func (nullExecutor) ReqComplete(req *Request, status uint16)        {}

func encodeICReq(hdgst, ddgst bool) []byte {
	buf := make([]byte, CommonHeaderLen+ICReqBodyLen)
	hdr := CommonHeader{Type: PDUTypeICReq, HLen: ICReqBodyLen, PLen: uint32(len(buf))}
	hdr.Encode(buf[:CommonHeaderLen])
	var digest uint8
	if hdgst {
		digest |= PDUFlagHDGST
	}
	if ddgst {
		digest |= PDUFlagDDGST
	}
	req := ICReq{PFV: ProtocolFabricVersion, HPDA: HPDA, Digest: digest, MaxR2T: 0}
	req.Encode(buf[CommonHeaderLen:])
	return buf
}

func TestHandshakeTransitionsToLive(t *testing.T) {
	server, client := loopbackPair(t)
	defer server.Close()
	defer client.Close()

	q := NewQueue(server, 0, 4, nullExecutor{}, nil, 0, nil, QueueOptions{}, nil)
	stop := pumpInBackground(t, q)
	defer stop()

	_, err := client.Write(encodeICReq(false, false))
	require.NoError(t, err)

	respHdr := make([]byte, CommonHeaderLen)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(client, respHdr)
	require.NoError(t, err)
	hdr, err := DecodeCommonHeader(respHdr)
	require.NoError(t, err)
	assert.Equal(t, PDUTypeICResp, hdr.Type)

	body := make([]byte, ICRespBodyLen)
	_, err = io.ReadFull(client, body)
	require.NoError(t, err)
	resp, err := DecodeICResp(body)
	require.NoError(t, err)
	assert.EqualValues(t, ProtocolFabricVersion, resp.PFV)

	assert.Eventually(t, func() bool { return q.State() == QueueLive }, time.Second, time.Millisecond)
}

func TestBadHeaderLengthIsFatal(t *testing.T) {
	server, client := loopbackPair(t)
	defer server.Close()
	defer client.Close()

	q := NewQueue(server, 0, 4, nullExecutor{}, nil, 0, nil, QueueOptions{}, nil)
	stop := pumpInBackground(t, q)
	defer stop()

	buf := make([]byte, CommonHeaderLen+ICReqBodyLen)
	hdr := CommonHeader{Type: PDUTypeICReq, HLen: ICReqBodyLen + 1, PLen: uint32(len(buf))}
	hdr.Encode(buf[:CommonHeaderLen])
	_, err := client.Write(buf)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return q.recvState == RecvErr }, time.Second, time.Millisecond)
	assert.Equal(t, QueueDisconnecting, q.State())
}

func TestIOQueueReadRoundTrip(t *testing.T) {
	server, client := loopbackPair(t)
	defer server.Close()
	defer client.Close()

	registry := NewRegistry()
	q := NewQueue(server, 1, 4, nullExecutor{}, nil, 0, nil, QueueOptions{}, nil)
	registry.add(q)
	q.setState(QueueLive)
	stop := pumpInBackground(t, q)
	defer stop()

	cmdBuf := make([]byte, CommonHeaderLen+CapsuleCmdBodyLen)
	hdr := CommonHeader{Type: PDUTypeCapsuleCmd, HLen: CapsuleCmdBodyLen, PLen: uint32(len(cmdBuf))}
	hdr.Encode(cmdBuf[:CommonHeaderLen])
	capsule := CapsuleCmd{Opcode: OpRead, CommandID: 42, NSID: 1, TransferLen: 64, StartLBA: 0}
	capsule.Encode(cmdBuf[CommonHeaderLen:])

	_, err := client.Write(cmdBuf)
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(3*time.Second)))

	dataHdr := make([]byte, CommonHeaderLen)
	_, err = io.ReadFull(client, dataHdr)
	require.NoError(t, err)
	dh, err := DecodeCommonHeader(dataHdr)
	require.NoError(t, err)
	assert.Equal(t, PDUTypeC2HData, dh.Type)

	body := make([]byte, C2HDataBodyLen)
	_, err = io.ReadFull(client, body)
	require.NoError(t, err)

	payload := make([]byte, 64)
	_, err = io.ReadFull(client, payload)
	require.NoError(t, err)

	rspHdr := make([]byte, CommonHeaderLen)
	_, err = io.ReadFull(client, rspHdr)
	require.NoError(t, err)
	rh, err := DecodeCommonHeader(rspHdr)
	require.NoError(t, err)
	assert.Equal(t, PDUTypeCapsuleRsp, rh.Type)

	rspBody := make([]byte, CapsuleRspBodyLen)
	_, err = io.ReadFull(client, rspBody)
	require.NoError(t, err)
	rsp, err := DecodeCapsuleRsp(rspBody)
	require.NoError(t, err)
	assert.EqualValues(t, 42, rsp.CommandID)
	assert.EqualValues(t, StatusSuccess, rsp.Status)

	assert.Eventually(t, func() bool { return q.pool.InUse() == 0 }, time.Second, time.Millisecond)
}

func TestSolicitedWriteRoundTrip(t *testing.T) {
	server, client := loopbackPair(t)
	defer server.Close()
	defer client.Close()

	q := NewQueue(server, 1, 4, nullExecutor{}, nil, 0, nil, QueueOptions{}, nil)
	q.setState(QueueLive)
	stop := pumpInBackground(t, q)
	defer stop()

	cmdBuf := make([]byte, CommonHeaderLen+CapsuleCmdBodyLen)
	hdr := CommonHeader{Type: PDUTypeCapsuleCmd, HLen: CapsuleCmdBodyLen, PLen: uint32(len(cmdBuf))}
	hdr.Encode(cmdBuf[:CommonHeaderLen])
	capsule := CapsuleCmd{Opcode: OpWrite, CommandID: 7, NSID: 1, TransferLen: 4096, StartLBA: 0, InlineData: false}
	capsule.Encode(cmdBuf[CommonHeaderLen:])
	_, err := client.Write(cmdBuf)
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(3*time.Second)))

	r2tHdr := make([]byte, CommonHeaderLen)
	_, err = io.ReadFull(client, r2tHdr)
	require.NoError(t, err)
	rh, err := DecodeCommonHeader(r2tHdr)
	require.NoError(t, err)
	assert.Equal(t, PDUTypeR2T, rh.Type)

	r2tBody := make([]byte, R2TBodyLen)
	_, err = io.ReadFull(client, r2tBody)
	require.NoError(t, err)
	tag := binary.LittleEndian.Uint16(r2tBody[0:2])

	dataHdrBuf := make([]byte, CommonHeaderLen+H2CDataBodyLen)
	h2cHdr := CommonHeader{Type: PDUTypeH2CData, HLen: H2CDataBodyLen, PLen: uint32(len(dataHdrBuf)) + 4096}
	h2cHdr.Encode(dataHdrBuf[:CommonHeaderLen])
	binary.LittleEndian.PutUint16(dataHdrBuf[CommonHeaderLen:], tag)
	binary.LittleEndian.PutUint32(dataHdrBuf[CommonHeaderLen+4:], 0)
	binary.LittleEndian.PutUint32(dataHdrBuf[CommonHeaderLen+8:], 4096)
	_, err = client.Write(dataHdrBuf)
	require.NoError(t, err)
	_, err = client.Write(make([]byte, 4096))
	require.NoError(t, err)

	rspHdr := make([]byte, CommonHeaderLen)
	_, err = io.ReadFull(client, rspHdr)
	require.NoError(t, err)
	decoded, err := DecodeCommonHeader(rspHdr)
	require.NoError(t, err)
	assert.Equal(t, PDUTypeCapsuleRsp, decoded.Type)

	assert.Eventually(t, func() bool { return q.pool.InUse() == 0 }, time.Second, time.Millisecond)
}

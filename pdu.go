package nvmet

import (
	"encoding/binary"
	"fmt"
)

// PDU types recognized on the wire. Values follow the NVMe-over-TCP
// transport binding's type field; only the subset this target speaks
// is enumerated.
type PDUType uint8

const (
	PDUTypeICReq      PDUType = 0x00 // initial connection request (inbound)
	PDUTypeICResp     PDUType = 0x01 // initial connection response (outbound)
	PDUTypeCapsuleCmd PDUType = 0x04 // command capsule (inbound)
	PDUTypeCapsuleRsp PDUType = 0x05 // response (outbound)
	PDUTypeH2CData    PDUType = 0x06 // host-to-controller data (inbound)
	PDUTypeC2HData    PDUType = 0x07 // controller-to-host data (outbound)
	PDUTypeR2T        PDUType = 0x09 // ready-to-transfer (outbound)
)

func (t PDUType) String() string {
	switch t {
	case PDUTypeICReq:
		return "icreq"
	case PDUTypeICResp:
		return "icresp"
	case PDUTypeCapsuleCmd:
		return "cmd"
	case PDUTypeCapsuleRsp:
		return "rsp"
	case PDUTypeH2CData:
		return "h2c_data"
	case PDUTypeC2HData:
		return "c2h_data"
	case PDUTypeR2T:
		return "r2t"
	default:
		return fmt.Sprintf("pdu-type(0x%02x)", uint8(t))
	}
}

// PDU flag bits, carried in the common header.
const (
	PDUFlagHDGST uint8 = 1 << 0 // header digest trailer present
	PDUFlagDDGST uint8 = 1 << 1 // data digest trailer present
)

// Transport constants fixed by this target's NVMe/TCP profile.
const (
	TransportTypeID  = 4
	MaxOutstandingR2T = 1
	ProtocolFabricVersion = 1 // pfv, fixed-point major
	CPDA             = 0
	HPDA             = 0
	DefaultPageSize  = 4096
	DefaultInlineDataSize = 4 * DefaultPageSize
	ForcedSocketBufferBytes = 8 << 20 // 8 MiB
	ListenBacklog    = 128
)

// DigestLen is the size in bytes of a CRC32C trailer.
const DigestLen = 4

// CommonHeaderLen is the fixed-size prefix shared by every PDU:
// {type, flags, hlen, pdo, plen}.
const CommonHeaderLen = 8

// Fixed body sizes used to validate an inbound PDU's hlen field. Only
// icreq, cmd and h2c_data arrive from the initiator.
const (
	ICReqBodyLen      = 128 - CommonHeaderLen
	ICRespBodyLen      = 128 - CommonHeaderLen
	CapsuleCmdBodyLen = 64
	H2CDataBodyLen    = 24
	C2HDataBodyLen    = 24
	R2TBodyLen        = 24
	CapsuleRspBodyLen = 16
)

// CommonHeader is the fixed layout shared by every PDU type.
type CommonHeader struct {
	Type  PDUType
	Flags uint8
	HLen  uint8 // header length, body only, excludes CommonHeaderLen
	PDO   uint8 // pad/data offset into the PDU where payload begins
	PLen  uint32 // total PDU length including header, digests and payload
}

// Encode writes the 8-byte common header in little-endian wire order.
func (h CommonHeader) Encode(buf []byte) {
	_ = buf[CommonHeaderLen-1]
	buf[0] = uint8(h.Type)
	buf[1] = h.Flags
	buf[2] = h.HLen
	buf[3] = h.PDO
	binary.LittleEndian.PutUint32(buf[4:8], h.PLen)
}

// DecodeCommonHeader parses the fixed 8-byte prefix of any PDU.
func DecodeCommonHeader(buf []byte) (CommonHeader, error) {
	if len(buf) < CommonHeaderLen {
		return CommonHeader{}, fmt.Errorf("%w: short header (%d bytes)", ErrProtocol, len(buf))
	}
	return CommonHeader{
		Type:  PDUType(buf[0]),
		Flags: buf[1],
		HLen:  buf[2],
		PDO:   buf[3],
		PLen:  binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

func (h CommonHeader) HasHeaderDigest() bool { return h.Flags&PDUFlagHDGST != 0 }
func (h CommonHeader) HasDataDigest() bool   { return h.Flags&PDUFlagDDGST != 0 }

// expectedBodyLen returns the fixed body size (excluding the common
// header) that hlen must equal for a given inbound PDU type. Returns
// false for unrecognized types.
func expectedBodyLen(t PDUType) (int, bool) {
	switch t {
	case PDUTypeICReq:
		return ICReqBodyLen, true
	case PDUTypeCapsuleCmd:
		return CapsuleCmdBodyLen, true
	case PDUTypeH2CData:
		return H2CDataBodyLen, true
	default:
		return 0, false
	}
}

// ICReq is the handshake request body. Fields beyond pfv/hpda/maxr2t
// and the digest bitmap are reserved/zero on the wire and not retained.
type ICReq struct {
	PFV    uint16
	HPDA   uint8
	Digest uint8 // bitmap: PDUFlagHDGST | PDUFlagDDGST, which the initiator offers
	MaxR2T uint32
}

func DecodeICReq(body []byte) (ICReq, error) {
	if len(body) < 8 {
		return ICReq{}, fmt.Errorf("%w: icreq body too short", ErrProtocol)
	}
	return ICReq{
		PFV:    binary.LittleEndian.Uint16(body[0:2]),
		HPDA:   body[2],
		Digest: body[3],
		MaxR2T: binary.LittleEndian.Uint32(body[4:8]),
	}, nil
}

func (r ICReq) Encode(body []byte) {
	_ = body[7]
	binary.LittleEndian.PutUint16(body[0:2], r.PFV)
	body[2] = r.HPDA
	body[3] = r.Digest
	binary.LittleEndian.PutUint32(body[4:8], r.MaxR2T)
}

// ICResp is the handshake response body.
type ICResp struct {
	PFV     uint16
	CPDA    uint8
	Digest  uint8
	MaxData uint32
}

func (r ICResp) Encode(body []byte) {
	_ = body[7]
	binary.LittleEndian.PutUint16(body[0:2], r.PFV)
	body[2] = r.CPDA
	body[3] = r.Digest
	binary.LittleEndian.PutUint32(body[4:8], r.MaxData)
}

func DecodeICResp(body []byte) (ICResp, error) {
	if len(body) < 8 {
		return ICResp{}, fmt.Errorf("%w: icresp body too short", ErrProtocol)
	}
	return ICResp{
		PFV:     binary.LittleEndian.Uint16(body[0:2]),
		CPDA:    body[2],
		Digest:  body[3],
		MaxData: binary.LittleEndian.Uint32(body[4:8]),
	}, nil
}

// Opcode identifies the NVMe operation carried by a command capsule.
type Opcode uint8

const (
	OpRead  Opcode = 0x02
	OpWrite Opcode = 0x01
)

// CapsuleCmd is the command capsule body embedded in a cmd PDU.
type CapsuleCmd struct {
	Opcode       Opcode
	CommandID    uint16
	NSID         uint32
	TransferLen  uint32
	StartLBA     uint64
	InlineData   bool
}

func DecodeCapsuleCmd(body []byte) (CapsuleCmd, error) {
	if len(body) < CapsuleCmdBodyLen {
		return CapsuleCmd{}, fmt.Errorf("%w: cmd body too short", ErrProtocol)
	}
	return CapsuleCmd{
		Opcode:      Opcode(body[0]),
		InlineData:  body[1] != 0,
		CommandID:   binary.LittleEndian.Uint16(body[2:4]),
		NSID:        binary.LittleEndian.Uint32(body[4:8]),
		TransferLen: binary.LittleEndian.Uint32(body[8:12]),
		StartLBA:    binary.LittleEndian.Uint64(body[16:24]),
	}, nil
}

func (c CapsuleCmd) Encode(body []byte) {
	_ = body[CapsuleCmdBodyLen-1]
	body[0] = uint8(c.Opcode)
	if c.InlineData {
		body[1] = 1
	}
	binary.LittleEndian.PutUint16(body[2:4], c.CommandID)
	binary.LittleEndian.PutUint32(body[4:8], c.NSID)
	binary.LittleEndian.PutUint32(body[8:12], c.TransferLen)
	binary.LittleEndian.PutUint64(body[16:24], c.StartLBA)
}

// CapsuleRsp is the completion body carried in an rsp PDU.
type CapsuleRsp struct {
	CommandID uint16
	Status    uint16 // bit 15 is DNR; low bits carry the status code
}

const (
	StatusSuccess      uint16 = 0x0000
	StatusInvalidField uint16 = 0x0002
	StatusDNR          uint16 = 1 << 15
)

func (r CapsuleRsp) Encode(body []byte) {
	_ = body[CapsuleRspBodyLen-1]
	binary.LittleEndian.PutUint16(body[0:2], r.CommandID)
	binary.LittleEndian.PutUint16(body[2:4], r.Status)
}

func DecodeCapsuleRsp(body []byte) (CapsuleRsp, error) {
	if len(body) < CapsuleRspBodyLen {
		return CapsuleRsp{}, fmt.Errorf("%w: rsp body too short", ErrProtocol)
	}
	return CapsuleRsp{
		CommandID: binary.LittleEndian.Uint16(body[0:2]),
		Status:    binary.LittleEndian.Uint16(body[2:4]),
	}, nil
}

// H2CDataHdr is the header of a host-to-controller data PDU: the
// initiator is sending solicited write payload.
type H2CDataHdr struct {
	TTag       uint16
	DataOffset uint32
	DataLength uint32
}

func DecodeH2CDataHdr(body []byte) (H2CDataHdr, error) {
	if len(body) < H2CDataBodyLen {
		return H2CDataHdr{}, fmt.Errorf("%w: h2c_data header too short", ErrProtocol)
	}
	return H2CDataHdr{
		TTag:       binary.LittleEndian.Uint16(body[0:2]),
		DataOffset: binary.LittleEndian.Uint32(body[4:8]),
		DataLength: binary.LittleEndian.Uint32(body[8:12]),
	}, nil
}

// C2HDataHdr is the header of a controller-to-host data PDU carrying
// read-reply payload.
type C2HDataHdr struct {
	CommandID  uint16
	DataOffset uint32
	DataLength uint32
}

func (h C2HDataHdr) Encode(body []byte) {
	_ = body[C2HDataBodyLen-1]
	binary.LittleEndian.PutUint16(body[0:2], h.CommandID)
	binary.LittleEndian.PutUint32(body[4:8], h.DataOffset)
	binary.LittleEndian.PutUint32(body[8:12], h.DataLength)
}

// R2THdr solicits write payload from the initiator for a command that
// did not carry its data inline.
type R2THdr struct {
	TTag     uint16
	R2TOffset uint32
	R2TLength uint32
}

func (h R2THdr) Encode(body []byte) {
	_ = body[R2TBodyLen-1]
	binary.LittleEndian.PutUint16(body[0:2], h.TTag)
	binary.LittleEndian.PutUint32(body[4:8], h.R2TOffset)
	binary.LittleEndian.PutUint32(body[8:12], h.R2TLength)
}

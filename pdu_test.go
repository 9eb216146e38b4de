package nvmet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommonHeaderRoundTrip(t *testing.T) {
	hdr := CommonHeader{Type: PDUTypeCapsuleCmd, Flags: PDUFlagHDGST, HLen: CapsuleCmdBodyLen, PDO: 0, PLen: 76}
	buf := make([]byte, CommonHeaderLen)
	hdr.Encode(buf)

	got, err := DecodeCommonHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, hdr, got)
	assert.True(t, got.HasHeaderDigest())
	assert.False(t, got.HasDataDigest())
}

func TestDecodeCommonHeaderShort(t *testing.T) {
	_, err := DecodeCommonHeader([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestExpectedBodyLen(t *testing.T) {
	cases := []struct {
		typ  PDUType
		want int
		ok   bool
	}{
		{PDUTypeICReq, ICReqBodyLen, true},
		{PDUTypeCapsuleCmd, CapsuleCmdBodyLen, true},
		{PDUTypeH2CData, H2CDataBodyLen, true},
		{PDUTypeICResp, 0, false},
		{PDUType(0xEE), 0, false},
	}
	for _, c := range cases {
		got, ok := expectedBodyLen(c.typ)
		assert.Equal(t, c.ok, ok, "type %v", c.typ)
		if ok {
			assert.Equal(t, c.want, got, "type %v", c.typ)
		}
	}
}

func TestICReqRoundTrip(t *testing.T) {
	body := make([]byte, ICReqBodyLen)
	in := ICReq{PFV: 1, HPDA: 0, Digest: PDUFlagHDGST | PDUFlagDDGST, MaxR2T: 0}
	in.Encode(body)

	out, err := DecodeICReq(body)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestICRespRoundTrip(t *testing.T) {
	body := make([]byte, ICRespBodyLen)
	in := ICResp{PFV: 1, CPDA: 0, Digest: 0, MaxData: DefaultInlineDataSize}
	in.Encode(body)

	out, err := DecodeICResp(body)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestCapsuleCmdRoundTrip(t *testing.T) {
	body := make([]byte, CapsuleCmdBodyLen)
	in := CapsuleCmd{Opcode: OpWrite, CommandID: 7, NSID: 1, TransferLen: 4096, StartLBA: 128, InlineData: true}
	in.Encode(body)

	out, err := DecodeCapsuleCmd(body)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestCapsuleRspRoundTrip(t *testing.T) {
	body := make([]byte, CapsuleRspBodyLen)
	in := CapsuleRsp{CommandID: 9, Status: StatusInvalidField | StatusDNR}
	in.Encode(body)

	out, err := DecodeCapsuleRsp(body)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestH2CDataHdrDecode(t *testing.T) {
	body := make([]byte, H2CDataBodyLen)
	in := C2HDataHdr{CommandID: 5, DataOffset: 0, DataLength: 512} // reuse encoder, same layout family
	in.Encode(body)

	out, err := DecodeH2CDataHdr(body)
	require.NoError(t, err)
	assert.EqualValues(t, 5, out.TTag)
	assert.EqualValues(t, 512, out.DataLength)
}

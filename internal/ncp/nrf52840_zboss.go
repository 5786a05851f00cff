package ncp

// Codec for the ZBOSS NCP serial protocol. A frame is a link-layer header
// (signature, size, type, flags, CRC-8) followed by a CRC-16 protected body
// holding the high-level header and payload. Layouts follow the Wireshark
// zbncp dissector.

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	zbossSig0 = 0xDE
	zbossSig1 = 0xAD

	// signature(2) size(2) type(1) flags(1) crc8(1)
	zbossLLHeaderSize = 7
	// size(2) type(1) flags(1) crc8(1): the part the size field counts.
	zbossLLSizeMin   = 5
	zbossLLSizeMax   = 512
	zbossBodyCRCSize = 2
)

// zbossLLType is the only link-layer type the NCP API uses. ACK and data
// frames differ in flags.
const zbossLLType uint8 = 0x06

const (
	zbossFlagACK         = 0x01
	zbossFlagRetrans     = 0x02
	zbossFlagPktSeqMask  = 0x0C
	zbossFlagPktSeqShift = 2
	zbossFlagAckSeqMask  = 0x30
	zbossFlagAckSeqShift = 4
	zbossFlagFirstFrag   = 0x40
	zbossFlagLastFrag    = 0x80
)

const (
	zbossHLVersion    uint8 = 0x00
	zbossHLRequest    uint8 = 0x00
	zbossHLResponse   uint8 = 0x01
	zbossHLIndication uint8 = 0x02
)

// Call IDs used by the bridge.
const (
	zbossCmdGetModuleVersion    uint16 = 0x0001
	zbossCmdNCPReset            uint16 = 0x0002
	zbossCmdNCPResetInd         uint16 = 0x002B
	zbossCmdAFSetSimpleDesc     uint16 = 0x0101
	zbossCmdAPSDEDataReq        uint16 = 0x0301
	zbossCmdAPSDEDataInd        uint16 = 0x0306
	zbossCmdNwkStartedInd       uint16 = 0x0408
	zbossCmdNwkStartWithoutForm uint16 = 0x041D
)

var zbossCmdNames = map[uint16]string{
	zbossCmdGetModuleVersion:    "GetModuleVersion",
	zbossCmdNCPReset:            "NCPReset",
	zbossCmdNCPResetInd:         "NCPResetInd",
	zbossCmdAFSetSimpleDesc:     "AFSetSimpleDesc",
	zbossCmdAPSDEDataReq:        "APSDE_DataReq",
	zbossCmdAPSDEDataInd:        "APSDE_DataInd",
	zbossCmdNwkStartedInd:       "NwkStartedInd",
	zbossCmdNwkStartWithoutForm: "NwkStartWithoutForm",
}

func zbossCmdName(id uint16) string {
	if name, ok := zbossCmdNames[id]; ok {
		return name
	}
	return fmt.Sprintf("0x%04X", id)
}

var zbossStatusCategories = map[uint8]string{2: "MAC", 3: "NWK", 4: "APS", 5: "ZDO"}

// zbossStatusName formats a response status as category/code.
func zbossStatusName(cat, code uint8) string {
	if cat == 0 && code == 0 {
		return "OK"
	}
	name, ok := zbossStatusCategories[cat]
	if !ok {
		name = "Generic"
	}
	return fmt.Sprintf("%s/%d(0x%02X)", name, code, code)
}

const (
	zbossAddrModeShort uint8  = 0x02
	zclProfileHA       uint16 = 0x0104
	// coordinatorEP is the APS source endpoint of every request.
	coordinatorEP uint8 = 1
)

type zbossLLHeader struct {
	Length uint16
	Type   uint8
	Flags  uint8
}

// zbossHLHeader holds the high-level header. TSN is set on requests and
// responses, the status only on responses.
type zbossHLHeader struct {
	Version    uint8
	PacketType uint8
	CallID     uint16
	TSN        uint8
	StatusCat  uint8
	StatusCode uint8
}

type zbossFrame struct {
	LL      zbossLLHeader
	HL      zbossHLHeader
	Payload []byte
}

func zbossLLPktSeq(flags uint8) uint8 {
	return (flags & zbossFlagPktSeqMask) >> zbossFlagPktSeqShift
}

func zbossLLAckSeq(flags uint8) uint8 {
	return (flags & zbossFlagAckSeqMask) >> zbossFlagAckSeqShift
}

func zbossLLIsACK(flags uint8) bool {
	return flags&zbossFlagACK != 0
}

// CRC-8 over the link header is CRC-8/KOOP (reflected poly 0xB2, init and
// xorout 0xFF). The body CRC is CRC-16/KERMIT (reflected poly 0x8408).
var (
	crc8Table  = makeCRC8Table(0xB2)
	crc16Table = makeCRC16Table(0x8408)
)

func makeCRC8Table(poly uint8) (t [256]uint8) {
	for i := range t {
		c := uint8(i)
		for range 8 {
			if c&1 != 0 {
				c = c>>1 ^ poly
			} else {
				c >>= 1
			}
		}
		t[i] = c
	}
	return t
}

func makeCRC16Table(poly uint16) (t [256]uint16) {
	for i := range t {
		c := uint16(i)
		for range 8 {
			if c&1 != 0 {
				c = c>>1 ^ poly
			} else {
				c >>= 1
			}
		}
		t[i] = c
	}
	return t
}

func zbossCRC8(data []byte) uint8 {
	crc := uint8(0xFF)
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc ^ 0xFF
}

func zbossCRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = crc>>8 ^ crc16Table[byte(crc)^b]
	}
	return crc
}

// putLLHeader fills the first seven bytes of frame for a link frame whose
// size field is size.
func putLLHeader(frame []byte, size uint16, flags uint8) {
	frame[0] = zbossSig0
	frame[1] = zbossSig1
	binary.LittleEndian.PutUint16(frame[2:4], size)
	frame[4] = zbossLLType
	frame[5] = flags
	frame[6] = zbossCRC8(frame[2:6])
}

// zbossEncodeRequest builds a request frame sent under link sequence pktSeq.
func zbossEncodeRequest(callID uint16, tsn uint8, pktSeq uint8, payload []byte) []byte {
	hl := make([]byte, 5, 5+len(payload))
	hl[0] = zbossHLVersion
	hl[1] = zbossHLRequest
	binary.LittleEndian.PutUint16(hl[2:4], callID)
	hl[4] = tsn
	return zbossEncodeDataFrame(pktSeq, append(hl, payload...))
}

// zbossEncodeDataFrame wraps a high-level packet in an unfragmented link
// data frame.
func zbossEncodeDataFrame(pktSeq uint8, hl []byte) []byte {
	size := uint16(zbossLLSizeMin + zbossBodyCRCSize + len(hl))
	flags := uint8(zbossFlagFirstFrag|zbossFlagLastFrag) | (pktSeq<<zbossFlagPktSeqShift)&zbossFlagPktSeqMask

	frame := make([]byte, 2+int(size))
	putLLHeader(frame, size, flags)
	binary.LittleEndian.PutUint16(frame[7:9], zbossCRC16(hl))
	copy(frame[9:], hl)
	return frame
}

// zbossEncodeACK builds the bodiless frame acknowledging ackSeq.
func zbossEncodeACK(ackSeq uint8) []byte {
	frame := make([]byte, zbossLLHeaderSize)
	putLLHeader(frame, zbossLLSizeMin, zbossFlagACK|(ackSeq<<zbossFlagAckSeqShift)&zbossFlagAckSeqMask)
	return frame
}

// readRawZBOSSFrame reads one link frame from r, skipping noise before the
// signature. The returned slice starts with the signature.
func readRawZBOSSFrame(r *bufio.Reader) ([]byte, error) {
	if err := syncSignature(r); err != nil {
		return nil, err
	}

	var sizeBuf [2]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint16(sizeBuf[:])
	if size < zbossLLSizeMin || size > zbossLLSizeMax {
		return nil, fmt.Errorf("zboss: invalid frame size %d", size)
	}

	frame := make([]byte, 2+int(size))
	frame[0], frame[1] = zbossSig0, zbossSig1
	copy(frame[2:4], sizeBuf[:])
	if _, err := io.ReadFull(r, frame[4:]); err != nil {
		return nil, err
	}
	return frame, nil
}

// syncSignature consumes bytes up to and including the next DE AD pair.
func syncSignature(r *bufio.Reader) error {
	prev := byte(0)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if prev == zbossSig0 && b == zbossSig1 {
			return nil
		}
		prev = b
	}
}

// zbossDecodeFrame parses and checks a complete frame.
func zbossDecodeFrame(data []byte) (*zbossFrame, error) {
	if len(data) < zbossLLHeaderSize {
		return nil, fmt.Errorf("zboss: frame too short: %d bytes", len(data))
	}
	if data[0] != zbossSig0 || data[1] != zbossSig1 {
		return nil, fmt.Errorf("zboss: bad signature %02X%02X", data[0], data[1])
	}
	if want := zbossCRC8(data[2:6]); data[6] != want {
		return nil, fmt.Errorf("zboss: header crc %02X, want %02X", data[6], want)
	}

	f := &zbossFrame{LL: zbossLLHeader{
		Length: binary.LittleEndian.Uint16(data[2:4]),
		Type:   data[4],
		Flags:  data[5],
	}}
	if f.LL.Type != zbossLLType {
		return nil, fmt.Errorf("zboss: unexpected frame type %02X", f.LL.Type)
	}
	end := 2 + int(f.LL.Length)
	if end > len(data) {
		return nil, fmt.Errorf("zboss: frame truncated: need %d bytes, have %d", end, len(data))
	}
	if zbossLLIsACK(f.LL.Flags) {
		return f, nil
	}

	body := data[zbossLLHeaderSize:end]
	if len(body) < zbossBodyCRCSize {
		return nil, fmt.Errorf("zboss: body too short: %d bytes", len(body))
	}
	hl := body[zbossBodyCRCSize:]
	if got, want := binary.LittleEndian.Uint16(body), zbossCRC16(hl); got != want {
		return nil, fmt.Errorf("zboss: body crc %04X, want %04X", got, want)
	}

	n, err := f.HL.decode(hl)
	if err != nil {
		return nil, err
	}
	if n < len(hl) {
		f.Payload = append([]byte(nil), hl[n:]...)
	}
	return f, nil
}

// decode reads the high-level header and returns its length.
func (h *zbossHLHeader) decode(b []byte) (int, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("zboss: packet header too short: %d bytes", len(b))
	}
	h.Version = b[0]
	h.PacketType = b[1]
	h.CallID = binary.LittleEndian.Uint16(b[2:4])

	switch h.PacketType {
	case zbossHLIndication:
		return 4, nil
	case zbossHLRequest:
		if len(b) < 5 {
			return 0, fmt.Errorf("zboss: request without tsn")
		}
		h.TSN = b[4]
		return 5, nil
	case zbossHLResponse:
		if len(b) < 7 {
			return 0, fmt.Errorf("zboss: response header too short")
		}
		h.TSN, h.StatusCat, h.StatusCode = b[4], b[5], b[6]
		return 7, nil
	}
	return 0, fmt.Errorf("zboss: unknown packet type %02X", h.PacketType)
}

// APSDE-DATA.request parameter block, before the ASDU:
//
//	0 param_len  1 data_len(2)  3 dst_addr(8)  11 profile(2)  13 cluster(2)
//	15 dst_ep  16 src_ep  17 radius  18 addr_mode  19 tx_options
//	20 use_alias  21 alias_addr(2)  23 alias_seq
const apsDataReqSize = 24

// apsTxAck requests an APS acknowledgement.
const apsTxAck uint8 = 0x04

func buildAPSDEDataReq(dstAddr uint16, dstEP, srcEP uint8, clusterID, profileID uint16, radius uint8, asdu []byte) []byte {
	buf := make([]byte, apsDataReqSize+len(asdu))
	// param_len excludes itself and data_len.
	buf[0] = apsDataReqSize - 3
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(asdu)))
	binary.LittleEndian.PutUint16(buf[3:5], dstAddr)
	binary.LittleEndian.PutUint16(buf[11:13], profileID)
	binary.LittleEndian.PutUint16(buf[13:15], clusterID)
	buf[15] = dstEP
	buf[16] = srcEP
	buf[17] = radius
	buf[18] = zbossAddrModeShort
	buf[19] = apsTxAck
	copy(buf[apsDataReqSize:], asdu)
	return buf
}

type apsDataInd struct {
	SrcAddr   uint16
	DstEP     uint8
	SrcEP     uint8
	ClusterID uint16
	ProfileID uint16
	LQI       uint8
	RSSI      int8
	Data      []byte
}

// APSDE-DATA.indication parameter block, before the ASDU:
//
//	0 param_len  1 data_len(2)  3 aps_fc  4 src_addr(2)  6 dst_addr(2)
//	8 group(2)  10 dst_ep  11 src_ep  12 cluster(2)  14 profile(2)
//	16 aps_counter  17 src_mac(2)  19 dst_mac(2)  21 lqi  22 rssi  23 key_attr
const apsDataIndSize = 24

func parseAPSDEDataInd(payload []byte) (apsDataInd, error) {
	if len(payload) <= apsDataIndSize {
		return apsDataInd{}, fmt.Errorf("zboss: aps indication too short: %d bytes", len(payload))
	}
	n := int(binary.LittleEndian.Uint16(payload[1:3]))
	if n == 0 || len(payload) < apsDataIndSize+n {
		return apsDataInd{}, fmt.Errorf("zboss: aps data length %d, have %d", n, len(payload)-apsDataIndSize)
	}
	return apsDataInd{
		SrcAddr:   binary.LittleEndian.Uint16(payload[4:6]),
		DstEP:     payload[10],
		SrcEP:     payload[11],
		ClusterID: binary.LittleEndian.Uint16(payload[12:14]),
		ProfileID: binary.LittleEndian.Uint16(payload[14:16]),
		LQI:       payload[21],
		RSSI:      int8(payload[22]),
		Data:      payload[apsDataIndSize : apsDataIndSize+n],
	}, nil
}

// buildSimpleDescPayload encodes an endpoint's simple descriptor: endpoint,
// profile, device ID, version, cluster counts, then the cluster lists.
func buildSimpleDescPayload(ep uint8, profileID, deviceID uint16, devVersion uint8, in, out []uint16) []byte {
	buf := []byte{ep, 0, 0, 0, 0, devVersion, uint8(len(in)), uint8(len(out))}
	binary.LittleEndian.PutUint16(buf[1:3], profileID)
	binary.LittleEndian.PutUint16(buf[3:5], deviceID)
	for _, c := range append(append([]uint16(nil), in...), out...) {
		buf = binary.LittleEndian.AppendUint16(buf, c)
	}
	return buf
}

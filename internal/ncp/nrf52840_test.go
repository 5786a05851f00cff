package ncp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"binstatus-bridge/internal/zcl"
)

type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipePort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipePort) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipePort) Close() error {
	p.r.Close()
	return p.w.Close()
}

// emulator plays the NCP side of the serial link: it ACKs every data frame
// and answers every request with a response carrying the same TSN.
type emulator struct {
	in       *bufio.Reader
	out      chan []byte
	done     chan struct{}
	requests chan *zbossFrame

	mu     sync.Mutex
	status map[uint16][2]uint8
	pktSeq uint8
}

func newEmulatedNCP(t *testing.T) (*NRF52840NCP, *emulator) {
	t.Helper()
	hostR, ncpW := io.Pipe()
	ncpR, hostW := io.Pipe()

	e := &emulator{
		in:       bufio.NewReader(ncpR),
		out:      make(chan []byte, 16),
		done:     make(chan struct{}),
		requests: make(chan *zbossFrame, 16),
		status:   make(map[uint16][2]uint8),
	}
	go e.readLoop()
	go func() {
		for {
			select {
			case b := <-e.out:
				if _, err := ncpW.Write(b); err != nil {
					return
				}
			case <-e.done:
				return
			}
		}
	}()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reopen := func() (serialPort, error) { return nil, errors.New("reopen not supported") }
	n := newNRF52840NCP(&pipePort{r: hostR, w: hostW}, reopen, logger)
	t.Cleanup(func() {
		n.Close()
		close(e.done)
		ncpW.Close()
		ncpR.Close()
	})
	return n, e
}

func (e *emulator) setStatus(callID uint16, cat, code uint8) {
	e.mu.Lock()
	e.status[callID] = [2]uint8{cat, code}
	e.mu.Unlock()
}

func (e *emulator) nextSeq() uint8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pktSeq = e.pktSeq%3 + 1
	return e.pktSeq
}

func (e *emulator) readLoop() {
	for {
		raw, err := readRawZBOSSFrame(e.in)
		if err != nil {
			return
		}
		f, err := zbossDecodeFrame(raw)
		if err != nil || zbossLLIsACK(f.LL.Flags) {
			continue
		}
		e.out <- zbossEncodeACK(zbossLLPktSeq(f.LL.Flags))
		if f.HL.PacketType != zbossHLRequest {
			continue
		}
		select {
		case e.requests <- f:
		default:
		}
		e.respond(f)
	}
}

func (e *emulator) respond(req *zbossFrame) {
	e.mu.Lock()
	st := e.status[req.HL.CallID]
	e.mu.Unlock()

	hl := []byte{zbossHLVersion, zbossHLResponse, 0, 0, req.HL.TSN, st[0], st[1]}
	binary.LittleEndian.PutUint16(hl[2:4], req.HL.CallID)
	if req.HL.CallID == zbossCmdGetModuleVersion {
		var v [12]byte
		binary.LittleEndian.PutUint32(v[0:4], 7)
		binary.LittleEndian.PutUint32(v[4:8], 0x030B0300)
		binary.LittleEndian.PutUint32(v[8:12], 2)
		hl = append(hl, v[:]...)
	}
	e.out <- zbossEncodeDataFrame(e.nextSeq(), hl)
}

func (e *emulator) indicate(callID uint16, payload []byte) {
	hl := []byte{zbossHLVersion, zbossHLIndication, 0, 0}
	binary.LittleEndian.PutUint16(hl[2:4], callID)
	e.out <- zbossEncodeDataFrame(e.nextSeq(), append(hl, payload...))
}

func buildAPSDEDataInd(srcAddr uint16, srcEP uint8, clusterID uint16, zclData []byte) []byte {
	payload := make([]byte, 24+len(zclData))
	payload[0] = 21                                                   // param_len
	binary.LittleEndian.PutUint16(payload[1:3], uint16(len(zclData))) // data_len
	binary.LittleEndian.PutUint16(payload[4:6], srcAddr)              // src_nwk_addr
	payload[10] = coordinatorEP                                       // dst_endpoint
	payload[11] = srcEP                                               // src_endpoint
	binary.LittleEndian.PutUint16(payload[12:14], clusterID)          // cluster_id
	binary.LittleEndian.PutUint16(payload[14:16], zclProfileHA)       // profile_id
	payload[21] = 200                                                 // lqi
	payload[22] = 0xC4                                                // rssi -60
	copy(payload[24:], zclData)
	return payload
}

func TestHandleAPSDEDataIndMfrSpecific(t *testing.T) {
	zclCmd := []byte{
		0x05 | zcl.FrameServerToClient, // cluster-specific, mfr-specific
		0x34, 0x12,                     // manufacturer code 0x1234
		0x09, // zcl seq
		0x01, // cmd
		0x10, 0x0E, 0x00, 0x00,
	}

	var got ClusterCommandEvent
	called := false
	n := &NRF52840NCP{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	n.OnClusterCommand(func(evt ClusterCommandEvent) {
		got = evt
		called = true
	})
	n.handleAPSDEDataInd(buildAPSDEDataInd(0x5678, 1, 0xFC12, zclCmd))

	if !called {
		t.Fatal("handler not called")
	}
	if got.SrcAddr != 0x5678 || got.SrcEP != 1 || got.DstEP != coordinatorEP {
		t.Errorf("addressing = 0x%04X/%d -> %d", got.SrcAddr, got.SrcEP, got.DstEP)
	}
	if got.ClusterID != 0xFC12 || got.ProfileID != zclProfileHA {
		t.Errorf("cluster/profile = 0x%04X/0x%04X", got.ClusterID, got.ProfileID)
	}
	h := got.Header
	if !h.ClusterSpecific || !h.ManufacturerSpecific || !h.ServerToClient {
		t.Errorf("header flags = %+v", h)
	}
	if h.ManufacturerCode != 0x1234 || h.Seq != 0x09 || h.CommandID != 0x01 {
		t.Errorf("header = %+v", h)
	}
	if !bytes.Equal(got.Payload, []byte{0x10, 0x0E, 0x00, 0x00}) {
		t.Errorf("payload = %X", got.Payload)
	}
	if got.LQI != 200 || got.RSSI != -60 {
		t.Errorf("lqi/rssi = %d/%d", got.LQI, got.RSSI)
	}
}

func TestHandleAPSDEDataIndGlobal(t *testing.T) {
	// Read Attributes (Time) from a device.
	zclRead := []byte{zcl.FrameDisableDefaultResp, 0x21, zcl.FoundationReadAttributes, 0x00, 0x00}

	var got ClusterCommandEvent
	n := &NRF52840NCP{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	n.OnClusterCommand(func(evt ClusterCommandEvent) { got = evt })
	n.handleAPSDEDataInd(buildAPSDEDataInd(0x1111, 1, 0x000A, zclRead))

	if got.Header.ClusterSpecific || got.Header.CommandID != zcl.FoundationReadAttributes {
		t.Errorf("header = %+v", got.Header)
	}
	if got.ClusterID != 0x000A || len(got.Payload) != 2 {
		t.Errorf("event = %+v", got)
	}
}

func TestHandleAPSDEDataIndMalformed(t *testing.T) {
	called := false
	n := &NRF52840NCP{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	n.OnClusterCommand(func(ClusterCommandEvent) { called = true })

	// Truncated manufacturer-specific header.
	n.handleAPSDEDataInd(buildAPSDEDataInd(0x1111, 1, 0xFC12, []byte{0x05, 0x34}))
	// Short APS payload.
	n.handleAPSDEDataInd([]byte{0x01, 0x02})

	if called {
		t.Error("handler called for malformed frame")
	}
}

func TestBuildSimpleDescPayload(t *testing.T) {
	buf := buildSimpleDescPayload(1, zclProfileHA, 0x0005, 0, []uint16{0x000A}, []uint16{0xFC12})
	if len(buf) != 12 {
		t.Fatalf("len = %d, want 12", len(buf))
	}
	if buf[0] != 1 || binary.LittleEndian.Uint16(buf[1:3]) != zclProfileHA {
		t.Errorf("ep/profile = %d/0x%04X", buf[0], binary.LittleEndian.Uint16(buf[1:3]))
	}
	if buf[6] != 1 || buf[7] != 1 {
		t.Errorf("cluster counts = %d/%d", buf[6], buf[7])
	}
	if binary.LittleEndian.Uint16(buf[8:10]) != 0x000A || binary.LittleEndian.Uint16(buf[10:12]) != 0xFC12 {
		t.Errorf("clusters = %X", buf[8:])
	}
}

func TestRequestHeaderReply(t *testing.T) {
	req := ClusterCommandRequest{Global: true, ServerToClient: true, CommandID: zcl.FoundationReadAttributesResponse, Reply: true, Seq: 0x42}
	h := req.header(0x07)
	if h.Seq != 0x42 || h.ClusterSpecific || !h.ServerToClient {
		t.Errorf("header = %+v", h)
	}
	req.Reply = false
	if h := req.header(0x07); h.Seq != 0x07 {
		t.Errorf("seq = %d, want 7", h.Seq)
	}
}

func TestSendCommandEmulated(t *testing.T) {
	n, e := newEmulatedNCP(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := []byte{0x10, 0x0E, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	err := n.SendCommand(ctx, ClusterCommandRequest{
		DstAddr:          0x1A2B,
		DstEP:            1,
		ClusterID:        0xFC12,
		CommandID:        0x01,
		ManufacturerCode: 0x1234,
		Payload:          payload,
	})
	if err != nil {
		t.Fatal(err)
	}

	req := <-e.requests
	if req.HL.CallID != zbossCmdAPSDEDataReq {
		t.Fatalf("call = %s, want APSDE_DataReq", zbossCmdName(req.HL.CallID))
	}
	aps := req.Payload
	if binary.LittleEndian.Uint16(aps[3:5]) != 0x1A2B || aps[15] != 1 || aps[16] != coordinatorEP {
		t.Errorf("aps addressing = %X", aps[:24])
	}
	if binary.LittleEndian.Uint16(aps[13:15]) != 0xFC12 {
		t.Errorf("aps cluster = 0x%04X", binary.LittleEndian.Uint16(aps[13:15]))
	}
	h, body, err := zcl.ParseFrame(aps[24:])
	if err != nil {
		t.Fatal(err)
	}
	if !h.ClusterSpecific || !h.ManufacturerSpecific || h.ManufacturerCode != 0x1234 || h.CommandID != 0x01 {
		t.Errorf("zcl header = %+v", h)
	}
	if !bytes.Equal(body, payload) {
		t.Errorf("zcl payload = %X, want %X", body, payload)
	}
}

func TestSendCommandErrorStatus(t *testing.T) {
	n, e := newEmulatedNCP(t)
	e.setStatus(zbossCmdAPSDEDataReq, 4, 0xA7) // APS/NO_ACK

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := n.SendCommand(ctx, ClusterCommandRequest{DstAddr: 1, DstEP: 1, ClusterID: 0xFC12, CommandID: 1})
	if err == nil {
		t.Fatal("expected error status to surface")
	}
}

func TestInitAndStartEmulated(t *testing.T) {
	n, e := newEmulatedNCP(t)
	n.SetEndpointClusters([]uint16{0x000A}, []uint16{0xFC12})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := n.Init(ctx); err != nil {
		t.Fatal(err)
	}
	info := n.GetNCPInfo()
	if info.FWVersion != 7 || info.StackVersion != "3.11.3.0" || info.ProtocolVersion != 2 {
		t.Errorf("info = %+v", info)
	}

	if err := n.StartNetwork(ctx); err != nil {
		t.Fatal(err)
	}
	var calls []uint16
	for len(calls) < 3 {
		select {
		case f := <-e.requests:
			calls = append(calls, f.HL.CallID)
			if f.HL.CallID == zbossCmdAFSetSimpleDesc && f.Payload[6] != 1 {
				t.Errorf("simple desc in clusters = %d, want 1", f.Payload[6])
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for requests")
		}
	}
	want := []uint16{zbossCmdGetModuleVersion, zbossCmdNwkStartWithoutForm, zbossCmdAFSetSimpleDesc}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, zbossCmdName(calls[i]), zbossCmdName(want[i]))
		}
	}
}

func TestIndicationEmulated(t *testing.T) {
	n, e := newEmulatedNCP(t)
	got := make(chan ClusterCommandEvent, 1)
	n.OnClusterCommand(func(evt ClusterCommandEvent) { got <- evt })

	zclCmd := []byte{0x05 | zcl.FrameServerToClient, 0x34, 0x12, 0x01, 0x01}
	zclCmd = append(zclCmd, make([]byte, 12)...)
	e.indicate(zbossCmdAPSDEDataInd, buildAPSDEDataInd(0x2222, 1, 0xFC12, zclCmd))

	select {
	case evt := <-got:
		if evt.SrcAddr != 0x2222 || evt.Header.ManufacturerCode != 0x1234 || len(evt.Payload) != 12 {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("indication not delivered")
	}
}

func TestCloseStopsRequests(t *testing.T) {
	n, _ := newEmulatedNCP(t)
	if err := n.Close(); err != nil {
		t.Fatal(err)
	}
	if err := n.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := n.SendCommand(ctx, ClusterCommandRequest{DstAddr: 1, DstEP: 1}); err == nil {
		t.Error("SendCommand after Close should fail")
	}
}

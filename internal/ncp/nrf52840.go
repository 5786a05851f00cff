package ncp

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"binstatus-bridge/internal/zcl"
)

// ErrClosed is returned by requests issued after Close.
var ErrClosed = errors.New("ncp closed")

// errReset fails requests still waiting when the link is reopened.
var errReset = errors.New("ncp reset while waiting for response")

const (
	ackTimeout      = 500 * time.Millisecond
	maxRetransmits  = 3
	responseTimeout = 5 * time.Second

	readBackoffMin = 10 * time.Millisecond
	readBackoffMax = 5 * time.Second

	reopenAttempts = 30
	apsRadius      = 30
)

// serialPort is the subset of serial.Port the driver uses.
type serialPort interface {
	io.ReadWriter
	Close() error
}

// NRF52840NCP drives an nRF52840 dongle running ZBOSS NCP firmware.
type NRF52840NCP struct {
	port   serialPort
	open   func() (serialPort, error)
	reader *bufio.Reader
	logger *slog.Logger

	// Responses are matched to requests by TSN.
	tsn     atomic.Uint32
	pending map[uint8]chan *zbossFrame
	pendMu  sync.Mutex

	// Link layer: 2-bit packet sequence and incoming ACK sequences.
	pktSeq  uint8
	seqMu   sync.Mutex
	acks    chan uint8
	writeMu sync.Mutex

	zclSeq atomic.Uint32

	handlerMu sync.RWMutex
	onCommand func(ClusterCommandEvent)

	resetInd chan struct{}

	inClusters  []uint16
	outClusters []uint16

	infoMu sync.Mutex
	info   NCPInfo

	// lifecycleMu guards port, done, acks and stopOnce across reopen and Close.
	lifecycleMu sync.Mutex
	done        chan struct{}
	stopOnce    sync.Once
	closed      bool
	wg          sync.WaitGroup
}

// NewNRF52840NCP opens portName at baudRate and starts reading frames.
func NewNRF52840NCP(portName string, baudRate int, logger *slog.Logger) (*NRF52840NCP, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	open := func() (serialPort, error) {
		port, err := serial.Open(portName, mode)
		if err != nil {
			return nil, err
		}
		// The firmware only talks once DTR and RTS are up.
		_ = port.SetDTR(true)
		_ = port.SetRTS(true)
		return port, nil
	}
	port, err := open()
	if err != nil {
		return nil, fmt.Errorf("nrf52840 ncp: open %s: %w", portName, err)
	}
	return newNRF52840NCP(port, open, logger), nil
}

func newNRF52840NCP(port serialPort, open func() (serialPort, error), logger *slog.Logger) *NRF52840NCP {
	n := &NRF52840NCP{
		port:     port,
		open:     open,
		reader:   bufio.NewReader(port),
		logger:   logger,
		pending:  make(map[uint8]chan *zbossFrame),
		acks:     make(chan uint8, 4),
		resetInd: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	n.wg.Add(1)
	go n.readLoop()
	return n
}

// SetEndpointClusters sets the server (in) and client (out) clusters
// StartNetwork registers on the coordinator endpoint.
func (n *NRF52840NCP) SetEndpointClusters(in, out []uint16) {
	n.inClusters = append([]uint16(nil), in...)
	n.outClusters = append([]uint16(nil), out...)
}

func (n *NRF52840NCP) nextTSN() uint8 {
	return uint8(n.tsn.Add(1))
}

func (n *NRF52840NCP) nextZCLSeq() uint8 {
	return uint8(n.zclSeq.Add(1))
}

// nextPktSeq cycles 1, 2, 3. Zero is never used on data frames.
func (n *NRF52840NCP) nextPktSeq() uint8 {
	n.seqMu.Lock()
	defer n.seqMu.Unlock()
	n.pktSeq = n.pktSeq%3 + 1
	return n.pktSeq
}

func (n *NRF52840NCP) write(b []byte) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	_, err := n.port.Write(b)
	return err
}

// request sends callID and waits for the matching response. A non-OK
// status is returned as an error together with the response.
func (n *NRF52840NCP) request(ctx context.Context, callID uint16, payload []byte) (*zbossFrame, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, responseTimeout)
		defer cancel()
	}

	tsn := n.nextTSN()
	ch := make(chan *zbossFrame, 1)
	n.pendMu.Lock()
	n.pending[tsn] = ch
	n.pendMu.Unlock()
	defer func() {
		n.pendMu.Lock()
		delete(n.pending, tsn)
		n.pendMu.Unlock()
	}()

	name := zbossCmdName(callID)
	seq := n.nextPktSeq()
	if err := n.send(ctx, zbossEncodeRequest(callID, tsn, seq, payload), seq); err != nil {
		return nil, fmt.Errorf("send %s: %w", name, err)
	}
	n.logger.Debug("ncp request", "call", name, "tsn", tsn, "payload", fmt.Sprintf("%X", payload))

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, errReset
		}
		status := zbossStatusName(resp.HL.StatusCat, resp.HL.StatusCode)
		if resp.HL.StatusCat != 0 || resp.HL.StatusCode != 0 {
			n.logger.Warn("ncp request rejected", "call", name, "tsn", tsn, "status", status)
			return resp, fmt.Errorf("%s: %s", name, status)
		}
		n.logger.Debug("ncp response", "call", name, "tsn", tsn, "payload", fmt.Sprintf("%X", resp.Payload))
		return resp, nil
	case <-ctx.Done():
		n.logger.Warn("ncp request timed out", "call", name, "tsn", tsn)
		return nil, ctx.Err()
	case <-n.done:
		return nil, ErrClosed
	}
}

// send writes a data frame and retransmits it until the NCP acknowledges
// seq. Retransmissions carry the retransmit flag and a fresh header CRC.
func (n *NRF52840NCP) send(ctx context.Context, frame []byte, seq uint8) error {
	for attempt := 0; attempt <= maxRetransmits; attempt++ {
		if attempt > 0 {
			frame[5] |= zbossFlagRetrans
			frame[6] = zbossCRC8(frame[2:6])
		}
		if err := n.write(frame); err != nil {
			return fmt.Errorf("serial write: %w", err)
		}
		acked, err := n.awaitACK(ctx, seq)
		if err != nil || acked {
			return err
		}
		n.logger.Debug("ncp ack missing, retransmitting", "seq", seq, "attempt", attempt+1)
	}
	return fmt.Errorf("no ack after %d attempts", maxRetransmits+1)
}

// awaitACK waits up to ackTimeout for an ACK of seq, discarding ACKs for
// other sequence numbers.
func (n *NRF52840NCP) awaitACK(ctx context.Context, seq uint8) (bool, error) {
	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	for {
		select {
		case got := <-n.acks:
			if got == seq {
				return true, nil
			}
		case <-timer.C:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		case <-n.done:
			return false, ErrClosed
		}
	}
}

func (n *NRF52840NCP) readLoop() {
	defer n.wg.Done()

	backoff := readBackoffMin
	for {
		select {
		case <-n.done:
			return
		default:
		}

		raw, err := readRawZBOSSFrame(n.reader)
		if err != nil {
			if n.stopping() {
				return
			}
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				n.logger.Error("serial read", "err", err)
			}
			select {
			case <-time.After(backoff):
			case <-n.done:
				return
			}
			backoff = min(backoff*2, readBackoffMax)
			continue
		}
		backoff = readBackoffMin

		frame, err := zbossDecodeFrame(raw)
		if err != nil {
			n.logger.Warn("dropping bad frame", "err", err)
			continue
		}
		n.dispatch(frame)
	}
}

func (n *NRF52840NCP) stopping() bool {
	select {
	case <-n.done:
		return true
	default:
		return false
	}
}

// dispatch routes a decoded frame. Every data frame is acknowledged before
// it is handled.
func (n *NRF52840NCP) dispatch(f *zbossFrame) {
	if zbossLLIsACK(f.LL.Flags) {
		select {
		case n.acks <- zbossLLAckSeq(f.LL.Flags):
		default:
		}
		return
	}

	if err := n.write(zbossEncodeACK(zbossLLPktSeq(f.LL.Flags))); err != nil {
		n.logger.Error("write ack", "err", err)
	}

	switch f.HL.PacketType {
	case zbossHLResponse:
		n.pendMu.Lock()
		ch, ok := n.pending[f.HL.TSN]
		n.pendMu.Unlock()
		if !ok {
			n.logger.Warn("late response dropped", "call", zbossCmdName(f.HL.CallID), "tsn", f.HL.TSN)
			return
		}
		select {
		case ch <- f:
		default:
		}
	case zbossHLIndication:
		n.handleIndication(f)
	}
}

func (n *NRF52840NCP) handleIndication(f *zbossFrame) {
	switch f.HL.CallID {
	case zbossCmdAPSDEDataInd:
		n.handleAPSDEDataInd(f.Payload)
	case zbossCmdNCPResetInd:
		n.logger.Warn("ncp restarted")
		select {
		case n.resetInd <- struct{}{}:
		default:
		}
	case zbossCmdNwkStartedInd:
		n.logger.Info("network started")
	default:
		n.logger.Debug("indication ignored", "call", zbossCmdName(f.HL.CallID))
	}
}

// handleAPSDEDataInd hands the ZCL frame of an incoming APS data
// indication to the registered handler.
func (n *NRF52840NCP) handleAPSDEDataInd(payload []byte) {
	ind, err := parseAPSDEDataInd(payload)
	if err != nil {
		n.logger.Warn("aps indication dropped", "err", err)
		return
	}
	hdr, zclPayload, err := zcl.ParseFrame(ind.Data)
	if err != nil {
		n.logger.Warn("zcl frame dropped", "src", fmt.Sprintf("0x%04X", ind.SrcAddr),
			"cluster", fmt.Sprintf("0x%04X", ind.ClusterID), "err", err)
		return
	}

	n.handlerMu.RLock()
	handler := n.onCommand
	n.handlerMu.RUnlock()
	if handler == nil {
		return
	}
	handler(ClusterCommandEvent{
		SrcAddr:   ind.SrcAddr,
		SrcEP:     ind.SrcEP,
		DstEP:     ind.DstEP,
		ClusterID: ind.ClusterID,
		ProfileID: ind.ProfileID,
		Header:    hdr,
		Payload:   append([]byte(nil), zclPayload...),
		LQI:       ind.LQI,
		RSSI:      ind.RSSI,
	})
}

// Reset restarts the NCP and reopens the serial port once the dongle has
// enumerated again.
func (n *NRF52840NCP) Reset(ctx context.Context) error {
	// The NCP's expected packet sequence is unknown after a host restart, so
	// the reset goes out under every sequence. It reboots without an ACK.
	tsn := n.nextTSN()
	for _, seq := range []uint8{1, 2, 3} {
		_ = n.write(zbossEncodeRequest(zbossCmdNCPReset, tsn, seq, []byte{0x00}))
	}
	time.Sleep(100 * time.Millisecond)
	n.logger.Info("ncp reset sent, waiting for the port to return")
	n.stopReader(n.port)

	for attempt := 1; attempt <= reopenAttempts; attempt++ {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}

		port, err := n.open()
		if err != nil {
			n.logger.Debug("port not back yet", "attempt", attempt, "err", err)
			continue
		}
		n.reopen(port)

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_, err = n.request(pingCtx, zbossCmdGetModuleVersion, nil)
		cancel()
		if err != nil {
			n.logger.Debug("ncp not answering yet", "attempt", attempt, "err", err)
			n.stopReader(port)
			continue
		}

		n.logger.Info("ncp back after reset", "attempts", attempt)
		// The reset indication means the stack has finished booting.
		select {
		case <-n.resetInd:
		case <-time.After(3 * time.Second):
			n.logger.Warn("no reset indication, continuing")
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	return errors.New("ncp did not come back after reset")
}

// stopReader closes port and waits for the read loop to exit.
func (n *NRF52840NCP) stopReader(port serialPort) {
	n.lifecycleMu.Lock()
	n.stopOnce.Do(func() { close(n.done) })
	port.Close()
	n.lifecycleMu.Unlock()
	n.wg.Wait()
}

// reopen swaps in a fresh port and restarts the read loop. The previous
// loop must already have exited.
func (n *NRF52840NCP) reopen(port serialPort) {
	n.lifecycleMu.Lock()
	n.port = port
	n.reader = bufio.NewReader(port)
	n.done = make(chan struct{})
	n.acks = make(chan uint8, 4)
	n.resetInd = make(chan struct{}, 1)
	n.stopOnce = sync.Once{}
	n.lifecycleMu.Unlock()

	n.failPending()

	n.seqMu.Lock()
	n.pktSeq = 0
	n.seqMu.Unlock()
	n.tsn.Store(0)
	n.zclSeq.Store(0)

	n.wg.Add(1)
	go n.readLoop()
}

// failPending releases every request still waiting for a response.
func (n *NRF52840NCP) failPending() {
	n.pendMu.Lock()
	defer n.pendMu.Unlock()
	for tsn, ch := range n.pending {
		close(ch)
		delete(n.pending, tsn)
	}
}

// Init reads the firmware, stack and protocol versions.
func (n *NRF52840NCP) Init(ctx context.Context) error {
	resp, err := n.request(ctx, zbossCmdGetModuleVersion, nil)
	if err != nil {
		return err
	}
	if len(resp.Payload) < 12 {
		return nil
	}
	p := resp.Payload
	stack := binary.LittleEndian.Uint32(p[4:8])
	info := NCPInfo{
		FWVersion:       binary.LittleEndian.Uint32(p[0:4]),
		StackVersion:    fmt.Sprintf("%d.%d.%d.%d", stack>>24, (stack>>16)&0xFF, (stack>>8)&0xFF, stack&0xFF),
		ProtocolVersion: binary.LittleEndian.Uint32(p[8:12]),
	}
	n.infoMu.Lock()
	n.info = info
	n.infoMu.Unlock()
	n.logger.Info("ncp version", "fw", info.FWVersion, "stack", info.StackVersion, "protocol", info.ProtocolVersion)
	return nil
}

// StartNetwork resumes the network the NCP has stored and registers the
// coordinator endpoint.
func (n *NRF52840NCP) StartNetwork(ctx context.Context) error {
	if _, err := n.request(ctx, zbossCmdNwkStartWithoutForm, nil); err != nil {
		return err
	}
	desc := buildSimpleDescPayload(coordinatorEP, zclProfileHA, 0x0005, 0, n.inClusters, n.outClusters)
	if _, err := n.request(ctx, zbossCmdAFSetSimpleDesc, desc); err != nil {
		return fmt.Errorf("register endpoint %d: %w", coordinatorEP, err)
	}
	return nil
}

// SendCommand delivers a ZCL frame. It returns once the NCP has accepted the
// APS request.
func (n *NRF52840NCP) SendCommand(ctx context.Context, req ClusterCommandRequest) error {
	hdr := req.header(n.nextZCLSeq())
	frame := zcl.EncodeFrame(hdr, req.Payload)

	n.logger.Debug("zcl send",
		"dst", fmt.Sprintf("0x%04X", req.DstAddr),
		"ep", req.DstEP,
		"cluster", fmt.Sprintf("0x%04X", req.ClusterID),
		"cmd", fmt.Sprintf("0x%02X", req.CommandID),
		"seq", hdr.Seq)

	aps := buildAPSDEDataReq(req.DstAddr, req.DstEP, coordinatorEP, req.ClusterID, zclProfileHA, apsRadius, frame)
	_, err := n.request(ctx, zbossCmdAPSDEDataReq, aps)
	return err
}

// OnClusterCommand registers the handler for incoming ZCL frames. The
// handler runs on the read loop; it must not wait for NCP requests inline.
func (n *NRF52840NCP) OnClusterCommand(handler func(ClusterCommandEvent)) {
	n.handlerMu.Lock()
	defer n.handlerMu.Unlock()
	n.onCommand = handler
}

// GetNCPInfo returns the versions read by Init.
func (n *NRF52840NCP) GetNCPInfo() *NCPInfo {
	n.infoMu.Lock()
	info := n.info
	n.infoMu.Unlock()
	return &info
}

// Close stops the read loop and fails outstanding requests. Safe to call
// more than once.
func (n *NRF52840NCP) Close() error {
	n.lifecycleMu.Lock()
	if n.closed {
		n.lifecycleMu.Unlock()
		return nil
	}
	n.closed = true
	n.stopOnce.Do(func() { close(n.done) })
	err := n.port.Close()
	n.lifecycleMu.Unlock()

	n.wg.Wait()
	n.failPending()
	return err
}

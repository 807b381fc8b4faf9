package bullshark

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ChannelTransport is an in-process transport connecting validators through
// buffered channels. Used for single-process clusters and tests. Sends are
// non-blocking; a full peer queue drops the message.
type ChannelTransport[H Hash, T Transmission[H]] struct {
	mu        sync.RWMutex
	validator uint16
	peers     map[uint16]*ChannelTransport[H, T]
	incoming  chan Message[H, T]
	closed    bool
	dropped   atomic.Uint64
}

// NewChannelTransport creates an unconnected channel transport.
func NewChannelTransport[H Hash, T Transmission[H]](validator uint16, buffer int) *ChannelTransport[H, T] {
	if buffer <= 0 {
		buffer = 1024
	}
	return &ChannelTransport[H, T]{
		validator: validator,
		peers:     make(map[uint16]*ChannelTransport[H, T]),
		incoming:  make(chan Message[H, T], buffer),
	}
}

// NewChannelMesh creates n fully connected channel transports, one per
// validator index.
func NewChannelMesh[H Hash, T Transmission[H]](n int, buffer int) []*ChannelTransport[H, T] {
	transports := make([]*ChannelTransport[H, T], n)
	for i := range transports {
		transports[i] = NewChannelTransport[H, T](uint16(i), buffer)
	}
	for i, t := range transports {
		for j, peer := range transports {
			if i == j {
				continue
			}
			t.peers[peer.validator] = peer
		}
	}
	return transports
}

// Connect links two transports in both directions.
func (t *ChannelTransport[H, T]) Connect(other *ChannelTransport[H, T]) {
	t.mu.Lock()
	t.peers[other.validator] = other
	t.mu.Unlock()

	other.mu.Lock()
	other.peers[t.validator] = t
	other.mu.Unlock()
}

// Disconnect removes the link to a peer in both directions.
func (t *ChannelTransport[H, T]) Disconnect(peer uint16) {
	t.mu.Lock()
	other := t.peers[peer]
	delete(t.peers, peer)
	t.mu.Unlock()

	if other != nil {
		other.mu.Lock()
		delete(other.peers, t.validator)
		other.mu.Unlock()
	}
}

func (t *ChannelTransport[H, T]) deliver(peer *ChannelTransport[H, T], msg Message[H, T]) {
	peer.mu.RLock()
	closed := peer.closed
	peer.mu.RUnlock()
	if closed {
		return
	}

	select {
	case peer.incoming <- msg:
	default:
		t.dropped.Add(1)
	}
}

func (t *ChannelTransport[H, T]) broadcast(msg Message[H, T]) {
	t.mu.RLock()
	peers := make([]*ChannelTransport[H, T], 0, len(t.peers))
	for _, peer := range t.peers {
		peers = append(peers, peer)
	}
	t.mu.RUnlock()

	for _, peer := range peers {
		t.deliver(peer, msg)
	}
}

func (t *ChannelTransport[H, T]) send(to uint16, msg Message[H, T]) {
	t.mu.RLock()
	peer := t.peers[to]
	t.mu.RUnlock()
	if peer != nil {
		t.deliver(peer, msg)
	}
}

func (t *ChannelTransport[H, T]) BroadcastPropose(header *BatchHeader[H]) {
	t.broadcast(NewBatchProposeMessage[H, T](t.validator, header))
}

func (t *ChannelTransport[H, T]) SendSignature(to uint16, sig *BatchSignature[H]) {
	t.send(to, NewBatchSignatureMessage[H, T](t.validator, sig))
}

func (t *ChannelTransport[H, T]) BroadcastCertified(cert *BatchCertificate[H]) {
	t.broadcast(NewBatchCertifiedMessage[H, T](t.validator, cert))
}

func (t *ChannelTransport[H, T]) SendCertificateRequest(to uint16, certificateID H) {
	t.send(to, NewCertificateRequestMessage[H, T](t.validator, certificateID))
}

func (t *ChannelTransport[H, T]) SendCertificateResponse(to uint16, cert *BatchCertificate[H]) {
	t.send(to, NewCertificateResponseMessage[H, T](t.validator, cert))
}

func (t *ChannelTransport[H, T]) SendTransmissionRequest(to uint16, transmissionID H) {
	t.send(to, NewTransmissionRequestMessage[H, T](t.validator, transmissionID))
}

func (t *ChannelTransport[H, T]) SendTransmissionResponse(to uint16, worker uint8, id H, tm T) {
	t.send(to, NewTransmissionResponseMessage[H, T](t.validator, worker, id, tm))
}

func (t *ChannelTransport[H, T]) BroadcastPing(round, frontier uint64, locators []CertificateLocator[H]) {
	t.broadcast(NewPingMessage[H, T](t.validator, round, frontier, locators))
}

func (t *ChannelTransport[H, T]) SendPong(to uint16, round, frontier uint64) {
	t.send(to, NewPongMessage[H, T](t.validator, round, frontier))
}

func (t *ChannelTransport[H, T]) BroadcastWorkerPing(worker uint8, ids []H) {
	t.broadcast(NewWorkerPingMessage[H, T](t.validator, worker, ids))
}

func (t *ChannelTransport[H, T]) SendWorkerBatch(to uint16, batch *TransmissionBatch[H, T]) {
	t.send(to, NewWorkerBatchMessage[H, T](t.validator, batch.Worker, batch))
}

func (t *ChannelTransport[H, T]) SendDisconnect(to uint16, reason DisconnectReason) {
	t.send(to, NewDisconnectMessage[H, T](t.validator, reason))
}

func (t *ChannelTransport[H, T]) Receive() <-chan Message[H, T] {
	return t.incoming
}

// Dropped returns the number of messages dropped on full peer queues.
func (t *ChannelTransport[H, T]) Dropped() uint64 {
	return t.dropped.Load()
}

func (t *ChannelTransport[H, T]) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.incoming)
	}
	return nil
}

// StreamLayer provides the low level stream abstraction under the gateway.
type StreamLayer interface {
	net.Listener

	// Dial creates a new outgoing connection.
	Dial(address string, timeout time.Duration) (net.Conn, error)
}

// TCPStreamLayer implements StreamLayer for plain TCP.
type TCPStreamLayer struct {
	listener *net.TCPListener
}

// NewTCPStreamLayer binds a TCP listener on the given address.
func NewTCPStreamLayer(bindAddr string) (*TCPStreamLayer, error) {
	list, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}
	return &TCPStreamLayer{listener: list.(*net.TCPListener)}, nil
}

func (t *TCPStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", address, timeout)
}

func (t *TCPStreamLayer) Accept() (net.Conn, error) { return t.listener.Accept() }
func (t *TCPStreamLayer) Close() error              { return t.listener.Close() }
func (t *TCPStreamLayer) Addr() net.Addr            { return t.listener.Addr() }

// gatewayProtocolVersion is exchanged in the handshake. Peers speaking a
// different version are disconnected with OUTDATED_VERSION.
const gatewayProtocolVersion uint8 = 1

// helloSize is version(1) + validator index(2).
const helloSize = 3

// GatewayConfig configures a TCP gateway.
type GatewayConfig struct {
	Validator uint16

	// Peers maps validator index to dial address. The gateway keeps one
	// outbound connection per peer and accepts one inbound per peer.
	Peers map[uint16]string

	Stream StreamLayer
	Wire   WireConfig
	Guard  *PeerGuard
	Logger *zap.Logger

	// DialTimeout bounds outbound connection attempts (default: 3s).
	DialTimeout time.Duration

	// RedialInterval is the base backoff between failed dials (default: 250ms).
	RedialInterval time.Duration

	// SendQueueSize bounds each peer's outbound queue (default: 1024).
	SendQueueSize int

	// ReceiveQueueSize bounds the shared inbound queue (default: 4096).
	ReceiveQueueSize int
}

// gatewayPeer is the outbound side of one peer link.
type gatewayPeer[H Hash, T Transmission[H]] struct {
	index     uint16
	addr      string
	sendCh    chan Message[H, T]
	breaker   *CircuitBreaker
	connected atomic.Bool
}

// Gateway is the production transport: one framed stream per peer in each
// direction, authenticated by a version/index handshake. Sends are
// best-effort; messages to unreachable peers are dropped and recovered by
// the protocol's fetch paths.
type Gateway[H Hash, T Transmission[H]] struct {
	cfg   GatewayConfig
	codec *WireCodec[H, T]

	recvCh chan Message[H, T]

	mu        sync.Mutex
	outbound  map[uint16]*gatewayPeer[H, T]
	inbound   map[uint16]net.Conn
	closed    bool
	cancel    context.CancelFunc
	group     *errgroup.Group
	groupOnce sync.Once

	droppedOutbound atomic.Uint64
	droppedInbound  atomic.Uint64
	violations      atomic.Uint64

	logger *zap.Logger
}

// NewGateway creates a gateway. Call Start to begin accepting and dialing.
func NewGateway[H Hash, T Transmission[H]](
	cfg GatewayConfig,
	codec *WireCodec[H, T],
) (*Gateway[H, T], error) {
	if cfg.Stream == nil {
		return nil, errors.New("gateway requires a stream layer")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	if cfg.RedialInterval == 0 {
		cfg.RedialInterval = 250 * time.Millisecond
	}
	if cfg.SendQueueSize == 0 {
		cfg.SendQueueSize = 1024
	}
	if cfg.ReceiveQueueSize == 0 {
		cfg.ReceiveQueueSize = 4096
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Gateway[H, T]{
		cfg:      cfg,
		codec:    codec,
		recvCh:   make(chan Message[H, T], cfg.ReceiveQueueSize),
		outbound: make(map[uint16]*gatewayPeer[H, T]),
		inbound:  make(map[uint16]net.Conn),
		logger:   logger.With(zap.String("component", "gateway"), zap.Uint16("validator", cfg.Validator)),
	}

	for index, addr := range cfg.Peers {
		if index == cfg.Validator {
			continue
		}
		g.outbound[index] = &gatewayPeer[H, T]{
			index:   index,
			addr:    addr,
			sendCh:  make(chan Message[H, T], cfg.SendQueueSize),
			breaker: NewCircuitBreaker(DefaultCircuitBreakerConfig()),
		}
	}

	return g, nil
}

// PeerUsable reports whether the peer's circuit admits traffic. Used to
// steer fetch requests away from peers whose dials keep failing.
func (g *Gateway[H, T]) PeerUsable(index uint16) bool {
	g.mu.Lock()
	peer, ok := g.outbound[index]
	g.mu.Unlock()
	if !ok {
		return false
	}
	return peer.breaker.Usable()
}

// Start launches the accept loop and one dial loop per peer.
func (g *Gateway[H, T]) Start(ctx context.Context) {
	g.groupOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		group, ctx := errgroup.WithContext(ctx)

		g.mu.Lock()
		g.cancel = cancel
		g.group = group
		g.mu.Unlock()

		group.Go(func() error {
			g.acceptLoop(ctx)
			return nil
		})
		for _, peer := range g.outbound {
			peer := peer
			group.Go(func() error {
				g.runPeer(ctx, peer)
				return nil
			})
		}
	})
}

// acceptLoop accepts inbound connections with exponential backoff on
// transient accept errors.
func (g *Gateway[H, T]) acceptLoop(ctx context.Context) {
	const baseDelay = 5 * time.Millisecond
	const maxDelay = 1 * time.Second

	var loopDelay time.Duration
	for {
		conn, err := g.cfg.Stream.Accept()
		if err != nil {
			if g.isClosed() || ctx.Err() != nil {
				return
			}
			if loopDelay == 0 {
				loopDelay = baseDelay
			} else {
				loopDelay *= 2
			}
			if loopDelay > maxDelay {
				loopDelay = maxDelay
			}
			g.logger.Error("failed to accept connection", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(loopDelay):
				continue
			}
		}
		loopDelay = 0

		g.group.Go(func() error {
			g.handleInbound(ctx, conn)
			return nil
		})
	}
}

// handleInbound performs the handshake and then decodes frames for the
// connection's lifetime.
func (g *Gateway[H, T]) handleInbound(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	peer, err := readHello(r)
	if err != nil {
		if errors.Is(err, errOutdatedVersion) {
			g.writeDisconnect(conn, DisconnectOutdatedVersion)
		} else {
			g.writeDisconnect(conn, DisconnectInvalidChallenge)
		}
		g.logger.Debug("rejected inbound connection",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.Error(err))
		return
	}

	if _, known := g.outbound[peer]; !known && peer != g.cfg.Validator {
		g.writeDisconnect(conn, DisconnectInvalidChallenge)
		g.logger.Debug("rejected unknown peer",
			zap.Uint16("peer", peer),
			zap.String("remote", conn.RemoteAddr().String()))
		return
	}

	if g.cfg.Guard != nil && g.cfg.Guard.IsBanned(peer) {
		g.writeDisconnect(conn, DisconnectExceededFailureThreshold)
		return
	}

	g.mu.Lock()
	if prev, ok := g.inbound[peer]; ok {
		prev.Close()
	}
	g.inbound[peer] = conn
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		if g.inbound[peer] == conn {
			delete(g.inbound, peer)
		}
		g.mu.Unlock()
	}()

	g.logger.Debug("accepted peer connection",
		zap.Uint16("peer", peer),
		zap.String("remote", conn.RemoteAddr().String()))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := g.codec.DecodeMessage(r, peer)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				g.logger.Debug("failed to decode message",
					zap.Uint16("peer", peer),
					zap.Error(err))
				g.recordViolation(peer)
			}
			return
		}

		if g.cfg.Guard != nil && !g.cfg.Guard.AllowMessage(peer) {
			g.droppedInbound.Add(1)
			if g.cfg.Guard.IsBanned(peer) {
				g.writeDisconnect(conn, DisconnectExceededFailureThreshold)
				return
			}
			continue
		}

		if msg.Type() == MessageDisconnect {
			if dm, ok := msg.(*DisconnectMessage[H, T]); ok {
				g.logger.Info("peer disconnected",
					zap.Uint16("peer", peer),
					zap.String("reason", dm.Reason.String()))
			}
			return
		}

		select {
		case g.recvCh <- msg:
		case <-ctx.Done():
			return
		default:
			g.droppedInbound.Add(1)
		}
	}
}

// recordViolation feeds the peer guard and escalates to a ban when the
// strike threshold is crossed.
func (g *Gateway[H, T]) recordViolation(peer uint16) {
	g.violations.Add(1)
	if g.cfg.Guard == nil {
		return
	}
	if g.cfg.Guard.RecordViolation(peer) {
		g.logger.Warn("peer banned for repeated violations", zap.Uint16("peer", peer))
		g.SendDisconnect(peer, DisconnectExceededFailureThreshold)
	}
}

// runPeer maintains the outbound connection to one peer, redialing with
// backoff behind a circuit breaker.
func (g *Gateway[H, T]) runPeer(ctx context.Context, peer *gatewayPeer[H, T]) {
	backoff := g.cfg.RedialInterval

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !peer.breaker.Allow() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}

		conn, err := g.dialPeer(peer)
		if err != nil {
			peer.breaker.RecordFailure()
			g.logger.Debug("failed to dial peer",
				zap.Uint16("peer", peer.index),
				zap.String("addr", peer.addr),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}

		peer.breaker.RecordSuccess()
		backoff = g.cfg.RedialInterval
		peer.connected.Store(true)
		g.logger.Debug("connected to peer",
			zap.Uint16("peer", peer.index),
			zap.String("addr", peer.addr))

		g.writeLoop(ctx, peer, conn)
		peer.connected.Store(false)
		conn.Close()
	}
}

func (g *Gateway[H, T]) dialPeer(peer *gatewayPeer[H, T]) (net.Conn, error) {
	conn, err := g.cfg.Stream.Dial(peer.addr, g.cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	if err := writeHello(conn, g.cfg.Validator); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake failed: %w", err)
	}
	return conn, nil
}

// writeLoop drains the peer's send queue onto the connection. Returns when
// the connection breaks or the gateway shuts down.
func (g *Gateway[H, T]) writeLoop(ctx context.Context, peer *gatewayPeer[H, T], conn net.Conn) {
	w := bufio.NewWriter(conn)

	for {
		select {
		case <-ctx.Done():
			// Best-effort courtesy notice before closing.
			if err := g.codec.EncodeMessage(w, NewDisconnectMessage[H, T](g.cfg.Validator, DisconnectShuttingDown)); err == nil {
				w.Flush()
			}
			return
		case msg := <-peer.sendCh:
			if err := g.codec.EncodeMessage(w, msg); err != nil {
				g.logger.Debug("failed to encode message",
					zap.Uint16("peer", peer.index),
					zap.Error(err))
				return
			}
			if err := w.Flush(); err != nil {
				g.logger.Debug("failed to write to peer",
					zap.Uint16("peer", peer.index),
					zap.Error(err))
				return
			}
		}
	}
}

func (g *Gateway[H, T]) writeDisconnect(conn net.Conn, reason DisconnectReason) {
	w := bufio.NewWriter(conn)
	if err := g.codec.EncodeMessage(w, NewDisconnectMessage[H, T](g.cfg.Validator, reason)); err == nil {
		w.Flush()
	}
}

// enqueue places a message on a peer's outbound queue, dropping on overflow.
func (g *Gateway[H, T]) enqueue(to uint16, msg Message[H, T]) {
	g.mu.Lock()
	peer := g.outbound[to]
	closed := g.closed
	g.mu.Unlock()

	if peer == nil || closed {
		return
	}

	select {
	case peer.sendCh <- msg:
	default:
		g.droppedOutbound.Add(1)
	}
}

func (g *Gateway[H, T]) broadcast(msg Message[H, T]) {
	g.mu.Lock()
	peers := make([]*gatewayPeer[H, T], 0, len(g.outbound))
	for _, peer := range g.outbound {
		peers = append(peers, peer)
	}
	closed := g.closed
	g.mu.Unlock()

	if closed {
		return
	}

	for _, peer := range peers {
		select {
		case peer.sendCh <- msg:
		default:
			g.droppedOutbound.Add(1)
		}
	}
}

func (g *Gateway[H, T]) BroadcastPropose(header *BatchHeader[H]) {
	g.broadcast(NewBatchProposeMessage[H, T](g.cfg.Validator, header))
}

func (g *Gateway[H, T]) SendSignature(to uint16, sig *BatchSignature[H]) {
	g.enqueue(to, NewBatchSignatureMessage[H, T](g.cfg.Validator, sig))
}

func (g *Gateway[H, T]) BroadcastCertified(cert *BatchCertificate[H]) {
	g.broadcast(NewBatchCertifiedMessage[H, T](g.cfg.Validator, cert))
}

func (g *Gateway[H, T]) SendCertificateRequest(to uint16, certificateID H) {
	g.enqueue(to, NewCertificateRequestMessage[H, T](g.cfg.Validator, certificateID))
}

func (g *Gateway[H, T]) SendCertificateResponse(to uint16, cert *BatchCertificate[H]) {
	g.enqueue(to, NewCertificateResponseMessage[H, T](g.cfg.Validator, cert))
}

func (g *Gateway[H, T]) SendTransmissionRequest(to uint16, transmissionID H) {
	g.enqueue(to, NewTransmissionRequestMessage[H, T](g.cfg.Validator, transmissionID))
}

func (g *Gateway[H, T]) SendTransmissionResponse(to uint16, worker uint8, id H, tm T) {
	g.enqueue(to, NewTransmissionResponseMessage[H, T](g.cfg.Validator, worker, id, tm))
}

func (g *Gateway[H, T]) BroadcastPing(round, frontier uint64, locators []CertificateLocator[H]) {
	g.broadcast(NewPingMessage[H, T](g.cfg.Validator, round, frontier, locators))
}

func (g *Gateway[H, T]) SendPong(to uint16, round, frontier uint64) {
	g.enqueue(to, NewPongMessage[H, T](g.cfg.Validator, round, frontier))
}

func (g *Gateway[H, T]) BroadcastWorkerPing(worker uint8, ids []H) {
	g.broadcast(NewWorkerPingMessage[H, T](g.cfg.Validator, worker, ids))
}

func (g *Gateway[H, T]) SendWorkerBatch(to uint16, batch *TransmissionBatch[H, T]) {
	g.enqueue(to, NewWorkerBatchMessage[H, T](g.cfg.Validator, batch.Worker, batch))
}

func (g *Gateway[H, T]) SendDisconnect(to uint16, reason DisconnectReason) {
	g.enqueue(to, NewDisconnectMessage[H, T](g.cfg.Validator, reason))
}

func (g *Gateway[H, T]) Receive() <-chan Message[H, T] {
	return g.recvCh
}

func (g *Gateway[H, T]) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Close shuts down the listener, all connections and all loops.
func (g *Gateway[H, T]) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	cancel := g.cancel
	for _, conn := range g.inbound {
		conn.Close()
	}
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := g.cfg.Stream.Close()
	if g.group != nil {
		_ = g.group.Wait()
	}
	return err
}

// GatewayStats contains transport statistics for monitoring.
type GatewayStats struct {
	ConnectedPeers  int
	InboundPeers    int
	DroppedOutbound uint64
	DroppedInbound  uint64
	Violations      uint64
}

// Stats returns current gateway statistics.
func (g *Gateway[H, T]) Stats() GatewayStats {
	g.mu.Lock()
	inbound := len(g.inbound)
	g.mu.Unlock()

	connected := 0
	for _, peer := range g.outbound {
		if peer.connected.Load() {
			connected++
		}
	}

	return GatewayStats{
		ConnectedPeers:  connected,
		InboundPeers:    inbound,
		DroppedOutbound: g.droppedOutbound.Load(),
		DroppedInbound:  g.droppedInbound.Load(),
		Violations:      g.violations.Load(),
	}
}

var errOutdatedVersion = errors.New("outdated protocol version")

// writeHello sends the handshake preamble: version then validator index.
func writeHello(w io.Writer, validator uint16) error {
	var buf [helloSize]byte
	buf[0] = gatewayProtocolVersion
	binary.BigEndian.PutUint16(buf[1:], validator)
	_, err := w.Write(buf[:])
	return err
}

// readHello reads and validates the handshake preamble.
func readHello(r io.Reader) (uint16, error) {
	var buf [helloSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	if buf[0] != gatewayProtocolVersion {
		return 0, fmt.Errorf("%w: got %d, want %d", errOutdatedVersion, buf[0], gatewayProtocolVersion)
	}
	return binary.BigEndian.Uint16(buf[1:]), nil
}

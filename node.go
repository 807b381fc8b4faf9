package bullshark

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// dependencyQueueSize bounds the insert-notification channel. A dropped
// notification only delays a deferred proposal until the waiter's retry tick.
const dependencyQueueSize = 1024

// Node assembles a full validator: sharded workers feeding a proposing
// primary, the certificate DAG, the commit engine, and the sync machinery
// that keeps them fed across the network.
//
// Call New, then Start. Transmissions enter through AddTransmission; ordered
// sub-DAGs leave through the configured LedgerService and the OnCommit hook.
type Node[H Hash, T Transmission[H]] struct {
	cfg      *Config[H, T]
	hashFunc func([]byte) H

	committeeMu sync.RWMutex
	committee   *Committee
	schedule    LeaderSchedule

	dag       *DAG[H]
	primary   *Primary[H, T]
	workers   []*Worker[H, T]
	commit    *CommitEngine[H, T]
	waiter    *ProposalWaiter[H]
	pending   *Pending[H]
	validator *Validator[H, T]
	cache     *Cache[H]
	gc        *GarbageCollector[H, T]
	guard     *PeerGuard
	timer     Timer

	hooks  *Hooks[H]
	logger *zap.Logger

	// DAG hooks fire with the DAG mutex held. These channels decouple hook
	// reactions from work that reads the DAG again on another lock path.
	scanCh chan struct{}
	depCh  chan H

	// Last sealed transmission IDs per worker, advertised in worker pings.
	recentMu sync.Mutex
	recent   [][]H

	peerMu sync.Mutex
	peers  map[uint16]PeerStatus

	runMu   sync.Mutex
	running bool
	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	messagesHandled  atomic.Uint64
	invalidMessages  atomic.Uint64
	droppedMessages  atomic.Uint64
	droppedProposals atomic.Uint64
	droppedNotifies  atomic.Uint64
	droppedBatches   atomic.Uint64
	equivocations    atomic.Uint64
	watchdogFires    atomic.Uint64
}

// PeerStatus is the last gossiped state of a peer.
type PeerStatus struct {
	Round    uint64
	Frontier uint64
	LastSeen time.Time
}

// New creates a Node from the config and a hash function for content
// addressing. The config must already satisfy NewConfig's requirements.
func New[H Hash, T Transmission[H]](cfg *Config[H, T], hashFunc func([]byte) H) (*Node[H, T], error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if hashFunc == nil {
		return nil, fmt.Errorf("hash function is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	n := &Node[H, T]{
		cfg:       cfg,
		hashFunc:  hashFunc,
		committee: cfg.Committee,
		timer:     cfg.Timer,
		logger:    logger.With(zap.String("component", "node"), zap.Uint16("validator", cfg.Validator)),
		scanCh:    make(chan struct{}, 1),
		depCh:     make(chan H, dependencyQueueSize),
		recent:    make([][]H, cfg.NumWorkers),
		peers:     make(map[uint16]PeerStatus),
	}

	schedule := cfg.Schedule
	if schedule == nil {
		schedule = NewStakeWeightedLeaderSchedule(cfg.Committee)
	}
	n.schedule = schedule

	hooks := cfg.Hooks
	if cfg.RecoverHooks {
		hooks = NewRecoveryMiddleware(hooks, logger)
	}
	n.hooks = n.wrapHooks(hooks)

	n.cache = NewCache[H](cfg.Cache)
	n.validator = NewValidator[H, T](cfg.Validation, cfg.Committee, hashFunc)
	n.guard = NewPeerGuard(PeerGuardConfig{})

	n.dag = NewDAGWithCrypto[H](cfg.Committee, n.hooks, cfg.CryptoProvider, cfg.SignatureCache, logger)
	n.dag.OnEquivocation(n.onEquivocationEvidence)

	n.workers = make([]*Worker[H, T], cfg.NumWorkers)
	for i := uint8(0); i < cfg.NumWorkers; i++ {
		n.workers[i] = NewWorker(WorkerConfig[H, T]{
			Worker:       i,
			Validator:    cfg.Validator,
			NumWorkers:   cfg.NumWorkers,
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
			HashFunc:     hashFunc,
			OnBatch:      n.onWorkerBatch,
			Cache:        n.cache,
			Store:        cfg.Store,
			Hooks:        n.hooks,
			Logger:       logger,
			MaxPending:   cfg.MaxPendingTransmissions,
			DropOnFull:   cfg.DropOnFull,
		})
	}

	n.primary = NewPrimary(PrimaryConfig[H, T]{
		Validator:              cfg.Validator,
		DAG:                    n.dag,
		Committee:              cfg.Committee,
		Signer:                 cfg.Signer,
		Transport:              cfg.Transport,
		Store:                  cfg.Store,
		HashFunc:               hashFunc,
		Hooks:                  n.hooks,
		Logger:                 logger,
		HasTransmission:        n.hasTransmission,
		ProposalInterval:       cfg.ProposalInterval,
		MaxProposalDelay:       cfg.MaxProposalDelay,
		MaxProposalRetries:     cfg.MaxProposalRetries,
		ProposalRetryInterval:  cfg.ProposalRetryInterval,
		MaxHeaderTransmissions: cfg.MaxHeaderTransmissions,
		MaxTimestampDrift:      cfg.Validation.MaxTimestampDrift,
		NetworkModel:           cfg.NetworkModel,
		Schedule:               schedule,
		MaxPendingBatches:      cfg.MaxPendingBatches,
		DropOnFull:             cfg.DropOnFull,
		CryptoProvider:         cfg.CryptoProvider,
		SignatureCache:         cfg.SignatureCache,
	})

	n.commit = NewCommitEngine(CommitConfig[H, T]{
		DAG:                 n.dag,
		Committee:           cfg.Committee,
		Schedule:            schedule,
		Ledger:              cfg.Ledger,
		Store:               cfg.Store,
		Hooks:               n.hooks,
		Logger:              logger,
		GetTransmission:     n.getTransmission,
		RequestTransmission: n.requestCommitTransmission,
		ScanInterval:        cfg.CommitScanInterval,
	})

	n.pending = NewPending[H](cfg.Pending, cfg.Validator, cfg.Committee, logger)
	if health, ok := cfg.Transport.(interface{ PeerUsable(peer uint16) bool }); ok {
		n.pending.SetPeerFilter(health.PeerUsable)
	}

	n.waiter = NewProposalWaiter[H](cfg.Waiter, n.processDeferredProposal, n.hasCertificate, n.hasTransmission, logger)
	if cfg.FetchMissing {
		n.waiter.SetRequestFunc(n.onWaiterRequest)
	}

	n.gc = NewGarbageCollector(GCConfig{
		Interval:      cfg.GCInterval,
		RetainRounds:  cfg.GCDepth,
		CheckInterval: cfg.GCCheckInterval,
	}, n.dag, cfg.Store, logger)

	return n, nil
}

// wrapHooks layers the node's own reactions under the user's hooks. DAG
// hooks fire with the DAG mutex held, so cross-component reactions go
// through channels rather than calling back into lock-holding components.
func (n *Node[H, T]) wrapHooks(user *Hooks[H]) *Hooks[H] {
	wrapped := user.Clone()
	if wrapped == nil {
		wrapped = &Hooks[H]{}
	}

	prevInserted := wrapped.OnCertificateInserted
	wrapped.OnCertificateInserted = func(e CertificateInsertedEvent[H]) {
		n.notifyDependency(e.Certificate.ID())
		n.notifyScan()
		if prevInserted != nil {
			prevInserted(e)
		}
	}

	prevAdvanced := wrapped.OnRoundAdvanced
	wrapped.OnRoundAdvanced = func(e RoundAdvancedEvent) {
		if n.started.Load() {
			n.timer.Reset()
		}
		n.notifyScan()
		if prevAdvanced != nil {
			prevAdvanced(e)
		}
	}

	prevCommit := wrapped.OnCommit
	wrapped.OnCommit = func(e CommitEvent[H]) {
		n.gc.SetFrontier(e.Frontier)
		if prevCommit != nil {
			prevCommit(e)
		}
	}

	return wrapped
}

func (n *Node[H, T]) notifyDependency(id H) {
	select {
	case n.depCh <- id:
	default:
		n.droppedNotifies.Add(1)
	}
}

func (n *Node[H, T]) notifyScan() {
	select {
	case n.scanCh <- struct{}{}:
	default:
	}
}

// Start restores the persisted DAG window, then launches all component
// loops. Returns an error if the node is already running or restore fails.
func (n *Node[H, T]) Start() error {
	n.runMu.Lock()
	defer n.runMu.Unlock()

	if n.running {
		return fmt.Errorf("node already started")
	}

	if err := n.restoreFromStore(); err != nil {
		return fmt.Errorf("restore from store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.running = true
	n.started.Store(true)

	for _, w := range n.workers {
		n.runLoop(ctx, w.Run)
	}
	n.runLoop(ctx, n.primary.Run)
	n.runLoop(ctx, n.commit.Run)
	n.runLoop(ctx, n.waiter.Run)
	n.runLoop(ctx, n.gc.Run)
	n.runLoop(ctx, n.messageLoop)
	n.runLoop(ctx, n.scanLoop)
	n.runLoop(ctx, n.dependencyLoop)
	n.runLoop(ctx, n.sweepLoop)
	n.runLoop(ctx, n.pingLoop)
	n.runLoop(ctx, n.watchdogLoop)

	n.timer.Start()

	n.cfg.LogWarnings()
	n.logger.Info("node started",
		zap.Uint64("round", n.dag.CurrentRound()),
		zap.Uint64("frontier", n.commit.Frontier()),
		zap.Uint8("workers", n.cfg.NumWorkers))

	return nil
}

func (n *Node[H, T]) runLoop(ctx context.Context, fn func(context.Context)) {
	n.wg.Add(1)
	GoWithRecoveryCtx(ctx, RecoveryConfig{Logger: n.logger}, func(ctx context.Context) {
		defer n.wg.Done()
		fn(ctx)
	})
}

// restoreFromStore reloads the persisted working window into the DAG and
// seeds the commit frontier. The GC watermark is set before any inserts so
// that parents outside the window count as known ancestry.
func (n *Node[H, T]) restoreFromStore() error {
	store := n.cfg.Store

	highest, err := store.GetHighestRound()
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	frontier, height, err := store.GetCommitState()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	var start uint64
	if highest > n.cfg.GCDepth {
		start = highest - n.cfg.GCDepth
	}
	if start > 0 {
		n.dag.GarbageCollect(start)
	}

	restored := 0
	for round := start; round <= highest; round++ {
		certs, err := store.GetCertificatesForRound(round)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		for _, cert := range certs {
			if err := n.dag.InsertValidatedCertificate(cert); err != nil {
				n.logger.Warn("dropping persisted certificate",
					zap.String("id", cert.ID().String()),
					zap.Uint64("round", cert.Round()),
					zap.Error(err))
				continue
			}
			n.primary.ObserveCertificate(cert)
			restored++
		}
	}

	n.commit.SetFrontier(frontier, height)
	n.gc.SetFrontier(frontier)

	// Everything at or below the frontier was already emitted to the ledger.
	if frontier > 0 {
		n.dag.MarkCommitted(n.dag.GetUncommittedUpTo(frontier))
	}

	if restored > 0 || frontier > 0 {
		n.logger.Info("restored from store",
			zap.Int("certificates", restored),
			zap.Uint64("highest_round", highest),
			zap.Uint64("frontier", frontier),
			zap.Uint64("height", height))
	}

	return nil
}

// Stop halts all loops and waits for them to finish. Safe to call more than
// once; only the first call does anything.
func (n *Node[H, T]) Stop() {
	n.runMu.Lock()
	defer n.runMu.Unlock()

	if !n.running {
		return
	}
	n.running = false
	n.started.Store(false)

	n.timer.Stop()
	n.cancel()
	n.wg.Wait()

	committee := n.currentCommittee()
	for i := 0; i < committee.Size(); i++ {
		peer := uint16(i)
		if peer == n.cfg.Validator {
			continue
		}
		n.cfg.Transport.SendDisconnect(peer, DisconnectShuttingDown)
	}

	n.logger.Info("node stopped")
}

// AddTransmission routes a local transmission to its owning worker shard.
// Returns an error if the worker's queue is full and DropOnFull is unset,
// or if the store rejects the payload.
func (n *Node[H, T]) AddTransmission(tm T) error {
	worker := AssignToWorker(tm.Hash(), n.cfg.NumWorkers)
	_, err := n.workers[worker].IngestTransmission(tm)
	return err
}

// onWorkerBatch runs when a local worker seals a batch. The batch is
// replicated to the matching worker on every peer before it is handed to
// the primary, so peers can sign the eventual header without fetching.
func (n *Node[H, T]) onWorkerBatch(batch *TransmissionBatch[H, T]) {
	committee := n.currentCommittee()
	for i := 0; i < committee.Size(); i++ {
		peer := uint16(i)
		if peer == n.cfg.Validator {
			continue
		}
		n.cfg.Transport.SendWorkerBatch(peer, batch)
	}

	ids := make([]H, len(batch.Transmissions))
	for i, tm := range batch.Transmissions {
		ids[i] = tm.Hash()
	}
	n.recentMu.Lock()
	if int(batch.Worker) < len(n.recent) {
		n.recent[batch.Worker] = ids
	}
	n.recentMu.Unlock()

	if !n.primary.OnBatchSealed(batch) {
		n.droppedBatches.Add(1)
	}
}

// Message loop and handlers

func (n *Node[H, T]) messageLoop(ctx context.Context) {
	recv := n.cfg.Transport.Receive()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-recv:
			if !ok {
				return
			}
			n.handleMessage(msg)
		}
	}
}

func (n *Node[H, T]) handleMessage(msg Message[H, T]) {
	if msg == nil {
		return
	}
	from := msg.Sender()

	if from == n.cfg.Validator {
		return
	}
	if !n.currentCommittee().Contains(from) {
		n.droppedMessages.Add(1)
		return
	}
	if !n.guard.AllowMessage(from) {
		n.droppedMessages.Add(1)
		return
	}
	n.messagesHandled.Add(1)

	var err error
	switch m := msg.(type) {
	case *BatchProposeMessage[H, T]:
		err = n.handlePropose(m.Header, from)
	case *BatchSignatureMessage[H, T]:
		err = n.handleSignature(m.Signature, from)
	case *BatchCertifiedMessage[H, T]:
		err = n.handleCertificate(m.Certificate, from)
	case *CertificateRequestMessage[H, T]:
		n.handleCertificateRequest(m.CertificateID, from)
	case *CertificateResponseMessage[H, T]:
		err = n.handleCertificate(m.Certificate, from)
	case *TransmissionRequestMessage[H, T]:
		n.handleTransmissionRequest(m.TransmissionID, from)
	case *TransmissionResponseMessage[H, T]:
		err = n.handleTransmissionResponse(m, from)
	case *PingMessage[H, T]:
		n.handlePing(m, from)
	case *PongMessage[H, T]:
		n.recordPeer(from, m.Round, m.Frontier)
	case *WorkerPingMessage[H, T]:
		err = n.handleWorkerPing(m, from)
	case *WorkerBatchMessage[H, T]:
		err = n.handleWorkerBatch(m, from)
	case *DisconnectMessage[H, T]:
		n.handleDisconnect(m, from)
	default:
		err = fmt.Errorf("%w: unknown message type %v", ErrMalformedMessage, msg.Type())
	}

	if err != nil {
		n.strike(from, msg.Type(), err)
	}
}

// strike records a protocol violation against a peer and disconnects it once
// the guard's strike threshold bans it.
func (n *Node[H, T]) strike(peer uint16, msgType MessageType, err error) {
	n.invalidMessages.Add(1)
	n.logger.Warn("invalid message",
		zap.Uint16("peer", peer),
		zap.Stringer("type", msgType),
		zap.Error(err))

	if n.guard.RecordViolation(peer) {
		n.cfg.Transport.SendDisconnect(peer, DisconnectExceededFailureThreshold)
	}
}

func (n *Node[H, T]) handlePropose(header *BatchHeader[H], from uint16) error {
	if header == nil {
		return fmt.Errorf("%w: empty proposal", ErrMalformedMessage)
	}

	err := n.primary.OnProposalReceived(header, from)
	if err == nil {
		return nil
	}

	var missingPrev *MissingPreviousError[H]
	switch {
	case errors.As(err, &missingPrev):
		n.deferProposal(header, from, missingPrev.Missing, nil)
		return nil
	case errors.Is(err, ErrNotFound):
		n.deferProposal(header, from, nil, n.missingTransmissions(header))
		return nil
	case errors.Is(err, ErrWrongEpoch):
		// A peer mid-reconfiguration is behind, not hostile.
		n.logger.Debug("proposal for wrong epoch",
			zap.Uint16("peer", from),
			zap.Uint64("epoch", header.Epoch))
		return nil
	default:
		return err
	}
}

func (n *Node[H, T]) deferProposal(header *BatchHeader[H], from uint16, missingPrevious, missingTransmissions []H) {
	if !n.waiter.Add(header, from, missingPrevious, missingTransmissions) {
		n.droppedProposals.Add(1)
	}
}

// missingTransmissions lists the header's transmission IDs this validator
// does not hold yet.
func (n *Node[H, T]) missingTransmissions(header *BatchHeader[H]) []H {
	var missing []H
	for _, id := range header.TransmissionIDs {
		if !n.hasTransmission(id) {
			missing = append(missing, id)
		}
	}
	return missing
}

// processDeferredProposal retries a parked proposal once its dependencies
// arrived. Runs on the waiter's goroutine.
func (n *Node[H, T]) processDeferredProposal(header *BatchHeader[H], from uint16) error {
	return n.primary.OnProposalReceived(header, from)
}

func (n *Node[H, T]) handleSignature(sig *BatchSignature[H], from uint16) error {
	if sig == nil {
		return fmt.Errorf("%w: empty signature share", ErrMalformedMessage)
	}
	if sig.Signer != from {
		return fmt.Errorf("%w: share for signer %d sent by %d", ErrInvalidSignature, sig.Signer, from)
	}
	return n.primary.OnSignatureReceived(sig, from)
}

// handleCertificate serves both gossiped certificates and fetch responses.
func (n *Node[H, T]) handleCertificate(cert *BatchCertificate[H], from uint16) error {
	if cert == nil {
		return fmt.Errorf("%w: empty certificate", ErrMalformedMessage)
	}

	id := cert.ID()
	if n.cache.InsertSeenCertificate(id) {
		return nil
	}

	// Cheap structural checks before any signature work.
	if err := n.validator.ValidateCertificate(cert, n.dag.CurrentRound(), false); err != nil {
		if errors.Is(err, ErrWrongEpoch) {
			n.logger.Debug("certificate for wrong epoch",
				zap.Uint16("peer", from),
				zap.Uint64("epoch", cert.Header.Epoch))
			return nil
		}
		return err
	}

	// The bytes are in hand; any outstanding fetch for this ID is done even
	// if acceptance is deferred on missing ancestry below.
	n.resolveFetched(id, PendingCertificate)

	// Full signature verification happens on insert; the structural screen
	// above only rejects the obvious garbage cheaply.
	err := n.dag.InsertValidatedCertificate(cert)
	if err == nil {
		n.primary.ObserveCertificate(cert)
		return nil
	}

	var missingPrev *MissingPreviousError[H]
	var equiv *EquivocationError[H]
	switch {
	case errors.As(err, &missingPrev):
		if n.cfg.FetchMissing {
			for _, parent := range missingPrev.Missing {
				n.requestMissing(parent, PendingCertificate)
			}
		}
		return nil
	case errors.As(err, &equiv):
		// The relaying peer may be honest; the evidence callback carries
		// the conflicting pair for slashing.
		return nil
	default:
		return err
	}
}

func (n *Node[H, T]) handleCertificateRequest(id H, from uint16) {
	cert := n.dag.GetCertificate(id)
	if cert == nil {
		stored, err := n.cfg.Store.GetCertificate(id)
		if err != nil {
			return
		}
		cert = stored
	}
	n.cfg.Transport.SendCertificateResponse(from, cert)
}

func (n *Node[H, T]) handleTransmissionRequest(id H, from uint16) {
	worker := AssignToWorker(id, n.cfg.NumWorkers)
	tm, ok := n.workers[worker].ServeTransmission(id)
	if !ok {
		return
	}
	n.cfg.Transport.SendTransmissionResponse(from, worker, id, tm)
}

func (n *Node[H, T]) handleTransmissionResponse(msg *TransmissionResponseMessage[H, T], from uint16) error {
	if err := n.validator.ValidateMessageSize(MessageTransmissionResponse, len(msg.Transmission.Bytes())); err != nil {
		return err
	}
	if !msg.Transmission.Hash().Equals(msg.TransmissionID) {
		return fmt.Errorf("%w: payload does not match requested ID", ErrMalformedMessage)
	}
	if AssignToWorker(msg.TransmissionID, n.cfg.NumWorkers) != msg.Worker {
		return fmt.Errorf("%w: worker %d does not own transmission", ErrMisroutedTransmission, msg.Worker)
	}

	// Fetched payloads go straight to the store. They are already batched
	// under some proposer's header and must not re-enter local batching.
	if err := n.cfg.Store.PutTransmission(msg.Transmission); err != nil {
		n.logger.Error("failed to store fetched transmission",
			zap.String("id", msg.TransmissionID.String()),
			zap.Error(err))
		return nil
	}
	n.cache.InsertSeenTransmission(msg.TransmissionID)

	n.resolveFetched(msg.TransmissionID, PendingTransmission)
	n.waiter.OnDependencyAvailable(msg.TransmissionID)
	// A held emission may have been waiting on exactly this payload.
	n.notifyScan()
	return nil
}

func (n *Node[H, T]) handlePing(msg *PingMessage[H, T], from uint16) {
	n.recordPeer(from, msg.Round, msg.Frontier)
	n.cfg.Transport.SendPong(from, n.dag.CurrentRound(), n.commit.Frontier())

	if !n.cfg.FetchMissing {
		return
	}
	gcRound := n.dag.GCRound()
	for _, locator := range msg.Locators {
		if locator.Round < gcRound {
			continue
		}
		for _, id := range locator.CertificateIDs {
			if n.hasCertificate(id) || n.pending.Contains(id) {
				continue
			}
			// The advertiser holds it; ask directly plus tracked peers.
			n.cfg.Transport.SendCertificateRequest(from, id)
			n.requestMissing(id, PendingCertificate)
		}
	}
}

func (n *Node[H, T]) handleWorkerPing(msg *WorkerPingMessage[H, T], from uint16) error {
	if msg.Worker >= n.cfg.NumWorkers {
		return fmt.Errorf("%w: worker %d out of range", ErrMisroutedTransmission, msg.Worker)
	}
	if !n.cfg.FetchMissing {
		return nil
	}
	for _, id := range msg.TransmissionIDs {
		if AssignToWorker(id, n.cfg.NumWorkers) != msg.Worker {
			return fmt.Errorf("%w: transmission %s not owned by worker %d",
				ErrMisroutedTransmission, id.String(), msg.Worker)
		}
		if n.hasTransmission(id) || n.pending.Contains(id) {
			continue
		}
		n.cfg.Transport.SendTransmissionRequest(from, id)
		n.requestMissing(id, PendingTransmission)
	}
	return nil
}

func (n *Node[H, T]) handleWorkerBatch(msg *WorkerBatchMessage[H, T], from uint16) error {
	batch := msg.Batch
	if batch == nil {
		return fmt.Errorf("%w: empty batch", ErrMalformedMessage)
	}
	if msg.Worker != batch.Worker {
		return fmt.Errorf("%w: envelope worker %d does not match batch worker %d",
			ErrInvalidBatch, msg.Worker, batch.Worker)
	}
	if batch.Worker >= n.cfg.NumWorkers {
		return fmt.Errorf("%w: worker %d out of range", ErrInvalidBatch, batch.Worker)
	}
	if err := n.validator.ValidateBatch(batch, true); err != nil {
		return err
	}
	if err := n.workers[batch.Worker].HandleBatch(batch, from); err != nil {
		return err
	}

	for _, tm := range batch.Transmissions {
		id := tm.Hash()
		n.resolveFetched(id, PendingTransmission)
		n.waiter.OnDependencyAvailable(id)
	}
	n.notifyScan()
	return nil
}

func (n *Node[H, T]) handleDisconnect(msg *DisconnectMessage[H, T], from uint16) {
	n.logger.Info("peer disconnected",
		zap.Uint16("peer", from),
		zap.Stringer("reason", msg.Reason))

	n.peerMu.Lock()
	delete(n.peers, from)
	n.peerMu.Unlock()
}

func (n *Node[H, T]) recordPeer(peer uint16, round, frontier uint64) {
	n.peerMu.Lock()
	n.peers[peer] = PeerStatus{Round: round, Frontier: frontier, LastSeen: time.Now()}
	n.peerMu.Unlock()
}

// Fetch plumbing

// requestMissing registers a fetch with the pending tracker and sends the
// requests it selects. No-op when a fresh request is already outstanding.
func (n *Node[H, T]) requestMissing(id H, kind PendingKind) {
	peers := n.pending.Request(id, kind)
	if len(peers) == 0 {
		return
	}
	n.sendFetch(id, kind, peers)
}

func (n *Node[H, T]) sendFetch(id H, kind PendingKind, peers []uint16) {
	for _, peer := range peers {
		switch kind {
		case PendingCertificate:
			n.cfg.Transport.SendCertificateRequest(peer, id)
		case PendingTransmission:
			n.cfg.Transport.SendTransmissionRequest(peer, id)
		}
	}
	if n.hooks.OnFetchStarted != nil {
		n.hooks.OnFetchStarted(FetchStartedEvent[H]{
			Kind:      kind,
			ID:        id,
			Peers:     peers,
			StartedAt: time.Now(),
		})
	}
}

// resolveFetched clears an outstanding fetch and reports its outcome.
func (n *Node[H, T]) resolveFetched(id H, kind PendingKind) {
	attempts, latency, ok := n.pending.ResolveInfo(id)
	if !ok {
		return
	}
	if n.hooks.OnFetchCompleted != nil {
		n.hooks.OnFetchCompleted(FetchCompletedEvent[H]{
			Kind:        kind,
			ID:          id,
			Success:     true,
			Attempts:    attempts,
			Latency:     latency,
			CompletedAt: time.Now(),
		})
	}
}

// onWaiterRequest fetches a dependency of a deferred proposal. The proposer
// necessarily holds its own ancestry and payloads, so it is asked directly
// in addition to the peers the pending tracker selects.
func (n *Node[H, T]) onWaiterRequest(id H, kind PendingKind, from uint16) {
	switch kind {
	case PendingCertificate:
		n.cfg.Transport.SendCertificateRequest(from, id)
	case PendingTransmission:
		n.cfg.Transport.SendTransmissionRequest(from, id)
	}
	n.requestMissing(id, kind)
}

// requestCommitTransmission chases a payload the commit engine needs to
// deliver a held emission.
func (n *Node[H, T]) requestCommitTransmission(id H) {
	if !n.cfg.FetchMissing {
		return
	}
	n.requestMissing(id, PendingTransmission)
}

// Component callbacks

func (n *Node[H, T]) hasTransmission(id H) bool {
	return n.cfg.Store.HasTransmission(id)
}

func (n *Node[H, T]) getTransmission(id H) (T, bool) {
	tm, err := n.cfg.Store.GetTransmission(id)
	if err != nil {
		var zero T
		return zero, false
	}
	return tm, true
}

func (n *Node[H, T]) hasCertificate(id H) bool {
	if n.dag.GetCertificate(id) != nil {
		return true
	}
	return n.cfg.Store.HasCertificate(id)
}

// onEquivocationEvidence runs on its own goroutine with both conflicting
// certificates, everything an external slashing pipeline needs.
func (n *Node[H, T]) onEquivocationEvidence(evidence *EquivocationEvidence[H]) {
	n.equivocations.Add(1)
	n.logger.Warn("equivocation evidence",
		zap.Uint16("author", evidence.Author),
		zap.Uint64("round", evidence.Round),
		zap.String("certificate1", evidence.Certificate1.ID().String()),
		zap.String("certificate2", evidence.Certificate2.ID().String()))
}

// Periodic loops

func (n *Node[H, T]) scanLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.scanCh:
			n.commit.Scan()
		}
	}
}

func (n *Node[H, T]) dependencyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-n.depCh:
			n.resolveFetched(id, PendingCertificate)
			n.waiter.OnDependencyAvailable(id)
		}
	}
}

func (n *Node[H, T]) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			retries, expired := n.pending.Sweep(time.Now())
			for _, retry := range retries {
				n.sendFetch(retry.ID, retry.Kind, retry.Peers)
			}
			for _, exp := range expired {
				if n.hooks.OnFetchCompleted != nil {
					n.hooks.OnFetchCompleted(FetchCompletedEvent[H]{
						Kind:        exp.Kind,
						ID:          exp.ID,
						Success:     false,
						Attempts:    exp.Attempts,
						Latency:     exp.Age,
						CompletedAt: time.Now(),
					})
				}
			}
		}
	}
}

func (n *Node[H, T]) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.broadcastStatus()
		}
	}
}

// broadcastStatus gossips DAG locators and per-worker transmission
// advertisements so lagging peers can request what they miss.
func (n *Node[H, T]) broadcastStatus() {
	locators := n.dag.Locators(n.cfg.LocatorRounds)
	n.cfg.Transport.BroadcastPing(n.dag.CurrentRound(), n.commit.Frontier(), locators)

	n.recentMu.Lock()
	recent := make([][]H, len(n.recent))
	copy(recent, n.recent)
	n.recentMu.Unlock()

	for worker, ids := range recent {
		if len(ids) > 0 {
			n.cfg.Transport.BroadcastWorkerPing(uint8(worker), ids)
		}
	}
}

// watchdogLoop reacts to round stalls. The timer resets on every round
// advance; when it fires this validator is not seeing quorum traffic, so it
// gossips its state and chases whatever ancestry it knows is missing.
func (n *Node[H, T]) watchdogLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.timer.C():
			n.watchdogFires.Add(1)
			n.logger.Warn("no round progress, requesting sync",
				zap.Uint64("round", n.dag.CurrentRound()),
				zap.Uint64("frontier", n.commit.Frontier()))

			n.broadcastStatus()
			if n.cfg.FetchMissing {
				for _, id := range n.dag.GetMissingPrevious() {
					n.requestMissing(id, PendingCertificate)
				}
			}
			n.timer.Reset()
		}
	}
}

// Committee management

// ApplyCommittee installs the committee for a new epoch and propagates it to
// every component. Safe to call while running; messages for the old epoch
// are rejected by epoch checks from then on.
func (n *Node[H, T]) ApplyCommittee(committee *Committee, schedule LeaderSchedule) error {
	if committee == nil {
		return fmt.Errorf("committee cannot be nil")
	}
	if !committee.Contains(n.cfg.Validator) {
		return fmt.Errorf("validator %d is not in committee for epoch %d", n.cfg.Validator, committee.Epoch())
	}
	if schedule == nil {
		schedule = NewStakeWeightedLeaderSchedule(committee)
	}

	n.committeeMu.Lock()
	n.committee = committee
	n.schedule = schedule
	n.committeeMu.Unlock()

	n.dag.SetCommittee(committee)
	n.validator.SetCommittee(committee)
	n.primary.SetCommittee(committee)
	n.pending.SetCommittee(committee)
	n.commit.SetCommittee(committee, schedule)

	n.logger.Info("committee applied",
		zap.Uint64("epoch", committee.Epoch()),
		zap.Uint64("starting_round", committee.StartingRound()),
		zap.Int("size", committee.Size()))

	return nil
}

func (n *Node[H, T]) currentCommittee() *Committee {
	n.committeeMu.RLock()
	defer n.committeeMu.RUnlock()
	return n.committee
}

// Queries

// DAG returns the certificate DAG for read access.
func (n *Node[H, T]) DAG() *DAG[H] { return n.dag }

// CurrentRound returns the DAG's current proposal round.
func (n *Node[H, T]) CurrentRound() uint64 { return n.dag.CurrentRound() }

// CommitFrontier returns the round of the last committed anchor.
func (n *Node[H, T]) CommitFrontier() uint64 { return n.commit.Frontier() }

// Committee returns the active committee snapshot.
func (n *Node[H, T]) Committee() *Committee { return n.currentCommittee() }

// PeerStatuses returns the last gossiped state of each peer.
func (n *Node[H, T]) PeerStatuses() map[uint16]PeerStatus {
	n.peerMu.Lock()
	defer n.peerMu.Unlock()

	statuses := make(map[uint16]PeerStatus, len(n.peers))
	for peer, status := range n.peers {
		statuses[peer] = status
	}
	return statuses
}

// NodeStats aggregates statistics from every component for monitoring.
type NodeStats struct {
	Round            uint64
	Frontier         uint64
	MessagesHandled  uint64
	InvalidMessages  uint64
	DroppedMessages  uint64
	DroppedProposals uint64
	DroppedNotifies  uint64
	DroppedBatches   uint64
	Equivocations    uint64
	WatchdogFires    uint64
	Peers            int

	DAG     DAGStats
	Primary PrimaryStats
	Commit  CommitStats
	Pending PendingStats
	Waiter  ProposalWaiterStats
	Cache   CacheStats
	GC      GCStats
	Guard   PeerGuardStats
	Workers []WorkerStats
}

// Stats returns a snapshot of node statistics.
func (n *Node[H, T]) Stats() NodeStats {
	n.peerMu.Lock()
	peers := len(n.peers)
	n.peerMu.Unlock()

	workers := make([]WorkerStats, len(n.workers))
	for i, w := range n.workers {
		workers[i] = w.Stats()
	}

	return NodeStats{
		Round:            n.dag.CurrentRound(),
		Frontier:         n.commit.Frontier(),
		MessagesHandled:  n.messagesHandled.Load(),
		InvalidMessages:  n.invalidMessages.Load(),
		DroppedMessages:  n.droppedMessages.Load(),
		DroppedProposals: n.droppedProposals.Load(),
		DroppedNotifies:  n.droppedNotifies.Load(),
		DroppedBatches:   n.droppedBatches.Load(),
		Equivocations:    n.equivocations.Load(),
		WatchdogFires:    n.watchdogFires.Load(),
		Peers:            peers,

		DAG:     n.dag.Stats(),
		Primary: n.primary.Stats(),
		Commit:  n.commit.Stats(),
		Pending: n.pending.Stats(),
		Waiter:  n.waiter.Stats(),
		Cache:   n.cache.Stats(),
		GC:      n.gc.Stats(),
		Guard:   n.guard.Stats(),
		Workers: workers,
	}
}

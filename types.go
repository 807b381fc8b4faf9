// Package bullshark implements a DAG-based BFT mempool and commit engine.
// Validators disseminate transmissions in sharded batches, certify batch
// headers with quorum-stake signatures, link certificates across rounds into
// a DAG, and deterministically commit a linear, duplicate-free transmission
// order from that DAG without extra communication rounds.
package bullshark

// Hash represents a cryptographic hash for content addressing.
type Hash interface {
	Bytes() []byte
	Equals(other Hash) bool
	String() string
}

// Transmission represents a unit of mempool data (a transaction or a
// solution). Its hash is its globally unique identifier.
type Transmission[H Hash] interface {
	Hash() H
	Bytes() []byte
}

// PublicKey provides signature verification.
type PublicKey interface {
	Bytes() []byte
	Verify(message []byte, signature []byte) bool
	Equals(other interface{ Bytes() []byte }) bool
}

// Signer provides cryptographic signing.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	PublicKey() PublicKey
}

// Store provides persistence for the working DAG window. Put operations must
// be durable before returning. Long-term block archival belongs to the
// ledger, not here.
type Store[H Hash, T Transmission[H]] interface {
	GetTransmission(id H) (T, error)
	PutTransmission(tm T) error
	HasTransmission(id H) bool

	GetCertificate(id H) (*BatchCertificate[H], error)
	PutCertificate(cert *BatchCertificate[H]) error
	HasCertificate(id H) bool
	GetCertificatesForRound(round uint64) ([]*BatchCertificate[H], error)

	GetHighestRound() (uint64, error)
	PutHighestRound(round uint64) error
	GetCommitState() (frontier uint64, height uint64, err error)
	PutCommitState(frontier, height uint64) error
	DeleteBeforeRound(round uint64) error

	Close() error
}

// LedgerService is the external collaborator that persists committed blocks.
// The commit engine calls it synchronously; an error is a local-only fault
// that withholds the commit frontier without rolling back the DAG.
type LedgerService[H Hash, T Transmission[H]] interface {
	ContainsCertificate(id H) bool
	ContainsTransmission(id H) bool
	CheckNextBlock(candidate *CommittedSubDAG[H, T]) error
	AdvanceToNextBlock(candidate *CommittedSubDAG[H, T]) error
}

// Transport provides message delivery between validators. Implementations
// must be safe for concurrent use; sends are best-effort and non-blocking.
type Transport[H Hash, T Transmission[H]] interface {
	BroadcastPropose(header *BatchHeader[H])
	SendSignature(to uint16, sig *BatchSignature[H])
	BroadcastCertified(cert *BatchCertificate[H])

	SendCertificateRequest(to uint16, certificateID H)
	SendCertificateResponse(to uint16, cert *BatchCertificate[H])
	SendTransmissionRequest(to uint16, transmissionID H)
	SendTransmissionResponse(to uint16, worker uint8, id H, tm T)

	BroadcastPing(round, frontier uint64, locators []CertificateLocator[H])
	SendPong(to uint16, round, frontier uint64)
	BroadcastWorkerPing(worker uint8, ids []H)
	SendWorkerBatch(to uint16, batch *TransmissionBatch[H, T])

	SendDisconnect(to uint16, reason DisconnectReason)

	Receive() <-chan Message[H, T]
	Close() error
}

// Timer provides timeout management.
type Timer interface {
	Start()
	Stop()
	Reset()
	C() <-chan struct{}
}

// BatchSignature is one validator's signature over a proposed header digest.
type BatchSignature[H Hash] struct {
	CertificateID H
	Signer        uint16
	Signature     []byte
}

// CertificateLocator advertises the certificate IDs a validator holds for a
// round, so a peer can request the ones it is missing.
type CertificateLocator[H Hash] struct {
	Round          uint64
	CertificateIDs []H
}

// DisconnectReason enumerates why a peer is being dropped.
type DisconnectReason uint8

const (
	DisconnectNoReasonGiven DisconnectReason = iota
	DisconnectProtocolViolation
	DisconnectInvalidChallenge
	DisconnectOutdatedVersion
	DisconnectExceededFailureThreshold
	DisconnectShuttingDown
)

// String returns a human-readable name for the disconnect reason.
func (r DisconnectReason) String() string {
	switch r {
	case DisconnectNoReasonGiven:
		return "NO_REASON_GIVEN"
	case DisconnectProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case DisconnectInvalidChallenge:
		return "INVALID_CHALLENGE"
	case DisconnectOutdatedVersion:
		return "OUTDATED_VERSION"
	case DisconnectExceededFailureThreshold:
		return "EXCEEDED_FAILURE_THRESHOLD"
	case DisconnectShuttingDown:
		return "SHUTTING_DOWN"
	default:
		return "UNKNOWN"
	}
}

// Message represents a protocol message.
type Message[H Hash, T Transmission[H]] interface {
	Type() MessageType
	Sender() uint16
}

type MessageType uint8

const (
	MessageBatchPropose MessageType = iota
	MessageBatchSignature
	MessageBatchCertified
	MessageCertificateRequest
	MessageCertificateResponse
	MessageTransmissionRequest
	MessageTransmissionResponse
	MessagePing
	MessagePong
	MessageWorkerPing
	MessageWorkerBatch
	MessageDisconnect
)

// String returns a human-readable name for the message type.
func (t MessageType) String() string {
	switch t {
	case MessageBatchPropose:
		return "BATCH_PROPOSE"
	case MessageBatchSignature:
		return "BATCH_SIGNATURE"
	case MessageBatchCertified:
		return "BATCH_CERTIFIED"
	case MessageCertificateRequest:
		return "CERTIFICATE_REQUEST"
	case MessageCertificateResponse:
		return "CERTIFICATE_RESPONSE"
	case MessageTransmissionRequest:
		return "TRANSMISSION_REQUEST"
	case MessageTransmissionResponse:
		return "TRANSMISSION_RESPONSE"
	case MessagePing:
		return "PING"
	case MessagePong:
		return "PONG"
	case MessageWorkerPing:
		return "WORKER_PING"
	case MessageWorkerBatch:
		return "WORKER_BATCH"
	case MessageDisconnect:
		return "DISCONNECT"
	default:
		return "UNKNOWN"
	}
}

// BatchProposeMessage carries a proposed batch header awaiting signatures.
type BatchProposeMessage[H Hash, T Transmission[H]] struct {
	Header *BatchHeader[H]
	sender uint16
}

func NewBatchProposeMessage[H Hash, T Transmission[H]](sender uint16, header *BatchHeader[H]) *BatchProposeMessage[H, T] {
	return &BatchProposeMessage[H, T]{Header: header, sender: sender}
}

func (m *BatchProposeMessage[H, T]) Type() MessageType { return MessageBatchPropose }
func (m *BatchProposeMessage[H, T]) Sender() uint16    { return m.sender }

// BatchSignatureMessage carries a signature over a proposed header digest.
type BatchSignatureMessage[H Hash, T Transmission[H]] struct {
	Signature *BatchSignature[H]
	sender    uint16
}

func NewBatchSignatureMessage[H Hash, T Transmission[H]](sender uint16, sig *BatchSignature[H]) *BatchSignatureMessage[H, T] {
	return &BatchSignatureMessage[H, T]{Signature: sig, sender: sender}
}

func (m *BatchSignatureMessage[H, T]) Type() MessageType { return MessageBatchSignature }
func (m *BatchSignatureMessage[H, T]) Sender() uint16    { return m.sender }

// BatchCertifiedMessage carries a quorum-certified batch certificate.
type BatchCertifiedMessage[H Hash, T Transmission[H]] struct {
	Certificate *BatchCertificate[H]
	sender      uint16
}

func NewBatchCertifiedMessage[H Hash, T Transmission[H]](sender uint16, cert *BatchCertificate[H]) *BatchCertifiedMessage[H, T] {
	return &BatchCertifiedMessage[H, T]{Certificate: cert, sender: sender}
}

func (m *BatchCertifiedMessage[H, T]) Type() MessageType { return MessageBatchCertified }
func (m *BatchCertifiedMessage[H, T]) Sender() uint16    { return m.sender }

// CertificateRequestMessage requests a certificate by ID.
type CertificateRequestMessage[H Hash, T Transmission[H]] struct {
	CertificateID H
	sender        uint16
}

func NewCertificateRequestMessage[H Hash, T Transmission[H]](sender uint16, id H) *CertificateRequestMessage[H, T] {
	return &CertificateRequestMessage[H, T]{CertificateID: id, sender: sender}
}

func (m *CertificateRequestMessage[H, T]) Type() MessageType { return MessageCertificateRequest }
func (m *CertificateRequestMessage[H, T]) Sender() uint16    { return m.sender }

// CertificateResponseMessage answers a certificate request.
type CertificateResponseMessage[H Hash, T Transmission[H]] struct {
	Certificate *BatchCertificate[H]
	sender      uint16
}

func NewCertificateResponseMessage[H Hash, T Transmission[H]](sender uint16, cert *BatchCertificate[H]) *CertificateResponseMessage[H, T] {
	return &CertificateResponseMessage[H, T]{Certificate: cert, sender: sender}
}

func (m *CertificateResponseMessage[H, T]) Type() MessageType { return MessageCertificateResponse }
func (m *CertificateResponseMessage[H, T]) Sender() uint16    { return m.sender }

// TransmissionRequestMessage requests a transmission payload by ID.
type TransmissionRequestMessage[H Hash, T Transmission[H]] struct {
	TransmissionID H
	sender         uint16
}

func NewTransmissionRequestMessage[H Hash, T Transmission[H]](sender uint16, id H) *TransmissionRequestMessage[H, T] {
	return &TransmissionRequestMessage[H, T]{TransmissionID: id, sender: sender}
}

func (m *TransmissionRequestMessage[H, T]) Type() MessageType { return MessageTransmissionRequest }
func (m *TransmissionRequestMessage[H, T]) Sender() uint16    { return m.sender }

// TransmissionResponseMessage answers a transmission request with the payload.
type TransmissionResponseMessage[H Hash, T Transmission[H]] struct {
	Worker         uint8
	TransmissionID H
	Transmission   T
	sender         uint16
}

func NewTransmissionResponseMessage[H Hash, T Transmission[H]](sender uint16, worker uint8, id H, tm T) *TransmissionResponseMessage[H, T] {
	return &TransmissionResponseMessage[H, T]{Worker: worker, TransmissionID: id, Transmission: tm, sender: sender}
}

func (m *TransmissionResponseMessage[H, T]) Type() MessageType { return MessageTransmissionResponse }
func (m *TransmissionResponseMessage[H, T]) Sender() uint16    { return m.sender }

// PingMessage gossips liveness, DAG height and certificate locators.
type PingMessage[H Hash, T Transmission[H]] struct {
	Round    uint64
	Frontier uint64
	Locators []CertificateLocator[H]
	sender   uint16
}

func NewPingMessage[H Hash, T Transmission[H]](sender uint16, round, frontier uint64, locators []CertificateLocator[H]) *PingMessage[H, T] {
	return &PingMessage[H, T]{Round: round, Frontier: frontier, Locators: locators, sender: sender}
}

func (m *PingMessage[H, T]) Type() MessageType { return MessagePing }
func (m *PingMessage[H, T]) Sender() uint16    { return m.sender }

// PongMessage answers a ping.
type PongMessage[H Hash, T Transmission[H]] struct {
	Round    uint64
	Frontier uint64
	sender   uint16
}

func NewPongMessage[H Hash, T Transmission[H]](sender uint16, round, frontier uint64) *PongMessage[H, T] {
	return &PongMessage[H, T]{Round: round, Frontier: frontier, sender: sender}
}

func (m *PongMessage[H, T]) Type() MessageType { return MessagePong }
func (m *PongMessage[H, T]) Sender() uint16    { return m.sender }

// WorkerPingMessage advertises transmission IDs recently seen by a worker.
type WorkerPingMessage[H Hash, T Transmission[H]] struct {
	Worker          uint8
	TransmissionIDs []H
	sender          uint16
}

func NewWorkerPingMessage[H Hash, T Transmission[H]](sender uint16, worker uint8, ids []H) *WorkerPingMessage[H, T] {
	return &WorkerPingMessage[H, T]{Worker: worker, TransmissionIDs: ids, sender: sender}
}

func (m *WorkerPingMessage[H, T]) Type() MessageType { return MessageWorkerPing }
func (m *WorkerPingMessage[H, T]) Sender() uint16    { return m.sender }

// WorkerBatchMessage pushes a bundle of transmission payloads between
// counterpart workers.
type WorkerBatchMessage[H Hash, T Transmission[H]] struct {
	Worker uint8
	Batch  *TransmissionBatch[H, T]
	sender uint16
}

func NewWorkerBatchMessage[H Hash, T Transmission[H]](sender uint16, worker uint8, batch *TransmissionBatch[H, T]) *WorkerBatchMessage[H, T] {
	return &WorkerBatchMessage[H, T]{Worker: worker, Batch: batch, sender: sender}
}

func (m *WorkerBatchMessage[H, T]) Type() MessageType { return MessageWorkerBatch }
func (m *WorkerBatchMessage[H, T]) Sender() uint16    { return m.sender }

// DisconnectMessage announces that the sender is dropping the connection.
type DisconnectMessage[H Hash, T Transmission[H]] struct {
	Reason DisconnectReason
	sender uint16
}

func NewDisconnectMessage[H Hash, T Transmission[H]](sender uint16, reason DisconnectReason) *DisconnectMessage[H, T] {
	return &DisconnectMessage[H, T]{Reason: reason, sender: sender}
}

func (m *DisconnectMessage[H, T]) Type() MessageType { return MessageDisconnect }
func (m *DisconnectMessage[H, T]) Sender() uint16    { return m.sender }

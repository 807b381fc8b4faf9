package bullshark

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/klauspost/compress/zstd"
)

// Wire framing: [length u32 BE][type u8][flags u8][body]. The length covers
// the type and flags bytes plus the body. Bodies are msgpack; bodies at or
// above the compression threshold are zstd-compressed with the flag bit set.
const (
	wireFlagCompressed uint8 = 0x01

	// wireEnvelopeSize is the type byte plus the flags byte.
	wireEnvelopeSize = 2

	// wireBufferSize is the starting capacity of pooled encode buffers.
	wireBufferSize = 4 << 10
)

// WireConfig configures message framing limits.
type WireConfig struct {
	// MaxMessageSize bounds a decoded frame body (default: 128 MiB, enough
	// for a full worker batch).
	MaxMessageSize uint32

	// CompressionThreshold is the body size at which zstd kicks in
	// (default: 4 KiB). Negative disables compression.
	CompressionThreshold int

	// CompressionLevel selects the zstd encoder level (default: SpeedDefault).
	CompressionLevel zstd.EncoderLevel
}

// DefaultWireConfig returns the default framing limits.
func DefaultWireConfig() WireConfig {
	return WireConfig{
		MaxMessageSize:       128 << 20,
		CompressionThreshold: 4 << 10,
		CompressionLevel:     zstd.SpeedDefault,
	}
}

// WireCodec encodes and decodes protocol messages over a stream transport.
// Headers, certificates and batches travel as their deterministic binary
// encodings inside msgpack envelopes, so a digest computed by the receiver
// always matches the sender's. Safe for concurrent use.
type WireCodec[H Hash, T Transmission[H]] struct {
	cfg     WireConfig
	handle  codec.MsgpackHandle
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	buffers *ByteSlicePool

	hashFromBytes         func([]byte) (H, error)
	transmissionFromBytes func([]byte) (T, error)
}

// NewWireCodec creates a codec. hashFromBytes and transmissionFromBytes
// reconstruct IDs and payloads from their binary encodings.
func NewWireCodec[H Hash, T Transmission[H]](
	cfg WireConfig,
	hashFromBytes func([]byte) (H, error),
	transmissionFromBytes func([]byte) (T, error),
) (*WireCodec[H, T], error) {
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 128 << 20
	}
	if cfg.CompressionThreshold == 0 {
		cfg.CompressionThreshold = 4 << 10
	}
	if cfg.CompressionLevel == 0 {
		cfg.CompressionLevel = zstd.SpeedDefault
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(cfg.CompressionLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(cfg.MaxMessageSize)))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &WireCodec[H, T]{
		cfg:                   cfg,
		encoder:               encoder,
		decoder:               decoder,
		buffers:               NewByteSlicePool(wireBufferSize),
		hashFromBytes:         hashFromBytes,
		transmissionFromBytes: transmissionFromBytes,
	}, nil
}

// Wire bodies carry only exported scalar and byte fields so the msgpack
// encoding is deterministic and version-tolerant.
type wireProposeBody struct {
	Header []byte
}

type wireSignatureBody struct {
	CertificateID []byte
	Signer        uint16
	Signature     []byte
}

type wireCertifiedBody struct {
	Certificate []byte
}

type wireCertificateRequestBody struct {
	CertificateID []byte
}

type wireTransmissionRequestBody struct {
	TransmissionID []byte
}

type wireTransmissionResponseBody struct {
	Worker         uint8
	TransmissionID []byte
	Payload        []byte
}

type wireLocator struct {
	Round          uint64
	CertificateIDs [][]byte
}

type wirePingBody struct {
	Round    uint64
	Frontier uint64
	Locators []wireLocator
}

type wirePongBody struct {
	Round    uint64
	Frontier uint64
}

type wireWorkerPingBody struct {
	Worker          uint8
	TransmissionIDs [][]byte
}

type wireWorkerBatchBody struct {
	Worker uint8
	Batch  []byte
}

type wireDisconnectBody struct {
	Reason uint8
}

// EncodeMessage frames and writes one message.
func (c *WireCodec[H, T]) EncodeMessage(w io.Writer, msg Message[H, T]) error {
	bodyBuf := c.buffers.Get()
	defer c.buffers.Put(bodyBuf)

	body, err := c.encodeBody(bodyBuf, msg)
	if err != nil {
		return err
	}

	var flags uint8
	if c.cfg.CompressionThreshold >= 0 && len(body) >= c.cfg.CompressionThreshold {
		compBuf := c.buffers.Get()
		defer c.buffers.Put(compBuf)
		*compBuf = c.encoder.EncodeAll(body, (*compBuf)[:0])
		body = *compBuf
		flags |= wireFlagCompressed
	}

	frameLen := uint32(wireEnvelopeSize + len(body))
	if frameLen > c.cfg.MaxMessageSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds %d",
			ErrMessageTooLarge, frameLen, c.cfg.MaxMessageSize)
	}

	var prefix [4 + wireEnvelopeSize]byte
	binary.BigEndian.PutUint32(prefix[:4], frameLen)
	prefix[4] = uint8(msg.Type())
	prefix[5] = flags

	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func (c *WireCodec[H, T]) encodeBody(buf *[]byte, msg Message[H, T]) ([]byte, error) {
	var body interface{}

	switch m := msg.(type) {
	case *BatchProposeMessage[H, T]:
		body = &wireProposeBody{Header: m.Header.Bytes()}
	case *BatchSignatureMessage[H, T]:
		body = &wireSignatureBody{
			CertificateID: m.Signature.CertificateID.Bytes(),
			Signer:        m.Signature.Signer,
			Signature:     m.Signature.Signature,
		}
	case *BatchCertifiedMessage[H, T]:
		body = &wireCertifiedBody{Certificate: m.Certificate.Bytes()}
	case *CertificateRequestMessage[H, T]:
		body = &wireCertificateRequestBody{CertificateID: m.CertificateID.Bytes()}
	case *CertificateResponseMessage[H, T]:
		body = &wireCertifiedBody{Certificate: m.Certificate.Bytes()}
	case *TransmissionRequestMessage[H, T]:
		body = &wireTransmissionRequestBody{TransmissionID: m.TransmissionID.Bytes()}
	case *TransmissionResponseMessage[H, T]:
		body = &wireTransmissionResponseBody{
			Worker:         m.Worker,
			TransmissionID: m.TransmissionID.Bytes(),
			Payload:        m.Transmission.Bytes(),
		}
	case *PingMessage[H, T]:
		locators := make([]wireLocator, len(m.Locators))
		for i, loc := range m.Locators {
			ids := make([][]byte, len(loc.CertificateIDs))
			for j, id := range loc.CertificateIDs {
				ids[j] = id.Bytes()
			}
			locators[i] = wireLocator{Round: loc.Round, CertificateIDs: ids}
		}
		body = &wirePingBody{Round: m.Round, Frontier: m.Frontier, Locators: locators}
	case *PongMessage[H, T]:
		body = &wirePongBody{Round: m.Round, Frontier: m.Frontier}
	case *WorkerPingMessage[H, T]:
		ids := make([][]byte, len(m.TransmissionIDs))
		for i, id := range m.TransmissionIDs {
			ids[i] = id.Bytes()
		}
		body = &wireWorkerPingBody{Worker: m.Worker, TransmissionIDs: ids}
	case *WorkerBatchMessage[H, T]:
		body = &wireWorkerBatchBody{Worker: m.Worker, Batch: m.Batch.Bytes()}
	case *DisconnectMessage[H, T]:
		body = &wireDisconnectBody{Reason: uint8(m.Reason)}
	default:
		return nil, fmt.Errorf("unknown message type %d", msg.Type())
	}

	enc := codec.NewEncoderBytes(buf, &c.handle)
	if err := enc.Encode(body); err != nil {
		return nil, fmt.Errorf("failed to encode %s body: %w", msg.Type(), err)
	}
	return *buf, nil
}

// DecodeMessage reads and decodes one message. The sender index comes from
// the connection handshake, not the frame.
func (c *WireCodec[H, T]) DecodeMessage(r io.Reader, sender uint16) (Message[H, T], error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	if frameLen < wireEnvelopeSize {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrMalformedMessage, frameLen)
	}
	if frameLen > c.cfg.MaxMessageSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d",
			ErrMessageTooLarge, frameLen, c.cfg.MaxMessageSize)
	}

	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}

	msgType := MessageType(frame[0])
	flags := frame[1]
	body := frame[2:]

	if flags&wireFlagCompressed != 0 {
		decompressed, err := c.decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %s", ErrMalformedMessage, err)
		}
		if uint32(len(decompressed)) > c.cfg.MaxMessageSize {
			return nil, fmt.Errorf("%w: decompressed body of %d bytes exceeds %d",
				ErrMessageTooLarge, len(decompressed), c.cfg.MaxMessageSize)
		}
		body = decompressed
	}

	return c.decodeBody(msgType, body, sender)
}

func (c *WireCodec[H, T]) decodeBody(msgType MessageType, body []byte, sender uint16) (Message[H, T], error) {
	dec := codec.NewDecoderBytes(body, &c.handle)

	switch msgType {
	case MessageBatchPropose:
		var wb wireProposeBody
		if err := dec.Decode(&wb); err != nil {
			return nil, c.malformed(msgType, err)
		}
		header, err := BatchHeaderFromBytes(wb.Header, c.hashFromBytes)
		if err != nil {
			return nil, c.malformed(msgType, err)
		}
		return NewBatchProposeMessage[H, T](sender, header), nil

	case MessageBatchSignature:
		var wb wireSignatureBody
		if err := dec.Decode(&wb); err != nil {
			return nil, c.malformed(msgType, err)
		}
		id, err := c.hashFromBytes(wb.CertificateID)
		if err != nil {
			return nil, c.malformed(msgType, err)
		}
		sig := &BatchSignature[H]{CertificateID: id, Signer: wb.Signer, Signature: wb.Signature}
		return NewBatchSignatureMessage[H, T](sender, sig), nil

	case MessageBatchCertified:
		var wb wireCertifiedBody
		if err := dec.Decode(&wb); err != nil {
			return nil, c.malformed(msgType, err)
		}
		cert, err := BatchCertificateFromBytes(wb.Certificate, c.hashFromBytes)
		if err != nil {
			return nil, c.malformed(msgType, err)
		}
		return NewBatchCertifiedMessage[H, T](sender, cert), nil

	case MessageCertificateRequest:
		var wb wireCertificateRequestBody
		if err := dec.Decode(&wb); err != nil {
			return nil, c.malformed(msgType, err)
		}
		id, err := c.hashFromBytes(wb.CertificateID)
		if err != nil {
			return nil, c.malformed(msgType, err)
		}
		return NewCertificateRequestMessage[H, T](sender, id), nil

	case MessageCertificateResponse:
		var wb wireCertifiedBody
		if err := dec.Decode(&wb); err != nil {
			return nil, c.malformed(msgType, err)
		}
		cert, err := BatchCertificateFromBytes(wb.Certificate, c.hashFromBytes)
		if err != nil {
			return nil, c.malformed(msgType, err)
		}
		return NewCertificateResponseMessage[H, T](sender, cert), nil

	case MessageTransmissionRequest:
		var wb wireTransmissionRequestBody
		if err := dec.Decode(&wb); err != nil {
			return nil, c.malformed(msgType, err)
		}
		id, err := c.hashFromBytes(wb.TransmissionID)
		if err != nil {
			return nil, c.malformed(msgType, err)
		}
		return NewTransmissionRequestMessage[H, T](sender, id), nil

	case MessageTransmissionResponse:
		var wb wireTransmissionResponseBody
		if err := dec.Decode(&wb); err != nil {
			return nil, c.malformed(msgType, err)
		}
		id, err := c.hashFromBytes(wb.TransmissionID)
		if err != nil {
			return nil, c.malformed(msgType, err)
		}
		tm, err := c.transmissionFromBytes(wb.Payload)
		if err != nil {
			return nil, c.malformed(msgType, err)
		}
		return NewTransmissionResponseMessage[H, T](sender, wb.Worker, id, tm), nil

	case MessagePing:
		var wb wirePingBody
		if err := dec.Decode(&wb); err != nil {
			return nil, c.malformed(msgType, err)
		}
		locators := make([]CertificateLocator[H], len(wb.Locators))
		for i, loc := range wb.Locators {
			ids := make([]H, len(loc.CertificateIDs))
			for j, raw := range loc.CertificateIDs {
				id, err := c.hashFromBytes(raw)
				if err != nil {
					return nil, c.malformed(msgType, err)
				}
				ids[j] = id
			}
			locators[i] = CertificateLocator[H]{Round: loc.Round, CertificateIDs: ids}
		}
		return NewPingMessage[H, T](sender, wb.Round, wb.Frontier, locators), nil

	case MessagePong:
		var wb wirePongBody
		if err := dec.Decode(&wb); err != nil {
			return nil, c.malformed(msgType, err)
		}
		return NewPongMessage[H, T](sender, wb.Round, wb.Frontier), nil

	case MessageWorkerPing:
		var wb wireWorkerPingBody
		if err := dec.Decode(&wb); err != nil {
			return nil, c.malformed(msgType, err)
		}
		ids := make([]H, len(wb.TransmissionIDs))
		for i, raw := range wb.TransmissionIDs {
			id, err := c.hashFromBytes(raw)
			if err != nil {
				return nil, c.malformed(msgType, err)
			}
			ids[i] = id
		}
		return NewWorkerPingMessage[H, T](sender, wb.Worker, ids), nil

	case MessageWorkerBatch:
		var wb wireWorkerBatchBody
		if err := dec.Decode(&wb); err != nil {
			return nil, c.malformed(msgType, err)
		}
		batch, err := TransmissionBatchFromBytes(wb.Batch, c.hashFromBytes, c.transmissionFromBytes)
		if err != nil {
			return nil, c.malformed(msgType, err)
		}
		return NewWorkerBatchMessage[H, T](sender, wb.Worker, batch), nil

	case MessageDisconnect:
		var wb wireDisconnectBody
		if err := dec.Decode(&wb); err != nil {
			return nil, c.malformed(msgType, err)
		}
		return NewDisconnectMessage[H, T](sender, DisconnectReason(wb.Reason)), nil

	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrMalformedMessage, msgType)
	}
}

func (c *WireCodec[H, T]) malformed(msgType MessageType, err error) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedMessage, msgType, err)
}

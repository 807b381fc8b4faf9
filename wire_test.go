package bullshark_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/edgedlt/bullshark"
	"github.com/edgedlt/bullshark/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T, cfg bullshark.WireConfig) *bullshark.WireCodec[testutil.TestHash, *testutil.TestTransmission] {
	t.Helper()
	codec, err := bullshark.NewWireCodec[testutil.TestHash, *testutil.TestTransmission](
		cfg, testutil.HashFromBytes, testutil.TransmissionFromBytes)
	require.NoError(t, err)
	return codec
}

func TestWireCodec_ProposeRoundTrip(t *testing.T) {
	codec := newTestCodec(t, bullshark.DefaultWireConfig())
	_, signers := testutil.NewTestCommittee(4)

	header := testutil.BuildHeader(signers, 2, 5, 0,
		[]testutil.TestHash{testutil.ComputeHash([]byte("prev"))},
		[]testutil.TestHash{testutil.ComputeHash([]byte("tm"))})
	msg := bullshark.NewBatchProposeMessage[testutil.TestHash, *testutil.TestTransmission](2, header)

	var buf bytes.Buffer
	require.NoError(t, codec.EncodeMessage(&buf, msg))

	decoded, err := codec.DecodeMessage(&buf, 2)
	require.NoError(t, err)
	require.Equal(t, bullshark.MessageBatchPropose, decoded.Type())
	assert.Equal(t, uint16(2), decoded.Sender())

	propose, ok := decoded.(*bullshark.BatchProposeMessage[testutil.TestHash, *testutil.TestTransmission])
	require.True(t, ok)
	assert.Equal(t, header.Author, propose.Header.Author)
	assert.Equal(t, header.Round, propose.Header.Round)
	assert.True(t, propose.Header.Digest.Equals(header.Digest))
	assert.True(t, propose.Header.VerifyDigest(testutil.ComputeHash))
}

func TestWireCodec_CertifiedRoundTrip(t *testing.T) {
	codec := newTestCodec(t, bullshark.DefaultWireConfig())
	_, signers := testutil.NewTestCommittee(4)

	cert := testutil.Certify(signers, testutil.BuildHeader(signers, 1, 3, 0, nil, nil))
	msg := bullshark.NewBatchCertifiedMessage[testutil.TestHash, *testutil.TestTransmission](1, cert)

	var buf bytes.Buffer
	require.NoError(t, codec.EncodeMessage(&buf, msg))

	decoded, err := codec.DecodeMessage(&buf, 1)
	require.NoError(t, err)

	certified, ok := decoded.(*bullshark.BatchCertifiedMessage[testutil.TestHash, *testutil.TestTransmission])
	require.True(t, ok)
	assert.True(t, certified.Certificate.ID().Equals(cert.ID()))
	assert.Equal(t, cert.SignerBitmap, certified.Certificate.SignerBitmap)
}

func TestWireCodec_TransmissionResponseRoundTrip(t *testing.T) {
	codec := newTestCodec(t, bullshark.DefaultWireConfig())

	tm := testutil.NewTestTransmission([]byte("payload"))
	msg := bullshark.NewTransmissionResponseMessage[testutil.TestHash, *testutil.TestTransmission](
		3, 1, tm.Hash(), tm)

	var buf bytes.Buffer
	require.NoError(t, codec.EncodeMessage(&buf, msg))

	decoded, err := codec.DecodeMessage(&buf, 3)
	require.NoError(t, err)

	resp, ok := decoded.(*bullshark.TransmissionResponseMessage[testutil.TestHash, *testutil.TestTransmission])
	require.True(t, ok)
	assert.Equal(t, uint8(1), resp.Worker)
	assert.True(t, resp.TransmissionID.Equals(tm.Hash()))
	assert.Equal(t, tm.Bytes(), resp.Transmission.Bytes())
}

func TestWireCodec_PingRoundTrip(t *testing.T) {
	codec := newTestCodec(t, bullshark.DefaultWireConfig())

	locators := []bullshark.CertificateLocator[testutil.TestHash]{
		{Round: 4, CertificateIDs: []testutil.TestHash{
			testutil.ComputeHash([]byte("c1")),
			testutil.ComputeHash([]byte("c2")),
		}},
	}
	msg := bullshark.NewPingMessage[testutil.TestHash, *testutil.TestTransmission](0, 5, 3, locators)

	var buf bytes.Buffer
	require.NoError(t, codec.EncodeMessage(&buf, msg))

	decoded, err := codec.DecodeMessage(&buf, 0)
	require.NoError(t, err)

	ping, ok := decoded.(*bullshark.PingMessage[testutil.TestHash, *testutil.TestTransmission])
	require.True(t, ok)
	assert.Equal(t, uint64(5), ping.Round)
	assert.Equal(t, uint64(3), ping.Frontier)
	require.Len(t, ping.Locators, 1)
	assert.Equal(t, uint64(4), ping.Locators[0].Round)
	require.Len(t, ping.Locators[0].CertificateIDs, 2)
	assert.True(t, ping.Locators[0].CertificateIDs[1].Equals(locators[0].CertificateIDs[1]))
}

func TestWireCodec_DisconnectRoundTrip(t *testing.T) {
	codec := newTestCodec(t, bullshark.DefaultWireConfig())

	msg := bullshark.NewDisconnectMessage[testutil.TestHash, *testutil.TestTransmission](
		7, bullshark.DisconnectShuttingDown)

	var buf bytes.Buffer
	require.NoError(t, codec.EncodeMessage(&buf, msg))

	decoded, err := codec.DecodeMessage(&buf, 7)
	require.NoError(t, err)

	disc, ok := decoded.(*bullshark.DisconnectMessage[testutil.TestHash, *testutil.TestTransmission])
	require.True(t, ok)
	assert.Equal(t, bullshark.DisconnectShuttingDown, disc.Reason)
}

func TestWireCodec_CompressionAboveThreshold(t *testing.T) {
	codec := newTestCodec(t, bullshark.DefaultWireConfig())

	// A worker batch of compressible payloads well past the 4 KiB threshold.
	transmissions := make([]*testutil.TestTransmission, 8)
	for i := range transmissions {
		transmissions[i] = testutil.NewTestTransmissionSized([]byte{byte(i)}, 2048)
	}
	batch := &bullshark.TransmissionBatch[testutil.TestHash, *testutil.TestTransmission]{
		Worker:        0,
		Validator:     1,
		Sequence:      9,
		Transmissions: transmissions,
	}
	batch.ComputeDigest(testutil.ComputeHash)

	msg := bullshark.NewWorkerBatchMessage[testutil.TestHash, *testutil.TestTransmission](1, 0, batch)

	var buf bytes.Buffer
	require.NoError(t, codec.EncodeMessage(&buf, msg))

	frame := buf.Bytes()
	require.Greater(t, len(frame), 6)
	assert.Equal(t, uint8(0x01), frame[5]&0x01, "compressed flag not set")
	assert.Less(t, len(frame), 8*2048, "zero padding should compress away")

	decoded, err := codec.DecodeMessage(&buf, 1)
	require.NoError(t, err)

	wb, ok := decoded.(*bullshark.WorkerBatchMessage[testutil.TestHash, *testutil.TestTransmission])
	require.True(t, ok)
	assert.Equal(t, uint64(9), wb.Batch.Sequence)
	assert.Equal(t, 8, wb.Batch.Count())
	require.NoError(t, wb.Batch.Verify(testutil.ComputeHash))
}

func TestWireCodec_CompressionDisabled(t *testing.T) {
	cfg := bullshark.DefaultWireConfig()
	cfg.CompressionThreshold = -1
	codec := newTestCodec(t, cfg)

	tm := testutil.NewTestTransmissionSized([]byte("big"), 16384)
	msg := bullshark.NewTransmissionResponseMessage[testutil.TestHash, *testutil.TestTransmission](
		0, 0, tm.Hash(), tm)

	var buf bytes.Buffer
	require.NoError(t, codec.EncodeMessage(&buf, msg))
	assert.Equal(t, uint8(0), buf.Bytes()[5]&0x01)

	decoded, err := codec.DecodeMessage(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, bullshark.MessageTransmissionResponse, decoded.Type())
}

func TestWireCodec_EncodeRejectsOversizeFrame(t *testing.T) {
	cfg := bullshark.DefaultWireConfig()
	cfg.MaxMessageSize = 64
	cfg.CompressionThreshold = -1
	codec := newTestCodec(t, cfg)

	tm := testutil.NewTestTransmissionSized([]byte("big"), 1024)
	msg := bullshark.NewTransmissionResponseMessage[testutil.TestHash, *testutil.TestTransmission](
		0, 0, tm.Hash(), tm)

	var buf bytes.Buffer
	err := codec.EncodeMessage(&buf, msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, bullshark.ErrMessageTooLarge)
}

func TestWireCodec_DecodeRejectsOversizeFrame(t *testing.T) {
	cfg := bullshark.DefaultWireConfig()
	cfg.MaxMessageSize = 64
	codec := newTestCodec(t, cfg)

	var frame [10]byte
	binary.BigEndian.PutUint32(frame[:4], 1<<20)

	_, err := codec.DecodeMessage(bytes.NewReader(frame[:]), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, bullshark.ErrMessageTooLarge)
}

func TestWireCodec_DecodeRejectsTruncatedFrame(t *testing.T) {
	codec := newTestCodec(t, bullshark.DefaultWireConfig())

	var frame [4]byte
	binary.BigEndian.PutUint32(frame[:], 1)

	_, err := codec.DecodeMessage(bytes.NewReader(frame[:]), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, bullshark.ErrMalformedMessage)
}

// A wire-declared element count far beyond what the buffer holds must fail
// fast instead of sizing an allocation from attacker-controlled input.
func TestDecode_RejectsOverstatedCounts(t *testing.T) {
	_, signers := testutil.NewTestCommittee(4)

	t.Run("header transmission count", func(t *testing.T) {
		header := testutil.BuildHeader(signers, 0, 1, 0, nil, nil)
		data := header.Bytes()

		// Count sits after the fixed fields, digest and author signature.
		digestLen := int(binary.BigEndian.Uint16(data[26:]))
		off := 28 + digestLen
		sigLen := int(binary.BigEndian.Uint16(data[off:]))
		off += 2 + sigLen
		binary.BigEndian.PutUint32(data[off:], 1<<31)

		_, err := bullshark.BatchHeaderFromBytes(data, testutil.HashFromBytes)
		require.Error(t, err)
	})

	t.Run("certificate signature count", func(t *testing.T) {
		header := testutil.BuildHeader(signers, 0, 1, 0, nil, nil)
		cert := testutil.Certify(signers, header)
		data := cert.Bytes()

		var sigBytes int
		for _, sig := range cert.Signatures {
			sigBytes += 2 + len(sig)
		}
		off := len(data) - sigBytes - 4
		binary.BigEndian.PutUint32(data[off:], 1<<31)

		_, err := bullshark.BatchCertificateFromBytes(data, testutil.HashFromBytes)
		require.Error(t, err)
	})

	t.Run("batch transmission count", func(t *testing.T) {
		batch := &bullshark.TransmissionBatch[testutil.TestHash, *testutil.TestTransmission]{
			Worker:    0,
			Validator: 1,
			Sequence:  7,
		}
		batch.ComputeDigest(testutil.ComputeHash)
		data := batch.Bytes()

		digestLen := int(binary.BigEndian.Uint16(data[11:]))
		binary.BigEndian.PutUint32(data[13+digestLen:], 1<<31)

		_, err := bullshark.TransmissionBatchFromBytes(
			data, testutil.HashFromBytes, testutil.TransmissionFromBytes)
		require.Error(t, err)
	})
}

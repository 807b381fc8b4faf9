package bullshark_test

import (
	"testing"

	"github.com/edgedlt/bullshark"
	"github.com/edgedlt/bullshark/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCertificate_ValidateQuorum(t *testing.T) {
	committee, signers := testutil.NewTestCommittee(4)
	header := testutil.BuildHeader(signers, 0, 0, 0, nil, nil)

	// Quorum stake for four equal members is 3.
	cert := testutil.CertifyBy(signers, header, 0, 1, 2)
	require.NoError(t, cert.Validate(committee))
	assert.Equal(t, 3, cert.SignerCount())
	assert.Equal(t, []uint16{0, 1, 2}, cert.Signers())

	short := testutil.CertifyBy(signers, header, 0, 1)
	err := short.Validate(committee)
	require.Error(t, err)
	assert.ErrorIs(t, err, bullshark.ErrInvalidCertificate)
}

func TestCertificate_ValidateStakeWeighted(t *testing.T) {
	// One heavy member reaches quorum alone.
	committee, signers := testutil.NewWeightedTestCommittee(10, 1, 1, 1)
	header := testutil.BuildHeader(signers, 1, 0, 0, nil, nil)

	heavy := testutil.CertifyBy(signers, header, 0)
	require.NoError(t, heavy.Validate(committee))

	// Three light members together hold stake 3, short of quorum 9.
	light := testutil.CertifyBy(signers, header, 1, 2, 3)
	assert.ErrorIs(t, light.Validate(committee), bullshark.ErrInvalidCertificate)
}

func TestCertificate_ValidateRejectsBadSignature(t *testing.T) {
	committee, signers := testutil.NewTestCommittee(4)
	header := testutil.BuildHeader(signers, 0, 0, 0, nil, nil)
	cert := testutil.CertifyBy(signers, header, 0, 1, 2)

	cert.Signatures[1][0] ^= 0xFF

	err := cert.Validate(committee)
	require.Error(t, err)
	assert.ErrorIs(t, err, bullshark.ErrInvalidCertificate)
}

func TestCertificate_ValidateRejectsUnknownAuthor(t *testing.T) {
	committee, signers := testutil.NewTestCommittee(4)

	header := testutil.BuildHeader(signers, 3, 0, 0, nil, nil)
	header.Author = 9 // Outside the committee, digest no longer matters.
	cert := testutil.CertifyBy(signers, header, 0, 1, 2)

	err := cert.Validate(committee)
	require.Error(t, err)
	assert.ErrorIs(t, err, bullshark.ErrInvalidCertificate)
}

func TestCertificate_BytesRoundTrip(t *testing.T) {
	_, signers := testutil.NewTestCommittee(4)

	tms := []testutil.TestHash{
		testutil.ComputeHash([]byte("tm-1")),
		testutil.ComputeHash([]byte("tm-2")),
	}
	prev := []testutil.TestHash{testutil.ComputeHash([]byte("prev"))}
	header := testutil.BuildHeader(signers, 2, 5, 1, prev, tms)
	cert := testutil.Certify(signers, header)

	decoded, err := bullshark.BatchCertificateFromBytes(cert.Bytes(), testutil.HashFromBytes)
	require.NoError(t, err)

	assert.True(t, decoded.ID().Equals(cert.ID()))
	assert.Equal(t, cert.Round(), decoded.Round())
	assert.Equal(t, cert.Author(), decoded.Author())
	assert.Equal(t, cert.SignerBitmap, decoded.SignerBitmap)
	assert.Equal(t, cert.Signatures, decoded.Signatures)
	assert.Equal(t, header.Epoch, decoded.Header.Epoch)
	require.Len(t, decoded.Header.TransmissionIDs, 2)
	assert.True(t, decoded.Header.TransmissionIDs[0].Equals(tms[0]))
}

func TestHeader_DigestAndSignature(t *testing.T) {
	_, signers := testutil.NewTestCommittee(4)

	header := testutil.BuildHeader(signers, 1, 3, 0, nil,
		[]testutil.TestHash{testutil.ComputeHash([]byte("tm"))})

	assert.True(t, header.VerifyDigest(testutil.ComputeHash))
	assert.True(t, header.VerifySignature(signers[1].PublicKey()))
	assert.False(t, header.VerifySignature(signers[2].PublicKey()))

	// Any content change invalidates the digest.
	header.Round = 4
	assert.False(t, header.VerifyDigest(testutil.ComputeHash))
}

func TestHeader_BytesRoundTrip(t *testing.T) {
	_, signers := testutil.NewTestCommittee(4)

	prev := []testutil.TestHash{
		testutil.ComputeHash([]byte("p1")),
		testutil.ComputeHash([]byte("p2")),
	}
	header := testutil.BuildHeader(signers, 3, 7, 2, prev, nil)

	decoded, err := bullshark.BatchHeaderFromBytes(header.Bytes(), testutil.HashFromBytes)
	require.NoError(t, err)

	assert.Equal(t, header.Author, decoded.Author)
	assert.Equal(t, header.Round, decoded.Round)
	assert.Equal(t, header.Epoch, decoded.Epoch)
	assert.Equal(t, header.Timestamp, decoded.Timestamp)
	assert.True(t, decoded.Digest.Equals(header.Digest))
	assert.Equal(t, header.Signature, decoded.Signature)
	require.Len(t, decoded.PreviousCertificateIDs, 2)
	assert.True(t, decoded.PreviousCertificateIDs[1].Equals(prev[1]))
	assert.True(t, decoded.VerifyDigest(testutil.ComputeHash))
}

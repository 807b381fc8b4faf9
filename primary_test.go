package bullshark_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgedlt/bullshark"
	"github.com/edgedlt/bullshark/internal/testutil"
)

// TestPrimary_PartialSyncWaitsForAnchor drives the primary with a DAG whose
// latest round is missing its anchor certificate. In partially synchronous
// mode the next proposal is held until the anchor arrives; in asynchronous
// mode it would go out immediately.
func TestPrimary_PartialSyncWaitsForAnchor(t *testing.T) {
	committee, signers := testutil.NewTestCommittee(4)
	dag := bullshark.NewDAG[testutil.TestHash](committee, zap.NewNop())
	mesh := bullshark.NewChannelMesh[testutil.TestHash, *testutil.TestTransmission](2, 64)
	defer func() {
		for _, transport := range mesh {
			transport.Close()
		}
	}()

	schedule := bullshark.NewRoundRobinLeaderSchedule(4)
	primary := bullshark.NewPrimary(bullshark.PrimaryConfig[testutil.TestHash, *testutil.TestTransmission]{
		Validator:        0,
		DAG:              dag,
		Committee:        committee,
		Signer:           signers[0],
		Transport:        mesh[0],
		Store:            testutil.NewMemStore(),
		HashFunc:         testutil.ComputeHash,
		Logger:           zap.NewNop(),
		ProposalInterval: 10 * time.Millisecond,
		NetworkModel:     bullshark.NetworkModelPartiallySynchronous,
		Schedule:         schedule,
		MaxLeaderWait:    5 * time.Second,
	})

	// Round 0 in full, round 1 without its leader (author 1): the DAG sits
	// at round 2 with the round-1 anchor outstanding.
	var r0IDs []testutil.TestHash
	for author := range signers {
		header := testutil.BuildHeader(signers, uint16(author), 0, 0, nil, nil)
		cert := testutil.Certify(signers, header)
		require.NoError(t, dag.InsertCertificate(cert))
		primary.ObserveCertificate(cert)
		r0IDs = append(r0IDs, cert.ID())
	}
	for _, author := range []uint16{0, 2, 3} {
		header := testutil.BuildHeader(signers, author, 1, 0, r0IDs, nil)
		cert := testutil.Certify(signers, header)
		require.NoError(t, dag.InsertCertificate(cert))
		primary.ObserveCertificate(cert)
	}
	require.Equal(t, uint64(2), dag.CurrentRound())

	batch := &bullshark.TransmissionBatch[testutil.TestHash, *testutil.TestTransmission]{
		Worker:        0,
		Validator:     0,
		Sequence:      1,
		Transmissions: []*testutil.TestTransmission{testutil.NewTestTransmission([]byte("tm"))},
	}
	batch.ComputeDigest(testutil.ComputeHash)
	require.True(t, primary.OnBatchSealed(batch))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		primary.Run(ctx)
		close(done)
	}()

	// The anchor is missing, so no proposal crosses the wire.
	select {
	case msg := <-mesh[1].Receive():
		t.Fatalf("unexpected %s before the anchor arrived", msg.Type())
	case <-time.After(100 * time.Millisecond):
	}

	// The anchor lands; the held proposal goes out.
	anchorHeader := testutil.BuildHeader(signers, 1, 1, 0, r0IDs, nil)
	anchor := testutil.Certify(signers, anchorHeader)
	require.NoError(t, dag.InsertCertificate(anchor))
	primary.ObserveCertificate(anchor)

	select {
	case msg := <-mesh[1].Receive():
		require.Equal(t, bullshark.MessageBatchPropose, msg.Type())
		propose, ok := msg.(*bullshark.BatchProposeMessage[testutil.TestHash, *testutil.TestTransmission])
		require.True(t, ok)
		assert.Equal(t, uint64(2), propose.Header.Round)
		assert.Contains(t, propose.Header.PreviousCertificateIDs, anchor.ID())
	case <-time.After(time.Second):
		t.Fatal("proposal never broadcast after the anchor arrived")
	}

	cancel()
	<-done
}

func TestPrimary_ProposalTimestampDriftIsFutureOnly(t *testing.T) {
	committee, signers := testutil.NewTestCommittee(4)
	dag := bullshark.NewDAG[testutil.TestHash](committee, zap.NewNop())
	mesh := bullshark.NewChannelMesh[testutil.TestHash, *testutil.TestTransmission](2, 64)
	defer func() {
		for _, transport := range mesh {
			transport.Close()
		}
	}()

	primary := bullshark.NewPrimary(bullshark.PrimaryConfig[testutil.TestHash, *testutil.TestTransmission]{
		Validator:         0,
		DAG:               dag,
		Committee:         committee,
		Signer:            signers[0],
		Transport:         mesh[0],
		Store:             testutil.NewMemStore(),
		HashFunc:          testutil.ComputeHash,
		Logger:            zap.NewNop(),
		ProposalInterval:  time.Second,
		MaxTimestampDrift: time.Second,
	})

	buildAt := func(ts time.Time) *bullshark.BatchHeader[testutil.TestHash] {
		header := &bullshark.BatchHeader[testutil.TestHash]{
			Author:    1,
			Round:     0,
			Timestamp: ts.UnixMilli(),
		}
		header.ComputeDigest(testutil.ComputeHash)
		require.NoError(t, header.Sign(signers[1]))
		return header
	}

	// A stale timestamp only means the proposal reached us slowly; it is
	// still countersigned.
	require.NoError(t, primary.OnProposalReceived(buildAt(time.Now().Add(-10*time.Minute)), 1))

	// A future timestamp is rejected.
	err := primary.OnProposalReceived(buildAt(time.Now().Add(10*time.Minute)), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, bullshark.ErrTimestampSkew)
}

package bullshark_test

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/edgedlt/bullshark"
	"github.com/edgedlt/bullshark/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// buildLinkedRounds certifies a full round for every member, each round
// linking to all certificates of the previous one, and returns the
// certificates grouped by round.
func buildLinkedRounds(
	signers []*testutil.TestSigner,
	numRounds int,
	transmissions map[uint64]map[uint16][]testutil.TestHash,
) [][]*bullshark.BatchCertificate[testutil.TestHash] {
	rounds := make([][]*bullshark.BatchCertificate[testutil.TestHash], numRounds)
	var previous []testutil.TestHash

	for r := 0; r < numRounds; r++ {
		certs := make([]*bullshark.BatchCertificate[testutil.TestHash], len(signers))
		ids := make([]testutil.TestHash, len(signers))
		for author := range signers {
			var tms []testutil.TestHash
			if transmissions != nil {
				tms = transmissions[uint64(r)][uint16(author)]
			}
			header := testutil.BuildHeader(signers, uint16(author), uint64(r), 0, previous, tms)
			certs[author] = testutil.Certify(signers, header)
			ids[author] = certs[author].ID()
		}
		rounds[r] = certs
		previous = ids
	}
	return rounds
}

func insertAll(
	t *testing.T,
	dag *bullshark.DAG[testutil.TestHash],
	rounds [][]*bullshark.BatchCertificate[testutil.TestHash],
) {
	t.Helper()
	for _, certs := range rounds {
		for _, cert := range certs {
			require.NoError(t, dag.InsertCertificate(cert))
		}
	}
}

func TestCommitEngine_AnchorCommitsWithQuorumSupport(t *testing.T) {
	committee, signers := testutil.NewTestCommittee(4)
	dag := bullshark.NewDAG[testutil.TestHash](committee, zap.NewNop())
	rounds := buildLinkedRounds(signers, 4, nil)
	insertAll(t, dag, rounds)

	ledger := testutil.NewMemLedger()
	engine := bullshark.NewCommitEngine(bullshark.CommitConfig[testutil.TestHash, *testutil.TestTransmission]{
		DAG:       dag,
		Committee: committee,
		Schedule:  bullshark.NewRoundRobinLeaderSchedule(len(signers)),
		Ledger:    ledger,
		Logger:    zap.NewNop(),
	})

	engine.Scan()

	// Anchor round 1 commits: round 3 holds full-stake support.
	assert.Equal(t, uint64(1), engine.Frontier())

	blocks := ledger.Blocks()
	require.Len(t, blocks, 1)
	block := blocks[0]
	assert.Equal(t, uint64(1), block.Height)
	assert.Equal(t, uint64(1), block.AnchorRound)
	assert.Equal(t, uint16(1), block.Anchor.Author())

	// Round 0 by author order, then the anchor hoisted ahead of the rest
	// of round 1.
	require.Len(t, block.Certificates, 8)
	expected := []*bullshark.BatchCertificate[testutil.TestHash]{
		rounds[0][0], rounds[0][1], rounds[0][2], rounds[0][3],
		rounds[1][1], rounds[1][0], rounds[1][2], rounds[1][3],
	}
	for i, want := range expected {
		assert.True(t, block.Certificates[i].ID().Equals(want.ID()),
			"certificate %d out of order", i)
	}
}

func TestCommitEngine_DeterministicUnderReordering(t *testing.T) {
	committee, signers := testutil.NewTestCommittee(4)
	rounds := buildLinkedRounds(signers, 6, nil)

	var flat []*bullshark.BatchCertificate[testutil.TestHash]
	for _, certs := range rounds {
		flat = append(flat, certs...)
	}

	runOrder := func(seed int64) []testutil.TestHash {
		shuffled := make([]*bullshark.BatchCertificate[testutil.TestHash], len(flat))
		copy(shuffled, flat)
		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		dag := bullshark.NewDAG[testutil.TestHash](committee, zap.NewNop())
		for _, cert := range shuffled {
			// Out-of-order arrivals defer; that is expected here.
			_ = dag.InsertCertificate(cert)
		}

		ledger := testutil.NewMemLedger()
		engine := bullshark.NewCommitEngine(bullshark.CommitConfig[testutil.TestHash, *testutil.TestTransmission]{
			DAG:       dag,
			Committee: committee,
			Schedule:  bullshark.NewRoundRobinLeaderSchedule(len(signers)),
			Ledger:    ledger,
			Logger:    zap.NewNop(),
		})
		engine.Scan()

		var order []testutil.TestHash
		for _, block := range ledger.Blocks() {
			for _, cert := range block.Certificates {
				order = append(order, cert.ID())
			}
		}
		return order
	}

	reference := runOrder(1)
	require.NotEmpty(t, reference)

	for seed := int64(2); seed <= 6; seed++ {
		order := runOrder(seed)
		require.Equal(t, len(reference), len(order), "seed %d", seed)
		for i := range reference {
			assert.True(t, reference[i].Equals(order[i]),
				"seed %d diverges at position %d", seed, i)
		}
	}
}

func TestCommitEngine_AnchorSkippedWithoutCertificate(t *testing.T) {
	committee, signers := testutil.NewTestCommittee(4)
	dag := bullshark.NewDAG[testutil.TestHash](committee, zap.NewNop())

	// Round 1 misses the leader's certificate; later rounds build only on
	// what exists, so no round-3 certificate has a path to an anchor.
	var previous []testutil.TestHash
	for r := uint64(0); r < 4; r++ {
		var ids []testutil.TestHash
		for author := range signers {
			if r == 1 && author == 1 {
				continue
			}
			header := testutil.BuildHeader(signers, uint16(author), r, 0, previous, nil)
			cert := testutil.Certify(signers, header)
			require.NoError(t, dag.InsertCertificate(cert))
			ids = append(ids, cert.ID())
		}
		previous = ids
	}

	ledger := testutil.NewMemLedger()
	engine := bullshark.NewCommitEngine(bullshark.CommitConfig[testutil.TestHash, *testutil.TestTransmission]{
		DAG:       dag,
		Committee: committee,
		Schedule:  bullshark.NewRoundRobinLeaderSchedule(len(signers)),
		Ledger:    ledger,
		Logger:    zap.NewNop(),
	})
	engine.Scan()

	// The round-1 anchor is skipped; the frontier moves past it without a
	// block.
	assert.Equal(t, uint64(1), engine.Frontier())
	assert.Empty(t, ledger.Blocks())
	assert.Equal(t, uint64(1), engine.Stats().SkippedAnchors)
}

func TestCommitEngine_LedgerFaultHoldsFrontier(t *testing.T) {
	committee, signers := testutil.NewTestCommittee(4)
	dag := bullshark.NewDAG[testutil.TestHash](committee, zap.NewNop())
	insertAll(t, dag, buildLinkedRounds(signers, 4, nil))

	ledger := testutil.NewMemLedger()
	ledger.RejectNext = true

	engine := bullshark.NewCommitEngine(bullshark.CommitConfig[testutil.TestHash, *testutil.TestTransmission]{
		DAG:       dag,
		Committee: committee,
		Schedule:  bullshark.NewRoundRobinLeaderSchedule(len(signers)),
		Ledger:    ledger,
		Logger:    zap.NewNop(),
	})

	engine.Scan()
	assert.Equal(t, uint64(0), engine.Frontier())
	assert.Empty(t, ledger.Blocks())
	assert.True(t, engine.Stats().PendingEmission)

	// The held emission clears on the next scan, unchanged.
	engine.Scan()
	assert.Equal(t, uint64(1), engine.Frontier())
	assert.Len(t, ledger.Blocks(), 1)
}

func TestCommitEngine_MissingPayloadStallsCommit(t *testing.T) {
	committee, signers := testutil.NewTestCommittee(4)

	payload := testutil.NewTestTransmission([]byte("tm-0"))
	tms := map[uint64]map[uint16][]testutil.TestHash{
		0: {0: {payload.Hash()}},
	}

	dag := bullshark.NewDAG[testutil.TestHash](committee, zap.NewNop())
	insertAll(t, dag, buildLinkedRounds(signers, 4, tms))

	var mu sync.Mutex
	available := map[testutil.TestHash]*testutil.TestTransmission{}
	var requested []testutil.TestHash

	ledger := testutil.NewMemLedger()
	engine := bullshark.NewCommitEngine(bullshark.CommitConfig[testutil.TestHash, *testutil.TestTransmission]{
		DAG:       dag,
		Committee: committee,
		Schedule:  bullshark.NewRoundRobinLeaderSchedule(len(signers)),
		Ledger:    ledger,
		Logger:    zap.NewNop(),
		GetTransmission: func(id testutil.TestHash) (*testutil.TestTransmission, bool) {
			mu.Lock()
			defer mu.Unlock()
			tm, ok := available[id]
			return tm, ok
		},
		RequestTransmission: func(id testutil.TestHash) {
			mu.Lock()
			defer mu.Unlock()
			requested = append(requested, id)
		},
	})

	engine.Scan()
	assert.Equal(t, uint64(0), engine.Frontier())
	mu.Lock()
	require.Len(t, requested, 1)
	assert.True(t, requested[0].Equals(payload.Hash()))
	available[payload.Hash()] = payload
	mu.Unlock()

	engine.Scan()
	assert.Equal(t, uint64(1), engine.Frontier())

	blocks := ledger.Blocks()
	require.Len(t, blocks, 1)
	require.Len(t, blocks[0].Transmissions, 1)
	assert.Equal(t, payload.Bytes(), blocks[0].Transmissions[0].Bytes())
}

func TestCommitEngine_FrontierRestore(t *testing.T) {
	committee, signers := testutil.NewTestCommittee(4)
	dag := bullshark.NewDAG[testutil.TestHash](committee, zap.NewNop())
	insertAll(t, dag, buildLinkedRounds(signers, 4, nil))

	ledger := testutil.NewMemLedger()
	engine := bullshark.NewCommitEngine(bullshark.CommitConfig[testutil.TestHash, *testutil.TestTransmission]{
		DAG:       dag,
		Committee: committee,
		Schedule:  bullshark.NewRoundRobinLeaderSchedule(len(signers)),
		Ledger:    ledger,
		Logger:    zap.NewNop(),
	})

	// A restored frontier treats the round-1 anchor as already delivered.
	engine.SetFrontier(1, 1)
	engine.Scan()

	assert.Equal(t, uint64(1), engine.Frontier())
	assert.Empty(t, ledger.Blocks())
}

func TestCommitEngine_LaterAnchorDecidesStalledRound(t *testing.T) {
	committee, signers := testutil.NewTestCommittee(4)
	dag := bullshark.NewDAG[testutil.TestHash](committee, zap.NewNop())

	// Round 0: everyone.
	round0 := make([]*bullshark.BatchCertificate[testutil.TestHash], 4)
	var r0IDs []testutil.TestHash
	for author := range signers {
		header := testutil.BuildHeader(signers, uint16(author), 0, 0, nil, nil)
		round0[author] = testutil.Certify(signers, header)
		r0IDs = append(r0IDs, round0[author].ID())
		require.NoError(t, dag.InsertCertificate(round0[author]))
	}

	// Round 1: everyone, including the anchor (author 1).
	round1 := make([]*bullshark.BatchCertificate[testutil.TestHash], 4)
	for author := range signers {
		header := testutil.BuildHeader(signers, uint16(author), 1, 0, r0IDs, nil)
		round1[author] = testutil.Certify(signers, header)
		require.NoError(t, dag.InsertCertificate(round1[author]))
	}
	anchorID := round1[1].ID()

	// Round 2: only author 0 links to the anchor; 1, 2 and 3 build on the
	// other round-1 certificates.
	withAnchor := []testutil.TestHash{anchorID, round1[0].ID(), round1[2].ID()}
	withoutAnchor := []testutil.TestHash{round1[0].ID(), round1[2].ID(), round1[3].ID()}
	round2 := make([]*bullshark.BatchCertificate[testutil.TestHash], 4)
	for author := range signers {
		parents := withoutAnchor
		if author == 0 {
			parents = withAnchor
		}
		header := testutil.BuildHeader(signers, uint16(author), 2, 0, parents, nil)
		round2[author] = testutil.Certify(signers, header)
		require.NoError(t, dag.InsertCertificate(round2[author]))
	}

	// Validator 1 falls over after round 2. Round 3: authors 0 and 2 reach
	// the anchor through round-2 author 0; author 3 does not. Support is 2
	// of 4 stake with 1 against, so the direct rule cannot decide round 1.
	parentsFor := func(authors ...int) []testutil.TestHash {
		ids := make([]testutil.TestHash, len(authors))
		for i, a := range authors {
			ids[i] = round2[a].ID()
		}
		return ids
	}
	round3 := make(map[int]*bullshark.BatchCertificate[testutil.TestHash])
	for author, parents := range map[int][]testutil.TestHash{
		0: parentsFor(0, 1, 2),
		2: parentsFor(0, 1, 3),
		3: parentsFor(1, 2, 3),
	} {
		header := testutil.BuildHeader(signers, uint16(author), 3, 0, parents, nil)
		round3[author] = testutil.Certify(signers, header)
		require.NoError(t, dag.InsertCertificate(round3[author]))
	}

	// Rounds 4 through 7: the three live validators link everything.
	previous := []testutil.TestHash{round3[0].ID(), round3[2].ID(), round3[3].ID()}
	for r := uint64(4); r <= 7; r++ {
		var ids []testutil.TestHash
		for _, author := range []int{0, 2, 3} {
			header := testutil.BuildHeader(signers, uint16(author), r, 0, previous, nil)
			cert := testutil.Certify(signers, header)
			require.NoError(t, dag.InsertCertificate(cert))
			ids = append(ids, cert.ID())
		}
		previous = ids
	}

	ledger := testutil.NewMemLedger()
	engine := bullshark.NewCommitEngine(bullshark.CommitConfig[testutil.TestHash, *testutil.TestTransmission]{
		DAG:       dag,
		Committee: committee,
		Schedule:  bullshark.NewRoundRobinLeaderSchedule(len(signers)),
		Ledger:    ledger,
		Logger:    zap.NewNop(),
	})

	engine.Scan()

	// The round-3 anchor has full live-stake support at round 5 and commits,
	// which settles round 1: the committed chain has no path to its anchor,
	// so it is skipped and the frontier moves on instead of freezing.
	blocks := ledger.Blocks()
	require.Len(t, blocks, 1)
	assert.Equal(t, uint64(3), blocks[0].AnchorRound)
	assert.Equal(t, uint16(3), blocks[0].Anchor.Author())
	assert.Len(t, blocks[0].Certificates, 15)

	// Round 5 has no leader certificate either (author 1 is down) and is
	// skipped by the direct rule.
	assert.Equal(t, uint64(5), engine.Frontier())
	assert.Equal(t, uint64(2), engine.Stats().SkippedAnchors)
}

package bullshark_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgedlt/bullshark"
	"github.com/edgedlt/bullshark/internal/testutil"
	"github.com/edgedlt/bullshark/timer"
)

type testCluster struct {
	committee *bullshark.Committee
	signers   []*testutil.TestSigner
	mesh      []*bullshark.ChannelTransport[testutil.TestHash, *testutil.TestTransmission]
	stores    []*testutil.MemStore
	ledgers   []*testutil.MemLedger
	nodes     []*bullshark.Node[testutil.TestHash, *testutil.TestTransmission]
}

// newTestCluster builds n validators wired through an in-process mesh with
// fast timing so rounds turn over quickly under test.
func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()

	committee, signers := testutil.NewTestCommittee(n)
	mesh := bullshark.NewChannelMesh[testutil.TestHash, *testutil.TestTransmission](n, 4096)

	c := &testCluster{
		committee: committee,
		signers:   signers,
		mesh:      mesh,
		stores:    make([]*testutil.MemStore, n),
		ledgers:   make([]*testutil.MemLedger, n),
		nodes:     make([]*bullshark.Node[testutil.TestHash, *testutil.TestTransmission], n),
	}

	for i := 0; i < n; i++ {
		c.stores[i] = testutil.NewMemStore()
		c.ledgers[i] = testutil.NewMemLedger()

		cfg, err := bullshark.NewConfig(
			bullshark.WithValidator[testutil.TestHash, *testutil.TestTransmission](uint16(i)),
			bullshark.WithCommittee[testutil.TestHash, *testutil.TestTransmission](committee),
			bullshark.WithSigner[testutil.TestHash, *testutil.TestTransmission](signers[i]),
			bullshark.WithStore[testutil.TestHash, *testutil.TestTransmission](c.stores[i]),
			bullshark.WithTransport[testutil.TestHash, *testutil.TestTransmission](mesh[i]),
			bullshark.WithLedger[testutil.TestHash, *testutil.TestTransmission](c.ledgers[i]),
			bullshark.WithTimer[testutil.TestHash, *testutil.TestTransmission](timer.NewRealTimer(2*time.Second)),
			bullshark.WithNumWorkers[testutil.TestHash, *testutil.TestTransmission](2),
			bullshark.WithBatchSize[testutil.TestHash, *testutil.TestTransmission](2),
			bullshark.WithBatchTimeout[testutil.TestHash, *testutil.TestTransmission](10*time.Millisecond),
			bullshark.WithProposalInterval[testutil.TestHash, *testutil.TestTransmission](20*time.Millisecond),
			bullshark.WithProposalRetryInterval[testutil.TestHash, *testutil.TestTransmission](100*time.Millisecond),
			bullshark.WithCommitScanInterval[testutil.TestHash, *testutil.TestTransmission](10*time.Millisecond),
			bullshark.WithSweepInterval[testutil.TestHash, *testutil.TestTransmission](50*time.Millisecond),
			bullshark.WithPingInterval[testutil.TestHash, *testutil.TestTransmission](100*time.Millisecond),
			bullshark.WithLogger[testutil.TestHash, *testutil.TestTransmission](zap.NewNop()),
		)
		require.NoError(t, err, "config for validator %d", i)

		node, err := bullshark.New(cfg, testutil.ComputeHash)
		require.NoError(t, err, "node for validator %d", i)
		c.nodes[i] = node
	}
	return c
}

func (c *testCluster) start(t *testing.T) {
	t.Helper()
	for i, node := range c.nodes {
		require.NoError(t, node.Start(), "start validator %d", i)
	}
}

func (c *testCluster) stop() {
	for _, node := range c.nodes {
		node.Stop()
	}
	for _, transport := range c.mesh {
		transport.Close()
	}
}

func TestNode_StartStop(t *testing.T) {
	cluster := newTestCluster(t, 4)
	node := cluster.nodes[0]

	require.NoError(t, node.Start())
	assert.Error(t, node.Start(), "second start must be rejected")

	time.Sleep(20 * time.Millisecond)
	cluster.stop()

	// Stop is idempotent.
	node.Stop()
}

func TestNode_FourValidatorCommit(t *testing.T) {
	const numNodes = 4

	cluster := newTestCluster(t, numNodes)
	cluster.start(t)
	defer cluster.stop()

	// Feed each validator a steady trickle of transmissions so proposals
	// keep forming and rounds keep turning until anchors commit.
	done := make(chan struct{})
	feederStopped := make(chan struct{})
	go func() {
		defer close(feederStopped)
		seq := 0
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				for i, node := range cluster.nodes {
					tm := testutil.NewTestTransmission([]byte(fmt.Sprintf("validator%d-seq%d", i, seq)))
					_ = node.AddTransmission(tm)
				}
				seq++
			}
		}
	}()

	// Every validator must advance its commit frontier past the first
	// anchor and deliver at least one block to its ledger.
	require.Eventually(t, func() bool {
		for i := range cluster.nodes {
			if cluster.nodes[i].CommitFrontier() < 3 {
				return false
			}
			if len(cluster.ledgers[i].Blocks()) == 0 {
				return false
			}
		}
		return true
	}, 30*time.Second, 50*time.Millisecond, "validators failed to commit")

	close(done)
	<-feederStopped
	cluster.stop()

	// All ledgers must agree on the committed certificate sequence for as
	// many blocks as they share.
	var sequences [numNodes][]testutil.TestHash
	for i := range cluster.nodes {
		for _, block := range cluster.ledgers[i].Blocks() {
			for _, cert := range block.Certificates {
				sequences[i] = append(sequences[i], cert.ID())
			}
		}
		require.NotEmpty(t, sequences[i], "validator %d committed nothing", i)
	}

	for i := 1; i < numNodes; i++ {
		shared := len(sequences[0])
		if len(sequences[i]) < shared {
			shared = len(sequences[i])
		}
		require.Greater(t, shared, 0)
		for j := 0; j < shared; j++ {
			require.True(t, sequences[0][j].Equals(sequences[i][j]),
				"validator %d disagrees with validator 0 at position %d", i, j)
		}
	}

	// Block heights are contiguous from 1 on every ledger.
	for i := range cluster.nodes {
		for j, block := range cluster.ledgers[i].Blocks() {
			assert.Equal(t, uint64(j+1), block.Height,
				"validator %d block %d has wrong height", i, j)
		}
	}
}

func TestNode_CommittedTransmissionsReachLedger(t *testing.T) {
	cluster := newTestCluster(t, 4)
	cluster.start(t)
	defer cluster.stop()

	tracked := testutil.NewTestTransmission([]byte("tracked-payload"))
	require.NoError(t, cluster.nodes[0].AddTransmission(tracked))

	done := make(chan struct{})
	feederStopped := make(chan struct{})
	go func() {
		defer close(feederStopped)
		seq := 0
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				for i, node := range cluster.nodes {
					tm := testutil.NewTestTransmission([]byte(fmt.Sprintf("filler%d-%d", i, seq)))
					_ = node.AddTransmission(tm)
				}
				seq++
			}
		}
	}()
	defer func() {
		close(done)
		<-feederStopped
	}()

	require.Eventually(t, func() bool {
		return cluster.ledgers[0].ContainsTransmission(tracked.Hash())
	}, 30*time.Second, 50*time.Millisecond, "tracked transmission never committed")
}

func TestNode_WatchdogBroadcastsStatus(t *testing.T) {
	committee, signers := testutil.NewTestCommittee(4)
	mesh := bullshark.NewChannelMesh[testutil.TestHash, *testutil.TestTransmission](4, 256)
	mockTimer := timer.NewMockTimer()

	cfg, err := bullshark.NewConfig(
		bullshark.WithValidator[testutil.TestHash, *testutil.TestTransmission](0),
		bullshark.WithCommittee[testutil.TestHash, *testutil.TestTransmission](committee),
		bullshark.WithSigner[testutil.TestHash, *testutil.TestTransmission](signers[0]),
		bullshark.WithStore[testutil.TestHash, *testutil.TestTransmission](testutil.NewMemStore()),
		bullshark.WithTransport[testutil.TestHash, *testutil.TestTransmission](mesh[0]),
		bullshark.WithTimer[testutil.TestHash, *testutil.TestTransmission](mockTimer),
		bullshark.WithLogger[testutil.TestHash, *testutil.TestTransmission](zap.NewNop()),
	)
	require.NoError(t, err)

	node, err := bullshark.New(cfg, testutil.ComputeHash)
	require.NoError(t, err)
	require.NoError(t, node.Start())
	defer func() {
		node.Stop()
		for _, transport := range mesh {
			transport.Close()
		}
	}()

	mockTimer.Fire()

	require.Eventually(t, func() bool {
		return node.Stats().WatchdogFires >= 1
	}, 2*time.Second, 5*time.Millisecond)

	// The stalled validator gossips its state so peers can help it sync.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-mesh[1].Receive():
			if msg.Type() == bullshark.MessagePing {
				return
			}
		case <-deadline:
			t.Fatal("no status ping observed after watchdog fired")
		}
	}
}

func TestNode_RestoreFromStore(t *testing.T) {
	committee, signers := testutil.NewTestCommittee(4)
	mesh := bullshark.NewChannelMesh[testutil.TestHash, *testutil.TestTransmission](4, 256)
	store := testutil.NewMemStore()
	ledger := testutil.NewMemLedger()

	// Persist a three-round window with the first anchor already emitted.
	rounds := buildLinkedRounds(signers, 3, nil)
	for _, certs := range rounds {
		for _, cert := range certs {
			require.NoError(t, store.PutCertificate(cert))
		}
	}
	require.NoError(t, store.PutHighestRound(2))
	require.NoError(t, store.PutCommitState(1, 1))

	cfg, err := bullshark.NewConfig(
		bullshark.WithValidator[testutil.TestHash, *testutil.TestTransmission](0),
		bullshark.WithCommittee[testutil.TestHash, *testutil.TestTransmission](committee),
		bullshark.WithSigner[testutil.TestHash, *testutil.TestTransmission](signers[0]),
		bullshark.WithStore[testutil.TestHash, *testutil.TestTransmission](store),
		bullshark.WithTransport[testutil.TestHash, *testutil.TestTransmission](mesh[0]),
		bullshark.WithLedger[testutil.TestHash, *testutil.TestTransmission](ledger),
		bullshark.WithTimer[testutil.TestHash, *testutil.TestTransmission](timer.NewMockTimer()),
		bullshark.WithLogger[testutil.TestHash, *testutil.TestTransmission](zap.NewNop()),
	)
	require.NoError(t, err)

	node, err := bullshark.New(cfg, testutil.ComputeHash)
	require.NoError(t, err)
	require.NoError(t, node.Start())
	defer func() {
		node.Stop()
		for _, transport := range mesh {
			transport.Close()
		}
	}()

	// The persisted window is back: three full rounds advance the DAG to
	// round 3, and the commit frontier picks up where it left off.
	assert.Equal(t, uint64(3), node.CurrentRound())
	assert.Equal(t, uint64(1), node.CommitFrontier())

	// Nothing below the restored frontier is re-emitted.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, ledger.Blocks())
}

func TestNode_RejectsForgedCertificateFromNetwork(t *testing.T) {
	cluster := newTestCluster(t, 4)
	node := cluster.nodes[0]

	require.NoError(t, node.Start())
	defer cluster.stop()

	// A certificate whose header is well formed but whose vote signatures
	// are garbage must never become a DAG vertex.
	forgedHeader := testutil.BuildHeader(cluster.signers, 1, 0, 0, nil, nil)
	forged := bullshark.NewBatchCertificate(forgedHeader, map[uint16][]byte{
		0: make([]byte, 64),
		1: make([]byte, 64),
		2: make([]byte, 64),
	})
	cluster.mesh[1].BroadcastCertified(forged)

	// A properly certified header from the same peer is accepted, which
	// pins down that the forged one was dropped for its signatures and
	// not for transport reasons.
	genuineHeader := testutil.BuildHeader(cluster.signers, 2, 0, 0, nil, nil)
	genuine := testutil.Certify(cluster.signers, genuineHeader)
	cluster.mesh[2].BroadcastCertified(genuine)

	require.Eventually(t, func() bool {
		return node.DAG().GetCertificate(genuine.ID()) != nil
	}, time.Second, 5*time.Millisecond, "genuine certificate never inserted")

	assert.Nil(t, node.DAG().GetCertificate(forged.ID()),
		"certificate with garbage signatures must not be inserted")
}

func TestNode_PeerStatusesExposesGossipedState(t *testing.T) {
	cluster := newTestCluster(t, 4)
	cluster.start(t)
	defer cluster.stop()

	node := cluster.nodes[0]
	require.Eventually(t, func() bool {
		return len(node.PeerStatuses()) >= 1
	}, 5*time.Second, 10*time.Millisecond, "no peer status gossip observed")

	for peer, status := range node.PeerStatuses() {
		assert.NotEqual(t, uint16(0), peer, "local node never tracks itself")
		assert.False(t, status.LastSeen.IsZero())
		assert.GreaterOrEqual(t, status.Round, status.Frontier)
	}
}

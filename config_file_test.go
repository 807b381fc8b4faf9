package bullshark_test

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgedlt/bullshark"
	"github.com/edgedlt/bullshark/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// writeConfigFile drops a node.yaml into dir and returns dir.
func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node.yaml"), []byte(body), 0o600))
	return dir
}

// hexKeys generates n BLS key pairs and returns their hex-encoded public keys.
func hexKeys(t *testing.T, n int) []string {
	t.Helper()
	keys := make([]string, n)
	for i := range keys {
		kp, err := bullshark.GenerateBLSKeyPair()
		require.NoError(t, err)
		keys[i] = hex.EncodeToString(kp.PublicKey)
	}
	return keys
}

func membersYAML(keys []string, stakes []uint64, addrs []string) string {
	out := "members:\n"
	for i, key := range keys {
		out += fmt.Sprintf("  - public_key: %q\n    stake: %d\n", key, stakes[i])
		if addrs != nil && addrs[i] != "" {
			out += fmt.Sprintf("    address: %q\n", addrs[i])
		}
	}
	return out
}

func TestLoadFileConfig_ReadsRosterAndKnobs(t *testing.T) {
	keys := hexKeys(t, 4)
	addrs := []string{"10.0.0.1:9000", "10.0.0.2:9000", "10.0.0.3:9000", "10.0.0.4:9000"}
	dir := writeConfigFile(t, `
validator: 1
listen_address: "0.0.0.0:9000"
epoch: 2
starting_round: 5
num_workers: 2
batch_size: 64
batch_timeout: 50ms
proposal_interval: 250ms
gc_depth: 30
`+membersYAML(keys, []uint64{1, 2, 3, 4}, addrs))

	fc, err := bullshark.LoadFileConfig("node", "BULLSHARK", dir)
	require.NoError(t, err)

	assert.Equal(t, uint16(1), fc.Validator)
	assert.Equal(t, "0.0.0.0:9000", fc.ListenAddress)
	assert.Equal(t, uint64(2), fc.Epoch)
	assert.Equal(t, uint64(5), fc.StartingRound)
	assert.Equal(t, uint8(2), fc.NumWorkers)
	assert.Equal(t, 64, fc.BatchSize)
	assert.Equal(t, 50*time.Millisecond, fc.BatchTimeout)
	assert.Equal(t, 250*time.Millisecond, fc.ProposalInterval)
	assert.Equal(t, uint64(30), fc.GCDepth)
	// fetch_missing defaults on when the file does not mention it.
	assert.True(t, fc.FetchMissing)

	require.Len(t, fc.Members, 4)
	assert.Equal(t, keys[2], fc.Members[2].PublicKey)
	assert.Equal(t, uint64(3), fc.Members[2].Stake)
	assert.Equal(t, "10.0.0.3:9000", fc.Members[2].Address)
}

func TestLoadFileConfig_EnvironmentOverride(t *testing.T) {
	keys := hexKeys(t, 1)
	dir := writeConfigFile(t, "validator: 0\nbatch_size: 64\n"+
		membersYAML(keys, []uint64{1}, nil))

	t.Setenv("BULLSHARK_BATCH_SIZE", "128")

	fc, err := bullshark.LoadFileConfig("node", "BULLSHARK", dir)
	require.NoError(t, err)
	assert.Equal(t, 128, fc.BatchSize)
}

func TestLoadFileConfig_Validation(t *testing.T) {
	keys := hexKeys(t, 2)

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "no members",
			body:    "validator: 0\n",
			wantErr: "no committee members",
		},
		{
			name:    "validator out of range",
			body:    "validator: 2\n" + membersYAML(keys, []uint64{1, 1}, nil),
			wantErr: "outside committee",
		},
		{
			name:    "zero stake",
			body:    "validator: 0\n" + membersYAML(keys, []uint64{1, 0}, nil),
			wantErr: "zero stake",
		},
		{
			name:    "empty public key",
			body:    "validator: 0\n" + membersYAML([]string{""}, []uint64{1}, nil),
			wantErr: "no public key",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := writeConfigFile(t, tc.body)
			_, err := bullshark.LoadFileConfig("node", "BULLSHARK", dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadFileConfig_MissingFile(t *testing.T) {
	_, err := bullshark.LoadFileConfig("node", "BULLSHARK", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestFileConfig_Committee(t *testing.T) {
	keys := hexKeys(t, 4)
	fc := &bullshark.FileConfig{
		Epoch:         3,
		StartingRound: 7,
	}
	for i, key := range keys {
		fc.Members = append(fc.Members, bullshark.FileMember{
			PublicKey: key,
			Stake:     uint64(i + 1),
		})
	}

	committee, err := fc.Committee()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), committee.Epoch())
	assert.Equal(t, uint64(7), committee.StartingRound())
	assert.Equal(t, 4, committee.Size())
	assert.Equal(t, uint64(10), committee.TotalStake())
}

func TestFileConfig_CommitteeRejectsBadKeys(t *testing.T) {
	fc := &bullshark.FileConfig{
		Members: []bullshark.FileMember{{PublicKey: "not-hex", Stake: 1}},
	}
	_, err := fc.Committee()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "member 0 public key")

	// Valid hex, but not a point on the curve.
	fc.Members[0].PublicKey = hex.EncodeToString(make([]byte, 96))
	_, err = fc.Committee()
	require.Error(t, err)
}

func TestFileConfig_ResolverExcludesSelf(t *testing.T) {
	fc := &bullshark.FileConfig{
		Validator: 1,
		Members: []bullshark.FileMember{
			{PublicKey: "aa", Stake: 1, Address: "10.0.0.1:9000"},
			{PublicKey: "bb", Stake: 1, Address: "10.0.0.2:9000"},
			{PublicKey: "cc", Stake: 1, Address: "10.0.0.3:9000"},
			{PublicKey: "dd", Stake: 1}, // no address published
		},
	}

	resolver := fc.Resolver(zap.NewNop())
	assert.Equal(t, 2, resolver.Len())

	addr, err := resolver.Resolve(0)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:9000", addr)

	_, err = resolver.Resolve(1)
	assert.Error(t, err)
	_, err = resolver.Resolve(3)
	assert.Error(t, err)
}

func TestFileConfig_OptionsMapNonZeroKnobs(t *testing.T) {
	fc := &bullshark.FileConfig{
		NumWorkers:              3,
		BatchSize:               64,
		BatchTimeout:            50 * time.Millisecond,
		ProposalInterval:        250 * time.Millisecond,
		CommitScanInterval:      40 * time.Millisecond,
		PingInterval:            time.Second,
		RoundTimeout:            8 * time.Second,
		FetchMissing:            true,
		GCInterval:              50,
		GCDepth:                 30,
		MaxPendingTransmissions: 1000,
		MaxPendingBatches:       100,
	}

	cfg := bullshark.DefaultConfig[testutil.TestHash, *testutil.TestTransmission]()
	for _, opt := range bullshark.Options[testutil.TestHash, *testutil.TestTransmission](fc) {
		require.NoError(t, opt(&cfg))
	}

	assert.Equal(t, uint8(3), cfg.NumWorkers)
	assert.Equal(t, 64, cfg.BatchSize)
	assert.Equal(t, 50*time.Millisecond, cfg.BatchTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.ProposalInterval)
	assert.Equal(t, 40*time.Millisecond, cfg.CommitScanInterval)
	assert.Equal(t, time.Second, cfg.PingInterval)
	assert.Equal(t, 8*time.Second, cfg.RoundTimeout)
	assert.True(t, cfg.FetchMissing)
	assert.Equal(t, uint64(50), cfg.GCInterval)
	assert.Equal(t, uint64(30), cfg.GCDepth)
	assert.Equal(t, 1000, cfg.MaxPendingTransmissions)
	assert.Equal(t, 100, cfg.MaxPendingBatches)
}

func TestFileConfig_OptionsSkipZeroValues(t *testing.T) {
	fc := &bullshark.FileConfig{FetchMissing: true}

	cfg := bullshark.DefaultConfig[testutil.TestHash, *testutil.TestTransmission]()
	for _, opt := range bullshark.Options[testutil.TestHash, *testutil.TestTransmission](fc) {
		require.NoError(t, opt(&cfg))
	}

	// Zero knobs fall through to the programmatic defaults.
	assert.Equal(t, uint8(4), cfg.NumWorkers)
	assert.Equal(t, 500, cfg.BatchSize)
	assert.Equal(t, 100*time.Millisecond, cfg.BatchTimeout)
}

package cmd

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlys-org/atlys/consensus"
	testobserve "github.com/atlys-org/atlys/internal/testutils/observability"
)

const testNodeConfig = `
chains:
  - id: eth
    difficulty: 2
    mining_reward: 0
    mining_interval: 1s
    db_file: eth.db
  - id: sol
validators:
  - id: v1
    stake: 1000
    public_key: 0x0102
  - id: v2
    stake: 500
  - id: v3
    stake: 10
consensus:
  approval_threshold: 100
bridge:
  process_interval: 250ms
`

func TestLoadNodeConfiguration(t *testing.T) {
	dir := t.TempDir()
	cfg, err := loadNodeConfiguration(writeFile(t, filepath.Join(dir, "node.yaml"), testNodeConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Chains, 2)
	eth := cfg.Chains[0]
	require.Equal(t, "eth", eth.ID)
	require.EqualValues(t, 2, *eth.Difficulty)
	require.EqualValues(t, 0, *eth.MiningReward)
	require.Equal(t, time.Second, eth.MiningInterval)
	require.Equal(t, "miner-eth", eth.RewardAddress)
	require.Equal(t, "eth.db", eth.DBFile)
	require.Len(t, eth.ledgerOptions(), 2)

	sol := cfg.Chains[1]
	require.Nil(t, sol.Difficulty)
	require.Nil(t, sol.MiningReward)
	require.Equal(t, defaultMiningInterval, sol.MiningInterval)
	require.Empty(t, sol.DBFile)
	require.Empty(t, sol.ledgerOptions())

	require.Len(t, cfg.Validators, 3)
	require.EqualValues(t, []byte{1, 2}, cfg.Validators[0].PublicKey)
	require.EqualValues(t, 500, cfg.Validators[1].Stake)

	require.Equal(t, consensus.DefaultMinValidators, cfg.Consensus.MinValidators)
	require.Nil(t, cfg.Consensus.DampingWindow)
	require.Empty(t, cfg.Consensus.registryOptions())
	require.EqualValues(t, 100, *cfg.Consensus.ApprovalThreshold)
	require.Len(t, cfg.Consensus.engineOptions(), 2)

	require.Equal(t, 250*time.Millisecond, cfg.Bridge.ProcessInterval)
	require.Equal(t, "ATLYS", cfg.Bridge.DefaultToken)
}

func TestLoadNodeConfiguration_DampingWindow(t *testing.T) {
	dir := t.TempDir()
	var testCases = []struct {
		value string
		want  time.Duration
	}{
		{value: "0s", want: 0},
		{value: "30s", want: 30 * time.Second},
	}
	for _, tc := range testCases {
		config := "chains: [{id: eth}]\nvalidators: [{id: v1}, {id: v2}, {id: v3}]\nconsensus: {damping_window: " + tc.value + "}"
		cfg, err := loadNodeConfiguration(writeFile(t, filepath.Join(dir, "node.yaml"), config))
		require.NoError(t, err, tc.value)
		require.NotNil(t, cfg.Consensus.DampingWindow, tc.value)
		require.Equal(t, tc.want, *cfg.Consensus.DampingWindow, tc.value)
		require.Len(t, cfg.Consensus.registryOptions(), 1)

		if tc.want == 0 {
			// reputation updates are applied in full right away
			registry, err := consensus.NewRegistry(testobserve.Default(t), cfg.Consensus.registryOptions()...)
			require.NoError(t, err)
			require.NoError(t, registry.AddValidator("v1", 10, nil))
			_, err = registry.RecordVote("v1", false)
			require.NoError(t, err)
			v, err := registry.RecordVote("v1", false)
			require.NoError(t, err)
			require.EqualValues(t, consensus.InitialReputation-2*consensus.RejectionDecrement, v.Reputation)
		}
	}

	cfg, err := loadNodeConfiguration(writeFile(t, filepath.Join(dir, "node.yaml"),
		"chains: [{id: eth}]\nvalidators: [{id: v1}, {id: v2}, {id: v3}]\nconsensus: {damping_window: -1s}"))
	require.ErrorContains(t, err, "consensus damping window must not be negative")
	require.Nil(t, cfg)
}

func TestLoadNodeConfiguration_Invalid(t *testing.T) {
	var testCases = []struct {
		name   string
		config string
		errs   []string
	}{
		{
			name:   "no chains",
			config: "validators: [{id: v1}, {id: v2}, {id: v3}]",
			errs:   []string{"at least one chain must be configured"},
		},
		{
			name:   "chain without id",
			config: "chains: [{id: eth}, {difficulty: 1}]\nvalidators: [{id: v1}, {id: v2}, {id: v3}]",
			errs:   []string{"chain 1: id must be assigned"},
		},
		{
			name:   "duplicates",
			config: "chains: [{id: eth}, {id: eth}]\nvalidators: [{id: v1}, {id: v1}, {id: v3}]",
			errs:   []string{`chain "eth": duplicate id`, `validator "v1": duplicate id`},
		},
		{
			name:   "too few validators",
			config: "chains: [{id: eth}]\nvalidators: [{id: v1}]",
			errs:   []string{"consensus requires 3 validators, 1 configured"},
		},
		{
			name:   "negative interval",
			config: "chains: [{id: eth, mining_interval: -1s}]\nvalidators: [{id: v1}]\nconsensus: {min_validators: 1}",
			errs:   []string{`chain "eth": mining interval must not be negative`},
		},
		{
			name:   "unknown field",
			config: "chains: [{id: eth, colour: blue}]",
			errs:   []string{"field colour not found"},
		},
		{
			name:   "invalid public key",
			config: "chains: [{id: eth}]\nvalidators: [{id: v1, public_key: 0xZZ}]",
			errs:   []string{"decoding node configuration"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadNodeConfiguration(writeFile(t, filepath.Join(t.TempDir(), "node.yaml"), tc.config))
			require.Error(t, err)
			for _, msg := range tc.errs {
				require.ErrorContains(t, err, msg)
			}
		})
	}

	_, err := loadNodeConfiguration(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "opening node configuration file")
}

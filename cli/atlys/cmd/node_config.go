package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atlys-org/atlys/consensus"
	"github.com/atlys-org/atlys/ledger"
	"github.com/atlys-org/atlys/types"
)

const (
	defaultMiningInterval  = 10 * time.Second
	defaultProcessInterval = 5 * time.Second
)

type (
	/*
	nodeConfiguration is the YAML configuration of the bridge node, ie

		chains:
		  - id: eth
		    difficulty: 4
		    mining_reward: 10
		    mining_interval: 10s
		    reward_address: miner-eth
		    db_file: eth.db
		validators:
		  - id: v1
		    stake: 1000
		consensus:
		  min_validators: 3
		bridge:
		  process_interval: 5s
	*/
	nodeConfiguration struct {
		Chains     []chainConfiguration     `yaml:"chains"`
		Validators []validatorConfiguration `yaml:"validators"`
		Consensus  consensusConfiguration   `yaml:"consensus"`
		Bridge     bridgeConfiguration      `yaml:"bridge"`
	}

	chainConfiguration struct {
		ID string `yaml:"id"`
		// nil means ledger default
		Difficulty     *uint         `yaml:"difficulty"`
		MiningReward   *uint64       `yaml:"mining_reward"`
		MiningInterval time.Duration `yaml:"mining_interval"`
		RewardAddress  string        `yaml:"reward_address"`
		// block store file, relative to the home dir; blocks are kept in memory when empty
		DBFile string `yaml:"db_file"`
	}

	validatorConfiguration struct {
		ID        string      `yaml:"id"`
		Stake     uint64      `yaml:"stake"`
		PublicKey types.Bytes `yaml:"public_key"`
	}

	consensusConfiguration struct {
		MinValidators     int           `yaml:"min_validators"`
		ApprovalThreshold *uint         `yaml:"approval_threshold"`
		SlashThreshold    *float64      `yaml:"slash_threshold"`
		MaxAmount         uint64        `yaml:"max_amount"`
		DampingWindow     *time.Duration `yaml:"damping_window"` // explicit 0 disables damping
	}

	bridgeConfiguration struct {
		DefaultToken    string        `yaml:"default_token"`
		ProcessInterval time.Duration `yaml:"process_interval"`
	}
)

func loadNodeConfiguration(filename string) (*nodeConfiguration, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("opening node configuration file: %w", err)
	}
	defer f.Close()

	cfg := &nodeConfiguration{}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decoding node configuration (%s): %w", filename, err)
	}
	cfg.setDefaults()
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("invalid node configuration (%s): %w", filename, err)
	}
	return cfg, nil
}

func (c *nodeConfiguration) setDefaults() {
	for i := range c.Chains {
		if c.Chains[i].MiningInterval == 0 {
			c.Chains[i].MiningInterval = defaultMiningInterval
		}
		if c.Chains[i].RewardAddress == "" {
			c.Chains[i].RewardAddress = "miner-" + c.Chains[i].ID
		}
	}
	if c.Consensus.MinValidators == 0 {
		c.Consensus.MinValidators = consensus.DefaultMinValidators
	}
	if c.Bridge.ProcessInterval == 0 {
		c.Bridge.ProcessInterval = defaultProcessInterval
	}
	if c.Bridge.DefaultToken == "" {
		c.Bridge.DefaultToken = types.NativeToken.Symbol
	}
}

func (c *nodeConfiguration) IsValid() error {
	var errs []error
	if len(c.Chains) == 0 {
		errs = append(errs, errors.New("at least one chain must be configured"))
	}
	chains := make(map[string]struct{}, len(c.Chains))
	for i, ch := range c.Chains {
		if ch.ID == "" {
			errs = append(errs, fmt.Errorf("chain %d: id must be assigned", i))
			continue
		}
		if _, ok := chains[ch.ID]; ok {
			errs = append(errs, fmt.Errorf("chain %q: duplicate id", ch.ID))
		}
		chains[ch.ID] = struct{}{}
		if ch.MiningInterval < 0 {
			errs = append(errs, fmt.Errorf("chain %q: mining interval must not be negative", ch.ID))
		}
	}

	validators := make(map[string]struct{}, len(c.Validators))
	for i, v := range c.Validators {
		if v.ID == "" {
			errs = append(errs, fmt.Errorf("validator %d: id must be assigned", i))
			continue
		}
		if _, ok := validators[v.ID]; ok {
			errs = append(errs, fmt.Errorf("validator %q: duplicate id", v.ID))
		}
		validators[v.ID] = struct{}{}
	}
	if len(c.Validators) < c.Consensus.MinValidators {
		errs = append(errs, fmt.Errorf("consensus requires %d validators, %d configured", c.Consensus.MinValidators, len(c.Validators)))
	}
	if c.Consensus.DampingWindow != nil && *c.Consensus.DampingWindow < 0 {
		errs = append(errs, errors.New("consensus damping window must not be negative"))
	}
	if c.Bridge.ProcessInterval < 0 {
		errs = append(errs, errors.New("bridge process interval must not be negative"))
	}
	return errors.Join(errs...)
}

func (c *chainConfiguration) ledgerOptions() []ledger.Option {
	var opts []ledger.Option
	if c.Difficulty != nil {
		opts = append(opts, ledger.WithDifficulty(*c.Difficulty))
	}
	if c.MiningReward != nil {
		opts = append(opts, ledger.WithMiningReward(*c.MiningReward))
	}
	return opts
}

func (c *consensusConfiguration) registryOptions() []consensus.RegistryOption {
	if c.DampingWindow == nil {
		return nil
	}
	return []consensus.RegistryOption{consensus.WithDampingWindow(*c.DampingWindow)}
}

func (c *consensusConfiguration) engineOptions() []consensus.EngineOption {
	opts := []consensus.EngineOption{consensus.WithMinValidators(c.MinValidators)}
	if c.ApprovalThreshold != nil {
		opts = append(opts, consensus.WithApprovalThreshold(*c.ApprovalThreshold))
	}
	if c.SlashThreshold != nil {
		opts = append(opts, consensus.WithSlashThreshold(*c.SlashThreshold))
	}
	if c.MaxAmount > 0 {
		opts = append(opts, consensus.WithMaxAmount(c.MaxAmount))
	}
	return opts
}

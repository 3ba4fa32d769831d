package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/ainvaltin/httpsrv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/atlys-org/atlys/bridge"
	"github.com/atlys-org/atlys/consensus"
	"github.com/atlys-org/atlys/crypto"
	"github.com/atlys-org/atlys/internal/debug"
	"github.com/atlys-org/atlys/keyvaluedb/boltdb"
	"github.com/atlys-org/atlys/ledger"
	"github.com/atlys-org/atlys/logger"
	"github.com/atlys-org/atlys/rpc"
)

const (
	defaultNodeConfigFile = "node.yaml"
	defaultKeyFile        = "bridge-key.pem"
	defaultRESTAddress    = "localhost:26866"

	flagNameNodeConfig  = "node-config"
	flagNameKeyFile     = "key-file"
	flagNameRESTAddress = "rest-address"
)

type nodeFlags struct {
	*baseConfiguration
	NodeConfigFile string
	KeyFile        string
	RESTAddress    string
}

/*
node is the set of components the node command runs, ie the bridge with its
consensus engine and the chains together with their miners.
*/
type node struct {
	bridge   *bridge.Bridge
	registry *consensus.Registry
	miners   []*ledger.Miner
	dbs      []*boltdb.BoltDB
	cfg      *nodeConfiguration
}

func newNodeCmd(baseConfig *baseConfiguration) *cobra.Command {
	flags := &nodeFlags{baseConfiguration: baseConfig}
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Starts the bridge node",
		Long:  `Starts the bridge node: chains and their miners, the transfer processing loop and the status REST API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringVar(&flags.NodeConfigFile, flagNameNodeConfig, defaultNodeConfigFile, "node configuration file (chains, validators, consensus). Relative to $ATLYS_HOME unless absolute path.")
	cmd.Flags().StringVar(&flags.KeyFile, flagNameKeyFile, defaultKeyFile, "bridge signing key (PEM) file. Relative to $ATLYS_HOME unless absolute path.")
	cmd.Flags().StringVar(&flags.RESTAddress, flagNameRESTAddress, defaultRESTAddress, "address of the status REST API, disabled when empty")
	return cmd
}

func runNode(ctx context.Context, flags *nodeFlags) error {
	obs := flags.observe
	log := obs.Logger()
	log.InfoContext(ctx, fmt.Sprintf("starting atlys node: BuildInfo=%s", debug.ReadBuildInfo()))

	cfg, err := loadNodeConfiguration(flags.pathInHome(flags.NodeConfigFile))
	if err != nil {
		return err
	}
	signer, err := crypto.LoadRSASigner(flags.pathInHome(flags.KeyFile))
	if err != nil {
		return fmt.Errorf("loading bridge key: %w", err)
	}

	n, err := newNode(ctx, cfg, signer, flags.HomeDir, obs)
	if err != nil {
		return err
	}
	defer n.Close(log)

	return n.Run(ctx, flags.RESTAddress, obs)
}

func newNode(ctx context.Context, cfg *nodeConfiguration, signer crypto.Signer, homeDir string, obs Observability) (_ *node, rErr error) {
	verifier, err := signer.Verifier()
	if err != nil {
		return nil, fmt.Errorf("bridge verifier: %w", err)
	}

	registry, err := consensus.NewRegistry(obs, cfg.Consensus.registryOptions()...)
	if err != nil {
		return nil, fmt.Errorf("creating validator registry: %w", err)
	}
	for _, v := range cfg.Validators {
		if err := registry.AddValidator(v.ID, v.Stake, v.PublicKey); err != nil {
			return nil, fmt.Errorf("adding validator %q: %w", v.ID, err)
		}
	}
	engine, err := consensus.NewEngine(registry, verifier, obs, cfg.Consensus.engineOptions()...)
	if err != nil {
		return nil, fmt.Errorf("creating consensus engine: %w", err)
	}

	b, err := bridge.New(signer, engine, obs, bridge.WithDefaultToken(cfg.Bridge.DefaultToken))
	if err != nil {
		return nil, fmt.Errorf("creating bridge: %w", err)
	}

	n := &node{bridge: b, registry: registry, cfg: cfg}
	defer func() {
		if rErr != nil {
			n.Close(obs.Logger())
		}
	}()

	for _, cc := range cfg.Chains {
		chain, err := n.openChain(ctx, cc, homeDir, verifier, obs)
		if err != nil {
			return nil, fmt.Errorf("chain %q: %w", cc.ID, err)
		}
		if err := b.RegisterChain(cc.ID, chain); err != nil {
			return nil, err
		}
		m, err := ledger.NewMiner(chain, cc.RewardAddress, cc.MiningInterval, nil, obs.Logger())
		if err != nil {
			return nil, fmt.Errorf("chain %q: creating miner: %w", cc.ID, err)
		}
		n.miners = append(n.miners, m)
	}
	return n, nil
}

/*
openChain opens the block store of the chain. New chain gets the genesis
block, restored chain must pass the integrity check.
*/
func (n *node) openChain(ctx context.Context, cc chainConfiguration, homeDir string, verifier crypto.Verifier, obs Observability) (*ledger.Chain, error) {
	opts := cc.ledgerOptions()
	if cc.DBFile != "" {
		dbFile := cc.DBFile
		if !filepath.IsAbs(dbFile) {
			dbFile = filepath.Join(homeDir, dbFile)
		}
		db, err := openBlockStore(dbFile)
		if err != nil {
			return nil, err
		}
		n.dbs = append(n.dbs, db)
		opts = append(opts, ledger.WithDB(db))
	}

	chain, err := ledger.NewChain(cc.ID, verifier, obs, opts...)
	if err != nil {
		return nil, err
	}
	if chain.Height() == 0 {
		if _, err := chain.AppendGenesis(ctx); err != nil {
			return nil, fmt.Errorf("creating genesis block: %w", err)
		}
		return chain, nil
	}
	if err := chain.ValidateIntegrity(); err != nil {
		return nil, fmt.Errorf("restored chain is compromised: %w", err)
	}
	obs.Logger().InfoContext(ctx, fmt.Sprintf("restored chain with %d blocks", chain.Height()), logger.Chain(cc.ID))
	return chain, nil
}

func openBlockStore(dbFile string, opts ...boltdb.Option) (*boltdb.BoltDB, error) {
	db, err := boltdb.New(dbFile, opts...)
	if err != nil {
		return nil, fmt.Errorf("opening block store: %w", err)
	}
	return db, nil
}

/*
Run runs the miners, the transfer processing loop and the REST server (when
"restAddr" is not empty) until ctx is cancelled or one of them fails.
*/
func (n *node) Run(ctx context.Context, restAddr string, obs Observability) error {
	log := obs.Logger()
	g, ctx := errgroup.WithContext(ctx)

	for _, m := range n.miners {
		g.Go(func() error { return m.Run(ctx) })
	}

	g.Go(func() error {
		return n.bridge.Run(ctx, n.cfg.Bridge.ProcessInterval)
	})

	if restAddr != "" {
		g.Go(func() error {
			srv := rpc.NewRESTServer(restAddr, rpc.MaxBodySize, obs, log,
				rpc.StatusEndpoints(n.bridge, n.registry, log),
				rpc.MetricsEndpoints(obs.PrometheusRegisterer()),
			)
			log.InfoContext(ctx, fmt.Sprintf("status REST API listening on %s", restAddr))
			return httpsrv.Run(ctx, *srv, httpsrv.ShutdownTimeout(5*time.Second))
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (n *node) Close(log *slog.Logger) {
	for _, db := range n.dbs {
		if err := db.Close(); err != nil {
			log.Warn("closing block store "+db.Path(), logger.Error(err))
		}
	}
	n.dbs = nil
}

package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/atlys-org/atlys/crypto"
	"github.com/atlys-org/atlys/keyvaluedb/boltdb"
	"github.com/atlys-org/atlys/ledger"
)

type verifyChainFlags struct {
	*baseConfiguration
	ChainID       string
	DBFile        string
	Difficulty    uint
	KeyFile       string
	PublicKeyFile string
}

func newVerifyChainCmd(baseConfig *baseConfiguration) *cobra.Command {
	flags := &verifyChainFlags{baseConfiguration: baseConfig}
	cmd := &cobra.Command{
		Use:   "verify-chain",
		Short: "Checks the integrity of a chain block store",
		Long: `Recalculates the hash and proof-of-work of every block in the block store
and checks the links between the blocks. Exits with error on the first invalid block.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return verifyChain(cmd, flags)
		},
	}
	cmd.Flags().StringVar(&flags.ChainID, "chain", "", "chain identifier")
	cmd.Flags().StringVar(&flags.DBFile, "db-file", "", "block store file. Relative to $ATLYS_HOME unless absolute path.")
	cmd.Flags().UintVar(&flags.Difficulty, "difficulty", ledger.DefaultDifficulty, "proof-of-work difficulty of the chain")
	cmd.Flags().StringVar(&flags.KeyFile, flagNameKeyFile, defaultKeyFile, "bridge signing key (PEM) file, used when public key file is not set")
	cmd.Flags().StringVar(&flags.PublicKeyFile, "public-key-file", "", "bridge public key (PEM) file")
	_ = cmd.MarkFlagRequired("chain")
	_ = cmd.MarkFlagRequired("db-file")
	return cmd
}

func verifyChain(cmd *cobra.Command, flags *verifyChainFlags) error {
	verifier, err := flags.verifier()
	if err != nil {
		return err
	}

	// the check must not create nor modify the store
	db, err := openBlockStore(flags.pathInHome(flags.DBFile), boltdb.ReadOnly())
	if err != nil {
		return err
	}
	defer db.Close()

	chain, err := ledger.NewChain(flags.ChainID, verifier, flags.observe, ledger.WithDB(db), ledger.WithDifficulty(flags.Difficulty))
	if err != nil {
		return err
	}
	if chain.Height() == 0 {
		return errors.New("block store is empty")
	}
	if err := chain.ValidateIntegrity(); err != nil {
		return err
	}
	latest, err := chain.LatestBlock()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "chain %q is valid: %d blocks, latest hash %s\n", flags.ChainID, chain.Height(), latest.Hash)
	return err
}

func (f *verifyChainFlags) verifier() (crypto.Verifier, error) {
	if f.PublicKeyFile != "" {
		data, err := os.ReadFile(f.pathInHome(f.PublicKeyFile))
		if err != nil {
			return nil, fmt.Errorf("reading public key file: %w", err)
		}
		return crypto.ParseRSAPublicKeyPEM(data)
	}
	signer, err := crypto.LoadRSASigner(f.pathInHome(f.KeyFile))
	if err != nil {
		return nil, fmt.Errorf("loading bridge key: %w", err)
	}
	return signer.Verifier()
}

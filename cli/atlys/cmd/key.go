package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/atlys-org/atlys/crypto"
)

type keyFlags struct {
	*baseConfiguration
	KeyFile string
	Bits    int
	Force   bool
}

func newKeyCmd(baseConfig *baseConfiguration) *cobra.Command {
	flags := &keyFlags{baseConfiguration: baseConfig}
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Generates new bridge signing key",
		Long:  `Generates new RSA bridge signing key, writes it into PEM file and prints the public key.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return generateKey(cmd, flags)
		},
	}
	cmd.Flags().StringVar(&flags.KeyFile, flagNameKeyFile, defaultKeyFile, "bridge signing key (PEM) file to create. Relative to $ATLYS_HOME unless absolute path.")
	cmd.Flags().IntVar(&flags.Bits, "bits", crypto.DefaultRSAKeyBits, "RSA key size in bits")
	cmd.Flags().BoolVarP(&flags.Force, "force", "f", false, "overwrite existing key file")
	return cmd
}

func generateKey(cmd *cobra.Command, flags *keyFlags) error {
	keyFile := flags.pathInHome(flags.KeyFile)
	if err := os.MkdirAll(filepath.Dir(keyFile), 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}

	signer, err := crypto.NewInMemoryRSASigner(flags.Bits)
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	if err := crypto.WriteRSASigner(keyFile, signer, flags.Force); err != nil {
		return err
	}

	verifier, err := signer.Verifier()
	if err != nil {
		return fmt.Errorf("bridge verifier: %w", err)
	}
	pub, err := crypto.MarshalPublicKeyPEM(verifier)
	if err != nil {
		return fmt.Errorf("encoding public key: %w", err)
	}
	flags.observe.Logger().InfoContext(cmd.Context(), "bridge key written to "+keyFile)
	_, err = cmd.OutOrStdout().Write(pub)
	return err
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type atlysApp struct {
	baseCmd    *cobra.Command
	baseConfig *baseConfiguration
}

// New creates a new Atlys application
func New(logF LoggerFactory) *atlysApp {
	baseCmd, baseConfig := newBaseCmd(logF)
	return &atlysApp{baseCmd, baseConfig}
}

// Execute adds all child commands and runs the application
func (a *atlysApp) Execute(ctx context.Context) (err error) {
	defer func() {
		if a.baseConfig.observe != nil {
			err = errors.Join(err, a.baseConfig.observe.Shutdown())
		}
	}()

	return a.addAndExecuteCommand(ctx)
}

func (a *atlysApp) addAndExecuteCommand(ctx context.Context) error {
	a.baseCmd.AddCommand(newNodeCmd(a.baseConfig))
	a.baseCmd.AddCommand(newVerifyChainCmd(a.baseConfig))
	a.baseCmd.AddCommand(newKeyCmd(a.baseConfig))
	return a.baseCmd.ExecuteContext(ctx)
}

func newBaseCmd(logF LoggerFactory) (*cobra.Command, *baseConfiguration) {
	config := &baseConfiguration{loggerBuilder: logF}
	// baseCmd represents the base command when called without any subcommands
	var baseCmd = &cobra.Command{
		Use:           "atlys",
		Short:         "The atlys CLI",
		Long:          `The atlys CLI runs the bridge node and provides operator tools for the chain stores and bridge keys.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// If subcommand does not define PersistentPreRunE, the one from base cmd is used.
			if err := initializeConfig(cmd, config); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			return nil
		},
	}
	config.addConfigurationFlags(baseCmd)

	return baseCmd, config
}

func initializeConfig(cmd *cobra.Command, config *baseConfiguration) error {
	if err := config.initializeConfig(cmd); err != nil {
		return fmt.Errorf("reading configuration: %w", err)
	}

	log, err := config.initLogger(cmd)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	var errs []error
	metrics, err := cmd.Flags().GetString(keyMetrics)
	if err != nil {
		errs = append(errs, fmt.Errorf("reading flag %q: %w", keyMetrics, err))
	}
	tracing, err := cmd.Flags().GetString(keyTracing)
	if err != nil {
		errs = append(errs, fmt.Errorf("reading flag %q: %w", keyTracing, err))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	obs, err := newObservability(metrics, tracing, log)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	config.observe = obs
	return nil
}

// initializeConfig reads in config file and ENV variables if set.
func (config *baseConfiguration) initializeConfig(cmd *cobra.Command) error {
	v := viper.New()

	config.initConfigFileLocation()

	if config.configFileExists() {
		v.SetConfigFile(config.CfgFile)
	}

	// It's okay if there isn't a config file but it must be parseable when it exists.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	// flag like --rest-address binds to env variable ATLYS_REST_ADDRESS
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := bindFlags(cmd, v); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}

	return nil
}

// Bind each cobra flag to its associated viper configuration (config file and environment variable)
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	var bindFlagErr []error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Name == keyHome || f.Name == keyConfig {
			// "home" and "config" are special configuration values, handled separately.
			return
		}

		// Environment variables can't have dashes in them, so bind them to their equivalent
		// keys with underscores, e.g. --node-config to ATLYS_NODE_CONFIG
		if strings.Contains(f.Name, "-") {
			envVarSuffix := strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
			if err := v.BindEnv(f.Name, fmt.Sprintf("%s_%s", envPrefix, envVarSuffix)); err != nil {
				bindFlagErr = append(bindFlagErr, fmt.Errorf("binding env to flag %q: %w", f.Name, err))
				return
			}
		}

		// Apply the viper config value to the flag when the flag is not set and viper has a value
		if !f.Changed && v.IsSet(f.Name) {
			val := v.Get(f.Name)
			if err := cmd.Flags().Set(f.Name, fmt.Sprintf("%v", val)); err != nil {
				bindFlagErr = append(bindFlagErr, fmt.Errorf("setting flag %q value: %w", f.Name, err))
				return
			}
		}
	})

	return errors.Join(bindFlagErr...)
}

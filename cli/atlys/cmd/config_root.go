package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/atlys-org/atlys/logger"
)

type (
	LoggerFactory func(cfg *logger.LogConfiguration) (*slog.Logger, error)

	Observability interface {
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		PrometheusRegisterer() prometheus.Registerer
		Shutdown() error
		Logger() *slog.Logger
	}

	baseConfiguration struct {
		// The Atlys home directory
		HomeDir string
		// Configuration file URL. If it's relative, then it's relative from the HomeDir.
		CfgFile string
		// Logger configuration file URL.
		LogCfgFile string

		loggerBuilder LoggerFactory
		observe       Observability
	}
)

const (
	// The prefix for configuration keys inside environment.
	envPrefix = "ATLYS"
	// The default name for config file.
	defaultConfigFile = "config.props"
	// the default atlys directory.
	defaultAtlysDir = ".atlys"
	// The default logger configuration file name.
	defaultLoggerConfigFile = "logger-config.yaml"
	// The configuration key for home directory.
	keyHome = "home"
	// The configuration key for config file name.
	keyConfig = "config"
	// Enables or disables metrics collection
	keyMetrics = "metrics"
	keyTracing = "tracing"

	flagNameLoggerCfgFile = "logger-config"
	flagNameLogOutputFile = "log-file"
	flagNameLogLevel      = "log-level"
	flagNameLogFormat     = "log-format"
)

func (r *baseConfiguration) addConfigurationFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&r.HomeDir, keyHome, "", fmt.Sprintf("set the ATLYS_HOME for this invocation (default is %s)", atlysHomeDir()))
	cmd.PersistentFlags().StringVar(&r.CfgFile, keyConfig, "", fmt.Sprintf("config file URL (default is $ATLYS_HOME/%s)", defaultConfigFile))

	cmd.PersistentFlags().String(keyMetrics, "", "metrics exporter, disabled when not set. One of: stdout, prometheus")
	cmd.PersistentFlags().String(keyTracing, "", "traces exporter, disabled when not set. One of: stdout")

	cmd.PersistentFlags().StringVar(&r.LogCfgFile, flagNameLoggerCfgFile, defaultLoggerConfigFile, "logger config file URL. Considered absolute if starts with '/'. Otherwise relative from $ATLYS_HOME.")
	// do not set default values for these flags as then we can easily determine whether to load the value from cfg file or not
	cmd.PersistentFlags().String(flagNameLogOutputFile, "", "log file path or one of the special values: stdout, stderr, discard")
	cmd.PersistentFlags().String(flagNameLogLevel, "", "logging level, one of: TRACE, DEBUG, INFO, WARN, ERROR")
	cmd.PersistentFlags().String(flagNameLogFormat, "", "log format, one of: text, json, ecs")
}

func (r *baseConfiguration) initConfigFileLocation() {
	// Home directory and config file are special configuration values as these are used for loading in rest of the configuration.
	// Handle these manually, before other configuration loaded with Viper.
	if r.HomeDir == "" {
		r.HomeDir = os.Getenv(envKey(keyHome))
		if r.HomeDir == "" {
			r.HomeDir = atlysHomeDir()
		}
	}

	if r.CfgFile == "" {
		r.CfgFile = os.Getenv(envKey(keyConfig))
		if r.CfgFile == "" {
			r.CfgFile = defaultConfigFile
		}
	}
	r.CfgFile = r.pathInHome(r.CfgFile)
}

/*
LoggerCfgFilename always returns non-empty filename - either the value
of the flag set by user or default cfg location.
*/
func (r *baseConfiguration) LoggerCfgFilename() string {
	return r.pathInHome(r.LogCfgFile)
}

// pathInHome returns "name" relative to the home dir unless it is absolute path.
func (r *baseConfiguration) pathInHome(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(r.HomeDir, name)
}

func (r *baseConfiguration) configFileExists() bool {
	_, err := os.Stat(r.CfgFile)
	return err == nil
}

/*
initLogger creates Logger based on configuration flags in "cmd".
*/
func (r *baseConfiguration) initLogger(cmd *cobra.Command) (*slog.Logger, error) {
	cfg := &logger.LogConfiguration{}

	loggerCfgFile := filepath.Clean(r.LoggerCfgFilename())
	if f, err := os.Open(loggerCfgFile); err != nil {
		defaultLoggerCfg := filepath.Join(r.HomeDir, defaultLoggerConfigFile)
		if !(errors.Is(err, os.ErrNotExist) && loggerCfgFile == defaultLoggerCfg) {
			return nil, fmt.Errorf("opening logger configuration file: %w", err)
		}
	} else {
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decoding logger configuration (%s): %w", loggerCfgFile, err)
		}
	}

	getFlagValueIfSet := func(flagName string, value *string) error {
		if cmd.Flags().Changed(flagName) {
			var err error
			if *value, err = cmd.Flags().GetString(flagName); err != nil {
				return fmt.Errorf("failed to read %s flag value: %w", flagName, err)
			}
		}
		return nil
	}

	// flags override values loaded from cfg file.
	// NB! these flags mustn't have default values in Cobra cmd definition!
	if err := getFlagValueIfSet(flagNameLogLevel, &cfg.Level); err != nil {
		return nil, err
	}
	if err := getFlagValueIfSet(flagNameLogFormat, &cfg.Format); err != nil {
		return nil, err
	}
	if err := getFlagValueIfSet(flagNameLogOutputFile, &cfg.OutputPath); err != nil {
		return nil, err
	}

	l, err := r.loggerBuilder(cfg)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return l, nil
}

func envKey(key string) string {
	return strings.ToUpper(envPrefix + "_" + key)
}

func atlysHomeDir() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		panic("default user home dir not defined: " + err.Error())
	}
	return filepath.Join(dir, defaultAtlysDir)
}

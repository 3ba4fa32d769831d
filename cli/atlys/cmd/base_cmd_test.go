package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	testlogger "github.com/atlys-org/atlys/internal/testutils/logger"
)

// runCmd executes atlys CLI with "args" and returns what the command wrote to stdout.
func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	app := New(testlogger.LoggerBuilder(t))
	out := &bytes.Buffer{}
	app.baseCmd.SetOut(out)
	app.baseCmd.SetArgs(args)
	err := app.Execute(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(name), 0700))
	require.NoError(t, os.WriteFile(name, []byte(content), 0600))
	return name
}

func TestInitializeConfig_EnvBinding(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ATLYS_NODE_CONFIG", "from-env.yaml")

	_, err := runCmd(t, "node", "--home", home)
	require.ErrorContains(t, err, "opening node configuration file")
	require.ErrorContains(t, err, filepath.Join(home, "from-env.yaml"))

	// flag has precedence over env
	_, err = runCmd(t, "node", "--home", home, "--node-config", "from-flag.yaml")
	require.ErrorContains(t, err, filepath.Join(home, "from-flag.yaml"))
}

func TestInitializeConfig_HomeFromEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ATLYS_HOME", home)

	_, err := runCmd(t, "key", "--bits", "1024")
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(home, defaultKeyFile))
}

func TestInitializeConfig_ConfigFile(t *testing.T) {
	home := t.TempDir()
	writeFile(t, filepath.Join(home, defaultConfigFile), "node-config=from-props.yaml\n")

	_, err := runCmd(t, "node", "--home", home)
	require.ErrorContains(t, err, filepath.Join(home, "from-props.yaml"))
}

func TestInitializeConfig_Logger(t *testing.T) {
	t.Run("custom logger config must exist", func(t *testing.T) {
		_, err := runCmd(t, "key", "--home", t.TempDir(), "--logger-config", "missing.yaml")
		require.ErrorContains(t, err, "opening logger configuration file")
	})

	t.Run("invalid logger config", func(t *testing.T) {
		home := t.TempDir()
		writeFile(t, filepath.Join(home, defaultLoggerConfigFile), "defaultLevel: [1, 2\n")
		_, err := runCmd(t, "key", "--home", home)
		require.ErrorContains(t, err, "decoding logger configuration")
	})

	t.Run("unsupported metrics exporter", func(t *testing.T) {
		_, err := runCmd(t, "key", "--home", t.TempDir(), "--metrics", "carrier-pigeon")
		require.ErrorContains(t, err, `unsupported exporter "carrier-pigeon"`)
	})
}

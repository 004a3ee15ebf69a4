package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Defaults(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "eventql.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cluster: prod\nreplication_factor: 3\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "prod", cfg.Cluster)
	require.Equal(t, 3, cfg.ReplicationFactor)
	require.Equal(t, Defaults().Listen, cfg.Listen)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestBindFlags_FlagOverridesFileDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Cluster = "from-file"

	cmd := &cobra.Command{Use: "eventqld"}
	BindFlags(cmd, &cfg)
	require.NoError(t, cmd.ParseFlags([]string{"--cluster=from-flag"}))
	require.Equal(t, "from-flag", cfg.Cluster)
}

func TestBindFlags_NoFlagKeepsFileDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Cluster = "from-file"

	cmd := &cobra.Command{Use: "eventqld"}
	BindFlags(cmd, &cfg)
	require.NoError(t, cmd.ParseFlags(nil))
	require.Equal(t, "from-file", cfg.Cluster)
}

func TestValidate_RequiresClusterCoordinatorServerNameListen(t *testing.T) {
	cfg := Defaults()
	require.Error(t, cfg.Validate(), "no coordinator or server_name set")

	cfg.Coordinator = []string{"127.0.0.1:2181"}
	cfg.ServerName = "node-1"
	require.NoError(t, cfg.Validate())

	cfg.Listen = ""
	require.Error(t, cfg.Validate())
}

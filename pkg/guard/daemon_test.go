package guard

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/processguard/processguard/internal/config"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "pg.toml")
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o644))
	return p
}

func TestNewWiresCollaboratorsFromConfig(t *testing.T) {
	p := writeConfig(t, `
[[processes]]
name = "web"
command = "sleep 1"

[[processes]]
name = "worker"
command = "sleep 1"
dependencies = ["web"]
`)
	cfg, err := config.Load(p)
	require.NoError(t, err)

	d, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, d.sup)
	require.NotNil(t, d.apiServer)

	require.NoError(t, d.RegisterProcesses())
	require.ElementsMatch(t, []string{"web", "worker"}, d.sup.Names())
}

func TestRegisterProcessesMergesGlobalEnv(t *testing.T) {
	p := writeConfig(t, `
env = ["FOO=bar"]

[[processes]]
name = "web"
command = "sleep 1"
env = ["BAZ=qux"]
`)
	cfg, err := config.Load(p)
	require.NoError(t, err)

	d, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, d.RegisterProcesses())

	snap, err := d.sup.Snapshot("web")
	require.NoError(t, err)
	require.Equal(t, "web", snap.Name)
}

func TestBuildSinksFromAlertsConfig(t *testing.T) {
	cfg := &config.Config{
		Alerts: &config.AlertsConfig{
			Webhooks: []config.WebhookEntry{
				{Name: "ops", URL: "https://example.invalid/hook"},
				{Name: "slack", URL: "https://hooks.slack.invalid/x", Slack: true},
			},
		},
	}
	sinks, err := buildSinks(cfg)
	require.NoError(t, err)
	require.Len(t, sinks, 2)
}

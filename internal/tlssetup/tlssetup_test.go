package tlssetup

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/processguard/processguard/internal/config"
)

func TestSetupDisabledReturnsNil(t *testing.T) {
	cfg, err := Setup(nil)
	require.NoError(t, err)
	require.Nil(t, cfg)

	cfg, err = Setup(&config.ServerConfig{TLS: &config.TLSConfig{Enabled: false}})
	require.NoError(t, err)
	require.Nil(t, cfg)
}

func TestSetupAutoGeneratesIntoDir(t *testing.T) {
	dir := t.TempDir()
	tlsCfg, err := Setup(&config.ServerConfig{
		TLS: &config.TLSConfig{
			Enabled:      true,
			Dir:          dir,
			AutoGenerate: true,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, tlsCfg)
	require.FileExists(t, filepath.Join(dir, certFileName))
	require.FileExists(t, filepath.Join(dir, keyFileName))

	cert, err := tlsCfg.GetCertificate(nil)
	require.NoError(t, err)
	require.NotNil(t, cert)
}

func TestSetupRejectsMissingCertSource(t *testing.T) {
	_, err := Setup(&config.ServerConfig{TLS: &config.TLSConfig{Enabled: true}})
	require.Error(t, err)
}

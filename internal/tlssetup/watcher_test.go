package tlssetup

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/processguard/processguard/internal/config"
)

type recordingPublisher struct {
	kinds []string
}

func (p *recordingPublisher) Publish(kind string, severity, process, message string, metadata map[string]string) {
	p.kinds = append(p.kinds, kind)
}

func TestWatcherRotatesAutoManagedCertNearingExpiry(t *testing.T) {
	dir := t.TempDir()
	server := &config.ServerConfig{
		TLS: &config.TLSConfig{
			Enabled:      true,
			Dir:          dir,
			AutoGenerate: true,
			AutoGen:      &config.AutoGenTLS{ValidDays: 1},
		},
	}
	_, err := Setup(server)
	require.NoError(t, err)

	before, err := leafExpiry(filepath.Join(dir, certFileName))
	require.NoError(t, err)

	pub := &recordingPublisher{}
	w := NewWatcher(server, pub, nil)
	w.checkOnce()

	after, err := leafExpiry(filepath.Join(dir, certFileName))
	require.NoError(t, err)
	require.True(t, after.After(before))
	require.Empty(t, pub.kinds, "auto-managed rotation should not need an alert")
}

func TestWatcherAlertsOnExternalCertNearingExpiry(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "tls.crt")
	keyPath := filepath.Join(dir, "tls.key")
	require.NoError(t, generateSelfSignedCert(certConfig{
		CommonName:  "localhost",
		DNSNames:    []string{"localhost"},
		IPAddresses: []string{"127.0.0.1"},
		NotAfter:    time.Now().Add(time.Hour),
		CertPath:    certPath,
		KeyPath:     keyPath,
	}))

	server := &config.ServerConfig{
		TLS: &config.TLSConfig{Enabled: true, CertFile: certPath, KeyFile: keyPath},
	}
	pub := &recordingPublisher{}
	w := NewWatcher(server, pub, nil)
	w.checkOnce()
	require.Equal(t, []string{"tls_cert_expiring"}, pub.kinds)

	// A second check against the same certificate should not alert again.
	w.checkOnce()
	require.Equal(t, []string{"tls_cert_expiring"}, pub.kinds)
}

func TestWatcherNoopWhenTLSDisabled(t *testing.T) {
	pub := &recordingPublisher{}
	w := NewWatcher(&config.ServerConfig{}, pub, nil)
	w.checkOnce()
	require.Empty(t, pub.kinds)
}

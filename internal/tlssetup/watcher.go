package tlssetup

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/processguard/processguard/internal/config"
)

// AlertPublisher decouples the watcher from the concrete Alert Bus type,
// mirroring the same decoupling the supervisor and crash packages use for
// alert delivery.
type AlertPublisher interface {
	Publish(kind string, severity, process, message string, metadata map[string]string)
}

const (
	defaultCheckInterval = 6 * time.Hour
	expiryWarningWindow  = 30 * 24 * time.Hour
)

// Watcher periodically inspects the serving certificate Setup last loaded
// and either regenerates it (when it's a self-managed self-signed pair
// nearing expiry) or raises an alert so an operator can rotate an
// externally supplied one in time.
type Watcher struct {
	server   *config.ServerConfig
	alerts   AlertPublisher
	interval time.Duration
	log      *slog.Logger

	lastNotAfter time.Time // suppresses repeat alerts for the same certificate
}

// NewWatcher builds a Watcher for server's TLS configuration. alerts may be
// nil, in which case expiry is only logged.
func NewWatcher(server *config.ServerConfig, alerts AlertPublisher, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{server: server, alerts: alerts, interval: defaultCheckInterval, log: log}
}

// Run ticks at the watcher's check interval until ctx is canceled. It is a
// no-op (after one immediate check) when TLS is disabled.
func (w *Watcher) Run(ctx context.Context) {
	w.checkOnce()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.checkOnce()
		}
	}
}

func (w *Watcher) checkOnce() {
	path, autoManaged, ok := resolvedCertPath(w.server)
	if !ok {
		return
	}
	notAfter, err := leafExpiry(path)
	if err != nil {
		w.log.Warn("tls watcher: reading certificate", "path", path, "err", err)
		return
	}

	remaining := time.Until(notAfter)
	if remaining > expiryWarningWindow {
		w.lastNotAfter = time.Time{}
		return
	}

	if autoManaged {
		if err := generateInto(w.server.TLS.AutoGen, w.server.TLS.Dir); err != nil {
			w.log.Error("tls watcher: regenerating self-signed certificate", "err", err)
			return
		}
		w.log.Info("tls watcher: rotated self-signed certificate", "path", path)
		w.lastNotAfter = time.Time{}
		return
	}

	if w.lastNotAfter.Equal(notAfter) {
		return // already alerted for this certificate
	}
	w.lastNotAfter = notAfter
	msg := fmt.Sprintf("TLS certificate %s expires in %s (at %s)", path, remaining.Round(time.Hour), notAfter.Format(time.RFC3339))
	w.log.Warn("tls watcher: certificate nearing expiry", "path", path, "expires_at", notAfter)
	if w.alerts != nil {
		w.alerts.Publish("tls_cert_expiring", "warning", "", msg, map[string]string{"path": path})
	}
}

func leafExpiry(certPath string) (time.Time, error) {
	raw, err := os.ReadFile(certPath)
	if err != nil {
		return time.Time{}, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return time.Time{}, fmt.Errorf("no PEM block in %s", certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, err
	}
	return cert.NotAfter, nil
}

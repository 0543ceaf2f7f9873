package tlssetup

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/processguard/processguard/internal/config"
)

const (
	certFileName = "tls.crt"
	keyFileName  = "tls.key"
	caFileName   = "tls_ca.crt"
)

func parseVersion(ver string) (uint16, bool) {
	switch ver {
	case "", "default":
		return tls.VersionTLS13, false
	case "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

func resolveVersions(cfg *config.ServerConfig) (min, max uint16) {
	min, max = tls.VersionTLS13, tls.VersionTLS13
	if v, ok := parseVersion(cfg.TLSMinVersion); ok {
		min = v
	}
	if v, ok := parseVersion(cfg.TLSMaxVersion); ok {
		max = v
	}
	return
}

func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	if baseDir != "" {
		absBase, _ := filepath.Abs(baseDir)
		absFile, _ := filepath.Abs(clean)
		if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
			return nil, errors.New("certificate path outside of allowed directory")
		}
	}
	return os.ReadFile(clean)
}

func certificateLoader(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	baseDir := filepath.Dir(certFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert, err := safeReadFile(baseDir, certFile)
		if err != nil {
			return nil, err
		}
		key, err := safeReadFile(baseDir, keyFile)
		if err != nil {
			return nil, err
		}
		pair, err := tls.X509KeyPair(cert, key)
		return &pair, err
	}
}

func buildConfig(certPath, keyPath string, min, max uint16) (*tls.Config, error) {
	return &tls.Config{
		GetCertificate: certificateLoader(certPath, keyPath),
		MinVersion:     min,
		MaxVersion:     max,
	}, nil
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultSlice(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

func generateInto(autoGen *config.AutoGenTLS, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("creating TLS directory: %w", err)
	}
	if autoGen == nil {
		autoGen = &config.AutoGenTLS{}
	}
	validDays := autoGen.ValidDays
	if validDays <= 0 {
		validDays = 365 * 5
	}
	return generateSelfSignedCert(certConfig{
		CommonName:   orDefault(autoGen.CommonName, "localhost"),
		Organization: orDefault(autoGen.Organization, "processguard"),
		DNSNames:     orDefaultSlice(autoGen.DNSNames, []string{"localhost", "127.0.0.1"}),
		IPAddresses:  orDefaultSlice(autoGen.IPAddresses, []string{"127.0.0.1"}),
		NotAfter:     time.Now().AddDate(0, 0, validDays),
		CertPath:     filepath.Join(destDir, certFileName),
		KeyPath:      filepath.Join(destDir, keyFileName),
		CACertPath:   filepath.Join(destDir, caFileName),
	})
}

// Setup builds a *tls.Config for the REST/metrics listeners from a
// ServerConfig's TLS section. It returns (nil, nil) when TLS is unset or
// disabled, signaling the caller to serve plain HTTP.
func Setup(server *config.ServerConfig) (*tls.Config, error) {
	if server == nil || server.TLS == nil || !server.TLS.Enabled {
		return nil, nil
	}
	min, max := resolveVersions(server)

	if server.TLS.CertFile != "" && server.TLS.KeyFile != "" {
		return buildConfig(server.TLS.CertFile, server.TLS.KeyFile, min, max)
	}

	if server.TLS.Dir != "" {
		certPath := filepath.Join(server.TLS.Dir, certFileName)
		keyPath := filepath.Join(server.TLS.Dir, keyFileName)
		if server.TLS.AutoGenerate && !certificatesExist(certPath, keyPath) {
			if err := generateInto(server.TLS.AutoGen, server.TLS.Dir); err != nil {
				return nil, fmt.Errorf("generating self-signed certificate: %w", err)
			}
		}
		return buildConfig(certPath, keyPath, min, max)
	}

	return nil, errors.New("TLS enabled but neither cert_file/key_file nor dir is set")
}

// resolvedCertPath returns the certificate path Setup would have loaded for
// server, or ok=false if TLS is disabled or has no cert source. autoManaged
// is true only for a dir-based pair with AutoGenerate on; an externally
// supplied cert_file is returned with autoManaged=false.
func resolvedCertPath(server *config.ServerConfig) (path string, autoManaged bool, ok bool) {
	if server == nil || server.TLS == nil || !server.TLS.Enabled {
		return "", false, false
	}
	if server.TLS.CertFile != "" {
		return server.TLS.CertFile, false, true
	}
	if server.TLS.Dir != "" {
		return filepath.Join(server.TLS.Dir, certFileName), server.TLS.AutoGenerate, true
	}
	return "", false, false
}

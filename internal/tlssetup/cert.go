// Package tlssetup builds a *tls.Config for the REST control plane and
// metrics listeners, adapted from provisr's internal/tls package: fixed
// cert/key files take priority, otherwise a certificate directory is used
// and, if empty and auto-generation is enabled, a self-signed certificate
// is generated into it.
package tlssetup

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// certConfig holds the fields needed to mint a self-signed certificate.
type certConfig struct {
	CommonName   string
	Organization string
	DNSNames     []string
	IPAddresses  []string
	NotAfter     time.Time
	CertPath     string
	KeyPath      string
	CACertPath   string
}

func generateSelfSignedCert(cfg certConfig) error {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generating private key: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   cfg.CommonName,
			Organization: []string{cfg.Organization},
		},
		NotBefore:             time.Now(),
		NotAfter:              cfg.NotAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              cfg.DNSNames,
	}
	for _, ipStr := range cfg.IPAddresses {
		if ip := net.ParseIP(ipStr); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return fmt.Errorf("creating certificate: %w", err)
	}

	certFile, err := os.Create(cfg.CertPath)
	if err != nil {
		return fmt.Errorf("creating certificate file: %w", err)
	}
	defer func() { _ = certFile.Close() }()
	if err := pem.Encode(certFile, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		return fmt.Errorf("writing certificate: %w", err)
	}

	keyFile, err := os.Create(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("creating private key file: %w", err)
	}
	defer func() { _ = keyFile.Close() }()
	keyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return fmt.Errorf("marshaling private key: %w", err)
	}
	if err := pem.Encode(keyFile, &pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}

	if cfg.CACertPath != "" {
		caFile, err := os.Create(cfg.CACertPath)
		if err != nil {
			return fmt.Errorf("creating CA certificate file: %w", err)
		}
		defer func() { _ = caFile.Close() }()
		if err := pem.Encode(caFile, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
			return fmt.Errorf("writing CA certificate: %w", err)
		}
	}
	return nil
}

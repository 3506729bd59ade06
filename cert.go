package quicbench

//
// Certificate provisioning
//

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// certMaxSerialNumber is the upper boundary that is used to create unique
// serial numbers for the certificate. This can be any unsigned integer up
// to 20 bytes (2^(8*20)-1).
var certMaxSerialNumber = big.NewInt(0).SetBytes(bytes.Repeat([]byte{255}, 20))

// CertBundle points at a PEM key/certificate pair on disk that every
// server process shares.
type CertBundle struct {
	// CertPath is the path of the PEM-encoded certificate.
	CertPath string

	// KeyPath is the path of the PEM-encoded private key.
	KeyPath string
}

// EnsureCertificate makes sure a reusable self-signed certificate and key
// exist inside dir, creating them when missing or expired. The extraNames
// may contain domain names or IP addresses to include as SANs. Failures
// wrap [ErrProvisioning].
func EnsureCertificate(logger Logger, dir string, extraNames ...string) (*CertBundle, error) {
	bundle := &CertBundle{
		CertPath: filepath.Join(dir, "cert.pem"),
		KeyPath:  filepath.Join(dir, "key.pem"),
	}
	if certStillValid(bundle) {
		logger.Debugf("cert: reusing %s", bundle.CertPath)
		return bundle, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProvisioning, err.Error())
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProvisioning, err.Error())
	}
	serial, err := rand.Int(rand.Reader, certMaxSerialNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProvisioning, err.Error())
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "localhost",
			Organization: []string{"quicbench"},
		},
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		DNSNames:              []string{"localhost"},
	}
	for _, name := range extraNames {
		if ip := net.ParseIP(name); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
			continue
		}
		tmpl.DNSNames = append(tmpl.DNSNames, name)
	}

	raw, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, priv.Public(), priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProvisioning, err.Error())
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: raw})
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	if err := os.WriteFile(bundle.CertPath, certPEM, 0644); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProvisioning, err.Error())
	}
	if err := os.WriteFile(bundle.KeyPath, keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProvisioning, err.Error())
	}
	logger.Infof("cert: wrote %s and %s", bundle.CertPath, bundle.KeyPath)
	return bundle, nil
}

// certStillValid reports whether the bundle on disk exists and its
// certificate is valid for at least another hour.
func certStillValid(bundle *CertBundle) bool {
	if _, err := os.Stat(bundle.KeyPath); err != nil {
		return false
	}
	data, err := os.ReadFile(bundle.CertPath)
	if err != nil {
		return false
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return false
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return false
	}
	return time.Now().Add(time.Hour).Before(cert.NotAfter)
}

package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// ParseCertificatePEM decodes the first certificate block in data
func ParseCertificatePEM(data string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no certificate found in PEM data")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// SplitChain separates a PEM bundle into its leaf and the remaining
// intermediate certificates
func SplitChain(fullChain string) (leaf string, intermediates string, err error) {
	rest := []byte(fullChain)
	var blocks []string
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		blocks = append(blocks, string(pem.EncodeToMemory(block)))
	}
	if len(blocks) == 0 {
		return "", "", fmt.Errorf("no certificate found in chain")
	}
	return blocks[0], strings.Join(blocks[1:], ""), nil
}

// CertificateValidity returns the leaf's NotBefore and NotAfter
func CertificateValidity(data string) (issuedOn, expiresOn time.Time, err error) {
	cert, err := ParseCertificatePEM(data)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !cert.NotAfter.After(cert.NotBefore) {
		return time.Time{}, time.Time{}, fmt.Errorf("certificate expires before it is issued")
	}
	return cert.NotBefore.UTC(), cert.NotAfter.UTC(), nil
}

// CertNeedsRenewal reports whether a certificate expiring at expiresOn is
// inside the renewal window at now
func CertNeedsRenewal(expiresOn, now time.Time, window time.Duration) bool {
	return expiresOn.Before(now.Add(window))
}

// GetCertInfo returns human-readable information about a certificate
func GetCertInfo(cert *x509.Certificate) map[string]interface{} {
	if cert == nil {
		return map[string]interface{}{"error": "certificate is nil"}
	}

	return map[string]interface{}{
		"subject":       cert.Subject.CommonName,
		"issuer":        cert.Issuer.CommonName,
		"dns_names":     cert.DNSNames,
		"serial_number": cert.SerialNumber.String(),
		"not_before":    cert.NotBefore.Format(time.RFC3339),
		"not_after":     cert.NotAfter.Format(time.RFC3339),
	}
}

// SelfSignedPEM issues a throwaway certificate for domains. Issuers used in
// development and tests return it in place of a real ACME certificate.
func SelfSignedPEM(domains []string, notBefore, notAfter time.Time) (certPEM, keyPEM string, err error) {
	if len(domains) == 0 {
		return "", "", fmt.Errorf("at least one domain is required")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return "", "", fmt.Errorf("failed to generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: domains[0]},
		DNSNames:     domains,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return "", "", fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal key: %w", err)
	}

	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	return certPEM, keyPEM, nil
}

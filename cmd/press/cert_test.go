package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/press/pkg/security"
	"github.com/cuemby/press/pkg/types"
)

func TestPrintCertificate(t *testing.T) {
	notBefore := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	certPEM, _, err := security.SelfSignedPEM([]string{"shop.example.com"}, notBefore, notBefore.Add(90*24*time.Hour))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, printCertificate(&out, &types.TLSCertificate{
		Name:        "shop.example.com",
		Status:      types.CertificateStatusActive,
		Certificate: certPEM,
	}))

	assert.Contains(t, out.String(), "Name:     shop.example.com")
	assert.Contains(t, out.String(), "subject:  shop.example.com")
	assert.Contains(t, out.String(), "not_after: 2026-04-01T00:00:00Z")
}

func TestPrintCertificatePending(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printCertificate(&out, &types.TLSCertificate{
		Name:   "*.example.com",
		Status: types.CertificateStatusPending,
	}))
	assert.Contains(t, out.String(), "No certificate issued yet")
}

func TestPrintCertificateRejectsGarbage(t *testing.T) {
	var out bytes.Buffer
	err := printCertificate(&out, &types.TLSCertificate{Name: "bad.example.com", Certificate: "garbage"})
	assert.Error(t, err)
}

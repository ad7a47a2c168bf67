package main

import (
	"crypto/x509"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marklubin/doublebufferproxy/internal/config"
	"github.com/marklubin/doublebufferproxy/internal/logger"
	"github.com/marklubin/doublebufferproxy/internal/middleware"
)

func TestGenerateSelfSignedCertIsValidForHostAndLocalhost(t *testing.T) {
	cert, err := generateSelfSignedCert("example.internal")
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)

	assert.Contains(t, parsed.DNSNames, "example.internal")
	assert.Contains(t, parsed.DNSNames, "localhost")
	assert.True(t, parsed.IsCA)
	assert.True(t, parsed.NotBefore.Before(time.Now()))
	assert.True(t, parsed.NotAfter.After(time.Now().Add(300*24*time.Hour)))
}

func TestGenerateSelfSignedCertProducesDistinctSerialsEachCall(t *testing.T) {
	cert1, err := generateSelfSignedCert("a.internal")
	require.NoError(t, err)
	cert2, err := generateSelfSignedCert("a.internal")
	require.NoError(t, err)

	p1, _ := x509.ParseCertificate(cert1.Certificate[0])
	p2, _ := x509.ParseCertificate(cert2.Certificate[0])
	assert.NotEqual(t, p1.SerialNumber, p2.SerialNumber)
}

func TestNewProxyServerUsesGeneratedCertAndConfiguredAddr(t *testing.T) {
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = 9443

	srv, err := newProxyServer(cfg, http.NotFoundHandler(), logger.NoOpLogger{}, middleware.CORSConfig{})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9443", srv.Addr)
	require.Len(t, srv.TLSConfig.Certificates, 1)
}

func TestNewDashboardServerUsesConfiguredAddr(t *testing.T) {
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.DashPort = 9080

	srv := newDashboardServer(cfg, nil, logger.NoOpLogger{}, middleware.CORSConfig{})
	assert.Equal(t, "127.0.0.1:9080", srv.Addr)
}

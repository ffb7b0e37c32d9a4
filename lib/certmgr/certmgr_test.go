/*
 * Deployra
 * Copyright (C) 2025  Deployra, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package certmgr

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/deployra/deployra-sub000"
	"github.com/deployra/deployra-sub000/lib/defaults"
	"github.com/deployra/deployra-sub000/lib/kv"
)

var testBase = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

// generateCert self-signs a certificate expiring at notAfter.
func generateCert(t *testing.T, domains []string, notAfter time.Time) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: domains[0]},
		DNSNames:     domains,
		NotBefore:    testBase.Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func testStore(t *testing.T, clock clockwork.Clock) *kv.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := kv.NewStore(context.Background(), kv.Config{Addr: mr.Addr(), Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordValidity(t *testing.T) {
	certPEM, keyPEM := generateCert(t, []string{"app.example.test"}, testBase.Add(defaults.CertRenewalWindow))
	record, err := ParseRecord(certPEM, keyPEM)
	require.NoError(t, err)

	// Remaining lifetime exactly equal to the renewal window is already
	// due for renewal.
	require.False(t, record.ValidAt(testBase))
	require.True(t, record.ValidAt(testBase.Add(-time.Second)))
	require.False(t, record.ValidAt(testBase.Add(time.Second)))

	_, err = ParseRecord(nil, keyPEM)
	require.True(t, trace.IsBadParameter(err))
	_, err = ParseRecord([]byte("not pem"), keyPEM)
	require.True(t, trace.IsBadParameter(err))
}

func TestRateLimitClassification(t *testing.T) {
	rlErr := trace.Errorf("acme: error: 429 :: POST :: urn:ietf:params:acme:error:rateLimited :: too many certificates, retry after 2025-06-02T10:30:00Z")
	require.True(t, IsRateLimitError(rlErr))
	require.False(t, IsRateLimitError(trace.Errorf("acme: error: 400 :: bad csr")))
	require.False(t, IsRateLimitError(nil))

	until := RetryAfter(rlErr, testBase)
	require.Equal(t, time.Date(2025, 6, 2, 10, 30, 0, 0, time.UTC), until)

	spaced := trace.Errorf("urn:ietf:params:acme:error:rateLimited :: retry after 2025-06-02 10:30:00 UTC")
	until = RetryAfter(spaced, testBase)
	require.Equal(t, 2025, until.Year())
	require.Equal(t, 30, until.Minute())

	// No hint falls back to a one hour cooldown.
	bare := trace.Errorf("urn:ietf:params:acme:error:rateLimited :: slow down")
	require.Equal(t, testBase.Add(defaults.ACMECooldown), RetryAfter(bare, testBase))
}

func TestHTTP01Provider(t *testing.T) {
	provider := NewHTTP01Provider("")
	require.NoError(t, provider.Present("app.example.test", "tok-1", "tok-1.auth"))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, ChallengePrefix+"tok-1", nil)
	require.True(t, provider.ServeChallenge(rec, req))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "tok-1.auth", rec.Body.String())

	// Non-challenge paths and unknown tokens pass through untouched.
	require.False(t, provider.ServeChallenge(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/index.html", nil)))
	require.False(t, provider.ServeChallenge(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, ChallengePrefix+"tok-2", nil)))

	require.NoError(t, provider.CleanUp("app.example.test", "tok-1", "tok-1.auth"))
	require.False(t, provider.ServeChallenge(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, ChallengePrefix+"tok-1", nil)))
}

func TestGetCertificateCascade(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(testBase)
	store := testStore(t, clock)
	client := fake.NewSimpleClientset()

	var issued atomic.Int32
	newManager := func() *Manager {
		m, err := New(Config{
			KubeClient: client,
			Store:      store,
			Routed:     func(string) bool { return true },
			Clock:      clock,
			Issue: func(_ context.Context, domains []string, useDNS bool) ([]byte, []byte, error) {
				issued.Add(1)
				require.False(t, useDNS)
				certPEM, keyPEM := generateCert(t, domains, testBase.Add(90*24*time.Hour))
				return certPEM, keyPEM, nil
			},
		})
		require.NoError(t, err)
		return m
	}

	m := newManager()
	hello := &tls.ClientHelloInfo{ServerName: "app.example.test"}

	cert, err := m.GetCertificate(hello)
	require.NoError(t, err)
	require.NotNil(t, cert)
	require.Equal(t, int32(1), issued.Load())

	// Served from process memory on repeat.
	_, err = m.GetCertificate(hello)
	require.NoError(t, err)
	require.Equal(t, int32(1), issued.Load())

	// A fresh pod hits the kv mirror, not the ACME server.
	_, err = newManager().GetCertificate(hello)
	require.NoError(t, err)
	require.Equal(t, int32(1), issued.Load())

	// The secret is the authoritative copy.
	secret, err := client.CoreV1().Secrets(deployra.SystemNamespace).Get(ctx, "cert-app-example-test", metav1.GetOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, secret.Data["cert.pem"])
	require.NotEmpty(t, secret.Data["key.pem"])
	require.Equal(t, "app.example.test", secret.Annotations["deployra.io/domain"])

	// With the mirror flushed the secret still satisfies the handshake.
	m2, err := New(Config{
		KubeClient: client,
		Store:      testStore(t, clock),
		Routed:     func(string) bool { return true },
		Clock:      clock,
		Issue: func(context.Context, []string, bool) ([]byte, []byte, error) {
			t.Fatal("issuance must not run when the secret is valid")
			return nil, nil, nil
		},
	})
	require.NoError(t, err)
	_, err = m2.GetCertificate(hello)
	require.NoError(t, err)
}

func TestGetCertificateUnroutedDomain(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testBase)
	m, err := New(Config{
		KubeClient: fake.NewSimpleClientset(),
		Store:      testStore(t, clock),
		Routed:     func(string) bool { return false },
		Clock:      clock,
		Issue: func(context.Context, []string, bool) ([]byte, []byte, error) {
			t.Fatal("unrouted domains must not trigger issuance")
			return nil, nil, nil
		},
	})
	require.NoError(t, err)

	_, err = m.GetCertificate(&tls.ClientHelloInfo{ServerName: "stranger.example.test"})
	require.True(t, trace.IsNotFound(err))

	_, err = m.GetCertificate(&tls.ClientHelloInfo{})
	require.Error(t, err)
}

func TestIssuanceCooldown(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testBase)
	var issued atomic.Int32
	m, err := New(Config{
		KubeClient: fake.NewSimpleClientset(),
		Store:      testStore(t, clock),
		Routed:     func(string) bool { return true },
		Clock:      clock,
		Issue: func(context.Context, []string, bool) ([]byte, []byte, error) {
			issued.Add(1)
			return nil, nil, trace.Errorf("urn:ietf:params:acme:error:rateLimited :: retry after 2025-06-02T00:00:00Z")
		},
	})
	require.NoError(t, err)

	hello := &tls.ClientHelloInfo{ServerName: "app.example.test"}
	_, err = m.GetCertificate(hello)
	require.True(t, trace.IsLimitExceeded(err))
	require.Equal(t, int32(1), issued.Load())

	// The cooldown suppresses further orders for the domain.
	_, err = m.GetCertificate(hello)
	require.True(t, trace.IsLimitExceeded(err))
	require.Equal(t, int32(1), issued.Load())
}

func TestWildcardIssuance(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testBase)
	var gotDomains []string
	m, err := New(Config{
		KubeClient:     fake.NewSimpleClientset(),
		Store:          testStore(t, clock),
		Routed:         func(string) bool { return true },
		Clock:          clock,
		EnableWildcard: true,
		WildcardDomain: "apps.example.test",
		Issue: func(_ context.Context, domains []string, useDNS bool) ([]byte, []byte, error) {
			require.True(t, useDNS)
			gotDomains = domains
			certPEM, keyPEM := generateCert(t, domains, testBase.Add(90*24*time.Hour))
			return certPEM, keyPEM, nil
		},
	})
	require.NoError(t, err)

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "svc-1.apps.example.test"})
	require.NoError(t, err)
	require.NotNil(t, cert)
	require.Equal(t, []string{"*.apps.example.test", "apps.example.test"}, gotDomains)

	// The base domain and other subdomains share the wildcard.
	gotDomains = nil
	_, err = m.GetCertificate(&tls.ClientHelloInfo{ServerName: "apps.example.test"})
	require.NoError(t, err)
	_, err = m.GetCertificate(&tls.ClientHelloInfo{ServerName: "svc-2.apps.example.test"})
	require.NoError(t, err)
	require.Nil(t, gotDomains)

	// Deeper subdomains are not covered and take the per-domain path.
	require.False(t, m.wildcardCovers("a.b.apps.example.test"))
}

func TestWildcardCooldownFallsBackToPerDomain(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testBase)
	var wildcardOrders atomic.Int32
	m, err := New(Config{
		KubeClient:     fake.NewSimpleClientset(),
		Store:          testStore(t, clock),
		Routed:         func(string) bool { return true },
		Clock:          clock,
		EnableWildcard: true,
		WildcardDomain: "apps.example.test",
		Issue: func(_ context.Context, domains []string, useDNS bool) ([]byte, []byte, error) {
			if useDNS {
				wildcardOrders.Add(1)
				return nil, nil, trace.Errorf("urn:ietf:params:acme:error:rateLimited :: retry after 2025-06-02T00:00:00Z")
			}
			certPEM, keyPEM := generateCert(t, domains, testBase.Add(90*24*time.Hour))
			return certPEM, keyPEM, nil
		},
	})
	require.NoError(t, err)

	// The rate-limited wildcard order must not fail the handshake; the
	// domain gets its own certificate instead.
	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "svc-1.apps.example.test"})
	require.NoError(t, err)
	require.NotNil(t, cert)
	require.Equal(t, int32(1), wildcardOrders.Load())

	// The cooldown suppresses further wildcard orders entirely.
	cert, err = m.GetCertificate(&tls.ClientHelloInfo{ServerName: "svc-2.apps.example.test"})
	require.NoError(t, err)
	require.NotNil(t, cert)
	require.Equal(t, int32(1), wildcardOrders.Load())
}

func TestRenewExpiring(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(testBase)
	client := fake.NewSimpleClientset()
	store := testStore(t, clock)

	var issued atomic.Int32
	m, err := New(Config{
		KubeClient: client,
		Store:      store,
		Routed:     func(string) bool { return true },
		Clock:      clock,
		Issue: func(_ context.Context, domains []string, _ bool) ([]byte, []byte, error) {
			issued.Add(1)
			certPEM, keyPEM := generateCert(t, domains, clock.Now().Add(90*24*time.Hour))
			return certPEM, keyPEM, nil
		},
	})
	require.NoError(t, err)

	// Seed one fresh and one nearly expired certificate.
	freshPEM, freshKey := generateCert(t, []string{"fresh.example.test"}, testBase.Add(90*24*time.Hour))
	_, err = m.store(ctx, "fresh.example.test", domainSecretName("fresh.example.test"), freshPEM, freshKey)
	require.NoError(t, err)
	stalePEM, staleKey := generateCert(t, []string{"stale.example.test"}, testBase.Add(10*24*time.Hour))
	_, err = m.store(ctx, "stale.example.test", domainSecretName("stale.example.test"), stalePEM, staleKey)
	require.NoError(t, err)

	require.NoError(t, m.RenewExpiring(ctx))
	require.Equal(t, int32(1), issued.Load())

	// The stale secret now carries the reissued certificate.
	secret, err := client.CoreV1().Secrets(deployra.SystemNamespace).Get(ctx, domainSecretName("stale.example.test"), metav1.GetOptions{})
	require.NoError(t, err)
	record, err := ParseRecord(secret.Data["cert.pem"], secret.Data["key.pem"])
	require.NoError(t, err)
	require.True(t, record.ValidAt(clock.Now()))
}

func TestRenewalScanOrdersMissingWildcard(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(testBase)
	client := fake.NewSimpleClientset()

	var gotDomains []string
	m, err := New(Config{
		KubeClient:     client,
		Store:          testStore(t, clock),
		Routed:         func(string) bool { return true },
		Clock:          clock,
		EnableWildcard: true,
		WildcardDomain: "apps.example.test",
		Issue: func(_ context.Context, domains []string, useDNS bool) ([]byte, []byte, error) {
			require.True(t, useDNS)
			gotDomains = domains
			certPEM, keyPEM := generateCert(t, domains, testBase.Add(90*24*time.Hour))
			return certPEM, keyPEM, nil
		},
	})
	require.NoError(t, err)

	// No secrets exist at all: the scan must still produce the wildcard.
	require.NoError(t, m.RenewExpiring(ctx))
	require.Equal(t, []string{"*.apps.example.test", "apps.example.test"}, gotDomains)

	_, err = client.CoreV1().Secrets(deployra.SystemNamespace).Get(ctx, wildcardSecretName("apps.example.test"), metav1.GetOptions{})
	require.NoError(t, err)

	// With the wildcard in place the next scan orders nothing.
	gotDomains = nil
	require.NoError(t, m.RenewExpiring(ctx))
	require.Nil(t, gotDomains)
}

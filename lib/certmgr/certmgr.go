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

// Package certmgr terminates the certificate lifecycle of the web gateway:
// it resolves TLS handshakes to certificate material through a four-level
// cascade (process memory, the shared key-value store, an orchestrator
// secret, ACME issuance) and keeps issued material fresh with a daily
// renewal scan.
//
// A single wildcard certificate can cover every subdomain of the platform
// base domain via a DNS-01 order; customer domains fall back to per-domain
// HTTP-01 orders answered by the gateway's plaintext listener.
package certmgr

import (
	"context"
	"crypto/tls"
	"log/slog"
	"strings"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	corev1 "k8s.io/api/core/v1"
	kubeerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/deployra/deployra-sub000"
	"github.com/deployra/deployra-sub000/lib/defaults"
	"github.com/deployra/deployra-sub000/lib/kv"
)

const (
	// secretCertKey and secretKeyKey are the data keys of certificate
	// secrets.
	secretCertKey = "cert.pem"
	secretKeyKey  = "key.pem"

	// domainAnnotation records the domain a certificate secret covers,
	// since domains with wildcards cannot be stored in labels.
	domainAnnotation = "deployra.io/domain"
)

// IssueFunc orders a certificate for the given domains. useDNS selects a
// DNS-01 order for wildcard coverage, otherwise HTTP-01 is used.
type IssueFunc func(ctx context.Context, domains []string, useDNS bool) (certPEM, keyPEM []byte, err error)

// Config holds certificate manager parameters.
type Config struct {
	// KubeClient reads and writes certificate secrets.
	KubeClient kubernetes.Interface
	// Store mirrors certificate material across gateway pods.
	Store *kv.Store
	// Email is the ACME account contact.
	Email string
	// DirectoryURL overrides the ACME directory. Empty means the lego
	// default (Let's Encrypt production).
	DirectoryURL string
	// WildcardDomain is the platform base domain covered by the wildcard
	// certificate.
	WildcardDomain string
	// EnableWildcard turns on DNS-01 wildcard issuance.
	EnableWildcard bool
	// CloudflareAPIToken authorizes DNS-01 record manipulation.
	CloudflareAPIToken string
	// ChallengeDir is an optional directory of HTTP-01 tokens written out
	// of band.
	ChallengeDir string
	// Routed reports whether a domain is served by this gateway. Unknown
	// domains never trigger issuance.
	Routed func(domain string) bool
	// Clock is used for validity checks and the renewal ticker.
	Clock clockwork.Clock
	// Issue orders certificates. Defaults to lego-backed ACME issuance.
	Issue IssueFunc
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.KubeClient == nil {
		return trace.BadParameter("missing kubernetes client")
	}
	if c.Store == nil {
		return trace.BadParameter("missing kv store")
	}
	if c.Routed == nil {
		return trace.BadParameter("missing domain routing predicate")
	}
	if c.EnableWildcard {
		if c.WildcardDomain == "" {
			return trace.BadParameter("wildcard issuance requires a base domain")
		}
		if c.Issue == nil && c.CloudflareAPIToken == "" {
			return trace.BadParameter("wildcard issuance requires a dns api token")
		}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Manager resolves TLS handshakes to certificates and renews them.
type Manager struct {
	cfg      Config
	http01   *HTTP01Provider
	log      *slog.Logger
	issue    IssueFunc
	wildFQDN string

	mu    sync.RWMutex
	cache map[string]*Record

	// wildMu guards the wildcard order so concurrent handshakes don't
	// stampede the ACME server with duplicate DNS-01 orders.
	wildMu         sync.Mutex
	wildInProgress bool
}

// New returns a certificate manager.
func New(config Config) (*Manager, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	m := &Manager{
		cfg:    config,
		http01: NewHTTP01Provider(config.ChallengeDir),
		log:    slog.With(deployra.ComponentKey, deployra.ComponentCertManager),
		cache:  make(map[string]*Record),
	}
	if config.EnableWildcard {
		m.wildFQDN = "*." + config.WildcardDomain
	}
	m.issue = config.Issue
	if m.issue == nil {
		if config.Email == "" {
			return nil, trace.BadParameter("acme issuance requires a contact email")
		}
		m.issue = newACMEIssuer(config, m.http01)
	}
	return m, nil
}

// HTTP01 exposes the challenge provider so the plaintext listener can
// answer validation probes.
func (m *Manager) HTTP01() *HTTP01Provider {
	return m.http01
}

// GetCertificate implements tls.Config.GetCertificate. Handshakes for
// domains the gateway doesn't route fail; no default certificate is served.
func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	domain := strings.ToLower(strings.TrimSuffix(hello.ServerName, "."))
	if domain == "" {
		return nil, trace.BadParameter("client sent no server name")
	}

	ctx := hello.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if m.wildcardCovers(domain) {
		record, err := m.ensureWildcard(ctx)
		if err == nil {
			return record.Certificate, nil
		}
		if !errWildcardInProgress(err) && !trace.IsLimitExceeded(err) {
			return nil, trace.Wrap(err)
		}
		// Another goroutine is ordering the wildcard, or the wildcard
		// order is rate-limited. Serve this handshake with a per-domain
		// certificate instead of waiting out the DNS-01 propagation delay
		// or the cooldown.
		m.log.DebugContext(ctx, "Wildcard unavailable, falling back to per-domain issuance.", "domain", domain, "error", err)
	}

	if !m.cfg.Routed(domain) {
		return nil, trace.NotFound("no route for domain %q", domain)
	}
	record, err := m.ensureDomain(ctx, domain)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return record.Certificate, nil
}

// wildcardCovers reports whether the wildcard certificate covers the
// domain. A wildcard matches the base domain itself and exactly one extra
// label.
func (m *Manager) wildcardCovers(domain string) bool {
	if !m.cfg.EnableWildcard {
		return false
	}
	base := m.cfg.WildcardDomain
	if domain == base {
		return true
	}
	rest, found := strings.CutSuffix(domain, "."+base)
	return found && rest != "" && !strings.Contains(rest, ".")
}

// ensureDomain walks the lookup cascade for a single domain, issuing a new
// certificate on full miss.
func (m *Manager) ensureDomain(ctx context.Context, domain string) (*Record, error) {
	if record, err := m.lookup(ctx, domain, domainSecretName(domain)); err == nil {
		return record, nil
	} else if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}

	inCooldown, err := m.cfg.Store.InCooldown(ctx, domain)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if inCooldown {
		return nil, trace.LimitExceeded("issuance for %q is rate-limited, try later", domain)
	}

	m.log.InfoContext(ctx, "Ordering certificate.", "domain", domain)
	certPEM, keyPEM, err := m.issue(ctx, []string{domain}, false)
	if err != nil {
		if IsRateLimitError(err) {
			until := RetryAfter(err, m.cfg.Clock.Now())
			if cdErr := m.cfg.Store.SetCooldown(ctx, domain, until); cdErr != nil {
				m.log.WarnContext(ctx, "Failed to record issuance cooldown.", "domain", domain, "error", cdErr)
			}
			return nil, trace.LimitExceeded("issuance for %q rate-limited until %v", domain, until)
		}
		return nil, trace.Wrap(err, "ordering certificate for %q", domain)
	}
	record, err := m.store(ctx, domain, domainSecretName(domain), certPEM, keyPEM)
	return record, trace.Wrap(err)
}

type wildcardInProgressError struct{}

func (wildcardInProgressError) Error() string { return "wildcard order already in progress" }

func errWildcardInProgress(err error) bool {
	_, ok := trace.Unwrap(err).(wildcardInProgressError)
	return ok
}

// ensureWildcard returns the wildcard record, ordering it if needed. Only
// one order runs at a time; concurrent callers get a wildcardInProgressError
// and should fall back to per-domain issuance.
func (m *Manager) ensureWildcard(ctx context.Context) (*Record, error) {
	if record, err := m.lookup(ctx, m.wildFQDN, wildcardSecretName(m.cfg.WildcardDomain)); err == nil {
		return record, nil
	} else if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}

	inCooldown, err := m.cfg.Store.InCooldown(ctx, m.wildFQDN)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if inCooldown {
		return nil, trace.LimitExceeded("wildcard issuance for %q is rate-limited, try later", m.wildFQDN)
	}

	m.wildMu.Lock()
	if m.wildInProgress {
		m.wildMu.Unlock()
		return nil, trace.Wrap(wildcardInProgressError{})
	}
	m.wildInProgress = true
	m.wildMu.Unlock()

	defer func() {
		m.wildMu.Lock()
		m.wildInProgress = false
		m.wildMu.Unlock()
	}()

	m.log.InfoContext(ctx, "Ordering wildcard certificate.", "domain", m.wildFQDN)
	certPEM, keyPEM, err := m.issue(ctx, []string{m.wildFQDN, m.cfg.WildcardDomain}, true)
	if err != nil {
		if IsRateLimitError(err) {
			until := RetryAfter(err, m.cfg.Clock.Now())
			if cdErr := m.cfg.Store.SetCooldown(ctx, m.wildFQDN, until); cdErr != nil {
				m.log.WarnContext(ctx, "Failed to record issuance cooldown.", "domain", m.wildFQDN, "error", cdErr)
			}
			return nil, trace.LimitExceeded("wildcard issuance for %q rate-limited until %v", m.wildFQDN, until)
		}
		return nil, trace.Wrap(err, "ordering wildcard certificate for %q", m.wildFQDN)
	}
	record, err := m.store(ctx, m.wildFQDN, wildcardSecretName(m.cfg.WildcardDomain), certPEM, keyPEM)
	return record, trace.Wrap(err)
}

// lookup walks memory, the kv mirror and the orchestrator secret, promoting
// hits to the faster levels. Expired material at any level is a miss.
func (m *Manager) lookup(ctx context.Context, domain, secretName string) (*Record, error) {
	now := m.cfg.Clock.Now()

	m.mu.RLock()
	record := m.cache[domain]
	m.mu.RUnlock()
	if record != nil && record.ValidAt(now) {
		return record, nil
	}

	certPEM, keyPEM, err := m.cfg.Store.GetCert(ctx, domain)
	if err == nil {
		if record, err := ParseRecord(certPEM, keyPEM); err == nil && record.ValidAt(now) {
			m.remember(domain, record)
			return record, nil
		}
	} else if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}

	secret, err := m.cfg.KubeClient.CoreV1().Secrets(deployra.SystemNamespace).Get(ctx, secretName, metav1.GetOptions{})
	if err != nil {
		if kubeerrors.IsNotFound(err) {
			return nil, trace.NotFound("no certificate for %q", domain)
		}
		return nil, trace.Wrap(err)
	}
	record, parseErr := ParseRecord(secret.Data[secretCertKey], secret.Data[secretKeyKey])
	if parseErr != nil || !record.ValidAt(now) {
		return nil, trace.NotFound("certificate for %q is expired or malformed", domain)
	}
	if err := m.cfg.Store.StoreCert(ctx, domain, record.CertPEM, record.KeyPEM); err != nil {
		m.log.WarnContext(ctx, "Failed to mirror certificate.", "domain", domain, "error", err)
	}
	m.remember(domain, record)
	return record, nil
}

// store persists freshly issued material, secret first so the authoritative
// copy is durable before the caches warm up.
func (m *Manager) store(ctx context.Context, domain, secretName string, certPEM, keyPEM []byte) (*Record, error) {
	record, err := ParseRecord(certPEM, keyPEM)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: deployra.SystemNamespace,
			Name:      secretName,
			Labels: map[string]string{
				deployra.ManagedByLabel: deployra.ManagedByValue,
				deployra.TypeLabel:      deployra.CertificateTypeValue,
			},
			Annotations: map[string]string{
				domainAnnotation: domain,
			},
		},
		Type: corev1.SecretTypeOpaque,
		Data: map[string][]byte{
			secretCertKey: certPEM,
			secretKeyKey:  keyPEM,
		},
	}
	_, err = m.cfg.KubeClient.CoreV1().Secrets(deployra.SystemNamespace).Create(ctx, secret, metav1.CreateOptions{})
	if kubeerrors.IsAlreadyExists(err) {
		_, err = m.cfg.KubeClient.CoreV1().Secrets(deployra.SystemNamespace).Update(ctx, secret, metav1.UpdateOptions{})
	}
	if err != nil {
		return nil, trace.Wrap(err, "persisting certificate secret %q", secretName)
	}
	if err := m.cfg.Store.StoreCert(ctx, domain, certPEM, keyPEM); err != nil {
		m.log.WarnContext(ctx, "Failed to mirror certificate.", "domain", domain, "error", err)
	}
	m.remember(domain, record)
	return record, nil
}

func (m *Manager) remember(domain string, record *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[domain] = record
}

// RunRenewal scans certificate secrets once a day and reissues any that
// entered the renewal window. Blocks until the context is cancelled.
func (m *Manager) RunRenewal(ctx context.Context) error {
	ticker := m.cfg.Clock.NewTicker(defaults.CertRenewalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := m.RenewExpiring(ctx); err != nil {
				m.log.WarnContext(ctx, "Renewal scan failed.", "error", err)
			}
		}
	}
}

// RenewExpiring reissues every managed certificate that entered the renewal
// window. Per-domain certificates covered by the wildcard are skipped.
func (m *Manager) RenewExpiring(ctx context.Context) error {
	secrets, err := m.cfg.KubeClient.CoreV1().Secrets(deployra.SystemNamespace).List(ctx, metav1.ListOptions{
		LabelSelector: deployra.TypeLabel + "=" + deployra.CertificateTypeValue,
	})
	if err != nil {
		return trace.Wrap(err, "listing certificate secrets")
	}

	now := m.cfg.Clock.Now()
	var errs []error
	wildcardSeen := false
	for i := range secrets.Items {
		secret := &secrets.Items[i]
		domain := secret.Annotations[domainAnnotation]
		if domain == "" {
			continue
		}
		isWildcard := strings.HasPrefix(domain, "*.")
		if isWildcard {
			wildcardSeen = true
		}
		if !isWildcard && m.wildcardCovers(domain) {
			continue
		}
		record, parseErr := ParseRecord(secret.Data[secretCertKey], secret.Data[secretKeyKey])
		if parseErr == nil && record.ValidAt(now) {
			continue
		}
		m.log.InfoContext(ctx, "Renewing certificate.", "domain", domain)
		m.forget(domain)
		var renewErr error
		if isWildcard {
			_, renewErr = m.ensureWildcard(ctx)
		} else {
			_, renewErr = m.ensureDomain(ctx, domain)
		}
		if renewErr != nil {
			m.log.WarnContext(ctx, "Certificate renewal failed.", "domain", domain, "error", renewErr)
			errs = append(errs, renewErr)
		}
	}

	// The wildcard is ordered lazily on the first covered handshake, so a
	// cluster that lost its secret would otherwise stay without one until
	// traffic arrives. Order it from the scan as well.
	if m.cfg.EnableWildcard && !wildcardSeen {
		m.log.InfoContext(ctx, "Wildcard certificate missing, ordering.", "domain", m.wildFQDN)
		if _, err := m.ensureWildcard(ctx); err != nil {
			m.log.WarnContext(ctx, "Wildcard issuance failed.", "domain", m.wildFQDN, "error", err)
			errs = append(errs, err)
		}
	}
	return trace.NewAggregate(errs...)
}

// forget drops the in-process cache entry so the cascade re-reads durable
// state.
func (m *Manager) forget(domain string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, domain)
}

func domainSecretName(domain string) string {
	return "cert-" + strings.ReplaceAll(domain, ".", "-")
}

func wildcardSecretName(base string) string {
	return "cert-wildcard-" + strings.ReplaceAll(base, ".", "-")
}

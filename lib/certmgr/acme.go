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
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"

	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/providers/dns/cloudflare"
	"github.com/go-acme/lego/v4/registration"
	"github.com/gravitational/trace"
)

// acmeAccount satisfies the lego registration.User interface. Accounts are
// ephemeral: each issuance registers a fresh keypair, which ACME servers
// accept and which spares us durable account state.
type acmeAccount struct {
	email        string
	key          crypto.PrivateKey
	registration *registration.Resource
}

func (a *acmeAccount) GetEmail() string                        { return a.email }
func (a *acmeAccount) GetRegistration() *registration.Resource { return a.registration }
func (a *acmeAccount) GetPrivateKey() crypto.PrivateKey        { return a.key }

// newACMEIssuer returns the production IssueFunc backed by lego.
func newACMEIssuer(cfg Config, http01 *HTTP01Provider) IssueFunc {
	return func(ctx context.Context, domains []string, useDNS bool) ([]byte, []byte, error) {
		accountKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		account := &acmeAccount{email: cfg.Email, key: accountKey}

		legoConfig := lego.NewConfig(account)
		if cfg.DirectoryURL != "" {
			legoConfig.CADirURL = cfg.DirectoryURL
		}
		client, err := lego.NewClient(legoConfig)
		if err != nil {
			return nil, nil, trace.Wrap(err, "creating acme client")
		}

		if useDNS {
			dnsConfig := cloudflare.NewDefaultConfig()
			dnsConfig.AuthToken = cfg.CloudflareAPIToken
			provider, err := cloudflare.NewDNSProviderConfig(dnsConfig)
			if err != nil {
				return nil, nil, trace.Wrap(err, "creating dns challenge provider")
			}
			if err := client.Challenge.SetDNS01Provider(provider); err != nil {
				return nil, nil, trace.Wrap(err)
			}
		} else {
			if err := client.Challenge.SetHTTP01Provider(http01); err != nil {
				return nil, nil, trace.Wrap(err)
			}
		}

		account.registration, err = client.Registration.Register(registration.RegisterOptions{
			TermsOfServiceAgreed: true,
		})
		if err != nil {
			return nil, nil, trace.Wrap(err, "registering acme account")
		}

		res, err := client.Certificate.Obtain(certificate.ObtainRequest{
			Domains: domains,
			Bundle:  true,
		})
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		return res.Certificate, res.PrivateKey, nil
	}
}

package ssl

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/providers/http/webroot"
	"github.com/go-acme/lego/v4/registration"
	"github.com/rs/zerolog"

	"github.com/cuemby/press/pkg/config"
	"github.com/cuemby/press/pkg/log"
)

// ErrIssuerBusy is returned while another issuance holds the issuer
var ErrIssuerBusy = errors.New("another certificate issuance is running")

// Request asks for one certificate
type Request struct {
	Domain   string
	Wildcard bool
	// DNS solves DNS-01 challenges. Wildcards require it; without it the
	// issuer answers HTTP-01 from the webroot.
	DNS challenge.Provider
}

// Issued is the PEM material of a new certificate
type Issued struct {
	FullChain         []byte // Leaf first
	IntermediateChain []byte
	PrivateKey        []byte
}

// Issuer obtains certificates from a certificate authority
type Issuer interface {
	Obtain(ctx context.Context, req Request) (*Issued, error)
}

type acmeUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *acmeUser) GetEmail() string                        { return u.email }
func (u *acmeUser) GetRegistration() *registration.Resource { return u.registration }
func (u *acmeUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

// LegoIssuer obtains certificates from an ACME directory. Only one
// issuance runs at a time; overlapping calls get ErrIssuerBusy.
type LegoIssuer struct {
	cfg    config.ACMEConfig
	user   *acmeUser
	busy   sync.Mutex
	logger zerolog.Logger
}

// NewLegoIssuer creates an issuer with a fresh account key. The account is
// registered on first use.
func NewLegoIssuer(cfg config.ACMEConfig) (*LegoIssuer, error) {
	if cfg.Email == "" {
		return nil, fmt.Errorf("acme email is required")
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate account key: %w", err)
	}
	if cfg.Staging {
		cfg.DirectoryURL = lego.LEDirectoryStaging
	}
	if cfg.DirectoryURL == "" {
		cfg.DirectoryURL = lego.LEDirectoryProduction
	}
	return &LegoIssuer{
		cfg:    cfg,
		user:   &acmeUser{email: cfg.Email, key: key},
		logger: log.WithComponent("acme"),
	}, nil
}

// Obtain requests a certificate for req.Domain, and for its wildcard when
// req.Wildcard is set
func (l *LegoIssuer) Obtain(ctx context.Context, req Request) (*Issued, error) {
	if !l.busy.TryLock() {
		return nil, ErrIssuerBusy
	}
	defer l.busy.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, err := l.client(req)
	if err != nil {
		return nil, err
	}

	domains := []string{req.Domain}
	if req.Wildcard {
		domains = []string{"*." + req.Domain, req.Domain}
	}
	l.logger.Info().Strs("domains", domains).Msg("Requesting certificate")

	res, err := client.Certificate.Obtain(certificate.ObtainRequest{
		Domains: domains,
		Bundle:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to obtain certificate: %w", err)
	}

	return &Issued{
		FullChain:         res.Certificate,
		IntermediateChain: res.IssuerCertificate,
		PrivateKey:        res.PrivateKey,
	}, nil
}

func (l *LegoIssuer) client(req Request) (*lego.Client, error) {
	cfg := lego.NewConfig(l.user)
	cfg.CADirURL = l.cfg.DirectoryURL
	cfg.Certificate.KeyType = certcrypto.RSA2048

	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create acme client: %w", err)
	}

	switch {
	case req.DNS != nil:
		var opts []dns01.ChallengeOption
		if len(l.cfg.Nameservers) > 0 {
			opts = append(opts, dns01.AddRecursiveNameservers(l.cfg.Nameservers))
		}
		if err := client.Challenge.SetDNS01Provider(req.DNS, opts...); err != nil {
			return nil, fmt.Errorf("failed to set DNS-01 provider: %w", err)
		}
	case req.Wildcard:
		return nil, fmt.Errorf("wildcard certificate for %s needs a DNS-01 provider", req.Domain)
	default:
		provider, err := webroot.NewHTTPProvider(l.cfg.Webroot)
		if err != nil {
			return nil, fmt.Errorf("failed to set up webroot %s: %w", l.cfg.Webroot, err)
		}
		if err := client.Challenge.SetHTTP01Provider(provider); err != nil {
			return nil, fmt.Errorf("failed to set HTTP-01 provider: %w", err)
		}
	}

	if l.user.registration == nil {
		reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return nil, fmt.Errorf("failed to register with acme server: %w", err)
		}
		l.user.registration = reg
		l.logger.Info().Str("email", l.user.email).Msg("ACME account registered")
	}
	return client, nil
}

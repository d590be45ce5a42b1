// Package qz signs print requests for the QZ Tray browser bridge and serves
// its public certificate.
package qz

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/iliamunaev/checkout-relay/internal/apperr"
)

const (
	DefaultKeyFile  = "certs/qz-private.pem"
	DefaultCertFile = "certs/qz-public.crt"
)

var (
	ErrEmptyRequest = fmt.Errorf("qz: empty request: %w", apperr.ErrBadRequest)
	ErrNoPEMBlock   = errors.New("qz: no PEM block in private key")
	ErrNotRSA       = errors.New("qz: private key is not RSA")
)

// KeySource names where the private key is read from. The first non-empty
// source wins: B64, then Raw, then File.
type KeySource struct {
	B64  string
	Raw  string
	File string
}

// KeyProvider loads and parses the private key once. A failed load is not
// retried.
type KeyProvider struct {
	load func() (*rsa.PrivateKey, error)
}

func NewKeyProvider(src KeySource) *KeyProvider {
	if src.File == "" {
		src.File = DefaultKeyFile
	}
	return &KeyProvider{load: sync.OnceValues(func() (*rsa.PrivateKey, error) {
		pemText, err := src.read()
		if err != nil {
			return nil, err
		}
		return ParsePrivateKey(pemText)
	})}
}

// Key returns the parsed key.
func (p *KeyProvider) Key() (*rsa.PrivateKey, error) { return p.load() }

func (s KeySource) read() ([]byte, error) {
	switch {
	case s.B64 != "":
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s.B64))
		if err != nil {
			return nil, fmt.Errorf("qz: decode QZ_PRIVATE_KEY_B64: %w", err)
		}
		return b, nil
	case s.Raw != "":
		return []byte(strings.ReplaceAll(s.Raw, `\n`, "\n")), nil
	default:
		b, err := os.ReadFile(s.File)
		if err != nil {
			return nil, fmt.Errorf("qz: read key file: %w", err)
		}
		return b, nil
	}
}

// ParsePrivateKey accepts PKCS#1 and PKCS#8 RSA keys in PEM form.
func ParsePrivateKey(pemText []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemText)
	if block == nil {
		return nil, ErrNoPEMBlock
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("qz: parse private key: %w", err)
	}
	rk, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrNotRSA
	}
	return rk, nil
}

// Signer produces base64 RSA-SHA256 signatures.
type Signer struct {
	keys *KeyProvider
}

func NewSigner(keys *KeyProvider) *Signer {
	if keys == nil {
		panic("nil key provider")
	}
	return &Signer{keys: keys}
}

func (s *Signer) Sign(ctx context.Context, request string) (string, error) {
	if request == "" {
		return "", ErrEmptyRequest
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key, err := s.keys.Key()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(request))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, sum[:])
	if err != nil {
		return "", fmt.Errorf("qz: sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Cert caches the public certificate text after the first successful read.
type Cert struct {
	path string

	mu   sync.Mutex
	text string
}

func NewCert(path string) *Cert {
	if path == "" {
		path = DefaultCertFile
	}
	return &Cert{path: path}
}

func (c *Cert) PEM() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.text != "" {
		return c.text, nil
	}
	b, err := os.ReadFile(c.path)
	if err != nil {
		return "", fmt.Errorf("qz: read cert: %w", err)
	}
	c.text = string(b)
	return c.text, nil
}

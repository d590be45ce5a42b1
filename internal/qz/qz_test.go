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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliamunaev/checkout-relay/internal/apperr"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return k
}

func pkcs1PEM(k *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k)})
}

func verify(t *testing.T, k *rsa.PrivateKey, msg, sig string) {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)
	sum := sha256.Sum256([]byte(msg))
	require.NoError(t, rsa.VerifyPKCS1v15(&k.PublicKey, crypto.SHA256, sum[:], raw))
}

func TestSignFromSources(t *testing.T) {
	t.Parallel()

	k := testKey(t)
	text := pkcs1PEM(k)

	der, err := x509.MarshalPKCS8PrivateKey(k)
	require.NoError(t, err)
	pkcs8 := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	file := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(file, pkcs8, 0o600))

	tests := []struct {
		name string
		src  KeySource
	}{
		{name: "base64", src: KeySource{B64: base64.StdEncoding.EncodeToString(text), Raw: "ignored"}},
		{name: "raw_escaped_newlines", src: KeySource{Raw: strings.ReplaceAll(string(text), "\n", `\n`)}},
		{name: "file_pkcs8", src: KeySource{File: file}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := NewSigner(NewKeyProvider(tt.src))
			sig, err := s.Sign(context.Background(), "print-job-1")
			require.NoError(t, err)
			verify(t, k, "print-job-1", sig)
		})
	}
}

func TestSignEmptyRequest(t *testing.T) {
	t.Parallel()

	s := NewSigner(NewKeyProvider(KeySource{File: "does-not-matter"}))
	_, err := s.Sign(context.Background(), "")
	if !errors.Is(err, apperr.ErrBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
}

func TestSignMissingKey(t *testing.T) {
	t.Parallel()

	s := NewSigner(NewKeyProvider(KeySource{File: filepath.Join(t.TempDir(), "missing.pem")}))
	_, err := s.Sign(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestParsePrivateKeyRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := ParsePrivateKey([]byte("not pem"))
	assert.ErrorIs(t, err, ErrNoPEMBlock)

	_, err = ParsePrivateKey(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{1, 2, 3}}))
	assert.Error(t, err)
}

func TestCertCachesAfterFirstRead(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "qz.crt")
	c := NewCert(path)

	_, err := c.PEM()
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("CERT"), 0o600))
	got, err := c.PEM()
	require.NoError(t, err)
	assert.Equal(t, "CERT", got)

	require.NoError(t, os.Remove(path))
	got, err = c.PEM()
	require.NoError(t, err)
	assert.Equal(t, "CERT", got)
}

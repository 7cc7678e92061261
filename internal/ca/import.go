package ca

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"os"
	"strings"

	"cabeat/internal/storage"
)

// Import registers a CA certificate (PEM) and the location of its private
// key in the store. The key is loaded once to check that it matches.
func (t *Tasks) Import(ctx context.Context, name string, certPEM []byte, keyPath string) (storage.Authority, error) {
	if t.store == nil {
		return storage.Authority{}, storage.ErrDisabled
	}
	cert, err := parseCertPEM(certPEM)
	if err != nil {
		return storage.Authority{}, err
	}
	if !cert.IsCA {
		return storage.Authority{}, errors.New("certificate is not a CA")
	}
	serial := strings.ToUpper(cert.SerialNumber.Text(16))

	if _, err := os.Stat(t.keyPath(keyPath)); err != nil {
		return storage.Authority{}, err
	}
	signer, err := t.loadSigner(serial, keyPath)
	if err != nil && !errors.Is(err, ErrKeyEncrypted) {
		return storage.Authority{}, err
	}
	if signer != nil && !publicKeysEqual(signer.Public(), cert.PublicKey) {
		return storage.Authority{}, errors.New("private key does not match certificate")
	}

	if strings.TrimSpace(name) == "" {
		name = cert.Subject.CommonName
	}
	a := storage.Authority{
		Serial:    serial,
		Name:      name,
		CertPEM:   string(certPEM),
		KeyPath:   keyPath,
		Enabled:   true,
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
	}
	if err := t.store.PutAuthority(ctx, a); err != nil {
		return storage.Authority{}, fmt.Errorf("store authority: %w", err)
	}
	return a, nil
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	type equaler interface{ Equal(x crypto.PublicKey) bool }
	ea, ok := a.(equaler)
	return ok && ea.Equal(b)
}

package ca

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"time"

	logx "cabeat/pkg/logx"
)

// id-pkix-ocsp-nocheck (RFC 6960 4.2.2.2.1).
var oidOCSPNoCheck = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 5}

// GenerateOCSPKey issues a fresh responder key and certificate for the
// authority and caches both for the configured lifetime.
func (t *Tasks) GenerateOCSPKey(ctx context.Context, serial string) error {
	a, caCert, err := t.authority(ctx, serial)
	if err != nil {
		return err
	}
	signer, err := t.loadSigner(a.Serial, a.KeyPath)
	if err != nil {
		return err
	}

	key, err := t.newResponderKey()
	if err != nil {
		return err
	}
	sn, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 159))
	if err != nil {
		return err
	}

	now := t.now()
	expires := t.cfg.OCSP.Expires
	nullValue, _ := asn1.Marshal(asn1.NullRawValue)
	tmpl := &x509.Certificate{
		SerialNumber: sn,
		Subject:      pkix.Name{CommonName: responderName(caCert, a.Name)},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(expires),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageOCSPSigning},
		ExtraExtensions: []pkix.Extension{
			{Id: oidOCSPNoCheck, Value: nullValue},
		},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, key.Public(), signer)
	if err != nil {
		return fmt.Errorf("sign responder certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := t.cache.Set(ctx, OCSPKeyCacheKey(a.Serial), keyPEM, expires); err != nil {
		return err
	}
	if err := t.cache.Set(ctx, OCSPCertCacheKey(a.Serial), certPEM, expires); err != nil {
		return err
	}
	t.log.Info("ocsp responder key generated",
		logx.Serial(a.Serial),
		logx.String("key_type", t.cfg.OCSP.KeyType),
		logx.Time("not_after", tmpl.NotAfter),
	)
	return nil
}

func (t *Tasks) newResponderKey() (crypto.Signer, error) {
	switch strings.ToLower(t.cfg.OCSP.KeyType) {
	case "rsa":
		return rsa.GenerateKey(rand.Reader, t.cfg.OCSP.KeySize)
	case "ecdsa", "ec":
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}
	return nil, fmt.Errorf("unsupported ocsp key type %q", t.cfg.OCSP.KeyType)
}

func responderName(caCert *x509.Certificate, fallback string) string {
	cn := caCert.Subject.CommonName
	if cn == "" {
		cn = fallback
	}
	return cn + " OCSP responder"
}

package ca

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"

	"cabeat/internal/storage"
	logx "cabeat/pkg/logx"
)

// CacheCRL generates every configured CRL profile for the authority and
// stores each encoding in the cache for the profile's lifetime.
func (t *Tasks) CacheCRL(ctx context.Context, serial string) error {
	a, cert, err := t.authority(ctx, serial)
	if err != nil {
		return err
	}
	signer, err := t.loadSigner(a.Serial, a.KeyPath)
	if err != nil {
		return err
	}

	now := t.now()
	for _, p := range t.cfg.Profiles {
		expires, h, skip := p.forSerial(a.Serial)
		if skip {
			continue
		}
		alg, err := signatureAlgorithm(signer, h)
		if err != nil {
			return fmt.Errorf("profile %s: %w", p.Name, err)
		}
		revoked, err := t.store.Revocations(ctx, a.Serial, p.Scope)
		if err != nil {
			return fmt.Errorf("profile %s: revocations: %w", p.Name, err)
		}
		entries, err := revocationEntries(revoked)
		if err != nil {
			return fmt.Errorf("profile %s: %w", p.Name, err)
		}
		number, err := t.store.NextCRLNumber(ctx, a.Serial, p.Scope)
		if err != nil {
			return fmt.Errorf("profile %s: crl number: %w", p.Name, err)
		}

		der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
			SignatureAlgorithm:        alg,
			Number:                    big.NewInt(number),
			ThisUpdate:                now,
			NextUpdate:                now.Add(expires),
			RevokedCertificateEntries: entries,
		}, cert, signer)
		if err != nil {
			return fmt.Errorf("profile %s: sign crl: %w", p.Name, err)
		}

		for _, enc := range p.Encodings {
			body := der
			if enc == EncodingPEM {
				body = pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der})
			}
			key := CRLCacheKey(a.Serial, h, enc, p.Scope)
			if err := t.cache.Set(ctx, key, body, expires); err != nil {
				return fmt.Errorf("cache %s: %w", key, err)
			}
		}
		t.log.Info("crl cached",
			logx.Serial(a.Serial),
			logx.String("profile", p.Name),
			logx.Int64("number", number),
			logx.Int("revoked", len(entries)),
			logx.Duration("expires", expires),
		)
	}
	return nil
}

func revocationEntries(list []storage.Revocation) ([]x509.RevocationListEntry, error) {
	out := make([]x509.RevocationListEntry, 0, len(list))
	for _, r := range list {
		n, ok := new(big.Int).SetString(r.Serial, 16)
		if !ok {
			return nil, fmt.Errorf("invalid revoked serial %q", r.Serial)
		}
		out = append(out, x509.RevocationListEntry{
			SerialNumber:   n,
			RevocationTime: r.RevokedAt.UTC(),
			ReasonCode:     r.Reason,
		})
	}
	return out, nil
}

package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

func (t *Tasks) keyPath(p string) string {
	if p == "" || filepath.IsAbs(p) || t.cfg.KeyDir == "" {
		return p
	}
	return filepath.Join(t.cfg.KeyDir, p)
}

// loadSigner reads the PEM private key of an authority. Missing files
// surface the fs error unchanged so callers can match fs.ErrNotExist.
func (t *Tasks) loadSigner(serial, path string) (crypto.Signer, error) {
	b, err := os.ReadFile(t.keyPath(path))
	if err != nil {
		return nil, err
	}
	return ParsePrivateKey(b, []byte(t.cfg.Passwords[NormalizeSerial(serial)]))
}

// ParsePrivateKey decodes a PEM key in PKCS#8, PKCS#1 or SEC1 form. Legacy
// encrypted PEM blocks are decrypted with password.
func ParsePrivateKey(pemBytes, password []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block found in private key")
	}
	//nolint:staticcheck // legacy RFC 1423 encryption is what older CA keys use.
	if x509.IsEncryptedPEMBlock(block) {
		if len(password) == 0 {
			return nil, ErrKeyEncrypted
		}
		//nolint:staticcheck
		plain, err := x509.DecryptPEMBlock(block, password)
		if err != nil {
			return nil, fmt.Errorf("decrypt private key: %w", err)
		}
		return parseDER(plain)
	}
	if block.Type == "ENCRYPTED PRIVATE KEY" {
		if len(password) == 0 {
			return nil, ErrKeyEncrypted
		}
		return nil, errors.New("encrypted PKCS#8 keys are not supported; re-export as legacy PEM")
	}
	return parseDER(block.Bytes)
}

func parseDER(der []byte) (crypto.Signer, error) {
	if k, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return asSigner(k)
	}
	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return k, nil
	}
	if k, err := x509.ParseECPrivateKey(der); err == nil {
		return k, nil
	}
	return nil, errors.New("unsupported private key format")
}

func asSigner(k any) (crypto.Signer, error) {
	switch v := k.(type) {
	case *rsa.PrivateKey:
		return v, nil
	case *ecdsa.PrivateKey:
		return v, nil
	case ed25519.PrivateKey:
		return v, nil
	}
	return nil, fmt.Errorf("unsupported private key type %T", k)
}

// signatureAlgorithm picks the x509 algorithm for signer and hash.
func signatureAlgorithm(signer crypto.Signer, h crypto.Hash) (x509.SignatureAlgorithm, error) {
	switch signer.Public().(type) {
	case *rsa.PublicKey:
		switch h {
		case crypto.SHA256:
			return x509.SHA256WithRSA, nil
		case crypto.SHA384:
			return x509.SHA384WithRSA, nil
		case crypto.SHA512:
			return x509.SHA512WithRSA, nil
		}
	case *ecdsa.PublicKey:
		switch h {
		case crypto.SHA256:
			return x509.ECDSAWithSHA256, nil
		case crypto.SHA384:
			return x509.ECDSAWithSHA384, nil
		case crypto.SHA512:
			return x509.ECDSAWithSHA512, nil
		}
	case ed25519.PublicKey:
		return x509.PureEd25519, nil
	}
	return 0, fmt.Errorf("no signature algorithm for %T with %s", signer.Public(), h)
}

package ca

import (
	"crypto"
	"fmt"
	"sort"
	"strings"
	"time"

	"cabeat/internal/storage"
)

const (
	EncodingPEM = "PEM"
	EncodingDER = "DER"
)

// Override adjusts a CRL profile for a single authority.
type Override struct {
	Skip    bool
	Expires time.Duration
	Hash    crypto.Hash
}

// Profile describes one CRL flavour that is generated for every authority.
type Profile struct {
	Name      string
	Scope     string
	Expires   time.Duration
	Hash      crypto.Hash
	Encodings []string
	Overrides map[string]Override // by normalized CA serial
}

// forSerial returns the effective settings for serial and whether to skip it.
func (p Profile) forSerial(serial string) (expires time.Duration, h crypto.Hash, skip bool) {
	expires, h = p.Expires, p.Hash
	o, ok := p.Overrides[serial]
	if !ok {
		return expires, h, false
	}
	if o.Expires > 0 {
		expires = o.Expires
	}
	if o.Hash != 0 {
		h = o.Hash
	}
	return expires, h, o.Skip
}

type OCSPSettings struct {
	Expires time.Duration
	KeyType string // ecdsa | rsa
	KeySize int
}

type Config struct {
	Profiles  []Profile
	OCSP      OCSPSettings
	Passwords map[string]string
	KeyDir    string
}

// DefaultProfiles are the "ca" and "user" CRLs: one day, SHA-512, PEM and DER.
func DefaultProfiles() []Profile {
	return []Profile{
		{Name: "ca", Scope: storage.ScopeCA, Expires: 24 * time.Hour, Hash: crypto.SHA512, Encodings: []string{EncodingPEM, EncodingDER}},
		{Name: "user", Scope: storage.ScopeUser, Expires: 24 * time.Hour, Hash: crypto.SHA512, Encodings: []string{EncodingPEM, EncodingDER}},
	}
}

func (c Config) withDefaults() Config {
	if len(c.Profiles) == 0 {
		c.Profiles = DefaultProfiles()
	}
	profiles := make([]Profile, 0, len(c.Profiles))
	for _, p := range c.Profiles {
		if p.Expires <= 0 {
			p.Expires = 24 * time.Hour
		}
		if p.Hash == 0 {
			p.Hash = crypto.SHA512
		}
		if len(p.Encodings) == 0 {
			p.Encodings = []string{EncodingPEM, EncodingDER}
		}
		if len(p.Overrides) > 0 {
			norm := make(map[string]Override, len(p.Overrides))
			for k, v := range p.Overrides {
				norm[NormalizeSerial(k)] = v
			}
			p.Overrides = norm
		}
		profiles = append(profiles, p)
	}
	sort.SliceStable(profiles, func(i, j int) bool { return profiles[i].Name < profiles[j].Name })
	c.Profiles = profiles

	if c.OCSP.Expires <= 0 {
		c.OCSP.Expires = 72 * time.Hour
	}
	if c.OCSP.KeyType == "" {
		c.OCSP.KeyType = "ecdsa"
	}
	if c.OCSP.KeySize <= 0 {
		c.OCSP.KeySize = 2048
	}
	pw := make(map[string]string, len(c.Passwords))
	for k, v := range c.Passwords {
		pw[NormalizeSerial(k)] = v
	}
	c.Passwords = pw
	return c
}

// ParseHash maps sha256/sha384/sha512 (any case, dashes allowed) to a crypto.Hash.
func ParseHash(s string) (crypto.Hash, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "")) {
	case "", "sha512":
		return crypto.SHA512, nil
	case "sha384":
		return crypto.SHA384, nil
	case "sha256":
		return crypto.SHA256, nil
	}
	return 0, fmt.Errorf("unsupported hash algorithm %q", s)
}

// ParseEncoding maps pem/der to the canonical encoding name.
func ParseEncoding(s string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case EncodingPEM:
		return EncodingPEM, nil
	case EncodingDER, "ASN1":
		return EncodingDER, nil
	}
	return "", fmt.Errorf("unsupported encoding %q", s)
}

func hashName(h crypto.Hash) string {
	return strings.ReplaceAll(h.String(), "-", "")
}

// NormalizeSerial upper-cases a hex serial and strips colons and 0x.
func NormalizeSerial(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return strings.ToUpper(strings.ReplaceAll(s, ":", ""))
}

// CRLCacheKey is the key CRLs are cached under, e.g. crl_0A1B_SHA512_DER_ca.
func CRLCacheKey(serial string, h crypto.Hash, encoding, scope string) string {
	return "crl_" + NormalizeSerial(serial) + "_" + hashName(h) + "_" + encoding + "_" + scope
}

func OCSPKeyCacheKey(serial string) string  { return "ocsp_key_" + NormalizeSerial(serial) }
func OCSPCertCacheKey(serial string) string { return "ocsp_cert_" + NormalizeSerial(serial) }

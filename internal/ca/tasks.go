package ca

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sort"
	"time"

	"cabeat/internal/cache"
	"cabeat/internal/storage"
	logx "cabeat/pkg/logx"
)

// Task names accepted by Run.
const (
	TaskCacheCRL         = "cache_crl"
	TaskCacheCRLs        = "cache_crls"
	TaskGenerateOCSPKey  = "generate_ocsp_key"
	TaskGenerateOCSPKeys = "generate_ocsp_keys"
)

type taskFunc func(ctx context.Context, args []string) error

// Tasks runs the CA maintenance tasks against a store and an artifact cache.
type Tasks struct {
	store storage.Store
	cache cache.Cache
	cfg   Config
	log   logx.Logger
	now   func() time.Time

	table map[string]taskFunc
}

func New(store storage.Store, c cache.Cache, cfg Config, log logx.Logger) *Tasks {
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Tasks{
		store: store,
		cache: c,
		cfg:   cfg.withDefaults(),
		log:   log.With(logx.Comp("ca")),
		now:   time.Now,
	}
	t.table = map[string]taskFunc{
		TaskCacheCRL:         t.oneSerial(TaskCacheCRL, t.CacheCRL),
		TaskCacheCRLs:        func(ctx context.Context, args []string) error { return t.CacheCRLs(ctx, args...) },
		TaskGenerateOCSPKey:  t.oneSerial(TaskGenerateOCSPKey, t.GenerateOCSPKey),
		TaskGenerateOCSPKeys: func(ctx context.Context, args []string) error { return t.GenerateOCSPKeys(ctx, args...) },
	}
	return t
}

func (t *Tasks) oneSerial(name string, fn func(context.Context, string) error) taskFunc {
	return func(ctx context.Context, args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("%s: expected exactly one CA serial, got %d args", name, len(args))
		}
		return fn(ctx, args[0])
	}
}

// Names lists the registered task names, sorted.
func (t *Tasks) Names() []string {
	out := make([]string, 0, len(t.table))
	for n := range t.table {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (t *Tasks) Has(name string) bool {
	_, ok := t.table[name]
	return ok
}

// Run executes the named task with args.
func (t *Tasks) Run(ctx context.Context, name string, args ...string) error {
	fn, ok := t.table[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	return fn(ctx, args)
}

// Handler binds a task and its args into a job handler.
func (t *Tasks) Handler(name string, args ...string) (func(ctx context.Context) error, error) {
	if !t.Has(name) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	args = append([]string(nil), args...)
	return func(ctx context.Context) error { return t.Run(ctx, name, args...) }, nil
}

// CacheCRLs caches the CRLs of serials, or of every usable authority when
// none are given. Failures of one authority do not stop the others.
func (t *Tasks) CacheCRLs(ctx context.Context, serials ...string) error {
	return t.fanOut(ctx, TaskCacheCRL, serials, t.CacheCRL)
}

// GenerateOCSPKeys rotates the responder key of serials, or of every usable
// authority when none are given.
func (t *Tasks) GenerateOCSPKeys(ctx context.Context, serials ...string) error {
	return t.fanOut(ctx, TaskGenerateOCSPKey, serials, t.GenerateOCSPKey)
}

func (t *Tasks) fanOut(ctx context.Context, name string, serials []string, fn func(context.Context, string) error) error {
	if t.store == nil {
		return storage.ErrDisabled
	}
	if len(serials) == 0 {
		cas, err := t.store.UsableAuthorities(ctx, t.now())
		if err != nil {
			return fmt.Errorf("list usable authorities: %w", err)
		}
		for _, a := range cas {
			serials = append(serials, a.Serial)
		}
	}

	var errs []error
	ok := 0
	for _, s := range serials {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := fn(ctx, s); err != nil {
			t.log.Warn("task failed for authority", logx.String("task", name), logx.Serial(s), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s %s: %w", name, s, err))
			continue
		}
		ok++
	}
	t.log.Debug("fan-out done", logx.String("task", name), logx.Int("ok", ok), logx.Int("failed", len(errs)))
	return errors.Join(errs...)
}

// authority loads the CA certificate and signer for serial.
func (t *Tasks) authority(ctx context.Context, serial string) (storage.Authority, *x509.Certificate, error) {
	if t.store == nil {
		return storage.Authority{}, nil, storage.ErrDisabled
	}
	a, err := t.store.Authority(ctx, serial)
	if err != nil {
		return storage.Authority{}, nil, err
	}
	cert, err := parseCertPEM([]byte(a.CertPEM))
	if err != nil {
		return storage.Authority{}, nil, fmt.Errorf("authority %s: %w", a.Serial, err)
	}
	return a, cert, nil
}

func parseCertPEM(b []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(b)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("no CERTIFICATE PEM block")
	}
	return x509.ParseCertificate(block.Bytes)
}

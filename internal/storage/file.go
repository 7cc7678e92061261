package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "cabeat/pkg/logx"
)

// fileStore is a dependency-free persistence backend rooted at a directory.
//
// Files:
//   - authorities.json   (snapshot, rewritten atomically)
//   - crl_numbers.json   (snapshot, rewritten atomically)
//   - revocations.jsonl  (append-only JSON Lines)
//   - runs.jsonl         (append-only JSON Lines)
type fileStore struct {
	log logx.Logger
	dir string

	mu sync.Mutex

	authorities map[string]Authority
	revocations map[string][]Revocation // by CA serial
	crlNumbers  map[string]int64        // "<serial>/<scope>"

	revFile  *os.File
	runsFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:         log,
		dir:         dir,
		authorities: map[string]Authority{},
		revocations: map[string][]Revocation{},
		crlNumbers:  map[string]int64{},
	}

	var list []Authority
	if err := readJSON(s.path("authorities.json"), &list); err != nil {
		return nil, fmt.Errorf("load authorities: %w", err)
	}
	for _, a := range list {
		a.Serial = normalizeSerial(a.Serial)
		s.authorities[a.Serial] = a
	}
	if err := readJSON(s.path("crl_numbers.json"), &s.crlNumbers); err != nil {
		return nil, fmt.Errorf("load crl numbers: %w", err)
	}
	if err := replayJSONL(s.path("revocations.jsonl"), func(b []byte) {
		var r Revocation
		if json.Unmarshal(b, &r) != nil || r.Serial == "" {
			return
		}
		r.CASerial = normalizeSerial(r.CASerial)
		s.revocations[r.CASerial] = upsertRevocation(s.revocations[r.CASerial], r)
	}); err != nil {
		return nil, fmt.Errorf("load revocations: %w", err)
	}

	var err error
	if s.revFile, err = os.OpenFile(s.path("revocations.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		return nil, err
	}
	if s.runsFile, err = os.OpenFile(s.path("runs.jsonl"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		_ = s.revFile.Close()
		return nil, err
	}
	log.Debug("file store opened", logx.String("dir", dir), logx.Int("authorities", len(s.authorities)))
	return s, nil
}

func (s *fileStore) path(name string) string { return filepath.Join(s.dir, name) }

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.revFile != nil {
		errs = append(errs, s.revFile.Close())
		s.revFile = nil
	}
	if s.runsFile != nil {
		errs = append(errs, s.runsFile.Close())
		s.runsFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) UsableAuthorities(ctx context.Context, now time.Time) ([]Authority, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Authority, 0, len(s.authorities))
	for _, a := range s.authorities {
		if a.Usable(now) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out, nil
}

func (s *fileStore) Authority(ctx context.Context, serial string) (Authority, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.authorities[normalizeSerial(serial)]
	if !ok {
		return Authority{}, fmt.Errorf("%w: %s", ErrNotFound, serial)
	}
	return a, nil
}

func (s *fileStore) PutAuthority(ctx context.Context, a Authority) error {
	_ = ctx
	a.Serial = normalizeSerial(a.Serial)
	if a.Serial == "" {
		return errors.New("authority serial required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorities[a.Serial] = a

	list := make([]Authority, 0, len(s.authorities))
	for _, v := range s.authorities {
		list = append(list, v)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Serial < list[j].Serial })
	return writeJSONAtomic(s.path("authorities.json"), list)
}

func (s *fileStore) Revocations(ctx context.Context, caSerial, scope string) ([]Revocation, error) {
	_ = ctx
	scope = normalizeScope(scope)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Revocation
	for _, r := range s.revocations[normalizeSerial(caSerial)] {
		if r.inScope(scope) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fileStore) AddRevocation(ctx context.Context, r Revocation) error {
	_ = ctx
	r.CASerial = normalizeSerial(r.CASerial)
	r.Serial = normalizeSerial(r.Serial)
	if r.CASerial == "" || r.Serial == "" {
		return errors.New("revocation serials required")
	}
	if r.RevokedAt.IsZero() {
		r.RevokedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revFile == nil {
		return errors.New("revocation log closed")
	}
	if err := json.NewEncoder(s.revFile).Encode(r); err != nil {
		return err
	}
	s.revocations[r.CASerial] = upsertRevocation(s.revocations[r.CASerial], r)
	return nil
}

func (s *fileStore) NextCRLNumber(ctx context.Context, caSerial, scope string) (int64, error) {
	_ = ctx
	key := normalizeSerial(caSerial) + "/" + normalizeScope(scope)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.crlNumbers[key] + 1
	s.crlNumbers[key] = n
	if err := writeJSONAtomic(s.path("crl_numbers.json"), s.crlNumbers); err != nil {
		s.crlNumbers[key] = n - 1
		return 0, err
	}
	return n, nil
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return errors.New("run log closed")
	}
	return json.NewEncoder(s.runsFile).Encode(r)
}

// RecentRuns re-reads the run log; it is meant for diagnostics, not hot paths.
func (s *fileStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RunRecord
	err := replayJSONL(s.path("runs.jsonl"), func(b []byte) {
		var r RunRecord
		if json.Unmarshal(b, &r) == nil && r.RunID != "" {
			out = append(out, r)
		}
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	// newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func upsertRevocation(list []Revocation, r Revocation) []Revocation {
	for i := range list {
		if list[i].Serial == r.Serial {
			list[i] = r
			return list
		}
	}
	return append(list, r)
}

func readJSON(path string, out any) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func replayJSONL(path string, fn func(line []byte)) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		fn(sc.Bytes())
	}
	return sc.Err()
}

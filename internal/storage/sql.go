package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	logx "cabeat/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

// sqlStore implements Store on database/sql. Queries are written with '?'
// placeholders and rebound per dialect. Times are unix milliseconds so the
// same schema works on sqlite and postgres.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect string
}

func newSQLStore(ctx context.Context, db *sql.DB, dialect string, log logx.Logger) (*sqlStore, error) {
	s := &sqlStore{db: db, log: log, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", dialect, err)
	}
	return s, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

// rebind turns '?' placeholders into $1..$n for postgres.
func (s *sqlStore) rebind(q string) string {
	if s.dialect != "postgres" {
		return q
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const authorityCols = `serial, name, cert_pem, key_path, enabled, revoked, not_before, not_after`

func scanAuthority(sc interface{ Scan(...any) error }) (Authority, error) {
	var (
		a                   Authority
		enabled, revoked    int
		notBefore, notAfter int64
	)
	if err := sc.Scan(&a.Serial, &a.Name, &a.CertPEM, &a.KeyPath, &enabled, &revoked, &notBefore, &notAfter); err != nil {
		return Authority{}, err
	}
	a.Enabled = enabled != 0
	a.Revoked = revoked != 0
	a.NotBefore = time.UnixMilli(notBefore)
	a.NotAfter = time.UnixMilli(notAfter)
	return a, nil
}

func (s *sqlStore) UsableAuthorities(ctx context.Context, now time.Time) ([]Authority, error) {
	ms := now.UnixMilli()
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+authorityCols+` FROM authorities
		 WHERE enabled = 1 AND revoked = 0 AND not_before <= ? AND not_after > ?
		 ORDER BY serial`), ms, ms)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Authority
	for rows.Next() {
		a, err := scanAuthority(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) Authority(ctx context.Context, serial string) (Authority, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+authorityCols+` FROM authorities WHERE serial = ?`), normalizeSerial(serial))
	a, err := scanAuthority(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Authority{}, fmt.Errorf("%w: %s", ErrNotFound, serial)
	}
	return a, err
}

func (s *sqlStore) PutAuthority(ctx context.Context, a Authority) error {
	a.Serial = normalizeSerial(a.Serial)
	if a.Serial == "" {
		return errors.New("authority serial required")
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO authorities(`+authorityCols+`) VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(serial) DO UPDATE SET
		   name = excluded.name, cert_pem = excluded.cert_pem, key_path = excluded.key_path,
		   enabled = excluded.enabled, revoked = excluded.revoked,
		   not_before = excluded.not_before, not_after = excluded.not_after`),
		a.Serial, a.Name, a.CertPEM, a.KeyPath, boolInt(a.Enabled), boolInt(a.Revoked),
		a.NotBefore.UnixMilli(), a.NotAfter.UnixMilli(),
	)
	return err
}

func (s *sqlStore) Revocations(ctx context.Context, caSerial, scope string) ([]Revocation, error) {
	q := `SELECT ca_serial, serial, revoked_at, reason, is_ca FROM revocations WHERE ca_serial = ?`
	args := []any{normalizeSerial(caSerial)}
	switch normalizeScope(scope) {
	case ScopeCA:
		q += ` AND is_ca = 1`
	case ScopeUser:
		q += ` AND is_ca = 0`
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(q+` ORDER BY serial`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Revocation
	for rows.Next() {
		var (
			r    Revocation
			at   int64
			isCA int
		)
		if err := rows.Scan(&r.CASerial, &r.Serial, &at, &r.Reason, &isCA); err != nil {
			return nil, err
		}
		r.RevokedAt = time.UnixMilli(at)
		r.IsCA = isCA != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) AddRevocation(ctx context.Context, r Revocation) error {
	r.CASerial = normalizeSerial(r.CASerial)
	r.Serial = normalizeSerial(r.Serial)
	if r.CASerial == "" || r.Serial == "" {
		return errors.New("revocation serials required")
	}
	if r.RevokedAt.IsZero() {
		r.RevokedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO revocations(ca_serial, serial, revoked_at, reason, is_ca) VALUES(?,?,?,?,?)
		 ON CONFLICT(ca_serial, serial) DO UPDATE SET
		   revoked_at = excluded.revoked_at, reason = excluded.reason, is_ca = excluded.is_ca`),
		r.CASerial, r.Serial, r.RevokedAt.UnixMilli(), r.Reason, boolInt(r.IsCA),
	)
	return err
}

func (s *sqlStore) NextCRLNumber(ctx context.Context, caSerial, scope string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO crl_numbers(ca_serial, scope, number) VALUES(?,?,1)
		 ON CONFLICT(ca_serial, scope) DO UPDATE SET number = crl_numbers.number + 1
		 RETURNING number`),
		normalizeSerial(caSerial), normalizeScope(scope),
	).Scan(&n)
	return n, err
}

func (s *sqlStore) AppendRun(ctx context.Context, r RunRecord) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO runs(run_id, job, task, started, duration_ms, err, host) VALUES(?,?,?,?,?,?,?)`),
		r.RunID, r.Job, r.Task, r.Started.UnixMilli(), r.Duration.Milliseconds(), nullStr(r.Error), nullStr(r.Host),
	)
	return err
}

func (s *sqlStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT run_id, job, task, started, duration_ms, err, host FROM runs ORDER BY started DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		var (
			r           RunRecord
			started, ms int64
			errStr      sql.NullString
			host        sql.NullString
		)
		if err := rows.Scan(&r.RunID, &r.Job, &r.Task, &started, &ms, &errStr, &host); err != nil {
			return nil, err
		}
		r.Started = time.UnixMilli(started)
		r.Duration = time.Duration(ms) * time.Millisecond
		r.Error = errStr.String
		r.Host = host.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "cabeat/pkg/logx"
)

func openTestStores(t *testing.T) map[string]func() Store {
	t.Helper()
	dir := t.TempDir()
	mk := func(cfg Config) func() Store {
		return func() Store {
			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("open %s: %v", cfg.Driver, err)
			}
			return st
		}
	}
	return map[string]func() Store{
		"file":   mk(Config{Driver: "file", Path: filepath.Join(dir, "files")}),
		"sqlite": mk(Config{Driver: "sqlite", Path: filepath.Join(dir, "db", "cabeat.db"), BusyTimeout: time.Second}),
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: st=%v err=%v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
}

func TestUsableAuthorities(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	for name, open := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			st := open()
			defer st.Close()
			ctx := context.Background()

			put := func(a Authority) {
				t.Helper()
				if err := st.PutAuthority(ctx, a); err != nil {
					t.Fatalf("put %s: %v", a.Serial, err)
				}
			}
			valid := Authority{Name: "ok", Enabled: true, NotBefore: now.Add(-time.Hour), NotAfter: now.Add(time.Hour)}

			a := valid
			a.Serial = "0a:bc"
			put(a)
			b := valid
			b.Serial, b.Enabled = "02", false
			put(b)
			c := valid
			c.Serial, c.Revoked = "03", true
			put(c)
			d := valid
			d.Serial, d.NotAfter = "04", now
			put(d)
			e := valid
			e.Serial, e.NotBefore = "05", now.Add(time.Minute)
			put(e)

			got, err := st.UsableAuthorities(ctx, now)
			if err != nil {
				t.Fatalf("usable: %v", err)
			}
			if len(got) != 1 || got[0].Serial != "0ABC" {
				t.Fatalf("usable = %+v, want only 0ABC", got)
			}

			one, err := st.Authority(ctx, "0A:BC")
			if err != nil || one.Name != "ok" {
				t.Fatalf("authority = %+v, %v", one, err)
			}
			if _, err := st.Authority(ctx, "FF"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestRevocationScopes(t *testing.T) {
	t.Parallel()
	for name, open := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			st := open()
			defer st.Close()
			ctx := context.Background()

			at := time.Unix(1700000000, 0)
			for _, r := range []Revocation{
				{CASerial: "aa", Serial: "01", RevokedAt: at, Reason: 1},
				{CASerial: "aa", Serial: "02", RevokedAt: at, IsCA: true},
				{CASerial: "bb", Serial: "03", RevokedAt: at},
			} {
				if err := st.AddRevocation(ctx, r); err != nil {
					t.Fatalf("add: %v", err)
				}
			}

			tests := []struct {
				scope string
				want  int
			}{
				{ScopeAll, 2},
				{"", 2},
				{ScopeCA, 1},
				{ScopeUser, 1},
			}
			for _, tt := range tests {
				got, err := st.Revocations(ctx, "AA", tt.scope)
				if err != nil {
					t.Fatalf("revocations(%q): %v", tt.scope, err)
				}
				if len(got) != tt.want {
					t.Fatalf("revocations(%q) = %d, want %d", tt.scope, len(got), tt.want)
				}
			}
			got, _ := st.Revocations(ctx, "aa", ScopeUser)
			if got[0].Reason != 1 || !got[0].RevokedAt.Equal(at) {
				t.Fatalf("revocation = %+v", got[0])
			}
		})
	}
}

func TestNextCRLNumberPersists(t *testing.T) {
	t.Parallel()
	for name, open := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open()
			for want := int64(1); want <= 3; want++ {
				n, err := st.NextCRLNumber(ctx, "AA", ScopeCA)
				if err != nil || n != want {
					t.Fatalf("next = %d, %v; want %d", n, err, want)
				}
			}
			if n, _ := st.NextCRLNumber(ctx, "AA", ScopeUser); n != 1 {
				t.Fatalf("user scope = %d, want 1", n)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}

			st = open()
			defer st.Close()
			if n, _ := st.NextCRLNumber(ctx, "aa", "CA"); n != 4 {
				t.Fatalf("after reopen = %d, want 4", n)
			}
		})
	}
}

func TestRecentRunsNewestFirst(t *testing.T) {
	t.Parallel()
	for name, open := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			st := open()
			defer st.Close()
			ctx := context.Background()

			base := time.Unix(1700000000, 0)
			for i, id := range []string{"r1", "r2", "r3"} {
				rec := RunRecord{RunID: id, Job: "cache-crls", Task: "cache_crls", Started: base.Add(time.Duration(i) * time.Minute), Duration: 1500 * time.Millisecond}
				if id == "r2" {
					rec.Error = "boom"
				}
				if err := st.AppendRun(ctx, rec); err != nil {
					t.Fatalf("append: %v", err)
				}
			}

			got, err := st.RecentRuns(ctx, 2)
			if err != nil {
				t.Fatalf("recent: %v", err)
			}
			if len(got) != 2 || got[0].RunID != "r3" || got[1].RunID != "r2" {
				t.Fatalf("recent = %+v", got)
			}
			if got[1].Error != "boom" || got[1].Duration != 1500*time.Millisecond {
				t.Fatalf("record = %+v", got[1])
			}
		})
	}
}

func TestRebindPostgres(t *testing.T) {
	t.Parallel()
	s := &sqlStore{dialect: "postgres"}
	if got := s.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Fatalf("rebind = %q", got)
	}
	s.dialect = "sqlite"
	if got := s.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite rebind = %q", got)
	}
}

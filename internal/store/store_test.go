package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session", "test.db")
	db, result, err := OpenMigrated(path)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Changed {
		t.Error("first migration should report Changed=true")
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testBolt(t *testing.T) *Bolt {
	t.Helper()
	b, err := OpenBolt(filepath.Join(t.TempDir(), "nested", "settings.bolt"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

type kv interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestKeyValueBackends(t *testing.T) {
	backends := map[string]func(t *testing.T) kv{
		"sqlite": func(t *testing.T) kv { return testDB(t) },
		"bolt":   func(t *testing.T) kv { return testBolt(t) },
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
				t.Fatalf("Get(missing) = ok %v, err %v; want false, nil", ok, err)
			}

			if err := s.Put(ctx, "k", []byte(`{"a":1}`)); err != nil {
				t.Fatal(err)
			}
			if err := s.Put(ctx, "k", []byte(`{"a":2}`)); err != nil {
				t.Fatal(err)
			}

			v, ok, err := s.Get(ctx, "k")
			if err != nil || !ok {
				t.Fatalf("Get(k) = ok %v, err %v", ok, err)
			}
			if string(v) != `{"a":2}` {
				t.Errorf("value = %s, want last write", v)
			}
		})
	}
}

func TestConcurrentPutsLeaveOneValue(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := db.Put(ctx, "k", []byte(fmt.Sprint(i))); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM kv WHERE key = 'k'`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("got %d rows, want 1", count)
	}
}

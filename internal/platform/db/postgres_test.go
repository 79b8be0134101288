package db

import (
	"testing"
	"time"
)

func TestConnectRequiresDSN(t *testing.T) {
	if _, err := Connect("", Options{}); err == nil {
		t.Fatalf("expected an error for an empty dsn")
	}
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	if opts.MaxOpenConns != 16 || opts.MaxIdleConns != 8 {
		t.Fatalf("unexpected pool defaults %+v", opts)
	}
	if opts.PingTimeout != 5*time.Second || opts.Logger == nil {
		t.Fatalf("unexpected ping or logger defaults %+v", opts)
	}

	tuned := Options{MaxOpenConns: 4, MaxIdleConns: 10, SlowQuery: time.Second}.withDefaults()
	if tuned.MaxIdleConns != 2 || tuned.SlowQuery != time.Second {
		t.Fatalf("idle connections must not exceed open ones, got %+v", tuned)
	}
}

func TestAutoMigrateWithoutConnection(t *testing.T) {
	var pg *Postgres
	if err := pg.AutoMigrate(); err == nil {
		t.Fatalf("expected an error without a connection")
	}
	if err := pg.Close(); err != nil {
		t.Fatalf("closing a nil handle must be a no-op: %v", err)
	}
}

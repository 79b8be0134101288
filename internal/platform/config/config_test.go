package config

import (
	"testing"
	"time"
)

func TestLoadRequiresPartyID(t *testing.T) {
	t.Setenv("PARTY_ID", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected missing PARTY_ID error")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PARTY_ID", "alice")
	t.Setenv("STORAGE_BACKEND", "")
	t.Setenv("BOLT_PATH", "")
	t.Setenv("OUTBOX_BATCH_SIZE", "")
	t.Setenv("WORKER_POLL_INTERVAL", "")
	t.Setenv("ENABLE_INBOX_CONSUMER", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StorageBackend != StoragePostgres {
		t.Fatalf("expected postgres backend, got %s", cfg.StorageBackend)
	}
	if cfg.BoltPath != "approval-alice.db" {
		t.Fatalf("unexpected bolt path %s", cfg.BoltPath)
	}
	if cfg.OutboxBatchSize != 100 || cfg.PollInterval != 2*time.Second {
		t.Fatalf("unexpected worker defaults: %+v", cfg)
	}
	if !cfg.EnableInboxConsumer {
		t.Fatalf("expected inbox consumer enabled by default")
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("PARTY_ID", "alice")
	t.Setenv("STORAGE_BACKEND", "mongo")
	if _, err := Load(); err == nil {
		t.Fatalf("expected unsupported backend error")
	}
}

func TestMaskDSN(t *testing.T) {
	cases := map[string]string{
		"postgres://app:secret@db:5432/approvals":  "postgres://app@db:5432/approvals",
		"host=db user=app password=secret dbname=x": "host=db user=app password=*** dbname=x",
	}
	for input, want := range cases {
		if got := maskDSN(input); got != want {
			t.Fatalf("maskDSN(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestEnvBool(t *testing.T) {
	t.Setenv("FLAG_UNDER_TEST", "off")
	if envBool("FLAG_UNDER_TEST", true) {
		t.Fatalf("expected off to parse as false")
	}
	t.Setenv("FLAG_UNDER_TEST", "maybe")
	if !envBool("FLAG_UNDER_TEST", true) {
		t.Fatalf("expected fallback for unparseable value")
	}
}

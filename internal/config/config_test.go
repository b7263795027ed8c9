package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("creating temp config: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	f.Close()
	return f.Name()
}

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, `
client_id: "11111111-2222-3333-4444-555555555555"
tenant: "contoso.onmicrosoft.com"
poll_interval: 30m
resync_days: 3
db_path: "/var/lib/teamsmirror/mirror.db"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ClientID != "11111111-2222-3333-4444-555555555555" {
		t.Errorf("ClientID = %q", cfg.ClientID)
	}
	if cfg.Tenant != "contoso.onmicrosoft.com" {
		t.Errorf("Tenant = %q, want contoso.onmicrosoft.com", cfg.Tenant)
	}
	if cfg.PollInterval != 30*time.Minute {
		t.Errorf("PollInterval = %v, want 30m", cfg.PollInterval)
	}
	if *cfg.ResyncDays != 3 {
		t.Errorf("ResyncDays = %d, want 3", *cfg.ResyncDays)
	}
	if cfg.DBPath != "/var/lib/teamsmirror/mirror.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
client_id: "app-id"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Tenant != DefaultTenant {
		t.Errorf("Tenant = %q, want %q", cfg.Tenant, DefaultTenant)
	}
	if cfg.GraphURL != DefaultGraphURL {
		t.Errorf("GraphURL = %q, want %q", cfg.GraphURL, DefaultGraphURL)
	}
	if cfg.LoginURL != DefaultLoginURL {
		t.Errorf("LoginURL = %q, want %q", cfg.LoginURL, DefaultLoginURL)
	}
	if cfg.PollInterval != time.Hour {
		t.Errorf("PollInterval = %v, want default 1h", cfg.PollInterval)
	}
	if cfg.ResyncDays == nil || *cfg.ResyncDays != 1 {
		t.Errorf("ResyncDays = %v, want default 1", cfg.ResyncDays)
	}
	if len(cfg.Scopes) == 0 {
		t.Error("Scopes empty, want defaults")
	}
}

func TestLoad_MissingClientID(t *testing.T) {
	path := writeConfig(t, `
tenant: "organizations"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing client_id, got nil")
	}
}

func TestLoad_InvalidGraphURL(t *testing.T) {
	path := writeConfig(t, `
client_id: "app-id"
graph_url: "not-a-url"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid graph_url, got nil")
	}
}

func TestLoad_PollIntervalTooShort(t *testing.T) {
	path := writeConfig(t, `
client_id: "app-id"
poll_interval: 20s
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for poll_interval < 1m, got nil")
	}
}

func TestLoad_PollIntervalTooLong(t *testing.T) {
	path := writeConfig(t, `
client_id: "app-id"
poll_interval: 48h
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for poll_interval > 24h, got nil")
	}
}

func TestLoad_NegativeResyncDays(t *testing.T) {
	path := writeConfig(t, `
client_id: "app-id"
resync_days: -1
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for negative resync_days, got nil")
	}
}

func TestLoad_ZeroResyncDaysAllowed(t *testing.T) {
	path := writeConfig(t, `
client_id: "app-id"
resync_days: 0
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *cfg.ResyncDays != 0 {
		t.Errorf("ResyncDays = %d, want 0", *cfg.ResyncDays)
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	path := writeConfig(t, `
client_id: "app-id"
unknown_field: oops
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown config key, got nil")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml")); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestAuthority(t *testing.T) {
	path := writeConfig(t, `
client_id: "app-id"
tenant: "contoso.onmicrosoft.com"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "https://login.microsoftonline.com/contoso.onmicrosoft.com"
	if got := cfg.Authority(); got != want {
		t.Errorf("Authority() = %q, want %q", got, want)
	}
}

func TestDefaultPath(t *testing.T) {
	path, err := DefaultPath()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path == "" {
		t.Error("DefaultPath returned empty string")
	}
}

func TestLoad_TelemetryValid(t *testing.T) {
	path := writeConfig(t, `
client_id: "app-id"
telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true
  service_name: "my-teamsmirror"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry == nil {
		t.Fatal("expected Telemetry to be non-nil")
	}
	if cfg.Telemetry.OTLPEndpoint != "localhost:4317" {
		t.Errorf("OTLPEndpoint = %q, want %q", cfg.Telemetry.OTLPEndpoint, "localhost:4317")
	}
	if !cfg.Telemetry.Insecure {
		t.Error("Insecure = false, want true")
	}
	if cfg.Telemetry.ServiceName != "my-teamsmirror" {
		t.Errorf("ServiceName = %q, want %q", cfg.Telemetry.ServiceName, "my-teamsmirror")
	}
}

func TestLoad_TelemetryOmitted(t *testing.T) {
	path := writeConfig(t, `
client_id: "app-id"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry != nil {
		t.Error("expected Telemetry to be nil when block is omitted")
	}
}

func TestLoad_TelemetryMissingEndpoint(t *testing.T) {
	path := writeConfig(t, `
client_id: "app-id"
telemetry:
  insecure: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for telemetry missing otlp_endpoint, got nil")
	}
}

func TestLoad_TelemetryHeaders(t *testing.T) {
	path := writeConfig(t, `
client_id: "app-id"
telemetry:
  otlp_endpoint: "otelcol.example.com:4317"
  headers:
    Authorization: "Bearer secret"
    x-dataset: "test"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Telemetry.Headers) != 2 {
		t.Fatalf("Headers len = %d, want 2", len(cfg.Telemetry.Headers))
	}
	if cfg.Telemetry.Headers["Authorization"] != "Bearer secret" {
		t.Errorf("Authorization header = %q, want %q", cfg.Telemetry.Headers["Authorization"], "Bearer secret")
	}
	if cfg.Telemetry.Headers["x-dataset"] != "test" {
		t.Errorf("x-dataset header = %q, want %q", cfg.Telemetry.Headers["x-dataset"], "test")
	}
}

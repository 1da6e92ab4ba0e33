package config

import "testing"

func TestLoadDefaultsInDevelopment(t *testing.T) {
	t.Setenv("CONTROLPLANE_ENV", "development")
	t.Setenv("STORE_DSN", "postgres://localhost/cp")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindREST != "0.0.0.0:8443" {
		t.Errorf("unexpected BindREST default: %s", cfg.BindREST)
	}
	if cfg.LockoutThreshold != 5 {
		t.Errorf("unexpected LockoutThreshold default: %d", cfg.LockoutThreshold)
	}
	if cfg.HeartbeatInterval.Seconds() != 30 {
		t.Errorf("unexpected HeartbeatInterval default: %s", cfg.HeartbeatInterval)
	}
}

func TestLoadRequiresStoreDSNForPostgres(t *testing.T) {
	t.Setenv("CONTROLPLANE_ENV", "development")
	t.Setenv("STORE_DSN", "")
	t.Setenv("STORE_KIND", "postgres")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when STORE_DSN is empty and STORE_KIND=postgres")
	}
}

func TestLoadRejectsUnknownEnvironment(t *testing.T) {
	t.Setenv("CONTROLPLANE_ENV", "staging")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unrecognized CONTROLPLANE_ENV")
	}
}

func TestValidateRequiresTLSInProduction(t *testing.T) {
	cfg := &Config{
		Env:                    Production,
		LockoutThreshold:       5,
		HeartbeatMissThreshold: 3,
		LicenseEndpoint:        "https://license.example.com",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when TLS cert/key are unset in production")
	}

	cfg.TLSListenerCert = "/etc/tls/cert.pem"
	cfg.TLSListenerKey = "/etc/tls/key.pem"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error once TLS is configured: %v", err)
	}
}

func TestValidateRejectsNonPositiveThresholds(t *testing.T) {
	cfg := &Config{Env: Development, LockoutThreshold: 0, HeartbeatMissThreshold: 3}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero LockoutThreshold")
	}
}

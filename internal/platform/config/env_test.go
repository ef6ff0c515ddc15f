package config

import "testing"

type testConfig struct {
	Port int    `env:"CONFIG_TEST_PORT" envDefault:"8080"`
	Path string `env:"CONFIG_TEST_PATH" envDefault:"room.db"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg testConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("port = %d, want 8080", cfg.Port)
	}
	if cfg.Path != "room.db" {
		t.Fatalf("path = %q, want room.db", cfg.Path)
	}
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_TEST_PORT", "9090")

	var cfg testConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 9090 {
		t.Fatalf("port = %d, want 9090", cfg.Port)
	}
}

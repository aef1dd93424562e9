package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("server.origin", "http://localhost:3000")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != "127.0.0.1:7835" {
		t.Fatalf("unexpected default address %q", cfg.HTTPAddress)
	}
	if cfg.DrainInterval != 30*time.Second {
		t.Fatalf("unexpected default drain interval %v", cfg.DrainInterval)
	}
	if cfg.ProbeInterval != 15*time.Second {
		t.Fatalf("unexpected default probe interval %v", cfg.ProbeInterval)
	}
	if cfg.ReconnectBaseDelay != time.Second || cfg.ReconnectMaxDelay != 30*time.Second {
		t.Fatalf("unexpected reconnect delays %v, %v", cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay)
	}
	if cfg.MaxReconnectAttempts != 10 {
		t.Fatalf("unexpected attempt budget %d", cfg.MaxReconnectAttempts)
	}
}

func TestLoadRequiresOrigin(t *testing.T) {
	configViper := NewViper()

	if _, err := Load(configViper); err == nil || !strings.Contains(err.Error(), "server.origin") {
		t.Fatalf("expected missing origin error, got %v", err)
	}
}

func TestChannelURLSubstitutesSchemeOnly(t *testing.T) {
	cases := []struct {
		origin string
		want   string
	}{
		{"http://localhost:3000", "ws://localhost:3000"},
		{"http://192.168.1.24:3000/", "ws://192.168.1.24:3000"},
		{"https://shop.example.com", "wss://shop.example.com"},
		{"ws://localhost:3000", "ws://localhost:3000"},
	}

	for _, testCase := range cases {
		cfg := AppConfig{Origin: testCase.origin}
		got, err := cfg.ChannelURL()
		if err != nil {
			t.Fatalf("origin %q: unexpected error %v", testCase.origin, err)
		}
		if got != testCase.want {
			t.Fatalf("origin %q: want %q got %q", testCase.origin, testCase.want, got)
		}
	}
}

func TestChannelURLRejectsUnsupportedScheme(t *testing.T) {
	cfg := AppConfig{Origin: "ftp://localhost"}
	if _, err := cfg.ChannelURL(); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestRESTBaseURLTrimsTrailingSlash(t *testing.T) {
	cfg := AppConfig{Origin: "http://localhost:3000/"}
	if got := cfg.RESTBaseURL(); got != "http://localhost:3000" {
		t.Fatalf("unexpected base URL %q", got)
	}
}

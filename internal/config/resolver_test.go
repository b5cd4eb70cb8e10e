package config

import (
	"errors"
	"testing"
)

func TestResolve(t *testing.T) {
	defaults := ProcessConfig{DefaultURL: "https://u0.example/v1", DefaultKey: "k0"}

	tests := []struct {
		name       string
		override   Override
		defaults   ProcessConfig
		wantURL    string
		wantAuth   string
		wantErr    error
	}{
		{"defaults only", Override{}, defaults, "https://u0.example/v1", "Bearer k0", nil},
		{"url override wins", Override{URL: "https://u1.example/v1"}, defaults, "https://u1.example/v1", "Bearer k0", nil},
		{"credential override wins", Override{Credential: "k1"}, defaults, "https://u0.example/v1", "Bearer k1", nil},
		{"override with scheme kept raw", Override{Credential: "Bearer k1"}, defaults, "https://u0.example/v1", "Bearer k1", nil},
		{"other scheme kept raw", Override{Credential: "Basic Zm9vOmJhcg=="}, defaults, "https://u0.example/v1", "Basic Zm9vOmJhcg==", nil},
		{"bare scheme falls back", Override{Credential: "Bearer "}, defaults, "https://u0.example/v1", "Bearer k0", nil},
		{"trailing slash trimmed", Override{URL: "https://u1.example/v1/"}, defaults, "https://u1.example/v1", "Bearer k0", nil},
		{"no url anywhere", Override{}, ProcessConfig{DefaultKey: "k0"}, "", "", ErrMissingURL},
		{"no credential anywhere", Override{URL: "https://u1.example"}, ProcessConfig{}, "", "", ErrMissingCredential},
		{"blank override credential", Override{Credential: "   "}, ProcessConfig{DefaultURL: "https://u0.example"}, "", "", ErrMissingCredential},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pc, err := Resolve(tc.override, tc.defaults)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Expected error %v, got %v", tc.wantErr, err)
				}
				if !IsConfigurationError(err) {
					t.Errorf("Expected a ConfigurationError, got %T", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if pc.TargetURL != tc.wantURL {
				t.Errorf("Expected URL %q, got %q", tc.wantURL, pc.TargetURL)
			}
			if pc.AuthHeader != tc.wantAuth {
				t.Errorf("Expected auth %q, got %q", tc.wantAuth, pc.AuthHeader)
			}
		})
	}
}

func TestConfigurationErrorHidesValues(t *testing.T) {
	_, err := Resolve(Override{URL: "https://secret-host.internal"}, ProcessConfig{})
	if err == nil {
		t.Fatal("Expected error")
	}
	if got := err.Error(); got != "missing configuration: credential" {
		t.Errorf("Unexpected message %q", got)
	}
}

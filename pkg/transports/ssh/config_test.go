package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")

	if config.Host != "example.com" {
		t.Errorf("expected host 'example.com', got '%s'", config.Host)
	}
	if config.Port != 22 {
		t.Errorf("expected port 22, got %d", config.Port)
	}
	if config.AuthMethod != AuthMethodKey {
		t.Errorf("expected auth method 'key', got '%s'", config.AuthMethod)
	}
	if config.ConnectionTimeout != 30*time.Second {
		t.Errorf("expected connection timeout 30s, got %v", config.ConnectionTimeout)
	}
	if config.UseSudo {
		t.Error("sudo should be off by default")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name       string
		modifyFunc func(*Config)
		errorMsg   string
	}{
		{
			name: "valid config",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
			},
		},
		{
			name:       "missing host",
			modifyFunc: func(c *Config) { c.Host = "" },
			errorMsg:   "host is required",
		},
		{
			name:       "invalid port",
			modifyFunc: func(c *Config) { c.Port = 70000 },
			errorMsg:   "invalid port",
		},
		{
			name:       "missing user",
			modifyFunc: func(c *Config) { c.User = "" },
			errorMsg:   "user is required",
		},
		{
			name: "password auth without password",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = ""
			},
			errorMsg: "password is required",
		},
		{
			name:       "key auth with missing key",
			modifyFunc: func(c *Config) { c.PrivateKeyPath = "/nonexistent/key" },
			errorMsg:   "private key file not found",
		},
		{
			name:       "unknown auth method",
			modifyFunc: func(c *Config) { c.AuthMethod = "agent" },
			errorMsg:   "unsupported auth method",
		},
		{
			name: "invalid connection timeout",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.ConnectionTimeout = 0
			},
			errorMsg: "connection timeout must be positive",
		},
		{
			name: "negative keep-alive",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
				c.KeepAliveInterval = -time.Second
			},
			errorMsg: "keep-alive interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("example.com", "testuser")
			tt.modifyFunc(config)

			err := config.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("expected no error, got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing '%s', got nil", tt.errorMsg)
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing '%s', got '%s'", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestConfigAddress(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")
	config.Port = 2222

	if address := config.Address(); address != "example.com:2222" {
		t.Errorf("expected address 'example.com:2222', got '%s'", address)
	}
	if s := config.String(); s != "testuser@example.com:2222" {
		t.Errorf("expected 'testuser@example.com:2222', got '%s'", s)
	}

	config.Host = "fd00::5"
	if address := config.Address(); address != "[fd00::5]:2222" {
		t.Errorf("expected bracketed IPv6 address, got '%s'", address)
	}
}

func TestConfigValidationReportsEveryProblem(t *testing.T) {
	config := &Config{AuthMethod: AuthMethodPassword}
	err := config.Validate()
	if err == nil {
		t.Fatal("expected an error for an empty config")
	}
	for _, want := range []string{"host is required", "invalid port", "user is required", "password is required", "connection timeout"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %q, got %q", want, err.Error())
		}
	}
}

func TestFindDefaultKey(t *testing.T) {
	home := t.TempDir()
	if got := findDefaultKey(home); got != "" {
		t.Errorf("expected no key, got %s", got)
	}

	if err := os.MkdirAll(filepath.Join(home, ".ssh"), 0o700); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"id_rsa", "id_ecdsa"} {
		if err := os.WriteFile(filepath.Join(home, ".ssh", name), []byte("key"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if got, want := findDefaultKey(home), filepath.Join(home, ".ssh", "id_ecdsa"); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestBuildSSHClientConfig(t *testing.T) {
	t.Run("password authentication", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.StrictHostKeyChecking = false

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if clientConfig.User != "testuser" {
			t.Errorf("expected user 'testuser', got '%s'", clientConfig.User)
		}
		// password plus keyboard-interactive
		if len(clientConfig.Auth) != 2 {
			t.Errorf("expected 2 auth methods, got %d", len(clientConfig.Auth))
		}
		if clientConfig.Timeout != 30*time.Second {
			t.Errorf("expected timeout 30s, got %v", clientConfig.Timeout)
		}
	})

	t.Run("key authentication with valid key", func(t *testing.T) {
		keyPath := filepath.Join(t.TempDir(), "test_key")

		_, privKey, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("failed to generate test key: %v", err)
		}
		pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
		if err != nil {
			t.Fatalf("failed to marshal key: %v", err)
		}
		if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0600); err != nil {
			t.Fatalf("failed to write test key: %v", err)
		}

		config := DefaultConfig("example.com", "testuser")
		config.PrivateKeyPath = keyPath
		config.StrictHostKeyChecking = false

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(clientConfig.Auth) != 1 {
			t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
		}
	})

	t.Run("unreadable key", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.PrivateKeyPath = filepath.Join(t.TempDir(), "missing")
		if _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("expected error for missing key, got nil")
		}
	})

	t.Run("missing known_hosts with strict checking", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.KnownHostsPath = filepath.Join(t.TempDir(), "known_hosts")
		if _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("expected error for missing known_hosts, got nil")
		}
	})

	t.Run("strict checking without known_hosts path", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.KnownHostsPath = ""
		_, err := config.BuildSSHClientConfig()
		var terr *TransportError
		if !errors.As(err, &terr) || terr.Op != "known-hosts" {
			t.Errorf("expected a known-hosts transport error, got %v", err)
		}
	})

	t.Run("auth errors are flagged", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.PrivateKeyPath = filepath.Join(t.TempDir(), "missing")
		_, err := config.BuildSSHClientConfig()
		var terr *TransportError
		if !errors.As(err, &terr) || !terr.IsAuthError {
			t.Errorf("expected an auth transport error, got %v", err)
		}
	})
}

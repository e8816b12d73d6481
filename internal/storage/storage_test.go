package storage

import "testing"

func TestOpenUnknownType(t *testing.T) {
	if _, err := Open(&Config{Type: "bolt"}); err == nil {
		t.Fatal("Open with unregistered type succeeded")
	}
}

func TestRegisterDispatch(t *testing.T) {
	called := false
	Register("fake", func(cfg *Config) (DB, error) {
		called = true
		return nil, nil
	})
	if _, err := Open(&Config{Type: "fake"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !called {
		t.Fatal("registered opener was not invoked")
	}
}

func TestConfigSeparator(t *testing.T) {
	var cfg Config
	if sep := cfg.Separator("git"); sep != "/" {
		t.Fatalf("default separator %q, want /", sep)
	}
	cfg.PathSeparator = func(toolID string) string {
		if toolID == "doc" {
			return "."
		}
		return ""
	}
	if sep := cfg.Separator("doc"); sep != "." {
		t.Fatalf("doc separator %q, want .", sep)
	}
	if sep := cfg.Separator("git"); sep != "/" {
		t.Fatalf("empty per-tool separator yielded %q, want /", sep)
	}
}

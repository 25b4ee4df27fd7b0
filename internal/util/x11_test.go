package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveDisplay(t *testing.T) {
	t.Parallel()

	socketDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(socketDir, "X0"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		configured string
		env        string
		want       string
		wantErr    bool
	}{
		{"nothing set", "", "", "", false},
		{"from environment", "", ":0", ":0", false},
		{"configured wins", ":0.0", ":1", ":0.0", false},
		{"remote display", "", "gpu-node:10.0", "gpu-node:10.0", false},
		{"no local server", ":1", "", "", true},
		{"malformed", "", "display0", "", true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := resolveDisplay(tt.configured, tt.env, socketDir)
			if (err != nil) != tt.wantErr {
				t.Fatalf("resolveDisplay() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("resolveDisplay() = %q, want %q", got, tt.want)
			}
		})
	}
}

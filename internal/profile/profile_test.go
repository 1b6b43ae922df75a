package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	t.Setenv("WPPSYNC_HOME", "")
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".wppsync", "profiles", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestPathsUnderProfile(t *testing.T) {
	t.Setenv("WPPSYNC_HOME", "/srv/wppsync")
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"socket", SocketPath("sales"), "/srv/wppsync/profiles/sales/daemon.sock"},
		{"db", DBPath("sales"), "/srv/wppsync/profiles/sales/wppsync.db"},
		{"log", LogPath("sales"), "/srv/wppsync/profiles/sales/logs/wppsyncd.log"},
		{"config", ConfigPath(), "/srv/wppsync/config.toml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv("WPPSYNC_HOME", t.TempDir())
	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(LogDir("test"))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if !info.IsDir() || info.Mode().Perm() != 0700 {
		t.Errorf("log dir mode = %v", info.Mode())
	}
	if !strings.HasPrefix(LogDir("test"), Dir("test")) {
		t.Error("log dir outside the profile")
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		flag, configured, want string
	}{
		{"work", "sales", "work"},
		{"", "sales", "sales"},
		{"", "", "main"},
	}
	for _, tt := range tests {
		if got := Resolve(tt.flag, tt.configured); got != tt.want {
			t.Errorf("Resolve(%q, %q) = %q, want %q", tt.flag, tt.configured, got, tt.want)
		}
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with numbers", "work123", false},
		{"valid with hyphen", "my-profile", false},
		{"valid with underscore", "my_profile", false},
		{"valid max length", strings.Repeat("a", 64), false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"dot", "my.profile", true},
		{"too long", strings.Repeat("a", 65), true},
		{"slash", "my/profile", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

package desktop

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	t.Parallel()

	content := `[Desktop Entry]
# a comment
Name=RStudio
Exec=rstudio %F
Type=Application
Interfaces=org.leibniz-psychology.conductor.v1;
Categories=Development;

[Desktop Action new-window]
Name=New Window
`

	entry, err := Parse(strings.NewReader(content))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if entry.Name != "RStudio" {
		t.Fatalf("Name = %q", entry.Name)
	}
	if entry.Exec != "rstudio %F" {
		t.Fatalf("Exec = %q", entry.Exec)
	}
	if entry.Type != "Application" {
		t.Fatalf("Type = %q", entry.Type)
	}
	if !entry.HasInterface("org.leibniz-psychology.conductor.v1") {
		t.Fatal("interface not parsed")
	}
	if entry.Extra["Categories"] != "Development;" {
		t.Fatalf("Extra = %v", entry.Extra)
	}
	if entry.Name == "New Window" {
		t.Fatal("keys outside [Desktop Entry] must be ignored")
	}
}

func TestDiscover(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	appDir := filepath.Join(dataDir, "applications", "nested")
	if err := os.MkdirAll(appDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	app := "[Desktop Entry]\nName=Zed\nExec=zed\nType=Application\n"
	link := "[Desktop Entry]\nName=Docs\nType=Link\n"
	if err := os.WriteFile(filepath.Join(appDir, "zed.desktop"), []byte(app), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(appDir, "docs.desktop"), []byte(link), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(appDir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	entries := Discover([]string{dataDir, filepath.Join(dataDir, "missing")})

	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	// Shell is always present; Link-type entries and non-desktop files are
	// not; output is sorted by name.
	want := []string{"Shell", "Zed"}
	if len(names) != len(want) {
		t.Fatalf("entries = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("entries = %v, want %v", names, want)
		}
	}

	for _, e := range entries {
		if e.Name == "Zed" && e.ID != "nested-zed.desktop" {
			t.Fatalf("ID = %q, want nested-zed.desktop", e.ID)
		}
	}
}

func TestEntryArgv(t *testing.T) {
	t.Parallel()

	cases := []struct {
		exec string
		want []string
	}{
		{exec: "rstudio %F", want: []string{"rstudio", "%F"}},
		{exec: `"/opt/My App/run" --flag`, want: []string{"/opt/My App/run", "--flag"}},
		{exec: `sh -c 'exec jaspdesktop'`, want: []string{"sh", "-c", "exec jaspdesktop"}},
		{exec: "", want: nil},
	}

	for _, tc := range cases {
		got, err := Entry{Exec: tc.exec}.Argv()
		if err != nil {
			t.Fatalf("Argv(%q): %v", tc.exec, err)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("Argv(%q) = %v, want %v", tc.exec, got, tc.want)
		}
		for i := range tc.want {
			if got[i] != tc.want[i] {
				t.Fatalf("Argv(%q) = %v, want %v", tc.exec, got, tc.want)
			}
		}
	}
}

func TestEntryArgvUnbalancedQuote(t *testing.T) {
	t.Parallel()

	if _, err := (Entry{Exec: `"/opt/My App/run --flag`}).Argv(); err == nil {
		t.Fatal("expected error for unterminated quote")
	}
}

package guard

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const exported = `<!DOCTYPE html><html lang="en"><head><title>Agency</title></head><body>` +
	`<h1>Projects</h1><p>Read more</p><img alt="Home" src="a.png">` +
	badgeHTML +
	`</body></html>`

func localized(c *Config) { c.Localize.Enabled = true }

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func backups(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.bak_*"))
	if err != nil {
		t.Fatal(err)
	}
	return matches
}

func TestHardenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.html")
	writeFile(t, path, exported)

	cfg := DefaultConfig()
	localized(cfg)
	res, err := HardenFile(path, cfg, quiet)
	if err != nil {
		t.Fatal(err)
	}
	if res.Files != 1 || res.Badges != 1 || res.Translated < 3 || !res.Lang {
		t.Errorf("result: %+v", res)
	}

	out := readFile(t, path)
	for _, want := range []string{`lang="es"`, `<h1 data-translated="true">Proyectos</h1>`, "Leer más", `alt="Inicio"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "__framer-badge") {
		t.Error("badge kept")
	}

	bak := backups(t, dir)
	if len(bak) != 1 {
		t.Fatalf("backups: %v", bak)
	}
	if readFile(t, bak[0]) != exported {
		t.Error("backup is not the original")
	}

	// A second run finds nothing to do and leaves no new backup.
	res, err = HardenFile(path, cfg, quiet)
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed() {
		t.Errorf("second run changed: %+v", res)
	}
	if n := len(backups(t, dir)); n != 1 {
		t.Errorf("backups after second run: %d", n)
	}
}

func TestHardenFile_BadgesOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.html")
	writeFile(t, path, exported)

	res, err := HardenFile(path, nil, quiet)
	if err != nil {
		t.Fatal(err)
	}
	if res.Badges != 1 || res.Translated != 0 || res.Lang {
		t.Errorf("result: %+v", res)
	}
	if out := readFile(t, path); !strings.Contains(out, "Read more") || !strings.Contains(out, `lang="en"`) {
		t.Errorf("text or lang touched without localization:\n%s", out)
	}
}

func TestHardenFile_Missing(t *testing.T) {
	if _, err := HardenFile(filepath.Join(t.TempDir(), "nope.html"), nil, quiet); err == nil {
		t.Fatal("want error")
	}
}

func TestHardenPath_Directory(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "blog")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "index.html"), exported)
	writeFile(t, filepath.Join(sub, "post.htm"), exported)
	writeFile(t, filepath.Join(dir, "about"), "<!doctype html><html><body>"+badgeHTML+"</body></html>")
	writeFile(t, filepath.Join(dir, "index.html.bak_20250101_000000"), exported)
	writeFile(t, filepath.Join(dir, "notes.txt"), badgeHTML)
	writeFile(t, filepath.Join(dir, "LICENSE"), "MIT")

	res, err := HardenPath(dir, nil, quiet)
	if err != nil {
		t.Fatal(err)
	}
	if res.Files != 3 || res.Badges != 3 {
		t.Errorf("result: %+v", res)
	}
	if got := readFile(t, filepath.Join(dir, "index.html.bak_20250101_000000")); got != exported {
		t.Error("old backup rewritten")
	}
	if got := readFile(t, filepath.Join(dir, "notes.txt")); got != badgeHTML {
		t.Error("non-HTML file rewritten")
	}
}

func TestIsHTMLFile(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]struct {
		content string
		want    bool
	}{
		"a.html":   {"", true},
		"b.HTM":    {"", true},
		"c.css":    {"<html>", false},
		"page":     {"\n<!DOCTYPE HTML>\n<html>", true},
		"README":   {"plain text", false},
		"data.bin": {"<html>", false},
	}
	for name, c := range cases {
		p := filepath.Join(dir, name)
		writeFile(t, p, c.content)
		if got := isHTMLFile(p); got != c.want {
			t.Errorf("%s: got %v, want %v", name, got, c.want)
		}
	}
}

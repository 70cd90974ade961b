package guard

import (
	"bytes"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/domguard/dom"
	"github.com/hazyhaar/domguard/guard/internal/badge"
	"github.com/hazyhaar/domguard/guard/internal/config"
	"github.com/hazyhaar/domguard/guard/internal/localize"
)

// HardenResult counts what an offline pass changed.
type HardenResult struct {
	Files      int  `json:"files"`
	Badges     int  `json:"badges"`
	Translated int  `json:"translated"`
	Lang       bool `json:"lang"` // html lang attribute set
}

// Changed reports whether anything was rewritten.
func (r HardenResult) Changed() bool {
	return r.Badges > 0 || r.Translated > 0 || r.Lang
}

func (r *HardenResult) add(o HardenResult) {
	r.Files += o.Files
	r.Badges += o.Badges
	r.Translated += o.Translated
	r.Lang = r.Lang || o.Lang
}

// Harden applies the static part of the guard to doc once: badges are
// removed and, when localization is enabled, text is translated and the
// document language set. Nothing is observed afterwards.
func Harden(doc *dom.Document, cfg *Config, logger *slog.Logger) (HardenResult, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	var res HardenResult

	if !cfg.Badges.Disabled {
		r, err := badge.NewRemover(cfg.Badges.Rules, logger)
		if err != nil {
			return res, fmt.Errorf("guard: harden: %w", err)
		}
		res.Badges = r.Remove(doc)
	}

	if cfg.Localize.Enabled {
		tr, err := loadTranslator(cfg.Localize.Dictionary)
		if err != nil {
			return res, err
		}
		l := localize.New(doc, tr, nil, localize.Options{Marker: cfg.Localize.Marker}, logger)
		res.Translated = len(l.Pass())
		if el := htmlElement(doc); el != nil && cfg.Localize.Lang != "" {
			if cur, _ := dom.Attr(el, "lang"); cur != cfg.Localize.Lang {
				if err := doc.SetAttr(el, "lang", cfg.Localize.Lang); err != nil {
					return res, fmt.Errorf("guard: harden: lang: %w", err)
				}
				res.Lang = true
			}
		}
	}
	return res, nil
}

func htmlElement(doc *dom.Document) *html.Node {
	for n := doc.Root().FirstChild; n != nil; n = n.NextSibling {
		if dom.IsElement(n) && dom.Tag(n) == "html" {
			return n
		}
	}
	return nil
}

// HardenFile hardens one exported HTML file in place. The original is kept
// next to it as <name>.bak_<timestamp> when anything changed.
func HardenFile(path string, cfg *Config, logger *slog.Logger) (HardenResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return HardenResult{}, fmt.Errorf("guard: harden: %w", err)
	}
	doc, err := dom.Parse(bytes.NewReader(src))
	if err != nil {
		return HardenResult{}, fmt.Errorf("guard: harden: parse %s: %w", path, err)
	}
	res, err := Harden(doc, cfg, logger)
	if err != nil {
		return res, err
	}
	res.Files = 1
	if !res.Changed() {
		return res, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return res, fmt.Errorf("guard: harden: %w", err)
	}
	backup := path + ".bak_" + time.Now().Format("20060102_150405")
	if err := os.WriteFile(backup, src, info.Mode().Perm()); err != nil {
		return res, fmt.Errorf("guard: harden: backup: %w", err)
	}
	var out bytes.Buffer
	if err := doc.Render(&out); err != nil {
		return res, fmt.Errorf("guard: harden: render: %w", err)
	}
	if err := os.WriteFile(path, out.Bytes(), info.Mode().Perm()); err != nil {
		return res, fmt.Errorf("guard: harden: write: %w", err)
	}
	logger.Info("guard: hardened", "file", path, "backup", filepath.Base(backup),
		"badges", res.Badges, "translated", res.Translated)
	return res, nil
}

// HardenPath hardens path, or every HTML file below it when it is a
// directory. Backups left by earlier runs are skipped.
func HardenPath(path string, cfg *Config, logger *slog.Logger) (HardenResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return HardenResult{}, fmt.Errorf("guard: harden: %w", err)
	}
	if !info.IsDir() {
		return HardenFile(path, cfg, logger)
	}

	var total HardenResult
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || isBackup(d.Name()) || !isHTMLFile(p) {
			return nil
		}
		res, err := HardenFile(p, cfg, logger)
		if err != nil {
			return err
		}
		total.add(res)
		return nil
	})
	return total, err
}

func isBackup(name string) bool {
	return strings.Contains(name, ".bak_") || strings.HasSuffix(name, ".bak")
}

// isHTMLFile accepts *.html, and extensionless files that start like HTML.
func isHTMLFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return true
	case "":
	default:
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	head := make([]byte, 2048)
	n, _ := f.Read(head)
	head = bytes.ToLower(head[:n])
	return bytes.Contains(head, []byte("<html")) || bytes.Contains(head, []byte("<!doctype html"))
}

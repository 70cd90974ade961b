package localize

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadSettle is how long a dictionary file must stay quiet before reload.
const reloadSettle = 200 * time.Millisecond

// Watch reloads the dictionary at path whenever it changes, until ctx is
// done. A dictionary that fails to load is logged and the previous one
// stays active. After a reload a pass is posted to the loop so unmarked
// elements pick up the new entries.
func (l *Localizer) Watch(ctx context.Context, path string) error {
	path = filepath.Clean(path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("localize: watch: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors replace files by rename.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("localize: watch %s: %w", path, err)
	}
	l.logger.Info("localize: watching dictionary", "path", path)

	ticker := time.NewTicker(reloadSettle / 2)
	defer ticker.Stop()
	var changedAt time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				changedAt = time.Now()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("localize: watch error", "error", err)
		case <-ticker.C:
			if changedAt.IsZero() || time.Since(changedAt) < reloadSettle {
				continue
			}
			changedAt = time.Time{}
			l.reload(path)
		}
	}
}

func (l *Localizer) reload(path string) {
	d, err := LoadDictionary(path)
	if err != nil {
		l.logger.Warn("localize: reload failed, keeping previous dictionary", "path", path, "error", err)
		return
	}
	tr, err := NewTranslator(d)
	if err != nil {
		l.logger.Warn("localize: reload failed, keeping previous dictionary", "path", path, "error", err)
		return
	}
	l.SetTranslator(tr)
	l.logger.Info("localize: dictionary reloaded", "path", path,
		"phrases", len(d.Phrases), "words", len(d.Words))
	if l.rt != nil {
		l.rt.Post(func() {
			if !l.stopped {
				l.Pass()
			}
		})
	}
}

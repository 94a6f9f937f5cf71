// Package watch discovers documents dropped into directories and feeds them
// to the ingestion pipeline.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"projectlens/internal/classifier"
	"projectlens/internal/pipeline"
)

// mediaTypes maps accepted extensions (lowercase, without '.') to the media
// type declared on upload.
var mediaTypes = map[string]string{
	"pdf":  classifier.MediaPDF,
	"docx": classifier.MediaDOCX,
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"webp": "image/webp",
	"tif":  "image/tiff",
	"tiff": "image/tiff",
}

type Config struct {
	Roots       []string // watched recursively
	InitialScan bool     // emit files already present
	Debounce    time.Duration
}

// Start watches cfg.Roots and emits paths of accepted files once they stop
// changing for cfg.Debounce. Both channels close when ctx is done.
func Start(ctx context.Context, cfg Config) (<-chan string, <-chan error, error) {
	if len(cfg.Roots) == 0 {
		return nil, nil, errors.New("watch: no roots provided")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("watch: %w", err)
	}

	var initial []string
	for _, root := range cfg.Roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() {
				return w.Add(path)
			}
			if cfg.InitialScan && Accepted(path) {
				initial = append(initial, path)
			}
			return nil
		})
		if err != nil {
			_ = w.Close()
			return nil, nil, fmt.Errorf("watch %s: %w", root, err)
		}
	}

	paths := make(chan string, 256)
	errs := make(chan error, 1)
	go loop(ctx, w, cfg.Debounce, initial, paths, errs)
	return paths, errs, nil
}

func loop(ctx context.Context, w *fsnotify.Watcher, debounce time.Duration, initial []string, paths chan<- string, errs chan<- error) {
	defer close(errs)
	defer close(paths)
	defer w.Close()

	log := slog.Default().With("component", "watch")
	pending := map[string]time.Time{}
	for _, p := range initial {
		pending[p] = time.Time{}
	}

	tick := debounce / 2
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	flush := func(now time.Time) bool {
		for p, last := range pending {
			if now.Sub(last) < debounce {
				continue
			}
			select {
			case paths <- p:
				delete(pending, p)
			case <-ctx.Done():
				return false
			}
		}
		return true
	}
	if !flush(time.Now()) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-w.Events:
			if !ok {
				return
			}
			if e.Has(fsnotify.Create) {
				if info, err := os.Stat(e.Name); err == nil && info.IsDir() {
					if err := w.Add(e.Name); err != nil {
						log.Warn("watch.add.error", "path", e.Name, "error", err)
					}
					continue
				}
			}
			if e.Has(fsnotify.Remove) {
				delete(pending, e.Name)
				continue
			}
			if Accepted(e.Name) && (e.Has(fsnotify.Create) || e.Has(fsnotify.Write) || e.Has(fsnotify.Rename)) {
				pending[e.Name] = time.Now()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Error("watch.error", "error", err)
			select {
			case errs <- err:
			default:
			}
		case now := <-ticker.C:
			if !flush(now) {
				return
			}
		}
	}
}

// Accepted reports whether path has an extension the pipeline can ingest.
// Hidden and temporary files are skipped.
func Accepted(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "~$") {
		return false
	}
	_, ok := mediaTypes[ext(path)]
	return ok
}

// MediaType returns the declared media type for path, or "" to let the
// classifier sniff it.
func MediaType(path string) string {
	return mediaTypes[ext(path)]
}

func ext(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}

// Submitter is satisfied by *pipeline.Pipeline.
type Submitter interface {
	Submit(ctx context.Context, up pipeline.Upload) <-chan pipeline.Outcome
}

// Feed reads every path from paths and submits it under projectID. done, if
// set, is called once per path with the outcome, always from the same
// goroutine. Feed returns when paths is
// closed and every submission has finished, or when ctx is done.
func Feed(ctx context.Context, paths <-chan string, sub Submitter, projectID string, done func(path string, out pipeline.Outcome)) {
	log := slog.Default().With("component", "watch")
	type inflight struct {
		path string
		ch   <-chan pipeline.Outcome
	}
	results := make(chan inflight, 64)
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		for f := range results {
			var out pipeline.Outcome
			select {
			case out = <-f.ch:
			case <-ctx.Done():
				out = pipeline.Outcome{Err: ctx.Err()}
			}
			if out.Err != nil {
				log.Warn("watch.ingest.error", "path", f.path, "error", out.Err)
			} else {
				log.Info("watch.ingest.ok", "path", f.path, "doc_id", out.Report.Document.ID, "duplicate", out.Report.Duplicate)
			}
			if done != nil {
				done(f.path, out)
			}
		}
	}()

	defer func() {
		close(results)
		<-finished
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-paths:
			if !ok {
				return
			}
			var ch <-chan pipeline.Outcome
			if data, err := os.ReadFile(p); err != nil {
				failed := make(chan pipeline.Outcome, 1)
				failed <- pipeline.Outcome{Err: fmt.Errorf("read %s: %w", p, err)}
				ch = failed
			} else {
				ch = sub.Submit(ctx, pipeline.Upload{
					Name:      filepath.Base(p),
					Data:      data,
					MediaType: MediaType(p),
					ProjectID: projectID,
				})
			}
			select {
			case results <- inflight{path: p, ch: ch}:
			case <-ctx.Done():
				return
			}
		}
	}
}

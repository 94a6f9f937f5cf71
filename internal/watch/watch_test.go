package watch

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"projectlens/internal/domain"
	"projectlens/internal/pipeline"
)

func collect(t *testing.T, ch <-chan string, n int) []string {
	t.Helper()
	var got []string
	timeout := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case p, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d paths", len(got))
			}
			got = append(got, p)
		case <-timeout:
			t.Fatalf("timed out after %d of %d paths: %v", len(got), n, got)
		}
	}
	sort.Strings(got)
	return got
}

// ========== Accepted / MediaType ==========

func TestAccepted(t *testing.T) {
	tests := map[string]bool{
		"charter.pdf":        true,
		"Plan.DOCX":          true,
		"scan.jpeg":          true,
		"notes.txt":          false,
		".hidden.pdf":        false,
		"~$draft.docx":       false,
		"dir/sub/budget.png": true,
	}
	for path, want := range tests {
		assert.Equal(t, want, Accepted(path), path)
	}
	assert.Equal(t, "application/pdf", MediaType("a.PDF"))
	assert.Equal(t, "", MediaType("a.bin"))
}

// ========== Start ==========

func TestStart_InitialScan(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.pdf"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.docx"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.txt"), []byte("x"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	paths, _, err := Start(ctx, Config{Roots: []string{dir}, InitialScan: true})
	require.NoError(t, err)

	got := collect(t, paths, 2)
	assert.Equal(t, []string{filepath.Join(dir, "a.pdf"), filepath.Join(dir, "sub", "b.docx")}, got)
}

func TestStart_NewFiles(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	paths, _, err := Start(ctx, Config{Roots: []string{dir}, Debounce: 20 * time.Millisecond})
	require.NoError(t, err)

	target := filepath.Join(dir, "new.pdf")
	require.NoError(t, os.WriteFile(target, []byte("first"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0644))

	got := collect(t, paths, 1)
	assert.Equal(t, []string{target}, got)
}

func TestStart_ClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	paths, errs, err := Start(ctx, Config{Roots: []string{t.TempDir()}})
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-paths:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("paths not closed")
	}
	_, ok := <-errs
	assert.False(t, ok)
}

func TestStart_NoRoots(t *testing.T) {
	_, _, err := Start(context.Background(), Config{})
	assert.Error(t, err)
}

// ========== Feed ==========

type fakeSubmitter struct {
	mu      sync.Mutex
	uploads []pipeline.Upload
}

func (f *fakeSubmitter) Submit(_ context.Context, up pipeline.Upload) <-chan pipeline.Outcome {
	f.mu.Lock()
	f.uploads = append(f.uploads, up)
	f.mu.Unlock()
	ch := make(chan pipeline.Outcome, 1)
	ch <- pipeline.Outcome{Report: &pipeline.Report{Document: domain.Document{ID: domain.DocumentID(up.Data), Name: up.Name}}}
	return ch
}

func TestFeed(t *testing.T) {
	dir := t.TempDir()
	pdf := filepath.Join(dir, "charter.pdf")
	require.NoError(t, os.WriteFile(pdf, []byte("%PDF-1.4"), 0644))

	paths := make(chan string, 2)
	paths <- pdf
	paths <- filepath.Join(dir, "missing.pdf")
	close(paths)

	sub := &fakeSubmitter{}
	outcomes := map[string]pipeline.Outcome{}
	Feed(context.Background(), paths, sub, "proj-1", func(p string, out pipeline.Outcome) {
		outcomes[p] = out
	})

	require.Len(t, sub.uploads, 1)
	assert.Equal(t, "charter.pdf", sub.uploads[0].Name)
	assert.Equal(t, "application/pdf", sub.uploads[0].MediaType)
	assert.Equal(t, "proj-1", sub.uploads[0].ProjectID)

	require.Len(t, outcomes, 2)
	assert.NoError(t, outcomes[pdf].Err)
	assert.Equal(t, domain.DocumentID([]byte("%PDF-1.4")), outcomes[pdf].Report.Document.ID)
	assert.Error(t, outcomes[filepath.Join(dir, "missing.pdf")].Err)
}

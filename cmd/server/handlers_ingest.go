package main

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"projectlens/internal/domain"
	"projectlens/internal/pipeline"
)

// IngestProgress is polled by the frontend to show progress.
type IngestProgress struct {
	Phase       string       `json:"phase"` // idle, processing, done
	FilesTotal  int          `json:"files_total"`
	FilesDone   int          `json:"files_done"`
	ChunksTotal int          `json:"chunks_total"`
	ChunksDone  int          `json:"chunks_done"`
	Documents   []DocStatus  `json:"documents,omitempty"`
	FileResults []FileResult `json:"file_results,omitempty"`
}

// IngestStatus accumulates progress across upload batches.
type IngestStatus struct {
	mu       sync.RWMutex
	state    IngestProgress
	progress map[string]pipeline.Event
}

// DocStatus is the latest progress of one in-flight document.
type DocStatus struct {
	DocumentID  string `json:"document_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	ChunksTotal int    `json:"chunks_total"`
	ChunksDone  int    `json:"chunks_done"`
}

// FileResult tracks per-file processing outcome.
type FileResult struct {
	Name       string `json:"name"`
	DocumentID string `json:"document_id,omitempty"`
	Status     string `json:"status"`
	Duplicate  bool   `json:"duplicate,omitempty"`
	Chunks     int    `json:"chunks"`
	Metadata   string `json:"metadata,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

func newIngestStatus() *IngestStatus {
	return &IngestStatus{state: IngestProgress{Phase: "idle"}, progress: map[string]pipeline.Event{}}
}

// begin registers n new files. A finished batch is cleared first.
func (s *IngestStatus) begin(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Phase != "processing" {
		s.state = IngestProgress{}
		s.progress = map[string]pipeline.Event{}
	}
	s.state.FilesTotal += n
	s.state.Phase = "processing"
}

func (s *IngestStatus) record(ev pipeline.Event) {
	if ev.DocumentID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[ev.DocumentID] = ev
}

func (s *IngestStatus) finish(r FileResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.FilesDone++
	s.state.FileResults = append(s.state.FileResults, r)
	if s.state.FilesDone >= s.state.FilesTotal {
		s.state.Phase = "done"
	}
}

func (s *IngestStatus) snapshot() IngestProgress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := IngestProgress{
		Phase:       s.state.Phase,
		FilesTotal:  s.state.FilesTotal,
		FilesDone:   s.state.FilesDone,
		FileResults: append([]FileResult(nil), s.state.FileResults...),
	}
	for _, ev := range s.progress {
		out.ChunksTotal += ev.ChunksTotal
		out.ChunksDone += ev.ChunksDone
		out.Documents = append(out.Documents, DocStatus{
			DocumentID:  ev.DocumentID,
			Name:        ev.Name,
			Status:      ev.Status,
			ChunksTotal: ev.ChunksTotal,
			ChunksDone:  ev.ChunksDone,
		})
	}
	sort.Slice(out.Documents, func(i, j int) bool { return out.Documents[i].Name < out.Documents[j].Name })
	return out
}

func fileResult(name string, out pipeline.Outcome) FileResult {
	if out.Err != nil {
		r := FileResult{Name: name, Status: domain.StatusFailed, Reason: domain.Reason(out.Err), Error: out.Err.Error()}
		if out.Report != nil {
			r.DocumentID = out.Report.Document.ID
		}
		return r
	}
	doc := out.Report.Document
	return FileResult{
		Name:       name,
		DocumentID: doc.ID,
		Status:     doc.Status,
		Duplicate:  out.Report.Duplicate,
		Chunks:     doc.ChunkCount,
		Metadata:   doc.MetadataState,
		Reason:     doc.Reason,
	}
}

// ========== File Upload & Ingestion Endpoints ==========

// handleUpload ingests every file of a multipart form. By default it waits
// for the outcomes; with async=true it returns 202 and progress is reported
// through /api/ingest/status and /api/ingest/ws.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			jsonFail(w, domain.ErrPayloadTooLarge)
			return
		}
		jsonErr(w, "Failed to parse upload: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	projectID := r.FormValue("project_id")
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		files = r.MultipartForm.File["file"]
	}
	if len(files) == 0 {
		jsonErr(w, "No files uploaded", http.StatusBadRequest)
		return
	}

	uploads := make([]pipeline.Upload, 0, len(files))
	for _, fh := range files {
		data, err := readPart(fh)
		if err != nil {
			jsonErr(w, "Failed to read "+fh.Filename+": "+err.Error(), http.StatusBadRequest)
			return
		}
		uploads = append(uploads, pipeline.Upload{
			Name:      fh.Filename,
			Data:      data,
			MediaType: fh.Header.Get("Content-Type"),
			ProjectID: projectID,
		})
	}

	s.ingestStatus.begin(len(uploads))
	async := r.FormValue("async") == "true"
	// Async ingestion must outlive the request.
	ctx := r.Context()
	if async {
		ctx = context.WithoutCancel(ctx)
	}

	// Submit blocks while every worker is busy, so async batches submit
	// from the collecting goroutine.
	submit := func() []<-chan pipeline.Outcome {
		pending := make([]<-chan pipeline.Outcome, len(uploads))
		for i, up := range uploads {
			pending[i] = s.app.Pipeline.Submit(ctx, up)
		}
		return pending
	}

	collect := func(pending []<-chan pipeline.Outcome) ([]FileResult, []error) {
		results := make([]FileResult, len(uploads))
		errs := make([]error, len(uploads))
		for i, ch := range pending {
			out := <-ch
			results[i], errs[i] = fileResult(uploads[i].Name, out), out.Err
			s.ingestStatus.finish(results[i])
			if out.Err != nil {
				s.logger.Warn("server.ingest.error", "file", uploads[i].Name, "error", out.Err)
			}
		}
		return results, errs
	}

	if async {
		ids := make([]string, len(uploads))
		for i, up := range uploads {
			ids[i] = domain.DocumentID(up.Data)
		}
		go func() { collect(submit()) }()
		jsonStatus(w, http.StatusAccepted, map[string]interface{}{"document_ids": ids, "count": len(ids)})
		return
	}

	results, errs := collect(submit())
	if len(results) == 1 && errs[0] != nil {
		jsonFail(w, errs[0])
		return
	}
	jsonResp(w, map[string]interface{}{"results": results, "count": len(results)})
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *Server) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, s.ingestStatus.snapshot())
}

// ========== Progress stream ==========

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// progressHub fans pipeline events out to websocket subscribers. Slow
// subscribers miss events rather than stall ingestion.
type progressHub struct {
	mu   sync.Mutex
	subs map[chan pipeline.Event]struct{}
}

func newProgressHub() *progressHub {
	return &progressHub{subs: map[chan pipeline.Event]struct{}{}}
}

func (h *progressHub) subscribe() chan pipeline.Event {
	ch := make(chan pipeline.Event, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *progressHub) unsubscribe(ch chan pipeline.Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (h *progressHub) broadcast(ev pipeline.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Server) handleIngestWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("server.ws.upgrade.error", "error", err)
		return
	}
	defer conn.Close()

	events := s.hub.subscribe()
	defer s.hub.unsubscribe(events)

	// The reader only watches for the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(s.ingestStatus.snapshot()); err != nil {
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

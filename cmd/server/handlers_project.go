package main

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"projectlens/internal/domain"
	"projectlens/internal/metadata"
	"projectlens/internal/pipeline"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ProjectSummary groups documents by project id.
type ProjectSummary struct {
	ProjectID string    `json:"project_id"`
	Documents int       `json:"documents"`
	Ready     int       `json:"ready"`
	Failed    int       `json:"failed"`
	Updated   time.Time `json:"updated_at"`
}

// ========== Project Endpoints ==========

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	docs, err := s.app.Docs.List(r.Context())
	if err != nil {
		jsonFail(w, err)
		return
	}
	byID := map[string]*ProjectSummary{}
	for _, d := range docs {
		p, ok := byID[d.ProjectID]
		if !ok {
			p = &ProjectSummary{ProjectID: d.ProjectID}
			byID[d.ProjectID] = p
		}
		p.Documents++
		switch d.Status {
		case domain.StatusReady:
			p.Ready++
		case domain.StatusFailed:
			p.Failed++
		}
		if d.UpdatedAt.After(p.Updated) {
			p.Updated = d.UpdatedAt
		}
	}
	out := make([]ProjectSummary, 0, len(byID))
	for _, p := range byID {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Updated.After(out[j].Updated) })
	jsonResp(w, out)
}

// ========== Document Endpoints ==========

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.app.Docs.List(r.Context())
	if err != nil {
		jsonFail(w, err)
		return
	}
	project, status := r.URL.Query().Get("project_id"), r.URL.Query().Get("status")
	out := make([]domain.Document, 0, len(docs))
	for _, d := range docs {
		if project != "" && d.ProjectID != project {
			continue
		}
		if status != "" && d.Status != status {
			continue
		}
		out = append(out, d)
	}
	jsonResp(w, out)
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.app.Docs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		jsonFail(w, err)
		return
	}
	jsonResp(w, doc)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.app.Remove(r.Context(), id); err != nil {
		jsonFail(w, err)
		return
	}
	s.logger.Info("server.document.deleted", "doc_id", id)
	jsonResp(w, map[string]string{"status": "deleted"})
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	res, err := s.app.Docs.Metadata(r.Context(), r.PathValue("id"))
	if err != nil {
		jsonFail(w, err)
		return
	}
	jsonResp(w, res)
}

func (s *Server) handleMetadataXLSX(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	doc, err := s.app.Docs.Get(ctx, r.PathValue("id"))
	if err != nil {
		jsonFail(w, err)
		return
	}
	res, err := s.app.Docs.Metadata(ctx, doc.ID)
	if err != nil {
		jsonFail(w, err)
		return
	}
	data, err := metadata.XLSX(res.Metadata)
	if err != nil {
		jsonFail(w, err)
		return
	}
	name := strings.TrimSuffix(doc.Name, filepath.Ext(doc.Name)) + ".xlsx"
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	_, _ = w.Write(data)
}

// handlePutMetadata stores metadata entered by hand, typically after
// automatic extraction asked for manual entry.
func (s *Server) handlePutMetadata(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	doc, err := s.app.Docs.Get(ctx, r.PathValue("id"))
	if err != nil {
		jsonFail(w, err)
		return
	}
	var m metadata.ProjectMetadata
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		jsonErr(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	prev, err := s.app.Docs.Metadata(ctx, doc.ID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		jsonFail(w, err)
		return
	}
	res, err := metadata.Manual(m, prev, time.Now())
	if err != nil {
		jsonFail(w, err)
		return
	}
	if err := s.app.Docs.SaveMetadata(ctx, doc.ID, res); err != nil {
		jsonFail(w, err)
		return
	}
	doc.MetadataState = pipeline.MetadataManual
	if doc.Reason == domain.ReasonManualEntry {
		doc.Reason = ""
	}
	if err := s.app.Docs.Save(ctx, doc); err != nil {
		jsonFail(w, err)
		return
	}
	jsonResp(w, res)
}

package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const maxUploadBytes = 32 << 20

// Server is the single-user HTTP surface. One mutex serializes all actions:
// each runs to completion before the next is accepted, so there is exactly
// one writer to the session at a time.
type Server struct {
	cfg Config
	db  *sql.DB

	mu      sync.Mutex
	session *Session
}

func NewServer(cfg Config, db *sql.DB) *Server {
	return &Server{cfg: cfg, db: db}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /overview", s.handleOverview)
	mux.HandleFunc("POST /analyze", s.handleAnalyze)
	mux.HandleFunc("POST /merge", s.handleMerge)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("POST /cache/clear", s.handleCacheClear)
	mux.HandleFunc("GET /export", s.handleExport)
	mux.HandleFunc("POST /report", s.handleReport)
	return mux
}

// handleUpload loads a CSV and starts a fresh session, discarding any prior
// one. With ?replay=1 the persisted merge record log is reapplied.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, err := uploadReader(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	defer body.Close()

	store, err := LoadIssues(io.LimitReader(body, maxUploadBytes))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	replayed := 0
	if parseBoolParam(r, "replay", false) {
		records, err := GetMergeRecords(s.db)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err)
			return
		}
		replayed = ReplayMergeRecords(store, records)
	}

	s.session = &Session{Store: store, CreatedAt: time.Now()}
	counts := store.Counts()
	log.Printf("session started total=%d active=%d replayed=%d", counts.Total, counts.Active, replayed)
	writeJSON(w, http.StatusOK, map[string]any{
		"counts":          counts,
		"replayed_merges": replayed,
	})
}

func uploadReader(r *http.Request) (io.ReadCloser, error) {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" || !isMultipart(contentType) {
		return r.Body, nil
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, fmt.Errorf("parsing upload form: %w", err)
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("reading upload file: %w", err)
	}
	return file, nil
}

func isMultipart(contentType string) bool {
	return len(contentType) >= 19 && contentType[:19] == "multipart/form-data"
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.currentSession()
	if err != nil {
		writeJSONError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"counts":    session.Store.Counts(),
		"standards": session.Store.StandardDistribution(),
		"themes":    session.Store.ThemeDistribution(),
	})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.currentSession()
	if err != nil {
		writeJSONError(w, http.StatusConflict, err)
		return
	}

	useCache := parseBoolParam(r, "use_cache", true)
	proposal, usage, err := ProposeMerges(r.Context(), s.cfg, s.db, session.Store, useCache)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	session.Proposal = proposal
	session.Applied = make(map[int]bool)
	writeJSON(w, http.StatusOK, map[string]any{
		"proposal":     proposal,
		"total_tokens": usage.TotalTokens(),
	})
}

type mergeRequest struct {
	Group    int      `json:"group"`
	Selected []string `json:"selected,omitempty"`
}

// handleMerge applies one proposed group, fully or partially. A validation
// failure aborts only this group; the rest of the proposal stays applicable.
func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.currentSession()
	if err != nil {
		writeJSONError(w, http.StatusConflict, err)
		return
	}
	if session.Proposal == nil {
		writeJSONError(w, http.StatusConflict, errors.New("no merge proposal; run analyze first"))
		return
	}

	var req mergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("decoding merge request: %w", err))
		return
	}
	if req.Group < 0 || req.Group >= len(session.Proposal.Groups) {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("group index %d out of range", req.Group))
		return
	}
	if session.Applied[req.Group] {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("group %d already applied", req.Group))
		return
	}

	group := session.Proposal.Groups[req.Group]
	record, err := ApplyMerge(session.Store, group, req.Selected)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	id, err := InsertMergeRecord(s.db, record)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	record.ID = id
	if session.Applied == nil {
		session.Applied = make(map[int]bool)
	}
	session.Applied[req.Group] = true

	writeJSON(w, http.StatusOK, map[string]any{
		"record": recordPayload(*record),
		"counts": session.Store.Counts(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	records, err := GetMergeRecords(s.db)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	stats, err := GetRecordStats(s.db)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	payload := make([]map[string]any, 0, len(records))
	for _, record := range records {
		payload = append(payload, recordPayload(record))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": payload,
		"stats": map[string]any{
			"total_merges":   stats.TotalMerges,
			"full_merges":    stats.FullMerges,
			"partial_merges": stats.PartialMerges,
			"avg_confidence": stats.AvgConfidence,
		},
	})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if err := CacheClear(s.db); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	log.Printf("merge cache cleared")
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.currentSession()
	if err != nil {
		writeJSONError(w, http.StatusConflict, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="merged_issues.csv"`)
	if err := session.Store.ExportCSV(w); err != nil {
		log.Printf("csv export error: %v", err)
	}
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.currentSession()
	if err != nil {
		writeJSONError(w, http.StatusConflict, err)
		return
	}

	records, err := GetMergeRecords(s.db)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}

	var analysis *AnalysisResult
	var areas []PriorityArea
	if parseBoolParam(r, "analysis", false) {
		result, usage, err := AnalyzeIssues(r.Context(), s.cfg, session.Store)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		log.Printf("qa-analysis complete tokens=%d standards=%d", usage.TotalTokens(), len(result.StandardsAnalysis))
		analysis = result
		areas = GeneratePriorityAreas(session.Store, result)
	}

	now := time.Now()
	content := BuildReport(session.Store, records, analysis, areas, now, s.cfg.TeamName)
	path, err := WriteReportFile(content, s.cfg.ReportOutputDir, now, s.cfg.TeamName)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	log.Printf("report written path=%s bytes=%d", path, len(content))
	writeJSON(w, http.StatusOK, map[string]any{"path": path})
}

func (s *Server) currentSession() (*Session, error) {
	if s.session == nil {
		return nil, errors.New("no session; upload a CSV first")
	}
	return s.session, nil
}

func recordPayload(r MergeRecord) map[string]any {
	return map[string]any{
		"id":             r.ID,
		"group_id":       r.GroupID,
		"merged_ids":     r.MergedIDs,
		"excluded_ids":   r.ExcludedIDs,
		"exclude_reason": r.ExcludeReason,
		"confidence":     r.Confidence,
		"rationale":      r.Rationale,
		"partial":        r.Partial,
		"created_at":     r.CreatedAt,
	}
}

func parseBoolParam(r *http.Request, name string, def bool) bool {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return parsed
}

// writeDomainError maps the error taxonomy onto HTTP statuses: schema and
// validation problems are the caller's, model unavailability is upstream.
func writeDomainError(w http.ResponseWriter, err error) {
	var schemaErr *SchemaError
	var validationErr *ValidationError
	var unavailable *ModelUnavailableError
	var malformed *MalformedResponseError

	switch {
	case errors.As(err, &schemaErr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":           schemaErr.Error(),
			"missing_columns": schemaErr.Missing,
		})
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  validationErr.Error(),
			"reason": string(validationErr.Reason),
			"ids":    validationErr.IDs,
		})
	case errors.As(err, &unavailable):
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": unavailable.Error()})
	case errors.As(err, &malformed):
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": malformed.Error()})
	default:
		writeJSONError(w, http.StatusBadRequest, err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("response encode error: %v", err)
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
	"github.com/JakeFAU/searchcrawler/internal/id/uuid"
	"github.com/JakeFAU/searchcrawler/internal/search"
	"github.com/JakeFAU/searchcrawler/internal/session"
	"github.com/JakeFAU/searchcrawler/internal/worker"
)

const maxBodyBytes = 1 << 20

type startResponse struct {
	SessionID    string         `json:"sessionId"`
	Status       session.State  `json:"status"`
	EchoedConfig session.Config `json:"echoedConfig"`
}

// startSession handles POST /crawl/sessions. It returns 202 with the echoed
// configuration, 400 for invalid options or 429 when the session cap is hit.
func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req session.Request
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	cfg, err := req.Resolve(s.opts.Defaults)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	snap, err := s.deps.Sessions.Start(r.Context(), cfg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{
		SessionID:    snap.SessionID,
		Status:       session.StateStarting,
		EchoedConfig: cfg,
	})
}

// sessionStatus handles GET /crawl/sessions/{id}.
func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	snap, err := s.deps.Sessions.Status(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// sessionLog handles GET /crawl/sessions/{id}/log, most recent entry first.
func (s *Server) sessionLog(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	entries, err := s.deps.Sessions.Details(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []session.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// cancelSession handles DELETE /crawl/sessions/{id}. It waits up to
// CancelWait for the workers to stop and answers 202 with the snapshot,
// terminal unless the wait ran out.
func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.CancelWait)
	defer cancel()
	snap, err := s.deps.Sessions.Cancel(ctx, id)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.fail(w, r, err)
		return
	}
	if err != nil {
		s.logger.Warn("session cancel still in progress", zap.String("session_id", id))
	}
	writeJSON(w, http.StatusAccepted, snap)
}

// search handles GET /search?q=&page=&pageSize=&domain=.
func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), "page")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	pageSize, err := intParam(q.Get("pageSize"), "pageSize")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.deps.Search.Search(r.Context(), search.Request{
		Q:        q.Get("q"),
		Page:     page,
		PageSize: pageSize,
		Domain:   strings.TrimSpace(q.Get("domain")),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type renderRequest struct {
	URL                string `json:"url"`
	TimeoutMs          *int   `json:"timeoutMs"`
	IncludeFullContent bool   `json:"includeFullContent"`
}

type renderResponse struct {
	URL             string                  `json:"url"`
	FinalURL        string                  `json:"finalUrl"`
	IsSPA           bool                    `json:"isSpa"`
	RenderingMethod crawler.RenderingMethod `json:"renderingMethod"`
	HTTPStatus      int                     `json:"httpStatus"`
	FetchDurationMs int64                   `json:"fetchDurationMs"`
	ContentSize     int                     `json:"contentSize"`
	Title           string                  `json:"title"`
	ContentPreview  string                  `json:"contentPreview"`
	Content         *string                 `json:"content,omitempty"`
	Warnings        []string                `json:"warnings,omitempty"`
}

// render handles POST /render, a direct fetch-and-render passthrough.
func (s *Server) render(w http.ResponseWriter, r *http.Request) {
	var req renderRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	timeout, err := s.probeTimeout(req.TimeoutMs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	probe, err := s.deps.Prober.Probe(r.Context(), worker.ProbeRequest{
		URL:       req.URL,
		Timeout:   timeout,
		UserAgent: s.opts.Defaults.UserAgent,
		Render:    s.opts.Defaults.SPARenderingEnabled,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := renderResponse{
		URL:             probe.URL,
		FinalURL:        probe.FinalURL,
		IsSPA:           probe.IsSPA,
		RenderingMethod: probe.RenderingMethod,
		HTTPStatus:      probe.HTTPStatus,
		FetchDurationMs: probe.FetchDuration.Milliseconds(),
		ContentSize:     probe.ContentSize,
		Title:           probe.Title,
		ContentPreview:  worker.Preview(probe.Text, worker.PreviewChars),
		Warnings:        probe.Warnings,
	}
	if req.IncludeFullContent {
		resp.Content = &probe.Text
	}
	writeJSON(w, http.StatusOK, resp)
}

type detectResponse struct {
	URL        string   `json:"url"`
	FinalURL   string   `json:"finalUrl"`
	IsSPA      bool     `json:"isSpa"`
	Reasons    []string `json:"reasons"`
	HTTPStatus int      `json:"httpStatus"`
}

// detectSPA handles POST /spa/detect. The page is fetched and classified but
// never rendered.
func (s *Server) detectSPA(w http.ResponseWriter, r *http.Request) {
	var req renderRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	timeout, err := s.probeTimeout(req.TimeoutMs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	probe, err := s.deps.Prober.Probe(r.Context(), worker.ProbeRequest{
		URL:       req.URL,
		Timeout:   timeout,
		UserAgent: s.opts.Defaults.UserAgent,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	reasons := probe.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	writeJSON(w, http.StatusOK, detectResponse{
		URL:        probe.URL,
		FinalURL:   probe.FinalURL,
		IsSPA:      probe.IsSPA,
		Reasons:    reasons,
		HTTPStatus: probe.HTTPStatus,
	})
}

func (s *Server) probeTimeout(ms *int) (time.Duration, error) {
	timeout := time.Duration(session.DefaultTimeoutMs) * time.Millisecond
	if ms != nil {
		if *ms <= 0 {
			return 0, crawler.NewInputError("timeoutMs must be positive")
		}
		timeout = time.Duration(*ms) * time.Millisecond
	}
	if limit := s.opts.Defaults.MaxTimeout; limit > 0 {
		timeout = min(timeout, limit)
	}
	return timeout, nil
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return &crawler.InputError{Msg: "invalid JSON body", Err: err}
	}
	return nil
}

func sessionID(r *http.Request) (string, error) {
	id := chi.URLParam(r, "session_id")
	if !uuid.Valid(id) {
		return "", crawler.NewInputError("invalid session id %q", id)
	}
	return id, nil
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, crawler.NewInputError("%s must be a positive integer", name)
	}
	return n, nil
}

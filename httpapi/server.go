// Package httpapi exposes the report service over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bottomline/reportcache/generation"
	"github.com/bottomline/reportcache/lease"
	"github.com/bottomline/reportcache/logger"
	"github.com/bottomline/reportcache/message"
	"github.com/bottomline/reportcache/token"
	"github.com/bottomline/reportcache/urlkey"
	"github.com/cockroachdb/errors"
)

const (
	// TokenCookie carries the request token back to the browser.
	TokenCookie = "access_token"
	maxBodySize = 64 << 10
)

// Service is the part of the orchestrator the handlers use.
type Service interface {
	Analyze(ctx context.Context, req generation.Request) (generation.Result, error)
	Confirm(ctx context.Context, tok string) (token.Context, error)
}

// Server exposes a Service over HTTP.
type Server struct {
	service      Service
	logger       logger.Logger
	secureCookie bool
	retryAfter   time.Duration
	mux          *http.ServeMux
	server       *http.Server
	closeOnce    sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithSecureCookie marks the token cookie Secure.
func WithSecureCookie(secure bool) Option {
	return func(s *Server) { s.secureCookie = secure }
}

// WithRetryAfter sets the Retry-After hint sent with busy responses.
func WithRetryAfter(d time.Duration) Option {
	return func(s *Server) { s.retryAfter = d }
}

// New returns a Server with its routes registered. Nothing listens until
// Start is called; Handler can be mounted elsewhere instead.
func New(service Service, log logger.Logger, opts ...Option) *Server {
	s := &Server{
		service:    service,
		logger:     log.WithPrefix("[http]"),
		retryAfter: 5 * time.Second,
		mux:        http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("POST /analyze-url", s.handleAnalyze)
	s.mux.HandleFunc("GET /verify-email", s.handleVerify)
	s.mux.HandleFunc("/", s.handleNotFound)
	return s
}

// Handler returns the routed handler wrapped with logging and panic recovery.
func (s *Server) Handler() http.Handler {
	return s.recoverer(s.accessLog(s.mux))
}

// Start serves on addr until ctx is done, then shuts down gracefully within
// shutdownTimeout. It returns once the listener has stopped.
func (s *Server) Start(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening on %s", addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return s.Close(shutdownCtx)
}

// Close gracefully shuts the listener down. Only the first call has any effect.
func (s *Server) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		if s.server != nil {
			err = s.server.Shutdown(ctx)
		}
	})
	return err
}

type analyzeRequest struct {
	URL        string `json:"url"`
	ReportType string `json:"report_type"`
	Email      string `json:"email"`
}

type analyzeResponse struct {
	Output   string `json:"output"`
	IsCached bool   `json:"is_cached"`
	Pending  bool   `json:"pending,omitempty"`
	Message  string `json:"message,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "report API is running"})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, r, errors.Mark(errors.Wrap(err, "decode request"), urlkey.ErrInvalidInput))
		return
	}
	if req.ReportType == "" {
		req.ReportType = string(urlkey.Basic)
	}
	res, err := s.service.Analyze(r.Context(), generation.Request{URL: req.URL, Variant: req.ReportType, Contact: req.Email})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if res.Token != "" && !res.Pending {
		http.SetCookie(w, &http.Cookie{
			Name:     TokenCookie,
			Value:    res.Token,
			Path:     "/",
			HttpOnly: true,
			Secure:   s.secureCookie,
			SameSite: http.SameSiteLaxMode,
		})
	}
	out := analyzeResponse{Output: res.Output, IsCached: res.Cached, Pending: res.Pending}
	if res.Pending {
		out.Message = "Email verification sent, please verify to proceed."
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	if wantsHTML(r) {
		if err := message.NotFoundResponse(w); err != nil {
			s.logger.Error("render not found page: %s", err)
		}
		return
	}
	writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	tok := r.URL.Query().Get("token")
	if _, err := s.service.Confirm(r.Context(), tok); err != nil {
		s.writeError(w, r, err)
		return
	}
	const msg = "Email verified successfully. Report will be sent shortly."
	if wantsHTML(r) {
		if err := message.PageResponse(w, message.PageData{Title: "Email verified", HeaderTitle: "Email verified", Message: msg}, http.StatusOK); err != nil {
			s.logger.Error("render page: %s", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

// statusFor maps an error kind to a status code and a message safe to show.
func statusFor(err error) (int, string, string) {
	switch {
	case errors.Is(err, urlkey.ErrInvalidInput):
		return http.StatusBadRequest, "Invalid request", err.Error()
	case errors.Is(err, token.ErrExpired):
		return http.StatusGone, "Link expired", "This confirmation link has expired. Please request the report again."
	case errors.Is(err, token.ErrInvalid):
		return http.StatusBadRequest, "Invalid link", "This confirmation link is not valid."
	case errors.Is(err, lease.ErrBusy):
		return http.StatusTooManyRequests, "Busy", "This report is being generated right now. Please retry shortly."
	case errors.Is(err, generation.ErrGenerationFailed):
		return http.StatusBadGateway, "Report failed", "The report could not be generated. Please try again later."
	default:
		return http.StatusInternalServerError, "Server error", "An unexpected error occurred."
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, title, msg := statusFor(err)
	if status >= 500 {
		s.logger.Error("%s %s: %s", r.Method, r.URL.Path, err)
	} else {
		s.logger.Debug("%s %s: %s", r.Method, r.URL.Path, err)
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", strconv.Itoa(int(s.retryAfter.Seconds())))
	}
	if wantsHTML(r) {
		if err := message.ErrorResponse(w, title, msg, "", status); err != nil {
			s.logger.Error("render error page: %s", err)
		}
		return
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

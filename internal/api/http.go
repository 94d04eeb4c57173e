package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/SimplyPrint/calypso-agent/internal/calypso"
	"github.com/SimplyPrint/calypso-agent/internal/core"
	"github.com/SimplyPrint/calypso-agent/internal/journal"
	"github.com/SimplyPrint/calypso-agent/internal/logging"
	"github.com/SimplyPrint/calypso-agent/internal/reader"
	"github.com/SimplyPrint/calypso-agent/internal/sam"
	"github.com/SimplyPrint/calypso-agent/internal/settings"
)

// Version information (set via ldflags in production builds)
var (
	Version   = ""
	BuildTime = ""
	GitCommit = ""
)

func init() {
	// If version wasn't set via ldflags, this is a dev build
	// Try to get VCS info from Go's build info
	if Version == "" {
		Version = "dev"
		if info, ok := debug.ReadBuildInfo(); ok {
			var vcsRevision, vcsTime string
			var vcsModified bool
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs.revision":
					vcsRevision = setting.Value
				case "vcs.time":
					vcsTime = setting.Value
				case "vcs.modified":
					vcsModified = setting.Value == "true"
				}
			}
			if vcsRevision != "" {
				shortCommit := vcsRevision
				if len(shortCommit) > 7 {
					shortCommit = shortCommit[:7]
				}
				GitCommit = vcsRevision
				Version = "dev-" + shortCommit
				if vcsModified {
					Version += "-dirty"
				}
			}
			if vcsTime != "" {
				BuildTime = vcsTime
			}
		}
	}
}

// runTimeout bounds one transaction, SAM acquisition included.
const runTimeout = 30 * time.Second

// Readers lists reader slots and opens transports on them.
type Readers interface {
	ListReaders() ([]reader.Reader, error)
	Transport(readerName string) calypso.Transport
}

// Journal looks up finished transactions.
type Journal interface {
	Get(ctx context.Context, id string) (calypso.TransactionRecord, error)
	List(ctx context.Context, f journal.Filter) ([]calypso.TransactionRecord, error)
}

// PoolStats reports security module pool occupancy.
type PoolStats interface {
	Stats() []sam.ProfileStats
}

// BreakerState reports a circuit breaker state by name.
type BreakerState interface {
	State() string
}

// Options wires a Server. Only Readers and Runner are required.
type Options struct {
	Readers  Readers
	Runner   *core.Runner
	Journal  Journal
	Pool     PoolStats
	Guards   map[string]BreakerState
	Hub      *WSHub
	Shutdown func()
}

// Server serves the agent API.
type Server struct {
	opts Options
	hub  *WSHub

	mu   sync.Mutex
	busy map[string]bool
}

// NewServer returns a server. The hub is created when opts.Hub is nil; the
// caller runs it.
func NewServer(opts Options) *Server {
	hub := opts.Hub
	if hub == nil {
		hub = NewWSHub()
	}
	return &Server{opts: opts, hub: hub, busy: make(map[string]bool)}
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *WSHub { return s.hub }

// NewMux constructs and returns the HTTP mux for the API.
func (s *Server) NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/readers", corsMiddleware(s.handleListReaders))
	mux.HandleFunc("/v1/readers/", corsMiddleware(s.handleReaderRoutes)) // Note the trailing slash for sub-paths
	mux.HandleFunc("/v1/transactions", corsMiddleware(s.handleListTransactions))
	mux.HandleFunc("/v1/transactions/", corsMiddleware(s.handleGetTransaction))
	mux.HandleFunc("/v1/version", corsMiddleware(handleVersion))
	mux.HandleFunc("/v1/health", corsMiddleware(s.handleHealth))
	mux.HandleFunc("/v1/logs", corsMiddleware(handleLogs))
	mux.HandleFunc("/v1/crashes", corsMiddleware(handleCrashes))
	mux.HandleFunc("/v1/settings", corsMiddleware(handleSettings))
	mux.HandleFunc("/v1/shutdown", corsMiddleware(s.handleShutdown))
	mux.HandleFunc("/v1/ws", s.handleWebSocket)
	return mux
}

// recoveryMiddleware catches panics and logs them to crash files.
func recoveryMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				crashFile := logging.ReportPanic(rec, fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path))
				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error":     "internal server error",
					"crashFile": crashFile,
				})
			}
		}()
		next(w, r)
	}
}

// corsMiddleware adds CORS headers to allow browser access from any origin.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		// Wrap with recovery middleware
		recoveryMiddleware(next)(w, r)
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // Error logged but not returned (header already sent)
}

func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, statusFor(err), map[string]string{
		"error": err.Error(),
	})
}

// statusFor maps transaction errors to HTTP status codes.
func statusFor(err error) int {
	var reqErr *core.RequestError
	switch {
	case errors.As(err, &reqErr), calypso.IsInvalidOperation(err):
		return http.StatusBadRequest
	case errors.Is(err, reader.ErrNoCard), errors.Is(err, journal.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errReaderBusy), calypso.IsIllegalState(err):
		return http.StatusConflict
	case calypso.IsSecurity(err):
		return http.StatusForbidden
	case calypso.IsResourceUnavailable(err):
		return http.StatusServiceUnavailable
	case calypso.IsBufferOverflow(err), errors.Is(err, reader.ErrNotCalypso):
		return http.StatusUnprocessableEntity
	}
	if _, ok := calypso.IsCardRejected(err); ok {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

var (
	errReaderBusy    = errors.New("reader busy")
	errReaderIndex   = errors.New("reader index out of range")
	errInvalidReader = errors.New("invalid reader index")
)

// readerName resolves a reader index from the path.
func (s *Server) readerName(index string) (string, error) {
	i, err := strconv.Atoi(index)
	if err != nil {
		return "", errInvalidReader
	}
	return s.readerAt(i)
}

func (s *Server) readerAt(i int) (string, error) {
	readers, err := s.opts.Readers.ListReaders()
	if err != nil {
		return "", err
	}
	if i < 0 || i >= len(readers) {
		return "", errReaderIndex
	}
	return readers[i].Name, nil
}

// claim marks readerName busy for the duration of one card exchange.
func (s *Server) claim(readerName string) (release func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[readerName] {
		return nil, errReaderBusy
	}
	s.busy[readerName] = true
	return func() {
		s.mu.Lock()
		delete(s.busy, readerName)
		s.mu.Unlock()
	}, nil
}

// identify selects the card on readerName.
func (s *Server) identify(readerName string) (core.ProfileInfo, error) {
	release, err := s.claim(readerName)
	if err != nil {
		return core.ProfileInfo{}, err
	}
	defer release()
	return s.opts.Runner.Identify(s.opts.Readers.Transport(readerName))
}

// run executes req on readerName.
func (s *Server) run(ctx context.Context, readerName string, req core.Request) (*core.Result, error) {
	release, err := s.claim(readerName)
	if err != nil {
		return nil, err
	}
	defer release()
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()
	return s.opts.Runner.Run(ctx, s.opts.Readers.Transport(readerName), req)
}

func (s *Server) handleListReaders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	readers, err := s.opts.Readers.ListReaders()
	if err != nil {
		logging.Warn(logging.CatHTTP, "Failed to list readers", map[string]any{
			"error": err.Error(),
		})
		readers = []reader.Reader{}
	}
	respondJSON(w, http.StatusOK, readers)
}

func (s *Server) handleReaderRoutes(w http.ResponseWriter, r *http.Request) {
	// Parse path: /v1/readers/{index}/...
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid path",
		})
		return
	}

	readerName, err := s.readerName(parts[2])
	switch {
	case errors.Is(err, errInvalidReader):
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, errReaderIndex):
		respondJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	case err != nil:
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}

	if len(parts) < 4 {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "missing endpoint (e.g., /card, /transactions)",
		})
		return
	}
	switch parts[3] {
	case "card":
		s.handleReaderCard(w, r, readerName)
	case "transactions":
		s.handleRunTransaction(w, r, readerName)
	default:
		respondJSON(w, http.StatusNotFound, map[string]string{
			"error": "unknown endpoint",
		})
	}
}

func (s *Server) handleReaderCard(w http.ResponseWriter, r *http.Request, readerName string) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	info, err := s.identify(readerName)
	if err != nil {
		logging.Debug(logging.CatHTTP, "Card selection failed", map[string]any{
			"reader": readerName,
			"error":  err.Error(),
		})
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (s *Server) handleRunTransaction(w http.ResponseWriter, r *http.Request, readerName string) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	var req core.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
		return
	}

	res, err := s.run(r.Context(), readerName, req)
	if err != nil {
		logging.Warn(logging.CatHTTP, "Transaction failed", map[string]any{
			"reader": readerName,
			"level":  req.Level,
			"error":  err.Error(),
		})
		if res != nil {
			// partial result, the card was reached
			respondJSON(w, statusFor(err), res)
			return
		}
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Journal == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "journal disabled",
		})
		return
	}

	query := r.URL.Query()
	filter := journal.Filter{
		Serial:  query.Get("serial"),
		Outcome: calypso.Outcome(query.Get("outcome")),
		Limit:   50,
	}
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			filter.Limit = min(l, 500)
		}
	}
	if since := query.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "since must be an RFC 3339 time",
			})
			return
		}
		filter.Since = t
	}

	records, err := s.opts.Journal.List(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": records,
	})
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Journal == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "journal disabled",
		})
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/transactions/")
	if id == "" || strings.Contains(id, "/") {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid transaction id",
		})
		return
	}
	rec, err := s.opts.Journal.Get(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	respondJSON(w, http.StatusOK, versionInfo())
}

func versionInfo() map[string]string {
	return map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	}
}

// health summarises readers, security modules and breakers.
func (s *Server) health() map[string]interface{} {
	status := "ok"
	readers, err := s.opts.Readers.ListReaders()
	if err != nil {
		status = "degraded"
	}
	out := map[string]interface{}{
		"status":      status,
		"readerCount": len(readers),
	}
	if s.opts.Pool != nil {
		out["sam"] = s.opts.Pool.Stats()
	}
	if len(s.opts.Guards) > 0 {
		breakers := make(map[string]string, len(s.opts.Guards))
		for name, g := range s.opts.Guards {
			breakers[name] = g.State()
			if breakers[name] != "closed" {
				out["status"] = "degraded"
			}
		}
		out["breakers"] = breakers
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	respondJSON(w, http.StatusOK, s.health())
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	if s.opts.Shutdown == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "shutdown not available",
		})
		return
	}

	logging.Info(logging.CatSystem, "Shutdown requested via API", nil)
	respondJSON(w, http.StatusOK, map[string]string{
		"success": "shutting down",
	})

	// Trigger shutdown after response is sent
	go s.opts.Shutdown()
}

func handleLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()

		// Limit (default 100, max 1000)
		limit := 100
		if limitStr := query.Get("limit"); limitStr != "" {
			if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
				limit = min(l, 1000)
			}
		}

		var minLevel *logging.Level
		if levelStr := query.Get("level"); levelStr != "" {
			l := logging.ParseLevel(levelStr)
			minLevel = &l
		}

		var category *logging.Category
		if catStr := query.Get("category"); catStr != "" {
			c := logging.Category(catStr)
			category = &c
		}

		entries := logging.Get().GetEntries(limit, minLevel, category)
		stats := logging.Get().Stats()

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"entries": entries,
			"stats":   stats,
		})

	case http.MethodDelete:
		logging.Get().Clear()
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "logs cleared",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func handleCrashes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()

	// Check if requesting a specific crash log
	if filename := query.Get("file"); filename != "" {
		content, err := logging.ReadCrashLog(filename)
		if err != nil {
			respondJSON(w, http.StatusNotFound, map[string]string{
				"error": "crash log not found: " + err.Error(),
			})
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"filename": filename,
			"content":  content,
		})
		return
	}

	limit := 20
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = min(l, 100)
		}
	}

	logs, err := logging.GetCrashLogs(limit)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list crash logs: " + err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"crashes":  logs,
		"crashDir": logging.CrashLogDir(),
	})
}

// handleSettings handles GET and POST requests for user settings.
func handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		respondJSON(w, http.StatusOK, settings.Get())

	case http.MethodPost:
		var req struct {
			CrashReporting       *bool `json:"crashReporting"`
			PrewarmChallenge     *bool `json:"prewarmChallenge"`
			JournalRetentionDays *int  `json:"journalRetentionDays"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid request body: " + err.Error(),
			})
			return
		}

		updated, err := settings.Update(func(s *settings.Settings) {
			if req.CrashReporting != nil {
				s.CrashReporting = *req.CrashReporting
			}
			if req.PrewarmChallenge != nil {
				s.PrewarmChallenge = *req.PrewarmChallenge
			}
			if req.JournalRetentionDays != nil {
				s.JournalRetentionDays = *req.JournalRetentionDays
			}
		})
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save settings: " + err.Error(),
			})
			return
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"settings": updated,
			"message":  "Settings updated. Restart may be required for some changes to take effect.",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

// Package httpapi exposes the orchestrator as a small JSON API.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"greekroom/internal/chat"
	"greekroom/internal/gateway"
	"greekroom/internal/tools"

	"github.com/google/uuid"
)

const maxBodyBytes = 1 << 20

// Backend is what the API needs from *gateway.Gateway.
type Backend interface {
	Ask(ctx context.Context, identity, text string, opts gateway.AskOptions) (chat.TurnResult, error)
	Tools(ctx context.Context, token string) ([]tools.Descriptor, error)
	RefreshTools()
	Reset(ctx context.Context, identity string) (bool, error)
	Status() gateway.Status
}

var _ Backend = (*gateway.Gateway)(nil)

type Server struct {
	backend Backend
	logger  *slog.Logger
}

func NewServer(backend Backend, logger *slog.Logger) *Server {
	return &Server{backend: backend, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/tools", s.handleTools)
	mux.HandleFunc("POST /api/tools/refresh", s.handleRefreshTools)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleResetSession)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "greekroom"})
	})
	return withRequestID(requestLogging(s.logger)(mux))
}

// Start serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http api: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	s.logger.Info("http api shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type chatRequest struct {
	SessionID   string `json:"session_id,omitempty"`
	Message     string `json:"message"`
	Token       string `json:"token,omitempty"`
	Attachment  string `json:"attachment,omitempty"`
	MaxTurns    int    `json:"max_turns,omitempty"`
	TokenBudget int    `json:"token_budget,omitempty"`
}

type toolResultResponse struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content,omitempty"`
	Error      string `json:"error,omitempty"`
}

type chatResponse struct {
	SessionID   string               `json:"session_id"`
	TurnID      string               `json:"turn_id"`
	Reply       string               `json:"reply"`
	Turns       int                  `json:"turns"`
	Truncated   bool                 `json:"truncated"`
	Handled     bool                 `json:"handled,omitempty"`
	Reset       bool                 `json:"reset,omitempty"`
	ToolResults []toolResultResponse `json:"tool_results,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req chatRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeMappedError(w, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeMappedError(w, invalidRequestError("message is required"))
		return
	}
	if req.MaxTurns < 0 || req.TokenBudget < 0 {
		writeMappedError(w, invalidRequestError("max_turns and token_budget must be >= 0"))
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	token := req.Token
	if token == "" {
		token = bearerToken(r)
	}

	mwCtx := map[string]any{"request_id": requestID(r.Context())}
	if req.TokenBudget > 0 {
		mwCtx["token_budget"] = req.TokenBudget
	}
	res, err := s.backend.Ask(r.Context(), req.SessionID, req.Message, gateway.AskOptions{
		Token:      token,
		Attachment: req.Attachment,
		Channel:    "http",
		MaxTurns:   req.MaxTurns,
		Context:    mwCtx,
	})
	if err != nil {
		s.logger.Warn("turn failed", "session", req.SessionID, "request_id", requestID(r.Context()), "err", err)
		status, body := turnError(err)
		writeJSON(w, status, body)
		return
	}

	resp := chatResponse{
		SessionID: req.SessionID,
		TurnID:    res.TurnID,
		Reply:     res.Reply,
		Turns:     res.Turns,
		Truncated: res.Truncated,
		Handled:   res.Handled,
		Reset:     res.Reset,
	}
	for _, tr := range res.ToolResults {
		out := toolResultResponse{ToolCallID: tr.ToolCallID, Name: tr.Name, Content: tr.Content}
		if tr.Err != nil {
			out.Content = ""
			out.Error = tr.Err.Error()
		}
		resp.ToolResults = append(resp.ToolResults, out)
	}
	writeJSON(w, http.StatusOK, resp)
}

type toolResponse struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	descs, err := s.backend.Tools(r.Context(), token)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	out := make([]toolResponse, 0, len(descs))
	for _, d := range descs {
		out = append(out, toolResponse{Name: d.Name, Description: d.Description, Parameters: d.ParameterSchema})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

// handleRefreshTools drops the cached catalog and fetches it again with the
// service token, so tools added on the server show up without a restart.
func (s *Server) handleRefreshTools(w http.ResponseWriter, r *http.Request) {
	s.backend.RefreshTools()
	descs, err := s.backend.Tools(r.Context(), "")
	if err != nil {
		writeMappedError(w, err)
		return
	}
	s.logger.Info("tool catalog refreshed", "count", len(descs))
	writeJSON(w, http.StatusOK, map[string]any{"refreshed": true, "count": len(descs)})
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := s.backend.Reset(r.Context(), id)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, errorCodeNotFound, fmt.Sprintf("session %q not found", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.backend.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "online",
		"time":      time.Now().Format(time.RFC3339),
		"version":   st.Version,
		"provider":  st.Provider,
		"model":     st.Model,
		"mcp_url":   st.MCPURL,
		"sessions":  st.Sessions,
		"max_turns": st.MaxTurns,
		"uptime":    st.Uptime.Round(time.Second).String(),
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

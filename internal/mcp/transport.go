package mcp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"

	"greekroom/internal/chat"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// transportBuilder is overridden in tests to stub the transport factory.
var transportBuilder = buildTransport

const (
	stdioSchemePrefix = "stdio://"
	sseSchemePrefix   = "sse://"
	httpHintType      = "http"
	sseHintType       = "sse"
)

// StatusError is returned by the bearer transport when the tool service
// refuses the credentials.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s (status %d %s)", chat.ErrUnauthorized, e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *StatusError) Unwrap() error { return chat.ErrUnauthorized }

// bearerTransport attaches the caller's token to every request and turns
// 401/403 answers into *StatusError so they can be told apart from other
// transport failures.
type bearerTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.token != "" {
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return resp, nil
}

func authorizedClient(base *http.Client, token string) *http.Client {
	out := &http.Client{}
	if base != nil {
		*out = *base
	}
	out.Transport = &bearerTransport{base: out.Transport, token: token}
	return out
}

// buildTransport parses a transport spec:
//
//	https://host/mcp          streamable HTTP
//	http+sse://host/sse       SSE
//	sse://host/sse            SSE (scheme defaults to https)
//	stdio://cmd args          subprocess over stdio
//	cmd args                  same as stdio://
func buildTransport(ctx context.Context, spec string, httpClient *http.Client, token string) (mcpsdk.Transport, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("mcp: transport spec is empty")
	}

	lowered := strings.ToLower(spec)
	switch {
	case strings.HasPrefix(lowered, stdioSchemePrefix):
		return buildStdioTransport(ctx, spec[len(stdioSchemePrefix):], token)
	case strings.HasPrefix(lowered, sseSchemePrefix):
		endpoint, err := normalizeHTTPURL(spec[len(sseSchemePrefix):], true)
		if err != nil {
			return nil, fmt.Errorf("mcp: invalid SSE endpoint: %w", err)
		}
		return &mcpsdk.SSEClientTransport{Endpoint: endpoint, HTTPClient: authorizedClient(httpClient, token)}, nil
	}

	if kind, endpoint, matched, err := parseHTTPFamilySpec(spec); err != nil {
		return nil, err
	} else if matched {
		if kind == sseHintType {
			return &mcpsdk.SSEClientTransport{Endpoint: endpoint, HTTPClient: authorizedClient(httpClient, token)}, nil
		}
		return &mcpsdk.StreamableClientTransport{Endpoint: endpoint, HTTPClient: authorizedClient(httpClient, token)}, nil
	}

	if strings.HasPrefix(lowered, "http://") || strings.HasPrefix(lowered, "https://") {
		endpoint, err := normalizeHTTPURL(spec, false)
		if err != nil {
			return nil, fmt.Errorf("mcp: invalid HTTP endpoint: %w", err)
		}
		return &mcpsdk.StreamableClientTransport{Endpoint: endpoint, HTTPClient: authorizedClient(httpClient, token)}, nil
	}

	return buildStdioTransport(ctx, spec, token)
}

// buildStdioTransport starts the server as a subprocess. The token has no
// header to travel in, so it is handed over through MCP_AUTH_TOKEN.
func buildStdioTransport(ctx context.Context, cmdSpec, token string) (mcpsdk.Transport, error) {
	parts := strings.Fields(strings.TrimSpace(cmdSpec))
	if len(parts) == 0 {
		return nil, fmt.Errorf("mcp: stdio command is empty")
	}
	// #nosec G204 -- the command comes from operator configuration
	command := exec.CommandContext(context.WithoutCancel(ctx), parts[0], parts[1:]...)
	command.Env = os.Environ()
	if token != "" {
		command.Env = append(command.Env, "MCP_AUTH_TOKEN="+token)
	}
	return &mcpsdk.CommandTransport{Command: command}, nil
}

func parseHTTPFamilySpec(spec string) (kind string, endpoint string, matched bool, err error) {
	u, parseErr := url.Parse(strings.TrimSpace(spec))
	if parseErr != nil || u.Scheme == "" {
		return "", "", false, nil
	}
	base, hint, hasHint := strings.Cut(strings.ToLower(u.Scheme), "+")
	if !hasHint || (base != "http" && base != "https") {
		return "", "", false, nil
	}
	switch hint {
	case "sse":
		kind = sseHintType
	case "stream", "streamable", "http", "json":
		kind = httpHintType
	default:
		return "", "", true, fmt.Errorf("mcp: unsupported HTTP transport hint %q", hint)
	}
	normalized := *u
	normalized.Scheme = base
	endpoint, err = normalizeHTTPURL(normalized.String(), false)
	if err != nil {
		return "", "", true, fmt.Errorf("mcp: invalid %s endpoint: %w", kind, err)
	}
	return kind, endpoint, true, nil
}

func normalizeHTTPURL(raw string, allowSchemeGuess bool) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("endpoint is empty")
	}
	if allowSchemeGuess && !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("missing host")
	}
	parsed.Scheme = scheme
	return parsed.String(), nil
}

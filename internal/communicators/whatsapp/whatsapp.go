package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"greekroom/internal/chat"
	"greekroom/internal/communicators"
	"greekroom/internal/gateway"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
)

// MaxMessageLen is the WhatsApp body limit enforced by Twilio.
const MaxMessageLen = 1600

const (
	fileReceivedText = "📁 File received! You can now ask questions about it. Try: 'Analyze this file' or 'What's the script direction?'"
	failureText      = "❌ Sorry, I encountered an error. Please try again later."
)

func init() {
	communicators.Register(&Adapter{})
}

// Sender delivers an outbound WhatsApp message.
type Sender interface {
	Send(ctx context.Context, to, body string) error
}

type twilioSender struct {
	client *twilio.RestClient
	from   string
	logger *slog.Logger
}

// NewTwilioSender sends through the Twilio Messages REST API.
func NewTwilioSender(accountSID, authToken, from string, logger *slog.Logger) Sender {
	return &twilioSender{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
		from:   from,
		logger: logger,
	}
}

func (s *twilioSender) Send(_ context.Context, to, body string) error {
	params := &openapi.CreateMessageParams{}
	params.SetFrom(s.from)
	params.SetTo(to)
	params.SetBody(body)
	msg, err := s.client.Api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}
	if msg != nil && msg.Sid != nil {
		s.logger.Info("sent whatsapp message", "to", to, "sid", *msg.Sid)
	}
	return nil
}

// Handler serves the Twilio webhook.
type Handler struct {
	gw     communicators.Gateway
	sender Sender
	logger *slog.Logger

	// validator is nil when signatures are not checked.
	validator *twclient.RequestValidator
	publicURL string

	sendTimeout time.Duration
	wg          sync.WaitGroup
}

type HandlerOption func(*Handler)

// WithSignatureValidation rejects requests whose X-Twilio-Signature does not
// match authToken. publicURL is the externally visible base URL Twilio calls;
// when empty it is rebuilt from the request.
func WithSignatureValidation(authToken, publicURL string) HandlerOption {
	return func(h *Handler) {
		v := twclient.NewRequestValidator(authToken)
		h.validator = &v
		h.publicURL = strings.TrimRight(publicURL, "/")
	}
}

// NewHandler answers webhooks for gw. With a nil sender every chunk of a reply
// goes into the TwiML response; otherwise only the first does and the rest are
// sent through sender.
func NewHandler(gw communicators.Gateway, sender Sender, logger *slog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{gw: gw, sender: sender, logger: logger, sendTimeout: 30 * time.Second}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", h.webhook)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy","service":"whatsapp-bot"}`))
	})
	return mux
}

// Wait blocks until follow-up messages already queued have been sent.
func (h *Handler) Wait() { h.wg.Wait() }

func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	if h.validator != nil && !h.validSignature(r) {
		h.logger.Warn("rejected webhook with bad signature", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	from := r.PostForm.Get("From")
	if from == "" || !r.PostForm.Has("Body") {
		http.Error(w, "From and Body are required", http.StatusBadRequest)
		return
	}
	body := strings.TrimSpace(r.PostForm.Get("Body"))
	numMedia, _ := strconv.Atoi(r.PostForm.Get("NumMedia"))
	mediaURL := r.PostForm.Get("MediaUrl0")
	h.logger.Info("received message", "from", from, "text", preview(body), "num_media", numMedia, "media_url", mediaURL)

	replies := h.process(r.Context(), from, body, mediaURL)

	first := replies
	var rest []string
	if h.sender != nil && len(replies) > 1 {
		first, rest = replies[:1], replies[1:]
	}
	xml, err := render(first)
	if err != nil {
		h.logger.Error("render twiml", "err", err)
		xml, _ = render([]string{failureText})
	}
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(xml))

	if len(rest) > 0 {
		h.wg.Add(1)
		go h.sendRest(context.WithoutCancel(r.Context()), from, rest)
	}
}

func (h *Handler) process(ctx context.Context, from, body, mediaURL string) []string {
	if body == "" {
		if mediaURL == "" {
			return []string{gateway.RenderError(chat.ErrEmptyInput)}
		}
		if err := h.gw.Attach(ctx, from, mediaURL); err != nil {
			h.logger.Error("store attachment", "from", from, "err", err)
			return []string{failureText}
		}
		return []string{fileReceivedText}
	}
	res, err := h.gw.Ask(ctx, from, body, gateway.AskOptions{
		Attachment: mediaURL,
		Channel:    "whatsapp",
	})
	if err != nil {
		h.logger.Error("turn failed", "from", from, "err", err)
	} else {
		h.logger.Info("turn completed", "from", from, "turn_id", res.TurnID, "turns", res.Turns, "tools", len(res.ToolResults))
	}
	return communicators.Replies(res, err, MaxMessageLen)
}

func (h *Handler) sendRest(ctx context.Context, to string, msgs []string) {
	defer h.wg.Done()
	ctx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()
	for _, m := range msgs {
		if err := h.sender.Send(ctx, to, m); err != nil {
			h.logger.Error("failed to send whatsapp message", "to", to, "err", err)
			return
		}
	}
}

func (h *Handler) validSignature(r *http.Request) bool {
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return h.validator.Validate(h.requestURL(r), params, r.Header.Get("X-Twilio-Signature"))
}

func (h *Handler) requestURL(r *http.Request) string {
	if h.publicURL != "" {
		return h.publicURL + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func render(msgs []string) (string, error) {
	verbs := make([]twiml.Element, 0, len(msgs))
	for _, m := range msgs {
		verbs = append(verbs, &twiml.MessagingMessage{Body: m})
	}
	return twiml.Messages(verbs)
}

func preview(s string) string {
	if r := []rune(s); len(r) > 100 {
		return string(r[:100])
	}
	return s
}

// Adapter runs the webhook server while serve is running.
type Adapter struct{}

func (a *Adapter) ID() string { return "whatsapp" }

// Start is a no-op unless TWILIO_ACCOUNT_SID is set.
func (a *Adapter) Start(ctx context.Context, gw *gateway.Gateway) error {
	cfg := gw.Config()
	logger := gw.Logger().With("communicator", "whatsapp")
	if cfg.TwilioAccountSID == "" {
		logger.Info("disabled: TWILIO_ACCOUNT_SID not set")
		return nil
	}

	var opts []HandlerOption
	if cfg.ValidateTwilio {
		opts = append(opts, WithSignatureValidation(cfg.TwilioAuthToken, cfg.PublicURL))
	}
	sender := NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioWhatsAppNumber, logger)
	h := NewHandler(gw, sender, logger, opts...)

	srv := &http.Server{
		Addr:              cfg.WhatsAppAddr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("webhook listening", "addr", cfg.WhatsAppAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("whatsapp webhook: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	h.Wait()
	return err
}

package chatsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookSignatureHeader carries the HMAC-SHA256 of the request body.
const WebhookSignatureHeader = "X-Webhook-Signature"

const defaultWebhookTable = "messages"

// WebhookRecord is a message row as sent by a database webhook.
type WebhookRecord = wireMessage

// WebhookPayload is a database webhook for one row change.
type WebhookPayload struct {
	Type      string         `json:"type"` // INSERT, UPDATE or DELETE
	Table     string         `json:"table"`
	Schema    string         `json:"schema"`
	Record    *WebhookRecord `json:"record"`
	OldRecord *WebhookRecord `json:"old_record"`
}

// Change converts the payload into a row change. Deletes are read from
// old_record since record is null for them.
func (p *WebhookPayload) Change() (RowChange, error) {
	kind, err := ParseChangeKind(p.Type)
	if err != nil {
		return RowChange{}, err
	}
	rec := p.Record
	if kind == ChangeDelete {
		rec = p.OldRecord
	}
	if rec == nil {
		return RowChange{}, fmt.Errorf("%w: %s webhook without a row", ErrMalformedRow, p.Type)
	}
	return rec.change(kind)
}

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies a webhook signature using HMAC-SHA256.
// Uses constant-time comparison to prevent timing attacks.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookPayload parses a raw webhook body for the messages table.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	return parseWebhookPayload(body, defaultWebhookTable)
}

func parseWebhookPayload(body, table string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if payload.Type == "" {
		return nil, fmt.Errorf("missing type field in webhook payload")
	}
	if payload.Table != table {
		return nil, fmt.Errorf("unexpected webhook table: %q", payload.Table)
	}
	return &payload, nil
}

// ============================================================================
// WebhookFeed
// ============================================================================

// WebhookFeed turns signed database webhooks into a change feed. It can
// stand in for the realtime client as the engine's push source.
type WebhookFeed struct {
	secret   string
	table    string
	feed     *Broadcaster
	onChange func(RowChange)
	log      zerolog.Logger
}

type WebhookOption func(*WebhookFeed)

// WithWebhookTable accepts webhooks for table instead of "messages".
func WithWebhookTable(table string) WebhookOption {
	return func(w *WebhookFeed) { w.table = table }
}

func WithWebhookLogger(l zerolog.Logger) WebhookOption {
	return func(w *WebhookFeed) { w.log = l }
}

// OnWebhookChange registers a callback run for every accepted change
// before it is published.
func OnWebhookChange(fn func(RowChange)) WebhookOption {
	return func(w *WebhookFeed) { w.onChange = fn }
}

// NewWebhookFeed creates a webhook feed verified with secret.
func NewWebhookFeed(secret string, opts ...WebhookOption) (*WebhookFeed, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	w := &WebhookFeed{
		secret: secret,
		table:  defaultWebhookTable,
		feed:   NewBroadcaster(),
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *WebhookFeed) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Parse parses a raw body into a typed WebhookPayload.
func (w *WebhookFeed) Parse(body string) (*WebhookPayload, error) {
	return parseWebhookPayload(body, w.table)
}

// Subscribe opens the feed for conv.
func (w *WebhookFeed) Subscribe(_ context.Context, conv ConversationID) (*Subscription, error) {
	return w.feed.Subscribe(conv), nil
}

// Close releases every subscription.
func (w *WebhookFeed) Close() {
	w.feed.CloseAll()
}

// Handle processes a webhook request (verify + parse + publish).
// Returns the status code and response body for the caller to write.
func (w *WebhookFeed) Handle(ctx context.Context, body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := w.Parse(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	ch, err := payload.Change()
	if err != nil {
		w.log.Warn().Err(err).Str("type", payload.Type).Msg("Rejected webhook row")
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if w.onChange != nil {
		w.onChange(ch)
	}
	n := w.feed.Publish(ctx, ch.Row.ConversationID, ch)
	w.log.Debug().
		Str("kind", string(ch.Kind)).
		Str("message_id", string(ch.Row.ID)).
		Int("delivered", n).
		Msg("Webhook change published")
	return http.StatusOK, map[string]any{"ok": true, "delivered": n}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	feed, _ := chatsync.NewWebhookFeed("secret")
//	http.Handle("/webhook", feed.HTTPHandler())
func (w *WebhookFeed) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(r.Context(), string(bodyBytes), r.Header.Get(WebhookSignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

// HTTPHandlerFunc returns an http.HandlerFunc for convenience.
func (w *WebhookFeed) HTTPHandlerFunc() http.HandlerFunc {
	return w.HTTPHandler().ServeHTTP
}

func writeJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}

// ABOUTME: WhatsApp Cloud API webhook: subscription handshake, payload signatures and inbound decoding
// ABOUTME: Normalizes text, button replies and media messages into channel events

package whatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/switchboard/internal/channel"
)

// maxWebhookBody bounds the accepted webhook payload size.
const maxWebhookBody = 1 << 20

// SignatureHeader carries the HMAC-SHA256 of the payload keyed with the app secret.
const SignatureHeader = "X-Hub-Signature-256"

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []inboundMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type media struct {
	ID       string `json:"id"`
	MIMEType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type inboundMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
	Button *struct {
		Payload string `json:"payload"`
		Text    string `json:"text"`
	} `json:"button"`
	Image    *media `json:"image"`
	Document *media `json:"document"`
	Audio    *media `json:"audio"`
	Video    *media `json:"video"`
}

// DecodeEvents extracts customer events from a webhook payload. Status
// callbacks and unsupported message types produce no events.
func DecodeEvents(body []byte) ([]channel.Event, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding webhook payload: %w", err)
	}

	var events []channel.Event
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			names := make(map[string]string, len(change.Value.Contacts))
			for _, contact := range change.Value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}

			for _, m := range change.Value.Messages {
				evt, ok := toEvent(m)
				if !ok {
					continue
				}
				evt.Name = names[m.From]
				events = append(events, evt)
			}
		}
	}
	return events, nil
}

func toEvent(m inboundMessage) (channel.Event, bool) {
	evt := channel.Event{
		ID:         m.ID,
		From:       channel.Customer(m.From),
		ReceivedAt: parseTimestamp(m.Timestamp),
	}

	switch {
	case m.Text != nil:
		evt.Text = m.Text.Body
	case m.Interactive != nil && m.Interactive.ButtonReply != nil:
		evt.Text = m.Interactive.ButtonReply.ID
	case m.Interactive != nil && m.Interactive.ListReply != nil:
		evt.Text = m.Interactive.ListReply.ID
	case m.Button != nil:
		evt.Text = m.Button.Payload
	default:
		for _, md := range []*media{m.Image, m.Document, m.Audio, m.Video} {
			if md == nil {
				continue
			}
			evt.Text = md.Caption
			evt.Attachments = append(evt.Attachments, MediaPrefix+md.ID)
		}
	}

	if evt.Text == "" && len(evt.Attachments) == 0 {
		return channel.Event{}, false
	}
	return evt, true
}

func parseTimestamp(s string) time.Time {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Now()
	}
	return time.Unix(secs, 0)
}

// WebhookConfig holds the secrets the Cloud API callbacks are checked against.
type WebhookConfig struct {
	// VerifyToken answers the subscription handshake. Empty accepts any.
	VerifyToken string
	// AppSecret signs notification payloads. Empty skips the signature check.
	AppSecret string
}

// Webhook serves the Cloud API callback endpoint.
type Webhook struct {
	verifyToken string
	appSecret   []byte
	handler     channel.Handler
	logger      *slog.Logger
}

// NewWebhook creates the webhook endpoint.
func NewWebhook(cfg WebhookConfig, handler channel.Handler, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "whatsapp-webhook")
	if cfg.AppSecret == "" {
		logger.Warn("whatsapp app_secret not set, webhook payload signatures are not checked")
	}
	return &Webhook{
		verifyToken: cfg.VerifyToken,
		appSecret:   []byte(cfg.AppSecret),
		handler:     handler,
		logger:      logger,
	}
}

// validSignature reports whether header is "sha256=<hex>" of body keyed with
// the app secret.
func (w *Webhook) validSignature(body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, w.appSecret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// ServeHTTP handles GET (subscription verification) and POST (notifications).
func (w *Webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.verify(rw, r)
	case http.MethodPost:
		w.receive(rw, r)
	default:
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (w *Webhook) verify(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if w.verifyToken != "" {
		token := q.Get("hub.verify_token")
		if q.Get("hub.mode") != "subscribe" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(w.verifyToken)) != 1 {
			w.logger.Warn("rejected webhook verification")
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
	}
	rw.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(rw, q.Get("hub.challenge"))
}

func (w *Webhook) receive(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(rw, "reading body", http.StatusBadRequest)
		return
	}

	if len(w.appSecret) > 0 && !w.validSignature(body, r.Header.Get(SignatureHeader)) {
		w.logger.Warn("rejected webhook payload with invalid signature", "remote", r.RemoteAddr)
		http.Error(rw, "invalid signature", http.StatusUnauthorized)
		return
	}

	events, err := DecodeEvents(body)
	if err != nil {
		w.logger.Warn("invalid webhook payload", "error", err)
		http.Error(rw, "invalid payload", http.StatusBadRequest)
		return
	}

	// The provider retries on slow or failed responses; work continues
	// after the caller disconnects.
	ctx := context.WithoutCancel(r.Context())
	for _, evt := range events {
		if err := w.handler.Route(ctx, evt); err != nil {
			w.logger.Error("failed to route customer message", "from", evt.From.ID, "id", evt.ID, "error", err)
		}
	}

	rw.WriteHeader(http.StatusOK)
}

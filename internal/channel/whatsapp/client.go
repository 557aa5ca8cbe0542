// ABOUTME: WhatsApp Cloud API gateway for the customer channel
// ABOUTME: Sends text, reply buttons and media through the Graph messages endpoint and fetches inbound media

package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/2389/switchboard/internal/channel"
)

// maxButtons is the Cloud API limit for interactive reply buttons.
const maxButtons = 3

// maxButtonTitle is the Cloud API limit for a reply button title, in runes.
const maxButtonTitle = 20

// MediaPrefix marks attachment references that name a Cloud API media id.
const MediaPrefix = "media:"

// maxMediaSize is the largest media file the Cloud API accepts (documents).
const maxMediaSize = 100 << 20

// Config holds the Cloud API credentials.
type Config struct {
	BaseURL       string
	PhoneNumberID string
	Token         string
	Timeout       time.Duration
}

// Client sends messages to customers through the WhatsApp Cloud API.
type Client struct {
	baseURL       string
	phoneNumberID string
	token         string
	client        *http.Client
	logger        *slog.Logger
}

// NewClient creates a Cloud API client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:       strings.TrimSuffix(cfg.BaseURL, "/"),
		phoneNumberID: cfg.PhoneNumberID,
		token:         cfg.Token,
		client:        &http.Client{Timeout: timeout},
		logger:        logger.With("component", "whatsapp"),
	}
}

// Kind reports the customer channel.
func (c *Client) Kind() channel.Kind { return channel.KindCustomer }

type textBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type replyButton struct {
	Type  string `json:"type"`
	Reply struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"reply"`
}

type interactive struct {
	Type string `json:"type"`
	Body struct {
		Text string `json:"text"`
	} `json:"body"`
	Action struct {
		Buttons []replyButton `json:"buttons"`
	} `json:"action"`
}

type document struct {
	ID       string `json:"id,omitempty"`
	Link     string `json:"link,omitempty"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

type outbound struct {
	MessagingProduct string       `json:"messaging_product"`
	RecipientType    string       `json:"recipient_type"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             *textBody    `json:"text,omitempty"`
	Interactive      *interactive `json:"interactive,omitempty"`
	Document         *document    `json:"document,omitempty"`
	Image            *document    `json:"image,omitempty"`
}

// Send delivers a text message. Up to three options become reply buttons;
// longer option lists are rendered into the text.
func (c *Client) Send(ctx context.Context, msg channel.Message) error {
	text := msg.Text
	body := outbound{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               msg.To.ID,
	}

	switch {
	case len(msg.Options) > 0 && len(msg.Options) <= maxButtons:
		body.Type = "interactive"
		body.Interactive = buttons(text, msg.Options)
	case len(msg.Options) > maxButtons:
		var sb strings.Builder
		sb.WriteString(text)
		for _, opt := range msg.Options {
			fmt.Fprintf(&sb, "\n%s - %s", opt.ID, opt.Label)
		}
		body.Type = "text"
		body.Text = &textBody{PreviewURL: true, Body: sb.String()}
	default:
		body.Type = "text"
		body.Text = &textBody{PreviewURL: true, Body: text}
	}

	return c.post(ctx, body)
}

// SendFile delivers a document, or an image for the types WhatsApp renders
// inline. File data is uploaded first; without data the URL is linked.
func (c *Client) SendFile(ctx context.Context, to channel.Address, file channel.File) error {
	doc := &document{Link: file.URL, Caption: file.Caption}
	if len(file.Data) > 0 {
		mediaID, err := c.upload(ctx, file)
		if err != nil {
			return err
		}
		doc = &document{ID: mediaID, Caption: file.Caption}
	}

	body := outbound{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to.ID,
	}
	if file.MIMEType == "image/jpeg" || file.MIMEType == "image/png" {
		body.Type = "image"
		body.Image = doc
	} else {
		doc.Filename = file.Name
		body.Type = "document"
		body.Document = doc
	}
	return c.post(ctx, body)
}

type uploadResponse struct {
	ID string `json:"id"`
}

// upload stores file in the Cloud API and returns its media id.
func (c *Client) upload(ctx context.Context, file channel.File) (string, error) {
	mimeType := file.MIMEType
	if mimeType == "" {
		mimeType = http.DetectContentType(file.Data)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("messaging_product", "whatsapp")
	_ = mw.WriteField("type", mimeType)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{"name": "file", "filename": file.Name}))
	header.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("creating upload part: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return "", fmt.Errorf("writing upload part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("closing upload body: %w", err)
	}

	url := fmt.Sprintf("%s/%s/media", c.baseURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var resp uploadResponse
	if err := c.doJSON(req, &resp); err != nil {
		return "", fmt.Errorf("uploading media: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("uploading media: no media id returned")
	}
	return resp.ID, nil
}

type mediaInfo struct {
	URL      string `json:"url"`
	MIMEType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

// Fetch downloads an inbound media reference ("media:<id>"). The Cloud API
// first resolves the id to a short-lived URL that needs the same token.
func (c *Client) Fetch(ctx context.Context, ref string) (channel.File, error) {
	mediaID, ok := strings.CutPrefix(ref, MediaPrefix)
	if !ok || mediaID == "" {
		return channel.File{}, fmt.Errorf("%w: %q is not a whatsapp media reference", channel.ErrNoMedia, ref)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+mediaID, nil)
	if err != nil {
		return channel.File{}, fmt.Errorf("creating request: %w", err)
	}
	var info mediaInfo
	if err := c.doJSON(req, &info); err != nil {
		return channel.File{}, fmt.Errorf("looking up media %s: %w", mediaID, err)
	}
	if info.URL == "" {
		return channel.File{}, fmt.Errorf("%w: media %s has no url", channel.ErrNoMedia, mediaID)
	}
	if info.FileSize > maxMediaSize {
		return channel.File{}, fmt.Errorf("media %s is too large: %d bytes", mediaID, info.FileSize)
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, info.URL, nil)
	if err != nil {
		return channel.File{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.client.Do(req)
	if err != nil {
		return channel.File{}, fmt.Errorf("downloading media %s: %w", mediaID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return channel.File{}, fmt.Errorf("downloading media %s: status %d", mediaID, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaSize+1))
	if err != nil {
		return channel.File{}, fmt.Errorf("downloading media %s: %w", mediaID, err)
	}
	if len(data) > maxMediaSize {
		return channel.File{}, fmt.Errorf("media %s is too large", mediaID)
	}

	return channel.File{
		Name:     mediaFileName(mediaID, info.MIMEType),
		MIMEType: info.MIMEType,
		Data:     data,
	}, nil
}

func mediaFileName(mediaID, mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	exts, err := mime.ExtensionsByType(strings.TrimSpace(base))
	if err != nil || len(exts) == 0 {
		return mediaID
	}
	return mediaID + exts[0]
}

func buttons(text string, options []channel.Option) *interactive {
	in := &interactive{Type: "button"}
	in.Body.Text = text
	for _, opt := range options {
		var b replyButton
		b.Type = "reply"
		b.Reply.ID = opt.ID
		b.Reply.Title = truncate(opt.Label, maxButtonTitle)
		in.Action.Buttons = append(in.Action.Buttons, b)
	}
	return in
}

func (c *Client) post(ctx context.Context, body outbound) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if err := c.doJSON(req, nil); err != nil {
		return err
	}
	c.logger.Debug("sent message", "to", body.To, "type", body.Type)
	return nil
}

// doJSON sends an authenticated request and decodes the JSON response into
// out when out is not nil.
func (c *Client) doJSON(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("whatsapp returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// truncate shortens a string to the given max rune count.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen])
}

// ABOUTME: Matrix gateway for the attendant channel
// ABOUTME: Syncs direct-message rooms with mautrix, sends markdown-rendered notices and relays media

package matrix

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/switchboard/internal/channel"
)

// networkTimeout is the timeout for Matrix API calls made outside a request.
const networkTimeout = 10 * time.Second

// Config holds the Matrix account and attendant restrictions.
type Config struct {
	Homeserver   string
	UserID       string
	AccessToken  string
	AllowedUsers []string
	// PresenceIDs maps attendant Matrix user ids to presence-provider ids.
	PresenceIDs map[string]string
}

// Gateway connects switchboard to attendants on Matrix.
type Gateway struct {
	config Config
	client *mautrix.Client
	md     goldmark.Markdown
	logger *slog.Logger
}

// New creates a Matrix gateway. It does not connect until Run.
func New(cfg Config, logger *slog.Logger) (*Gateway, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Gateway{
		config: cfg,
		client: client,
		md:     goldmark.New(),
		logger: logger.With("component", "matrix"),
	}, nil
}

// Kind reports the attendant channel.
func (g *Gateway) Kind() channel.Kind { return channel.KindAttendant }

// Run syncs with the homeserver and hands attendant messages to handler.
// It blocks until ctx is cancelled or the sync fails.
func (g *Gateway) Run(ctx context.Context, handler channel.Handler) error {
	g.logger.Info("starting matrix gateway",
		"homeserver", g.config.Homeserver,
		"user_id", g.config.UserID,
	)

	syncer, ok := g.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", g.client.Syncer)
	}
	syncer.OnSync(g.client.DontProcessOldEvents)
	syncer.OnEventType(event.StateMember, g.handleMembership)
	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		g.handleMessage(ctx, handler, evt)
	})

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- g.client.SyncWithContext(ctx)
	}()

	select {
	case <-ctx.Done():
		g.logger.Info("shutting down matrix gateway")
		g.client.StopSync()
		return nil
	case err := <-syncErr:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// handleMembership joins rooms the bot is invited to, which is how an
// attendant opens a direct conversation.
func (g *Gateway) handleMembership(ctx context.Context, evt *event.Event) {
	member := evt.Content.AsMember()
	if member.Membership != event.MembershipInvite || evt.GetStateKey() != g.config.UserID {
		return
	}
	if !g.isUserAllowed(evt.Sender.String()) {
		g.logger.Debug("ignoring invite from non-allowed user", "sender", evt.Sender.String())
		return
	}

	joinCtx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if _, err := g.client.JoinRoomByID(joinCtx, evt.RoomID); err != nil {
		g.logger.Error("failed to join room", "room", evt.RoomID.String(), "error", err)
		return
	}
	g.logger.Info("joined attendant room", "room", evt.RoomID.String(), "sender", evt.Sender.String())
}

func (g *Gateway) handleMessage(ctx context.Context, handler channel.Handler, evt *event.Event) {
	if evt.Sender == id.UserID(g.config.UserID) {
		return
	}
	if !g.isUserAllowed(evt.Sender.String()) {
		g.logger.Debug("ignoring message from non-allowed user", "sender", evt.Sender.String())
		return
	}

	out, ok := toEvent(evt, g.config.PresenceIDs)
	if !ok {
		return
	}
	out.Name = g.displayName(ctx, evt.Sender)

	g.logger.Debug("received attendant message",
		"room", out.ReplyAddress,
		"sender", out.From.ID,
		"content", truncate(out.Text, 50),
	)

	if err := handler.Route(ctx, out); err != nil {
		g.logger.Error("failed to route attendant message", "sender", out.From.ID, "error", err)
	}
}

// toEvent normalizes a Matrix message event. Notices and empty messages
// produce no event.
func toEvent(evt *event.Event, presenceIDs map[string]string) (channel.Event, bool) {
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return channel.Event{}, false
	}

	sender := evt.Sender.String()
	out := channel.Event{
		ID:           evt.ID.String(),
		From:         channel.Attendant(sender),
		PresenceID:   presenceIDs[sender],
		ReplyAddress: evt.RoomID.String(),
		ReceivedAt:   time.UnixMilli(evt.Timestamp),
	}

	switch content.MsgType {
	case event.MsgText:
		out.Text = content.Body
	case event.MsgFile, event.MsgImage, event.MsgVideo, event.MsgAudio:
		if content.URL != "" {
			out.Attachments = append(out.Attachments, string(content.URL))
		}
	default:
		return channel.Event{}, false
	}

	if strings.TrimSpace(out.Text) == "" && len(out.Attachments) == 0 {
		return channel.Event{}, false
	}
	return out, true
}

func (g *Gateway) displayName(ctx context.Context, user id.UserID) string {
	lookupCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()

	resp, err := g.client.GetDisplayName(lookupCtx, user)
	if err != nil || resp == nil || resp.DisplayName == "" {
		return user.Localpart()
	}
	return resp.DisplayName
}

// Send delivers a notice to an attendant room. Options are rendered as a
// list of ready-to-send commands.
func (g *Gateway) Send(ctx context.Context, msg channel.Message) error {
	body := renderBody(msg)
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
	}
	if html, err := g.renderHTML(body); err == nil {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	} else {
		g.logger.Debug("markdown render failed, sending plain text", "error", err)
	}

	_, err := g.client.SendMessageEvent(ctx, id.RoomID(msg.To.ID), event.EventMessage, content)
	if err != nil {
		return fmt.Errorf("sending matrix message: %w", err)
	}
	return nil
}

// SendFile uploads file data to the homeserver and posts it as an image or
// file event. Without data the link is posted instead.
func (g *Gateway) SendFile(ctx context.Context, to channel.Address, file channel.File) error {
	if len(file.Data) > 0 {
		return g.sendMedia(ctx, id.RoomID(to.ID), file)
	}

	text := fmt.Sprintf("[%s](%s)", file.Name, file.URL)
	if file.Caption != "" {
		text = file.Caption + "\n" + text
	}
	return g.Send(ctx, channel.Message{To: to, Text: text})
}

func (g *Gateway) sendMedia(ctx context.Context, room id.RoomID, file channel.File) error {
	mimeType := file.MIMEType
	if mimeType == "" {
		mimeType = http.DetectContentType(file.Data)
	}
	name := file.Name
	if name == "" {
		name = "attachment"
	}

	up, err := g.client.UploadBytesWithName(ctx, file.Data, mimeType, name)
	if err != nil {
		return fmt.Errorf("uploading matrix media: %w", err)
	}

	content := &event.MessageEventContent{
		MsgType:  mediaMsgType(mimeType),
		Body:     name,
		FileName: name,
		URL:      up.ContentURI.CUString(),
		Info:     &event.FileInfo{MimeType: mimeType, Size: len(file.Data)},
	}
	if file.Caption != "" {
		content.Body = file.Caption
	}

	if _, err := g.client.SendMessageEvent(ctx, room, event.EventMessage, content); err != nil {
		return fmt.Errorf("sending matrix media: %w", err)
	}
	g.logger.Debug("sent media", "room", room.String(), "name", name, "size", len(file.Data))
	return nil
}

func mediaMsgType(mimeType string) event.MessageType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return event.MsgImage
	case strings.HasPrefix(mimeType, "video/"):
		return event.MsgVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return event.MsgAudio
	}
	return event.MsgFile
}

// Fetch downloads an mxc:// attachment reference from the homeserver.
func (g *Gateway) Fetch(ctx context.Context, ref string) (channel.File, error) {
	uri, err := id.ParseContentURI(ref)
	if err != nil {
		return channel.File{}, fmt.Errorf("%w: %q: %v", channel.ErrNoMedia, ref, err)
	}

	data, err := g.client.DownloadBytes(ctx, uri)
	if err != nil {
		return channel.File{}, fmt.Errorf("downloading %s: %w", ref, err)
	}

	mimeType := http.DetectContentType(data)
	name := uri.FileID
	base, _, _ := strings.Cut(mimeType, ";")
	if exts, err := mime.ExtensionsByType(base); err == nil && len(exts) > 0 {
		name += exts[0]
	}
	return channel.File{Name: name, MIMEType: base, Data: data}, nil
}

func renderBody(msg channel.Message) string {
	var sb strings.Builder
	sb.WriteString(msg.Text)
	for _, opt := range msg.Options {
		fmt.Fprintf(&sb, "\n- %s: `%s`", opt.Label, opt.ID)
	}
	return sb.String()
}

func (g *Gateway) renderHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := g.md.Convert([]byte(markdown), &buf); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// isUserAllowed checks the sender against the allow list.
func (g *Gateway) isUserAllowed(userID string) bool {
	if len(g.config.AllowedUsers) == 0 {
		return true
	}
	return slices.Contains(g.config.AllowedUsers, userID)
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

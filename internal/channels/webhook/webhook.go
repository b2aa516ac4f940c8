// Package webhook is a generic HTTP transport. A bridge POSTs chat events to
// the gateway and receives the bot's sends on a callback URL, so platforms
// without a native adapter can still host the bot.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/beaver/internal/bus"
	"github.com/nextlevelbuilder/beaver/internal/channels"
	"github.com/nextlevelbuilder/beaver/internal/config"
	"github.com/nextlevelbuilder/beaver/internal/store"
	"github.com/nextlevelbuilder/beaver/pkg/protocol"
)

const (
	maxBodyBytes    = 1 << 20
	callbackTimeout = 15 * time.Second
	defaultBotID    = "beaver"
)

// Channel serves inbound webhook events and delivers outbound sends to the
// configured callback URL.
type Channel struct {
	*channels.BaseChannel
	config  config.WebhookConfig
	token   string
	limiter *channels.KeyedLimiter
	client  *http.Client
}

// New creates a webhook transport. Inbound requests must carry token as a
// bearer token when it is non-empty, and are limited to rpm per remote
// address.
func New(cfg config.WebhookConfig, token string, rpm int, pub bus.Publisher) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel("webhook", pub, cfg.AllowFrom),
		config:      cfg,
		token:       token,
		limiter:     channels.NewKeyedLimiter(rpm, max(rpm/6, 5)),
		client:      &http.Client{Timeout: callbackTimeout},
	}
}

// Start marks the transport running. Routes are served by the gateway.
func (c *Channel) Start(_ context.Context) error {
	botID := c.config.BotID
	if botID == "" {
		botID = defaultBotID
	}
	c.SetBotID(botID)
	c.SetRunning(true)
	slog.Info("webhook transport ready", "bot_id", botID, "callback", c.config.CallbackURL != "")
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return nil
}

// RegisterRoutes registers the inbound event endpoints on mux.
func (c *Channel) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST "+protocol.PathMessageEvent, c.guard(c.handleMessage))
	mux.HandleFunc("POST "+protocol.PathReactionEvent, c.guard(c.handleReaction))
	mux.HandleFunc("POST "+protocol.PathCommandEvent, c.guard(c.handleCommand))
}

// guard applies bearer auth, the per-remote rate limit and the body cap.
func (c *Channel) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.token != "" && bearerToken(r) != c.token {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !c.limiter.Allow(remoteKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		if !c.IsRunning() {
			writeError(w, http.StatusServiceUnavailable, "transport not running")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next(w, r)
	}
}

func (c *Channel) handleMessage(w http.ResponseWriter, r *http.Request) {
	var ev protocol.MessageEvent
	if !decode(w, r, &ev) {
		return
	}
	if ev.ChannelID == "" || ev.UserID == "" {
		writeError(w, http.StatusBadRequest, "channelId and userId are required")
		return
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	mentions := make([]store.Mention, 0, len(ev.Mentions))
	for _, m := range ev.Mentions {
		mentions = append(mentions, store.Mention{UserID: m.UserID, DisplayName: m.DisplayName})
	}
	c.HandleMessage(bus.InboundMessage{
		EventID:     ev.EventID,
		ChannelID:   ev.ChannelID,
		SpaceID:     ev.SpaceID,
		UserID:      ev.UserID,
		Text:        ev.Message,
		CreatedAt:   ev.CreatedAt.UTC(),
		ThreadID:    ev.ThreadID,
		ReplyID:     ev.ReplyID,
		IsMentioned: ev.IsMentioned,
		Mentions:    mentions,
	})
	writeJSON(w, http.StatusAccepted, protocol.Accepted{OK: true})
}

func (c *Channel) handleReaction(w http.ResponseWriter, r *http.Request) {
	var ev protocol.ReactionEvent
	if !decode(w, r, &ev) {
		return
	}
	if ev.MessageID == "" || ev.UserID == "" || ev.Reaction == "" {
		writeError(w, http.StatusBadRequest, "messageId, userId and reaction are required")
		return
	}
	if c.IsAllowed(ev.UserID) {
		c.HandleReaction(bus.InboundReaction{
			ChannelID: ev.ChannelID,
			MessageID: ev.MessageID,
			UserID:    ev.UserID,
			Reaction:  ev.Reaction,
		})
	}
	writeJSON(w, http.StatusAccepted, protocol.Accepted{OK: true})
}

func (c *Channel) handleCommand(w http.ResponseWriter, r *http.Request) {
	var ev protocol.CommandEvent
	if !decode(w, r, &ev) {
		return
	}
	if ev.CommandName == "" || ev.ChannelID == "" || ev.UserID == "" {
		writeError(w, http.StatusBadRequest, "commandName, channelId and userId are required")
		return
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	c.HandleCommand(bus.InboundCommand{
		Name:      strings.ToLower(strings.TrimPrefix(ev.CommandName, "/")),
		Args:      ev.Args,
		ChannelID: ev.ChannelID,
		SpaceID:   ev.SpaceID,
		UserID:    ev.UserID,
		EventID:   ev.EventID,
		CreatedAt: ev.CreatedAt.UTC(),
		ThreadID:  ev.ThreadID,
	})
	writeJSON(w, http.StatusAccepted, protocol.Accepted{OK: true})
}

// SendMessage posts the message to the callback URL, which answers with the
// event ID the bridge assigned. A bridge that does not assign IDs gets one
// generated here.
func (c *Channel) SendMessage(ctx context.Context, channelID, text string, opts channels.SendOptions) (string, error) {
	res, err := c.callback(ctx, protocol.Outbound{
		Action:    protocol.ActionSendMessage,
		ChannelID: channelID,
		Text:      text,
		ThreadID:  opts.ThreadID,
		ReplyID:   opts.ReplyID,
	})
	if err != nil {
		return "", err
	}
	if res.EventID == "" {
		res.EventID = uuid.NewString()
	}
	return res.EventID, nil
}

func (c *Channel) SendReaction(ctx context.Context, channelID, eventID, glyph string) error {
	_, err := c.callback(ctx, protocol.Outbound{
		Action:    protocol.ActionSendReaction,
		ChannelID: channelID,
		EventID:   eventID,
		Glyph:     glyph,
	})
	return err
}

func (c *Channel) RemoveEvent(ctx context.Context, channelID, eventID string) error {
	_, err := c.callback(ctx, protocol.Outbound{
		Action:    protocol.ActionRemoveEvent,
		ChannelID: channelID,
		EventID:   eventID,
	})
	return err
}

func (c *Channel) callback(ctx context.Context, out protocol.Outbound) (protocol.OutboundResult, error) {
	var res protocol.OutboundResult
	if c.config.CallbackURL == "" {
		return res, errors.New("webhook callback url not configured")
	}

	body, err := json.Marshal(out)
	if err != nil {
		return res, fmt.Errorf("marshal %s: %w", out.Action, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return res, fmt.Errorf("build %s request: %w", out.Action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.CallbackSecret != "" {
		req.Header.Set(protocol.HeaderAuthorization, "Bearer "+c.config.CallbackSecret)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return res, fmt.Errorf("webhook %s: %w", out.Action, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return res, fmt.Errorf("webhook %s: status %d: %s", out.Action, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, &res); err != nil {
			return res, fmt.Errorf("decode %s response: %w", out.Action, err)
		}
	}
	return res, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get(protocol.HeaderAuthorization), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// remoteKey keys the rate limiter by client address without the port.
func remoteKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: msg})
}

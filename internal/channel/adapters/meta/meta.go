// Package meta implements the Facebook Messenger and Instagram Direct
// channel adapters. Both platforms share the Messenger Platform webhook
// format and the Graph API send endpoint, so one adapter core serves
// both channel types.
package meta

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/relaydesk/relaydesk/internal/channel"
)

const defaultGraphBase = "https://graph.facebook.com/v21.0"

// Credential keys stored on a Meta connection.
const (
	CredPageAccessToken = "page_access_token"
	CredAppSecret       = "app_secret"
	CredVerifyToken     = "verify_token"
)

// Adapter implements channel.Sender and channel.WebhookAdapter for one
// Meta platform. Construct with NewFacebook or NewInstagram.
type Adapter struct {
	channelType channel.ChannelType
	object      string // webhook "object" field: "page" or "instagram"
	displayName string
	logger      *slog.Logger
	client      *http.Client
	graphBase   string
}

// NewFacebook creates the Facebook Messenger adapter.
func NewFacebook(log *slog.Logger) *Adapter {
	return newAdapter(channel.ChannelFacebook, "page", "Facebook Messenger", log)
}

// NewInstagram creates the Instagram Direct adapter.
func NewInstagram(log *slog.Logger) *Adapter {
	return newAdapter(channel.ChannelInstagram, "instagram", "Instagram Direct", log)
}

func newAdapter(ct channel.ChannelType, object, displayName string, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		channelType: ct,
		object:      object,
		displayName: displayName,
		logger:      log.With(slog.String("adapter", string(ct))),
		client:      &http.Client{Timeout: 15 * time.Second},
		graphBase:   defaultGraphBase,
	}
}

// SetGraphBase overrides the Graph API base URL. Used in tests.
func (a *Adapter) SetGraphBase(base string) {
	a.graphBase = strings.TrimRight(base, "/")
}

func (a *Adapter) Type() channel.ChannelType { return a.channelType }

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:             a.channelType,
		DisplayName:      a.displayName,
		CredentialFields: []string{CredPageAccessToken, CredAppSecret, CredVerifyToken},
	}
}

// NormalizeCredentials requires the three Meta platform secrets and drops
// unknown keys.
func (a *Adapter) NormalizeCredentials(raw map[string]string) (map[string]string, error) {
	out := map[string]string{}
	for _, key := range []string{CredPageAccessToken, CredAppSecret, CredVerifyToken} {
		value := strings.TrimSpace(raw[key])
		if value == "" {
			return nil, fmt.Errorf("%s is required", key)
		}
		out[key] = value
	}
	return out, nil
}

// VerifySubscription checks the hub.verify_token of a webhook subscription
// handshake and returns the hub.challenge to echo back.
func (a *Adapter) VerifySubscription(cfg channel.ConnectionConfig, query url.Values) (string, error) {
	if query.Get("hub.mode") != "subscribe" {
		return "", fmt.Errorf("unsupported hub.mode %q", query.Get("hub.mode"))
	}
	expected := cfg.Credentials[CredVerifyToken]
	if expected == "" || !subtleCompare(query.Get("hub.verify_token"), expected) {
		return "", fmt.Errorf("verify token mismatch")
	}
	return query.Get("hub.challenge"), nil
}

// VerifyWebhook authenticates a webhook delivery by checking the
// X-Hub-Signature-256 header against an HMAC of the raw body.
func (a *Adapter) VerifyWebhook(cfg channel.ConnectionConfig, r *http.Request, body []byte) error {
	secret := cfg.Credentials[CredAppSecret]
	if secret == "" {
		return fmt.Errorf("app_secret not configured")
	}
	header := r.Header.Get("X-Hub-Signature-256")
	if !strings.HasPrefix(header, "sha256=") {
		return fmt.Errorf("missing webhook signature")
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return fmt.Errorf("malformed webhook signature")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return fmt.Errorf("webhook signature mismatch")
	}
	return nil
}

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string           `json:"id"`
		Time      int64            `json:"time"`
		Messaging []messagingEvent `json:"messaging"`
	} `json:"entry"`
}

type messagingParty struct {
	ID string `json:"id"`
}

type messagingEvent struct {
	Sender    messagingParty `json:"sender"`
	Recipient messagingParty `json:"recipient"`
	Timestamp int64          `json:"timestamp"`
	Message   *struct {
		MID         string `json:"mid"`
		Text        string `json:"text"`
		IsEcho      bool   `json:"is_echo"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
}

// ParseWebhook extracts customer messages from a webhook delivery. Echo
// events (messages the page itself sent) and non-message events such as
// delivery receipts are skipped.
func (a *Adapter) ParseWebhook(cfg channel.ConnectionConfig, body []byte) ([]channel.InboundEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	if payload.Object != a.object {
		return nil, fmt.Errorf("unexpected webhook object %q", payload.Object)
	}
	var events []channel.InboundEvent
	for _, entry := range payload.Entry {
		for _, msg := range entry.Messaging {
			if msg.Message == nil || msg.Message.IsEcho {
				continue
			}
			text := strings.TrimSpace(msg.Message.Text)
			var attachments []channel.Attachment
			for _, att := range msg.Message.Attachments {
				if att.Payload.URL == "" {
					continue
				}
				attachments = append(attachments, channel.Attachment{
					URL:         att.Payload.URL,
					ContentType: attachmentContentType(att.Type),
				})
			}
			if text == "" && len(attachments) == 0 {
				continue
			}
			events = append(events, channel.InboundEvent{
				Channel:           a.channelType,
				ConnectionID:      cfg.ID,
				CustomerID:        msg.Sender.ID,
				Text:              text,
				Attachments:       attachments,
				PlatformMessageID: msg.Message.MID,
				ReceivedAt:        time.UnixMilli(msg.Timestamp).UTC(),
			})
		}
	}
	return events, nil
}

func attachmentContentType(kind string) string {
	switch kind {
	case "image":
		return "image/jpeg"
	case "video":
		return "video/mp4"
	case "audio":
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}

type sendRequest struct {
	Recipient     messagingParty `json:"recipient"`
	MessagingType string         `json:"messaging_type"`
	Message       sendMessage    `json:"message"`
}

type sendMessage struct {
	Text       string          `json:"text,omitempty"`
	Attachment *sendAttachment `json:"attachment,omitempty"`
}

type sendAttachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL        string `json:"url"`
		IsReusable bool   `json:"is_reusable"`
	} `json:"payload"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	Error     *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send delivers a reply through the Graph API send endpoint. Text and
// attachments go out as separate API calls; the platform does not accept
// both in one message.
func (a *Adapter) Send(ctx context.Context, cfg channel.ConnectionConfig, msg channel.OutboundMessage) (channel.SendResult, error) {
	token := cfg.Credentials[CredPageAccessToken]
	if token == "" {
		return channel.SendResult{}, fmt.Errorf("page_access_token not configured")
	}
	if strings.TrimSpace(msg.CustomerID) == "" {
		return channel.SendResult{}, fmt.Errorf("customer id is required")
	}

	var result channel.SendResult
	for _, att := range msg.Attachments {
		req := newSendRequest(msg.CustomerID)
		attachment := &sendAttachment{Type: "file"}
		if strings.HasPrefix(att.ContentType, "image/") {
			attachment.Type = "image"
		}
		attachment.Payload.URL = att.URL
		req.Message.Attachment = attachment
		id, err := a.callSend(ctx, token, req)
		if err != nil {
			return channel.SendResult{}, err
		}
		result.PlatformMessageID = id
	}
	if text := strings.TrimSpace(msg.Text); text != "" {
		req := newSendRequest(msg.CustomerID)
		req.Message.Text = text
		id, err := a.callSend(ctx, token, req)
		if err != nil {
			return channel.SendResult{}, err
		}
		result.PlatformMessageID = id
	}
	if result.PlatformMessageID == "" {
		return channel.SendResult{}, fmt.Errorf("message is empty")
	}
	return result, nil
}

func newSendRequest(customerID string) sendRequest {
	var req sendRequest
	req.Recipient.ID = customerID
	req.MessagingType = "RESPONSE"
	return req
}

func (a *Adapter) callSend(ctx context.Context, token string, payload sendRequest) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	endpoint := a.graphBase + "/me/messages?access_token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("graph api request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	var parsed sendResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decode graph api response (status %d): %w", resp.StatusCode, err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("graph api error %d: %s", parsed.Error.Code, parsed.Error.Message)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("graph api status %d", resp.StatusCode)
	}
	return parsed.MessageID, nil
}

func subtleCompare(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultGraphURL = "https://graph.facebook.com/v19.0"

// Meta talks to the managed WhatsApp Cloud API (Graph). Authentication is a
// bearer token scoped to a phone number id.
type Meta struct {
	baseURL       string
	token         string
	phoneNumberID string
	client        *http.Client
}

func NewMeta(baseURL, token, phoneNumberID string, timeout time.Duration) *Meta {
	if baseURL == "" {
		baseURL = defaultGraphURL
	}
	return &Meta{
		baseURL:       strings.TrimRight(baseURL, "/"),
		token:         token,
		phoneNumberID: phoneNumberID,
		client:        &http.Client{Timeout: timeout},
	}
}

func (m *Meta) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + m.token}
}

type metaTextObj struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url,omitempty"`
}

type metaMediaObj struct {
	Link    string `json:"link,omitempty"`
	Caption string `json:"caption,omitempty"`
}

type metaMessage struct {
	MessagingProduct string        `json:"messaging_product"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Text             *metaTextObj  `json:"text,omitempty"`
	Image            *metaMediaObj `json:"image,omitempty"`
}

type metaSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (m *Meta) send(ctx context.Context, msg metaMessage) (string, error) {
	url := fmt.Sprintf("%s/%s/messages", m.baseURL, m.phoneNumberID)
	var resp metaSendResponse
	if err := postJSON(ctx, m.client, http.MethodPost, url, m.headers(), msg, &resp); err != nil {
		return "", err
	}
	if len(resp.Messages) == 0 || resp.Messages[0].ID == "" {
		return "", &Error{Kind: KindTransient, Msg: "send response missing message id"}
	}
	return resp.Messages[0].ID, nil
}

func (m *Meta) SendText(ctx context.Context, to, body string) (string, error) {
	return m.send(ctx, metaMessage{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             &metaTextObj{Body: body},
	})
}

func (m *Meta) SendMedia(ctx context.Context, to, mediaURL, caption string) (string, error) {
	return m.send(ctx, metaMessage{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "image",
		Image:            &metaMediaObj{Link: mediaURL, Caption: caption},
	})
}

// CheckReachability is not part of the Cloud API surface; callers treat
// every destination as reachable-unknown.
func (m *Meta) CheckReachability(ctx context.Context, numbers []string) ([]Reachability, error) {
	return nil, ErrUnsupported
}

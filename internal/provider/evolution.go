package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Evolution talks to a self-hosted Evolution API gateway. Authentication is
// an instance-scoped api key carried in the "apikey" header.
type Evolution struct {
	baseURL  string
	apiKey   string
	instance string
	client   *http.Client
}

func NewEvolution(baseURL, apiKey, instance string, timeout time.Duration) *Evolution {
	return &Evolution{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		instance: instance,
		client:   &http.Client{Timeout: timeout},
	}
}

func (e *Evolution) headers() map[string]string {
	return map[string]string{"apikey": e.apiKey}
}

type evoSendTextPayload struct {
	Number      string `json:"number"`
	Text        string `json:"text"`
	Delay       int    `json:"delay,omitempty"`
	LinkPreview bool   `json:"linkPreview,omitempty"`
}

type evoSendMediaPayload struct {
	Number    string `json:"number"`
	MediaType string `json:"mediatype"`
	Media     string `json:"media"`
	Caption   string `json:"caption,omitempty"`
}

type evoSendResponse struct {
	Key struct {
		RemoteJid string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
		ID        string `json:"id"`
	} `json:"key"`
	MessageTimestamp int64  `json:"messageTimestamp"`
	Status           string `json:"status"`
}

func (e *Evolution) SendText(ctx context.Context, to, body string) (string, error) {
	url := fmt.Sprintf("%s/message/sendText/%s", e.baseURL, e.instance)
	var resp evoSendResponse
	err := postJSON(ctx, e.client, http.MethodPost, url, e.headers(), evoSendTextPayload{Number: to, Text: body}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Key.ID == "" {
		return "", &Error{Kind: KindTransient, Msg: "send response missing key.id"}
	}
	return resp.Key.ID, nil
}

func (e *Evolution) SendMedia(ctx context.Context, to, mediaURL, caption string) (string, error) {
	url := fmt.Sprintf("%s/message/sendMedia/%s", e.baseURL, e.instance)
	payload := evoSendMediaPayload{Number: to, MediaType: "image", Media: mediaURL, Caption: caption}
	var resp evoSendResponse
	if err := postJSON(ctx, e.client, http.MethodPost, url, e.headers(), payload, &resp); err != nil {
		return "", err
	}
	if resp.Key.ID == "" {
		return "", &Error{Kind: KindTransient, Msg: "send response missing key.id"}
	}
	return resp.Key.ID, nil
}

type evoCheckResponse struct {
	Exists bool   `json:"exists"`
	Jid    string `json:"jid"`
	Number string `json:"number"`
}

func (e *Evolution) CheckReachability(ctx context.Context, numbers []string) ([]Reachability, error) {
	url := fmt.Sprintf("%s/chat/whatsappNumbers/%s", e.baseURL, e.instance)
	var resp []evoCheckResponse
	err := postJSON(ctx, e.client, http.MethodPost, url, e.headers(), map[string][]string{"numbers": numbers}, &resp)
	if err != nil {
		return nil, err
	}

	exists := make(map[string]bool, len(resp))
	for _, r := range resp {
		if r.Exists {
			exists[r.Number] = true
		}
	}
	out := make([]Reachability, 0, len(numbers))
	for _, n := range numbers {
		out = append(out, Reachability{Number: n, Reachable: exists[n]})
	}
	return out, nil
}

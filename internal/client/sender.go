package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"difyrelay/internal/config"
	"difyrelay/internal/models"
)

// Sender issues the chat request and returns the streaming response. The
// caller owns the response body.
type Sender interface {
	Send(ctx context.Context, req models.ChatRequest) (*http.Response, error)
}

// NewStreamingRequest builds the request body for a fresh single-turn chat.
func NewStreamingRequest(query, user string) models.ChatRequest {
	autoName := false
	return models.ChatRequest{
		Inputs:           map[string]interface{}{},
		Query:            query,
		ResponseMode:     models.ResponseModeStreaming,
		User:             user,
		AutoGenerateName: &autoName,
	}
}

// RelaySender talks to the relay. Override values are sent as headers only
// when set, so the relay's own defaults apply otherwise.
type RelaySender struct {
	BaseURL     string
	OverrideURL string
	OverrideKey string
	Client      *http.Client
}

func (s *RelaySender) Send(ctx context.Context, req models.ChatRequest) (*http.Response, error) {
	headers := http.Header{}
	if s.OverrideURL != "" {
		headers.Set("X-Dify-Url", s.OverrideURL)
	}
	if s.OverrideKey != "" {
		headers.Set("Authorization", "Bearer "+s.OverrideKey)
	}
	endpoint := strings.TrimRight(s.BaseURL, "/") + "/api/chat-messages"
	return post(ctx, s.Client, endpoint, headers, req)
}

// DirectSender calls the upstream chat API without a relay.
type DirectSender struct {
	Target models.ProxyConfig
	Client *http.Client
}

// NewDirectSender resolves the upstream target the same way the relay does.
func NewDirectSender(o config.Override, d config.ProcessConfig, client *http.Client) (*DirectSender, error) {
	target, err := config.Resolve(o, d)
	if err != nil {
		return nil, err
	}
	return &DirectSender{Target: target, Client: client}, nil
}

func (s *DirectSender) Send(ctx context.Context, req models.ChatRequest) (*http.Response, error) {
	headers := http.Header{}
	headers.Set("Authorization", s.Target.AuthHeader)
	return post(ctx, s.Client, s.Target.TargetURL+"/chat-messages", headers, req)
}

func post(ctx context.Context, client *http.Client, endpoint string, headers http.Header, body models.ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build chat request: %w", err)
	}
	for key, values := range headers {
		req.Header[key] = values
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	if client == nil {
		client = http.DefaultClient
	}
	return client.Do(req)
}

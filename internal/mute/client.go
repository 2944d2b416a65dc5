// Package mute answers whether a conversation is muted for the signed-in user.
package mute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	logx "circlelink/pkg/logx"
)

var ErrNoConversation = errors.New("mute: empty conversation id")

// Checker reports the mute status of a conversation. Errors are returned as
// is; callers decide how to treat an unknown status.
type Checker interface {
	IsMuted(ctx context.Context, conversationID, credential string) (bool, error)
}

type Config struct {
	APIURL    string
	Timeout   time.Duration
	UserAgent string
}

// Client queries GET {api}/chat/{id}/mute, which answers {"isMuted": bool}.
type Client struct {
	http *resty.Client
	log  logx.Logger
}

type statusResponse struct {
	IsMuted *bool `json:"isMuted"`
}

func NewClient(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if base == "" {
		return nil, errors.New("mute: api url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	h := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.UserAgent != "" {
		h.SetHeader("User-Agent", cfg.UserAgent)
	}
	return &Client{http: h, log: log}, nil
}

func (c *Client) IsMuted(ctx context.Context, conversationID, credential string) (bool, error) {
	if conversationID == "" {
		return false, ErrNoConversation
	}
	var out statusResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(credential).
		SetPathParam("id", conversationID).
		ForceContentType("application/json").
		SetResult(&out).
		Get("/chat/{id}/mute")
	if err != nil {
		return false, fmt.Errorf("mute status %s: %w", conversationID, err)
	}
	if resp.IsError() {
		return false, fmt.Errorf("mute status %s: http %d", conversationID, resp.StatusCode())
	}
	if out.IsMuted == nil {
		return false, fmt.Errorf("mute status %s: response without isMuted", conversationID)
	}
	c.log.Trace("mute status", logx.String("conversation", conversationID), logx.Bool("muted", *out.IsMuted), logx.Duration("took", resp.Time()))
	return *out.IsMuted, nil
}

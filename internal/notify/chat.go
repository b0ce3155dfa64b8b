package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/helpdesk-engine/internal/config"
)

// ChatChannel posts to a Slack-compatible chat API.
type ChatChannel interface {
	// PostMessage starts a new thread and returns its id.
	PostMessage(ctx context.Context, channel, text string) (string, error)
	// PostThreadReply replies in threadID, mentioning ccIDs. Returns the
	// reply's message id.
	PostThreadReply(ctx context.Context, channel, threadID, text string, ccIDs []string) (string, error)
}

// ChatClient calls chat.postMessage over HTTP using the fiber client.
type ChatClient struct {
	baseURL string
	token   string
	timeout time.Duration
}

type postMessageRequest struct {
	Channel  string `json:"channel"`
	Text     string `json:"text"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

type postMessageResponse struct {
	OK    bool   `json:"ok"`
	TS    string `json:"ts"`
	Error string `json:"error"`
}

// NewChatClient returns nil when no base URL is configured.
func NewChatClient(cfg config.NotificationConfig) *ChatClient {
	if strings.TrimSpace(cfg.ChatBaseURL) == "" {
		return nil
	}
	timeout := cfg.ChatTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ChatClient{
		baseURL: strings.TrimRight(cfg.ChatBaseURL, "/"),
		token:   cfg.ChatToken,
		timeout: timeout,
	}
}

func (c *ChatClient) PostMessage(ctx context.Context, channel, text string) (string, error) {
	return c.post(ctx, postMessageRequest{Channel: channel, Text: text})
}

func (c *ChatClient) PostThreadReply(ctx context.Context, channel, threadID, text string, ccIDs []string) (string, error) {
	if threadID == "" {
		return "", errors.New("chat thread id is required for a reply")
	}
	if mentions := formatMentions(ccIDs); mentions != "" {
		text = mentions + " " + text
	}
	return c.post(ctx, postMessageRequest{Channel: channel, Text: text, ThreadTS: threadID})
}

func (c *ChatClient) post(ctx context.Context, req postMessageRequest) (string, error) {
	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", context.DeadlineExceeded
		}
		if remaining < timeout {
			timeout = remaining
		}
	}

	agent := fiber.Post(c.baseURL + "/chat.postMessage")
	if c.token != "" {
		agent.Set(fiber.HeaderAuthorization, "Bearer "+c.token)
	}
	agent.JSON(req).Timeout(timeout)
	if err := agent.Parse(); err != nil {
		return "", fmt.Errorf("prepare chat request: %w", err)
	}

	var resp postMessageResponse
	status, _, errs := agent.Struct(&resp)
	if len(errs) > 0 {
		return "", fmt.Errorf("chat request: %w", errors.Join(errs...))
	}
	if status >= fiber.StatusBadRequest {
		return "", fmt.Errorf("chat api returned status %d", status)
	}
	if !resp.OK {
		return "", fmt.Errorf("chat api error: %s", resp.Error)
	}
	return resp.TS, nil
}

func formatMentions(ids []string) string {
	seen := make(map[string]struct{}, len(ids))
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		parts = append(parts, "<@"+id+">")
	}
	return strings.Join(parts, " ")
}

package linkedin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Client talks to the social-platform messaging gateway. One instance per
// process; per-call timeouts come from the caller's context.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	log        *zap.Logger
}

func NewClient(baseURL, apiKey string, log *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{},
		baseURL:    baseURL,
		apiKey:     apiKey,
		log:        log.Named("linkedin"),
	}
}

type MessageResult struct {
	MessageID string `json:"message_id"`
	ChatURL   string `json:"chat_url"`
}

type RepostResult struct {
	RepostID string `json:"repost_id"`
	URL      string `json:"url"`
}

type Comment struct {
	ID         string    `json:"id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	Text       string    `json:"text"`
	PostedAt   time.Time `json:"posted_at"`
}

// apiResponse is the gateway's response envelope: everything arrives in a
// status/error shape and not every error carries a useful HTTP code.
type apiResponse struct {
	Status string          `json:"status"`
	Error  string          `json:"error"`
	Data   json.RawMessage `json:"data"`
}

func (c *Client) SendMessage(ctx context.Context, accountID, recipientID, text string) (MessageResult, error) {
	body := map[string]string{
		"account_id":   accountID,
		"recipient_id": recipientID,
		"text":         text,
	}
	var out MessageResult
	err := c.do(ctx, http.MethodPost, "/api/v1/messages", body, &out)
	return out, err
}

func (c *Client) CreateRepost(ctx context.Context, accountID, externalPostID, comment string) (RepostResult, error) {
	body := map[string]string{
		"account_id": accountID,
		"comment":    comment,
	}
	var out RepostResult
	path := fmt.Sprintf("/api/v1/posts/%s/reposts", url.PathEscape(externalPostID))
	err := c.do(ctx, http.MethodPost, path, body, &out)
	return out, err
}

func (c *Client) ListComments(ctx context.Context, accountID, externalPostID string, since time.Time) ([]Comment, error) {
	q := url.Values{"account_id": {accountID}}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	path := fmt.Sprintf("/api/v1/posts/%s/comments?%s", url.PathEscape(externalPostID), q.Encode())
	var out struct {
		Items []Comment `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "linkedin: encode request")
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "linkedin: build request")
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network failure or context deadline: transient by definition.
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransportError{Err: err}
	}

	var envelope apiResponse
	// A body that does not parse is still classified by status code.
	_ = json.Unmarshal(raw, &envelope)

	if resp.StatusCode >= 400 || envelope.Status == "error" {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Message:    envelope.Error,
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		c.log.Debug("api call failed",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("message", apiErr.Message))
		return apiErr
	}

	if out != nil {
		payload := envelope.Data
		if payload == nil {
			payload = raw
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return errors.Wrap(err, "linkedin: decode response")
		}
	}
	return nil
}

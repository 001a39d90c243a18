package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Client talks to the messaging backend's REST API. It covers the
// request/response half of the engine: conversation listing, message
// history, and the fallback send path.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates an API client with the given http.Client.
// If httpClient is nil, http.DefaultClient is used.
func NewClient(httpClient *http.Client, baseURL string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
	}
}

// do sends a request with an optional JSON body and decodes the
// response into result when non-nil.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API %s (%d): %s", endpoint, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("API %s returned status %d: %s", endpoint, resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// FetchConversations returns all conversation summaries for the user.
func (c *Client) FetchConversations(ctx context.Context) ([]Conversation, error) {
	var summaries []conversationSummary
	if err := c.do(ctx, http.MethodGet, "/messages/conversations", nil, &summaries); err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	conversations := make([]Conversation, 0, len(summaries))
	for _, s := range summaries {
		conversations = append(conversations, Conversation{
			ID:                 s.ID,
			Name:               s.Name,
			LastMessagePreview: s.LastMessage,
		})
	}

	return conversations, nil
}

// FetchMessages returns the historical messages for a conversation as
// raw payloads. Shapes vary by backend version, so decoding into the
// canonical record is the Normalizer's job.
func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]json.RawMessage, error) {
	endpoint := "/messages/conversations/" + url.PathEscape(conversationID)

	var raw []json.RawMessage
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &raw); err != nil {
		return nil, fmt.Errorf("fetching messages for %s: %w", conversationID, err)
	}

	return raw, nil
}

// PostMessage sends a message over REST. This is the fallback path used
// when the push transport rejects a publish.
func (c *Client) PostMessage(ctx context.Context, conversationID string, send SendRequest) error {
	endpoint := "/messages/conversations/" + url.PathEscape(conversationID) + "/messages"

	if err := c.do(ctx, http.MethodPost, endpoint, send, nil); err != nil {
		return fmt.Errorf("posting message to %s: %w", conversationID, err)
	}

	return nil
}

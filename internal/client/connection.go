// Package client implements the editor-side synchronization loop: a session
// continuously long-polls the server for remote updates and optimistically
// pushes local edits, rebasing them over concurrent remote changes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ekzhang/rushlight/internal/collab"
)

// Connection sends one protocol message for a document and returns the raw
// response payload. Implementations handle transport concerns only; the
// session interprets payloads.
type Connection interface {
	Do(ctx context.Context, message collab.Message) (json.RawMessage, error)
	Close() error
}

// HTTPConnection talks to the server's POST endpoint, one request per
// message.
type HTTPConnection struct {
	baseURL string
	docID   string
	client  *http.Client
}

// NewHTTPConnection returns a connection for one document. A nil httpClient
// selects http.DefaultClient; callers long-polling through proxies should
// supply a client whose timeout exceeds the server's blocking timeout.
func NewHTTPConnection(baseURL, docID string, httpClient *http.Client) *HTTPConnection {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPConnection{baseURL: baseURL, docID: docID, client: httpClient}
}

// Do posts the message and returns the response body.
func (c *HTTPConnection) Do(ctx context.Context, message collab.Message) (json.RawMessage, error) {
	body, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("client: encode message: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/collab/"+c.docID, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("client: transport: %w", err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("client: read response: %w", err)
	}
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: server returned status %d: %s", response.StatusCode, payload)
	}
	return payload, nil
}

// Close releases nothing; each request carries its own connection handling.
func (c *HTTPConnection) Close() error {
	return nil
}

// Package httpx submits queued mutations to a JSON-over-HTTP backend.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/candlefish/paintbox-sync/internal/errors"
	"github.com/candlefish/paintbox-sync/internal/models"
	"github.com/candlefish/paintbox-sync/internal/transport"
)

const maxErrorBody = 64 << 10

// Transport maps a submission to a REST call on a resource collection:
// create POSTs to the collection, update PUTs and delete DELETEs the member.
type Transport struct {
	endpoint string
	token    string
	client   *http.Client
}

// Option configures a Transport.
type Option func(*Transport)

// WithToken sends a bearer token on every request.
func WithToken(token string) Option {
	return func(t *Transport) { t.token = token }
}

// WithClient sets the HTTP client.
func WithClient(c *http.Client) Option {
	return func(t *Transport) { t.client = c }
}

// New creates a Transport for the collection at endpoint.
func New(endpoint string, opts ...Option) *Transport {
	t := &Transport{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type requestBody struct {
	ItemID  string          `json:"item_id"`
	Action  models.Action   `json:"action"`
	Force   bool            `json:"force,omitempty"`
	Attempt int             `json:"attempt"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type successBody struct {
	ID string `json:"id"`
}

type conflictBody struct {
	Version   string          `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Data      json.RawMessage `json:"data"`
}

// Submit sends the mutation and classifies the response: 409 is a conflict
// carrying the remote copy, 408/425/429/5xx are transient, any other 4xx is fatal.
func (t *Transport) Submit(ctx context.Context, sub transport.Submission) (string, error) {
	if sub.Payload == nil {
		return "", apperrors.Fatal("submission has no payload", nil)
	}
	data, err := json.Marshal(sub.Payload)
	if err != nil {
		return "", apperrors.Fatal("encode payload", err)
	}

	entityID := sub.Payload.EntityID()
	method, target := t.route(sub.Action, entityID)

	var body io.Reader
	if sub.Action != models.ActionDelete {
		buf, err := json.Marshal(requestBody{
			ItemID:  sub.ItemID,
			Action:  sub.Action,
			Force:   sub.Force,
			Attempt: sub.Attempt,
			Data:    data,
		})
		if err != nil {
			return "", apperrors.Fatal("encode request", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return "", apperrors.Fatal("build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Idempotency-Key", sub.ItemID)
	if sub.Force {
		req.Header.Set("X-Sync-Force", "true")
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", apperrors.Transient(fmt.Sprintf("%s %s", method, target), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out successBody
		if resp.StatusCode != http.StatusNoContent {
			_ = json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&out)
		}
		if out.ID == "" {
			out.ID = entityID
		}
		return out.ID, nil

	case resp.StatusCode == http.StatusConflict:
		var cb conflictBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if err := json.Unmarshal(raw, &cb); err != nil {
			return "", &apperrors.ConflictError{EntityID: sub.EntityKey, Err: fmt.Errorf("undecodable conflict response: %w", err)}
		}
		return "", &apperrors.ConflictError{
			EntityID:        sub.EntityKey,
			RemoteVersion:   cb.Version,
			RemoteTimestamp: cb.UpdatedAt,
			RemoteData:      cb.Data,
		}

	case retryable(resp.StatusCode):
		return "", apperrors.Transient(statusMessage(method, target, resp), nil)

	default:
		return "", apperrors.Fatal(statusMessage(method, target, resp), nil)
	}
}

func (t *Transport) route(action models.Action, entityID string) (string, string) {
	member := t.endpoint + "/" + url.PathEscape(entityID)
	switch action {
	case models.ActionCreate:
		return http.MethodPost, t.endpoint
	case models.ActionDelete:
		return http.MethodDelete, member
	default:
		return http.MethodPut, member
	}
}

func retryable(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

func statusMessage(method, target string, resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := method + " " + target + ": status " + strconv.Itoa(resp.StatusCode)
	if s := strings.TrimSpace(string(raw)); s != "" {
		msg += ": " + s
	}
	return msg
}

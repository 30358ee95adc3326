package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/craneworks/fieldsync/internal/entity"
	"github.com/craneworks/fieldsync/internal/observability"
	"github.com/craneworks/fieldsync/internal/sync"
	"github.com/craneworks/fieldsync/internal/syncerrors"
)

// TokenSource supplies the bearer token for API calls. An empty token
// means no session.
type TokenSource interface {
	Token() string
}

// Client is the HTTP implementation of the sync.RemoteAPI collaborator.
// Failures are translated into the syncerrors taxonomy so the retry
// classifier can tell transport trouble from rejections.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	logger  *observability.Logger
}

// NewClient creates an API client for the given base URL.
func NewClient(baseURL string, timeout time.Duration, tokens TokenSource, logger *observability.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
		logger:  logger.WithComponent("remote"),
	}
}

// entityPath maps an entity type to its REST collection path.
func entityPath(t entity.Type) string {
	switch t {
	case entity.Employee:
		return "employees"
	case entity.Project:
		return "projects"
	case entity.Task:
		return "tasks"
	case entity.WorkEntry:
		return "work-entries"
	case entity.LeaveRequest:
		return "leave-requests"
	case entity.Notification:
		return "notifications"
	}
	return string(t)
}

// Download fetches every record of one entity type.
func (c *Client) Download(ctx context.Context, entityType entity.Type) ([]entity.Record, error) {
	var records []entity.Record
	err := c.do(ctx, http.MethodGet, "/api/"+entityPath(entityType), nil, &records)
	return records, err
}

// Upload pushes a batch of locally modified records.
func (c *Client) Upload(ctx context.Context, entityType entity.Type, records []entity.Record) error {
	return c.do(ctx, http.MethodPost, "/api/"+entityPath(entityType)+"/batch", records, nil)
}

// Update pushes one modified record.
func (c *Client) Update(ctx context.Context, entityType entity.Type, record entity.Record) error {
	id := recordIDString(record)
	if id == "" {
		return &syncerrors.InvalidDataError{Detail: fmt.Sprintf("%s record without id", entityType)}
	}
	return c.do(ctx, http.MethodPut, "/api/"+entityPath(entityType)+"/"+url.PathEscape(id), record, nil)
}

// Delete removes one record server-side.
func (c *Client) Delete(ctx context.Context, entityType entity.Type, recordID string) error {
	return c.do(ctx, http.MethodDelete, "/api/"+entityPath(entityType)+"/"+url.PathEscape(recordID), nil, nil)
}

// FetchRecord retrieves a single record.
func (c *Client) FetchRecord(ctx context.Context, entityType entity.Type, recordID string) (entity.Record, error) {
	var record entity.Record
	err := c.do(ctx, http.MethodGet, "/api/"+entityPath(entityType)+"/"+url.PathEscape(recordID), nil, &record)
	return record, err
}

// changeDTO is the wire shape of one change-feed entry.
type changeDTO struct {
	Kind       string        `json:"kind"`
	EntityType string        `json:"entityType"`
	RecordID   string        `json:"recordId"`
	Record     entity.Record `json:"record,omitempty"`
}

// ChangesSince fetches the remote change feed since the given
// timestamp.
func (c *Client) ChangesSince(ctx context.Context, since time.Time) ([]sync.Change, error) {
	path := "/api/changes?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))

	var dtos []changeDTO
	if err := c.do(ctx, http.MethodGet, path, nil, &dtos); err != nil {
		return nil, err
	}

	changes := make([]sync.Change, 0, len(dtos))
	for _, dto := range dtos {
		changes = append(changes, sync.Change{
			Kind:       sync.ChangeKind(dto.Kind),
			EntityType: entity.Type(dto.EntityType),
			RecordID:   dto.RecordID,
			Record:     dto.Record,
		})
	}
	return changes, nil
}

// do runs one JSON request and decodes the response into out when out
// is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &syncerrors.InvalidDataError{Detail: err.Error()}
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return &syncerrors.InvalidDataError{Detail: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return syncerrors.ErrAuthenticationRequired
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.logger.Warn("api request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return &syncerrors.ServerError{StatusCode: resp.StatusCode, Message: string(msg)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &syncerrors.InvalidDataError{Detail: fmt.Sprintf("malformed response: %v", err)}
		}
	}
	return nil
}

// classifyTransportError maps an http.Client failure onto the network
// error taxonomy.
func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &syncerrors.NetworkError{Kind: syncerrors.NetworkTimeout, Err: err}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &syncerrors.NetworkError{Kind: syncerrors.NetworkUnreachable, Err: err}
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return &syncerrors.NetworkError{Kind: syncerrors.NetworkConnectionLost, Err: err}
	}

	return &syncerrors.UnknownError{Err: err}
}

// recordIDString mirrors the coordinator's id extraction for outbound
// updates.
func recordIDString(record entity.Record) string {
	if v, ok := record["id"]; ok {
		switch id := v.(type) {
		case string:
			return id
		case int:
			return fmt.Sprintf("%d", id)
		case int64:
			return fmt.Sprintf("%d", id)
		case float64:
			return fmt.Sprintf("%.0f", id)
		}
	}
	return ""
}

// StaticToken is a TokenSource around a fixed token, typically from the
// environment.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }

// IsAuthenticated satisfies the engine's AuthProvider.
func (t StaticToken) IsAuthenticated() bool { return t != "" }

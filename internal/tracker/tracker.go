// ABOUTME: Azure DevOps work item client used by the tool handlers
// ABOUTME: Sends authenticated REST calls and normalizes errors into RemoteError

package tracker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const apiVersion = "7.1"

// defaultBaseURL is the Azure DevOps REST endpoint. Overridable for tests.
const defaultBaseURL = "https://dev.azure.com"

// Work item field reference names.
const (
	FieldTitle        = "System.Title"
	FieldDescription  = "System.Description"
	FieldState        = "System.State"
	FieldAssignedTo   = "System.AssignedTo"
	FieldHistory      = "System.History"
	FieldWorkItemType = "System.WorkItemType"
	FieldParent       = "System.Parent"
)

// Work item link type reference names.
const (
	LinkHierarchyReverse  = "System.LinkTypes.Hierarchy-Reverse"
	LinkHierarchyForward  = "System.LinkTypes.Hierarchy-Forward"
	LinkDependencyForward = "System.LinkTypes.Dependency-Forward"
)

const (
	contentTypeJSON  = "application/json"
	contentTypePatch = "application/json-patch+json"
)

// RemoteError wraps any non-success response from the tracker, preserving
// the upstream status and body text for diagnosis.
type RemoteError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("tracker %s %s → %d: %s", e.Method, e.URL, e.Status, e.Body)
}

// PatchOp is a single JSON-patch operation. Mutating tracker calls send an
// ordered sequence of these with the json-patch content type.
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// AddField returns a patch op setting a work item field.
func AddField(field string, value any) PatchOp {
	return PatchOp{Op: "add", Path: "/fields/" + field, Value: value}
}

// AddRelation returns a patch op appending a relation to a work item.
func AddRelation(rel, url, comment string) PatchOp {
	return PatchOp{Op: "add", Path: "/relations/-", Value: map[string]any{
		"rel":        rel,
		"url":        url,
		"attributes": map[string]any{"comment": comment},
	}}
}

// WorkItem is the subset of the tracker's work item shape the gateway
// reads. Fields stay loosely typed; the tracker owns the schema.
type WorkItem struct {
	ID        int            `json:"id"`
	Fields    map[string]any `json:"fields"`
	Relations []Relation     `json:"relations"`
}

// Relation is a normalized work item relation descriptor.
type Relation struct {
	Rel        string         `json:"rel"`
	URL        string         `json:"url"`
	Attributes map[string]any `json:"attributes"`
}

// StringField returns the named field as a string, or "" when absent or
// not a string.
func (w *WorkItem) StringField(name string) string {
	s, _ := w.Fields[name].(string)
	return s
}

// Owner returns the display name for the work item's assignee. The tracker
// returns either a structured identity object or a plain string; a
// structured identity is reduced to its displayName.
func (w *WorkItem) Owner() string {
	return DisplayName(w.Fields[FieldAssignedTo])
}

// DisplayName normalizes an assignee value: the displayName of a
// structured identity, a raw string as-is, anything else empty.
func DisplayName(v any) string {
	switch assigned := v.(type) {
	case map[string]any:
		name, _ := assigned["displayName"].(string)
		return name
	case string:
		return assigned
	default:
		return ""
	}
}

// WIQLResult is the response shape for work item query language queries.
// Flat queries populate WorkItems; link queries populate WorkItemRelations.
type WIQLResult struct {
	WorkItems         []WIQLWorkItem `json:"workItems"`
	WorkItemRelations []WIQLRelation `json:"workItemRelations"`
}

// WIQLWorkItem is a work item reference in a query result.
type WIQLWorkItem struct {
	ID int `json:"id"`
}

// WIQLRelation is one row of a link query result. The source row of a
// hierarchy query has no target.
type WIQLRelation struct {
	Target *WIQLWorkItem `json:"target"`
}

// Config holds what the client needs to reach the tracker. BaseURL and
// HTTPClient default when empty and exist for tests.
type Config struct {
	Organization string
	Project      string
	PAT          string
	BaseURL      string
	HTTPClient   *http.Client
}

// Client issues authenticated REST calls against the tracker.
type Client struct {
	org     string
	project string
	pat     string
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a tracker client. Missing credential, organization, or
// project configuration fails fast before any network call is possible.
func New(cfg Config) (*Client, error) {
	if cfg.PAT == "" {
		return nil, fmt.Errorf("tracker credential (PAT) is not configured")
	}
	if cfg.Organization == "" {
		return nil, fmt.Errorf("tracker organization is not configured")
	}
	if cfg.Project == "" {
		return nil, fmt.Errorf("tracker project is not configured")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		org:     cfg.Organization,
		project: cfg.Project,
		pat:     cfg.PAT,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  slog.Default().With("component", "tracker"),
	}, nil
}

// OrgURL returns the organization root URL, used when building relation
// targets that point at other work items.
func (c *Client) OrgURL() string {
	return c.baseURL + "/" + c.org
}

func (c *Client) authHeader() string {
	token := base64.StdEncoding.EncodeToString([]byte(":" + c.pat))
	return "Basic " + token
}

// Call sends one REST request under the project's _apis root and decodes
// the JSON response. Non-success statuses return a *RemoteError carrying
// the upstream status and body text.
func (c *Client) Call(ctx context.Context, method, path string, body any, contentType string) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/%s/%s/_apis%s", c.baseURL, c.org, c.project, path)

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader())
	req.Header.Set("Accept", contentTypeJSON)
	if body != nil {
		if contentType == "" {
			contentType = contentTypeJSON
		}
		req.Header.Set("Content-Type", contentType)
	}

	c.logger.Debug("tracker call", "method", method, "path", path)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading tracker response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RemoteError{
			Method: method,
			URL:    url,
			Status: resp.StatusCode,
			Body:   string(respBody),
		}
	}

	return json.RawMessage(respBody), nil
}

// GetWorkItem fetches one work item, optionally with relations expanded.
func (c *Client) GetWorkItem(ctx context.Context, id string, expandRelations bool) (*WorkItem, error) {
	path := fmt.Sprintf("/wit/workitems/%s?api-version=%s", id, apiVersion)
	if expandRelations {
		path = fmt.Sprintf("/wit/workitems/%s?$expand=relations&api-version=%s", id, apiVersion)
	}

	raw, err := c.Call(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	return decodeWorkItem(raw)
}

// CreateWorkItem creates a work item of the given type from an ordered
// sequence of patch operations.
func (c *Client) CreateWorkItem(ctx context.Context, itemType string, ops []PatchOp) (*WorkItem, error) {
	path := fmt.Sprintf("/wit/workitems/$%s?api-version=%s", itemType, apiVersion)
	raw, err := c.Call(ctx, http.MethodPost, path, ops, contentTypePatch)
	if err != nil {
		return nil, err
	}
	return decodeWorkItem(raw)
}

// PatchWorkItem applies an ordered sequence of patch operations to an
// existing work item and returns its updated representation.
func (c *Client) PatchWorkItem(ctx context.Context, id string, ops []PatchOp) (*WorkItem, error) {
	path := fmt.Sprintf("/wit/workitems/%s?api-version=%s", id, apiVersion)
	raw, err := c.Call(ctx, http.MethodPatch, path, ops, contentTypePatch)
	if err != nil {
		return nil, err
	}
	return decodeWorkItem(raw)
}

// QueryWIQL runs a work item query language query.
func (c *Client) QueryWIQL(ctx context.Context, query string) (*WIQLResult, error) {
	path := fmt.Sprintf("/wit/wiql?api-version=%s", apiVersion)
	raw, err := c.Call(ctx, http.MethodPost, path, map[string]string{"query": query}, contentTypeJSON)
	if err != nil {
		return nil, err
	}

	var result WIQLResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding query result: %w", err)
	}
	return &result, nil
}

// GetWorkItemsBatch fetches the named fields for a set of work item ids.
func (c *Client) GetWorkItemsBatch(ctx context.Context, ids, fields []string) ([]WorkItem, error) {
	path := fmt.Sprintf("/wit/workitems?ids=%s&fields=%s&api-version=%s",
		strings.Join(ids, ","), strings.Join(fields, ","), apiVersion)

	raw, err := c.Call(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}

	var batch struct {
		Value []WorkItem `json:"value"`
	}
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, fmt.Errorf("decoding batch result: %w", err)
	}
	return batch.Value, nil
}

func decodeWorkItem(raw json.RawMessage) (*WorkItem, error) {
	var wi WorkItem
	if err := json.Unmarshal(raw, &wi); err != nil {
		return nil, fmt.Errorf("decoding work item: %w", err)
	}
	return &wi, nil
}

package clickup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"clickup-tracker/domain"
)

const (
	// DefaultBaseURL is the public REST endpoint of the service.
	DefaultBaseURL = "https://api.clickup.com/api/v2"

	// Settings keys read on every request so credential changes apply
	// without a restart.
	TokenKey  = "settings.clickup_access_token"
	TeamIDKey = "settings.clickup_team_id"

	maxBodySize = 32 << 20
)

var (
	// ErrNoToken is returned when no access token is configured.
	ErrNoToken = errors.New("clickup access token is not configured")
	// ErrNoTeam is returned when no team id is configured.
	ErrNoTeam = errors.New("clickup team id is not configured")
)

// Settings is the read-only view of the user settings the client needs.
type Settings interface {
	GetString(key string) string
}

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Settings   Settings
	UserAgent  string
}

// Client talks to the remote project-management REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	settings   Settings
	userAgent  string
}

func New(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.Settings == nil {
		panic("clickup.New: settings is nil")
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		settings:   opts.Settings,
		userAgent:  strings.TrimSpace(opts.UserAgent),
	}
}

// TeamID returns the configured team id.
func (c *Client) TeamID() string {
	return strings.TrimSpace(c.settings.GetString(TeamIDKey))
}

type collectionPayload struct {
	Spaces   []domain.RawItem `json:"spaces"`
	Folders  []domain.RawItem `json:"folders"`
	Lists    []domain.RawItem `json:"lists"`
	Tasks    []domain.RawItem `json:"tasks"`
	LastPage *bool            `json:"last_page"`
}

// FetchCollection issues one GET for a collection of the hierarchy. For the
// spaces collection an empty parentID selects the configured team. page is
// only used by paged collections.
func (c *Client) FetchCollection(ctx context.Context, coll domain.Collection, parentID string, page int) (domain.Page, error) {
	q := url.Values{"archived": {"false"}}
	var path string
	switch coll {
	case domain.CollectionSpaces:
		if parentID == "" {
			parentID = c.TeamID()
		}
		path = "/team/" + url.PathEscape(parentID) + "/space"
	case domain.CollectionFolders:
		path = "/space/" + url.PathEscape(parentID) + "/folder"
	case domain.CollectionFolderLists:
		path = "/folder/" + url.PathEscape(parentID) + "/list"
	case domain.CollectionSpaceLists:
		path = "/space/" + url.PathEscape(parentID) + "/list"
	case domain.CollectionTasks:
		path = "/list/" + url.PathEscape(parentID) + "/task"
		q.Set("include_markdown_description", "false")
		q.Set("subtasks", "true")
		q.Set("include_closed", "false")
		q.Set("page", strconv.Itoa(page))
	default:
		return domain.Page{}, fmt.Errorf("unknown collection %d", coll)
	}
	if parentID == "" {
		op := "GET " + coll.String()
		if coll == domain.CollectionSpaces {
			return domain.Page{}, &domain.TransportError{Op: op, Status: http.StatusBadRequest, Err: ErrNoTeam}
		}
		return domain.Page{}, &domain.TransportError{Op: op, Status: http.StatusBadRequest, Err: errors.New("missing parent id")}
	}

	var payload collectionPayload
	if err := c.do(ctx, http.MethodGet, path, q, nil, &payload); err != nil {
		return domain.Page{}, err
	}

	var items []domain.RawItem
	switch coll {
	case domain.CollectionSpaces:
		items = payload.Spaces
	case domain.CollectionFolders:
		items = payload.Folders
	case domain.CollectionFolderLists, domain.CollectionSpaceLists:
		items = payload.Lists
	case domain.CollectionTasks:
		items = payload.Tasks
	}
	valid := items[:0]
	for _, it := range items {
		if it.Validate() == nil {
			valid = append(valid, it)
		}
	}

	last := true
	if coll.Paged() {
		last = len(items) < domain.TaskPageSize || (payload.LastPage != nil && *payload.LastPage)
	}
	return domain.Page{Items: valid, LastPage: last}, nil
}

// GetTask fetches a single task without its subtasks.
func (c *Client) GetTask(ctx context.Context, taskID string) (domain.RawItem, error) {
	q := url.Values{
		"include_subtasks":             {"false"},
		"include_markdown_description": {"false"},
	}
	var task domain.RawItem
	if err := c.do(ctx, http.MethodGet, "/task/"+url.PathEscape(taskID), q, nil, &task); err != nil {
		return domain.RawItem{}, err
	}
	if err := task.Validate(); err != nil {
		return domain.RawItem{}, &domain.TransportError{Op: "get task", Err: err}
	}
	return task, nil
}

// SpaceIDFromTask resolves the space a task belongs to.
func (c *Client) SpaceIDFromTask(ctx context.Context, taskID string) (string, error) {
	task, err := c.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	return task.SpaceID(), nil
}

// TokenValid checks a candidate token against the user endpoint.
func (c *Client) TokenValid(ctx context.Context, token string) (bool, error) {
	var payload struct {
		User *domain.User `json:"user"`
	}
	err := c.doWithToken(ctx, token, http.MethodGet, "/user", nil, nil, &payload)
	if err != nil {
		var te *domain.TransportError
		if errors.As(err, &te) && (te.Status == http.StatusUnauthorized || te.Status == http.StatusForbidden) {
			return false, nil
		}
		return false, err
	}
	return payload.User != nil, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	token := strings.TrimSpace(c.settings.GetString(TokenKey))
	return c.doWithToken(ctx, token, method, path, q, body, out)
}

func (c *Client) doWithToken(ctx context.Context, token, method, path string, q url.Values, body, out any) error {
	op := method + " " + path
	if token == "" {
		return &domain.TransportError{Op: op, Status: http.StatusUnauthorized, Err: ErrNoToken}
	}

	var reader io.Reader
	if body != nil {
		data, err := sonic.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	target := c.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domain.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return &domain.TransportError{Op: op, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &domain.TransportError{Op: op, Status: resp.StatusCode, Err: errors.New(errorMessage(data, resp.Status))}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return &domain.TransportError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

func errorMessage(body []byte, fallback string) string {
	var payload struct {
		Err   string `json:"err"`
		ECode string `json:"ECODE"`
	}
	if err := sonic.Unmarshal(body, &payload); err == nil && payload.Err != "" {
		if payload.ECode != "" {
			return payload.Err + " (" + payload.ECode + ")"
		}
		return payload.Err
	}
	return fallback
}

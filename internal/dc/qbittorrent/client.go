package qbittorrent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/go-resty/resty/v2"
	"github.com/italolelis/seedbox_governor/internal/logctx"
	"github.com/italolelis/seedbox_governor/internal/telemetry"
	"github.com/italolelis/seedbox_governor/internal/transfer"
)

const (
	sessionCookie = "SID"

	loginPath  = "/api/v2/auth/login"
	infoPath   = "/api/v2/torrents/info"
	addPath    = "/api/v2/torrents/add"
	deletePath = "/api/v2/torrents/delete"

	pauseVerb = "pause"
	// WebUI API 2.11 (qBittorrent 5) renamed pause to stop.
	stopVerb = "stop"

	replyFails = "Fails."
)

// Client talks to the qBittorrent WebUI API. It owns the session cookie:
// the session is acquired lazily, refreshed once when a call is rejected
// as unauthorized, and never shared with other instances.
type Client struct {
	BaseURL  string
	Username string
	Password string

	http           *resty.Client
	telemetry      *telemetry.Telemetry
	lookupAttempts int
	lookupDelay    time.Duration

	mu        sync.RWMutex
	sid       string
	pauseVerb string
}

var _ transfer.Client = (*Client)(nil)

type Option func(*Client)

// WithTimeout bounds every request made by the client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.SetTimeout(d)
	}
}

// WithTelemetry instruments the HTTP transport and counts re-authentications.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(c *Client) {
		c.telemetry = tel
		c.http.SetTransport(tel.Transport(http.DefaultTransport))
	}
}

// WithAddLookup controls how long AddTransfer waits for a new job to show up in the job list.
func WithAddLookup(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		c.lookupAttempts = attempts
		c.lookupDelay = delay
	}
}

func NewClient(baseURL, username, password string, opts ...Option) *Client {
	client := &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Username: username,
		Password: password,
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(10 * time.Second).
			// The session cookie is managed explicitly, never by a jar.
			SetCookieJar(nil),
		lookupAttempts: 5,
		lookupDelay:    time.Second,
		pauseVerb:      pauseVerb,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// Authenticate logs in and replaces the current session.
func (c *Client) Authenticate(ctx context.Context) error {
	if err := c.checkConfig(); err != nil {
		return err
	}

	logger := logctx.LoggerFromContext(ctx).With("method", "auth.login")

	logger.DebugContext(ctx, "sending login", "url", c.BaseURL)

	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"username": c.Username,
			"password": c.Password,
		}).
		Post(loginPath)
	if err != nil {
		logger.ErrorContext(ctx, "login request failed", "err", err)

		return &transfer.NetworkError{Operation: "login", APIMessage: err.Error(), Err: err}
	}

	if isUnauthorized(resp) {
		return &transfer.AuthenticationError{
			Operation: "login",
			Err:       fmt.Errorf("HTTP %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String())),
		}
	}

	if err := checkStatus("login", resp); err != nil {
		return err
	}

	if strings.TrimSpace(resp.String()) == replyFails {
		logger.ErrorContext(ctx, "login rejected")

		return &transfer.AuthenticationError{Operation: "login", Err: errors.New("invalid username or password")}
	}

	var sid string

	for _, cookie := range resp.Cookies() {
		if cookie.Name == sessionCookie {
			sid = cookie.Value
		}
	}

	if sid == "" {
		return &transfer.AuthenticationError{Operation: "login", Err: errors.New("no session cookie in login response")}
	}

	c.mu.Lock()
	c.sid = sid
	c.mu.Unlock()

	logger.DebugContext(ctx, "authenticated")

	return nil
}

// ListTransfers returns every job known to the remote.
func (c *Client) ListTransfers(ctx context.Context) ([]*transfer.Transfer, error) {
	resp, err := c.do(ctx, "list_transfers", func(r *resty.Request) (*resty.Response, error) {
		return r.Get(infoPath)
	})
	if err != nil {
		return nil, err
	}

	return decodeTransfers("list_transfers", resp)
}

// GetTransfer returns the job with the given info hash, or transfer.ErrNotFound.
func (c *Client) GetTransfer(ctx context.Context, id string) (*transfer.Transfer, error) {
	resp, err := c.do(ctx, "get_transfer", func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParam("hashes", id).Get(infoPath)
	})
	if err != nil {
		return nil, err
	}

	transfers, err := decodeTransfers("get_transfer", resp)
	if err != nil {
		return nil, err
	}

	for _, t := range transfers {
		if strings.EqualFold(t.ID, id) {
			return t, nil
		}
	}

	return nil, transfer.ErrNotFound
}

// AddTransfer submits a magnet-style source. When the source carries an info hash
// the new job is looked up and returned; otherwise the job is nil on success.
func (c *Client) AddTransfer(ctx context.Context, source string, savePath string) (*transfer.Transfer, error) {
	logger := logctx.LoggerFromContext(ctx).With("method", "torrents.add", "save_path", savePath)

	source = strings.TrimSpace(source)
	if source == "" {
		return nil, &transfer.RejectedError{Operation: "add_transfer", Reason: "empty source"}
	}

	form := map[string]string{"urls": source}
	if savePath != "" {
		form["savepath"] = savePath
	}

	resp, err := c.do(ctx, "add_transfer", func(r *resty.Request) (*resty.Response, error) {
		return r.SetMultipartFormData(form).Post(addPath)
	})
	if err != nil {
		return nil, err
	}

	if err := checkStatus("add_transfer", resp); err != nil {
		return nil, err
	}

	if strings.TrimSpace(resp.String()) == replyFails {
		return nil, &transfer.RejectedError{Operation: "add_transfer", Reason: "source was not accepted"}
	}

	hash := infoHash(source)
	if hash == "" {
		logger.InfoContext(ctx, "transfer added, source has no info hash to look up")

		return nil, nil
	}

	logger.InfoContext(ctx, "transfer added", "transfer_id", hash)

	return c.lookupAdded(ctx, hash)
}

// PauseTransfers pauses all ids in a single call.
func (c *Client) PauseTransfers(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	verb := c.currentPauseVerb()

	resp, err := c.postHashes(ctx, "pause_transfers", verb, ids)
	if err != nil {
		return err
	}

	if resp.StatusCode() == http.StatusNotFound && verb == pauseVerb {
		logctx.LoggerFromContext(ctx).InfoContext(ctx, "pause endpoint not available, switching to stop")

		c.mu.Lock()
		c.pauseVerb = stopVerb
		c.mu.Unlock()

		resp, err = c.postHashes(ctx, "pause_transfers", stopVerb, ids)
		if err != nil {
			return err
		}
	}

	return checkStatus("pause_transfers", resp)
}

// DeleteTransfers removes jobs, optionally purging their files.
func (c *Client) DeleteTransfers(ctx context.Context, ids []string, deleteFiles bool) error {
	if len(ids) == 0 {
		return nil
	}

	resp, err := c.do(ctx, "delete_transfers", func(r *resty.Request) (*resty.Response, error) {
		return r.SetFormData(map[string]string{
			"hashes":      strings.Join(ids, "|"),
			"deleteFiles": strconv.FormatBool(deleteFiles),
		}).Post(deletePath)
	})
	if err != nil {
		return err
	}

	return checkStatus("delete_transfers", resp)
}

func (c *Client) postHashes(ctx context.Context, operation, verb string, ids []string) (*resty.Response, error) {
	return c.do(ctx, operation, func(r *resty.Request) (*resty.Response, error) {
		return r.SetFormData(map[string]string{"hashes": strings.Join(ids, "|")}).Post("/api/v2/torrents/" + verb)
	})
}

// do runs an authenticated call. An unauthorized reply invalidates the
// session, triggers one re-authentication and one retry; a second
// unauthorized reply is returned as a SessionExpiredError.
func (c *Client) do(ctx context.Context, operation string, send func(r *resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	if err := c.checkConfig(); err != nil {
		return nil, err
	}

	logger := logctx.LoggerFromContext(ctx).With("operation", operation)

	if c.session() == "" {
		if err := c.Authenticate(ctx); err != nil {
			return nil, err
		}
	}

	resp, sid, err := c.send(ctx, operation, send)
	if err != nil {
		return nil, err
	}

	if !isUnauthorized(resp) {
		return resp, nil
	}

	logger.InfoContext(ctx, "session rejected, re-authenticating")

	c.invalidate(sid)

	if err := c.Authenticate(ctx); err != nil {
		c.telemetry.RecordReauthentication("error")

		return nil, err
	}

	c.telemetry.RecordReauthentication("success")

	resp, sid, err = c.send(ctx, operation, send)
	if err != nil {
		return nil, err
	}

	if isUnauthorized(resp) {
		c.invalidate(sid)

		logger.ErrorContext(ctx, "session rejected after re-authentication")

		return nil, &transfer.SessionExpiredError{Operation: operation}
	}

	return resp, nil
}

func (c *Client) send(ctx context.Context, operation string, send func(r *resty.Request) (*resty.Response, error)) (*resty.Response, string, error) {
	sid := c.session()

	resp, err := send(c.http.R().
		SetContext(ctx).
		SetCookie(&http.Cookie{Name: sessionCookie, Value: sid}))
	if err != nil {
		return nil, sid, &transfer.NetworkError{Operation: operation, APIMessage: err.Error(), Err: err}
	}

	return resp, sid, nil
}

func (c *Client) lookupAdded(ctx context.Context, hash string) (*transfer.Transfer, error) {
	logger := logctx.LoggerFromContext(ctx).With("transfer_id", hash)

	for attempt := 1; attempt <= c.lookupAttempts; attempt++ {
		t, err := c.GetTransfer(ctx, hash)
		if err == nil {
			return t, nil
		}

		if !errors.Is(err, transfer.ErrNotFound) {
			logger.WarnContext(ctx, "failed to look up added transfer", "err", err)

			return nil, nil
		}

		if attempt == c.lookupAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(c.lookupDelay):
		}
	}

	logger.WarnContext(ctx, "added transfer did not show up in the job list", "attempts", c.lookupAttempts)

	return nil, nil
}

func (c *Client) checkConfig() error {
	switch {
	case c.BaseURL == "":
		return &transfer.ConfigurationError{Field: "url"}
	case c.Username == "":
		return &transfer.ConfigurationError{Field: "username"}
	case c.Password == "":
		return &transfer.ConfigurationError{Field: "password"}
	}

	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		return &transfer.ConfigurationError{Field: "url"}
	}

	return nil
}

func (c *Client) session() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.sid
}

// invalidate clears the session unless another caller already replaced it.
func (c *Client) invalidate(sid string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sid == sid {
		c.sid = ""
	}
}

func (c *Client) currentPauseVerb() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.pauseVerb
}

func isUnauthorized(resp *resty.Response) bool {
	return resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden
}

func checkStatus(operation string, resp *resty.Response) error {
	code := resp.StatusCode()
	body := strings.TrimSpace(resp.String())

	switch {
	case code >= http.StatusOK && code < http.StatusMultipleChoices:
		return nil
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: %w", operation, transfer.ErrNotFound)
	case code >= http.StatusBadRequest && code < http.StatusInternalServerError:
		if body == "" {
			body = http.StatusText(code)
		}

		return &transfer.RejectedError{Operation: operation, Reason: body}
	default:
		if body == "" {
			body = http.StatusText(code)
		}

		return &transfer.NetworkError{Operation: operation, StatusCode: code, APIMessage: body}
	}
}

// torrentInfo is one element of the /torrents/info reply.
type torrentInfo struct {
	Hash         string  `json:"hash"`
	Name         string  `json:"name"`
	State        string  `json:"state"`
	Progress     float64 `json:"progress"`
	DLSpeed      int64   `json:"dlspeed"`
	UPSpeed      int64   `json:"upspeed"`
	NumSeeds     int64   `json:"num_seeds"`
	NumLeechs    int64   `json:"num_leechs"`
	SavePath     string  `json:"save_path"`
	Size         int64   `json:"size"`
	AddedOn      int64   `json:"added_on"`
	CompletionOn int64   `json:"completion_on"`
}

func (t torrentInfo) toTransfer() *transfer.Transfer {
	return &transfer.Transfer{
		ID:            strings.ToLower(t.Hash),
		Name:          t.Name,
		State:         transfer.ParseState(t.State),
		RawState:      t.State,
		Progress:      t.Progress,
		DownloadSpeed: t.DLSpeed,
		UploadSpeed:   t.UPSpeed,
		Seeds:         t.NumSeeds,
		Peers:         t.NumLeechs,
		SavePath:      t.SavePath,
		Size:          t.Size,
		AddedAt:       epoch(t.AddedOn),
		CompletedAt:   epoch(t.CompletionOn),
	}
}

func decodeTransfers(operation string, resp *resty.Response) ([]*transfer.Transfer, error) {
	if err := checkStatus(operation, resp); err != nil {
		return nil, err
	}

	var infos []torrentInfo
	if err := json.Unmarshal(resp.Body(), &infos); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", operation, err)
	}

	transfers := make([]*transfer.Transfer, 0, len(infos))
	for _, info := range infos {
		transfers = append(transfers, info.toTransfer())
	}

	return transfers, nil
}

// epoch converts WebUI timestamps; zero and negative values mean "not set".
func epoch(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}

	return time.Unix(sec, 0)
}

// infoHash extracts the v1 info hash of a magnet URI, or "" for other sources.
func infoHash(source string) string {
	m, err := metainfo.ParseMagnetUri(source)
	if err != nil {
		return ""
	}

	return m.InfoHash.HexString()
}

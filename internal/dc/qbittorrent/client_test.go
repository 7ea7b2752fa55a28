package qbittorrent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/seedbox_governor/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMagnet = "magnet:?xt=urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a&dn=ubuntu.iso"

// fakeQBit emulates the subset of the WebUI API the client uses.
type fakeQBit struct {
	mu sync.Mutex

	username string
	password string
	sessions map[string]bool
	nextSID  int
	logins   int

	calls    map[string]int
	forms    map[string]url.Values
	torrents []map[string]any
	status   map[string]int

	// expireOnce drops the caller's session the next time the path is hit.
	expireOnce map[string]bool
	// alwaysForbid rejects every call to the path, even with a fresh session.
	alwaysForbid map[string]bool

	onAdd func(f *fakeQBit, urls string)
}

func newFakeQBit(t *testing.T) (*fakeQBit, *httptest.Server) {
	t.Helper()

	f := &fakeQBit{
		username:     "admin",
		password:     "secret",
		sessions:     map[string]bool{},
		calls:        map[string]int{},
		forms:        map[string]url.Values{},
		status:       map[string]int{},
		expireOnce:   map[string]bool{},
		alwaysForbid: map[string]bool{},
	}

	ts := httptest.NewServer(f)
	t.Cleanup(ts.Close)

	return f, ts
}

func (f *fakeQBit) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.Path
	f.calls[path]++

	if path == loginPath {
		_ = r.ParseForm()
		f.logins++

		if r.PostForm.Get("username") != f.username || r.PostForm.Get("password") != f.password {
			fmt.Fprint(w, "Fails.")

			return
		}

		f.nextSID++
		sid := fmt.Sprintf("sid-%d", f.nextSID)
		f.sessions[sid] = true

		http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: sid})
		fmt.Fprint(w, "Ok.")

		return
	}

	cookie, err := r.Cookie(sessionCookie)
	if err != nil || !f.sessions[cookie.Value] {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, "Forbidden")

		return
	}

	if f.expireOnce[path] || f.alwaysForbid[path] {
		delete(f.expireOnce, path)
		delete(f.sessions, cookie.Value)
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, "Forbidden")

		return
	}

	if code, ok := f.status[path]; ok {
		w.WriteHeader(code)

		return
	}

	switch path {
	case infoPath:
		hashes := r.URL.Query().Get("hashes")
		result := []map[string]any{}

		for _, t := range f.torrents {
			if hashes == "" || t["hash"] == hashes {
				result = append(result, t)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	case addPath:
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		f.forms[path] = url.Values(r.MultipartForm.Value)

		if f.onAdd != nil {
			f.onAdd(f, r.MultipartForm.Value["urls"][0])
		}

		fmt.Fprint(w, "Ok.")
	case "/api/v2/torrents/pause", "/api/v2/torrents/stop", deletePath:
		_ = r.ParseForm()
		f.forms[path] = r.PostForm
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeQBit) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[path]
}

func (f *fakeQBit) form(path string) url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.forms[path]
}

func torrentJSON(hash, name, state string, progress float64) map[string]any {
	return map[string]any{
		"hash":          hash,
		"name":          name,
		"state":         state,
		"progress":      progress,
		"dlspeed":       1024,
		"upspeed":       0,
		"num_seeds":     7,
		"num_leechs":    2,
		"save_path":     "/downloads",
		"size":          4096,
		"added_on":      1700000000,
		"completion_on": -1,
	}
}

func newTestClient(ts *httptest.Server) *Client {
	return NewClient(ts.URL, "admin", "secret", WithAddLookup(3, time.Millisecond))
}

func TestNewClient(t *testing.T) {
	client := NewClient("http://localhost:8080/", "user", "pass")

	assert.Equal(t, "http://localhost:8080", client.BaseURL)
	assert.Equal(t, "user", client.Username)
	assert.Equal(t, "pass", client.Password)
	assert.Empty(t, client.session())
}

func TestMissingConfiguration_FailsWithoutNetworkCall(t *testing.T) {
	f, ts := newFakeQBit(t)

	tests := []struct {
		name   string
		client *Client
		field  string
	}{
		{"no url", NewClient("", "admin", "secret"), "url"},
		{"no username", NewClient(ts.URL, "", "secret"), "username"},
		{"no password", NewClient(ts.URL, "admin", ""), "password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.client.ListTransfers(context.Background())

			var cfgErr *transfer.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}

	assert.Zero(t, f.count(loginPath))
	assert.Zero(t, f.count(infoPath))
}

func TestAuthenticate(t *testing.T) {
	f, ts := newFakeQBit(t)
	client := newTestClient(ts)

	require.NoError(t, client.Authenticate(context.Background()))
	assert.Equal(t, "sid-1", client.session())

	require.NoError(t, client.Authenticate(context.Background()))
	assert.Equal(t, "sid-2", client.session(), "every successful login overwrites the session")
	assert.Equal(t, 2, f.count(loginPath))
}

func TestAuthenticate_Error(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
	}{
		{"bad credentials", http.StatusOK, "Fails."},
		{"banned", http.StatusForbidden, "Your IP address has been banned"},
		{"unauthorized", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				fmt.Fprint(w, tt.body)
			}))
			defer ts.Close()

			client := NewClient(ts.URL, "admin", "wrong")
			err := client.Authenticate(context.Background())

			var authErr *transfer.AuthenticationError
			require.ErrorAs(t, err, &authErr)
			assert.Equal(t, "login", authErr.Operation)
			assert.Empty(t, client.session())
		})
	}
}

func TestAuthenticate_NoRetryLoopOnBadCredentials(t *testing.T) {
	f, ts := newFakeQBit(t)
	client := NewClient(ts.URL, "admin", "wrong")

	_, err := client.ListTransfers(context.Background())

	var authErr *transfer.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 1, f.count(loginPath))
	assert.Zero(t, f.count(infoPath))
}

func TestListTransfers_AuthenticatesLazilyOnce(t *testing.T) {
	f, ts := newFakeQBit(t)
	f.torrents = []map[string]any{torrentJSON("aaa", "one", "downloading", 0.5)}
	client := newTestClient(ts)

	for i := 0; i < 3; i++ {
		_, err := client.ListTransfers(context.Background())
		require.NoError(t, err)
	}

	assert.Equal(t, 1, f.count(loginPath))
	assert.Equal(t, 3, f.count(infoPath))
}

func TestListTransfers_ReauthenticatesOnceOnExpiredSession(t *testing.T) {
	f, ts := newFakeQBit(t)
	f.torrents = []map[string]any{torrentJSON("aaa", "one", "uploading", 1)}
	client := newTestClient(ts)

	require.NoError(t, client.Authenticate(context.Background()))

	f.expireOnce[infoPath] = true

	transfers, err := client.ListTransfers(context.Background())
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.Equal(t, "aaa", transfers[0].ID)

	assert.Equal(t, 2, f.count(loginPath), "initial login plus exactly one re-authentication")
	assert.Equal(t, 2, f.count(infoPath), "original call plus exactly one retry")
	assert.Equal(t, "sid-2", client.session())
}

func TestListTransfers_SecondRejectionIsSurfaced(t *testing.T) {
	f, ts := newFakeQBit(t)
	f.alwaysForbid[infoPath] = true
	client := newTestClient(ts)

	_, err := client.ListTransfers(context.Background())

	var expired *transfer.SessionExpiredError
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, "list_transfers", expired.Operation)
	assert.Equal(t, 2, f.count(loginPath))
	assert.Equal(t, 2, f.count(infoPath))
	assert.Empty(t, client.session())
}

func TestListTransfers_ParsesSnapshot(t *testing.T) {
	f, ts := newFakeQBit(t)

	done := torrentJSON("BBB", "two", "stalledUP", 1)
	done["completion_on"] = 1700003600

	f.torrents = []map[string]any{
		torrentJSON("aaa", "one", "downloading", 0.25),
		done,
		torrentJSON("ccc", "three", "missingFiles", 0.1),
		torrentJSON("ddd", "four", "somethingNew", 0.1),
	}
	client := newTestClient(ts)

	transfers, err := client.ListTransfers(context.Background())
	require.NoError(t, err)
	require.Len(t, transfers, 4)

	first := transfers[0]
	assert.Equal(t, "aaa", first.ID)
	assert.Equal(t, "one", first.Name)
	assert.Equal(t, transfer.StateDownloading, first.State)
	assert.InDelta(t, 0.25, first.Progress, 1e-9)
	assert.Equal(t, int64(1024), first.DownloadSpeed)
	assert.Equal(t, int64(7), first.Seeds)
	assert.Equal(t, int64(2), first.Peers)
	assert.Equal(t, "/downloads", first.SavePath)
	assert.Equal(t, int64(4096), first.Size)
	assert.Equal(t, time.Unix(1700000000, 0), first.AddedAt)
	assert.True(t, first.CompletedAt.IsZero())

	assert.Equal(t, "bbb", transfers[1].ID, "ids are normalised to lower case")
	assert.Equal(t, transfer.StateStalled, transfers[1].State)
	assert.Equal(t, "stalledUP", transfers[1].RawState)
	assert.Equal(t, time.Unix(1700003600, 0), transfers[1].CompletedAt)

	assert.Equal(t, transfer.StateErrored, transfers[2].State)
	assert.Equal(t, transfer.StateUnknown, transfers[3].State)
}

func TestListTransfers_ServerError(t *testing.T) {
	f, ts := newFakeQBit(t)
	f.status[infoPath] = http.StatusServiceUnavailable
	client := newTestClient(ts)

	_, err := client.ListTransfers(context.Background())

	var netErr *transfer.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, http.StatusServiceUnavailable, netErr.StatusCode)
}

func TestListTransfers_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	ts.Close()

	client := NewClient(ts.URL, "admin", "secret")

	_, err := client.ListTransfers(context.Background())

	var netErr *transfer.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, "login", netErr.Operation)
}

func TestGetTransfer(t *testing.T) {
	f, ts := newFakeQBit(t)
	f.torrents = []map[string]any{
		torrentJSON("aaa", "one", "downloading", 0.5),
		torrentJSON("bbb", "two", "uploading", 1),
	}
	client := newTestClient(ts)

	got, err := client.GetTransfer(context.Background(), "bbb")
	require.NoError(t, err)
	assert.Equal(t, "two", got.Name)
	assert.Equal(t, transfer.StateSeeding, got.State)

	_, err = client.GetTransfer(context.Background(), "zzz")
	assert.ErrorIs(t, err, transfer.ErrNotFound)
}

func TestAddTransfer_ReturnsLookedUpJob(t *testing.T) {
	f, ts := newFakeQBit(t)

	adds := 0
	f.onAdd = func(f *fakeQBit, urls string) {
		adds++
		f.torrents = append(f.torrents, torrentJSON("c12fe1c06bba254a9dc9f519b335aa7c1367a88a", "ubuntu.iso", "metaDL", 0))
	}
	client := newTestClient(ts)

	got, err := client.AddTransfer(context.Background(), testMagnet, "/data/linux")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "c12fe1c06bba254a9dc9f519b335aa7c1367a88a", got.ID)
	assert.Equal(t, transfer.StateDownloading, got.State)

	f.mu.Lock()
	assert.Equal(t, 1, adds)
	f.mu.Unlock()
	assert.Equal(t, testMagnet, f.form(addPath).Get("urls"))
	assert.Equal(t, "/data/linux", f.form(addPath).Get("savepath"))
}

func TestAddTransfer_WithoutSavePath(t *testing.T) {
	f, ts := newFakeQBit(t)
	client := newTestClient(ts)

	got, err := client.AddTransfer(context.Background(), testMagnet, "")
	require.NoError(t, err)
	assert.Nil(t, got, "job never showed up, add still succeeded")

	_, hasSavePath := f.form(addPath)["savepath"]
	assert.False(t, hasSavePath)
	assert.Equal(t, 3, f.count(infoPath), "bounded lookup attempts")
}

func TestAddTransfer_NonMagnetSource(t *testing.T) {
	f, ts := newFakeQBit(t)
	client := newTestClient(ts)

	got, err := client.AddTransfer(context.Background(), "https://example.org/file.torrent", "")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, f.count(infoPath))
}

func TestAddTransfer_Rejected(t *testing.T) {
	tests := []struct {
		name   string
		source string
		status int
	}{
		{"empty source", "   ", 0},
		{"unsupported media type", testMagnet, http.StatusUnsupportedMediaType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, ts := newFakeQBit(t)
			if tt.status != 0 {
				f.status[addPath] = tt.status
			}

			client := newTestClient(ts)

			_, err := client.AddTransfer(context.Background(), tt.source, "")

			var rejected *transfer.RejectedError
			require.ErrorAs(t, err, &rejected)
			assert.Equal(t, "add_transfer", rejected.Operation)
		})
	}
}

func TestPauseTransfers_SendsDelimitedIDs(t *testing.T) {
	f, ts := newFakeQBit(t)
	client := newTestClient(ts)

	require.NoError(t, client.PauseTransfers(context.Background(), []string{"aaa", "bbb"}))
	assert.Equal(t, "aaa|bbb", f.form("/api/v2/torrents/pause").Get("hashes"))

	require.NoError(t, client.PauseTransfers(context.Background(), nil))
	assert.Equal(t, 1, f.count("/api/v2/torrents/pause"), "empty batch makes no call")
}

func TestPauseTransfers_FallsBackToStop(t *testing.T) {
	f, ts := newFakeQBit(t)
	f.status["/api/v2/torrents/pause"] = http.StatusNotFound
	client := newTestClient(ts)

	require.NoError(t, client.PauseTransfers(context.Background(), []string{"aaa"}))
	require.NoError(t, client.PauseTransfers(context.Background(), []string{"bbb"}))

	assert.Equal(t, 1, f.count("/api/v2/torrents/pause"), "pause is only probed once")
	assert.Equal(t, 2, f.count("/api/v2/torrents/stop"))
	assert.Equal(t, "bbb", f.form("/api/v2/torrents/stop").Get("hashes"))
}

func TestPauseTransfers_Failure(t *testing.T) {
	f, ts := newFakeQBit(t)
	f.status["/api/v2/torrents/pause"] = http.StatusInternalServerError
	client := newTestClient(ts)

	err := client.PauseTransfers(context.Background(), []string{"aaa"})

	var netErr *transfer.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, "pause_transfers", netErr.Operation)
}

func TestDeleteTransfers(t *testing.T) {
	f, ts := newFakeQBit(t)
	client := newTestClient(ts)

	require.NoError(t, client.DeleteTransfers(context.Background(), []string{"aaa", "bbb"}, true))

	form := f.form(deletePath)
	assert.Equal(t, "aaa|bbb", form.Get("hashes"))
	assert.Equal(t, "true", form.Get("deleteFiles"))
}

func TestInfoHash(t *testing.T) {
	assert.Equal(t, "c12fe1c06bba254a9dc9f519b335aa7c1367a88a", infoHash(testMagnet))
	assert.Empty(t, infoHash("https://example.org/file.torrent"))
	assert.Empty(t, infoHash("not a uri"))
}

func TestCheckStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := map[string]int{"/ok": 200, "/missing": 404, "/conflict": 409, "/down": 502}[r.URL.Path]
		w.WriteHeader(code)
		fmt.Fprint(w, strings.TrimPrefix(r.URL.Path, "/"))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "admin", "secret")

	get := func(path string) error {
		resp, err := client.http.R().Get(path)
		require.NoError(t, err)

		return checkStatus("op", resp)
	}

	assert.NoError(t, get("/ok"))
	assert.True(t, errors.Is(get("/missing"), transfer.ErrNotFound))

	var rejected *transfer.RejectedError
	assert.ErrorAs(t, get("/conflict"), &rejected)

	var netErr *transfer.NetworkError
	assert.ErrorAs(t, get("/down"), &netErr)
}

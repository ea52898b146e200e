package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/messenger/internal/ban"
	"github.com/whisper/messenger/internal/chat"
	"github.com/whisper/messenger/internal/identity"
	"github.com/whisper/messenger/internal/live"
	"github.com/whisper/messenger/internal/logging"
	"github.com/whisper/messenger/internal/media"
	"github.com/whisper/messenger/internal/presence"
	"github.com/whisper/messenger/internal/ratelimit"
	"github.com/whisper/messenger/internal/session"
	"github.com/whisper/messenger/internal/typing"
)

var key = chat.Resolve("alice", "bob")

type testAPI struct {
	srv      *httptest.Server
	auth     *identity.JWTAuthenticator
	svc      *chat.Service
	typing   *typing.Tracker
	sessions *session.Store
	bans     *ban.Store
	tokens   map[string]string
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, ratelimit.Rule) (bool, error) { return false, nil }

type fakeLive struct{}

func (fakeLive) ConnectionCount() int   { return 3 }
func (fakeLive) Uptime() time.Duration { return 90 * time.Second }

func newTestAPI(t *testing.T, limiter Limiter) *testAPI {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	db, err := media.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	blobs := media.NewBadgerStore(db, "http://media.test")

	bus := live.NewLocalBus()
	svc := chat.NewService(chat.NewMemoryStore(),
		chat.WithNotifier(live.NewPublisher(bus)),
		chat.WithUploader(media.NewBridge(blobs, media.DefaultConfig())))
	tracker := typing.NewTracker(client, bus, live.NewFanout(bus), typing.DefaultConfig(), logging.Nop())
	sessions := session.NewStore(client, "test-node")

	auth := identity.NewJWTAuthenticator(identity.DefaultConfig())
	bans := ban.NewStore(client)
	ta := &testAPI{auth: auth, svc: svc, typing: tracker, sessions: sessions, bans: bans, tokens: map[string]string{}}
	for _, u := range []string{"alice", "bob", "mallory"} {
		tok, err := auth.Issue(chat.Profile{UserID: u, Name: strings.ToUpper(u[:1]) + u[1:]})
		require.NoError(t, err)
		ta.tokens[u] = tok
	}

	deps := Deps{
		Service:  svc,
		Auth:     auth,
		Presence: presence.NewTracker(client, presence.DefaultConfig()),
		Typing:   tracker,
		Sessions: sessions,
		Blobs:    blobs,
		Gate:     bans,
		Live:     fakeLive{},
	}
	if limiter != nil {
		deps.Limiter = limiter
	}
	ta.srv = httptest.NewServer(NewRouter(deps))
	t.Cleanup(ta.srv.Close)
	return ta
}

func (ta *testAPI) do(t *testing.T, user, method, path string, body io.Reader, contentType string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, ta.srv.URL+path, body)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+ta.tokens[user])
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		_ = json.Unmarshal(data, &out)
	}
	return resp, out
}

func (ta *testAPI) send(t *testing.T, user, text string) (*http.Response, map[string]interface{}) {
	t.Helper()
	body := `{"client_id":"c1","text":` + mustJSON(text) + `}`
	return ta.do(t, user, http.MethodPost, "/v1/conversations/"+string(key)+"/messages", strings.NewReader(body), "application/json")
}

func mustJSON(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestRequiresToken(t *testing.T) {
	ta := newTestAPI(t, nil)
	resp, body := ta.do(t, "", http.MethodGet, "/v1/conversations", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, codeUnauthorized, body["code"])
}

func TestSuspendedUserIsRefused(t *testing.T) {
	ta := newTestAPI(t, nil)
	require.NoError(t, ta.bans.Ban(context.Background(), "mallory", time.Hour, "spam"))

	resp, body := ta.do(t, "mallory", http.MethodGet, "/v1/conversations", nil, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, codeSuspended, body["code"])

	resp, _ = ta.do(t, "alice", http.MethodGet, "/v1/conversations", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	ta := newTestAPI(t, nil)
	resp, body := ta.do(t, "", http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(3), body["connections"])
	assert.Equal(t, float64(90), body["uptime_seconds"])
}

func TestResolve(t *testing.T) {
	ta := newTestAPI(t, nil)
	resp, body := ta.do(t, "alice", http.MethodGet, "/v1/conversations/resolve?peer_id=bob", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(key), body["conversation_key"])

	resp, body = ta.do(t, "alice", http.MethodGet, "/v1/conversations/resolve?peer_id=alice", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", body["code"])
}

func TestSendAndReadBack(t *testing.T) {
	ta := newTestAPI(t, nil)
	resp, body := ta.send(t, "alice", "hello bob")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "c1", body["client_id"])
	msg := body["message"].(map[string]interface{})
	assert.Equal(t, float64(1), msg["seq"])

	resp, body = ta.do(t, "bob", http.MethodGet, "/v1/conversations", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	convs := body["conversations"].([]interface{})
	require.Len(t, convs, 1)
	entry := convs[0].(map[string]interface{})
	assert.Equal(t, "alice", entry["peer_id"])
	assert.Equal(t, float64(1), entry["unread"])

	resp, body = ta.do(t, "bob", http.MethodGet, "/v1/conversations/"+string(key)+"/messages", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["messages"], 1)
	assert.Nil(t, body["cursor"])
}

func TestHistoryPaging(t *testing.T) {
	ta := newTestAPI(t, nil)
	for i := 0; i < 5; i++ {
		resp, _ := ta.send(t, "alice", "m")
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := ta.do(t, "alice", http.MethodGet, "/v1/conversations/"+string(key)+"/messages?limit=2", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := body["messages"].([]interface{})
	require.Len(t, msgs, 2)
	assert.Equal(t, float64(4), msgs[0].(map[string]interface{})["seq"])
	assert.Equal(t, float64(4), body["cursor"])

	resp, body = ta.do(t, "alice", http.MethodGet, "/v1/conversations/"+string(key)+"/messages?before=4&limit=10", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["messages"], 3)
	assert.Nil(t, body["cursor"])

	resp, _ = ta.do(t, "alice", http.MethodGet, "/v1/conversations/"+string(key)+"/messages?limit=500", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = ta.do(t, "alice", http.MethodGet, "/v1/conversations/"+string(key)+"/messages?before=x", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOutsiderIsForbidden(t *testing.T) {
	ta := newTestAPI(t, nil)
	resp, body := ta.send(t, "mallory", "let me in")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "permission_denied", body["code"])
	assert.Equal(t, "let me in", body["text"], "failed sends echo the text")

	resp, _ = ta.do(t, "mallory", http.MethodGet, "/v1/conversations/"+string(key)+"/messages", nil, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSendValidation(t *testing.T) {
	ta := newTestAPI(t, nil)
	path := "/v1/conversations/" + string(key) + "/messages"

	resp, body := ta.do(t, "alice", http.MethodPost, path, strings.NewReader(`{"text":"hi","kind":"image"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "hi", body["text"])

	resp, _ = ta.do(t, "alice", http.MethodPost, path, strings.NewReader(`{"text":""}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = ta.do(t, "alice", http.MethodPost, path, strings.NewReader(`{nope`), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "parse_error", body["code"])

	resp, _ = ta.do(t, "alice", http.MethodPost, "/v1/conversations/nounderscore/messages", strings.NewReader(`{"text":"x"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSendRateLimited(t *testing.T) {
	ta := newTestAPI(t, denyAll{})
	resp, body := ta.send(t, "alice", "hi")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", body["code"])
	assert.Equal(t, "hi", body["text"])
}

func TestMarkReadAndHide(t *testing.T) {
	ta := newTestAPI(t, nil)
	path := "/v1/conversations/" + string(key)

	resp, _ := ta.do(t, "bob", http.MethodPost, path+"/read", nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode, "no session yet")

	ta.send(t, "alice", "one")
	resp, body := ta.do(t, "bob", http.MethodPost, path+"/read", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["unread"])

	resp, _ = ta.do(t, "bob", http.MethodDelete, path, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, body = ta.do(t, "bob", http.MethodGet, "/v1/conversations", nil, "")
	assert.Empty(t, body["conversations"])

	// The other side still sees it.
	_, body = ta.do(t, "alice", http.MethodGet, "/v1/conversations", nil, "")
	assert.Len(t, body["conversations"], 1)
}

func TestTyping(t *testing.T) {
	ta := newTestAPI(t, nil)
	path := "/v1/conversations/" + string(key) + "/typing"

	resp, _ := ta.do(t, "alice", http.MethodPut, path, strings.NewReader(`{"is_typing":true}`), "application/json")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	users, err := ta.typing.Current(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, users)

	resp, _ = ta.do(t, "alice", http.MethodPut, path, strings.NewReader(`{"is_typing":false}`), "application/json")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	users, err = ta.typing.Current(context.Background(), key)
	require.NoError(t, err)
	assert.Empty(t, users)

	resp, _ = ta.do(t, "alice", http.MethodPut, path, strings.NewReader(`{}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ta.do(t, "mallory", http.MethodPut, path, strings.NewReader(`{"is_typing":true}`), "application/json")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPresence(t *testing.T) {
	ta := newTestAPI(t, nil)

	resp, body := ta.do(t, "alice", http.MethodGet, "/v1/users/bob/presence", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["online"])
	assert.Equal(t, float64(0), body["connections"])

	resp, _ = ta.do(t, "bob", http.MethodPost, "/v1/presence/heartbeat", nil, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.NoError(t, ta.sessions.Create(context.Background(), "conn-1", "bob", "10.0.0.1"))

	_, body = ta.do(t, "alice", http.MethodGet, "/v1/users/bob/presence", nil, "")
	assert.Equal(t, true, body["online"])
	assert.Equal(t, float64(1), body["connections"])

	resp, _ = ta.do(t, "bob", http.MethodDelete, "/v1/presence", nil, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, body = ta.do(t, "alice", http.MethodGet, "/v1/users/bob/presence", nil, "")
	assert.Equal(t, false, body["online"])
}

func TestImageUploadAndServe(t *testing.T) {
	ta := newTestAPI(t, nil)

	var img bytes.Buffer
	require.NoError(t, png.Encode(&img, image.NewRGBA(image.Rect(0, 0, 2, 2))))

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	fw, err := mw.CreateFormFile("file", "pic.png")
	require.NoError(t, err)
	_, _ = fw.Write(img.Bytes())
	require.NoError(t, mw.Close())

	resp, body := ta.do(t, "alice", http.MethodPost, "/v1/conversations/"+string(key)+"/images", &form, mw.FormDataContentType())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	msg := body["message"].(map[string]interface{})
	assert.Equal(t, "image", msg["type"])
	url := msg["content"].(string)
	require.True(t, strings.HasPrefix(url, "http://media.test/media/chats/"), url)

	mediaResp, err := http.Get(ta.srv.URL + strings.TrimPrefix(url, "http://media.test"))
	require.NoError(t, err)
	defer mediaResp.Body.Close()
	assert.Equal(t, http.StatusOK, mediaResp.StatusCode)
	assert.Equal(t, "image/png", mediaResp.Header.Get("Content-Type"))

	missing, err := http.Get(ta.srv.URL + "/media/chats/nope.png")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestImageRejectsNonImage(t *testing.T) {
	ta := newTestAPI(t, nil)

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	fw, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("just some text"))
	require.NoError(t, mw.Close())

	resp, body := ta.do(t, "alice", http.MethodPost, "/v1/conversations/"+string(key)+"/images", &form, mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", body["code"])

	_, body = ta.do(t, "alice", http.MethodGet, "/v1/conversations/"+string(key)+"/messages", nil, "")
	assert.Empty(t, body["messages"], "a rejected upload writes nothing")
}

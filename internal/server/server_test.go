package server_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarvelSK/Isegoria/internal/protocol"
	"github.com/MarvelSK/Isegoria/internal/server"
	"github.com/MarvelSK/Isegoria/pkg/config"
	"github.com/MarvelSK/Isegoria/pkg/logging"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/crypto/bcrypt"
)

const pngPixel = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Address:           "127.0.0.1:0",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   5 * time.Second,
			ConnectionLimit:   config.ConnectionLimitConfig{MaxPerIP: 2},
			AllowedOrigins:    []string{"*"},
		},
		Transport: config.TransportConfig{
			ReadTimeout:   time.Minute,
			WriteTimeout:  time.Second,
			SendBuffer:    16,
			MaxFrameBytes: 64 << 10,
		},
		Heartbeat: config.HeartbeatConfig{Interval: time.Hour, MaxMissed: 2},
		RateLimit: config.RateLimitConfig{Window: time.Minute, MinInterval: time.Millisecond, MaxPerWindow: 10},
		Messages:  config.MessagesConfig{HistorySize: 20, MaxBodyRunes: 500},
		Upload:    config.UploadConfig{MaxBytes: 1 << 20},
		Session:   config.SessionConfig{TokenLength: 32, HashCost: bcrypt.MinCost},
		Log:       config.LogConfig{Level: "error", Format: "text"},
	}
}

func newTestServer(t *testing.T) (*server.App, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	app, err := server.NewApp(logging.Discard(), context.Background(), testConfig())
	require.NoError(t, err)
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Shutdown(ctx)
		srv.Close()
	})
	return app, srv
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (int, gjson.Result) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return send(t, req)
}

func send(t *testing.T, req *http.Request) (int, gjson.Result) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, gjson.ParseBytes(data)
}

func register(t *testing.T, srv *httptest.Server, username string) string {
	t.Helper()
	status, body := doJSON(t, http.MethodPost, srv.URL+"/api/users", map[string]string{"username": username}, nil)
	require.Equal(t, http.StatusOK, status, body.Raw)
	assert.Equal(t, username, body.Get("user.username").Str)
	token := body.Get("sessionId").Str
	require.NotEmpty(t, token)
	return token
}

func auth(username, token string) map[string]string {
	return map[string]string{"X-Username": username, "X-Session-Token": token}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.CloseNow() })
	return c
}

// next reads frames until one of type want arrives.
func next(t *testing.T, c *websocket.Conn, want protocol.Type) gjson.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, data, err := c.Read(ctx)
		require.NoError(t, err)
		frame := gjson.ParseBytes(data)
		if frame.Get("type").Str == string(want) {
			return frame
		}
	}
}

func join(t *testing.T, c *websocket.Conn, username, token string) {
	t.Helper()
	require.NoError(t, wsjson.Write(context.Background(), c, map[string]string{
		"type": "join", "username": username, "token": token,
	}))
	joined := next(t, c, protocol.TypeUserJoined)
	require.Equal(t, username, joined.Get("username").Str)
	next(t, c, protocol.TypeHistory)
}

func TestRegisterRejectsDuplicatesAndBadNames(t *testing.T) {
	_, srv := newTestServer(t)
	register(t, srv, "alice")

	status, body := doJSON(t, http.MethodPost, srv.URL+"/api/users", map[string]string{"username": "alice"}, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "name_taken", body.Get("code").Str)

	status, body = doJSON(t, http.MethodPost, srv.URL+"/api/users", map[string]string{"username": "  "}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_error", body.Get("code").Str)

	// registering does not make anyone active
	status, body = doJSON(t, http.MethodGet, srv.URL+"/api/users/active", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body.Get("count").Int())
}

func TestStreamJoinSendAndHistory(t *testing.T) {
	_, srv := newTestServer(t)
	token := register(t, srv, "alice")
	c := dial(t, srv)
	join(t, c, "alice", token)

	require.NoError(t, wsjson.Write(context.Background(), c, map[string]string{"type": "send_message", "content": "hello"}))
	msg := next(t, c, protocol.TypeNewMessage)
	assert.Equal(t, "alice", msg.Get("message.username").Str)
	assert.Equal(t, "hello", msg.Get("message.content").Str)

	status, body := doJSON(t, http.MethodGet, srv.URL+"/api/messages?username=alice", nil, nil)
	require.Equal(t, http.StatusOK, status)
	msgs := body.Get("messages").Array()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Get("isOwn").Bool())

	status, body = doJSON(t, http.MethodGet, srv.URL+"/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body.Get("status").Str)
	assert.EqualValues(t, 1, body.Get("connections").Int())

	// a second client sees the first message in its history
	bobToken := register(t, srv, "bob")
	b := dial(t, srv)
	require.NoError(t, wsjson.Write(context.Background(), b, map[string]string{"type": "join", "username": "bob", "token": bobToken}))
	history := next(t, b, protocol.TypeHistory)
	require.Len(t, history.Get("messages").Array(), 1)
	assert.Equal(t, "hello", history.Get("messages.0.content").Str)
}

func TestStreamJoinWithBadTokenIsClosed(t *testing.T) {
	_, srv := newTestServer(t)
	register(t, srv, "alice")
	c := dial(t, srv)

	require.NoError(t, wsjson.Write(context.Background(), c, map[string]string{"type": "join", "username": "alice", "token": "forged"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestStreamRejectsMalformedFrames(t *testing.T) {
	_, srv := newTestServer(t)
	c := dial(t, srv)

	require.NoError(t, c.Write(context.Background(), websocket.MessageText, []byte("{not json")))
	frame := next(t, c, protocol.TypeError)
	assert.Equal(t, "validation_error", frame.Get("code").Str)

	require.NoError(t, wsjson.Write(context.Background(), c, map[string]string{"type": "send_message", "content": "hi"}))
	frame = next(t, c, protocol.TypeError)
	assert.Equal(t, "not_joined", frame.Get("code").Str)
}

func TestRestMessageRequiresSession(t *testing.T) {
	_, srv := newTestServer(t)
	token := register(t, srv, "alice")
	url := srv.URL + "/api/messages"

	status, body := doJSON(t, http.MethodPost, url, map[string]string{"content": "hi"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_session", body.Get("code").Str)

	status, _ = doJSON(t, http.MethodPost, url, map[string]string{"content": "hi"}, auth("alice", "wrong"))
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = doJSON(t, http.MethodPost, url, map[string]string{"content": ""}, auth("alice", token))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_error", body.Get("code").Str)
}

func TestRestAcceptsBearerToken(t *testing.T) {
	_, srv := newTestServer(t)
	token := register(t, srv, "alice")
	register(t, srv, "bob")
	url := srv.URL + "/api/messages"

	status, body := doJSON(t, http.MethodPost, url, map[string]string{"content": "hi"}, map[string]string{
		"X-Username":    "alice",
		"Authorization": "Bearer " + token,
	})
	require.Equal(t, http.StatusOK, status, body.Raw)
	assert.Equal(t, "alice", body.Get("message.username").Str)

	// the token names alice, so it can't speak for bob
	status, _ = doJSON(t, http.MethodPost, url, map[string]string{"content": "hi"}, map[string]string{
		"X-Username":    "bob",
		"Authorization": "Bearer " + token,
	})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestRestMessageReachesStreamAndReplies(t *testing.T) {
	_, srv := newTestServer(t)
	aliceToken := register(t, srv, "alice")
	bobToken := register(t, srv, "bob")
	c := dial(t, srv)
	join(t, c, "bob", bobToken)
	url := srv.URL + "/api/messages"

	status, body := doJSON(t, http.MethodPost, url, map[string]string{"content": "first"}, auth("alice", aliceToken))
	require.Equal(t, http.StatusOK, status, body.Raw)
	assert.True(t, body.Get("message.isOwn").Bool())
	firstID := body.Get("message.id").Str

	pushed := next(t, c, protocol.TypeNewMessage)
	assert.Equal(t, firstID, pushed.Get("message.id").Str)

	time.Sleep(5 * time.Millisecond)
	status, body = doJSON(t, http.MethodPost, url, map[string]string{"content": "second", "replyToId": firstID}, auth("alice", aliceToken))
	require.Equal(t, http.StatusOK, status, body.Raw)
	assert.Equal(t, firstID, body.Get("message.replyTo.id").Str)
	assert.Equal(t, "alice", body.Get("message.replyTo.username").Str)
	assert.Equal(t, "first", body.Get("message.replyTo.content").Str)
}

func TestRestRateLimitSetsRetryAfter(t *testing.T) {
	_, srv := newTestServer(t)
	token := register(t, srv, "alice")
	url := srv.URL + "/api/messages"

	for i := 0; i < 10; i++ {
		status, body := doJSON(t, http.MethodPost, url, map[string]string{"content": fmt.Sprintf("m%d", i)}, auth("alice", token))
		require.Equal(t, http.StatusOK, status, body.Raw)
		time.Sleep(2 * time.Millisecond)
	}

	b, _ := json.Marshal(map[string]string{"content": "too many"})
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range auth("alice", token) {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestListMessagesPaging(t *testing.T) {
	_, srv := newTestServer(t)
	token := register(t, srv, "alice")
	for _, content := range []string{"A", "B", "C"} {
		status, _ := doJSON(t, http.MethodPost, srv.URL+"/api/messages", map[string]string{"content": content}, auth("alice", token))
		require.Equal(t, http.StatusOK, status)
		time.Sleep(2 * time.Millisecond)
	}

	status, body := doJSON(t, http.MethodGet, srv.URL+"/api/messages?limit=2&offset=1", nil, nil)
	require.Equal(t, http.StatusOK, status)
	msgs := body.Get("messages").Array()
	require.Len(t, msgs, 2)
	assert.Equal(t, "B", msgs[0].Get("content").Str)
	assert.Equal(t, "C", msgs[1].Get("content").Str)
	assert.False(t, msgs[0].Get("isOwn").Exists())

	status, body = doJSON(t, http.MethodGet, srv.URL+"/api/messages?limit=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_error", body.Get("code").Str)
}

func upload(t *testing.T, srv *httptest.Server, username, token, filename string, content []byte) (int, gjson.Result) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("image", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/upload", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", w.FormDataContentType())
	for k, v := range auth(username, token) {
		req.Header.Set(k, v)
	}
	return send(t, req)
}

func TestUploadImage(t *testing.T) {
	_, srv := newTestServer(t)
	token := register(t, srv, "alice")
	png, err := base64.StdEncoding.DecodeString(pngPixel)
	require.NoError(t, err)

	status, body := upload(t, srv, "alice", token, "pixel.png", png)
	require.Equal(t, http.StatusOK, status, body.Raw)
	assert.True(t, strings.HasPrefix(body.Get("message.image").Str, "data:image/png;base64,"))
	assert.False(t, body.Get("message.content").Exists())

	time.Sleep(2 * time.Millisecond)
	status, body = upload(t, srv, "alice", token, "notes.txt", []byte("just some text"))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_error", body.Get("code").Str)

	status, _ = upload(t, srv, "alice", "bogus", "pixel.png", png)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestUploadTooLarge(t *testing.T) {
	_, srv := newTestServer(t)
	token := register(t, srv, "alice")
	png, err := base64.StdEncoding.DecodeString(pngPixel)
	require.NoError(t, err)
	// just over the limit, so the whole form still parses
	big := append(png, bytes.Repeat([]byte{0}, 1<<20)...)

	status, body := upload(t, srv, "alice", token, "big.png", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)
	assert.Equal(t, "payload_too_large", body.Get("code").Str)
}

func TestConnectionLimitPerIP(t *testing.T) {
	_, srv := newTestServer(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		c := dial(t, srv)
		// an answered probe proves the connection is tracked
		require.NoError(t, wsjson.Write(ctx, c, map[string]string{"type": "heartbeat"}))
		next(t, c, protocol.TypeHeartbeatAck)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(dialCtx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestShutdownClosesStreams(t *testing.T) {
	app, srv := newTestServer(t)
	token := register(t, srv, "alice")
	c := dial(t, srv)
	join(t, c, "alice", token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// keep reading so the close handshake completes
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := c.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	require.NoError(t, app.Shutdown(ctx))

	err := <-readErr
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}

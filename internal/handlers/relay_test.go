package handlers

import (
	"bufio"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"difyrelay/internal/config"
	"difyrelay/internal/models"
)

func init() {
	log.SetHandler(discard.Default)
}

const chatBody = `{"inputs":{},"query":"hi","response_mode":"streaming","user":"user-123","conversation_id":"","auto_generate_name":false}`

type upstreamCall struct {
	path   string
	auth   string
	ctype  string
	body   string
	method string
}

// fakeUpstream answers every request with an SSE body and records what it saw.
func fakeUpstream(t *testing.T, hits *int32, calls chan<- upstreamCall) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		b, _ := io.ReadAll(r.Body)
		if calls != nil {
			calls <- upstreamCall{path: r.URL.Path, auth: r.Header.Get("Authorization"), ctype: r.Header.Get("Content-Type"), body: string(b), method: r.Method}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("X-Upstream", "yes")
		io.WriteString(w, "data: {\"event\":\"message\",\"answer\":\"hi\"}\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

type chanRecorder chan models.ExchangeRecord

func (c chanRecorder) Record(rec models.ExchangeRecord) { c <- rec }

func waitRecord(t *testing.T, c chanRecorder) models.ExchangeRecord {
	t.Helper()
	select {
	case rec := <-c:
		return rec
	case <-time.After(5 * time.Second):
		t.Fatal("no exchange recorded")
		return models.ExchangeRecord{}
	}
}

func TestRelay_MethodGate(t *testing.T) {
	var hits int32
	up := fakeUpstream(t, &hits, nil)
	h := NewRelayHandler(config.ProcessConfig{DefaultURL: up.URL, DefaultKey: "k0"}, nil, nil)

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/api/chat-messages", nil)
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
			assert.Equal(t, http.MethodPost, rr.Header().Get("Allow"))
			assert.Contains(t, rr.Body.String(), "METHOD_NOT_ALLOWED")
		})
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))
}

func TestRelay_ConfigPrecedence(t *testing.T) {
	var hits0, hits1 int32
	u0 := fakeUpstream(t, &hits0, nil)
	u1 := fakeUpstream(t, &hits1, nil)
	h := NewRelayHandler(config.ProcessConfig{DefaultURL: u0.URL, DefaultKey: "k0"}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/chat-messages", strings.NewReader(chatBody))
	req.Header.Set(HeaderOverrideURL, u1.URL)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits0))
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits1))

	req = httptest.NewRequest(http.MethodPost, "/api/chat-messages", strings.NewReader(chatBody))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits0))
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits1))
}

func TestRelay_MissingCredential(t *testing.T) {
	var hits int32
	up := fakeUpstream(t, &hits, nil)
	h := NewRelayHandler(config.ProcessConfig{DefaultURL: up.URL}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/chat-messages", strings.NewReader(chatBody))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "CONFIGURATION_ERROR")
	assert.NotContains(t, rr.Body.String(), up.URL)
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))
}

func TestRelay_ForwardsBodyAndAuth(t *testing.T) {
	tests := []struct {
		name     string
		authIn   string
		wantAuth string
	}{
		{"default key", "", "Bearer k0"},
		{"override with scheme", "Bearer k1", "Bearer k1"},
		{"override without scheme", "k2", "Bearer k2"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var hits int32
			calls := make(chan upstreamCall, 1)
			up := fakeUpstream(t, &hits, calls)
			h := NewRelayHandler(config.ProcessConfig{DefaultURL: up.URL + "/v1/", DefaultKey: "k0"}, nil, nil)

			req := httptest.NewRequest(http.MethodPost, "/api/chat-messages", strings.NewReader(chatBody))
			if tc.authIn != "" {
				req.Header.Set("Authorization", tc.authIn)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			require.Equal(t, http.StatusOK, rr.Code)
			call := <-calls
			assert.Equal(t, http.MethodPost, call.method)
			assert.Equal(t, "/v1/chat-messages", call.path)
			assert.Equal(t, "application/json", call.ctype)
			assert.Equal(t, tc.wantAuth, call.auth)
			assert.Equal(t, chatBody, call.body)
		})
	}
}

func TestRelay_MirrorsStatusAndHeaders(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Add("X-Trace", "a")
		w.Header().Add("X-Trace", "b")
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"code":"unauthorized","message":"Access token is invalid","status":401}`)
	}))
	defer up.Close()

	rec := make(chanRecorder, 1)
	h := NewRelayHandler(config.ProcessConfig{DefaultURL: up.URL, DefaultKey: "bad"}, nil, rec)

	req := httptest.NewRequest(http.MethodPost, "/api/chat-messages", strings.NewReader(chatBody))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Equal(t, []string{"a", "b"}, rr.Header().Values("X-Trace"))
	assert.Contains(t, rr.Body.String(), "Access token is invalid")

	r := waitRecord(t, rec)
	assert.Equal(t, http.StatusUnauthorized, r.Status)
	assert.Equal(t, models.OutcomeCompleted, r.Outcome)
}

func TestRelay_UpstreamUnavailable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	rec := make(chanRecorder, 1)
	h := NewRelayHandler(config.ProcessConfig{DefaultURL: deadURL, DefaultKey: "k0"}, nil, rec)

	req := httptest.NewRequest(http.MethodPost, "/api/chat-messages", strings.NewReader(chatBody))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "UPSTREAM_UNAVAILABLE")
	assert.NotContains(t, rr.Body.String(), "refused")
	assert.NotContains(t, rr.Body.String(), strings.TrimPrefix(deadURL, "http://"))
	assert.Equal(t, models.OutcomeUpstreamUnavailable, waitRecord(t, rec).Outcome)
}

func TestRelay_RequestTooLarge(t *testing.T) {
	var hits int32
	up := fakeUpstream(t, &hits, nil)
	h := NewRelayHandler(config.ProcessConfig{DefaultURL: up.URL, DefaultKey: "k0"}, nil, nil)

	big := strings.Repeat("x", MaxRequestBodySize+1)
	req := httptest.NewRequest(http.MethodPost, "/api/chat-messages", strings.NewReader(big))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))
}

// The upstream withholds its second event until the client has received the
// first one through the relay. A relay that buffered the body would deadlock.
func TestRelay_StreamsChunkByChunk(t *testing.T) {
	firstSeen := make(chan struct{})
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"event\":\"message\",\"answer\":\"Hel\"}\n")
		w.(http.Flusher).Flush()
		select {
		case <-firstSeen:
		case <-time.After(5 * time.Second):
			return
		}
		io.WriteString(w, "data: {\"event\":\"message\",\"answer\":\"lo\"}\n")
	}))
	defer up.Close()

	relay := httptest.NewServer(NewRelayHandler(config.ProcessConfig{DefaultURL: up.URL, DefaultKey: "k0"}, nil, nil))
	defer relay.Close()

	resp, err := http.Post(relay.URL+"/api/chat-messages", "application/json", strings.NewReader(chatBody))
	require.NoError(t, err)
	defer resp.Body.Close()

	br := bufio.NewReader(resp.Body)
	lineCh := make(chan string, 1)
	go func() {
		line, _ := br.ReadString('\n')
		lineCh <- line
	}()

	select {
	case line := <-lineCh:
		assert.Contains(t, line, `"Hel"`)
	case <-time.After(3 * time.Second):
		t.Fatal("first chunk was not forwarded before the upstream finished")
	}
	close(firstSeen)

	rest, err := io.ReadAll(br)
	require.NoError(t, err)
	assert.Contains(t, string(rest), `"lo"`)
}

func TestRelay_MidStreamFailureTruncates(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"event\":\"message\",\"answer\":\"partial\"}\n")
		w.(http.Flusher).Flush()
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer up.Close()

	rec := make(chanRecorder, 1)
	relay := httptest.NewServer(NewRelayHandler(config.ProcessConfig{DefaultURL: up.URL, DefaultKey: "k0"}, nil, rec))
	defer relay.Close()

	resp, err := http.Post(relay.URL+"/api/chat-messages", "application/json", strings.NewReader(chatBody))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	assert.Error(t, err)
	assert.Contains(t, string(body), "partial")

	r := waitRecord(t, rec)
	assert.Equal(t, models.OutcomeTransportError, r.Outcome)
	assert.Greater(t, r.BytesRelayed, int64(0))
}

func TestCopyHeaders_DropsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Set("Content-Type", "text/event-stream")
	src.Set("Cache-Control", "no-cache")
	src.Set("Connection", "keep-alive, X-Hop")
	src.Set("Keep-Alive", "timeout=5")
	src.Set("X-Hop", "1")
	src.Set("Transfer-Encoding", "chunked")

	dst := http.Header{}
	dst.Set("Cache-Control", "stale")
	copyHeaders(dst, src)

	assert.Equal(t, "text/event-stream", dst.Get("Content-Type"))
	assert.Equal(t, "no-cache", dst.Get("Cache-Control"))
	assert.Empty(t, dst.Get("Connection"))
	assert.Empty(t, dst.Get("Keep-Alive"))
	assert.Empty(t, dst.Get("X-Hop"))
	assert.Empty(t, dst.Get("Transfer-Encoding"))
}

func TestHealth(t *testing.T) {
	rr := httptest.NewRecorder()
	Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

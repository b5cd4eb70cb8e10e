package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"difyrelay/internal/config"
	"difyrelay/internal/models"
)

const (
	// HeaderOverrideURL lets a caller point a single request at another upstream.
	HeaderOverrideURL = "X-Dify-Url"

	// MaxRequestBodySize caps the inbound chat request (1MB).
	MaxRequestBodySize = 1 << 20

	relayBufferSize = 32 * 1024
)

// Headers that describe a single hop and must not be mirrored.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

var errDownstream = errors.New("downstream write failed")

// ExchangeRecorder receives a summary of every relayed exchange. Record must
// not block the request.
type ExchangeRecorder interface {
	Record(rec models.ExchangeRecord)
}

// RelayHandler forwards a chat request to the upstream chat API and streams
// the response back byte for byte. It never interprets the stream.
type RelayHandler struct {
	defaults config.ProcessConfig
	client   *http.Client
	recorder ExchangeRecorder
}

func NewRelayHandler(defaults config.ProcessConfig, client *http.Client, recorder ExchangeRecorder) *RelayHandler {
	if client == nil {
		client = NewUpstreamClient(10*time.Second, 60*time.Second)
	}
	return &RelayHandler{
		defaults: defaults,
		client:   client,
		recorder: recorder,
	}
}

// NewUpstreamClient builds the client used for upstream calls. There is no
// overall timeout: answers stream for as long as they take.
func NewUpstreamClient(dialTimeout, headerTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.ResponseHeaderTimeout = headerTimeout
	transport.DisableCompression = true
	return &http.Client{Transport: transport}
}

func (h *RelayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, errorResp("METHOD_NOT_ALLOWED", "Method Not Allowed", r))
		return
	}

	logger := log.WithField("request_id", r.Header.Get("X-Request-ID"))

	target, err := config.Resolve(config.Override{
		URL:        r.Header.Get(HeaderOverrideURL),
		Credential: r.Header.Get("Authorization"),
	}, h.defaults)
	if err != nil {
		logger.WithError(err).Warn("relay configuration incomplete")
		writeJSON(w, http.StatusInternalServerError, errorResp("CONFIGURATION_ERROR", "Missing configuration", r))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResp("REQUEST_TOO_LARGE", "Request body too large", r))
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	start := time.Now()
	rec := models.ExchangeRecord{
		ID:         uuid.New(),
		RequestID:  r.Header.Get("X-Request-ID"),
		TargetHost: hostOf(target.TargetURL),
		CreatedAt:  start,
	}
	logger = logger.WithField("target_host", rec.TargetHost)
	defer func() {
		rec.Duration = time.Since(start)
		h.record(rec)
	}()

	upReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, target.TargetURL+"/chat-messages", bytes.NewReader(body))
	if err != nil {
		logger.WithError(err).Error("building upstream request failed")
		rec.Status, rec.Outcome = http.StatusInternalServerError, models.OutcomeUpstreamUnavailable
		writeJSON(w, http.StatusInternalServerError, errorResp("UPSTREAM_UNAVAILABLE", "Internal Server Error", r))
		return
	}
	upReq.Header.Set("Content-Type", "application/json")
	upReq.Header.Set("Authorization", target.AuthHeader)

	resp, err := h.client.Do(upReq)
	if err != nil {
		logger.WithError(err).Error("upstream request failed")
		rec.Status, rec.Outcome = http.StatusInternalServerError, models.OutcomeUpstreamUnavailable
		writeJSON(w, http.StatusInternalServerError, errorResp("UPSTREAM_UNAVAILABLE", "Internal Server Error", r))
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	rec.Status = resp.StatusCode

	n, err := relayBody(w, resp.Body)
	rec.BytesRelayed = n
	switch {
	case err == nil:
		rec.Outcome = models.OutcomeCompleted
	case errors.Is(err, errDownstream) || r.Context().Err() != nil:
		logger.WithError(err).Info("client went away mid-stream")
		rec.Outcome = models.OutcomeClientGone
	default:
		logger.WithError(err).WithField("bytes", n).Error("upstream stream interrupted")
		rec.Outcome = models.OutcomeTransportError
		// Abort so the client sees a truncated response, not a clean end.
		panic(http.ErrAbortHandler)
	}
}

func (h *RelayHandler) record(rec models.ExchangeRecord) {
	if h.recorder != nil {
		h.recorder.Record(rec)
	}
}

// relayBody copies body to w one read at a time, flushing after each write so
// nothing beyond the current chunk is held.
func relayBody(w http.ResponseWriter, body io.Reader) (int64, error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, relayBufferSize)

	var written int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("%w: %v", errDownstream, err)
			}
			written += int64(n)
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return written, fmt.Errorf("%w: %v", errDownstream, err)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

func copyHeaders(dst, src http.Header) {
	// Headers named in Connection are hop-by-hop for this response only.
	named := make(map[string]bool)
	for _, field := range src.Values("Connection") {
		for _, token := range strings.Split(field, ",") {
			named[http.CanonicalHeaderKey(strings.TrimSpace(token))] = true
		}
	}
	for key, values := range src {
		if hopByHopHeaders[key] || named[key] {
			continue
		}
		dst.Del(key)
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"hls-restreamer/internal/channel"
	"hls-restreamer/internal/platform/config"
)

const handshakeName = "handshake"

var (
	// ErrMalformedURL is returned when the channel URL lacks the path
	// segments the negotiation needs.
	ErrMalformedURL = errors.New("channel url does not have the expected path segments")
	// ErrUpstreamStatus is returned for a non-2xx negotiation or decryption response.
	ErrUpstreamStatus = errors.New("upstream returned non-success status")
	// ErrMalformedPayload is returned when the decrypted payload has no path.
	ErrMalformedPayload = errors.New("decrypted payload is malformed")
)

// HandshakeResolver negotiates session URLs with providers that gate playback
// behind a signed handshake: the channel URL is decomposed and posted to a
// negotiation endpoint, the opaque answer is decrypted by a second endpoint,
// and the decrypted path is joined to a fixed origin.
type HandshakeResolver struct {
	cfg     config.Session
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[string]
	log     *slog.Logger
}

// NewHandshakeResolver builds a resolver from cfg. client may be nil.
func NewHandshakeResolver(cfg config.Session, client *http.Client, log *slog.Logger) *HandshakeResolver {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	breaker := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        handshakeName,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// A caller hanging up says nothing about the upstream.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("session breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return &HandshakeResolver{cfg: cfg, client: client, breaker: breaker, log: log}
}

// Name implements Resolver.
func (h *HandshakeResolver) Name() string { return handshakeName }

// Matches implements Resolver. A channel matches when its URL host equals a
// configured host or is a subdomain of one.
func (h *HandshakeResolver) Matches(ch channel.Channel) bool {
	u, err := url.Parse(ch.URL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, m := range h.cfg.MatchHosts {
		m = strings.ToLower(m)
		if host == m || strings.HasSuffix(host, "."+m) {
			return true
		}
	}
	return false
}

// CreateSession implements Resolver.
// A malformed channel URL fails before the breaker is consulted, so one bad
// channel cannot open it for the others.
func (h *HandshakeResolver) CreateSession(ctx context.Context, ch channel.Channel) (string, error) {
	hr, err := newHandshakeRequest(ch.URL)
	if err != nil {
		return "", err
	}
	return h.breaker.Execute(func() (string, error) {
		return h.negotiate(ctx, ch, hr)
	})
}

// DestroySession implements Resolver. Handshake sessions expire on their own.
func (h *HandshakeResolver) DestroySession(context.Context, channel.Channel) error { return nil }

// SessionQuery implements Resolver. The session URL is self-contained.
func (h *HandshakeResolver) SessionQuery(channel.Channel) string { return "" }

type handshakeRequest struct {
	Source   string `json:"source"`
	ID       string `json:"id"`
	StreamNo string `json:"streamNo"`
}

type decrypted struct {
	OK string `json:"ok"`
}

// newHandshakeRequest takes source, id and stream number from the path of
// https://host/<source>/<kind>/<id>/<streamNo>.
func newHandshakeRequest(rawURL string) (handshakeRequest, error) {
	parts := strings.Split(rawURL, "/")
	if len(parts) < 7 {
		return handshakeRequest{}, fmt.Errorf("%w: %s", ErrMalformedURL, rawURL)
	}
	return handshakeRequest{Source: parts[3], ID: parts[5], StreamNo: parts[6]}, nil
}

func (h *HandshakeResolver) negotiate(ctx context.Context, ch channel.Channel, hr handshakeRequest) (string, error) {
	body, err := json.Marshal(hr)
	if err != nil {
		return "", fmt.Errorf("encode handshake: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.NegotiateURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create handshake request: %w", err)
	}
	for k, v := range ch.Headers.Map() {
		req.Header.Set(k, v)
	}
	encrypted, err := h.do(req, "handshake")
	if err != nil {
		return "", err
	}

	decryptURL := h.cfg.DecryptURL + "?data=" + url.QueryEscape(string(encrypted))
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, decryptURL, nil)
	if err != nil {
		return "", fmt.Errorf("create decrypt request: %w", err)
	}
	plain, err := h.do(req, "decrypt")
	if err != nil {
		return "", err
	}

	var payload decrypted
	if err := json.Unmarshal(plain, &payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if payload.OK == "" {
		return "", ErrMalformedPayload
	}
	return h.cfg.Origin + payload.OK, nil
}

func (h *HandshakeResolver) do(req *http.Request, step string) ([]byte, error) {
	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", step, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s read body: %w", step, err)
	}
	h.log.Debug("session upstream call",
		slog.String("step", step),
		slog.Int("status", resp.StatusCode),
		slog.Int("duration_ms", int(time.Since(start).Milliseconds())))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s %d", ErrUpstreamStatus, step, resp.StatusCode)
	}
	return data, nil
}

// Package session resolves short-lived playback URLs for channels whose
// upstream gates playback behind a negotiation.
package session

import (
	"context"
	"fmt"
	"log/slog"

	"hls-restreamer/internal/channel"
	"hls-restreamer/internal/platform/metrics"
)

// Resolver negotiates session URLs for one upstream provider family.
// There is no default implementation; every provider supplies its own.
type Resolver interface {
	// Name identifies the provider family in logs and metrics.
	Name() string
	// Matches reports whether ch is served by this provider.
	Matches(ch channel.Channel) bool
	// CreateSession negotiates a fresh playback URL for ch.
	CreateSession(ctx context.Context, ch channel.Channel) (string, error)
	// DestroySession releases provider-side state for ch, if any.
	DestroySession(ctx context.Context, ch channel.Channel) error
	// SessionQuery returns the query string to append to segment requests
	// for ch, or "" if the provider needs none.
	SessionQuery(ch channel.Channel) string
}

// Catalog is the part of the channel registry the Service needs.
type Catalog interface {
	Get(id string) (channel.Channel, bool)
	SetSessionURL(id, sessionURL string) (channel.Channel, error)
}

// Service picks the resolver for a channel and applies the outcome to the
// catalog. Negotiation failures are logged and leave the channel without a
// session URL; they are never returned to the caller.
type Service struct {
	catalog   Catalog
	resolvers []Resolver
	log       *slog.Logger
	metrics   *metrics.Metrics
}

// NewService returns a Service trying resolvers in order. Metrics may be nil.
func NewService(catalog Catalog, log *slog.Logger, m *metrics.Metrics, resolvers ...Resolver) *Service {
	return &Service{catalog: catalog, resolvers: resolvers, log: log, metrics: m}
}

func (s *Service) resolverFor(ch channel.Channel) Resolver {
	for _, r := range s.resolvers {
		if r.Matches(ch) {
			return r
		}
	}
	return nil
}

// Requires reports whether ch needs a negotiated session before playback.
func (s *Service) Requires(ch channel.Channel) bool {
	return s.resolverFor(ch) != nil
}

// Resolve negotiates a session URL for the channel with the given id and
// stores it on the channel. Channels no resolver matches are returned
// unchanged. The only error is channel.ErrNotFound for an unknown id.
func (s *Service) Resolve(ctx context.Context, id string) (channel.Channel, error) {
	ch, ok := s.catalog.Get(id)
	if !ok {
		return channel.Channel{}, fmt.Errorf("%w: %s", channel.ErrNotFound, id)
	}
	r := s.resolverFor(ch)
	if r == nil {
		return ch, nil
	}

	log := s.log.With(slog.String("channel_id", id), slog.String("provider", r.Name()))
	log.Info("creating session", slog.String("url", ch.URL))

	sessionURL, err := r.CreateSession(ctx, ch)
	if err != nil {
		log.Error("session negotiation failed", slog.String("error", err.Error()))
		if s.metrics != nil {
			s.metrics.SessionResolved(r.Name(), metrics.ResolveFailed)
		}
		sessionURL = ""
	} else {
		log.Info("session created", slog.String("session_url", sessionURL))
		if s.metrics != nil {
			s.metrics.SessionResolved(r.Name(), metrics.ResolveOK)
		}
	}

	updated, setErr := s.catalog.SetSessionURL(id, sessionURL)
	if setErr != nil {
		// Deleted while negotiating.
		log.Warn("channel vanished during negotiation", slog.String("error", setErr.Error()))
		ch.SessionURL = sessionURL
		return ch, nil
	}
	return updated, nil
}

// Release tears down provider-side session state for ch. Failures are logged.
func (s *Service) Release(ctx context.Context, ch channel.Channel) {
	r := s.resolverFor(ch)
	if r == nil {
		return
	}
	if err := r.DestroySession(ctx, ch); err != nil {
		s.log.Warn("destroy session failed",
			slog.String("channel_id", ch.ID),
			slog.String("provider", r.Name()),
			slog.String("error", err.Error()))
	}
}

// Query returns the session query string for ch, or "".
func (s *Service) Query(ch channel.Channel) string {
	if r := s.resolverFor(ch); r != nil {
		return r.SessionQuery(ch)
	}
	return ""
}

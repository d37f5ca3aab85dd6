package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"hls-restreamer/internal/channel"
	"hls-restreamer/internal/platform/metrics"
	"hls-restreamer/internal/relay"
)

var (
	// ErrForbidden is returned when a non-admin identity attempts an admin event.
	ErrForbidden = errors.New("admin access required")
	// ErrUnknownEvent is returned for event names the handler does not serve.
	ErrUnknownEvent = errors.New("unknown event")
)

// Conn is the connection an event arrived on.
type Conn interface {
	Identity() Identity
	Send(Message)
}

// Broadcaster fans a message out to every connected client, in order.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg Message)
}

// Sessions resolves and releases provider sessions.
type Sessions interface {
	Resolve(ctx context.Context, id string) (channel.Channel, error)
	Release(ctx context.Context, ch channel.Channel)
}

// Relay is the server-wide relay slot.
type Relay interface {
	Start(ctx context.Context, ch channel.Channel) error
	Stop(ctx context.Context) error
	ChannelID() string
	Status() relay.Status
}

// Handler applies inbound events to the catalog and relay. Mutations are
// broadcast to every client; failures are reported to the caller only.
type Handler struct {
	channels               *channel.Registry
	sessions               Sessions
	relay                  Relay
	out                    Broadcaster
	selectionRequiresAdmin bool
	log                    *slog.Logger
	metrics                *metrics.Metrics
}

// NewHandler wires the handler. Metrics may be nil.
func NewHandler(channels *channel.Registry, sessions Sessions, rl Relay, out Broadcaster, selectionRequiresAdmin bool, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		channels:               channels,
		sessions:               sessions,
		relay:                  rl,
		out:                    out,
		selectionRequiresAdmin: selectionRequiresAdmin,
		log:                    log,
		metrics:                m,
	}
}

// SelectionRequiresAdmin reports whether set-current-channel is admin-only.
func (h *Handler) SelectionRequiresAdmin() bool {
	return h.selectionRequiresAdmin
}

// Handle processes one inbound event from conn.
func (h *Handler) Handle(ctx context.Context, conn Conn, env Envelope) {
	err := h.dispatch(ctx, conn, env)

	outcome := metrics.OutcomeOK
	if err != nil {
		outcome = metrics.OutcomeError
		if errors.Is(err, ErrForbidden) {
			outcome = metrics.OutcomeForbidden
		}
		h.log.Warn("event failed",
			slog.String("event", env.Event),
			slog.String("user", conn.Identity().Username),
			slog.String("error", err.Error()))
		conn.Send(Message{Event: EventAppError, Data: ErrorPayload{Message: err.Error()}})
	}
	if h.metrics != nil {
		h.metrics.RealtimeEvent(eventLabel(env.Event), outcome)
	}
}

func (h *Handler) dispatch(ctx context.Context, conn Conn, env Envelope) error {
	switch env.Event {
	case EventAddChannel:
		return h.addChannel(ctx, conn, env)
	case EventUpdateChannel:
		return h.updateChannel(ctx, conn, env)
	case EventDeleteChannel:
		return h.deleteChannel(ctx, conn, env)
	case EventSetCurrentChannel:
		return h.setCurrentChannel(ctx, conn, env)
	case EventUpdatePlaylist:
		return h.updatePlaylist(ctx, conn, env)
	case EventDeletePlaylist:
		return h.deletePlaylist(ctx, conn, env)
	case EventClearChannels:
		return h.clearChannels(ctx, conn)
	case EventRelayStatus:
		conn.Send(Message{Event: EventRelayStatus, Data: h.relay.Status()})
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

func requireAdmin(conn Conn, action string) error {
	if !conn.Identity().Admin {
		return fmt.Errorf("%w to %s", ErrForbidden, action)
	}
	return nil
}

func (h *Handler) addChannel(ctx context.Context, conn Conn, env Envelope) error {
	if err := requireAdmin(conn, "add channels"); err != nil {
		return err
	}
	var p channelPayload
	if err := decode(env.Data, &p); err != nil {
		return err
	}
	ch, err := p.channel()
	if err != nil {
		return err
	}
	added, err := h.channels.Add(ch)
	if err != nil {
		return err
	}
	h.log.Info("channel added", slog.String("channel_id", added.ID), slog.String("user", conn.Identity().Username))
	h.out.Broadcast(ctx, Message{Event: EventChannelAdded, Data: added})
	return nil
}

func (h *Handler) updateChannel(ctx context.Context, conn Conn, env Envelope) error {
	if err := requireAdmin(conn, "update channels"); err != nil {
		return err
	}
	var p updateChannelPayload
	if err := decode(env.Data, &p); err != nil {
		return err
	}
	patch, err := p.UpdatedAttributes.patch()
	if err != nil {
		return err
	}
	updated, err := h.channels.Update(p.ID, patch)
	if err != nil {
		return err
	}
	h.out.Broadcast(ctx, Message{Event: EventChannelUpdated, Data: updated})
	return nil
}

func (h *Handler) deleteChannel(ctx context.Context, conn Conn, env Envelope) error {
	if err := requireAdmin(conn, "delete channels"); err != nil {
		return err
	}
	var id string
	if err := decode(env.Data, &id); err != nil {
		return err
	}
	ch, _ := h.channels.Get(id)
	if err := h.channels.Delete(id); err != nil {
		return err
	}
	h.retire(ctx, ch)
	h.log.Info("channel deleted", slog.String("channel_id", id), slog.String("user", conn.Identity().Username))
	h.out.Broadcast(ctx, Message{Event: EventChannelDeleted, Data: id})
	return nil
}

// retire releases the session of a removed channel and stops the relay if it
// was serving it.
func (h *Handler) retire(ctx context.Context, ch channel.Channel) {
	h.sessions.Release(ctx, ch)
	if h.relay.ChannelID() != ch.ID {
		return
	}
	if err := h.relay.Stop(ctx); err != nil {
		h.log.Warn("stop relay for deleted channel failed",
			slog.String("channel_id", ch.ID),
			slog.String("error", err.Error()))
	}
}

func (h *Handler) setCurrentChannel(ctx context.Context, conn Conn, env Envelope) error {
	if h.selectionRequiresAdmin {
		if err := requireAdmin(conn, "switch channel"); err != nil {
			return err
		}
	}
	var id string
	if err := decode(env.Data, &id); err != nil {
		return err
	}
	ch, err := h.sessions.Resolve(ctx, id)
	if err != nil {
		return err
	}
	if ch.Mode == channel.ModeRestream {
		if err := h.relay.Start(ctx, ch); err != nil {
			return err
		}
	}
	conn.Send(Message{Event: EventChannelSelected, Data: ch})
	return nil
}

func (h *Handler) updatePlaylist(ctx context.Context, conn Conn, env Envelope) error {
	if err := requireAdmin(conn, "update playlists"); err != nil {
		return err
	}
	var p updatePlaylistPayload
	if err := decode(env.Data, &p); err != nil {
		return err
	}
	patch, err := p.UpdatedAttributes.patch()
	if err != nil {
		return err
	}
	updated, err := h.channels.UpdatePlaylist(p.Playlist, patch)
	if err != nil {
		return err
	}
	for _, ch := range updated {
		h.out.Broadcast(ctx, Message{Event: EventChannelUpdated, Data: ch})
	}
	return nil
}

func (h *Handler) deletePlaylist(ctx context.Context, conn Conn, env Envelope) error {
	if err := requireAdmin(conn, "delete playlists"); err != nil {
		return err
	}
	var name string
	if err := decode(env.Data, &name); err != nil {
		return err
	}
	removed, err := h.channels.DeletePlaylist(name)
	if err != nil {
		return err
	}
	for _, ch := range removed {
		h.retire(ctx, ch)
		h.out.Broadcast(ctx, Message{Event: EventChannelDeleted, Data: ch.ID})
	}
	h.log.Info("playlist deleted", slog.String("playlist", name), slog.Int("channels", len(removed)))
	return nil
}

func (h *Handler) clearChannels(ctx context.Context, conn Conn) error {
	if err := requireAdmin(conn, "clear channels"); err != nil {
		return err
	}
	if err := h.relay.Stop(ctx); err != nil {
		return err
	}
	if err := h.channels.Clear(); err != nil {
		return err
	}
	h.log.Warn("channel catalog reset", slog.String("user", conn.Identity().Username))
	h.out.Broadcast(ctx, Message{Event: EventChannelsReset, Data: h.channels.All()})
	return nil
}

// eventLabel bounds metric label cardinality to the served event names.
func eventLabel(event string) string {
	switch event {
	case EventAddChannel, EventUpdateChannel, EventDeleteChannel, EventSetCurrentChannel,
		EventUpdatePlaylist, EventDeletePlaylist, EventClearChannels, EventRelayStatus:
		return event
	}
	return "unknown"
}

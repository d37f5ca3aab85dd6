package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"hls-restreamer/internal/channel"
	"hls-restreamer/internal/platform/metrics"
	"hls-restreamer/internal/relay"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeConn struct {
	identity Identity
	mu       sync.Mutex
	sent     []Message
}

func (c *fakeConn) Identity() Identity { return c.identity }

func (c *fakeConn) Send(m Message) {
	c.mu.Lock()
	c.sent = append(c.sent, m)
	c.mu.Unlock()
}

func (c *fakeConn) messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.sent...)
}

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) Broadcast(_ context.Context, m Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *recorder) messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

type fakeSessions struct {
	reg      *channel.Registry
	released []string
}

func (s *fakeSessions) Resolve(_ context.Context, id string) (channel.Channel, error) {
	ch, ok := s.reg.Get(id)
	if !ok {
		return channel.Channel{}, fmt.Errorf("%w: %s", channel.ErrNotFound, id)
	}
	return ch, nil
}

func (s *fakeSessions) Release(_ context.Context, ch channel.Channel) {
	s.released = append(s.released, ch.ID)
}

type fakeRelay struct {
	started     []string
	stops       int
	current     string
	startErr    error
	statusCalls int
}

func (r *fakeRelay) Start(_ context.Context, ch channel.Channel) error {
	if r.startErr != nil {
		return r.startErr
	}
	r.started = append(r.started, ch.ID)
	r.current = ch.ID
	return nil
}

func (r *fakeRelay) Stop(context.Context) error {
	r.stops++
	r.current = ""
	return nil
}

func (r *fakeRelay) ChannelID() string { return r.current }

func (r *fakeRelay) Status() relay.Status {
	r.statusCalls++
	if r.current == "" {
		return relay.Status{State: "idle"}
	}
	return relay.Status{State: "running", ChannelID: r.current, PID: 42}
}

type handlerFixture struct {
	h        *Handler
	reg      *channel.Registry
	sessions *fakeSessions
	relay    *fakeRelay
	out      *recorder
	metrics  *metrics.Metrics
	admin    *fakeConn
	viewer   *fakeConn
}

func newHandlerFixture(t *testing.T, selectionRequiresAdmin bool) *handlerFixture {
	t.Helper()
	reg := channel.NewRegistry(channel.NewMemoryStore(), quietLogger())
	reg.Load()
	t.Cleanup(func() { reg.Close() })

	f := &handlerFixture{
		reg:      reg,
		sessions: &fakeSessions{reg: reg},
		relay:    &fakeRelay{},
		out:      &recorder{},
		metrics:  metrics.New(),
		admin:    &fakeConn{identity: Identity{ID: "1", Username: "root", Admin: true}},
		viewer:   &fakeConn{identity: Identity{ID: "2", Username: "guest"}},
	}
	f.h = NewHandler(reg, f.sessions, f.relay, f.out, selectionRequiresAdmin, quietLogger(), f.metrics)
	return f
}

func envelope(t *testing.T, event string, data any) Envelope {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	return Envelope{Event: event, Data: raw}
}

func expectAppError(t *testing.T, c *fakeConn, contains string) {
	t.Helper()
	msgs := c.messages()
	if len(msgs) != 1 || msgs[0].Event != EventAppError {
		t.Fatalf("expected one app-error, got %+v", msgs)
	}
	msg := msgs[0].Data.(ErrorPayload).Message
	if !strings.Contains(msg, contains) {
		t.Errorf("app-error message %q does not contain %q", msg, contains)
	}
}

func TestHandler_add_channel_requires_admin(t *testing.T) {
	f := newHandlerFixture(t, false)
	before := f.reg.All()

	f.h.Handle(context.Background(), f.viewer, envelope(t, EventAddChannel, map[string]any{
		"name": "News", "url": "http://news.example/live.m3u8",
	}))

	expectAppError(t, f.viewer, "admin access required")
	if got := f.reg.All(); len(got) != len(before) {
		t.Errorf("catalog changed: %d -> %d", len(before), len(got))
	}
	if msgs := f.out.messages(); len(msgs) != 0 {
		t.Errorf("unexpected broadcast: %+v", msgs)
	}
	if len(f.admin.messages()) != 0 {
		t.Error("other connection received a message")
	}
}

func TestHandler_add_channel(t *testing.T) {
	f := newHandlerFixture(t, false)

	f.h.Handle(context.Background(), f.admin, envelope(t, EventAddChannel, map[string]any{
		"name":        "News",
		"url":         "http://news.example/live.m3u8",
		"mode":        "restream",
		"headersJson": `[{"key":"Referer","value":"http://news.example/"}]`,
	}))

	if msgs := f.admin.messages(); len(msgs) != 0 {
		t.Fatalf("caller got direct messages: %+v", msgs)
	}
	msgs := f.out.messages()
	if len(msgs) != 1 || msgs[0].Event != EventChannelAdded {
		t.Fatalf("expected channel-added broadcast, got %+v", msgs)
	}
	added := msgs[0].Data.(channel.Channel)
	if added.ID == "" || added.Mode != channel.ModeRestream {
		t.Errorf("added channel: %+v", added)
	}
	if len(added.Headers) != 1 || added.Headers[0].Key != "Referer" {
		t.Errorf("headersJson not applied: %+v", added.Headers)
	}
	if _, ok := f.reg.Get(added.ID); !ok {
		t.Error("channel not in registry")
	}
}

func TestHandler_add_channel_invalid(t *testing.T) {
	cases := map[string]any{
		"missing_url":  map[string]any{"name": "x"},
		"bad_headers":  map[string]any{"name": "x", "url": "u", "headersJson": "{not json"},
		"unknown_mode": map[string]any{"name": "x", "url": "u", "mode": "teleport"},
		"not_object":   "oops",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			f := newHandlerFixture(t, false)
			f.h.Handle(context.Background(), f.admin, envelope(t, EventAddChannel, data))
			expectAppError(t, f.admin, "invalid channel")
			if len(f.out.messages()) != 0 {
				t.Error("broadcast after failed add")
			}
		})
	}
}

func TestHandler_update_channel(t *testing.T) {
	f := newHandlerFixture(t, false)
	target, _ := f.reg.Default()

	f.h.Handle(context.Background(), f.admin, envelope(t, EventUpdateChannel, map[string]any{
		"id":                target.ID,
		"updatedAttributes": map[string]any{"name": "Renamed", "group": "News"},
	}))

	msgs := f.out.messages()
	if len(msgs) != 1 || msgs[0].Event != EventChannelUpdated {
		t.Fatalf("expected channel-updated, got %+v", msgs)
	}
	got := msgs[0].Data.(channel.Channel)
	if got.Name != "Renamed" || got.Group != "News" || got.URL != target.URL {
		t.Errorf("updated channel: %+v", got)
	}

	f.h.Handle(context.Background(), f.admin, envelope(t, EventUpdateChannel, map[string]any{
		"id": "missing", "updatedAttributes": map[string]any{"name": "x"},
	}))
	expectAppError(t, f.admin, "channel does not exist")
}

func TestHandler_delete_channel(t *testing.T) {
	f := newHandlerFixture(t, false)
	all := f.reg.All()
	victim := all[1]
	f.relay.current = victim.ID

	f.h.Handle(context.Background(), f.admin, envelope(t, EventDeleteChannel, victim.ID))

	msgs := f.out.messages()
	if len(msgs) != 1 || msgs[0].Event != EventChannelDeleted || msgs[0].Data != victim.ID {
		t.Fatalf("expected channel-deleted %s, got %+v", victim.ID, msgs)
	}
	if len(f.sessions.released) != 1 || f.sessions.released[0] != victim.ID {
		t.Errorf("session not released: %v", f.sessions.released)
	}
	if f.relay.stops != 1 {
		t.Errorf("relay serving the deleted channel was not stopped")
	}
	if f.relay.statusCalls != 0 {
		t.Errorf("delete probed relay status %d times", f.relay.statusCalls)
	}

	f.h.Handle(context.Background(), f.admin, envelope(t, EventDeleteChannel, all[0].ID))
	expectAppError(t, f.admin, "cannot delete the last channel")
	if f.reg.Len() != 1 {
		t.Errorf("catalog size = %d", f.reg.Len())
	}
}

func TestHandler_set_current_channel(t *testing.T) {
	t.Run("proxy_replies_to_caller_only", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		ch, _ := f.reg.Default()

		f.h.Handle(context.Background(), f.viewer, envelope(t, EventSetCurrentChannel, ch.ID))

		msgs := f.viewer.messages()
		if len(msgs) != 1 || msgs[0].Event != EventChannelSelected {
			t.Fatalf("expected channel-selected, got %+v", msgs)
		}
		if len(f.out.messages()) != 0 {
			t.Error("selection was broadcast")
		}
		if len(f.relay.started) != 0 {
			t.Error("relay started for proxy channel")
		}
	})

	t.Run("restream_starts_relay", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		ch, _ := f.reg.Add(channel.Channel{Name: "R", URL: "http://r.example/a.m3u8", Mode: channel.ModeRestream})

		f.h.Handle(context.Background(), f.viewer, envelope(t, EventSetCurrentChannel, ch.ID))

		if len(f.relay.started) != 1 || f.relay.started[0] != ch.ID {
			t.Errorf("relay starts: %v", f.relay.started)
		}
		if msgs := f.viewer.messages(); len(msgs) != 1 || msgs[0].Event != EventChannelSelected {
			t.Errorf("reply: %+v", msgs)
		}
	})

	t.Run("relay_failure", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		f.relay.startErr = fmt.Errorf("%w: exec: not found", relay.ErrStart)
		ch, _ := f.reg.Add(channel.Channel{Name: "R", URL: "u", Mode: channel.ModeRestream})

		f.h.Handle(context.Background(), f.viewer, envelope(t, EventSetCurrentChannel, ch.ID))
		expectAppError(t, f.viewer, "relay start failed")
	})

	t.Run("policy_requires_admin", func(t *testing.T) {
		f := newHandlerFixture(t, true)
		ch, _ := f.reg.Default()
		if !f.h.SelectionRequiresAdmin() {
			t.Fatal("policy flag not exposed")
		}

		f.h.Handle(context.Background(), f.viewer, envelope(t, EventSetCurrentChannel, ch.ID))
		expectAppError(t, f.viewer, "admin access required to switch channel")

		f.h.Handle(context.Background(), f.admin, envelope(t, EventSetCurrentChannel, ch.ID))
		if msgs := f.admin.messages(); len(msgs) != 1 || msgs[0].Event != EventChannelSelected {
			t.Errorf("admin selection: %+v", msgs)
		}
	})

	t.Run("unknown_channel", func(t *testing.T) {
		f := newHandlerFixture(t, false)
		f.h.Handle(context.Background(), f.viewer, envelope(t, EventSetCurrentChannel, "nope"))
		expectAppError(t, f.viewer, "channel does not exist")
	})
}

func TestHandler_playlists(t *testing.T) {
	f := newHandlerFixture(t, false)
	for _, name := range []string{"a", "b"} {
		if _, err := f.reg.Add(channel.Channel{Name: name, URL: "u-" + name, PlaylistName: "Sports"}); err != nil {
			t.Fatal(err)
		}
	}

	f.h.Handle(context.Background(), f.admin, envelope(t, EventUpdatePlaylist, map[string]any{
		"playlist":          "sports",
		"updatedAttributes": map[string]any{"group": "Live"},
	}))
	if msgs := f.out.messages(); len(msgs) != 2 || msgs[0].Event != EventChannelUpdated {
		t.Fatalf("expected 2 channel-updated, got %+v", msgs)
	}

	f.h.Handle(context.Background(), f.admin, envelope(t, EventDeletePlaylist, "Sports"))
	msgs := f.out.messages()[2:]
	if len(msgs) != 2 || msgs[0].Event != EventChannelDeleted {
		t.Fatalf("expected 2 channel-deleted, got %+v", msgs)
	}
	if f.reg.Len() != 2 {
		t.Errorf("catalog size = %d, want 2", f.reg.Len())
	}

	f.h.Handle(context.Background(), f.viewer, envelope(t, EventDeletePlaylist, "Sports"))
	expectAppError(t, f.viewer, "admin access required")
}

func TestHandler_clear_channels(t *testing.T) {
	f := newHandlerFixture(t, false)
	f.reg.Add(channel.Channel{Name: "extra", URL: "u"})
	f.relay.current = "something"

	f.h.Handle(context.Background(), f.admin, envelope(t, EventClearChannels, nil))

	msgs := f.out.messages()
	if len(msgs) != 1 || msgs[0].Event != EventChannelsReset {
		t.Fatalf("expected channels-reset, got %+v", msgs)
	}
	if got := msgs[0].Data.([]channel.Channel); len(got) != 2 {
		t.Errorf("reset catalog has %d channels, want the 2 defaults", len(got))
	}
	if f.relay.stops != 1 {
		t.Error("relay not stopped on reset")
	}
}

func TestHandler_relay_status_and_unknown(t *testing.T) {
	f := newHandlerFixture(t, false)
	f.relay.current = "ch-9"

	f.h.Handle(context.Background(), f.viewer, Envelope{Event: EventRelayStatus})
	msgs := f.viewer.messages()
	if len(msgs) != 1 || msgs[0].Event != EventRelayStatus {
		t.Fatalf("relay-status reply: %+v", msgs)
	}
	if st := msgs[0].Data.(relay.Status); st.ChannelID != "ch-9" {
		t.Errorf("status: %+v", st)
	}

	g := newHandlerFixture(t, false)
	g.h.Handle(context.Background(), g.viewer, Envelope{Event: "launch-rockets"})
	expectAppError(t, g.viewer, "unknown event")
}

func TestHandler_metrics_outcomes(t *testing.T) {
	f := newHandlerFixture(t, false)
	f.h.Handle(context.Background(), f.viewer, envelope(t, EventAddChannel, map[string]any{"name": "x", "url": "u"}))
	f.h.Handle(context.Background(), f.viewer, Envelope{Event: "whatever"})

	mfs, err := f.metrics.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := map[string]float64{}
	for _, mf := range mfs {
		if mf.GetName() != "restream_realtime_events_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			var event, outcome string
			for _, lp := range m.GetLabel() {
				switch lp.GetName() {
				case "event":
					event = lp.GetValue()
				case "outcome":
					outcome = lp.GetValue()
				}
			}
			found[event+"/"+outcome] = m.GetCounter().GetValue()
		}
	}
	if found["add-channel/forbidden"] != 1 || found["unknown/error"] != 1 {
		t.Errorf("event counters: %v", found)
	}
}

func TestHandler_concurrent_update_and_delete(t *testing.T) {
	f := newHandlerFixture(t, false)
	a, _ := f.reg.Add(channel.Channel{Name: "A", URL: "ua"})
	b, _ := f.reg.Add(channel.Channel{Name: "B", URL: "ub"})

	update := envelope(t, EventUpdateChannel, map[string]any{
		"id": a.ID, "updatedAttributes": map[string]any{"name": "A2"},
	})
	del := envelope(t, EventDeleteChannel, b.ID)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.h.Handle(context.Background(), f.admin, update)
	}()
	go func() {
		defer wg.Done()
		f.h.Handle(context.Background(), &fakeConn{identity: f.admin.identity}, del)
	}()
	wg.Wait()

	if got, ok := f.reg.Get(a.ID); !ok || got.Name != "A2" {
		t.Errorf("update lost: %+v", got)
	}
	if _, ok := f.reg.Get(b.ID); ok {
		t.Error("delete lost")
	}
}

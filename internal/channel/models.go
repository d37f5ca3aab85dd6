package channel

import (
	"slices"
	"strings"
)

// Mode selects how clients play a channel.
type Mode string

const (
	// ModeProxy plays the upstream URL (or session URL) through the HTTP proxy.
	ModeProxy Mode = "proxy"
	// ModeRestream plays the HLS output of the server-side relay process.
	ModeRestream Mode = "restream"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeProxy || m == ModeRestream
}

// Header is one HTTP header sent when contacting the upstream.
type Header struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Headers is an ordered list of upstream headers. Order is preserved end to
// end; duplicate keys are allowed.
type Headers []Header

// Map flattens the list. Later duplicates win.
func (h Headers) Map() map[string]string {
	m := make(map[string]string, len(h))
	for _, hdr := range h {
		m[hdr.Key] = hdr.Value
	}
	return m
}

// Lines renders the headers as "Key: Value\r\n" lines, skipping blank keys.
func (h Headers) Lines() string {
	var b strings.Builder
	for _, hdr := range h {
		if strings.TrimSpace(hdr.Key) == "" {
			continue
		}
		b.WriteString(hdr.Key)
		b.WriteString(": ")
		b.WriteString(hdr.Value)
		b.WriteString("\r\n")
	}
	return b.String()
}

// Channel is a catalog record.
type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
	// SessionURL is the resolved short-lived playback URL. It is derived and
	// never written to the catalog file.
	SessionURL     string  `json:"sessionUrl,omitempty"`
	Avatar         string  `json:"avatar"`
	Mode           Mode    `json:"mode"`
	Headers        Headers `json:"headers"`
	Group          string  `json:"group,omitempty"`
	Playlist       string  `json:"playlist,omitempty"`
	PlaylistName   string  `json:"playlistName,omitempty"`
	PlaylistUpdate bool    `json:"playlistUpdate"`
}

// PlaybackURL is the URL the relay or proxy should open.
func (c Channel) PlaybackURL() string {
	if c.SessionURL != "" {
		return c.SessionURL
	}
	return c.URL
}

func (c Channel) clone() Channel {
	c.Headers = slices.Clone(c.Headers)
	return c
}

// Patch carries a partial update. Nil fields are left unchanged. The id and
// session URL cannot be patched.
type Patch struct {
	Name           *string  `json:"name,omitempty"`
	URL            *string  `json:"url,omitempty"`
	Avatar         *string  `json:"avatar,omitempty"`
	Mode           *Mode    `json:"mode,omitempty"`
	Headers        *Headers `json:"headers,omitempty"`
	Group          *string  `json:"group,omitempty"`
	Playlist       *string  `json:"playlist,omitempty"`
	PlaylistName   *string  `json:"playlistName,omitempty"`
	PlaylistUpdate *bool    `json:"playlistUpdate,omitempty"`
}

func (p Patch) apply(c *Channel) {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.URL != nil {
		c.URL = *p.URL
	}
	if p.Avatar != nil {
		c.Avatar = *p.Avatar
	}
	if p.Mode != nil {
		c.Mode = *p.Mode
	}
	if p.Headers != nil {
		c.Headers = slices.Clone(*p.Headers)
	}
	if p.Group != nil {
		c.Group = *p.Group
	}
	if p.Playlist != nil {
		c.Playlist = *p.Playlist
	}
	if p.PlaylistName != nil {
		c.PlaylistName = *p.PlaylistName
	}
	if p.PlaylistUpdate != nil {
		c.PlaylistUpdate = *p.PlaylistUpdate
	}
}

// Filter selects channels by playlist name and/or group, case-insensitively.
// Empty fields match everything.
type Filter struct {
	PlaylistName string
	Group        string
}

func (f Filter) match(c Channel) bool {
	if f.PlaylistName != "" && !strings.EqualFold(c.PlaylistName, f.PlaylistName) {
		return false
	}
	if f.Group != "" && !strings.EqualFold(c.Group, f.Group) {
		return false
	}
	return true
}

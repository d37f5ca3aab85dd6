package realtime

import (
	"encoding/json"
	"fmt"

	"hls-restreamer/internal/channel"
)

// Inbound events.
const (
	EventAddChannel        = "add-channel"
	EventUpdateChannel     = "update-channel"
	EventDeleteChannel     = "delete-channel"
	EventSetCurrentChannel = "set-current-channel"
	EventUpdatePlaylist    = "update-playlist"
	EventDeletePlaylist    = "delete-playlist"
	EventClearChannels     = "clear-channels"
	EventRelayStatus       = "relay-status"
)

// Outbound events. The channel-* events except channel-selected are sent to
// every client; the rest go to the requesting connection only.
const (
	EventChannelAdded    = "channel-added"
	EventChannelUpdated  = "channel-updated"
	EventChannelDeleted  = "channel-deleted"
	EventChannelsReset   = "channels-reset"
	EventChannelSelected = "channel-selected"
	EventAppError        = "app-error"
)

// Envelope is an inbound frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Message is an outbound frame.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// ErrorPayload is the data of an app-error message.
type ErrorPayload struct {
	Message string `json:"message"`
}

// channelPayload is the body of add-channel. Headers arrive either as a list
// or as the JSON text of one in headersJson.
type channelPayload struct {
	Name           string          `json:"name"`
	URL            string          `json:"url"`
	Avatar         string          `json:"avatar"`
	Mode           channel.Mode    `json:"mode"`
	Headers        channel.Headers `json:"headers"`
	HeadersJSON    string          `json:"headersJson"`
	Group          string          `json:"group"`
	Playlist       string          `json:"playlist"`
	PlaylistName   string          `json:"playlistName"`
	PlaylistUpdate bool            `json:"playlistUpdate"`
}

func (p channelPayload) channel() (channel.Channel, error) {
	headers := p.Headers
	if p.HeadersJSON != "" {
		if err := json.Unmarshal([]byte(p.HeadersJSON), &headers); err != nil {
			return channel.Channel{}, fmt.Errorf("%w: headersJson: %v", channel.ErrValidation, err)
		}
	}
	return channel.Channel{
		Name:           p.Name,
		URL:            p.URL,
		Avatar:         p.Avatar,
		Mode:           p.Mode,
		Headers:        headers,
		Group:          p.Group,
		Playlist:       p.Playlist,
		PlaylistName:   p.PlaylistName,
		PlaylistUpdate: p.PlaylistUpdate,
	}, nil
}

// patchPayload is channel.Patch plus the headersJson alternative.
type patchPayload struct {
	channel.Patch
	HeadersJSON *string `json:"headersJson,omitempty"`
}

func (p patchPayload) patch() (channel.Patch, error) {
	patch := p.Patch
	if p.HeadersJSON != nil && *p.HeadersJSON != "" {
		var headers channel.Headers
		if err := json.Unmarshal([]byte(*p.HeadersJSON), &headers); err != nil {
			return channel.Patch{}, fmt.Errorf("%w: headersJson: %v", channel.ErrValidation, err)
		}
		patch.Headers = &headers
	}
	return patch, nil
}

type updateChannelPayload struct {
	ID                string       `json:"id"`
	UpdatedAttributes patchPayload `json:"updatedAttributes"`
}

type updatePlaylistPayload struct {
	Playlist          string       `json:"playlist"`
	UpdatedAttributes patchPayload `json:"updatedAttributes"`
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing payload", channel.ErrValidation)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: malformed payload: %v", channel.ErrValidation, err)
	}
	return nil
}

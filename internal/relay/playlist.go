package relay

import (
	"bufio"
	"fmt"
	"os"

	"github.com/grafov/m3u8"
)

// PlaylistInfo summarizes the relay's live output playlist.
type PlaylistInfo struct {
	MediaSequence  uint64  `json:"mediaSequence"`
	Segments       int     `json:"segments"`
	TargetDuration float64 `json:"targetDuration"`
	LastSegment    string  `json:"lastSegment,omitempty"`
}

// Probe parses the output playlist of channelID under root.
func Probe(root, channelID string) (PlaylistInfo, error) {
	path := PlaylistPath(root, channelID)
	f, err := os.Open(path)
	if err != nil {
		return PlaylistInfo{}, err
	}
	defer f.Close()

	p, listType, err := m3u8.DecodeFrom(bufio.NewReader(f), false)
	if err != nil {
		return PlaylistInfo{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if listType != m3u8.MEDIA {
		return PlaylistInfo{}, fmt.Errorf("%s is not a media playlist", path)
	}
	media := p.(*m3u8.MediaPlaylist)

	info := PlaylistInfo{
		MediaSequence:  media.SeqNo,
		Segments:       int(media.Count()),
		TargetDuration: media.TargetDuration,
	}
	for _, seg := range media.Segments {
		if seg != nil {
			info.LastSegment = seg.URI
		}
	}
	return info, nil
}

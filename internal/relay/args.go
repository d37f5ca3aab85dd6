package relay

import (
	"path/filepath"
	"strconv"
	"time"

	"hls-restreamer/internal/channel"
	"hls-restreamer/internal/platform/config"
)

const hlsFlags = "delete_segments+program_date_time+independent_segments"

// PlaylistPath returns where the relay writes the playlist for channelID.
func PlaylistPath(root, channelID string) string {
	return filepath.Join(root, channelID, channelID+".m3u8")
}

// BuildArgs returns the ffmpeg arguments that relay input to HLS for
// channelID. Depending on cfg the streams are copied or re-encoded, with GPU
// decode/encode substituted when enabled. The segment start number is seeded
// from now so a restart never reuses numbers from stale segments.
func BuildArgs(cfg config.Relay, input string, headers channel.Headers, channelID string, now time.Time) []string {
	var args []string

	if lines := headers.Lines(); lines != "" {
		args = append(args, "-headers", lines)
	}
	args = append(args,
		"-reconnect", "1",
		"-reconnect_at_eof", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "2",
	)
	gpu := cfg.ForceTranscode && cfg.GPU
	if gpu {
		if cfg.GPUHWAccel != "" {
			args = append(args, "-hwaccel", cfg.GPUHWAccel)
		}
		if cfg.GPUDecoder != "" {
			args = append(args, "-c:v", cfg.GPUDecoder)
		}
	}
	args = append(args, "-i", input)

	args = append(args, "-fflags", "+genpts")
	switch {
	case gpu:
		args = append(args,
			"-c:v", cfg.GPUEncoder,
			"-preset", cfg.GPUPreset,
		)
		args = append(args, encodeTail(cfg)...)
	case cfg.ForceTranscode:
		args = append(args,
			"-c:v", cfg.VideoCodec,
			"-preset", cfg.Preset,
			"-tune", "zerolatency",
		)
		args = append(args, encodeTail(cfg)...)
	default:
		args = append(args, "-c", "copy")
	}

	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(cfg.SegmentTime),
		"-hls_list_size", strconv.Itoa(cfg.ListSize),
		"-hls_flags", hlsFlags,
		"-start_number", strconv.FormatInt(now.Unix(), 10),
		PlaylistPath(cfg.StorageRoot, channelID),
	)
	return args
}

func encodeTail(cfg config.Relay) []string {
	return []string{
		"-profile:v", cfg.Profile,
		"-level", cfg.Level,
		"-vf", "format=yuv420p",
		"-c:a", cfg.AudioCodec,
		"-ar", cfg.AudioRate,
		"-ac", cfg.AudioChannels,
		"-b:a", cfg.AudioBitrate,
	}
}

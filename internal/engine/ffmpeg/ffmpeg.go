// Package ffmpeg muxes a downloaded video stream with its audio companion.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/surge-downloader/partdl/internal/engine/types"
	"github.com/surge-downloader/partdl/internal/utils"
)

// ErrNotFound is returned when no ffmpeg binary can be located.
var ErrNotFound = errors.New("ffmpeg not found")

// Merger combines a video file and an audio file into out.
type Merger interface {
	Merge(ctx context.Context, video, audio, out string) error
}

// FFmpeg runs an external ffmpeg binary.
type FFmpeg struct {
	// Path is a binary path or a name looked up in PATH.
	Path string
}

// New picks the configured ffmpeg, then one unpacked into the app's bin
// directory, then whatever is on PATH.
func New(rt *types.RuntimeConfig) *FFmpeg {
	if rt != nil && rt.FFmpegPath != "" {
		return &FFmpeg{Path: rt.FFmpegPath}
	}
	if dir := rt.GetBinDir(); dir != "" {
		local := filepath.Join(dir, BinaryName())
		if info, err := os.Stat(local); err == nil && !info.IsDir() {
			return &FFmpeg{Path: local}
		}
	}
	return &FFmpeg{Path: BinaryName()}
}

// BinaryName is the platform's ffmpeg executable name.
func BinaryName() string {
	if runtime.GOOS == "windows" {
		return "ffmpeg.exe"
	}
	return "ffmpeg"
}

func (f *FFmpeg) resolve() (string, error) {
	p, err := exec.LookPath(f.Path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, f.Path)
	}
	return p, nil
}

// Available reports whether the binary can be executed.
func (f *FFmpeg) Available() bool {
	_, err := f.resolve()
	return err == nil
}

// Merge stream-copies the first video track of video and the first audio
// track of audio into out, overwriting it.
func (f *FFmpeg) Merge(ctx context.Context, video, audio, out string) error {
	bin, err := f.resolve()
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, bin,
		"-hide_banner",
		"-loglevel", "error",
		"-i", video,
		"-i", audio,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c", "copy",
		"-y",
		out,
	)
	utils.Debug("Executing ffmpeg command: %s", cmd.String())
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg error: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

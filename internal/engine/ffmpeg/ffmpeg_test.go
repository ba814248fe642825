package ffmpeg

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/surge-downloader/partdl/internal/engine/types"
)

func TestNew_PrefersConfiguredPath(t *testing.T) {
	f := New(&types.RuntimeConfig{FFmpegPath: "/opt/ffmpeg/bin/ffmpeg"})
	if f.Path != "/opt/ffmpeg/bin/ffmpeg" {
		t.Errorf("Path = %q", f.Path)
	}
}

func TestNew_UsesBinDir(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, BinaryName())
	if err := os.WriteFile(local, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}

	f := New(&types.RuntimeConfig{BinDir: dir})
	if f.Path != local {
		t.Errorf("Path = %q, want %q", f.Path, local)
	}
}

func TestNew_FallsBackToPath(t *testing.T) {
	f := New(&types.RuntimeConfig{BinDir: t.TempDir()})
	if f.Path != BinaryName() {
		t.Errorf("Path = %q", f.Path)
	}
	if New(nil).Path != BinaryName() {
		t.Error("nil runtime should fall back to PATH lookup")
	}
}

func TestMerge_MissingBinary(t *testing.T) {
	f := &FFmpeg{Path: filepath.Join(t.TempDir(), "no-such-ffmpeg")}
	if f.Available() {
		t.Fatal("binary should not be available")
	}
	err := f.Merge(context.Background(), "v.mp4", "a.m4a", "out.mp4")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMerge_ReportsFailureOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in")
	}
	script := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho 'bad input' >&2\nexit 1\n"), 0755); err != nil {
		t.Fatal(err)
	}

	err := (&FFmpeg{Path: script}).Merge(context.Background(), "v.mp4", "a.m4a", "out.mp4")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); !strings.Contains(got, "bad input") {
		t.Errorf("error %q does not carry ffmpeg output", got)
	}
}

func TestMerge_WritesOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "ffmpeg")
	// last argument is the output path
	body := "#!/bin/sh\nfor last; do true; done\necho merged > \"$last\"\n"
	if err := os.WriteFile(script, []byte(body), 0755); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(dir, "out.mp4")
	if err := (&FFmpeg{Path: script}).Merge(context.Background(), "v.mp4", "a.m4a", out); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Errorf("output not written: %v", err)
	}
}

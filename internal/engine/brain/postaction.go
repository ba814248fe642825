package brain

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/surge-downloader/partdl/internal/engine/ffmpeg"
	"github.com/surge-downloader/partdl/internal/engine/types"
	"github.com/surge-downloader/partdl/internal/utils"
)

type postActionFunc func(ctx context.Context, item *types.DownloadItem, rt *types.RuntimeConfig) error

var postActions = map[types.PostAction]postActionFunc{
	types.PostActionUnzipFFmpeg: unzipFFmpeg,
}

// unzipFFmpeg pulls the ffmpeg executable out of a downloaded zip archive
// into the bin dir and removes the archive.
func unzipFFmpeg(ctx context.Context, item *types.DownloadItem, rt *types.RuntimeConfig) error {
	binDir := rt.GetBinDir()
	if binDir == "" {
		return errors.New("no bin directory configured")
	}
	if err := os.MkdirAll(binDir, 0755); err != nil {
		return fmt.Errorf("failed to create bin dir: %w", err)
	}

	archive := item.TargetPath()
	reader, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("failed to open zip archive: %w", err)
	}
	defer reader.Close()

	want := ffmpeg.BinaryName()
	for _, f := range reader.File {
		if f.FileInfo().IsDir() || path.Base(f.Name) != want {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		dest := filepath.Join(binDir, want)
		if err := extractFile(f, dest); err != nil {
			return err
		}
		reader.Close()
		os.Remove(archive)
		utils.Debug("PostAction: installed %s", dest)
		return nil
	}
	return fmt.Errorf("%s not found in %s", want, filepath.Base(archive))
}

func extractFile(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s in archive: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		os.Remove(dest)
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	return out.Close()
}

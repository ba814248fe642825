package utils

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
	"github.com/vfaronov/httpheader"
)

const fallbackFilename = "download.bin"

var zipMagic = []byte{0x50, 0x4B, 0x03, 0x04}

// ResolveFilename picks a file name for a download from, in order: the
// Content-Disposition header, filename/file query parameters, and the URL
// path. sniff holds the first bytes of the body and is used to add a
// missing extension.
func ResolveFilename(rawurl string, header http.Header, sniff []byte) string {
	parsed, err := url.Parse(rawurl)
	if err != nil {
		return fallbackFilename
	}

	var candidate string
	if header != nil {
		if _, name, err := httpheader.ContentDisposition(header); err == nil && name != "" {
			candidate = name
		}
	}
	if candidate == "" {
		q := parsed.Query()
		if name := q.Get("filename"); name != "" {
			candidate = name
		} else if name := q.Get("file"); name != "" {
			candidate = name
		}
	}
	if candidate == "" {
		candidate = path.Base(parsed.Path)
	}

	name := SanitizeFilename(candidate)

	if isPlaceholder(name) && len(sniff) >= 30 && bytes.HasPrefix(sniff, zipMagic) {
		nameLen := int(binary.LittleEndian.Uint16(sniff[26:28]))
		if end := 30 + nameLen; end <= len(sniff) && nameLen > 0 {
			name = SanitizeFilename(string(sniff[30:end]))
		}
	}

	if isPlaceholder(name) {
		name = strings.TrimSuffix(fallbackFilename, ".bin")
	}

	if filepath.Ext(name) == "" {
		name += guessExtension(header, sniff)
	}
	if filepath.Ext(name) == "" {
		name += ".bin"
	}
	return name
}

func isPlaceholder(name string) bool {
	return name == "" || name == "." || name == "/" || name == "_"
}

func guessExtension(header http.Header, sniff []byte) string {
	if len(sniff) > 0 {
		if kind, _ := filetype.Match(sniff); kind != filetype.Unknown && kind.Extension != "" {
			return "." + kind.Extension
		}
	}
	if header != nil {
		if mt, _, err := mime.ParseMediaType(header.Get("Content-Type")); err == nil && mt != "application/octet-stream" {
			if exts, _ := mime.ExtensionsByType(mt); len(exts) > 0 {
				return exts[0]
			}
		}
	}
	return ""
}

// SanitizeFilename strips directories and characters that are invalid on
// common filesystems.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	if name == "." {
		return name
	}
	if name == "/" {
		return "_"
	}
	name = strings.TrimSpace(name)
	return strings.NewReplacer(
		"/", "_", ":", "_", "*", "_", "?", "_",
		"\"", "_", "<", "_", ">", "_", "|", "_",
	).Replace(name)
}

// UniqueFilePath returns folder/name, or folder/"stem (n).ext" for the first
// n that does not collide with an existing file or one of reserved.
func UniqueFilePath(folder, name string, reserved map[string]bool) string {
	candidate := filepath.Join(folder, name)
	if !pathTaken(candidate, reserved) {
		return candidate
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate = filepath.Join(folder, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		if !pathTaken(candidate, reserved) {
			return candidate
		}
	}
}

func pathTaken(p string, reserved map[string]bool) bool {
	if reserved[p] {
		return true
	}
	_, err := os.Stat(p)
	return err == nil
}

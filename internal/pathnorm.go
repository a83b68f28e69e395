package internal

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"path/filepath"
	"runtime"
	"strings"
)

// NormalizePath is the single normalization rule for project paths. Every
// comparison between a project path and provider storage goes through here:
// drift between two normalizations is exactly how workspaces get orphaned.
//
// Rules: separators become the platform separator, trailing separators are
// stripped, and on case-insensitive platforms (windows, darwin) the path is
// lowercased.
func NormalizePath(path string) string {
	if path == "" {
		return ""
	}
	p := filepath.Clean(filepath.FromSlash(path))
	for len(p) > 1 && (strings.HasSuffix(p, "/") || strings.HasSuffix(p, "\\")) {
		p = p[:len(p)-1]
	}
	if caseInsensitiveFS() {
		p = strings.ToLower(p)
	}
	return p
}

func caseInsensitiveFS() bool {
	return runtime.GOOS == "windows" || runtime.GOOS == "darwin"
}

// DecodeFolderURI converts a workspace.json folder URI (file:///...) into a
// plain filesystem path.
func DecodeFolderURI(folderURI string) string {
	folder := folderURI
	if strings.HasPrefix(folder, "file:///") {
		folder = folder[len("file://"):]
	} else if strings.HasPrefix(folder, "file://") {
		folder = folder[len("file://"):]
	}
	if decoded, err := url.PathUnescape(folder); err == nil {
		folder = decoded
	}
	if runtime.GOOS == "windows" {
		// file:///c%3A/foo decodes to /c:/foo
		folder = strings.TrimPrefix(folder, "/")
		folder = strings.ReplaceAll(folder, "/", "\\")
	}
	return folder
}

// HashProjectPath derives the workspace hash for a project path. The hash is
// stable for a given normalized path and never collides back into reuse once
// the path changes, which is what makes orphan detection possible.
func HashProjectPath(path string) string {
	sum := md5.Sum([]byte(NormalizePath(path)))
	return hex.EncodeToString(sum[:])
}

// SamePath reports whether two raw paths resolve to the same normalized path.
func SamePath(a, b string) bool {
	return NormalizePath(a) == NormalizePath(b)
}

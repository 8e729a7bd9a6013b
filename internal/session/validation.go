package session

import (
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

const (
	defaultContentType = "application/octet-stream"
	maxNameLength      = 255
	maxKeyBaseLength   = 100
	maxKeyExtLength    = 16
)

var blockedContentTypes = map[string]bool{
	"application/x-executable":    true,
	"application/x-msdownload":    true,
	"application/x-msdos-program": true,
	"application/x-sh":            true,
	"application/x-msi":           true,
}

var dangerousExtensions = map[string]bool{
	".exe": true,
	".bat": true,
	".cmd": true,
	".com": true,
	".scr": true,
	".pif": true,
	".vbs": true,
	".msi": true,
	".dll": true,
}

// displayName reduces a client-supplied file name to its last path element.
func displayName(name string) (string, error) {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == ".." || base == "/" || strings.TrimSpace(base) == "" {
		return "", &ValidationError{Reason: ReasonBadName, File: name, Msg: "file name is empty"}
	}
	if len(base) > maxNameLength {
		return "", &ValidationError{Reason: ReasonBadName, File: name, Msg: fmt.Sprintf("file name longer than %d bytes", maxNameLength)}
	}
	for _, r := range base {
		if unicode.IsControl(r) {
			return "", &ValidationError{Reason: ReasonBadName, File: name, Msg: "file name contains control characters"}
		}
	}
	return base, nil
}

// checkContentType normalises the declared media type and applies the
// blocklists. The returned type is what gets recorded.
func checkContentType(name, contentType string) (string, error) {
	if dangerousExtensions[strings.ToLower(filepath.Ext(name))] {
		return "", &ValidationError{Reason: ReasonTypeRejected, File: name, Msg: "file extension not allowed"}
	}

	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return defaultContentType, nil
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", &ValidationError{Reason: ReasonTypeRejected, File: name, Msg: "malformed content type"}
	}
	if blockedContentTypes[mediaType] {
		return "", &ValidationError{Reason: ReasonTypeRejected, File: name, Msg: "file type not allowed"}
	}
	return contentType, nil
}

// storageKey builds {unixMillis}_{uuid8}_{base}{ext}. The random component
// makes keys unique across concurrent uploads of the same name.
func storageKey(now time.Time, name string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	base = sanitize(base)
	if len(base) > maxKeyBaseLength {
		base = base[:maxKeyBaseLength]
	}
	if base == "" {
		base = "file"
	}

	ext = sanitize(strings.TrimPrefix(ext, "."))
	if len(ext) > maxKeyExtLength {
		ext = ext[:maxKeyExtLength]
	}
	if ext != "" {
		ext = "." + ext
	}

	uid := uuid.New().String()[:8]
	return strconv.FormatInt(now.UnixMilli(), 10) + "_" + uid + "_" + base + ext
}

// sanitize keeps [A-Za-z0-9_-] and replaces everything else with '_'.
// Dots are replaced too, so no ".." sequence can appear.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

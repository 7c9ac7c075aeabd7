// Package archive uploads deployment logs to object storage and issues
// time-limited links to them.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/animus-labs/wardeploy/internal/platform/objectstore"
	"github.com/animus-labs/wardeploy/internal/platform/randstr"
)

const (
	prefixLen       = 6
	contentType     = "text/plain"
	timestampLayout = "2006-01-02T15:04:05.000000"
)

// Entry identifies the log of one deployment attempt.
type Entry struct {
	LogPath   string
	Host      string
	StartedAt time.Time
	// Attempt is the random part of the workspace name; it keeps keys distinct
	// for attempts that share a host and timestamp.
	Attempt string
}

type Archiver struct {
	store   objectstore.Store
	bucket  string
	linkTTL time.Duration
	logger  *slog.Logger
	prefix  func() (string, error)
}

func New(store objectstore.Store, bucket string, linkTTL time.Duration, logger *slog.Logger) (*Archiver, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if linkTTL <= 0 {
		linkTTL = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		store:   store,
		bucket:  bucket,
		linkTTL: linkTTL,
		logger:  logger,
		prefix:  func() (string, error) { return randstr.Alnum(prefixLen) },
	}, nil
}

// Archive uploads the log and returns its object key. Failures are logged and
// reported as an empty key so finalization can continue.
func (a *Archiver) Archive(ctx context.Context, e Entry) string {
	prefix, err := a.prefix()
	if err != nil {
		a.logger.Error("archive log: key prefix", "host", e.Host, "error", err)
		return ""
	}
	key := ObjectKey(prefix, e)

	f, err := os.Open(e.LogPath)
	if err != nil {
		a.logger.Error("archive log: open", "host", e.Host, "path", e.LogPath, "error", err)
		return ""
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		a.logger.Error("archive log: stat", "host", e.Host, "path", e.LogPath, "error", err)
		return ""
	}

	if err := a.store.Put(ctx, a.bucket, key, f, info.Size(), contentType, objectstore.ACLAuthenticatedRead); err != nil {
		a.logger.Error("archive log: upload", "host", e.Host, "bucket", a.bucket, "key", key, "error", err)
		return ""
	}
	a.logger.Info("archived deployment log", "host", e.Host, "key", key, "size_bytes", info.Size())
	return key
}

// ResolveLink presigns a GET for a previously archived key.
func (a *Archiver) ResolveLink(ctx context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("log reference is empty")
	}
	u, err := a.store.PresignGet(ctx, a.bucket, key, a.linkTTL)
	if err != nil {
		return "", fmt.Errorf("presign log link: %w", err)
	}
	return u, nil
}

// ObjectKey builds "<prefix>-<host>-<timestamp>[-<attempt>]-ansible.log", reduced
// to characters that are safe in a filename.
func ObjectKey(prefix string, e Entry) string {
	parts := []string{prefix, e.Host, e.StartedAt.UTC().Format(timestampLayout)}
	if e.Attempt != "" {
		parts = append(parts, e.Attempt)
	}
	parts = append(parts, "ansible.log")
	return SanitizeFilename(strings.Join(parts, "-"))
}

// SanitizeFilename turns whitespace into underscores, drops every character
// outside [A-Za-z0-9_.-] and trims leading and trailing dots and underscores.
func SanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case unicode.IsSpace(r):
			b.WriteByte('_')
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		case r == '_' || r == '.' || r == '-':
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "._")
}

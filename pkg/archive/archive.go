// Package archive stores verified raw webhook deliveries for audit and
// replay. Objects are keyed by provider and delivery date:
//
//	<prefix>/<provider>/<yyyy>/<mm>/<dd>/<event id>.json
//
// Two backends are provided: S3 (or any S3-compatible service) and the
// local filesystem for development.
package archive

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config selects and configures the archive backend.
type Config struct {
	Driver         string `env:"ARCHIVE_DRIVER" envDefault:"local"` // s3 | local | none
	Prefix         string `env:"ARCHIVE_PREFIX" envDefault:"webhooks"`
	Dir            string `env:"ARCHIVE_DIR" envDefault:"./tmp/archive"`
	Bucket         string `env:"ARCHIVE_S3_BUCKET"`
	Region         string `env:"ARCHIVE_S3_REGION" envDefault:"us-east-1"`
	AccessKeyID    string `env:"ARCHIVE_S3_ACCESS_KEY_ID"`
	SecretKey      string `env:"ARCHIVE_S3_SECRET_KEY"`
	Endpoint       string `env:"ARCHIVE_S3_ENDPOINT"` // Optional: for S3-compatible services
	ForcePathStyle bool   `env:"ARCHIVE_S3_FORCE_PATH_STYLE"`
}

// Archive is implemented by both backends.
type Archive interface {
	Archive(ctx context.Context, provider, eventID string, payload []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns the keys archived for provider on the given day.
	List(ctx context.Context, provider string, day time.Time) ([]string, error)
}

// New builds the backend named by cfg.Driver. The "none" driver returns a
// nil Archive.
func New(ctx context.Context, cfg Config, opts ...S3Option) (Archive, error) {
	switch strings.ToLower(cfg.Driver) {
	case "s3":
		return NewS3Archive(ctx, cfg, opts...)
	case "local", "":
		return NewLocalArchive(cfg.Dir, cfg.Prefix)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

var segmentRegex = regexp.MustCompile(`^[A-Za-z0-9._\-]+$`)

// keyNamer builds object keys. now is replaceable in tests.
type keyNamer struct {
	prefix string
	now    func() time.Time
}

func (k keyNamer) dayPrefix(provider string, day time.Time) (string, error) {
	if !segmentRegex.MatchString(provider) || strings.Contains(provider, "..") {
		return "", fmt.Errorf("%w: provider %q", ErrInvalidKey, provider)
	}
	day = day.UTC()
	return path.Join(strings.Trim(k.prefix, "/"), provider,
		day.Format("2006"), day.Format("01"), day.Format("02")) + "/", nil
}

func (k keyNamer) key(provider, eventID string) (string, error) {
	if eventID == "" {
		eventID = uuid.NewString()
	}
	if !segmentRegex.MatchString(eventID) || strings.Contains(eventID, "..") {
		return "", fmt.Errorf("%w: event id %q", ErrInvalidKey, eventID)
	}
	dir, err := k.dayPrefix(provider, k.now())
	if err != nil {
		return "", err
	}
	return dir + eventID + ".json", nil
}

func validKey(key string) error {
	key = strings.TrimPrefix(key, "/")
	if key == "" || strings.Contains(key, "..") {
		return fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}
	return nil
}

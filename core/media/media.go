package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"regexp"
	"strings"

	"github.com/gofrs/uuid/v5"

	"setu/config"
	"setu/core/utils"
)

var (
	ErrNotImage = errors.New("upload is not an image")
	ErrTooLarge = errors.New("upload exceeds size limit")
	ErrEmpty    = errors.New("upload is empty")
)

// Storage is a blob store that returns a public URL for every object.
type Storage interface {
	Put(ctx context.Context, key, contentType string, r io.Reader) (string, error)
	Delete(ctx context.Context, key string) error
}

type Object struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Uploader validates images before they reach the storage backend.
type Uploader struct {
	storage  Storage
	maxBytes int64
	logger   *utils.Logger
}

func NewUploader(storage Storage, maxBytes int64, logger *utils.Logger) *Uploader {
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &Uploader{storage: storage, maxBytes: maxBytes, logger: logger}
}

// New builds the configured backend.
func New(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch cfg.Backend {
	case "gcs":
		return NewGCS(ctx, cfg.GCSBucket, cfg.GCSCredentials)
	case "local", "":
		return NewLocal(cfg.LocalDir, cfg.PublicBaseURL)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// PutImage stores an image under prefix. The content type is sniffed from the
// bytes; the client-declared type is ignored.
func (u *Uploader) PutImage(ctx context.Context, prefix, filename string, r io.Reader) (*Object, error) {
	data, err := io.ReadAll(io.LimitReader(r, u.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	if int64(len(data)) > u.maxBytes {
		return nil, ErrTooLarge
	}
	ct := http.DetectContentType(data)
	if !strings.HasPrefix(ct, "image/") {
		return nil, ErrNotImage
	}
	key := path.Join(strings.Trim(prefix, "/"), uuid.Must(uuid.NewV4()).String()+"_"+safeName(filename))
	url, err := u.storage.Put(ctx, key, ct, bytes.NewReader(data))
	if err != nil {
		return nil, utils.Retryable("upload "+key, err)
	}
	return &Object{Key: key, URL: url, ContentType: ct, Size: int64(len(data))}, nil
}

// Discard removes objects best effort, used to undo uploads after a failed write.
func (u *Uploader) Discard(ctx context.Context, objects ...*Object) {
	for _, o := range objects {
		if o == nil {
			continue
		}
		if err := u.storage.Delete(ctx, o.Key); err != nil {
			u.logger.Errorf("media: cleanup %s: %v", o.Key, err)
		}
	}
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func safeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "image"
	}
	if len(name) > 80 {
		name = name[len(name)-80:]
	}
	return name
}

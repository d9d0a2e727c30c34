// Package picker implements acquire.Picker for clients that talk to snaptag
// over HTTP: library images arrive as uploads, camera images are grabbed from
// a network camera's snapshot endpoint.
package picker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/krau/snaptag/acquire"
)

var (
	ErrNoUpload = errors.New("no image uploaded")
	ErrNoCamera = errors.New("no camera snapshot url configured")
)

// Choice is what the user did in the client's picker UI.
type Choice struct {
	Cancelled bool
	Upload    []byte
	FileName  string
}

type choiceKey struct{}

func WithChoice(ctx context.Context, ch Choice) context.Context {
	return context.WithValue(ctx, choiceKey{}, ch)
}

func choiceFrom(ctx context.Context) Choice {
	ch, _ := ctx.Value(choiceKey{}).(Choice)
	return ch
}

type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

type Picker struct {
	mediaDir  string
	cameraURL string
	fetcher   Fetcher
	logger    *slog.Logger
}

var (
	_ acquire.Picker   = (*Picker)(nil)
	_ acquire.Releaser = (*Picker)(nil)
)

func New(mediaDir, cameraURL string, fetcher Fetcher, logger *slog.Logger) *Picker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Picker{mediaDir: mediaDir, cameraURL: cameraURL, fetcher: fetcher, logger: logger}
}

func (p *Picker) PickFromCamera(ctx context.Context) (acquire.CameraResult, error) {
	if choiceFrom(ctx).Cancelled {
		return acquire.CameraResult{Cancelled: true}, nil
	}
	if p.cameraURL == "" {
		return acquire.CameraResult{}, ErrNoCamera
	}
	data, err := p.fetcher.Fetch(ctx, p.cameraURL)
	if err != nil {
		return acquire.CameraResult{}, fmt.Errorf("camera snapshot: %w", err)
	}
	uri, err := p.store(data)
	if err != nil {
		return acquire.CameraResult{}, err
	}
	return acquire.CameraResult{URI: uri}, nil
}

func (p *Picker) PickFromLibrary(ctx context.Context) (acquire.LibraryResult, error) {
	ch := choiceFrom(ctx)
	if ch.Cancelled {
		return acquire.LibraryResult{Cancelled: true}, nil
	}
	if len(ch.Upload) == 0 {
		return acquire.LibraryResult{}, ErrNoUpload
	}
	uri, err := p.store(ch.Upload)
	if err != nil {
		return acquire.LibraryResult{}, err
	}
	asset := acquire.Asset{URI: uri, FileName: ch.FileName}
	// Size is informational; a bad file is reported by the decoder later.
	if cfg, err := jpeg.DecodeConfig(bytes.NewReader(ch.Upload)); err == nil {
		asset.Width, asset.Height = cfg.Width, cfg.Height
	}
	return acquire.LibraryResult{Assets: []acquire.Asset{asset}}, nil
}

// store writes data into the media directory and returns its file:// URI.
func (p *Picker) store(data []byte) (string, error) {
	if err := os.MkdirAll(p.mediaDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create media dir: %w", err)
	}
	path, err := filepath.Abs(filepath.Join(p.mediaDir, uuid.NewString()+".jpg"))
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to store image: %w", err)
	}
	p.logger.Debug("Stored picked image", slog.String("path", path), slog.Int("bytes", len(data)))
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String(), nil
}

var errOutsideMedia = errors.New("not a stored media file")

// Release removes a file previously returned by store. URIs that do not point
// into the media directory are refused.
func (p *Picker) Release(uri string) error {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return fmt.Errorf("%w: %s", errOutsideMedia, uri)
	}
	dir, err := filepath.Abs(p.mediaDir)
	if err != nil {
		return err
	}
	path := filepath.FromSlash(u.Path)
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == "." || rel == ".." || filepath.Dir(rel) != "." {
		return fmt.Errorf("%w: %s", errOutsideMedia, uri)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove image: %w", err)
	}
	return nil
}

// Package acquire obtains a user image from the camera or the media library
// and normalizes the picker's answer into an ImageRef.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

type Source string

const (
	Camera  Source = "camera"
	Library Source = "library"
)

func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case Camera, Library:
		return Source(s), nil
	}
	return "", fmt.Errorf("unknown image source %q", s)
}

// ImageRef identifies one user selection. ID is unique per selection even
// when the same URI is picked twice.
type ImageRef struct {
	ID     string `json:"id"`
	URI    string `json:"uri"`
	Source Source `json:"source"`
}

// Outcome is either a selected image or a user cancellation.
type Outcome struct {
	Image     ImageRef
	Cancelled bool
}

// CameraResult is what the camera picker reports.
type CameraResult struct {
	URI       string
	Cancelled bool
}

type Asset struct {
	URI      string
	Width    int
	Height   int
	FileName string
}

// LibraryResult is what the library picker reports.
type LibraryResult struct {
	Assets    []Asset
	Cancelled bool
}

type Picker interface {
	PickFromCamera(ctx context.Context) (CameraResult, error)
	PickFromLibrary(ctx context.Context) (LibraryResult, error)
}

// AcquisitionError reports a picker fault. A cancellation is never one.
type AcquisitionError struct {
	Source Source
	Err    error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("failed to acquire image from %s: %v", e.Source, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

var errNoImage = errors.New("picker returned no image")

type Controller struct {
	picker Picker
	logger *slog.Logger
	newID  func() string
}

func NewController(picker Picker, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{picker: picker, logger: logger, newID: uuid.NewString}
}

func (c *Controller) Acquire(ctx context.Context, source Source) (Outcome, error) {
	var (
		uri       string
		cancelled bool
	)
	switch source {
	case Camera:
		res, err := c.picker.PickFromCamera(ctx)
		if err != nil {
			return Outcome{}, &AcquisitionError{Source: source, Err: err}
		}
		uri, cancelled = res.URI, res.Cancelled
	case Library:
		res, err := c.picker.PickFromLibrary(ctx)
		if err != nil {
			return Outcome{}, &AcquisitionError{Source: source, Err: err}
		}
		cancelled = res.Cancelled
		if !cancelled && len(res.Assets) > 0 {
			uri = res.Assets[0].URI
		}
	default:
		return Outcome{}, &AcquisitionError{Source: source, Err: fmt.Errorf("unknown source")}
	}

	if cancelled {
		c.logger.Info("Image selection cancelled", slog.String("source", string(source)))
		return Outcome{Cancelled: true}, nil
	}
	if uri == "" {
		return Outcome{}, &AcquisitionError{Source: source, Err: errNoImage}
	}
	return Outcome{Image: ImageRef{ID: c.newID(), URI: uri, Source: source}}, nil
}

// Releaser is implemented by pickers that store picked images and can drop
// them again.
type Releaser interface {
	Release(uri string) error
}

// Release drops the stored image behind ref when the picker supports it.
func (c *Controller) Release(ref ImageRef) {
	r, ok := c.picker.(Releaser)
	if !ok {
		return
	}
	if err := r.Release(ref.URI); err != nil {
		c.logger.Warn("Failed to release image", slog.String("id", ref.ID), slog.String("error", err.Error()))
		return
	}
	c.logger.Debug("Released image", slog.String("id", ref.ID), slog.String("uri", ref.URI))
}

package onnx

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/krau/snaptag/config"
	"github.com/krau/snaptag/inference"
)

type Options struct {
	LibPath    string
	ModelPath  string
	LabelsPath string
	ModelURL   string
	LabelsURL  string
	TopK       int
	ScoreMode  ScoreMode
}

func OptionsFromConfig(c config.Config) Options {
	return Options{
		LibPath:    c.Libonnx,
		ModelPath:  filepath.Join(c.ModelDir, c.ModelFileName),
		LabelsPath: filepath.Join(c.ModelDir, c.ModelLabelsName),
		ModelURL:   c.ModelUrl,
		LabelsURL:  c.LabelsUrl,
		TopK:       c.TopK,
		ScoreMode:  ScoreMode(c.ScoreMode),
	}
}

// Downloader fetches remote model assets.
type Downloader interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// Runtime is the ONNX Runtime backend of the inference engine.
type Runtime struct {
	opts   Options
	dl     Downloader
	logger *slog.Logger
}

var _ inference.Backend = (*Runtime)(nil)

func NewRuntime(opts Options, dl Downloader, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	if opts.ScoreMode == "" {
		opts.ScoreMode = Softmax
	}
	return &Runtime{opts: opts, dl: dl, logger: logger}
}

func (r *Runtime) Init(ctx context.Context) error {
	if ort.IsInitialized() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	path := LibPath(r.opts.LibPath)
	if path == "" {
		return fmt.Errorf("ONNX Runtime library path could not be determined for %s", runtime.GOOS)
	}
	r.logger.Info("Using ONNX Runtime library", slog.String("path", path))
	ort.SetSharedLibraryPath(path)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
	}
	return nil
}

func (r *Runtime) Load(ctx context.Context) (inference.Model, error) {
	if err := ensureFile(ctx, r.dl, r.opts.ModelPath, r.opts.ModelURL, r.logger); err != nil {
		return nil, fmt.Errorf("failed to prepare model: %w", err)
	}
	if err := ensureFile(ctx, r.dl, r.opts.LabelsPath, r.opts.LabelsURL, r.logger); err != nil {
		return nil, fmt.Errorf("failed to prepare labels: %w", err)
	}
	labels, err := ReadLabels(r.opts.LabelsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read labels: %w", err)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("label file %s contains no labels", r.opts.LabelsPath)
	}
	return newModel(r.opts, labels)
}

// Destroy tears down the ONNX Runtime environment.
func (r *Runtime) Destroy() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// LibPath resolves the shared library: the configured path wins, otherwise a
// per-OS default that exists on disk.
func LibPath(configured string) string {
	if configured != "" {
		return configured
	}
	var candidates []string
	switch runtime.GOOS {
	case "linux":
		candidates = []string{
			filepath.Join("onnxlibs", "libonnxruntime-linux-x64.so.1.23.2"),
			"/usr/local/lib/libonnxruntime.so",
			"/usr/lib/libonnxruntime.so",
		}
	case "darwin":
		candidates = []string{"/usr/local/lib/libonnxruntime.dylib", "/opt/homebrew/lib/libonnxruntime.dylib"}
	case "windows":
		candidates = []string{"onnxruntime.dll"}
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if len(candidates) > 0 {
		return candidates[len(candidates)-1]
	}
	return ""
}

package onnx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ensureFile downloads url to path unless path already exists.
func ensureFile(ctx context.Context, dl Downloader, path, url string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if url == "" || dl == nil {
		return fmt.Errorf("%s is missing and no download url is configured", path)
	}
	logger.Info("Downloading model asset", slog.String("url", url), slog.String("path", path))
	data, err := dl.Fetch(ctx, url)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadLabels accepts either one label per line or a JSON array of strings.
func ReadLabels(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(b))
	if strings.HasPrefix(trimmed, "[") {
		var labels []string
		if err := json.Unmarshal([]byte(trimmed), &labels); err != nil {
			return nil, fmt.Errorf("invalid label list: %w", err)
		}
		return labels, nil
	}
	var labels []string
	for _, l := range strings.Split(trimmed, "\n") {
		l = strings.TrimSpace(l)
		if l != "" {
			labels = append(labels, l)
		}
	}
	return labels, nil
}

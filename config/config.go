package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Token     string `toml:"token" mapstructure:"token"`
	Host      string `toml:"host" mapstructure:"host"`
	Port      string `toml:"port" mapstructure:"port"`
	LogLevel  string `toml:"log_level" mapstructure:"log_level"`
	LogFormat string `toml:"log_format" mapstructure:"log_format"`
	Libonnx   string `toml:"libonnx" mapstructure:"libonnx"`

	ModelUrl        string `toml:"model_url" mapstructure:"model_url"`
	LabelsUrl       string `toml:"labels_url" mapstructure:"labels_url"`
	ModelDir        string `toml:"model_dir" mapstructure:"model_dir"`
	ModelFileName   string `toml:"model_file_name" mapstructure:"model_file_name"`
	ModelLabelsName string `toml:"model_labels_name" mapstructure:"model_labels_name"`
	TopK            int    `toml:"top_k" mapstructure:"top_k"`
	ScoreMode       string `toml:"score_mode" mapstructure:"score_mode"`

	MediaDir            string `toml:"media_dir" mapstructure:"media_dir"`
	CameraSnapshotUrl   string `toml:"camera_snapshot_url" mapstructure:"camera_snapshot_url"`
	FetchTimeoutSeconds int    `toml:"fetch_timeout_seconds" mapstructure:"fetch_timeout_seconds"`
	MaxImageBytes       int64  `toml:"max_image_bytes" mapstructure:"max_image_bytes"`

	Permissions PermissionConfig `toml:"permissions" mapstructure:"permissions"`
	AMQP        AMQPConfig       `toml:"amqp" mapstructure:"amqp"`
}

// PermissionConfig holds the answers given to permission prompts.
type PermissionConfig struct {
	CameraRoll bool `toml:"camera_roll" mapstructure:"camera_roll"`
	Camera     bool `toml:"camera" mapstructure:"camera"`
}

type AMQPConfig struct {
	URL   string `toml:"url" mapstructure:"url"`
	Queue string `toml:"queue" mapstructure:"queue"`
}

func Default() Config {
	return Config{
		Token:               "",
		Host:                "0.0.0.0",
		Port:                "8000",
		LogLevel:            "info",
		LogFormat:           "text",
		ModelUrl:            "https://github.com/onnx/models/raw/main/validated/vision/classification/mobilenet/model/mobilenetv2-7.onnx",
		LabelsUrl:           "https://raw.githubusercontent.com/anishathalye/imagenet-simple-labels/master/imagenet-simple-labels.json",
		ModelDir:            "models",
		ModelFileName:       "mobilenetv2-7.onnx",
		ModelLabelsName:     "labels.txt",
		TopK:                3,
		ScoreMode:           "softmax",
		MediaDir:            "media",
		FetchTimeoutSeconds: 30,
		MaxImageBytes:       20 << 20,
		Permissions: PermissionConfig{
			CameraRoll: true,
			Camera:     true,
		},
		AMQP: AMQPConfig{
			Queue: "snaptag.predictions",
		},
	}
}

var (
	cfg      = Default()
	loadOnce sync.Once
)

// Path returns the config file location, overridable through SNAPTAG_CONFIG.
func Path() string {
	if p, ok := os.LookupEnv("SNAPTAG_CONFIG"); ok && p != "" {
		return p
	}
	return "config.toml"
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	c := Default()
	if _, err := os.Stat(path); err != nil {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("failed to read config: %w", err)
	}
	if err := toml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("failed to parse config: %w", err)
	}
	return c, nil
}

func C() Config {
	loadOnce.Do(func() {
		c, err := Load(Path())
		if err != nil {
			panic(err)
		}
		cfg = c
	})
	return cfg
}

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/surge-downloader/partdl/internal/engine/types"
)

// Settings holds all user-configurable application settings organized by category.
type Settings struct {
	General     GeneralSettings     `json:"general"`
	Connections ConnectionSettings  `json:"connections"`
	Segments    SegmentSettings     `json:"segments"`
	Performance PerformanceSettings `json:"performance"`
}

// GeneralSettings contains application behavior settings.
type GeneralSettings struct {
	DefaultDownloadDir string `json:"default_download_dir"`
	FFmpegPath         string `json:"ffmpeg_path"`
	Debug              bool   `json:"debug"`
	LogRetentionCount  int    `json:"log_retention_count"`
}

// ConnectionSettings contains network connection parameters.
type ConnectionSettings struct {
	MaxConnections         int    `json:"max_connections"`
	MaxConcurrentDownloads int    `json:"max_concurrent_downloads"`
	SpeedLimit             int64  `json:"speed_limit"`
	UserAgent              string `json:"user_agent"`
	ProxyURL               string `json:"proxy_url"`
	SkipTLSVerification    bool   `json:"skip_tls_verification"`
}

// SegmentSettings controls how items are split into parts.
type SegmentSettings struct {
	PartSize         int64  `json:"part_size"`
	WorkerBufferSize int    `json:"worker_buffer_size"`
	JobOrder         string `json:"job_order"`
}

// PerformanceSettings contains tuning knobs for the engine loops.
type PerformanceSettings struct {
	ErrorThreshold      int           `json:"error_threshold"`
	PollInterval        time.Duration `json:"poll_interval"`
	FileManagerInterval time.Duration `json:"file_manager_interval"`
	ProgressInterval    time.Duration `json:"progress_interval"`
	SpeedLimitCooldown  time.Duration `json:"speed_limit_cooldown"`
	SpeedEmaAlpha       float64       `json:"speed_ema_alpha"`
}

// DefaultSettings returns a new Settings instance with sensible defaults.
func DefaultSettings() *Settings {
	homeDir, _ := os.UserHomeDir()

	return &Settings{
		General: GeneralSettings{
			DefaultDownloadDir: filepath.Join(homeDir, "Downloads"),
			LogRetentionCount:  5,
		},
		Connections: ConnectionSettings{
			MaxConnections:         types.DefaultMaxConnections,
			MaxConcurrentDownloads: types.DefaultMaxConcurrentDownloads,
		},
		Segments: SegmentSettings{
			PartSize:         types.DefaultPartSize,
			WorkerBufferSize: types.WorkerBuffer,
			JobOrder:         string(types.JobOrderStartDescending),
		},
		Performance: PerformanceSettings{
			ErrorThreshold:      types.DefaultErrorThreshold,
			PollInterval:        types.PollInterval,
			FileManagerInterval: types.FileManagerInterval,
			ProgressInterval:    types.ProgressInterval,
			SpeedLimitCooldown:  types.SpeedLimitCooldown,
			SpeedEmaAlpha:       types.SpeedEMAAlpha,
		},
	}
}

// GetSettingsPath returns the path to the settings JSON file.
func GetSettingsPath() string {
	return filepath.Join(GetAppDir(), "settings.json")
}

// LoadSettings loads settings from disk. Returns defaults if file doesn't exist.
func LoadSettings() (*Settings, error) {
	data, err := os.ReadFile(GetSettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSettings(), nil
		}
		return nil, err
	}

	settings := DefaultSettings() // missing keys keep their defaults
	if err := json.Unmarshal(data, settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// SaveSettings saves settings to disk atomically.
func SaveSettings(s *Settings) error {
	path := GetSettingsPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tempPath, path)
}

// ToRuntimeConfig converts user Settings into the engine's RuntimeConfig.
func (s *Settings) ToRuntimeConfig() *types.RuntimeConfig {
	return &types.RuntimeConfig{
		MaxConnections:         s.Connections.MaxConnections,
		MaxConcurrentDownloads: s.Connections.MaxConcurrentDownloads,
		SpeedLimit:             s.Connections.SpeedLimit,
		UserAgent:              s.Connections.UserAgent,
		ProxyURL:               s.Connections.ProxyURL,
		SkipTLSVerification:    s.Connections.SkipTLSVerification,
		PartSize:               s.Segments.PartSize,
		WorkerBufferSize:       s.Segments.WorkerBufferSize,
		JobOrder:               types.JobOrder(s.Segments.JobOrder),
		ErrorThreshold:         s.Performance.ErrorThreshold,
		PollInterval:           s.Performance.PollInterval,
		FileManagerInterval:    s.Performance.FileManagerInterval,
		ProgressInterval:       s.Performance.ProgressInterval,
		SpeedLimitCooldown:     s.Performance.SpeedLimitCooldown,
		SpeedEmaAlpha:          s.Performance.SpeedEmaAlpha,
		FFmpegPath:             s.General.FFmpegPath,
		BinDir:                 GetBinDir(),
	}
}

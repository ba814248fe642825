package types

import "time"

// Size constants
const (
	KB = 1 << (10 * (iota + 1))
	MB
	GB
)

// Segmenting and connection defaults
const (
	DefaultMaxConnections         = 8
	MaxConnectionsLimit           = 64
	DefaultMaxConcurrentDownloads = 3
	DefaultPartSize               = 1 * MB
	MinPartSize                   = 64 * KB
	WorkerBuffer                  = 256 * KB
	RateLimitChunk                = 16 * KB
)

// DefaultErrorThreshold is the number of server errors tolerated without any
// data transferred in between before an item is put into the error state.
const DefaultErrorThreshold = 30

// Loop timing
const (
	PollInterval        = 100 * time.Millisecond
	FileManagerInterval = 1 * time.Second
	ProgressInterval    = 100 * time.Millisecond
	SpeedLimitCooldown  = 2 * time.Second
	SpeedSampleInterval = 1 * time.Second
	SpeedSamples        = 10
	SpeedEMAAlpha       = 0.3
)

// HTTP client tuning
const (
	DefaultMaxIdleConns          = 100
	DefaultIdleConnTimeout       = 90 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 15 * time.Second
	DefaultExpectContinueTimeout = 1 * time.Second
	DialTimeout                  = 10 * time.Second
	KeepAliveDuration            = 30 * time.Second
	ProbeTimeout                 = 30 * time.Second
)

// Channel sizes
const (
	ProgressChannelBuffer = 100
	ServerErrorBuffer     = 64
)

// Temp artifacts
const (
	IncompleteSuffix = ".partdl"
	PartsSuffix      = ".parts"
	AudioPartSuffix  = "_audio"
	DownloadedLedger = "downloaded.json"
	CompletedLedger  = "completed.json"
	LockFileName     = ".lock"
)

// JobOrder selects how requeued segments are prioritized.
type JobOrder string

const (
	// JobOrderStartDescending keeps the job stack sorted by range start
	// descending so popping yields the segment nearest the start of the file.
	JobOrderStartDescending JobOrder = "start-desc"
	// JobOrderStartAscending pops the segment nearest the end of the file first.
	JobOrderStartAscending JobOrder = "start-asc"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) " +
	"Chrome/120.0.0.0 Safari/537.36"

// RuntimeConfig carries user settings into the engine. A nil or zero field
// falls back to the package default.
type RuntimeConfig struct {
	MaxConnections         int
	MaxConcurrentDownloads int
	PartSize               int64
	SpeedLimit             int64 // bytes/sec across all workers of an item, 0 = unlimited
	UserAgent              string
	ProxyURL               string
	SkipTLSVerification    bool
	WorkerBufferSize       int
	JobOrder               JobOrder
	ErrorThreshold         int
	PollInterval           time.Duration
	FileManagerInterval    time.Duration
	ProgressInterval       time.Duration
	SpeedLimitCooldown     time.Duration
	SpeedEmaAlpha          float64
	FFmpegPath             string
	BinDir                 string
}

func (r *RuntimeConfig) GetMaxConnections() int {
	if r == nil || r.MaxConnections <= 0 {
		return DefaultMaxConnections
	}
	if r.MaxConnections > MaxConnectionsLimit {
		return MaxConnectionsLimit
	}
	return r.MaxConnections
}

func (r *RuntimeConfig) GetMaxConcurrentDownloads() int {
	if r == nil || r.MaxConcurrentDownloads <= 0 {
		return DefaultMaxConcurrentDownloads
	}
	return r.MaxConcurrentDownloads
}

func (r *RuntimeConfig) GetPartSize() int64 {
	if r == nil || r.PartSize <= 0 {
		return DefaultPartSize
	}
	return r.PartSize
}

func (r *RuntimeConfig) GetSpeedLimit() int64 {
	if r == nil || r.SpeedLimit < 0 {
		return 0
	}
	return r.SpeedLimit
}

func (r *RuntimeConfig) GetUserAgent() string {
	if r == nil || r.UserAgent == "" {
		return defaultUserAgent
	}
	return r.UserAgent
}

func (r *RuntimeConfig) GetWorkerBufferSize() int {
	if r == nil || r.WorkerBufferSize <= 0 {
		return WorkerBuffer
	}
	return r.WorkerBufferSize
}

func (r *RuntimeConfig) GetJobOrder() JobOrder {
	if r == nil || r.JobOrder != JobOrderStartAscending {
		return JobOrderStartDescending
	}
	return r.JobOrder
}

func (r *RuntimeConfig) GetErrorThreshold() int {
	if r == nil || r.ErrorThreshold <= 0 {
		return DefaultErrorThreshold
	}
	return r.ErrorThreshold
}

func (r *RuntimeConfig) GetPollInterval() time.Duration {
	if r == nil || r.PollInterval <= 0 {
		return PollInterval
	}
	return r.PollInterval
}

func (r *RuntimeConfig) GetFileManagerInterval() time.Duration {
	if r == nil || r.FileManagerInterval <= 0 {
		return FileManagerInterval
	}
	return r.FileManagerInterval
}

func (r *RuntimeConfig) GetProgressInterval() time.Duration {
	if r == nil || r.ProgressInterval <= 0 {
		return ProgressInterval
	}
	return r.ProgressInterval
}

func (r *RuntimeConfig) GetSpeedLimitCooldown() time.Duration {
	if r == nil || r.SpeedLimitCooldown <= 0 {
		return SpeedLimitCooldown
	}
	return r.SpeedLimitCooldown
}

func (r *RuntimeConfig) GetSpeedEmaAlpha() float64 {
	if r == nil || r.SpeedEmaAlpha <= 0 || r.SpeedEmaAlpha > 1 {
		return SpeedEMAAlpha
	}
	return r.SpeedEmaAlpha
}

func (r *RuntimeConfig) GetFFmpegPath() string {
	if r == nil || r.FFmpegPath == "" {
		return "ffmpeg"
	}
	return r.FFmpegPath
}

func (r *RuntimeConfig) GetBinDir() string {
	if r == nil {
		return ""
	}
	return r.BinDir
}

package limits

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// CPUSource reports the latest CPU usage percentage.
// *monitoring.SystemMonitor satisfies it.
type CPUSource interface {
	CPUPercent() float64
}

// ResourceGuardConfig holds the static limits for event ingest.
type ResourceGuardConfig struct {
	MaxMessagesPerSec int     // sustained ingest rate, burst is twice this
	CPUPauseThreshold float64 // pause consumption above this CPU percentage
}

// ResourceGuard protects the process from being flooded by the domain event
// ingest. It rate limits consumption and acts as a CPU brake.
//
// Limits are static and logged at startup; nothing is auto-tuned.
type ResourceGuard struct {
	config  ResourceGuardConfig
	limiter *rate.Limiter
	cpu     CPUSource
	logger  zerolog.Logger
}

// NewResourceGuard creates a guard. cpu may be nil, which disables the brake.
func NewResourceGuard(config ResourceGuardConfig, cpu CPUSource, logger zerolog.Logger) *ResourceGuard {
	if config.MaxMessagesPerSec <= 0 {
		config.MaxMessagesPerSec = 1000
	}

	rg := &ResourceGuard{
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.MaxMessagesPerSec), config.MaxMessagesPerSec*2),
		cpu:     cpu,
		logger:  logger.With().Str("component", "resource_guard").Logger(),
	}

	rg.logger.Info().
		Int("max_ingest_rate", config.MaxMessagesPerSec).
		Float64("cpu_pause_threshold", config.CPUPauseThreshold).
		Msg("ResourceGuard initialized")
	return rg
}

// ShouldPauseKafka reports whether consumption should pause because CPU is
// above the configured threshold.
func (rg *ResourceGuard) ShouldPauseKafka() bool {
	if rg.cpu == nil || rg.config.CPUPauseThreshold <= 0 {
		return false
	}
	return rg.cpu.CPUPercent() > rg.config.CPUPauseThreshold
}

// AllowKafkaMessage checks whether one message may be processed now.
//
// Returns:
//   - allow: true if the message should be processed
//   - waitDuration: how long the caller should wait before retrying (if blocked)
func (rg *ResourceGuard) AllowKafkaMessage(ctx context.Context) (allow bool, waitDuration time.Duration) {
	if ctx.Err() != nil {
		return false, 0
	}

	reservation := rg.limiter.Reserve()
	if !reservation.OK() {
		rg.logger.Warn().Msg("Ingest rate limit exceeded")
		return false, 0
	}

	delay := reservation.Delay()
	if delay == 0 {
		return true, 0
	}

	// Would need to wait; give the token back.
	reservation.Cancel()
	return false, delay
}

// Stats returns the guard's limits and current CPU reading.
func (rg *ResourceGuard) Stats() map[string]any {
	stats := map[string]any{
		"ingest_rate_limit":   rg.config.MaxMessagesPerSec,
		"cpu_pause_threshold": rg.config.CPUPauseThreshold,
		"paused":              rg.ShouldPauseKafka(),
	}
	if rg.cpu != nil {
		stats["cpu_percent"] = rg.cpu.CPUPercent()
	}
	return stats
}

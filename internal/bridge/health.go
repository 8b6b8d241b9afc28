package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/budlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/budlink/internal/session"
)

// HealthPublisher publishes health messages. Typically an MQTT client.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// DeviceLister reports device connection status.
type DeviceLister interface {
	Statuses() []session.Status
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	// DaemonID identifies this daemon in health messages.
	DaemonID string

	Version string

	// Interval is how often to publish health status.
	// Default: 30 seconds.
	Interval time.Duration

	Publisher HealthPublisher
	Devices   DeviceLister

	// DevicesManaged is the number of configured headsets.
	DevicesManaged int

	// Stats supplies bridge counters. Optional.
	Stats func() Statistics
}

// HealthReporter publishes retained health status at a fixed interval.
type HealthReporter struct {
	cfg       HealthReporterConfig
	startTime time.Time

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewHealthReporter creates a health reporter. Call Start to begin.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &HealthReporter{
		cfg:       cfg,
		startTime: time.Now(),
		done:      make(chan struct{}),
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// Start begins periodic reporting until ctx is cancelled or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final stopping status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown
		h.publishStatus(HealthStopping, "daemon stopping")
	})
}

// PublishStarting publishes a starting status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "daemon starting")
}

// PublishNow publishes the current status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

// determineStatus is degraded while MQTT is down or a configured headset
// is not connected.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.cfg.Publisher == nil || !h.cfg.Publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if connected := h.connectedCount(); connected < h.cfg.DevicesManaged {
		return HealthDegraded, "headset not connected"
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) connectedCount() int {
	if h.cfg.Devices == nil {
		return 0
	}
	n := 0
	for _, s := range h.cfg.Devices.Statuses() {
		if s.Connected {
			n++
		}
	}
	return n
}

func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil {
		return nil
	}

	msg := HealthMessage{
		Daemon:           h.cfg.DaemonID,
		Timestamp:        time.Now().UTC(),
		Status:           status,
		Version:          h.cfg.Version,
		UptimeSeconds:    int64(time.Since(h.startTime).Seconds()),
		DevicesManaged:   h.cfg.DevicesManaged,
		DevicesConnected: h.connectedCount(),
		Reason:           reason,
	}
	if h.cfg.Stats != nil {
		stats := h.cfg.Stats()
		msg.Statistics = &stats
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.cfg.Publisher.Publish(mqtt.Topics{}.Health(), payload, 1, true)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()
	logger.Error(msg, "error", err)
}

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/stoker/internal/database"
	"github.com/aristath/stoker/internal/queue"
)

// StatusCounterInterface provides queue depth counts for status endpoints.
type StatusCounterInterface interface {
	CountByStatus(ctx context.Context) (map[queue.Status]int, error)
}

// DatabaseStatsInterface reads storage-level statistics for status endpoints.
type DatabaseStatsInterface interface {
	GetStats() (*database.Stats, error)
}

// SystemStatusResponse is the GET /api/system/status body.
type SystemStatusResponse struct {
	Status        string               `json:"status"`
	UptimeSeconds float64              `json:"uptime_seconds"`
	CPUPercent    float64              `json:"cpu_percent"`
	MemoryPercent float64              `json:"memory_percent"`
	Goroutines    int                  `json:"goroutines"`
	Queue         map[queue.Status]int `json:"queue"`
	DBSizeBytes   int64                `json:"db_size_bytes"`
	WALSizeBytes  int64                `json:"wal_size_bytes"`
}

// SystemHandlers serves process telemetry endpoints.
type SystemHandlers struct {
	repo      StatusCounterInterface
	db        DatabaseStatsInterface
	startedAt time.Time
	log       zerolog.Logger
}

// NewSystemHandlers creates the system telemetry handlers
func NewSystemHandlers(repo StatusCounterInterface, db DatabaseStatsInterface, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		repo:      repo,
		db:        db,
		startedAt: time.Now(),
		log:       log.With().Str("component", "system_handlers").Logger(),
	}
}

// HandleSystemStatus handles GET /api/system/status
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	h.log.Debug().Msg("Getting system status")

	cpuPercent, memPercent := h.getSystemStats()

	response := SystemStatusResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(h.startedAt).Seconds(),
		CPUPercent:    cpuPercent,
		MemoryPercent: memPercent,
		Goroutines:    runtime.NumGoroutine(),
	}

	counts, err := h.repo.CountByStatus(r.Context())
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to count jobs for system status")
		response.Status = "degraded"
	} else {
		response.Queue = counts
	}

	if stats, err := h.db.GetStats(); err != nil {
		h.log.Warn().Err(err).Msg("Failed to read database stats")
	} else {
		response.DBSizeBytes = stats.SizeBytes
		response.WALSizeBytes = stats.WALSizeBytes
	}

	h.writeJSON(w, response)
}

// getSystemStats calculates CPU and RAM usage percentages.
// The 100ms CPU sample keeps the endpoint fast enough for dashboards polling
// every couple of seconds.
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}

func (h *SystemHandlers) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

package server

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/deployer/internal/database"
	"github.com/aristath/deployer/internal/events"
	"github.com/aristath/deployer/internal/target"
)

// SystemHandlers handles process status endpoints
type SystemHandlers struct {
	targets   *target.Service
	bus       *events.Bus
	db        *database.DB
	dataDir   string
	startedAt time.Time
	log       zerolog.Logger
}

// NewSystemHandlers creates new system handlers
func NewSystemHandlers(targets *target.Service, bus *events.Bus, db *database.DB, dataDir string, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		targets:   targets,
		bus:       bus,
		db:        db,
		dataDir:   dataDir,
		startedAt: time.Now(),
		log:       log.With().Str("component", "system_handlers").Logger(),
	}
}

// SystemStatusResponse is the body of GET /system/status
type SystemStatusResponse struct {
	Status            string                `json:"status"`
	Uptime            string                `json:"uptime"`
	CPUPercent        float64               `json:"cpu_percent"`
	MemoryPercent     float64               `json:"memory_percent"`
	DataDirMB         float64               `json:"data_dir_mb"`
	Targets           int                   `json:"targets"`
	TargetsByStatus   map[target.Status]int `json:"targets_by_status"`
	BusyTargets       int                   `json:"busy_targets"`
	PendingDeploys    int                   `json:"pending_deployments"`
	EventSubscribers  int                   `json:"event_subscribers"`
	DatabaseReachable *bool                 `json:"database_reachable,omitempty"`
}

// HandleSystemStatus returns process, host and target status
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	h.log.Debug().Msg("Getting system status")

	cpuPercent, memPercent := h.getSystemStats()
	response := SystemStatusResponse{
		Status:          "healthy",
		Uptime:          time.Since(h.startedAt).Round(time.Second).String(),
		CPUPercent:      cpuPercent,
		MemoryPercent:   memPercent,
		DataDirMB:       h.getDirSize(h.dataDir),
		TargetsByStatus: make(map[target.Status]int),
	}

	if h.targets != nil {
		for _, t := range h.targets.List() {
			rec := t.Record()
			response.Targets++
			response.TargetsByStatus[rec.Status]++
			response.PendingDeploys += rec.Pending
			if rec.Busy {
				response.BusyTargets++
			}
		}
	}

	if h.bus != nil {
		response.EventSubscribers = h.bus.SubscriberCount()
	}

	if h.db != nil {
		reachable := h.db.QuickCheck(r.Context()) == nil
		response.DatabaseReachable = &reachable
		if !reachable {
			response.Status = "degraded"
		}
	}

	writeJSON(w, h.log, http.StatusOK, response)
}

// getDirSize calculates total size of a directory in MB
func (h *SystemHandlers) getDirSize(dirPath string) float64 {
	if dirPath == "" {
		return 0
	}

	var totalSize int64
	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			totalSize += info.Size()
		}
		return nil
	})
	if err != nil {
		h.log.Warn().Err(err).Str("dir", dirPath).Msg("Failed to calculate directory size")
		return 0
	}

	return float64(totalSize) / 1024 / 1024
}

// getSystemStats returns CPU and RAM usage percentages, sampling CPU over 100ms
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

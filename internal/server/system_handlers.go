package server

import (
	"net/http"
	"time"

	"github.com/openquant/tradecore/internal/audit"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// healthResponse is the GET /api/system/health payload.
type healthResponse struct {
	Status      string            `json:"status"` // "healthy" or "degraded"
	Timestamp   string            `json:"timestamp"`
	Databases   map[string]string `json:"databases"`
	AuditHalted bool              `json:"audit_halted"`
	RAMPercent  float64           `json:"ram_percent"`
	DiskFreeMB  float64           `json:"disk_free_mb,omitempty"`
}

// handleHealth reports process and storage health. Stays cheap enough for
// liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Databases: make(map[string]string),
	}

	for _, db := range s.databases {
		if err := db.QuickCheck(r.Context()); err != nil {
			resp.Databases[db.Name()] = "error: " + err.Error()
			resp.Status = "degraded"
			continue
		}
		resp.Databases[db.Name()] = "ok"
	}

	if s.auditor != nil && s.auditor.Halted(audit.GlobalStream) {
		resp.AuditHalted = true
		resp.Status = "degraded"
	}

	if memStat, err := mem.VirtualMemory(); err == nil {
		resp.RAMPercent = memStat.UsedPercent
	} else {
		s.log.Warn().Err(err).Msg("Failed to read memory statistics")
	}

	if s.cfg != nil && s.cfg.DataDir != "" {
		if usage, err := disk.Usage(s.cfg.DataDir); err == nil {
			resp.DiskFreeMB = float64(usage.Free) / 1024 / 1024
		} else {
			s.log.Warn().Err(err).Str("dir", s.cfg.DataDir).Msg("Failed to read disk usage")
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

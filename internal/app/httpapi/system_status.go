package httpapi

import (
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/meridianlabs/netvault/infrastructure/httputil"
)

type systemStatusResponse struct {
	UptimeSeconds     float64 `json:"uptime_seconds"`
	HostUptimeSeconds uint64  `json:"host_uptime_seconds"`
	CPUPercent        float64 `json:"cpu_percent"`
	MemUsedPercent    float64 `json:"mem_used_percent"`
	MemUsedBytes      uint64  `json:"mem_used_bytes"`
	MemTotalBytes     uint64  `json:"mem_total_bytes"`
}

// handleSystemStatus implements GET /system/status: a lightweight operator
// snapshot of process uptime and host resource usage, supplementing the
// job-centric endpoints with the operational view an on-call engineer
// reaches for first.
func (s *Service) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	resp := systemStatusResponse{UptimeSeconds: time.Since(s.startedAt).Seconds()}

	if percents, err := cpu.PercentWithContext(r.Context(), 200*time.Millisecond, false); err == nil && len(percents) > 0 {
		resp.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil && vm != nil {
		resp.MemUsedPercent = vm.UsedPercent
		resp.MemUsedBytes = vm.Used
		resp.MemTotalBytes = vm.Total
	}
	if info, err := host.InfoWithContext(r.Context()); err == nil && info != nil {
		resp.HostUptimeSeconds = info.Uptime
	}

	httputil.WriteJSON(w, http.StatusOK, resp)
}

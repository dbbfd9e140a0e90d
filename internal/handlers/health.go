package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/pliu/duet/internal/ws"
	"github.com/shirou/gopsutil/process"
)

// StatsProvider reports live session and room counts.
type StatsProvider interface {
	Stats() ws.Stats
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	Store  Pinger
	Hub    StatsProvider
	Online func() int
	Log    *slog.Logger
}

type HealthResponse struct {
	Status      string  `json:"status"`
	Store       string  `json:"store"`
	Sessions    int     `json:"sessions"`
	Rooms       int     `json:"rooms"`
	OnlineUsers int     `json:"online_users"`
	RSSBytes    uint64  `json:"rss_bytes,omitempty"`
	CPUPercent  float64 `json:"cpu_percent,omitempty"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	stats := h.Hub.Stats()
	resp := HealthResponse{
		Status:   "ok",
		Store:    "ok",
		Sessions: stats.Sessions,
		Rooms:    stats.Rooms,
	}
	if h.Online != nil {
		resp.OnlineUsers = h.Online()
	}

	status := http.StatusOK
	if err := h.Store.Ping(ctx); err != nil {
		h.Log.Warn("Store ping failed", "error", err)
		resp.Status, resp.Store = "degraded", err.Error()
		status = http.StatusServiceUnavailable
	}

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := p.MemoryInfo(); err == nil {
			resp.RSSBytes = mem.RSS
		}
		if cpu, err := p.CPUPercent(); err == nil {
			resp.CPUPercent = cpu
		}
	}

	writeJSON(w, status, resp)
}

package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"
)

type Handler struct {
	kp        KeeperStatusProvider
	staleTime time.Duration
	now       func() time.Time
}

// KeeperStatusProvider exposes the keeper's health signals.
type KeeperStatusProvider interface {
	LastSuccessfulTick() time.Time
	EvictionRiskSlots() int
}

type HealthResponse struct {
	Status                string `json:"status"`
	SecondsSinceLastTick  int64  `json:"secondsSinceLastTick"`
	EvictionRiskSlotCount int    `json:"evictionRiskSlotCount"`
}

// NewHandler reports DOWN once the keeper has gone staleTime without a
// successful tick, or has not completed one at all.
func NewHandler(kp KeeperStatusProvider, staleTime time.Duration) *Handler {
	return &Handler{kp: kp, staleTime: staleTime, now: time.Now}
}

func (h *Handler) GetHealth(w http.ResponseWriter, _ *http.Request) {
	last := h.kp.LastSuccessfulTick()

	status := "UP"
	var sinceLastTick int64 = -1 // no successful tick yet
	if last.IsZero() {
		status = "DOWN"
	} else {
		since := h.now().Sub(last)
		sinceLastTick = int64(since.Seconds())
		if since > h.staleTime {
			status = "DOWN"
		}
	}

	w.Header().Add("Content-Type", "application/json")
	if status == "DOWN" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	err := json.NewEncoder(w).Encode(HealthResponse{
		Status:                status,
		SecondsSinceLastTick:  sinceLastTick,
		EvictionRiskSlotCount: h.kp.EvictionRiskSlots(),
	})
	if err != nil {
		log.Printf("Error encoding response: %v", err)
		http.Error(w, "Error encoding response", 500)
		return
	}
}

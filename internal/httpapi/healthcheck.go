package httpapi

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"zpowergraph/internal/subscription"
	"zpowergraph/internal/utils"
)

// StateProvider reports the broker subscription state.
type StateProvider interface {
	State() subscription.State
}

type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db"`
	MQTT   string `json:"mqtt"`
}

type healthchecker interface {
	handleHealthz(w http.ResponseWriter, r *http.Request)
}

type healthcheckerImpl struct {
	db     *sql.DB
	mqtt   StateProvider
	logger *slog.Logger
}

func NewHealthchecker(db *sql.DB, mqtt StateProvider, logger *slog.Logger) healthchecker {
	return &healthcheckerImpl{db: db, mqtt: mqtt, logger: logger}
}

// handleHealthz answers 200 whenever the database does. A broker outage only
// degrades the status since ingestion recovers on its own.
func (h *healthcheckerImpl) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	var ok int
	if err := h.db.QueryRowContext(ctx, `SELECT 1`).Scan(&ok); err != nil {
		h.logger.Error("failed to check database connectivity", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to check database connectivity")
		return
	}

	resp := healthResponse{Status: "ok", DB: "ok", MQTT: "disabled"}
	if h.mqtt != nil {
		state := h.mqtt.State()
		resp.MQTT = state.String()
		if state != subscription.Subscribed {
			resp.Status = "degraded"
		}
	}
	utils.WriteJSON(w, http.StatusOK, resp)
}

func registerHealthcheck(mux *http.ServeMux, db *sql.DB, mqtt StateProvider, logger *slog.Logger) {
	healthchecker := NewHealthchecker(db, mqtt, logger)
	mux.HandleFunc("GET /healthz", healthchecker.handleHealthz)
}

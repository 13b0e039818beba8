package controller

import (
	"log/slog"
	"net/http"

	"zpowergraph/internal/modules/power/repository"
	"zpowergraph/internal/pipeline"
	"zpowergraph/internal/registry"
)

type PowerController interface {
	RegisterRoutes(mux *http.ServeMux)
}

// StatsSource exposes the pipeline counters.
type StatsSource interface {
	Stats() pipeline.Stats
}

type powerControllerImpl struct {
	repository repository.ReadingRepository
	registry   *registry.Registry
	stats      StatsSource
	logger     *slog.Logger
}

func NewPowerController(repository repository.ReadingRepository, reg *registry.Registry, stats StatsSource, logger *slog.Logger) PowerController {
	return &powerControllerImpl{repository: repository, registry: reg, stats: stats, logger: logger}
}

func (c *powerControllerImpl) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/devices", c.handleDevices)
	mux.HandleFunc("GET /api/v1/devices/{id}/latest", c.handleLatest)
	mux.HandleFunc("GET /api/v1/devices/{id}/readings", c.handleReadings)
	mux.HandleFunc("GET /api/v1/stats", c.handleStats)
}

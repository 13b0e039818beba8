package power

import (
	"log/slog"
	"net/http"

	"zpowergraph/internal/modules/power/controller"
	"zpowergraph/internal/modules/power/repository"
	"zpowergraph/internal/registry"
)

func RegisterFeature(mux *http.ServeMux, repo repository.ReadingRepository, reg *registry.Registry, stats controller.StatsSource, logger *slog.Logger) {
	powerController := controller.NewPowerController(repo, reg, stats, logger)
	powerController.RegisterRoutes(mux)
}

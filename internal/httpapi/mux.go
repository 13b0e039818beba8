package httpapi

import (
	"database/sql"
	"log/slog"
	"net/http"
)

func NewMux(db *sql.DB, mqtt StateProvider, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	registerHealthcheck(mux, db, mqtt, logger)
	return mux
}

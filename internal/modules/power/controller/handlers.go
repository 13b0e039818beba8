package controller

import (
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"zpowergraph/internal/modules/power/repository"
	"zpowergraph/internal/modules/power/types"
	"zpowergraph/internal/utils"
)

type readingsResponse struct {
	DeviceID  string          `json:"deviceId"`
	From      time.Time       `json:"from"`
	To        time.Time       `json:"to"`
	Count     int             `json:"count"`
	Truncated bool            `json:"truncated"`
	Readings  []types.Reading `json:"readings"`
}

func (c *powerControllerImpl) handleDevices(w http.ResponseWriter, r *http.Request) {
	stored, err := c.repository.Devices(r.Context())
	if err != nil {
		c.logger.Error("list devices failed", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load devices")
		return
	}

	byID := make(map[string]types.Device, len(stored))
	for _, d := range stored {
		byID[d.ID] = d
	}
	for _, id := range c.registry.IDs() {
		d, ok := byID[id]
		if !ok {
			d = types.Device{ID: id}
		}
		d.Tracked = true
		// the registry can be ahead of the store snapshot taken above
		if last, ok := c.registry.Last(id); ok && (d.LastSeen == nil || last.Timestamp.After(*d.LastSeen)) {
			ts := last.Timestamp
			d.LastSeen = &ts
		}
		byID[id] = d
	}

	out := make([]types.Device, 0, len(byID))
	for _, d := range byID {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b types.Device) int { return strings.Compare(a.ID, b.ID) })
	utils.WriteJSON(w, http.StatusOK, out)
}

func (c *powerControllerImpl) handleLatest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		utils.WriteError(w, http.StatusBadRequest, "missing device id")
		return
	}

	latest, err := c.repository.Latest(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		utils.WriteError(w, http.StatusNotFound, "no readings for device "+id)
		return
	}
	if err != nil {
		c.logger.Error("latest reading failed", "device_id", id, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load latest reading")
		return
	}
	utils.WriteJSON(w, http.StatusOK, latest)
}

func (c *powerControllerImpl) handleReadings(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		utils.WriteError(w, http.StatusBadRequest, "missing device id")
		return
	}

	from, to, limit, err := parseReadingsQuery(r, time.Now())
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := readingsResponse{DeviceID: id, From: from, To: to, Readings: []types.Reading{}}
	for rec, err := range c.repository.QueryRange(r.Context(), id, from, to) {
		if err != nil {
			c.logger.Error("query readings failed", "device_id", id, "error", err)
			utils.WriteError(w, http.StatusInternalServerError, "failed to load readings")
			return
		}
		if len(resp.Readings) == limit {
			resp.Truncated = true
			break
		}
		resp.Readings = append(resp.Readings, rec)
	}
	resp.Count = len(resp.Readings)
	utils.WriteJSON(w, http.StatusOK, resp)
}

func (c *powerControllerImpl) handleStats(w http.ResponseWriter, r *http.Request) {
	if c.stats == nil {
		utils.WriteError(w, http.StatusServiceUnavailable, "pipeline not running")
		return
	}
	utils.WriteJSON(w, http.StatusOK, c.stats.Stats())
}

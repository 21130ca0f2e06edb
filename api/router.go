// Package api provides the REST facade over the device controller.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"tuyalink/config"
	"tuyalink/devman"
	"tuyalink/model"
)

// PointStatus is one device's row in the status document. Command appears
// only while it differs from the observed state, Pulse only while an
// auto-revert deadline is armed.
type PointStatus struct {
	State   string `json:"state"`
	Command string `json:"command,omitempty"`
	Pulse   int64  `json:"pulse,omitempty"`
	Host    string `json:"host,omitempty"`
	Failure string `json:"failure,omitempty"`
}

// StatusBody is the document served by GET /status and echoed by /set.
type StatusBody struct {
	Host      string      `json:"host"`
	Timestamp int64       `json:"timestamp"`
	Tuya      StatusInner `json:"tuya"`
}

// StatusInner nests the per-device map under the service name.
type StatusInner struct {
	Status map[string]PointStatus `json:"status"`
}

// HealthRow is one device's row in the health document.
type HealthRow struct {
	Name     string `json:"name"`
	Online   bool   `json:"online"`
	Status   string `json:"status"`
	Failure  string `json:"failure,omitempty"`
	Detected string `json:"detected,omitempty"`
}

// handlers holds the API handler functions.
type handlers struct {
	mgr         *devman.Manager
	registry    *model.Registry
	devicesPath string
	hostname    string
}

// NewRouter creates the REST router, served under /tuya by the web server.
// devicesPath is where POST /config persists the device database; empty
// disables persistence.
func NewRouter(mgr *devman.Manager, registry *model.Registry, devicesPath string) chi.Router {
	hostname, _ := os.Hostname()
	h := &handlers{
		mgr:         mgr,
		registry:    registry,
		devicesPath: devicesPath,
		hostname:    hostname,
	}

	r := chi.NewRouter()
	r.Get("/status", h.handleStatus)
	r.Get("/set", h.handleSet)
	r.Post("/set", h.handleSet)
	r.Get("/config", h.handleGetConfig)
	r.Post("/config", h.handlePostConfig)
	r.Get("/events", h.handleEvents)
	r.Get("/health", h.handleHealth)

	return r
}

func (h *handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (h *handlers) statusBody() StatusBody {
	devs := h.mgr.Snapshot()
	points := make(map[string]PointStatus, len(devs))
	for _, d := range devs {
		p := PointStatus{
			State:   d.State,
			Host:    d.Host,
			Failure: d.Failure,
		}
		if d.Commanded != d.State {
			p.Command = d.Commanded
		}
		if !d.Pulse.IsZero() {
			p.Pulse = d.Pulse.Unix()
		}
		points[d.Name] = p
	}
	return StatusBody{
		Host:      h.hostname,
		Timestamp: time.Now().Unix(),
		Tuya:      StatusInner{Status: points},
	}
}

func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.statusBody())
}

func (h *handlers) handleSet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	point := q.Get("point")
	if point == "" {
		h.writeError(w, http.StatusNotFound, "no such point")
		return
	}

	var on bool
	switch q.Get("state") {
	case "on", "1":
		on = true
	case "off", "0":
		on = false
	default:
		h.writeError(w, http.StatusBadRequest, "state must be one of on, 1, off, 0")
		return
	}

	var pulse time.Duration
	if v := q.Get("pulse"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			h.writeError(w, http.StatusBadRequest, "pulse must be a non-negative number of seconds")
			return
		}
		pulse = time.Duration(secs) * time.Second
	}

	cause := q.Get("cause")
	if cause == "" {
		cause = "web"
	}

	if point == "all" {
		for i := 0; i < h.mgr.Count(); i++ {
			h.mgr.Set(i, on, pulse, cause)
		}
	} else {
		i := h.mgr.Index(point)
		if i < 0 {
			h.writeError(w, http.StatusNotFound, "no such point")
			return
		}
		if err := h.mgr.Set(i, on, pulse, cause); err != nil {
			h.writeError(w, http.StatusNotFound, err.Error())
			return
		}
	}

	h.writeJSON(w, h.statusBody())
}

func (h *handlers) exportDB() *config.DeviceDB {
	return &config.DeviceDB{Tuya: config.TuyaSection{
		Devices: h.mgr.ExportDevices(),
		Models:  h.registry.Snapshot(),
	}}
}

func (h *handlers) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.exportDB())
}

func (h *handlers) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	db, err := config.ParseDeviceDB(data)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Models first so devices seeded by the refresh resolve immediately.
	h.mgr.RefreshModels(db.Tuya.Models)
	h.mgr.RefreshDevices(db.Tuya.Devices)

	applied := h.exportDB()
	if h.devicesPath != "" {
		if err := config.SaveDevices(h.devicesPath, applied); err != nil {
			h.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	h.writeJSON(w, applied)
}

func (h *handlers) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative number")
			return
		}
		limit = n
	}
	h.writeJSON(w, h.mgr.Recent(limit))
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	devs := h.mgr.Snapshot()
	rows := make([]HealthRow, 0, len(devs))
	for _, d := range devs {
		row := HealthRow{
			Name:    d.Name,
			Online:  d.Failure == "",
			Status:  d.State,
			Failure: d.Failure,
		}
		if !d.Detected.IsZero() {
			row.Detected = d.Detected.UTC().Format(time.RFC3339)
		}
		rows = append(rows, row)
	}
	h.writeJSON(w, rows)
}

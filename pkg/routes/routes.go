package routes

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/Thomazoide/av-monitor/pkg/models"
	"github.com/Thomazoide/av-monitor/pkg/store"
	"github.com/Thomazoide/av-monitor/pkg/tracker"
)

const (
	defaultVisitLimit = 50
	maxVisitLimit     = 500
)

// Scanner is the scan controller as seen by the HTTP API.
type Scanner interface {
	Start(ctx context.Context) error
	Stop()
	Status() tracker.Status
	Devices() []models.ActiveDevice
}

type WebRouter struct {
	Scanner Scanner
	// Gateways is nil unless the embedded broker is in use.
	Gateways models.GatewayDirectory
	// Visits and Beacons are nil unless the matching backend is postgres.
	Visits         store.VisitStore
	Beacons        store.BeaconStore
	DeviceNotifier *DeviceNotifier

	// ctx bounds scans started through the API.
	ctx context.Context
}

// Initialize serves the API on listenAddr until ctx is cancelled.
func (wr *WebRouter) Initialize(ctx context.Context, listenAddr string) error {
	wr.ctx = ctx
	if wr.DeviceNotifier == nil {
		wr.DeviceNotifier = NewDeviceNotifier()
	}
	return wr.handleRequests(ctx, listenAddr)
}

// Router builds the handler with all routes and middleware.
func (wr *WebRouter) Router() http.Handler {
	myRouter := mux.NewRouter().StrictSlash(true)

	myRouter.HandleFunc("/health", wr.health).Methods("GET")
	myRouter.HandleFunc("/api/status", wr.getStatus).Methods("GET")
	myRouter.HandleFunc("/api/devices", wr.getDevices).Methods("GET")
	myRouter.HandleFunc("/api/devices-sse", wr.devicesSSE).Methods("GET")
	myRouter.HandleFunc("/api/scan/start", wr.startScan).Methods("POST")
	myRouter.HandleFunc("/api/scan/stop", wr.stopScan).Methods("POST")
	myRouter.HandleFunc("/api/gateways", wr.getGateways).Methods("GET")
	myRouter.HandleFunc("/api/visits", wr.getVisits).Methods("GET")
	myRouter.HandleFunc("/api/beacons", wr.getBeacons).Methods("GET")

	myRouter.Use(handlers.ProxyHeaders)
	myRouter.Use(RequestLogger)
	h := handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))
	return h(myRouter)
}

func (wr *WebRouter) handleRequests(ctx context.Context, listenAddr string) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           wr.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http api listening", "address", listenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func RequestLogger(h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		slog.Info("endpoint hit", "method", r.Method, "path", r.URL.Path, "remote_host", r.RemoteAddr, "user_agent", r.UserAgent())
		// Call the next handler in the chain.
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("error encoding response", "error", err)
	}
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func (wr *WebRouter) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (wr *WebRouter) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, wr.Scanner.Status())
}

type DevicesResponse struct {
	Devices []models.ActiveDevice `json:"devices"`
}

func (wr *WebRouter) getDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, DevicesResponse{Devices: wr.Scanner.Devices()})
}

func (wr *WebRouter) startScan(w http.ResponseWriter, r *http.Request) {
	ctx := wr.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	err := wr.Scanner.Start(ctx)
	if errors.Is(err, tracker.ErrAlreadyScanning) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		slog.Error("error starting scan", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, wr.Scanner.Status())
}

func (wr *WebRouter) stopScan(w http.ResponseWriter, r *http.Request) {
	wr.Scanner.Stop()
	writeJSON(w, http.StatusOK, wr.Scanner.Status())
}

type GatewayResponse struct {
	ClientID    string  `json:"client_id"`
	UserName    string  `json:"username,omitempty"`
	Address     string  `json:"address"`
	ConnectedAt string  `json:"connected_at"`
	LastPublish *string `json:"last_publish,omitempty"`
	Sightings   uint64  `json:"sightings"`
}

func (wr *WebRouter) getGateways(w http.ResponseWriter, r *http.Request) {
	if wr.Gateways == nil {
		writeError(w, http.StatusNotFound, "gateways are only tracked by the embedded broker")
		return
	}

	gateways := []GatewayResponse{}
	for _, g := range wr.Gateways.GetGateways() {
		ipAddr, _ := g.GetIPAddress()
		gr := GatewayResponse{
			ClientID:    g.ClientID,
			UserName:    g.UserName,
			Address:     ipAddr,
			ConnectedAt: g.ConnectedAt.Format("2006-01-02 15:04:05"),
			Sightings:   g.Sightings,
		}
		if !g.LastPublish.IsZero() {
			lastPublish := g.LastPublish.Format("2006-01-02 15:04:05")
			gr.LastPublish = &lastPublish
		}
		gateways = append(gateways, gr)
	}
	writeJSON(w, http.StatusOK, gateways)
}

type VisitsResponse struct {
	Visits []*models.VisitRecord `json:"visits"`
}

func (wr *WebRouter) getVisits(w http.ResponseWriter, r *http.Request) {
	if wr.Visits == nil {
		writeError(w, http.StatusNotFound, "visit history requires the postgres sink")
		return
	}

	query := r.URL.Query()
	limit := defaultVisitLimit
	if v := query.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxVisitLimit)
	}

	var visits []*models.VisitRecord
	var err error
	if v := query.Get("zone"); v != "" {
		zoneID, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "invalid zone")
			return
		}
		visits, err = wr.Visits.GetByZone(r.Context(), zoneID, limit)
	} else {
		visits, err = wr.Visits.GetRecent(r.Context(), limit)
	}
	if err != nil {
		slog.Error("error fetching visits", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, VisitsResponse{Visits: visits})
}

func (wr *WebRouter) getBeacons(w http.ResponseWriter, r *http.Request) {
	if wr.Beacons == nil {
		writeError(w, http.StatusNotFound, "beacon listing requires the postgres directory")
		return
	}
	beacons, err := wr.Beacons.GetAll(r.Context())
	if err != nil {
		slog.Error("error fetching beacons", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, beacons)
}

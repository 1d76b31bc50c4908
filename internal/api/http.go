package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"

	"github.com/pv/aqua-alert-go/internal/connectivity"
	"github.com/pv/aqua-alert-go/internal/dataset"
	"github.com/pv/aqua-alert-go/internal/model"
	"github.com/pv/aqua-alert-go/internal/report"
	"github.com/pv/aqua-alert-go/internal/storage"
	"github.com/pv/aqua-alert-go/pkg/config"
)

// Options собирает зависимости HTTP API.
type Options struct {
	Sensors      *dataset.SensorManager
	Alerts       *dataset.AlertManager
	Thresholds   *config.Config
	Connectivity *connectivity.State
	Auth         *Authenticator
	Streamer     *ChangeStreamer
	// Metrics отдаётся на /metrics, если задан (обычно promhttp.HandlerFor).
	Metrics     http.Handler
	Clock       clockwork.Clock
	CORSOrigins []string
}

// Server реализует HTTP API дашборда.
type Server struct {
	opts    Options
	router  *mux.Router
	handler http.Handler
}

// NewServer создаёт HTTP сервер с зарегистрированными хендлерами.
func NewServer(opts Options) *Server {
	if opts.Thresholds == nil {
		opts.Thresholds = config.Default()
	}
	if opts.Connectivity == nil {
		opts.Connectivity = connectivity.NewState(true)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Auth == nil {
		opts.Auth = &Authenticator{}
	}
	if opts.Streamer == nil {
		opts.Streamer = NewChangeStreamer(nil)
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	s := &Server{opts: opts, router: mux.NewRouter()}
	s.routes()
	s.handler = cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(logRequests(s.router))
	return s
}

// Handler возвращает корневой обработчик с CORS.
func (s *Server) Handler() http.Handler { return s.handler }

// Listen запускает сервер и блокируется до остановки.
func (s *Server) Listen(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	if s.opts.Metrics != nil {
		s.router.Handle("/metrics", s.opts.Metrics).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	apiRoutes := []struct {
		method  string
		path    string
		role    model.Role
		handler http.HandlerFunc
	}{
		{http.MethodGet, "/status", model.RoleViewer, s.handleStatus},
		{http.MethodGet, "/sensors", model.RoleViewer, s.handleSensors},
		{http.MethodGet, "/sensors/{id}/readings", model.RoleViewer, s.handleSensorReadings},
		{http.MethodGet, "/sensors/{id}/latest", model.RoleViewer, s.handleSensorLatest},
		{http.MethodGet, "/readings", model.RoleViewer, s.handleReadings},
		{http.MethodGet, "/alerts", model.RoleViewer, s.handleAlerts},
		{http.MethodPost, "/alerts", model.RoleOperator, s.handleCreateAlert},
		{http.MethodPatch, "/alerts/{id}", model.RoleOperator, s.handleUpdateAlert},
		{http.MethodPost, "/refresh", model.RoleViewer, s.handleRefresh},
		{http.MethodGet, "/reports/readings.csv", model.RoleOperator, s.handleReadingsCSV},
		{http.MethodGet, "/reports/summary", model.RoleOperator, s.handleSummary},
		{http.MethodDelete, "/cache", model.RoleAdmin, s.handleClearCache},
		{http.MethodGet, "/ws/changes", model.RoleViewer, s.opts.Streamer.ServeWS},
	}
	for _, route := range apiRoutes {
		api.Handle(route.path, s.opts.Auth.Require(route.role, route.handler)).Methods(route.method)
	}
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	})
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Errorf("no route for %s", r.URL.Path))
	})
}

type statusResponse struct {
	Online         bool             `json:"online"`
	Datasets       []dataset.Status `json:"datasets"`
	CriticalActive int              `json:"critical_active"`
	StreamClients  int              `json:"stream_clients"`
	Role           model.Role       `json:"role"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Online:        s.opts.Connectivity.Online(),
		Datasets:      []dataset.Status{},
		StreamClients: s.opts.Streamer.Clients(),
		Role:          RoleFromContext(r.Context()),
	}
	if s.opts.Sensors != nil {
		resp.Datasets = append(resp.Datasets, s.opts.Sensors.Status())
	}
	if s.opts.Alerts != nil {
		resp.Datasets = append(resp.Datasets, s.opts.Alerts.Status())
		resp.CriticalActive = s.opts.Alerts.CriticalActive()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	if !s.requireSensors(w) {
		return
	}
	var list []model.Sensor
	if r.URL.Query().Get("active") == "true" {
		list = s.opts.Sensors.ActiveSensors()
	} else {
		list = s.opts.Sensors.Sensors()
	}
	writeJSON(w, http.StatusOK, map[string]any{"sensors": nonNil(list)})
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	if !s.requireSensors(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"readings": nonNil(s.opts.Sensors.Readings())})
}

func (s *Server) handleSensorReadings(w http.ResponseWriter, r *http.Request) {
	if !s.requireSensors(w) {
		return
	}
	id := mux.Vars(r)["id"]
	hours := dataset.DefaultWindowHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, &model.ValidationError{Field: "hours", Message: "must be a positive integer"})
			return
		}
		hours = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sensor_id": id,
		"hours":     hours,
		"readings":  nonNil(s.opts.Sensors.ReadingsForSensor(id, hours)),
	})
}

type latestResponse struct {
	Reading     model.SensorReading `json:"reading"`
	Level       config.Level        `json:"level"`
	Evaluations []config.Evaluation `json:"evaluations"`
}

func (s *Server) handleSensorLatest(w http.ResponseWriter, r *http.Request) {
	if !s.requireSensors(w) {
		return
	}
	id := mux.Vars(r)["id"]
	reading, ok := s.opts.Sensors.LatestReadingForSensor(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no readings for sensor %s", id))
		return
	}
	evals := s.opts.Thresholds.EvaluateValues(readingValues(reading), s.opts.Thresholds.Parameters())
	writeJSON(w, http.StatusOK, latestResponse{
		Reading:     reading,
		Level:       config.Worst(evals),
		Evaluations: evals,
	})
}

func readingValues(r model.SensorReading) map[string]float64 {
	return map[string]float64{
		config.ParamPH:              r.PH,
		config.ParamTemperature:     r.Temperature,
		config.ParamTurbidity:       r.Turbidity,
		config.ParamDissolvedOxygen: r.DissolvedOxygen,
		config.ParamConductivity:    r.Conductivity,
		config.ParamSalinity:        r.Salinity,
		config.ParamWaterLevel:      r.WaterLevel,
	}
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if !s.requireAlerts(w) {
		return
	}
	q := r.URL.Query()
	status, err := dataset.ParseAlertStatus(q.Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	typ := model.HazardType(q.Get("type"))
	if typ != "" && !typ.Valid() {
		writeError(w, http.StatusBadRequest, &model.ValidationError{Field: "type", Message: fmt.Sprintf("unknown hazard type %q", typ)})
		return
	}
	sev := model.Severity(q.Get("severity"))
	if sev != "" && !sev.Valid() {
		writeError(w, http.StatusBadRequest, &model.ValidationError{Field: "severity", Message: fmt.Sprintf("unknown severity %q", sev)})
		return
	}

	alerts := s.opts.Alerts.AlertsByStatus(status)
	out := make([]model.HazardAlert, 0, len(alerts))
	for _, a := range alerts {
		if (typ == "" || a.Type == typ) && (sev == "" || a.Severity == sev) {
			out = append(out, a)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": out})
}

func (s *Server) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	if !s.requireAlerts(w) {
		return
	}
	// новое предупреждение активно, пока форма не скажет иное
	req := model.NewAlert{IsActive: true}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	log.Printf("[http] create alert type=%s severity=%s role=%s", req.Type, req.Severity, RoleFromContext(r.Context()))
	res := s.opts.Alerts.CreateAlert(r.Context(), req)
	if !res.OK() {
		writeError(w, writeStatus(res.Err), res.Err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleUpdateAlert(w http.ResponseWriter, r *http.Request) {
	if !s.requireAlerts(w) {
		return
	}
	id := mux.Vars(r)["id"]
	var patch model.AlertPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	log.Printf("[http] update alert id=%s role=%s", id, RoleFromContext(r.Context()))
	res := s.opts.Alerts.UpdateAlert(r.Context(), id, patch)
	if !res.OK() {
		writeError(w, writeStatus(res.Err), res.Err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeStatus сопоставляет ошибку записи с HTTP-кодом.
func writeStatus(err error) int {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrReadOnly):
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	statuses := []dataset.Status{}
	if s.opts.Sensors != nil {
		statuses = append(statuses, s.opts.Sensors.Refresh(r.Context()))
	}
	if s.opts.Alerts != nil {
		statuses = append(statuses, s.opts.Alerts.Refresh(r.Context()))
	}
	log.Printf("[http] refresh requested by %s", RoleFromContext(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"datasets": statuses})
}

func (s *Server) reportRange(w http.ResponseWriter, r *http.Request) (report.Range, bool) {
	q := r.URL.Query()
	rng, err := report.ParseRange(q.Get("from"), q.Get("to"), report.Period(q.Get("period")), s.opts.Clock.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return report.Range{}, false
	}
	return rng, true
}

func (s *Server) handleReadingsCSV(w http.ResponseWriter, r *http.Request) {
	if !s.requireSensors(w) {
		return
	}
	rng, ok := s.reportRange(w, r)
	if !ok {
		return
	}
	readings := report.FilterReadings(s.opts.Sensors.Readings(), rng)
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rng.FileName("readings", "csv")))
	w.WriteHeader(http.StatusOK)
	if err := report.WriteCSV(w, readings); err != nil {
		log.Printf("[http] readings csv: %v", err)
	}
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	rng, ok := s.reportRange(w, r)
	if !ok {
		return
	}
	var (
		readings []model.SensorReading
		alerts   []model.HazardAlert
	)
	if s.opts.Sensors != nil {
		readings = report.FilterReadings(s.opts.Sensors.Readings(), rng)
	}
	if s.opts.Alerts != nil {
		alerts = report.FilterAlerts(s.opts.Alerts.Alerts(), rng)
	}
	writeJSON(w, http.StatusOK, report.Summarize(rng, readings, alerts))
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	var errs []error
	if s.opts.Sensors != nil {
		errs = append(errs, s.opts.Sensors.ClearCache(r.Context()))
	}
	if s.opts.Alerts != nil {
		errs = append(errs, s.opts.Alerts.ClearCache(r.Context()))
	}
	if err := errors.Join(errs...); err != nil {
		log.Printf("[http] clear cache: %v", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	log.Printf("[http] cache cleared")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) requireSensors(w http.ResponseWriter) bool {
	if s.opts.Sensors == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("sensor data is not configured"))
		return false
	}
	return true
}

func (s *Server) requireAlerts(w http.ResponseWriter) bool {
	if s.opts.Alerts == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("alerts are not configured"))
		return false
	}
	return true
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/csv"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	jose "gopkg.in/go-jose/go-jose.v2"
	"gopkg.in/go-jose/go-jose.v2/jwt"

	"github.com/pv/aqua-alert-go/internal/connectivity"
	"github.com/pv/aqua-alert-go/internal/dataset"
	"github.com/pv/aqua-alert-go/internal/model"
	"github.com/pv/aqua-alert-go/internal/observability"
	"github.com/pv/aqua-alert-go/internal/storage"
	"github.com/pv/aqua-alert-go/internal/storage/memstore"
)

const testSecret = "test-secret-with-enough-length-for-hs256"

var now = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	ts       *httptest.Server
	src      *memstore.Source
	sensors  *dataset.SensorManager
	alerts   *dataset.AlertManager
	streamer *ChangeStreamer
}

func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()
	clock := clockwork.NewFakeClockAt(now)
	src := memstore.New(clock)
	require.NoError(t, src.Seed(model.TableSensors,
		model.Sensor{ID: "s1", Name: "Harbor", IsActive: true, CreatedAt: now.Add(-48 * time.Hour)},
		model.Sensor{ID: "s2", Name: "Bay", IsActive: false, CreatedAt: now.Add(-48 * time.Hour)},
	))
	require.NoError(t, src.Seed(model.TableReadings,
		model.SensorReading{ID: "r1", SensorID: "s1", Timestamp: now.Add(-30 * time.Hour), PH: 7.5, Temperature: 20, DissolvedOxygen: 8, Turbidity: 1},
		model.SensorReading{ID: "r2", SensorID: "s1", Timestamp: now.Add(-time.Hour), PH: 8.8, Temperature: 21, DissolvedOxygen: 7, Turbidity: 2},
		model.SensorReading{ID: "r3", SensorID: "s2", Timestamp: now.Add(-2 * time.Hour), PH: 5, Temperature: 19, DissolvedOxygen: 6, Turbidity: 3},
	))
	require.NoError(t, src.Seed(model.TableAlerts,
		model.HazardAlert{ID: "a1", Type: model.HazardOilSpill, Severity: model.SeverityCritical, Title: "Spill", IsActive: true, CreatedAt: now.Add(-3 * time.Hour)},
		model.HazardAlert{ID: "a2", Type: model.HazardHighWaves, Severity: model.SeverityLow, Title: "Waves", IsActive: false, CreatedAt: now.Add(-2 * time.Hour)},
	))

	streamer := NewChangeStreamer(observability.NewMetrics(nil))
	opts := dataset.Options{
		Source:   src,
		Clock:    clock,
		Logger:   log.New(io.Discard, "", 0),
		Listener: streamer.Publish,
	}
	sensors := dataset.NewSensorManager(opts)
	alerts := dataset.NewAlertManager(opts)
	_, err := sensors.Start(context.Background())
	require.NoError(t, err)
	_, err = alerts.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(sensors.Close)
	t.Cleanup(alerts.Close)

	auth, err := NewAuthenticator(AuthConfig{Secret: secret})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	srv := NewServer(Options{
		Sensors:      sensors,
		Alerts:       alerts,
		Connectivity: connectivity.NewState(true),
		Auth:         auth,
		Streamer:     streamer,
		Metrics:      promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Clock:        clock,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skip: tcp listen not permitted: %v", err)
	}
	ts := httptest.NewUnstartedServer(srv.Handler())
	_ = ts.Listener.Close()
	ts.Listener = ln
	ts.Start()
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, src: src, sensors: sensors, alerts: alerts, streamer: streamer}
}

func token(t *testing.T, role string) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: []byte(testSecret)},
		(&jose.SignerOptions{}).WithType("JWT"))
	require.NoError(t, err)
	raw, err := jwt.Signed(signer).
		Claims(jwt.Claims{
			Issuer:   DefaultIssuer,
			Audience: jwt.Audience{DefaultAudience},
			Subject:  "user-" + role,
			IssuedAt: jwt.NewNumericDate(time.Now()),
			Expiry:   jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}).
		Claims(map[string]any{"app_metadata": map[string]any{"role": role}}).
		CompactSerialize()
	require.NoError(t, err)
	return raw
}

func do(t *testing.T, method, url, bearer string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
		rd = &buf
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestHealthzAndMetricsArePublic(t *testing.T) {
	env := newTestEnv(t, testSecret)

	resp := do(t, http.MethodGet, env.ts.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = do(t, http.MethodGet, env.ts.URL+"/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusReportsDatasets(t *testing.T) {
	env := newTestEnv(t, "")

	var st statusResponse
	resp := do(t, http.MethodGet, env.ts.URL+"/api/v1/status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &st)
	assert.True(t, st.Online)
	assert.Equal(t, 1, st.CriticalActive)
	assert.Equal(t, model.RoleAdmin, st.Role)
	require.Len(t, st.Datasets, 2)
	assert.Equal(t, dataset.SensorsKey, st.Datasets[0].Dataset)
	assert.Equal(t, dataset.StateReady, st.Datasets[0].Feeds[dataset.FeedReadings].State)
	assert.Equal(t, 3, st.Datasets[0].Feeds[dataset.FeedReadings].Count)
}

func TestSensorEndpoints(t *testing.T) {
	env := newTestEnv(t, "")

	var list struct {
		Sensors []model.Sensor `json:"sensors"`
	}
	decode(t, do(t, http.MethodGet, env.ts.URL+"/api/v1/sensors", "", nil), &list)
	require.Len(t, list.Sensors, 2)
	assert.Equal(t, "Bay", list.Sensors[0].Name)

	decode(t, do(t, http.MethodGet, env.ts.URL+"/api/v1/sensors?active=true", "", nil), &list)
	require.Len(t, list.Sensors, 1)
	assert.Equal(t, "s1", list.Sensors[0].ID)

	var window struct {
		Hours    int                   `json:"hours"`
		Readings []model.SensorReading `json:"readings"`
	}
	decode(t, do(t, http.MethodGet, env.ts.URL+"/api/v1/sensors/s1/readings", "", nil), &window)
	assert.Equal(t, dataset.DefaultWindowHours, window.Hours)
	require.Len(t, window.Readings, 1)
	assert.Equal(t, "r2", window.Readings[0].ID)

	decode(t, do(t, http.MethodGet, env.ts.URL+"/api/v1/sensors/s1/readings?hours=48", "", nil), &window)
	assert.Len(t, window.Readings, 2)

	resp := do(t, http.MethodGet, env.ts.URL+"/api/v1/sensors/s1/readings?hours=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var all struct {
		Readings []model.SensorReading `json:"readings"`
	}
	decode(t, do(t, http.MethodGet, env.ts.URL+"/api/v1/readings", "", nil), &all)
	assert.Len(t, all.Readings, 3)
}

func TestLatestReadingIsEvaluated(t *testing.T) {
	env := newTestEnv(t, "")

	var latest latestResponse
	resp := do(t, http.MethodGet, env.ts.URL+"/api/v1/sensors/s1/latest", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &latest)
	assert.Equal(t, "r2", latest.Reading.ID)
	assert.NotEmpty(t, latest.Evaluations)
	for _, ev := range latest.Evaluations {
		if ev.Parameter == "ph" {
			assert.Equal(t, "warning", string(ev.Level), "pH 8.8 is outside the normal range only")
		}
	}

	decode(t, do(t, http.MethodGet, env.ts.URL+"/api/v1/sensors/s2/latest", "", nil), &latest)
	assert.Equal(t, "critical", string(latest.Level))

	resp = do(t, http.MethodGet, env.ts.URL+"/api/v1/sensors/missing/latest", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAlertFilters(t *testing.T) {
	env := newTestEnv(t, "")

	var out struct {
		Alerts []model.HazardAlert `json:"alerts"`
	}
	decode(t, do(t, http.MethodGet, env.ts.URL+"/api/v1/alerts", "", nil), &out)
	require.Len(t, out.Alerts, 2)
	assert.Equal(t, "a2", out.Alerts[0].ID, "newest first")

	decode(t, do(t, http.MethodGet, env.ts.URL+"/api/v1/alerts?status=active", "", nil), &out)
	require.Len(t, out.Alerts, 1)
	assert.Equal(t, "a1", out.Alerts[0].ID)

	decode(t, do(t, http.MethodGet, env.ts.URL+"/api/v1/alerts?status=resolved&type=high_waves&severity=low", "", nil), &out)
	require.Len(t, out.Alerts, 1)
	assert.Equal(t, "a2", out.Alerts[0].ID)

	decode(t, do(t, http.MethodGet, env.ts.URL+"/api/v1/alerts?type=tsunami", "", nil), &out)
	assert.Empty(t, out.Alerts)

	for _, q := range []string{"status=open", "type=flood", "severity=extreme"} {
		resp := do(t, http.MethodGet, env.ts.URL+"/api/v1/alerts?"+q, "", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestCreateAndUpdateAlert(t *testing.T) {
	env := newTestEnv(t, "")

	resp := do(t, http.MethodPost, env.ts.URL+"/api/v1/alerts", "", map[string]any{
		"type":     "tsunami",
		"severity": "high",
		"title":    "Wave warning",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created dataset.WriteResult
	decode(t, resp, &created)
	require.NotNil(t, created.Alert)
	assert.True(t, created.Alert.IsActive, "new alerts default to active")

	// локальная коллекция обновляется событием подписки
	require.Eventually(t, func() bool {
		_, ok := env.alerts.Alert(created.Alert.ID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	resp = do(t, http.MethodPatch, env.ts.URL+"/api/v1/alerts/"+created.Alert.ID, "", map[string]any{"is_active": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Eventually(t, func() bool {
		a, _ := env.alerts.Alert(created.Alert.ID)
		return !a.IsActive
	}, 2*time.Second, 10*time.Millisecond)

	resp = do(t, http.MethodPatch, env.ts.URL+"/api/v1/alerts/nope", "", map[string]any{"is_active": false})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodPost, env.ts.URL+"/api/v1/alerts", "", map[string]any{"type": "flood", "severity": "high", "title": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, env.ts.URL+"/api/v1/alerts", "", map[string]any{"title": "x", "owner": "me"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	env.src.SetWriteError(storage.ErrReadOnly)
	resp = do(t, http.MethodPost, env.ts.URL+"/api/v1/alerts", "", map[string]any{"type": "tsunami", "severity": "low", "title": "ro"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var body map[string]string
	decode(t, resp, &body)
	assert.Contains(t, body["error"], "read-only")
}

func TestRoleGating(t *testing.T) {
	env := newTestEnv(t, testSecret)
	alert := map[string]any{"type": "oil_spill", "severity": "medium", "title": "Sheen"}

	resp := do(t, http.MethodGet, env.ts.URL+"/api/v1/alerts", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = do(t, http.MethodGet, env.ts.URL+"/api/v1/alerts", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	viewer, operator, admin := token(t, "viewer"), token(t, "operator"), token(t, "admin")

	resp = do(t, http.MethodGet, env.ts.URL+"/api/v1/alerts", viewer, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = do(t, http.MethodPost, env.ts.URL+"/api/v1/alerts", viewer, alert)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = do(t, http.MethodPost, env.ts.URL+"/api/v1/alerts", operator, alert)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, http.MethodGet, env.ts.URL+"/api/v1/reports/summary", viewer, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = do(t, http.MethodDelete, env.ts.URL+"/api/v1/cache", operator, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = do(t, http.MethodDelete, env.ts.URL+"/api/v1/cache", admin, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// неизвестная роль понижается до viewer
	resp = do(t, http.MethodPost, env.ts.URL+"/api/v1/alerts", token(t, "root"), alert)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var st statusResponse
	resp = do(t, http.MethodGet, env.ts.URL+"/api/v1/status?access_token="+operator, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &st)
	assert.Equal(t, model.RoleOperator, st.Role)
}

func TestReadingsCSVReport(t *testing.T) {
	env := newTestEnv(t, "")

	resp := do(t, http.MethodGet, env.ts.URL+"/api/v1/reports/readings.csv?from=2024-03-10&to=2024-03-10", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/csv")
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "aqua-alert-readings-2024-03-10-to-2024-03-10.csv")

	rows, err := csv.NewReader(resp.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3, "header plus the two readings of 2024-03-10")
	assert.Equal(t, "Timestamp", rows[0][0])

	resp = do(t, http.MethodGet, env.ts.URL+"/api/v1/reports/readings.csv?from=2024-03-11&to=2024-03-01", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSummaryReport(t *testing.T) {
	env := newTestEnv(t, "")

	var sum struct {
		TotalReadings  int                 `json:"total_readings"`
		TotalAlerts    int                 `json:"total_alerts"`
		CriticalAlerts int                 `json:"critical_alerts"`
		RecentAlerts   []model.HazardAlert `json:"recent_alerts"`
		Averages       *struct {
			PH float64 `json:"ph"`
		} `json:"averages"`
	}
	resp := do(t, http.MethodGet, env.ts.URL+"/api/v1/reports/summary?period=weekly", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &sum)
	assert.Equal(t, 3, sum.TotalReadings)
	assert.Equal(t, 2, sum.TotalAlerts)
	assert.Equal(t, 1, sum.CriticalAlerts)
	require.NotNil(t, sum.Averages)
	assert.InDelta(t, (7.5+8.8+5)/3, sum.Averages.PH, 1e-9)
}

func TestRefreshAndUnknownRoute(t *testing.T) {
	env := newTestEnv(t, "")

	var out struct {
		Datasets []dataset.Status `json:"datasets"`
	}
	resp := do(t, http.MethodPost, env.ts.URL+"/api/v1/refresh", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &out)
	assert.Len(t, out.Datasets, 2)

	resp = do(t, http.MethodGet, env.ts.URL+"/api/v1/nothing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = do(t, http.MethodPut, env.ts.URL+"/api/v1/alerts", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebSocketStreamsChanges(t *testing.T) {
	env := newTestEnv(t, "")

	conn, err := net.Dial("tcp", env.ts.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = io.WriteString(conn, "GET /api/v1/ws/changes HTTP/1.1\r\n"+
		"Host: test\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n"+
		"Sec-WebSocket-Version: 13\r\n\r\n")
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", resp.Header.Get("Sec-WebSocket-Accept"))

	var hello wsMessage
	require.NoError(t, json.Unmarshal(readFrame(t, br), &hello))
	assert.Equal(t, "hello", hello.Type)
	assert.NotEmpty(t, hello.ClientID)
	require.Eventually(t, func() bool { return env.streamer.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = env.src.Insert(context.Background(), model.TableAlerts,
		storage.Record(`{"type":"tsunami","severity":"critical","title":"Live","is_active":true}`))
	require.NoError(t, err)

	var msg wsMessage
	require.NoError(t, json.Unmarshal(readFrame(t, br), &msg))
	assert.Equal(t, "change", msg.Type)
	assert.Equal(t, dataset.AlertsKey, msg.Dataset)
	assert.Equal(t, string(storage.ChangeInsert), msg.Kind)
	assert.Contains(t, string(msg.Record), `"title":"Live"`)

	conn.Close()
	require.Eventually(t, func() bool { return env.streamer.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketDatasetFilter(t *testing.T) {
	env := newTestEnv(t, "")
	conn, err := net.Dial("tcp", env.ts.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = io.WriteString(conn, "GET /api/v1/ws/changes?dataset=sensors HTTP/1.1\r\n"+
		"Host: test\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n"+
		"Sec-WebSocket-Version: 13\r\n\r\n")
	require.NoError(t, err)
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	readFrame(t, br) // hello
	require.Eventually(t, func() bool { return env.streamer.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	_, err = env.src.Insert(ctx, model.TableAlerts,
		storage.Record(`{"type":"tsunami","severity":"critical","title":"Filtered","is_active":true}`))
	require.NoError(t, err)
	_, err = env.src.Insert(ctx, model.TableSensors,
		storage.Record(`{"name":"Pier","is_active":true}`))
	require.NoError(t, err)

	var msg wsMessage
	require.NoError(t, json.Unmarshal(readFrame(t, br), &msg))
	assert.Equal(t, dataset.SensorsKey, msg.Dataset)
	assert.Contains(t, string(msg.Record), `"name":"Pier"`)
}

func TestParseDatasetFilter(t *testing.T) {
	assert.Nil(t, parseDatasetFilter(""))
	assert.Nil(t, parseDatasetFilter(" , "))
	assert.Equal(t, map[string]bool{"sensors": true, "alerts": true}, parseDatasetFilter("sensors, alerts"))
}

func TestAppendFrameLengths(t *testing.T) {
	assert.Equal(t, []byte{0x81, 2, 'h', 'i'}, appendFrame(nil, opText, []byte("hi")))
	assert.Equal(t, []byte{0x88, 0}, appendFrame(nil, opClose, nil))

	mid := appendFrame(nil, opText, make([]byte, 300))
	assert.Equal(t, byte(126), mid[1])
	assert.Equal(t, uint16(300), binary.BigEndian.Uint16(mid[2:4]))
	assert.Len(t, mid, 4+300)

	big := appendFrame(nil, opText, make([]byte, 70000))
	assert.Equal(t, byte(127), big[1])
	assert.Equal(t, uint64(70000), binary.BigEndian.Uint64(big[2:10]))
}

// brokenHijacker отдаёт соединение, запись в которое сразу падает.
type brokenHijacker struct {
	*httptest.ResponseRecorder
}

func (h brokenHijacker) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	_ = client.Close()
	return server, bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server)), nil
}

func TestFailedHandshakeAfterHijackWritesNothing(t *testing.T) {
	streamer := NewChangeStreamer(nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/ws/changes", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	rec := brokenHijacker{httptest.NewRecorder()}

	streamer.ServeWS(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "hijacked writer must not get a status")
	assert.Zero(t, rec.Body.Len())
	assert.Empty(t, rec.Header().Get("Content-Type"))
	assert.Zero(t, streamer.Clients())
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	env := newTestEnv(t, "")
	resp := do(t, http.MethodGet, env.ts.URL+"/api/v1/ws/changes", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// readFrame читает один немаскированный кадр сервера.
func readFrame(t *testing.T, br *bufio.Reader) []byte {
	t.Helper()
	var head [2]byte
	_, err := io.ReadFull(br, head[:])
	require.NoError(t, err)
	require.Equal(t, byte(0x81), head[0], "expected FIN text frame")
	n := uint64(head[1] & 0x7f)
	switch n {
	case 126:
		var ext [2]byte
		_, err = io.ReadFull(br, ext[:])
		require.NoError(t, err)
		n = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		_, err = io.ReadFull(br, ext[:])
		require.NoError(t, err)
		n = binary.BigEndian.Uint64(ext[:])
	}
	payload := make([]byte, n)
	_, err = io.ReadFull(br, payload)
	require.NoError(t, err)
	return payload
}

func TestHeaderContains(t *testing.T) {
	h := http.Header{}
	h.Add("Connection", "keep-alive, Upgrade")
	assert.True(t, headerContains(h, "Connection", "upgrade"))
	assert.False(t, headerContains(h, "Upgrade", "websocket"))
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", computeAcceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
	assert.True(t, strings.HasPrefix(wsGUID, "258EAFA5"))
}

func TestDebugRequestLogging(t *testing.T) {
	var logs bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&logs)
	SetDebugLogging(true)
	t.Cleanup(func() {
		SetDebugLogging(false)
		log.SetOutput(prev)
	})

	srv := NewServer(Options{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sensors", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "no sensor manager configured")
	assert.Contains(t, logs.String(), "[http] GET /api/v1/sensors -> 503")
}

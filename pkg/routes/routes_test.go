package routes

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thomazoide/av-monitor/pkg/models"
	"github.com/Thomazoide/av-monitor/pkg/tracker"
)

type fakeScanner struct {
	mu       sync.Mutex
	scanning bool
	startErr error
	devices  []models.ActiveDevice
}

func (s *fakeScanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	if s.scanning {
		return tracker.ErrAlreadyScanning
	}
	s.scanning = true
	return nil
}

func (s *fakeScanner) Stop() {
	s.mu.Lock()
	s.scanning = false
	s.mu.Unlock()
}

func (s *fakeScanner) Status() tracker.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tracker.Status{Scanning: s.scanning, ActiveSessions: len(s.devices)}
}

func (s *fakeScanner) Devices() []models.ActiveDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ActiveDevice(nil), s.devices...)
}

func (s *fakeScanner) setDevices(d []models.ActiveDevice) {
	s.mu.Lock()
	s.devices = d
	s.mu.Unlock()
}

type fakeVisits struct {
	limit  int
	zoneID int64
	err    error
}

func (f *fakeVisits) Save(ctx context.Context, rec *models.VisitRecord) error { return nil }

func (f *fakeVisits) GetRecent(ctx context.Context, limit int) ([]*models.VisitRecord, error) {
	f.limit = limit
	return []*models.VisitRecord{{Identity: "AA:BB", ZoneID: 7}}, f.err
}

func (f *fakeVisits) GetByZone(ctx context.Context, zoneID int64, limit int) ([]*models.VisitRecord, error) {
	f.zoneID, f.limit = zoneID, limit
	return []*models.VisitRecord{}, f.err
}

type fakeGateways []*models.GatewayDetails

func (g fakeGateways) GetGateways() []*models.GatewayDetails { return g }

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestScanLifecycleEndpoints(t *testing.T) {
	scanner := &fakeScanner{}
	h := (&WebRouter{Scanner: scanner}).Router()

	rec := do(t, h, http.MethodPost, "/api/scan/start")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var st tracker.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Scanning)

	rec = do(t, h, http.MethodPost, "/api/scan/start")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/status")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"scanning":true,"activeSessions":0,"pendingLookups":0}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/scan/stop")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, scanner.Status().Scanning)

	rec = do(t, h, http.MethodGet, "/api/scan/stop")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStartScanFailure(t *testing.T) {
	scanner := &fakeScanner{startErr: errors.New("broker unreachable")}
	h := (&WebRouter{Scanner: scanner}).Router()

	rec := do(t, h, http.MethodPost, "/api/scan/start")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "broker unreachable")
}

func TestGetDevices(t *testing.T) {
	rssi := -61
	scanner := &fakeScanner{devices: []models.ActiveDevice{
		{Identity: "AA:BB", DisplayName: "Plaza Norte", SignalStrength: &rssi, ZoneID: 7},
	}}
	h := (&WebRouter{Scanner: scanner}).Router()

	rec := do(t, h, http.MethodGet, "/api/devices")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp DevicesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Devices, 1)
	assert.Equal(t, "Plaza Norte", resp.Devices[0].DisplayName)
	assert.Equal(t, -61, *resp.Devices[0].SignalStrength)
}

func TestGetVisits(t *testing.T) {
	visits := &fakeVisits{}
	h := (&WebRouter{Scanner: &fakeScanner{}, Visits: visits}).Router()

	rec := do(t, h, http.MethodGet, "/api/visits")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultVisitLimit, visits.limit)
	assert.Contains(t, rec.Body.String(), `"identity":"AA:BB"`)

	rec = do(t, h, http.MethodGet, "/api/visits?limit=10000")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxVisitLimit, visits.limit)

	rec = do(t, h, http.MethodGet, "/api/visits?zone=7&limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(7), visits.zoneID)
	assert.Equal(t, 5, visits.limit)

	for _, q := range []string{"limit=abc", "limit=-1", "zone=x"} {
		rec = do(t, h, http.MethodGet, "/api/visits?"+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}

	visits.err = errors.New("db down")
	rec = do(t, h, http.MethodGet, "/api/visits")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestOptionalEndpointsWithoutBackends(t *testing.T) {
	h := (&WebRouter{Scanner: &fakeScanner{}}).Router()

	for _, path := range []string{"/api/visits", "/api/beacons", "/api/gateways"} {
		rec := do(t, h, http.MethodGet, path)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health").Code)
}

func TestGetGateways(t *testing.T) {
	connected := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	h := (&WebRouter{
		Scanner: &fakeScanner{},
		Gateways: fakeGateways{
			{ClientID: "gw-1", Address: "10.0.0.5:51234", ConnectedAt: connected, Sightings: 12},
		},
	}).Router()

	rec := do(t, h, http.MethodGet, "/api/gateways")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []GatewayResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "10.0.0.5", got[0].Address)
	assert.Equal(t, "2025-03-14 09:00:00", got[0].ConnectedAt)
	assert.Nil(t, got[0].LastPublish)
	assert.EqualValues(t, 12, got[0].Sightings)
}

func TestDevicesSSE(t *testing.T) {
	scanner := &fakeScanner{}
	notifier := NewDeviceNotifier()
	srv := httptest.NewServer((&WebRouter{Scanner: scanner, DeviceNotifier: notifier}).Router())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/devices-sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	nextEvent := func() (string, string) {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			name, ok := strings.CutPrefix(strings.TrimSpace(line), "event: ")
			if !ok {
				continue
			}
			data, err := reader.ReadString('\n')
			require.NoError(t, err)
			return name, strings.TrimPrefix(strings.TrimSpace(data), "data: ")
		}
	}

	name, _ := nextEvent()
	assert.Equal(t, "status-update", name)
	name, data := nextEvent()
	require.Equal(t, "devices-update", name)
	var dr DevicesResponse
	require.NoError(t, json.Unmarshal([]byte(data), &dr))
	assert.Empty(t, dr.Devices)

	scanner.setDevices([]models.ActiveDevice{{Identity: "AA:BB", DisplayName: "Plaza Norte"}})
	notifier.NotifyDevices()

	// A device change only re-sends the device list.
	name, data = nextEvent()
	require.Equal(t, "devices-update", name)
	require.NoError(t, json.Unmarshal([]byte(data), &dr))
	require.Len(t, dr.Devices, 1)
	assert.Equal(t, "AA:BB", dr.Devices[0].Identity)

	require.NoError(t, scanner.Start(context.Background()))
	notifier.NotifyStatus()

	name, data = nextEvent()
	require.Equal(t, "status-update", name)
	var st tracker.Status
	require.NoError(t, json.Unmarshal([]byte(data), &st))
	assert.True(t, st.Scanning)
}

func TestDeviceNotifierCoalesces(t *testing.T) {
	n := NewDeviceNotifier()
	sub := n.Subscribe()

	n.NotifyDevices()
	n.NotifyDevices()
	n.NotifyDevices()

	assert.Len(t, sub.wake, 1)
	<-sub.C()
	assert.Equal(t, ChangeDevices, sub.Take())
	assert.Zero(t, sub.Take())

	n.Unsubscribe(sub)
	n.NotifyStatus()
	assert.Empty(t, sub.wake)
}

func TestDeviceNotifierKeepsKindsApart(t *testing.T) {
	n := NewDeviceNotifier()
	sub := n.Subscribe()
	defer n.Unsubscribe(sub)

	n.NotifyStatus()
	<-sub.C()
	assert.Equal(t, ChangeStatus, sub.Take())

	n.NotifyStatus()
	n.NotifyDevices()
	<-sub.C()
	assert.Equal(t, ChangeStatus|ChangeDevices, sub.Take())
}

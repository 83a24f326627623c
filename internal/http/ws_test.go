package httpapi

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/trip-booking/internal/config"
)

func newTestHTTPServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.ServerConfig{
		Currency:              "usd",
		GuidePollInterval:     10 * time.Millisecond,
		RecorderMaxAttempts:   1,
		RecorderBaseDelay:     time.Millisecond,
		GuideDefaultRatePerKm: 0.5,
		VehicleRates:          config.DefaultVehicleRates(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(cfg, logger)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestWSSessionRemovedOnClientClose(t *testing.T) {
	srv, ts := newTestHTTPServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/bookings/trip-9"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	if !srv.WSReg.Active("trip-9") {
		t.Fatal("session not registered after dial")
	}

	conn.Close()

	deadline := time.After(time.Second)
	for srv.WSReg.Active("trip-9") {
		select {
		case <-deadline:
			t.Fatal("session still registered after client close")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

package apiserver

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/net/websocket"

	"github.com/processguard/processguard/internal/alerts"
)

// wsHub fans a JSON payload out to every subscribed /ws/metrics client.
// Grounded on alerts/sinks fan-out shape (internal/alerts
// iterates a set of sinks best-effort); here the "sinks" are live
// websocket connections instead of notification channels.
type wsHub struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

func newWSHub() *wsHub {
	return &wsHub{subs: make(map[chan []byte]struct{})}
}

func (h *wsHub) subscribe() chan []byte {
	ch := make(chan []byte, 4)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *wsHub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *wsHub) broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- payload:
		default:
			// slow subscriber, drop this frame rather than block the feed
		}
	}
}

// RunMetricsFeed periodically snapshots every tracked process's most recent
// sample and pushes it to subscribed websocket clients, ticking at the
// sampler's configured interval. It blocks until ctx is canceled.
func (s *Server) RunMetricsFeed(ctx context.Context) {
	if s.smp == nil {
		return
	}
	interval := s.smp.Interval()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pushMetricsFrame()
		}
	}
}

// metricsFrame is the documented GET /ws/metrics push payload: one envelope
// per sampler tick carrying the latest per-process sample, a system-wide
// summary, and the currently active alerts.
type metricsFrame struct {
	Timestamp time.Time             `json:"timestamp"`
	System    systemJSON            `json:"system"`
	Processes map[string]sampleJSON `json:"processes"`
	Alerts    []alerts.Alert        `json:"alerts"`
}

type systemJSON struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	LoadAverage float64 `json:"load_average_1"`
}

func (s *Server) pushMetricsFrame() {
	frame := metricsFrame{
		Timestamp: time.Now(),
		Processes: make(map[string]sampleJSON),
	}

	if s.facade != nil {
		if hm, err := s.facade.HostMetrics(); err == nil {
			frame.System = systemJSON{
				CPUPercent:  hm.CPUPercent,
				MemPercent:  hm.MemoryPercent,
				LoadAverage: hm.LoadAverage1,
			}
		}
	}

	for _, name := range s.sup.Names() {
		samples := s.smp.Samples(name, 1)
		if len(samples) == 0 {
			continue
		}
		frame.Processes[name] = sampleToJSON(samples[len(samples)-1])
	}

	if s.bus != nil {
		frame.Alerts = s.bus.List(true)
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.wsHub.broadcast(payload)
}

// MetricsWebSocketHandler mounts a small dedicated Echo instance serving
// GET /ws/metrics, separate from the gin control-plane Engine because gin
// has no native websocket upgrade support. Each connection receives one
// JSON frame per sampler tick until it disconnects.
func (s *Server) MetricsWebSocketHandler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.GET("/ws/metrics", func(c echo.Context) error {
		wsHandler := websocket.Handler(func(ws *websocket.Conn) {
			defer func() { _ = ws.Close() }()
			ch := s.wsHub.subscribe()
			defer s.wsHub.unsubscribe(ch)
			for payload := range ch {
				if _, err := ws.Write(payload); err != nil {
					return
				}
			}
		})
		wsHandler.ServeHTTP(c.Response(), c.Request())
		return nil
	})
	return e
}

// NewMetricsWebSocketServer wraps MetricsWebSocketHandler in an http.Server
// reusing the same TLS configuration as the control-plane gin server.
func NewMetricsWebSocketServer(addr string, tlsConfig *tls.Config, s *Server) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.MetricsWebSocketHandler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

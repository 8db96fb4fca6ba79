package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"
)

// StatusResponse is the body of GET /status
type StatusResponse struct {
	Version  string     `json:"version"`
	Progress Progress   `json:"progress"`
	System   SystemInfo `json:"system"`
	Uptime   float64    `json:"uptime_seconds"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:    1024,
	WriteBufferSize:   8192,
	EnableCompression: false,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsConn wraps a WebSocket connection with a write mutex to prevent concurrent writes
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	send    chan []byte // queued progress messages
	done    chan struct{}
}

func (wc *wsConn) write(messageType int, data []byte) error {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	wc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return wc.conn.WriteMessage(messageType, data)
}

// writer owns the connection's outgoing traffic until send is closed or a
// write fails
func (wc *wsConn) writer() {
	defer close(wc.done)
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case msg, ok := <-wc.send:
			if !ok {
				wc.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := wc.write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			if err := wc.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// StatusServer serves decode progress over HTTP: /status as JSON, /metrics for
// Prometheus, /ws as a stream of progress messages and POST /resync to reset
// the carrier tracker
type StatusServer struct {
	config   *Config
	metrics  *PrometheusMetrics
	progress func() Progress
	resync   func() bool
	system   SystemInfo
	started  time.Time

	server   *http.Server
	listener net.Listener

	mu      sync.Mutex
	clients map[*wsConn]struct{}
}

// NewStatusServer builds the handlers. progress is polled for /status and for
// the first message each /ws client receives.
func NewStatusServer(config *Config, metrics *PrometheusMetrics, progress func() Progress) *StatusServer {
	s := &StatusServer{
		config:   config,
		metrics:  metrics,
		progress: progress,
		system:   GetSystemInfo(),
		started:  time.Now(),
		clients:  make(map[*wsConn]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/resync", s.handleResync)

	s.server = &http.Server{
		Handler:           httpLogger(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's routes, for tests
func (s *StatusServer) Handler() http.Handler {
	return s.server.Handler
}

// Start listens on config.Status.Listen and serves in the background
func (s *StatusServer) Start() error {
	ln, err := net.Listen("tcp", s.config.Status.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Status.Listen, err)
	}
	if s.config.Status.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.config.Status.MaxConnections)
	}
	s.listener = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("Status server error: %v", err)
		}
	}()
	log.Printf("Status server listening on %s", ln.Addr())
	return nil
}

// SetResync installs the handler behind POST /resync. It reports false when
// there is no carrier to reset. Call before Start.
func (s *StatusServer) SetResync(fn func() bool) {
	s.resync = fn
}

// Addr returns the bound address once Start has succeeded
func (s *StatusServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown closes every WebSocket client and stops the server
func (s *StatusServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for wc := range s.clients {
		close(wc.send)
		delete(s.clients, wc)
	}
	s.mu.Unlock()
	return s.server.Shutdown(ctx)
}

// PublishProgress queues a snapshot for every WebSocket client. Clients
// that cannot keep up miss messages rather than stall the decode.
func (s *StatusServer) PublishProgress(p Progress) {
	data, err := json.Marshal(p)
	if err != nil {
		log.Printf("Status server: failed to marshal progress: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for wc := range s.clients {
		select {
		case wc.send <- data:
		default:
		}
	}
}

// Clients returns the number of connected WebSocket clients
func (s *StatusServer) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	resp := StatusResponse{
		Version:  Version,
		Progress: s.progress(),
		System:   s.system,
		Uptime:   time.Since(s.started).Seconds(),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("Error encoding status response: %v", err)
	}
}

func (s *StatusServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil || !s.config.Prometheus.Enabled {
		http.NotFound(w, r)
		return
	}

	clientIP := getClientIP(r)
	if !s.config.Prometheus.IsIPAllowed(clientIP) {
		w.WriteHeader(http.StatusForbidden)
		if _, err := w.Write([]byte("403 Forbidden: Access denied\n")); err != nil {
			log.Printf("Error writing forbidden response: %v", err)
		}
		log.Printf("Prometheus metrics access denied for IP: %s", clientIP)
		return
	}

	promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// handleResync asks the session for a carrier resync. Access follows the
// Prometheus allowed_hosts list.
func (s *StatusServer) handleResync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.resync == nil {
		http.NotFound(w, r)
		return
	}
	clientIP := getClientIP(r)
	if !s.config.Prometheus.IsIPAllowed(clientIP) {
		http.Error(w, "403 Forbidden: Access denied", http.StatusForbidden)
		log.Printf("Resync request denied for IP: %s", clientIP)
		return
	}
	if !s.resync() {
		http.Error(w, "No chroma carrier is tracked", http.StatusConflict)
		return
	}
	log.Printf("Carrier resync requested by %s", clientIP)
	w.WriteHeader(http.StatusAccepted)
}

func (s *StatusServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	wc := &wsConn{conn: conn, send: make(chan []byte, 16), done: make(chan struct{})}
	if data, err := json.Marshal(s.progress()); err == nil {
		wc.send <- data
	}

	s.mu.Lock()
	s.clients[wc] = struct{}{}
	s.mu.Unlock()
	if DebugMode {
		log.Printf("DEBUG: WebSocket client connected from %s", getClientIP(r))
	}

	go wc.writer()

	// progress is one-way; reading only services control frames and notices
	// the client going away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.mu.Lock()
	if _, ok := s.clients[wc]; ok {
		close(wc.send)
		delete(s.clients, wc)
	}
	s.mu.Unlock()
	<-wc.done
	conn.Close()
}

// responseWriter captures the status code and size for the access log
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// httpLogger logs each request in debug mode. WebSocket upgrades are passed
// through unwrapped since the connection gets hijacked.
func httpLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !DebugMode || r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		log.Printf("DEBUG: %s \"%s %s %s\" %d %d %.3fms", getClientIP(r), r.Method, r.RequestURI, r.Proto,
			wrapped.statusCode, wrapped.written, float64(time.Since(start).Microseconds())/1000)
	})
}

// getClientIP extracts the client IP from the request, preferring the first
// X-Forwarded-For entry
func getClientIP(r *http.Request) string {
	clientIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(clientIP); err == nil {
		clientIP = host
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		clientIP = strings.TrimSpace(xff)
		if commaIdx := strings.Index(clientIP, ","); commaIdx != -1 {
			clientIP = strings.TrimSpace(clientIP[:commaIdx])
		}
		if host, _, err := net.SplitHostPort(clientIP); err == nil {
			clientIP = host
		}
	}

	return clientIP
}

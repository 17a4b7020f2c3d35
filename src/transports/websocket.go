package transports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/square-key-labs/strawgo-call/src/auth"
	"github.com/square-key-labs/strawgo-call/src/frames"
	"github.com/square-key-labs/strawgo-call/src/logger"
	"github.com/square-key-labs/strawgo-call/src/serializers"
)

const (
	writeTimeout = 5 * time.Second
	// maxMessageSize bounds one client message; a second of 48kHz PCM16 fits.
	maxMessageSize = 256 * 1024
)

// ServerConfig holds configuration for the call server
type ServerConfig struct {
	Addr string // Listen address (e.g., ":8080")
	Path string // WebSocket path (e.g., "/call")

	// SampleRate is the session rate every call pipeline runs at.
	SampleRate int

	// Build assembles the processors of one call.
	Build CallBuilder

	// HelloTimeout bounds the wait for a connection's first message.
	HelloTimeout time.Duration

	// Metrics is served on /metrics when set.
	Metrics http.Handler

	// WebRTC enables the /rtc/offer signalling endpoint when set.
	WebRTC *WebRTCConfig

	// Auth enables POST /auth/signout when set.
	Auth auth.Provider
}

// Server accepts browser calls over WebSocket (and optionally WebRTC) and
// runs one pipeline per connection.
type Server struct {
	cfg      ServerConfig
	upgrader websocket.Upgrader
	server   *http.Server
	rtc      *webrtcSignaller
	log      *logger.Logger

	calls  map[string]*callRunner
	callMu sync.RWMutex
}

// wsConnection serializes writes to one WebSocket.
type wsConnection struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex // Protect concurrent writes to WebSocket
}

func (c *wsConnection) WriteBinary(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

func (c *wsConnection) WriteText(text string) error {
	return c.write(websocket.TextMessage, []byte(text))
}

func (c *wsConnection) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

// NewServer creates a call server
func NewServer(cfg ServerConfig) *Server {
	if cfg.Path == "" {
		cfg.Path = "/call"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = 10 * time.Second
	}

	s := &Server{
		cfg:   cfg,
		calls: make(map[string]*callRunner),
		log:   logger.WithPrefix("CallServer"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins (configure based on security needs)
			},
		},
	}
	if cfg.WebRTC != nil {
		s.rtc = newWebRTCSignaller(s, *cfg.WebRTC)
	}
	return s
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.rtc != nil {
		mux.HandleFunc("/rtc/offer", s.rtc.handleOffer)
	}
	if s.cfg.Metrics != nil {
		mux.Handle("/metrics", s.cfg.Metrics)
	}
	if s.cfg.Auth != nil {
		mux.HandleFunc("/auth/signout", s.handleSignOut)
	}
	return mux
}

// Start listens until ctx is cancelled, then ends every active call.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("Server shutdown error: %v", err)
		}
		s.hangupAll("server_shutdown")
	}()

	s.log.Info("Listening on %s (websocket %s)", s.cfg.Addr, s.cfg.Path)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("call server error: %w", err)
	}
	return nil
}

// ActiveCalls is the number of connected calls.
func (s *Server) ActiveCalls() int {
	s.callMu.RLock()
	defer s.callMu.RUnlock()
	return len(s.calls)
}

func (s *Server) register(id string, r *callRunner) {
	s.callMu.Lock()
	s.calls[id] = r
	s.callMu.Unlock()
}

func (s *Server) unregister(id string) {
	s.callMu.Lock()
	delete(s.calls, id)
	s.callMu.Unlock()
}

func (s *Server) hangupAll(reason string) {
	s.callMu.RLock()
	runners := make([]*callRunner, 0, len(s.calls))
	for _, r := range s.calls {
		runners = append(runners, r)
	}
	s.callMu.RUnlock()

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r *callRunner) {
			defer wg.Done()
			r.hangup(reason)
		}(r)
	}
	wg.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       "ok",
		"active_calls": s.ActiveCalls(),
	})
}

// handleSignOut revokes the caller's bearer token.
func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token, err := auth.ExtractBearer(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if err := s.cfg.Auth.SignOut(r.Context(), token); err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		s.log.Warn("Sign-out failed: %v", err)
		http.Error(w, "sign-out failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWebSocket upgrades the request and runs one call until either side
// hangs up.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade error: %v", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	connID := "ws-" + uuid.NewString()
	wsConn := &wsConnection{id: connID, conn: conn}
	defer conn.Close()

	serializer := serializers.NewBrowserSerializer(s.cfg.SampleRate)
	start, err := s.awaitHello(conn, serializer)
	if err != nil {
		s.log.Warn("Connection %s: %v", connID, err)
		s.reject(wsConn, err)
		return
	}
	hello, _ := serializer.Hello()

	runner, err := startCall(r.Context(), "WebSocket", start, s.cfg.SampleRate, serializer, wsConn, hello, s.cfg.Build)
	if err != nil {
		s.log.Error("Connection %s: %v", connID, err)
		s.reject(wsConn, err)
		return
	}
	s.register(connID, runner)
	defer s.unregister(connID)
	s.log.Info("Connection %s established (call %s, codec %s, %d Hz)", connID, runner.id, hello.Codec, hello.SampleRate)

	// A pipeline that finishes on its own closes the socket, which ends
	// the read loop below.
	go func() {
		<-runner.done()
		wsConn.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
			time.Now().Add(time.Second))
		wsConn.writeMu.Unlock()
		conn.Close()
	}()

	reason := s.readLoop(connID, conn, serializer, runner)
	runner.hangup(reason)
	s.log.Info("Connection %s closed (%s)", connID, reason)
}

// awaitHello reads the first message, which must be a hello.
func (s *Server) awaitHello(conn *websocket.Conn, serializer *serializers.BrowserSerializer) (*frames.StartFrame, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HelloTimeout))
	defer conn.SetReadDeadline(time.Time{})

	msgType, msgBytes, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if msgType != websocket.TextMessage {
		return nil, serializers.ErrNoHello
	}
	frame, err := serializer.Deserialize(string(msgBytes))
	if err != nil {
		return nil, err
	}
	start, ok := frame.(*frames.StartFrame)
	if !ok {
		return nil, serializers.ErrNoHello
	}
	return start, nil
}

func (s *Server) reject(c *wsConnection, cause error) {
	if data, err := json.Marshal(map[string]string{"type": "status", "kind": frames.StatusError, "text": cause.Error()}); err == nil {
		_ = c.WriteText(string(data))
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "call rejected"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
}

// readLoop forwards client messages to the call until the client leaves.
// It returns the hang-up reason.
func (s *Server) readLoop(connID string, conn *websocket.Conn, serializer *serializers.BrowserSerializer, runner *callRunner) string {
	for {
		// Read message and check the actual WebSocket frame type:
		// BINARY carries audio, TEXT carries control.
		msgType, msgBytes, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("Connection %s read error: %v", connID, err)
			}
			return "disconnected"
		}

		var data interface{}
		if msgType == websocket.BinaryMessage {
			data = msgBytes
		} else {
			data = string(msgBytes)
		}

		frame, err := serializer.Deserialize(data)
		if err != nil {
			s.log.Debug("Connection %s: dropping message: %v", connID, err)
			continue
		}
		if frame == nil {
			continue
		}

		if end, ok := frame.(*frames.EndFrame); ok {
			return endReason(end.Reason)
		}
		if err := runner.deliver(frame); err != nil {
			return "pipeline_finished"
		}
	}
}

package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ferrule/boardlink/internal/bridge"
	"github.com/ferrule/boardlink/internal/codec"
	"github.com/ferrule/boardlink/internal/config"
	"github.com/ferrule/boardlink/internal/confirm"
	"github.com/ferrule/boardlink/internal/discovery"
	"github.com/ferrule/boardlink/internal/liveness"
	"github.com/ferrule/boardlink/internal/logging"
	"github.com/ferrule/boardlink/internal/ota"
	"github.com/ferrule/boardlink/internal/protocol"
	"github.com/ferrule/boardlink/internal/router"
	"github.com/ferrule/boardlink/internal/security"
	"github.com/ferrule/boardlink/internal/session"
	"github.com/ferrule/boardlink/internal/version"
)

const (
	// maxFramePayload caps a single WebSocket message
	maxFramePayload = 4096 * 1024

	// httpVisitorCeiling is the per-IP HTTP request budget within one
	// decay window
	httpVisitorCeiling = 100

	// confirmSweepInterval drives confirmation retries
	confirmSweepInterval = 1 * time.Second

	// maintenanceInterval drives rate decay, blacklist persistence and
	// HTTP waiter reaping
	maintenanceInterval = 10 * time.Second

	// blacklistFile is where banned IPs persist across restarts
	blacklistFile = "blacklist.json"
)

// Options holds the operator-facing knobs; everything else comes from the
// JSON config file.
type Options struct {
	Host          string
	Port          int // 0 means use the config file port
	ConfigPath    string
	BlacklistPath string
	LogLevel      string
	DisableMDN    bool // skip the mDNS advertisement
}

// Server is the composition root: it owns the listener, the registries and
// engines, and the maintenance sweeps.
type Server struct {
	opts Options
	cfg  *config.Config

	registry *session.Registry
	confirms *confirm.Engine
	updates  *ota.Coordinator
	banned   *security.Blacklist
	finds    *security.RateTable
	visits   *security.RateTable
	bridge   *bridge.Bridge
	router   *router.Router

	httpServer *http.Server
	upgrader   websocket.Upgrader
	advertiser *discovery.Advertiser

	wg   sync.WaitGroup
	stop chan struct{}
}

// New wires every component. The config file is loaded (and healed if
// missing or damaged) before anything else starts.
func New(opts Options) (*Server, error) {
	if err := logging.Initialize(opts.LogLevel); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	if opts.ConfigPath == "" {
		opts.ConfigPath = config.DefaultFile
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.Port != 0 {
		cfg.Port = opts.Port
	}
	if opts.BlacklistPath == "" {
		opts.BlacklistPath = blacklistFile
	}

	s := &Server{
		opts:     opts,
		cfg:      cfg,
		registry: session.NewRegistry(),
		confirms: confirm.NewEngine(),
		banned:   security.LoadBlacklist(opts.BlacklistPath),
		finds:    security.NewRateTable(cfg.MaxFindDeviceTimes),
		visits:   security.NewRateTable(httpVisitorCeiling),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Boards connect from whatever origin their firmware claims
			CheckOrigin: func(*http.Request) bool { return true },
		},
		stop: make(chan struct{}),
	}
	s.updates = ota.NewCoordinator(s.registry)
	s.bridge = bridge.New(s.dispatch, s.banned, s.visits)
	s.router = router.New(cfg, s.registry, s.confirms, s.updates, s.banned, s.finds, s.bridge)

	return s, nil
}

// dispatch is the single entry point every frame source funnels through.
func (s *Server) dispatch(origin *session.Conn, raw []byte, isRepeat bool) {
	s.router.Dispatch(origin, raw, isRepeat)
}

// handler builds the shared HTTP surface: WebSocket upgrades first, the
// GET bridge for everything else.
func (s *Server) handler() http.Handler {
	r := mux.NewRouter()
	r.MatcherFunc(func(req *http.Request, _ *mux.RouteMatch) bool {
		return websocket.IsWebSocketUpgrade(req)
	}).HandlerFunc(s.handleWebSocket)
	s.bridge.Routes(r.PathPrefix("/").Subrouter())
	return r
}

// Start runs the server and blocks until a shutdown signal or a fatal
// listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.cfg.Port)

	logging.Info("Starting Boardlink relay server",
		zap.String("addr", addr),
		zap.String("config", s.opts.ConfigPath),
		zap.String("version", version.Version),
		zap.Bool("token_auth", s.cfg.EnableTokenAuthorize),
		zap.Bool("liveness_probes", s.cfg.ProactiveDetectClientOnline),
	)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.handler(),
	}

	if !s.opts.DisableMDN {
		adv, err := discovery.Advertise(
			"boardlink",
			s.cfg.Port,
			discovery.TXTRecords(version.Version, s.cfg.EnableTokenAuthorize),
		)
		if err != nil {
			// LAN discovery is a convenience, not a requirement
			logging.Warn("mDNS advertisement failed", zap.Error(err))
		} else {
			s.advertiser = adv
			logging.Info("Advertising via mDNS",
				zap.String("service", discovery.ServiceType),
				zap.Int("port", s.cfg.Port))
		}
	}

	s.wg.Add(1)
	go s.runSweeps()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errChan <- err
			return
		}
		errChan <- nil
	}()

	logging.Info("Server listening for connections", zap.String("addr", addr))

	select {
	case <-sigChan:
		logging.Info("Shutdown signal received, stopping server...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(ctx)
	case err := <-errChan:
		return err
	}
}

// handleWebSocket upgrades the connection and runs its read loop until the
// peer goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("WebSocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}
	ws.SetReadLimit(maxFramePayload)

	ip := security.ExtractIPv4(ws.RemoteAddr().String())
	if ip == "" {
		logging.Info("Connection without parsable IPv4 rejected",
			zap.String("remote_addr", ws.RemoteAddr().String()))
		ws.Close()
		return
	}
	if s.banned.Contains(ip) {
		logging.Info("Banned IP attempted connection", zap.String("ip", ip))
		ws.Close()
		return
	}

	conn := session.NewConn(&wsTransport{ws: ws}, uuid.NewString(), ip)
	s.registry.Add(conn)
	logging.LogConnection(ws.RemoteAddr().String(), "connection_accepted")

	if s.cfg.ProactiveDetectClientOnline {
		probe := liveness.Start(
			s.cfg.HelloInterval(),
			s.cfg.ResponseTimeout(),
			func() error {
				return conn.Send(codec.Encode(uint8(protocol.OpHello)))
			},
			func() {
				conn.Terminate()
				logging.Info("Connection evicted, probe unanswered",
					zap.String("session", conn.Session),
					zap.String("id", conn.ID()))
			},
		)
		conn.SetLiveness(probe)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(conn, ws)
	}()
}

func (s *Server) readLoop(conn *session.Conn, ws *websocket.Conn) {
	defer func() {
		s.registry.Remove(conn)
		ws.Close()
		logging.Info("Connection closed",
			zap.String("session", conn.Session),
			zap.String("id", conn.ID()),
			zap.String("role", conn.Role().String()))
	}()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if logging.DebugEnabled() {
			logging.LogFrame(ws.RemoteAddr().String(), "recv", data)
		}
		s.dispatch(conn, data, false)
	}
}

// runSweeps drives the periodic maintenance: confirmation retries every
// second; rate decay, blacklist persistence and HTTP waiter reaping every
// ten.
func (s *Server) runSweeps() {
	defer s.wg.Done()

	confirmTicker := time.NewTicker(confirmSweepInterval)
	maintenanceTicker := time.NewTicker(maintenanceInterval)
	defer confirmTicker.Stop()
	defer maintenanceTicker.Stop()

	redispatch := func(origin *session.Conn, raw []byte) {
		s.dispatch(origin, raw, true)
	}

	for {
		select {
		case <-confirmTicker.C:
			s.confirms.Sweep(redispatch)

		case <-maintenanceTicker.C:
			s.finds.Decay()
			s.visits.Decay()
			if err := s.banned.Flush(); err != nil {
				logging.Error("Failed to persist blacklist", zap.Error(err))
			}
			s.bridge.Reap()

		case <-s.stop:
			return
		}
	}
}

// Shutdown stops the listener, severs every live connection and waits for
// the read loops and sweeps to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down server...")

	if s.advertiser != nil {
		s.advertiser.Shutdown()
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			logging.Error("Error shutting down HTTP server", zap.Error(err))
		}
	}

	for _, conn := range s.registry.All() {
		conn.Terminate()
	}

	close(s.stop)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Info("All connections closed gracefully")
	case <-ctx.Done():
		logging.Warn("Shutdown timeout, forcing close")
	}

	if err := s.banned.Flush(); err != nil {
		logging.Error("Failed to persist blacklist on shutdown", zap.Error(err))
	}

	logging.Sync()
	return nil
}

// ActiveConnections returns the number of live connections.
func (s *Server) ActiveConnections() int {
	return s.registry.Len()
}

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"flowchat/auth"
	"flowchat/models"
	"flowchat/presence"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"nhooyr.io/websocket"
)

// Store is everything the server needs from persistence.
type Store interface {
	MessageStore
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	Conversation(ctx context.Context, a, b string) ([]models.Message, error)
	CreateUser(ctx context.Context, name, email, password string) (*models.User, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	AuthenticateUser(ctx context.Context, email, password string) (*models.User, error)
	UserExists(ctx context.Context, id string) (bool, error)
	UpdateProfile(ctx context.Context, id string, upd models.ProfileUpdate) (*models.User, error)
	ListUsersWithMeta(ctx context.Context, myID string) ([]models.UserSummary, error)
	Ping(ctx context.Context) error
}

type Server struct {
	store    Store
	hub      *Hub
	issuer   *auth.Issuer
	config   *ServerConfig
	log      *slog.Logger
	metrics  *Metrics
	gatherer prometheus.Gatherer
	router   *gin.Engine
	started  time.Time

	mu      sync.Mutex
	httpSrv *http.Server
}

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration

	SendQueueSize int
	ReadLimit     int64

	RequireToken         bool
	WSInsecureSkipVerify bool
	AllowedOrigins       []string

	EventRate  float64
	EventBurst int
}

func New(store Store, issuer *auth.Issuer, config *ServerConfig, log *slog.Logger) *Server {
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 25 * time.Second
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = 64
	}
	if config.ReadLimit <= 0 {
		config.ReadLimit = 1 << 20
	}
	if config.EventRate <= 0 {
		config.EventRate = 20
	}
	if config.EventBurst <= 0 {
		config.EventBurst = 40
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := NewMetrics(reg)

	s := &Server{
		store:    store,
		hub:      NewHub(presence.NewRegistry(), store, log, metrics),
		issuer:   issuer,
		config:   config,
		log:      log,
		metrics:  metrics,
		gatherer: reg,
		started:  time.Now(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Start listens on the configured port and serves until Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.config.ReadTimeout,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	s.log.Info("flowchat server started", "addr", listener.Addr().String())

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// maxCloseReason is the most a close frame can carry after its status code.
const maxCloseReason = 123

// closeReasonFor builds "reason" or, when until is set, "reason|2006-01-02T15:04:05Z".
// Long reasons are cut on a rune boundary so the timestamp always survives.
func closeReasonFor(reason string, until time.Time) string {
	var suffix string
	if !until.IsZero() {
		suffix = "|" + until.UTC().Format("2006-01-02T15:04:05Z")
	}
	if limit := maxCloseReason - len(suffix); len(reason) > limit {
		reason = reason[:limit]
		for !utf8.ValidString(reason) {
			reason = reason[:len(reason)-1]
		}
	}
	return reason + suffix
}

// Shutdown closes every live connection with a going-away status, then stops the
// HTTP listener. Every client sees the same close reason, see closeReasonFor.
func (s *Server) Shutdown(ctx context.Context, reason string, until time.Time) error {
	closeReason := closeReasonFor(reason, until)

	conns := s.hub.Connections()
	var wg sync.WaitGroup
	for _, c := range conns {
		client, ok := c.(*Client)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.Close(websocket.StatusGoingAway, closeReason)
		}()
	}
	wg.Wait()
	s.log.Info("Shutting down", "reason", reason, "until", until, "connections", len(conns))

	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// GetStats reports a one-line summary for the control socket.
func (s *Server) GetStats() string {
	online := s.hub.Registry().Snapshot()
	return fmt.Sprintf("connections=%d|online=%d|users=%s|started=%s",
		len(s.hub.Connections()),
		len(online),
		strings.Join(online, ","),
		humanize.Time(s.started),
	)
}

// Package serv hosts the TAG assistant HTTP service: configuration, the
// session stores and the NDJSON chat API.
package serv

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/qbloq/tagserv/core"
	"github.com/qbloq/tagserv/serv/internal/util"
)

var version string

const (
	serverName = "TAGServ"
)

// Service bundles the running HTTP server with everything it owns.
type Service struct {
	conf     *Config
	zlog     *zap.Logger
	log      *zap.SugaredLogger
	chat     *core.ChatService
	sessions *core.Assistant
	validate *validator.Validate
	redis    *RedisCache
	srv      *http.Server
}

// NewService wires the full service from its configuration: logger, schema
// manifest, model clients, database inspector, session store and the chat
// orchestrator.
func NewService(conf *Config) *Service {
	zlog := util.NewLogger(conf.ShouldUseJSONLogs(), conf.LogLevel)
	log := zlog.Sugar()

	manifest := core.LoadManifest(conf.ManifestPath, log)
	catalog := core.NewCatalog(manifest)

	var llm core.LLM
	if conf.LLMAPIKey != "" {
		llm = core.NewOpenAIClient(conf.LLMBaseURL, conf.LLMAPIKey, conf.LLMModel, conf.LLMTimeout)
	} else {
		log.Warn("no llm api key configured, using deterministic fallbacks")
	}

	embBase := conf.EmbeddingsBaseURL
	if embBase == "" {
		embBase = conf.LLMBaseURL
	}
	var embedder core.Embedder
	if e := core.NewOpenAIEmbedder(embBase, conf.LLMAPIKey, conf.EmbeddingsModel, conf.LLMTimeout); e != nil {
		embedder = e
	}

	inspector := core.NewInspector(log)
	assistant := core.NewAssistant(catalog, llm, embedder, inspector, conf.DatabaseURL, log)

	var store core.Cache
	var locker core.Locker = core.NopLocker{}
	var rc *RedisCache
	if conf.RedisURL != "" {
		var err error
		rc, err = NewRedisCache(conf.RedisURL, log)
		if err != nil {
			log.Warnf("redis unavailable, using in-process cache: %s", err)
		}
	}
	if rc != nil {
		store = rc
		locker = rc
	} else {
		store = NewMemoryCache()
	}

	return &Service{
		conf:     conf,
		zlog:     zlog,
		log:      log,
		chat:     core.NewChatService(assistant, store, locker, log),
		sessions: assistant,
		validate: validator.New(),
		redis:    rc,
	}
}

// Start runs the HTTP server until an interrupt, then shuts down gracefully.
func (s *Service) Start() {
	r := chi.NewRouter()
	routes := s.routesHandler(r)

	s.srv = &http.Server{
		Addr:              s.conf.hostPort,
		Handler:           routes,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ReadHeaderTimeout: 10 * time.Second,
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt)
		<-sigint

		if err := s.srv.Shutdown(context.Background()); err != nil {
			s.log.Warn("shutdown signal received")
		}
		close(idleConnsClosed)
	}()

	s.srv.RegisterOnShutdown(func() {
		if s.redis != nil {
			s.redis.Close() //nolint:errcheck
		}
		s.sessions.DB().Close()
		s.log.Info("shutdown complete")
	})

	ver := version
	if ver == "" {
		ver = "not-set"
	}

	s.zlog.Info("TAGServ started",
		zap.String("version", ver),
		zap.String("host-port", s.conf.hostPort),
		zap.String("app-name", s.conf.AppName),
		zap.String("env", os.Getenv("GO_ENV")),
		zap.Bool("production", s.conf.Production()),
		zap.Bool("redis", s.redis != nil),
	)

	l, err := net.Listen("tcp", s.conf.hostPort)
	if err != nil {
		s.log.Fatalf("failed to init port: %s", err)
	}

	if err := s.srv.Serve(l); err != http.ErrServerClosed {
		s.log.Fatalf("failed to start: %s", err)
	}
	<-idleConnsClosed
}

// Set the server header
func setServerHeader(h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", serverName)
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

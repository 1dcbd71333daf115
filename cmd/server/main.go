// Command server starts the inference gateway: the duplex chat endpoint,
// the cluster management API, and the observability surface.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/redis/go-redis/v9"

	authadapter "github.com/openmake/infergate/internal/adapter/auth"
	httpserver "github.com/openmake/infergate/internal/adapter/httpserver"
	"github.com/openmake/infergate/internal/adapter/mcp"
	"github.com/openmake/infergate/internal/adapter/queue/redpanda"
	"github.com/openmake/infergate/internal/adapter/repo/postgres"
	"github.com/openmake/infergate/internal/adapter/ws"
	"github.com/openmake/infergate/internal/app"
	"github.com/openmake/infergate/internal/cluster"
	"github.com/openmake/infergate/internal/config"
	"github.com/openmake/infergate/internal/domain"
	"github.com/openmake/infergate/internal/observability"
	"github.com/openmake/infergate/internal/service/ratelimiter"
	"github.com/openmake/infergate/internal/tools"
	"github.com/openmake/infergate/internal/usecase"
	"github.com/openmake/infergate/pkg/tokencount"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracing, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	sessions := postgres.NewSessionRepo(pool)
	users := postgres.NewUserRepo(pool)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()

	limiter := ratelimiter.New(rdb,
		ratelimiter.Limits{Pro: cfg.RateLimitPro, Free: cfg.RateLimitFree, Guest: cfg.RateLimitGuest},
		ratelimiter.WithCacheCap(cfg.RateLimitCacheCap),
		ratelimiter.WithSweepInterval(cfg.RateLimitSweep),
	)
	limiter.Start()
	defer limiter.Stop()

	manager := cluster.NewManager(cluster.Config{
		HealthCheckInterval: cfg.HealthCheckInterval,
		ProbeTimeout:        cfg.NodeProbeTimeout,
	}, cluster.NewHTTPClientFactory())
	for _, addr := range cfg.Nodes {
		host, port, err := splitNodeAddr(addr)
		if err != nil {
			slog.Warn("skipping malformed node address", slog.String("addr", addr), slog.Any("error", err))
			continue
		}
		manager.AddNode(ctx, host, port, "")
	}
	manager.Start(ctx)
	defer manager.Stop()

	registry := tools.NewRegistry(tools.NewSandbox(cfg.SandboxRoot))
	if err := tools.RegisterBuiltins(registry, tools.BuiltinDeps{
		Search: clusterSearcher{manager},
		Vision: clusterVision(manager),
	}); err != nil {
		slog.Error("builtin tool registration failed", slog.Any("error", err))
		os.Exit(1)
	}

	mcpManager := mcp.NewManager(mcp.ManagerConfig{
		ConnectTimeout: 30 * time.Second,
		PingInterval:   30 * time.Second,
	}, registry)
	mcpConfigs, err := mcp.LoadServersFile(cfg.MCPConfigPath)
	if err != nil {
		slog.Warn("mcp config not loaded", slog.String("path", cfg.MCPConfigPath), slog.Any("error", err))
	}
	mcpManager.Start(ctx, mcpConfigs)
	defer mcpManager.Stop()

	pipeline := usecase.NewChatPipeline(usecase.ClusterSource(manager), limiter, sessions).
		WithTools(registry)
	if len(cfg.KafkaBrokers) > 0 {
		counter, err := tokencount.New()
		if err != nil {
			slog.Error("token counter init failed", slog.Any("error", err))
			os.Exit(1)
		}
		producer, err := redpanda.NewUsageProducer(cfg.KafkaBrokers)
		if err != nil {
			slog.Error("usage producer init failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = producer.Close(flushCtx)
		}()
		pipeline = pipeline.WithUsage(producer, counter)
	}

	var verifier domain.TokenVerifier
	var tokenSigner *authadapter.TokenVerifier
	if cfg.AuthSecret != "" {
		tokenSigner = authadapter.NewTokenVerifier(cfg.AuthSecret)
		verifier = tokenSigner
	}

	wsHandler := ws.NewHandler(ws.Config{
		ServerName:        cfg.ServerName,
		MaxFrameBytes:     cfg.MaxFrameBytes,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, ws.Deps{
		Cluster:   manager,
		Pipeline:  pipeline,
		Tools:     registry,
		Verifier:  verifier,
		Directory: users,
	})
	wsHandler.Start()
	defer wsHandler.Stop()

	srv := httpserver.NewServer(cfg, manager, tokenSigner)
	srv.MCP = mcpManager
	srv.WS = wsHandler
	srv.ReadyChecks = app.BuildReadinessChecks(pool, rdb)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           app.BuildRouter(cfg, srv, wsHandler),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", slog.Int("port", cfg.Port), slog.String("env", cfg.AppEnv))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", slog.Any("error", err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("tracing shutdown failed", slog.Any("error", err))
	}
	slog.Info("server stopped")
}

func splitNodeAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

// clusterSearcher serves web_search through whichever node is currently best.
type clusterSearcher struct{ m *cluster.Manager }

func (s clusterSearcher) WebSearch(ctx context.Context, query string, max int) ([]cluster.WebSearchResult, error) {
	node := s.m.GetBestNode("")
	if node == nil {
		return nil, domain.ErrNoNodeAvailable
	}
	c := s.m.GetClient(node.ID)
	if c == nil {
		return nil, domain.ErrNoNodeAvailable
	}
	return c.WebSearch(ctx, query, max)
}

const visionModel = "llava"

// clusterVision runs image tasks on a vision-capable node. The image is read
// from the sandbox path the tool layer already validated.
func clusterVision(m *cluster.Manager) tools.VisionFunc {
	return func(ctx context.Context, task, path string) (string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("op=vision.read: %w", err)
		}
		if mt := mimetype.Detect(data); !strings.HasPrefix(mt.String(), "image/") {
			return "", fmt.Errorf("op=vision.read: %s is not an image (%s)", path, mt.String())
		}
		node := m.GetBestNode(visionModel)
		if node == nil {
			return "", domain.ErrNoNodeAvailable
		}
		sc := m.CreateScopedClient(node.ID, visionModel)
		if sc == nil {
			return "", domain.ErrNoNodeAvailable
		}
		prompt := "이미지를 자세히 설명해주세요."
		if task == "ocr" {
			prompt = "이미지에 있는 모든 텍스트를 추출해주세요."
		}
		return sc.Generate(ctx, cluster.GenerateRequest{
			Messages: []cluster.ChatMessage{{Role: domain.RoleMsgUser, Content: prompt}},
			Images:   []string{base64.StdEncoding.EncodeToString(data)},
		}, func(string) error { return nil })
	}
}

// Package server 提供 supervisor 的管理与状态 HTTP 接口。
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/willway/botkeeper/internal/incident"
	"github.com/willway/botkeeper/internal/metrics"
	"github.com/willway/botkeeper/internal/store"
	"github.com/willway/botkeeper/internal/supervisor"
)

// Supervisor 管理接口依赖的 supervisor 能力
type Supervisor interface {
	Status() []supervisor.BotStatus
	StatusOf(bot string) (supervisor.BotStatus, bool)
	RequestRestart(bot string) error
	RequestReconcile(bot string) error
}

// IncidentTail 事件日志文件
type IncidentTail interface {
	Tail(n int) ([]string, error)
}

// History 可选的历史库
type History interface {
	ListIncidents(ctx context.Context, bot string, limit int) ([]incident.Record, error)
	ListWorkerEvents(ctx context.Context, bot string, limit int) ([]store.WorkerEvent, error)
}

type Config struct {
	Supervisor Supervisor
	Incidents  IncidentTail
	History    History // 为空时事件从日志文件读取
	WorkerLog  string
	Logger     logrus.FieldLogger
}

type Server struct {
	cfg Config
	log logrus.FieldLogger
}

func New(cfg Config) (*Server, error) {
	if cfg.Supervisor == nil {
		return nil, errors.New("supervisor is required")
	}
	if cfg.Incidents == nil {
		return nil, errors.New("incident log is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Server{cfg: cfg, log: cfg.Logger.WithField("component", "admin-api")}, nil
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.wrap(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")
	api.GET("/incidents", s.wrap(s.handleIncidentsList))

	bots := api.Group("/bots")
	bots.GET("", s.wrap(s.handleBotsList))
	botName := bots.Group("/:name")
	botName.GET("", s.wrap(s.handleBotGet))
	botName.POST("/restart", s.wrap(s.handleBotRestart))
	botName.POST("/reconcile", s.wrap(s.handleBotReconcile))
	botName.GET("/events", s.wrap(s.handleBotEvents))
	botName.GET("/logs", s.wrap(s.handleBotLogsTail))
	botName.GET("/logs/stream", s.wrap(s.handleBotLogsStream))

	return r
}

// Start 在 addr 上提供服务（非阻塞），ctx 结束后优雅关闭
func (s *Server) Start(ctx context.Context, addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	hs := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("admin api stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	}()
	s.log.WithField("addr", ln.Addr().String()).Info("admin api listening")
	return hs, nil
}

type paramsKeyType string

const paramsKey paramsKeyType = "botkeeper_path_params"

// wrap adapts net/http handlers to gin, injecting path params into request context.
func (s *Server) wrap(h func(http.ResponseWriter, *http.Request)) gin.HandlerFunc {
	return func(c *gin.Context) {
		m := map[string]string{}
		for _, p := range c.Params {
			m[p.Key] = p.Value
		}
		ctx := context.WithValue(c.Request.Context(), paramsKey, m)
		c.Request = c.Request.WithContext(ctx)
		h(c.Writer, c.Request)
	}
}

func pathParam(r *http.Request, key string) string {
	m, _ := r.Context().Value(paramsKey).(map[string]string)
	return m[key]
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

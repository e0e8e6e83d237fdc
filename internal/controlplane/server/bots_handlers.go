package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/willway/botkeeper/internal/supervisor"
)

func (s *Server) handleBotsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]any{"bots": s.cfg.Supervisor.Status()})
}

func (s *Server) handleBotGet(w http.ResponseWriter, r *http.Request) {
	st, ok := s.cfg.Supervisor.StatusOf(pathParam(r, "name"))
	if !ok {
		writeError(w, 404, "bot not found")
		return
	}
	writeJSON(w, 200, st)
}

func (s *Server) handleBotRestart(w http.ResponseWriter, r *http.Request) {
	s.queue(w, r, "restart", s.cfg.Supervisor.RequestRestart)
}

func (s *Server) handleBotReconcile(w http.ResponseWriter, r *http.Request) {
	s.queue(w, r, "reconcile", s.cfg.Supervisor.RequestReconcile)
}

// queue 操作交给 supervisor 循环异步执行，立即返回 202
func (s *Server) queue(w http.ResponseWriter, r *http.Request, action string, fn func(string) error) {
	name := pathParam(r, "name")
	err := fn(name)
	switch {
	case err == nil:
		s.log.WithField("bot", name).Infof("%s queued", action)
		writeJSON(w, 202, map[string]any{"bot": name, "action": action, "queued": true})
	case errors.Is(err, supervisor.ErrUnknownBot):
		writeError(w, 404, "bot not found")
	case errors.Is(err, supervisor.ErrBusy):
		writeError(w, 503, err.Error())
	default:
		writeError(w, 500, err.Error())
	}
}

func (s *Server) handleBotEvents(w http.ResponseWriter, r *http.Request) {
	name := pathParam(r, "name")
	if _, ok := s.cfg.Supervisor.StatusOf(name); !ok {
		writeError(w, 404, "bot not found")
		return
	}
	if s.cfg.History == nil {
		writeError(w, 501, "state_db is not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	events, err := s.cfg.History.ListWorkerEvents(ctx, name, queryInt(r, "limit", 50, 1000))
	if err != nil {
		writeError(w, 500, fmt.Sprintf("db list: %v", err))
		return
	}
	writeJSON(w, 200, map[string]any{"bot": name, "events": events})
}

func (s *Server) handleIncidentsList(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20, 1000)
	bot := strings.TrimSpace(r.URL.Query().Get("bot"))

	if s.cfg.History != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		records, err := s.cfg.History.ListIncidents(ctx, bot, limit)
		if err != nil {
			writeError(w, 500, fmt.Sprintf("db list: %v", err))
			return
		}
		writeJSON(w, 200, map[string]any{"incidents": records})
		return
	}

	blocks, err := s.cfg.Incidents.Tail(limit)
	if err != nil {
		writeError(w, 500, fmt.Sprintf("read incident log: %v", err))
		return
	}
	if bot != "" {
		filtered := blocks[:0]
		for _, b := range blocks {
			if strings.Contains(b, "SECURITY INCIDENT: "+bot+" ===") {
				filtered = append(filtered, b)
			}
		}
		blocks = filtered
	}
	writeJSON(w, 200, map[string]any{"blocks": blocks})
}

// queryInt 读取正整数查询参数，非法或越界时使用默认值
func queryInt(r *http.Request, key string, def, max int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > max {
		return def
	}
	return n
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/willway/botkeeper/internal/controlplane/server"
	"github.com/willway/botkeeper/internal/incident"
	"github.com/willway/botkeeper/internal/metrics"
	"github.com/willway/botkeeper/internal/store"
	"github.com/willway/botkeeper/internal/supervisor"
	"github.com/willway/botkeeper/internal/watcher"
	"github.com/willway/botkeeper/internal/worker"
	"github.com/willway/botkeeper/pkg/shutdown"
)

var (
	debugListen string

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor loop until SIGINT/SIGTERM",
		Args:  cobra.NoArgs,
		RunE:  runSupervisor,
	}
)

func init() {
	runCmd.Flags().StringVar(&debugListen, "debug-listen", os.Getenv("BOTKEEPER_DEBUG_LISTEN"),
		"optional localhost address for /metrics and pprof")
}

func runSupervisor(cmd *cobra.Command, args []string) error {
	st, log := current.settings, current.log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	loader, err := current.loader()
	if err != nil {
		return err
	}

	workerLog, err := worker.OpenCombinedLog(st.WorkerLog)
	if err != nil {
		return err
	}
	defer workerLog.Close()

	var (
		history *store.Store
		mirror  incident.Mirror
		events  supervisor.EventRecorder
	)
	if st.StateDB != "" {
		if history, err = store.Open(st.StateDB); err != nil {
			return err
		}
		defer history.Close()
		mirror, events = history, history
	}
	incidents := incident.New(st.IncidentLog, mirror, log)

	var wake <-chan struct{}
	var fw *watcher.Watcher
	if st.WatchFiles {
		if fw, err = watcher.New(nil, 0, log); err != nil {
			log.WithError(err).Warn("file watching disabled")
		} else {
			for _, b := range st.Bots {
				if err := fw.Add(b.ConfigFile); err != nil {
					log.WithError(err).WithField("bot", b.Name).Warn("cannot watch config file")
				}
			}
			wake = fw.C()
		}
	}

	sup, err := supervisor.New(supervisor.Options{
		Settings:     st,
		Loader:       loader,
		Incidents:    incidents,
		Events:       events,
		WorkerOutput: workerLog,
		Wake:         wake,
		Logger:       log,
	})
	if err != nil {
		if fw != nil {
			_ = fw.Close()
		}
		return err
	}
	if fw != nil {
		go fw.Run(ctx)
	}

	mgr := shutdown.NewManager(log)

	// 管理接口先监听：端口被占用时直接返回，此时还没有 worker 被启动
	if st.Listen != "" {
		var h server.History
		if history != nil {
			h = history
		}
		admin, err := server.New(server.Config{
			Supervisor: sup,
			Incidents:  incidents,
			History:    h,
			WorkerLog:  st.WorkerLog,
			Logger:     log,
		})
		if err != nil {
			return err
		}
		hs, err := admin.Start(ctx, st.Listen)
		if err != nil {
			return err
		}
		mgr.OnShutdown("admin-api", func(ctx context.Context) error {
			return hs.Shutdown(ctx)
		})
	}

	supDone := make(chan error, 1)
	go func() { supDone <- sup.Run(ctx) }()
	mgr.OnShutdown("supervisor", func(ctx context.Context) error {
		select {
		case err := <-supDone:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	if debugListen != "" {
		if _, err := metrics.StartAsync(ctx, debugListen); err != nil {
			log.WithError(err).Warn("debug server not started")
		} else {
			log.WithField("addr", debugListen).Info("debug server listening")
		}
	}

	log.WithField("bots", sup.Bots()).Info("supervisor started")

	select {
	case <-ctx.Done():
		log.Info("termination signal received")
	case err := <-supDone:
		// Run 只在 ctx 结束时返回，这里兜底
		return err
	}

	// 停止预算：worker 宽限期 + 重启间隔 + 余量
	budget := st.StopTimeout + st.SettleDelay + 3*time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	mgr.Shutdown(shutdownCtx)
	log.Info("supervisor stopped")
	return nil
}

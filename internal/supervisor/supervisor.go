// Package supervisor 按固定节拍驱动每个 bot：保活 worker、热加载配置、
// 定期对账平台设置，必要时重启 worker。
//
// 所有实例状态只由 Run 所在的 goroutine 修改；管理接口的操作通过
// channel 投递给它，状态读取走加锁发布的快照。
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/willway/botkeeper/internal/applier"
	"github.com/willway/botkeeper/internal/botconfig"
	"github.com/willway/botkeeper/internal/metrics"
	"github.com/willway/botkeeper/internal/reconciler"
	"github.com/willway/botkeeper/internal/store"
	"github.com/willway/botkeeper/internal/telegram"
	"github.com/willway/botkeeper/internal/worker"
	"github.com/willway/botkeeper/pkg/config"
	"github.com/willway/botkeeper/pkg/ratelimit"
)

var (
	// ErrNoBots 清单中没有可运行的 bot
	ErrNoBots = errors.New("no runnable bots configured")
	// ErrUnknownBot 找不到 bot
	ErrUnknownBot = errors.New("unknown bot")
	// ErrBusy 操作队列已满
	ErrBusy = errors.New("supervisor busy, try again")
)

// 重启原因（同时用作指标标签）
const (
	ReasonCrash  = "crash"
	ReasonConfig = "config"
	ReasonDrift  = "drift"
	ReasonManual = "manual"
)

// Client 单个 bot 使用的平台客户端
type Client interface {
	reconciler.Reader
	applier.Platform
	SetToken(token string)
}

// ClientFactory 按 token 创建客户端
type ClientFactory func(token string) Client

// EventRecorder 持久化 worker 事件
type EventRecorder interface {
	RecordWorkerEvent(ctx context.Context, ev store.WorkerEvent) error
}

// Options supervisor 依赖
type Options struct {
	Settings     *config.Settings
	Loader       botconfig.Loader
	Incidents    reconciler.IncidentRecorder
	Events       EventRecorder // 可为空
	WorkerOutput io.Writer
	NewClient    ClientFactory // 为空时按 Settings 创建 telegram 客户端
	Wake         <-chan struct{}
	Logger       logrus.FieldLogger
}

type commandKind int

const (
	cmdRestart commandKind = iota
	cmdReconcile
)

type command struct {
	kind commandKind
	bot  string
}

// instance 单个 bot 的运行状态，只在循环 goroutine 内读写
type instance struct {
	name       string
	configPath string
	scriptPath string

	cfg         *botconfig.BotConfig
	fingerprint string
	client      Client
	applier     *applier.Applier
	reconciler  *reconciler.Reconciler
	worker      *worker.Worker

	interval      time.Duration
	lastReconcile time.Time
	restarts      int
	lastOutcome   string
	lastError     string
	lastIncident  string
	lastApply     applier.Results
	log           logrus.FieldLogger
}

// Supervisor bot 守护进程
type Supervisor struct {
	opts      Options
	settings  *config.Settings
	log       logrus.FieldLogger
	instances []*instance
	byName    map[string]*instance
	commands  chan command

	mu     sync.RWMutex
	status map[string]BotStatus
}

// New 加载清单中的每个 bot。文件缺失或配置无法加载的 bot 被排除并记录错误。
func New(opts Options) (*Supervisor, error) {
	if opts.Settings == nil {
		return nil, errors.New("supervisor: settings required")
	}
	if opts.Incidents == nil {
		return nil, errors.New("supervisor: incident log required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.WorkerOutput == nil {
		opts.WorkerOutput = io.Discard
	}
	if opts.NewClient == nil {
		opts.NewClient = telegramFactory(opts.Settings, opts.Logger)
	}

	s := &Supervisor{
		opts:     opts,
		settings: opts.Settings,
		log:      opts.Logger.WithField("component", "supervisor"),
		byName:   make(map[string]*instance),
		commands: make(chan command, 16),
		status:   make(map[string]BotStatus),
	}

	for _, b := range opts.Settings.Bots {
		inst, err := s.newInstance(b)
		if err != nil {
			s.log.WithError(err).WithField("bot", b.Name).Error("bot excluded")
			continue
		}
		s.instances = append(s.instances, inst)
		s.byName[inst.name] = inst
	}
	if len(s.instances) == 0 {
		return nil, ErrNoBots
	}
	s.publishAll()
	return s, nil
}

func telegramFactory(st *config.Settings, log logrus.FieldLogger) ClientFactory {
	return func(token string) Client {
		return telegram.NewClient(token, telegram.Options{
			BaseURL: st.APIBaseURL,
			Timeout: st.HTTPTimeout,
			Limits:  ratelimit.NewRateLimitManager(ratelimit.Options{MutationPause: st.MutationPause}),
			Logger:  log,
		})
	}
}

func (s *Supervisor) newInstance(b config.Bot) (*instance, error) {
	configPath, err := filepath.Abs(b.ConfigFile)
	if err != nil {
		return nil, err
	}
	scriptPath, err := filepath.Abs(b.ScriptFile)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(configPath); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	if _, err := os.Stat(scriptPath); err != nil {
		return nil, fmt.Errorf("script file: %w", err)
	}

	cfg, err := s.opts.Loader.Load(configPath)
	if err != nil {
		return nil, err
	}
	cfg.Name = b.Name
	fp, err := botconfig.Fingerprint(configPath)
	if err != nil {
		return nil, err
	}

	log := s.opts.Logger.WithField("bot", b.Name)
	client := s.opts.NewClient(cfg.Token)
	app := applier.New(b.Name, client, s.opts.Logger)
	inst := &instance{
		name:        b.Name,
		configPath:  configPath,
		scriptPath:  scriptPath,
		cfg:         cfg,
		fingerprint: fp,
		client:      client,
		applier:     app,
		reconciler:  reconciler.New(b.Name, client, app, s.opts.Incidents, s.opts.Logger),
		interval:    b.ReconcileInterval,
		log:         log,
	}
	inst.worker = worker.New(worker.Options{
		Name:        b.Name,
		ScriptPath:  scriptPath,
		ConfigPath:  configPath,
		Interpreter: b.Interpreter,
		Output:      s.opts.WorkerOutput,
		StopTimeout: s.settings.StopTimeout,
		SettleDelay: s.settings.SettleDelay,
		Logger:      s.opts.Logger,
		OnEvent:     s.onWorkerEvent,
	})
	return inst, nil
}

// Run 启动所有 bot 并进入节拍循环，ctx 取消后停止全部 worker 再返回
func (s *Supervisor) Run(ctx context.Context) error {
	s.startup(ctx)

	ticker := time.NewTicker(s.settings.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.stopAll()
		case <-ticker.C:
			s.tick(ctx)
		case <-s.opts.Wake:
			s.tick(ctx)
		case c := <-s.commands:
			s.handle(ctx, c)
		}
	}
}

// startup 首次推送配置并启动 worker，对账从一个完整周期之后开始
func (s *Supervisor) startup(ctx context.Context) {
	for _, inst := range s.instances {
		if ctx.Err() != nil {
			return
		}
		s.guard(inst, func() {
			inst.lastApply = inst.applier.Apply(ctx, inst.cfg)
			logApply(inst.log, inst.lastApply)
			inst.lastReconcile = time.Now()
			if err := inst.worker.Start(); err != nil {
				inst.lastError = err.Error()
			}
		})
	}
}

// tick 依次处理每个实例
func (s *Supervisor) tick(ctx context.Context) {
	for _, inst := range s.instances {
		if ctx.Err() != nil {
			return
		}
		s.guard(inst, func() { s.step(ctx, inst) })
	}
}

// guard 单个实例出错不影响其它实例
func (s *Supervisor) guard(inst *instance, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			inst.lastError = fmt.Sprintf("panic: %v", r)
			inst.log.WithField("panic", r).Error("tick panicked, instance skipped")
		}
		s.publish(inst)
	}()
	fn()
}

func (s *Supervisor) step(ctx context.Context, inst *instance) {
	// 1. worker 不在运行：记录退出码后启动，本轮不做其它事
	if !inst.worker.Alive() {
		entry := inst.log
		if code, ok := inst.worker.ExitCode(); ok {
			entry = entry.WithField("exit_code", code)
		}
		entry.Warn("worker not running, starting")
		s.start(inst, ReasonCrash)
		return
	}

	restartReason := ""

	// 2. 配置文件变化：重新加载，失败则保持旧状态且不推进指纹
	if changed, hash := botconfig.HasChanged(inst.configPath, inst.fingerprint); changed {
		if s.reload(ctx, inst, hash) {
			restartReason = ReasonConfig
		}
	}

	// 3. 对账周期已到
	if time.Since(inst.lastReconcile) >= inst.interval {
		if s.reconcile(ctx, inst) && restartReason == "" {
			restartReason = ReasonDrift
		}
	}

	// 4. 配置或平台设置有变化：重启
	if restartReason != "" {
		s.restart(ctx, inst, restartReason)
	}
}

func (s *Supervisor) reload(ctx context.Context, inst *instance, hash string) bool {
	cfg, err := s.opts.Loader.Load(inst.configPath)
	if err != nil {
		inst.lastError = err.Error()
		inst.log.WithError(err).Error("config changed but failed to load, keeping previous config")
		return false
	}
	cfg.Name = inst.name
	inst.log.Info("config changed, reloading")

	inst.cfg = cfg
	inst.client.SetToken(cfg.Token)
	inst.lastApply = inst.applier.Apply(ctx, cfg)
	logApply(inst.log, inst.lastApply)
	inst.fingerprint = hash
	inst.lastError = ""
	return true
}

func (s *Supervisor) reconcile(ctx context.Context, inst *instance) bool {
	inst.lastReconcile = time.Now()
	out := inst.reconciler.Reconcile(ctx, inst.cfg)
	if out.Retried != nil {
		inst.lastApply = out.Retried
		logApply(inst.log, out.Retried)
	}
	switch {
	case out.Err != nil:
		inst.lastOutcome = "error"
		inst.lastError = out.Err.Error()
	case out.Diverged:
		inst.lastOutcome = "diverged"
		inst.lastApply = out.Results
		if out.Incident != nil {
			inst.lastIncident = out.Incident.ID
		}
		logApply(inst.log, out.Results)
	case len(out.Pending) > 0:
		inst.lastOutcome = "rate_limited"
	default:
		inst.lastOutcome = "in_sync"
	}
	return out.Diverged
}

func (s *Supervisor) start(inst *instance, reason string) {
	if err := inst.worker.Start(); err != nil {
		inst.lastError = err.Error()
		return
	}
	inst.restarts++
	metrics.WorkerRestarts.WithLabelValues(inst.name, reason).Inc()
}

func (s *Supervisor) restart(ctx context.Context, inst *instance, reason string) {
	inst.log.WithField("reason", reason).Info("restarting worker")
	if err := inst.worker.Restart(ctx); err != nil {
		inst.lastError = err.Error()
		if ctx.Err() == nil {
			inst.log.WithError(err).Error("restart worker failed")
		}
		return
	}
	inst.restarts++
	metrics.WorkerRestarts.WithLabelValues(inst.name, reason).Inc()
}

func (s *Supervisor) handle(ctx context.Context, c command) {
	inst, ok := s.byName[c.bot]
	if !ok {
		return
	}
	s.guard(inst, func() {
		switch c.kind {
		case cmdRestart:
			s.restart(ctx, inst, ReasonManual)
		case cmdReconcile:
			if s.reconcile(ctx, inst) {
				s.restart(ctx, inst, ReasonDrift)
			}
		}
	})
}

// RequestRestart 排队一次手动重启
func (s *Supervisor) RequestRestart(bot string) error {
	return s.enqueue(command{kind: cmdRestart, bot: bot})
}

// RequestReconcile 排队一次立即对账
func (s *Supervisor) RequestReconcile(bot string) error {
	return s.enqueue(command{kind: cmdReconcile, bot: bot})
}

func (s *Supervisor) enqueue(c command) error {
	if _, ok := s.byName[c.bot]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBot, c.bot)
	}
	select {
	case s.commands <- c:
		return nil
	default:
		return ErrBusy
	}
}

// stopAll 并发停止所有 worker，每个最多 StopTimeout 后被强杀
func (s *Supervisor) stopAll() error {
	s.log.Info("stopping all workers")
	var g errgroup.Group
	for _, inst := range s.instances {
		g.Go(inst.worker.Stop)
	}
	err := g.Wait()
	s.publishAll()
	s.log.Info("all workers stopped")
	return err
}

func (s *Supervisor) onWorkerEvent(ev worker.Event) {
	switch ev.Kind {
	case worker.EventStart:
		metrics.SetWorkerUp(ev.Bot, true)
	case worker.EventExit, worker.EventSpawnFailed:
		metrics.SetWorkerUp(ev.Bot, false)
	}
	if s.opts.Events == nil {
		return
	}
	err := s.opts.Events.RecordWorkerEvent(context.Background(), store.WorkerEvent{
		Bot:      ev.Bot,
		Kind:     ev.Kind,
		PID:      ev.PID,
		ExitCode: ev.ExitCode,
		Reason:   ev.Reason,
	})
	if err != nil {
		s.log.WithError(err).WithField("bot", ev.Bot).Warn("record worker event failed")
	}
}

func logApply(log logrus.FieldLogger, results applier.Results) {
	log.WithFields(logrus.Fields{
		"applied":      results.Count(applier.StatusApplied),
		"skipped":      results.Count(applier.StatusSkipped),
		"rate_limited": results.Count(applier.StatusRateLimited),
		"failed":       results.Count(applier.StatusFailed),
	}).Info("settings pushed")
}

// BotStatus 对外发布的单个 bot 状态
type BotStatus struct {
	Name              string          `json:"name"`
	ConfigFile        string          `json:"config_file"`
	ScriptFile        string          `json:"script_file"`
	Fingerprint       string          `json:"fingerprint"`
	DisplayName       string          `json:"display_name"`
	Worker            worker.Info     `json:"worker"`
	Restarts          int             `json:"restarts"`
	ReconcileInterval string          `json:"reconcile_interval"`
	LastReconcile     *time.Time      `json:"last_reconcile,omitempty"`
	LastOutcome       string          `json:"last_outcome,omitempty"`
	LastIncident      string          `json:"last_incident,omitempty"`
	LastError         string          `json:"last_error,omitempty"`
	LastApply         applier.Results `json:"last_apply,omitempty"`
	RateLimited       []applier.Field `json:"rate_limited,omitempty"`
}

func (s *Supervisor) snapshot(inst *instance) BotStatus {
	st := BotStatus{
		Name:              inst.name,
		ConfigFile:        inst.configPath,
		ScriptFile:        inst.scriptPath,
		Fingerprint:       inst.fingerprint,
		DisplayName:       inst.cfg.DisplayName,
		Worker:            inst.worker.Info(),
		Restarts:          inst.restarts,
		ReconcileInterval: inst.interval.String(),
		LastOutcome:       inst.lastOutcome,
		LastIncident:      inst.lastIncident,
		LastError:         inst.lastError,
		LastApply:         append(applier.Results(nil), inst.lastApply...),
		RateLimited:       inst.applier.Pending(),
	}
	if !inst.lastReconcile.IsZero() {
		t := inst.lastReconcile
		st.LastReconcile = &t
	}
	return st
}

func (s *Supervisor) publish(inst *instance) {
	st := s.snapshot(inst)
	s.mu.Lock()
	s.status[inst.name] = st
	s.mu.Unlock()
}

func (s *Supervisor) publishAll() {
	for _, inst := range s.instances {
		s.publish(inst)
	}
}

// Status 所有 bot 的最新状态（按名字排序）。worker 状态实时读取。
func (s *Supervisor) Status() []BotStatus {
	s.mu.RLock()
	out := make([]BotStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, st)
	}
	s.mu.RUnlock()

	for i := range out {
		out[i].Worker = s.byName[out[i].Name].worker.Info()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StatusOf 单个 bot 的最新状态
func (s *Supervisor) StatusOf(bot string) (BotStatus, bool) {
	s.mu.RLock()
	st, ok := s.status[bot]
	s.mu.RUnlock()
	if !ok {
		return BotStatus{}, false
	}
	st.Worker = s.byName[bot].worker.Info()
	return st, true
}

// Bots bot 名称列表
func (s *Supervisor) Bots() []string {
	names := make([]string, 0, len(s.instances))
	for _, inst := range s.instances {
		names = append(names, inst.name)
	}
	return names
}

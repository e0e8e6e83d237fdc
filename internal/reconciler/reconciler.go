// Package reconciler 比较平台侧设置与本地配置，发现外部篡改时记录事件并修复。
package reconciler

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/willway/botkeeper/internal/applier"
	"github.com/willway/botkeeper/internal/botconfig"
	"github.com/willway/botkeeper/internal/incident"
	"github.com/willway/botkeeper/internal/metrics"
	"github.com/willway/botkeeper/internal/telegram"
)

// Snapshot 平台侧当前设置
type Snapshot struct {
	DisplayName string             `json:"display_name"`
	Commands    botconfig.Commands `json:"commands"`
	WebhookURL  string             `json:"webhook_url"`
}

// Reader 读取平台设置
type Reader interface {
	GetIdentity(ctx context.Context) (*telegram.User, error)
	GetCommands(ctx context.Context) (botconfig.Commands, error)
	GetWebhookInfo(ctx context.Context) (*telegram.WebhookInfo, error)
}

// Repairer 推送本地配置，并报告被限流的字段
type Repairer interface {
	Apply(ctx context.Context, cfg *botconfig.BotConfig, force ...applier.Field) applier.Results
	Pending() []applier.Field
	Due() []applier.Field
}

// IncidentRecorder 事件记录
type IncidentRecorder interface {
	Append(ctx context.Context, rec incident.Record) (incident.Record, error)
}

// Outcome 一次对账的结果
type Outcome struct {
	Diverged    bool             `json:"diverged"`
	Fields      []applier.Field  `json:"fields,omitempty"`
	Divergences []string         `json:"divergences,omitempty"`
	Snapshot    *Snapshot        `json:"snapshot,omitempty"`
	Incident    *incident.Record `json:"incident,omitempty"`
	Results     applier.Results  `json:"results,omitempty"`
	Retried     applier.Results  `json:"retried,omitempty"`
	Pending     []applier.Field  `json:"pending,omitempty"`
	Err         error            `json:"-"`
}

// Reconciler 单个 bot 的对账器
type Reconciler struct {
	bot       string
	reader    Reader
	repairer  Repairer
	incidents IncidentRecorder
	log       logrus.FieldLogger
}

// New 创建对账器
func New(bot string, reader Reader, repairer Repairer, incidents IncidentRecorder, log logrus.FieldLogger) *Reconciler {
	return &Reconciler{
		bot:       bot,
		reader:    reader,
		repairer:  repairer,
		incidents: incidents,
		log:       log.WithField("bot", bot),
	}
}

// Fetch 读取平台侧设置（身份、命令、webhook）
func (r *Reconciler) Fetch(ctx context.Context) (*Snapshot, error) {
	me, err := r.reader.GetIdentity(ctx)
	if err != nil {
		return nil, err
	}
	cmds, err := r.reader.GetCommands(ctx)
	if err != nil {
		return nil, err
	}
	wh, err := r.reader.GetWebhookInfo(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{DisplayName: me.FirstName, Commands: cmds, WebhookURL: wh.URL}, nil
}

// Compare 返回不一致的字段及说明。配置中未设置的字段不参与比较。
func Compare(cfg *botconfig.BotConfig, snap *Snapshot) ([]applier.Field, []string) {
	var (
		fields []applier.Field
		divs   []string
	)
	if cfg.DisplayName != "" && snap.DisplayName != cfg.DisplayName {
		fields = append(fields, applier.FieldDisplayName)
		divs = append(divs, fmt.Sprintf("displayName: remote %q, expected %q", snap.DisplayName, cfg.DisplayName))
	}
	if cfg.Commands != nil && !cfg.Commands.Equal(snap.Commands) {
		fields = append(fields, applier.FieldCommands)
		divs = append(divs, fmt.Sprintf("commands: remote [%s], expected [%s]",
			describeCommands(snap.Commands), describeCommands(cfg.Commands)))
	}
	return fields, divs
}

func describeCommands(c botconfig.Commands) string {
	parts := make([]string, 0, len(c))
	for _, cmd := range c.Normalized() {
		parts = append(parts, cmd.Keyword+"="+cmd.Description)
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}

// Reconcile 执行一次对账：读取、比较，不一致时先写事件再修复。
// 读取失败或事件写入失败时不修复，Diverged=false，下个周期重试。
//
// 自己的推送被限流时，远端在重试时间之前与本地不一致是预期的：
// 这些字段不算篡改；到期后先重新推送，不写事件。
func (r *Reconciler) Reconcile(ctx context.Context, cfg *botconfig.BotConfig) Outcome {
	var retried applier.Results
	if due := r.repairer.Due(); len(due) > 0 {
		r.log.WithField("fields", due).Info("rate limit expired, pushing settings again")
		retried = r.repairer.Apply(ctx, cfg, due...)
	}

	snap, err := r.Fetch(ctx)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues(r.bot, "fetch_error").Inc()
		r.log.WithError(err).Warn("fetch remote settings failed")
		return Outcome{Retried: retried, Err: err}
	}

	fields, divs := Compare(cfg, snap)
	fields, divs, pending := withoutPending(fields, divs, r.repairer.Pending())
	if len(pending) > 0 {
		r.log.WithField("fields", pending).Info("remote differs while our push is rate limited")
	}
	if len(fields) == 0 {
		metrics.ReconcileRuns.WithLabelValues(r.bot, "in_sync").Inc()
		r.log.Debug("remote settings in sync")
		return Outcome{Snapshot: snap, Retried: retried, Pending: pending}
	}

	rec, err := r.incidents.Append(ctx, incident.Record{
		Bot:                 r.bot,
		RemoteDisplayName:   snap.DisplayName,
		ExpectedDisplayName: cfg.DisplayName,
		WebhookURL:          snap.WebhookURL,
		Divergences:         divs,
	})
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues(r.bot, "incident_error").Inc()
		r.log.WithError(err).Error("record incident failed, repair postponed")
		return Outcome{Snapshot: snap, Fields: fields, Divergences: divs, Retried: retried, Pending: pending, Err: err}
	}
	metrics.Incidents.WithLabelValues(r.bot).Inc()
	r.log.WithFields(logrus.Fields{
		"incident":    rec.ID,
		"remote_name": snap.DisplayName,
		"webhook":     snap.WebhookURL,
	}).Warn("remote settings tampered, repairing")

	results := r.repairer.Apply(ctx, cfg, fields...)
	metrics.ReconcileRuns.WithLabelValues(r.bot, "diverged").Inc()
	return Outcome{
		Diverged:    true,
		Fields:      fields,
		Divergences: divs,
		Snapshot:    snap,
		Incident:    &rec,
		Results:     results,
		Retried:     retried,
		Pending:     pending,
	}
}

// withoutPending 去掉仍在等待限流结束的字段，返回剩余字段和被去掉的字段
func withoutPending(fields []applier.Field, divs []string, pending []applier.Field) ([]applier.Field, []string, []applier.Field) {
	if len(pending) == 0 {
		return fields, divs, nil
	}
	skip := make(map[applier.Field]bool, len(pending))
	for _, f := range pending {
		skip[f] = true
	}
	var (
		keptFields []applier.Field
		keptDivs   []string
		skipped    []applier.Field
	)
	for i, f := range fields {
		if skip[f] {
			skipped = append(skipped, f)
			continue
		}
		keptFields = append(keptFields, f)
		keptDivs = append(keptDivs, divs[i])
	}
	return keptFields, keptDivs, skipped
}

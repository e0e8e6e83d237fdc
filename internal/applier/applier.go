// Package applier 把本地配置推送到平台：名称、长短描述、命令、头像。
package applier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/willway/botkeeper/internal/botconfig"
	"github.com/willway/botkeeper/internal/metrics"
	"github.com/willway/botkeeper/internal/telegram"
)

// Field 可推送的配置字段
type Field string

const (
	FieldDisplayName      Field = "displayName"
	FieldLongDescription  Field = "longDescription"
	FieldShortDescription Field = "shortDescription"
	FieldCommands         Field = "commands"
	FieldAvatar           Field = "avatarPath"
)

// Fields 推送顺序
var Fields = []Field{FieldDisplayName, FieldLongDescription, FieldShortDescription, FieldCommands, FieldAvatar}

// Status 单个字段的推送结果
type Status string

const (
	StatusApplied     Status = "applied"
	StatusSkipped     Status = "skipped"
	StatusRateLimited Status = "rateLimited"
	StatusFailed      Status = "failed"
)

// FieldResult 单字段结果
type FieldResult struct {
	Field      Field         `json:"field"`
	Status     Status        `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Err        error         `json:"-"`
}

// Results 一次推送的结果，顺序与 Fields 一致
type Results []FieldResult

// Get 返回某字段的结果
func (r Results) Get(f Field) (FieldResult, bool) {
	for _, fr := range r {
		if fr.Field == f {
			return fr, true
		}
	}
	return FieldResult{}, false
}

// Count 统计某状态的字段数
func (r Results) Count(s Status) int {
	n := 0
	for _, fr := range r {
		if fr.Status == s {
			n++
		}
	}
	return n
}

// OK 没有 failed 字段即视为成功（rateLimited 算成功）
func (r Results) OK() bool {
	return r.Count(StatusFailed) == 0
}

// Platform 推送所需的平台写接口
type Platform interface {
	Token() string
	SetDisplayName(ctx context.Context, name string) error
	SetLongDescription(ctx context.Context, text string) error
	SetShortDescription(ctx context.Context, text string) error
	SetCommands(ctx context.Context, cmds botconfig.Commands) error
	SetAvatar(ctx context.Context, path string) error
}

// Applier 记录每个字段最近一次成功推送的值，相同值不重复推送。
// 被限流的字段记下可重试时间，期间远端与本地不一致属于预期。
// 记录按 token 隔离，token 变化后清空。
type Applier struct {
	bot      string
	platform Platform
	log      logrus.FieldLogger
	now      func() time.Time

	mu        sync.Mutex
	memoToken string
	memo      map[Field]string
	pending   map[Field]time.Time
}

// New 创建 Applier
func New(bot string, platform Platform, log logrus.FieldLogger) *Applier {
	return &Applier{
		bot:      bot,
		platform: platform,
		log:      log.WithField("bot", bot),
		now:      time.Now,
		memo:     map[Field]string{},
		pending:  map[Field]time.Time{},
	}
}

// Forget 清空已推送记录，下次 Apply 推送全部字段
func (a *Applier) Forget() {
	a.mu.Lock()
	a.memo = map[Field]string{}
	a.pending = map[Field]time.Time{}
	a.mu.Unlock()
}

// Pending 返回被限流且尚未到重试时间的字段
func (a *Applier) Pending() []Field {
	return a.pendingWhere(func(now, until time.Time) bool { return now.Before(until) })
}

// Due 返回被限流且已到重试时间的字段
func (a *Applier) Due() []Field {
	return a.pendingWhere(func(now, until time.Time) bool { return !now.Before(until) })
}

func (a *Applier) pendingWhere(match func(now, until time.Time) bool) []Field {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.platform.Token() != a.memoToken {
		return nil
	}
	now := a.now()
	var out []Field
	for _, f := range Fields {
		if until, ok := a.pending[f]; ok && match(now, until) {
			out = append(out, f)
		}
	}
	return out
}

// Apply 按顺序推送 cfg 的每个字段。force 中的字段忽略已推送记录和限流等待（修复漂移用）。
// 各字段互不影响：一个失败不会中断其余字段。
func (a *Applier) Apply(ctx context.Context, cfg *botconfig.BotConfig, force ...Field) Results {
	a.mu.Lock()
	defer a.mu.Unlock()

	if tok := a.platform.Token(); tok != a.memoToken {
		a.memoToken = tok
		a.memo = map[Field]string{}
		a.pending = map[Field]time.Time{}
	}
	forced := make(map[Field]bool, len(force))
	for _, f := range force {
		forced[f] = true
	}

	results := make(Results, 0, len(Fields))
	for _, f := range Fields {
		fr := a.applyField(ctx, cfg, f, forced[f])
		metrics.ApplyFields.WithLabelValues(a.bot, string(f), string(fr.Status)).Inc()
		results = append(results, fr)
	}
	return results
}

func (a *Applier) applyField(ctx context.Context, cfg *botconfig.BotConfig, f Field, forced bool) FieldResult {
	value, configured, reason := memoValue(cfg, f)
	if !configured {
		delete(a.pending, f)
		return FieldResult{Field: f, Status: StatusSkipped, Reason: reason}
	}
	if !forced {
		if last, ok := a.memo[f]; ok && last == value {
			return FieldResult{Field: f, Status: StatusSkipped, Reason: "unchanged"}
		}
		if until, ok := a.pending[f]; ok {
			if wait := until.Sub(a.now()); wait > 0 {
				return FieldResult{Field: f, Status: StatusSkipped, Reason: "rate limited", RetryAfter: wait}
			}
		}
	}

	var err error
	switch f {
	case FieldDisplayName:
		err = a.platform.SetDisplayName(ctx, cfg.DisplayName)
	case FieldLongDescription:
		err = a.platform.SetLongDescription(ctx, cfg.LongDescription)
	case FieldShortDescription:
		err = a.platform.SetShortDescription(ctx, cfg.ShortDescription)
	case FieldCommands:
		err = a.platform.SetCommands(ctx, cfg.Commands)
	case FieldAvatar:
		err = a.platform.SetAvatar(ctx, cfg.AvatarPath)
	}

	entry := a.log.WithField("field", string(f))
	switch {
	case err == nil:
		a.memo[f] = value
		delete(a.pending, f)
		entry.Info("setting applied")
		return FieldResult{Field: f, Status: StatusApplied}
	case telegram.IsRateLimited(err):
		// 远端状态未知，下次仍需推送
		delete(a.memo, f)
		var retry time.Duration
		var rl *telegram.RateLimitedError
		if errors.As(err, &rl) {
			retry = rl.RetryAfter
		}
		a.pending[f] = a.now().Add(retry)
		entry.WithField("retry_after", retry).Warn("setting rate limited, will retry after the limit expires")
		return FieldResult{Field: f, Status: StatusRateLimited, RetryAfter: retry, Err: err}
	default:
		delete(a.memo, f)
		delete(a.pending, f)
		entry.WithError(err).Error("setting failed")
		return FieldResult{Field: f, Status: StatusFailed, Reason: err.Error(), Err: err}
	}
}

// memoValue 返回字段的比较值；configured=false 表示该字段不推送
func memoValue(cfg *botconfig.BotConfig, f Field) (value string, configured bool, reason string) {
	switch f {
	case FieldDisplayName:
		return cfg.DisplayName, cfg.DisplayName != "", "not configured"
	case FieldLongDescription:
		return cfg.LongDescription, cfg.LongDescription != "", "not configured"
	case FieldShortDescription:
		return cfg.ShortDescription, cfg.ShortDescription != "", "not configured"
	case FieldCommands:
		if cfg.Commands == nil {
			return "", false, "not configured"
		}
		raw, _ := json.Marshal([]botconfig.Command(cfg.Commands.Normalized()))
		return string(raw), true, ""
	case FieldAvatar:
		path := strings.TrimSpace(cfg.AvatarPath)
		if path == "" {
			return "", false, "not configured"
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", false, "file not found"
		}
		sum := sha256.Sum256(data)
		return path + "@" + hex.EncodeToString(sum[:]), true, ""
	}
	return "", false, "unknown field"
}

package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/willway/botkeeper/internal/botconfig"
	"github.com/willway/botkeeper/pkg/ratelimit"
)

const (
	DefaultBaseURL = "https://api.telegram.org"
	DefaultTimeout = 10 * time.Second
	// DefaultMutationPause 文本类修改接口调用前的暂停
	DefaultMutationPause = 1500 * time.Millisecond
)

// User getMe 返回的机器人身份
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// WebhookInfo getWebhookInfo 返回值
type WebhookInfo struct {
	URL                string `json:"url"`
	PendingUpdateCount int    `json:"pending_update_count"`
	LastErrorMessage   string `json:"last_error_message,omitempty"`
}

type envelope struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Result      json.RawMessage `json:"result"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Options 客户端参数
type Options struct {
	BaseURL string
	Timeout time.Duration
	Limits  *ratelimit.RateLimitManager
	Logger  logrus.FieldLogger
}

// Client 平台 Bot API 客户端，不做自动重试
type Client struct {
	http   *resty.Client
	limits *ratelimit.RateLimitManager
	log    logrus.FieldLogger

	mu    sync.RWMutex
	token string
}

// NewClient 创建客户端
func NewClient(token string, opts Options) *Client {
	host := strings.TrimSuffix(opts.BaseURL, "/")
	if host == "" {
		host = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Limits == nil {
		opts.Limits = ratelimit.NewRateLimitManager(ratelimit.Options{MutationPause: DefaultMutationPause})
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	// 限流不在这里重试：429 直接作为 RateLimitedError 交给调用方
	rc := resty.New().
		SetBaseURL(host).
		SetTimeout(opts.Timeout).
		SetRetryCount(0).
		SetLogger(opts.Logger)

	return &Client{http: rc, limits: opts.Limits, log: opts.Logger, token: token}
}

// SetToken 配置热更新后替换凭证
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token 当前凭证
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// GetIdentity getMe
func (c *Client) GetIdentity(ctx context.Context) (*User, error) {
	var u User
	if err := c.call(ctx, ratelimit.EndpointGetMe, "getMe", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetCommands getMyCommands
func (c *Client) GetCommands(ctx context.Context) (botconfig.Commands, error) {
	var out []botconfig.Command
	if err := c.call(ctx, ratelimit.EndpointGetMyCommands, "getMyCommands", nil, &out); err != nil {
		return nil, err
	}
	return botconfig.Commands(out), nil
}

// GetWebhookInfo getWebhookInfo
func (c *Client) GetWebhookInfo(ctx context.Context) (*WebhookInfo, error) {
	var w WebhookInfo
	if err := c.call(ctx, ratelimit.EndpointGetWebhookInfo, "getWebhookInfo", nil, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// DeleteWebhook deleteWebhook
func (c *Client) DeleteWebhook(ctx context.Context, dropPending bool) error {
	return c.call(ctx, ratelimit.EndpointDeleteWebhook, "deleteWebhook", map[string]string{
		"drop_pending_updates": strconv.FormatBool(dropPending),
	}, nil)
}

// SetDisplayName setMyName
func (c *Client) SetDisplayName(ctx context.Context, name string) error {
	return c.call(ctx, ratelimit.EndpointSetMyName, "setMyName", map[string]string{"name": name}, nil)
}

// SetLongDescription setMyDescription
func (c *Client) SetLongDescription(ctx context.Context, text string) error {
	return c.call(ctx, ratelimit.EndpointSetMyDescription, "setMyDescription", map[string]string{"description": text}, nil)
}

// SetShortDescription setMyShortDescription
func (c *Client) SetShortDescription(ctx context.Context, text string) error {
	return c.call(ctx, ratelimit.EndpointSetMyShortDesc, "setMyShortDescription", map[string]string{"short_description": text}, nil)
}

// SetCommands setMyCommands，keyword 去掉 "/" 后发送
func (c *Client) SetCommands(ctx context.Context, cmds botconfig.Commands) error {
	payload := cmds.Normalized()
	if payload == nil {
		payload = botconfig.Commands{}
	}
	// Commands 自带的 MarshalJSON 输出对象格式，这里需要数组
	raw, err := json.Marshal([]botconfig.Command(payload))
	if err != nil {
		return errors.Wrap(err, "encode commands")
	}
	return c.call(ctx, ratelimit.EndpointSetMyCommands, "setMyCommands", map[string]string{"commands": string(raw)}, nil)
}

// SetAvatar setMyPhoto，multipart 上传字段 photo
func (c *Client) SetAvatar(ctx context.Context, path string) error {
	const method = "setMyPhoto"
	if err := c.limits.Wait(ctx, ratelimit.EndpointSetMyPhoto); err != nil {
		return &TransportError{Method: method, Err: err, msg: err.Error()}
	}
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open avatar %s", path)
	}
	defer f.Close()

	req := c.http.R().
		SetContext(ctx).
		SetFileReader("photo", filepath.Base(path), f)
	resp, err := req.Post(c.methodPath(method))
	return c.decode(method, resp, err, nil)
}

func (c *Client) methodPath(method string) string {
	return "/bot" + c.Token() + "/" + method
}

func (c *Client) call(ctx context.Context, endpoint, method string, form map[string]string, out any) error {
	if err := c.limits.Wait(ctx, endpoint); err != nil {
		return &TransportError{Method: method, Err: err, msg: err.Error()}
	}
	req := c.http.R().SetContext(ctx)
	if form != nil {
		req.SetFormData(form)
	}
	resp, err := req.Post(c.methodPath(method))
	return c.decode(method, resp, err, out)
}

func (c *Client) decode(method string, resp *resty.Response, err error, out any) error {
	if err != nil {
		return &TransportError{Method: method, Err: err, msg: c.redact(err.Error())}
	}

	var env envelope
	decodeErr := json.Unmarshal(resp.Body(), &env)

	if resp.StatusCode() == http.StatusTooManyRequests || env.ErrorCode == http.StatusTooManyRequests {
		return &RateLimitedError{Method: method, RetryAfter: retryAfter(resp, &env)}
	}
	if decodeErr != nil {
		if resp.StatusCode() >= 300 {
			return &APIError{Method: method, Code: resp.StatusCode(), Description: http.StatusText(resp.StatusCode())}
		}
		werr := errors.Wrapf(decodeErr, "decode response (status %d)", resp.StatusCode())
		return &TransportError{Method: method, Err: werr, msg: werr.Error()}
	}
	if !env.OK {
		code := env.ErrorCode
		if code == 0 {
			code = resp.StatusCode()
		}
		return &APIError{Method: method, Code: code, Description: env.Description}
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			werr := errors.Wrapf(err, "decode %s result", method)
			return &TransportError{Method: method, Err: werr, msg: werr.Error()}
		}
	}
	return nil
}

// redact 错误信息里可能带完整 URL，去掉 token
func (c *Client) redact(s string) string {
	if t := c.Token(); t != "" {
		s = strings.ReplaceAll(s, t, "<token>")
	}
	return s
}

func retryAfter(resp *resty.Response, env *envelope) time.Duration {
	if env.Parameters != nil && env.Parameters.RetryAfter > 0 {
		return time.Duration(env.Parameters.RetryAfter) * time.Second
	}
	if v := resp.Header().Get("Retry-After"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return 0
}

package botconfig

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidConfig 配置文件缺失、不可读、JSON 格式错误或缺少 bot_token
var ErrInvalidConfig = errors.New("invalid bot config")

// BotConfig 机器人的声明式配置
type BotConfig struct {
	Name             string
	Token            string
	DisplayName      string
	LongDescription  string
	ShortDescription string
	Commands         Commands // nil 表示配置里没有 commands
	AvatarPath       string
}

// fileConfig 配置文件的 JSON 结构，未知字段忽略
type fileConfig struct {
	BotToken           string   `json:"bot_token"`
	BotName            string   `json:"bot_name"`
	Description        string   `json:"description"`
	AboutText          string   `json:"about_text"`
	Commands           Commands `json:"commands"`
	BotpicURL          string   `json:"botpic_url"`
	BotpicAbsolutePath string   `json:"botpic_absolute_path"`
}

// TokenResolver 把 bot_token 中的引用解析成真实 token
type TokenResolver interface {
	ResolveToken(ref string) (string, error)
}

// Loader 加载配置；Resolver 为空时 token 原样使用
type Loader struct {
	Resolver TokenResolver
}

// Load 使用默认 Loader 加载配置
func Load(path string) (*BotConfig, error) {
	return Loader{}.Load(path)
}

// Load 读取并校验配置文件
func (l Loader) Load(path string) (*BotConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidConfig, path, err)
	}

	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}

	token := strings.TrimSpace(fc.BotToken)
	if token == "" {
		return nil, fmt.Errorf("%w: %s: bot_token is required", ErrInvalidConfig, path)
	}
	if l.Resolver != nil {
		token, err = l.Resolver.ResolveToken(token)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: resolve bot_token: %v", ErrInvalidConfig, path, err)
		}
	}

	// botpic_absolute_path 优先于 botpic_url
	avatar := strings.TrimSpace(fc.BotpicAbsolutePath)
	if avatar == "" {
		avatar = strings.TrimSpace(fc.BotpicURL)
	}

	return &BotConfig{
		Name:             strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Token:            token,
		DisplayName:      fc.BotName,
		LongDescription:  fc.Description,
		ShortDescription: fc.AboutText,
		Commands:         fc.Commands,
		AvatarPath:       avatar,
	}, nil
}

// ValidateFile 仅检查文件是合法 JSON（启动 worker 前的预检）
func ValidateFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrInvalidConfig, path, err)
	}
	if !json.Valid(data) {
		return fmt.Errorf("%w: %s is not valid JSON", ErrInvalidConfig, path)
	}
	return nil
}

// Fingerprint 文件内容的 SHA-256（hex）
func Fingerprint(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HasChanged 重新计算指纹并与 lastHash 比较。
// 读取失败时返回 (false, lastHash)，下一轮再试。
func HasChanged(path, lastHash string) (bool, string) {
	h, err := Fingerprint(path)
	if err != nil {
		return false, lastHash
	}
	return h != lastHash, h
}

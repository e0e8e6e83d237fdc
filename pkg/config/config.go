package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// 默认值
const (
	DefaultCheckInterval     = 10 * time.Second
	DefaultReconcileInterval = 60 * time.Second
	DefaultSettleDelay       = 2 * time.Second
	DefaultStopTimeout       = 5 * time.Second
	DefaultMutationPause     = 1500 * time.Millisecond
	DefaultHTTPTimeout       = 10 * time.Second
	DefaultAPIBaseURL        = "https://api.telegram.org"
	DefaultIncidentLog       = "security_incidents.log"
	DefaultWorkerLog         = "logs/workers.log"
	DefaultInterpreter       = "python3"
	DefaultLogLevel          = "info"
)

// BotEntry 清单中的一个 bot
type BotEntry struct {
	Name              string `yaml:"name" json:"name" toml:"name" validate:"required,excludesall=/"`
	ConfigFile        string `yaml:"config_file" json:"config_file" toml:"config_file" validate:"required"`
	ScriptFile        string `yaml:"script_file" json:"script_file" toml:"script_file" validate:"required"`
	Interpreter       string `yaml:"interpreter" json:"interpreter" toml:"interpreter"`
	ReconcileInterval string `yaml:"reconcile_interval" json:"reconcile_interval" toml:"reconcile_interval"`
}

// SettingsFile 清单文件结构（yaml/json/toml）
type SettingsFile struct {
	CheckInterval     string     `yaml:"check_interval" json:"check_interval" toml:"check_interval"`
	ReconcileInterval string     `yaml:"reconcile_interval" json:"reconcile_interval" toml:"reconcile_interval"`
	SettleDelay       string     `yaml:"settle_delay" json:"settle_delay" toml:"settle_delay"`
	StopTimeout       string     `yaml:"stop_timeout" json:"stop_timeout" toml:"stop_timeout"`
	MutationPause     string     `yaml:"mutation_pause" json:"mutation_pause" toml:"mutation_pause"`
	HTTPTimeout       string     `yaml:"http_timeout" json:"http_timeout" toml:"http_timeout"`
	APIBaseURL        string     `yaml:"api_base_url" json:"api_base_url" toml:"api_base_url"`
	IncidentLog       string     `yaml:"incident_log" json:"incident_log" toml:"incident_log"`
	WorkerLog         string     `yaml:"worker_log" json:"worker_log" toml:"worker_log"`
	LogLevel          string     `yaml:"log_level" json:"log_level" toml:"log_level"`
	LogFile           string     `yaml:"log_file" json:"log_file" toml:"log_file"`
	Listen            string     `yaml:"listen" json:"listen" toml:"listen"`
	StateDB           string     `yaml:"state_db" json:"state_db" toml:"state_db"`
	SecretDB          string     `yaml:"secret_db" json:"secret_db" toml:"secret_db"`
	Interpreter       string     `yaml:"interpreter" json:"interpreter" toml:"interpreter"`
	WatchFiles        *bool      `yaml:"watch_files" json:"watch_files" toml:"watch_files"`
	Bots              []BotEntry `yaml:"bots" json:"bots" toml:"bots"`
}

// Bot 解析后的 bot 配置
type Bot struct {
	Name              string
	ConfigFile        string
	ScriptFile        string
	Interpreter       string
	ReconcileInterval time.Duration
}

// Settings supervisor 运行参数
type Settings struct {
	CheckInterval     time.Duration `validate:"gt=0"`
	ReconcileInterval time.Duration `validate:"gt=0"`
	SettleDelay       time.Duration `validate:"gte=0"`
	StopTimeout       time.Duration `validate:"gt=0"`
	MutationPause     time.Duration `validate:"gte=0"`
	HTTPTimeout       time.Duration `validate:"gt=0"`
	APIBaseURL        string        `validate:"required,url"`
	IncidentLog       string        `validate:"required"`
	WorkerLog         string        `validate:"required"`
	LogLevel          string        `validate:"oneof=trace debug info warn warning error fatal panic"`
	LogFile           string
	Listen            string // 为空时不启动管理 API
	StateDB           string // 为空时不启用 SQLite 历史库
	SecretDB          string // 为空时不启用 badger 密钥库
	SecretKey         string // 仅从环境变量读取
	WatchFiles        bool
	Bots              []Bot `validate:"dive"`
}

// Load 读取清单文件（可为空）并合并环境变量。
// 优先级：配置文件 > 环境变量 > 默认值
func Load(path string) (*Settings, error) {
	var sf SettingsFile
	hasFile := false
	if strings.TrimSpace(path) != "" {
		f, err := loadConfigFile(path)
		if err != nil {
			return nil, err
		}
		sf = *f
		hasFile = true
	}

	s := &Settings{SecretKey: getEnv("BOTKEEPER_SECRET_KEY", "")}
	var err error
	durations := []struct {
		dst  *time.Duration
		file string
		env  string
		def  time.Duration
	}{
		{&s.CheckInterval, sf.CheckInterval, "BOTKEEPER_CHECK_INTERVAL", DefaultCheckInterval},
		{&s.ReconcileInterval, sf.ReconcileInterval, "BOTKEEPER_RECONCILE_INTERVAL", DefaultReconcileInterval},
		{&s.SettleDelay, sf.SettleDelay, "BOTKEEPER_SETTLE_DELAY", DefaultSettleDelay},
		{&s.StopTimeout, sf.StopTimeout, "BOTKEEPER_STOP_TIMEOUT", DefaultStopTimeout},
		{&s.MutationPause, sf.MutationPause, "BOTKEEPER_MUTATION_PAUSE", DefaultMutationPause},
		{&s.HTTPTimeout, sf.HTTPTimeout, "BOTKEEPER_HTTP_TIMEOUT", DefaultHTTPTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = getDurationFromSources(d.file, d.env, d.def); err != nil {
			return nil, err
		}
	}

	s.APIBaseURL = getValueFromSources(sf.APIBaseURL, "BOTKEEPER_API_BASE_URL", DefaultAPIBaseURL)
	s.IncidentLog = getValueFromSources(sf.IncidentLog, "BOTKEEPER_INCIDENT_LOG", DefaultIncidentLog)
	s.WorkerLog = getValueFromSources(sf.WorkerLog, "BOTKEEPER_WORKER_LOG", DefaultWorkerLog)
	s.LogLevel = strings.ToLower(getValueFromSources(sf.LogLevel, "BOTKEEPER_LOG_LEVEL", DefaultLogLevel))
	s.LogFile = getValueFromSources(sf.LogFile, "BOTKEEPER_LOG_FILE", "")
	s.Listen = getValueFromSources(sf.Listen, "BOTKEEPER_LISTEN", "")
	s.StateDB = getValueFromSources(sf.StateDB, "BOTKEEPER_STATE_DB", "")
	s.SecretDB = getValueFromSources(sf.SecretDB, "BOTKEEPER_SECRET_DB", "")
	interpreter := getValueFromSources(sf.Interpreter, "BOTKEEPER_INTERPRETER", DefaultInterpreter)
	s.WatchFiles = parseBoolEnv("BOTKEEPER_WATCH_FILES", true)
	if sf.WatchFiles != nil {
		s.WatchFiles = *sf.WatchFiles
	}

	entries := sf.Bots
	if len(entries) == 0 && !hasFile {
		entries, err = parseBotsEnv(getEnv("BOTKEEPER_BOTS", ""))
		if err != nil {
			return nil, err
		}
	}
	if len(entries) == 0 {
		// 与旧部署一致：单 bot，bot_config.json + run_bot.py
		entries = []BotEntry{{Name: "main", ConfigFile: "bot_config.json", ScriptFile: "run_bot.py"}}
	}

	v := validator.New()
	for i, e := range entries {
		if err := v.Struct(e); err != nil {
			return nil, fmt.Errorf("bots[%d]: %w", i, err)
		}
		b := Bot{
			Name:        e.Name,
			ConfigFile:  e.ConfigFile,
			ScriptFile:  e.ScriptFile,
			Interpreter: e.Interpreter,
		}
		if b.Interpreter == "" {
			b.Interpreter = interpreter
		}
		if b.Interpreter == "none" {
			b.Interpreter = ""
		}
		b.ReconcileInterval = s.ReconcileInterval
		if e.ReconcileInterval != "" {
			if b.ReconcileInterval, err = time.ParseDuration(e.ReconcileInterval); err != nil {
				return nil, fmt.Errorf("bots[%d].reconcile_interval: %w", i, err)
			}
		}
		s.Bots = append(s.Bots, b)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate 校验配置
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	seen := map[string]bool{}
	for _, b := range s.Bots {
		if seen[b.Name] {
			return fmt.Errorf("duplicate bot name: %s", b.Name)
		}
		seen[b.Name] = true
		if b.ReconcileInterval <= 0 {
			return fmt.Errorf("bot %s: reconcile_interval must be positive", b.Name)
		}
	}
	return nil
}

// loadConfigFile 按扩展名解析清单文件
func loadConfigFile(filePath string) (*SettingsFile, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var sf SettingsFile
	ext := strings.ToLower(filepath.Ext(filePath))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &sf); err != nil {
			return nil, fmt.Errorf("parse YAML manifest: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &sf); err != nil {
			return nil, fmt.Errorf("parse JSON manifest: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &sf); err != nil {
			return nil, fmt.Errorf("parse TOML manifest: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported manifest format: %s (supported: .yaml, .yml, .json, .toml)", ext)
	}

	return &sf, nil
}

// parseBotsEnv 解析 "name:config:script,name2:config2:script2"
func parseBotsEnv(raw string) ([]BotEntry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []BotEntry
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("BOTKEEPER_BOTS: expected name:config:script, got %q", item)
		}
		out = append(out, BotEntry{Name: parts[0], ConfigFile: parts[1], ScriptFile: parts[2]})
	}
	return out, nil
}

// getValueFromSources 配置文件 > 环境变量 > 默认值
func getValueFromSources(fileValue, envKey, defaultValue string) string {
	if strings.TrimSpace(fileValue) != "" {
		return strings.TrimSpace(fileValue)
	}
	return getEnv(envKey, defaultValue)
}

func getDurationFromSources(fileValue, envKey string, defaultValue time.Duration) (time.Duration, error) {
	raw := getValueFromSources(fileValue, envKey, "")
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", strings.ToLower(strings.TrimPrefix(envKey, "BOTKEEPER_")), err)
	}
	return d, nil
}

func getEnv(key, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	return defaultValue
}

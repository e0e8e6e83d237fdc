package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/willway/botkeeper/internal/botconfig"
	"github.com/willway/botkeeper/pkg/config"
	"github.com/willway/botkeeper/pkg/logger"
	"github.com/willway/botkeeper/pkg/secretstore"
)

// app 每个子命令共享的运行环境，在 PersistentPreRunE 中构建
type app struct {
	settings *config.Settings
	log      *logrus.Logger
	secrets  *secretstore.Store
}

var (
	settingsPath string
	logLevel     string
	current      app

	rootCmd = &cobra.Command{
		Use:           "botkeeper",
		Short:         "Supervise chat bot workers and keep their platform settings in sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load .env (best-effort). If missing, fall back to real env vars.
			_ = godotenv.Load()
			return current.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = current.secrets.Close()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&settingsPath, "settings", "s", os.Getenv("BOTKEEPER_SETTINGS"),
		"supervisor manifest (.yaml/.yml/.json/.toml); empty uses env and defaults")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level")

	rootCmd.AddCommand(runCmd, checkCmd, applyCmd, snapshotCmd, incidentsCmd, secretsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err.Error())
		os.Exit(1)
	}
}

func (a *app) init() error {
	st, err := config.Load(settingsPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		st.LogLevel = strings.ToLower(logLevel)
	}
	log, err := logger.New(logger.Config{
		Level:      st.LogLevel,
		OutputFile: st.LogFile,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	})
	if err != nil {
		return err
	}
	a.settings = st
	a.log = log
	return nil
}

// openSecrets 打开密钥库（未配置时返回 nil）
func (a *app) openSecrets() (*secretstore.Store, error) {
	if a.secrets != nil {
		return a.secrets, nil
	}
	if a.settings.SecretDB == "" {
		return nil, nil
	}
	key, err := secretstore.ParseKey(a.settings.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("BOTKEEPER_SECRET_KEY: %w", err)
	}
	if key == nil {
		return nil, fmt.Errorf("secret_db is set but BOTKEEPER_SECRET_KEY is empty")
	}
	ss, err := secretstore.Open(secretstore.OpenOptions{
		Path:          a.settings.SecretDB,
		EncryptionKey: key,
	})
	if err != nil {
		return nil, err
	}
	a.secrets = ss
	return ss, nil
}

// loader 按是否配置密钥库构建配置加载器
func (a *app) loader() (botconfig.Loader, error) {
	ss, err := a.openSecrets()
	if err != nil {
		return botconfig.Loader{}, err
	}
	if ss == nil {
		return botconfig.Loader{}, nil
	}
	return botconfig.Loader{Resolver: ss}, nil
}

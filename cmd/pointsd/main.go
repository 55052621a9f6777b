// Package main — точка входа сервиса баллов.
// serve запускает HTTP API и фоновые задачи, остальные команды —
// служебные: миграции, сверка журнала, хеш админ-ключа.
// Поддерживает graceful shutdown по SIGINT/SIGTERM.
package main

import (
	"context"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"serotonyl.ru/points-ledger/internal/config"
)

// Version проставляется при сборке через -ldflags.
var Version = "dev"

func main() {
	setupLogging()

	rootCmd := &cobra.Command{
		Use:           "pointsd",
		Short:         "Журнал баллов и приём платежей",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(hashKeyCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.WithError(err).Error("Команда завершилась с ошибкой")
		os.Exit(1)
	}
}

// setupLogging настраивает формат логов.
func setupLogging() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	log.SetOutput(os.Stdout)
	log.SetLevel(log.DebugLevel)
}

// loadConfig загружает конфигурацию и применяет уровень логирования.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	level, err := log.ParseLevel(cfg.AppLogLevel)
	if err == nil {
		log.SetLevel(level)
	}
	return cfg, nil
}

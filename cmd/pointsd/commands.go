package main

import (
	"bufio"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"serotonyl.ru/points-ledger/internal/app"
	"serotonyl.ru/points-ledger/internal/auth"
	"serotonyl.ru/points-ledger/internal/common"
	"serotonyl.ru/points-ledger/internal/db/postgres"
	"serotonyl.ru/points-ledger/internal/features/ledger"
	"serotonyl.ru/points-ledger/internal/features/members"
	"serotonyl.ru/points-ledger/internal/jobs"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Запустить HTTP API и фоновые задачи",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log.Info("=== Сервис запускается ===")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			// Контекст отменяется по Ctrl+C или docker stop
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			application, err := app.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("не удалось инициализировать приложение: %w", err)
			}
			defer application.Close()

			log.Info("=== Сервис готов к работе ===")
			if err := application.Run(ctx); err != nil {
				return err
			}

			log.Info("=== Сервис остановлен ===")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Применить миграции БД и выйти",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			pool, err := postgres.NewPool(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("ошибка подключения к БД: %w", err)
			}
			defer pool.Close()

			return postgres.Migrate(cmd.Context(), pool)
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Сверить кеш балансов с журналом",
		Long: `Сверяет members.balance с суммой записей журнала для каждого участника.

Код возврата 1, если найдено хотя бы одно расхождение.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			pool, err := postgres.NewPool(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("ошибка подключения к БД: %w", err)
			}
			defer pool.Close()

			svc := ledger.NewService(ledger.NewRepository(pool), members.NewService(members.NewRepository(pool)))
			divs, err := svc.Audit(cmd.Context())
			if err != nil {
				return err
			}
			if len(divs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Расхождений нет")
				return nil
			}

			fmt.Fprint(cmd.OutOrStdout(), jobs.AuditAlertText(divs, time.Now(), common.LoadLocation(cfg.AppTimezone)))
			return fmt.Errorf("найдено расхождений: %d", len(divs))
		},
	}
}

func hashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key [ключ]",
		Short: "Сгенерировать Argon2id-хеш админ-ключа для ADMIN_KEY_HASH",
		Long: `Без аргумента ключ читается из первой строки stdin,
чтобы он не попадал в историю shell.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if len(args) == 1 {
				key = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("не удалось прочитать ключ: %w", err)
				}
				key = strings.TrimRight(line, "\r\n")
			}
			if key == "" {
				return errors.New("ключ не может быть пустым")
			}

			encoded, err := auth.HashKey(key)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.ErrOrStderr(), "Хеш ключа (вставьте в .env как ADMIN_KEY_HASH):")
			fmt.Fprintln(cmd.OutOrStdout(), encoded)
			return nil
		},
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"brandops/internal/config"
	"brandops/internal/services"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	runBrandID uint
	runRuleID  uint
	runEvent   string
	runEventID string
	runPayload string
	runDryRun  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fire one event at a rule and print the run summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		appLogger := logrus.StandardLogger()

		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
			getenvDefault("DB_HOST", cfg.Database.Host),
			getenvDefault("DB_USER", cfg.Database.User),
			getenvDefault("DB_PASSWORD", cfg.Database.Password),
			getenvDefault("DB_NAME", cfg.Database.Name),
			cfg.Database.Port,
			getenvDefault("DB_SSLMODE", "disable"),
		)
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}

		var payload map[string]interface{}
		if runPayload != "" {
			if err := json.Unmarshal([]byte(runPayload), &payload); err != nil {
				return fmt.Errorf("parse payload: %w", err)
			}
		}
		eventID := runEventID
		if eventID == "" {
			eventID = uuid.NewString()
		}

		registry := services.NewRunnerRegistry()
		services.RegisterBuiltinRunners(registry, db, appLogger)
		executor := services.NewExecutor(
			services.NewGormRunStore(db),
			registry,
			services.ExecutorConfig{
				DryRun:        runDryRun || cfg.Automation.DryRun,
				ActionTimeout: cfg.Automation.ActionTimeout,
			},
			appLogger,
		)
		rules := services.NewRuleService(db, appLogger)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		match, err := rules.LatestMatch(ctx, runBrandID, runRuleID)
		if err != nil {
			return fmt.Errorf("resolve rule: %w", err)
		}
		summary, err := executor.ExecuteAutomationActions(ctx, *match, services.DomainEvent{
			Type:    runEvent,
			ID:      eventID,
			Payload: payload,
		})
		if err != nil {
			return fmt.Errorf("execute: %w", err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

func init() {
	runCmd.Flags().UintVar(&runBrandID, "brand", 0, "brand id")
	runCmd.Flags().UintVar(&runRuleID, "rule", 0, "rule id")
	runCmd.Flags().StringVar(&runEvent, "event", "", "event name")
	runCmd.Flags().StringVar(&runEventID, "event-id", "", "event id (random when empty)")
	runCmd.Flags().StringVar(&runPayload, "payload", "", "event payload as JSON")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "validate without executing")
	_ = runCmd.MarkFlagRequired("brand")
	_ = runCmd.MarkFlagRequired("rule")
	_ = runCmd.MarkFlagRequired("event")
	rootCmd.AddCommand(runCmd)
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

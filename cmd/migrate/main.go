package main

import (
	"fmt"
	"os"

	"brandops/internal/config"
	"brandops/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		getenvDefault("DB_HOST", cfg.Database.Host),
		getenvDefault("DB_USER", cfg.Database.User),
		getenvDefault("DB_PASSWORD", cfg.Database.Password),
		getenvDefault("DB_NAME", cfg.Database.Name),
		cfg.Database.Port,
		getenvDefault("DB_SSLMODE", "disable"),
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Info)})
	if err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}

	logrus.Info("Running migrations...")
	if err := db.AutoMigrate(
		&models.Brand{},
		&models.AutomationRule{}, &models.AutomationRuleVersion{},
		&models.AutomationRun{}, &models.AutomationActionRun{},
		&models.FollowUpTask{},
	); err != nil {
		logrus.Fatalf("Migration failed: %v", err)
	}

	// Query-path indexes AutoMigrate does not cover.
	statements := []string{
		"CREATE INDEX IF NOT EXISTS idx_automation_runs_brand_created ON automation_runs (brand_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_automation_runs_rule_version ON automation_runs (rule_version_id)",
		"CREATE INDEX IF NOT EXISTS idx_automation_action_runs_run ON automation_action_runs (run_id)",
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			logrus.Warnf("Index statement failed: %v", err)
		}
	}

	logrus.Info("Migrations completed")
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

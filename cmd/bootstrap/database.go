package bootstrap

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/code-100-precent/LingDispatch/internal/models"
	"github.com/code-100-precent/LingDispatch/pkg/config"
	"github.com/code-100-precent/LingDispatch/pkg/logger"
	"github.com/code-100-precent/LingDispatch/pkg/utils"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Options controls database initialization behavior
type Options struct {
	// InitSQLPath points to a .sql script file (optional); skip if empty
	InitSQLPath string
	// AutoMigrate whether to execute entity migration
	AutoMigrate bool
	// SeedDispatchers whether to create development console credentials
	SeedDispatchers bool
}

// SetupDatabase connect -> init SQL -> migrate -> (dev) seed credentials
func SetupDatabase(logWriter io.Writer, opts *Options) (*gorm.DB, error) {
	if opts == nil {
		opts = &Options{AutoMigrate: true}
	}

	// 1) Connect to database
	db, err := utils.InitDatabase(logWriter, config.GlobalConfig.DBDriver, config.GlobalConfig.DSN)
	if err != nil {
		logger.Error("init database failed", zap.Error(err))
		return nil, err
	}

	// 2) Optional: execute initialization SQL
	if opts.InitSQLPath != "" {
		if err := RunInitSQL(db, opts.InitSQLPath); err != nil {
			logger.Error("run init sql failed", zap.String("path", opts.InitSQLPath), zap.Error(err))
			return nil, err
		}
	}

	// 3) Migrate entities
	if opts.AutoMigrate {
		if err := RunMigrations(db); err != nil {
			logger.Error("migration failed", zap.Error(err))
			return nil, err
		}
		logger.Info("migration success",
			zap.String("database", config.GlobalConfig.DBDriver),
			zap.String("dsn", config.GlobalConfig.DSN),
		)
	}

	// 4) Development credentials
	if opts.SeedDispatchers {
		service := SeedService{db: db}
		if err := service.SeedAll(); err != nil {
			logger.Error("seed failed", zap.Error(err))
			return nil, err
		}
	}

	logger.Info("system bootstrap - database is initialization complete")
	return db, nil
}

// RunInitSQL executes SQL statements from a local .sql file segment by segment (split by semicolon ;)
func RunInitSQL(db *gorm.DB, sqlFilePath string) error {
	f, err := os.Open(sqlFilePath)
	if err != nil {
		return err
	}
	defer f.Close()
	return execSQLScript(db, f)
}

func execSQLScript(db *gorm.DB, r io.Reader) error {
	var (
		sb      strings.Builder
		scanner = bufio.NewScanner(r)
	)
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		trim := strings.TrimSpace(line)
		if trim == "" || strings.HasPrefix(trim, "--") || strings.HasPrefix(trim, "#") {
			continue
		}
		sb.WriteString(line)
		sb.WriteString("\n")
		if strings.HasSuffix(trim, ";") {
			stmt := strings.TrimSpace(sb.String())
			sb.Reset()
			if err := db.Exec(stmt).Error; err != nil {
				return err
			}
		}
	}
	// 末尾没有分号的语句
	if rest := strings.TrimSpace(sb.String()); rest != "" {
		if err := db.Exec(rest).Error; err != nil {
			return err
		}
	}
	return scanner.Err()
}

// RunMigrations executes entity migration
func RunMigrations(db *gorm.DB) error {
	if db == nil {
		return errors.New("db is nil")
	}
	return utils.MakeMigrates(db, models.AllModels())
}

// LogConfigInfo prints the effective configuration, secrets excluded.
func LogConfigInfo() {
	cfg := config.GlobalConfig
	logger.Info("config loaded",
		zap.String("server", cfg.ServerName),
		zap.String("mode", cfg.Mode),
		zap.String("addr", cfg.Addr),
		zap.String("apiPrefix", cfg.APIPrefix),
		zap.String("dbDriver", cfg.DBDriver),
		zap.String("cache", cfg.Cache.Type),
		zap.String("rateLimit", cfg.RateLimit),
		zap.Bool("engineKeySet", cfg.EngineAPIKey != ""),
		zap.Bool("alertWebhook", cfg.AlertWebhookURL != ""),
		zap.Duration("heartbeatTimeout", cfg.Dispatch.HeartbeatTimeout),
		zap.Duration("graceWindow", cfg.Dispatch.GraceWindow),
		zap.Duration("retention", cfg.Dispatch.Retention),
		zap.Duration("escalationAckSLA", cfg.Dispatch.EscalationAckSLA))
}

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nebulatech/volquota/internal/config"
	"github.com/nebulatech/volquota/internal/db"
	adminapi "github.com/nebulatech/volquota/internal/http/api/admin"
	"github.com/nebulatech/volquota/internal/models"
	"github.com/nebulatech/volquota/internal/quota"
	"github.com/nebulatech/volquota/internal/security"
	internalsettings "github.com/nebulatech/volquota/internal/settings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"
)

// SetupLogging configures logrus from the config file. With a log file set
// the output rotates through lumberjack; otherwise it stays on stderr.
func SetupLogging(cfg config.AppConfig) {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	file, level := config.LoadLogConfig(configPath)

	if parsed, errParse := log.ParseLevel(strings.TrimSpace(level)); errParse == nil {
		log.SetLevel(parsed)
	}
	if file != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		})
	}
}

// openDatabase opens the configured store connection.
func openDatabase(cfg config.AppConfig) (*gorm.DB, error) {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, errDSN := config.LoadDatabaseDSN(configPath)
	if errDSN != nil {
		return nil, errDSN
	}
	return db.Open(dsn)
}

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	conn, errOpen := openDatabase(cfg)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// RunServer boots the quota service: migrations, settings snapshot, the
// reservation expirer and the admin API.
func RunServer(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)

	conn, errOpen := openDatabase(cfg)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	if errSettings := internalsettings.RefreshDBConfigSnapshot(ctx, conn); errSettings != nil {
		return errSettings
	}

	jwtCfg, errJWT := config.LoadJWTConfig(configPath)
	if errJWT != nil {
		return errJWT
	}
	listen, errListen := config.LoadListenAddr(configPath)
	if errListen != nil {
		return errListen
	}

	ledger := quota.NewLedger(conn)
	if expirer := quota.NewExpirer(ledger); expirer != nil {
		expirer.Start(ctx)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	adminapi.RegisterAdminRoutes(engine, conn, jwtCfg, ledger)

	server := &http.Server{
		Addr:              listen,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("quota service listening on %s (config=%s)", listen, configPath)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
			return errShutdown
		}
		return nil
	case errServe := <-errCh:
		if errors.Is(errServe, http.ErrServerClosed) {
			return nil
		}
		return errServe
	}
}

// ExpireOnce runs one expired reservation sweep and reports how many
// reservations were released.
func ExpireOnce(ctx context.Context, cfg config.AppConfig) (int, error) {
	conn, errOpen := openDatabase(cfg)
	if errOpen != nil {
		return 0, errOpen
	}
	if errSettings := internalsettings.RefreshDBConfigSnapshot(ctx, conn); errSettings != nil {
		return 0, errSettings
	}
	ledger := quota.NewLedger(conn)
	return ledger.Expire(ctx, time.Now().UTC())
}

// CreateAdmin creates an active admin account with a bcrypt-hashed
// password.
func CreateAdmin(ctx context.Context, cfg config.AppConfig, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return errors.New("app: username and password are required")
	}
	conn, errOpen := openDatabase(cfg)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	hash, errHash := security.HashPassword(password)
	if errHash != nil {
		return errHash
	}
	admin := models.Admin{Username: username, Password: hash, Active: true}
	if errCreate := conn.WithContext(ctx).Create(&admin).Error; errCreate != nil {
		if db.IsDuplicate(errCreate) {
			return fmt.Errorf("app: admin %s already exists", username)
		}
		return errCreate
	}
	log.Infof("created admin %s (id=%d)", admin.Username, admin.ID)
	return nil
}

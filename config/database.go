package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

const SearchLimit = 10

// ConnectDatabaseWithRetry blocks until MySQL accepts a connection.
// Call this from main() AFTER the HTTP server is listening.
func ConnectDatabaseWithRetry(s Settings) *gorm.DB {
	network := "tcp"
	address := fmt.Sprintf("%s:%s", s.DBHost, s.DBPort)

	// Cloud SQL: DB_HOST=/cloudsql/<CONNECTION_NAME> connects over the proxy's unix socket.
	if strings.HasPrefix(s.DBHost, "/cloudsql/") {
		network = "unix"
		address = s.DBHost
	}

	databaseConfig := fmt.Sprintf("%s:%s@%s(%s)/%s?multiStatements=true&parseTime=true",
		s.DBUser,
		s.DBPassword,
		network,
		address,
		s.DBName,
	)

	var attempt int
	for {
		attempt++
		db, err := gorm.Open(mysql.Open(databaseConfig), InitConfig())
		if err == nil {
			if sqlDB, derr := db.DB(); derr == nil && sqlDB != nil {
				if s.DBMaxOpenConns > 0 {
					sqlDB.SetMaxOpenConns(s.DBMaxOpenConns)
				}
				if s.DBMaxIdleConns >= 0 {
					sqlDB.SetMaxIdleConns(s.DBMaxIdleConns)
				}
				if s.DBConnMaxLifetime > 0 {
					sqlDB.SetConnMaxLifetime(s.DBConnMaxLifetime)
				}
				if s.DBConnMaxIdleTime > 0 {
					sqlDB.SetConnMaxIdleTime(s.DBConnMaxIdleTime)
				}
			}

			if pluginErr := InstallPlugins(db); pluginErr != nil {
				log.Printf("db connected but failed to install plugins: %v", pluginErr)
			}
			log.Printf("connected to database (attempt=%d)", attempt)
			return db
		}

		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		log.Printf("failed to connect database (attempt=%d): %v; retrying in %s", attempt, err, sleep)
		time.Sleep(sleep)
	}
}

// InstallPlugins registers tracing and the append-only guard on db.
func InstallPlugins(db *gorm.DB) error {
	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		return err
	}
	return db.Use(NewAppendOnlyGuardPlugin())
}

// InitConfig is shared by the MySQL connection and the test database.
func InitConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         initLog(),
		NamingStrategy: initNamingStrategy(),
		TranslateError: true,
	}
}

// InitLog Connection Log Configuration
func initLog() logger.Interface {
	if os.Getenv("GORM_LOG") != "" {
		return WriteGormLog()
	}
	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			Colorful:      false,
			LogLevel:      logger.Error,
			SlowThreshold: time.Second,
		},
	)
	return newLogger
}

func initNamingStrategy() *schema.NamingStrategy {
	return &schema.NamingStrategy{
		SingularTable: false,
		TablePrefix:   "",
	}
}

func WriteGormLog() logger.Interface {
	f, err := os.Create(os.Getenv("GORM_LOG"))
	if err != nil {
		log.Printf("cannot open GORM_LOG file: %v", err)
		return logger.Default.LogMode(logger.Error)
	}
	newLogger := logger.New(log.New(io.MultiWriter(f), "\r\n", log.LstdFlags), logger.Config{
		Colorful:      true,
		LogLevel:      logger.Info,
		SlowThreshold: time.Second,
	})
	return newLogger
}

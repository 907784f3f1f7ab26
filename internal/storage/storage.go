package storage

import (
	"context"
	"crypto/tls"
	"embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/lorawan-range-tester/internal/config"

	// register postgresql driver
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	redisClient redis.UniversalClient
	db          *sqlx.DB
)

// Setup configures the storage backend. Redis is only set up when servers
// are configured, PostgreSQL only when a DSN is configured.
func Setup(c config.Config) error {
	log.Info("storage: setting up storage module")

	if len(c.Redis.Servers) != 0 {
		log.Info("storage: setting up Redis client")
		redisClient = NewRedisClient(c)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return errors.Wrap(err, "ping redis error")
		}
	} else if c.FrameCounter.Type == "redis" {
		return errors.New("at least one redis server must be configured")
	}

	if c.PostgreSQL.DSN != "" {
		log.Info("storage: connecting to PostgreSQL")
		d, err := sqlx.Open("postgres", c.PostgreSQL.DSN)
		if err != nil {
			return errors.Wrap(err, "PostgreSQL connection error")
		}
		d.SetMaxOpenConns(c.PostgreSQL.MaxOpenConnections)
		d.SetMaxIdleConns(c.PostgreSQL.MaxIdleConnections)
		for {
			if err := d.Ping(); err != nil {
				log.WithError(err).Warning("storage: ping PostgreSQL database error, will retry in 2s")
				time.Sleep(2 * time.Second)
			} else {
				break
			}
		}

		db = d

		if c.PostgreSQL.Automigrate {
			if err := MigrateUp(db); err != nil {
				return err
			}
		}
	}

	return nil
}

// NewRedisClient returns a new Redis client for the given configuration.
func NewRedisClient(c config.Config) redis.UniversalClient {
	var tlsConfig *tls.Config
	if c.Redis.TLSEnabled {
		tlsConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}

	if c.Redis.Cluster {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:     c.Redis.Servers,
			PoolSize:  c.Redis.PoolSize,
			Password:  c.Redis.Password,
			TLSConfig: tlsConfig,
		})
	} else if c.Redis.MasterName != "" {
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       c.Redis.MasterName,
			SentinelAddrs:    c.Redis.Servers,
			SentinelPassword: c.Redis.Password,
			DB:               c.Redis.Database,
			PoolSize:         c.Redis.PoolSize,
			TLSConfig:        tlsConfig,
		})
	}

	return redis.NewClient(&redis.Options{
		Addr:      c.Redis.Servers[0],
		DB:        c.Redis.Database,
		Password:  c.Redis.Password,
		PoolSize:  c.Redis.PoolSize,
		TLSConfig: tlsConfig,
	})
}

// MigrateUp applies all pending PostgreSQL migrations.
func MigrateUp(db *sqlx.DB) error {
	log.Info("storage: applying PostgreSQL data migrations")

	m, err := newMigrate(db)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "apply migrations error")
	}

	v, _, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return errors.Wrap(err, "get migration version error")
	}

	log.WithField("version", v).Info("storage: PostgreSQL data migrations applied")
	return nil
}

// MigrateDown reverts all PostgreSQL migrations.
func MigrateDown(db *sqlx.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}

	if err := m.Down(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "revert migrations error")
	}
	return nil
}

func newMigrate(db *sqlx.DB) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "migrate postgres driver error")
	}

	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, errors.Wrap(err, "migrate iofs source error")
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, errors.Wrap(err, "new migrate instance error")
	}

	return m, nil
}

// RedisClient returns the Redis client.
func RedisClient() redis.UniversalClient {
	return redisClient
}

// SetRedisClient sets the Redis client.
func SetRedisClient(c redis.UniversalClient) {
	redisClient = c
}

// DB returns the PostgreSQL database object. This returns nil when
// PostgreSQL is not configured.
func DB() *sqlx.DB {
	return db
}

// SetDB sets the PostgreSQL database object.
func SetDB(d *sqlx.DB) {
	db = d
}

// GetRedisKey returns the Redis key given a template and parameters.
func GetRedisKey(tmpl string, params ...interface{}) string {
	return fmt.Sprintf(tmpl, params...)
}

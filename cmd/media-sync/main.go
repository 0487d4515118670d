// Точка входа media-sync — сервера приёма медиафайлов с мобильных клиентов.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/goartstore/media-sync/internal/api/handlers"
	"github.com/bigkaa/goartstore/media-sync/internal/api/middleware"
	"github.com/bigkaa/goartstore/media-sync/internal/config"
	"github.com/bigkaa/goartstore/media-sync/internal/database"
	"github.com/bigkaa/goartstore/media-sync/internal/repository"
	"github.com/bigkaa/goartstore/media-sync/internal/server"
	"github.com/bigkaa/goartstore/media-sync/internal/service"
	"github.com/bigkaa/goartstore/media-sync/internal/storage/blobstore"
	"github.com/bigkaa/goartstore/media-sync/internal/storage/index"
	"github.com/bigkaa/goartstore/media-sync/internal/storage/wal"
	"github.com/bigkaa/goartstore/media-sync/internal/transport"
)

// batchPurgeSize — записей за один запрос очистки
const batchPurgeSize = 100

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("media-sync запускается",
		slog.String("server_name", cfg.ServerName),
		slog.String("version", config.Version),
		slog.Int("sync_port", cfg.SyncPort),
		slog.Int("http_port", cfg.HTTPPort),
		slog.String("ledger", cfg.LedgerDriver),
		slog.Bool("tls", !cfg.TLSDisabled),
	)

	ctx := context.Background()

	// --- Инициализация компонентов ---

	// 1. WAL-движок
	walEngine, err := wal.New(cfg.WALDir, logger)
	if err != nil {
		logger.Error("Ошибка инициализации WAL", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Хранилище блобов
	store, err := blobstore.New(cfg.BlobDir, cfg.TempDir, cfg.MaxStorage)
	if err != nil {
		logger.Error("Ошибка инициализации хранилища", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 3. Журнал медиа и изменений
	var (
		ledger service.Ledger
		pool   *pgxpool.Pool
		sqlDB  *sql.DB
	)
	switch cfg.LedgerDriver {
	case config.LedgerPostgres:
		if err := database.Migrate(cfg, logger); err != nil {
			logger.Error("Ошибка миграций", slog.String("error", err.Error()))
			os.Exit(1)
		}
		pool, err = database.Connect(ctx, cfg, logger)
		if err != nil {
			logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
			os.Exit(1)
		}
		ledger = repository.NewLedger(pool)
		sqlDB = stdlib.OpenDBFromPool(pool)
	default:
		logger.Warn("Журнал в памяти: записи не переживут рестарт")
		ledger = index.New(logger)
	}

	// 4. Восстановление незавершённых WAL-транзакций
	recovered, err := service.RecoverWAL(ctx, walEngine, store, ledger, cfg.TempDir, logger)
	if err != nil {
		logger.Error("Ошибка восстановления WAL", slog.String("error", err.Error()))
		closeDB(pool, sqlDB)
		os.Exit(1)
	}
	logger.Info("WAL восстановлен",
		slog.Int("committed", recovered.Committed),
		slog.Int("rolled_back", recovered.RolledBack),
	)

	// 5. Сервисы
	uploads := service.NewUploadManager(cfg, walEngine, store, ledger, logger)
	if restored, err := uploads.Restore(ctx); err != nil {
		logger.Warn("Ошибка восстановления сессий загрузки", slog.String("error", err.Error()))
	} else if restored > 0 {
		logger.Info("Сессии загрузки восстановлены", slog.Int("count", restored))
	}

	pairing := service.NewPairingService(cfg.PairingToken, logger)
	authSvc, err := service.NewAuthService(cfg, logger)
	if err != nil {
		logger.Error("Ошибка инициализации аутентификации", slog.String("error", err.Error()))
		closeDB(pool, sqlDB)
		os.Exit(1)
	}
	changes := service.NewChangeFeed(ledger, logger)
	media := service.NewMediaService(store, ledger, logger)
	purge := service.NewPurgeService(walEngine, store, ledger, cfg.RetentionPeriod, batchPurgeSize, logger)

	// 6. Фоновые процессы
	scanner := service.NewIntegrityScanner(cfg, store, ledger, logger)
	scanner.Start(ctx)

	maintenance := service.NewMaintenanceService(uploads, purge, walEngine, store, ledger, cfg.CleanupInterval, logger)
	maintenance.Start(ctx)

	// 6.1 topologymetrics — мониторинг зависимостей
	var deps handlers.DependencyHealth
	dephealthSvc, err := service.NewDephealthService(service.DephealthConfig{
		ServiceID:     cfg.ServerName,
		Group:         cfg.DephealthGroup,
		DB:            sqlDB,
		PGConnURL:     cfg.DatabaseURL(),
		JWKSURL:       cfg.JWKSURL,
		CheckInterval: cfg.DephealthCheckInterval,
	}, logger)
	switch {
	case errors.Is(err, service.ErrNoDependencies):
		logger.Info("topologymetrics: внешних зависимостей нет, мониторинг отключён")
		dephealthSvc = nil
	case err != nil:
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
		dephealthSvc = nil
	default:
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
			dephealthSvc = nil
		} else {
			deps = dephealthSvc
			logger.Info("topologymetrics запущен",
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 7. Сервер протокола синхронизации
	syncCfg := transport.Config{
		Addr:           fmt.Sprintf(":%d", cfg.SyncPort),
		MaxConnections: cfg.MaxConnections,
		ConnTimeout:    cfg.ConnTimeout,
		MaxPayload:     cfg.MaxPayload,
	}
	if !cfg.TLSDisabled {
		syncCfg.TLS, err = transport.LoadTLSConfig(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			logger.Error("Ошибка загрузки TLS-сертификата", slog.String("error", err.Error()))
			closeDB(pool, sqlDB)
			os.Exit(1)
		}
	}
	syncSrv := transport.NewServer(syncCfg, uploads, pairing, logger)
	ln, err := syncSrv.Listen()
	if err != nil {
		logger.Error("Ошибка открытия порта синхронизации", slog.String("error", err.Error()))
		closeDB(pool, sqlDB)
		os.Exit(1)
	}

	companions := []func(ctx context.Context) error{
		func(ctx context.Context) error { return syncSrv.Serve(ctx, ln) },
	}

	// 7.1 UDP-анонс DISCOVERY для клиентов в локальной сети
	if cfg.DiscoveryPort > 0 {
		broadcaster, err := transport.NewBroadcaster(transport.DiscoveryConfig{
			Target:     &net.UDPAddr{IP: net.IPv4bcast, Port: cfg.DiscoveryPort},
			Interval:   cfg.DiscoveryInterval,
			ServerName: cfg.ServerName,
			SyncPort:   cfg.SyncPort,
		}, logger)
		if err != nil {
			logger.Warn("Discovery недоступен, запуск без анонса", slog.String("error", err.Error()))
		} else {
			companions = append(companions, broadcaster.Run)
		}
	}

	// 8. Handlers
	health := handlers.NewHealthHandler(cfg.TempDir, cfg.WALDir, ledger)
	if pool != nil {
		health = health.WithDatabase(database.NewReadinessChecker(pool))
	}
	apiHandler := handlers.NewAPIHandler(
		handlers.NewAuthHandler(authSvc, logger),
		handlers.NewChangesHandler(changes, logger),
		handlers.NewMediaHandler(media),
		handlers.NewMaintenanceHandler(scanner, purge, logger),
		handlers.NewSystemHandler(cfg, ledger, store, uploads, syncSrv, deps, logger),
		health,
		server.NewMetricsHandler(),
	)

	// 9. Bearer-аутентификация: сессионные токены и, опционально, JWKS
	jwtAuth, err := middleware.NewJWTAuth(middleware.JWTAuthConfig{
		Secret:  authSvc.Secret(),
		JWKSURL: cfg.JWKSURL,
	}, logger)
	if err != nil {
		logger.Error("Ошибка инициализации JWT", slog.String("error", err.Error()))
		closeDB(pool, sqlDB)
		os.Exit(1)
	}

	// 10. Запуск HTTP API и листенера синхронизации
	srv := server.New(cfg, logger, apiHandler,
		middleware.RequestLogger(logger),
		middleware.MetricsMiddleware(),
		server.JWTAuthWithExclusions(jwtAuth.Middleware(),
			"/health/", "/metrics", "/api/auth/login", "/api/openapi.json"),
	)

	runErr := srv.Run(ctx, companions...)

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")

	scanner.Stop()
	maintenance.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	closeDB(pool, sqlDB)

	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
		os.Exit(1)
	}
	logger.Info("media-sync остановлен")
}

// closeDB закрывает *sql.DB поверх пула и сам пул.
func closeDB(pool *pgxpool.Pool, sqlDB *sql.DB) {
	if sqlDB != nil {
		_ = sqlDB.Close()
	}
	if pool != nil {
		pool.Close()
	}
}

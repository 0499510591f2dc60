package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/imms/imms/internal/audit"
	"github.com/imms/imms/internal/batch"
	"github.com/imms/imms/internal/config"
	"github.com/imms/imms/internal/delta"
	"github.com/imms/imms/internal/domain/immunization"
	"github.com/imms/imms/internal/platform/auth"
	"github.com/imms/imms/internal/platform/db"
	"github.com/imms/imms/internal/platform/middleware"
	"github.com/imms/imms/internal/platform/objstore"
	"github.com/imms/imms/internal/platform/queue"
	"github.com/imms/imms/internal/refdata"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "imms-server",
		Short: "Immunisation events API and batch pipeline",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Immunization CRUD API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func pipelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run the batch file pipeline",
		Long: "Runs file intake, row processing, forwarding, ACK assembly and the\n" +
			"partition orchestrator against an in-process object store. CSV files\n" +
			"dropped into the source directory are submitted to the source bucket;\n" +
			"ACK objects are mirrored back into the ack directory.",
		RunE: func(cmd *cobra.Command, args []string) error {
			sourceDir, _ := cmd.Flags().GetString("source-dir")
			ackDir, _ := cmd.Flags().GetString("ack-dir")
			return runPipeline(sourceDir, ackDir)
		},
	}
	cmd.Flags().String("source-dir", "./source", "Directory watched for submitted CSV files (empty disables)")
	cmd.Flags().String("ack-dir", "./ack", "Directory ACK files are written to (empty disables)")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(migrateUpCmd(), migrateStatusCmd())
	return cmd
}

// withPool loads the configuration, opens the connection pool, and hands it
// to fn, closing the pool afterwards.
func withPool(fn func(ctx context.Context, pool *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool)
}

func migrateUpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			target, _ := cmd.Flags().GetInt("to")
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				ran, err := db.NewMigrator(pool, dir).UpTo(ctx, target)
				if err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				fmt.Printf("applied %d migration(s)\n", ran)
				return nil
			})
		},
	}
	cmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.Flags().Int("to", 0, "Apply migrations up to this version (0 applies all)")
	return cmd
}

func migrateStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List known migrations and whether they have run",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool, dir).Status(ctx)
				if err != nil {
					return fmt.Errorf("migrate status: %w", err)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tNAME\tSTATE\tAPPLIED AT")
				for _, s := range statuses {
					state, at := "pending", ""
					if s.Applied {
						state = "applied"
						if s.AppliedAt != nil {
							at = s.AppliedAt.Format(time.DateTime)
						}
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Version, s.Name, state, at)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// openCache connects the reference cache. Without a REDIS_URL a development
// process falls back to seeded in-memory data so the full loop runs
// standalone; outside development Redis is required.
func openCache(cfg *config.Config, logger zerolog.Logger) (refdata.Cache, error) {
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		return refdata.NewRedisCache(redis.NewClient(opts)), nil
	}
	if !cfg.IsDev() {
		return nil, fmt.Errorf("REDIS_URL is required outside development")
	}
	logger.Warn().Msg("REDIS_URL not set, using seeded in-memory reference data")
	return devCache(), nil
}

// devCache seeds the mappings a local end-to-end run needs.
func devCache() *refdata.MemoryCache {
	cache := refdata.NewMemoryCache()
	cache.SetSupplierForODS("YGM41", "EMIS")
	cache.SetSupplierForODS("8J1100001", "TPP")
	cache.SetPermissions("EMIS", "COVID19_FULL", "FLU_FULL")
	cache.SetPermissions("TPP", "FLU_CREATE", "FLU_UPDATE")
	cache.SetVaccineTypeDiseases("COVID19", "840539006")
	cache.SetVaccineTypeDiseases("FLU", "6142004")
	return cache
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	cache, err := openCache(cfg, logger)
	if err != nil {
		return err
	}

	projector := delta.NewProjector(delta.NewRepoPG(pool), logger)
	svc := immunization.NewService(immunization.NewRepoPG(pool), cache, projector)
	handler := immunization.NewHandler(svc, cfg.BaseURL)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(29 * time.Second))

	api := e.Group("",
		auth.SupplierJWT(auth.SupplierJWTConfig{Secret: []byte(cfg.SupplierJWTSecret)}),
		middleware.AccessLog(logger, nil))
	handler.RegisterRoutes(api)
	e.RouteNotFound("/*", immunization.NotFound)

	e.GET("/_ping", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "pass"})
	})
	e.GET("/_status", db.StatusHandler(pool, cache))

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runPipeline(sourceDir, ackDir string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	cache, err := openCache(cfg, logger)
	if err != nil {
		return err
	}

	store := objstore.NewMemoryStore()
	files := queue.NewMemoryFileQueue()
	stream := queue.NewMemoryRecordStream()
	auditRepo := audit.NewRetrying(audit.NewRepoPG(pool), 0)

	projector := delta.NewProjector(delta.NewRepoPG(pool), logger)
	svc := immunization.NewService(immunization.NewRepoPG(pool), cache, projector)
	applier := immunization.NewBatchApplier(svc)

	intake := batch.NewIntake(store, cache, auditRepo, files, cfg.FileQueueName,
		time.Duration(cfg.AuditTTLDays)*24*time.Hour, logger)
	orch := batch.NewOrchestrator(batch.OrchestratorConfig{
		Files:        files,
		FileQueue:    cfg.FileQueueName,
		Store:        store,
		SourceBucket: cfg.SourceBucket,
		Cache:        cache,
		Audit:        auditRepo,
		Processor:    batch.NewRowProcessor(cache),
		Forwarder:    batch.NewForwarder(stream, logger),
		Assembler:    batch.NewAssembler(stream, store, cfg.AckBucket, auditRepo, applier, cfg.AckFlushRows, logger),
		Workers:      cfg.QueueWorkers,
		WatchdogAge:  time.Duration(cfg.FileWatchdogMinutes) * time.Minute,
		Logger:       logger,
	})

	events := store.Watch(cfg.SourceBucket)
	go func() {
		if err := intake.Run(ctx, events); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("intake stopped")
		}
	}()

	if ackDir != "" {
		if err := os.MkdirAll(ackDir, 0o755); err != nil {
			return fmt.Errorf("create ack dir: %w", err)
		}
		go mirrorAcks(ctx, store, cfg.AckBucket, ackDir, logger)
	}
	if sourceDir != "" {
		if err := os.MkdirAll(sourceDir, 0o755); err != nil {
			return fmt.Errorf("create source dir: %w", err)
		}
		go func() {
			if err := watchSourceDir(ctx, sourceDir, store, cfg.SourceBucket, logger); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("source watcher stopped")
			}
		}()
	}

	logger.Info().Str("queue", cfg.FileQueueName).Msg("pipeline running")
	if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info().Msg("pipeline stopped")
	return nil
}

// watchSourceDir submits CSV files dropped into dir to the source bucket. A
// file is uploaded once its writes have settled; rewriting an already
// submitted name does not resubmit it.
func watchSourceDir(ctx context.Context, dir string, store objstore.Store, bucket string, log zerolog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	log.Info().Str("dir", dir).Msg("watching for CSV submissions")

	pending := map[string]time.Time{}
	submitted := map[string]bool{}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !strings.EqualFold(filepath.Ext(ev.Name), ".csv") {
				continue
			}
			pending[ev.Name] = time.Now()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("source watcher error")
		case now := <-ticker.C:
			for name, last := range pending {
				if now.Sub(last) < time.Second {
					continue
				}
				delete(pending, name)
				if submitted[name] {
					continue
				}
				if err := submitFile(ctx, store, bucket, name); err != nil {
					log.Error().Err(err).Str("file", name).Msg("submission failed")
					continue
				}
				submitted[name] = true
				log.Info().Str("file", filepath.Base(name)).Msg("submitted to source bucket")
			}
		}
	}
}

func submitFile(ctx context.Context, store objstore.Store, bucket, name string) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = store.Put(ctx, bucket, filepath.Base(name), f)
	return err
}

// mirrorAcks writes every object appearing in the ack bucket to dir. The
// assembler rewrites an ACK object on each flush, so the local file is
// replaced until its submission completes.
func mirrorAcks(ctx context.Context, store *objstore.MemoryStore, bucket, dir string, log zerolog.Logger) {
	events := store.Watch(bucket)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			body, _, err := store.Get(ctx, ev.Bucket, ev.Key)
			if err != nil {
				log.Error().Err(err).Str("key", ev.Key).Msg("read ack object")
				continue
			}
			data, err := io.ReadAll(body)
			body.Close()
			if err != nil {
				log.Error().Err(err).Str("key", ev.Key).Msg("read ack object")
				continue
			}
			if err := os.WriteFile(filepath.Join(dir, path.Base(ev.Key)), data, 0o644); err != nil {
				log.Error().Err(err).Str("key", ev.Key).Msg("write ack file")
				continue
			}
			log.Debug().Str("key", ev.Key).Msg("ack mirrored")
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GrainArc/SouceGate/catalog"
	"github.com/GrainArc/SouceGate/config"
	"github.com/GrainArc/SouceGate/geoserver"
	"github.com/GrainArc/SouceGate/models"
	"github.com/GrainArc/SouceGate/pgmvt"
	"github.com/GrainArc/SouceGate/routers"
	"github.com/GrainArc/SouceGate/services"
	"github.com/GrainArc/SouceGate/views"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	pretty     bool
	debug      bool
)

func main() {
	root := &cobra.Command{
		Use:           "soucegate",
		Short:         "Publish uploaded GIS files to GeoServer and martin",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogger()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.xml", "path to config.xml")
	root.PersistentFlags().BoolVar(&pretty, "pretty", false, "human readable console logs")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logs")

	root.AddCommand(serveCmd(), migrateCmd(), martinConfigCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func setupLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	zerolog.DefaultContextLogger = &log.Logger
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Info().Str("config", configPath).Msg("config loaded")
	return cfg, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the catalog tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if _, err := models.InitDB(cfg.Database); err != nil {
				return err
			}
			log.Info().Msg("catalog migrated")
			return nil
		},
	}
}

func martinConfigCmd() *cobra.Command {
	var write bool
	cmd := &cobra.Command{
		Use:   "martin-config",
		Short: "Print the generated martin configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tiles := services.NewTileServerManager(cfg.Martin, cfg.Database, nil)
			if write {
				return tiles.WriteConfig()
			}
			data, err := tiles.RenderConfig()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().BoolVarP(&write, "write", "w", false, "write to the configured path instead of stdout")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and supervise martin",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx = log.Logger.WithContext(ctx)
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	db, err := models.InitDB(cfg.Database)
	if err != nil {
		return err
	}
	repo := catalog.New(db)
	if _, err := repo.EnsureWorkspace(ctx, cfg.GeoServer.DefaultWorkspace); err != nil {
		return err
	}

	pool, err := pgmvt.Connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()
	store := pgmvt.NewStore(pool, cfg.Martin.Schema)

	geo := geoserver.NewClient(cfg.GeoServer, nil)
	if ok, err := geo.IsHealthOk(ctx); err != nil || !ok {
		log.Ctx(ctx).Warn().Err(err).Str("url", geo.BaseURL()).Msg("geoserver is not reachable, publishing to it will fail")
	}

	tiles := services.NewTileServerManager(cfg.Martin, cfg.Database, services.NewExecRunner())
	if _, err := tiles.Refresh(ctx); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("martin failed to start, continuing in degraded mode")
	}
	defer tiles.Stop(context.WithoutCancel(ctx))

	raster := services.NewRasterService(cfg.Raster, cfg.Martin.MBTilesDir, cfg.Storage.Temp)
	publisher := services.NewPublishService(repo, store, tiles, geo, raster, services.PublishOptions{
		Workspace: cfg.GeoServer.DefaultWorkspace,
		PostGIS: geoserver.PostGISConnection{
			Host:     cfg.GeoServer.PostGISHost,
			Port:     cfg.GeoServer.PostGISPort,
			Database: cfg.Database.Dbname,
			Schema:   cfg.Martin.Schema,
			User:     cfg.Database.Username,
			Password: cfg.Database.Password,
		},
		TempDir:      cfg.Storage.Temp,
		TableIDRegex: cfg.Martin.IDRegex,
	})

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	routers.GeoRouters(r, routers.Handlers{
		Publish: views.NewPublishHandler(publisher),
		Scenes:  views.NewSceneHandler(services.NewSceneService(repo)),
		Files:   views.NewFileController(services.NewFileService(repo, cfg.Storage.Download)),
		Martin:  views.NewMartinHandler(tiles),
	})

	srv := &http.Server{
		Addr:              cfg.MainRouter,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Ctx(ctx).Info().Str("addr", cfg.MainRouter).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Ctx(ctx).Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"matchstream/internal/finalize"
	"matchstream/internal/orchestrator"
	"matchstream/internal/platform/config"
	"matchstream/internal/platform/logger"
	"matchstream/internal/platform/metrics"
	"matchstream/internal/playlist"
	"matchstream/internal/session"
	signaling "matchstream/internal/signal"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	root := config.GetEnv("STORAGE_ROOT", "./storage")
	baseURL := config.GetEnv("PUBLIC_BASE_URL", "http://localhost:"+port)
	scanInterval := config.GetEnvDuration("SCAN_INTERVAL", playlist.DefaultScanInterval)
	segment := time.Duration(config.GetEnvInt("DEFAULT_SEGMENT_DURATION_MS", int(session.DefaultSegmentDuration/time.Millisecond))) * time.Millisecond
	ffmpegPath := config.GetEnv("FFMPEG_PATH", "ffmpeg")
	encoderTimeout := config.GetEnvDuration("ENCODER_TIMEOUT", finalize.DefaultEncoderTimeout)
	deleteChunks := config.GetEnvBool("DELETE_CHUNKS_AFTER_FINALIZE", false)
	callbackURL := config.GetEnv("FINALIZE_CALLBACK_URL", "")
	iceURLs := config.GetEnvList("ICE_SERVERS", nil)
	rateLimit := config.GetEnvInt("SIGNAL_RATE_LIMIT", signaling.DefaultRateLimit)

	log := logger.New(logLevel, logFormat)

	if err := os.MkdirAll(root, 0o755); err != nil {
		log.Error("storage root unusable", slog.String("root", root), slog.String("error", err.Error()))
		os.Exit(1)
	}

	met := metrics.New()
	store := session.NewStore(root)

	finOpts := []finalize.Option{
		finalize.WithLogger(log),
		finalize.WithMetrics(met),
		finalize.WithDeleteChunks(deleteChunks),
	}
	s3cfg := finalize.S3Config{
		Endpoint:  config.GetEnv("S3_ENDPOINT", ""),
		Bucket:    config.GetEnv("S3_BUCKET", ""),
		AccessKey: config.GetEnv("S3_ACCESS_KEY", ""),
		SecretKey: config.GetEnv("S3_SECRET_KEY", ""),
		UseSSL:    config.GetEnvBool("S3_USE_SSL", true),
		Prefix:    config.GetEnv("S3_PREFIX", ""),
		PublicURL: config.GetEnv("S3_PUBLIC_URL", ""),
	}
	if s3cfg.Enabled() {
		pub, err := finalize.NewS3Publisher(s3cfg)
		if err != nil {
			log.Error("s3 publisher", slog.String("error", err.Error()))
			os.Exit(1)
		}
		finOpts = append(finOpts, finalize.WithPublisher(pub))
	}
	if callbackURL != "" {
		finOpts = append(finOpts, finalize.WithNotifier(finalize.NewHTTPNotifier(callbackURL)))
	}
	fin := finalize.New(store, finalize.NewFFmpegEncoder(ffmpegPath, encoderTimeout, log), finOpts...)

	builder := playlist.NewBuilder(store, log,
		playlist.WithInterval(scanInterval),
		playlist.WithMetrics(met),
		playlist.WithDefaultSegment(segment),
		playlist.WithWatch(true),
	)

	repo := orchestrator.NewFileRepository(store, log)
	svc := orchestrator.NewService(repo, fin, baseURL, segment)
	h := orchestrator.NewHandler(svc, log, met)

	relay := signaling.NewRelay(signaling.RoomTable{},
		signaling.WithRelayLogger(log),
		signaling.WithRelayMetrics(met),
	)
	mailbox := signaling.NewInMemoryMailbox(signaling.DefaultMailboxSize, nil)
	var iceServers []signaling.ICEServer
	if len(iceURLs) > 0 {
		iceServers = signaling.ICEServersFromURLs(iceURLs)
	}
	sigHandler := signaling.NewHandler(relay, mailbox, iceServers, rateLimit, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			met.SetActiveSessions(repo.ActiveSessionCount())
			rooms := mailbox.ActiveRooms()
			if n, err := relay.ActiveRooms(r.Context()); err == nil {
				rooms += n
			}
			met.SetActiveRooms(rooms)
		}).ServeHTTP(w, r)
	})
	h.Routes(r)
	r.Route("/signal", sigHandler.Routes)

	srv := &http.Server{Addr: ":" + port, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return builder.Run(gctx) })
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("server starting",
		slog.String("port", port),
		slog.String("storage_root", root),
		slog.String("public_base_url", baseURL),
		slog.Duration("scan_interval", scanInterval),
		slog.String("log_level", logLevel),
		slog.Bool("s3_enabled", s3cfg.Enabled()),
	)

	if err := g.Wait(); err != nil {
		log.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("server stopped")
}

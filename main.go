package main

import (
	"context"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"cleanreport/config"
	"cleanreport/internal/adapters/bitrix"
	"cleanreport/internal/adapters/telegram"
	"cleanreport/internal/caption"
	"cleanreport/internal/db"
	"cleanreport/internal/dedup"
	"cleanreport/internal/handlers"
	"cleanreport/internal/retry"
	"cleanreport/internal/services"
	"cleanreport/pkg/logger"
)

func main() {
	logger.InitLogger()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	folderLinks := db.NewFolderLinkStore(conn)
	stageSnapshots := db.NewStageSnapshotStore(conn)

	crm, err := bitrix.NewClient(cfg.BitrixWebhookURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Bitrix client")
	}

	sender, err := telegram.NewSender(cfg.TelegramBotToken, cfg.TelegramChatID, cfg.BatchSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Telegram sender")
	}

	captions := caption.WithFallback(
		caption.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.CaptionTimeout),
		caption.StaticProvider{},
	)

	verifyPolicy := retry.Policy{
		Attempts: 1 + cfg.UploadRetries,
		Backoff:  retry.ConstantBackoff(2 * time.Second),
	}
	attacher := services.NewAttacher(crm, cfg.FileFieldCode, verifyPolicy)

	fields := services.FieldCodes{
		Files:   cfg.FileFieldCode,
		Folder:  cfg.FolderFieldCode,
		Address: cfg.AddressFieldCode,
	}
	pipeline := services.NewReportSyncService(
		crm,
		attacher,
		captions,
		sender,
		services.NewFileFilter(cfg.MaxFileSizeMB, services.PhotoExtensions),
		services.NewFileFilter(cfg.MaxFileSizeMB, services.VideoExtensions),
		folderLinks,
		fields,
		cfg.CaptionTimeout,
	)

	guard := dedup.NewGuard(cfg.DedupWindow)
	resolver := services.NewStageResolver(crm)

	if cfg.PollSchedule != "" {
		watcher := services.NewDealWatcher(crm, resolver, stageSnapshots, guard, pipeline, cfg.TargetStageName)
		scheduler := cron.New()
		if _, err := scheduler.AddFunc(cfg.PollSchedule, func() {
			if err := watcher.RunOnce(context.Background()); err != nil {
				log.Error().Err(err).Msg("Deal watcher pass failed")
			}
		}); err != nil {
			log.Fatal().Err(err).Str("schedule", cfg.PollSchedule).Msg("Invalid poll schedule")
		}
		scheduler.Start()
		log.Info().Str("schedule", cfg.PollSchedule).Msg("Deal watcher scheduled")
	}

	handler := handlers.NewWebhookHandler(
		guard,
		resolver,
		crm,
		folderLinks,
		pipeline,
		cfg.BitrixAppToken,
		cfg.TargetStageName,
	)

	log.Info().Str("port", cfg.Port).Msg("Server starting")
	if err := http.ListenAndServe(":"+cfg.Port, handlers.NewRouter(handler)); err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
}

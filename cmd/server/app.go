package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mama165/sdk-go/logs"

	"hakanai/internal/attachment"
	"hakanai/internal/config"
	"hakanai/internal/database"
	"hakanai/internal/model"
	"hakanai/internal/store"
)

// overrides holds command-line flags that take precedence over the environment.
type overrides struct {
	port  string
	store string
}

// app holds the long-lived dependencies shared by every command.
type app struct {
	cfg         config.Config
	log         *slog.Logger
	store       store.Store
	attachments attachment.Store
}

func setup(ctx context.Context, o overrides) (*app, error) {
	// 環境変数を読み込み
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if o.port != "" {
		cfg.ServerPort = o.port
	}
	if o.store != "" {
		cfg.StoreBackend = o.store
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	attachments, err := openAttachments(ctx, cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &app{cfg: cfg, log: log, store: st, attachments: attachments}, nil
}

func (a *app) close() {
	a.log.Info("Closing message store...")
	if err := a.store.Close(); err != nil {
		a.log.Error("❌ Failed to close message store", "error", err)
	}
}

func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (store.Store, error) {
	if cfg.StoreBackend == "badger" {
		st, err := store.OpenBadgerStore(cfg.BadgerPath, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		log.Info("✅ Badger store opened", "path", cfg.BadgerPath)
		return st, nil
	}

	// データベース接続を初期化
	db, _, err := database.Init(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return store.NewSQLStore(db, log), nil
}

func openAttachments(ctx context.Context, cfg config.Config) (attachment.Store, error) {
	if cfg.AttachmentBackend == "s3" {
		return attachment.NewS3Store(ctx, attachment.S3StoreConfig{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			Prefix:          cfg.S3Prefix,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			UsePathStyle:    cfg.S3UsePathStyle,
			PresignTTL:      cfg.S3PresignTTL,
		})
	}
	return attachment.NewLocalStore(cfg.UploadDir, cfg.UploadURLPrefix)
}

// noBroadcast drops deletion events when no connections can exist.
type noBroadcast struct{}

func (noBroadcast) BroadcastAll(model.Event) {}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"ticketforge/server/internal/config"
	"ticketforge/server/internal/gitrepo"
	"ticketforge/server/internal/notify"
	"ticketforge/server/internal/search"
	"ticketforge/server/internal/service"
	"ticketforge/server/internal/store"
)

func main() {
	reindex := pflag.StringSlice("reindex", nil, "rebuild the search index for the named repositories and exit")
	pflag.Parse()

	cfg := config.Load()
	ctx := context.Background()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}
	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatalf("failed to create repos dir: %v", err)
	}

	var journals store.JournalStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis journal backend")
		redisStore, err := store.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		journals = redisStore
	} else {
		log.Printf("Using filesystem journal backend at %s", cfg.DataDir)
		fileStore, err := store.NewFileStore(cfg.DataDir)
		if err != nil {
			log.Fatalf("filesystem backend failed: %v", err)
		}
		journals = fileStore
	}
	defer journals.Close()

	opts := []service.Option{
		service.WithCacheTTL(cfg.CacheTTL),
		service.WithDiffStatter(gitrepo.New(cfg.ReposDir)),
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		opts = append(opts, service.WithIndexer(meiliClient))
	}

	mailer := notify.NewMailer(notify.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		Domain:   cfg.MailDomain,
	})
	if mailer.IsConfigured() {
		opts = append(opts, service.WithNotifier(mailer))
	}

	tickets := service.New(journals, cfg.ConfigDir, opts...)

	if len(*reindex) > 0 {
		if meiliClient == nil {
			log.Fatalf("reindex requested but MEILI_URL is not configured")
		}
		tickets.ReindexAll(ctx, *reindex)
		return
	}

	mailTicker := time.NewTicker(cfg.MailInterval)
	defer mailTicker.Stop()
	go func() {
		for range mailTicker.C {
			tickets.SendNotifications()
		}
	}()

	log.Printf("ticketd running")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	tickets.SendNotifications()
	log.Printf("ticketd stopped")
}

package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"wasteland-tarot/internal/repository"
)

const (
	staleSessionIdleFor     = 72 * time.Hour
	staleReminderInterval   = 7 * 24 * time.Hour
	abandonedRetention      = 30 * 24 * time.Hour
	digestPollInterval      = 1 * time.Hour
	staleReminderSentPrefix = "stale_reminder_sent:"
)

// DigestScheduler nudges dwellers back to readings they walked away
// from and purges sessions nobody is coming back for.
type DigestScheduler struct {
	sessionRepo *repository.SessionRepo
	redis       *redis.Client
	email       *EmailService
	stopChan    chan struct{}
}

func NewDigestScheduler(sessionRepo *repository.SessionRepo, redisClient *redis.Client, email *EmailService) *DigestScheduler {
	return &DigestScheduler{
		sessionRepo: sessionRepo,
		redis:       redisClient,
		email:       email,
		stopChan:    make(chan struct{}),
	}
}

func (s *DigestScheduler) Start() {
	if s.sessionRepo == nil || s.email == nil {
		return
	}

	go s.loop(func(ctx context.Context) {
		s.sendStaleReminders(ctx)
	})
	go s.loop(func(ctx context.Context) {
		s.purgeAbandoned(ctx)
	})

	log.Printf("Digest scheduler started")
}

func (s *DigestScheduler) Stop() {
	select {
	case <-s.stopChan:
		return
	default:
		close(s.stopChan)
	}
}

func (s *DigestScheduler) loop(runFn func(ctx context.Context)) {
	// Run on startup as well as by interval.
	runFn(context.Background())

	ticker := time.NewTicker(digestPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			runFn(context.Background())
		}
	}
}

func (s *DigestScheduler) sendStaleReminders(ctx context.Context) {
	owners, err := s.sessionRepo.ListStaleOwners(ctx, staleSessionIdleFor)
	if err != nil {
		log.Printf("stale reminders: failed to list owners: %v", err)
		return
	}

	for _, owner := range owners {
		sentKey := staleReminderSentPrefix + owner.UserID.String()
		exists, _ := s.redis.Exists(ctx, sentKey).Result()
		if exists > 0 {
			continue
		}

		if err := s.email.SendStaleSessionEmail(owner.Email, owner.VaultName, owner.SessionCount); err != nil {
			log.Printf("stale reminders: failed to send to %s: %v", owner.Email, err)
			continue
		}

		if err := s.redis.Set(ctx, sentKey, "1", staleReminderInterval).Err(); err != nil {
			log.Printf("stale reminders: failed to record send for user %s: %v", owner.UserID, err)
		}
	}
}

func (s *DigestScheduler) purgeAbandoned(ctx context.Context) {
	purged, err := s.sessionRepo.PurgeAbandoned(ctx, abandonedRetention)
	if err != nil {
		log.Printf("session purge: %v", err)
		return
	}
	if purged > 0 {
		log.Printf("session purge: removed %d abandoned sessions", purged)
	}
}

func (s *EmailService) SendStaleSessionEmail(to, vaultName string, count int) error {
	resumeURL := fmt.Sprintf("%s/sessions", s.frontendURL)

	plural := "reading"
	if count > 1 {
		plural = "readings"
	}
	subject := fmt.Sprintf("The cards are still on the table, %s", vaultName)
	body := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body style="font-family: 'Courier New', monospace; margin: 0; padding: 0; background-color: #0b0f0a;">
  <div style="max-width: 480px; margin: 40px auto; background: #111810; border: 1px solid #2f7d32; border-radius: 4px; overflow: hidden;">
    <div style="background: #14301a; padding: 32px; text-align: center; border-bottom: 1px solid #2f7d32;">
      <h1 style="color: #5eff6c; margin: 0; font-size: 24px; font-weight: 700;">WASTELAND TAROT</h1>
    </div>
    <div style="padding: 32px;">
      <h2 style="margin: 0 0 16px; font-size: 20px; color: #5eff6c;">Unfinished Business</h2>
      <p style="color: #8fcf96; font-size: 14px; line-height: 1.6; margin: 0 0 24px;">
        You have %d unfinished %s waiting at the card table. The wasteland keeps its secrets, but not forever.
      </p>
      <a href="%s" style="display: inline-block; background: #2f7d32; color: #eaffea; text-decoration: none; padding: 12px 32px; border-radius: 4px; font-weight: 600; font-size: 14px;">
        Resume Reading
      </a>
      <p style="color: #5a8c60; font-size: 12px; margin: 24px 0 0;">
        Sessions untouched for 30 days are swept from the table.
      </p>
    </div>
  </div>
</body>
</html>`, count, plural, resumeURL)

	return s.sendHTML(to, subject, body)
}

package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler управляет запланированными задачами
type Scheduler struct {
	cron      *cron.Cron
	ctx       context.Context
	cancel    context.CancelFunc
	pruneFunc func(ctx context.Context) error
}

// New создает новый планировщик
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetPruneFunction устанавливает функцию очистки старых чатов
func (s *Scheduler) SetPruneFunction(f func(ctx context.Context) error) {
	s.pruneFunc = f
}

// Start запускает планировщик
func (s *Scheduler) Start() error {
	if s.pruneFunc == nil {
		log.Println("⚠️ Prune function not set, scheduler will not clean up conversations")
		return nil
	}

	// Ежедневно в 03:00 UTC
	_, err := s.cron.AddFunc("0 3 * * *", func() {
		log.Println("🕒 Triggered nightly conversation cleanup at 03:00 UTC")
		if err := s.pruneFunc(s.ctx); err != nil {
			log.Printf("❌ Conversation cleanup failed: %v", err)
		}
	})

	if err != nil {
		return err
	}

	s.cron.Start()
	log.Println("📅 Scheduler started - conversation cleanup runs at 03:00 UTC")
	return nil
}

// Stop останавливает планировщик
func (s *Scheduler) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
	if s.cancel != nil {
		s.cancel()
	}
	log.Println("📅 Scheduler stopped")
}

// IsRunning проверяет, запущен ли планировщик
func (s *Scheduler) IsRunning() bool {
	return s.cron != nil && len(s.cron.Entries()) > 0
}

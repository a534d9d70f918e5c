package scheduler

import (
	"context"
	"time"

	"invoice_dispatch_bot/internal/app"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// runTimeout bounds one scheduled dispatch run.
const runTimeout = 10 * time.Minute

// DispatchScheduler triggers the decision engine on a cron spec, once per
// scheduled week. Cancellation is coarse: an interrupted run may leave some
// organizations undecided, and because dispatch is recorded only after a
// confirmed send, the next scheduled run is always safe to repeat.
type DispatchScheduler struct {
	cronEngine *cron.Cron
	service    *app.DispatchService
	notifier   app.Notifier // optional
	log        *logrus.Logger
	cronSpec   string
}

func NewDispatchScheduler(
	service *app.DispatchService,
	notifier app.Notifier,
	log *logrus.Logger,
	cronSpec string, // e.g. "0 16 * * 5" (4:00 PM every Friday)
) *DispatchScheduler {
	return &DispatchScheduler{
		cronEngine: cron.New(cron.WithLocation(time.Local)),
		service:    service,
		notifier:   notifier,
		log:        log,
		cronSpec:   cronSpec,
	}
}

// Start registers the weekly job and starts the cron engine.
func (s *DispatchScheduler) Start() error {
	_, err := s.cronEngine.AddFunc(s.cronSpec, func() {
		s.log.WithField("cron_spec", s.cronSpec).Info("Cron job triggered for weekly dispatch run")
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()

		report, err := s.service.Run(ctx, time.Now())
		if err != nil {
			s.log.WithError(err).Error("Weekly dispatch run failed")
			if report == nil {
				return
			}
		}
		if s.notifier != nil {
			if err := s.notifier.NotifyRunSummary(report.Summary()); err != nil {
				s.log.WithError(err).Warn("Could not deliver run summary notification")
			}
		}
	})
	if err != nil {
		return err
	}

	s.cronEngine.Start()
	s.log.WithField("cron_spec", s.cronSpec).Info("Dispatch scheduler started")
	return nil
}

// Stop stops the cron engine and waits for a running job to finish.
func (s *DispatchScheduler) Stop() {
	s.log.Info("Stopping dispatch scheduler...")
	ctx := s.cronEngine.Stop()
	<-ctx.Done()
	s.log.Info("Dispatch scheduler gracefully stopped")
}

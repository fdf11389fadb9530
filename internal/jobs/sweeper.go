package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"meshid/api/internal/metrics"
	"meshid/api/internal/repository"
)

// Sweeper enforces the time-based invariants of the credential store. Every
// step is a set-based conditional write and is safe to run next to live
// requests and other sweeps.
type Sweeper struct {
	store        repository.Store
	devices      DeviceCleaner
	inactiveDays int
	log          zerolog.Logger
	now          func() time.Time
}

// DeviceCleaner removes devices that have not been seen for a number of days
// and hold no active certificate.
type DeviceCleaner interface {
	CleanupInactive(ctx context.Context, days int) (int64, error)
}

func NewSweeper(store repository.Store, log zerolog.Logger) *Sweeper {
	return &Sweeper{store: store, log: log, now: time.Now}
}

// WithDeviceCleanup adds an inactive device step to every run.
func (s *Sweeper) WithDeviceCleanup(devices DeviceCleaner, days int) *Sweeper {
	s.devices = devices
	s.inactiveDays = days
	return s
}

// SweepActivations deletes expired activations and, in the same
// transaction, the users behind them that are still PENDING.
func (s *Sweeper) SweepActivations(ctx context.Context) (activations int, users int64, err error) {
	now := s.now()
	err = s.store.WithinTx(ctx, func(tx repository.Store) error {
		ids, err := tx.Activations().DeleteExpired(ctx, now)
		if err != nil {
			return fmt.Errorf("delete expired activations: %w", err)
		}
		activations = len(ids)
		if len(ids) == 0 {
			return nil
		}
		users, err = tx.Users().DeletePending(ctx, ids)
		if err != nil {
			return fmt.Errorf("delete pending users: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return activations, users, nil
}

func (s *Sweeper) SweepSessions(ctx context.Context) (int64, error) {
	return s.store.Sessions().DeleteExpired(ctx, s.now())
}

func (s *Sweeper) SweepEnrollmentTokens(ctx context.Context) (int64, error) {
	return s.store.EnrollmentTokens().DeleteExpired(ctx, s.now())
}

func (s *Sweeper) SweepPasswordResets(ctx context.Context) (int64, error) {
	return s.store.PasswordResets().DeleteExpired(ctx, s.now())
}

// ExpireCertificates flips ACTIVE certificates past notAfter to EXPIRED.
func (s *Sweeper) ExpireCertificates(ctx context.Context) (int64, error) {
	return s.store.Certificates().ExpireActive(ctx, s.now())
}

type step struct {
	name string
	run  func(ctx context.Context) (map[string]int64, error)
}

func (s *Sweeper) steps() []step {
	single := func(kind string, fn func(context.Context) (int64, error)) func(context.Context) (map[string]int64, error) {
		return func(ctx context.Context) (map[string]int64, error) {
			n, err := fn(ctx)
			return map[string]int64{kind: n}, err
		}
	}
	steps := []step{
		{name: "activations", run: func(ctx context.Context) (map[string]int64, error) {
			a, u, err := s.SweepActivations(ctx)
			return map[string]int64{"activations": int64(a), "pending_users": u}, err
		}},
		{name: "sessions", run: single("sessions", s.SweepSessions)},
		{name: "enrollment_tokens", run: single("enrollment_tokens", s.SweepEnrollmentTokens)},
		{name: "password_resets", run: single("password_resets", s.SweepPasswordResets)},
		{name: "certificates", run: single("expired_certificates", s.ExpireCertificates)},
	}
	if s.devices != nil {
		steps = append(steps, step{name: "devices", run: single("inactive_devices", func(ctx context.Context) (int64, error) {
			return s.devices.CleanupInactive(ctx, s.inactiveDays)
		})})
	}
	return steps
}

// Run executes every sweep step. A failing step is logged and does not stop
// the remaining ones; the joined step errors are returned.
func (s *Sweeper) Run(ctx context.Context) error {
	var errs []error
	for _, st := range s.steps() {
		counts, err := st.run(ctx)
		if err != nil {
			metrics.SweeperRuns.WithLabelValues(st.name, "error").Inc()
			s.log.Error().Err(err).Str("step", st.name).Msg("sweep step failed")
			errs = append(errs, fmt.Errorf("%s: %w", st.name, err))
			continue
		}

		metrics.SweeperRuns.WithLabelValues(st.name, "ok").Inc()
		var total int64
		fields := make(map[string]interface{}, len(counts))
		for kind, n := range counts {
			metrics.SweeperRows.WithLabelValues(kind).Add(float64(n))
			fields[kind] = n
			total += n
		}

		ev := s.log.Debug()
		if total > 0 {
			ev = s.log.Info()
		}
		ev.Str("step", st.name).Fields(fields).Msg("sweep step done")
	}
	return errors.Join(errs...)
}

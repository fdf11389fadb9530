package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshid/api/internal/models"
	"meshid/api/internal/repository"
	"meshid/api/internal/repository/memstore"
	"meshid/api/internal/service"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newSweeper(store repository.Store, now time.Time) *Sweeper {
	s := NewSweeper(store, zerolog.Nop())
	s.now = func() time.Time { return now }
	return s
}

func createPending(t *testing.T, store repository.Store, id string, expiresAt time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Users().Create(ctx, models.User{
		ID: id, Email: id + "@example.com", Nickname: id, Status: models.UserStatusPending,
	}))
	require.NoError(t, store.Activations().Replace(ctx, models.AccountActivation{
		ID: "act-" + id, UserID: id, Token: "tok-" + id, ExpiresAt: expiresAt,
	}))
}

func TestSweepActivationsRemovesPendingUsers(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	createPending(t, store, "stale", t0.Add(-time.Minute))
	createPending(t, store, "fresh", t0.Add(time.Minute))

	activations, users, err := newSweeper(store, t0).SweepActivations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, activations)
	assert.EqualValues(t, 1, users)

	_, err = store.Users().GetByID(ctx, "stale")
	assert.ErrorIs(t, err, repository.ErrUserNotFound)
	_, err = store.Users().GetByID(ctx, "fresh")
	assert.NoError(t, err)
}

func TestSweepNeverDeletesActivatedUser(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	createPending(t, store, "u1", t0.Add(time.Second))

	// Activation at T consumes the row and flips the user in one transaction.
	require.NoError(t, store.WithinTx(ctx, func(tx repository.Store) error {
		if _, err := tx.Activations().Consume(ctx, "tok-u1"); err != nil {
			return err
		}
		return tx.Users().UpdateStatus(ctx, "u1", models.UserStatusPending, models.UserStatusActive)
	}))

	activations, users, err := newSweeper(store, t0.Add(2*time.Second)).SweepActivations(ctx)
	require.NoError(t, err)
	assert.Zero(t, activations)
	assert.Zero(t, users)

	user, err := store.Users().GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.UserStatusActive, user.Status)
}

func TestSweepActivationsKeepsNonPendingUser(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	createPending(t, store, "u1", t0.Add(-time.Minute))
	require.NoError(t, store.Users().UpdateStatus(ctx, "u1", models.UserStatusPending, models.UserStatusActive))

	activations, users, err := newSweeper(store, t0).SweepActivations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, activations)
	assert.Zero(t, users)
}

func TestRunSweepsEveryKind(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	createPending(t, store, "pending", t0.Add(-time.Minute))

	require.NoError(t, store.Users().Create(ctx, models.User{ID: "u1", Email: "u1@example.com", Status: models.UserStatusActive}))
	_, err := store.Devices().Create(ctx, models.Device{ID: "d1", UserID: "u1", DeviceNonce: "n1"})
	require.NoError(t, err)

	require.NoError(t, store.Sessions().Create(ctx, models.Session{ID: "s-old", UserID: "u1", DeviceID: "d1", Token: "old", ExpiresAt: t0.Add(-time.Hour)}))
	require.NoError(t, store.Sessions().Create(ctx, models.Session{ID: "s-new", UserID: "u1", DeviceID: "d1", Token: "new", ExpiresAt: t0.Add(time.Hour)}))
	require.NoError(t, store.EnrollmentTokens().Create(ctx, models.EnrollmentToken{ID: "e1", UserID: "u1", DeviceNonce: "n1", Token: "magic", Type: models.TokenTypeMagicLink, ExpiresAt: t0.Add(-time.Second)}))
	require.NoError(t, store.PasswordResets().Create(ctx, models.PasswordReset{ID: "r1", UserID: "u1", Token: "reset", ExpiresAt: t0.Add(-time.Second)}))
	cert, err := store.Certificates().Upsert(ctx, models.Certificate{
		ID: "c1", UserID: "u1", DeviceID: "d1", ZTMUsername: "u1",
		Status: models.CertificateStatusActive, NotAfter: t0.Add(-time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, newSweeper(store, t0).Run(ctx))

	_, err = store.Users().GetByID(ctx, "pending")
	assert.ErrorIs(t, err, repository.ErrUserNotFound)
	_, err = store.Sessions().GetByToken(ctx, "old")
	assert.ErrorIs(t, err, repository.ErrSessionNotFound)
	_, err = store.Sessions().GetByToken(ctx, "new")
	assert.NoError(t, err)
	_, err = store.EnrollmentTokens().GetByToken(ctx, "magic")
	assert.ErrorIs(t, err, repository.ErrEnrollmentNotFound)
	_, err = store.PasswordResets().Consume(ctx, "reset")
	assert.ErrorIs(t, err, repository.ErrPasswordResetNotFound)

	got, err := store.Certificates().GetByID(ctx, cert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CertificateStatusExpired, got.Status)
}

type brokenSessions struct {
	repository.SessionStore
}

func (brokenSessions) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, errors.New("connection reset")
}

type brokenStore struct {
	*memstore.Store
}

func (s brokenStore) Sessions() repository.SessionStore {
	return brokenSessions{s.Store.Sessions()}
}

func TestRunIsolatesFailingStep(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New()
	createPending(t, mem, "pending", t0.Add(-time.Minute))
	require.NoError(t, mem.PasswordResets().Create(ctx, models.PasswordReset{ID: "r1", UserID: "pending", Token: "reset", ExpiresAt: t0.Add(-time.Second)}))

	err := newSweeper(brokenStore{mem}, t0).Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sessions: connection reset")

	_, err = mem.Users().GetByID(ctx, "pending")
	assert.ErrorIs(t, err, repository.ErrUserNotFound)
}

type fakeCleaner struct {
	days  int
	calls int
	n     int64
	err   error
}

func (c *fakeCleaner) CleanupInactive(ctx context.Context, days int) (int64, error) {
	c.calls++
	c.days = days
	return c.n, c.err
}

func TestRunCleansInactiveDevices(t *testing.T) {
	ctx := context.Background()
	cleaner := &fakeCleaner{n: 3}
	require.NoError(t, newSweeper(memstore.New(), t0).WithDeviceCleanup(cleaner, 45).Run(ctx))
	assert.Equal(t, 1, cleaner.calls)
	assert.Equal(t, 45, cleaner.days)

	failing := &fakeCleaner{err: errors.New("timeout")}
	err := newSweeper(memstore.New(), t0).WithDeviceCleanup(failing, 45).Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "devices: timeout")
}

func TestRunWithoutDeviceCleanupSkipsStep(t *testing.T) {
	for _, st := range newSweeper(memstore.New(), t0).steps() {
		assert.NotEqual(t, "devices", st.name)
	}
}

func TestRunRemovesStaleDevicesThroughDeviceService(t *testing.T) {
	ctx := context.Background()
	seen := time.Now().AddDate(0, 0, -120)
	store := memstore.New().WithClock(func() time.Time { return seen })

	require.NoError(t, store.Users().Create(ctx, models.User{ID: "u1", Email: "u1@example.com", Status: models.UserStatusActive}))
	_, err := store.Devices().Create(ctx, models.Device{ID: "stale", UserID: "u1", DeviceNonce: "n1"})
	require.NoError(t, err)
	seen = time.Now()
	_, err = store.Devices().Create(ctx, models.Device{ID: "fresh", UserID: "u1", DeviceNonce: "n2"})
	require.NoError(t, err)

	devices := service.NewDeviceService(store, zerolog.Nop())
	require.NoError(t, NewSweeper(store, zerolog.Nop()).WithDeviceCleanup(devices, 90).Run(ctx))

	_, err = store.Devices().GetByID(ctx, "stale")
	assert.ErrorIs(t, err, repository.ErrDeviceNotFound)
	_, err = store.Devices().GetByID(ctx, "fresh")
	assert.NoError(t, err)
}

type countingRunner struct {
	calls atomic.Int32
	err   error
}

func (r *countingRunner) Run(ctx context.Context) error {
	r.calls.Add(1)
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("missing deadline")
	}
	return r.err
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	s := NewScheduler(&countingRunner{}, "not a schedule", time.Second, zerolog.Nop())
	assert.Error(t, s.Start())
}

func TestSchedulerTickAppliesTimeout(t *testing.T) {
	runner := &countingRunner{}
	s := NewScheduler(runner, "@every 1h", time.Second, zerolog.Nop())
	s.tick()
	assert.EqualValues(t, 1, runner.calls.Load())

	runner.err = errors.New("boom")
	s.tick()
	assert.EqualValues(t, 2, runner.calls.Load())
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(&countingRunner{}, "@every 1h", time.Second, zerolog.Nop())
	require.NoError(t, s.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}

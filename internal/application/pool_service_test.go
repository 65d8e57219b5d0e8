package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/JoshuaMGoldstein/buildpool/internal/domain"
	"github.com/JoshuaMGoldstein/buildpool/internal/ports/mocks"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeRuntime keeps a set of running containers and nothing else.
type fakeRuntime struct {
	mu      sync.Mutex
	running map[domain.ContainerName]bool
	created []domain.ContainerName
	removed []domain.ContainerName
	runErr  error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{running: make(map[domain.ContainerName]bool)}
}

func (f *fakeRuntime) Run(ctx context.Context, name domain.ContainerName, image domain.Image, _ domain.RunOptions) (domain.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return domain.ContainerInfo{}, f.runErr
	}
	f.running[name] = true
	f.created = append(f.created, name)
	return domain.ContainerInfo{Name: name, Image: image, State: domain.ContainerRunning}, nil
}

func (f *fakeRuntime) Remove(_ context.Context, name domain.ContainerName, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[name] && !force {
		return domain.ErrContainerNotFound
	}
	delete(f.running, name)
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeRuntime) PS(context.Context) ([]domain.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	infos := make([]domain.ContainerInfo, 0, len(f.running))
	for name := range f.running {
		infos = append(infos, domain.ContainerInfo{Name: name, State: domain.ContainerRunning})
	}
	return infos, nil
}

func (f *fakeRuntime) Inspect(context.Context, domain.ContainerName) (domain.ContainerInfo, error) {
	return domain.ContainerInfo{}, errors.New("not implemented")
}

func (f *fakeRuntime) Exec(context.Context, domain.ContainerName, string, domain.ExecOptions) (domain.ExecResult, error) {
	return domain.ExecResult{}, errors.New("not implemented")
}

func (f *fakeRuntime) SpawnExec(context.Context, domain.ContainerName, string, domain.ExecOptions, string) (*domain.ProcessHandle, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeRuntime) WriteFile(context.Context, domain.ContainerName, string, []byte, uint32) error {
	return errors.New("not implemented")
}

func (f *fakeRuntime) Chmod(context.Context, domain.ContainerName, string, uint32) error {
	return errors.New("not implemented")
}

func (f *fakeRuntime) Exists(context.Context, domain.ContainerName, string) (bool, error) {
	return false, errors.New("not implemented")
}

// vanish removes a container behind the pool's back.
func (f *fakeRuntime) vanish(name domain.ContainerName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, name)
}

func (f *fakeRuntime) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeRuntime) removedNames() []domain.ContainerName {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]domain.ContainerName(nil), f.removed...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func discardLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newPool(t *testing.T, runtime *fakeRuntime, cfg PoolConfig) *PoolService {
	t.Helper()
	cfg.Logger = discardLogger()
	if cfg.Clock == nil {
		cfg.Clock = &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	}
	pool := NewPoolService(runtime, cfg)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })
	return pool
}

func waitForWaiters(t *testing.T, pool *PoolService, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return pool.Snapshot().TotalWaiting() == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPoolEnforcesAccountLimitUnderConcurrency(t *testing.T) {
	t.Parallel()

	runtime := newFakeRuntime()
	pool := newPool(t, runtime, PoolConfig{Size: 10, AccountLimit: 2})

	const callers = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		granted   []domain.ContainerName
		exhausted int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name, err := pool.GetBuildServer(context.Background(), "acme")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrPoolExhausted)
				exhausted++
				return
			}
			granted = append(granted, name)
		}()
	}
	wg.Wait()

	assert.Len(t, granted, 2)
	assert.Equal(t, callers-2, exhausted)
	assert.Equal(t, 2, runtime.createdCount())
	assert.Equal(t, 2, pool.Snapshot().Usage["acme"])

	name, err := pool.GetBuildServer(context.Background(), "globex")
	require.NoError(t, err)
	assert.NotContains(t, granted, name)
}

func TestPoolReusesReleasedContainerForAnotherAccount(t *testing.T) {
	t.Parallel()

	runtime := newFakeRuntime()
	pool := newPool(t, runtime, PoolConfig{Size: 1, AccountLimit: 1})
	ctx := context.Background()

	first, err := pool.GetBuildServer(ctx, "acme")
	require.NoError(t, err)
	require.NoError(t, pool.ReleaseBuildServer(ctx, first))

	second, err := pool.GetBuildServer(ctx, "globex")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, runtime.createdCount())

	snap := pool.Snapshot()
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, domain.AccountID("globex"), snap.Entries[0].Account)
	assert.Equal(t, map[domain.AccountID]int{"globex": 1}, snap.Usage)
}

func TestPoolWaiterIsServedByRelease(t *testing.T) {
	t.Parallel()

	pool := newPool(t, newFakeRuntime(), PoolConfig{Size: 1, AccountLimit: 1, WaitTimeout: 5 * time.Second})
	ctx := context.Background()

	held, err := pool.GetBuildServer(ctx, "acme")
	require.NoError(t, err)

	type result struct {
		name domain.ContainerName
		err  error
	}
	done := make(chan result, 1)
	go func() {
		name, err := pool.GetBuildServer(ctx, "globex")
		done <- result{name, err}
	}()

	waitForWaiters(t, pool, 1)
	assert.Equal(t, 1, pool.Snapshot().Waiting["globex"])
	require.NoError(t, pool.ReleaseBuildServer(ctx, held))

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, held, got.name)
	assert.Equal(t, map[domain.AccountID]int{"globex": 1}, pool.Snapshot().Usage)
}

func TestPoolWaiterTimesOut(t *testing.T) {
	t.Parallel()

	pool := newPool(t, newFakeRuntime(), PoolConfig{Size: 1, AccountLimit: 1, WaitTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	held, err := pool.GetBuildServer(ctx, "acme")
	require.NoError(t, err)

	start := time.Now()
	_, err = pool.GetBuildServer(ctx, "globex")
	require.ErrorIs(t, err, domain.ErrWaitTimeout)
	require.ErrorIs(t, err, domain.ErrTimeout)
	assert.NotErrorIs(t, err, domain.ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	snap := pool.Snapshot()
	assert.Zero(t, snap.TotalWaiting())
	assert.Equal(t, map[domain.AccountID]int{"acme": 1}, snap.Usage)

	require.NoError(t, pool.ReleaseBuildServer(ctx, held))
	assert.Empty(t, pool.Snapshot().Usage)
}

func TestPoolWaitResolvesByReleaseOrTimeoutNeverBoth(t *testing.T) {
	t.Parallel()

	for i := 0; i < 25; i++ {
		pool := newPool(t, newFakeRuntime(), PoolConfig{Size: 1, AccountLimit: 1, WaitTimeout: 20 * time.Millisecond})
		ctx := context.Background()

		held, err := pool.GetBuildServer(ctx, "acme")
		require.NoError(t, err)

		go func() {
			time.Sleep(time.Duration(15+i%10) * time.Millisecond)
			_ = pool.ReleaseBuildServer(ctx, held)
		}()

		name, err := pool.GetBuildServer(ctx, "globex")
		require.Eventually(t, func() bool {
			return pool.Snapshot().Usage["acme"] == 0
		}, time.Second, time.Millisecond)

		snap := pool.Snapshot()
		if err != nil {
			require.ErrorIs(t, err, domain.ErrWaitTimeout)
			assert.Zero(t, snap.Usage["globex"], "iteration %d", i)
			require.Len(t, snap.Entries, 1)
			assert.False(t, snap.Entries[0].InUse, "iteration %d", i)
			continue
		}
		assert.Equal(t, held, name)
		assert.Equal(t, 1, snap.Usage["globex"], "iteration %d", i)
		require.NoError(t, pool.ReleaseBuildServer(ctx, name))
	}
}

func TestPoolWaitHonoursContext(t *testing.T) {
	t.Parallel()

	pool := newPool(t, newFakeRuntime(), PoolConfig{Size: 1, AccountLimit: 1, WaitTimeout: time.Minute})
	_, err := pool.GetBuildServer(context.Background(), "acme")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool {
			return pool.Snapshot().TotalWaiting() == 1
		}, 2*time.Second, 5*time.Millisecond)
		cancel()
	}()

	_, err = pool.GetBuildServer(ctx, "acme")
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, pool.Snapshot().TotalWaiting())
}

func TestPoolReconcileCreditsVanishedContainerOnce(t *testing.T) {
	t.Parallel()

	runtime := newFakeRuntime()
	pool := newPool(t, runtime, PoolConfig{Size: 2, AccountLimit: 2})
	ctx := context.Background()

	lost, err := pool.GetBuildServer(ctx, "acme")
	require.NoError(t, err)
	kept, err := pool.GetBuildServer(ctx, "acme")
	require.NoError(t, err)

	runtime.vanish(lost)
	require.NoError(t, pool.Reconcile(ctx))
	require.NoError(t, pool.Reconcile(ctx))

	snap := pool.Snapshot()
	assert.Equal(t, map[domain.AccountID]int{"acme": 1}, snap.Usage)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, kept, snap.Entries[0].Name)

	require.ErrorIs(t, pool.ReleaseBuildServer(ctx, lost), domain.ErrStaleReference)
	assert.Equal(t, 1, pool.Snapshot().Usage["acme"])
}

func TestPoolAllocationReconcilesBeforeCreating(t *testing.T) {
	t.Parallel()

	runtime := newFakeRuntime()
	pool := newPool(t, runtime, PoolConfig{Size: 1, AccountLimit: 1})
	ctx := context.Background()

	lost, err := pool.GetBuildServer(ctx, "acme")
	require.NoError(t, err)
	runtime.vanish(lost)

	name, err := pool.GetBuildServer(ctx, "globex")
	require.NoError(t, err)
	assert.NotEqual(t, lost, name)
	assert.Equal(t, map[domain.AccountID]int{"globex": 1}, pool.Snapshot().Usage)
}

func TestPoolReconcileServesWaiterWithNewContainer(t *testing.T) {
	t.Parallel()

	runtime := newFakeRuntime()
	pool := newPool(t, runtime, PoolConfig{Size: 1, AccountLimit: 1, WaitTimeout: 5 * time.Second})
	ctx := context.Background()

	lost, err := pool.GetBuildServer(ctx, "acme")
	require.NoError(t, err)

	done := make(chan domain.ContainerName, 1)
	go func() {
		name, err := pool.GetBuildServer(ctx, "globex")
		assert.NoError(t, err)
		done <- name
	}()
	waitForWaiters(t, pool, 1)

	runtime.vanish(lost)
	require.NoError(t, pool.Reconcile(ctx))

	select {
	case name := <-done:
		assert.NotEqual(t, lost, name)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not served")
	}
	assert.Equal(t, 2, runtime.createdCount())
}

func TestPoolSweepReclaimsExpiredLeases(t *testing.T) {
	t.Parallel()

	runtime := newFakeRuntime()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	pool := newPool(t, runtime, PoolConfig{Size: 1, AccountLimit: 1, IdleTimeout: time.Minute, Clock: clock})
	ctx := context.Background()

	leaked, err := pool.GetBuildServer(ctx, "acme")
	require.NoError(t, err)

	_, err = pool.GetBuildServer(ctx, "globex")
	require.ErrorIs(t, err, domain.ErrPoolExhausted)

	clock.Advance(2 * time.Minute)
	fresh, err := pool.GetBuildServer(ctx, "globex")
	require.NoError(t, err)
	assert.NotEqual(t, leaked, fresh)
	assert.Equal(t, []domain.ContainerName{leaked}, runtime.removedNames())
	assert.Equal(t, map[domain.AccountID]int{"globex": 1}, pool.Snapshot().Usage)

	require.ErrorIs(t, pool.ReleaseBuildServer(ctx, leaked), domain.ErrStaleReference)
}

func TestPoolReapRemovesOnlyIdleAvailableEntries(t *testing.T) {
	t.Parallel()

	runtime := newFakeRuntime()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	pool := newPool(t, runtime, PoolConfig{Size: 3, AccountLimit: 3, IdleTimeout: time.Minute, Clock: clock})
	ctx := context.Background()

	idle, err := pool.GetBuildServer(ctx, "acme")
	require.NoError(t, err)
	busy, err := pool.GetBuildServer(ctx, "acme")
	require.NoError(t, err)
	require.NoError(t, pool.ReleaseBuildServer(ctx, idle))

	clock.Advance(30 * time.Second)
	pool.Reap(ctx)
	assert.Len(t, pool.Snapshot().Entries, 2)

	clock.Advance(time.Minute)
	pool.Reap(ctx)

	snap := pool.Snapshot()
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, busy, snap.Entries[0].Name)
	assert.Equal(t, []domain.ContainerName{idle}, runtime.removedNames())
}

func TestPoolCreateFailureRollsBackReservation(t *testing.T) {
	t.Parallel()

	runtime := mocks.NewMockContainerRuntime(t)
	runtime.EXPECT().PS(mock.Anything).Return(nil, nil)
	runtime.EXPECT().Run(mock.Anything, mock.Anything, domain.ImageDeploy, mock.Anything).
		Return(domain.ContainerInfo{}, errors.New("endpoint refused")).Once()

	pool := NewPoolService(runtime, PoolConfig{Size: 1, AccountLimit: 1, Image: domain.ImageDeploy, Logger: discardLogger()})

	_, err := pool.GetBuildServer(context.Background(), "acme")
	require.Error(t, err)
	assert.ErrorContains(t, err, "endpoint refused")
	assert.NotErrorIs(t, err, domain.ErrTimeout)

	snap := pool.Snapshot()
	assert.Zero(t, snap.Size)
	assert.Zero(t, snap.Creating)
	assert.Empty(t, snap.Usage)

	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestPoolReleaseRejectsStaleReferences(t *testing.T) {
	t.Parallel()

	pool := newPool(t, newFakeRuntime(), PoolConfig{Size: 1, AccountLimit: 1})
	ctx := context.Background()

	require.ErrorIs(t, pool.ReleaseBuildServer(ctx, "bpool-unknown"), domain.ErrStaleReference)

	name, err := pool.GetBuildServer(ctx, "acme")
	require.NoError(t, err)
	require.NoError(t, pool.ReleaseBuildServer(ctx, name))
	require.ErrorIs(t, pool.ReleaseBuildServer(ctx, name), domain.ErrStaleReference)
	assert.Empty(t, pool.Snapshot().Usage)
}

func TestPoolShutdownDestroysEverythingAndFailsWaiters(t *testing.T) {
	t.Parallel()

	runtime := newFakeRuntime()
	pool := newPool(t, runtime, PoolConfig{Size: 2, AccountLimit: 1, WaitTimeout: time.Minute})
	ctx := context.Background()

	first, err := pool.GetBuildServer(ctx, "acme")
	require.NoError(t, err)
	second, err := pool.GetBuildServer(ctx, "globex")
	require.NoError(t, err)
	require.NoError(t, pool.ReleaseBuildServer(ctx, second))
	_, err = pool.GetBuildServer(ctx, "globex")
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		_, err := pool.GetBuildServer(ctx, "acme")
		waitErr <- err
	}()
	waitForWaiters(t, pool, 1)

	require.NoError(t, pool.Shutdown(ctx))
	require.ErrorIs(t, <-waitErr, domain.ErrPoolShutdown)

	want := []domain.ContainerName{first, second}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	assert.Equal(t, want, runtime.removedNames())

	_, err = pool.GetBuildServer(ctx, "initech")
	require.ErrorIs(t, err, domain.ErrPoolShutdown)
	snap := pool.Snapshot()
	assert.True(t, snap.ShuttingDown)
	assert.Zero(t, snap.Size)
}

func TestPoolShutdownJoinsRemovalFailures(t *testing.T) {
	t.Parallel()

	runtime := mocks.NewMockContainerRuntime(t)
	runtime.EXPECT().PS(mock.Anything).Return(nil, nil)
	runtime.EXPECT().Run(mock.Anything, mock.Anything, domain.ImageBuild, mock.Anything).
		RunAndReturn(func(_ context.Context, name domain.ContainerName, image domain.Image, _ domain.RunOptions) (domain.ContainerInfo, error) {
			return domain.ContainerInfo{Name: name, Image: image, State: domain.ContainerRunning}, nil
		})
	runtime.EXPECT().Remove(mock.Anything, mock.Anything, true).Return(errors.New("daemon gone"))

	pool := NewPoolService(runtime, PoolConfig{Size: 2, AccountLimit: 2, Logger: discardLogger()})
	for i := 0; i < 2; i++ {
		_, err := pool.GetBuildServer(context.Background(), "acme")
		require.NoError(t, err)
	}

	err := pool.Shutdown(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "daemon gone")
	runtime.AssertNumberOfCalls(t, "Remove", 2)
}

func TestPoolBackgroundLoopReconciles(t *testing.T) {
	t.Parallel()

	runtime := newFakeRuntime()
	pool := newPool(t, runtime, PoolConfig{Size: 1, AccountLimit: 1, ReapInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	name, err := pool.GetBuildServer(ctx, "acme")
	require.NoError(t, err)
	runtime.vanish(name)

	require.Eventually(t, func() bool {
		return pool.Snapshot().Size == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, pool.Snapshot().Usage)
}

func TestPoolSnapshot(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	pool := newPool(t, newFakeRuntime(), PoolConfig{
		Size: 4, AccountLimit: 2, WaitTimeout: time.Second, IdleTimeout: time.Hour,
		ReapInterval: time.Minute, Clock: clock,
	})
	ctx := context.Background()

	var names []domain.ContainerName
	for _, account := range []domain.AccountID{"acme", "acme", "globex"} {
		name, err := pool.GetBuildServer(ctx, account)
		require.NoError(t, err)
		names = append(names, name)
	}
	require.NoError(t, pool.ReleaseBuildServer(ctx, names[2]))

	snap := pool.Snapshot()
	assert.Equal(t, 3, snap.Size)
	assert.Equal(t, 4, snap.Capacity)
	assert.Equal(t, 2, snap.AccountLimit)
	assert.Equal(t, 2, snap.InUse())
	assert.Equal(t, map[domain.AccountID]int{"acme": 2}, snap.Usage)
	assert.Equal(t, clock.Now(), snap.TakenAt)
	assert.Equal(t, time.Hour, snap.IdleTimeout)
	assert.True(t, sort.SliceIsSorted(snap.Entries, func(i, j int) bool {
		return snap.Entries[i].Name < snap.Entries[j].Name
	}), fmt.Sprint(snap.Entries))
}

func TestPoolRequiresAccount(t *testing.T) {
	t.Parallel()

	pool := newPool(t, newFakeRuntime(), PoolConfig{})
	_, err := pool.GetBuildServer(context.Background(), "")
	require.Error(t, err)
}

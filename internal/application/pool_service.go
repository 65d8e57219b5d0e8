package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JoshuaMGoldstein/buildpool/internal/domain"
	"github.com/JoshuaMGoldstein/buildpool/internal/ports"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPoolSize     = 10
	DefaultAccountLimit = 2
	DefaultWaitTimeout  = time.Minute
	DefaultIdleTimeout  = 10 * time.Minute
	DefaultReapInterval = 30 * time.Second
)

type PoolConfig struct {
	Size         int
	AccountLimit int
	// WaitTimeout <= 0 disables queueing: callers get ErrPoolExhausted instead.
	WaitTimeout time.Duration
	// IdleTimeout <= 0 disables reaping and the allocation sweep.
	IdleTimeout  time.Duration
	ReapInterval time.Duration

	Image      domain.Image
	RunOptions domain.RunOptions
	NamePrefix string

	Clock  ports.Clock
	Logger logrus.FieldLogger
}

type slot struct {
	entry domain.PoolEntry
	seq   uint64
}

type allocation struct {
	name domain.ContainerName
	err  error
}

type waiter struct {
	account   domain.AccountID
	ready     chan allocation
	queued    bool
	abandoned bool
}

// PoolService hands out containers to accounts, holding each account under
// AccountLimit concurrent containers and the whole pool under Size.
type PoolService struct {
	runtime ports.ContainerRuntime
	cfg     PoolConfig
	clock   ports.Clock
	log     logrus.FieldLogger
	newName func() domain.ContainerName

	mu       sync.Mutex
	slots    map[domain.ContainerName]*slot
	usage    map[domain.AccountID]int
	waiters  []*waiter
	creating int
	seq      uint64
	closed   bool

	// background creations started on behalf of waiters
	base     context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	loopDone  chan struct{}
}

func NewPoolService(runtime ports.ContainerRuntime, cfg PoolConfig) *PoolService {
	if cfg.Size <= 0 {
		cfg.Size = DefaultPoolSize
	}
	if cfg.AccountLimit <= 0 {
		cfg.AccountLimit = DefaultAccountLimit
	}
	if cfg.Image == "" {
		cfg.Image = domain.ImageBuild
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = "bpool"
	}
	if cfg.Clock == nil {
		cfg.Clock = ports.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	base, cancel := context.WithCancel(context.Background())
	prefix := cfg.NamePrefix
	return &PoolService{
		runtime: runtime,
		cfg:     cfg,
		clock:   cfg.Clock,
		log:     cfg.Logger.WithField("component", "pool"),
		newName: func() domain.ContainerName {
			return domain.ContainerName(prefix + "-" + uuid.NewString()[:8])
		},
		slots:    make(map[domain.ContainerName]*slot),
		usage:    make(map[domain.AccountID]int),
		base:     base,
		cancel:   cancel,
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// GetBuildServer returns a container reserved for account. The caller owns it
// until ReleaseBuildServer.
func (s *PoolService) GetBuildServer(ctx context.Context, account domain.AccountID) (domain.ContainerName, error) {
	if account == "" {
		return "", errors.New("account id is required")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", domain.ErrPoolShutdown
	}
	if s.usage[account] >= s.cfg.AccountLimit {
		return s.waitLocked(ctx, account)
	}
	s.mu.Unlock()

	if err := s.Reconcile(ctx); err != nil {
		return "", err
	}

	for attempt := 0; ; attempt++ {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return "", domain.ErrPoolShutdown
		}
		if s.usage[account] >= s.cfg.AccountLimit {
			return s.waitLocked(ctx, account)
		}
		if name, ok := s.acquireAvailableLocked(account); ok {
			s.mu.Unlock()
			s.log.WithFields(logrus.Fields{"container": name, "account": account}).Debug("reused pooled container")
			return name, nil
		}
		if s.hasCapacityLocked() {
			name := s.reserveLocked(account)
			s.mu.Unlock()
			return s.create(ctx, account, name)
		}
		if attempt > 0 {
			return s.waitLocked(ctx, account)
		}
		stale := s.sweepLocked(true)
		s.mu.Unlock()
		s.destroy(ctx, stale, "stale")
	}
}

// ReleaseBuildServer returns name to the pool and hands it, or the capacity it
// frees, to the oldest waiter that can take it.
func (s *PoolService) ReleaseBuildServer(_ context.Context, name domain.ContainerName) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[name]
	if !ok {
		return fmt.Errorf("release %s: %w", name, domain.ErrStaleReference)
	}
	if !sl.entry.InUse {
		return fmt.Errorf("release %s: not in use: %w", name, domain.ErrStaleReference)
	}

	account := sl.entry.Release(s.clock.Now())
	s.creditLocked(account)
	s.log.WithFields(logrus.Fields{"container": name, "account": account}).Debug("released container")
	s.dispatchLocked()
	return nil
}

// Reconcile drops entries whose container is no longer running, crediting
// the owning account once per dropped entry.
func (s *PoolService) Reconcile(ctx context.Context) error {
	s.mu.Lock()
	mark := s.seq
	s.mu.Unlock()

	infos, err := s.runtime.PS(ctx)
	if err != nil {
		return fmt.Errorf("reconcile pool: %w", err)
	}

	running := make(map[domain.ContainerName]struct{}, len(infos))
	for _, info := range infos {
		if info.Running() {
			running[info.Name] = struct{}{}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for name, sl := range s.slots {
		if sl.seq > mark {
			continue
		}
		if _, ok := running[name]; ok {
			continue
		}
		delete(s.slots, name)
		if sl.entry.InUse {
			s.creditLocked(sl.entry.Account)
		}
		dropped++
		s.log.WithFields(logrus.Fields{"container": name, "account": sl.entry.Account}).Info("container vanished; dropped from pool")
	}
	if dropped > 0 {
		s.dispatchLocked()
	}

	return nil
}

// Reap destroys available containers idle for longer than the idle timeout.
func (s *PoolService) Reap(ctx context.Context) {
	s.mu.Lock()
	idle := s.sweepLocked(false)
	s.mu.Unlock()

	s.destroy(ctx, idle, "idle")
}

// Start runs reconciliation and reaping every ReapInterval until ctx ends or
// the pool shuts down.
func (s *PoolService) Start(ctx context.Context) {
	if s.cfg.ReapInterval <= 0 {
		return
	}

	s.startOnce.Do(func() {
		go s.loop(ctx)
	})
}

func (s *PoolService) loop(ctx context.Context) {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.Reconcile(ctx); err != nil {
				s.log.WithError(err).Warn("background reconcile failed")
			}
			s.Reap(ctx)
		}
	}
}

// Shutdown destroys every pooled container, in use or not, and fails all
// pending allocations with ErrPoolShutdown. Removal failures are logged and
// returned joined; they never stop the remaining removals.
func (s *PoolService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, w := range s.waiters {
		w.queued = false
		w.ready <- allocation{err: domain.ErrPoolShutdown}
	}
	s.waiters = nil

	names := make([]domain.ContainerName, 0, len(s.slots))
	for name := range s.slots {
		names = append(names, name)
	}
	s.slots = make(map[domain.ContainerName]*slot)
	s.usage = make(map[domain.AccountID]int)
	s.mu.Unlock()

	s.stopOnce.Do(func() {
		close(s.stop)
	})
	// a loop that never started still has to look finished
	s.startOnce.Do(func() {
		close(s.loopDone)
	})
	<-s.loopDone

	var (
		g      errgroup.Group
		errMu  sync.Mutex
		failed []error
	)
	for _, name := range names {
		g.Go(func() error {
			if err := s.runtime.Remove(ctx, name, true); err != nil && !errors.Is(err, domain.ErrContainerNotFound) {
				s.log.WithError(err).WithField("container", name).Warn("remove container during shutdown")
				errMu.Lock()
				failed = append(failed, fmt.Errorf("remove %s: %w", name, err))
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	s.cancel()
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		failed = append(failed, fmt.Errorf("wait for pending creations: %w", ctx.Err()))
	}

	s.log.WithField("removed", len(names)).Info("pool shut down")
	return errors.Join(failed...)
}

func (s *PoolService) Snapshot() domain.PoolSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := domain.PoolSnapshot{
		Size:         len(s.slots),
		Capacity:     s.cfg.Size,
		AccountLimit: s.cfg.AccountLimit,
		Creating:     s.creating,
		Entries:      make([]domain.PoolEntry, 0, len(s.slots)),
		Usage:        make(map[domain.AccountID]int, len(s.usage)),
		Waiting:      make(map[domain.AccountID]int),
		TakenAt:      s.clock.Now(),
		IdleTimeout:  s.cfg.IdleTimeout,
		WaitTimeout:  s.cfg.WaitTimeout,
		ReapInterval: s.cfg.ReapInterval,
		ShuttingDown: s.closed,
	}
	for _, sl := range s.slots {
		snap.Entries = append(snap.Entries, sl.entry)
	}
	sort.Slice(snap.Entries, func(i, j int) bool {
		return snap.Entries[i].Name < snap.Entries[j].Name
	})
	for account, n := range s.usage {
		snap.Usage[account] = n
	}
	for _, w := range s.waiters {
		snap.Waiting[w.account]++
	}

	return snap
}

// waitLocked queues the caller. It must be called with s.mu held and
// releases it.
func (s *PoolService) waitLocked(ctx context.Context, account domain.AccountID) (domain.ContainerName, error) {
	if s.cfg.WaitTimeout <= 0 {
		s.mu.Unlock()
		return "", fmt.Errorf("account %s: %w", account, domain.ErrPoolExhausted)
	}

	w := &waiter{account: account, ready: make(chan allocation, 1), queued: true}
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	s.log.WithField("account", account).Debug("waiting for pool capacity")

	timer := time.NewTimer(s.cfg.WaitTimeout)
	defer timer.Stop()

	var cause error
	select {
	case got := <-w.ready:
		return got.name, got.err
	case <-timer.C:
		cause = fmt.Errorf("%w after %s", domain.ErrWaitTimeout, s.cfg.WaitTimeout)
	case <-ctx.Done():
		cause = ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if w.queued {
		s.removeWaiterLocked(w)
		return "", cause
	}
	select {
	case got := <-w.ready:
		return got.name, got.err
	default:
	}
	// a creation is running for this waiter; it gives the container back.
	w.abandoned = true
	return "", cause
}

func (s *PoolService) create(ctx context.Context, account domain.AccountID, name domain.ContainerName) (domain.ContainerName, error) {
	defer s.inflight.Done()

	log := s.log.WithFields(logrus.Fields{"container": name, "account": account})
	_, err := s.runtime.Run(ctx, name, s.cfg.Image, s.cfg.RunOptions)

	s.mu.Lock()
	s.creating--
	if err != nil {
		s.creditLocked(account)
		s.dispatchLocked()
		s.mu.Unlock()
		log.WithError(err).Warn("create container failed")
		return "", fmt.Errorf("create container %s: %w", name, err)
	}
	if s.closed {
		s.creditLocked(account)
		s.mu.Unlock()
		s.destroy(context.Background(), []domain.ContainerName{name}, "shutdown")
		return "", domain.ErrPoolShutdown
	}
	s.insertLocked(name, account)
	s.mu.Unlock()

	log.Info("created pooled container")
	return name, nil
}

func (s *PoolService) createFor(w *waiter, name domain.ContainerName) {
	name, err := s.create(s.base, w.account, name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !w.abandoned {
		if err == nil && s.closed {
			err = domain.ErrPoolShutdown
		}
		w.ready <- allocation{name: name, err: err}
		return
	}
	if err != nil {
		return
	}
	if sl, ok := s.slots[name]; ok && sl.entry.InUse {
		s.creditLocked(sl.entry.Release(s.clock.Now()))
		s.dispatchLocked()
	}
}

// dispatchLocked serves queued waiters, oldest first, skipping accounts that
// are still at their limit.
func (s *PoolService) dispatchLocked() {
	for i := 0; i < len(s.waiters); {
		w := s.waiters[i]
		if s.usage[w.account] >= s.cfg.AccountLimit {
			i++
			continue
		}
		if name, ok := s.acquireAvailableLocked(w.account); ok {
			s.dropWaiterLocked(i)
			w.ready <- allocation{name: name}
			continue
		}
		if s.hasCapacityLocked() {
			s.dropWaiterLocked(i)
			go s.createFor(w, s.reserveLocked(w.account))
			continue
		}
		return
	}
}

func (s *PoolService) acquireAvailableLocked(account domain.AccountID) (domain.ContainerName, bool) {
	var pick *slot
	for _, sl := range s.slots {
		if sl.entry.InUse {
			continue
		}
		if pick == nil || sl.entry.LastUsedAt.After(pick.entry.LastUsedAt) ||
			(sl.entry.LastUsedAt.Equal(pick.entry.LastUsedAt) && sl.entry.Name < pick.entry.Name) {
			pick = sl
		}
	}
	if pick == nil {
		return "", false
	}

	pick.entry.Acquire(account, s.clock.Now())
	s.usage[account]++
	return pick.entry.Name, true
}

func (s *PoolService) hasCapacityLocked() bool {
	return len(s.slots)+s.creating < s.cfg.Size
}

// reserveLocked claims a pool slot and an account slot before the container
// exists; create releases both if the runtime fails.
func (s *PoolService) reserveLocked(account domain.AccountID) domain.ContainerName {
	s.creating++
	s.usage[account]++
	s.inflight.Add(1)
	return s.newName()
}

func (s *PoolService) insertLocked(name domain.ContainerName, account domain.AccountID) {
	s.seq++
	sl := &slot{entry: domain.PoolEntry{Name: name}, seq: s.seq}
	sl.entry.Acquire(account, s.clock.Now())
	s.slots[name] = sl
}

// sweepLocked removes entries idle past the idle timeout. With leased set it
// also reclaims in-use entries acquired longer ago than the idle timeout.
func (s *PoolService) sweepLocked(leased bool) []domain.ContainerName {
	if s.cfg.IdleTimeout <= 0 {
		return nil
	}

	now := s.clock.Now()
	var swept []domain.ContainerName
	for name, sl := range s.slots {
		if sl.entry.InUse && !leased {
			continue
		}
		if now.Sub(sl.entry.LastUsedAt) < s.cfg.IdleTimeout {
			continue
		}
		delete(s.slots, name)
		if sl.entry.InUse {
			s.creditLocked(sl.entry.Account)
		}
		swept = append(swept, name)
	}
	if len(swept) > 0 {
		s.dispatchLocked()
	}

	return swept
}

func (s *PoolService) creditLocked(account domain.AccountID) {
	if s.usage[account] <= 1 {
		delete(s.usage, account)
		return
	}
	s.usage[account]--
}

func (s *PoolService) removeWaiterLocked(w *waiter) {
	for i, queued := range s.waiters {
		if queued == w {
			s.dropWaiterLocked(i)
			return
		}
	}
}

func (s *PoolService) dropWaiterLocked(i int) {
	s.waiters[i].queued = false
	s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
}

func (s *PoolService) destroy(ctx context.Context, names []domain.ContainerName, reason string) {
	for _, name := range names {
		log := s.log.WithFields(logrus.Fields{"container": name, "reason": reason})
		if err := s.runtime.Remove(ctx, name, true); err != nil && !errors.Is(err, domain.ErrContainerNotFound) {
			log.WithError(err).Warn("remove pooled container")
			continue
		}
		log.Info("removed pooled container")
	}
}

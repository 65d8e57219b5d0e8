package domain

import "time"

// PoolEntry tracks one pooled container. InUse holds exactly when Account is set.
type PoolEntry struct {
	Name       ContainerName
	InUse      bool
	Account    AccountID
	LastUsedAt time.Time
}

func (e *PoolEntry) Acquire(account AccountID, now time.Time) {
	e.InUse = true
	e.Account = account
	e.LastUsedAt = now
}

func (e *PoolEntry) Release(now time.Time) AccountID {
	account := e.Account
	e.InUse = false
	e.Account = ""
	e.LastUsedAt = now
	return account
}

func (e PoolEntry) IdleFor(now time.Time) time.Duration {
	if e.InUse {
		return 0
	}

	return now.Sub(e.LastUsedAt)
}

type PoolSnapshot struct {
	Size         int
	Capacity     int
	AccountLimit int
	Creating     int
	Entries      []PoolEntry
	Usage        map[AccountID]int
	Waiting      map[AccountID]int
	TakenAt      time.Time
	IdleTimeout  time.Duration
	WaitTimeout  time.Duration
	ReapInterval time.Duration
	ShuttingDown bool
}

func (s PoolSnapshot) InUse() int {
	count := 0
	for _, entry := range s.Entries {
		if entry.InUse {
			count++
		}
	}

	return count
}

func (s PoolSnapshot) TotalWaiting() int {
	total := 0
	for _, n := range s.Waiting {
		total += n
	}

	return total
}

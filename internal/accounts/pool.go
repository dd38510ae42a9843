// Package accounts manages the pool of outbound mail accounts and their
// daily send quotas. The pool rotates through accounts round-robin and
// lazily resets each counter on the first consultation of a new calendar day.
package accounts

import (
	"errors"
	"sync"
	"time"

	"github.com/ignite/mail-dispatch/internal/config"
)

var (
	// ErrNoAccounts means no outbound accounts are configured. Retrying
	// will not help; this is a configuration error.
	ErrNoAccounts = errors.New("no outbound accounts configured")

	// ErrQuotaExhausted means every configured account has reached its
	// daily send limit.
	ErrQuotaExhausted = errors.New("all accounts at daily quota")

	// ErrUnknownAccount is returned when releasing a reservation for an
	// account id the pool does not hold.
	ErrUnknownAccount = errors.New("unknown account id")
)

// Account is one outbound identity with its daily quota state.
// Credentials are held by the transport; the pool only does accounting.
type Account struct {
	ID         string
	Address    string
	DailyLimit int

	dailyCount int
	lastReset  time.Time // truncated to the calendar day
}

// Status is a read-only snapshot of one account's quota state.
type Status struct {
	ID         string `json:"id"`
	Address    string `json:"address"`
	DailyCount int    `json:"daily_count"`
	DailyLimit int    `json:"daily_limit"`
	Remaining  int    `json:"remaining"`
	Eligible   bool   `json:"eligible"`
}

// Selection identifies the account chosen for a send.
type Selection struct {
	ID      string
	Address string
}

// Pool holds the configured accounts and a round-robin cursor. Selection
// reserves a quota slot under the pool mutex, so two concurrent callers
// can never both claim an account's last slot and overshoot a daily limit.
// A failed send hands its slot back with Release.
type Pool struct {
	mu       sync.Mutex
	accounts []*Account
	cursor   int
	now      func() time.Time
}

// NewPool builds a pool from static configuration.
func NewPool(cfgs []config.AccountConfig) *Pool {
	p := &Pool{now: time.Now}
	for _, c := range cfgs {
		p.accounts = append(p.accounts, &Account{
			ID:         c.ID,
			Address:    c.Address,
			DailyLimit: c.DailyLimit,
		})
	}
	return p
}

// SetClock overrides the pool's time source. Tests use this to simulate
// day boundaries.
func (p *Pool) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

// resetStaleLocked zeroes the counter of any account whose last reset was
// on an earlier calendar day. Callers must hold p.mu.
func (p *Pool) resetStaleLocked() {
	today := p.now().Truncate(24 * time.Hour)
	for _, a := range p.accounts {
		if !a.lastReset.Equal(today) {
			a.dailyCount = 0
			a.lastReset = today
		}
	}
}

// Next selects the next eligible account and reserves one quota slot on
// it. It scans round-robin from the internal cursor, advancing the cursor
// by one position per call regardless of which account is returned.
// Returns ErrNoAccounts if none are configured and ErrQuotaExhausted if a
// full rotation finds no eligible account. If the send fails, hand the
// slot back with Release.
func (p *Pool) Next() (Selection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.accounts)
	if n == 0 {
		return Selection{}, ErrNoAccounts
	}

	p.resetStaleLocked()

	start := p.cursor
	p.cursor = (p.cursor + 1) % n

	for i := 0; i < n; i++ {
		a := p.accounts[(start+i)%n]
		if a.dailyCount < a.DailyLimit {
			a.dailyCount++
			return Selection{ID: a.ID, Address: a.Address}, nil
		}
	}
	return Selection{}, ErrQuotaExhausted
}

// Release returns a reserved quota slot after a failed send. A slot
// reserved yesterday is gone; the counter was already zeroed.
func (p *Pool) Release(accountID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.resetStaleLocked()
	for _, a := range p.accounts {
		if a.ID == accountID {
			if a.dailyCount > 0 {
				a.dailyCount--
			}
			return nil
		}
	}
	return ErrUnknownAccount
}

// Snapshot returns the quota state of every account in configuration order.
func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.resetStaleLocked()
	out := make([]Status, 0, len(p.accounts))
	for _, a := range p.accounts {
		remaining := a.DailyLimit - a.dailyCount
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, Status{
			ID:         a.ID,
			Address:    a.Address,
			DailyCount: a.dailyCount,
			DailyLimit: a.DailyLimit,
			Remaining:  remaining,
			Eligible:   a.dailyCount < a.DailyLimit,
		})
	}
	return out
}

// Size returns the number of configured accounts.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

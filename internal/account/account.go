package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/web3guy0/hedgebot/internal/config"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ACCOUNT POOL - Account selection and per-account rate budget
// ═══════════════════════════════════════════════════════════════════════════════

// Account is one venue account. Identity fields are immutable after load;
// the trading state (balance, exposure, cooldown) is mutex-guarded.
type Account struct {
	ID          string
	Venue       string
	Credentials string // opaque, never logged
	Proxy       string

	limiter *rate.Limiter

	mu            sync.RWMutex
	balance       decimal.Decimal
	grossExposure decimal.Decimal
	openOrders    map[string]int // pairID -> live order count
	coolDownUntil time.Time
}

// Wait blocks until the account's rate budget admits one request.
func (a *Account) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// SetBalance replaces the known available balance.
func (a *Account) SetBalance(b decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balance = b
}

// AddExposure adjusts gross exposure by delta (negative to release).
func (a *Account) AddExposure(delta decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.grossExposure = a.grossExposure.Add(delta)
	if a.grossExposure.IsNegative() {
		a.grossExposure = decimal.Zero
	}
}

// OrderOpened/OrderClosed maintain the per-pair live order count.
func (a *Account) OrderOpened(pairID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.openOrders[pairID]++
}

func (a *Account) OrderClosed(pairID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.openOrders[pairID] > 0 {
		a.openOrders[pairID]--
	}
}

// StartCoolDown blocks new entries on this account until now+d.
func (a *Account) StartCoolDown(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.coolDownUntil = time.Now().Add(d)
	log.Warn().Str("account", a.ID).Dur("cool_down", d).Msg("🧊 Account cool-down started")
}

// State snapshots the mutable fields for the risk gate.
type State struct {
	AccountID     string
	Balance       decimal.Decimal
	GrossExposure decimal.Decimal
	OpenOrders    int // for the queried pair
	CoolDownUntil time.Time
}

// StateFor returns the account state as seen for one pair.
func (a *Account) StateFor(pairID string) State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return State{
		AccountID:     a.ID,
		Balance:       a.balance,
		GrossExposure: a.grossExposure,
		OpenOrders:    a.openOrders[pairID],
		CoolDownUntil: a.coolDownUntil,
	}
}

// Pool indexes accounts by id and resolves the (venue, pair) assignment.
type Pool struct {
	accounts map[string]*Account
	byPair   map[string]map[string]*Account // pairID -> venue -> account
}

// NewPool builds the pool from config. Each account gets its own token
// bucket sized from rate_limits[venue] (default 5 rps, burst 10).
func NewPool(accounts []config.AccountConfig, pairs []config.PairConfig, limits map[string]config.RateLimitConfig) (*Pool, error) {
	p := &Pool{
		accounts: make(map[string]*Account, len(accounts)),
		byPair:   make(map[string]map[string]*Account, len(pairs)),
	}

	for _, ac := range accounts {
		rps, burst := 5.0, 10
		if lim, ok := limits[ac.Venue]; ok {
			if lim.RPS > 0 {
				rps = lim.RPS
			}
			if lim.Burst > 0 {
				burst = lim.Burst
			}
		}
		balance := decimal.Zero
		if ac.Balance != "" {
			balance, _ = decimal.NewFromString(ac.Balance)
		}
		p.accounts[ac.ID] = &Account{
			ID:          ac.ID,
			Venue:       ac.Venue,
			Credentials: ac.Credentials,
			Proxy:       ac.Proxy,
			limiter:     rate.NewLimiter(rate.Limit(rps), burst),
			balance:     balance,
			openOrders:  make(map[string]int),
		}
	}

	for _, pc := range pairs {
		assign := make(map[string]*Account, 2)
		for _, ref := range []struct{ acct, venue string }{
			{pc.AccountA, pc.Primary},
			{pc.AccountB, pc.Secondary},
		} {
			a, ok := p.accounts[ref.acct]
			if !ok {
				return nil, fmt.Errorf("pair %s references unknown account %s", pc.PairID, ref.acct)
			}
			if a.Venue != ref.venue {
				return nil, fmt.Errorf("pair %s: account %s belongs to venue %s, assigned to %s",
					pc.PairID, ref.acct, a.Venue, ref.venue)
			}
			assign[ref.venue] = a
		}
		p.byPair[pc.PairID] = assign
	}

	return p, nil
}

// Get returns an account by id.
func (p *Pool) Get(id string) (*Account, bool) {
	a, ok := p.accounts[id]
	return a, ok
}

// For resolves the account assigned to (pairID, venue).
func (p *Pool) For(pairID, venue string) (*Account, error) {
	assign, ok := p.byPair[pairID]
	if !ok {
		return nil, fmt.Errorf("unknown pair %s", pairID)
	}
	a, ok := assign[venue]
	if !ok {
		return nil, fmt.Errorf("pair %s has no account on venue %s", pairID, venue)
	}
	return a, nil
}

// Size returns the number of loaded accounts.
func (p *Pool) Size() int { return len(p.accounts) }

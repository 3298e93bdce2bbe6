package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"solpilot/internal/domain"
)

// In-memory fakes for the service's collaborators. Mirrors of the engine
// package's fakes; kept local so each package's tests stand alone.

type fakePositionStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position
	createErr error
}

func newFakePositionStore(positions ...domain.Position) *fakePositionStore {
	s := &fakePositionStore{positions: make(map[string]domain.Position)}
	for _, p := range positions {
		s.positions[p.ID] = p
	}
	return s
}

func (s *fakePositionStore) Create(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	if _, ok := s.positions[pos.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.positions[pos.ID] = pos
	return nil
}

func (s *fakePositionStore) Update(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[pos.ID]; !ok {
		return domain.ErrNotFound
	}
	s.positions[pos.ID] = pos
	return nil
}

func (s *fakePositionStore) UpdateStopLoss(_ context.Context, id string, peak, allowedPct decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if peak.GreaterThan(pos.PeakPrice) {
		pos.PeakPrice = peak
	}
	pos.CurrentStopLossPct = allowedPct
	pos.LastStopLossUpdate = at
	pos.UpdatedAt = at
	s.positions[id] = pos
	return nil
}

func (s *fakePositionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.positions, id)
	return nil
}

func (s *fakePositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (s *fakePositionStore) GetOpenByAgent(_ context.Context, agentID string) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.AgentID == agentID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakePositionStore) GetOpenByToken(_ context.Context, token string) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.Token == token {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakePositionStore) ListOpenedBefore(_ context.Context, cutoff time.Time) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.OpenedAt.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeBalanceStore struct {
	mu       sync.Mutex
	balances map[string]domain.Balance
}

func newFakeBalanceStore() *fakeBalanceStore {
	return &fakeBalanceStore{balances: make(map[string]domain.Balance)}
}

func balKey(agentID, wallet, token string) string {
	return agentID + ":" + wallet + ":" + token
}

func (s *fakeBalanceStore) Upsert(_ context.Context, agentID, wallet, token string, delta decimal.Decimal) (domain.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := balKey(agentID, wallet, token)
	bal := s.balances[key]
	next := bal.Amount.Add(delta)
	if next.IsNegative() {
		return domain.Balance{}, domain.ErrInvariant
	}
	bal = domain.Balance{AgentID: agentID, Wallet: wallet, Token: token, Amount: next, UpdatedAt: time.Now().UTC()}
	s.balances[key] = bal
	return bal, nil
}

func (s *fakeBalanceStore) Get(_ context.Context, agentID, wallet, token string) (domain.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.balances[balKey(agentID, wallet, token)]
	if !ok {
		return domain.Balance{}, domain.ErrNotFound
	}
	return bal, nil
}

type fakeTransactionStore struct {
	mu     sync.Mutex
	trades []domain.Transaction
}

func (s *fakeTransactionStore) Create(_ context.Context, tx domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.trades {
		if t.ID == tx.ID {
			return domain.ErrAlreadyExists
		}
	}
	s.trades = append(s.trades, tx)
	return nil
}

func (s *fakeTransactionStore) ListByPosition(_ context.Context, positionID string) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Transaction
	for _, t := range s.trades {
		if t.PositionID == positionID {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakeHistoryStore struct {
	mu    sync.Mutex
	swaps []domain.HistoricalSwap
}

func (s *fakeHistoryStore) Create(_ context.Context, swap domain.HistoricalSwap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swaps = append(s.swaps, swap)
	return nil
}

func (s *fakeHistoryStore) ListClosedBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.HistoricalSwap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.HistoricalSwap
	for _, sw := range s.swaps {
		if !sw.ClosedAt.After(cutoff) {
			out = append(out, sw)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeHistoryStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []domain.HistoricalSwap
	var deleted int64
	for _, sw := range s.swaps {
		if sw.ClosedAt.After(cutoff) {
			kept = append(kept, sw)
		} else {
			deleted++
		}
	}
	s.swaps = kept
	return deleted, nil
}

type fakeConfigStore struct {
	mu       sync.Mutex
	partials map[string]domain.PartialRiskConfig
}

func (s *fakeConfigStore) Get(_ context.Context, agentID string) (domain.PartialRiskConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	partial, ok := s.partials[agentID]
	if !ok {
		return domain.PartialRiskConfig{}, domain.ErrNotFound
	}
	return partial, nil
}

func (s *fakeConfigStore) Upsert(_ context.Context, partial domain.PartialRiskConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.partials == nil {
		s.partials = make(map[string]domain.PartialRiskConfig)
	}
	s.partials[partial.AgentID] = partial
	return nil
}

type fakeConfigCache struct {
	mu      sync.Mutex
	configs map[string]domain.AgentRiskConfig
}

func (c *fakeConfigCache) Set(_ context.Context, cfg domain.AgentRiskConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.configs == nil {
		c.configs = make(map[string]domain.AgentRiskConfig)
	}
	c.configs[cfg.AgentID] = cfg
	return nil
}

func (c *fakeConfigCache) Get(_ context.Context, agentID string) (domain.AgentRiskConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, ok := c.configs[agentID]
	if !ok {
		return domain.AgentRiskConfig{}, domain.ErrNotFound
	}
	return cfg, nil
}

func (c *fakeConfigCache) Invalidate(_ context.Context, agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.configs, agentID)
	return nil
}

type fakeAuditStore struct {
	mu     sync.Mutex
	events []string
}

func (s *fakeAuditStore) Log(_ context.Context, event string, _ map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

type passthroughTxManager struct{}

func (passthroughTxManager) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type fakePositionCache struct {
	mu        sync.Mutex
	positions map[string]domain.Position
}

func newFakePositionCache() *fakePositionCache {
	return &fakePositionCache{positions: make(map[string]domain.Position)}
}

func (c *fakePositionCache) Set(_ context.Context, pos domain.Position) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[pos.ID] = pos
	return nil
}

func (c *fakePositionCache) Get(_ context.Context, id string) (domain.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos, ok := c.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (c *fakePositionCache) Delete(_ context.Context, pos domain.Position) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.positions, pos.ID)
	return nil
}

func (c *fakePositionCache) IDsByAgent(_ context.Context, agentID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for id, p := range c.positions {
		if p.AgentID == agentID {
			out = append(out, id)
		}
	}
	return out, nil
}

func (c *fakePositionCache) IDsByToken(_ context.Context, token string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for id, p := range c.positions {
		if p.Token == token {
			out = append(out, id)
		}
	}
	return out, nil
}

type fakeBalanceCache struct {
	mu       sync.Mutex
	balances map[string]domain.Balance
}

func newFakeBalanceCache() *fakeBalanceCache {
	return &fakeBalanceCache{balances: make(map[string]domain.Balance)}
}

func (c *fakeBalanceCache) Set(_ context.Context, bal domain.Balance) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[balKey(bal.AgentID, bal.Wallet, bal.Token)] = bal
	return nil
}

func (c *fakeBalanceCache) Get(_ context.Context, agentID, wallet, token string) (domain.Balance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bal, ok := c.balances[balKey(agentID, wallet, token)]
	if !ok {
		return domain.Balance{}, domain.ErrNotFound
	}
	return bal, nil
}

func (c *fakeBalanceCache) Delete(_ context.Context, agentID, wallet, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.balances, balKey(agentID, wallet, token))
	return nil
}

type fakePriceCache struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func newFakePriceCache() *fakePriceCache {
	return &fakePriceCache{prices: make(map[string]decimal.Decimal)}
}

func (c *fakePriceCache) SetPrice(_ context.Context, token string, price decimal.Decimal, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[token] = price
	return nil
}

func (c *fakePriceCache) GetPrice(_ context.Context, token string) (decimal.Decimal, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	price, ok := c.prices[token]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return price, time.Now().UTC(), nil
}

type fakeLockManager struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeLockManager() *fakeLockManager {
	return &fakeLockManager{held: make(map[string]bool)}
}

func (l *fakeLockManager) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

type fakeIdempotencyStore struct {
	mu      sync.Mutex
	markers map[string]bool
}

func newFakeIdempotencyStore() *fakeIdempotencyStore {
	return &fakeIdempotencyStore{markers: make(map[string]bool)}
}

func (s *fakeIdempotencyStore) CheckAndSet(_ context.Context, key string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markers[key] {
		return false, nil
	}
	s.markers[key] = true
	return true, nil
}

func (s *fakeIdempotencyStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markers, key)
	return nil
}

func (s *fakeIdempotencyStore) IsInProgress(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markers[key], nil
}

type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streams   map[string][][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		published: make(map[string][][]byte),
		streams:   make(map[string][][]byte),
	}
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, _ string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *fakeBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[stream] = append(b.streams[stream], payload)
	return nil
}

func (b *fakeBus) StreamRead(_ context.Context, stream string, _ string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.streams[stream]
	if len(entries) > count {
		entries = entries[:count]
	}
	out := make([]domain.StreamMessage, 0, len(entries))
	for i, e := range entries {
		out = append(out, domain.StreamMessage{ID: string(rune('1' + i)), Payload: e})
	}
	return out, nil
}

var errQuoteDown = errors.New("quote source unavailable")

// fakeSwapper fills quotes at a fixed price: selling tokens yields
// amount*price settlement, buying with settlement yields amount/price tokens.
type fakeSwapper struct {
	mu             sync.Mutex
	price          decimal.Decimal
	settlementMint string
	quoteErr       error
	swapErr        error
	executed       int
}

func (f *fakeSwapper) GetQuote(_ context.Context, inputMint, outputMint string, amount decimal.Decimal) (domain.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quoteErr != nil {
		return domain.Quote{}, f.quoteErr
	}
	out := amount.Mul(f.price)
	if inputMint == f.settlementMint {
		out = amount.Div(f.price)
	}
	return domain.Quote{
		InputMint:  inputMint,
		OutputMint: outputMint,
		InAmount:   amount,
		OutAmount:  out,
	}, nil
}

func (f *fakeSwapper) ExecuteSwap(_ context.Context, quote domain.Quote, _ string, _ bool) (domain.SwapResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.swapErr != nil {
		return domain.SwapResult{}, f.swapErr
	}
	f.executed++
	return domain.SwapResult{
		Success:      true,
		InputAmount:  quote.InAmount,
		OutputAmount: quote.OutAmount,
		TxHash:       "tx-fake",
	}, nil
}

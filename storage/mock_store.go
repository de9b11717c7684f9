package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vicente-simoes/polymarket-copybot-sub000/models"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory Store used by tests and by paper runs that do not
// need persistence. All methods are safe for concurrent use.
type MemStore struct {
	mu sync.RWMutex

	leaders        map[string]*models.Leader // wallet -> leader
	nextLeaderID   int64
	fills          map[string]*models.LeaderFill // dedupeKey -> fill
	fillOrder      []string
	nextFillID     int64
	latency        map[string][]models.LatencyEvent // dedupeKey -> events
	mappings       map[string]*models.MarketMapping // marketKey -> mapping
	quotes         map[string][]models.Quote        // marketKey -> snapshots, append order
	leaderPos      map[string]*models.LeaderPosition
	intents        map[string]*models.PaperIntent // dedupeKey -> intent
	intentOrder    []string
	nextIntentID   int64
	paperPos       map[string]*models.PaperPosition // marketKey -> position
	attempts       map[string]*models.ExecutionAttempt
	attemptOrder   []string
	execFills      map[string][]models.ExecutionFill // attemptID -> fills
	nextExecFillID int64
	resolutions    []models.Resolution
	nextResID      int64
	risk           map[string]*models.RiskState // day -> state
	leases         map[string]*models.Lease

	now func() time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		leaders:   make(map[string]*models.Leader),
		fills:     make(map[string]*models.LeaderFill),
		latency:   make(map[string][]models.LatencyEvent),
		mappings:  make(map[string]*models.MarketMapping),
		quotes:    make(map[string][]models.Quote),
		leaderPos: make(map[string]*models.LeaderPosition),
		intents:   make(map[string]*models.PaperIntent),
		paperPos:  make(map[string]*models.PaperPosition),
		attempts:  make(map[string]*models.ExecutionAttempt),
		execFills: make(map[string][]models.ExecutionFill),
		risk:      make(map[string]*models.RiskState),
		leases:    make(map[string]*models.Lease),
		now:       time.Now,
	}
}

// SetClock overrides the store's clock. Tests use this to expire leases
// without sleeping.
func (s *MemStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemStore) Close() error { return nil }

// --- Leaders ---

func (s *MemStore) CreateLeader(_ context.Context, leader models.Leader) (*models.Leader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLeaderID++
	leader.ID = s.nextLeaderID
	leader.CreatedAt = s.now()
	leader.UpdatedAt = leader.CreatedAt
	cp := leader
	s.leaders[strings.ToLower(leader.Wallet)] = &cp
	return &leader, nil
}

func (s *MemStore) UpdateLeader(_ context.Context, leader models.Leader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.leaders[strings.ToLower(leader.Wallet)]
	if !ok {
		return nil
	}
	existing.Name = leader.Name
	existing.Enabled = leader.Enabled
	existing.Overrides = leader.Overrides
	existing.UpdatedAt = s.now()
	return nil
}

func (s *MemStore) DeleteLeader(_ context.Context, wallet string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leaders, strings.ToLower(wallet))
	return nil
}

func (s *MemStore) GetLeader(_ context.Context, wallet string) (*models.Leader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.leaders[strings.ToLower(wallet)]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (s *MemStore) ListLeaders(_ context.Context, enabledOnly bool) ([]models.Leader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Leader
	for _, l := range s.leaders {
		if enabledOnly && !l.Enabled {
			continue
		}
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) UpdateLeaderCursor(_ context.Context, wallet string, cursor time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leaders[strings.ToLower(wallet)]
	if !ok {
		return nil
	}
	if cursor.After(l.CursorTs) {
		l.CursorTs = cursor
		l.UpdatedAt = s.now()
	}
	return nil
}

// --- Fills ---

func (s *MemStore) InsertFill(_ context.Context, fill models.LeaderFill) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.fills[fill.DedupeKey]; ok {
		return existing.ID, false, nil
	}
	s.nextFillID++
	fill.ID = s.nextFillID
	fill.InsertedAt = s.now()
	cp := fill
	s.fills[fill.DedupeKey] = &cp
	s.fillOrder = append(s.fillOrder, fill.DedupeKey)
	return fill.ID, true, nil
}

func (s *MemStore) GetFillByDedupeKey(_ context.Context, key string) (*models.LeaderFill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fills[key]
	if !ok {
		return nil, nil
	}
	cp := *f
	return &cp, nil
}

func (s *MemStore) HasAPIFillForTx(_ context.Context, wallet, txHash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.fills {
		if f.Source == models.SourceAPI &&
			strings.EqualFold(f.LeaderWallet, wallet) &&
			strings.EqualFold(f.TxHash, txHash) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) ListFills(_ context.Context, wallet string, limit int) ([]models.LeaderFill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.LeaderFill
	for _, key := range s.fillOrder {
		f := s.fills[key]
		if wallet != "" && !strings.EqualFold(f.LeaderWallet, wallet) {
			continue
		}
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FillTs.After(out[j].FillTs) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Latency events ---

func (s *MemStore) InsertLatencyEvent(_ context.Context, ev models.LatencyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.latency[ev.DedupeKey] {
		if existing.Source == ev.Source {
			return nil
		}
	}
	s.latency[ev.DedupeKey] = append(s.latency[ev.DedupeKey], ev)
	return nil
}

func (s *MemStore) ListLatencyEvents(_ context.Context, dedupeKey string) ([]models.LatencyEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]models.LatencyEvent(nil), s.latency[dedupeKey]...)
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

// --- Market mappings ---

func (s *MemStore) SaveMarketMapping(_ context.Context, m models.MarketMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.Outcome = strings.ToUpper(m.Outcome)
	m.UpdatedAt = s.now()
	cp := m
	s.mappings[models.MarketKey(m.ConditionID, m.Outcome)] = &cp
	return nil
}

func (s *MemStore) GetMarketMapping(_ context.Context, conditionID, outcome string) (*models.MarketMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mappings[models.MarketKey(conditionID, outcome)]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *MemStore) GetMappingByToken(_ context.Context, tokenID string) (*models.MarketMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.mappings {
		if m.TokenID == tokenID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

// --- Quotes ---

func (s *MemStore) SaveQuote(_ context.Context, q models.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[q.MarketKey] = append(s.quotes[q.MarketKey], q)
	return nil
}

func (s *MemStore) LatestQuote(_ context.Context, marketKey string) (*models.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.quotes[marketKey]
	if len(snaps) == 0 {
		return nil, nil
	}
	cp := snaps[len(snaps)-1]
	return &cp, nil
}

// --- Leader positions ---

func (s *MemStore) GetLeaderPosition(_ context.Context, wallet, conditionID, outcome string) (models.LeaderPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := strings.ToLower(wallet) + "|" + models.MarketKey(conditionID, outcome)
	if p, ok := s.leaderPos[key]; ok {
		return *p, nil
	}
	return models.LeaderPosition{LeaderWallet: wallet, ConditionID: conditionID, Outcome: outcome}, nil
}

func (s *MemStore) SaveLeaderPosition(_ context.Context, pos models.LeaderPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos.UpdatedAt = s.now()
	key := strings.ToLower(pos.LeaderWallet) + "|" + models.MarketKey(pos.ConditionID, pos.Outcome)
	cp := pos
	s.leaderPos[key] = &cp
	return nil
}

// --- Intents ---

func (s *MemStore) InsertIntent(_ context.Context, intent models.PaperIntent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intents[intent.DedupeKey]; ok {
		return 0, nil
	}
	s.nextIntentID++
	intent.ID = s.nextIntentID
	intent.CreatedAt = s.now()
	cp := intent
	s.intents[intent.DedupeKey] = &cp
	s.intentOrder = append(s.intentOrder, intent.DedupeKey)
	return intent.ID, nil
}

func (s *MemStore) GetIntentByDedupeKey(_ context.Context, key string) (*models.PaperIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.intents[key]
	if !ok {
		return nil, nil
	}
	cp := *it
	return &cp, nil
}

func (s *MemStore) ListIntents(_ context.Context, limit int) ([]models.PaperIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PaperIntent
	for i := len(s.intentOrder) - 1; i >= 0; i-- {
		out = append(out, *s.intents[s.intentOrder[i]])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- Paper positions ---

func (s *MemStore) GetPaperPosition(_ context.Context, conditionID, outcome string) (models.PaperPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.paperPos[models.MarketKey(conditionID, outcome)]; ok {
		return *p, nil
	}
	return models.PaperPosition{ConditionID: conditionID, Outcome: outcome}, nil
}

func (s *MemStore) SavePaperPosition(_ context.Context, pos models.PaperPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos.UpdatedAt = s.now()
	cp := pos
	s.paperPos[models.MarketKey(pos.ConditionID, pos.Outcome)] = &cp
	return nil
}

func (s *MemStore) ListOpenPaperPositions(_ context.Context) ([]models.PaperPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PaperPosition
	for _, p := range s.paperPos {
		if p.Open {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemStore) CountOpenPaperPositions(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.paperPos {
		if p.Open && p.Shares > 0 {
			n++
		}
	}
	return n, nil
}

// --- Execution attempts ---

func (s *MemStore) InsertAttempt(_ context.Context, a models.ExecutionAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := a
	s.attempts[a.ID] = &cp
	s.attemptOrder = append(s.attemptOrder, a.ID)
	return nil
}

func (s *MemStore) UpdateAttempt(_ context.Context, a models.ExecutionAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.attempts[a.ID]
	if !ok {
		return nil
	}
	existing.Status = a.Status
	existing.FilledShares = a.FilledShares
	existing.AvgFillPrice = a.AvgFillPrice
	existing.CompletedAt = a.CompletedAt
	return nil
}

func (s *MemStore) GetAttempt(_ context.Context, id string) (*models.ExecutionAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *MemStore) ListAttempts(_ context.Context, limit int) ([]models.ExecutionAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ExecutionAttempt
	for i := len(s.attemptOrder) - 1; i >= 0; i-- {
		out = append(out, *s.attempts[s.attemptOrder[i]])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) InsertExecutionFill(_ context.Context, f models.ExecutionFill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextExecFillID++
	f.ID = s.nextExecFillID
	s.execFills[f.AttemptID] = append(s.execFills[f.AttemptID], f)
	return nil
}

func (s *MemStore) ListExecutionFills(_ context.Context, attemptID string) ([]models.ExecutionFill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.ExecutionFill(nil), s.execFills[attemptID]...), nil
}

// --- Resolutions ---

func (s *MemStore) InsertResolution(_ context.Context, r models.Resolution) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextResID++
	r.ID = s.nextResID
	r.CreatedAt = s.now()
	s.resolutions = append(s.resolutions, r)
	return r.ID, nil
}

func (s *MemStore) ListResolutions(_ context.Context, conditionID string) ([]models.Resolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Resolution
	for i := len(s.resolutions) - 1; i >= 0; i-- {
		r := s.resolutions[i]
		if conditionID != "" && r.ConditionID != conditionID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// --- Risk state ---

func (s *MemStore) GetRiskState(_ context.Context, day string) (*models.RiskState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rs, ok := s.risk[day]; ok {
		cp := *rs
		cp.EventSpendUsdc = make(map[string]float64, len(rs.EventSpendUsdc))
		for k, v := range rs.EventSpendUsdc {
			cp.EventSpendUsdc[k] = v
		}
		return &cp, nil
	}
	return &models.RiskState{
		Day:            day,
		EventSpendUsdc: map[string]float64{},
		QuoteFresh:     true,
		ChainFresh:     true,
	}, nil
}

func (s *MemStore) SaveRiskState(_ context.Context, rs models.RiskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := rs
	cp.EventSpendUsdc = make(map[string]float64, len(rs.EventSpendUsdc))
	for k, v := range rs.EventSpendUsdc {
		cp.EventSpendUsdc[k] = v
	}
	s.risk[rs.Day] = &cp
	return nil
}

// --- Leases ---

func (s *MemStore) TryAcquireLease(_ context.Context, name, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	l, ok := s.leases[name]
	if ok && now.Sub(l.RenewedAt) < ttl {
		return false, nil
	}
	s.leases[name] = &models.Lease{Name: name, Owner: owner, RenewedAt: now}
	return true, nil
}

func (s *MemStore) RenewLease(_ context.Context, name, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[name]
	if !ok || l.Owner != owner {
		return false, nil
	}
	l.RenewedAt = s.now()
	return true, nil
}

func (s *MemStore) ReleaseLease(_ context.Context, name, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[name]; ok && l.Owner == owner {
		delete(s.leases, name)
	}
	return nil
}

func (s *MemStore) GetLease(_ context.Context, name string) (*models.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.leases[name]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

// --- Reset ---

func (s *MemStore) ResetPaperState(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents = make(map[string]*models.PaperIntent)
	s.intentOrder = nil
	s.paperPos = make(map[string]*models.PaperPosition)
	s.attempts = make(map[string]*models.ExecutionAttempt)
	s.attemptOrder = nil
	s.execFills = make(map[string][]models.ExecutionFill)
	s.resolutions = nil
	s.risk = make(map[string]*models.RiskState)
	return nil
}

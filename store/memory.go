package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store implementation.
//
// Thread-safe with mutex protection. Entities are copied on the way in and
// out so callers never share memory with the store. Suitable for tests and
// single-instance deployments; production deployments put a real database
// behind the same interfaces.
type Memory struct {
	mu           sync.Mutex
	transactions map[string]*Transaction
	settlements  map[string]*Settlement
	agents       map[string]*Agent
	services     map[string]*Service
	ratings      map[string]*Rating
	disputes     map[string]*Dispute
	deliveries   map[string]*WebhookDelivery
	configs      map[string]*WebhookConfig
	schedules    map[string]*SettlementSchedule
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		transactions: make(map[string]*Transaction),
		settlements:  make(map[string]*Settlement),
		agents:       make(map[string]*Agent),
		services:     make(map[string]*Service),
		ratings:      make(map[string]*Rating),
		disputes:     make(map[string]*Dispute),
		deliveries:   make(map[string]*WebhookDelivery),
		configs:      make(map[string]*WebhookConfig),
		schedules:    make(map[string]*SettlementSchedule),
	}
}

func ensureID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

func (m *Memory) CreateTransaction(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ensureID(&tx.ID)
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	cp := *tx
	m.transactions[tx.ID] = &cp
	return nil
}

func (m *Memory) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *Memory) FindTransactions(_ context.Context, filter TransactionFilter) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idSet := make(map[string]bool, len(filter.IDs))
	for _, id := range filter.IDs {
		idSet[id] = true
	}

	var out []*Transaction
	for _, tx := range m.transactions {
		if filter.ServiceID != "" && tx.ServiceID != filter.ServiceID {
			continue
		}
		if filter.RecipientAddress != "" && tx.RecipientAddress != filter.RecipientAddress {
			continue
		}
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		if filter.Unsettled && tx.SettledAt != nil {
			continue
		}
		if len(idSet) > 0 && !idSet[tx.ID] {
			continue
		}
		cp := *tx
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) MarkTransactionsSettled(_ context.Context, ids []string, settlementID, signature string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		tx, ok := m.transactions[id]
		if !ok {
			return ErrNotFound
		}
		settledAt := at
		tx.SettledAt = &settledAt
		tx.SettlementID = settlementID
		tx.SettlementSignature = signature
	}
	return nil
}

func (m *Memory) CreateSettlement(_ context.Context, s *Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ensureID(&s.ID)
	if s.RequestedAt.IsZero() {
		s.RequestedAt = time.Now()
	}
	cp := *s
	m.settlements[s.ID] = &cp
	return nil
}

func (m *Memory) GetSettlement(_ context.Context, id string) (*Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.settlements[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) UpdateSettlement(_ context.Context, s *Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.settlements[s.ID]; !ok {
		return ErrNotFound
	}
	cp := *s
	m.settlements[s.ID] = &cp
	return nil
}

func (m *Memory) CreateAgent(_ context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ensureID(&a.ID)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	cp := *a
	m.agents[a.ID] = &cp
	return nil
}

func (m *Memory) GetAgent(_ context.Context, id string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) GetAgentByWallet(_ context.Context, wallet string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.agents {
		if a.WalletAddress == wallet {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpdateAgent(_ context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[a.ID]; !ok {
		return ErrNotFound
	}
	cp := *a
	m.agents[a.ID] = &cp
	return nil
}

func (m *Memory) CreateDispute(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ensureID(&d.ID)
	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

func (m *Memory) CreateService(_ context.Context, s *Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ensureID(&s.ID)
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	cp := *s
	m.services[s.ID] = &cp
	return nil
}

func (m *Memory) GetService(_ context.Context, id string) (*Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.services[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) GetServiceByURL(_ context.Context, url string) (*Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.services {
		if s.URL == url {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpdateService(_ context.Context, s *Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.services[s.ID]; !ok {
		return ErrNotFound
	}
	cp := *s
	m.services[s.ID] = &cp
	return nil
}

func (m *Memory) FindServices(_ context.Context, filter ServiceFilter) ([]*Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Service
	for _, s := range m.services {
		if filter.Category != "" && s.Category != filter.Category {
			continue
		}
		if filter.OwnerWallet != "" && s.OwnerWallet != filter.OwnerWallet {
			continue
		}
		if filter.Verified != nil && s.Verified != *filter.Verified {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreateRating(_ context.Context, r *Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ensureID(&r.ID)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	cp := *r
	m.ratings[r.ID] = &cp
	return nil
}

func (m *Memory) FindRatingByTransaction(_ context.Context, transactionID string) (*Rating, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.ratings {
		if r.TransactionID == transactionID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) FindRatings(_ context.Context, serviceID string) ([]*Rating, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Rating
	for _, r := range m.ratings {
		if r.ServiceID == serviceID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreateWebhookDelivery(_ context.Context, d *WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ensureID(&d.ID)
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	cp := *d
	m.deliveries[d.ID] = &cp
	return nil
}

func (m *Memory) GetWebhookDelivery(_ context.Context, id string) (*WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) UpdateWebhookDelivery(_ context.Context, d *WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deliveries[d.ID]; !ok {
		return ErrNotFound
	}
	cp := *d
	m.deliveries[d.ID] = &cp
	return nil
}

func (m *Memory) FindDueWebhookDeliveries(_ context.Context, now time.Time, limit int) ([]*WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*WebhookDelivery
	for _, d := range m.deliveries {
		if d.Status != DeliveryPending || d.NextRetryAt.After(now) {
			continue
		}
		cp := *d
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) CreateWebhookConfig(_ context.Context, c *WebhookConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ensureID(&c.ID)
	cp := *c
	m.configs[c.ID] = &cp
	return nil
}

func (m *Memory) FindWebhookConfig(_ context.Context, webhookURL string) (*WebhookConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.configs {
		if c.WebhookURL == webhookURL {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) CreateSettlementSchedule(_ context.Context, s *SettlementSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ensureID(&s.ID)
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

func (m *Memory) FindEnabledSchedules(_ context.Context) ([]*SettlementSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*SettlementSchedule
	for _, s := range m.schedules {
		if s.Enabled {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) DeleteSettlementSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.schedules[id]; !ok {
		return ErrNotFound
	}
	delete(m.schedules, id)
	return nil
}

// Ensure Memory implements Store
var _ Store = (*Memory)(nil)

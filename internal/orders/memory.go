package orders

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imrishuroy/go-storefront-payments/internal/inventory"
)

// MemoryStore is a Repository held in process memory. A single mutex
// serializes every write, which gives TryMarkPaid the same exactly-once
// guarantee the transactional backends provide. Used for local runs and
// as the reference backend in tests.
type MemoryStore struct {
	mu       sync.Mutex
	orders   map[string]Order
	payments map[string]Payment
	products map[string]Product
	cards    map[string]Card
	adjuster *inventory.Adjuster
	nowFunc  func() time.Time
}

func NewMemoryStore(adjuster *inventory.Adjuster) *MemoryStore {
	if adjuster == nil {
		adjuster = inventory.NewAdjuster(slog.Default(), nil)
	}
	return &MemoryStore{
		orders:   map[string]Order{},
		payments: map[string]Payment{},
		products: map[string]Product{},
		cards:    map[string]Card{},
		adjuster: adjuster,
		nowFunc:  time.Now,
	}
}

var _ Repository = (*MemoryStore)(nil)

func (m *MemoryStore) CreateOrder(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.OrderID]; ok {
		return fmt.Errorf("order %s already exists", o.OrderID)
	}
	m.orders[o.OrderID] = copyOrder(*o)
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, orderID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, nil
	}
	cp := copyOrder(o)
	return &cp, nil
}

func (m *MemoryStore) AttachPreference(_ context.Context, orderID, preferenceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	o.PreferenceID = preferenceID
	o.UpdatedAt = m.nowFunc().UTC()
	m.orders[orderID] = o
	return nil
}

func (m *MemoryStore) Reopen(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Status != StatusFailed {
		return ErrStatusMismatch
	}
	now := m.nowFunc().UTC()
	o.Status = StatusPending
	o.UpdatedAt = now
	o.ReopenedAt = &now
	m.orders[orderID] = o
	return nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, orderID string, expected, next Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Status != expected {
		return ErrStatusMismatch
	}
	o.Status = next
	o.UpdatedAt = m.nowFunc().UTC()
	m.orders[orderID] = o
	return nil
}

func (m *MemoryStore) TryMarkPaid(ctx context.Context, orderID string, p Payment) (bool, error) {
	m.mu.Lock()
	o, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return false, ErrNotFound
	}
	if o.Status != StatusPending {
		m.mu.Unlock()
		return false, nil
	}

	changes, anomalies := m.adjuster.Decrement(orderID, InventoryLines(o.Items), m.levels(o.Items))
	m.apply(changes)

	now := m.nowFunc().UTC()
	if p.PaymentID == "" {
		p.PaymentID = uuid.NewString()
	}
	p.OrderID = orderID
	p.CreatedAt = now
	m.payments[p.PaymentID] = p

	o.Status = StatusPaid
	o.PaymentID = p.PaymentID
	o.PaidAt = &now
	o.UpdatedAt = now
	m.orders[orderID] = o
	m.mu.Unlock()

	m.adjuster.Report(ctx, anomalies)
	return true, nil
}

func (m *MemoryStore) TransitionWithRestock(_ context.Context, orderID string, expected, next Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	if o.Status != expected {
		return ErrStatusMismatch
	}
	m.apply(m.adjuster.Restore(InventoryLines(o.Items), m.levels(o.Items)))
	o.Status = next
	o.UpdatedAt = m.nowFunc().UTC()
	m.orders[orderID] = o
	return nil
}

func (m *MemoryStore) ListPayments(_ context.Context, orderID string) ([]Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Payment
	for _, p := range m.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetProducts(_ context.Context, productIDs []string) (map[string]Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Product, len(productIDs))
	for _, id := range productIDs {
		if p, ok := m.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *MemoryStore) PutProduct(_ context.Context, p Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.products[p.ProductID]; ok && p.Version <= cur.Version {
		p.Version = cur.Version + 1
	}
	m.products[p.ProductID] = p
	return nil
}

func (m *MemoryStore) SaveCard(_ context.Context, c Card) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cards[c.CardID]; ok {
		return fmt.Errorf("card %s already exists", c.CardID)
	}
	m.cards[c.CardID] = c
	return nil
}

func (m *MemoryStore) GetCard(_ context.Context, cardID string) (*Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[cardID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *MemoryStore) ListCards(_ context.Context, userID string) ([]Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Card
	for _, c := range m.cards {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CardID < out[j].CardID })
	return out, nil
}

func (m *MemoryStore) DeactivateCard(_ context.Context, userID, cardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[cardID]
	if !ok || c.UserID != userID {
		return ErrNotFound
	}
	c.Active = false
	m.cards[cardID] = c
	return nil
}

// levels must be called with mu held.
func (m *MemoryStore) levels(items []LineItem) map[string]inventory.Level {
	out := make(map[string]inventory.Level, len(items))
	for _, id := range ProductIDs(items) {
		if p, ok := m.products[id]; ok {
			out[id] = inventory.Level{Stock: p.Stock, Version: p.Version}
		}
	}
	return out
}

// apply must be called with mu held.
func (m *MemoryStore) apply(changes []inventory.Change) {
	for _, ch := range changes {
		p, ok := m.products[ch.ProductID]
		if !ok {
			continue
		}
		p.Stock = ch.After
		p.Version++
		m.products[ch.ProductID] = p
	}
}

func copyOrder(o Order) Order {
	o.Items = append([]LineItem(nil), o.Items...)
	if o.PaidAt != nil {
		t := *o.PaidAt
		o.PaidAt = &t
	}
	return o
}

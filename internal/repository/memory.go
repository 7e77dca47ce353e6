package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"paygate/internal/models"
)

// MemoryStore keeps payments, refunds and orders in process. It applies the
// same conditional-write rules as the Postgres repositories under one
// mutex and backs tests and the "memory" storage driver.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]*models.Payment
	orders   map[string]*models.Order
	refunds  map[string]*models.Refund
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]*models.Payment),
		orders:   make(map[string]*models.Order),
		refunds:  make(map[string]*models.Refund),
	}
}

// SaveOrder inserts or replaces an order.
func (m *MemoryStore) SaveOrder(order *models.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o := *order
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.PaymentStatus == "" {
		o.PaymentStatus = models.OrderUnpaid
	}
	m.orders[o.ID] = &o
}

// PaymentCount is the number of payment records held.
func (m *MemoryStore) PaymentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.payments)
}

func (m *MemoryStore) CreatePending(_ context.Context, payment *models.Payment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.payments[payment.Reference]; exists {
		return false, nil
	}
	stampCreated(&payment.CreatedAt, &payment.UpdatedAt)
	p := *payment
	p.GatewayStatus = models.PaymentStatusPending
	m.payments[p.Reference] = &p
	return true, nil
}

func (m *MemoryStore) GetByReference(_ context.Context, reference string) (*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[reference]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListByOrder(_ context.Context, orderID string) ([]*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Payment
	for _, p := range m.payments {
		if p.OrderID == orderID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) MarkSucceeded(_ context.Context, payment *models.Payment) (models.Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := m.payments[payment.Reference]
	if !ok {
		p := *payment
		p.GatewayStatus = models.PaymentStatusSuccess
		p.CreatedAt, p.UpdatedAt = now, now
		m.payments[p.Reference] = &p
		return models.TransitionCreated, nil
	}
	if existing.IsSuccessful() {
		return models.TransitionNoop, nil
	}

	existing.GatewayStatus = models.PaymentStatusSuccess
	if existing.OrderID == "" {
		existing.OrderID = payment.OrderID
	}
	if payment.Amount.IsPositive() {
		existing.Amount = payment.Amount
	}
	overwrite(&existing.Currency, payment.Currency)
	overwrite(&existing.GatewayReference, payment.GatewayReference)
	overwrite(&existing.PaymentMethod, payment.PaymentMethod)
	overwrite(&existing.Channel, payment.Channel)
	overwrite(&existing.CardType, payment.CardType)
	overwrite(&existing.CardLast4, payment.CardLast4)
	overwrite(&existing.Bank, payment.Bank)
	existing.GatewayFee = payment.GatewayFee
	if payment.PaidAt != nil {
		existing.PaidAt = payment.PaidAt
	}
	if payment.VerifiedAt != nil {
		existing.VerifiedAt = payment.VerifiedAt
	}
	if len(payment.RawResponse) > 0 {
		existing.RawResponse = payment.RawResponse
	}
	existing.UpdatedAt = now
	return models.TransitionUpdated, nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, reference string, raw json.RawMessage, verifiedAt *time.Time) (models.Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.payments[reference]
	if !ok || existing.IsSuccessful() {
		return models.TransitionNoop, nil
	}
	existing.GatewayStatus = models.PaymentStatusFailed
	if len(raw) > 0 {
		existing.RawResponse = raw
	}
	if verifiedAt != nil {
		existing.VerifiedAt = verifiedAt
	}
	existing.UpdatedAt = time.Now().UTC()
	return models.TransitionUpdated, nil
}

func (m *MemoryStore) FindByPaymentReference(_ context.Context, reference string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, o := range m.orders {
		if o.PaymentReference != "" && o.PaymentReference == reference {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) FindByOrderNumber(_ context.Context, orderNumber string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, o := range m.orders {
		if o.OrderNumber == orderNumber {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) SetPaymentReference(_ context.Context, orderID, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	o.PaymentReference = reference
	return nil
}

func (m *MemoryStore) MarkPaid(_ context.Context, orderID, reference string, paidAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok || o.PaymentStatus == models.OrderPaid {
		return false, nil
	}
	o.PaymentStatus = models.OrderPaid
	o.PaidAt = &paidAt
	if o.PaymentReference == "" {
		o.PaymentReference = reference
	}
	return true, nil
}

func (m *MemoryStore) MarkPaymentFailed(_ context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok || o.PaymentStatus != models.OrderUnpaid {
		return false, nil
	}
	o.PaymentStatus = models.OrderFailed
	return true, nil
}

func (m *MemoryStore) CreateRefund(_ context.Context, refund *models.Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.refunds[refund.RefundReference]; exists {
		return fmt.Errorf("refund %s already recorded", refund.RefundReference)
	}
	stampCreated(&refund.CreatedAt, &refund.UpdatedAt)
	r := *refund
	m.refunds[r.RefundReference] = &r
	return nil
}

func (m *MemoryStore) UpdateRefundStatus(_ context.Context, refundReference string, status models.PaymentStatus, raw json.RawMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.refunds[refundReference]
	if !ok || r.Status == models.PaymentStatusSuccess {
		return false, nil
	}
	r.Status = status
	if len(raw) > 0 {
		r.RawResponse = raw
	}
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) ListRefunds(_ context.Context, paymentReference string) ([]*models.Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Refund
	for _, r := range m.refunds {
		if r.PaymentReference == paymentReference {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func overwrite(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

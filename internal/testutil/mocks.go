package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dukaledger/backoffice/internal/domain/account"
	domainErrors "github.com/dukaledger/backoffice/internal/domain/errors"
	"github.com/dukaledger/backoffice/internal/domain/outbox"
	"github.com/dukaledger/backoffice/internal/domain/payment"
	"github.com/dukaledger/backoffice/internal/providers"
	"github.com/google/uuid"
)

// --- Payment Repository Mock ---

// MockPaymentRepository is an in-memory payment.Repository. It stores copies,
// so callers see the same isolation a database gives them.
type MockPaymentRepository struct {
	mu       sync.Mutex
	payments map[uuid.UUID]payment.PaymentRequest
	byCorrID map[string]uuid.UUID
	events   map[uuid.UUID][]*payment.PaymentEvent

	CreateFunc             func(ctx context.Context, p *payment.PaymentRequest) error
	GetByIDFunc            func(ctx context.Context, id uuid.UUID) (*payment.PaymentRequest, error)
	GetByCorrelationIDFunc func(ctx context.Context, correlationID string) (*payment.PaymentRequest, error)
	MarkResolvedFunc       func(ctx context.Context, p *payment.PaymentRequest) (bool, error)
	LatestCompletedFunc    func(ctx context.Context, accountID uuid.UUID) (*payment.PaymentRequest, error)
	ListByAccountFunc      func(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*payment.PaymentRequest, error)
	AddEventFunc           func(ctx context.Context, event *payment.PaymentEvent) error
	GetEventsFunc          func(ctx context.Context, paymentID uuid.UUID) ([]*payment.PaymentEvent, error)
}

func NewMockPaymentRepository() *MockPaymentRepository {
	return &MockPaymentRepository{
		payments: make(map[uuid.UUID]payment.PaymentRequest),
		byCorrID: make(map[string]uuid.UUID),
		events:   make(map[uuid.UUID][]*payment.PaymentEvent),
	}
}

// AddPayment pre-populates the mock with a request.
func (m *MockPaymentRepository) AddPayment(p *payment.PaymentRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = *p
	m.byCorrID[p.CorrelationID] = p.ID
}

func (m *MockPaymentRepository) Create(ctx context.Context, p *payment.PaymentRequest) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, p)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.byCorrID[p.CorrelationID]; taken {
		return domainErrors.ErrDuplicateCorrelationID
	}
	m.payments[p.ID] = *p
	m.byCorrID[p.CorrelationID] = p.ID
	return nil
}

func (m *MockPaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*payment.PaymentRequest, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, domainErrors.ErrPaymentNotFound
	}
	return &p, nil
}

func (m *MockPaymentRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*payment.PaymentRequest, error) {
	if m.GetByCorrelationIDFunc != nil {
		return m.GetByCorrelationIDFunc(ctx, correlationID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byCorrID[correlationID]
	if !ok {
		return nil, domainErrors.ErrPaymentNotFound
	}
	p := m.payments[id]
	return &p, nil
}

// MarkResolved mirrors the conditional UPDATE: only a Pending row changes.
func (m *MockPaymentRepository) MarkResolved(ctx context.Context, p *payment.PaymentRequest) (bool, error) {
	if m.MarkResolvedFunc != nil {
		return m.MarkResolvedFunc(ctx, p)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.payments[p.ID]
	if !ok || stored.Status != payment.StatusPending {
		return false, nil
	}
	m.payments[p.ID] = *p
	return true, nil
}

func (m *MockPaymentRepository) LatestCompleted(ctx context.Context, accountID uuid.UUID) (*payment.PaymentRequest, error) {
	if m.LatestCompletedFunc != nil {
		return m.LatestCompletedFunc(ctx, accountID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *payment.PaymentRequest
	for _, p := range m.payments {
		if p.AccountID != accountID || p.Status != payment.StatusCompleted {
			continue
		}
		cp := p
		if latest == nil || latest.CompletedBefore(&cp) {
			latest = &cp
		}
	}
	if latest == nil {
		return nil, domainErrors.ErrPaymentNotFound
	}
	return latest, nil
}

func (m *MockPaymentRepository) ListByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*payment.PaymentRequest, error) {
	if m.ListByAccountFunc != nil {
		return m.ListByAccountFunc(ctx, accountID, limit, offset)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*payment.PaymentRequest
	for _, p := range m.payments {
		if p.AccountID == accountID {
			cp := p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	end := len(out)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return out[offset:end], nil
}

func (m *MockPaymentRepository) AddEvent(ctx context.Context, event *payment.PaymentEvent) error {
	if m.AddEventFunc != nil {
		return m.AddEventFunc(ctx, event)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[event.PaymentID] = append(m.events[event.PaymentID], event)
	return nil
}

func (m *MockPaymentRepository) GetEvents(ctx context.Context, paymentID uuid.UUID) ([]*payment.PaymentEvent, error) {
	if m.GetEventsFunc != nil {
		return m.GetEventsFunc(ctx, paymentID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[paymentID], nil
}

// Stored returns the current row for id (test helper, no context needed).
func (m *MockPaymentRepository) Stored(id uuid.UUID) *payment.PaymentRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil
	}
	return &p
}

// Count returns the number of stored requests.
func (m *MockPaymentRepository) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payments)
}

// --- Account Repository Mock ---

// MockAccountRepository is an in-memory account.Repository.
type MockAccountRepository struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]account.Account
	tierSets int

	CreateFunc              func(ctx context.Context, acct *account.Account) error
	GetByIDFunc             func(ctx context.Context, id uuid.UUID) (*account.Account, error)
	GetByPhoneFunc          func(ctx context.Context, phoneNumber string) (*account.Account, error)
	SetSubscriptionTierFunc func(ctx context.Context, id uuid.UUID, tier string) error
}

func NewMockAccountRepository() *MockAccountRepository {
	return &MockAccountRepository{accounts: make(map[uuid.UUID]account.Account)}
}

// AddAccount pre-populates the mock with an account.
func (m *MockAccountRepository) AddAccount(acct *account.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acct.ID] = *acct
}

func (m *MockAccountRepository) Create(ctx context.Context, acct *account.Account) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, acct)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.PhoneNumber == acct.PhoneNumber {
			return domainErrors.ErrAccountExists
		}
	}
	m.accounts[acct.ID] = *acct
	return nil
}

func (m *MockAccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*account.Account, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, domainErrors.ErrAccountNotFound
	}
	return &a, nil
}

func (m *MockAccountRepository) GetByPhone(ctx context.Context, phoneNumber string) (*account.Account, error) {
	if m.GetByPhoneFunc != nil {
		return m.GetByPhoneFunc(ctx, phoneNumber)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.PhoneNumber == phoneNumber {
			return &a, nil
		}
	}
	return nil, domainErrors.ErrAccountNotFound
}

func (m *MockAccountRepository) SetSubscriptionTier(ctx context.Context, id uuid.UUID, tier string) error {
	if m.SetSubscriptionTierFunc != nil {
		return m.SetSubscriptionTierFunc(ctx, id, tier)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return domainErrors.ErrAccountNotFound
	}
	a.SubscriptionTier = tier
	a.UpdatedAt = time.Now().UTC()
	m.accounts[id] = a
	m.tierSets++
	return nil
}

// GetAccountByID returns the stored account (test helper, no context needed).
func (m *MockAccountRepository) GetAccountByID(id uuid.UUID) *account.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil
	}
	return &a
}

// TierSets counts successful SetSubscriptionTier calls.
func (m *MockAccountRepository) TierSets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tierSets
}

// --- Transaction Manager Mock ---

// MockTransactionManager is a mock implementation of TransactionManager.
type MockTransactionManager struct {
	WithTransactionFunc func(ctx context.Context, fn func(ctx context.Context) error) error
}

func NewMockTransactionManager() *MockTransactionManager {
	return &MockTransactionManager{}
}

func (m *MockTransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.WithTransactionFunc != nil {
		return m.WithTransactionFunc(ctx, fn)
	}
	return fn(ctx)
}

// --- Outbox Repository Mock ---

// MockOutboxRepository records entries in memory.
type MockOutboxRepository struct {
	mu        sync.Mutex
	entries   map[uuid.UUID]*outbox.Entry
	published map[uuid.UUID]bool
	failed    map[uuid.UUID]int

	InsertFunc        func(ctx context.Context, entry *outbox.Entry) error
	GetPendingFunc    func(ctx context.Context, limit int) ([]*outbox.Entry, error)
	MarkPublishedFunc func(ctx context.Context, id uuid.UUID) error
	MarkFailedFunc    func(ctx context.Context, id uuid.UUID) error
}

func NewMockOutboxRepository() *MockOutboxRepository {
	return &MockOutboxRepository{
		entries:   make(map[uuid.UUID]*outbox.Entry),
		published: make(map[uuid.UUID]bool),
		failed:    make(map[uuid.UUID]int),
	}
}

func (m *MockOutboxRepository) Insert(ctx context.Context, entry *outbox.Entry) error {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, entry)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.ID] = entry
	return nil
}

// GetPending ignores AvailableAt so tests need not wait out delays.
func (m *MockOutboxRepository) GetPending(ctx context.Context, limit int) ([]*outbox.Entry, error) {
	if m.GetPendingFunc != nil {
		return m.GetPendingFunc(ctx, limit)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*outbox.Entry
	for id, e := range m.entries {
		if m.published[id] || e.Status != outbox.StatusPending {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MockOutboxRepository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	if m.MarkPublishedFunc != nil {
		return m.MarkPublishedFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[id] = true
	if e, ok := m.entries[id]; ok {
		e.Status = outbox.StatusPublished
	}
	return nil
}

func (m *MockOutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	if m.MarkFailedFunc != nil {
		return m.MarkFailedFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[id]++
	return nil
}

// Entries returns every inserted entry.
func (m *MockOutboxRepository) Entries() []*outbox.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*outbox.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}

func (m *MockOutboxRepository) IsPublished(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published[id]
}

func (m *MockOutboxRepository) FailCount(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed[id]
}

// --- Gateway Mock ---

// MockGateway is a providers.Gateway with overridable behaviour. By default it
// behaves like the sandbox.
type MockGateway struct {
	mu    sync.Mutex
	calls []providers.PushRequest

	ModeValue        providers.Mode
	AccessTokenFunc  func(ctx context.Context) (string, error)
	InitiatePushFunc func(ctx context.Context, req providers.PushRequest) (*providers.PushResult, error)
}

func NewMockGateway() *MockGateway {
	return &MockGateway{ModeValue: providers.ModeLive}
}

func (m *MockGateway) Mode() providers.Mode { return m.ModeValue }

func (m *MockGateway) AccessToken(ctx context.Context) (string, error) {
	if m.AccessTokenFunc != nil {
		return m.AccessTokenFunc(ctx)
	}
	return providers.SandboxToken, nil
}

func (m *MockGateway) InitiatePush(ctx context.Context, req providers.PushRequest) (*providers.PushResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	if m.InitiatePushFunc != nil {
		return m.InitiatePushFunc(ctx, req)
	}
	return providers.NewSandboxGateway().InitiatePush(ctx, req)
}

// Calls returns every push request received.
func (m *MockGateway) Calls() []providers.PushRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]providers.PushRequest(nil), m.calls...)
}

// --- Account Locker Mock ---

// MockAccountLocker serializes per account with an in-process mutex.
type MockAccountLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex

	WithAccountLockFunc func(ctx context.Context, accountID uuid.UUID, fn func(ctx context.Context) error) error
}

func NewMockAccountLocker() *MockAccountLocker {
	return &MockAccountLocker{locks: make(map[uuid.UUID]*sync.Mutex)}
}

func (m *MockAccountLocker) WithAccountLock(ctx context.Context, accountID uuid.UUID, fn func(ctx context.Context) error) error {
	if m.WithAccountLockFunc != nil {
		return m.WithAccountLockFunc(ctx, accountID, fn)
	}
	m.mu.Lock()
	l, ok := m.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[accountID] = l
	}
	m.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

// --- Debt Publisher Mock ---

// PublishedMessage is one call recorded by MockDebtPublisher.
type PublishedMessage struct {
	AggregateID string
	EventType   string
	Reason      string
	Data        map[string]any
}

// MockDebtPublisher records published and dead-lettered debts.
type MockDebtPublisher struct {
	mu           sync.Mutex
	published    []PublishedMessage
	deadLettered []PublishedMessage

	PublishFunc      func(ctx context.Context, aggregateID, eventType string, data map[string]any) error
	PublishToDLQFunc func(ctx context.Context, aggregateID, reason string, data map[string]any) error
}

func NewMockDebtPublisher() *MockDebtPublisher {
	return &MockDebtPublisher{}
}

func (m *MockDebtPublisher) Publish(ctx context.Context, aggregateID, eventType string, data map[string]any) error {
	if m.PublishFunc != nil {
		if err := m.PublishFunc(ctx, aggregateID, eventType, data); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, PublishedMessage{AggregateID: aggregateID, EventType: eventType, Data: data})
	return nil
}

func (m *MockDebtPublisher) PublishToDLQ(ctx context.Context, aggregateID, reason string, data map[string]any) error {
	if m.PublishToDLQFunc != nil {
		if err := m.PublishToDLQFunc(ctx, aggregateID, reason, data); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLettered = append(m.deadLettered, PublishedMessage{AggregateID: aggregateID, Reason: reason, Data: data})
	return nil
}

func (m *MockDebtPublisher) Published() []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PublishedMessage(nil), m.published...)
}

func (m *MockDebtPublisher) DeadLettered() []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PublishedMessage(nil), m.deadLettered...)
}

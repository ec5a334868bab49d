package booking

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemorySagaStore keeps sagas and step records in memory. Used by tests and
// as the wiring fallback when no database is configured.
type MemorySagaStore struct {
	mu     sync.Mutex
	sagas  map[string]Instance
	byKey  map[string]string
	steps  map[string]map[Step]StepRecord
	sagaAt map[string]int
	seq    int
}

// NewMemorySagaStore constructs an empty in-memory saga store.
func NewMemorySagaStore() *MemorySagaStore {
	return &MemorySagaStore{
		sagas:  make(map[string]Instance),
		byKey:  make(map[string]string),
		steps:  make(map[string]map[Step]StepRecord),
		sagaAt: make(map[string]int),
	}
}

func (s *MemorySagaStore) Create(ctx context.Context, inst Instance) (Instance, bool, error) {
	if err := ctx.Err(); err != nil {
		return Instance{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[inst.IdempotencyKey]; ok {
		existing := s.sagas[id]
		if existing.UserID != inst.UserID || existing.ListingID != inst.ListingID || existing.Amount != inst.Amount {
			return Instance{}, false, ErrIdempotencyConflict
		}
		return existing, false, nil
	}

	inst.Version = 1
	s.sagas[inst.SagaID] = inst
	s.byKey[inst.IdempotencyKey] = inst.SagaID
	s.seq++
	s.sagaAt[inst.SagaID] = s.seq
	return inst, true, nil
}

func (s *MemorySagaStore) Get(ctx context.Context, sagaID string) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return Instance{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.sagas[sagaID]
	if !ok {
		return Instance{}, ErrSagaNotFound
	}
	return inst, nil
}

func (s *MemorySagaStore) Transition(ctx context.Context, sagaID string, from, to State) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.sagas[sagaID]
	if !ok {
		return false, ErrSagaNotFound
	}
	if inst.State != from {
		return false, nil
	}
	inst.State = to
	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	s.sagas[sagaID] = inst
	return true, nil
}

func (s *MemorySagaStore) SetReason(ctx context.Context, sagaID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.sagas[sagaID]
	if !ok {
		return ErrSagaNotFound
	}
	inst.ReasonCode = reason
	s.sagas[sagaID] = inst
	return nil
}

func (s *MemorySagaStore) ListNonTerminal(ctx context.Context) ([]Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Instance
	for _, inst := range s.sagas {
		if !inst.State.Terminal() {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.sagaAt[out[i].SagaID] < s.sagaAt[out[j].SagaID]
	})
	return out, nil
}

func (s *MemorySagaStore) BeginStep(ctx context.Context, sagaID string, step Step) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sagas[sagaID]; !ok {
		return 0, ErrSagaNotFound
	}
	if s.steps[sagaID] == nil {
		s.steps[sagaID] = make(map[Step]StepRecord)
	}
	rec, ok := s.steps[sagaID][step]
	if !ok {
		rec = StepRecord{SagaID: sagaID, Step: step}
	}
	rec.Status = StepPending
	rec.Attempts++
	rec.UpdatedAt = time.Now().UTC()
	s.steps[sagaID][step] = rec
	return rec.Attempts, nil
}

func (s *MemorySagaStore) FinishStep(ctx context.Context, sagaID string, step Step, status StepStatus, externalRef, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.steps[sagaID][step]
	if !ok {
		rec = StepRecord{SagaID: sagaID, Step: step, Attempts: 1}
		if s.steps[sagaID] == nil {
			s.steps[sagaID] = make(map[Step]StepRecord)
		}
	}
	rec.Status = status
	rec.ExternalRef = externalRef
	rec.LastError = lastError
	rec.UpdatedAt = time.Now().UTC()
	s.steps[sagaID][step] = rec
	return nil
}

func (s *MemorySagaStore) Steps(ctx context.Context, sagaID string) ([]StepRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StepRecord
	for _, st := range stages {
		if rec, ok := s.steps[sagaID][st.step]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

type memoryHold struct {
	token     string
	sagaID    string
	listingID string
	startsAt  time.Time
	endsAt    time.Time
	status    string
	expiresAt time.Time
}

// MemoryReservationClient enforces the overlap invariant in memory: at most
// one held or consumed hold per overlapping (listing, range).
type MemoryReservationClient struct {
	mu    sync.Mutex
	holds map[string]*memoryHold
	now   func() time.Time
}

// NewMemoryReservationClient constructs an in-memory reservation manager.
func NewMemoryReservationClient() *MemoryReservationClient {
	return &MemoryReservationClient{
		holds: make(map[string]*memoryHold),
		now:   time.Now,
	}
}

func (c *MemoryReservationClient) Reserve(ctx context.Context, sagaID, listingID string, startsAt, endsAt time.Time, ttl time.Duration) (Hold, error) {
	if err := ctx.Err(); err != nil {
		return Hold{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, h := range c.holds {
		if h.sagaID == sagaID && h.status != HoldReleased {
			// Idempotent re-reserve by the same saga.
			return Hold{Token: h.token, Status: h.status, ExpiresAt: h.expiresAt}, nil
		}
	}
	for _, h := range c.holds {
		if h.listingID != listingID {
			continue
		}
		active := h.status == HoldConsumed || (h.status == HoldHeld && h.expiresAt.After(now))
		if active && h.startsAt.Before(endsAt) && h.endsAt.After(startsAt) {
			return Hold{}, ErrInventoryConflict
		}
	}

	h := &memoryHold{
		token:     uuid.NewString(),
		sagaID:    sagaID,
		listingID: listingID,
		startsAt:  startsAt,
		endsAt:    endsAt,
		status:    HoldHeld,
		expiresAt: now.Add(ttl),
	}
	c.holds[h.token] = h
	return Hold{Token: h.token, Status: h.status, ExpiresAt: h.expiresAt}, nil
}

func (c *MemoryReservationClient) Consume(ctx context.Context, holdToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.holds[holdToken]
	if !ok {
		return fmt.Errorf("unknown hold token %q", holdToken)
	}
	switch {
	case h.status == HoldConsumed:
		return nil
	case h.status != HoldHeld || !h.expiresAt.After(c.now()):
		return fmt.Errorf("%w: hold expired before consume", ErrInventoryConflict)
	}
	h.status = HoldConsumed
	return nil
}

func (c *MemoryReservationClient) Release(ctx context.Context, holdToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.holds[holdToken]
	if !ok {
		// Releasing an unknown or swept hold is a no-op.
		return nil
	}
	if h.status == HoldConsumed {
		return fmt.Errorf("hold %q already consumed", holdToken)
	}
	h.status = HoldReleased
	return nil
}

func (c *MemoryReservationClient) LookupHold(ctx context.Context, sagaID string) (Hold, bool, error) {
	if err := ctx.Err(); err != nil {
		return Hold{}, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range c.holds {
		if h.sagaID == sagaID {
			return Hold{Token: h.token, Status: h.status, ExpiresAt: h.expiresAt}, true, nil
		}
	}
	return Hold{}, false, nil
}

// SweepExpired releases holds whose TTL elapsed without a consume.
func (c *MemoryReservationClient) SweepExpired(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	released := 0
	for _, h := range c.holds {
		if h.status == HoldHeld && !h.expiresAt.After(now) {
			h.status = HoldReleased
			released++
		}
	}
	return released, nil
}

// HoldStatus reports a hold's status (for testing/inspection).
func (c *MemoryReservationClient) HoldStatus(holdToken string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.holds[holdToken]
	if !ok {
		return "", false
	}
	return h.status, true
}

// MemoryPaymentClient tracks authorizations, captures, voids and refunds in
// memory, idempotent by client key like the real capability.
type MemoryPaymentClient struct {
	mu          sync.Mutex
	authsByKey  map[string]string
	capsByKey   map[string]string
	authStatus  map[string]string
	capStatus   map[string]string
	capAmounts  map[string]float64
	authSeq     int
	capSeq      int
	authorizes  int
	captures    int
	voids       int
	refunds     int
}

// NewMemoryPaymentClient constructs an in-memory payment capability.
func NewMemoryPaymentClient() *MemoryPaymentClient {
	return &MemoryPaymentClient{
		authsByKey: make(map[string]string),
		capsByKey:  make(map[string]string),
		authStatus: make(map[string]string),
		capStatus:  make(map[string]string),
		capAmounts: make(map[string]float64),
	}
}

func (c *MemoryPaymentClient) Authorize(ctx context.Context, amount float64, currency, instrument, idemKey string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authorizes++
	if authID, ok := c.authsByKey[idemKey]; ok {
		return authID, nil
	}
	c.authSeq++
	authID := fmt.Sprintf("auth-%04d", c.authSeq)
	c.authsByKey[idemKey] = authID
	c.authStatus[authID] = "authorized"
	return authID, nil
}

func (c *MemoryPaymentClient) Capture(ctx context.Context, authID, idemKey string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.captures++
	if captureID, ok := c.capsByKey[idemKey]; ok {
		return captureID, nil
	}
	if c.authStatus[authID] != "authorized" {
		return "", fmt.Errorf("authorization %q not capturable", authID)
	}
	c.capSeq++
	captureID := fmt.Sprintf("cap-%04d", c.capSeq)
	c.capsByKey[idemKey] = captureID
	c.capStatus[captureID] = "captured"
	c.authStatus[authID] = "captured"
	return captureID, nil
}

func (c *MemoryPaymentClient) Void(ctx context.Context, authID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voids++
	switch c.authStatus[authID] {
	case "authorized", "voided":
		c.authStatus[authID] = "voided"
		return nil
	case "":
		return fmt.Errorf("unknown authorization %q", authID)
	default:
		return fmt.Errorf("authorization %q already captured", authID)
	}
}

func (c *MemoryPaymentClient) Refund(ctx context.Context, captureID string, amount float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refunds++
	switch c.capStatus[captureID] {
	case "captured", "refunded":
		c.capStatus[captureID] = "refunded"
		c.capAmounts[captureID] = amount
		return nil
	default:
		return fmt.Errorf("unknown capture %q", captureID)
	}
}

func (c *MemoryPaymentClient) LookupAuthorization(ctx context.Context, idemKey string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	authID, ok := c.authsByKey[idemKey]
	return authID, ok, nil
}

func (c *MemoryPaymentClient) LookupCapture(ctx context.Context, idemKey string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	captureID, ok := c.capsByKey[idemKey]
	return captureID, ok, nil
}

// AuthorizationStatus reports an authorization's status (for testing).
func (c *MemoryPaymentClient) AuthorizationStatus(authID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authStatus[authID]
}

// CaptureStatus reports a capture's status (for testing).
func (c *MemoryPaymentClient) CaptureStatus(captureID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capStatus[captureID]
}

// Calls reports how many mutating calls were made (for testing).
func (c *MemoryPaymentClient) Calls() (authorizes, captures, voids, refunds int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authorizes, c.captures, c.voids, c.refunds
}

// MemoryBillingClient issues monotonically numbered invoices in memory.
type MemoryBillingClient struct {
	mu       sync.Mutex
	bySaga   map[string]string
	statuses map[string]string
	seq      int
}

// NewMemoryBillingClient constructs an in-memory billing ledger.
func NewMemoryBillingClient() *MemoryBillingClient {
	return &MemoryBillingClient{
		bySaga:   make(map[string]string),
		statuses: make(map[string]string),
	}
}

func (c *MemoryBillingClient) WriteBill(ctx context.Context, sagaID string, amount float64, currency string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if invoice, ok := c.bySaga[sagaID]; ok {
		return invoice, nil
	}
	c.seq++
	invoice := fmt.Sprintf("INV-%06d", c.seq)
	c.bySaga[sagaID] = invoice
	c.statuses[invoice] = "issued"
	return invoice, nil
}

func (c *MemoryBillingClient) VoidBill(ctx context.Context, invoiceNumber string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.statuses[invoiceNumber] {
	case "issued", "voided":
		c.statuses[invoiceNumber] = "voided"
		return nil
	default:
		return fmt.Errorf("unknown invoice %q", invoiceNumber)
	}
}

func (c *MemoryBillingClient) LookupBill(ctx context.Context, sagaID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	invoice, ok := c.bySaga[sagaID]
	return invoice, ok, nil
}

// InvoiceStatus reports an invoice's status (for testing/inspection).
func (c *MemoryBillingClient) InvoiceStatus(invoiceNumber string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statuses[invoiceNumber]
}

// MemoryOutcomeCache is an in-memory OutcomeCache.
type MemoryOutcomeCache struct {
	mu       sync.Mutex
	outcomes map[string]Result
}

// NewMemoryOutcomeCache constructs an empty in-memory outcome cache.
func NewMemoryOutcomeCache() *MemoryOutcomeCache {
	return &MemoryOutcomeCache{outcomes: make(map[string]Result)}
}

func (c *MemoryOutcomeCache) Get(ctx context.Context, key string) (Result, bool, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.outcomes[key]
	return res, ok, nil
}

func (c *MemoryOutcomeCache) Put(ctx context.Context, key string, res Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[key] = res
	return nil
}

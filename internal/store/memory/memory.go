// Package memory is a transactional in-memory store. Transactions run one at
// a time against a private copy of the state that replaces the shared state
// only on commit, so they are serializable and a failed transaction leaves
// nothing behind.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	guestapp "github.com/dmehra2102/storefront-checkout/internal/guest/application"
	guest "github.com/dmehra2102/storefront-checkout/internal/guest/domain"
	inventoryapp "github.com/dmehra2102/storefront-checkout/internal/inventory/application"
	inventory "github.com/dmehra2102/storefront-checkout/internal/inventory/domain"
	orderapp "github.com/dmehra2102/storefront-checkout/internal/order/application"
	order "github.com/dmehra2102/storefront-checkout/internal/order/domain"
	paymentapp "github.com/dmehra2102/storefront-checkout/internal/payment/application"
	payment "github.com/dmehra2102/storefront-checkout/internal/payment/domain"
	"github.com/dmehra2102/storefront-checkout/pkg/outbox"
)

// FirstOrderNumber is the sequence value of the first order.
const FirstOrderNumber = 1001

type appliedKey struct {
	orderID       string
	transactionID string
}

type state struct {
	variants   map[string]inventory.Variant
	orders     map[string]order.Order
	nextNumber int64
	applied    map[appliedKey]orderapp.AppliedTransaction
	invites    map[string]guest.Invite
	deliveries map[int64]payment.Delivery
	nextDelID  int64
	outbox     []outbox.Event
	leases     map[int64]time.Time
	nextEvtID  int64
}

func (s *state) clone() *state {
	return &state{
		variants:   maps.Clone(s.variants),
		orders:     maps.Clone(s.orders),
		nextNumber: s.nextNumber,
		applied:    maps.Clone(s.applied),
		invites:    maps.Clone(s.invites),
		deliveries: maps.Clone(s.deliveries),
		nextDelID:  s.nextDelID,
		outbox:     append([]outbox.Event(nil), s.outbox...),
		leases:     maps.Clone(s.leases),
		nextEvtID:  s.nextEvtID,
	}
}

type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

func New() *Store {
	return &Store{
		st: &state{
			variants:   make(map[string]inventory.Variant),
			orders:     make(map[string]order.Order),
			nextNumber: FirstOrderNumber,
			applied:    make(map[appliedKey]orderapp.AppliedTransaction),
			invites:    make(map[string]guest.Invite),
			deliveries: make(map[int64]payment.Delivery),
			leases:     make(map[int64]time.Time),
		},
		now: time.Now,
	}
}

// update runs fn on a copy of the state and publishes the copy if fn succeeds.
func (s *Store) update(ctx context.Context, fn func(st *state) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(work); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) view(fn func(st *state)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.st)
}

// PutVariants inserts or replaces catalog variants.
func (s *Store) PutVariants(vs ...inventory.Variant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range vs {
		s.st.variants[v.ID] = v
	}
}

func (s *Store) Variants(ctx context.Context, ids []string) (map[string]inventory.Variant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]inventory.Variant, len(ids))
	s.view(func(st *state) {
		for _, id := range ids {
			if v, ok := st.variants[id]; ok {
				out[id] = v
			}
		}
	})
	return out, nil
}

func (s *Store) StockLevels(ctx context.Context, ids []string) (map[string]int, error) {
	vs, err := s.Variants(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(vs))
	for id, v := range vs {
		out[id] = v.Stock
	}
	return out, nil
}

// Events returns a copy of the outbox in insertion order.
func (s *Store) Events() []outbox.Event {
	var out []outbox.Event
	s.view(func(st *state) { out = append(out, st.outbox...) })
	return out
}

// Deliveries returns the webhook audit log ordered by id.
func (s *Store) Deliveries() []payment.Delivery {
	var out []payment.Delivery
	s.view(func(st *state) {
		for _, d := range st.deliveries {
			out = append(out, d)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Invite looks an invite up by id.
func (s *Store) Invite(id string) (guest.Invite, bool) {
	var (
		inv guest.Invite
		ok  bool
	)
	s.view(func(st *state) { inv, ok = st.invites[id] })
	return inv, ok
}

func appendEvent(st *state, ev outbox.Event) {
	st.nextEvtID++
	ev.ID = st.nextEvtID
	if ev.Status == "" {
		ev.Status = outbox.StatusPending
	}
	st.outbox = append(st.outbox, ev)
}

func lockOrder(st *state, id string) (order.Order, error) {
	o, ok := st.orders[id]
	if !ok {
		return order.Order{}, fmt.Errorf("%w: %s", orderapp.ErrNotFound, id)
	}
	return o, nil
}

// Orders exposes the order repository.
func (s *Store) Orders() *OrderStore { return &OrderStore{s: s} }

// Invites exposes the invite repository.
func (s *Store) Invites() *InviteStore { return &InviteStore{s: s} }

type OrderStore struct{ s *Store }

var _ orderapp.Store = (*OrderStore)(nil)

func (r *OrderStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx orderapp.Tx) error) error {
	return r.s.update(ctx, func(st *state) error {
		return fn(ctx, &orderTx{st: st})
	})
}

func (r *OrderStore) Get(ctx context.Context, id string) (order.Order, error) {
	if err := ctx.Err(); err != nil {
		return order.Order{}, err
	}
	var (
		o   order.Order
		err error
	)
	r.s.view(func(st *state) { o, err = lockOrder(st, id) })
	return o, err
}

type orderTx struct{ st *state }

func (t *orderTx) NextOrderNumber(context.Context) (string, error) {
	n := t.st.nextNumber
	t.st.nextNumber++
	return fmt.Sprintf("ORD-%d", n), nil
}

func (t *orderTx) Insert(_ context.Context, o order.Order) error {
	if _, ok := t.st.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	for _, existing := range t.st.orders {
		if existing.Number == o.Number {
			return fmt.Errorf("order number %s already exists", o.Number)
		}
	}
	t.st.orders[o.ID] = o
	return nil
}

func (t *orderTx) LockOrder(_ context.Context, id string) (order.Order, error) {
	return lockOrder(t.st, id)
}

func (t *orderTx) Update(_ context.Context, o order.Order) error {
	if _, ok := t.st.orders[o.ID]; !ok {
		return fmt.Errorf("%w: %s", orderapp.ErrNotFound, o.ID)
	}
	t.st.orders[o.ID] = o
	return nil
}

func (t *orderTx) TransactionApplied(_ context.Context, orderID, transactionID string) (bool, error) {
	_, ok := t.st.applied[appliedKey{orderID, transactionID}]
	return ok, nil
}

func (t *orderTx) RecordTransaction(_ context.Context, a orderapp.AppliedTransaction) error {
	k := appliedKey{a.OrderID, a.TransactionID}
	if _, ok := t.st.applied[k]; ok {
		return fmt.Errorf("transaction %s already recorded for order %s", a.TransactionID, a.OrderID)
	}
	t.st.applied[k] = a
	return nil
}

func (t *orderTx) Stock() inventoryapp.StockStore { return stockTx{st: t.st} }

func (t *orderTx) AppendOutbox(_ context.Context, ev outbox.Event) error {
	appendEvent(t.st, ev)
	return nil
}

type stockTx struct{ st *state }

func (t stockTx) DecrementAll(_ context.Context, lines []inventory.Line) ([]string, error) {
	var failed []string
	for _, l := range lines {
		v, ok := t.st.variants[l.VariantID]
		if !ok || v.Stock < l.Quantity {
			failed = append(failed, l.VariantID)
		}
	}
	if len(failed) > 0 {
		return failed, nil
	}
	for _, l := range lines {
		v := t.st.variants[l.VariantID]
		v.Stock -= l.Quantity
		t.st.variants[l.VariantID] = v
	}
	return nil, nil
}

func (t stockTx) RestoreAll(_ context.Context, lines []inventory.Line) error {
	for _, l := range lines {
		v, ok := t.st.variants[l.VariantID]
		if !ok {
			return fmt.Errorf("variant %s not found", l.VariantID)
		}
		v.Stock += l.Quantity
		t.st.variants[l.VariantID] = v
	}
	return nil
}

type InviteStore struct{ s *Store }

var _ guestapp.Store = (*InviteStore)(nil)

func (r *InviteStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx guestapp.Tx) error) error {
	return r.s.update(ctx, func(st *state) error {
		return fn(ctx, &inviteTx{st: st})
	})
}

type inviteTx struct{ st *state }

func (t *inviteTx) LockOrder(_ context.Context, id string) (order.Order, error) {
	return lockOrder(t.st, id)
}

func (t *inviteTx) InsertInvite(_ context.Context, inv guest.Invite) error {
	for _, existing := range t.st.invites {
		if existing.Token == inv.Token {
			return errors.New("invite token collision")
		}
	}
	t.st.invites[inv.ID] = inv
	return nil
}

func (t *inviteTx) LockInvite(_ context.Context, token string) (guest.Invite, error) {
	for _, inv := range t.st.invites {
		if inv.Token == token {
			return inv, nil
		}
	}
	return guest.Invite{}, guest.ErrInviteNotFound
}

func (t *inviteTx) ConsumeInvite(_ context.Context, id, userID string, at time.Time) (bool, error) {
	inv, ok := t.st.invites[id]
	if !ok || inv.ConsumedAt != nil {
		return false, nil
	}
	inv.ConsumedAt = &at
	inv.ConsumedBy = userID
	t.st.invites[id] = inv
	return true, nil
}

func (t *inviteTx) LinkOrder(_ context.Context, orderID, userID string, at time.Time) (bool, error) {
	o, ok := t.st.orders[orderID]
	if !ok || o.UserID != nil {
		return false, nil
	}
	o.UserID = &userID
	o.UpdatedAt = at
	t.st.orders[orderID] = o
	return true, nil
}

func (t *inviteTx) AppendOutbox(_ context.Context, ev outbox.Event) error {
	appendEvent(t.st, ev)
	return nil
}

var _ paymentapp.DeliveryStore = (*Store)(nil)

func (s *Store) Record(ctx context.Context, d payment.Delivery) (int64, error) {
	err := s.update(ctx, func(st *state) error {
		st.nextDelID++
		d.ID = st.nextDelID
		d.Payload = append([]byte(nil), d.Payload...)
		st.deliveries[d.ID] = d
		return nil
	})
	return d.ID, err
}

func (s *Store) Resolve(ctx context.Context, id int64, res paymentapp.Resolution) error {
	return s.update(ctx, func(st *state) error {
		d, ok := st.deliveries[id]
		if !ok {
			return fmt.Errorf("delivery %d not found", id)
		}
		at := res.At
		d.Outcome = res.Outcome
		d.TransactionID = res.TransactionID
		d.MerchantOrderID = res.MerchantOrderID
		d.Detail = res.Detail
		d.ResolvedAt = &at
		st.deliveries[id] = d
		return nil
	})
}

var _ outbox.Store = (*Store)(nil)

func (s *Store) LockBatch(ctx context.Context, relayID string, batchSize, maxRetries int, lease time.Duration) ([]outbox.Event, error) {
	var batch []outbox.Event
	err := s.update(ctx, func(st *state) error {
		now := s.now()
		for i := range st.outbox {
			if len(batch) >= batchSize {
				break
			}
			ev := &st.outbox[i]
			claimable := ev.Status == outbox.StatusPending ||
				(ev.Status == outbox.StatusFailed && ev.RetryCount < maxRetries) ||
				(ev.Status == outbox.StatusInProgress && now.After(st.leases[ev.ID]))
			if !claimable {
				continue
			}
			ev.Status = outbox.StatusInProgress
			ev.RelayID = relayID
			st.leases[ev.ID] = now.Add(lease)
			batch = append(batch, *ev)
		}
		return nil
	})
	return batch, err
}

func (s *Store) MarkSent(ctx context.Context, ids []int64) error {
	return s.setStatus(ctx, ids, func(ev *outbox.Event) {
		ev.Status = outbox.StatusSent
	})
}

func (s *Store) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	return s.setStatus(ctx, []int64{id}, func(ev *outbox.Event) {
		ev.Status = outbox.StatusFailed
		ev.RetryCount++
		ev.LastError = &errMsg
	})
}

func (s *Store) ExtendLease(ctx context.Context, relayID string, ids []int64, lease time.Duration) error {
	return s.update(ctx, func(st *state) error {
		for _, ev := range st.outbox {
			if ev.RelayID == relayID && slices.Contains(ids, ev.ID) {
				st.leases[ev.ID] = s.now().Add(lease)
			}
		}
		return nil
	})
}

func (s *Store) setStatus(ctx context.Context, ids []int64, fn func(ev *outbox.Event)) error {
	return s.update(ctx, func(st *state) error {
		n := 0
		for i := range st.outbox {
			if slices.Contains(ids, st.outbox[i].ID) {
				fn(&st.outbox[i])
				n++
			}
		}
		if n == 0 {
			return errors.New("no outbox rows updated")
		}
		return nil
	})
}

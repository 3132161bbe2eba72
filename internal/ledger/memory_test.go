package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/csims/csims/internal/members"
	"github.com/csims/csims/internal/shared"
)

// memoryStore stages writes per transaction and applies them atomically at
// commit, where balance updates are compare-and-swapped against committed state.
type memoryStore struct {
	mu       sync.Mutex
	accounts map[int64]Account
	members  map[int64]MemberProfile
	txs      []Transaction
	postings []InterestPosting
	nextAcct int64
	seq      int64

	failUpdate error
	conflicts  int
	readDelay  time.Duration
	onRead     func()
}

type statusWrite struct {
	id       int64
	version  int64
	status   AccountStatus
	closedAt *time.Time
}

type memoryTx struct {
	store           *memoryStore
	txs             []Transaction
	reversed        []uuid.UUID
	postings        []InterestPosting
	deletedPostings []uuid.UUID
	updates         []BalanceUpdate
	statuses        []statusWrite
	accounts        []Account
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		accounts: make(map[int64]Account),
		members:  make(map[int64]MemberProfile),
	}
}

func (s *memoryStore) addMember(id int64, status members.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[id] = MemberProfile{
		ID:                    id,
		Status:                status,
		Email:                 "member@example.com",
		Name:                  "Test Member",
		MinimumSavingsBalance: decimal.RequireFromString("50.00"),
		SavingsInterestRate:   decimal.RequireFromString("6.0000"),
	}
}

func (s *memoryStore) addAccount(a Account) Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAcct++
	a.ID = s.nextAcct
	if a.Version == 0 {
		a.Version = 1
	}
	if a.Balance.IsZero() && !a.OpeningBalance.IsZero() {
		a.Balance = a.OpeningBalance
	}
	s.accounts[a.ID] = a
	return a
}

func (s *memoryStore) account(id int64) Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[id]
}

func (s *memoryStore) history(accountID int64) []Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Transaction
	for _, t := range s.txs {
		if t.AccountID == accountID {
			out = append(out, t)
		}
	}
	return out
}

func (s *memoryStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &memoryTx{store: s}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return &shared.StorageError{Op: "commit", Err: err, Transient: true}
	}
	return s.commit(tx)
}

func (s *memoryStore) commit(tx *memoryTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflicts > 0 {
		s.conflicts--
		return shared.ErrConflict
	}
	for _, u := range tx.updates {
		cur := s.accounts[u.AccountID]
		if !cur.Balance.Equal(u.ExpectedBalance) || cur.Version != u.ExpectedVersion {
			return shared.ErrConflict
		}
	}
	for _, w := range tx.statuses {
		if s.accounts[w.id].Version != w.version {
			return shared.ErrConflict
		}
	}
	for _, staged := range tx.txs {
		for _, t := range s.txs {
			if staged.Reference != "" && t.AccountID == staged.AccountID && t.Reference == staged.Reference {
				return shared.ErrConflict
			}
		}
	}
	for _, p := range tx.postings {
		for _, existing := range s.postings {
			if existing.AccountID == p.AccountID && existing.PeriodEnd.Equal(p.PeriodEnd) {
				return shared.Reject(ReasonInterestAlreadyPosted, "duplicate period")
			}
		}
	}

	for _, a := range tx.accounts {
		s.accounts[a.ID] = a
	}
	for _, t := range tx.txs {
		s.seq++
		t.Seq = s.seq
		s.txs = append(s.txs, t)
	}
	for _, id := range tx.reversed {
		for i := range s.txs {
			if s.txs[i].ID == id {
				s.txs[i].Status = TxReversed
			}
		}
	}
	for _, id := range tx.deletedPostings {
		kept := s.postings[:0]
		for _, p := range s.postings {
			if p.TransactionID != id {
				kept = append(kept, p)
			}
		}
		s.postings = kept
	}
	s.postings = append(s.postings, tx.postings...)
	for _, u := range tx.updates {
		a := s.accounts[u.AccountID]
		a.Balance = u.Balance
		a.AccruedInterest = u.AccruedInterest
		a.Status = u.Status
		a.DisbursedAt = u.DisbursedAt
		a.InterestPostedThrough = u.InterestPostedThrough
		a.ClosedAt = u.ClosedAt
		a.Version++
		s.accounts[a.ID] = a
	}
	for _, w := range tx.statuses {
		a := s.accounts[w.id]
		a.Status = w.status
		if w.closedAt != nil {
			a.ClosedAt = w.closedAt
		}
		a.Version++
		s.accounts[a.ID] = a
	}
	return nil
}

func (s *memoryStore) GetAccount(ctx context.Context, id int64) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}

func (s *memoryStore) ListTransactions(ctx context.Context, accountID int64, limit, offset int) ([]Transaction, error) {
	rows := s.history(accountID)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq > rows[j].Seq })
	if offset >= len(rows) {
		return nil, nil
	}
	end := offset + limit
	if end > len(rows) {
		end = len(rows)
	}
	return rows[offset:end], nil
}

func (s *memoryStore) ListInterestBearing(ctx context.Context) ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Account
	for id := int64(1); id <= s.nextAcct; id++ {
		a, ok := s.accounts[id]
		if ok && a.Status == StatusActive && a.Kind != KindContribution && a.InterestRate.IsPositive() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memoryStore) IntegrityReport(ctx context.Context) ([]Discrepancy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sums := make(map[int64]decimal.Decimal)
	for _, t := range s.txs {
		sums[t.AccountID] = sums[t.AccountID].Add(t.Amount)
	}
	var out []Discrepancy
	for id := int64(1); id <= s.nextAcct; id++ {
		a, ok := s.accounts[id]
		if !ok {
			continue
		}
		expected := a.OpeningBalance.Add(sums[id])
		if !a.Balance.Equal(expected) {
			out = append(out, Discrepancy{AccountID: id, Balance: a.Balance, Expected: expected})
		}
	}
	return out, nil
}

func (t *memoryTx) GetAccountForUpdate(ctx context.Context, id int64) (Account, error) {
	if t.store.readDelay > 0 {
		select {
		case <-ctx.Done():
			return Account{}, ctx.Err()
		case <-time.After(t.store.readDelay):
		}
	}
	a, err := t.store.GetAccount(ctx, id)
	if err != nil {
		return Account{}, err
	}
	if t.store.onRead != nil {
		t.store.onRead()
	}
	return a, nil
}

func (t *memoryTx) GetMemberProfile(ctx context.Context, memberID int64) (MemberProfile, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	p, ok := t.store.members[memberID]
	if !ok {
		return MemberProfile{}, ErrMemberNotFound
	}
	return p, nil
}

func (t *memoryTx) FindByReference(ctx context.Context, accountID int64, reference string) (Transaction, bool, error) {
	for _, tx := range t.store.history(accountID) {
		if tx.Reference == reference {
			return tx, true, nil
		}
	}
	return Transaction{}, false, nil
}

func (t *memoryTx) GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (Transaction, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, tx := range t.store.txs {
		if tx.ID == id {
			return tx, nil
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

func (t *memoryTx) LatestInterestPosting(ctx context.Context, accountID int64) (*InterestPosting, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	var latest *InterestPosting
	for i := range t.store.postings {
		p := t.store.postings[i]
		if p.AccountID == accountID && (latest == nil || p.PeriodEnd.After(latest.PeriodEnd)) {
			latest = &p
		}
	}
	return latest, nil
}

func (t *memoryTx) InsertTransaction(ctx context.Context, tx Transaction) (Transaction, error) {
	t.txs = append(t.txs, tx)
	return tx, nil
}

func (t *memoryTx) MarkReversed(ctx context.Context, id uuid.UUID) error {
	t.reversed = append(t.reversed, id)
	return nil
}

func (t *memoryTx) InsertInterestPosting(ctx context.Context, p InterestPosting) error {
	t.postings = append(t.postings, p)
	return nil
}

func (t *memoryTx) DeleteInterestPosting(ctx context.Context, transactionID uuid.UUID) error {
	t.deletedPostings = append(t.deletedPostings, transactionID)
	return nil
}

func (t *memoryTx) UpdateBalance(ctx context.Context, u BalanceUpdate) error {
	if t.store.failUpdate != nil {
		return t.store.failUpdate
	}
	t.updates = append(t.updates, u)
	return nil
}

func (t *memoryTx) InsertAccount(ctx context.Context, a Account) (Account, error) {
	t.store.mu.Lock()
	t.store.nextAcct++
	a.ID = t.store.nextAcct
	t.store.mu.Unlock()
	t.accounts = append(t.accounts, a)
	return a, nil
}

func (t *memoryTx) UpdateAccountStatus(ctx context.Context, id, expectedVersion int64, status AccountStatus, closedAt *time.Time) error {
	t.statuses = append(t.statuses, statusWrite{id: id, version: expectedVersion, status: status, closedAt: closedAt})
	return nil
}

type memoryAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

type memoryNotifier struct {
	mu   sync.Mutex
	sent []shared.Notification
}

func (n *memoryNotifier) Notify(ctx context.Context, msg shared.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

type memoryMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
	retries  int
}

func (m *memoryMetrics) ObserveOperation(txType, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = make(map[string]int)
	}
	m.outcomes[txType+"/"+outcome]++
}

func (m *memoryMetrics) ObserveRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}

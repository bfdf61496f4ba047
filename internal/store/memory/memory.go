package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"fuelpos/backend/internal/domain"
	"fuelpos/backend/internal/store"
	"fuelpos/backend/internal/xid"
)

// Store is the in-memory repository used for dev mode and tests. A single
// mutex serializes every mutating unit, which satisfies the per-counter and
// per-account ordering requirements trivially.
type Store struct {
	mu              sync.RWMutex
	countersByID    map[string]*domain.Counter
	tanksByID       map[string]*domain.Tank
	accountsByKey   map[string]*domain.Account
	salesByID       map[string]*domain.Sale
	entriesByID     map[string]*domain.LedgerEntry
	entryOrder      []string
	saleOrder       []string
	transfersByID   map[string]*domain.TransferRequest
	transferOrder   []string
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

func accountKey(ref domain.AccountRef) string {
	return string(ref.Type) + "/" + ref.ID
}

// seedUsers builds the initial user accounts for dev/demo mode. Credentials
// come from SEED_SUPERVISOR_PASSWORD and SEED_OPERATOR_PASSWORD; hardcoded
// dev defaults are used with a warning when unset.
func seedUsers() map[string]domain.UserAccount {
	supervisorPwd := envOr("SEED_SUPERVISOR_PASSWORD", "supervisor123")
	operatorPwd := envOr("SEED_OPERATOR_PASSWORD", "operator123")
	if os.Getenv("SEED_SUPERVISOR_PASSWORD") == "" || os.Getenv("SEED_OPERATOR_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_SUPERVISOR_PASSWORD and SEED_OPERATOR_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"supervisor", supervisorPwd, "supervisor"},
		{"operator", operatorPwd, "operator"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			StationID: "st-main",
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	dec := func(s string) decimal.Decimal { return decimal.RequireFromString(s) }

	tanks := []domain.Tank{
		{ID: "tank-pertalite", StationID: "st-main", ProductType: "pertalite", CapacityLiters: dec("10000"), CurrentVolume: dec("6200.50")},
		{ID: "tank-solar", StationID: "st-main", ProductType: "solar", CapacityLiters: dec("8000"), CurrentVolume: dec("4750")},
	}
	counters := []domain.Counter{
		{ID: "ctr-p1-a", PumpID: "pump-1", StationID: "st-main", TankID: "tank-pertalite", WorkerID: "wrk-01", ProductType: "pertalite", UnitPrice: dec("10000"), CurrentReading: dec("1250.50")},
		{ID: "ctr-p1-b", PumpID: "pump-1", StationID: "st-main", TankID: "tank-pertalite", WorkerID: "wrk-02", ProductType: "pertalite", UnitPrice: dec("10000"), CurrentReading: dec("980.00")},
		{ID: "ctr-p2-a", PumpID: "pump-2", StationID: "st-main", TankID: "tank-solar", WorkerID: "wrk-03", ProductType: "solar", UnitPrice: dec("6800"), CurrentReading: dec("2400.75")},
	}
	accounts := []domain.Account{
		{Ref: domain.AccountRef{Type: domain.AccountSafe, ID: "safe-01"}, StationID: "st-main", Name: "Brankas Utama", Balance: dec("500000"), DefaultCash: true},
		{Ref: domain.AccountRef{Type: domain.AccountSafe, ID: "safe-02"}, StationID: "st-main", Name: "Brankas Shift Malam", Balance: dec("150000")},
		{Ref: domain.AccountRef{Type: domain.AccountBank, ID: "bank-01"}, StationID: "st-main", Name: "Bank Operasional", AccountNumber: "008-221-0451", Balance: dec("12500000")},
		{Ref: domain.AccountRef{Type: domain.AccountCustomer, ID: "cust-01"}, StationID: "st-main", Name: "PT Angkutan Makmur", Balance: dec("0")},
		{Ref: domain.AccountRef{Type: domain.AccountCustomer, ID: "cust-02"}, StationID: "st-main", Name: "CV Logistik Abadi", Balance: dec("250000")},
	}

	s := &Store{
		countersByID:    make(map[string]*domain.Counter, len(counters)),
		tanksByID:       make(map[string]*domain.Tank, len(tanks)),
		accountsByKey:   make(map[string]*domain.Account, len(accounts)),
		salesByID:       make(map[string]*domain.Sale),
		entriesByID:     make(map[string]*domain.LedgerEntry),
		transfersByID:   make(map[string]*domain.TransferRequest),
		usersByUsername: seedUsers(),
	}
	for i := range tanks {
		t := tanks[i]
		s.tanksByID[t.ID] = &t
	}
	for i := range counters {
		c := counters[i]
		s.countersByID[c.ID] = &c
	}
	for i := range accounts {
		a := accounts[i]
		s.accountsByKey[accountKey(a.Ref)] = &a
	}
	return s
}

func (s *Store) GetCounterState(_ context.Context, counterID string) (*domain.CounterState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counter, ok := s.countersByID[counterID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &domain.CounterState{
		CounterID:       counter.ID,
		PumpID:          counter.PumpID,
		StationID:       counter.StationID,
		TankID:          counter.TankID,
		WorkerID:        counter.WorkerID,
		ProductType:     counter.ProductType,
		PreviousReading: counter.CurrentReading,
		UnitPrice:       counter.UnitPrice,
	}, nil
}

func (s *Store) ListCounters(_ context.Context, stationID string) ([]domain.Counter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counters := make([]domain.Counter, 0, len(s.countersByID))
	for _, c := range s.countersByID {
		if stationID == "" || c.StationID == stationID {
			counters = append(counters, *c)
		}
	}
	sort.Slice(counters, func(i, j int) bool { return counters[i].ID < counters[j].ID })
	return counters, nil
}

func (s *Store) GetTank(_ context.Context, tankID string) (*domain.Tank, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tank, ok := s.tanksByID[tankID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *tank
	return &copied, nil
}

func (s *Store) ListTanks(_ context.Context, stationID string) ([]domain.Tank, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tanks := make([]domain.Tank, 0, len(s.tanksByID))
	for _, t := range s.tanksByID {
		if stationID == "" || t.StationID == stationID {
			tanks = append(tanks, *t)
		}
	}
	sort.Slice(tanks, func(i, j int) bool { return tanks[i].ID < tanks[j].ID })
	return tanks, nil
}

func (s *Store) ReceiveFuel(_ context.Context, tankID string, volume decimal.Decimal, entry *domain.LedgerEntry) (*domain.Tank, []domain.Warning, error) {
	if volume.Sign() <= 0 {
		return nil, nil, store.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tank, ok := s.tanksByID[tankID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}

	if entry != nil {
		if err := s.applyEntryLocked(entry, false); err != nil {
			return nil, nil, err
		}
	}

	tank.CurrentVolume = tank.CurrentVolume.Add(volume)
	var warnings []domain.Warning
	if tank.CurrentVolume.GreaterThan(tank.CapacityLiters) {
		warnings = append(warnings, domain.Warning{
			Code:     domain.WarnOverCapacity,
			EntityID: tank.ID,
			Detail:   fmt.Sprintf("volume %s exceeds capacity %s", tank.CurrentVolume.String(), tank.CapacityLiters.String()),
		})
	}

	copied := *tank
	return &copied, warnings, nil
}

func (s *Store) GetAccount(_ context.Context, ref domain.AccountRef) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accountsByKey[accountKey(ref)]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *account
	return &copied, nil
}

func (s *Store) ListAccounts(_ context.Context, stationID string) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]domain.Account, 0, len(s.accountsByKey))
	for _, a := range s.accountsByKey {
		if stationID == "" || a.StationID == stationID {
			accounts = append(accounts, *a)
		}
	}
	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].Ref.Type != accounts[j].Ref.Type {
			return accounts[i].Ref.Type < accounts[j].Ref.Type
		}
		return accounts[i].Ref.ID < accounts[j].Ref.ID
	})
	return accounts, nil
}

func (s *Store) DefaultCashAccount(_ context.Context, stationID string) (*domain.AccountRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var fallback *domain.AccountRef
	for _, a := range s.accountsByKey {
		if a.Ref.Type != domain.AccountSafe || a.StationID != stationID {
			continue
		}
		if a.DefaultCash {
			ref := a.Ref
			return &ref, nil
		}
		if fallback == nil || a.Ref.ID < fallback.ID {
			ref := a.Ref
			fallback = &ref
		}
	}
	if fallback == nil {
		return nil, store.ErrNotFound
	}
	return fallback, nil
}

// applyEntryLocked validates the entry against the treasury accounts and
// applies its balance deltas. Callers hold the write lock.
func (s *Store) applyEntryLocked(entry *domain.LedgerEntry, enforceBalance bool) error {
	if entry.Amount.Sign() <= 0 {
		return store.ErrInvalidAmount
	}
	if entry.From == nil && entry.To == nil {
		return store.ErrInvalidEntry
	}

	var fromAccount, toAccount *domain.Account
	if entry.From != nil {
		account, ok := s.accountsByKey[accountKey(*entry.From)]
		if !ok {
			return fmt.Errorf("%w: from account %s/%s", store.ErrNotFound, entry.From.Type, entry.From.ID)
		}
		fromAccount = account
	}
	if entry.To != nil {
		account, ok := s.accountsByKey[accountKey(*entry.To)]
		if !ok {
			return fmt.Errorf("%w: to account %s/%s", store.ErrNotFound, entry.To.Type, entry.To.ID)
		}
		toAccount = account
	}

	if fromAccount != nil && enforceBalance && fromAccount.Balance.LessThan(entry.Amount) {
		return store.ErrInsufficientBalance
	}

	if fromAccount != nil {
		fromAccount.Balance = fromAccount.Balance.Sub(entry.Amount)
	}
	if toAccount != nil {
		toAccount.Balance = toAccount.Balance.Add(entry.Amount)
	}

	if entry.ID == "" {
		entry.ID = xid.New("txn")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	copied := *entry
	s.entriesByID[copied.ID] = &copied
	s.entryOrder = append(s.entryOrder, copied.ID)
	return nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale, entry *domain.LedgerEntry) (*domain.Sale, []domain.Warning, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counter, ok := s.countersByID[sale.CounterID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}

	// Re-validate under the lock: another sale may have advanced the meter
	// since the caller read the counter state.
	if !counter.CurrentReading.Equal(sale.OpeningReading) {
		return nil, nil, store.ErrConflict
	}
	if sale.ClosingReading.LessThan(sale.OpeningReading) {
		return nil, nil, store.ErrInvalidReading
	}

	tank, ok := s.tanksByID[counter.TankID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: tank %s", store.ErrNotFound, counter.TankID)
	}

	if entry != nil {
		if err := s.applyEntryLocked(entry, false); err != nil {
			return nil, nil, err
		}
		sale.EntryID = entry.ID
	}

	counter.CurrentReading = sale.ClosingReading
	tank.CurrentVolume = tank.CurrentVolume.Sub(sale.VolumeSold)

	var warnings []domain.Warning
	if tank.CurrentVolume.Sign() < 0 {
		warnings = append(warnings, domain.Warning{
			Code:     domain.WarnStockVariance,
			EntityID: tank.ID,
			Detail:   fmt.Sprintf("tank volume is negative (%s) pending reconciliation", tank.CurrentVolume.String()),
		})
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	copied := sale
	s.salesByID[copied.ID] = &copied
	s.saleOrder = append(s.saleOrder, copied.ID)

	return &copied, warnings, nil
}

func (s *Store) PostEntry(_ context.Context, entry domain.LedgerEntry, enforceBalance bool) (*domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.applyEntryLocked(&entry, enforceBalance); err != nil {
		return nil, err
	}
	copied := entry
	return &copied, nil
}

func (s *Store) CreateTransferRequest(_ context.Context, tr domain.TransferRequest) (*domain.TransferRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accountsByKey[accountKey(tr.From)]; !ok {
		return nil, fmt.Errorf("%w: from account %s/%s", store.ErrNotFound, tr.From.Type, tr.From.ID)
	}
	if _, ok := s.accountsByKey[accountKey(tr.To)]; !ok {
		return nil, fmt.Errorf("%w: to account %s/%s", store.ErrNotFound, tr.To.Type, tr.To.ID)
	}

	if tr.ID == "" {
		tr.ID = xid.New("trf")
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	tr.Status = domain.TransferStatusPending
	copied := tr
	s.transfersByID[copied.ID] = &copied
	s.transferOrder = append(s.transferOrder, copied.ID)
	return &copied, nil
}

func (s *Store) GetTransferRequest(_ context.Context, id string) (*domain.TransferRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tr, ok := s.transfersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *tr
	return &copied, nil
}

func (s *Store) ListTransferRequests(_ context.Context, stationID string, status string, limit int) ([]domain.TransferRequest, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.TransferRequest, 0, limit)
	for i := len(s.transferOrder) - 1; i >= 0 && len(result) < limit; i-- {
		tr := s.transfersByID[s.transferOrder[i]]
		if stationID != "" && tr.StationID != stationID {
			continue
		}
		if status != "" && tr.Status != status {
			continue
		}
		result = append(result, *tr)
	}
	return result, nil
}

func (s *Store) DecideTransfer(_ context.Context, id string, status string, approver string, entry *domain.LedgerEntry, enforceBalance bool, at time.Time) (*domain.TransferRequest, error) {
	if status != domain.TransferStatusApproved && status != domain.TransferStatusRejected {
		return nil, store.ErrInvalidState
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.transfersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if tr.Terminal() {
		return nil, store.ErrInvalidState
	}

	if status == domain.TransferStatusApproved {
		if entry == nil {
			return nil, store.ErrInvalidEntry
		}
		// Posting failure leaves the request pending for a retry.
		if err := s.applyEntryLocked(entry, enforceBalance); err != nil {
			return nil, err
		}
		tr.EntryID = entry.ID
	}

	tr.Status = status
	tr.ApprovedBy = approver
	decidedAt := at.UTC()
	tr.DecidedAt = &decidedAt

	copied := *tr
	return &copied, nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *sale
	return &copied, nil
}

func (s *Store) ListSales(_ context.Context, stationID string, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 200
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, limit)
	for i := len(s.saleOrder) - 1; i >= 0 && len(result) < limit; i-- {
		sale := s.salesByID[s.saleOrder[i]]
		if stationID != "" && sale.StationID != stationID {
			continue
		}
		if !from.IsZero() && sale.SaleDate.Before(from) {
			continue
		}
		if !to.IsZero() && !sale.SaleDate.Before(to) {
			continue
		}
		result = append(result, *sale)
	}
	return result, nil
}

func (s *Store) ListLedgerEntries(_ context.Context, stationID string, account *domain.AccountRef, limit int) ([]domain.LedgerEntry, error) {
	if limit < 1 {
		limit = 200
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := func(entry *domain.LedgerEntry) bool {
		if stationID != "" && entry.StationID != stationID {
			return false
		}
		if account == nil {
			return true
		}
		if entry.From != nil && *entry.From == *account {
			return true
		}
		if entry.To != nil && *entry.To == *account {
			return true
		}
		return false
	}

	result := make([]domain.LedgerEntry, 0, limit)
	for i := len(s.entryOrder) - 1; i >= 0 && len(result) < limit; i-- {
		entry := s.entriesByID[s.entryOrder[i]]
		if matches(entry) {
			result = append(result, *entry)
		}
	}
	return result, nil
}

func (s *Store) GetDailyReport(_ context.Context, stationID string, from time.Time, to time.Time) (domain.DailyReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := domain.DailyReport{
		StationID:   stationID,
		TotalVolume: decimal.Zero,
		TotalAmount: decimal.Zero,
	}

	byProduct := map[string]*domain.ProductTotal{}
	byPayment := map[domain.PaymentMethod]*domain.PaymentTotal{}
	for _, id := range s.saleOrder {
		sale := s.salesByID[id]
		if sale.StationID != stationID || sale.SaleDate.Before(from) || !sale.SaleDate.Before(to) {
			continue
		}
		report.Sales++
		report.TotalVolume = report.TotalVolume.Add(sale.VolumeSold)
		report.TotalAmount = report.TotalAmount.Add(sale.TotalAmount)

		product, ok := byProduct[saleProduct(s, sale)]
		if !ok {
			product = &domain.ProductTotal{ProductType: saleProduct(s, sale), Volume: decimal.Zero, Amount: decimal.Zero}
			byProduct[product.ProductType] = product
		}
		product.Volume = product.Volume.Add(sale.VolumeSold)
		product.Amount = product.Amount.Add(sale.TotalAmount)

		payment, ok := byPayment[sale.PaymentMethod]
		if !ok {
			payment = &domain.PaymentTotal{PaymentMethod: sale.PaymentMethod, Amount: decimal.Zero}
			byPayment[sale.PaymentMethod] = payment
		}
		payment.Sales++
		payment.Amount = payment.Amount.Add(sale.TotalAmount)
	}

	byEntry := map[domain.EntryType]*domain.EntryTotal{}
	for _, id := range s.entryOrder {
		entry := s.entriesByID[id]
		if entry.StationID != stationID || entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		total, ok := byEntry[entry.Type]
		if !ok {
			total = &domain.EntryTotal{Type: entry.Type, Amount: decimal.Zero}
			byEntry[entry.Type] = total
		}
		total.Count++
		total.Amount = total.Amount.Add(entry.Amount)
	}

	for _, product := range byProduct {
		report.ByProduct = append(report.ByProduct, *product)
	}
	sort.Slice(report.ByProduct, func(i, j int) bool { return report.ByProduct[i].ProductType < report.ByProduct[j].ProductType })
	for _, payment := range byPayment {
		report.ByPayment = append(report.ByPayment, *payment)
	}
	sort.Slice(report.ByPayment, func(i, j int) bool { return report.ByPayment[i].PaymentMethod < report.ByPayment[j].PaymentMethod })
	for _, total := range byEntry {
		report.ByEntryType = append(report.ByEntryType, *total)
	}
	sort.Slice(report.ByEntryType, func(i, j int) bool { return report.ByEntryType[i].Type < report.ByEntryType[j].Type })

	return report, nil
}

func saleProduct(s *Store, sale *domain.Sale) string {
	if counter, ok := s.countersByID[sale.CounterID]; ok {
		return counter.ProductType
	}
	return "unknown"
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, stationID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(result) < limit; i-- {
		entry := s.auditLogs[i]
		if stationID != "" && entry.StationID != stationID {
			continue
		}
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.TrimSpace(user.Username)
	if username == "" || user.Password == "" {
		return store.ErrInvalidEntry
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidEntry
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Username = username
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	if strings.TrimSpace(username) == "" || password == "" {
		return store.ErrInvalidEntry
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

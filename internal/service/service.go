package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"fuelpos/backend/internal/cache"
	"fuelpos/backend/internal/domain"
	"fuelpos/backend/internal/store"
	"fuelpos/backend/internal/xid"
)

// ErrApprovalRequired is returned when a direct transfer exceeds the
// configured threshold and must go through the request workflow instead.
var ErrApprovalRequired = errors.New("transfer amount requires supervisor approval")

// conflictRetries bounds how often a posting is retried after losing a
// concurrent update race before the conflict is surfaced to the caller.
const conflictRetries = 3

type principalContextKey struct{}

func WithPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(domain.Principal)
	return p, ok
}

type Config struct {
	DefaultStationID          string
	TransferApprovalThreshold decimal.Decimal
	EnforceMinimumBalance     bool
	RejectZeroVolumeSale      bool
	DashboardTTL              time.Duration
}

type Service struct {
	repo      store.Repository
	dashboard cache.DashboardCache
	cfg       Config
}

func New(repo store.Repository, dashboard cache.DashboardCache, cfg Config) *Service {
	if cfg.DefaultStationID == "" {
		cfg.DefaultStationID = "st-main"
	}
	if dashboard == nil {
		dashboard = cache.NoopDashboardCache{}
	}
	if cfg.DashboardTTL <= 0 {
		cfg.DashboardTTL = 15 * time.Second
	}

	return &Service{
		repo:      repo,
		dashboard: dashboard,
		cfg:       cfg,
	}
}

func (s *Service) GetCounterState(ctx context.Context, counterID string) (*domain.CounterState, error) {
	counterID = strings.TrimSpace(counterID)
	if counterID == "" {
		return nil, store.ErrInvalidEntry
	}
	return s.repo.GetCounterState(ctx, counterID)
}

func (s *Service) ListCounters(ctx context.Context, stationID string) ([]domain.Counter, error) {
	return s.repo.ListCounters(ctx, s.stationOrDefault(stationID))
}

func (s *Service) ListTanks(ctx context.Context, stationID string) ([]domain.Tank, error) {
	return s.repo.ListTanks(ctx, s.stationOrDefault(stationID))
}

func (s *Service) ListAccounts(ctx context.Context, stationID string) ([]domain.Account, error) {
	return s.repo.ListAccounts(ctx, s.stationOrDefault(stationID))
}

// PostSale turns a closing meter reading into an immutable sale and its
// ledger deposit. Volume and amount are derived server-side from the stored
// previous reading, never taken from the client.
func (s *Service) PostSale(ctx context.Context, req domain.SaleRequest) (domain.SaleResponse, error) {
	req.StationID = s.stationOrDefault(req.StationID)
	req.CounterID = strings.TrimSpace(req.CounterID)
	if req.CounterID == "" {
		return domain.SaleResponse{}, store.ErrInvalidEntry
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = domain.PaymentCash
	}
	if req.PaymentMethod != domain.PaymentCash && req.PaymentMethod != domain.PaymentCredit {
		return domain.SaleResponse{}, store.ErrInvalidEntry
	}
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	if req.PaymentMethod == domain.PaymentCredit && req.CustomerID == "" {
		return domain.SaleResponse{}, fmt.Errorf("%w: credit sale requires a customer", store.ErrInvalidEntry)
	}

	saleDate, err := parseDay(req.SaleDate)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	principal, _ := PrincipalFromContext(ctx)

	var (
		created  *domain.Sale
		warnings []domain.Warning
	)
	for attempt := 1; ; attempt++ {
		state, err := s.repo.GetCounterState(ctx, req.CounterID)
		if err != nil {
			return domain.SaleResponse{}, err
		}
		if req.ClosingReading.LessThan(state.PreviousReading) {
			return domain.SaleResponse{}, store.ErrInvalidReading
		}

		volume := req.ClosingReading.Sub(state.PreviousReading)
		if volume.Sign() == 0 && s.cfg.RejectZeroVolumeSale {
			return domain.SaleResponse{}, fmt.Errorf("%w: zero volume sale", store.ErrInvalidAmount)
		}
		amount := volume.Mul(state.UnitPrice)

		var entry *domain.LedgerEntry
		if amount.Sign() > 0 {
			to, err := s.saleDepositTarget(ctx, req, state.StationID)
			if err != nil {
				return domain.SaleResponse{}, err
			}
			entry = &domain.LedgerEntry{
				StationID:   state.StationID,
				Type:        domain.EntrySaleDeposit,
				Amount:      amount,
				Category:    "fuel_sale",
				To:          to,
				Description: fmt.Sprintf("sale on counter %s (%s)", state.CounterID, state.ProductType),
				CreatedBy:   principal.UserID,
				CreatedAt:   time.Now().UTC(),
			}
		}

		sale := domain.Sale{
			StationID:      state.StationID,
			CounterID:      state.CounterID,
			WorkerID:       state.WorkerID,
			OpeningReading: state.PreviousReading,
			ClosingReading: req.ClosingReading,
			VolumeSold:     volume,
			UnitPrice:      state.UnitPrice,
			TotalAmount:    amount,
			PaymentMethod:  req.PaymentMethod,
			CustomerID:     req.CustomerID,
			SaleDate:       saleDate,
			CreatedAt:      time.Now().UTC(),
		}

		created, warnings, err = s.repo.CreateSale(ctx, sale, entry)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrConflict) && attempt < conflictRetries {
			log.Printf("[service] sale conflict on counter %s, retrying (attempt %d)", req.CounterID, attempt)
			continue
		}
		return domain.SaleResponse{}, err
	}

	for _, warning := range warnings {
		log.Printf("[service] WARN: %s on %s: %s", warning.Code, warning.EntityID, warning.Detail)
	}

	s.invalidateDashboard(ctx, created.StationID)
	s.logAudit(ctx, created.StationID, "sale_post", "sale", created.ID,
		fmt.Sprintf("counter=%s,volume=%s,amount=%s,payment=%s", created.CounterID, created.VolumeSold.String(), created.TotalAmount.String(), created.PaymentMethod))

	return domain.SaleResponse{Sale: *created, EntryID: created.EntryID, Warnings: warnings}, nil
}

// saleDepositTarget resolves where the sale revenue lands: the station's
// default cash safe for cash, or the customer's receivable for credit.
func (s *Service) saleDepositTarget(ctx context.Context, req domain.SaleRequest, stationID string) (*domain.AccountRef, error) {
	if req.PaymentMethod == domain.PaymentCredit {
		ref := domain.AccountRef{Type: domain.AccountCustomer, ID: req.CustomerID}
		if _, err := s.repo.GetAccount(ctx, ref); err != nil {
			return nil, fmt.Errorf("customer account: %w", err)
		}
		return &ref, nil
	}
	return s.repo.DefaultCashAccount(ctx, stationID)
}

// PostEntry appends a manual ledger entry. Direct transfers at or above the
// approval threshold are rejected and must use the request workflow.
func (s *Service) PostEntry(ctx context.Context, req domain.EntryRequest) (domain.EntryResponse, error) {
	principal, ok := PrincipalFromContext(ctx)
	if !ok || principal.Role != "supervisor" {
		return domain.EntryResponse{}, fmt.Errorf("supervisor role required")
	}

	req.StationID = s.stationOrDefault(req.StationID)
	if !req.Type.Valid() {
		return domain.EntryResponse{}, store.ErrInvalidEntry
	}
	if req.Amount.Sign() <= 0 {
		return domain.EntryResponse{}, store.ErrInvalidAmount
	}
	if err := validateEntrySides(req.Type, req.From, req.To); err != nil {
		return domain.EntryResponse{}, err
	}

	if req.Type == domain.EntryTransfer && s.cfg.TransferApprovalThreshold.Sign() > 0 &&
		req.Amount.GreaterThanOrEqual(s.cfg.TransferApprovalThreshold) {
		return domain.EntryResponse{}, ErrApprovalRequired
	}

	entry := domain.LedgerEntry{
		StationID:   req.StationID,
		Type:        req.Type,
		Amount:      req.Amount,
		Category:    strings.TrimSpace(req.Category),
		From:        req.From,
		To:          req.To,
		Description: strings.TrimSpace(req.Description),
		CreatedBy:   principal.UserID,
		CreatedAt:   time.Now().UTC(),
	}

	created, err := s.postEntryRetrying(ctx, entry)
	if err != nil {
		return domain.EntryResponse{}, err
	}

	s.invalidateDashboard(ctx, created.StationID)
	s.logAudit(ctx, created.StationID, "entry_post", "ledger_entry", created.ID,
		fmt.Sprintf("type=%s,amount=%s", created.Type, created.Amount.String()))

	return domain.EntryResponse{Entry: *created}, nil
}

func (s *Service) postEntryRetrying(ctx context.Context, entry domain.LedgerEntry) (*domain.LedgerEntry, error) {
	for attempt := 1; ; attempt++ {
		created, err := s.repo.PostEntry(ctx, entry, s.cfg.EnforceMinimumBalance)
		if err == nil {
			return created, nil
		}
		if errors.Is(err, store.ErrConflict) && attempt < conflictRetries {
			log.Printf("[service] entry conflict, retrying (attempt %d)", attempt)
			continue
		}
		return nil, err
	}
}

// validateEntrySides enforces the shape of an entry per type: transfers move
// between two accounts, income and deposits land on one, expenses leave one.
func validateEntrySides(entryType domain.EntryType, from *domain.AccountRef, to *domain.AccountRef) error {
	if from != nil && (!from.Type.Valid() || from.ID == "") {
		return store.ErrInvalidEntry
	}
	if to != nil && (!to.Type.Valid() || to.ID == "") {
		return store.ErrInvalidEntry
	}

	switch entryType {
	case domain.EntryTransfer:
		if from == nil || to == nil {
			return fmt.Errorf("%w: transfer requires both accounts", store.ErrInvalidEntry)
		}
		if *from == *to {
			return fmt.Errorf("%w: transfer accounts must differ", store.ErrInvalidEntry)
		}
	case domain.EntryExpense:
		if from == nil || to != nil {
			return fmt.Errorf("%w: expense leaves exactly one account", store.ErrInvalidEntry)
		}
	case domain.EntryIncome, domain.EntrySaleDeposit:
		if to == nil || from != nil {
			return fmt.Errorf("%w: %s lands on exactly one account", store.ErrInvalidEntry, entryType)
		}
	default:
		return store.ErrInvalidEntry
	}
	return nil
}

func (s *Service) RequestTransfer(ctx context.Context, req domain.TransferCreateRequest) (domain.TransferResponse, error) {
	principal, ok := PrincipalFromContext(ctx)
	if !ok {
		return domain.TransferResponse{}, fmt.Errorf("authentication required")
	}

	req.StationID = s.stationOrDefault(req.StationID)
	if req.Amount.Sign() <= 0 {
		return domain.TransferResponse{}, store.ErrInvalidAmount
	}
	if !req.From.Type.Valid() || req.From.ID == "" || !req.To.Type.Valid() || req.To.ID == "" {
		return domain.TransferResponse{}, store.ErrInvalidEntry
	}
	if req.From == req.To {
		return domain.TransferResponse{}, fmt.Errorf("%w: transfer accounts must differ", store.ErrInvalidEntry)
	}

	tr := domain.TransferRequest{
		ID:          xid.New("trf"),
		StationID:   req.StationID,
		From:        req.From,
		To:          req.To,
		Amount:      req.Amount,
		Status:      domain.TransferStatusPending,
		RequestedBy: principal.UserID,
		CreatedAt:   time.Now().UTC(),
	}

	created, err := s.repo.CreateTransferRequest(ctx, tr)
	if err != nil {
		return domain.TransferResponse{}, err
	}

	s.logAudit(ctx, req.StationID, "transfer_request", "transfer", created.ID,
		fmt.Sprintf("from=%s/%s,to=%s/%s,amount=%s", created.From.Type, created.From.ID, created.To.Type, created.To.ID, created.Amount.String()))

	return domain.TransferResponse{Transfer: *created}, nil
}

// ApproveTransfer posts the held movement and marks the request approved as
// one unit. A posting failure leaves the request pending for a later retry.
func (s *Service) ApproveTransfer(ctx context.Context, transferID string) (domain.TransferResponse, error) {
	principal, ok := PrincipalFromContext(ctx)
	if !ok || principal.Role != "supervisor" {
		return domain.TransferResponse{}, fmt.Errorf("supervisor role required")
	}
	transferID = strings.TrimSpace(transferID)
	if transferID == "" {
		return domain.TransferResponse{}, store.ErrInvalidEntry
	}

	tr, err := s.repo.GetTransferRequest(ctx, transferID)
	if err != nil {
		return domain.TransferResponse{}, err
	}
	if tr.Terminal() {
		return domain.TransferResponse{}, store.ErrInvalidState
	}

	from := tr.From
	to := tr.To
	entry := domain.LedgerEntry{
		StationID:   tr.StationID,
		Type:        domain.EntryTransfer,
		Amount:      tr.Amount,
		Category:    "approved_transfer",
		From:        &from,
		To:          &to,
		Description: fmt.Sprintf("transfer request %s approved", tr.ID),
		CreatedBy:   principal.UserID,
		CreatedAt:   time.Now().UTC(),
	}

	var decided *domain.TransferRequest
	for attempt := 1; ; attempt++ {
		decided, err = s.repo.DecideTransfer(ctx, tr.ID, domain.TransferStatusApproved, principal.UserID, &entry, s.cfg.EnforceMinimumBalance, time.Now().UTC())
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrConflict) && attempt < conflictRetries {
			log.Printf("[service] transfer approval conflict id=%s, retrying (attempt %d)", tr.ID, attempt)
			continue
		}
		return domain.TransferResponse{}, err
	}

	s.invalidateDashboard(ctx, decided.StationID)
	s.logAudit(ctx, decided.StationID, "transfer_approve", "transfer", decided.ID,
		fmt.Sprintf("amount=%s,entry=%s", decided.Amount.String(), decided.EntryID))

	return domain.TransferResponse{Transfer: *decided}, nil
}

func (s *Service) RejectTransfer(ctx context.Context, transferID string) (domain.TransferResponse, error) {
	principal, ok := PrincipalFromContext(ctx)
	if !ok || principal.Role != "supervisor" {
		return domain.TransferResponse{}, fmt.Errorf("supervisor role required")
	}
	transferID = strings.TrimSpace(transferID)
	if transferID == "" {
		return domain.TransferResponse{}, store.ErrInvalidEntry
	}

	decided, err := s.repo.DecideTransfer(ctx, transferID, domain.TransferStatusRejected, principal.UserID, nil, false, time.Now().UTC())
	if err != nil {
		return domain.TransferResponse{}, err
	}

	s.logAudit(ctx, decided.StationID, "transfer_reject", "transfer", decided.ID, fmt.Sprintf("amount=%s", decided.Amount.String()))

	return domain.TransferResponse{Transfer: *decided}, nil
}

func (s *Service) GetTransferRequest(ctx context.Context, transferID string) (*domain.TransferRequest, error) {
	transferID = strings.TrimSpace(transferID)
	if transferID == "" {
		return nil, store.ErrInvalidEntry
	}
	return s.repo.GetTransferRequest(ctx, transferID)
}

func (s *Service) ListTransferRequests(ctx context.Context, stationID string, status string, limit int) ([]domain.TransferRequest, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	switch status {
	case "", domain.TransferStatusPending, domain.TransferStatusApproved, domain.TransferStatusRejected:
	default:
		return nil, store.ErrInvalidEntry
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListTransferRequests(ctx, s.stationOrDefault(stationID), status, limit)
}

// ReceiveFuel books a tanker delivery into a tank and, when a cost and
// paying account are given, the matching expense entry in the same unit.
func (s *Service) ReceiveFuel(ctx context.Context, req domain.ReceiveRequest) (domain.ReceiveResponse, error) {
	principal, ok := PrincipalFromContext(ctx)
	if !ok || principal.Role != "supervisor" {
		return domain.ReceiveResponse{}, fmt.Errorf("supervisor role required")
	}

	req.StationID = s.stationOrDefault(req.StationID)
	req.TankID = strings.TrimSpace(req.TankID)
	if req.TankID == "" {
		return domain.ReceiveResponse{}, store.ErrInvalidEntry
	}
	if req.Volume.Sign() <= 0 {
		return domain.ReceiveResponse{}, store.ErrInvalidAmount
	}
	if req.Cost.Sign() < 0 {
		return domain.ReceiveResponse{}, store.ErrInvalidAmount
	}
	if req.Cost.Sign() > 0 && req.PaidFrom == nil {
		return domain.ReceiveResponse{}, fmt.Errorf("%w: delivery cost requires a paying account", store.ErrInvalidEntry)
	}

	var entry *domain.LedgerEntry
	if req.Cost.Sign() > 0 {
		if !req.PaidFrom.Type.Valid() || req.PaidFrom.ID == "" {
			return domain.ReceiveResponse{}, store.ErrInvalidEntry
		}
		entry = &domain.LedgerEntry{
			StationID:   req.StationID,
			Type:        domain.EntryExpense,
			Amount:      req.Cost,
			Category:    "fuel_purchase",
			From:        req.PaidFrom,
			Description: fmt.Sprintf("fuel delivery into %s (%s)", req.TankID, req.SupplierRef),
			CreatedBy:   principal.UserID,
			CreatedAt:   time.Now().UTC(),
		}
	}

	tank, warnings, err := s.repo.ReceiveFuel(ctx, req.TankID, req.Volume, entry)
	if err != nil {
		return domain.ReceiveResponse{}, err
	}

	for _, warning := range warnings {
		log.Printf("[service] WARN: %s on %s: %s", warning.Code, warning.EntityID, warning.Detail)
	}

	entryID := ""
	if entry != nil {
		entryID = entry.ID
	}

	s.invalidateDashboard(ctx, tank.StationID)
	s.logAudit(ctx, tank.StationID, "fuel_receive", "tank", tank.ID,
		fmt.Sprintf("volume=%s,cost=%s,supplier=%s", req.Volume.String(), req.Cost.String(), req.SupplierRef))

	return domain.ReceiveResponse{Tank: *tank, EntryID: entryID, Warnings: warnings}, nil
}

// Dashboard assembles tank levels and account balances for one station.
// Snapshots are served from cache for a short TTL; postings invalidate it.
func (s *Service) Dashboard(ctx context.Context, stationID string) (domain.DashboardSnapshot, error) {
	stationID = s.stationOrDefault(stationID)
	key := dashboardKey(stationID)

	if cached, hit, err := s.dashboard.Get(ctx, key); err != nil {
		log.Printf("[service] WARN: dashboard cache read failed station=%s: %v", stationID, err)
	} else if hit {
		return *cached, nil
	}

	tanks, err := s.repo.ListTanks(ctx, stationID)
	if err != nil {
		return domain.DashboardSnapshot{}, err
	}
	accounts, err := s.repo.ListAccounts(ctx, stationID)
	if err != nil {
		return domain.DashboardSnapshot{}, err
	}

	snapshot := domain.DashboardSnapshot{
		StationID: stationID,
		Tanks:     tanks,
		Accounts:  accounts,
		TakenAt:   time.Now().UTC(),
	}

	if err := s.dashboard.Set(ctx, key, &snapshot, s.cfg.DashboardTTL); err != nil {
		log.Printf("[service] WARN: dashboard cache write failed station=%s: %v", stationID, err)
	}

	return snapshot, nil
}

func (s *Service) DailyReport(ctx context.Context, stationID string, date string) (domain.DailyReport, error) {
	stationID = s.stationOrDefault(stationID)

	day, err := parseDay(date)
	if err != nil {
		return domain.DailyReport{}, err
	}
	from := day
	to := from.Add(24 * time.Hour)

	report, err := s.repo.GetDailyReport(ctx, stationID, from, to)
	if err != nil {
		return domain.DailyReport{}, err
	}
	report.StationID = stationID
	report.Date = from.Format("2006-01-02")
	return report, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return nil, store.ErrInvalidEntry
	}
	return s.repo.GetSale(ctx, saleID)
}

func (s *Service) ListSales(ctx context.Context, stationID string, date string, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 200
	}

	var from, to time.Time
	if strings.TrimSpace(date) != "" {
		day, err := parseDay(date)
		if err != nil {
			return nil, err
		}
		from = day
		to = from.Add(24 * time.Hour)
	}

	return s.repo.ListSales(ctx, s.stationOrDefault(stationID), from, to, limit)
}

func (s *Service) ListLedgerEntries(ctx context.Context, stationID string, account *domain.AccountRef, limit int) ([]domain.LedgerEntry, error) {
	if account != nil && (!account.Type.Valid() || account.ID == "") {
		return nil, store.ErrInvalidEntry
	}
	if limit < 1 {
		limit = 200
	}
	return s.repo.ListLedgerEntries(ctx, s.stationOrDefault(stationID), account, limit)
}

func (s *Service) ListAuditLogs(ctx context.Context, stationID string, date string, limit int) ([]domain.AuditLog, error) {
	stationID = s.stationOrDefault(stationID)
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		day, err := parseDay(date)
		if err != nil {
			return nil, err
		}
		from = day
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, stationID, from, to, limit)
}

func (s *Service) stationOrDefault(stationID string) string {
	stationID = strings.TrimSpace(stationID)
	if stationID == "" {
		return s.cfg.DefaultStationID
	}
	return stationID
}

func (s *Service) invalidateDashboard(ctx context.Context, stationID string) {
	if err := s.dashboard.Invalidate(ctx, dashboardKey(stationID)); err != nil {
		log.Printf("[service] WARN: dashboard cache invalidation failed station=%s: %v", stationID, err)
	}
}

func dashboardKey(stationID string) string {
	return "dashboard:" + stationID
}

func parseDay(date string) (time.Time, error) {
	if strings.TrimSpace(date) == "" {
		now := time.Now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	parsed, err := time.Parse("2006-01-02", date)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad date %q", store.ErrInvalidEntry, date)
	}
	return parsed.UTC(), nil
}

func (s *Service) logAudit(ctx context.Context, stationID string, action string, entityKind string, entityID string, detail string) {
	if stationID == "" {
		stationID = s.cfg.DefaultStationID
	}

	principal, ok := PrincipalFromContext(ctx)
	if !ok {
		principal = domain.Principal{UserID: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:         xid.New("audit"),
		StationID:  stationID,
		ActorID:    principal.UserID,
		Action:     action,
		EntityKind: entityKind,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityKind, entityID, err)
	}
}

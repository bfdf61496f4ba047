package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"fuelpos/backend/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidReading      = errors.New("current reading cannot be less than previous")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidEntry        = errors.New("invalid ledger entry")
	ErrInvalidState        = errors.New("transfer request already decided")
	ErrConflict            = errors.New("concurrent update conflict")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Repository is the persistence boundary. Each method that mutates more than
// one row is a single atomic unit in every implementation: either all of its
// effects persist or none do.
type Repository interface {
	// Meter store.
	GetCounterState(ctx context.Context, counterID string) (*domain.CounterState, error)
	ListCounters(ctx context.Context, stationID string) ([]domain.Counter, error)

	// Inventory store.
	GetTank(ctx context.Context, tankID string) (*domain.Tank, error)
	ListTanks(ctx context.Context, stationID string) ([]domain.Tank, error)
	// ReceiveFuel increments the tank volume and, when entry is non-nil,
	// posts the delivery expense in the same unit.
	ReceiveFuel(ctx context.Context, tankID string, volume decimal.Decimal, entry *domain.LedgerEntry) (*domain.Tank, []domain.Warning, error)

	// Treasury store.
	GetAccount(ctx context.Context, ref domain.AccountRef) (*domain.Account, error)
	ListAccounts(ctx context.Context, stationID string) ([]domain.Account, error)
	// DefaultCashAccount resolves the station's designated cash safe: the
	// safe flagged as default, otherwise the lowest safe id for the station.
	DefaultCashAccount(ctx context.Context, stationID string) (*domain.AccountRef, error)

	// Sale posting: persists the sale, commits the counter reading, depletes
	// the tank and posts the ledger entry as one unit. The counter row is
	// re-read under lock; if its reading no longer equals sale.OpeningReading
	// the unit fails with ErrConflict and nothing persists. A nil entry skips
	// the ledger leg (zero-volume sales move no money).
	CreateSale(ctx context.Context, sale domain.Sale, entry *domain.LedgerEntry) (*domain.Sale, []domain.Warning, error)

	// Ledger posting: applies the balance deltas for the referenced accounts
	// and appends the immutable entry in one unit.
	PostEntry(ctx context.Context, entry domain.LedgerEntry, enforceBalance bool) (*domain.LedgerEntry, error)

	// Transfer workflow.
	CreateTransferRequest(ctx context.Context, tr domain.TransferRequest) (*domain.TransferRequest, error)
	GetTransferRequest(ctx context.Context, id string) (*domain.TransferRequest, error)
	ListTransferRequests(ctx context.Context, stationID string, status string, limit int) ([]domain.TransferRequest, error)
	// DecideTransfer moves a pending request to a terminal status. When the
	// decision is an approval, entry is posted in the same unit; if posting
	// fails the request stays pending. Deciding a terminal request fails
	// with ErrInvalidState.
	DecideTransfer(ctx context.Context, id string, status string, approver string, entry *domain.LedgerEntry, enforceBalance bool, at time.Time) (*domain.TransferRequest, error)

	// Read models.
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, stationID string, from time.Time, to time.Time, limit int) ([]domain.Sale, error)
	ListLedgerEntries(ctx context.Context, stationID string, account *domain.AccountRef, limit int) ([]domain.LedgerEntry, error)
	GetDailyReport(ctx context.Context, stationID string, from time.Time, to time.Time) (domain.DailyReport, error)

	// Audit trail.
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, stationID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	// Users, consumed by the auth boundary.
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

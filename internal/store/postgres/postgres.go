package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"fuelpos/backend/internal/domain"
	"fuelpos/backend/internal/store"
	"fuelpos/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection, used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetCounterState(ctx context.Context, counterID string) (*domain.CounterState, error) {
	var state domain.CounterState
	err := s.db.QueryRowContext(ctx, `
		SELECT id, pump_id, station_id, tank_id, current_worker_id, product_type, unit_price, current_reading
		FROM counters
		WHERE id = $1
	`, counterID).Scan(&state.CounterID, &state.PumpID, &state.StationID, &state.TankID, &state.WorkerID, &state.ProductType, &state.UnitPrice, &state.PreviousReading)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &state, nil
}

func (s *Store) ListCounters(ctx context.Context, stationID string) ([]domain.Counter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pump_id, station_id, tank_id, current_worker_id, product_type, unit_price, current_reading
		FROM counters
		WHERE ($1 = '' OR station_id = $1)
		ORDER BY id
	`, stationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counters := make([]domain.Counter, 0, 16)
	for rows.Next() {
		var c domain.Counter
		if err := rows.Scan(&c.ID, &c.PumpID, &c.StationID, &c.TankID, &c.WorkerID, &c.ProductType, &c.UnitPrice, &c.CurrentReading); err != nil {
			return nil, err
		}
		counters = append(counters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counters, nil
}

func (s *Store) GetTank(ctx context.Context, tankID string) (*domain.Tank, error) {
	var tank domain.Tank
	err := s.db.QueryRowContext(ctx, `
		SELECT id, station_id, product_type, capacity_liters, current_volume
		FROM tanks
		WHERE id = $1
	`, tankID).Scan(&tank.ID, &tank.StationID, &tank.ProductType, &tank.CapacityLiters, &tank.CurrentVolume)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &tank, nil
}

func (s *Store) ListTanks(ctx context.Context, stationID string) ([]domain.Tank, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, station_id, product_type, capacity_liters, current_volume
		FROM tanks
		WHERE ($1 = '' OR station_id = $1)
		ORDER BY id
	`, stationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tanks := make([]domain.Tank, 0, 8)
	for rows.Next() {
		var t domain.Tank
		if err := rows.Scan(&t.ID, &t.StationID, &t.ProductType, &t.CapacityLiters, &t.CurrentVolume); err != nil {
			return nil, err
		}
		tanks = append(tanks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tanks, nil
}

func (s *Store) ReceiveFuel(ctx context.Context, tankID string, volume decimal.Decimal, entry *domain.LedgerEntry) (*domain.Tank, []domain.Warning, error) {
	if volume.Sign() <= 0 {
		return nil, nil, store.ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var tank domain.Tank
	err = tx.QueryRowContext(ctx, `
		SELECT id, station_id, product_type, capacity_liters, current_volume
		FROM tanks
		WHERE id = $1
		FOR UPDATE
	`, tankID).Scan(&tank.ID, &tank.StationID, &tank.ProductType, &tank.CapacityLiters, &tank.CurrentVolume)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, mapPgError(err)
	}

	if entry != nil {
		if err := s.applyEntryTx(ctx, tx, entry, false); err != nil {
			return nil, nil, err
		}
	}

	tank.CurrentVolume = tank.CurrentVolume.Add(volume)
	if _, err := tx.ExecContext(ctx, `
		UPDATE tanks
		SET current_volume = $2, updated_at = now()
		WHERE id = $1
	`, tank.ID, tank.CurrentVolume); err != nil {
		return nil, nil, mapPgError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, mapPgError(err)
	}

	var warnings []domain.Warning
	if tank.CurrentVolume.GreaterThan(tank.CapacityLiters) {
		warnings = append(warnings, domain.Warning{
			Code:     domain.WarnOverCapacity,
			EntityID: tank.ID,
			Detail:   fmt.Sprintf("volume %s exceeds capacity %s", tank.CurrentVolume.String(), tank.CapacityLiters.String()),
		})
	}
	return &tank, warnings, nil
}

func accountTable(t domain.AccountType) (string, error) {
	switch t {
	case domain.AccountSafe:
		return "safes", nil
	case domain.AccountBank:
		return "banks", nil
	case domain.AccountCustomer:
		return "customers", nil
	}
	return "", fmt.Errorf("%w: unknown account type %q", store.ErrInvalidEntry, t)
}

func (s *Store) GetAccount(ctx context.Context, ref domain.AccountRef) (*domain.Account, error) {
	table, err := accountTable(ref.Type)
	if err != nil {
		return nil, err
	}

	account := domain.Account{Ref: ref}
	query := fmt.Sprintf(`SELECT station_id, name, balance FROM %s WHERE id = $1`, table)
	err = s.db.QueryRowContext(ctx, query, ref.ID).Scan(&account.StationID, &account.Name, &account.Balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (s *Store) ListAccounts(ctx context.Context, stationID string) ([]domain.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT 'safe' AS kind, id, station_id, name, '' AS account_number, balance, is_default FROM safes WHERE ($1 = '' OR station_id = $1)
		UNION ALL
		SELECT 'bank', id, station_id, name, account_number, balance, false FROM banks WHERE ($1 = '' OR station_id = $1)
		UNION ALL
		SELECT 'customer', id, station_id, name, '', balance, false FROM customers WHERE ($1 = '' OR station_id = $1)
		ORDER BY kind, id
	`, stationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make([]domain.Account, 0, 16)
	for rows.Next() {
		var a domain.Account
		var kind string
		if err := rows.Scan(&kind, &a.Ref.ID, &a.StationID, &a.Name, &a.AccountNumber, &a.Balance, &a.DefaultCash); err != nil {
			return nil, err
		}
		a.Ref.Type = domain.AccountType(kind)
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (s *Store) DefaultCashAccount(ctx context.Context, stationID string) (*domain.AccountRef, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id
		FROM safes
		WHERE station_id = $1
		ORDER BY is_default DESC, id ASC
		LIMIT 1
	`, stationID).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &domain.AccountRef{Type: domain.AccountSafe, ID: id}, nil
}

// lockBalance reads an account balance under FOR UPDATE.
func lockBalance(ctx context.Context, tx *sql.Tx, ref domain.AccountRef) (decimal.Decimal, error) {
	table, err := accountTable(ref.Type)
	if err != nil {
		return decimal.Zero, err
	}
	var balance decimal.Decimal
	query := fmt.Sprintf(`SELECT balance FROM %s WHERE id = $1 FOR UPDATE`, table)
	if err := tx.QueryRowContext(ctx, query, ref.ID).Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, fmt.Errorf("%w: account %s/%s", store.ErrNotFound, ref.Type, ref.ID)
		}
		return decimal.Zero, mapPgError(err)
	}
	return balance, nil
}

func writeBalance(ctx context.Context, tx *sql.Tx, ref domain.AccountRef, balance decimal.Decimal) error {
	table, err := accountTable(ref.Type)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET balance = $2, updated_at = now() WHERE id = $1`, table)
	if _, err := tx.ExecContext(ctx, query, ref.ID, balance); err != nil {
		return mapPgError(err)
	}
	return nil
}

// applyEntryTx applies the entry's balance deltas and inserts the ledger row
// inside the caller's transaction. Accounts are locked in deterministic
// (type, id) order so two concurrent postings touching the same pair cannot
// deadlock.
func (s *Store) applyEntryTx(ctx context.Context, tx *sql.Tx, entry *domain.LedgerEntry, enforceBalance bool) error {
	if entry.Amount.Sign() <= 0 {
		return store.ErrInvalidAmount
	}
	if entry.From == nil && entry.To == nil {
		return store.ErrInvalidEntry
	}

	refs := make([]domain.AccountRef, 0, 2)
	if entry.From != nil {
		refs = append(refs, *entry.From)
	}
	if entry.To != nil {
		refs = append(refs, *entry.To)
	}
	if len(refs) == 2 && refLess(refs[1], refs[0]) {
		refs[0], refs[1] = refs[1], refs[0]
	}

	balances := make(map[domain.AccountRef]decimal.Decimal, 2)
	for _, ref := range refs {
		balance, err := lockBalance(ctx, tx, ref)
		if err != nil {
			return err
		}
		balances[ref] = balance
	}

	if entry.From != nil {
		balance := balances[*entry.From]
		if enforceBalance && balance.LessThan(entry.Amount) {
			return store.ErrInsufficientBalance
		}
		if err := writeBalance(ctx, tx, *entry.From, balance.Sub(entry.Amount)); err != nil {
			return err
		}
	}
	if entry.To != nil {
		if err := writeBalance(ctx, tx, *entry.To, balances[*entry.To].Add(entry.Amount)); err != nil {
			return err
		}
	}

	if entry.ID == "" {
		entry.ID = xid.New("txn")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var fromType, fromID, toType, toID any
	if entry.From != nil {
		fromType, fromID = string(entry.From.Type), entry.From.ID
	}
	if entry.To != nil {
		toType, toID = string(entry.To.Type), entry.To.ID
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, station_id, type, amount, category_id, from_type, from_id, to_type, to_id, description, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, entry.ID, entry.StationID, string(entry.Type), entry.Amount, nullIfEmpty(entry.Category),
		fromType, fromID, toType, toID, nullIfEmpty(entry.Description), entry.CreatedBy, entry.CreatedAt); err != nil {
		return mapPgError(err)
	}
	return nil
}

func refLess(a, b domain.AccountRef) bool {
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	return a.ID < b.ID
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale, entry *domain.LedgerEntry) (*domain.Sale, []domain.Warning, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var currentReading decimal.Decimal
	var tankID string
	err = tx.QueryRowContext(ctx, `
		SELECT current_reading, tank_id
		FROM counters
		WHERE id = $1
		FOR UPDATE
	`, sale.CounterID).Scan(&currentReading, &tankID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, mapPgError(err)
	}

	// The caller computed volume from a previously read state; if the meter
	// has advanced since, the computation is stale.
	if !currentReading.Equal(sale.OpeningReading) {
		return nil, nil, store.ErrConflict
	}
	if sale.ClosingReading.LessThan(sale.OpeningReading) {
		return nil, nil, store.ErrInvalidReading
	}

	var tankVolume decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT current_volume
		FROM tanks
		WHERE id = $1
		FOR UPDATE
	`, tankID).Scan(&tankVolume)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("%w: tank %s", store.ErrNotFound, tankID)
		}
		return nil, nil, mapPgError(err)
	}

	if entry != nil {
		if err := s.applyEntryTx(ctx, tx, entry, false); err != nil {
			return nil, nil, err
		}
		sale.EntryID = entry.ID
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE counters
		SET current_reading = $2, updated_at = now()
		WHERE id = $1
	`, sale.CounterID, sale.ClosingReading); err != nil {
		return nil, nil, mapPgError(err)
	}

	newVolume := tankVolume.Sub(sale.VolumeSold)
	if _, err := tx.ExecContext(ctx, `
		UPDATE tanks
		SET current_volume = $2, updated_at = now()
		WHERE id = $1
	`, tankID, newVolume); err != nil {
		return nil, nil, mapPgError(err)
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sales (id, station_id, counter_id, worker_id, opening_reading, closing_reading, volume_sold, unit_price, total_amount, payment_method, customer_id, entry_id, sale_date, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, sale.ID, sale.StationID, sale.CounterID, sale.WorkerID, sale.OpeningReading, sale.ClosingReading,
		sale.VolumeSold, sale.UnitPrice, sale.TotalAmount, string(sale.PaymentMethod), nullIfEmpty(sale.CustomerID),
		nullIfEmpty(sale.EntryID), sale.SaleDate, sale.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, nil, store.ErrConflict
		}
		return nil, nil, mapPgError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, mapPgError(err)
	}

	var warnings []domain.Warning
	if newVolume.Sign() < 0 {
		warnings = append(warnings, domain.Warning{
			Code:     domain.WarnStockVariance,
			EntityID: tankID,
			Detail:   fmt.Sprintf("tank volume is negative (%s) pending reconciliation", newVolume.String()),
		})
	}
	return &sale, warnings, nil
}

func (s *Store) PostEntry(ctx context.Context, entry domain.LedgerEntry, enforceBalance bool) (*domain.LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.applyEntryTx(ctx, tx, &entry, enforceBalance); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapPgError(err)
	}
	return &entry, nil
}

func (s *Store) CreateTransferRequest(ctx context.Context, tr domain.TransferRequest) (*domain.TransferRequest, error) {
	if _, err := s.GetAccount(ctx, tr.From); err != nil {
		return nil, fmt.Errorf("from account: %w", err)
	}
	if _, err := s.GetAccount(ctx, tr.To); err != nil {
		return nil, fmt.Errorf("to account: %w", err)
	}

	if tr.ID == "" {
		tr.ID = xid.New("trf")
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	tr.Status = domain.TransferStatusPending

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO transfer_requests (id, station_id, from_type, from_id, to_type, to_id, amount, status, requested_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, tr.ID, tr.StationID, string(tr.From.Type), tr.From.ID, string(tr.To.Type), tr.To.ID,
		tr.Amount, tr.Status, tr.RequestedBy, tr.CreatedAt); err != nil {
		return nil, mapPgError(err)
	}
	return &tr, nil
}

func (s *Store) GetTransferRequest(ctx context.Context, id string) (*domain.TransferRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, station_id, from_type, from_id, to_type, to_id, amount, status, requested_by, approved_by, entry_id, created_at, decided_at
		FROM transfer_requests
		WHERE id = $1
	`, id)
	tr, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return tr, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (*domain.TransferRequest, error) {
	var tr domain.TransferRequest
	var fromType, toType string
	var approvedBy, entryID sql.NullString
	var decidedAt sql.NullTime
	if err := row.Scan(&tr.ID, &tr.StationID, &fromType, &tr.From.ID, &toType, &tr.To.ID,
		&tr.Amount, &tr.Status, &tr.RequestedBy, &approvedBy, &entryID, &tr.CreatedAt, &decidedAt); err != nil {
		return nil, err
	}
	tr.From.Type = domain.AccountType(fromType)
	tr.To.Type = domain.AccountType(toType)
	if approvedBy.Valid {
		tr.ApprovedBy = approvedBy.String
	}
	if entryID.Valid {
		tr.EntryID = entryID.String
	}
	if decidedAt.Valid {
		at := decidedAt.Time.UTC()
		tr.DecidedAt = &at
	}
	return &tr, nil
}

func (s *Store) ListTransferRequests(ctx context.Context, stationID string, status string, limit int) ([]domain.TransferRequest, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, station_id, from_type, from_id, to_type, to_id, amount, status, requested_by, approved_by, entry_id, created_at, decided_at
		FROM transfer_requests
		WHERE ($1 = '' OR station_id = $1)
			AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, stationID, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transfers := make([]domain.TransferRequest, 0, limit)
	for rows.Next() {
		tr, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *tr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return transfers, nil
}

func (s *Store) DecideTransfer(ctx context.Context, id string, status string, approver string, entry *domain.LedgerEntry, enforceBalance bool, at time.Time) (*domain.TransferRequest, error) {
	if status != domain.TransferStatusApproved && status != domain.TransferStatusRejected {
		return nil, store.ErrInvalidState
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, station_id, from_type, from_id, to_type, to_id, amount, status, requested_by, approved_by, entry_id, created_at, decided_at
		FROM transfer_requests
		WHERE id = $1
		FOR UPDATE
	`, id)
	tr, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapPgError(err)
	}
	if tr.Terminal() {
		return nil, store.ErrInvalidState
	}

	if status == domain.TransferStatusApproved {
		if entry == nil {
			return nil, store.ErrInvalidEntry
		}
		if err := s.applyEntryTx(ctx, tx, entry, enforceBalance); err != nil {
			return nil, err
		}
		tr.EntryID = entry.ID
	}

	decidedAt := at.UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE transfer_requests
		SET status = $2, approved_by = $3, entry_id = $4, decided_at = $5
		WHERE id = $1
	`, id, status, approver, nullIfEmpty(tr.EntryID), decidedAt); err != nil {
		return nil, mapPgError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapPgError(err)
	}

	tr.Status = status
	tr.ApprovedBy = approver
	tr.DecidedAt = &decidedAt
	return tr, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, station_id, counter_id, worker_id, opening_reading, closing_reading, volume_sold, unit_price, total_amount, payment_method, customer_id, entry_id, sale_date, created_at
		FROM sales
		WHERE id = $1
	`, id)
	sale, err := scanSale(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return sale, nil
}

func scanSale(row rowScanner) (*domain.Sale, error) {
	var sale domain.Sale
	var payment string
	var customerID, entryID sql.NullString
	if err := row.Scan(&sale.ID, &sale.StationID, &sale.CounterID, &sale.WorkerID, &sale.OpeningReading,
		&sale.ClosingReading, &sale.VolumeSold, &sale.UnitPrice, &sale.TotalAmount, &payment,
		&customerID, &entryID, &sale.SaleDate, &sale.CreatedAt); err != nil {
		return nil, err
	}
	sale.PaymentMethod = domain.PaymentMethod(payment)
	if customerID.Valid {
		sale.CustomerID = customerID.String
	}
	if entryID.Valid {
		sale.EntryID = entryID.String
	}
	sale.SaleDate = sale.SaleDate.UTC()
	sale.CreatedAt = sale.CreatedAt.UTC()
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, stationID string, from time.Time, to time.Time, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, station_id, counter_id, worker_id, opening_reading, closing_reading, volume_sold, unit_price, total_amount, payment_method, customer_id, entry_id, sale_date, created_at
		FROM sales
		WHERE ($1 = '' OR station_id = $1)
			AND ($2::timestamptz IS NULL OR sale_date >= $2)
			AND ($3::timestamptz IS NULL OR sale_date < $3)
		ORDER BY sale_date DESC
		LIMIT $4
	`, stationID, nullTimeValue(from), nullTimeValue(to), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) ListLedgerEntries(ctx context.Context, stationID string, account *domain.AccountRef, limit int) ([]domain.LedgerEntry, error) {
	if limit < 1 {
		limit = 200
	}

	var accountType, accountID string
	if account != nil {
		accountType = string(account.Type)
		accountID = account.ID
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, station_id, type, amount, category_id, from_type, from_id, to_type, to_id, description, created_by, created_at
		FROM transactions
		WHERE ($1 = '' OR station_id = $1)
			AND ($2 = '' OR (from_type = $2 AND from_id = $3) OR (to_type = $2 AND to_id = $3))
		ORDER BY created_at DESC
		LIMIT $4
	`, stationID, accountType, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0, limit)
	for rows.Next() {
		var entry domain.LedgerEntry
		var entryType string
		var category, description, fromType, fromID, toType, toID sql.NullString
		if err := rows.Scan(&entry.ID, &entry.StationID, &entryType, &entry.Amount, &category,
			&fromType, &fromID, &toType, &toID, &description, &entry.CreatedBy, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Type = domain.EntryType(entryType)
		entry.Category = category.String
		entry.Description = description.String
		if fromType.Valid && fromID.Valid {
			entry.From = &domain.AccountRef{Type: domain.AccountType(fromType.String), ID: fromID.String}
		}
		if toType.Valid && toID.Valid {
			entry.To = &domain.AccountRef{Type: domain.AccountType(toType.String), ID: toID.String}
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) GetDailyReport(ctx context.Context, stationID string, from time.Time, to time.Time) (domain.DailyReport, error) {
	report := domain.DailyReport{
		StationID:   stationID,
		TotalVolume: decimal.Zero,
		TotalAmount: decimal.Zero,
	}

	productRows, err := s.db.QueryContext(ctx, `
		SELECT c.product_type, COUNT(*), COALESCE(SUM(s.volume_sold), 0), COALESCE(SUM(s.total_amount), 0)
		FROM sales s
		JOIN counters c ON c.id = s.counter_id
		WHERE s.station_id = $1 AND s.sale_date >= $2 AND s.sale_date < $3
		GROUP BY c.product_type
		ORDER BY c.product_type
	`, stationID, from, to)
	if err != nil {
		return report, err
	}
	defer productRows.Close()

	for productRows.Next() {
		var total domain.ProductTotal
		var count int
		if err := productRows.Scan(&total.ProductType, &count, &total.Volume, &total.Amount); err != nil {
			return report, err
		}
		report.Sales += count
		report.TotalVolume = report.TotalVolume.Add(total.Volume)
		report.TotalAmount = report.TotalAmount.Add(total.Amount)
		report.ByProduct = append(report.ByProduct, total)
	}
	if err := productRows.Err(); err != nil {
		return report, err
	}

	paymentRows, err := s.db.QueryContext(ctx, `
		SELECT payment_method, COUNT(*), COALESCE(SUM(total_amount), 0)
		FROM sales
		WHERE station_id = $1 AND sale_date >= $2 AND sale_date < $3
		GROUP BY payment_method
		ORDER BY payment_method
	`, stationID, from, to)
	if err != nil {
		return report, err
	}
	defer paymentRows.Close()

	for paymentRows.Next() {
		var total domain.PaymentTotal
		var method string
		if err := paymentRows.Scan(&method, &total.Sales, &total.Amount); err != nil {
			return report, err
		}
		total.PaymentMethod = domain.PaymentMethod(method)
		report.ByPayment = append(report.ByPayment, total)
	}
	if err := paymentRows.Err(); err != nil {
		return report, err
	}

	entryRows, err := s.db.QueryContext(ctx, `
		SELECT type, COUNT(*), COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE station_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY type
		ORDER BY type
	`, stationID, from, to)
	if err != nil {
		return report, err
	}
	defer entryRows.Close()

	for entryRows.Next() {
		var total domain.EntryTotal
		var entryType string
		if err := entryRows.Scan(&entryType, &total.Count, &total.Amount); err != nil {
			return report, err
		}
		total.Type = domain.EntryType(entryType)
		report.ByEntryType = append(report.ByEntryType, total)
	}
	if err := entryRows.Err(); err != nil {
		return report, err
	}

	return report, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, station_id, actor_id, action, entity_kind, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.StationID, entry.ActorID, entry.Action, entry.EntityKind, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, stationID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, station_id, actor_id, action, entity_kind, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR station_id = $1)
			AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, stationID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.StationID, &entry.ActorID, &entry.Action, &entry.EntityKind, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidEntry
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, station_id, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, user.Username, user.Password, user.Role, user.StationID, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidEntry
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, role, station_id, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.StationID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	if username == "" || password == "" {
		return store.ErrInvalidEntry
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// mapPgError maps serialization failures and deadlocks to ErrConflict so the
// service can retry the unit.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Code)
		}
	}
	return err
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTimeValue(val time.Time) any {
	if val.IsZero() {
		return nil
	}
	return val
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountType is the closed set of treasury account kinds. Safe and bank
// balances are cash-like assets; a customer balance is a receivable.
type AccountType string

const (
	AccountSafe     AccountType = "safe"
	AccountBank     AccountType = "bank"
	AccountCustomer AccountType = "customer"
)

func (t AccountType) Valid() bool {
	switch t {
	case AccountSafe, AccountBank, AccountCustomer:
		return true
	}
	return false
}

// AccountRef identifies one treasury account as type + id.
type AccountRef struct {
	Type AccountType `json:"type"`
	ID   string      `json:"id"`
}

func (r AccountRef) IsZero() bool {
	return r.Type == "" && r.ID == ""
}

type EntryType string

const (
	EntryIncome      EntryType = "income"
	EntryExpense     EntryType = "expense"
	EntryTransfer    EntryType = "transfer"
	EntrySaleDeposit EntryType = "sale_deposit"
)

func (t EntryType) Valid() bool {
	switch t {
	case EntryIncome, EntryExpense, EntryTransfer, EntrySaleDeposit:
		return true
	}
	return false
}

type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "cash"
	PaymentCredit PaymentMethod = "credit"
)

const (
	TransferStatusPending  = "pending"
	TransferStatusApproved = "approved"
	TransferStatusRejected = "rejected"
)

type Station struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Counter is one dispensing nozzle. CurrentReading is the cumulative meter
// value and never decreases outside of recalibration.
type Counter struct {
	ID             string          `json:"id"`
	PumpID         string          `json:"pump_id"`
	StationID      string          `json:"station_id"`
	TankID         string          `json:"tank_id"`
	WorkerID       string          `json:"worker_id"`
	ProductType    string          `json:"product_type"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	CurrentReading decimal.Decimal `json:"current_reading"`
}

// CounterState is the read model the sale poster works from.
type CounterState struct {
	CounterID       string          `json:"counter_id"`
	PumpID          string          `json:"pump_id"`
	StationID       string          `json:"station_id"`
	TankID          string          `json:"tank_id"`
	WorkerID        string          `json:"worker_id"`
	ProductType     string          `json:"product_type"`
	PreviousReading decimal.Decimal `json:"previous_reading"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
}

type Tank struct {
	ID             string          `json:"id"`
	StationID      string          `json:"station_id"`
	ProductType    string          `json:"product_type"`
	CapacityLiters decimal.Decimal `json:"capacity_liters"`
	CurrentVolume  decimal.Decimal `json:"current_volume"`
}

// Sale is immutable once created.
type Sale struct {
	ID             string          `json:"id"`
	StationID      string          `json:"station_id"`
	CounterID      string          `json:"counter_id"`
	WorkerID       string          `json:"worker_id"`
	OpeningReading decimal.Decimal `json:"opening_reading"`
	ClosingReading decimal.Decimal `json:"closing_reading"`
	VolumeSold     decimal.Decimal `json:"volume_sold"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	PaymentMethod  PaymentMethod   `json:"payment_method"`
	CustomerID     string          `json:"customer_id,omitempty"`
	EntryID        string          `json:"entry_id,omitempty"`
	SaleDate       time.Time       `json:"sale_date"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Account is the common shape of safes, banks and customer credit lines.
// For customer accounts Balance is the receivable (positive = owes).
type Account struct {
	Ref           AccountRef      `json:"ref"`
	StationID     string          `json:"station_id"`
	Name          string          `json:"name"`
	AccountNumber string          `json:"account_number,omitempty"`
	Balance       decimal.Decimal `json:"balance"`
	DefaultCash   bool            `json:"default_cash,omitempty"`
}

// LedgerEntry is append-only. Amount is always positive; the direction is
// carried by the from/to references. Exactly one side may be absent, and
// only for pure income or expense.
type LedgerEntry struct {
	ID          string          `json:"id"`
	StationID   string          `json:"station_id"`
	Type        EntryType       `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category,omitempty"`
	From        *AccountRef     `json:"from,omitempty"`
	To          *AccountRef     `json:"to,omitempty"`
	Description string          `json:"description,omitempty"`
	CreatedBy   string          `json:"created_by"`
	CreatedAt   time.Time       `json:"created_at"`
}

type TransferRequest struct {
	ID          string          `json:"id"`
	StationID   string          `json:"station_id"`
	From        AccountRef      `json:"from"`
	To          AccountRef      `json:"to"`
	Amount      decimal.Decimal `json:"amount"`
	Status      string          `json:"status"`
	RequestedBy string          `json:"requested_by"`
	ApprovedBy  string          `json:"approved_by,omitempty"`
	EntryID     string          `json:"entry_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	DecidedAt   *time.Time      `json:"decided_at,omitempty"`
}

func (t TransferRequest) Terminal() bool {
	return t.Status == TransferStatusApproved || t.Status == TransferStatusRejected
}

// Principal is the resolved caller identity supplied by the auth boundary.
// The core trusts it and never re-derives permissions.
type Principal struct {
	UserID    string
	StationID string
	Role      string
}

type SaleRequest struct {
	StationID      string          `json:"station_id"`
	CounterID      string          `json:"counter_id"`
	ClosingReading decimal.Decimal `json:"closing_reading"`
	PaymentMethod  PaymentMethod   `json:"payment_method"`
	CustomerID     string          `json:"customer_id,omitempty"`
	SaleDate       string          `json:"sale_date,omitempty"`
}

type SaleResponse struct {
	Sale     Sale      `json:"sale"`
	EntryID  string    `json:"entry_id"`
	Warnings []Warning `json:"warnings,omitempty"`
}

// Warning is a non-fatal notice raised during posting, e.g. a tank going
// negative. It never blocks the triggering operation.
type Warning struct {
	Code     string `json:"code"`
	EntityID string `json:"entity_id"`
	Detail   string `json:"detail"`
}

const (
	WarnStockVariance = "stock_variance"
	WarnOverCapacity  = "over_capacity"
)

type EntryRequest struct {
	StationID   string          `json:"station_id"`
	Type        EntryType       `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category,omitempty"`
	From        *AccountRef     `json:"from,omitempty"`
	To          *AccountRef     `json:"to,omitempty"`
	Description string          `json:"description,omitempty"`
}

type EntryResponse struct {
	Entry LedgerEntry `json:"entry"`
}

type TransferCreateRequest struct {
	StationID string          `json:"station_id"`
	From      AccountRef      `json:"from"`
	To        AccountRef      `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
}

type TransferResponse struct {
	Transfer TransferRequest `json:"transfer"`
}

type ReceiveRequest struct {
	StationID   string          `json:"station_id"`
	TankID      string          `json:"tank_id"`
	Volume      decimal.Decimal `json:"volume"`
	SupplierRef string          `json:"supplier_ref,omitempty"`
	// Optional paid-from account posts the delivery cost as an expense.
	Cost     decimal.Decimal `json:"cost"`
	PaidFrom *AccountRef     `json:"paid_from,omitempty"`
}

type ReceiveResponse struct {
	Tank     Tank      `json:"tank"`
	EntryID  string    `json:"entry_id,omitempty"`
	Warnings []Warning `json:"warnings,omitempty"`
}

type DashboardSnapshot struct {
	StationID string    `json:"station_id"`
	Tanks     []Tank    `json:"tanks"`
	Accounts  []Account `json:"accounts"`
	TakenAt   time.Time `json:"taken_at"`
}

type ProductTotal struct {
	ProductType string          `json:"product_type"`
	Volume      decimal.Decimal `json:"volume"`
	Amount      decimal.Decimal `json:"amount"`
}

type PaymentTotal struct {
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Sales         int             `json:"sales"`
	Amount        decimal.Decimal `json:"amount"`
}

type EntryTotal struct {
	Type   EntryType       `json:"type"`
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

type DailyReport struct {
	StationID   string          `json:"station_id"`
	Date        string          `json:"date"`
	Sales       int             `json:"sales"`
	TotalVolume decimal.Decimal `json:"total_volume"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	ByProduct   []ProductTotal  `json:"by_product"`
	ByPayment   []PaymentTotal  `json:"by_payment"`
	ByEntryType []EntryTotal    `json:"by_entry_type"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	StationID  string    `json:"station_id"`
	ActorID    string    `json:"actor_id"`
	Action     string    `json:"action"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	StationID string    `json:"station_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type OperatorCreateRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	StationID string `json:"station_id,omitempty"`
}

type OperatorUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	StationID string    `json:"station_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	StationID   string `json:"station_id"`
	ExpiresAt   string `json:"expires_at"`
}

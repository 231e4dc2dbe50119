package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Branch struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Location  string    `json:"location"`
	ManagerID string    `json:"manager_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type BranchCreateRequest struct {
	Name     string `json:"name"`
	Location string `json:"location"`
}

type Produce struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Type               string          `json:"type"`
	SellingPricePerTon decimal.Decimal `json:"selling_price_per_ton"`
	CreatedAt          time.Time       `json:"created_at"`
}

type ProduceCreateRequest struct {
	Name               string          `json:"name"`
	Type               string          `json:"type"`
	SellingPricePerTon decimal.Decimal `json:"selling_price_per_ton"`
}

type Buyer struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Phone      string    `json:"phone,omitempty"`
	Location   string    `json:"location,omitempty"`
	NationalID string    `json:"national_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type BuyerCreateRequest struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Location   string `json:"location"`
	NationalID string `json:"national_id"`
}

// StockBalance is the current on-hand tonnage for one (branch, produce) pair.
// There is exactly one row per pair and CurrentTonnage never goes below zero.
type StockBalance struct {
	BranchID       string          `json:"branch_id"`
	ProduceID      string          `json:"produce_id"`
	ProduceName    string          `json:"produce_name,omitempty"`
	CurrentTonnage decimal.Decimal `json:"current_tonnage"`
	LastUpdated    time.Time       `json:"last_updated"`
}

type ProcurementRecord struct {
	ID                 string          `json:"id"`
	BranchID           string          `json:"branch_id"`
	ProduceID          string          `json:"produce_id"`
	ProduceName        string          `json:"produce_name,omitempty"`
	DealerName         string          `json:"dealer_name,omitempty"`
	DealerPhone        string          `json:"dealer_phone,omitempty"`
	Tonnage            decimal.Decimal `json:"tonnage"`
	CostPerTon         decimal.Decimal `json:"cost_per_ton"`
	TotalCost          decimal.Decimal `json:"total_cost"`
	SellingPricePerTon decimal.Decimal `json:"selling_price_per_ton"`
	RecordedBy         string          `json:"recorded_by"`
	ProcuredAt         time.Time       `json:"procured_at"`
}

type ProcurementCreateRequest struct {
	BranchID           string          `json:"branch_id"`
	ProduceID          string          `json:"produce_id"`
	DealerName         string          `json:"dealer_name"`
	DealerPhone        string          `json:"dealer_phone"`
	Tonnage            decimal.Decimal `json:"tonnage"`
	CostPerTon         decimal.Decimal `json:"cost_per_ton"`
	SellingPricePerTon decimal.Decimal `json:"selling_price_per_ton"`
	Date               string          `json:"date,omitempty"`
}

type SaleRecord struct {
	ID            string          `json:"id"`
	BranchID      string          `json:"branch_id"`
	ProduceID     string          `json:"produce_id"`
	ProduceName   string          `json:"produce_name,omitempty"`
	BuyerID       string          `json:"buyer_id,omitempty"`
	BuyerName     string          `json:"buyer_name,omitempty"`
	BuyerPhone    string          `json:"buyer_phone,omitempty"`
	Tonnage       decimal.Decimal `json:"tonnage"`
	PricePerTon   decimal.Decimal `json:"price_per_ton"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	AgentUsername string          `json:"agent_username"`
	PaymentStatus string          `json:"payment_status"`
	SoldAt        time.Time       `json:"sold_at"`
}

type SaleCreateRequest struct {
	BranchID    string          `json:"branch_id"`
	ProduceID   string          `json:"produce_id"`
	BuyerID     string          `json:"buyer_id,omitempty"`
	BuyerName   string          `json:"buyer_name,omitempty"`
	BuyerPhone  string          `json:"buyer_phone,omitempty"`
	Tonnage     decimal.Decimal `json:"tonnage"`
	PricePerTon decimal.Decimal `json:"price_per_ton"`
	Date        string          `json:"date,omitempty"`
}

// CreditSaleRecord is a sale with deferred payment. Stock is deducted at
// creation exactly like a cash sale; only the cash side is deferred.
// AmountPaid and Status are the only fields ever mutated, and only through
// payment application.
type CreditSaleRecord struct {
	ID            string          `json:"id"`
	BranchID      string          `json:"branch_id"`
	ProduceID     string          `json:"produce_id"`
	ProduceName   string          `json:"produce_name,omitempty"`
	BuyerID       string          `json:"buyer_id,omitempty"`
	BuyerName     string          `json:"buyer_name,omitempty"`
	BuyerPhone    string          `json:"buyer_phone,omitempty"`
	BuyerLocation string          `json:"buyer_location,omitempty"`
	NationalID    string          `json:"national_id,omitempty"`
	Tonnage       decimal.Decimal `json:"tonnage"`
	PricePerTon   decimal.Decimal `json:"price_per_ton"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	AmountDue     decimal.Decimal `json:"amount_due"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	DueDate       time.Time       `json:"due_date"`
	Status        string          `json:"status"`
	AgentUsername string          `json:"agent_username"`
	SoldAt        time.Time       `json:"sold_at"`
}

type CreditSaleCreateRequest struct {
	BranchID      string          `json:"branch_id"`
	ProduceID     string          `json:"produce_id"`
	BuyerID       string          `json:"buyer_id,omitempty"`
	BuyerName     string          `json:"buyer_name,omitempty"`
	BuyerPhone    string          `json:"buyer_phone,omitempty"`
	BuyerLocation string          `json:"buyer_location,omitempty"`
	NationalID    string          `json:"national_id,omitempty"`
	Tonnage       decimal.Decimal `json:"tonnage"`
	PricePerTon   decimal.Decimal `json:"price_per_ton"`
	DueDate       string          `json:"due_date"`
	Date          string          `json:"date,omitempty"`
}

type PaymentRecord struct {
	ID           string          `json:"id"`
	CreditSaleID string          `json:"credit_sale_id"`
	Amount       decimal.Decimal `json:"amount"`
	Method       string          `json:"method,omitempty"`
	Notes        string          `json:"notes,omitempty"`
	RecordedBy   string          `json:"recorded_by"`
	PaidAt       time.Time       `json:"paid_at"`
}

type PaymentCreateRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Method string          `json:"method"`
	Notes  string          `json:"notes"`
	Date   string          `json:"date,omitempty"`
}

// LedgerQuery filters transaction-log listings. Zero-valued fields are
// ignored.
type LedgerQuery struct {
	BranchID string
	From     time.Time
	To       time.Time
	Limit    int
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	BranchID    string `json:"branch_id,omitempty"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
	BranchID string
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
	BranchID string `json:"branch_id,omitempty"`
}

type PasswordChangeRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type UserView struct {
	Username  string    `json:"username"`
	FullName  string    `json:"full_name"`
	Role      string    `json:"role"`
	BranchID  string    `json:"branch_id,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	FullName  string
	Password  string
	Role      string
	BranchID  string
	Active    bool
	CreatedAt time.Time
}

type KPISnapshot struct {
	BranchID             string          `json:"branch_id,omitempty"`
	TotalSales           decimal.Decimal `json:"total_sales"`
	TotalTonnageSold     decimal.Decimal `json:"total_tonnage_sold"`
	TotalProcurementCost decimal.Decimal `json:"total_procurement_cost"`
	TotalStockTonnage    decimal.Decimal `json:"total_stock_tonnage"`
	EstimatedProfit      decimal.Decimal `json:"estimated_profit"`
}

type BranchOverview struct {
	BranchID             string          `json:"branch_id"`
	BranchName           string          `json:"branch_name"`
	TotalSales           decimal.Decimal `json:"total_sales"`
	TotalTonnageSold     decimal.Decimal `json:"total_tonnage_sold"`
	TotalProcurementCost decimal.Decimal `json:"total_procurement_cost"`
	EstimatedProfit      decimal.Decimal `json:"estimated_profit"`
}

type ProducePerformance struct {
	ProduceName      string          `json:"produce_name"`
	TotalSales       decimal.Decimal `json:"total_sales"`
	TotalTonnageSold decimal.Decimal `json:"total_tonnage_sold"`
}

type AgentPerformance struct {
	AgentUsername    string          `json:"agent_username"`
	AgentFullName    string          `json:"agent_full_name"`
	TotalSales       decimal.Decimal `json:"total_sales"`
	TotalTonnageSold decimal.Decimal `json:"total_tonnage_sold"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	BranchID      string    `json:"branch_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	RoleCEO     = "ceo"
	RoleManager = "manager"
	RoleAgent   = "agent"
)

const PaymentStatusPaid = "Paid"

const (
	CreditStatusPending = "Pending"
	CreditStatusPartial = "Partial"
	CreditStatusPaid    = "Paid"
	CreditStatusOverdue = "Overdue"
)

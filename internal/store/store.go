package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"goldencrop/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrOverpayment       = errors.New("payment exceeds remaining amount due")
	ErrInvalidInput      = errors.New("invalid input")
)

// Repository is the durable storage surface for the inventory ledger and the
// back-office registries. The Record* methods are the atomic units of the
// ledger: each appends one transaction-log row and adjusts the corresponding
// stock balance in a single storage transaction, so no partial effect is ever
// observable. RecordSale and RecordCreditSale return ErrInsufficientStock
// without writing anything when the requested tonnage exceeds the current
// balance, and RecordPayment returns ErrOverpayment when the amount exceeds
// the remaining due.
type Repository interface {
	CreateBranch(ctx context.Context, branch domain.Branch) (*domain.Branch, error)
	ListBranches(ctx context.Context) ([]domain.Branch, error)
	GetBranchByID(ctx context.Context, id string) (*domain.Branch, error)

	CreateProduce(ctx context.Context, produce domain.Produce) (*domain.Produce, error)
	ListProduce(ctx context.Context) ([]domain.Produce, error)
	GetProduceByID(ctx context.Context, id string) (*domain.Produce, error)

	CreateBuyer(ctx context.Context, buyer domain.Buyer) (*domain.Buyer, error)
	ListBuyers(ctx context.Context) ([]domain.Buyer, error)
	GetBuyerByID(ctx context.Context, id string) (*domain.Buyer, error)

	RecordProcurement(ctx context.Context, rec domain.ProcurementRecord) (*domain.ProcurementRecord, error)
	RecordSale(ctx context.Context, rec domain.SaleRecord) (*domain.SaleRecord, error)
	RecordCreditSale(ctx context.Context, rec domain.CreditSaleRecord) (*domain.CreditSaleRecord, error)
	RecordPayment(ctx context.Context, rec domain.PaymentRecord) (*domain.PaymentRecord, error)

	GetStockBalance(ctx context.Context, branchID, produceID string) (decimal.Decimal, error)
	ListStockBalances(ctx context.Context, branchID string) ([]domain.StockBalance, error)

	ListProcurements(ctx context.Context, q domain.LedgerQuery) ([]domain.ProcurementRecord, error)
	ListSales(ctx context.Context, q domain.LedgerQuery) ([]domain.SaleRecord, error)
	GetSaleByID(ctx context.Context, id string) (*domain.SaleRecord, error)
	ListCreditSales(ctx context.Context, q domain.LedgerQuery) ([]domain.CreditSaleRecord, error)
	GetCreditSaleByID(ctx context.Context, id string) (*domain.CreditSaleRecord, error)
	ListPayments(ctx context.Context, creditSaleID string) ([]domain.PaymentRecord, error)

	GetKPIs(ctx context.Context, branchID string, from, to time.Time) (domain.KPISnapshot, error)
	GetBranchOverviews(ctx context.Context, from, to time.Time) ([]domain.BranchOverview, error)
	GetTopProduce(ctx context.Context, from, to time.Time, limit int) ([]domain.ProducePerformance, error)
	GetAgentPerformance(ctx context.Context, branchID string, from, to time.Time) ([]domain.AgentPerformance, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, branchID string, from, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"goldencrop/backend/internal/domain"
	"goldencrop/backend/internal/store"
)

func TestConditionalDecrementBlocksOversell(t *testing.T) {
	databaseURL := os.Getenv("GOLDENCROP_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set GOLDENCROP_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	branchID := fmt.Sprintf("br-it-%d", stamp)
	produceID := fmt.Sprintf("prod-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM payments WHERE credit_sale_id IN (SELECT id FROM credit_sales WHERE branch_id = $1)`, branchID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM credit_sales WHERE branch_id = $1`, branchID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE branch_id = $1`, branchID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM procurements WHERE branch_id = $1`, branchID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_balances WHERE branch_id = $1`, branchID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM produce WHERE id = $1`, produceID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM branches WHERE id = $1`, branchID)
	})

	if _, err := s.CreateBranch(ctx, domain.Branch{ID: branchID, Name: "IT Branch " + branchID, Location: "Kampala"}); err != nil {
		t.Fatalf("create branch: %v", err)
	}
	if _, err := s.CreateProduce(ctx, domain.Produce{
		ID:                 produceID,
		Name:               "it-beans-" + produceID,
		Type:               "legume",
		SellingPricePerTon: decimal.NewFromInt(900000),
	}); err != nil {
		t.Fatalf("create produce: %v", err)
	}

	if _, err := s.RecordProcurement(ctx, domain.ProcurementRecord{
		BranchID:           branchID,
		ProduceID:          produceID,
		Tonnage:            decimal.NewFromInt(10),
		CostPerTon:         decimal.NewFromInt(500000),
		SellingPricePerTon: decimal.NewFromInt(900000),
		RecordedBy:         "it-manager",
	}); err != nil {
		t.Fatalf("record procurement: %v", err)
	}

	if _, err := s.RecordSale(ctx, domain.SaleRecord{
		BranchID:      branchID,
		ProduceID:     produceID,
		Tonnage:       decimal.NewFromInt(7),
		PricePerTon:   decimal.NewFromInt(900000),
		AgentUsername: "it-agent",
	}); err != nil {
		t.Fatalf("record sale: %v", err)
	}

	_, err = s.RecordSale(ctx, domain.SaleRecord{
		BranchID:      branchID,
		ProduceID:     produceID,
		Tonnage:       decimal.NewFromInt(5),
		PricePerTon:   decimal.NewFromInt(900000),
		AgentUsername: "it-agent",
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	balance, err := s.GetStockBalance(ctx, branchID, produceID)
	if err != nil {
		t.Fatalf("get stock balance: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected balance 3 after failed oversell, got %s", balance)
	}

	cs, err := s.RecordCreditSale(ctx, domain.CreditSaleRecord{
		BranchID:      branchID,
		ProduceID:     produceID,
		BuyerName:     "IT Buyer",
		Tonnage:       decimal.NewFromInt(2),
		PricePerTon:   decimal.NewFromInt(900000),
		DueDate:       time.Now().UTC().AddDate(0, 0, 14),
		AgentUsername: "it-agent",
	})
	if err != nil {
		t.Fatalf("record credit sale: %v", err)
	}

	_, err = s.RecordPayment(ctx, domain.PaymentRecord{
		CreditSaleID: cs.ID,
		Amount:       cs.AmountDue.Add(decimal.NewFromInt(1)),
		RecordedBy:   "it-manager",
	})
	if !errors.Is(err, store.ErrOverpayment) {
		t.Fatalf("expected overpayment, got %v", err)
	}

	if _, err := s.RecordPayment(ctx, domain.PaymentRecord{
		CreditSaleID: cs.ID,
		Amount:       cs.AmountDue,
		RecordedBy:   "it-manager",
	}); err != nil {
		t.Fatalf("record payment: %v", err)
	}

	settled, err := s.GetCreditSaleByID(ctx, cs.ID)
	if err != nil {
		t.Fatalf("get credit sale: %v", err)
	}
	if settled.Status != domain.CreditStatusPaid {
		t.Fatalf("expected status Paid, got %s", settled.Status)
	}
}

package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"goldencrop/backend/internal/cache"
	"goldencrop/backend/internal/domain"
	"goldencrop/backend/internal/store"
	"goldencrop/backend/internal/store/memory"
)

var defaultAllowedProduce = []string{"beans", "grain maize", "cowpeas", "groundnuts", "rice", "soybeans"}

func newTestService() (*Service, *memory.Store) {
	repo := memory.NewSeeded()
	svc := New(repo, cache.NoopAnalyticsCache{}, defaultAllowedProduce, "br-maganjo", 30*time.Second)
	return svc, repo
}

func ceoContext() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "ceo", Role: domain.RoleCEO})
}

func managerContext() context.Context {
	return WithActor(context.Background(), domain.Actor{
		Username: "manager-maganjo",
		Role:     domain.RoleManager,
		BranchID: "br-maganjo",
	})
}

func agentContext() context.Context {
	return WithActor(context.Background(), domain.Actor{
		Username: "agent-maganjo",
		Role:     domain.RoleAgent,
		BranchID: "br-maganjo",
	})
}

func TestProcurementThenSalesAgainstBalance(t *testing.T) {
	svc, repo := newTestService()

	proc, err := svc.RecordProcurement(managerContext(), domain.ProcurementCreateRequest{
		ProduceID:  "prod-beans",
		DealerName: "Okello Dealers",
		Tonnage:    decimal.NewFromInt(10),
		CostPerTon: decimal.NewFromInt(2),
	})
	if err != nil {
		t.Fatalf("record procurement failed: %v", err)
	}
	if !proc.TotalCost.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected total cost 20, got %s", proc.TotalCost)
	}

	balance, err := repo.GetStockBalance(context.Background(), "br-maganjo", "prod-beans")
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected balance 10 after procurement, got %s", balance)
	}

	sale, err := svc.RecordSale(agentContext(), domain.SaleCreateRequest{
		ProduceID:   "prod-beans",
		BuyerName:   "Nakato Traders",
		Tonnage:     decimal.NewFromInt(7),
		PricePerTon: decimal.NewFromInt(3),
	})
	if err != nil {
		t.Fatalf("record sale failed: %v", err)
	}
	if !sale.TotalAmount.Equal(decimal.NewFromInt(21)) {
		t.Fatalf("expected total amount 21, got %s", sale.TotalAmount)
	}
	if sale.AgentUsername != "agent-maganjo" {
		t.Fatalf("expected agent username from actor, got %s", sale.AgentUsername)
	}

	_, err = svc.RecordSale(agentContext(), domain.SaleCreateRequest{
		ProduceID:   "prod-beans",
		Tonnage:     decimal.NewFromInt(5),
		PricePerTon: decimal.NewFromInt(3),
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	balance, err = repo.GetStockBalance(context.Background(), "br-maganjo", "prod-beans")
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected balance unchanged at 3 after rejected sale, got %s", balance)
	}
}

func TestProcurementRejectsBelowOneTon(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.RecordProcurement(managerContext(), domain.ProcurementCreateRequest{
		ProduceID:  "prod-beans",
		Tonnage:    decimal.RequireFromString("0.5"),
		CostPerTon: decimal.NewFromInt(2),
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input for sub-ton procurement, got %v", err)
	}
}

func TestCreateProduceRejectsUnlistedName(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.CreateProduce(managerContext(), domain.ProduceCreateRequest{
		Name:               "coffee",
		Type:               "cash crop",
		SellingPricePerTon: decimal.NewFromInt(8_000_000),
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected unlisted produce to be rejected, got %v", err)
	}

	created, err := svc.CreateProduce(managerContext(), domain.ProduceCreateRequest{
		Name:               "Soybeans",
		Type:               "legume",
		SellingPricePerTon: decimal.NewFromInt(2_900_000),
	})
	if err != nil {
		t.Fatalf("create listed produce failed: %v", err)
	}
	if created.Name != "soybeans" {
		t.Fatalf("expected normalized name soybeans, got %s", created.Name)
	}
}

func TestCreditSaleLifecycle(t *testing.T) {
	svc, repo := newTestService()

	_, err := svc.RecordProcurement(managerContext(), domain.ProcurementCreateRequest{
		ProduceID:  "prod-maize",
		Tonnage:    decimal.NewFromInt(8),
		CostPerTon: decimal.NewFromInt(1_200_000),
	})
	if err != nil {
		t.Fatalf("record procurement failed: %v", err)
	}

	dueDate := time.Now().UTC().AddDate(0, 0, 14).Format("2006-01-02")
	cs, err := svc.RecordCreditSale(agentContext(), domain.CreditSaleCreateRequest{
		ProduceID:   "prod-maize",
		BuyerName:   "Ssemanda Stores",
		BuyerPhone:  "0772000001",
		Tonnage:     decimal.NewFromInt(4),
		PricePerTon: decimal.NewFromInt(1_900_000),
		DueDate:     dueDate,
	})
	if err != nil {
		t.Fatalf("record credit sale failed: %v", err)
	}
	if cs.Status != domain.CreditStatusPending {
		t.Fatalf("expected Pending status on creation, got %s", cs.Status)
	}
	if !cs.AmountDue.Equal(decimal.NewFromInt(7_600_000)) {
		t.Fatalf("expected amount due 7600000, got %s", cs.AmountDue)
	}

	balance, err := repo.GetStockBalance(context.Background(), "br-maganjo", "prod-maize")
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("expected stock deducted at credit sale creation, got %s", balance)
	}

	_, err = svc.RecordPayment(managerContext(), cs.ID, domain.PaymentCreateRequest{
		Amount: decimal.NewFromInt(3_000_000),
		Method: "cash",
	})
	if err != nil {
		t.Fatalf("partial payment failed: %v", err)
	}

	after, err := svc.GetCreditSale(managerContext(), cs.ID)
	if err != nil {
		t.Fatalf("get credit sale failed: %v", err)
	}
	if after.Status != domain.CreditStatusPartial {
		t.Fatalf("expected Partial after partial payment, got %s", after.Status)
	}

	_, err = svc.RecordPayment(managerContext(), cs.ID, domain.PaymentCreateRequest{
		Amount: decimal.NewFromInt(5_000_000),
	})
	if !errors.Is(err, store.ErrOverpayment) {
		t.Fatalf("expected overpayment rejection, got %v", err)
	}

	_, err = svc.RecordPayment(managerContext(), cs.ID, domain.PaymentCreateRequest{
		Amount: decimal.NewFromInt(4_600_000),
		Method: "mobile money",
	})
	if err != nil {
		t.Fatalf("settling payment failed: %v", err)
	}

	settled, err := svc.GetCreditSale(managerContext(), cs.ID)
	if err != nil {
		t.Fatalf("get credit sale failed: %v", err)
	}
	if settled.Status != domain.CreditStatusPaid {
		t.Fatalf("expected Paid after settlement, got %s", settled.Status)
	}

	payments, err := svc.ListPayments(managerContext(), cs.ID)
	if err != nil {
		t.Fatalf("list payments failed: %v", err)
	}
	if len(payments) != 2 {
		t.Fatalf("expected 2 payments, got %d", len(payments))
	}
}

func TestCreditSaleRequiresBuyer(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.RecordProcurement(managerContext(), domain.ProcurementCreateRequest{
		ProduceID:  "prod-rice",
		Tonnage:    decimal.NewFromInt(3),
		CostPerTon: decimal.NewFromInt(2_500_000),
	})
	if err != nil {
		t.Fatalf("record procurement failed: %v", err)
	}

	_, err = svc.RecordCreditSale(agentContext(), domain.CreditSaleCreateRequest{
		ProduceID:   "prod-rice",
		Tonnage:     decimal.NewFromInt(1),
		PricePerTon: decimal.NewFromInt(3_100_000),
		DueDate:     time.Now().UTC().AddDate(0, 0, 7).Format("2006-01-02"),
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected buyer requirement, got %v", err)
	}
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	svc, repo := newTestService()

	_, err := svc.RecordProcurement(managerContext(), domain.ProcurementCreateRequest{
		ProduceID:  "prod-beans",
		Tonnage:    decimal.NewFromInt(10),
		CostPerTon: decimal.NewFromInt(2_000_000),
	})
	if err != nil {
		t.Fatalf("record procurement failed: %v", err)
	}

	const attempts = 20
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RecordSale(agentContext(), domain.SaleCreateRequest{
				ProduceID:   "prod-beans",
				Tonnage:     decimal.NewFromInt(1),
				PricePerTon: decimal.NewFromInt(2_600_000),
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded, rejected := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, store.ErrInsufficientStock):
			rejected++
		default:
			t.Fatalf("unexpected error from concurrent sale: %v", err)
		}
	}
	if succeeded != 10 || rejected != 10 {
		t.Fatalf("expected exactly 10 sales to succeed and 10 to be rejected, got %d/%d", succeeded, rejected)
	}

	balance, err := repo.GetStockBalance(context.Background(), "br-maganjo", "prod-beans")
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if !balance.Equal(decimal.Zero) {
		t.Fatalf("expected balance exactly 0, got %s", balance)
	}
}

func TestAgentCannotRecordProcurementOrPayment(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.RecordProcurement(agentContext(), domain.ProcurementCreateRequest{
		ProduceID:  "prod-beans",
		Tonnage:    decimal.NewFromInt(2),
		CostPerTon: decimal.NewFromInt(2_000_000),
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for agent procurement, got %v", err)
	}

	_, err = svc.RecordPayment(agentContext(), "cs-whatever", domain.PaymentCreateRequest{
		Amount: decimal.NewFromInt(1),
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for agent payment, got %v", err)
	}
}

func TestNonCEOWritesArePinnedToOwnBranch(t *testing.T) {
	svc, repo := newTestService()

	_, err := svc.RecordProcurement(managerContext(), domain.ProcurementCreateRequest{
		BranchID:   "br-matugga",
		ProduceID:  "prod-beans",
		Tonnage:    decimal.NewFromInt(5),
		CostPerTon: decimal.NewFromInt(2_000_000),
	})
	if err != nil {
		t.Fatalf("record procurement failed: %v", err)
	}

	maganjo, err := repo.GetStockBalance(context.Background(), "br-maganjo", "prod-beans")
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if !maganjo.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected procurement pinned to manager's branch, got %s", maganjo)
	}

	matugga, err := repo.GetStockBalance(context.Background(), "br-matugga", "prod-beans")
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if !matugga.IsZero() {
		t.Fatalf("expected no stock in br-matugga, got %s", matugga)
	}
}

func TestBuyerAutoRegisteredAtPointOfSale(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.RecordProcurement(managerContext(), domain.ProcurementCreateRequest{
		ProduceID:  "prod-gnuts",
		Tonnage:    decimal.NewFromInt(6),
		CostPerTon: decimal.NewFromInt(3_000_000),
	})
	if err != nil {
		t.Fatalf("record procurement failed: %v", err)
	}

	sale, err := svc.RecordSale(agentContext(), domain.SaleCreateRequest{
		ProduceID: "prod-gnuts",
		BuyerName: "Kivumbi Millers",
		Tonnage:   decimal.NewFromInt(2),
	})
	if err != nil {
		t.Fatalf("record sale failed: %v", err)
	}
	if sale.BuyerID == "" {
		t.Fatalf("expected buyer to be registered during sale")
	}
	if !sale.PricePerTon.Equal(decimal.NewFromInt(4_200_000)) {
		t.Fatalf("expected price defaulted from produce listing, got %s", sale.PricePerTon)
	}

	buyers, err := svc.ListBuyers(agentContext())
	if err != nil {
		t.Fatalf("list buyers failed: %v", err)
	}
	if len(buyers) != 1 || buyers[0].Name != "Kivumbi Millers" {
		t.Fatalf("expected buyer registry to contain the new buyer, got %+v", buyers)
	}
}

func TestKPIsAggregateSalesAndProfit(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.RecordProcurement(managerContext(), domain.ProcurementCreateRequest{
		ProduceID:  "prod-beans",
		Tonnage:    decimal.NewFromInt(10),
		CostPerTon: decimal.NewFromInt(2),
	})
	if err != nil {
		t.Fatalf("record procurement failed: %v", err)
	}
	_, err = svc.RecordSale(agentContext(), domain.SaleCreateRequest{
		ProduceID:   "prod-beans",
		Tonnage:     decimal.NewFromInt(7),
		PricePerTon: decimal.NewFromInt(3),
	})
	if err != nil {
		t.Fatalf("record sale failed: %v", err)
	}

	kpis, err := svc.GetKPIs(ceoContext(), "br-maganjo", "", "")
	if err != nil {
		t.Fatalf("get kpis failed: %v", err)
	}
	if !kpis.TotalSales.Equal(decimal.NewFromInt(21)) {
		t.Fatalf("expected total sales 21, got %s", kpis.TotalSales)
	}
	if !kpis.TotalProcurementCost.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected procurement cost 20, got %s", kpis.TotalProcurementCost)
	}
	if !kpis.EstimatedProfit.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected estimated profit 1, got %s", kpis.EstimatedProfit)
	}
	if !kpis.TotalStockTonnage.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected stock tonnage 3, got %s", kpis.TotalStockTonnage)
	}
}

func TestExportSalesCSV(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.RecordProcurement(managerContext(), domain.ProcurementCreateRequest{
		ProduceID:  "prod-beans",
		Tonnage:    decimal.NewFromInt(5),
		CostPerTon: decimal.NewFromInt(2_000_000),
	})
	if err != nil {
		t.Fatalf("record procurement failed: %v", err)
	}
	_, err = svc.RecordSale(agentContext(), domain.SaleCreateRequest{
		ProduceID:   "prod-beans",
		BuyerName:   "Nansubuga Traders",
		Tonnage:     decimal.NewFromInt(2),
		PricePerTon: decimal.NewFromInt(2_600_000),
	})
	if err != nil {
		t.Fatalf("record sale failed: %v", err)
	}

	payload, err := svc.ExportSalesCSV(managerContext(), "", "", "")
	if err != nil {
		t.Fatalf("export csv failed: %v", err)
	}
	text := string(payload)
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header plus one row, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "id,branch_id,produce") {
		t.Fatalf("unexpected csv header: %s", lines[0])
	}
	if !strings.Contains(lines[1], "Nansubuga Traders") {
		t.Fatalf("expected buyer in csv row: %s", lines[1])
	}
}

func TestUserManagementIsCEOOnly(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.CreateUser(managerContext(), domain.UserCreateRequest{
		Username: "agent-matugga",
		Password: "longenough",
		Role:     domain.RoleAgent,
		BranchID: "br-matugga",
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for manager creating users, got %v", err)
	}

	created, err := svc.CreateUser(ceoContext(), domain.UserCreateRequest{
		Username: "Agent-Matugga",
		FullName: "Matugga Sales Agent",
		Password: "longenough",
		Role:     domain.RoleAgent,
		BranchID: "br-matugga",
	})
	if err != nil {
		t.Fatalf("ceo create user failed: %v", err)
	}
	if created.Username != "agent-matugga" {
		t.Fatalf("expected normalized username, got %s", created.Username)
	}

	actor, err := svc.Authenticate(context.Background(), "agent-matugga", "longenough")
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if actor.Role != domain.RoleAgent || actor.BranchID != "br-matugga" {
		t.Fatalf("unexpected actor after authenticate: %+v", actor)
	}
}

package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"goldencrop/backend/internal/domain"
	"goldencrop/backend/internal/store"
	"goldencrop/backend/internal/xid"
)

type stockKey struct {
	branchID  string
	produceID string
}

type Store struct {
	mu              sync.RWMutex
	branchesByID    map[string]domain.Branch
	produceByID     map[string]domain.Produce
	buyersByID      map[string]domain.Buyer
	balances        map[stockKey]domain.StockBalance
	procurements    []domain.ProcurementRecord
	sales           []domain.SaleRecord
	creditSalesByID map[string]domain.CreditSaleRecord
	payments        []domain.PaymentRecord
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_CEO_PASSWORD / SEED_MANAGER_PASSWORD /
// SEED_AGENT_PASSWORD, with hardcoded dev defaults and a warning when unset.
// The in-memory store is never used when DATABASE_URL is set.
func seedUsers() map[string]domain.UserAccount {
	ceoPwd := envOr("SEED_CEO_PASSWORD", "ceo12345")
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	agentPwd := envOr("SEED_AGENT_PASSWORD", "agent123")
	if os.Getenv("SEED_CEO_PASSWORD") == "" || os.Getenv("SEED_MANAGER_PASSWORD") == "" || os.Getenv("SEED_AGENT_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_CEO_PASSWORD, SEED_MANAGER_PASSWORD and SEED_AGENT_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		fullName string
		password string
		role     string
		branchID string
	}{
		{"ceo", "Chief Executive", ceoPwd, domain.RoleCEO, ""},
		{"manager-maganjo", "Maganjo Manager", managerPwd, domain.RoleManager, "br-maganjo"},
		{"agent-maganjo", "Maganjo Sales Agent", agentPwd, domain.RoleAgent, "br-maganjo"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			FullName:  u.fullName,
			Password:  string(hash),
			Role:      u.role,
			BranchID:  u.branchID,
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
	now := time.Now().UTC()

	branches := []domain.Branch{
		{ID: "br-maganjo", Name: "Maganjo", Location: "Maganjo, Kampala", CreatedAt: now},
		{ID: "br-matugga", Name: "Matugga", Location: "Matugga, Wakiso", CreatedAt: now},
	}

	produce := []domain.Produce{
		{ID: "prod-beans", Name: "beans", Type: "legume", SellingPricePerTon: decimal.NewFromInt(2_600_000), CreatedAt: now},
		{ID: "prod-maize", Name: "grain maize", Type: "cereal", SellingPricePerTon: decimal.NewFromInt(1_900_000), CreatedAt: now},
		{ID: "prod-cowpeas", Name: "cowpeas", Type: "legume", SellingPricePerTon: decimal.NewFromInt(2_400_000), CreatedAt: now},
		{ID: "prod-gnuts", Name: "groundnuts", Type: "legume", SellingPricePerTon: decimal.NewFromInt(4_200_000), CreatedAt: now},
		{ID: "prod-rice", Name: "rice", Type: "cereal", SellingPricePerTon: decimal.NewFromInt(3_100_000), CreatedAt: now},
		{ID: "prod-soybeans", Name: "soybeans", Type: "legume", SellingPricePerTon: decimal.NewFromInt(2_800_000), CreatedAt: now},
	}

	branchMap := make(map[string]domain.Branch, len(branches))
	for _, b := range branches {
		branchMap[b.ID] = b
	}
	produceMap := make(map[string]domain.Produce, len(produce))
	for _, p := range produce {
		produceMap[p.ID] = p
	}

	return &Store{
		branchesByID:    branchMap,
		produceByID:     produceMap,
		buyersByID:      make(map[string]domain.Buyer),
		balances:        make(map[stockKey]domain.StockBalance),
		procurements:    make([]domain.ProcurementRecord, 0, 64),
		sales:           make([]domain.SaleRecord, 0, 64),
		creditSalesByID: make(map[string]domain.CreditSaleRecord),
		payments:        make([]domain.PaymentRecord, 0, 64),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
	}
}

// New returns an empty store with no seed data. Used by tests that need a
// clean ledger.
func New() *Store {
	s := NewSeeded()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branchesByID = make(map[string]domain.Branch)
	s.produceByID = make(map[string]domain.Produce)
	s.usersByUsername = make(map[string]domain.UserAccount)
	return s
}

func (s *Store) CreateBranch(_ context.Context, branch domain.Branch) (*domain.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if branch.Name == "" || branch.Location == "" {
		return nil, store.ErrInvalidInput
	}
	for _, existing := range s.branchesByID {
		if strings.EqualFold(existing.Name, branch.Name) {
			return nil, store.ErrInvalidInput
		}
	}
	if branch.ID == "" {
		branch.ID = xid.New("br")
	}
	if branch.CreatedAt.IsZero() {
		branch.CreatedAt = time.Now().UTC()
	}
	s.branchesByID[branch.ID] = branch
	created := branch
	return &created, nil
}

func (s *Store) ListBranches(_ context.Context) ([]domain.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	branches := make([]domain.Branch, 0, len(s.branchesByID))
	for _, b := range s.branchesByID {
		branches = append(branches, b)
	}
	slices.SortFunc(branches, func(a, b domain.Branch) int {
		return cmpString(a.Name, b.Name)
	})
	return branches, nil
}

func (s *Store) GetBranchByID(_ context.Context, id string) (*domain.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	branch, exists := s.branchesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyBranch := branch
	return &copyBranch, nil
}

func (s *Store) CreateProduce(_ context.Context, produce domain.Produce) (*domain.Produce, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if produce.Name == "" || produce.Type == "" || produce.SellingPricePerTon.IsNegative() {
		return nil, store.ErrInvalidInput
	}
	for _, existing := range s.produceByID {
		if strings.EqualFold(existing.Name, produce.Name) {
			return nil, store.ErrInvalidInput
		}
	}
	if produce.ID == "" {
		produce.ID = xid.New("prod")
	}
	if produce.CreatedAt.IsZero() {
		produce.CreatedAt = time.Now().UTC()
	}
	s.produceByID[produce.ID] = produce
	created := produce
	return &created, nil
}

func (s *Store) ListProduce(_ context.Context) ([]domain.Produce, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	produce := make([]domain.Produce, 0, len(s.produceByID))
	for _, p := range s.produceByID {
		produce = append(produce, p)
	}
	slices.SortFunc(produce, func(a, b domain.Produce) int {
		return cmpString(a.Name, b.Name)
	})
	return produce, nil
}

func (s *Store) GetProduceByID(_ context.Context, id string) (*domain.Produce, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	produce, exists := s.produceByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduce := produce
	return &copyProduce, nil
}

func (s *Store) CreateBuyer(_ context.Context, buyer domain.Buyer) (*domain.Buyer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if buyer.Name == "" {
		return nil, store.ErrInvalidInput
	}
	if buyer.ID == "" {
		buyer.ID = xid.New("buyer")
	}
	if buyer.CreatedAt.IsZero() {
		buyer.CreatedAt = time.Now().UTC()
	}
	s.buyersByID[buyer.ID] = buyer
	created := buyer
	return &created, nil
}

func (s *Store) ListBuyers(_ context.Context) ([]domain.Buyer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buyers := make([]domain.Buyer, 0, len(s.buyersByID))
	for _, b := range s.buyersByID {
		buyers = append(buyers, b)
	}
	slices.SortFunc(buyers, func(a, b domain.Buyer) int {
		return cmpString(a.Name, b.Name)
	})
	return buyers, nil
}

func (s *Store) GetBuyerByID(_ context.Context, id string) (*domain.Buyer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buyer, exists := s.buyersByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyBuyer := buyer
	return &copyBuyer, nil
}

// RecordProcurement appends the procurement and increments the balance for
// its (branch, produce) key, creating the balance row at zero first if the
// pair has never been seen. Both happen under one lock acquisition, so no
// reader ever observes the record without its ledger effect.
func (s *Store) RecordProcurement(_ context.Context, rec domain.ProcurementRecord) (*domain.ProcurementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.produceByID[rec.ProduceID]; !exists {
		return nil, store.ErrNotFound
	}
	if _, exists := s.branchesByID[rec.BranchID]; !exists {
		return nil, store.ErrNotFound
	}

	if rec.ID == "" {
		rec.ID = xid.New("proc")
	}
	if rec.ProcuredAt.IsZero() {
		rec.ProcuredAt = time.Now().UTC()
	}
	rec.TotalCost = rec.Tonnage.Mul(rec.CostPerTon)
	rec.ProduceName = s.produceByID[rec.ProduceID].Name

	key := stockKey{branchID: rec.BranchID, produceID: rec.ProduceID}
	balance, exists := s.balances[key]
	if !exists {
		balance = domain.StockBalance{
			BranchID:       rec.BranchID,
			ProduceID:      rec.ProduceID,
			CurrentTonnage: decimal.Zero,
		}
	}
	balance.CurrentTonnage = balance.CurrentTonnage.Add(rec.Tonnage)
	balance.LastUpdated = rec.ProcuredAt
	s.balances[key] = balance

	s.procurements = append(s.procurements, rec)
	created := rec
	return &created, nil
}

// RecordSale performs the check-then-decrement and the record append under a
// single lock acquisition, which gives the same at-most-one-in-flight
// guarantee per key that the postgres store gets from its conditional UPDATE.
func (s *Store) RecordSale(_ context.Context, rec domain.SaleRecord) (*domain.SaleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.produceByID[rec.ProduceID]; !exists {
		return nil, store.ErrNotFound
	}
	if _, exists := s.branchesByID[rec.BranchID]; !exists {
		return nil, store.ErrNotFound
	}

	key := stockKey{branchID: rec.BranchID, produceID: rec.ProduceID}
	balance, exists := s.balances[key]
	if !exists || balance.CurrentTonnage.LessThan(rec.Tonnage) {
		return nil, store.ErrInsufficientStock
	}

	if rec.ID == "" {
		rec.ID = xid.New("sale")
	}
	if rec.SoldAt.IsZero() {
		rec.SoldAt = time.Now().UTC()
	}
	if rec.PaymentStatus == "" {
		rec.PaymentStatus = domain.PaymentStatusPaid
	}
	rec.TotalAmount = rec.Tonnage.Mul(rec.PricePerTon)
	rec.ProduceName = s.produceByID[rec.ProduceID].Name

	balance.CurrentTonnage = balance.CurrentTonnage.Sub(rec.Tonnage)
	balance.LastUpdated = rec.SoldAt
	s.balances[key] = balance

	s.sales = append(s.sales, rec)
	created := rec
	return &created, nil
}

func (s *Store) RecordCreditSale(_ context.Context, rec domain.CreditSaleRecord) (*domain.CreditSaleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.produceByID[rec.ProduceID]; !exists {
		return nil, store.ErrNotFound
	}
	if _, exists := s.branchesByID[rec.BranchID]; !exists {
		return nil, store.ErrNotFound
	}

	key := stockKey{branchID: rec.BranchID, produceID: rec.ProduceID}
	balance, exists := s.balances[key]
	if !exists || balance.CurrentTonnage.LessThan(rec.Tonnage) {
		return nil, store.ErrInsufficientStock
	}

	if rec.ID == "" {
		rec.ID = xid.New("cs")
	}
	if rec.SoldAt.IsZero() {
		rec.SoldAt = time.Now().UTC()
	}
	rec.TotalAmount = rec.Tonnage.Mul(rec.PricePerTon)
	rec.AmountDue = rec.TotalAmount
	rec.AmountPaid = decimal.Zero
	rec.Status = domain.CreditStatusPending
	rec.ProduceName = s.produceByID[rec.ProduceID].Name

	balance.CurrentTonnage = balance.CurrentTonnage.Sub(rec.Tonnage)
	balance.LastUpdated = rec.SoldAt
	s.balances[key] = balance

	s.creditSalesByID[rec.ID] = rec
	created := rec
	return &created, nil
}

// RecordPayment applies an amount against a credit sale: the overpayment
// check, the amount_paid increment, the status recomputation and the payment
// append all happen under one lock acquisition.
func (s *Store) RecordPayment(_ context.Context, rec domain.PaymentRecord) (*domain.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	creditSale, exists := s.creditSalesByID[rec.CreditSaleID]
	if !exists {
		return nil, store.ErrNotFound
	}

	remaining := creditSale.AmountDue.Sub(creditSale.AmountPaid)
	if rec.Amount.GreaterThan(remaining) {
		return nil, store.ErrOverpayment
	}

	if rec.ID == "" {
		rec.ID = xid.New("pay")
	}
	if rec.PaidAt.IsZero() {
		rec.PaidAt = time.Now().UTC()
	}

	creditSale.AmountPaid = creditSale.AmountPaid.Add(rec.Amount)
	creditSale.Status = domain.CreditStatus(creditSale.AmountDue, creditSale.AmountPaid, creditSale.DueDate, rec.PaidAt)
	s.creditSalesByID[creditSale.ID] = creditSale

	s.payments = append(s.payments, rec)
	created := rec
	return &created, nil
}

func (s *Store) GetStockBalance(_ context.Context, branchID, produceID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	balance, exists := s.balances[stockKey{branchID: branchID, produceID: produceID}]
	if !exists {
		return decimal.Zero, nil
	}
	return balance.CurrentTonnage, nil
}

func (s *Store) ListStockBalances(_ context.Context, branchID string) ([]domain.StockBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	balances := make([]domain.StockBalance, 0, len(s.balances))
	for key, balance := range s.balances {
		if branchID != "" && key.branchID != branchID {
			continue
		}
		if produce, exists := s.produceByID[key.produceID]; exists {
			balance.ProduceName = produce.Name
		}
		balances = append(balances, balance)
	}
	slices.SortFunc(balances, func(a, b domain.StockBalance) int {
		if a.BranchID == b.BranchID {
			return cmpString(a.ProduceName, b.ProduceName)
		}
		return cmpString(a.BranchID, b.BranchID)
	})
	return balances, nil
}

func (s *Store) ListProcurements(_ context.Context, q domain.LedgerQuery) ([]domain.ProcurementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ProcurementRecord, 0, len(s.procurements))
	for _, rec := range s.procurements {
		if !matchesQuery(q, rec.BranchID, rec.ProcuredAt) {
			continue
		}
		result = append(result, rec)
	}
	sortNewestFirst(result, func(r domain.ProcurementRecord) (time.Time, string) { return r.ProcuredAt, r.ID })
	return applyLimit(result, q.Limit), nil
}

func (s *Store) ListSales(_ context.Context, q domain.LedgerQuery) ([]domain.SaleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.SaleRecord, 0, len(s.sales))
	for _, rec := range s.sales {
		if !matchesQuery(q, rec.BranchID, rec.SoldAt) {
			continue
		}
		result = append(result, rec)
	}
	sortNewestFirst(result, func(r domain.SaleRecord) (time.Time, string) { return r.SoldAt, r.ID })
	return applyLimit(result, q.Limit), nil
}

func (s *Store) GetSaleByID(_ context.Context, id string) (*domain.SaleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.sales {
		if rec.ID == id {
			copyRec := rec
			return &copyRec, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListCreditSales(_ context.Context, q domain.LedgerQuery) ([]domain.CreditSaleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.CreditSaleRecord, 0, len(s.creditSalesByID))
	for _, rec := range s.creditSalesByID {
		if !matchesQuery(q, rec.BranchID, rec.SoldAt) {
			continue
		}
		result = append(result, rec)
	}
	sortNewestFirst(result, func(r domain.CreditSaleRecord) (time.Time, string) { return r.SoldAt, r.ID })
	return applyLimit(result, q.Limit), nil
}

func (s *Store) GetCreditSaleByID(_ context.Context, id string) (*domain.CreditSaleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.creditSalesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyRec := rec
	return &copyRec, nil
}

func (s *Store) ListPayments(_ context.Context, creditSaleID string) ([]domain.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.PaymentRecord, 0, 8)
	for _, rec := range s.payments {
		if rec.CreditSaleID != creditSaleID {
			continue
		}
		result = append(result, rec)
	}
	sortNewestFirst(result, func(r domain.PaymentRecord) (time.Time, string) { return r.PaidAt, r.ID })
	return result, nil
}

func (s *Store) GetKPIs(_ context.Context, branchID string, from, to time.Time) (domain.KPISnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := domain.KPISnapshot{
		BranchID:             branchID,
		TotalSales:           decimal.Zero,
		TotalTonnageSold:     decimal.Zero,
		TotalProcurementCost: decimal.Zero,
		TotalStockTonnage:    decimal.Zero,
		EstimatedProfit:      decimal.Zero,
	}
	q := domain.LedgerQuery{BranchID: branchID, From: from, To: to}

	for _, rec := range s.sales {
		if !matchesQuery(q, rec.BranchID, rec.SoldAt) {
			continue
		}
		snapshot.TotalSales = snapshot.TotalSales.Add(rec.TotalAmount)
		snapshot.TotalTonnageSold = snapshot.TotalTonnageSold.Add(rec.Tonnage)
	}
	for _, rec := range s.creditSalesByID {
		if !matchesQuery(q, rec.BranchID, rec.SoldAt) {
			continue
		}
		snapshot.TotalSales = snapshot.TotalSales.Add(rec.TotalAmount)
		snapshot.TotalTonnageSold = snapshot.TotalTonnageSold.Add(rec.Tonnage)
	}
	for _, rec := range s.procurements {
		if !matchesQuery(q, rec.BranchID, rec.ProcuredAt) {
			continue
		}
		snapshot.TotalProcurementCost = snapshot.TotalProcurementCost.Add(rec.TotalCost)
	}
	for key, balance := range s.balances {
		if branchID != "" && key.branchID != branchID {
			continue
		}
		snapshot.TotalStockTonnage = snapshot.TotalStockTonnage.Add(balance.CurrentTonnage)
	}
	snapshot.EstimatedProfit = snapshot.TotalSales.Sub(snapshot.TotalProcurementCost)
	return snapshot, nil
}

func (s *Store) GetBranchOverviews(ctx context.Context, from, to time.Time) ([]domain.BranchOverview, error) {
	s.mu.RLock()
	branches := make([]domain.Branch, 0, len(s.branchesByID))
	for _, b := range s.branchesByID {
		branches = append(branches, b)
	}
	s.mu.RUnlock()

	slices.SortFunc(branches, func(a, b domain.Branch) int {
		return cmpString(a.Name, b.Name)
	})

	overviews := make([]domain.BranchOverview, 0, len(branches))
	for _, branch := range branches {
		snapshot, err := s.GetKPIs(ctx, branch.ID, from, to)
		if err != nil {
			return nil, err
		}
		overviews = append(overviews, domain.BranchOverview{
			BranchID:             branch.ID,
			BranchName:           branch.Name,
			TotalSales:           snapshot.TotalSales,
			TotalTonnageSold:     snapshot.TotalTonnageSold,
			TotalProcurementCost: snapshot.TotalProcurementCost,
			EstimatedProfit:      snapshot.EstimatedProfit,
		})
	}
	return overviews, nil
}

func (s *Store) GetTopProduce(_ context.Context, from, to time.Time, limit int) ([]domain.ProducePerformance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 5
	}
	q := domain.LedgerQuery{From: from, To: to}
	byName := make(map[string]domain.ProducePerformance)
	add := func(produceName string, amount, tonnage decimal.Decimal) {
		perf, exists := byName[produceName]
		if !exists {
			perf = domain.ProducePerformance{ProduceName: produceName, TotalSales: decimal.Zero, TotalTonnageSold: decimal.Zero}
		}
		perf.TotalSales = perf.TotalSales.Add(amount)
		perf.TotalTonnageSold = perf.TotalTonnageSold.Add(tonnage)
		byName[produceName] = perf
	}
	for _, rec := range s.sales {
		if !matchesQuery(q, rec.BranchID, rec.SoldAt) {
			continue
		}
		add(rec.ProduceName, rec.TotalAmount, rec.Tonnage)
	}
	for _, rec := range s.creditSalesByID {
		if !matchesQuery(q, rec.BranchID, rec.SoldAt) {
			continue
		}
		add(rec.ProduceName, rec.TotalAmount, rec.Tonnage)
	}

	result := make([]domain.ProducePerformance, 0, len(byName))
	for _, perf := range byName {
		result = append(result, perf)
	}
	slices.SortFunc(result, func(a, b domain.ProducePerformance) int {
		return b.TotalSales.Cmp(a.TotalSales)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) GetAgentPerformance(_ context.Context, branchID string, from, to time.Time) ([]domain.AgentPerformance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := domain.LedgerQuery{BranchID: branchID, From: from, To: to}
	byAgent := make(map[string]domain.AgentPerformance)
	add := func(agentUsername string, amount, tonnage decimal.Decimal) {
		perf, exists := byAgent[agentUsername]
		if !exists {
			fullName := agentUsername
			if user, ok := s.usersByUsername[agentUsername]; ok {
				fullName = user.FullName
			}
			perf = domain.AgentPerformance{AgentUsername: agentUsername, AgentFullName: fullName, TotalSales: decimal.Zero, TotalTonnageSold: decimal.Zero}
		}
		perf.TotalSales = perf.TotalSales.Add(amount)
		perf.TotalTonnageSold = perf.TotalTonnageSold.Add(tonnage)
		byAgent[agentUsername] = perf
	}
	for _, rec := range s.sales {
		if !matchesQuery(q, rec.BranchID, rec.SoldAt) {
			continue
		}
		add(rec.AgentUsername, rec.TotalAmount, rec.Tonnage)
	}
	for _, rec := range s.creditSalesByID {
		if !matchesQuery(q, rec.BranchID, rec.SoldAt) {
			continue
		}
		add(rec.AgentUsername, rec.TotalAmount, rec.Tonnage)
	}

	result := make([]domain.AgentPerformance, 0, len(byAgent))
	for _, perf := range byAgent {
		result = append(result, perf)
	}
	slices.SortFunc(result, func(a, b domain.AgentPerformance) int {
		return b.TotalSales.Cmp(a.TotalSales)
	})
	return result, nil
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

func (s *Store) ListAuditLogs(_ context.Context, branchID string, from, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := domain.LedgerQuery{BranchID: branchID, From: from, To: to}
	result := make([]domain.AuditLog, 0, len(s.auditLogs))
	for _, entry := range s.auditLogs {
		if !matchesQuery(q, entry.BranchID, entry.CreatedAt) {
			continue
		}
		result = append(result, entry)
	}
	sortNewestFirst(result, func(e domain.AuditLog) (time.Time, string) { return e.CreatedAt, e.ID })
	return applyLimit(result, limit), nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func matchesQuery(q domain.LedgerQuery, branchID string, at time.Time) bool {
	if q.BranchID != "" && branchID != q.BranchID {
		return false
	}
	if !q.From.IsZero() && at.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && at.After(q.To) {
		return false
	}
	return true
}

func sortNewestFirst[T any](items []T, key func(T) (time.Time, string)) {
	slices.SortFunc(items, func(a, b T) int {
		aAt, aID := key(a)
		bAt, bID := key(b)
		if aAt.Equal(bAt) {
			return cmpString(bID, aID)
		}
		if aAt.After(bAt) {
			return -1
		}
		return 1
	})
}

func applyLimit[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

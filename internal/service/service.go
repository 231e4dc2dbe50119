package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"goldencrop/backend/internal/cache"
	"goldencrop/backend/internal/domain"
	"goldencrop/backend/internal/store"
	"goldencrop/backend/internal/xid"
)

// ErrForbidden marks an operation the authenticated actor's role does not
// permit.
var ErrForbidden = errors.New("insufficient role")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo            store.Repository
	analytics       cache.AnalyticsCache
	allowedProduce  map[string]struct{}
	defaultBranchID string
	kpiCacheTTL     time.Duration
}

func New(repo store.Repository, analytics cache.AnalyticsCache, allowedProduce []string, defaultBranchID string, kpiCacheTTL time.Duration) *Service {
	if analytics == nil {
		analytics = cache.NoopAnalyticsCache{}
	}
	if kpiCacheTTL < 1 {
		kpiCacheTTL = 60 * time.Second
	}

	allowed := make(map[string]struct{}, len(allowedProduce))
	for _, name := range allowedProduce {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		allowed[name] = struct{}{}
	}

	return &Service{
		repo:            repo,
		analytics:       analytics,
		allowedProduce:  allowed,
		defaultBranchID: defaultBranchID,
		kpiCacheTTL:     kpiCacheTTL,
	}
}

func (s *Service) CreateBranch(ctx context.Context, req domain.BranchCreateRequest) (domain.Branch, error) {
	if err := requireRole(ctx, domain.RoleCEO); err != nil {
		return domain.Branch{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Location = strings.TrimSpace(req.Location)
	if req.Name == "" || req.Location == "" {
		return domain.Branch{}, store.ErrInvalidInput
	}

	created, err := s.repo.CreateBranch(ctx, domain.Branch{
		ID:        xid.New("br"),
		Name:      req.Name,
		Location:  req.Location,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return domain.Branch{}, err
	}

	s.logAudit(ctx, created.ID, "branch_create", "branch", created.ID, fmt.Sprintf("name=%s,location=%s", created.Name, created.Location))
	return *created, nil
}

func (s *Service) ListBranches(ctx context.Context) ([]domain.Branch, error) {
	return s.repo.ListBranches(ctx)
}

func (s *Service) CreateProduce(ctx context.Context, req domain.ProduceCreateRequest) (domain.Produce, error) {
	if err := requireRole(ctx, domain.RoleCEO, domain.RoleManager); err != nil {
		return domain.Produce{}, err
	}

	req.Name = strings.ToLower(strings.TrimSpace(req.Name))
	req.Type = strings.ToLower(strings.TrimSpace(req.Type))
	if req.Name == "" || req.Type == "" || req.SellingPricePerTon.IsNegative() {
		return domain.Produce{}, store.ErrInvalidInput
	}
	if !s.isAllowedProduce(req.Name) {
		return domain.Produce{}, fmt.Errorf("%w: produce %q is not traded", store.ErrInvalidInput, req.Name)
	}

	created, err := s.repo.CreateProduce(ctx, domain.Produce{
		ID:                 xid.New("prod"),
		Name:               req.Name,
		Type:               req.Type,
		SellingPricePerTon: req.SellingPricePerTon,
		CreatedAt:          time.Now().UTC(),
	})
	if err != nil {
		return domain.Produce{}, err
	}

	s.logAudit(ctx, "", "produce_create", "produce", created.ID, fmt.Sprintf("name=%s,price=%s", created.Name, created.SellingPricePerTon))
	return *created, nil
}

func (s *Service) ListProduce(ctx context.Context) ([]domain.Produce, error) {
	return s.repo.ListProduce(ctx)
}

func (s *Service) CreateBuyer(ctx context.Context, req domain.BuyerCreateRequest) (domain.Buyer, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Buyer{}, store.ErrInvalidInput
	}

	created, err := s.repo.CreateBuyer(ctx, domain.Buyer{
		ID:         xid.New("buyer"),
		Name:       req.Name,
		Phone:      strings.TrimSpace(req.Phone),
		Location:   strings.TrimSpace(req.Location),
		NationalID: strings.TrimSpace(req.NationalID),
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return domain.Buyer{}, err
	}
	return *created, nil
}

func (s *Service) ListBuyers(ctx context.Context) ([]domain.Buyer, error) {
	return s.repo.ListBuyers(ctx)
}

// RecordProcurement validates the intake and appends it to the ledger. The
// one-ton minimum reflects how the branches actually buy: dealers deliver by
// the truckload, never below a ton.
func (s *Service) RecordProcurement(ctx context.Context, req domain.ProcurementCreateRequest) (domain.ProcurementRecord, error) {
	if err := requireRole(ctx, domain.RoleCEO, domain.RoleManager); err != nil {
		return domain.ProcurementRecord{}, err
	}
	actor, _ := ActorFromContext(ctx)

	branchID, err := s.resolveBranch(actor, req.BranchID)
	if err != nil {
		return domain.ProcurementRecord{}, err
	}
	if req.ProduceID == "" {
		return domain.ProcurementRecord{}, store.ErrInvalidInput
	}
	if req.Tonnage.LessThan(decimal.NewFromInt(1)) {
		return domain.ProcurementRecord{}, fmt.Errorf("%w: minimum procurement is 1 ton", store.ErrInvalidInput)
	}
	if req.CostPerTon.IsNegative() {
		return domain.ProcurementRecord{}, store.ErrInvalidInput
	}

	produce, err := s.repo.GetProduceByID(ctx, req.ProduceID)
	if err != nil {
		return domain.ProcurementRecord{}, err
	}
	if !s.isAllowedProduce(produce.Name) {
		return domain.ProcurementRecord{}, fmt.Errorf("%w: produce %q is not traded", store.ErrInvalidInput, produce.Name)
	}

	sellingPrice := req.SellingPricePerTon
	if sellingPrice.IsZero() {
		sellingPrice = produce.SellingPricePerTon
	}
	if sellingPrice.IsNegative() {
		return domain.ProcurementRecord{}, store.ErrInvalidInput
	}

	procuredAt, err := parseEventDate(req.Date)
	if err != nil {
		return domain.ProcurementRecord{}, err
	}

	created, err := s.repo.RecordProcurement(ctx, domain.ProcurementRecord{
		ID:                 xid.New("proc"),
		BranchID:           branchID,
		ProduceID:          req.ProduceID,
		DealerName:         strings.TrimSpace(req.DealerName),
		DealerPhone:        strings.TrimSpace(req.DealerPhone),
		Tonnage:            req.Tonnage,
		CostPerTon:         req.CostPerTon,
		SellingPricePerTon: sellingPrice,
		RecordedBy:         actor.Username,
		ProcuredAt:         procuredAt,
	})
	if err != nil {
		return domain.ProcurementRecord{}, err
	}
	created.ProduceName = produce.Name

	s.logAudit(ctx, branchID, "procurement_record", "procurement", created.ID, fmt.Sprintf("produce=%s,tonnage=%s,cost=%s", produce.Name, created.Tonnage, created.TotalCost))
	return *created, nil
}

// RecordSale appends a cash sale. Availability is enforced by the repository
// in the same atomic unit as the balance decrement; the service never checks
// stock itself, so there is no window for a stale read to slip an oversell
// through.
func (s *Service) RecordSale(ctx context.Context, req domain.SaleCreateRequest) (domain.SaleRecord, error) {
	if err := requireRole(ctx, domain.RoleCEO, domain.RoleManager, domain.RoleAgent); err != nil {
		return domain.SaleRecord{}, err
	}
	actor, _ := ActorFromContext(ctx)

	branchID, err := s.resolveBranch(actor, req.BranchID)
	if err != nil {
		return domain.SaleRecord{}, err
	}
	if req.ProduceID == "" || !req.Tonnage.IsPositive() {
		return domain.SaleRecord{}, store.ErrInvalidInput
	}

	produce, err := s.repo.GetProduceByID(ctx, req.ProduceID)
	if err != nil {
		return domain.SaleRecord{}, err
	}
	price := req.PricePerTon
	if price.IsZero() {
		price = produce.SellingPricePerTon
	}
	if !price.IsPositive() {
		return domain.SaleRecord{}, store.ErrInvalidInput
	}

	buyerID, buyerName, err := s.resolveBuyer(ctx, req.BuyerID, req.BuyerName, req.BuyerPhone, "", "")
	if err != nil {
		return domain.SaleRecord{}, err
	}

	soldAt, err := parseEventDate(req.Date)
	if err != nil {
		return domain.SaleRecord{}, err
	}

	created, err := s.repo.RecordSale(ctx, domain.SaleRecord{
		ID:            xid.New("sale"),
		BranchID:      branchID,
		ProduceID:     req.ProduceID,
		BuyerID:       buyerID,
		BuyerName:     buyerName,
		BuyerPhone:    strings.TrimSpace(req.BuyerPhone),
		Tonnage:       req.Tonnage,
		PricePerTon:   price,
		AgentUsername: actor.Username,
		PaymentStatus: domain.PaymentStatusPaid,
		SoldAt:        soldAt,
	})
	if err != nil {
		return domain.SaleRecord{}, err
	}
	created.ProduceName = produce.Name

	s.logAudit(ctx, branchID, "sale_record", "sale", created.ID, fmt.Sprintf("produce=%s,tonnage=%s,total=%s", produce.Name, created.Tonnage, created.TotalAmount))
	return *created, nil
}

// RecordCreditSale releases stock immediately and opens a receivable for the
// full amount. Buyer identity is mandatory here; a walk-in cash buyer can stay
// anonymous, someone carrying debt cannot.
func (s *Service) RecordCreditSale(ctx context.Context, req domain.CreditSaleCreateRequest) (domain.CreditSaleRecord, error) {
	if err := requireRole(ctx, domain.RoleCEO, domain.RoleManager, domain.RoleAgent); err != nil {
		return domain.CreditSaleRecord{}, err
	}
	actor, _ := ActorFromContext(ctx)

	branchID, err := s.resolveBranch(actor, req.BranchID)
	if err != nil {
		return domain.CreditSaleRecord{}, err
	}
	if req.ProduceID == "" || !req.Tonnage.IsPositive() {
		return domain.CreditSaleRecord{}, store.ErrInvalidInput
	}
	if req.BuyerID == "" && strings.TrimSpace(req.BuyerName) == "" {
		return domain.CreditSaleRecord{}, fmt.Errorf("%w: credit sale requires a buyer", store.ErrInvalidInput)
	}

	dueDate, err := time.Parse("2006-01-02", strings.TrimSpace(req.DueDate))
	if err != nil {
		return domain.CreditSaleRecord{}, fmt.Errorf("%w: due_date must be YYYY-MM-DD", store.ErrInvalidInput)
	}
	dueDate = dueDate.UTC()

	produce, err := s.repo.GetProduceByID(ctx, req.ProduceID)
	if err != nil {
		return domain.CreditSaleRecord{}, err
	}
	price := req.PricePerTon
	if price.IsZero() {
		price = produce.SellingPricePerTon
	}
	if !price.IsPositive() {
		return domain.CreditSaleRecord{}, store.ErrInvalidInput
	}

	buyerID, buyerName, err := s.resolveBuyer(ctx, req.BuyerID, req.BuyerName, req.BuyerPhone, req.BuyerLocation, req.NationalID)
	if err != nil {
		return domain.CreditSaleRecord{}, err
	}

	soldAt, err := parseEventDate(req.Date)
	if err != nil {
		return domain.CreditSaleRecord{}, err
	}
	if domain.DateOnly(dueDate).Before(domain.DateOnly(soldAt)) {
		return domain.CreditSaleRecord{}, fmt.Errorf("%w: due_date is before the sale date", store.ErrInvalidInput)
	}

	created, err := s.repo.RecordCreditSale(ctx, domain.CreditSaleRecord{
		ID:            xid.New("cs"),
		BranchID:      branchID,
		ProduceID:     req.ProduceID,
		BuyerID:       buyerID,
		BuyerName:     buyerName,
		BuyerPhone:    strings.TrimSpace(req.BuyerPhone),
		BuyerLocation: strings.TrimSpace(req.BuyerLocation),
		NationalID:    strings.TrimSpace(req.NationalID),
		Tonnage:       req.Tonnage,
		PricePerTon:   price,
		DueDate:       dueDate,
		AgentUsername: actor.Username,
		SoldAt:        soldAt,
	})
	if err != nil {
		return domain.CreditSaleRecord{}, err
	}
	created.ProduceName = produce.Name

	s.logAudit(ctx, branchID, "credit_sale_record", "credit_sale", created.ID, fmt.Sprintf("produce=%s,tonnage=%s,due=%s", produce.Name, created.Tonnage, req.DueDate))
	return *created, nil
}

// RecordPayment applies a payment to an open credit sale. The overpayment
// guard lives in the repository's atomic unit; this layer only validates the
// request shape.
func (s *Service) RecordPayment(ctx context.Context, creditSaleID string, req domain.PaymentCreateRequest) (domain.PaymentRecord, error) {
	if err := requireRole(ctx, domain.RoleCEO, domain.RoleManager); err != nil {
		return domain.PaymentRecord{}, err
	}
	actor, _ := ActorFromContext(ctx)

	creditSaleID = strings.TrimSpace(creditSaleID)
	if creditSaleID == "" || !req.Amount.IsPositive() {
		return domain.PaymentRecord{}, store.ErrInvalidInput
	}

	paidAt, err := parseEventDate(req.Date)
	if err != nil {
		return domain.PaymentRecord{}, err
	}

	created, err := s.repo.RecordPayment(ctx, domain.PaymentRecord{
		ID:           xid.New("pay"),
		CreditSaleID: creditSaleID,
		Amount:       req.Amount,
		Method:       strings.TrimSpace(req.Method),
		Notes:        strings.TrimSpace(req.Notes),
		RecordedBy:   actor.Username,
		PaidAt:       paidAt,
	})
	if err != nil {
		return domain.PaymentRecord{}, err
	}

	s.logAudit(ctx, "", "payment_record", "payment", created.ID, fmt.Sprintf("credit_sale=%s,amount=%s", creditSaleID, created.Amount))
	return *created, nil
}

func (s *Service) ListProcurements(ctx context.Context, branchID, fromDate, toDate string, limit int) ([]domain.ProcurementRecord, error) {
	q, err := s.buildLedgerQuery(ctx, branchID, fromDate, toDate, limit)
	if err != nil {
		return nil, err
	}
	return s.repo.ListProcurements(ctx, q)
}

func (s *Service) ListSales(ctx context.Context, branchID, fromDate, toDate string, limit int) ([]domain.SaleRecord, error) {
	q, err := s.buildLedgerQuery(ctx, branchID, fromDate, toDate, limit)
	if err != nil {
		return nil, err
	}
	return s.repo.ListSales(ctx, q)
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.SaleRecord, error) {
	rec, err := s.repo.GetSaleByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.SaleRecord{}, err
	}
	return *rec, nil
}

func (s *Service) ListCreditSales(ctx context.Context, branchID, fromDate, toDate string, limit int) ([]domain.CreditSaleRecord, error) {
	q, err := s.buildLedgerQuery(ctx, branchID, fromDate, toDate, limit)
	if err != nil {
		return nil, err
	}
	records, err := s.repo.ListCreditSales(ctx, q)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for i := range records {
		refreshCreditStatus(&records[i], now)
	}
	return records, nil
}

func (s *Service) GetCreditSale(ctx context.Context, id string) (domain.CreditSaleRecord, error) {
	rec, err := s.repo.GetCreditSaleByID(ctx, id)
	if err != nil {
		return domain.CreditSaleRecord{}, err
	}
	out := *rec
	refreshCreditStatus(&out, time.Now().UTC())
	return out, nil
}

func (s *Service) ListPayments(ctx context.Context, creditSaleID string) ([]domain.PaymentRecord, error) {
	if strings.TrimSpace(creditSaleID) == "" {
		return nil, store.ErrInvalidInput
	}
	if _, err := s.repo.GetCreditSaleByID(ctx, creditSaleID); err != nil {
		return nil, err
	}
	return s.repo.ListPayments(ctx, creditSaleID)
}

func (s *Service) ListStock(ctx context.Context, branchID string) ([]domain.StockBalance, error) {
	actor, _ := ActorFromContext(ctx)
	if actor.Role != domain.RoleCEO && actor.BranchID != "" {
		branchID = actor.BranchID
	}
	return s.repo.ListStockBalances(ctx, branchID)
}

func (s *Service) GetKPIs(ctx context.Context, branchID, fromDate, toDate string) (domain.KPISnapshot, error) {
	actor, _ := ActorFromContext(ctx)
	if actor.Role != domain.RoleCEO && actor.BranchID != "" {
		branchID = actor.BranchID
	}
	from, to, err := parseDateRange(fromDate, toDate)
	if err != nil {
		return domain.KPISnapshot{}, err
	}

	key := fmt.Sprintf("analytics:kpis:%s:%s:%s", branchID, fromDate, toDate)
	var cached domain.KPISnapshot
	if ok := s.cacheGet(ctx, key, &cached); ok {
		return cached, nil
	}

	snapshot, err := s.repo.GetKPIs(ctx, branchID, from, to)
	if err != nil {
		return domain.KPISnapshot{}, err
	}
	s.cacheSet(ctx, key, snapshot)
	return snapshot, nil
}

func (s *Service) BranchOverviews(ctx context.Context, fromDate, toDate string) ([]domain.BranchOverview, error) {
	if err := requireRole(ctx, domain.RoleCEO); err != nil {
		return nil, err
	}
	from, to, err := parseDateRange(fromDate, toDate)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("analytics:branches:%s:%s", fromDate, toDate)
	var cached []domain.BranchOverview
	if ok := s.cacheGet(ctx, key, &cached); ok {
		return cached, nil
	}

	overviews, err := s.repo.GetBranchOverviews(ctx, from, to)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, key, overviews)
	return overviews, nil
}

func (s *Service) TopProduce(ctx context.Context, fromDate, toDate string, limit int) ([]domain.ProducePerformance, error) {
	from, to, err := parseDateRange(fromDate, toDate)
	if err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 5
	}

	key := fmt.Sprintf("analytics:top-produce:%s:%s:%d", fromDate, toDate, limit)
	var cached []domain.ProducePerformance
	if ok := s.cacheGet(ctx, key, &cached); ok {
		return cached, nil
	}

	top, err := s.repo.GetTopProduce(ctx, from, to, limit)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, key, top)
	return top, nil
}

func (s *Service) AgentPerformance(ctx context.Context, branchID, fromDate, toDate string) ([]domain.AgentPerformance, error) {
	if err := requireRole(ctx, domain.RoleCEO, domain.RoleManager); err != nil {
		return nil, err
	}
	actor, _ := ActorFromContext(ctx)
	if actor.Role != domain.RoleCEO && actor.BranchID != "" {
		branchID = actor.BranchID
	}
	from, to, err := parseDateRange(fromDate, toDate)
	if err != nil {
		return nil, err
	}
	return s.repo.GetAgentPerformance(ctx, branchID, from, to)
}

// ExportSalesCSV renders the cash-sales log for the window as CSV, newest
// first, for branch accountants who reconcile in spreadsheets.
func (s *Service) ExportSalesCSV(ctx context.Context, branchID, fromDate, toDate string) ([]byte, error) {
	records, err := s.ListSales(ctx, branchID, fromDate, toDate, 10000)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"id", "branch_id", "produce", "buyer", "tonnage", "price_per_ton", "total_amount", "agent", "payment_status", "sold_at"}); err != nil {
		return nil, err
	}
	for _, rec := range records {
		row := []string{
			rec.ID,
			rec.BranchID,
			rec.ProduceName,
			rec.BuyerName,
			rec.Tonnage.String(),
			rec.PricePerTon.String(),
			rec.TotalAmount.String(),
			rec.AgentUsername,
			rec.PaymentStatus,
			rec.SoldAt.Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Service) Authenticate(ctx context.Context, username, password string) (domain.Actor, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || password == "" {
		return domain.Actor{}, store.ErrInvalidInput
	}

	users, err := s.repo.ListUsers(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	for _, user := range users {
		if user.Username != username {
			continue
		}
		if !user.Active {
			break
		}
		if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) != nil {
			break
		}
		return domain.Actor{Username: user.Username, Role: user.Role, BranchID: user.BranchID}, nil
	}
	return domain.Actor{}, store.ErrNotFound
}

func (s *Service) CreateUser(ctx context.Context, req domain.UserCreateRequest) (domain.UserView, error) {
	if err := requireRole(ctx, domain.RoleCEO); err != nil {
		return domain.UserView{}, err
	}

	req.Username = strings.ToLower(strings.TrimSpace(req.Username))
	req.FullName = strings.TrimSpace(req.FullName)
	req.Role = strings.ToLower(strings.TrimSpace(req.Role))
	if req.Username == "" || len(req.Password) < 8 {
		return domain.UserView{}, store.ErrInvalidInput
	}
	if req.Role != domain.RoleCEO && req.Role != domain.RoleManager && req.Role != domain.RoleAgent {
		return domain.UserView{}, store.ErrInvalidInput
	}
	if req.Role != domain.RoleCEO {
		if req.BranchID == "" {
			return domain.UserView{}, fmt.Errorf("%w: branch_id is required for %s", store.ErrInvalidInput, req.Role)
		}
		if _, err := s.repo.GetBranchByID(ctx, req.BranchID); err != nil {
			return domain.UserView{}, err
		}
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return domain.UserView{}, err
	}

	account := domain.UserAccount{
		Username:  req.Username,
		FullName:  req.FullName,
		Password:  string(hashed),
		Role:      req.Role,
		BranchID:  req.BranchID,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.CreateUser(ctx, account); err != nil {
		return domain.UserView{}, err
	}

	s.logAudit(ctx, req.BranchID, "user_create", "user", account.Username, fmt.Sprintf("role=%s", account.Role))
	return toUserView(account), nil
}

func (s *Service) ListUsers(ctx context.Context) ([]domain.UserView, error) {
	if err := requireRole(ctx, domain.RoleCEO); err != nil {
		return nil, err
	}
	accounts, err := s.repo.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]domain.UserView, 0, len(accounts))
	for _, account := range accounts {
		views = append(views, toUserView(account))
	}
	return views, nil
}

func (s *Service) ChangePassword(ctx context.Context, req domain.PasswordChangeRequest) error {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return ErrForbidden
	}
	if len(req.NewPassword) < 8 {
		return fmt.Errorf("%w: new password must be at least 8 characters", store.ErrInvalidInput)
	}

	if _, err := s.Authenticate(ctx, actor.Username, req.CurrentPassword); err != nil {
		return fmt.Errorf("%w: current password mismatch", store.ErrInvalidInput)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := s.repo.UpdateUserPassword(ctx, actor.Username, string(hashed)); err != nil {
		return err
	}

	s.logAudit(ctx, actor.BranchID, "password_change", "user", actor.Username, "self-service")
	return nil
}

func (s *Service) ListAuditLogs(ctx context.Context, branchID string, date string, limit int) ([]domain.AuditLog, error) {
	if err := requireRole(ctx, domain.RoleCEO); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrInvalidInput
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, branchID, from, to, limit)
}

func (s *Service) buildLedgerQuery(ctx context.Context, branchID, fromDate, toDate string, limit int) (domain.LedgerQuery, error) {
	actor, _ := ActorFromContext(ctx)
	if actor.Role != domain.RoleCEO && actor.BranchID != "" {
		branchID = actor.BranchID
	}
	from, to, err := parseDateRange(fromDate, toDate)
	if err != nil {
		return domain.LedgerQuery{}, err
	}
	return domain.LedgerQuery{BranchID: branchID, From: from, To: to, Limit: limit}, nil
}

// resolveBranch picks the branch a ledger write lands in. Non-CEO actors are
// pinned to their own branch regardless of what the request says.
func (s *Service) resolveBranch(actor domain.Actor, requested string) (string, error) {
	if actor.Role != domain.RoleCEO && actor.BranchID != "" {
		return actor.BranchID, nil
	}
	requested = strings.TrimSpace(requested)
	if requested != "" {
		return requested, nil
	}
	if s.defaultBranchID != "" {
		return s.defaultBranchID, nil
	}
	return "", fmt.Errorf("%w: branch_id is required", store.ErrInvalidInput)
}

// resolveBuyer returns the buyer to attach to a sale, registering a new one
// when only a name was supplied. Field-office reality: agents type the buyer
// in at the point of sale, nobody pre-registers.
func (s *Service) resolveBuyer(ctx context.Context, buyerID, name, phone, location, nationalID string) (string, string, error) {
	buyerID = strings.TrimSpace(buyerID)
	name = strings.TrimSpace(name)

	if buyerID != "" {
		buyer, err := s.repo.GetBuyerByID(ctx, buyerID)
		if err != nil {
			return "", "", err
		}
		return buyer.ID, buyer.Name, nil
	}
	if name == "" {
		return "", "", nil
	}

	created, err := s.repo.CreateBuyer(ctx, domain.Buyer{
		ID:         xid.New("buyer"),
		Name:       name,
		Phone:      strings.TrimSpace(phone),
		Location:   strings.TrimSpace(location),
		NationalID: strings.TrimSpace(nationalID),
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return "", "", err
	}
	return created.ID, created.Name, nil
}

func (s *Service) isAllowedProduce(name string) bool {
	if len(s.allowedProduce) == 0 {
		return true
	}
	_, ok := s.allowedProduce[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

func (s *Service) cacheGet(ctx context.Context, key string, out any) bool {
	payload, found, err := s.analytics.Get(ctx, key)
	if err != nil {
		log.Printf("[cache] WARN: get %s: %v", key, err)
		return false
	}
	if !found {
		return false
	}
	if err := json.Unmarshal(payload, out); err != nil {
		log.Printf("[cache] WARN: decode %s: %v", key, err)
		return false
	}
	return true
}

func (s *Service) cacheSet(ctx context.Context, key string, value any) {
	payload, err := json.Marshal(value)
	if err != nil {
		log.Printf("[cache] WARN: encode %s: %v", key, err)
		return
	}
	if err := s.analytics.Set(ctx, key, payload, s.kpiCacheTTL); err != nil {
		log.Printf("[cache] WARN: set %s: %v", key, err)
	}
}

func (s *Service) logAudit(ctx context.Context, branchID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	if branchID == "" {
		branchID = actor.BranchID
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		BranchID:      branchID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func refreshCreditStatus(rec *domain.CreditSaleRecord, now time.Time) {
	rec.Status = domain.CreditStatus(rec.AmountDue, rec.AmountPaid, rec.DueDate, now)
}

func requireRole(ctx context.Context, roles ...string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return ErrForbidden
	}
	for _, role := range roles {
		if actor.Role == role {
			return nil
		}
	}
	return fmt.Errorf("%w: %s role cannot perform this operation", ErrForbidden, actor.Role)
}

func toUserView(account domain.UserAccount) domain.UserView {
	return domain.UserView{
		Username:  account.Username,
		FullName:  account.FullName,
		Role:      account.Role,
		BranchID:  account.BranchID,
		Active:    account.Active,
		CreatedAt: account.CreatedAt,
	}
}

// parseEventDate accepts an optional YYYY-MM-DD backdate; empty means now.
func parseEventDate(date string) (time.Time, error) {
	date = strings.TrimSpace(date)
	if date == "" {
		return time.Now().UTC(), nil
	}
	parsed, err := time.Parse("2006-01-02", date)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrInvalidInput)
	}
	return parsed.UTC(), nil
}

func parseDateRange(fromDate, toDate string) (time.Time, time.Time, error) {
	var from, to time.Time
	if strings.TrimSpace(fromDate) != "" {
		parsed, err := time.Parse("2006-01-02", fromDate)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: from must be YYYY-MM-DD", store.ErrInvalidInput)
		}
		from = parsed.UTC()
	}
	if strings.TrimSpace(toDate) != "" {
		parsed, err := time.Parse("2006-01-02", toDate)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: to must be YYYY-MM-DD", store.ErrInvalidInput)
		}
		to = parsed.UTC().Add(24*time.Hour - time.Second)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: to is before from", store.ErrInvalidInput)
	}
	return from, to, nil
}

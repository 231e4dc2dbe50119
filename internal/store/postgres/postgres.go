package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"goldencrop/backend/internal/domain"
	"goldencrop/backend/internal/store"
	"goldencrop/backend/internal/xid"
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

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateBranch(ctx context.Context, branch domain.Branch) (*domain.Branch, error) {
	if branch.Name == "" || branch.Location == "" {
		return nil, store.ErrInvalidInput
	}
	if branch.ID == "" {
		branch.ID = xid.New("br")
	}
	if branch.CreatedAt.IsZero() {
		branch.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branches (id, name, location, manager_id, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, branch.ID, branch.Name, branch.Location, nullIfEmpty(branch.ManagerID), branch.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	created := branch
	return &created, nil
}

func (s *Store) ListBranches(ctx context.Context) ([]domain.Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, location, COALESCE(manager_id,''), created_at
		FROM branches
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	branches := make([]domain.Branch, 0, 8)
	for rows.Next() {
		var b domain.Branch
		if err := rows.Scan(&b.ID, &b.Name, &b.Location, &b.ManagerID, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.CreatedAt = b.CreatedAt.UTC()
		branches = append(branches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return branches, nil
}

func (s *Store) GetBranchByID(ctx context.Context, id string) (*domain.Branch, error) {
	var b domain.Branch
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, location, COALESCE(manager_id,''), created_at
		FROM branches
		WHERE id = $1
	`, id).Scan(&b.ID, &b.Name, &b.Location, &b.ManagerID, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	b.CreatedAt = b.CreatedAt.UTC()
	return &b, nil
}

func (s *Store) CreateProduce(ctx context.Context, produce domain.Produce) (*domain.Produce, error) {
	if produce.Name == "" || produce.Type == "" || produce.SellingPricePerTon.IsNegative() {
		return nil, store.ErrInvalidInput
	}
	if produce.ID == "" {
		produce.ID = xid.New("prod")
	}
	if produce.CreatedAt.IsZero() {
		produce.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO produce (id, name, type, selling_price_per_ton, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, produce.ID, produce.Name, produce.Type, produce.SellingPricePerTon, produce.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	created := produce
	return &created, nil
}

func (s *Store) ListProduce(ctx context.Context) ([]domain.Produce, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, selling_price_per_ton, created_at
		FROM produce
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	produce := make([]domain.Produce, 0, 16)
	for rows.Next() {
		var p domain.Produce
		if err := rows.Scan(&p.ID, &p.Name, &p.Type, &p.SellingPricePerTon, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		produce = append(produce, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return produce, nil
}

func (s *Store) GetProduceByID(ctx context.Context, id string) (*domain.Produce, error) {
	var p domain.Produce
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, selling_price_per_ton, created_at
		FROM produce
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Type, &p.SellingPricePerTon, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func (s *Store) CreateBuyer(ctx context.Context, buyer domain.Buyer) (*domain.Buyer, error) {
	if buyer.Name == "" {
		return nil, store.ErrInvalidInput
	}
	if buyer.ID == "" {
		buyer.ID = xid.New("buyer")
	}
	if buyer.CreatedAt.IsZero() {
		buyer.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO buyers (id, name, phone, location, national_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, buyer.ID, buyer.Name, nullIfEmpty(buyer.Phone), nullIfEmpty(buyer.Location), nullIfEmpty(buyer.NationalID), buyer.CreatedAt)
	if err != nil {
		return nil, err
	}

	created := buyer
	return &created, nil
}

func (s *Store) ListBuyers(ctx context.Context) ([]domain.Buyer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(phone,''), COALESCE(location,''), COALESCE(national_id,''), created_at
		FROM buyers
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	buyers := make([]domain.Buyer, 0, 32)
	for rows.Next() {
		var b domain.Buyer
		if err := rows.Scan(&b.ID, &b.Name, &b.Phone, &b.Location, &b.NationalID, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.CreatedAt = b.CreatedAt.UTC()
		buyers = append(buyers, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return buyers, nil
}

func (s *Store) GetBuyerByID(ctx context.Context, id string) (*domain.Buyer, error) {
	var b domain.Buyer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(phone,''), COALESCE(location,''), COALESCE(national_id,''), created_at
		FROM buyers
		WHERE id = $1
	`, id).Scan(&b.ID, &b.Name, &b.Phone, &b.Location, &b.NationalID, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	b.CreatedAt = b.CreatedAt.UTC()
	return &b, nil
}

// RecordProcurement inserts the procurement row and applies the balance
// increment as an atomic upsert in the same transaction. The increment is an
// atomic add at the storage layer, not a read-modify-write, so concurrent
// sales on the same (branch, produce) key cannot lose it.
func (s *Store) RecordProcurement(ctx context.Context, rec domain.ProcurementRecord) (*domain.ProcurementRecord, error) {
	if rec.ID == "" {
		rec.ID = xid.New("proc")
	}
	if rec.ProcuredAt.IsZero() {
		rec.ProcuredAt = time.Now().UTC()
	}
	rec.TotalCost = rec.Tonnage.Mul(rec.CostPerTon)

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO procurements (
			id, branch_id, produce_id, dealer_name, dealer_phone, tonnage,
			cost_per_ton, total_cost, selling_price_per_ton, recorded_by, procured_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, rec.ID, rec.BranchID, rec.ProduceID, nullIfEmpty(rec.DealerName), nullIfEmpty(rec.DealerPhone),
		rec.Tonnage, rec.CostPerTon, rec.TotalCost, rec.SellingPricePerTon, rec.RecordedBy, rec.ProcuredAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO stock_balances (branch_id, produce_id, current_tonnage, last_updated)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (branch_id, produce_id)
		DO UPDATE SET current_tonnage = stock_balances.current_tonnage + EXCLUDED.current_tonnage, last_updated = now()
	`, rec.BranchID, rec.ProduceID, rec.Tonnage)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	created := rec
	return &created, nil
}

// RecordSale inserts the sale row and decrements the balance with a single
// conditional UPDATE guarded by current_tonnage >= tonnage. Zero rows
// affected means the balance was insufficient (or the pair has never been
// procured) and the whole transaction rolls back, so two sales racing on the
// same key can never both pass the availability check against a stale value.
// This holds across process instances sharing the database; no in-process
// lock is involved.
func (s *Store) RecordSale(ctx context.Context, rec domain.SaleRecord) (*domain.SaleRecord, error) {
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

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := decrementBalance(ctx, pgTx, rec.BranchID, rec.ProduceID, rec.Tonnage); err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (
			id, branch_id, produce_id, buyer_id, buyer_name, buyer_phone, tonnage,
			price_per_ton, total_amount, agent_username, payment_status, sold_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, rec.ID, rec.BranchID, rec.ProduceID, nullIfEmpty(rec.BuyerID), nullIfEmpty(rec.BuyerName),
		nullIfEmpty(rec.BuyerPhone), rec.Tonnage, rec.PricePerTon, rec.TotalAmount,
		rec.AgentUsername, rec.PaymentStatus, rec.SoldAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	created := rec
	return &created, nil
}

func (s *Store) RecordCreditSale(ctx context.Context, rec domain.CreditSaleRecord) (*domain.CreditSaleRecord, error) {
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

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := decrementBalance(ctx, pgTx, rec.BranchID, rec.ProduceID, rec.Tonnage); err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO credit_sales (
			id, branch_id, produce_id, buyer_id, buyer_name, buyer_phone, buyer_location,
			national_id, tonnage, price_per_ton, total_amount, amount_due, amount_paid,
			due_date, status, agent_username, sold_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, rec.ID, rec.BranchID, rec.ProduceID, nullIfEmpty(rec.BuyerID), nullIfEmpty(rec.BuyerName),
		nullIfEmpty(rec.BuyerPhone), nullIfEmpty(rec.BuyerLocation), nullIfEmpty(rec.NationalID),
		rec.Tonnage, rec.PricePerTon, rec.TotalAmount, rec.AmountDue, rec.AmountPaid,
		rec.DueDate, rec.Status, rec.AgentUsername, rec.SoldAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	created := rec
	return &created, nil
}

// decrementBalance is the conditional-update primitive shared by cash and
// credit sales. It reports ErrInsufficientStock when the guard fails, after
// confirming the balance row actually exists (a missing row reads as zero
// stock, which is also insufficient for any positive tonnage).
func decrementBalance(ctx context.Context, pgTx *sql.Tx, branchID, produceID string, tonnage decimal.Decimal) error {
	res, err := pgTx.ExecContext(ctx, `
		UPDATE stock_balances
		SET current_tonnage = current_tonnage - $1, last_updated = now()
		WHERE branch_id = $2 AND produce_id = $3 AND current_tonnage >= $1
	`, tonnage, branchID, produceID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrInsufficientStock
	}
	return nil
}

// RecordPayment applies a payment against a credit sale. The amount_paid
// increment is guarded by amount_paid + amount <= amount_due in the UPDATE
// itself, so two concurrent payments cannot both pass the remaining-due check
// against a stale value. Status is recomputed from the updated row inside the
// same transaction.
func (s *Store) RecordPayment(ctx context.Context, rec domain.PaymentRecord) (*domain.PaymentRecord, error) {
	if rec.ID == "" {
		rec.ID = xid.New("pay")
	}
	if rec.PaidAt.IsZero() {
		rec.PaidAt = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	res, err := pgTx.ExecContext(ctx, `
		UPDATE credit_sales
		SET amount_paid = amount_paid + $1
		WHERE id = $2 AND amount_paid + $1 <= amount_due
	`, rec.Amount, rec.CreditSaleID)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		var exists bool
		err := pgTx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM credit_sales WHERE id = $1)
		`, rec.CreditSaleID).Scan(&exists)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, store.ErrNotFound
		}
		return nil, store.ErrOverpayment
	}

	var amountDue, amountPaid decimal.Decimal
	var dueDate time.Time
	err = pgTx.QueryRowContext(ctx, `
		SELECT amount_due, amount_paid, due_date
		FROM credit_sales
		WHERE id = $1
	`, rec.CreditSaleID).Scan(&amountDue, &amountPaid, &dueDate)
	if err != nil {
		return nil, err
	}

	status := domain.CreditStatus(amountDue, amountPaid, dueDate, rec.PaidAt)
	_, err = pgTx.ExecContext(ctx, `
		UPDATE credit_sales
		SET status = $2
		WHERE id = $1
	`, rec.CreditSaleID, status)
	if err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO payments (id, credit_sale_id, amount, method, notes, recorded_by, paid_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rec.ID, rec.CreditSaleID, rec.Amount, nullIfEmpty(rec.Method), nullIfEmpty(rec.Notes), rec.RecordedBy, rec.PaidAt)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	created := rec
	return &created, nil
}

func (s *Store) GetStockBalance(ctx context.Context, branchID, produceID string) (decimal.Decimal, error) {
	var tonnage decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT current_tonnage
		FROM stock_balances
		WHERE branch_id = $1 AND produce_id = $2
	`, branchID, produceID).Scan(&tonnage)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return tonnage, nil
}

func (s *Store) ListStockBalances(ctx context.Context, branchID string) ([]domain.StockBalance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sb.branch_id, sb.produce_id, COALESCE(p.name,''), sb.current_tonnage, sb.last_updated
		FROM stock_balances sb
		LEFT JOIN produce p ON p.id = sb.produce_id
		WHERE ($1 = '' OR sb.branch_id = $1)
		ORDER BY sb.branch_id ASC, p.name ASC
	`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	balances := make([]domain.StockBalance, 0, 16)
	for rows.Next() {
		var b domain.StockBalance
		if err := rows.Scan(&b.BranchID, &b.ProduceID, &b.ProduceName, &b.CurrentTonnage, &b.LastUpdated); err != nil {
			return nil, err
		}
		b.LastUpdated = b.LastUpdated.UTC()
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return balances, nil
}

func (s *Store) ListProcurements(ctx context.Context, q domain.LedgerQuery) ([]domain.ProcurementRecord, error) {
	limit := q.Limit
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT pr.id, pr.branch_id, pr.produce_id, COALESCE(p.name,''),
			COALESCE(pr.dealer_name,''), COALESCE(pr.dealer_phone,''),
			pr.tonnage, pr.cost_per_ton, pr.total_cost, pr.selling_price_per_ton,
			pr.recorded_by, pr.procured_at
		FROM procurements pr
		LEFT JOIN produce p ON p.id = pr.produce_id
		WHERE ($1 = '' OR pr.branch_id = $1)
			AND ($2::timestamptz IS NULL OR pr.procured_at >= $2)
			AND ($3::timestamptz IS NULL OR pr.procured_at <= $3)
		ORDER BY pr.procured_at DESC, pr.id DESC
		LIMIT $4
	`, q.BranchID, nullTimeValue(q.From), nullTimeValue(q.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.ProcurementRecord, 0, limit)
	for rows.Next() {
		var rec domain.ProcurementRecord
		if err := rows.Scan(&rec.ID, &rec.BranchID, &rec.ProduceID, &rec.ProduceName,
			&rec.DealerName, &rec.DealerPhone, &rec.Tonnage, &rec.CostPerTon,
			&rec.TotalCost, &rec.SellingPricePerTon, &rec.RecordedBy, &rec.ProcuredAt); err != nil {
			return nil, err
		}
		rec.ProcuredAt = rec.ProcuredAt.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) ListSales(ctx context.Context, q domain.LedgerQuery) ([]domain.SaleRecord, error) {
	limit := q.Limit
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.branch_id, s.produce_id, COALESCE(p.name,''),
			COALESCE(s.buyer_id,''), COALESCE(s.buyer_name,''), COALESCE(s.buyer_phone,''),
			s.tonnage, s.price_per_ton, s.total_amount, s.agent_username, s.payment_status, s.sold_at
		FROM sales s
		LEFT JOIN produce p ON p.id = s.produce_id
		WHERE ($1 = '' OR s.branch_id = $1)
			AND ($2::timestamptz IS NULL OR s.sold_at >= $2)
			AND ($3::timestamptz IS NULL OR s.sold_at <= $3)
		ORDER BY s.sold_at DESC, s.id DESC
		LIMIT $4
	`, q.BranchID, nullTimeValue(q.From), nullTimeValue(q.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.SaleRecord, 0, limit)
	for rows.Next() {
		var rec domain.SaleRecord
		if err := rows.Scan(&rec.ID, &rec.BranchID, &rec.ProduceID, &rec.ProduceName,
			&rec.BuyerID, &rec.BuyerName, &rec.BuyerPhone, &rec.Tonnage, &rec.PricePerTon,
			&rec.TotalAmount, &rec.AgentUsername, &rec.PaymentStatus, &rec.SoldAt); err != nil {
			return nil, err
		}
		rec.SoldAt = rec.SoldAt.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) GetSaleByID(ctx context.Context, id string) (*domain.SaleRecord, error) {
	var rec domain.SaleRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.branch_id, s.produce_id, COALESCE(p.name,''),
			COALESCE(s.buyer_id,''), COALESCE(s.buyer_name,''), COALESCE(s.buyer_phone,''),
			s.tonnage, s.price_per_ton, s.total_amount, s.agent_username, s.payment_status, s.sold_at
		FROM sales s
		LEFT JOIN produce p ON p.id = s.produce_id
		WHERE s.id = $1
	`, id).Scan(&rec.ID, &rec.BranchID, &rec.ProduceID, &rec.ProduceName,
		&rec.BuyerID, &rec.BuyerName, &rec.BuyerPhone, &rec.Tonnage, &rec.PricePerTon,
		&rec.TotalAmount, &rec.AgentUsername, &rec.PaymentStatus, &rec.SoldAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	rec.SoldAt = rec.SoldAt.UTC()
	return &rec, nil
}

func (s *Store) ListCreditSales(ctx context.Context, q domain.LedgerQuery) ([]domain.CreditSaleRecord, error) {
	limit := q.Limit
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT cs.id, cs.branch_id, cs.produce_id, COALESCE(p.name,''),
			COALESCE(cs.buyer_id,''), COALESCE(cs.buyer_name,''), COALESCE(cs.buyer_phone,''),
			COALESCE(cs.buyer_location,''), COALESCE(cs.national_id,''),
			cs.tonnage, cs.price_per_ton, cs.total_amount, cs.amount_due, cs.amount_paid,
			cs.due_date, cs.status, cs.agent_username, cs.sold_at
		FROM credit_sales cs
		LEFT JOIN produce p ON p.id = cs.produce_id
		WHERE ($1 = '' OR cs.branch_id = $1)
			AND ($2::timestamptz IS NULL OR cs.sold_at >= $2)
			AND ($3::timestamptz IS NULL OR cs.sold_at <= $3)
		ORDER BY cs.sold_at DESC, cs.id DESC
		LIMIT $4
	`, q.BranchID, nullTimeValue(q.From), nullTimeValue(q.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.CreditSaleRecord, 0, limit)
	for rows.Next() {
		rec, err := scanCreditSale(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) GetCreditSaleByID(ctx context.Context, id string) (*domain.CreditSaleRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cs.id, cs.branch_id, cs.produce_id, COALESCE(p.name,''),
			COALESCE(cs.buyer_id,''), COALESCE(cs.buyer_name,''), COALESCE(cs.buyer_phone,''),
			COALESCE(cs.buyer_location,''), COALESCE(cs.national_id,''),
			cs.tonnage, cs.price_per_ton, cs.total_amount, cs.amount_due, cs.amount_paid,
			cs.due_date, cs.status, cs.agent_username, cs.sold_at
		FROM credit_sales cs
		LEFT JOIN produce p ON p.id = cs.produce_id
		WHERE cs.id = $1
	`, id)

	rec, err := scanCreditSale(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func scanCreditSale(scan func(dest ...any) error) (*domain.CreditSaleRecord, error) {
	var rec domain.CreditSaleRecord
	err := scan(&rec.ID, &rec.BranchID, &rec.ProduceID, &rec.ProduceName,
		&rec.BuyerID, &rec.BuyerName, &rec.BuyerPhone, &rec.BuyerLocation, &rec.NationalID,
		&rec.Tonnage, &rec.PricePerTon, &rec.TotalAmount, &rec.AmountDue, &rec.AmountPaid,
		&rec.DueDate, &rec.Status, &rec.AgentUsername, &rec.SoldAt)
	if err != nil {
		return nil, err
	}
	rec.DueDate = rec.DueDate.UTC()
	rec.SoldAt = rec.SoldAt.UTC()
	return &rec, nil
}

func (s *Store) ListPayments(ctx context.Context, creditSaleID string) ([]domain.PaymentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, credit_sale_id, amount, COALESCE(method,''), COALESCE(notes,''), recorded_by, paid_at
		FROM payments
		WHERE credit_sale_id = $1
		ORDER BY paid_at DESC, id DESC
	`, creditSaleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.PaymentRecord, 0, 8)
	for rows.Next() {
		var rec domain.PaymentRecord
		if err := rows.Scan(&rec.ID, &rec.CreditSaleID, &rec.Amount, &rec.Method, &rec.Notes, &rec.RecordedBy, &rec.PaidAt); err != nil {
			return nil, err
		}
		rec.PaidAt = rec.PaidAt.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) GetKPIs(ctx context.Context, branchID string, from, to time.Time) (domain.KPISnapshot, error) {
	snapshot := domain.KPISnapshot{BranchID: branchID}

	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_amount),0), COALESCE(SUM(tonnage),0)
		FROM (
			SELECT total_amount, tonnage, branch_id, sold_at FROM sales
			UNION ALL
			SELECT total_amount, tonnage, branch_id, sold_at FROM credit_sales
		) all_sales
		WHERE ($1 = '' OR branch_id = $1)
			AND ($2::timestamptz IS NULL OR sold_at >= $2)
			AND ($3::timestamptz IS NULL OR sold_at <= $3)
	`, branchID, nullTimeValue(from), nullTimeValue(to)).Scan(&snapshot.TotalSales, &snapshot.TotalTonnageSold)
	if err != nil {
		return domain.KPISnapshot{}, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_cost),0)
		FROM procurements
		WHERE ($1 = '' OR branch_id = $1)
			AND ($2::timestamptz IS NULL OR procured_at >= $2)
			AND ($3::timestamptz IS NULL OR procured_at <= $3)
	`, branchID, nullTimeValue(from), nullTimeValue(to)).Scan(&snapshot.TotalProcurementCost)
	if err != nil {
		return domain.KPISnapshot{}, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(current_tonnage),0)
		FROM stock_balances
		WHERE ($1 = '' OR branch_id = $1)
	`, branchID).Scan(&snapshot.TotalStockTonnage)
	if err != nil {
		return domain.KPISnapshot{}, err
	}

	snapshot.EstimatedProfit = snapshot.TotalSales.Sub(snapshot.TotalProcurementCost)
	return snapshot, nil
}

func (s *Store) GetBranchOverviews(ctx context.Context, from, to time.Time) ([]domain.BranchOverview, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, b.name,
			COALESCE(sa.total_sales,0), COALESCE(sa.total_tonnage,0),
			COALESCE(pr.total_cost,0)
		FROM branches b
		LEFT JOIN (
			SELECT branch_id, SUM(total_amount) AS total_sales, SUM(tonnage) AS total_tonnage
			FROM (
				SELECT branch_id, total_amount, tonnage, sold_at FROM sales
				UNION ALL
				SELECT branch_id, total_amount, tonnage, sold_at FROM credit_sales
			) all_sales
			WHERE ($1::timestamptz IS NULL OR sold_at >= $1)
				AND ($2::timestamptz IS NULL OR sold_at <= $2)
			GROUP BY branch_id
		) sa ON sa.branch_id = b.id
		LEFT JOIN (
			SELECT branch_id, SUM(total_cost) AS total_cost
			FROM procurements
			WHERE ($1::timestamptz IS NULL OR procured_at >= $1)
				AND ($2::timestamptz IS NULL OR procured_at <= $2)
			GROUP BY branch_id
		) pr ON pr.branch_id = b.id
		ORDER BY b.name ASC
	`, nullTimeValue(from), nullTimeValue(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	overviews := make([]domain.BranchOverview, 0, 8)
	for rows.Next() {
		var o domain.BranchOverview
		if err := rows.Scan(&o.BranchID, &o.BranchName, &o.TotalSales, &o.TotalTonnageSold, &o.TotalProcurementCost); err != nil {
			return nil, err
		}
		o.EstimatedProfit = o.TotalSales.Sub(o.TotalProcurementCost)
		overviews = append(overviews, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return overviews, nil
}

func (s *Store) GetTopProduce(ctx context.Context, from, to time.Time, limit int) ([]domain.ProducePerformance, error) {
	if limit < 1 {
		limit = 5
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(p.name,''), COALESCE(SUM(all_sales.total_amount),0), COALESCE(SUM(all_sales.tonnage),0)
		FROM (
			SELECT produce_id, total_amount, tonnage, sold_at FROM sales
			UNION ALL
			SELECT produce_id, total_amount, tonnage, sold_at FROM credit_sales
		) all_sales
		JOIN produce p ON p.id = all_sales.produce_id
		WHERE ($1::timestamptz IS NULL OR all_sales.sold_at >= $1)
			AND ($2::timestamptz IS NULL OR all_sales.sold_at <= $2)
		GROUP BY p.name
		ORDER BY 2 DESC
		LIMIT $3
	`, nullTimeValue(from), nullTimeValue(to), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.ProducePerformance, 0, limit)
	for rows.Next() {
		var perf domain.ProducePerformance
		if err := rows.Scan(&perf.ProduceName, &perf.TotalSales, &perf.TotalTonnageSold); err != nil {
			return nil, err
		}
		result = append(result, perf)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetAgentPerformance(ctx context.Context, branchID string, from, to time.Time) ([]domain.AgentPerformance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT all_sales.agent_username, COALESCE(u.full_name, all_sales.agent_username),
			COALESCE(SUM(all_sales.total_amount),0), COALESCE(SUM(all_sales.tonnage),0)
		FROM (
			SELECT agent_username, branch_id, total_amount, tonnage, sold_at FROM sales
			UNION ALL
			SELECT agent_username, branch_id, total_amount, tonnage, sold_at FROM credit_sales
		) all_sales
		LEFT JOIN users u ON u.username = all_sales.agent_username
		WHERE ($1 = '' OR all_sales.branch_id = $1)
			AND ($2::timestamptz IS NULL OR all_sales.sold_at >= $2)
			AND ($3::timestamptz IS NULL OR all_sales.sold_at <= $3)
		GROUP BY all_sales.agent_username, u.full_name
		ORDER BY 3 DESC
	`, branchID, nullTimeValue(from), nullTimeValue(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.AgentPerformance, 0, 8)
	for rows.Next() {
		var perf domain.AgentPerformance
		if err := rows.Scan(&perf.AgentUsername, &perf.AgentFullName, &perf.TotalSales, &perf.TotalTonnageSold); err != nil {
			return nil, err
		}
		result = append(result, perf)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, branch_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, nullIfEmpty(entry.BranchID), entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, branchID string, from, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(branch_id,''), actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR branch_id = $1)
			AND ($2::timestamptz IS NULL OR created_at >= $2)
			AND ($3::timestamptz IS NULL OR created_at <= $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, branchID, nullTimeValue(from), nullTimeValue(to), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.BranchID, &entry.ActorUsername, &entry.ActorRole,
			&entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
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
		return store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, full_name, password, role, branch_id, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, user.Username, user.FullName, user.Password, user.Role, nullIfEmpty(user.BranchID), user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidInput
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, full_name, password, role, COALESCE(branch_id,''), active, created_at
		FROM users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.FullName, &user.Password, &user.Role, &user.BranchID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET password = $2
		WHERE username = $1
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

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func nullTimeValue(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

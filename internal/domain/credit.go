package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CreditStatus derives the status of a credit sale from its stored fields and
// the current time. It is a pure function: nothing is persisted, so a
// Pending/Partial sale whose due date has passed reads as Overdue without any
// background reclassification.
func CreditStatus(amountDue, amountPaid decimal.Decimal, dueDate, today time.Time) string {
	if amountPaid.GreaterThanOrEqual(amountDue) {
		return CreditStatusPaid
	}
	if DateOnly(today).After(DateOnly(dueDate)) {
		return CreditStatusOverdue
	}
	if amountPaid.GreaterThan(decimal.Zero) {
		return CreditStatusPartial
	}
	return CreditStatusPending
}

// DateOnly truncates t to midnight UTC. Due-date comparison is done at day
// granularity.
func DateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

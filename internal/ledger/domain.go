package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType enumerates ledger movements.
type TransactionType string

const (
	// TypeReceipt adds a lot to the item's queue.
	TypeReceipt TransactionType = "RECEIPT"
	// TypeIssue consumes lots oldest first.
	TypeIssue TransactionType = "ISSUE"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	return t == TypeReceipt || t == TypeIssue
}

// ReferenceType tags the process that produced a transaction.
type ReferenceType string

const (
	RefGRN                 ReferenceType = "GRN"
	RefMelting             ReferenceType = "MELTING"
	RefMeltingOutput       ReferenceType = "MELTING_OUTPUT"
	RefHeatTreatment       ReferenceType = "HEAT_TREATMENT"
	RefHeatTreatmentOutput ReferenceType = "HEAT_TREATMENT_OUTPUT"
	RefDispatch            ReferenceType = "DISPATCH"
)

var referenceTypes = map[ReferenceType]struct{}{
	RefGRN:                 {},
	RefMelting:             {},
	RefMeltingOutput:       {},
	RefHeatTreatment:       {},
	RefHeatTreatmentOutput: {},
	RefDispatch:            {},
}

// Valid reports whether r is a known reference type.
func (r ReferenceType) Valid() bool {
	_, ok := referenceTypes[r]
	return ok
}

// IsProcess reports whether r is a multi-input production process.
func (r ReferenceType) IsProcess() bool {
	return r == RefMelting || r == RefHeatTreatment
}

// Output returns the reference type used for a process output receipt.
func (r ReferenceType) Output() ReferenceType {
	return ReferenceType(string(r) + "_OUTPUT")
}

// ParseReferenceType normalises user input into a ReferenceType.
func ParseReferenceType(s string) (ReferenceType, error) {
	ref := ReferenceType(strings.ToUpper(strings.TrimSpace(s)))
	if !ref.Valid() {
		return "", fmt.Errorf("%w: unknown reference type %q", ErrInvalidTransaction, s)
	}
	return ref, nil
}

// Category classifies items for reporting.
type Category string

const (
	CategoryRawMaterial  Category = "RAW_MATERIAL"
	CategoryMineral      Category = "MINERAL"
	CategoryWIP          Category = "WIP"
	CategoryFinishedGood Category = "FINISHED_GOOD"
)

// ParseCategory normalises user input into a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	switch c {
	case CategoryRawMaterial, CategoryMineral, CategoryWIP, CategoryFinishedGood:
		return c, nil
	}
	return "", fmt.Errorf("ledger: unknown category %q", s)
}

// Item is the master-data view the ledger needs.
type Item struct {
	ID         int64
	Code       string
	Name       string
	Category   Category
	Unit       string
	UnitWeight decimal.Decimal
}

// ItemFilter narrows catalog lookups. Empty slices match everything.
type ItemFilter struct {
	IDs        []int64
	Categories []Category
}

// Transaction is an immutable ledger row.
type Transaction struct {
	ID            int64
	Date          time.Time
	Type          TransactionType
	ItemID        int64
	Quantity      decimal.Decimal
	Rate          decimal.Decimal
	Amount        decimal.Decimal
	ReferenceType ReferenceType
	ReferenceID   string
	Remarks       string
	CreatedAt     time.Time
}

// Before reports whether t sorts before o in replay order.
func (t Transaction) Before(o Transaction) bool {
	if !t.Date.Equal(o.Date) {
		return t.Date.Before(o.Date)
	}
	return t.ID < o.ID
}

// Input describes a transaction to append.
type Input struct {
	Date          time.Time
	Type          TransactionType
	ItemID        int64
	Quantity      decimal.Decimal
	Rate          decimal.Decimal
	Amount        decimal.NullDecimal
	ReferenceType ReferenceType
	ReferenceID   string
	Remarks       string
}

// Filter selects transactions. Zero dates are open bounds; both bounds are inclusive.
type Filter struct {
	ItemIDs []int64
	From    time.Time
	To      time.Time
}

// DateOf truncates t to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DayBefore returns the calendar date preceding t.
func DayBefore(t time.Time) time.Time {
	return DateOf(t).AddDate(0, 0, -1)
}

var (
	// ErrInvalidTransaction rejects input before persistence.
	ErrInvalidTransaction = errors.New("ledger: invalid transaction")
	// ErrLotAlreadyConsumed blocks deleting a receipt whose lot was drawn by a later issue.
	ErrLotAlreadyConsumed = errors.New("ledger: lot already consumed")
	// ErrDocumentNotFound indicates no transactions for the reference.
	ErrDocumentNotFound = errors.New("ledger: document not found")
	// ErrItemNotFound indicates the item is unknown to master data.
	ErrItemNotFound = errors.New("ledger: item not found")
	// ErrInvalidRange rejects a date range whose start is after its end.
	ErrInvalidRange = errors.New("ledger: invalid date range")
)

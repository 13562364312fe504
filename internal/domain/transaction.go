// Package domain defines the core interfaces and types for achscore.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the money movement direction of an ACH entry.
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// ACHType distinguishes pull (debit-initiated) from push (credit-initiated) transfers.
type ACHType string

const (
	ACHPull ACHType = "pull"
	ACHPush ACHType = "push"
)

// FundingSpeed is how quickly funds are made available to the user.
type FundingSpeed string

const (
	FundingStandard FundingSpeed = "standard"
	FundingInstant  FundingSpeed = "instant"
)

// ReturnCode is a NACHA return reason code (R01, R10, ...).
type ReturnCode string

// Common return codes.
const (
	ReturnInsufficientFunds ReturnCode = "R01"
	ReturnAccountClosed     ReturnCode = "R02"
	ReturnNoAccount         ReturnCode = "R03"
	ReturnNotAuthorized     ReturnCode = "R10"
	ReturnCorporateNotAuth  ReturnCode = "R29"
	ReturnIneligibleEntry   ReturnCode = "R51"
)

// Transaction is a single ACH transaction record. It is treated as immutable
// once it enters a store.
type Transaction struct {
	TransactionID  string          `json:"transaction_id" validate:"required"`
	UserID         string          `json:"user_id"`
	Timestamp      time.Time       `json:"timestamp"`
	Direction      Direction       `json:"direction" validate:"omitempty,oneof=debit credit"`
	Amount         decimal.Decimal `json:"amount"`
	ACHType        ACHType         `json:"ach_type" validate:"omitempty,oneof=pull push"`
	FundingSpeed   FundingSpeed    `json:"funding_speed" validate:"omitempty,oneof=standard instant"`
	DeviceID       string          `json:"device_id"`
	IPCountry      string          `json:"ip_country"`
	ReturnCode     *ReturnCode     `json:"return_code" validate:"omitempty,return_code"`
	Returned       bool            `json:"returned"`
	DaysToReturn   *int            `json:"days_to_return" validate:"omitempty,gte=0"`
	AccountAgeDays int             `json:"account_age_days" validate:"gte=0"`

	// Attributes carries source columns outside the schema (labels, pattern
	// tags) through scoring untouched.
	Attributes map[string]string `json:"attributes,omitempty"`
}

// HasReturn reports whether the transaction was returned with a known code.
func (t *Transaction) HasReturn() bool {
	return t.Returned && t.ReturnCode != nil
}

// Field names as they appear in inputs and outputs.
const (
	FieldTransactionID  = "transaction_id"
	FieldUserID         = "user_id"
	FieldTimestamp      = "timestamp"
	FieldDirection      = "direction"
	FieldAmount         = "amount"
	FieldACHType        = "ach_type"
	FieldFundingSpeed   = "funding_speed"
	FieldDeviceID       = "device_id"
	FieldIPCountry      = "ip_country"
	FieldReturnCode     = "return_code"
	FieldReturned       = "returned"
	FieldDaysToReturn   = "days_to_return"
	FieldAccountAgeDays = "account_age_days"
)

// TransactionFields lists every schema field in canonical output order.
func TransactionFields() []string {
	return []string{
		FieldTransactionID,
		FieldUserID,
		FieldTimestamp,
		FieldDirection,
		FieldAmount,
		FieldACHType,
		FieldFundingSpeed,
		FieldDeviceID,
		FieldIPCountry,
		FieldReturnCode,
		FieldReturned,
		FieldDaysToReturn,
		FieldAccountAgeDays,
	}
}

// IsOptionalField reports whether absence of a value is meaningful for the field.
func IsOptionalField(name string) bool {
	return name == FieldReturnCode || name == FieldDaysToReturn
}

// FieldAliases maps legacy column names onto schema fields.
var FieldAliases = map[string]string{
	"amount_usd":    FieldAmount,
	"timestamp_utc": FieldTimestamp,
}

// ToMap renders the present schema fields of a transaction into a map, used
// by expression rules. Absent optional values are left out of the map.
func (t *Transaction) ToMap() map[string]any {
	m := map[string]any{
		FieldTransactionID:  t.TransactionID,
		FieldUserID:         t.UserID,
		FieldTimestamp:      t.Timestamp,
		FieldDirection:      string(t.Direction),
		FieldAmount:         t.Amount.InexactFloat64(),
		FieldACHType:        string(t.ACHType),
		FieldFundingSpeed:   string(t.FundingSpeed),
		FieldDeviceID:       t.DeviceID,
		FieldIPCountry:      t.IPCountry,
		FieldReturned:       t.Returned,
		FieldAccountAgeDays: int64(t.AccountAgeDays),
	}
	if t.ReturnCode != nil {
		m[FieldReturnCode] = string(*t.ReturnCode)
	}
	if t.DaysToReturn != nil {
		m[FieldDaysToReturn] = int64(*t.DaysToReturn)
	}
	return m
}

package store

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/achscore/internal/domain"
	"github.com/shopspring/decimal"
)

// timestampLayouts are tried in order. Layouts without a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// canonicalField resolves a raw column name to a schema field name, applying
// legacy aliases. ok is false for non-schema columns.
func canonicalField(raw string) (name string, ok bool) {
	name = strings.ToLower(strings.TrimSpace(raw))
	if alias, found := domain.FieldAliases[name]; found {
		name = alias
	}
	for _, f := range domain.TransactionFields() {
		if f == name {
			return name, true
		}
	}
	return name, false
}

// record is one source row: schema values keyed by canonical field name and
// raw values of non-schema columns.
type record struct {
	values map[string]string
	extra  map[string]string
}

// toTransaction converts a record into a transaction. fields is the set of
// schema fields the source provides; a provided non-optional field with an
// empty value is an error.
func (r record) toTransaction(fields map[string]struct{}) (domain.Transaction, []string) {
	var (
		tx      domain.Transaction
		reasons []string
	)
	fail := func(field, format string, args ...any) {
		reasons = append(reasons, field+": "+fmt.Sprintf(format, args...))
	}

	for field := range fields {
		raw := strings.TrimSpace(r.values[field])
		if raw == "" {
			if !domain.IsOptionalField(field) && field != domain.FieldTransactionID {
				fail(field, "value is missing")
			}
			continue
		}

		switch field {
		case domain.FieldTransactionID:
			tx.TransactionID = raw
		case domain.FieldUserID:
			tx.UserID = raw
		case domain.FieldTimestamp:
			ts, err := parseTimestamp(raw)
			if err != nil {
				fail(field, "%v", err)
			}
			tx.Timestamp = ts
		case domain.FieldDirection:
			tx.Direction = domain.Direction(strings.ToLower(raw))
		case domain.FieldAmount:
			amt, err := decimal.NewFromString(raw)
			if err != nil {
				fail(field, "invalid decimal %q", raw)
			}
			tx.Amount = amt
		case domain.FieldACHType:
			tx.ACHType = domain.ACHType(strings.ToLower(raw))
		case domain.FieldFundingSpeed:
			tx.FundingSpeed = domain.FundingSpeed(strings.ToLower(raw))
		case domain.FieldDeviceID:
			tx.DeviceID = raw
		case domain.FieldIPCountry:
			tx.IPCountry = raw
		case domain.FieldReturnCode:
			code := domain.ReturnCode(strings.ToUpper(raw))
			tx.ReturnCode = &code
		case domain.FieldReturned:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				fail(field, "invalid boolean %q", raw)
			}
			tx.Returned = b
		case domain.FieldDaysToReturn:
			n, err := parseWholeNumber(raw)
			if err != nil {
				fail(field, "%v", err)
				continue
			}
			tx.DaysToReturn = &n
		case domain.FieldAccountAgeDays:
			n, err := parseWholeNumber(raw)
			if err != nil {
				fail(field, "%v", err)
			}
			tx.AccountAgeDays = n
		}
	}

	if len(r.extra) > 0 {
		tx.Attributes = r.extra
	}
	return tx, reasons
}

func parseTimestamp(raw string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

// parseWholeNumber accepts integers and integral floats such as "3.0", which
// is how spreadsheet exports write nullable integer columns.
func parseWholeNumber(raw string) (int, error) {
	if n, err := strconv.Atoi(raw); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid whole number %q", raw)
	}
	return int(f), nil
}

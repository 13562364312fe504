// Package export writes scoring results to files and downstream systems.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/opensource-finance/achscore/internal/domain"
	"github.com/opensource-finance/achscore/internal/store"
)

// ColumnRiskScore is the column appended to the scored transaction table.
const ColumnRiskScore = "risk_score"

// ScoredHeader returns the scored table header: the given schema fields in
// canonical order, then the attribute columns, then risk_score. Nil fields
// means the full schema.
func ScoredHeader(fields, attributes []string) []string {
	header := scoredFields(fields)
	header = append(header, attributes...)
	return append(header, ColumnRiskScore)
}

func scoredFields(fields []string) []string {
	if fields == nil {
		return domain.TransactionFields()
	}
	out := make([]string, 0, len(fields))
	for _, f := range domain.TransactionFields() {
		if slices.Contains(fields, f) {
			out = append(out, f)
		}
	}
	return out
}

// WriteScoredCSV writes the scored transaction table with only the schema
// fields the source provided. Absent optional values are written as empty
// cells.
func WriteScoredCSV(w io.Writer, scored []domain.ScoredTransaction, fields, attributes []string) error {
	fields = scoredFields(fields)

	cw := csv.NewWriter(w)
	if err := cw.Write(ScoredHeader(fields, attributes)); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for i := range scored {
		if err := cw.Write(scoredRow(&scored[i], fields, attributes)); err != nil {
			return fmt.Errorf("failed to write %s: %w", scored[i].TransactionID, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

func scoredRow(st *domain.ScoredTransaction, fields, attributes []string) []string {
	row := make([]string, 0, len(fields)+len(attributes)+1)
	for _, f := range fields {
		row = append(row, fieldValue(&st.Transaction, f))
	}
	for _, a := range attributes {
		row = append(row, st.Attributes[a])
	}
	return append(row, strconv.Itoa(st.RiskScore))
}

func fieldValue(tx *domain.Transaction, field string) string {
	switch field {
	case domain.FieldTransactionID:
		return tx.TransactionID
	case domain.FieldUserID:
		return tx.UserID
	case domain.FieldTimestamp:
		return tx.Timestamp.UTC().Format(time.RFC3339Nano)
	case domain.FieldDirection:
		return string(tx.Direction)
	case domain.FieldAmount:
		return tx.Amount.String()
	case domain.FieldACHType:
		return string(tx.ACHType)
	case domain.FieldFundingSpeed:
		return string(tx.FundingSpeed)
	case domain.FieldDeviceID:
		return tx.DeviceID
	case domain.FieldIPCountry:
		return tx.IPCountry
	case domain.FieldReturnCode:
		if tx.ReturnCode == nil {
			return ""
		}
		return string(*tx.ReturnCode)
	case domain.FieldReturned:
		return strconv.FormatBool(tx.Returned)
	case domain.FieldDaysToReturn:
		if tx.DaysToReturn == nil {
			return ""
		}
		return strconv.Itoa(*tx.DaysToReturn)
	case domain.FieldAccountAgeDays:
		return strconv.Itoa(tx.AccountAgeDays)
	}
	return ""
}

// WriteAlertsCSV writes the alert trail as (transaction_id, rule_name) rows.
func WriteAlertsCSV(w io.Writer, alerts []domain.Alert) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{domain.FieldTransactionID, "rule_name"}); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, a := range alerts {
		if err := cw.Write([]string{a.TransactionID, a.RuleName}); err != nil {
			return fmt.Errorf("failed to write alert: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadScoredCSV reads a table written by WriteScoredCSV back into scored
// transactions. The risk_score column is required.
func ReadScoredCSV(r io.Reader) ([]domain.ScoredTransaction, []string, error) {
	s, err := store.ReadCSV(r)
	if err != nil {
		return nil, nil, err
	}

	attributes := make([]string, 0, len(s.Attributes()))
	found := false
	for _, a := range s.Attributes() {
		if a == ColumnRiskScore {
			found = true
			continue
		}
		attributes = append(attributes, a)
	}
	if !found {
		return nil, nil, &domain.SchemaError{Field: ColumnRiskScore}
	}

	txs := s.Transactions()
	scored := make([]domain.ScoredTransaction, len(txs))
	for i, tx := range txs {
		raw := tx.Attributes[ColumnRiskScore]
		score, err := strconv.Atoi(raw)
		if err != nil || score < 0 {
			return nil, nil, &domain.InvariantError{
				Index:         i,
				TransactionID: tx.TransactionID,
				Reason:        fmt.Sprintf("risk_score: invalid value %q", raw),
			}
		}
		tx.Attributes = maps.Clone(tx.Attributes)
		delete(tx.Attributes, ColumnRiskScore)
		if len(tx.Attributes) == 0 {
			tx.Attributes = nil
		}
		scored[i] = domain.ScoredTransaction{Transaction: tx, RiskScore: score}
	}
	return scored, attributes, nil
}

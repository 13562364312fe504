package store

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/opensource-finance/achscore/internal/domain"
)

var (
	// ErrUnsupportedFormat is returned for inputs that are neither CSV nor JSON.
	ErrUnsupportedFormat = errors.New("unsupported input format")

	// ErrMalformedInput marks input that cannot be parsed as its format.
	ErrMalformedInput = errors.New("malformed input")
)

// Open loads a transaction file, choosing the decoder by extension:
// .csv, .json, .ndjson or .jsonl.
func Open(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return ReadCSV(f)
	case ".json", ".ndjson", ".jsonl":
		return ReadJSON(f)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// ReadCSV loads transactions from CSV with a header row. The header decides
// which fields the store provides; empty cells in optional columns mean the
// value is absent. Columns outside the schema are kept as attributes.
func ReadCSV(r io.Reader) (*Store, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, &domain.SchemaError{Field: domain.FieldTransactionID}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read csv header: %w", ErrMalformedInput, err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	cols := make([]string, len(header))
	isSchema := make([]bool, len(header))
	fields := make(map[string]struct{})
	var attributes []string
	for i, h := range header {
		name, ok := canonicalField(h)
		if _, dup := fields[name]; dup && ok {
			return nil, fmt.Errorf("%w: csv header: column %q appears more than once", ErrMalformedInput, name)
		}
		cols[i], isSchema[i] = name, ok
		if ok {
			fields[name] = struct{}{}
		} else {
			attributes = append(attributes, strings.TrimSpace(h))
			cols[i] = strings.TrimSpace(h)
		}
	}

	var records []record
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read csv row %d: %w", ErrMalformedInput, len(records)+1, err)
		}

		rec := record{values: make(map[string]string, len(fields))}
		for i, cell := range row {
			if isSchema[i] {
				rec.values[cols[i]] = cell
				continue
			}
			if rec.extra == nil {
				rec.extra = make(map[string]string)
			}
			rec.extra[cols[i]] = cell
		}
		records = append(records, rec)
	}

	return assemble(records, fields, attributes)
}

// ReadJSON loads transactions from a JSON array of objects or from
// newline-delimited JSON objects. The provided fields are the union of keys
// across records; a source that carries returned also provides return_code
// and days_to_return, since JSON encoders commonly drop null keys.
func ReadJSON(r io.Reader) (*Store, error) {
	br := bufio.NewReader(r)
	objects, err := decodeObjects(br)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]struct{})
	var attributes []string
	seenAttr := make(map[string]bool)
	records := make([]record, 0, len(objects))

	for i, obj := range objects {
		rec := record{values: make(map[string]string, len(obj))}
		for key, raw := range obj {
			cell, err := jsonCell(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: record %d: key %q: %w", ErrMalformedInput, i, key, err)
			}
			name, ok := canonicalField(key)
			if ok {
				fields[name] = struct{}{}
				rec.values[name] = cell
				continue
			}
			if !seenAttr[key] {
				seenAttr[key] = true
				attributes = append(attributes, key)
			}
			if rec.extra == nil {
				rec.extra = make(map[string]string)
			}
			rec.extra[key] = cell
		}
		records = append(records, rec)
	}

	slices.Sort(attributes)
	if len(objects) == 0 {
		// No record can lack a field.
		for _, f := range domain.TransactionFields() {
			fields[f] = struct{}{}
		}
	}
	if _, ok := fields[domain.FieldReturned]; ok {
		fields[domain.FieldReturnCode] = struct{}{}
		fields[domain.FieldDaysToReturn] = struct{}{}
	}

	return assemble(records, fields, attributes)
}

func decodeObjects(br *bufio.Reader) ([]map[string]json.RawMessage, error) {
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read json input: %w", ErrMalformedInput, err)
	}

	dec := json.NewDecoder(br)
	dec.UseNumber()

	if first == '[' {
		var objects []map[string]json.RawMessage
		if err := dec.Decode(&objects); err != nil {
			return nil, fmt.Errorf("%w: failed to decode json array: %w", ErrMalformedInput, err)
		}
		return objects, nil
	}

	var objects []map[string]json.RawMessage
	for {
		var obj map[string]json.RawMessage
		err := dec.Decode(&obj)
		if err == io.EOF {
			return objects, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decode json record %d: %w", ErrMalformedInput, len(objects), err)
		}
		objects = append(objects, obj)
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if b == ' ' || b == '\t' || b == '\n' || b == '\r' {
			continue
		}
		return b, br.UnreadByte()
	}
}

// jsonCell flattens a scalar JSON value to its text form. null becomes "".
func jsonCell(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{', '[':
		return "", errors.New("nested values are not supported")
	default:
		return string(raw), nil
	}
}

// assemble converts records to transactions and builds the store. Any parse
// failure rejects the batch before data model validation runs.
func assemble(records []record, fields map[string]struct{}, attributes []string) (*Store, error) {
	if _, ok := fields[domain.FieldTransactionID]; !ok {
		return nil, &domain.SchemaError{Field: domain.FieldTransactionID}
	}

	txs := make([]domain.Transaction, 0, len(records))
	var parseErrs []error
	for i, rec := range records {
		tx, reasons := rec.toTransaction(fields)
		for _, reason := range reasons {
			parseErrs = append(parseErrs, &domain.InvariantError{Index: i, TransactionID: tx.TransactionID, Reason: reason})
		}
		txs = append(txs, tx)
	}
	if len(parseErrs) > 0 {
		return nil, fmt.Errorf("transaction batch rejected, %d violation(s): %w", len(parseErrs), errors.Join(parseErrs...))
	}

	names := make([]string, 0, len(fields))
	for _, f := range domain.TransactionFields() {
		if _, ok := fields[f]; ok {
			names = append(names, f)
		}
	}
	return build(txs, names, attributes)
}

package processing

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/DeafMist/violations-ingest/internal/models"
)

// Layouts for issue_date. The source layout accepts one- or two-digit month and day.
const (
	SourceDateLayout = "1/2/2006"
	IndexDateLayout  = "2006-01-02"
)

var (
	ErrMissingField  = errors.New("field is missing")
	ErrInvalidDate   = errors.New("invalid date")
	ErrInvalidNumber = errors.New("invalid number")
)

// FieldError reports which field made a record unusable.
type FieldError struct {
	Field string
	Value string
	Err   error
}

func (e *FieldError) Error() string {
	if errors.Is(e.Err, ErrMissingField) {
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %v %q", e.Field, e.Err, e.Value)
}

func (e *FieldError) Unwrap() error { return e.Err }

// Normalize converts one raw record into a Violation.
// The record fails as a whole when issue_date is missing or malformed or when
// a present numeric field does not parse. Absent numerics become 0 and absent
// strings become models.MissingValue.
func Normalize(raw models.RawRecord) (models.Violation, error) {
	var doc models.Violation

	issueDate, err := NormalizeDate(raw)
	if err != nil {
		return models.Violation{}, err
	}
	doc.IssueDate = issueDate

	for _, field := range models.NumericFields {
		value, ok := raw[field]
		if !ok {
			doc.SetNumeric(field, 0)
			continue
		}
		parsed, err := ParseAmount(value)
		if err != nil {
			return models.Violation{}, &FieldError{Field: field, Value: value, Err: err}
		}
		doc.SetNumeric(field, parsed)
	}

	for _, field := range models.StringFields {
		value, ok := raw[field]
		if !ok {
			value = models.MissingValue
		}
		doc.SetString(field, value)
	}

	return doc, nil
}

// NormalizeDate reads issue_date in MM/DD/YYYY and returns it as YYYY-MM-DD.
func NormalizeDate(raw models.RawRecord) (string, error) {
	value, ok := raw[models.FieldIssueDate]
	if !ok {
		return "", &FieldError{Field: models.FieldIssueDate, Err: ErrMissingField}
	}
	ts, err := parseDate(value)
	if err != nil {
		return "", &FieldError{Field: models.FieldIssueDate, Value: value, Err: err}
	}
	return ts, nil
}

func parseDate(value string) (string, error) {
	t, err := time.Parse(SourceDateLayout, value)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDate, err)
	}
	return t.Format(IndexDateLayout), nil
}

// ParseAmount coerces a monetary string into a finite float.
func ParseAmount(value string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, ErrInvalidNumber
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrInvalidNumber
	}
	return f, nil
}

// Fingerprint hashes every canonical field to form a stable identity for a document.
func Fingerprint(doc models.Violation) string {
	var b strings.Builder
	b.WriteString(doc.IssueDate)
	for _, f := range []float64{doc.FineAmount, doc.PenaltyAmount, doc.InterestAmount, doc.ReductionAmount, doc.AmountDue} {
		b.WriteByte('|')
		b.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
	}
	for _, s := range []string{doc.County, doc.Precinct, doc.Violation, doc.State, doc.Plate} {
		b.WriteByte('|')
		b.WriteString(s)
	}
	s := sha1.Sum([]byte(b.String()))
	return hex.EncodeToString(s[:])
}

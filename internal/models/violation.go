package models

// RawRecord is one upstream row. A missing key means the field was absent.
type RawRecord map[string]string

// Violation represents the canonical structure stored in Elasticsearch.
type Violation struct {
	IssueDate       string  `json:"issue_date"`
	FineAmount      float64 `json:"fine_amount"`
	PenaltyAmount   float64 `json:"penalty_amount"`
	InterestAmount  float64 `json:"interest_amount"`
	ReductionAmount float64 `json:"reduction_amount"`
	AmountDue       float64 `json:"amount_due"`
	County          string  `json:"county"`
	Precinct        string  `json:"precinct"`
	Violation       string  `json:"violation"`
	State           string  `json:"state"`
	Plate           string  `json:"plate"`
}

// Field names used by the upstream dataset and the index.
const (
	FieldIssueDate       = "issue_date"
	FieldFineAmount      = "fine_amount"
	FieldPenaltyAmount   = "penalty_amount"
	FieldInterestAmount  = "interest_amount"
	FieldReductionAmount = "reduction_amount"
	FieldAmountDue       = "amount_due"
	FieldCounty          = "county"
	FieldPrecinct        = "precinct"
	FieldViolation       = "violation"
	FieldState           = "state"
	FieldPlate           = "plate"
)

// MissingValue is stored for string fields absent from the raw record.
const MissingValue = "Missing"

// NumericFields lists the float fields in normalization order.
var NumericFields = []string{
	FieldFineAmount,
	FieldPenaltyAmount,
	FieldInterestAmount,
	FieldReductionAmount,
	FieldAmountDue,
}

// StringFields lists the keyword fields in normalization order.
var StringFields = []string{
	FieldCounty,
	FieldPrecinct,
	FieldViolation,
	FieldState,
	FieldPlate,
}

// SetNumeric assigns one of NumericFields. Unknown names are ignored.
func (v *Violation) SetNumeric(field string, value float64) {
	switch field {
	case FieldFineAmount:
		v.FineAmount = value
	case FieldPenaltyAmount:
		v.PenaltyAmount = value
	case FieldInterestAmount:
		v.InterestAmount = value
	case FieldReductionAmount:
		v.ReductionAmount = value
	case FieldAmountDue:
		v.AmountDue = value
	}
}

// SetString assigns one of StringFields. Unknown names are ignored.
func (v *Violation) SetString(field, value string) {
	switch field {
	case FieldCounty:
		v.County = value
	case FieldPrecinct:
		v.Precinct = value
	case FieldViolation:
		v.Violation = value
	case FieldState:
		v.State = value
	case FieldPlate:
		v.Plate = value
	}
}

// IndexSchema returns the field mapping applied when the index is created.
// It covers more fields than Violation carries so the mapping stays stable
// if additional dataset columns are loaded later.
func IndexSchema() map[string]string {
	return map[string]string{
		"plate":            "keyword",
		"state":            "keyword",
		"license_type":     "keyword",
		"summons_number":   "keyword",
		"issue_date":       "date",
		"violation_time":   "keyword",
		"violation":        "keyword",
		"fine_amount":      "float",
		"penalty_amount":   "float",
		"interest_amount":  "float",
		"reduction_amount": "float",
		"payment_amount":   "float",
		"amount_due":       "float",
		"precinct":         "keyword",
		"county":           "keyword",
		"issuing_agency":   "keyword",
	}
}

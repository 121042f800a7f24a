package model

import "sort"

// Issue codes reported by the validator
const (
	CodeCustomerWrongNamespace  = "CUSTOMER_WRONG_NAMESPACE"
	CodeInvoiceCustomerMissing  = "INVOICE_CUSTOMER_MISSING"
	CodeHeaderTaxIDInvalid      = "HEADER_TAX_ID_INVALID"
	CodeHeaderBuildingInvalid   = "HEADER_BUILDING_NUMBER_INVALID"
	CodeHeaderPostalCodeInvalid = "HEADER_POSTAL_CODE_INVALID"
	CodeTaxCountryMissing       = "TAX_COUNTRY_REGION_MISSING"
	CodeTaxCountryInvalid       = "TAX_COUNTRY_REGION_INVALID"
	CodeAmountMalformed         = "AMOUNT_MALFORMED"
)

// Detail keys
const (
	DetailSuggestedValue = "suggested_value"
	DetailCurrentValue   = "current_value"
	DetailCustomerID     = "customer_id"
	DetailDocumentType   = "document_type"
	DetailDocumentID     = "document_id"
	DetailLine           = "line"
	DetailField          = "field"
	DetailReason         = "reason"
)

// Issue is a single validation finding. It is never mutated after creation.
type Issue struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// NewIssue creates an issue with its detail payload
func NewIssue(code, message string, details map[string]string) Issue {
	return Issue{Code: code, Message: message, Details: details}
}

// Detail returns a detail value or an empty string
func (i Issue) Detail(key string) string {
	if i.Details == nil {
		return ""
	}
	return i.Details[key]
}

// SuggestedValue returns the mechanically computed fix, if any
func (i Issue) SuggestedValue() (string, bool) {
	v, ok := i.Details[DetailSuggestedValue]
	return v, ok
}

// CountByCode tallies issues per code
func CountByCode(issues []Issue) map[string]int {
	counts := make(map[string]int)
	for _, is := range issues {
		counts[is.Code]++
	}
	return counts
}

// Codes returns the distinct codes in sorted order
func Codes(issues []Issue) []string {
	counts := CountByCode(issues)
	codes := make([]string, 0, len(counts))
	for c := range counts {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

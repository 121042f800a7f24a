// Package saftao provides a public API for validating and repairing SAF-T
// (AO) audit files.
//
// Example usage:
//
//	proc, err := saftao.NewProcessor(saftao.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := proc.Repair(ctx, reader)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	os.WriteFile("SAFT_v.02.xml", result.Document, 0o644)
package saftao

import (
	"github.com/rezonia/saftao/internal/audit"
	"github.com/rezonia/saftao/internal/model"
	"github.com/rezonia/saftao/internal/processor"
	"github.com/rezonia/saftao/internal/report"
)

// Re-export core types for public API
type (
	Issue        = model.Issue
	AuditEntry   = audit.Entry
	Report       = report.Report
	TypeTotals   = report.TypeTotals
	Totals       = report.Totals
	DocumentInfo = processor.DocumentInfo
)

// Re-export error types
type (
	ParseError     = model.ParseError
	RuleIndexError = model.RuleIndexError
	RepairError    = model.RepairError
)

// Re-export issue codes
const (
	CodeCustomerWrongNamespace  = model.CodeCustomerWrongNamespace
	CodeInvoiceCustomerMissing  = model.CodeInvoiceCustomerMissing
	CodeHeaderTaxIDInvalid      = model.CodeHeaderTaxIDInvalid
	CodeHeaderBuildingInvalid   = model.CodeHeaderBuildingInvalid
	CodeHeaderPostalCodeInvalid = model.CodeHeaderPostalCodeInvalid
	CodeTaxCountryMissing       = model.CodeTaxCountryMissing
	CodeTaxCountryInvalid       = model.CodeTaxCountryInvalid
	CodeAmountMalformed         = model.CodeAmountMalformed
)

// Profiles
const (
	ProfileSoft = "soft"
	ProfileHard = "hard"
)

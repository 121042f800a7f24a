package server

import (
	"time"

	"github.com/rezonia/saftao/internal/audit"
	"github.com/rezonia/saftao/internal/history"
	"github.com/rezonia/saftao/internal/model"
	"github.com/rezonia/saftao/internal/processor"
	"github.com/rezonia/saftao/internal/rules"
)

// HealthResponse is the response for the health endpoint
type HealthResponse struct {
	Status     string `json:"status"`
	Time       string `json:"time"`
	RulesError string `json:"rules_error,omitempty"`
}

// ValidationResponse is the response for the validate endpoint
type ValidationResponse struct {
	Valid         bool           `json:"valid"`
	Issues        []model.Issue  `json:"issues"`
	Counts        map[string]int `json:"counts,omitempty"`
	SchemaChecked bool           `json:"schema_checked"`
	SchemaErrors  []string       `json:"schema_errors,omitempty"`
}

// RepairResponse is the response for the repair endpoint
type RepairResponse struct {
	RunID         string        `json:"run_id"`
	Profile       string        `json:"profile"`
	Valid         bool          `json:"valid"`
	Outcome       string        `json:"outcome"`
	SchemaChecked bool          `json:"schema_checked"`
	SchemaErrors  []string      `json:"schema_errors,omitempty"`
	Changes       int           `json:"changes"`
	Customers     []string      `json:"customers_added,omitempty"`
	Balanced      bool          `json:"balanced,omitempty"`
	Digest        string        `json:"digest"`
	Entries       []audit.Entry `json:"entries"`
	Document      string        `json:"document"`
}

// InfoResponse is the response for the info endpoint
type InfoResponse struct {
	*processor.DocumentInfo
	Size int `json:"size"`
}

// RulesResponse lists the loaded rule index
type RulesResponse struct {
	Path          string       `json:"path"`
	Defaults      bool         `json:"defaults"`
	GeneratedAt   string       `json:"generated_at,omitempty"`
	SchemaVersion string       `json:"schema_version,omitempty"`
	LoadedAt      *time.Time   `json:"loaded_at,omitempty"`
	Rules         []rules.Rule `json:"rules"`
}

// RunsResponse lists stored repair runs
type RunsResponse struct {
	Runs []history.Run `json:"runs"`
}

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	RunID   string `json:"run_id,omitempty"`
}

package saftao

import (
	"context"
	"fmt"
	"io"

	"github.com/rezonia/saftao/internal/model"
	"github.com/rezonia/saftao/internal/processor"
	"github.com/rezonia/saftao/internal/repair"
	"github.com/rezonia/saftao/internal/rules"
)

// Options configures a Processor
type Options struct {
	// Profile is soft or hard (default soft)
	Profile string
	// TotalsOrder overrides the profile's DocumentTotals order: tax-first or net-first
	TotalsOrder string
	// RulesPath names the AGT rule index (env: AGT_RULES_INDEX_PATH)
	RulesPath string
	// CustomerFile names the customer export (env: BWB_SAFTAO_CUSTOMER_FILE)
	CustomerFile string
	// XSDPath names the schema (env: SAFTAO_XSD_PATH)
	XSDPath string
	// SkipSchema disables the schema gate
	SkipSchema bool
}

// DefaultOptions returns default options
func DefaultOptions() Options {
	return Options{Profile: ProfileSoft}
}

// ValidationResult is the outcome of Validate
type ValidationResult struct {
	Valid         bool
	Issues        []Issue
	SchemaChecked bool
	SchemaErrors  []string
}

// RepairResult is the outcome of Repair
type RepairResult struct {
	RunID         string
	Profile       string
	Document      []byte
	Entries       []AuditEntry
	Changes       int
	Customers     []string
	Valid         bool
	SchemaChecked bool
	SchemaErrors  []string
	Digest        string
}

// Processor validates and repairs documents
type Processor struct {
	pipeline *processor.Pipeline
	options  Options
	profile  repair.Profile
}

// NewProcessor creates a processor with the given options. The rule index
// is read once; a configured index that cannot be read is an error.
func NewProcessor(opts Options) (*Processor, error) {
	profile, err := repair.ParseProfile(opts.Profile)
	if err != nil {
		return nil, err
	}

	ix, _, err := rules.NewCache().Open(opts.RulesPath)
	if err != nil {
		return nil, err
	}

	pipelineOpts := []processor.Option{
		processor.WithRules(ix),
		processor.WithCustomerFile(opts.CustomerFile),
		processor.WithXSDPath(opts.XSDPath),
	}
	if opts.SkipSchema {
		pipelineOpts = append(pipelineOpts, processor.WithoutSchema())
	}

	return &Processor{
		pipeline: processor.NewPipeline(pipelineOpts...),
		options:  opts,
		profile:  profile,
	}, nil
}

// NewDefaultProcessor creates a processor with default options
func NewDefaultProcessor() (*Processor, error) {
	return NewProcessor(DefaultOptions())
}

func readAll(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, model.NewParseError("", "failed to read input", err)
	}
	if processor.DetectFormat(data) != processor.FormatSAFT {
		return nil, model.NewParseError("", "unsupported format: not a SAF-T AuditFile", nil)
	}
	return data, nil
}

// Validate reports the issues of a document without changing it
func (p *Processor) Validate(ctx context.Context, r io.Reader) (*ValidationResult, error) {
	data, err := readAll(r)
	if err != nil {
		return nil, err
	}
	result := p.pipeline.ValidateBytes(ctx, data)
	if result.Error != nil {
		return nil, result.Error
	}
	return &ValidationResult{
		Valid:         result.Valid(),
		Issues:        result.Issues,
		SchemaChecked: result.SchemaChecked,
		SchemaErrors:  result.SchemaErrors,
	}, nil
}

// Repair rewrites a document with the configured profile
func (p *Processor) Repair(ctx context.Context, r io.Reader) (*RepairResult, error) {
	data, err := readAll(r)
	if err != nil {
		return nil, err
	}
	result := p.pipeline.Repair(ctx, data, processor.RepairRequest{
		Profile:     p.profile,
		TotalsOrder: p.options.TotalsOrder,
	})
	if result.Error != nil {
		return nil, result.Error
	}
	return &RepairResult{
		RunID:         result.RunID,
		Profile:       string(result.Profile),
		Document:      result.Document,
		Entries:       result.Entries,
		Changes:       result.Changes,
		Customers:     result.Customers,
		Valid:         result.Valid(),
		SchemaChecked: result.SchemaChecked,
		SchemaErrors:  result.SchemaErrors,
		Digest:        result.Digest,
	}, nil
}

// RepairBatch repairs multiple inputs concurrently. Results keep the input
// order; a failed input leaves a nil result and the first error is returned.
func (p *Processor) RepairBatch(ctx context.Context, inputs []io.Reader) ([]*RepairResult, error) {
	results := make([]*RepairResult, len(inputs))
	errCh := make(chan error, len(inputs))

	for i, input := range inputs {
		go func(idx int, r io.Reader) {
			result, err := p.Repair(ctx, r)
			if err != nil {
				errCh <- fmt.Errorf("input %d: %w", idx, err)
				return
			}
			results[idx] = result
			errCh <- nil
		}(i, input)
	}

	var firstErr error
	for range inputs {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return results, firstErr
}

// Report aggregates the totals of a document
func (p *Processor) Report(ctx context.Context, r io.Reader) (*Report, error) {
	data, err := readAll(r)
	if err != nil {
		return nil, err
	}
	return p.pipeline.Report(ctx, data)
}

// Info describes a document
func (p *Processor) Info(ctx context.Context, r io.Reader) (*DocumentInfo, error) {
	data, err := readAll(r)
	if err != nil {
		return nil, err
	}
	return p.pipeline.Info(ctx, data)
}

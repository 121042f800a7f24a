// Package processor runs the validation and repair engine over raw SAF-T
// (AO) payloads and files. It is the single entry point shared by the CLI,
// the HTTP API and the public library.
package processor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/rezonia/saftao/internal/audit"
	"github.com/rezonia/saftao/internal/customers"
	"github.com/rezonia/saftao/internal/history"
	"github.com/rezonia/saftao/internal/logger"
	"github.com/rezonia/saftao/internal/metrics"
	"github.com/rezonia/saftao/internal/model"
	"github.com/rezonia/saftao/internal/ordering"
	"github.com/rezonia/saftao/internal/repair"
	"github.com/rezonia/saftao/internal/report"
	"github.com/rezonia/saftao/internal/rules"
	"github.com/rezonia/saftao/internal/saft"
	"github.com/rezonia/saftao/internal/schema"
	"github.com/rezonia/saftao/internal/validator"
)

// Format represents the detected payload format
type Format int

const (
	FormatUnknown Format = iota
	FormatSAFT
	FormatXML
)

// String returns the string representation of the format
func (f Format) String() string {
	switch f {
	case FormatSAFT:
		return "saft"
	case FormatXML:
		return "xml"
	default:
		return "unknown"
	}
}

// DetectFormat sniffs the payload. SAF-T files are XML with an AuditFile root.
func DetectFormat(data []byte) Format {
	head := bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	head = bytes.TrimLeft(head, " \t\r\n")
	if len(head) == 0 || head[0] != '<' {
		return FormatUnknown
	}
	if len(head) > 4096 {
		head = head[:4096]
	}
	if bytes.Contains(head, []byte("<AuditFile")) || bytes.Contains(head, []byte(":AuditFile")) {
		return FormatSAFT
	}
	return FormatXML
}

// RuleSource returns the rule index in effect. A nil index selects the
// built-in defaults.
type RuleSource func() (*rules.Index, error)

// Pipeline orchestrates validation, repair and reporting
type Pipeline struct {
	rules        RuleSource
	lookup       customers.Lookup
	customerFile string
	schema       schema.Validator
	xsdPath      string
	skipSchema   bool
	history      *history.Store
	clock        func() time.Time
	log          *slog.Logger

	gateOnce sync.Once
	gate     schema.Validator
	gatePath string
}

// Option configures the pipeline
type Option func(*Pipeline)

// WithRules uses a fixed rule index
func WithRules(ix *rules.Index) Option {
	return func(p *Pipeline) {
		p.rules = func() (*rules.Index, error) { return ix, nil }
	}
}

// WithRuleSource reads the rule index on every call, e.g. from a watched cache
func WithRuleSource(src RuleSource) Option {
	return func(p *Pipeline) {
		p.rules = src
	}
}

// WithCustomers sets the lookup used to import missing customers
func WithCustomers(l customers.Lookup) Option {
	return func(p *Pipeline) {
		p.lookup = l
	}
}

// WithCustomerFile names the customer export read on demand
func WithCustomerFile(path string) Option {
	return func(p *Pipeline) {
		p.customerFile = path
	}
}

// WithSchema sets the schema gate directly
func WithSchema(v schema.Validator) Option {
	return func(p *Pipeline) {
		p.schema = v
	}
}

// WithXSDPath names the schema file; empty searches the default locations
func WithXSDPath(path string) Option {
	return func(p *Pipeline) {
		p.xsdPath = path
	}
}

// WithoutSchema disables the schema gate
func WithoutSchema() Option {
	return func(p *Pipeline) {
		p.skipSchema = true
	}
}

// WithHistory stores every repair run
func WithHistory(s *history.Store) Option {
	return func(p *Pipeline) {
		p.history = s
	}
}

// WithClock sets the time source of audit logs
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.clock = now
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		p.log = l
	}
}

// NewPipeline creates a pipeline. Without options it uses the built-in
// rule defaults and searches for the schema on first use.
func NewPipeline(opts ...Option) *Pipeline {
	p := &Pipeline{}
	for _, opt := range opts {
		opt(p)
	}
	if p.rules == nil {
		p.rules = func() (*rules.Index, error) { return nil, nil }
	}
	p.log = logger.OrDefault(p.log)
	return p
}

// Rules returns the rule index in effect
func (p *Pipeline) Rules() (*rules.Index, error) {
	return p.rules()
}

// History returns the run store, nil when none is configured
func (p *Pipeline) History() *history.Store {
	return p.history
}

// Schema returns the schema gate and its path, nil when no schema is available
func (p *Pipeline) Schema() (schema.Validator, string) {
	if p.skipSchema {
		return nil, ""
	}
	if p.schema != nil {
		return p.schema, p.xsdPath
	}
	p.gateOnce.Do(func() {
		path := schema.Locate(p.xsdPath, schema.Candidates())
		if path == "" {
			p.log.Debug("pipeline.schema.missing", "explicit", p.xsdPath)
			return
		}
		p.gatePath = path
		x, err := schema.Load(path)
		if err != nil {
			p.log.Warn("pipeline.schema.load_failed", "path", path, "error", err)
			p.gate = brokenSchema{err: err}
			return
		}
		p.gate = x
	})
	return p.gate, p.gatePath
}

type brokenSchema struct {
	err error
}

func (b brokenSchema) Validate([]byte) (bool, []string) {
	return false, []string{fmt.Sprintf("XSD validation exception: %v", b.err)}
}

func (p *Pipeline) auditOptions() []audit.Option {
	if p.clock == nil {
		return nil
	}
	return []audit.Option{audit.WithClock(p.clock)}
}

// ValidationResult holds the outcome of a validation
type ValidationResult struct {
	Issues        []model.Issue
	SchemaChecked bool
	SchemaErrors  []string
	Error         error
}

// Valid reports whether the payload parsed cleanly and produced no findings
func (r *ValidationResult) Valid() bool {
	return r.Error == nil && len(r.Issues) == 0 && len(r.SchemaErrors) == 0
}

// Validate reads and validates a document
func (p *Pipeline) Validate(ctx context.Context, r io.Reader) *ValidationResult {
	data, err := io.ReadAll(r)
	if err != nil {
		return &ValidationResult{Error: fmt.Errorf("failed to read input: %w", err)}
	}
	return p.ValidateBytes(ctx, data)
}

// ValidateBytes validates a document held in memory. The schema gate runs
// on the untouched payload when a schema is available.
func (p *Pipeline) ValidateBytes(ctx context.Context, data []byte) *ValidationResult {
	started := time.Now()
	result := &ValidationResult{}
	defer func() { metrics.ObserveOperation("validate", started, result.Error) }()

	if err := ctx.Err(); err != nil {
		result.Error = err
		return result
	}

	ix, err := p.rules()
	if err != nil {
		result.Error = err
		return result
	}

	doc, err := saft.Parse(data)
	if err != nil {
		result.Error = model.NewParseError("", "invalid XML", err)
		return result
	}

	v := validator.New(validator.WithRules(ix), validator.WithLogger(p.log))
	result.Issues = v.Validate(doc)
	metrics.RecordIssues(model.CountByCode(result.Issues))

	if gate, _ := p.Schema(); gate != nil {
		result.SchemaChecked = true
		if ok, errs := gate.Validate(data); !ok {
			result.SchemaErrors = errs
		}
	}
	return result
}

// RepairRequest selects the repair profile of a run
type RepairRequest struct {
	Profile repair.Profile
	// TotalsOrder overrides the profile default when set
	TotalsOrder string
	// Source names the payload in logs and history
	Source string
}

func (p *Pipeline) repairer(req RepairRequest) (*repair.Repairer, error) {
	profile := req.Profile
	if profile == "" {
		profile = repair.Soft
	}
	ix, err := p.rules()
	if err != nil {
		return nil, err
	}
	opts := []repair.Option{
		repair.WithRules(ix),
		repair.WithLogger(p.log),
		repair.WithCustomerFile(p.customerFile),
	}
	if p.lookup != nil {
		opts = append(opts, repair.WithCustomers(p.lookup))
	}
	if req.TotalsOrder != "" {
		order, err := ordering.ParseTotalsOrder(req.TotalsOrder)
		if err != nil {
			return nil, err
		}
		opts = append(opts, repair.WithTotalsOrder(order))
	}
	return repair.New(profile, opts...), nil
}

// RepairResult holds the outcome of an in-memory repair
type RepairResult struct {
	RunID         string
	Profile       repair.Profile
	Document      []byte
	Entries       []audit.Entry
	Changes       int
	Customers     []string
	Balanced      bool
	SchemaChecked bool
	SchemaErrors  []string
	Digest        string
	Error         error
}

// Valid reports whether the repaired document passed the schema gate, or
// no gate was available
func (r *RepairResult) Valid() bool {
	return r.Error == nil && len(r.SchemaErrors) == 0
}

// Outcome names the schema result
func (r *RepairResult) Outcome() repair.Outcome {
	switch {
	case r.Error != nil:
		return repair.OutcomeFailed
	case !r.SchemaChecked:
		return repair.OutcomeUnchecked
	case len(r.SchemaErrors) > 0:
		return repair.OutcomeInvalid
	}
	return repair.OutcomeValid
}

// Repair rewrites a document held in memory and returns the repaired bytes
// with the audit entries of the run
func (p *Pipeline) Repair(ctx context.Context, data []byte, req RepairRequest) *RepairResult {
	started := time.Now()
	result := &RepairResult{Profile: req.Profile}
	defer func() { metrics.ObserveOperation("repair", started, result.Error) }()

	if err := ctx.Err(); err != nil {
		result.Error = err
		return result
	}

	r, err := p.repairer(req)
	if err != nil {
		result.Error = err
		return result
	}
	result.Profile = r.Profile()

	log := audit.NewLog(p.auditOptions()...)
	result.RunID = log.RunID()
	log.Record(audit.Entry{
		Action:  audit.ActionInfoStart,
		Message: fmt.Sprintf("Início do Auto-Fix (%s)", r.Profile()),
		Extra:   map[string]string{"xml": req.Source},
	})

	if r.Options().BalanceWorkDocuments {
		if balanced, changed := saft.BalanceWorkDocuments(data); changed {
			data = balanced
			result.Balanced = true
			log.Record(audit.Entry{
				Action:  audit.ActionFixWorkDocuments,
				Message: "Inseridos encerramentos em falta de WorkDocument antes do parse",
			})
		}
	}

	defer func() {
		result.Entries = log.Entries()
		result.Digest = log.Digest()
		p.finish(req, result, log, started)
	}()

	doc, err := saft.Parse(data)
	if err != nil {
		log.Record(audit.Entry{Action: audit.ActionXMLParseError, Message: "Falha no parse do XML", Note: err.Error()})
		result.Error = model.NewParseError(req.Source, "invalid XML", err)
		return result
	}

	res, err := r.Repair(doc, log)
	if err != nil {
		log.Record(audit.Entry{Action: audit.ActionFixError, Message: "Falha ao aplicar correcções", Note: err.Error()})
		result.Error = err
		return result
	}
	result.Changes = res.Changes
	result.Customers = res.Customers

	out, err := doc.Bytes()
	if err != nil {
		result.Error = model.NewRepairError("serialize", "failed to serialize document", err)
		return result
	}
	result.Document = out

	gate, path := p.Schema()
	if gate == nil {
		log.Record(audit.Entry{Action: audit.ActionXSDMissing, Message: "XSD não encontrado; validação XSD ignorada"})
		log.Record(audit.Entry{Action: audit.ActionInfoEnd, Message: "Fim do Auto-Fix (sem XSD)"})
		return result
	}
	result.SchemaChecked = true
	if path != "" {
		log.Record(audit.Entry{Action: audit.ActionXSDFound, Message: "XSD encontrado", NewValue: path})
	}
	if ok, errs := gate.Validate(out); !ok {
		result.SchemaErrors = schema.Truncate(errs, r.Options().ErrorLimit)
		for _, m := range result.SchemaErrors {
			log.Record(audit.Entry{Action: audit.ActionXSDError, Message: "Erro de XSD", Note: m})
		}
		log.Record(audit.Entry{Action: audit.ActionInfoEnd, Message: "Fim do Auto-Fix (XSD FAIL)"})
		return result
	}
	log.Record(audit.Entry{Action: audit.ActionInfoEnd, Message: "Fim do Auto-Fix (XSD OK)"})
	return result
}

func (p *Pipeline) finish(req RepairRequest, result *RepairResult, log *audit.Log, started time.Time) {
	actions := actionCounts(result.Entries)
	metrics.RecordRun(string(result.Profile), string(result.Outcome()))
	metrics.RecordChanges(string(result.Profile), actions)

	if p.history == nil {
		return
	}
	run := &history.Run{
		ID:           result.RunID,
		Profile:      string(result.Profile),
		TotalsOrder:  req.TotalsOrder,
		Source:       req.Source,
		Outcome:      string(result.Outcome()),
		Changes:      result.Changes,
		Actions:      actions,
		Customers:    result.Customers,
		SchemaErrors: result.SchemaErrors,
		Digest:       result.Digest,
		Started:      log.Started(),
		Finished:     log.Started().Add(time.Since(started)),
	}
	if result.Error != nil {
		run.Error = result.Error.Error()
	}
	if err := p.history.Save(run); err != nil {
		p.log.Warn("pipeline.history.save_failed", "run_id", run.ID, "error", err)
	}
}

// FileRequest selects the profile and output locations of a file run
type FileRequest struct {
	RepairRequest
	OutputDir string
	AuditDir  string
}

// RepairFile repairs the document at source and writes the versioned output
// next to it (or to OutputDir) with its audit CSV
func (p *Pipeline) RepairFile(ctx context.Context, source string, req FileRequest) (*repair.Run, error) {
	started := time.Now()
	req.Source = source

	r, err := p.repairer(req.RepairRequest)
	if err != nil {
		metrics.ObserveOperation("repair", started, err)
		return nil, err
	}

	ro := repair.RunOptions{
		OutputDir:  req.OutputDir,
		AuditDir:   req.AuditDir,
		XSDPath:    p.xsdPath,
		Schema:     p.schema,
		SkipSchema: p.skipSchema,
		Clock:      p.clock,
	}
	if ro.Schema == nil && !p.skipSchema {
		gate, path := p.Schema()
		if gate == nil {
			ro.SkipSchema = true
		} else {
			ro.Schema = gate
			ro.XSDPath = path
		}
	}

	run, err := r.RepairFile(ctx, source, ro)
	metrics.ObserveOperation("repair", started, err)
	if run == nil {
		return nil, err
	}

	result := &RepairResult{
		RunID:         run.ID,
		Profile:       run.Profile,
		Entries:       run.Log.Entries(),
		Balanced:      run.Balanced,
		SchemaChecked: run.Outcome == repair.OutcomeValid || run.Outcome == repair.OutcomeInvalid,
		SchemaErrors:  run.SchemaErrors,
		Digest:        run.Log.Digest(),
		Error:         err,
	}
	if run.Result != nil {
		result.Changes = run.Result.Changes
		result.Customers = run.Result.Customers
	}
	p.finishFile(req, run, result)
	return run, err
}

func (p *Pipeline) finishFile(req FileRequest, run *repair.Run, result *RepairResult) {
	actions := actionCounts(result.Entries)
	metrics.RecordRun(string(result.Profile), string(result.Outcome()))
	metrics.RecordChanges(string(result.Profile), actions)

	if p.history == nil {
		return
	}
	finished := run.Finished
	if finished.IsZero() {
		finished = time.Now().UTC()
	}
	rec := &history.Run{
		ID:           run.ID,
		Profile:      string(run.Profile),
		TotalsOrder:  req.TotalsOrder,
		Source:       run.Source,
		Output:       run.Output,
		AuditPath:    run.AuditPath,
		Outcome:      string(result.Outcome()),
		Changes:      result.Changes,
		Actions:      actions,
		Customers:    result.Customers,
		SchemaErrors: run.SchemaErrors,
		Digest:       result.Digest,
		Started:      run.Started,
		Finished:     finished,
	}
	if result.Error != nil {
		rec.Error = result.Error.Error()
	}
	if err := p.history.Save(rec); err != nil {
		p.log.Warn("pipeline.history.save_failed", "run_id", rec.ID, "error", err)
	}
}

func actionCounts(entries []audit.Entry) map[string]int {
	out := make(map[string]int)
	for _, e := range entries {
		if !e.Informational() {
			out[e.Action]++
		}
	}
	return out
}

// Report parses a document and aggregates its totals
func (p *Pipeline) Report(ctx context.Context, data []byte) (*report.Report, error) {
	started := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := saft.Parse(data)
	if err != nil {
		err = model.NewParseError("", "invalid XML", err)
		metrics.ObserveOperation("report", started, err)
		return nil, err
	}
	r := report.Aggregate(doc)
	metrics.ObserveOperation("report", started, nil)
	return r, nil
}

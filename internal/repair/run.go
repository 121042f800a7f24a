package repair

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rezonia/saftao/internal/audit"
	"github.com/rezonia/saftao/internal/model"
	"github.com/rezonia/saftao/internal/saft"
	"github.com/rezonia/saftao/internal/schema"
)

// RunOptions control where a file run reads and writes
type RunOptions struct {
	// OutputDir receives the versioned XML; empty means next to the source
	OutputDir string
	// AuditDir receives the audit CSV; empty means OutputDir
	AuditDir string
	// XSDPath names the schema; empty searches schema.Candidates
	XSDPath string
	// Schema overrides XSD loading
	Schema schema.Validator
	// SkipSchema disables the schema gate
	SkipSchema bool
	// Clock stamps audit rows
	Clock func() time.Time
}

// Outcome of the schema gate
type Outcome string

const (
	OutcomeValid     Outcome = "valid"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeUnchecked Outcome = "unchecked"
	OutcomeFailed    Outcome = "failed"
)

// Run describes one file repair
type Run struct {
	ID           string
	Profile      Profile
	Source       string
	Output       string
	Label        string
	AuditPath    string
	SchemaPath   string
	Outcome      Outcome
	SchemaErrors []string
	Balanced     bool
	Result       *Result
	Log          *audit.Log
	Started      time.Time
	Finished     time.Time
}

// Valid reports whether the output passed the schema gate
func (run *Run) Valid() bool {
	return run.Outcome == OutcomeValid
}

// Lines renders the console summary of the run
func (run *Run) Lines() []string {
	switch run.Outcome {
	case OutcomeValid:
		return []string{fmt.Sprintf("[OK] XML %s (válido por XSD) criado em: %s", run.Label, run.Output)}
	case OutcomeInvalid:
		lines := []string{fmt.Sprintf("[ALERTA] XML %s criado em: %s, mas NÃO passou o XSD:", run.Label, run.Output)}
		for _, m := range run.SchemaErrors {
			if strings.HasPrefix(m, "(+") {
				lines = append(lines, "   "+m)
				continue
			}
			lines = append(lines, " - "+m)
		}
		return lines
	}
	return []string{fmt.Sprintf("[OK] XML %s criado em: %s (não foi possível validar XSD)", run.Label, run.Output)}
}

// RepairFile repairs the document at source and writes the versioned
// output and the audit CSV. Parse and repair failures still write the
// audit CSV before returning the error.
func (r *Repairer) RepairFile(ctx context.Context, source string, ro RunOptions) (*Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var logOpts []audit.Option
	if ro.Clock != nil {
		logOpts = append(logOpts, audit.WithClock(ro.Clock))
	}
	log := audit.NewLog(logOpts...)
	run := &Run{
		ID:      log.RunID(),
		Profile: r.profile,
		Source:  source,
		Log:     log,
		Started: log.Started(),
	}

	outDir := ro.OutputDir
	if outDir == "" {
		outDir = filepath.Dir(source)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", outDir, err)
	}
	auditDir := ro.AuditDir
	if auditDir == "" {
		auditDir = outDir
	}
	run.AuditPath = audit.Path(source, auditDir, log.Stamp())

	log.Record(audit.Entry{
		Action:  audit.ActionInfoStart,
		Message: fmt.Sprintf("Início do Auto-Fix (%s)", r.profile),
		Extra:   map[string]string{"xml": source},
	})

	data, err := os.ReadFile(source)
	if err != nil {
		return nil, model.NewParseError(source, "cannot read file", err)
	}
	if r.opts.BalanceWorkDocuments {
		if balanced, changed := saft.BalanceWorkDocuments(data); changed {
			data = balanced
			run.Balanced = true
			log.Record(audit.Entry{
				Action:  audit.ActionFixWorkDocuments,
				Message: "Inseridos encerramentos em falta de WorkDocument antes do parse",
			})
		}
	}

	doc, err := saft.Parse(data)
	if err != nil {
		log.Record(audit.Entry{
			Action:  audit.ActionXMLParseError,
			Message: "Falha no parse do XML",
			Note:    err.Error(),
		})
		return run, r.fail(run, model.NewParseError(source, "invalid XML", err))
	}

	res, err := r.Repair(doc, log)
	if err != nil {
		log.Record(audit.Entry{
			Action:  audit.ActionFixError,
			Message: "Falha ao aplicar correcções",
			Note:    err.Error(),
		})
		return run, r.fail(run, err)
	}
	run.Result = res

	out, err := doc.Bytes()
	if err != nil {
		return run, r.fail(run, model.NewRepairError("serialize", "failed to serialize document", err))
	}

	versioned, err := schema.NextVersionPaths(source, outDir)
	if err != nil {
		return run, r.fail(run, err)
	}
	run.Label = versioned.Label

	gate := ro.Schema
	if gate != nil {
		run.SchemaPath = ro.XSDPath
	}
	if gate == nil && !ro.SkipSchema {
		if path := schema.Locate(ro.XSDPath, schema.Candidates()); path != "" {
			run.SchemaPath = path
			x, err := schema.Load(path)
			if err != nil {
				gate = failedSchema{err: err}
			} else {
				gate = x
			}
		}
	}

	switch {
	case gate == nil:
		run.Outcome = OutcomeUnchecked
		run.Output = versioned.OK
		log.Record(audit.Entry{Action: audit.ActionXSDMissing, Message: "XSD não encontrado; validação XSD ignorada"})
		log.Record(audit.Entry{Action: audit.ActionInfoEnd, Message: "Fim do Auto-Fix (sem XSD)"})
	default:
		if run.SchemaPath != "" {
			log.Record(audit.Entry{Action: audit.ActionXSDFound, Message: "XSD encontrado", NewValue: run.SchemaPath})
		}
		ok, errs := gate.Validate(out)
		if ok {
			run.Outcome = OutcomeValid
			run.Output = versioned.OK
			log.Record(audit.Entry{
				Action:  audit.ActionInfoEnd,
				Message: "Fim do Auto-Fix (XSD OK)",
				Note:    fmt.Sprintf("XML %s válido por XSD", run.Label),
			})
			break
		}
		run.Outcome = OutcomeInvalid
		run.Output = versioned.Invalid
		run.SchemaErrors = schema.Truncate(errs, r.opts.ErrorLimit)
		for _, m := range run.SchemaErrors {
			e := audit.Entry{Action: audit.ActionXSDError, Message: "Erro de XSD", Note: m}
			if strings.HasPrefix(m, "(+") {
				e.Message = "Resumo"
			}
			log.Record(e)
		}
		log.Record(audit.Entry{
			Action:  audit.ActionInfoEnd,
			Message: "Fim do Auto-Fix (XSD FAIL)",
			Note:    fmt.Sprintf("%d erros de XSD", len(errs)),
		})
	}

	if err := os.WriteFile(run.Output, out, 0o644); err != nil {
		return run, r.fail(run, fmt.Errorf("failed to write %s: %w", run.Output, err))
	}
	if err := log.WriteFile(run.AuditPath); err != nil {
		return run, err
	}
	run.Finished = time.Now().UTC()

	r.log.Info("repair.file.completed",
		"source", source,
		"output", run.Output,
		"outcome", run.Outcome,
		"changes", res.Changes,
		"audit", run.AuditPath,
	)
	return run, nil
}

// fail writes the audit CSV of an aborted run and returns err
func (r *Repairer) fail(run *Run, err error) error {
	run.Finished = time.Now().UTC()
	if werr := run.Log.WriteFile(run.AuditPath); werr != nil {
		r.log.Warn("repair.audit.write_failed", "path", run.AuditPath, "error", werr)
	}
	r.log.Error("repair.file.failed", "source", run.Source, "error", err)
	return err
}

type failedSchema struct {
	err error
}

func (f failedSchema) Validate([]byte) (bool, []string) {
	return false, []string{fmt.Sprintf("XSD validation exception: %v", f.err)}
}

// Command handlers for the pythia CLI
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agilira/go-errors"
	"github.com/agilira/orpheus/pkg/orpheus"
	"github.com/agilira/pythia"
)

// handleValidate prints every violation. A hard failure is returned as an
// error so the process exits with status 1.
func (m *Manager) handleValidate(ctx *orpheus.Context) error {
	opts, err := m.optionsFrom(ctx)
	if err != nil {
		return err
	}
	mgr, err := pythia.New(context.Background(), opts)
	if err != nil {
		if report, ok := pythia.ReportFromError(err); ok {
			m.printReport(report)
		}
		return err
	}
	defer mgr.Close()

	snap := mgr.Snapshot()
	m.printReport(snap.Report())
	for _, f := range snap.SubstitutionFailures() {
		fmt.Fprintf(m.out, "unresolved ${%s} at %s (%s)\n", f.Var, f.Path, f.Layer)
	}
	fmt.Fprintf(m.out, "valid: version %d, checksum %s\n", snap.Version(), snap.Checksum())
	return nil
}

// handleGet resolves one key. Suggestions are consulted only when at least
// one context flag is given.
func (m *Manager) handleGet(ctx *orpheus.Context) error {
	key := ctx.GetArg(0)
	if key == "" {
		return errors.New(pythia.ErrCodeInvalidKey, "usage: pythia get <key>")
	}
	opts, err := m.optionsFrom(ctx)
	if err != nil {
		return err
	}
	opts.SuggestionsFile = ctx.GetFlagString("suggestions")
	if set := ctx.GetFlagString("set"); set != "" {
		overrides, err := pythia.ParseAssignments(strings.Split(set, ","))
		if err != nil {
			return err
		}
		opts.Overrides = overrides
	}

	mgr, err := pythia.New(context.Background(), opts)
	if err != nil {
		return err
	}
	defer mgr.Close()

	var resolveOpts []pythia.ResolveOption
	sc := pythia.SuggestionContext{
		Service:       ctx.GetFlagString("service"),
		AnalysisType:  ctx.GetFlagString("analysis"),
		Industry:      ctx.GetFlagString("industry"),
		BusinessSize:  ctx.GetFlagString("size"),
		RiskTolerance: ctx.GetFlagString("risk"),
	}
	if sc.Service != "" || sc.AnalysisType != "" || sc.Industry != "" || sc.BusinessSize != "" || sc.RiskTolerance != "" {
		resolveOpts = append(resolveOpts, pythia.WithSuggestionContext(sc))
	}

	rv, err := mgr.Resolve(key, resolveOpts...)
	if err != nil {
		return err
	}
	fmt.Fprintf(m.out, "%s = %s [%s]\n", key, rv.Value.String(), rv.Provenance)
	return nil
}

func (m *Manager) handleSection(ctx *orpheus.Context) error {
	prefix := ctx.GetArg(0)
	if prefix == "" {
		return errors.New(pythia.ErrCodeInvalidKey, "usage: pythia section <prefix>")
	}
	mgr, err := m.open(ctx)
	if err != nil {
		return err
	}
	defer mgr.Close()

	section, err := mgr.GetSection(prefix)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(section, "", "  ")
	if err != nil {
		return errors.Wrap(err, pythia.ErrCodeInvalidValue, "failed to encode section")
	}
	fmt.Fprintln(m.out, string(data))
	return nil
}

func (m *Manager) handleLayers(ctx *orpheus.Context) error {
	mgr, err := m.open(ctx)
	if err != nil {
		return err
	}
	defer mgr.Close()

	snap := mgr.Snapshot()
	for _, l := range snap.Layers() {
		source := l.Source
		if source == "" {
			source = "(memory)"
		}
		fmt.Fprintf(m.out, "%-24s rank=%-3d leaves=%-4d %s\n", l.Name, l.Rank, l.Leaves, source)
	}
	fmt.Fprintf(m.out, "version %d, checksum %s\n", snap.Version(), snap.Checksum())
	return nil
}

// handleWatch runs until interrupted, or for --duration when given.
func (m *Manager) handleWatch(ctx *orpheus.Context) error {
	opts, err := m.optionsFrom(ctx)
	if err != nil {
		return err
	}
	interval, err := time.ParseDuration(ctx.GetFlagString("interval"))
	if err != nil {
		return errors.Wrap(err, pythia.ErrCodeInvalidConfig, "invalid interval")
	}
	opts.HotReload = true
	opts.PollInterval = interval
	opts.Notify = pythia.NotifyMode(ctx.GetFlagString("notify"))
	opts.ErrorHandler = func(err error, path string) {
		fmt.Fprintf(m.out, "reload rejected (%s): %v\n", pythia.ErrorCode(err), err)
		if report, ok := pythia.ReportFromError(err); ok {
			m.printReport(report)
		}
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if raw := ctx.GetFlagString("duration"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return errors.Wrap(err, pythia.ErrCodeInvalidConfig, "invalid duration")
		}
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, d)
		defer cancel()
	}

	mgr, err := pythia.New(runCtx, opts)
	if err != nil {
		return err
	}
	defer mgr.Close()

	mgr.Subscribe(func(old, snap *pythia.Snapshot) {
		fmt.Fprintf(m.out, "published version %d, checksum %s\n", snap.Version(), snap.Checksum())
	})
	if err := mgr.Start(); err != nil {
		return err
	}
	snap := mgr.Snapshot()
	fmt.Fprintf(m.out, "watching %s (version %d)\n", opts.Dir, snap.Version())

	<-runCtx.Done()
	return nil
}

func (m *Manager) open(ctx *orpheus.Context) (*pythia.Manager, error) {
	opts, err := m.optionsFrom(ctx)
	if err != nil {
		return nil, err
	}
	return pythia.New(context.Background(), opts)
}

func (m *Manager) optionsFrom(ctx *orpheus.Context) (pythia.Options, error) {
	opts := pythia.Options{
		Dir:         ctx.GetFlagString("dir"),
		Environment: ctx.GetFlagString("env"),
		SchemaFile:  ctx.GetFlagString("schema"),
		Strict:      ctx.GetFlagBool("strict"),
		Logger:      m.logger,
	}
	opts = opts.WithDefaults()
	return opts, opts.Validate()
}

func (m *Manager) printReport(report pythia.ValidationReport) {
	if len(report.Violations) == 0 {
		fmt.Fprintln(m.out, "no violations")
		return
	}
	for _, v := range report.Violations {
		fmt.Fprintf(m.out, "%-7s %-11s %s: %s\n", v.Severity, v.Kind, v.Path, v.Message)
	}
	fmt.Fprintf(m.out, "%d error(s), %d warning(s)\n", report.HardCount(), len(report.Warnings()))
}

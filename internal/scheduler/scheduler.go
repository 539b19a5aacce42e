// Package scheduler drives ledger rows from Discovered through Analyzed to Complete within a
// time-boxed pass.
//
// Rows and chunks are processed strictly in order on one goroutine. The deadline and the
// context are only consulted between rows, so a row is either fully handled in a pass or not
// touched at all. Every ledger write is staged and flushed once when the pass ends.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/naming"
	"github.com/book-expert/narration-service/internal/telemetry"
	"github.com/book-expert/narration-service/internal/wav"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Log messages.
const (
	logMsgPassStarted     = "Pass %s started with a budget of %s."
	logMsgPassFinished    = "Pass %s finished in %s: analyzed=%d completed=%d reused=%d synthesized=%d faults=%d halted=%t."
	logMsgHalted          = "Pass %s halted before row '%s' after %s."
	logMsgNoChunks        = "Analysis of '%s' yielded no chunks; row left for the next pass."
	logMsgAnalyzed        = "Analyzed '%s': %d chunk(s)."
	logMsgMismatch        = "Skipping '%s': %v. Re-analysis must be requested explicitly."
	logMsgGenerateFailed  = "Generation of '%s' stopped at chunk %d: %v"
	logMsgChunkReused     = "Reusing '%s' for chunk %d of '%s'."
	logMsgChunkUploaded   = "Uploaded '%s' (%s) for chunk %d of '%s'."
	logMsgCompleted       = "Completed '%s' with %d chunk(s)."
	logMsgWriteRowFailed  = "Failed to stage ledger update for '%s': %v"
	logMsgSourceFaultWarn = "Generation of '%s' found no chunks; row left for the next pass."
)

var (
	// ErrChunkCountMismatch indicates the source now chunks differently than when it was analyzed.
	ErrChunkCountMismatch = errors.New("chunk count mismatch")
	// ErrNoChunks indicates the chunker produced nothing for an analyzed row.
	ErrNoChunks = errors.New("chunker produced no chunks")
)

// Recorder receives per-row, per-chunk and per-pass outcomes.
type Recorder interface {
	RecordRow(ctx context.Context, stage, outcome string)
	RecordChunk(ctx context.Context, outcome string)
	RecordPass(ctx context.Context, halted bool, elapsed time.Duration)
}

// PassReport summarizes one pass.
type PassReport struct {
	PassID         string    `json:"passId"`
	StartedAt      time.Time `json:"startedAt"`
	ElapsedSeconds float64   `json:"elapsedSeconds"`
	Analyzed       int       `json:"analyzed"`
	Completed      int       `json:"completed"`
	Reused         int       `json:"reused"`
	Synthesized    int       `json:"synthesized"`
	Faults         int       `json:"faults"`
	Halted         bool      `json:"halted"`
}

// Dependencies are the collaborators of a Scheduler.
type Dependencies struct {
	Ledger      core.Ledger
	Splitter    core.Splitter
	Synthesizer core.Synthesizer
	Store       core.ObjectStore
	Resolver    *naming.Resolver
	Strategies  []naming.Strategy
	Metrics     Recorder
	Log         *logger.Logger
	Clock       Clock
}

// Scheduler runs analysis and generation passes.
type Scheduler struct {
	deps   Dependencies
	budget time.Duration
}

// New creates a Scheduler with the given per-pass budget.
func New(deps Dependencies, budget time.Duration) *Scheduler {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	if len(deps.Strategies) == 0 {
		deps.Strategies = naming.DefaultStrategies()
	}

	return &Scheduler{deps: deps, budget: budget}
}

// Run executes one pass: analysis, then generation. The returned error is only set when the
// ledger cannot be read or flushed, or the context was cancelled.
func (s *Scheduler) Run(ctx context.Context) (PassReport, error) {
	deadline := NewDeadline(s.deps.Clock, s.budget)
	report := PassReport{
		PassID:         uuid.NewString(),
		StartedAt:      deadline.Start(),
		ElapsedSeconds: 0,
		Analyzed:       0,
		Completed:      0,
		Reused:         0,
		Synthesized:    0,
		Faults:         0,
		Halted:         false,
	}

	s.deps.Log.Info(logMsgPassStarted, report.PassID, s.budget)

	runErr := s.RunAnalysis(ctx, deadline, &report)
	if runErr == nil && !report.Halted {
		runErr = s.RunGeneration(ctx, deadline, &report)
	}

	flushErr := s.deps.Ledger.Flush(context.WithoutCancel(ctx))

	elapsed := deadline.Elapsed()
	report.ElapsedSeconds = elapsed.Seconds()
	s.deps.Metrics.RecordPass(ctx, report.Halted, elapsed)
	s.deps.Log.Info(logMsgPassFinished, report.PassID, elapsed.Round(time.Millisecond),
		report.Analyzed, report.Completed, report.Reused, report.Synthesized, report.Faults, report.Halted)

	if flushErr != nil {
		return report, fmt.Errorf("flush ledger after pass %s: %w", report.PassID, flushErr)
	}

	return report, runErr
}

// RunAnalysis records chunk counts for every Discovered row.
func (s *Scheduler) RunAnalysis(ctx context.Context, deadline Deadline, report *PassReport) error {
	rows, err := s.deps.Ledger.ReadAll(ctx)
	if err != nil {
		return fmt.Errorf("read ledger for analysis: %w", err)
	}

	for _, row := range rows {
		if _, ok := row.Progress.(core.Discovered); !ok || row.SourceRef == "" {
			continue
		}

		if s.halt(ctx, deadline, row, report) {
			return ctx.Err()
		}

		s.analyzeRow(ctx, row, report)
	}

	return nil
}

// RunGeneration synthesizes the missing chunks of every Analyzed row.
func (s *Scheduler) RunGeneration(ctx context.Context, deadline Deadline, report *PassReport) error {
	rows, err := s.deps.Ledger.ReadAll(ctx)
	if err != nil {
		return fmt.Errorf("read ledger for generation: %w", err)
	}

	for _, row := range rows {
		analyzed, ok := row.Progress.(core.Analyzed)
		if !ok || analyzed.ChunkCount <= 0 {
			continue
		}

		if s.halt(ctx, deadline, row, report) {
			return ctx.Err()
		}

		s.generateRow(ctx, row, analyzed.ChunkCount, report)
	}

	return nil
}

func (s *Scheduler) halt(ctx context.Context, deadline Deadline, row core.Row, report *PassReport) bool {
	if ctx.Err() == nil && !deadline.Expired() {
		return false
	}

	report.Halted = true
	s.deps.Log.Warn(logMsgHalted, report.PassID, row.SourceRef, deadline.Elapsed().Round(time.Millisecond))

	return true
}

func (s *Scheduler) analyzeRow(ctx context.Context, row core.Row, report *PassReport) {
	chunks := s.deps.Splitter.Split(ctx, row.SourceRef)
	if len(chunks) == 0 {
		report.Faults++
		s.deps.Metrics.RecordRow(ctx, telemetry.StageAnalysis, telemetry.OutcomeFault)
		s.deps.Log.Warn(logMsgNoChunks, row.SourceRef)

		return
	}

	row.Progress = core.Analyzed{ChunkCount: len(chunks)}

	writeErr := s.deps.Ledger.WriteRow(ctx, row)
	if writeErr != nil {
		report.Faults++
		s.deps.Metrics.RecordRow(ctx, telemetry.StageAnalysis, telemetry.OutcomeFault)
		s.deps.Log.Error(logMsgWriteRowFailed, row.SourceRef, writeErr)

		return
	}

	report.Analyzed++
	s.deps.Metrics.RecordRow(ctx, telemetry.StageAnalysis, telemetry.OutcomeAdvanced)
	s.deps.Log.Info(logMsgAnalyzed, row.SourceRef, len(chunks))
}

func (s *Scheduler) generateRow(ctx context.Context, row core.Row, chunkCount int, report *PassReport) {
	chunks := s.deps.Splitter.Split(ctx, row.SourceRef)

	switch {
	case len(chunks) == 0:
		report.Faults++
		s.deps.Metrics.RecordRow(ctx, telemetry.StageGeneration, telemetry.OutcomeFault)
		s.deps.Log.Warn(logMsgSourceFaultWarn, row.SourceRef)

		return
	case len(chunks) != chunkCount:
		mismatchErr := fmt.Errorf("%w: recorded %d, found %d", ErrChunkCountMismatch, chunkCount, len(chunks))
		report.Faults++
		s.deps.Metrics.RecordRow(ctx, telemetry.StageGeneration, telemetry.OutcomeMismatch)
		s.deps.Log.Error(logMsgMismatch, row.SourceRef, mismatchErr)

		return
	}

	manifest := make(core.Manifest, 0, len(chunks))

	for ordinal, text := range chunks {
		entry, err := s.resolveChunk(ctx, row, text, ordinal, report)
		if err != nil {
			report.Faults++
			s.deps.Metrics.RecordRow(ctx, telemetry.StageGeneration, telemetry.OutcomeFault)
			s.deps.Log.Error(logMsgGenerateFailed, row.SourceRef, ordinal+1, err)

			return
		}

		manifest = append(manifest, entry)
	}

	row.Progress = core.Complete{Manifest: manifest}

	writeErr := s.deps.Ledger.WriteRow(ctx, row)
	if writeErr != nil {
		report.Faults++
		s.deps.Metrics.RecordRow(ctx, telemetry.StageGeneration, telemetry.OutcomeFault)
		s.deps.Log.Error(logMsgWriteRowFailed, row.SourceRef, writeErr)

		return
	}

	report.Completed++
	s.deps.Metrics.RecordRow(ctx, telemetry.StageGeneration, telemetry.OutcomeAdvanced)
	s.deps.Log.Info(logMsgCompleted, row.SourceRef, len(manifest))
}

// resolveChunk reuses an existing artifact under any naming strategy, or synthesizes,
// encodes and uploads a new one under the canonical name.
func (s *Scheduler) resolveChunk(
	ctx context.Context,
	row core.Row,
	text string,
	ordinal int,
	report *PassReport,
) (core.ManifestEntry, error) {
	container := row.DocumentStem()
	candidates := naming.Candidates(s.deps.Strategies, row, text, ordinal)

	existing, found, err := s.deps.Resolver.Resolve(ctx, container, candidates)
	if err != nil {
		return core.ManifestEntry{}, fmt.Errorf("resolve artifact: %w", err)
	}

	if found {
		report.Reused++
		s.deps.Metrics.RecordChunk(ctx, telemetry.OutcomeReused)
		s.deps.Log.Info(logMsgChunkReused, existing.Key, ordinal+1, row.SourceRef)

		return newEntry(text, existing), nil
	}

	pcm, err := s.deps.Synthesizer.Synthesize(ctx, text)
	if err != nil {
		return core.ManifestEntry{}, fmt.Errorf("synthesize: %w", err)
	}

	key := s.deps.Resolver.ArtifactKey(container, naming.CanonicalName(text, ordinal))

	uploaded, err := s.deps.Store.Upload(ctx, key, wav.Encode(pcm))
	if err != nil {
		return core.ManifestEntry{}, fmt.Errorf("upload artifact: %w", err)
	}

	report.Synthesized++
	s.deps.Metrics.RecordChunk(ctx, telemetry.OutcomeSynthesized)
	s.deps.Log.Info(logMsgChunkUploaded, uploaded.Key, humanize.Bytes(uploaded.Size), ordinal+1, row.SourceRef)

	return newEntry(text, uploaded), nil
}

func newEntry(text string, artifact core.Object) core.ManifestEntry {
	return core.ManifestEntry{
		Text:          text,
		AudioURL:      artifact.URL,
		AudioFilename: path.Base(artifact.Key),
	}
}

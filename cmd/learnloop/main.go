package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/vinayprograms/learnloop/internal/bm25index"
	"github.com/vinayprograms/learnloop/internal/bundle"
	"github.com/vinayprograms/learnloop/internal/config"
	"github.com/vinayprograms/learnloop/internal/evalgate"
	"github.com/vinayprograms/learnloop/internal/fusedindex"
	"github.com/vinayprograms/learnloop/internal/gatereport"
	"github.com/vinayprograms/learnloop/internal/hintpolicy"
	"github.com/vinayprograms/learnloop/internal/learningloop"
	"github.com/vinayprograms/learnloop/internal/logutil"
	"github.com/vinayprograms/learnloop/internal/store"
	"github.com/vinayprograms/learnloop/internal/trace"
	"github.com/vinayprograms/learnloop/internal/trajgate"
	"github.com/vinayprograms/learnloop/internal/tui"
	"github.com/vinayprograms/learnloop/internal/watch"
)

var version = "0.1.0"

// exitCodeError carries the spec §7 process exit code (2: gate
// failure, 3: strict family-overlap violation) alongside the
// diagnostic message printed on the error channel.
type exitCodeError struct {
	code int
	err  error
}

func (e exitCodeError) Error() string { return e.err.Error() }
func (e exitCodeError) Unwrap() error { return e.err }

func init() {
	// Loads NATS_URL / bundle credentials from a local .env, if present;
	// silent on absence, matching cmd/agent's credential-loading init().
	_ = godotenv.Load()
}

// Context carries per-invocation dependencies into each command's Run method.
type Context struct {
	Ctx context.Context
}

func main() {
	var cli CLI
	parser := kong.Must(&cli, kongVars(),
		kong.Name("learnloop"),
		kong.Description("Cross-session learning loop for coding agent traces."),
		kong.UsageOnError(),
	)

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if err := kctx.Run(&Context{Ctx: context.Background()}); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		code := 1
		var exitErr exitCodeError
		if errors.As(err, &exitErr) {
			code = exitErr.code
		}
		os.Exit(code)
	}
}

// loadConfig loads learnloop.toml from the current directory, falling
// back to documented defaults when no config file is present.
func loadConfig() *config.Config {
	cfg, err := config.LoadDefault()
	if err == nil {
		return cfg
	}
	if !errors.Is(err, fs.ErrNotExist) {
		logutil.Default.Warn("ignoring invalid config file, using defaults", map[string]any{"error": err.Error()})
	}
	return config.Default()
}

func resolveDataDir(cfg *config.Config, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	dir, err := cfg.ResolvedDataDir()
	if err != nil {
		return "", fmt.Errorf("resolve data dir: %w", err)
	}
	return dir, nil
}

// openLoop wires a trace store and learning-loop coordinator rooted at
// dataDir, bootstrapping the index and miner from whatever is already
// on disk.
func openLoop(cfg *config.Config, dataDir string) (*store.Store, *learningloop.Loop, error) {
	st, err := store.New(dataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	idxCfg := bm25index.Config{K1: cfg.Index.K1, B: cfg.Index.B, MaxQueryTerms: cfg.Index.MaxQueryTerms}
	fusedCfg := fusedindex.Config{K: cfg.Fused.RRFK, WPrimary: cfg.Fused.PrimaryWeight, WSecondary: cfg.Fused.SecondaryWeight}
	loop := learningloop.New(st, nil, nil, idxCfg, fusedCfg)

	if _, _, err := loop.BootstrapFromStore(false); err != nil {
		return nil, nil, fmt.Errorf("bootstrap from store: %w", err)
	}
	return st, loop, nil
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Run appends each JSONL line in File as a trace event.
func (c *IngestCmd) Run(rc *Context) error {
	cfg := loadConfig()
	dataDir, err := resolveDataDir(cfg, c.DataDir)
	if err != nil {
		return err
	}
	_, loop, err := openLoop(cfg, dataDir)
	if err != nil {
		return err
	}

	var r *os.File
	if c.File == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(c.File)
		if err != nil {
			return fmt.Errorf("ingest: open %s: %w", c.File, err)
		}
		defer f.Close()
		r = f
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	count := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e trace.Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return fmt.Errorf("ingest: parse line %d: %w", count+1, err)
		}
		if err := loop.Ingest(e); err != nil {
			return fmt.Errorf("ingest: event %s: %w", e.ID, err)
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("ingest: read %s: %w", c.File, err)
	}

	fmt.Fprintf(os.Stdout, "✓ ingested %d event(s)\n", count)
	return nil
}

// Run synthesizes hints for one session/prompt pair.
func (c *SuggestCmd) Run(rc *Context) error {
	cfg := loadConfig()
	dataDir, err := resolveDataDir(cfg, c.DataDir)
	if err != nil {
		return err
	}
	_, loop, err := openLoop(cfg, dataDir)
	if err != nil {
		return err
	}

	result := synthesize(rc.Ctx, loop, cfg, c.SessionID, c.Prompt)

	if c.JSON {
		return printJSON(result)
	}
	fmt.Fprint(os.Stdout, tui.RenderHints(c.SessionID, result.Hints, result.Diagnostics))
	return nil
}

func synthesize(ctx context.Context, loop *learningloop.Loop, cfg *config.Config, sessionID, prompt string) hintpolicy.Result {
	artifacts := artifactCandidates(loop.Mine(0))

	failureResults, err := loop.FailureWarningLane(ctx, learningloop.Query{
		Text:   prompt,
		Filter: trace.Filter{"eventType": trace.EventToolResult, "isError": false},
		Limit:  5,
	})
	if err != nil {
		logutil.Default.Warn("failure warning lane errored", map[string]any{"error": err.Error()})
	}
	failures := failureWarningCandidates(failureResults)

	return hintpolicy.Synthesize(ctx, loop, sessionID, prompt, artifacts, failures, hintConfig(cfg))
}

// Run lists mined wrong-turn -> fix artifacts.
func (c *MineCmd) Run(rc *Context) error {
	cfg := loadConfig()
	dataDir, err := resolveDataDir(cfg, c.DataDir)
	if err != nil {
		return err
	}
	_, loop, err := openLoop(cfg, dataDir)
	if err != nil {
		return err
	}

	artifacts := loop.Mine(c.Limit)
	if c.JSON {
		return printJSON(artifacts)
	}
	fmt.Fprint(os.Stdout, tui.RenderArtifacts(artifacts))
	return nil
}

// Run evaluates the observed A/B gate and the trajectory-outcome gate
// over every stored session.
func (c *GateCmd) Run(rc *Context) error {
	cfg := loadConfig()
	dataDir, err := resolveDataDir(cfg, c.DataDir)
	if err != nil {
		return err
	}
	_, loop, err := openLoop(cfg, dataDir)
	if err != nil {
		return err
	}

	events, err := loop.Store().Query(store.Filter{})
	if err != nil {
		return fmt.Errorf("gate: query events: %w", err)
	}

	bySession := sessionToolResults(events)
	episodes := classifiedEpisodes(bySession)
	pairs, diag := buildPairs(episodes, cfg)
	models := sessionModels(bySession)

	baseTh := evalgate.Thresholds{
		MinPairCount:                   cfg.ObservedGate.MinPairCount,
		MinRelativeDeadEndReduction:    cfg.ObservedGate.MinRelativeDeadEndReduction,
		MinRelativeWallTimeReduction:   cfg.ObservedGate.MinRelativeWallTimeReduction,
		MinRelativeTokenCountReduction: cfg.ObservedGate.MinRelativeTokenCountReduction,
		MinRelativeTokenProxyReduction: cfg.ObservedGate.MinRelativeTokenProxyReduction,
		MinRecoverySuccessRateOn:       cfg.ObservedGate.MinRecoverySuccessRateOn,
		MaxRecoverySuccessRateDrop:     cfg.ObservedGate.MaxRecoverySuccessRateDrop,
	}

	agg := evalgate.ComputeAggregate(pairs)
	result := evalgate.EvaluateGate(agg, baseTh)
	fmt.Fprint(os.Stdout, tui.RenderGate(c.Label, agg, result))

	bootstrapCfg := evalgate.BootstrapConfig{
		Samples:         cfg.Trust.BootstrapSamples,
		ConfidenceLevel: cfg.Trust.ConfidenceLevel,
		Seed:            cfg.Trust.Seed,
	}
	obsTrust := evalgate.RunBootstrap(pairs, bootstrapCfg)

	trajTh := trajgate.Thresholds{
		MinRelativeHarmfulRetryReduction: cfg.TrajectoryGate.MinRelativeHarmfulRetryReduction,
		MinJudgeableCoverage:             cfg.TrajectoryGate.MinJudgeableCoverage,
	}
	trajAgg := trajgate.ComputeAggregate(pairs)
	trajResult := trajgate.EvaluateGate(trajAgg, baseTh, trajTh)
	trajTrust := trajgate.RunBootstrap(pairs, bootstrapCfg)
	fmt.Fprint(os.Stdout, tui.RenderTrajectoryGate(c.Label, trajAgg, trajResult))

	byModel := evalgate.EvaluateStrata(evalgate.StratifyByModel(pairs, modelOf(models)), baseTh)
	byToolSurface := evalgate.EvaluateStrata(evalgate.StratifyByToolSurface(pairs), baseTh)
	byModelToolSurface := evalgate.EvaluateStrata(evalgate.StratifyByModelToolSurface(pairs, modelOf(models)), baseTh)

	if c.ReportFile != "" {
		report := gatereport.Build(gatereport.Input{
			Label:                    c.Label,
			Pairing:                  pairingConfig(cfg),
			PairingDiagnostics:       diag,
			Episodes:                 len(episodes),
			Pairs:                    pairs,
			ObservedThresholds:       baseTh,
			Observed:                 agg,
			ObservedResult:           result,
			ObservedTrust:            obsTrust,
			TrajectoryThresholds:     trajTh,
			Trajectory:               trajAgg,
			TrajectoryResult:         trajResult,
			TrajectoryTrust:          trajTrust,
			StrataByModel:            byModel,
			StrataByToolSurface:      byToolSurface,
			StrataByModelToolSurface: byModelToolSurface,
		})
		doc, err := gatereport.ToYAML(report)
		if err != nil {
			return fmt.Errorf("gate: render report: %w", err)
		}
		if err := os.WriteFile(c.ReportFile, doc, 0o644); err != nil {
			return fmt.Errorf("gate: write report: %w", err)
		}
		fmt.Fprintf(os.Stdout, "✓ wrote gate report to %s\n", c.ReportFile)
	}

	if !result.Pass || !trajResult.Pass {
		return exitCodeError{code: 2, err: fmt.Errorf("gate: one or more gates failed for %q", c.Label)}
	}
	return nil
}

// Run reports the long-horizon holdout split, family overlap and the
// family-disjoint pair lane.
func (c *HoldoutCmd) Run(rc *Context) error {
	cfg := loadConfig()
	dataDir, err := resolveDataDir(cfg, c.DataDir)
	if err != nil {
		return err
	}
	_, loop, err := openLoop(cfg, dataDir)
	if err != nil {
		return err
	}

	events, err := loop.Store().Query(store.Filter{})
	if err != nil {
		return fmt.Errorf("holdout: query events: %w", err)
	}

	bySession := sessionToolResults(events)
	episodes := classifiedEpisodes(bySession)
	pairs, _ := buildPairs(episodes, cfg)
	summaries := sessionSummaries(bySession, episodes)

	split := holdoutSplit(summaries, cfg)
	overlap := holdoutOverlap(split)
	disjoint := holdoutDisjointPairs(pairs, overlap)
	preferDisjoint := holdoutPreferDisjoint(len(disjoint), cfg)

	fmt.Fprintf(os.Stdout, "train_sessions=%d eval_sessions=%d overlap=%d/%d (%.1f%%)\n",
		len(split.Train), len(split.Eval), overlap.OverlapCount, len(overlap.EvalFamilies), overlap.OverlapRateByEvalFamilies*100)
	fmt.Fprintf(os.Stdout, "eval_pairs=%d family_disjoint_pairs=%d prefer_disjoint_lane=%v\n",
		len(pairs), len(disjoint), preferDisjoint)

	if holdoutStrictViolated(overlap, cfg) {
		return exitCodeError{code: 3, err: fmt.Errorf("holdout: strict mode violated: %d overlapping families", overlap.OverlapCount)}
	}
	return nil
}

// Run gzips and uploads one session's events to the NATS object
// store, computing the canonical duplicate-checked storage key.
func (c *ShipCmd) Run(rc *Context) error {
	cfg := loadConfig()
	dataDir, err := resolveDataDir(cfg, c.DataDir)
	if err != nil {
		return err
	}
	st, _, err := openLoop(cfg, dataDir)
	if err != nil {
		return err
	}

	events, err := st.Query(store.Filter{SessionID: c.SessionID})
	if err != nil {
		return fmt.Errorf("ship: query session %s: %w", c.SessionID, err)
	}
	if len(events) == 0 {
		return fmt.Errorf("ship: no events found for session %s", c.SessionID)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("ship: encode event %s: %w", e.ID, err)
		}
	}

	natsURL := cfg.Bundle.NATSURL
	if env := os.Getenv("NATS_URL"); env != "" {
		natsURL = env
	}

	bs, err := bundle.Connect(bundle.Config{NATSURL: natsURL, BucketPrefix: cfg.Bundle.BucketPrefix})
	if err != nil {
		return fmt.Errorf("ship: connect: %w", err)
	}
	defer bs.Close()

	result, err := bs.Put(rc.Ctx, bundle.PutRequest{
		TeamID:       c.TeamID,
		SessionID:    c.SessionID,
		Uncompressed: buf.Bytes(),
		ClientID:     c.ClientID,
		Source:       c.Source,
		UserAgent:    "learnloop-cli/" + version,
	})
	if err != nil {
		return fmt.Errorf("ship: put: %w", err)
	}

	if result.Duplicate {
		fmt.Fprintf(os.Stdout, "= bundle already stored (sha256=%s)\n", result.ContentSHA256)
	} else {
		fmt.Fprintf(os.Stdout, "✓ shipped %d event(s) (sha256=%s)\n", len(events), result.ContentSHA256)
	}
	return nil
}

// Run tails the session directory, auto-ingesting every appended
// event until interrupted.
func (c *WatchCmd) Run(rc *Context) error {
	cfg := loadConfig()
	dataDir, err := resolveDataDir(cfg, c.DataDir)
	if err != nil {
		return err
	}
	_, loop, err := openLoop(cfg, dataDir)
	if err != nil {
		return err
	}

	sessionsDir := filepath.Join(dataDir, "sessions")
	w, err := watch.New(sessionsDir, loop)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer w.Close()
	if err := w.Bootstrap(); err != nil {
		return fmt.Errorf("watch: bootstrap: %w", err)
	}

	fmt.Fprintf(os.Stdout, "watching %s (ctrl+c to stop)\n", sessionsDir)

	stop := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		close(stop)
	}()

	return w.Run(stop)
}

// Run opens the interactive report viewer: mined artifacts alone, or
// hints plus mined artifacts when SessionID/Prompt are given.
func (c *TuiCmd) Run(rc *Context) error {
	cfg := loadConfig()
	dataDir, err := resolveDataDir(cfg, c.DataDir)
	if err != nil {
		return err
	}
	_, loop, err := openLoop(cfg, dataDir)
	if err != nil {
		return err
	}

	artifacts := loop.Mine(0)
	content := tui.RenderArtifacts(artifacts)
	if c.SessionID != "" {
		result := synthesize(rc.Ctx, loop, cfg, c.SessionID, c.Prompt)
		content = tui.RenderHints(c.SessionID, result.Hints, result.Diagnostics) + "\n" + content
	}

	return tui.Run("learnloop", content)
}

// Run prints the CLI version.
func (c *VersionCmd) Run(rc *Context) error {
	fmt.Fprintf(os.Stdout, "learnloop %s\n", version)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Package main implements learnloop's terminal entry point: a thin
// kong-based CLI (grounded on cmd/agent/cli.go) over the core
// ingest/index/mine/gate/holdout/ship pipeline.
package main

import "github.com/alecthomas/kong"

// CLI is the top-level command tree.
type CLI struct {
	Ingest  IngestCmd  `cmd:"" help:"Append trace events from a JSONL file into the store."`
	Suggest SuggestCmd `cmd:"" help:"Synthesize hints for a session prompt."`
	Mine    MineCmd    `cmd:"" help:"Mine wrong-turn -> fix artifacts from stored sessions."`
	Gate    GateCmd    `cmd:"" help:"Evaluate the observed and trajectory-outcome gates over stored sessions."`
	Holdout HoldoutCmd `cmd:"" help:"Report the long-horizon holdout split and family-disjoint pair count."`
	Ship    ShipCmd    `cmd:"" help:"Ship a session's trace bundle to the NATS object store."`
	Watch   WatchCmd   `cmd:"" help:"Watch the session directory and auto-ingest appended events."`
	Tui     TuiCmd     `cmd:"" help:"Open the interactive report viewer."`
	Version VersionCmd `cmd:"" help:"Print the learnloop version."`
}

// IngestCmd appends events from a JSONL file (or stdin) into the store.
type IngestCmd struct {
	File    string `arg:"" help:"JSONL file of trace events to ingest ('-' for stdin)."`
	DataDir string `short:"d" help:"Trace store data directory, overriding config."`
}

// SuggestCmd synthesizes hints for one session/prompt pair.
type SuggestCmd struct {
	SessionID string `arg:"" help:"Session id to synthesize hints for."`
	Prompt    string `arg:"" help:"The user's current prompt text."`
	DataDir   string `short:"d" help:"Trace store data directory, overriding config."`
	JSON      bool   `help:"Print the raw JSON result instead of a rendered report."`
}

// MineCmd lists mined wrong-turn -> fix artifacts.
type MineCmd struct {
	DataDir string `short:"d" help:"Trace store data directory, overriding config."`
	Limit   int    `short:"l" default:"50" help:"Maximum number of artifacts to return (0 = no cap)."`
	JSON    bool   `help:"Print the raw JSON result instead of a rendered report."`
}

// GateCmd evaluates the observed A/B gate and the trajectory-outcome gate.
type GateCmd struct {
	DataDir    string `short:"d" help:"Trace store data directory, overriding config."`
	Label      string `short:"n" default:"session" help:"Label to print alongside the gate result."`
	ReportFile string `short:"r" help:"Write the combined gate report as YAML to this path."`
}

// HoldoutCmd reports the long-horizon holdout split and family-disjoint lane.
type HoldoutCmd struct {
	DataDir string `short:"d" help:"Trace store data directory, overriding config."`
}

// ShipCmd uploads one session's gzipped JSONL bundle to the configured
// NATS JetStream object store.
type ShipCmd struct {
	SessionID string `arg:"" help:"Session id whose bundle should be shipped."`
	TeamID    string `arg:"" help:"Destination team id (selects the object store bucket)."`
	DataDir   string `short:"d" help:"Trace store data directory, overriding config."`
	ClientID  string `short:"c" help:"Client identifier recorded in the bundle's meta.json."`
	Source    string `default:"cli" help:"Source label recorded in the bundle's meta.json."`
}

// WatchCmd tails the session directory and auto-ingests appended events.
type WatchCmd struct {
	DataDir string `short:"d" help:"Trace store data directory, overriding config."`
}

// TuiCmd opens the bubbletea report viewer.
type TuiCmd struct {
	SessionID string `arg:"" optional:"" help:"Session id to show hints for; omit to show mined artifacts only."`
	Prompt    string `short:"p" help:"Prompt text, used when SessionID is given."`
	DataDir   string `short:"d" help:"Trace store data directory, overriding config."`
}

// VersionCmd prints the CLI version.
type VersionCmd struct{}

func kongVars() kong.Vars {
	return kong.Vars{"version": version}
}

package config

import (
	"github.com/spf13/pflag"
)

// Flags holds command-line overrides. Only flags the user actually set are
// applied, so file and environment values survive unset flags.
type Flags struct {
	fs *pflag.FlagSet

	ConfigPath     string
	addr           string
	agentPath      string
	waitMode       string
	sourceTimeout  Duration
	archivePath    string
	journalDir     string
	logLevel       string
	logFormat      string
	allowedOrigins []string
}

// RegisterFlags adds the broker flags to fs.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	d := Default()

	fs.StringVarP(&f.ConfigPath, "config", "c", "", "config file (.yaml, .toml, .json or .jsonc)")
	fs.StringVar(&f.addr, "addr", d.Server.Addr, "listen address")
	fs.StringVar(&f.agentPath, "agent-path", d.Server.AgentPath, "websocket path for editor agents")
	fs.StringVar(&f.waitMode, "wait-mode", d.Session.WaitMode, "source wait mode: required, best_effort or none")
	f.sourceTimeout = d.Session.SourceTimeout
	fs.Var(&f.sourceTimeout, "source-timeout", "how long to wait for an agent to supply source")
	fs.StringVar(&f.archivePath, "archive", "", "sqlite file for session history (default in-memory)")
	fs.StringVar(&f.journalDir, "journal-dir", "", "record agent channel traffic in this directory")
	fs.StringVar(&f.logLevel, "log-level", d.Log.Level, "log level: debug, info, warn or error")
	fs.StringVar(&f.logFormat, "log-format", d.Log.Format, "log format: auto, text or json")
	fs.StringSliceVar(&f.allowedOrigins, "allowed-origin", nil, "allowed browser origin (repeatable)")
	return f
}

// Apply copies every flag the user set onto cfg.
func (f *Flags) Apply(cfg *Config) {
	if f.fs.Changed("addr") {
		cfg.Server.Addr = f.addr
	}
	if f.fs.Changed("agent-path") {
		cfg.Server.AgentPath = f.agentPath
	}
	if f.fs.Changed("wait-mode") {
		cfg.Session.WaitMode = f.waitMode
	}
	if f.fs.Changed("source-timeout") {
		cfg.Session.SourceTimeout = f.sourceTimeout
	}
	if f.fs.Changed("archive") {
		cfg.Archive.Path = f.archivePath
	}
	if f.fs.Changed("journal-dir") {
		cfg.Agent.JournalDir = f.journalDir
	}
	if f.fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if f.fs.Changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if f.fs.Changed("allowed-origin") {
		cfg.Server.AllowedOrigins = f.allowedOrigins
	}
}

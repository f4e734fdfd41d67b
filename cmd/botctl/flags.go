package main

import "time"

// GlobalFlags are shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	// Remote daemon connection; empty means act on the local runtime directly
	APIUrl     string
	APITimeout time.Duration
}

type StatusFlags struct {
	Watch    bool          // Watch mode for continuous monitoring
	Interval time.Duration // Watch interval
}

type LogsFlags struct {
	Tail int
	Open bool // open the log in the system viewer
}

type ServeFlags struct {
	Listen        string
	BasePath      string
	MetricsListen string
	AutoStart     bool
}

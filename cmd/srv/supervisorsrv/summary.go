package main

import (
	"io"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-supervisor/pkg/config"

	"github.com/olekukonko/tablewriter"
)

// writeConfigSummary renders one row per process in name order
func writeConfigSummary(w io.Writer, cfg *config.Config) error {
	table := tablewriter.NewWriter(w)
	table.Header("Name", "Command", "Restart", "Console", "Sinks", "PID File")

	for _, name := range cfg.Names() {
		def := cfg.Processes[name]

		command := def.Command
		if len(def.Args) > 0 {
			command += " " + strings.Join(def.Args, " ")
		}

		var sinks []string
		for _, path := range []string{def.LogFile, def.StdoutFile, def.StderrFile} {
			if path != "" {
				sinks = append(sinks, path)
			}
		}
		sinkColumn := "-"
		if len(sinks) > 0 {
			mode := "truncate"
			if def.Append {
				mode = "append"
			}
			sinkColumn = strings.Join(sinks, ", ") + " (" + mode + ")"
		}

		pidFile := def.PIDFile
		if pidFile == "" {
			pidFile = "-"
		}

		if err := table.Append(name, command, strconv.FormatBool(def.Restart), strconv.FormatBool(def.Console), sinkColumn, pidFile); err != nil {
			return err
		}
	}

	return table.Render()
}

// Package cli provides the pythia command-line interface.
//
// Commands:
//   - validate: load and validate the layers, print the full report
//   - get: resolve one key and print its value and provenance
//   - section: print a mapping as JSON
//   - layers: list the merged layers with version and checksum
//   - watch: run with hot reload and print every publish
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"io"
	"os"

	"github.com/agilira/orpheus/pkg/orpheus"
	"github.com/agilira/pythia"
	"go.uber.org/zap"
)

// Manager wires the pythia commands into an Orpheus application.
type Manager struct {
	app    *orpheus.App
	out    io.Writer
	logger *zap.Logger
}

// NewManager creates the CLI with all commands registered.
func NewManager() *Manager {
	app := orpheus.New("pythia").
		SetDescription("Layered configuration with validation and suggestions").
		SetVersion("1.0.0")

	m := &Manager{
		app:    app,
		out:    os.Stdout,
		logger: zap.NewNop(),
	}
	m.setupCommands()
	return m
}

// WithOutput redirects command output, mainly for tests.
func (m *Manager) WithOutput(w io.Writer) *Manager {
	m.out = w
	return m
}

// WithLogger sets the logger handed to the configuration manager.
func (m *Manager) WithLogger(logger *zap.Logger) *Manager {
	m.logger = logger
	return m
}

// Run executes the CLI with args (without the program name).
func (m *Manager) Run(args []string) error {
	return m.app.Run(args)
}

func (m *Manager) setupCommands() {
	validateCmd := orpheus.NewCommand("validate", "Validate the configuration layers").
		SetHandler(m.handleValidate)
	addSourceFlags(validateCmd)
	m.app.AddCommand(validateCmd)

	getCmd := orpheus.NewCommand("get", "Resolve a key: get <key>").
		SetHandler(m.handleGet)
	addSourceFlags(getCmd)
	getCmd.AddFlag("suggestions", "", "", "Suggestions table file").
		AddFlag("industry", "", "", "Suggestion context: industry").
		AddFlag("size", "", "", "Suggestion context: business size").
		AddFlag("risk", "", "", "Suggestion context: risk tolerance").
		AddFlag("service", "", "", "Suggestion context: service").
		AddFlag("analysis", "", "", "Suggestion context: analysis type").
		AddFlag("set", "", "", "Overrides as key=value[,key=value...]")
	m.app.AddCommand(getCmd)

	sectionCmd := orpheus.NewCommand("section", "Print a mapping as JSON: section <prefix>").
		SetHandler(m.handleSection)
	addSourceFlags(sectionCmd)
	m.app.AddCommand(sectionCmd)

	layersCmd := orpheus.NewCommand("layers", "List merged layers, version and checksum").
		SetHandler(m.handleLayers)
	addSourceFlags(layersCmd)
	m.app.AddCommand(layersCmd)

	watchCmd := orpheus.NewCommand("watch", "Hot reload and print every publish").
		SetHandler(m.handleWatch)
	addSourceFlags(watchCmd)
	watchCmd.AddFlag("interval", "i", "1s", "Polling interval").
		AddFlag("notify", "n", "poll", "Detection mode (poll|fsnotify)").
		AddFlag("duration", "", "", "Stop after this long (default: until interrupted)")
	m.app.AddCommand(watchCmd)
}

func addSourceFlags(cmd *orpheus.Command) {
	cmd.AddFlag("dir", "d", pythia.GetEnvWithDefault(pythia.EnvConfigDir, "config"), "Configuration directory").
		AddFlag("env", "e", pythia.GetEnvWithDefault(pythia.EnvEnvironment, ""), "Environment overlay").
		AddFlag("schema", "s", pythia.GetEnvWithDefault(pythia.EnvSchemaFile, ""), "Schema file").
		AddBoolFlag("strict", "", false, "Treat range and cross-field warnings as errors")
}

package storage

import "github.com/jcelliott/lumber"

// newLogger returns the package-level structured logger. lumber is the
// teacher's own declared dependency (go.mod), left unwired in the source
// repo; this wires it in as storage's lifecycle logger (open, checkpoint,
// corruption, io errors).
func newLogger() lumber.Logger {
	l := lumber.NewConsoleLogger(lumber.INFO)
	return l
}

/*
Package logging centralizes op/go-logging backend setup. Every locker
component gets a named logger from Get instead of repeating the
backend-configuration dance.
*/
package logging

import (
	"os"
	"sync"

	logging "github.com/op/go-logging"
)

var (
	once   sync.Once
	format = logging.MustStringFormatter(
		`%{color}%{time:15:04:05.000} %{shortfunc} %{level:.4s} [%{module}]%{color:reset} %{message}`,
	)
)

func configure() {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, format)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(logging.INFO, "")
	logging.SetBackend(leveled)
}

// Get returns a named logger, configuring the shared backend on first
// use.
func Get(module string) *logging.Logger {
	once.Do(configure)
	return logging.MustGetLogger(module)
}

// SetLevel adjusts verbosity for a module, or every module when module
// is "".
func SetLevel(level logging.Level, module string) {
	once.Do(configure)
	logging.SetLevel(level, module)
}

package common

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// ConfigureCommandLineLogging sets up logrus for interactive use. Log lines
// go to stderr so they never interleave with the report written to stdout.
func ConfigureCommandLineLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stderr)
}

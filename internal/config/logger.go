package config

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger. LOG_FORMAT=json or a production
// environment selects JSON output.
func (c *Config) NewLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	if c.LogFormat == "json" || c.IsProduction() {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		log.Warnf("Invalid LOG_LEVEL %q, using info", c.LogLevel)
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

package config

import (
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

var logg *logrus.Logger

func GetLogger() *logrus.Logger {
	return logg
}

func init() {
	logg = logrus.New()
	logg.SetFormatter(&logrus.JSONFormatter{})
	logg.SetLevel(logrus.InfoLevel)
	logg.SetOutput(os.Stdout)
}

// InitSentry enables error reporting when a DSN is configured. Without a
// DSN, sentry calls are no-ops, which is what local development wants.
func InitSentry() error {
	if AppConfig.SentryDSN == "" {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:         AppConfig.SentryDSN,
		Environment: AppConfig.Environment,
	})
}

package logging

import (
	"github.com/sirupsen/logrus"
)

var DefaultLogger = initDefaultLogger()

func initDefaultLogger() *logrus.Logger {
	opts := defaultLogOpts()
	logger := logrus.New()
	logger.SetLevel(opts.level)
	logger.SetReportCaller(true)
	logger.SetFormatter(opts.format.LogrusFormat())
	return logger
}

func SetLogLevel(logLevel logrus.Level) {
	DefaultLogger.SetLevel(logLevel)
}

func SetLogFormat(format LogFormat) {
	DefaultLogger.SetFormatter(format.LogrusFormat())
}

func SetupLogging(logOpts ...LogOption) {
	opts := defaultLogOpts()
	for _, opt := range logOpts {
		opt(opts)
	}

	SetLogFormat(opts.format)
	SetLogLevel(opts.level)
	DefaultLogger.SetOutput(opts.output.Writer())
}

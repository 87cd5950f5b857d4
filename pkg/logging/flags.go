package logging

import (
	"flag"

	"github.com/spf13/viper"
)

const (
	namespace  = "log"
	levelFlag  = namespace + ".level"
	formatFlag = namespace + ".format"
)

func RegisterFlags(fs *flag.FlagSet) {
	opts := defaultLogOpts()
	fs.String(levelFlag, opts.level.String(), "Log level. Available options: panic, fatal, error, info (default), warn (or warning), debug and trace.")
	fs.String(formatFlag, string(opts.format), "Log output format. Available options: text (default) and json.")
}

func SetupLoggingWithViper(v *viper.Viper) {
	SetupLogging(
		WithLogFormat(LogFormat(v.GetString(formatFlag))),
		WithLogLevel(v.GetString(levelFlag)),
	)
}

package cmd

import (
	"fmt"
	"os"

	"github.com/AdguardTeam/golibs/log"
	"github.com/caarlos0/env/v7"
)

// environments stores the values of the parsed environment variables.
type environments struct {
	CodecPassword string     `env:"CODEC_PASSWORD"`
	LogFile       string     `env:"LOGFILE"`
	ListenPort    uint16     `env:"LISTEN_PORT"`
	LogVerbose    strictBool `env:"VERBOSE" envDefault:"0"`
}

// readEnvs reads the configuration defined by the environment variables.  See
// environments.
func readEnvs() (envs *environments, err error) {
	envs = &environments{}
	err = env.Parse(envs)
	if err != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", err)
	}

	return envs, nil
}

// setUpLogger configures the logger.  The command-line options take
// precedence over the environment.
func setUpLogger(o *Options, envs *environments) (err error) {
	if o.Verbose || bool(envs.LogVerbose) {
		log.SetLevel(log.DEBUG)
	}

	logFile := envs.LogFile
	if o.LogOutput != "" {
		logFile = o.LogOutput
	}

	if logFile == "" {
		return nil
	}

	// #nosec G304 -- Trust the file path that is given by the user.
	f, err := os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}

	log.SetOutput(f)

	return nil
}

// strictBool is a type for booleans that are parsed from the environment more
// strictly than the usual bool.  It only accepts "0" and "1" as valid values.
type strictBool bool

// UnmarshalText implements the encoding.TextUnmarshaler interface for
// *strictBool.
func (sb *strictBool) UnmarshalText(b []byte) (err error) {
	const (
		strictBoolFalse = '0'
		strictBoolTrue  = '1'
	)

	if len(b) == 1 {
		switch b[0] {
		case strictBoolFalse:
			*sb = false

			return nil
		case strictBoolTrue:
			*sb = true

			return nil
		default:
			// Go on and return an error.
		}
	}

	return fmt.Errorf("invalid value %q, supported: %q, %q", b, strictBoolFalse, strictBoolTrue)
}

package cmd

import (
	"github.com/AdguardTeam/golibs/log"
	"github.com/ameshkov/tlsrelay/internal/config"
)

// applyOverrides changes cfg according to the environment and the
// command-line arguments.  The listening port is taken from the positional
// argument, then from LISTEN_PORT, then from the configuration file.
func applyOverrides(cfg *config.File, envs *environments, o *Options) {
	if cfg.Relay == nil {
		cfg.Relay = config.Default().Relay
	}

	switch {
	case o.Args.Port != 0:
		log.Debug("cmd: listen port %d from the command line", o.Args.Port)
		cfg.Relay.Port = o.Args.Port
	case envs.ListenPort != 0:
		log.Debug("cmd: listen port %d from the environment", envs.ListenPort)
		cfg.Relay.Port = envs.ListenPort
	default:
		// Go on.
	}

	if envs.CodecPassword != "" {
		if cfg.Codec == nil {
			cfg.Codec = config.Default().Codec
		}

		cfg.Codec.Password = envs.CodecPassword
	}
}

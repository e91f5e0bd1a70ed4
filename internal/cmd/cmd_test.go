package cmd

import (
	"testing"

	"github.com/ameshkov/tlsrelay/internal/config"
	"github.com/stretchr/testify/require"
)

func TestParseOptions(t *testing.T) {
	testCases := []struct {
		name     string
		wantErr  string
		args     []string
		wantPort uint16
		wantVerb bool
	}{{
		name:     "defaults",
		args:     nil,
		wantPort: 0,
	}, {
		name:     "port",
		args:     []string{"-c", "relay.yaml", "8443"},
		wantPort: 8443,
	}, {
		name:     "verbose",
		args:     []string{"-v", "-o", "relay.log"},
		wantVerb: true,
	}, {
		name:    "bad_port",
		args:    []string{"port"},
		wantErr: "port",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			o, err := parseOptions(tc.args)
			if tc.wantErr != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tc.wantErr)

				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.wantPort, o.Args.Port)
			require.Equal(t, tc.wantVerb, o.Verbose)
			require.NotEmpty(t, o.ConfigPath)
		})
	}
}

func TestReadEnvs(t *testing.T) {
	t.Setenv("LISTEN_PORT", "2000")
	t.Setenv("CODEC_PASSWORD", "secret")
	t.Setenv("VERBOSE", "1")

	envs, err := readEnvs()
	require.NoError(t, err)

	require.Equal(t, uint16(2000), envs.ListenPort)
	require.Equal(t, "secret", envs.CodecPassword)
	require.True(t, bool(envs.LogVerbose))

	t.Setenv("VERBOSE", "true")

	_, err = readEnvs()
	require.Error(t, err)
}

func TestApplyOverrides(t *testing.T) {
	testCases := []struct {
		envs     *environments
		name     string
		argPort  uint16
		wantPort uint16
		wantPass string
	}{{
		envs:     &environments{},
		name:     "config",
		wantPort: config.DefaultListenPort,
	}, {
		envs:     &environments{ListenPort: 2000, CodecPassword: "secret"},
		name:     "env",
		wantPort: 2000,
		wantPass: "secret",
	}, {
		envs:     &environments{ListenPort: 2000},
		name:     "arg",
		argPort:  3000,
		wantPort: 3000,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()

			o := &Options{}
			o.Args.Port = tc.argPort

			applyOverrides(cfg, tc.envs, o)

			require.Equal(t, tc.wantPort, cfg.Relay.Port)
			require.Equal(t, tc.wantPass, cfg.Codec.Password)
		})
	}
}

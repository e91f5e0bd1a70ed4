package cmd

import (
	"fmt"

	goFlags "github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"
)

// Options represents command-line arguments.
type Options struct {
	// ConfigPath specifies path to the configuration file.
	ConfigPath string `yaml:"config-path" short:"c" long:"config-path" description:"Path to the config file." default:"config.yaml"`

	// Verbose defines whether we should write the DEBUG-level log or not.
	Verbose bool `yaml:"verbose" short:"v" long:"verbose" description:"Verbose output (optional)." optional:"yes" optional-value:"true"`

	// LogOutput is the path to the log file.
	LogOutput string `yaml:"output" short:"o" long:"output" description:"Path to the log file. If not set, writes to stderr."`

	// Version makes the program print its version and exit.
	Version bool `yaml:"-" long:"version" description:"Print the version and exit."`

	// Args contains the positional arguments.
	Args struct {
		// Port overrides the listening port from the configuration file and
		// the environment.
		Port uint16 `yaml:"port" positional-arg-name:"port" description:"Port to listen to."`
	} `yaml:"args" positional-args:"yes"`
}

// type check
var _ fmt.Stringer = (*Options)(nil)

// String implements the fmt.Stringer interface for *Options.
func (o *Options) String() (str string) {
	b, err := yaml.Marshal(o)
	if err != nil {
		return fmt.Sprintf("Failed to stringify options due to %s", err)
	}

	return string(b)
}

// parseOptions parses args and creates the Options struct.
func parseOptions(args []string) (o *Options, err error) {
	opts := &Options{}
	parser := goFlags.NewParser(opts, goFlags.Default|goFlags.IgnoreUnknown)
	remainingArgs, err := parser.ParseArgs(args)
	if err != nil {
		return nil, err
	}

	if len(remainingArgs) > 0 {
		return nil, fmt.Errorf("unknown arguments: %v", remainingArgs)
	}

	return opts, nil
}

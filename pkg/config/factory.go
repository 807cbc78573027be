package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/distforge/distforge/pkg/executor"
	"github.com/distforge/distforge/pkg/executor/container"
	"github.com/distforge/distforge/pkg/executor/local"
	"github.com/distforge/distforge/pkg/executor/qubes"
	"github.com/distforge/distforge/pkg/executor/sshexec"
	"github.com/distforge/distforge/pkg/telemetry"
)

var optionsValidator = validator.New()

// localOptions configure the temp-dir backend.
type localOptions struct {
	Directory    string `yaml:"directory"`
	Clean        *bool  `yaml:"clean"`
	CleanOnError *bool  `yaml:"clean-on-error"`
}

// containerOptions configure the docker and podman backends.
type containerOptions struct {
	Image        string `yaml:"image"`
	User         string `yaml:"user"`
	Group        string `yaml:"group"`
	Clean        *bool  `yaml:"clean"`
	CleanOnError *bool  `yaml:"clean-on-error"`
}

// qubesOptions configure the disposable-VM backend. The tool paths
// default to the standard qrexec locations.
type qubesOptions struct {
	ClientVM     string `yaml:"client-vm"`
	RunVM        string `yaml:"run-vm"`
	Agent        string `yaml:"agent"`
	Unpacker     string `yaml:"unpacker"`
	Clean        *bool  `yaml:"clean"`
	CleanOnError *bool  `yaml:"clean-on-error"`
}

// sshOptions configure the remote build VM backend.
type sshOptions struct {
	Host                  string `yaml:"host" validate:"required"`
	Port                  int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
	User                  string `yaml:"user" validate:"required"`
	AuthMethod            string `yaml:"auth-method" validate:"omitempty,oneof=password key"`
	Password              string `yaml:"password"`
	PrivateKeyPath        string `yaml:"private-key-path"`
	PrivateKeyPassphrase  string `yaml:"private-key-passphrase"`
	KnownHostsPath        string `yaml:"known-hosts-path"`
	StrictHostKeyChecking *bool  `yaml:"strict-host-key-checking"`
	ConnectionTimeout     int    `yaml:"connection-timeout" validate:"omitempty,min=1"`
	Directory             string `yaml:"directory"`
	Clean                 *bool  `yaml:"clean"`
	CleanOnError          *bool  `yaml:"clean-on-error"`
}

// NewExecutor builds an executor backend from its configured kind and
// option map. Unknown kinds, unknown option keys and out-of-range
// values are rejected so a bad executor block fails before any stage
// runs.
func NewExecutor(kind string, options map[string]any, log *telemetry.Logger) (executor.Executor, error) {
	if log == nil {
		log = telemetry.FromContext(context.Background())
	}

	parsed, err := executor.ParseKind(kind)
	if err != nil {
		return nil, err
	}

	switch parsed {
	case executor.KindLocal:
		var opts localOptions
		if err := decodeOptions(options, &opts); err != nil {
			return nil, fmt.Errorf("local executor: %w", err)
		}
		cfg := local.DefaultConfig()
		if opts.Directory != "" {
			cfg.Directory = opts.Directory
		}
		applyCleanFlags(&cfg.Clean, &cfg.CleanOnError, opts.Clean, opts.CleanOnError)
		return local.New(cfg, log), nil

	case executor.KindDocker, executor.KindPodman:
		var opts containerOptions
		if err := decodeOptions(options, &opts); err != nil {
			return nil, fmt.Errorf("%s executor: %w", parsed, err)
		}
		cfg := container.DefaultConfig()
		cfg.Client = string(parsed)
		if opts.Image != "" {
			cfg.Image = opts.Image
		}
		if opts.User != "" {
			cfg.User = opts.User
		}
		if opts.Group != "" {
			cfg.Group = opts.Group
		}
		applyCleanFlags(&cfg.Clean, &cfg.CleanOnError, opts.Clean, opts.CleanOnError)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("%s executor: %w", parsed, err)
		}
		return container.New(cfg, log), nil

	case executor.KindQubes:
		var opts qubesOptions
		if err := decodeOptions(options, &opts); err != nil {
			return nil, fmt.Errorf("qubes executor: %w", err)
		}
		cfg := qubes.DefaultConfig()
		if opts.ClientVM != "" {
			cfg.ClientVM = opts.ClientVM
		}
		if opts.RunVM != "" {
			cfg.RunVM = opts.RunVM
		}
		if opts.Agent != "" {
			cfg.Agent = opts.Agent
		}
		if opts.Unpacker != "" {
			cfg.Unpacker = opts.Unpacker
		}
		applyCleanFlags(&cfg.Clean, &cfg.CleanOnError, opts.Clean, opts.CleanOnError)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("qubes executor: %w", err)
		}
		return qubes.New(cfg, log), nil

	case executor.KindSSH:
		var opts sshOptions
		if err := decodeOptions(options, &opts); err != nil {
			return nil, fmt.Errorf("ssh executor: %w", err)
		}
		cfg := sshexec.DefaultConfig(opts.Host, opts.User)
		if opts.Port != 0 {
			cfg.Port = opts.Port
		}
		if opts.AuthMethod != "" {
			cfg.AuthMethod = sshexec.AuthMethod(opts.AuthMethod)
		}
		cfg.Password = opts.Password
		if opts.PrivateKeyPath != "" {
			cfg.PrivateKeyPath = opts.PrivateKeyPath
		}
		cfg.PrivateKeyPassphrase = opts.PrivateKeyPassphrase
		if opts.KnownHostsPath != "" {
			cfg.KnownHostsPath = opts.KnownHostsPath
		}
		if opts.StrictHostKeyChecking != nil {
			cfg.StrictHostKeyChecking = *opts.StrictHostKeyChecking
		}
		if opts.ConnectionTimeout != 0 {
			cfg.ConnectionTimeout = time.Duration(opts.ConnectionTimeout) * time.Second
		}
		if opts.Directory != "" {
			cfg.Directory = opts.Directory
		}
		applyCleanFlags(&cfg.Clean, &cfg.CleanOnError, opts.Clean, opts.CleanOnError)
		return sshexec.New(cfg, log), nil
	}

	return nil, fmt.Errorf("unknown executor type %q", kind)
}

// decodeOptions maps an option dict onto a typed option struct. Unknown
// keys are an error, then the struct validation tags run.
func decodeOptions(options map[string]any, out any) error {
	raw, err := yaml.Marshal(options)
	if err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid options: %w", err)
	}

	if err := optionsValidator.Struct(out); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}

func applyCleanFlags(clean, cleanOnError *bool, optClean, optCleanOnError *bool) {
	if optClean != nil {
		*clean = *optClean
	}
	if optCleanOnError != nil {
		*cleanOnError = *optCleanOnError
	}
}

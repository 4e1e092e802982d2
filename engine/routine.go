package engine

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/smartcontractkit/chainlink-deployments-reconciler/chain/evm"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/deployment"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/pkg/logger"
	"github.com/smartcontractkit/chainlink-deployments-reconciler/reconcile"
)

// Env is what a configuration routine works with. Routines must send every write through
// Executor.
type Env struct {
	Registry *deployment.Registry
	Executor *reconcile.Executor
	Caller   evm.Caller
	Logger   logger.Logger
}

// Routine reconciles the configuration of one subsystem.
type Routine interface {
	Name() string
	Run(ctx context.Context, env Env) error
}

type routineFunc struct {
	name string
	fn   func(ctx context.Context, env Env) error
}

func (r routineFunc) Name() string { return r.name }

func (r routineFunc) Run(ctx context.Context, env Env) error { return r.fn(ctx, env) }

// NewRoutine returns a Routine that calls fn.
func NewRoutine(name string, fn func(ctx context.Context, env Env) error) Routine {
	return routineFunc{name: name, fn: fn}
}

// Setting is a declarative configuration step: make the value read by Read equal Expect,
// writing Args through Write when it differs. Arguments accept the same notation as
// constructor arguments, including contract references.
type Setting struct {
	Contract string `yaml:"contract"`
	Read     string `yaml:"read,omitempty"`
	ReadArgs []any  `yaml:"readArgs,omitempty"`
	// Expect is the value Read must return. Defaults to the single write argument.
	Expect  any    `yaml:"expect,omitempty"`
	Write   string `yaml:"write"`
	Args    []any  `yaml:"args,omitempty"`
	Public  bool   `yaml:"public,omitempty"`
	Comment string `yaml:"comment,omitempty"`
}

// ParseSettings decodes a YAML or JSON list of settings.
func ParseSettings(data []byte) ([]Setting, error) {
	var settings []Setting
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}

	return settings, nil
}

// SettingsRoutine returns a Routine executing settings in order.
func SettingsRoutine(name string, settings []Setting) Routine {
	return NewRoutine(name, func(ctx context.Context, env Env) error {
		for i, s := range settings {
			step, err := s.step(env)
			if err != nil {
				return fmt.Errorf("setting %d (%s.%s): %w", i, s.Contract, s.Write, err)
			}

			if _, err := env.Executor.Execute(ctx, step); err != nil {
				return err
			}
		}

		return nil
	})
}

func (s Setting) step(env Env) (reconcile.Step, error) {
	c, err := env.Registry.Contract(s.Contract)
	if err != nil {
		return reconcile.Step{}, err
	}

	resolve := deployment.AddressResolver(env.Registry.Address)
	signer := env.Executor.Signer()

	write, ok := c.ABI.Methods[s.Write]
	if !ok {
		return reconcile.Step{}, fmt.Errorf("%w: %s has no method %s", reconcile.ErrInvalidStep, c.Name, s.Write)
	}
	args, err := deployment.ConvertArgs(write.Inputs, s.Args, signer, resolve)
	if err != nil {
		return reconcile.Step{}, fmt.Errorf("write args: %w", err)
	}

	step := reconcile.Step{
		Contract:         c,
		Write:            s.Write,
		WriteArgs:        args,
		PubliclyCallable: s.Public,
		Comment:          s.Comment,
	}
	if s.Read == "" {
		return step, nil
	}

	read, ok := c.ABI.Methods[s.Read]
	if !ok {
		return reconcile.Step{}, fmt.Errorf("%w: %s has no method %s", reconcile.ErrInvalidStep, c.Name, s.Read)
	}
	if len(read.Outputs) != 1 {
		return reconcile.Step{}, fmt.Errorf("%w: %s.%s must return a single value", reconcile.ErrInvalidStep, c.Name, s.Read)
	}
	readArgs, err := deployment.ConvertArgs(read.Inputs, s.ReadArgs, signer, resolve)
	if err != nil {
		return reconcile.Step{}, fmt.Errorf("read args: %w", err)
	}

	expect := s.Expect
	if expect == nil {
		if len(s.Args) != 1 {
			return reconcile.Step{}, errors.New("expect is required when the write takes more than one argument")
		}
		expect = s.Args[0]
	}
	want, err := deployment.ConvertArgs(read.Outputs, []any{expect}, signer, resolve)
	if err != nil {
		return reconcile.Step{}, fmt.Errorf("expect: %w", err)
	}

	step.Read = s.Read
	step.ReadArgs = readArgs
	step.Expected = reconcile.Equals(want[0])

	return step, nil
}

package process

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"gopkg.in/yaml.v2"

	"github.com/G-Research/loadforge/internal/common/forgeerrors"
	"github.com/G-Research/loadforge/internal/protocol"
)

const (
	PidFileName        = "worker.pid"
	ParametersFileName = "parameters"
	StdoutFileName     = "out.log"
	StderrFileName     = "err.log"
)

// Environment variables every worker is started with.
const (
	EnvWorkerAddress = "LOADFORGE_WORKER_ADDRESS"
	EnvWorkerID      = "LOADFORGE_WORKER_ID"
	EnvWorkerType    = "LOADFORGE_WORKER_TYPE"
	EnvWorkerHome    = "LOADFORGE_WORKER_HOME"
	EnvAgentEndpoint = "LOADFORGE_WORKER_AGENTENDPOINT"
	EnvSessionID     = "LOADFORGE_WORKER_SESSIONID"
)

// WorkerParameters describes the worker to launch.
type WorkerParameters struct {
	Address    protocol.Address
	WorkerType string
	Command    string
	Args       []string
	// Env is added to the environment of the worker. Values may refer to other variables as ${NAME}.
	Env map[string]string
	// Files are written into the worker's home directory before it starts, keyed by file name.
	Files map[string]string
	// StartupTimeout overrides the launcher's default when set.
	StartupTimeout time.Duration
}

func (p WorkerParameters) validate() error {
	if p.Address.Level() != protocol.WorkerLevel || p.Address.IsWildcard() {
		return &forgeerrors.ErrInvalidArgument{Name: "address", Value: p.Address.String(), Message: "must be a concrete worker address"}
	}
	if p.Command == "" {
		return &forgeerrors.ErrInvalidArgument{Name: "command", Value: p.Command, Message: "must not be empty"}
	}
	for name := range p.Files {
		if name == "" || filepath.Base(name) != name {
			return &forgeerrors.ErrInvalidArgument{Name: "files", Value: name, Message: "must be a plain file name"}
		}
	}
	return nil
}

// parametersFile is what ends up in the parameters file of a worker's home directory.
type parametersFile struct {
	Address    string            `yaml:"address"`
	ID         string            `yaml:"id"`
	WorkerType string            `yaml:"workerType,omitempty"`
	Command    string            `yaml:"command"`
	Args       []string          `yaml:"args,omitempty"`
	Env        map[string]string `yaml:"env"`
}

func writeParameters(home string, id string, params WorkerParameters, env map[string]string) error {
	data, err := yaml.Marshal(parametersFile{
		Address:    params.Address.String(),
		ID:         id,
		WorkerType: params.WorkerType,
		Command:    params.Command,
		Args:       params.Args,
		Env:        env,
	})
	if err != nil {
		return errors.WithStack(err)
	}
	if err := os.WriteFile(filepath.Join(home, ParametersFileName), data, 0o644); err != nil {
		return errors.WithStack(err)
	}
	for name, content := range params.Files {
		if err := os.WriteFile(filepath.Join(home, name), []byte(content), 0o644); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// buildEnv returns the variables set on top of the agent's own environment: the LOADFORGE_* identity of the worker,
// the configured agent-wide variables and the per-worker ones, in increasing precedence.
func buildEnv(injected map[string]string, configured ...map[string]string) map[string]string {
	env := make(map[string]string, len(injected))
	maps.Copy(env, injected)
	lookup := func(name string) string {
		if value, ok := env[name]; ok {
			return value
		}
		return os.Getenv(name)
	}
	for _, vars := range configured {
		names := maps.Keys(vars)
		sort.Strings(names)
		for _, name := range names {
			env[name] = os.Expand(vars[name], lookup)
		}
	}
	return env
}

// environ merges env into the current process environment, in the KEY=value form exec.Cmd expects.
func environ(env map[string]string) []string {
	result := make([]string, 0, len(os.Environ())+len(env))
	for _, entry := range os.Environ() {
		name := entry
		if i := strings.IndexByte(entry, '='); i >= 0 {
			name = entry[:i]
		}
		if _, overridden := env[name]; !overridden {
			result = append(result, entry)
		}
	}
	names := maps.Keys(env)
	sort.Strings(names)
	for _, name := range names {
		result = append(result, name+"="+env[name])
	}
	return result
}

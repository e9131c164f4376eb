package supervisor

import (
	"os"
	"os/exec"

	"github.com/jmbish04/procwatch/internal/logger"
)

// Spec describes the command one supervisor instance runs.
type Spec struct {
	InstanceID string   `json:"instance_id" mapstructure:"instance_id"`
	Command    string   `json:"command" mapstructure:"command"`
	Args       []string `json:"args" mapstructure:"args"`
	WorkDir    string   `json:"work_dir" mapstructure:"work_dir"`
	Env        []string `json:"env" mapstructure:"env"`
	// Capture optionally tees raw child output to rotating files in
	// addition to the telemetry pipeline.
	Capture logger.Config `json:"capture" mapstructure:"capture"`
}

// buildCommand constructs the child command. The command is executed
// directly, never through a shell: args arrive pre-split from the CLI's
// "--" terminator, so there is nothing to word-split or expand.
func (s *Spec) buildCommand(extraEnv []string) *exec.Cmd {
	// #nosec G204 -- the supervised command is the operator's own input
	cmd := exec.Command(s.Command, s.Args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	env := os.Environ()
	env = append(env, extraEnv...)
	env = append(env, s.Env...)
	cmd.Env = env
	setSysProcAttr(cmd)
	return cmd
}

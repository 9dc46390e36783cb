package worker

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/jaakkos/codeloom/internal/domain"
)

// Variables injected into every worker's environment.
const (
	EnvWorkerName = "CODELOOM_WORKER"
	EnvWorkspace  = "CODELOOM_WORKSPACE"
)

// buildEnv constructs the environment for a worker process in three layers:
//  1. Base: the parent environment, filtered by InheritEnv globs when set
//     (a single "none" entry inherits nothing)
//  2. CODELOOM_WORKER and CODELOOM_WORKSPACE
//  3. Descriptor Env merged on top, with ${VAR} expanded from the parent
func buildEnv(d domain.WorkerDescriptor, workspace string) []string {
	parentEnv := os.Environ()
	parentMap := make(map[string]string, len(parentEnv))
	for _, e := range parentEnv {
		if k, v, ok := strings.Cut(e, "="); ok {
			parentMap[k] = v
		}
	}

	var base []string
	switch {
	case len(d.InheritEnv) == 1 && strings.EqualFold(d.InheritEnv[0], "none"):
	case len(d.InheritEnv) > 0:
		for _, e := range parentEnv {
			k, _, ok := strings.Cut(e, "=")
			if !ok {
				continue
			}
			for _, pattern := range d.InheritEnv {
				if matchEnvGlob(pattern, k) {
					base = append(base, e)
					break
				}
			}
		}
	default:
		base = append([]string(nil), parentEnv...)
	}

	base = setEnvVar(base, EnvWorkerName, d.Name)
	base = setEnvVar(base, EnvWorkspace, workspace)

	for k, v := range d.Env {
		expanded := os.Expand(v, func(key string) string {
			return parentMap[key]
		})
		base = setEnvVar(base, k, expanded)
	}
	return base
}

func setEnvVar(env []string, key, value string) []string {
	prefix := key + "="
	for i, e := range env {
		if strings.HasPrefix(e, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

func matchEnvGlob(pattern, name string) bool {
	matched, _ := filepath.Match(pattern, name)
	return matched
}

// expandCommand substitutes {workspace} and {worker} in a launch command.
func expandCommand(args []string, worker, workspace string) []string {
	replacer := strings.NewReplacer("{workspace}", workspace, "{worker}", worker)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = replacer.Replace(a)
	}
	return out
}

package worker

import (
	"reflect"
	"strings"
	"testing"

	"github.com/jaakkos/codeloom/internal/domain"
)

func TestBuildEnv_DefaultInheritsAll(t *testing.T) {
	t.Setenv("CODELOOM_TEST_PARENT", "yes")
	env := envToMap(buildEnv(domain.WorkerDescriptor{Name: "gopls"}, "/tmp/ws"))

	if env[EnvWorkerName] != "gopls" {
		t.Errorf("%s = %q, want gopls", EnvWorkerName, env[EnvWorkerName])
	}
	if env[EnvWorkspace] != "/tmp/ws" {
		t.Errorf("%s = %q, want /tmp/ws", EnvWorkspace, env[EnvWorkspace])
	}
	if env["CODELOOM_TEST_PARENT"] != "yes" {
		t.Error("expected parent variable to be inherited")
	}
}

func TestBuildEnv_InheritNone(t *testing.T) {
	t.Setenv("CODELOOM_TEST_PARENT", "yes")
	env := envToMap(buildEnv(domain.WorkerDescriptor{Name: "gopls", InheritEnv: []string{"NONE"}}, "/tmp/ws"))

	if len(env) != 2 {
		t.Errorf("got %d variables, want only the two injected ones: %v", len(env), env)
	}
	if _, ok := env["CODELOOM_TEST_PARENT"]; ok {
		t.Error("parent variable leaked with inherit_env=[none]")
	}
}

func TestBuildEnv_InheritPatterns(t *testing.T) {
	t.Setenv("TEST_GO_PROXY", "direct")
	t.Setenv("TEST_GO_FLAGS", "-mod=mod")
	t.Setenv("TEST_OTHER_VAR", "nope")

	d := domain.WorkerDescriptor{Name: "gopls", InheritEnv: []string{"TEST_GO_*"}}
	env := envToMap(buildEnv(d, "/tmp/ws"))

	if env["TEST_GO_PROXY"] != "direct" || env["TEST_GO_FLAGS"] != "-mod=mod" {
		t.Errorf("matching variables not inherited: %v", env)
	}
	if _, ok := env["TEST_OTHER_VAR"]; ok {
		t.Error("TEST_OTHER_VAR should not be inherited")
	}
	if env[EnvWorkerName] != "gopls" {
		t.Errorf("%s missing with selective inheritance", EnvWorkerName)
	}
}

func TestBuildEnv_DescriptorEnv(t *testing.T) {
	t.Setenv("TEST_EXPAND_SOURCE", "expanded")
	t.Setenv("TEST_OVERRIDE_ME", "original")

	d := domain.WorkerDescriptor{
		Name: "pylsp",
		Env: map[string]string{
			"PLAIN":            "value",
			"DERIVED":          "${TEST_EXPAND_SOURCE}",
			"MIXED":            "a_${TEST_EXPAND_SOURCE}_b",
			"MISSING":          "${TEST_NONEXISTENT_VAR_12345}",
			"TEST_OVERRIDE_ME": "overridden",
		},
	}
	env := envToMap(buildEnv(d, "/tmp/ws"))

	want := map[string]string{
		"PLAIN":            "value",
		"DERIVED":          "expanded",
		"MIXED":            "a_expanded_b",
		"MISSING":          "",
		"TEST_OVERRIDE_ME": "overridden",
	}
	for k, v := range want {
		if got, ok := env[k]; !ok || got != v {
			t.Errorf("%s = %q (present=%v), want %q", k, got, ok, v)
		}
	}
}

func TestMatchEnvGlob(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"GO*", "GOPATH", true},
		{"GO*", "GO", true},
		{"GO*", "CGO_ENABLED", false},
		{"HOME", "HOME", true},
		{"HOME", "HOMEPATH", false},
		{"*", "ANYTHING", true},
		{"LC_*", "LC_ALL", true},
		{"LC_*", "LANG", false},
	}
	for _, tt := range tests {
		if got := matchEnvGlob(tt.pattern, tt.name); got != tt.want {
			t.Errorf("matchEnvGlob(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}

func TestSetEnvVar(t *testing.T) {
	env := setEnvVar([]string{"A=1", "B=2"}, "A", "override")
	env = setEnvVar(env, "C", "3")
	want := []string{"A=override", "B=2", "C=3"}
	if !reflect.DeepEqual(env, want) {
		t.Errorf("setEnvVar = %v, want %v", env, want)
	}
}

func TestExpandCommand(t *testing.T) {
	got := expandCommand([]string{"tool", "--root={workspace}", "--name", "{worker}"}, "gopls", "/src")
	want := []string{"tool", "--root=/src", "--name", "gopls"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expandCommand = %v, want %v", got, want)
	}
}

func envToMap(env []string) map[string]string {
	m := make(map[string]string)
	for _, e := range env {
		if k, v, ok := strings.Cut(e, "="); ok {
			m[k] = v
		}
	}
	return m
}

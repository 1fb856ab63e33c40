// Package scheduler hands a pipeline run to a Slurm batch queue.
//
// The submitted script re-invokes autorun on the compute node with the same
// stage selection, so the queued job resumes exactly where the login-node
// invocation stopped.
package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"text/template"
)

// Job describes one batch submission.
type Job struct {
	Name     string
	Queue    string
	Nodes    int
	Walltime string
	GPUs     int
	Dir      string
	Output   string
	// Modules are loaded with `module load` before running.
	Modules []string
	// Args is the autorun command line run on the compute node.
	Args []string
}

var walltimeRe = regexp.MustCompile(`^(\d+-)?\d{1,3}(:\d{2}){0,2}$`)

// Validate checks the fields Slurm would otherwise reject after queueing.
func (j Job) Validate() error {
	var problems []string
	if strings.TrimSpace(j.Queue) == "" {
		problems = append(problems, "queue is required")
	}
	if j.Nodes < 0 {
		problems = append(problems, "nodes must be positive")
	}
	if j.Walltime != "" && !walltimeRe.MatchString(j.Walltime) {
		problems = append(problems, fmt.Sprintf("walltime %q is not [D-]HH[:MM[:SS]]", j.Walltime))
	}
	if len(j.Args) == 0 {
		problems = append(problems, "command is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid batch job: %s", strings.Join(problems, "; "))
	}
	return nil
}

var scriptTmpl = template.Must(template.New("sbatch").Funcs(template.FuncMap{
	"quote": shellQuote,
}).Parse(`#!/bin/bash
#SBATCH -J {{ .Name }}
#SBATCH -p {{ .Queue }}
#SBATCH -N {{ .Nodes }}
{{- if .Walltime }}
#SBATCH -t {{ .Walltime }}
{{- end }}
{{- if gt .GPUs 0 }}
#SBATCH --gres=gpu:{{ .GPUs }}
{{- end }}
{{- if .Output }}
#SBATCH -o {{ .Output }}
{{- end }}

set -euo pipefail
ulimit -s unlimited
{{- range .Modules }}
module load {{ . }}
{{- end }}
cd {{ quote .Dir }}
{{ range $i, $a := .Args }}{{ if $i }} {{ end }}{{ quote $a }}{{ end }}
`))

// Script renders the batch script.
func (j Job) Script() ([]byte, error) {
	if err := j.Validate(); err != nil {
		return nil, err
	}
	if j.Name == "" {
		j.Name = "autorun"
	}
	if j.Nodes == 0 {
		j.Nodes = 1
	}
	if j.Dir == "" {
		j.Dir = "."
	}
	var b bytes.Buffer
	if err := scriptTmpl.Execute(&b, j); err != nil {
		return nil, fmt.Errorf("render batch script: %w", err)
	}
	return b.Bytes(), nil
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '-' || r == '_' || r == '.' || r == '/' || r == '=' || r == ',' || r == ':' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Runner executes a submission command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands on the local host.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Submitter queues scripts with sbatch.
type Submitter struct {
	Binary string
	Run    Runner
}

// NewSubmitter returns a submitter using the local sbatch.
func NewSubmitter() *Submitter {
	return &Submitter{Binary: "sbatch", Run: ExecRunner}
}

var jobIDRe = regexp.MustCompile(`Submitted batch job (\d+)`)

// Submit queues scriptPath and returns the Slurm job id.
func (s *Submitter) Submit(ctx context.Context, scriptPath string) (string, error) {
	bin := s.Binary
	if bin == "" {
		bin = "sbatch"
	}
	run := s.Run
	if run == nil {
		run = ExecRunner
	}
	out, err := run(ctx, bin, scriptPath)
	text := strings.TrimSpace(string(out))
	if err != nil {
		return "", fmt.Errorf("%s failed: %w: %s", bin, err, text)
	}
	m := jobIDRe.FindStringSubmatch(text)
	if m == nil {
		return "", fmt.Errorf("unable to parse %s output: %q", bin, text)
	}
	if _, err := strconv.Atoi(m[1]); err != nil {
		return "", fmt.Errorf("bad job id %q", m[1])
	}
	return m[1], nil
}

// Package optimizer runs the optional lossless re-compression pass with
// external tools. Tool availability is probed once; a missing or failing
// tool only produces a warning.
package optimizer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/asset-pipeline/internal/model"
	"github.com/aliskhannn/asset-pipeline/internal/processor/params"
)

// Per-format thresholds on the compression slider above which the pass runs.
const (
	PNGThreshold  = 20
	JPEGThreshold = 50

	// above this pngcrush tries every filter/level combination
	bruteThreshold = 85
)

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// tool describes one external optimizer binary.
type tool struct {
	name string
	args func(compression int, progressive bool, in, out string) []string
}

var (
	pngcrush = tool{
		name: "pngcrush",
		args: func(compression int, _ bool, in, out string) []string {
			args := []string{"-q"}
			if compression > bruteThreshold {
				args = append(args, "-brute")
			}
			return append(args, in, out)
		},
	}
	jpegtran = tool{
		name: "jpegtran",
		args: func(compression int, progressive bool, in, out string) []string {
			var args []string
			if compression > JPEGThreshold {
				args = append(args, "-optimize")
			}
			if progressive {
				args = append(args, "-progressive")
			}
			return append(args, "-copy", "all", "-outfile", out, in)
		},
	}
)

// Optimizer is the capability-checked secondary pass.
type Optimizer struct {
	enabled   bool
	runner    Runner
	paths     map[string]string
	timeout   time.Duration
	workDir   string
	available map[string]bool
}

// Options configures the optimizer.
type Options struct {
	Enabled      bool
	PNGCrushPath string
	JPEGTranPath string
	Timeout      time.Duration
	WorkDir      string
}

// New probes the configured tools once and returns the optimizer.
// Tools that cannot be found are recorded as unavailable.
func New(opts Options) *Optimizer {
	return newWithRunner(opts, execRunner{}, exec.LookPath)
}

func newWithRunner(opts Options, r Runner, lookPath func(string) (string, error)) *Optimizer {
	o := &Optimizer{
		enabled:   opts.Enabled,
		runner:    r,
		paths:     map[string]string{},
		timeout:   opts.Timeout,
		workDir:   opts.WorkDir,
		available: map[string]bool{},
	}
	if o.timeout <= 0 {
		o.timeout = time.Minute
	}
	if !opts.Enabled {
		zlog.Logger.Info().Msg("secondary optimization disabled")
		return o
	}

	configured := map[string]string{
		pngcrush.name: opts.PNGCrushPath,
		jpegtran.name: opts.JPEGTranPath,
	}
	for name, p := range configured {
		if p == "" {
			p = name
		}
		resolved, err := lookPath(p)
		if err != nil {
			zlog.Logger.Warn().Str("tool", name).Msg("optimizer tool not found, pass will be skipped")
			continue
		}
		o.paths[name] = resolved
		o.available[name] = true
		zlog.Logger.Info().Str("tool", name).Str("path", resolved).Msg("optimizer tool available")
	}

	return o
}

// toolFor returns the tool for a format and its compression threshold.
func toolFor(f model.Format) (tool, int, bool) {
	switch f {
	case model.FormatPNG, model.FormatPNG8:
		return pngcrush, PNGThreshold, true
	case model.FormatJPEG:
		return jpegtran, JPEGThreshold, true
	default:
		return tool{}, 0, false
	}
}

// Available reports whether the named tool was found at probe time.
func (o *Optimizer) Available(name string) bool {
	return o.available[name]
}

// Optimize runs the pass for data when compression exceeds the format's
// threshold. A progressive encoder additionally gets the jpegtran
// progressive rewrite at any compression, when the tool is installed.
// The result is kept only when strictly smaller. The original data is
// returned with a warning on any failure.
func (o *Optimizer) Optimize(ctx context.Context, name string, enc params.Encoder, compression int, data []byte) ([]byte, bool, *model.OptimizationWarning) {
	t, threshold, ok := toolFor(enc.Format)
	if !o.enabled || !ok {
		return data, false, nil
	}

	progressive := enc.Progressive && t.name == jpegtran.name
	if compression <= threshold && !(progressive && o.available[t.name]) {
		return data, false, nil
	}

	warn := func(reason string) ([]byte, bool, *model.OptimizationWarning) {
		w := &model.OptimizationWarning{File: name, Reason: reason}
		zlog.Logger.Warn().Str("file", name).Str("tool", t.name).Msg(w.String())
		return data, false, w
	}

	if !o.available[t.name] {
		return warn(fmt.Sprintf("%s is not available", t.name))
	}

	dir, err := os.MkdirTemp(o.workDir, "optimize-*")
	if err != nil {
		return warn(fmt.Sprintf("failed to create work dir: %v", err))
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in"+filepath.Ext(name))
	out := filepath.Join(dir, "out"+filepath.Ext(name))
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return warn(fmt.Sprintf("failed to write input: %v", err))
	}

	runCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	if output, err := o.runner.Run(runCtx, o.paths[t.name], t.args(compression, progressive, in, out)...); err != nil {
		return warn(fmt.Sprintf("%s failed: %v, output: %s", t.name, err, output))
	}

	optimized, err := os.ReadFile(out)
	if err != nil {
		return warn(fmt.Sprintf("failed to read %s output: %v", t.name, err))
	}
	if len(optimized) == 0 || len(optimized) >= len(data) {
		return data, false, nil
	}

	zlog.Logger.Debug().
		Str("file", name).
		Int("before", len(data)).
		Int("after", len(optimized)).
		Msg("secondary optimization applied")

	return optimized, true, nil
}

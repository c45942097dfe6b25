package tasks

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/verifgui/verifsched/internal/config"
	"github.com/verifgui/verifsched/internal/scheduler"
	"github.com/verifgui/verifsched/internal/worker"
)

// commandDescriptor turns a declared task into a catalog entry running its
// command in the build directory.
func commandDescriptor(env Env, tc config.TaskConfig) scheduler.Descriptor {
	return scheduler.Descriptor{
		Name:         tc.Name,
		Description:  tc.Description,
		Dependencies: slices.Clone(tc.DependsOn),
		Body:         commandBody(env, tc),
		FollowOns:    slices.Clone(tc.FollowOns),
	}
}

func commandBody(env Env, tc config.TaskConfig) worker.Func {
	return func(ctx context.Context, p *worker.Proc) (worker.Output, error) {
		if len(tc.Command) == 0 {
			return worker.Output{}, fmt.Errorf("task %s has no command", tc.Name)
		}

		runCtx := ctx
		if tc.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, tc.Timeout)
			defer cancel()
		}

		dir := env.BuildDir
		if tc.Dir != "" {
			dir = filepath.Join(env.BuildDir, tc.Dir)
		}

		res, err := p.Exec(runCtx, worker.Command{
			Name: tc.Command[0],
			Args: tc.Command[1:],
			Dir:  dir,
			Env:  commandEnv(env, tc.Env),
		})
		if err != nil {
			return worker.Output{}, fmt.Errorf("run %s: %w", tc.Command[0], err)
		}

		out := worker.Output{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
		if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			if out.ExitCode == 0 {
				out.ExitCode = 1
			}
			out.Stderr = strings.TrimRight(out.Stderr, "\n") + fmt.Sprintf("\n%s timed out after %s", tc.Name, tc.Timeout)
		}
		return out, nil
	}
}

// commandEnv returns the build variables every external command sees, plus
// extra in key order.
func commandEnv(env Env, extra map[string]string) []string {
	vars := []string{
		"VERIFSCHED_BUILD=" + env.Build,
		"VERIFSCHED_BUILD_DIR=" + env.BuildDir,
		"VERIFSCHED_TOP_MODULE=" + env.Config.TopModule,
	}
	if core, err := filepath.Abs(env.Config.CoreDir); err == nil {
		vars = append(vars, "VERIFSCHED_CORE_DIR="+core)
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		vars = append(vars, k+"="+extra[k])
	}
	return vars
}

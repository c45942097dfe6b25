package tasks

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/verifgui/verifsched/internal/scheduler"
	"github.com/verifgui/verifsched/internal/status"
	"github.com/verifgui/verifsched/internal/worker"
)

// LintMessage is one located Verilator warning or error.
type LintMessage struct {
	File       string `yaml:"file"`
	Line       int    `yaml:"lineno"`
	Column     int    `yaml:"column"`
	Text       string `yaml:"text"`
	TextHash   string `yaml:"text_hash"`
	Type       string `yaml:"type"`
	Waiver     bool   `yaml:"waiver"`
	Comment    string `yaml:"comment"`
	Legitimate bool   `yaml:"legitimate"`
	Error      bool   `yaml:"error"`
}

// Groups: 1 severity, 2 -TYPE, 3 location, 4 file, 5 line, 7 column, 8 text.
var verilatorMessage = regexp.MustCompile(`%(Error|Warning)(-[A-Z0-9_]+)?: (([^\s:]+):(\d+):((\d+):)? )?(.*)`)

// ParseVerilatorOutput splits Verilator output into located messages and
// general errors that carry no file location.
func ParseVerilatorOutput(out string) (messages []LintMessage, general []string) {
	for _, m := range verilatorMessage.FindAllStringSubmatch(out, -1) {
		severity, kind, location, text := m[1], strings.TrimPrefix(m[2], "-"), m[3], m[8]

		if severity == "Error" && location == "" {
			general = append(general, text)
			continue
		}
		line, _ := strconv.Atoi(m[5])
		col, _ := strconv.Atoi(m[7])
		msg := LintMessage{
			File:     m[4],
			Line:     line,
			Column:   col,
			Text:     text,
			TextHash: textHash(text),
			Type:     kind,
			Comment:  "N/A",
			Error:    severity == "Error",
		}
		if msg.Error && msg.Type == "" {
			msg.Type = "Parse Error"
		}
		messages = append(messages, msg)
	}
	return messages, general
}

func textHash(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

func linterBody(env Env) worker.Func {
	return func(ctx context.Context, p *worker.Proc) (worker.Output, error) {
		cfg := env.Config
		p.Log("Linting design...")

		args := []string{"--lint-only", "-Wall", "--top-module", cfg.TopModule, "-f", env.path(RTLFilesList)}
		args = append(args, strings.Fields(cfg.VerilatorArgs)...)

		res, err := p.Exec(ctx, worker.Command{
			Name:  cfg.Tools.Verilator,
			Args:  args,
			Dir:   env.BuildDir,
			Label: "verilator",
		})
		if err != nil {
			return worker.Output{}, fmt.Errorf("%s could not be run, ensure it is installed and in PATH: %w", cfg.Tools.Verilator, err)
		}
		if ctx.Err() != nil {
			return worker.Output{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}, nil
		}

		messages, general := ParseVerilatorOutput(res.Stderr)
		if messages == nil {
			messages = []LintMessage{}
		}
		if err := writeYAML(env.path(LintMessagesFile), messages); err != nil {
			return worker.Output{}, err
		}
		errorsPath := env.path(LintErrorsFile)
		if len(general) > 0 {
			if err := writeYAML(errorsPath, general); err != nil {
				return worker.Output{}, err
			}
		} else if err := os.Remove(errorsPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return worker.Output{}, fmt.Errorf("remove stale %s: %w", LintErrorsFile, err)
		}

		p.Log("Linting finished! %d messages, %d general errors", len(messages), len(general))
		return worker.Output{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}, nil
	}
}

// lintOutcome passes a Verilator run that produced located messages even
// when it exits nonzero, since the messages are the product. A nonzero exit
// without any located message means the design could not be linted.
func lintOutcome(r worker.Result) scheduler.Outcome {
	messages, general := ParseVerilatorOutput(r.Stderr)

	var warnings, errs int
	for _, m := range messages {
		if m.Error {
			errs++
		} else {
			warnings++
		}
	}

	if r.ExitCode == 0 || (r.ExitCode > 0 && len(messages) > 0) {
		return scheduler.Outcome{
			Success: true,
			Message: fmt.Sprintf("Linting finished: %d warnings, %d errors", warnings, errs+len(general)),
		}
	}

	if r.Internal() {
		return scheduler.Outcome{Message: "An error was raised while linting: " + status.Tail(r.Stderr, 5)}
	}
	msg := fmt.Sprintf("Linter failed with exit code %d", r.ExitCode)
	if len(general) > 0 {
		msg += ": " + strings.Join(general, "; ")
	} else if tail := status.Tail(r.Stderr, 5); tail != "" {
		msg += ": " + tail
	}
	return scheduler.Outcome{Message: msg}
}

package tasks

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/verifgui/verifsched/internal/worker"
)

// CoverageMessage is one uncovered line of an annotated source file.
type CoverageMessage struct {
	File          string `yaml:"file"`
	Waiver        bool   `yaml:"waiver"`
	Line          int    `yaml:"lineno"`
	CovFileLine   int    `yaml:"cov_file_lineno"`
	Text          string `yaml:"text"`
	Count         int    `yaml:"count"`
	TextHash      string `yaml:"text_hash"`
	Comment       string `yaml:"comment"`
	Reviewed      bool   `yaml:"reviewed"`
	Unimplemented bool   `yaml:"unimplemented"`
}

// CoverageSummary counts annotated lines across all files.
type CoverageSummary struct {
	Uncovered int `yaml:"uncovered_count"`
	Total     int `yaml:"coverage_total"`
}

// ParseCoverageFile scans one verilator_coverage annotated source. Lines
// starting with '%' are uncovered ("%NNNNNN\tsource"); lines starting with
// '%' or ' ' count towards the total. Line numbers are mapped back to the
// original source by discounting the lines verilator inserts.
func ParseCoverageFile(name, data string) ([]CoverageMessage, CoverageSummary) {
	var msgs []CoverageMessage
	var sum CoverageSummary

	// One inserted comment line at the top, two more per coverage point.
	correction := 1
	for row, line := range strings.Split(data, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}

		covLine := strings.Contains(line, "verilator_coverage:")
		if covLine {
			correction += 2
		}

		switch line[0] {
		case '%':
			sum.Uncovered++
			sum.Total++

			countText, text, _ := strings.Cut(line, "\t")
			count, _ := strconv.Atoi(strings.TrimSpace(countText[1:]))

			lineno := row + 1 - correction
			if covLine {
				lineno = row
			}
			msgs = append(msgs, CoverageMessage{
				File:        name,
				Line:        lineno,
				CovFileLine: row + 1,
				Text:        text,
				Count:       count,
				TextHash:    textHash(text),
				Comment:     "N/A",
			})
		case ' ':
			sum.Total++
		}
	}
	return msgs, sum
}

func coverageBody(env Env) worker.Func {
	return func(ctx context.Context, p *worker.Proc) (worker.Output, error) {
		dir := env.path(CoverageDir)
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			return worker.Output{ExitCode: 1, Stderr: fmt.Sprintf("No coverage files to parse! Expected annotated sources in %s", dir)}, nil
		}
		if err != nil {
			return worker.Output{}, fmt.Errorf("list coverage files: %w", err)
		}

		messages := []CoverageMessage{}
		var total CoverageSummary
		for _, e := range entries {
			if ctx.Err() != nil {
				return worker.Output{ExitCode: -1, Stderr: "coverage parsing interrupted"}, nil
			}
			if !e.Type().IsRegular() {
				continue
			}

			path := filepath.Join(dir, e.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				return worker.Output{}, fmt.Errorf("read %s: %w", path, err)
			}
			msgs, sum := ParseCoverageFile(path, string(data))
			messages = append(messages, msgs...)
			total.Uncovered += sum.Uncovered
			total.Total += sum.Total
			p.Log("%s: %d of %d lines uncovered", e.Name(), sum.Uncovered, sum.Total)
		}

		if err := writeYAML(env.path(CoverageMessagesFile), messages); err != nil {
			return worker.Output{}, err
		}
		if err := writeYAML(env.path(CoverageSummaryFile), total); err != nil {
			return worker.Output{}, err
		}

		summary := fmt.Sprintf("%d of %d annotated lines uncovered", total.Uncovered, total.Total)
		p.Log("Finished! %s", summary)
		return worker.Output{Stdout: summary}, nil
	}
}

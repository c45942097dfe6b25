package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/verifgui/verifsched/internal/worker"
)

// ErrTopModuleMissing is returned when the hierarchy has no tree for the top module.
var ErrTopModuleMissing = errors.New("top module not found in hierarchy tree")

func parserBody(env Env) worker.Func {
	return func(ctx context.Context, p *worker.Proc) (worker.Output, error) {
		cfg := env.Config
		p.Log("Parsing RTL...")

		args := []string{cfg.TopModule, "--top_module"}
		for _, dir := range cfg.RTLPaths() {
			abs, err := filepath.Abs(dir)
			if err != nil {
				return worker.Output{}, fmt.Errorf("resolve rtl dir %s: %w", dir, err)
			}
			args = append(args, "--include", abs)
		}
		args = append(args, strings.Fields(cfg.ParseArgs)...)

		res, err := p.Exec(ctx, worker.Command{
			Name:  cfg.Tools.Parser,
			Args:  args,
			Dir:   env.BuildDir,
			Label: "parser",
		})
		if err != nil {
			return worker.Output{}, fmt.Errorf("%s could not be run, ensure it is installed and in PATH: %w", cfg.Tools.Parser, err)
		}
		if res.ExitCode != 0 {
			p.Log("Parsing failed...")
			return worker.Output{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}, nil
		}

		files, err := RTLFileList(env.parseDir(), cfg.TopModule)
		if err != nil {
			p.Log("Parsing failed...")
			return worker.Output{ExitCode: 1, Stdout: res.Stdout, Stderr: err.Error()}, nil
		}
		data := []byte(strings.Join(files, "\n"))
		if err := writeFileAtomic(env.path(RTLFilesList), data); err != nil {
			return worker.Output{}, err
		}

		p.Log("Parsing succeeded! %d files in %s", len(files), RTLFilesList)
		return worker.Output{Stdout: res.Stdout, Stderr: res.Stderr}, nil
	}
}

// RTLFileList builds the linter's file list from the parser outputs in dir:
// every package, then every interface, then every module reachable from top
// in the hierarchy tree. Paths keep document order, appear once, and use
// forward slashes. Modules without a source entry (vendor primitives) are
// skipped.
func RTLFileList(dir, top string) ([]string, error) {
	var docs [4]yaml.Node
	for i, name := range []string{"sv_modules.yaml", "sv_hierarchy.yaml", "sv_packages.yaml", "sv_interfaces.yaml"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read parser output: %w", err)
		}
		if err := yaml.Unmarshal(data, &docs[i]); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
	}
	modules, hierarchy, packages, interfaces := root(&docs[0]), root(&docs[1]), root(&docs[2]), root(&docs[3])

	topEntry := lookup(hierarchy, top)
	if topEntry == nil {
		return nil, fmt.Errorf("'%s': %w (sv_hierarchy.yaml)", top, ErrTopModuleMissing)
	}

	var files []string
	add := func(path string) {
		if path == "" {
			return
		}
		path = filepath.ToSlash(path)
		if !slices.Contains(files, path) {
			files = append(files, path)
		}
	}

	for _, entry := range values(packages) {
		add(scalar(lookup(entry, "path")))
	}
	for _, entry := range values(interfaces) {
		add(scalar(lookup(entry, "path")))
	}
	for _, name := range treeModules(lookup(topEntry, "tree")) {
		add(scalar(lookup(lookup(modules, name), "path")))
	}
	return files, nil
}

// treeModules lists the keys of one tree level, then the modules below each
// branch in turn.
func treeModules(tree *yaml.Node) []string {
	if tree == nil || tree.Kind != yaml.MappingNode {
		return nil
	}
	var out []string
	for i := 0; i+1 < len(tree.Content); i += 2 {
		out = append(out, tree.Content[i].Value)
	}
	for i := 0; i+1 < len(tree.Content); i += 2 {
		out = append(out, treeModules(tree.Content[i+1])...)
	}
	return out
}

func root(doc *yaml.Node) *yaml.Node {
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		return doc.Content[0]
	}
	return nil
}

func lookup(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func values(m *yaml.Node) []*yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	out := make([]*yaml.Node, 0, len(m.Content)/2)
	for i := 1; i < len(m.Content); i += 2 {
		out = append(out, m.Content[i])
	}
	return out
}

func scalar(n *yaml.Node) string {
	if n == nil || n.Kind != yaml.ScalarNode {
		return ""
	}
	return n.Value
}

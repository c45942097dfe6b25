package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// RTLDir is one RTL source directory handed to the parser.
type RTLDir struct {
	Path    string `yaml:"path"`
	Recurse bool   `yaml:"recurse"`
}

// RTLDirs accepts the three layouts project files use:
//
//	rtl_dirs: [rtl, ip]
//	rtl_dirs: [{rtl: {recurse: false}}, ip]
//	rtl_dirs: {rtl: {recurse: false}, ip: {}}
//
// Recurse defaults to true.
type RTLDirs []RTLDir

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *RTLDirs) UnmarshalYAML(node *yaml.Node) error {
	var out RTLDirs

	switch node.Kind {
	case yaml.SequenceNode:
		for _, item := range node.Content {
			switch item.Kind {
			case yaml.ScalarNode:
				out = append(out, RTLDir{Path: item.Value, Recurse: true})
			case yaml.MappingNode:
				dirs, err := rtlDirsFromMapping(item)
				if err != nil {
					return err
				}
				out = append(out, dirs...)
			default:
				return fmt.Errorf("line %d: rtl_dirs entry must be a path or a mapping", item.Line)
			}
		}
	case yaml.MappingNode:
		dirs, err := rtlDirsFromMapping(node)
		if err != nil {
			return err
		}
		out = dirs
	case yaml.ScalarNode:
		if node.Tag != "!!null" {
			out = RTLDirs{{Path: node.Value, Recurse: true}}
		}
	default:
		return fmt.Errorf("line %d: rtl_dirs must be a list or a mapping", node.Line)
	}

	*d = out
	return nil
}

// MarshalYAML writes the canonical list-of-mappings layout.
func (d RTLDirs) MarshalYAML() (any, error) {
	out := make([]map[string]map[string]bool, 0, len(d))
	for _, dir := range d {
		out = append(out, map[string]map[string]bool{dir.Path: {"recurse": dir.Recurse}})
	}
	return out, nil
}

func rtlDirsFromMapping(node *yaml.Node) (RTLDirs, error) {
	var out RTLDirs
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]

		opts := struct {
			Recurse *bool `yaml:"recurse"`
		}{}
		if val.Kind == yaml.MappingNode {
			if err := val.Decode(&opts); err != nil {
				return nil, fmt.Errorf("rtl_dirs %s: %w", key.Value, err)
			}
		}

		dir := RTLDir{Path: key.Value, Recurse: true}
		if opts.Recurse != nil {
			dir.Recurse = *opts.Recurse
		}
		out = append(out, dir)
	}
	return out, nil
}

// ToolsConfig names the external executables.
type ToolsConfig struct {
	Parser    string `yaml:"parser" env:"PARSER"`
	Verilator string `yaml:"verilator" env:"VERILATOR"`
}

// RegressionTest is one command run by the Regression task.
type RegressionTest struct {
	Name    string            `yaml:"name"`
	Command []string          `yaml:"command"`
	Dir     string            `yaml:"dir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
}

// RegressionConfig configures the Regression task.
type RegressionConfig struct {
	Threads int              `yaml:"threads" env:"THREADS"`
	Tests   []RegressionTest `yaml:"tests,omitempty"`
}

// TaskConfig declares an additional external-tool task.
type TaskConfig struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	DependsOn   []string          `yaml:"depends_on,omitempty"`
	Command     []string          `yaml:"command"`
	Dir         string            `yaml:"dir,omitempty"` // relative to the build directory
	Env         map[string]string `yaml:"env,omitempty"`
	FollowOns   []string          `yaml:"follow_ons,omitempty"`
	Timeout     time.Duration     `yaml:"timeout,omitempty"`
}

// StatusConfig selects the status store.
type StatusConfig struct {
	Backend       string `yaml:"backend" env:"BACKEND"` // "sqlite" or "file"
	RedisAddr     string `yaml:"redis_addr,omitempty" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password,omitempty" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db,omitempty" env:"REDIS_DB"`
	RedisPrefix   string `yaml:"redis_prefix,omitempty" env:"REDIS_PREFIX"`
}

// LogConfig configures zerolog output.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // "console" or "json"
}

// APIConfig configures `verifsched serve`.
type APIConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

// Config is the top-level project configuration. It is loaded once and not
// modified afterwards.
type Config struct {
	RepoName      string  `yaml:"repo_name" env:"REPO_NAME"`
	TopModule     string  `yaml:"top_module" env:"TOP_MODULE"`
	CoreDir       string  `yaml:"core_dir" env:"CORE_DIR"`
	WorkingDir    string  `yaml:"working_dir" env:"WORKING_DIR"`
	RTLDirs       RTLDirs `yaml:"rtl_dirs,omitempty"`
	ParseArgs     string  `yaml:"parse_args,omitempty" env:"PARSE_ARGS"`
	VerilatorArgs string  `yaml:"verilator_args,omitempty" env:"VERILATOR_ARGS"`
	Build         string  `yaml:"build" env:"BUILD"`

	Tools      ToolsConfig      `yaml:"tools" envPrefix:"TOOLS_"`
	Regression RegressionConfig `yaml:"regression" envPrefix:"REGRESSION_"`
	Tasks      []TaskConfig     `yaml:"tasks,omitempty"`
	Status     StatusConfig     `yaml:"status" envPrefix:"STATUS_"`
	Log        LogConfig        `yaml:"log" envPrefix:"LOG_"`
	API        APIConfig        `yaml:"api" envPrefix:"API_"`
}

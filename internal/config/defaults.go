package config

// DefaultConfig returns the configuration every project starts from.
func DefaultConfig() *Config {
	return &Config{
		CoreDir:    ".",
		WorkingDir: "verif",
		RTLDirs:    RTLDirs{{Path: "rtl", Recurse: true}},
		Build:      "master",
		Tools: ToolsConfig{
			Parser:    "rSVParser",
			Verilator: "verilator",
		},
		Regression: RegressionConfig{
			Threads: 4,
		},
		Status: StatusConfig{
			Backend:     "sqlite",
			RedisPrefix: "verifsched",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		API: APIConfig{
			Addr: "127.0.0.1:8470",
		},
	}
}

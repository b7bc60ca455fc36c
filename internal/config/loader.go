package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the configuration at configPath, merges its includes, verifies
// checksums when a .checksums manifest is present, and validates the result.
// A directory path loads config.yaml inside it.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveRoot(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	visited := map[string]bool{absPath: true}
	if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(visited))
	for p := range visited {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	if err := verifyAllConfigHashes(paths); err != nil {
		return nil, err
	}

	applyConfigDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Files returns the absolute paths of the root config and every file it
// includes, sorted.
func Files(configPath string) ([]string, error) {
	absPath, err := resolveRoot(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	visited := map[string]bool{absPath: true}
	// Merging into a scratch config walks the same tree Load does.
	if err := loadIncludes(&Config{}, cfg.Include, filepath.Dir(absPath), visited); err != nil {
		return nil, err
	}

	files := make([]string, 0, len(visited))
	for f := range visited {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

// Discover finds the config file by checking, in order, $RELAY_CONFIG,
// ~/.config/relay/config.yaml, /etc/relay/config.yaml and ./config.yaml.
func Discover() (string, error) {
	candidates := []string{}
	if p := os.Getenv("RELAY_CONFIG"); p != "" {
		candidates = append(candidates, p)
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "relay", "config.yaml"))
	}
	candidates = append(candidates, "/etc/relay/config.yaml", "config.yaml")

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $RELAY_CONFIG, ~/.config/relay, /etc/relay, ./config.yaml)")
}

func resolveRoot(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// loadIncludes merges includes into cfg depth first. visited holds every
// file already loaded; seeing one again is a cycle.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)
		if !filepath.IsAbs(includePath) {
			includePath = filepath.Join(baseDir, includePath)
		}

		absPath, err := filepath.Abs(includePath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}
		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		if _, err := os.Stat(absPath); err != nil {
			return fmt.Errorf("include[%d]: file not found: %s\n"+
				"Referenced from: %s", i, absPath, baseDir)
		}
		visited[absPath] = true

		included, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, absPath, err)
		}
		mergeConfig(cfg, included)

		if err := loadIncludes(cfg, included.Include, filepath.Dir(absPath), visited); err != nil {
			return err
		}
	}
	return nil
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// mergeConfig copies the non-zero values of src over dst. Clients append.
func mergeConfig(dst, src *Config) {
	setString(&dst.Service.Name, src.Service.Name)
	setString(&dst.Service.Tag, src.Service.Tag)
	setString(&dst.Service.LogLevel, src.Service.LogLevel)
	setString(&dst.Service.LogFormat, src.Service.LogFormat)

	d, s := &dst.Dispatch, src.Dispatch
	setValue(&d.MaxParents, s.MaxParents)
	setValue(&d.Timeout, s.Timeout)
	setValue(&d.HistoryTTL, s.HistoryTTL)
	setValue(&d.EventBuffer, s.EventBuffer)
	d.History = d.History || s.History
	d.StrictResult = d.StrictResult || s.StrictResult
	d.StrictOverride = d.StrictOverride || s.StrictOverride

	l, sl := &dst.Listener, src.Listener
	l.Enabled = l.Enabled || sl.Enabled
	setString(&l.Listen, sl.Listen)
	setString(&l.Secret, sl.Secret)
	setString(&l.Token, sl.Token)
	l.Tokens = append(l.Tokens, sl.Tokens...)
	setValue(&l.MaxBodySize, sl.MaxBodySize)
	setValue(&l.ReplyTimeout, sl.ReplyTimeout)

	setString(&dst.Journal.Path, src.Journal.Path)
	setValue(&dst.Journal.Retention, src.Journal.Retention)
	setValue(&dst.Janitor.Interval, src.Janitor.Interval)

	dst.Clients = append(dst.Clients, src.Clients...)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setValue[T comparable](dst *T, v T) {
	var zero T
	if v != zero {
		*dst = v
	}
}

// applyConfigDefaults fills every unset optional value. A relative journal
// path stays relative to the working directory.
func applyConfigDefaults(cfg *Config) {
	base := *Defaults()
	mergeConfig(&base, cfg)
	base.Include = cfg.Include
	*cfg = base
}

// interpolateEnv replaces ${VAR} with its environment value. Unset
// variables are left in place so validation can report them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

func verifyAllConfigHashes(paths []string) error {
	dirToFiles := make(map[string][]string)
	for _, path := range paths {
		dir := filepath.Dir(path)
		dirToFiles[dir] = append(dirToFiles[dir], path)
	}

	for dir, files := range dirToFiles {
		checksums, err := LoadChecksums(dir)
		if err != nil {
			// No manifest in this directory: nothing to verify.
			continue
		}
		for _, path := range files {
			name := filepath.Base(path)
			expected, ok := checksums.Hashes[name]
			if !ok {
				return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
					"Run: relay config lock --config %s", name, dir, path)
			}
			if err := VerifyFileHash(path, expected); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"If you edited this file intentionally, run: relay config lock", path, err)
			}
		}
	}
	return nil
}

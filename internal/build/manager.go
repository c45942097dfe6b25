package build

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNotParsed is returned when copying from a build without parser outputs.
var ErrNotParsed = errors.New("build has no parser outputs")

// Manager creates, lists and removes build directories.
type Manager struct {
	config ManagerConfig
	mu     sync.Mutex // Serializes directory creation, copies and removal
}

// NewManager creates a new build manager
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{config: cfg}
}

// ParseDir returns the parser output directory name, sv_<top>.
func (m *Manager) ParseDir() string {
	return "sv_" + m.config.TopModule
}

// Path returns the directory of the named build without creating it.
func (m *Manager) Path(name string) string {
	return filepath.Join(m.config.BuildsDir, name)
}

// Open returns the named build, creating its directory if needed. A build
// created by this call has New set and no status yet.
func (m *Manager) Open(name string) (*Info, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid build name %q", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	path, err := filepath.Abs(m.Path(name))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve build path: %w", err)
	}

	st, err := os.Stat(path)
	switch {
	case err == nil && !st.IsDir():
		return nil, fmt.Errorf("build path %s is not a directory", path)
	case err == nil:
		info := m.load(name, path)
		return info, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to stat build %s: %w", name, err)
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create build %s: %w", name, err)
	}

	info := &Info{
		Name:    name,
		Path:    path,
		New:     true,
		Head:    m.head(),
		Created: time.Now().UTC(),
	}
	data, err := yaml.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to encode build info: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, InfoFile), data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write build info: %w", err)
	}
	return info, nil
}

// load reads build_info.yaml if present. Builds made by older tools have none.
func (m *Manager) load(name, path string) *Info {
	info := &Info{Name: name}
	if data, err := os.ReadFile(filepath.Join(path, InfoFile)); err == nil {
		_ = yaml.Unmarshal(data, info)
	}
	if info.Created.IsZero() {
		if st, err := os.Stat(path); err == nil {
			info.Created = st.ModTime().UTC()
		}
	}
	info.Name = name
	info.Path = path
	info.Parsed = m.parsed(path)
	return info
}

func (m *Manager) parsed(path string) bool {
	if st, err := os.Stat(filepath.Join(path, m.ParseDir())); err != nil || !st.IsDir() {
		return false
	}
	_, err := os.Stat(filepath.Join(path, RTLFilesList))
	return err == nil
}

// head returns the commit checked out in the core directory, or "".
func (m *Manager) head() string {
	if m.config.CoreDir == "" {
		return ""
	}
	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = m.config.CoreDir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// List returns every build, sorted by name. A missing builds directory is
// an empty list.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.config.BuildsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list builds: %w", err)
	}

	var builds []Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path, err := filepath.Abs(m.Path(e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve build path: %w", err)
		}
		builds = append(builds, *m.load(e.Name(), path))
	}
	sort.Slice(builds, func(i, j int) bool { return builds[i].Name < builds[j].Name })
	return builds, nil
}

// CopyParseOutputs copies sv_<top>/ and rtlfiles.lst from one build (or any
// directory holding them) into another so the parse step can be skipped.
// Existing parser outputs in the destination are replaced.
func (m *Manager) CopyParseOutputs(from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src := from
	if !filepath.IsAbs(from) && from == filepath.Base(from) {
		src = m.Path(from)
	}
	dst := m.Path(to)

	if !m.parsed(src) {
		return fmt.Errorf("copy from %s: %w", from, ErrNotParsed)
	}
	if st, err := os.Stat(dst); err != nil || !st.IsDir() {
		return fmt.Errorf("copy to %s: build does not exist", to)
	}

	dstParse := filepath.Join(dst, m.ParseDir())
	if err := os.RemoveAll(dstParse); err != nil {
		return fmt.Errorf("failed to clear %s: %w", dstParse, err)
	}
	if err := copyTree(filepath.Join(src, m.ParseDir()), dstParse); err != nil {
		return fmt.Errorf("failed to copy parser outputs: %w", err)
	}
	if err := copyFile(filepath.Join(src, RTLFilesList), filepath.Join(dst, RTLFilesList)); err != nil {
		return fmt.Errorf("failed to copy %s: %w", RTLFilesList, err)
	}
	return nil
}

// Remove deletes a build and everything in it.
func (m *Manager) Remove(name string) error {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return fmt.Errorf("invalid build name %q", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.Path(name)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("failed to remove build %s: %w", name, err)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove build %s: %w", name, err)
	}
	return nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

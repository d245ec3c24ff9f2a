package config

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Config provides access to a parsed configuration file. Sections are
// addressed by their full header name, e.g. "auto_z_offset" or
// "auto_z_offset_profile smooth_pei".
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string // maintains section order
}

// New creates a new empty Config.
func New() *Config {
	return &Config{
		sections: make(map[string]*Section),
	}
}

// Load reads a configuration file and returns a Config.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: unable to open %s: %w", path, err)
	}
	defer f.Close()

	c := New()
	if err := c.parse(f, path); err != nil {
		return nil, err
	}
	return c, nil
}

// Parse reads configuration text from a string. Used by tests and by hosts
// that assemble config in memory.
func Parse(text string) (*Config, error) {
	c := New()
	if err := c.parse(strings.NewReader(text), "<inline>"); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) parse(r interface{ Read([]byte) (int, error) }, source string) error {
	var currentSection string
	var currentOptions map[string]string

	flush := func() {
		if currentSection != "" {
			c.addSection(currentSection, currentOptions)
		}
	}

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		raw := scanner.Text()
		line := strings.TrimSpace(raw)

		if line == "" {
			continue
		}

		// Lines starting with "#*#" are auto-saved config; strip the prefix
		// and parse the remainder as regular config.
		if strings.HasPrefix(line, "#*#") {
			line = strings.TrimSpace(line[3:])
			if line == "" {
				continue
			}
		} else if idx := strings.IndexAny(line, "#;"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
			if line == "" {
				continue
			}
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			flush()
			header := strings.TrimSpace(line[1 : len(line)-1])
			if header == "" {
				return fmt.Errorf("config: empty section header at line %d in %s", lineNum, source)
			}
			currentSection = header
			currentOptions = make(map[string]string)
			continue
		}

		if currentSection == "" {
			continue
		}

		var key, value string
		if idx := strings.IndexAny(line, ":="); idx >= 0 {
			key = strings.TrimSpace(line[:idx])
			value = strings.TrimSpace(line[idx+1:])
		} else {
			return fmt.Errorf("config: malformed option at line %d in %s: %q", lineNum, source, raw)
		}
		if key == "" {
			return fmt.Errorf("config: empty option name at line %d in %s", lineNum, source)
		}
		currentOptions[key] = value
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("config: read %s: %w", source, err)
	}
	flush()
	return nil
}

func (c *Config) addSection(name string, options map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.sections[name]; ok {
		// Later definitions of the same section override earlier options.
		for k, v := range options {
			existing.options[strings.ToLower(k)] = v
		}
		return
	}
	c.sections[name] = newSection(name, options)
	c.order = append(c.order, name)
}

// GetSection returns the named section, or an error if it does not exist.
func (c *Config) GetSection(name string) (*Section, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sec, ok := c.sections[name]
	if !ok {
		return nil, ErrMissingSection(name)
	}
	return sec, nil
}

// GetSectionOptional returns the named section, or nil if it does not exist.
func (c *Config) GetSectionOptional(name string) *Section {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sections[name]
}

// HasSection checks whether a section exists.
func (c *Config) HasSection(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sections[name]
	return ok
}

// GetPrefixSections returns all sections whose name starts with the given
// prefix, in file order. Used for multi-instance sections like
// "auto_z_offset_profile <name>".
func (c *Config) GetPrefixSections(prefix string) []*Section {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var result []*Section
	for _, name := range c.order {
		if strings.HasPrefix(name, prefix) {
			result = append(result, c.sections[name])
		}
	}
	return result
}

// SectionNames returns all section names in file order.
func (c *Config) SectionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.order))
	copy(names, c.order)
	return names
}

// CheckUnusedOptions returns an error naming every option that was never
// accessed in any section. Run after startup config consumption to catch
// typos, matching the behavior printers expect from their host.
func (c *Config) CheckUnusedOptions() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var unused []string
	for _, name := range c.order {
		sec := c.sections[name]
		for _, opt := range sec.UnusedOptions() {
			unused = append(unused, fmt.Sprintf("%s.%s", name, opt))
		}
	}
	if len(unused) == 0 {
		return nil
	}
	sort.Strings(unused)
	return fmt.Errorf("config: unknown option(s): %s", strings.Join(unused, ", "))
}

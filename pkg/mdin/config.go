// Package mdin renders and parses stage configuration files for the MD engine.
//
// A configuration is an Amber-style namelist: a free-text title on the first
// line followed by a single &cntrl block with one "key = value," per line.
// Fields whose value is not yet known are rendered as placeholder tokens
// (for example @ETHRESHP@) and reported by Config.Pending until filled.
package mdin

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	// TotalStepsMarker tags the comment line that records the step count the
	// stage originally requested. Crash recovery needs it to compute the
	// remainder after nstlim has been rewritten.
	TotalStepsMarker = "total_nstlim"

	namelistStart = "&cntrl"
	namelistEnd   = "/"
)

var (
	placeholderRe = regexp.MustCompile(`^@([A-Z0-9_]+)@$`)
	markerRe      = regexp.MustCompile(`^!\s*` + TotalStepsMarker + `\s*=\s*(\d+)\s*$`)
)

// Field is one key/value assignment of the &cntrl namelist.
type Field struct {
	Key   string
	Value string
}

// Config is a typed stage configuration.
type Config struct {
	Title      string
	Fields     []Field
	TotalSteps int
	Trailer    []string
}

// Placeholder returns the token used for an unfilled field.
func Placeholder(key string) string {
	return "@" + strings.ToUpper(key) + "@"
}

// Get returns the raw value of key.
func (c *Config) Get(key string) (string, bool) {
	for _, f := range c.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Int returns the integer value of key.
func (c *Config) Int(key string) (int, error) {
	v, ok := c.Get(key)
	if !ok {
		return 0, fmt.Errorf("field %s not set", key)
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", key, err)
	}
	return n, nil
}

// Set replaces the value of key, appending the field when absent.
func (c *Config) Set(key, value string) {
	for i := range c.Fields {
		if c.Fields[i].Key == key {
			c.Fields[i].Value = value
			return
		}
	}
	c.Fields = append(c.Fields, Field{Key: key, Value: value})
}

// SetInt is Set for integer values.
func (c *Config) SetInt(key string, v int) {
	c.Set(key, strconv.Itoa(v))
}

// Minimization reports whether the configuration requests energy minimization.
func (c *Config) Minimization() bool {
	n, err := c.Int("imin")
	return err == nil && n == 1
}

// Restrained reports whether the configuration requests positional restraints.
func (c *Config) Restrained() bool {
	n, err := c.Int("ntr")
	return err == nil && n == 1
}

// Pending returns the keys still holding placeholder tokens, sorted.
func (c *Config) Pending() []string {
	var keys []string
	for _, f := range c.Fields {
		if placeholderRe.MatchString(f.Value) {
			keys = append(keys, f.Key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Fill substitutes pending fields. Keys that are not pending are rejected so
// a statistics step cannot silently overwrite a materialized value.
func (c *Config) Fill(values map[string]float64) error {
	pending := make(map[string]bool)
	for _, k := range c.Pending() {
		pending[k] = true
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !pending[k] {
			return fmt.Errorf("field %s is not pending", k)
		}
		c.Set(k, formatFloat(values[k]))
	}
	return nil
}

// Render serializes the configuration. Output is a pure function of the
// config contents.
func (c *Config) Render() []byte {
	var b bytes.Buffer
	b.WriteString(c.Title)
	b.WriteString("\n ")
	b.WriteString(namelistStart)
	b.WriteString("\n")
	for _, f := range c.Fields {
		fmt.Fprintf(&b, "  %s = %s,\n", f.Key, f.Value)
	}
	if c.TotalSteps > 0 {
		fmt.Fprintf(&b, "  ! %s = %d\n", TotalStepsMarker, c.TotalSteps)
	}
	b.WriteString(" ")
	b.WriteString(namelistEnd)
	b.WriteString("\n")
	for _, line := range c.Trailer {
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.Bytes()
}

// Parse reads a configuration previously produced by Render, or a
// hand-edited file in the same layout.
func Parse(data []byte) (*Config, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	cfg := &Config{}
	const (
		stateTitle = iota
		stateBeforeBlock
		stateInBlock
		stateAfterBlock
	)
	state := stateTitle
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		switch state {
		case stateTitle:
			cfg.Title = strings.TrimRight(line, " \t\r")
			state = stateBeforeBlock
		case stateBeforeBlock:
			if strings.EqualFold(trimmed, namelistStart) {
				state = stateInBlock
			} else if trimmed != "" {
				return nil, fmt.Errorf("expected %s, got %q", namelistStart, trimmed)
			}
		case stateInBlock:
			if trimmed == namelistEnd {
				state = stateAfterBlock
				continue
			}
			if m := markerRe.FindStringSubmatch(trimmed); m != nil {
				n, _ := strconv.Atoi(m[1])
				cfg.TotalSteps = n
				continue
			}
			if trimmed == "" || strings.HasPrefix(trimmed, "!") {
				continue
			}
			fields, err := splitAssignments(trimmed)
			if err != nil {
				return nil, err
			}
			for _, f := range fields {
				cfg.Set(f.Key, f.Value)
			}
		case stateAfterBlock:
			cfg.Trailer = append(cfg.Trailer, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	switch state {
	case stateTitle:
		return nil, fmt.Errorf("config is empty")
	case stateBeforeBlock:
		return nil, fmt.Errorf("config has no %s block", namelistStart)
	case stateInBlock:
		return nil, fmt.Errorf("config %s block is not terminated", namelistStart)
	}
	return cfg, nil
}

// splitAssignments splits "a = 1, b = 'x,y'," into fields, honouring quotes.
func splitAssignments(line string) ([]Field, error) {
	var (
		parts   []string
		cur     strings.Builder
		inQuote rune
	)
scan:
	for _, r := range line {
		switch {
		case inQuote != 0:
			cur.WriteRune(r)
			if r == inQuote {
				inQuote = 0
			}
		case r == '\'' || r == '"':
			inQuote = r
			cur.WriteRune(r)
		case r == ',':
			parts = append(parts, cur.String())
			cur.Reset()
		case r == '!':
			break scan
		default:
			cur.WriteRune(r)
		}
	}
	if inQuote != 0 {
		return nil, fmt.Errorf("unterminated quote in %q", line)
	}
	parts = append(parts, cur.String())

	var out []Field
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("malformed assignment %q", p)
		}
		out = append(out, Field{Key: strings.ToLower(strings.TrimSpace(k)), Value: strings.TrimSpace(v)})
	}
	return out, nil
}

func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

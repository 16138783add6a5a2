package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Chapsvision-dev/rethinkdb-backuplet/internal/archive"
)

const (
	day   = 24 * time.Hour
	week  = 7 * day
	month = 30 * day
)

// Duration is a time.Duration that also decodes from YAML as an integer
// number of milliseconds or as a {seconds, minutes, hours, days, weeks,
// months} object (a month is 30 days).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!int" {
			ms, err := strconv.ParseInt(node.Value, 10, 64)
			if err != nil {
				return fmt.Errorf("interval: %w", err)
			}
			*d = Duration(time.Duration(ms) * time.Millisecond)
			return nil
		}
		v, err := time.ParseDuration(strings.TrimSpace(node.Value))
		if err != nil {
			return fmt.Errorf("interval: %w", err)
		}
		*d = Duration(v)
		return nil

	case yaml.MappingNode:
		var parts struct {
			Seconds float64 `yaml:"seconds"`
			Minutes float64 `yaml:"minutes"`
			Hours   float64 `yaml:"hours"`
			Days    float64 `yaml:"days"`
			Weeks   float64 `yaml:"weeks"`
			Months  float64 `yaml:"months"`
		}
		if err := node.Decode(&parts); err != nil {
			return fmt.Errorf("interval: %w", err)
		}
		total := parts.Seconds*float64(time.Second) +
			parts.Minutes*float64(time.Minute) +
			parts.Hours*float64(time.Hour) +
			parts.Days*float64(day) +
			parts.Weeks*float64(week) +
			parts.Months*float64(month)
		// float64(math.MaxInt64) rounds up to 2^63, itself out of range
		if math.IsNaN(total) || math.Abs(total) >= math.MaxInt64 {
			return fmt.Errorf("interval: object at line %d is out of range", node.Line)
		}
		*d = Duration(time.Duration(total))
		return nil

	default:
		return fmt.Errorf("interval: expected a duration string or object at line %d", node.Line)
	}
}

func (d Duration) String() string { return time.Duration(d).String() }

func parseBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true, true
	case "0", "false", "no", "n", "off":
		return false, true
	}
	return false, false
}

// splitPath turns "a/b//c/" into [a b c].
func splitPath(s string) []string {
	var out []string
	for _, seg := range strings.Split(s, "/") {
		if seg = strings.TrimSpace(seg); seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// parseFilters reads a comma separated list of db or db.table entries.
// Tables of the same database are merged into one filter, and a bare
// database entry widens it to the whole database.
func parseFilters(s string) ([]archive.Filter, error) {
	var out []archive.Filter
	index := map[string]int{}
	for _, item := range strings.Split(s, ",") {
		if strings.TrimSpace(item) == "" {
			continue
		}
		f, err := archive.ParseFilter(item)
		if err != nil {
			return nil, err
		}
		i, seen := index[f.DB]
		if !seen {
			index[f.DB] = len(out)
			out = append(out, f)
			continue
		}
		switch {
		case len(out[i].Tables) == 0:
			// already the whole database
		case len(f.Tables) == 0:
			out[i].Tables = nil
		default:
			out[i].Tables = append(out[i].Tables, f.Tables...)
		}
	}
	return out, nil
}

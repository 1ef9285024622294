package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"amedas-climate/internal/acquisition"
	"amedas-climate/internal/models"
)

// Built-in preset names.
const (
	PresetRecent   = "recent"
	PresetDaily    = "daily"
	PresetQuick    = "quick"
	PresetForce    = "force"
	PresetBackfill = "backfill"
)

// Preset is a named bundle of acquisition settings. Nil fields leave the
// setting alone. Preset values sit below the config file, environment and
// flags.
type Preset struct {
	Mode            string         `yaml:"mode,omitempty"`
	FreshnessWindow *time.Duration `yaml:"freshness_window,omitempty"`
	NeverStale      *bool          `yaml:"never_stale,omitempty"`
	Budget          *time.Duration `yaml:"budget,omitempty"`
	CutoffDay       *int           `yaml:"cutoff_day,omitempty"`
	FromYear        *int           `yaml:"from_year,omitempty"`
	MaxAttempts     *int           `yaml:"max_attempts,omitempty"`
	RetryDelay      *time.Duration `yaml:"retry_delay,omitempty"`
	StationDelay    *time.Duration `yaml:"station_delay,omitempty"`
	RequestDelay    *time.Duration `yaml:"request_delay,omitempty"`
}

func dur(d time.Duration) *time.Duration { return &d }
func num(n int) *int                     { return &n }
func boolOf(b bool) *bool                { return &b }

// Builtin returns the built-in presets.
func Builtin() map[string]Preset {
	return map[string]Preset{
		PresetRecent: {
			Mode:            acquisition.ModeRecent,
			FreshnessWindow: dur(24 * time.Hour),
			Budget:          dur(5*time.Hour + 40*time.Minute),
			CutoffDay:       num(12),
			MaxAttempts:     num(3),
			RetryDelay:      dur(10 * time.Second),
			StationDelay:    dur(2 * time.Second),
			RequestDelay:    dur(2 * time.Second),
		},
		PresetDaily: {
			Mode:            acquisition.ModeRecent,
			FreshnessWindow: dur(24 * time.Hour),
			Budget:          dur(5 * time.Hour),
			CutoffDay:       num(3),
		},
		PresetQuick: {
			Mode:            acquisition.ModeRecent,
			FreshnessWindow: dur(24 * time.Hour),
			Budget:          dur(10 * time.Minute),
			CutoffDay:       num(3),
		},
		PresetForce: {
			Mode:            acquisition.ModeRecent,
			FreshnessWindow: dur(0),
			CutoffDay:       num(12),
		},
		PresetBackfill: {
			Mode:         acquisition.ModeBackfill,
			NeverStale:   boolOf(true),
			Budget:       dur(5 * time.Hour),
			FromYear:     num(models.FirstArchiveYear),
			RequestDelay: dur(10 * time.Second),
		},
	}
}

// LoadPresets reads additional presets from a YAML file mapping names to
// preset fields.
func LoadPresets(path string) (map[string]Preset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read presets file: %w", err)
	}
	var presets map[string]Preset
	if err := yaml.Unmarshal(raw, &presets); err != nil {
		return nil, fmt.Errorf("failed to parse presets file %s: %w", path, err)
	}
	for name, p := range presets {
		if p.Mode != "" && p.Mode != acquisition.ModeRecent && p.Mode != acquisition.ModeBackfill {
			return nil, fmt.Errorf("preset %s: unknown mode %q", name, p.Mode)
		}
	}
	return presets, nil
}

func (p Preset) apply(v *viper.Viper) {
	if p.Mode != "" {
		v.SetDefault("acquisition.mode", p.Mode)
	}
	if p.FreshnessWindow != nil {
		v.SetDefault("acquisition.freshness_window", *p.FreshnessWindow)
	}
	if p.NeverStale != nil {
		v.SetDefault("acquisition.never_stale", *p.NeverStale)
	}
	if p.Budget != nil {
		v.SetDefault("acquisition.budget", *p.Budget)
	}
	if p.CutoffDay != nil {
		v.SetDefault("acquisition.cutoff_day", *p.CutoffDay)
	}
	if p.FromYear != nil {
		v.SetDefault("acquisition.from_year", *p.FromYear)
	}
	if p.MaxAttempts != nil {
		v.SetDefault("acquisition.max_attempts", *p.MaxAttempts)
	}
	if p.RetryDelay != nil {
		v.SetDefault("acquisition.retry_delay", *p.RetryDelay)
	}
	if p.StationDelay != nil {
		v.SetDefault("acquisition.station_delay", *p.StationDelay)
	}
	if p.RequestDelay != nil {
		v.SetDefault("acquisition.request_delay", *p.RequestDelay)
	}
}

// YAML renders the configuration with durations in their string form.
func (c *Config) YAML() ([]byte, error) {
	node := toNode(reflect.ValueOf(c.Redacted()).Elem())
	out, err := yaml.Marshal(node)
	if err != nil {
		return nil, fmt.Errorf("failed to render configuration: %w", err)
	}
	return out, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func toNode(v reflect.Value) *yaml.Node {
	if v.Type() == durationType {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: time.Duration(v.Int()).String()}
	}

	switch v.Kind() {
	case reflect.Struct:
		n := &yaml.Node{Kind: yaml.MappingNode}
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			name, opts, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
			if name == "" || name == "-" {
				continue
			}
			fv := v.Field(i)
			if strings.Contains(opts, "omitempty") && fv.IsZero() {
				continue
			}
			n.Content = append(n.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: name},
				toNode(fv),
			)
		}
		return n
	case reflect.Slice:
		n := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
		for i := 0; i < v.Len(); i++ {
			n.Content = append(n.Content, toNode(v.Index(i)))
		}
		return n
	default:
		n := &yaml.Node{}
		if err := n.Encode(v.Interface()); err != nil {
			return &yaml.Node{Kind: yaml.ScalarNode, Value: fmt.Sprint(v.Interface())}
		}
		return n
	}
}

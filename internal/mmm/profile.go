package mmm

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// ChannelProfile assigns a channel to a category and optionally pins its
// adstock half-life.
type ChannelProfile struct {
	Category string  `yaml:"category"`
	HalfLife float64 `yaml:"half_life"`
}

// Profile holds default adstock half-lives by channel category.
type Profile struct {
	Categories map[string]float64        `yaml:"categories"`
	Channels   map[string]ChannelProfile `yaml:"channels"`
}

// DefaultProfile covers the built-in channels.
func DefaultProfile() *Profile {
	return &Profile{
		Categories: map[string]float64{
			"search":  3,
			"social":  7,
			"display": 10,
		},
		Channels: map[string]ChannelProfile{
			"google":    {Category: "search"},
			"bing":      {Category: "search"},
			"meta":      {Category: "social"},
			"pinterest": {Category: "social"},
		},
	}
}

// LoadProfile reads a YAML profile and layers it over DefaultProfile.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "mmm: read profile %s", path)
	}
	var loaded Profile
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, eris.Wrapf(err, "mmm: parse profile %s", path)
	}

	p := DefaultProfile()
	for k, v := range loaded.Categories {
		p.Categories[strings.ToLower(k)] = v
	}
	for k, v := range loaded.Channels {
		v.Category = strings.ToLower(v.Category)
		p.Channels[strings.ToLower(k)] = v
	}
	return p, nil
}

// HalfLife resolves a channel's half-life: pinned value, then category
// default, then fallback.
func (p *Profile) HalfLife(channel string, fallback float64) float64 {
	if p == nil {
		return fallback
	}
	cp, ok := p.Channels[channel]
	if !ok {
		return fallback
	}
	if cp.HalfLife > 0 {
		return cp.HalfLife
	}
	if hl, ok := p.Categories[cp.Category]; ok && hl > 0 {
		return hl
	}
	return fallback
}

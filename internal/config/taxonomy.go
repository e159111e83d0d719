package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tdm-project/tdmq/internal/source"
)

// TaxonomyConfig lists the entity categories and the types in each.
//
//	categories:
//	  - name: Station
//	    types:
//	      - name: PointWeatherObserver
//	        schema: {type: object}
type TaxonomyConfig struct {
	Categories []CategoryConfig `yaml:"categories"`
}

type CategoryConfig struct {
	Name  string       `yaml:"name"`
	Types []TypeConfig `yaml:"types"`
}

type TypeConfig struct {
	Name   string         `yaml:"name"`
	Schema map[string]any `yaml:"schema"`
}

// LoadTaxonomyConfig reads and validates a YAML taxonomy file.
func LoadTaxonomyConfig(path string) (*TaxonomyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy config: %w", err)
	}
	return ParseTaxonomyConfig(data)
}

func ParseTaxonomyConfig(data []byte) (*TaxonomyConfig, error) {
	var cfg TaxonomyConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse taxonomy config: %w", err)
	}
	if len(cfg.Categories) == 0 {
		return nil, fmt.Errorf("taxonomy config: no categories defined")
	}

	seen := make(map[string]bool, len(cfg.Categories))
	for i, c := range cfg.Categories {
		if c.Name == "" {
			return nil, fmt.Errorf("taxonomy config: category #%d has empty name", i)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("taxonomy config: duplicate category %q", c.Name)
		}
		seen[c.Name] = true

		types := make(map[string]bool, len(c.Types))
		for j, t := range c.Types {
			if t.Name == "" {
				return nil, fmt.Errorf("taxonomy config: category %q type #%d has empty name", c.Name, j)
			}
			if types[t.Name] {
				return nil, fmt.Errorf("taxonomy config: duplicate type %q in category %q", t.Name, c.Name)
			}
			types[t.Name] = true
		}
	}
	return &cfg, nil
}

// Taxonomy converts the config into the registry used for validation.
func (c *TaxonomyConfig) Taxonomy() (*source.Taxonomy, error) {
	var (
		cats  []source.EntityCategory
		types []source.EntityType
	)
	for _, cat := range c.Categories {
		cats = append(cats, source.EntityCategory{Name: cat.Name})
		for _, t := range cat.Types {
			et := source.EntityType{Category: cat.Name, Name: t.Name}
			if t.Schema != nil {
				schema, err := json.Marshal(t.Schema)
				if err != nil {
					return nil, fmt.Errorf("taxonomy config: schema of %s/%s: %w", cat.Name, t.Name, err)
				}
				et.Schema = schema
			}
			types = append(types, et)
		}
	}
	return source.NewTaxonomy(cats, types), nil
}

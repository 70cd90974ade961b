package localize

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed dictionary.yaml
var defaultDictionary []byte

// Entry maps one source string to its translation.
type Entry struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Dictionary is the translation data.
type Dictionary struct {
	Phrases  []Entry  `yaml:"phrases"`
	Words    []Entry  `yaml:"words"`
	Preserve []string `yaml:"preserve"`
}

// DefaultDictionary returns the embedded English to Spanish dictionary.
func DefaultDictionary() *Dictionary {
	d, err := ParseDictionary(defaultDictionary)
	if err != nil {
		panic(fmt.Sprintf("localize: embedded dictionary: %v", err))
	}
	return d
}

// LoadDictionary reads a YAML dictionary file.
func LoadDictionary(path string) (*Dictionary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("localize: read dictionary: %w", err)
	}
	return ParseDictionary(data)
}

// ParseDictionary decodes YAML. Entries with an empty source are rejected.
func ParseDictionary(data []byte) (*Dictionary, error) {
	var d Dictionary
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("localize: parse dictionary: %w", err)
	}
	for i, e := range d.Phrases {
		if e.From == "" {
			return nil, fmt.Errorf("localize: phrase %d: empty source", i)
		}
	}
	for i, e := range d.Words {
		if e.From == "" {
			return nil, fmt.Errorf("localize: word %d: empty source", i)
		}
	}
	return &d, nil
}

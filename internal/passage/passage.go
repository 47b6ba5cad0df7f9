// Package passage supplies the text each race is typed against.
package passage

import (
	"fmt"
	"math/rand/v2"
	"os"

	"gopkg.in/yaml.v3"
)

type Provider interface {
	Next() string
}

var defaults = []string{
	"The quick brown fox jumps over the lazy dog while the farmer watches from the porch.",
	"A journey of a thousand miles begins with a single step, and most of them are uphill.",
	"Concurrency is not parallelism; it is a way of structuring a program so that it can be.",
	"Pack my box with five dozen liquor jugs before the movers arrive in the morning.",
	"Clear is better than clever, and a little copying is better than a little dependency.",
}

// Static picks uniformly from a fixed list.
type Static struct {
	texts []string
}

func NewStatic(texts []string) (*Static, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("passage: empty list")
	}
	return &Static{texts: append([]string(nil), texts...)}, nil
}

func Default() *Static {
	return &Static{texts: defaults}
}

func (s *Static) Next() string {
	return s.texts[rand.IntN(len(s.texts))]
}

func (s *Static) Len() int { return len(s.texts) }

type file struct {
	Passages []string `yaml:"passages"`
}

// LoadFile reads a YAML document of the form:
//
//	passages:
//	  - "first passage"
//	  - "second passage"
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read passages: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse passages: %w", err)
	}

	var texts []string
	for _, p := range f.Passages {
		if p != "" {
			texts = append(texts, p)
		}
	}
	return NewStatic(texts)
}

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nodefluent/zamza/internal/model"
)

// Seed lists topic configs and hooks upserted at startup.
type Seed struct {
	Topics []model.TopicConfig `yaml:"topics"`
	Hooks  []model.Hook        `yaml:"hooks"`
}

func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeed(data)
}

func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}

	verr := &ValidationError{}
	for i, t := range seed.Topics {
		if err := t.Validate(); err != nil {
			verr.Errors = append(verr.Errors, fmt.Sprintf("topics[%d]: %v", i, err))
		}
	}
	for i, h := range seed.Hooks {
		if err := validate.Struct(h); err != nil {
			verr.Errors = append(verr.Errors, fmt.Sprintf("hooks[%d]: %v", i, err))
		}
		for _, sub := range h.Subscriptions {
			if model.IsReservedTopic(sub.Topic) {
				verr.Errors = append(verr.Errors, fmt.Sprintf("hooks[%d]: %v", i, model.ErrReservedTopic))
			}
		}
	}
	if len(verr.Errors) > 0 {
		return nil, verr
	}
	return &seed, nil
}

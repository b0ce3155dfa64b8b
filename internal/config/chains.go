package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ChainEntry is one step of an escalation chain for a category and,
// optionally, a location. An empty Location applies to every location.
type ChainEntry struct {
	Category   string `mapstructure:"category" validate:"required"`
	Location   string `mapstructure:"location"`
	Level      int    `mapstructure:"level" validate:"gte=1"`
	AssigneeID string `mapstructure:"assignee_id" validate:"required"`
}

type chainFile struct {
	Chains []ChainEntry `mapstructure:"chains" validate:"dive"`
}

// LoadEscalationChains reads a YAML (or JSON/TOML) escalation chain file.
//
//	chains:
//	  - category: hostel
//	    location: block-a
//	    level: 1
//	    assignee_id: user_warden
func LoadEscalationChains(path string) ([]ChainEntry, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "" {
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read escalation chains %s: %w", path, err)
	}

	var file chainFile
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("decode escalation chains: %w", err)
	}
	if err := validator.New().Struct(file); err != nil {
		return nil, fmt.Errorf("invalid escalation chains: %w", err)
	}
	for i := range file.Chains {
		file.Chains[i].Category = strings.ToLower(strings.TrimSpace(file.Chains[i].Category))
		file.Chains[i].Location = strings.ToLower(strings.TrimSpace(file.Chains[i].Location))
	}
	return file.Chains, nil
}

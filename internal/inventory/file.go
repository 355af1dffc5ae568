// Package inventory turns raw cluster records into a balancing snapshot.
package inventory

import (
	"fmt"

	"github.com/spf13/viper"
)

// File is the on-disk cluster inventory, YAML or JSON.
type File struct {
	Nodes   []NodeRecord   `mapstructure:"nodes" json:"nodes"`
	Guests  []GuestRecord  `mapstructure:"guests" json:"guests"`
	Pools   []PoolRecord   `mapstructure:"pools" json:"pools"`
	HaRules []HaRuleRecord `mapstructure:"ha_rules" json:"ha_rules"`
}

// NodeRecord is a host as reported by the platform.
type NodeRecord struct {
	Name          string         `mapstructure:"name" json:"name"`
	Status        string         `mapstructure:"status" json:"status"`
	PVEVersion    string         `mapstructure:"pve_version" json:"pve_version,omitempty"`
	HAMaintenance bool           `mapstructure:"ha_maintenance" json:"ha_maintenance"`
	CPU           ResourceRecord `mapstructure:"cpu" json:"cpu"`
	Memory        ResourceRecord `mapstructure:"memory" json:"memory"`
	Disk          ResourceRecord `mapstructure:"disk" json:"disk"`
}

// GuestRecord is a VM or container as reported by the platform.
type GuestRecord struct {
	Name   string         `mapstructure:"name" json:"name"`
	ID     string         `mapstructure:"id" json:"id"`
	Type   string         `mapstructure:"type" json:"type"`
	Node   string         `mapstructure:"node" json:"node"`
	Status string         `mapstructure:"status" json:"status"`
	Tags   []string       `mapstructure:"tags" json:"tags,omitempty"`
	CPU    ResourceRecord `mapstructure:"cpu" json:"cpu"`
	Memory ResourceRecord `mapstructure:"memory" json:"memory"`
	Disk   ResourceRecord `mapstructure:"disk" json:"disk"`
}

// ResourceRecord carries capacity and usage. Memory and disk are bytes,
// CPU is cores.
type ResourceRecord struct {
	Total    int64          `mapstructure:"total" json:"total"`
	Used     float64        `mapstructure:"used" json:"used"`
	Pressure PressureRecord `mapstructure:"pressure" json:"pressure"`
}

// PressureRecord holds PSI values either pre-aggregated or as raw samples.
// Samples take precedence when present.
type PressureRecord struct {
	Some        float64   `mapstructure:"some" json:"some"`
	Full        float64   `mapstructure:"full" json:"full"`
	SomeSpikes  float64   `mapstructure:"some_spikes" json:"some_spikes"`
	FullSpikes  float64   `mapstructure:"full_spikes" json:"full_spikes"`
	SomeSamples []float64 `mapstructure:"some_samples" json:"some_samples,omitempty"`
	FullSamples []float64 `mapstructure:"full_samples" json:"full_samples,omitempty"`
}

// PoolRecord is a platform pool and its member guest names.
type PoolRecord struct {
	Name    string   `mapstructure:"name" json:"name"`
	Members []string `mapstructure:"members" json:"members"`
}

// HaRuleRecord is an HA placement rule. Members are guest ids.
type HaRuleRecord struct {
	Rule    string   `mapstructure:"rule" json:"rule"`
	Type    string   `mapstructure:"type" json:"type"`
	Nodes   []string `mapstructure:"nodes" json:"nodes"`
	Members []string `mapstructure:"members" json:"members"`
}

// LoadFile reads an inventory file. The format follows the extension.
func LoadFile(path string) (*File, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read inventory %s: %w", path, err)
	}

	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("failed to decode inventory %s: %w", path, err)
	}
	return &f, nil
}

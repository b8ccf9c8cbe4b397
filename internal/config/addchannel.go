package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AddChannel binds a provider channel in the configuration file at cfgPath.
// If the file doesn't exist, a new config is created.
// If the name already exists, it is overwritten.
func AddChannel(cfgPath, name string, ch ChannelConfig) error {
	cfg, err := loadRaw(cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = &Config{Defaults: NewDefaults()}
	}

	if cfg.Channels == nil {
		cfg.Channels = make(map[string]ChannelConfig)
	}
	cfg.Channels[name] = ch

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return write(cfgPath, cfg)
}

// RemoveChannel removes a channel binding. The chat it pointed to stays in
// the store.
func RemoveChannel(cfgPath, name string) error {
	cfg, err := loadRaw(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if _, ok := cfg.Channels[name]; !ok {
		return fmt.Errorf("channel %q not found", name)
	}
	delete(cfg.Channels, name)
	return write(cfgPath, cfg)
}

// SetChatID records the chat created for a channel so later runs reuse it.
func SetChatID(cfgPath, name, chatID string) error {
	cfg, err := loadRaw(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ch, ok := cfg.Channels[name]
	if !ok {
		return fmt.Errorf("channel %q not found", name)
	}
	ch.ChatID = chatID
	cfg.Channels[name] = ch
	return write(cfgPath, cfg)
}

func write(cfgPath string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(cfgPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

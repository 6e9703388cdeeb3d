package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

type CellConfig struct {
	ID            string   `toml:"id"`
	Addr          string   `toml:"addr"`
	AdvertiseAddr string   `toml:"advertise_addr"`
	RegistryDir   string   `toml:"registry_dir"`
	CorsOrigins   []string `toml:"cors_origins"`
	SpoolDir      string   `toml:"spool_dir"`
}

func LoadCellConfig(path string) (CellConfig, error) {
	var cfg CellConfig
	if err := loadToml(path, &cfg); err != nil {
		return CellConfig{}, err
	}
	if cfg.ID == "" {
		cfg.ID = "cell.local"
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9400"
	}
	if err := ValidateCellConfig(cfg); err != nil {
		return CellConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateCellConfig(cfg CellConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("cell config missing id")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("cell config missing addr")
	}
	advertise := strings.TrimSpace(cfg.AdvertiseAddr)
	if advertise != "" && strings.HasPrefix(advertise, ":") {
		return fmt.Errorf("cell config advertise_addr must include a host")
	}
	return nil
}

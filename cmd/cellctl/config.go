package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/meshctl/internal/cell"
)

type fileConfig struct {
	ID                  string   `toml:"id"`
	Addr                string   `toml:"addr"`
	AdvertiseAddr       string   `toml:"advertise_addr"`
	RegistryDir         string   `toml:"registry_dir"`
	CorsOrigins         []string `toml:"cors_origins"`
	SpoolDir            string   `toml:"spool_dir"`
	Heartbeat           string   `toml:"heartbeat"`
	FreshFor            string   `toml:"fresh_for"`
	AnnounceInterval    string   `toml:"announce_interval"`
	GossipInterval      string   `toml:"gossip_interval"`
	GossipFanout        int      `toml:"gossip_fanout"`
	CallTimeout         string   `toml:"call_timeout"`
	IdleAfter           string   `toml:"idle_after"`
	SimilarityThreshold float64  `toml:"similarity_threshold"`
}

func loadServiceConfig(path string) (cell.Config, error) {
	cfg := cell.DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return cell.Config{}, fmt.Errorf("load cell config: %w", err)
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.CellID = id
		}
	}
	if meta.IsDefined("addr") {
		if addr := strings.TrimSpace(raw.Addr); addr != "" {
			cfg.ListenAddr = addr
		}
	}
	if meta.IsDefined("advertise_addr") {
		cfg.AdvertiseAddr = strings.TrimSpace(raw.AdvertiseAddr)
	}
	if meta.IsDefined("registry_dir") {
		if dir := strings.TrimSpace(raw.RegistryDir); dir != "" {
			cfg.RegistryDir = dir
		}
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("spool_dir") {
		cfg.SpoolDir = strings.TrimSpace(raw.SpoolDir)
	}

	if meta.IsDefined("heartbeat") {
		d, err := parseDuration(raw.Heartbeat, "heartbeat")
		if err != nil {
			return cell.Config{}, err
		}
		cfg.HeartbeatInterval = d
	}
	if meta.IsDefined("fresh_for") {
		d, err := parseDuration(raw.FreshFor, "fresh_for")
		if err != nil {
			return cell.Config{}, err
		}
		cfg.FreshFor = d
	}
	if meta.IsDefined("announce_interval") {
		d, err := parseDuration(raw.AnnounceInterval, "announce_interval")
		if err != nil {
			return cell.Config{}, err
		}
		cfg.AnnounceInterval = d
	}
	if meta.IsDefined("gossip_interval") {
		d, err := parseDuration(raw.GossipInterval, "gossip_interval")
		if err != nil {
			return cell.Config{}, err
		}
		cfg.Gossip.Interval = d
	}
	if meta.IsDefined("gossip_fanout") {
		cfg.Gossip.Fanout = raw.GossipFanout
	}
	if meta.IsDefined("call_timeout") {
		d, err := parseDuration(raw.CallTimeout, "call_timeout")
		if err != nil {
			return cell.Config{}, err
		}
		cfg.CallTimeout = d
	}
	if meta.IsDefined("idle_after") {
		d, err := parseDuration(raw.IdleAfter, "idle_after")
		if err != nil {
			return cell.Config{}, err
		}
		cfg.IdleAfter = d
	}
	if meta.IsDefined("similarity_threshold") {
		cfg.SimilarityThreshold = raw.SimilarityThreshold
	}

	return cfg, nil
}

func parseDuration(raw, field string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		s := strings.TrimSpace(v)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}

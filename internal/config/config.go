// Package config loads device geometry and volume policy from an INI file,
// grounded on the teacher's server/conf/config.go (gopkg.in/ini.v1),
// generalized here to return errors instead of terminating the process on
// a bad key, since this module is a library, not a server with a single
// process-lifetime config load.
package config

import (
	"fmt"

	"gopkg.in/ini.v1"

	"github.com/zhukovaskychina/goftl/internal/driver"
	"github.com/zhukovaskychina/goftl/internal/ftln"
	"github.com/zhukovaskychina/goftl/internal/ndm"
)

// Device is the [device] section: the physical geometry a driver
// implementation must match.
type Device struct {
	NumDeviceBlocks int
	PagesPerBlock   int
	PageSize        int
	SpareSize       int
	MaxBadBlocks    int
}

// Volume is the [volume] section: FTL-N policy layered on top of a
// formatted device.
type Volume struct {
	Name          string
	FormatVersion int
	ReadOnly      bool
}

// Config is the fully parsed configuration file.
type Config struct {
	Raw    *ini.File
	Device Device
	Volume Volume
}

// Load reads and validates path, returning a Config ready to build an
// ndm.Config / ftln.VolumeConfig pair from.
func Load(path string) (*Config, error) {
	raw, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	cfg := &Config{Raw: raw}
	if err := cfg.parseDevice(raw.Section("device")); err != nil {
		return nil, err
	}
	if err := cfg.parseVolume(raw.Section("volume")); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) parseDevice(section *ini.Section) error {
	var err error
	if cfg.Device.NumDeviceBlocks, err = requireInt(section, "num_device_blocks"); err != nil {
		return err
	}
	if cfg.Device.PagesPerBlock, err = requireInt(section, "pages_per_block"); err != nil {
		return err
	}
	if cfg.Device.PageSize, err = requireInt(section, "page_size"); err != nil {
		return err
	}
	cfg.Device.SpareSize = section.Key("spare_size").MustInt(driver.MinSpareSize)
	cfg.Device.MaxBadBlocks = section.Key("max_bad_blocks").MustInt(2)
	if cfg.Device.SpareSize < driver.MinSpareSize {
		return fmt.Errorf("config: spare_size must be at least %d", driver.MinSpareSize)
	}
	return nil
}

func (cfg *Config) parseVolume(section *ini.Section) error {
	cfg.Volume.Name = section.Key("name").MustString("ftln")
	cfg.Volume.FormatVersion = section.Key("format_version").MustInt(2)
	cfg.Volume.ReadOnly = section.Key("read_only").MustBool(false)
	if cfg.Volume.FormatVersion != 1 && cfg.Volume.FormatVersion != 2 {
		return fmt.Errorf("config: format_version must be 1 or 2, got %d", cfg.Volume.FormatVersion)
	}
	return nil
}

func requireInt(section *ini.Section, key string) (int, error) {
	k, err := section.GetKey(key)
	if err != nil {
		return 0, fmt.Errorf("config: missing required key %q in section [%s]", key, section.Name())
	}
	v, err := k.Int()
	if err != nil {
		return 0, fmt.Errorf("config: key %q in section [%s] is not an integer: %w", key, section.Name(), err)
	}
	return v, nil
}

// Geometry builds a driver.Geometry from the parsed [device] section.
func (cfg *Config) Geometry() driver.Geometry {
	return driver.Geometry{
		NumDeviceBlocks: cfg.Device.NumDeviceBlocks,
		PagesPerBlock:   cfg.Device.PagesPerBlock,
		PageSize:        cfg.Device.PageSize,
		SpareSize:       cfg.Device.SpareSize,
		MaxBadBlocks:    cfg.Device.MaxBadBlocks,
	}
}

// NDMConfig builds the ndm.Config this file describes.
func (cfg *Config) NDMConfig() ndm.Config {
	fv := ndm.V2
	if cfg.Volume.FormatVersion == 1 {
		fv = ndm.V1
	}
	return ndm.Config{Geometry: cfg.Geometry(), FormatVersion: fv}
}

// VolumeConfig builds the ftln.VolumeConfig this file describes.
func (cfg *Config) VolumeConfig() ftln.VolumeConfig {
	return ftln.VolumeConfig{NDM: cfg.NDMConfig(), Name: cfg.Volume.Name}
}

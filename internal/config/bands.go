package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// BandEntry describes one frequency band's upstream wire identifiers.
type BandEntry struct {
	Band              string `yaml:"band"`
	EnergyTag         string `yaml:"energy_tag"`
	QualityColumn     string `yaml:"quality_column"`
	TimeseriesColumn  string `yaml:"timeseries_column"`
}

type bandTable struct {
	Bands []BandEntry `yaml:"bands"`
}

const bandsPath = "internal/config/bands.yaml"

var (
	bandsOnce    sync.Once
	bandsByTag   map[string]BandEntry
	bandsLoadErr error
)

// LoadBandEntries loads and caches the frequency-band catalog, searching
// the working directory, its parent and its grandparent the way rbn's mode-allocation
// table does.
func LoadBandEntries() (map[string]BandEntry, error) {
	bandsOnce.Do(func() {
		paths := []string{bandsPath, filepath.Join("..", bandsPath), filepath.Join("..", "..", bandsPath)}
		for _, path := range paths {
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			var table bandTable
			if err := yaml.Unmarshal(data, &table); err != nil {
				bandsLoadErr = fmt.Errorf("config: parse %s: %w", path, err)
				return
			}
			bandsByTag = make(map[string]BandEntry, len(table.Bands))
			for _, entry := range table.Bands {
				bandsByTag[entry.EnergyTag] = entry
			}
			return
		}
		bandsLoadErr = fmt.Errorf("config: bands.yaml not found (looked in %v)", paths)
	})
	return bandsByTag, bandsLoadErr
}

package app

import (
	"fmt"
	"strings"
	"time"

	"circlelink/internal/maintenance"
	"circlelink/internal/storage"
	logx "circlelink/pkg/logx"
)

const (
	defaultBusyTimeout   = 5 * time.Second
	defaultPruneSchedule = "0 */6 * * *"
)

func mapStorageConfig(cfg *Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, defaultBusyTimeout)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// pruneSpec is the audit retention job; zero retention disables it.
type pruneSpec struct {
	retention time.Duration
	schedule  string
}

func mapPruneConfig(cfg *Config, validate func(string) error) (pruneSpec, error) {
	if cfg == nil || cfg.Storage == nil {
		return pruneSpec{}, nil
	}
	ret, err := parseDurationField("storage.retention", cfg.Storage.Retention)
	if err != nil {
		return pruneSpec{}, err
	}
	sched := strings.TrimSpace(cfg.Storage.PruneSchedule)
	if sched == "" {
		sched = defaultPruneSchedule
	}
	if validate == nil {
		validate = maintenance.New(logx.Nop(), nil).Validate
	}
	if err := validate(sched); err != nil {
		return pruneSpec{}, fmt.Errorf("storage.prune_schedule: %w", err)
	}
	return pruneSpec{retention: ret, schedule: sched}, nil
}

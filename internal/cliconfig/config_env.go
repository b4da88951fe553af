package cliconfig

import "os"

// ApplyEnvConfig applies IMAGEWAL_* environment variables to the Config.
// Env values override the config file but lose to explicitly set flags.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("log", os.Getenv("IMAGEWAL_LOG"), &cfg.LogPath)
	s.setString("snapshot-dir", os.Getenv("IMAGEWAL_SNAPSHOT_DIR"), &cfg.SnapshotDir)
	s.setString("sync-mode", os.Getenv("IMAGEWAL_SYNC_MODE"), &cfg.SyncMode)

	if err := s.setIntFromString("retain", os.Getenv("IMAGEWAL_RETAIN"), &cfg.Retain); err != nil {
		return err
	}
	if err := s.setDuration("debounce", os.Getenv("IMAGEWAL_DEBOUNCE"), &cfg.Debounce); err != nil {
		return err
	}

	s.setBoolFromString("interleaved", os.Getenv("IMAGEWAL_INTERLEAVED"), &cfg.Interleaved)
	s.setBoolFromString("verbose", os.Getenv("IMAGEWAL_VERBOSE"), &cfg.Verbose)

	return nil
}

package config

import "reflect"

// ConfigDiff describes what changed between two configs. The log level is
// the only hot-applicable change; everything else lands in RestartRequired
// so the watcher can warn operators precisely.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists config paths whose new values only take effect
	// after a restart.
	RestartRequired []string
}

// Empty reports whether no tracked field changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Log.Level != new.Log.Level {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Log.Level
	}
	if old.Log.Format != new.Log.Format {
		d.RestartRequired = append(d.RestartRequired, "log.format")
	}

	if old.Server != new.Server {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	// Providers holds a slice (stt.altLanguages), so it is not comparable
	// with ==.
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}

	d.RestartRequired = append(d.RestartRequired, featureChanges(old.Features, new.Features)...)

	if old.Timeouts != new.Timeouts {
		d.RestartRequired = append(d.RestartRequired, "timeouts")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Pipeline != new.Pipeline {
		d.RestartRequired = append(d.RestartRequired, "pipeline")
	}
	if old.ACE != new.ACE {
		d.RestartRequired = append(d.RestartRequired, "ace")
	}

	return d
}

// featureChanges returns the path of every feature flag that flipped.
func featureChanges(old, new FeaturesConfig) []string {
	var changed []string
	if old.InterimTranscription != new.InterimTranscription {
		changed = append(changed, "features.interimTranscription")
	}
	if old.ManualSend != new.ManualSend {
		changed = append(changed, "features.manualSend")
	}
	if old.TwoWay != new.TwoWay {
		changed = append(changed, "features.twoWay")
	}
	if old.TextFilter != new.TextFilter {
		changed = append(changed, "features.textFilter")
	}
	if old.DetailedLogging != new.DetailedLogging {
		changed = append(changed, "features.detailedLogging")
	}
	if old.ACEHints != new.ACEHints {
		changed = append(changed, "features.aceHints")
	}
	return changed
}

package logic

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultWatchInterval is how often WatchConfig looks at the file.
const DefaultWatchInterval = 5 * time.Second

type configWatcher struct {
	path        string
	lastModTime time.Time
}

func getConfigModTime(configPath string) (time.Time, error) {
	fileInfo, err := os.Stat(configPath)
	if err != nil {
		return time.Time{}, fmt.Errorf("could not get file info: %v", err)
	}
	return fileInfo.ModTime(), nil
}

func (w *configWatcher) hasConfigChanged() (bool, error) {
	currentModTime, err := getConfigModTime(w.path)
	if err != nil {
		return false, err
	}

	if !currentModTime.Equal(w.lastModTime) {
		w.lastModTime = currentModTime
		return true, nil
	}
	return false, nil
}

// WatchConfig calls onChange every time the modification time of configPath
// changes, until ctx is cancelled. The state of the file when WatchConfig is
// called does not count as a change.
func WatchConfig(ctx context.Context, configPath string, interval time.Duration, onChange func()) {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	w := &configWatcher{path: configPath}
	if _, err := w.hasConfigChanged(); err != nil {
		logrus.Warnf("GW: Watching %s: %v", configPath, err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		changed, err := w.hasConfigChanged()
		if err != nil {
			logrus.Debugf("GW: Error checking config change: %v", err)
			continue
		}
		if changed {
			logrus.Infof("GW: Config file %s has changed.", configPath)
			onChange()
		}
	}
}

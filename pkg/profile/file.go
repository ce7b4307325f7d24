package profile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
	"gopkg.in/yaml.v3"
)

var logger = logging.Logger("firestbreak/profile")

// LoadFile reads the user-editable YAML form of a profile. Fields the file
// cannot express (avatar, gestures) are left zero.
func LoadFile(path string) (UserProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return UserProfile{}, err
	}
	var p UserProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return UserProfile{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if p.ID == "" {
		return UserProfile{}, fmt.Errorf("parse %s: %w", path, ErrMissingID)
	}
	if p.Status == "" {
		p.Status = StatusAvailable
	}
	if !p.Status.Valid() {
		return UserProfile{}, fmt.Errorf("parse %s: unknown status %q", path, p.Status)
	}
	p.Interests = normalizeInterests(p.Interests)
	return p, nil
}

// SaveFile writes p as YAML, creating the parent directory if needed.
func SaveFile(path string, p UserProfile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func normalizeInterests(in []string) []string {
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Watch reloads the profile file whenever it changes and hands the result
// to onChange. The directory is watched rather than the file because most
// editors replace files by renaming. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func(UserProfile)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			p, err := LoadFile(path)
			if err != nil {
				logger.Warnf("ignoring profile edit: %v", err)
				continue
			}
			onChange(p)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("profile watcher: %v", err)
		}
	}
}

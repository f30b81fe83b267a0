// Package launcherstore remembers which launchers were installed through
// portalctl, so they can be listed and removed later. The broker offers no
// way to enumerate launchers an application owns.
package launcherstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"go.etcd.io/bbolt"
)

const bucketName = "launchers"

// NoDbError is returned when the store has no open database.
type NoDbError struct{}

func (e NoDbError) Error() string {
	return "launcher store db is nil"
}

// Launcher is one installed launcher.
type Launcher struct {
	DesktopFileID string    `json:"desktop_file_id"`
	Name          string    `json:"name"`
	Type          string    `json:"type"`
	Target        string    `json:"target,omitempty"`
	InstalledAt   time.Time `json:"installed_at"`
}

type Store struct {
	logger log.Logger
	db     *bbolt.DB
}

// Open opens or creates the database at path.
func Open(logger log.Logger, path string) (*Store, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening launcher db %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketName)); err != nil {
			return fmt.Errorf("creating bucket: %w", err)
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		logger: log.With(logger, "component", "launcher_store", "path", path),
		db:     db,
	}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put records l, replacing any launcher with the same desktop file ID.
func (s *Store) Put(l Launcher) error {
	if s == nil || s.db == nil {
		return NoDbError{}
	}
	if l.DesktopFileID == "" {
		return fmt.Errorf("launcher has no desktop file id")
	}

	raw, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshalling launcher: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(bucketName)).Put([]byte(l.DesktopFileID), raw); err != nil {
			return fmt.Errorf("error setting %s key: %w", l.DesktopFileID, err)
		}
		return nil
	})
}

// Get returns the launcher recorded for desktopFileID, if any.
func (s *Store) Get(desktopFileID string) (Launcher, bool, error) {
	if s == nil || s.db == nil {
		return Launcher{}, false, NoDbError{}
	}

	var raw []byte
	if err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket([]byte(bucketName)).Get([]byte(desktopFileID)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return Launcher{}, false, err
	}

	if raw == nil {
		return Launcher{}, false, nil
	}

	var l Launcher
	if err := json.Unmarshal(raw, &l); err != nil {
		return Launcher{}, false, fmt.Errorf("unmarshalling launcher %s: %w", desktopFileID, err)
	}
	return l, true, nil
}

func (s *Store) Delete(desktopFileID string) error {
	if s == nil || s.db == nil {
		return NoDbError{}
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(bucketName)).Delete([]byte(desktopFileID)); err != nil {
			return fmt.Errorf("error deleting %s key: %w", desktopFileID, err)
		}
		return nil
	})
}

// List returns every recorded launcher ordered by desktop file ID. Entries
// that no longer unmarshal are logged and skipped.
func (s *Store) List() ([]Launcher, error) {
	if s == nil || s.db == nil {
		return nil, NoDbError{}
	}

	var launchers []Launcher
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).ForEach(func(k, v []byte) error {
			var l Launcher
			if err := json.Unmarshal(v, &l); err != nil {
				level.Info(s.logger).Log("msg", "skipping unreadable launcher record", "key", string(k), "err", err)
				return nil
			}
			launchers = append(launchers, l)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("iterating launchers: %w", err)
	}

	sort.Slice(launchers, func(i, j int) bool {
		return launchers[i].DesktopFileID < launchers[j].DesktopFileID
	})
	return launchers, nil
}

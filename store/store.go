// SPDX-License-Identifier: GPL-2.0-only

// Package store persists the desired device-to-client assignment so that
// intent survives a restart of the orchestrator. It records intent only;
// live attachment state is rebuilt by reconciliation.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/afero"
)

// Data is the on-disk document. DeviceAssignments may reference ports that
// are no longer whitelisted; consumers must tolerate and preserve those
// entries so a whitelist change is not destructive.
type Data struct {
	AssignAllClientID string            `json:"assign_all_client_id"`
	DeviceAssignments map[string]string `json:"device_assignments"`
}

func emptyData() Data {
	return Data{DeviceAssignments: make(map[string]string)}
}

// Clone returns a deep copy, so callers can hand the result around without
// aliasing the orchestrator's mirror.
func (d Data) Clone() Data {
	out := Data{
		AssignAllClientID: d.AssignAllClientID,
		DeviceAssignments: make(map[string]string, len(d.DeviceAssignments)),
	}
	for busId, clientId := range d.DeviceAssignments {
		out.DeviceAssignments[busId] = clientId
	}
	return out
}

type Store struct {
	fsys   afero.Fs
	path   string
	logger log.Logger
}

func New(fsys afero.Fs, path string, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Store{fsys: fsys, path: path, logger: logger}
}

// Load reads the persisted assignments. A missing file is an empty store,
// not an error; anything else unreadable is reported so the operator can
// decide whether to intervene.
func (s *Store) Load() (Data, error) {
	content, err := afero.ReadFile(s.fsys, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyData(), nil
		}
		return emptyData(), errors.Wrapf(err, "failed to read assignments from %s", s.path)
	}

	var data Data
	if err = json.Unmarshal(content, &data); err != nil {
		return emptyData(), errors.Wrapf(err, "failed to decode assignments in %s", s.path)
	}
	if data.DeviceAssignments == nil {
		data.DeviceAssignments = make(map[string]string)
	}
	_ = level.Info(s.logger).Log("msg", "loaded assignments", "path", s.path, "count", len(data.DeviceAssignments))
	return data, nil
}

// Save writes the assignments atomically: marshal, write a sibling temp
// file, rename over the target. A crash mid-save leaves the previous
// document intact.
func (s *Store) Save(data Data) error {
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode assignments")
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err = s.fsys.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "failed to create directory for %s", s.path)
		}
	}

	tmpPath := s.path + ".tmp"
	if err = afero.WriteFile(s.fsys, tmpPath, content, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", tmpPath)
	}
	if err = s.fsys.Rename(tmpPath, s.path); err != nil {
		return errors.Wrapf(err, "failed to replace %s", s.path)
	}
	return nil
}

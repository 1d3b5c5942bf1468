// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package persist implements the write-temp-then-rename file discipline the
// gateway uses for every persisted artifact, mirrored across all configured
// data directories.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// tempSeq disambiguates temp names when several writers share a process.
var tempSeq atomic.Int64

// WriteFileAtomic writes data to path via a temp sibling and rename. A crash
// at any point leaves the target either absent or at its previous content.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.tmp.%d.%d.%d", path, os.Getpid(), time.Now().UnixMilli(), tempSeq.Add(1))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Mirror applies an atomic write of data to rel under every data directory.
// Partial failure is logged and reported but earlier successful writes stand.
func Mirror(dirs []string, rel string, data []byte, log *zap.SugaredLogger) error {
	var firstErr error
	for _, d := range dirs {
		if err := WriteFileAtomic(filepath.Join(d, rel), data); err != nil {
			if log != nil {
				log.Warnw("mirror write failed", "dir", d, "file", rel, "err", err)
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ReadFirst returns the content of rel from the first data directory holding
// a readable copy. os.ErrNotExist is returned when no directory has one.
func ReadFirst(dirs []string, rel string) ([]byte, error) {
	for _, d := range dirs {
		b, err := os.ReadFile(filepath.Join(d, rel))
		if err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("persist: %s: %w", rel, os.ErrNotExist)
}

// SaveJSON marshals v and mirrors it to rel in every data directory.
func SaveJSON(dirs []string, rel string, v any, log *zap.SugaredLogger) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return Mirror(dirs, rel, b, log)
}

// LoadJSON unmarshals rel from the first readable data directory into v.
// A missing file is reported as os.ErrNotExist; callers at startup treat it
// as empty state.
func LoadJSON(dirs []string, rel string, v any) error {
	b, err := ReadFirst(dirs, rel)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("persist: %s: %w", rel, err)
	}
	return nil
}

// IsNotExist reports whether err means the file was absent everywhere.
func IsNotExist(err error) bool { return errors.Is(err, os.ErrNotExist) }

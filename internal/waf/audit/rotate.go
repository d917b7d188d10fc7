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

package audit

import (
	"fmt"
	"os"
)

// rotateLocked shifts numbered backups up by one (dropping the oldest at
// Keep), moves the live file to .1, and reopens an empty live file. Caller
// must already hold s.mu.
func (s *Sink) rotateLocked() error {
	if s.rot.Keep <= 0 {
		return nil
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	if err := s.f.Close(); err != nil {
		return err
	}

	for idx := s.rot.Keep; idx >= 1; idx-- {
		src := fmt.Sprintf("%s.%d", s.path, idx)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if idx == s.rot.Keep {
			if err := os.Remove(src); err != nil {
				return err
			}
			continue
		}
		dst := fmt.Sprintf("%s.%d", s.path, idx+1)
		if err := os.Rename(src, dst); err != nil {
			return err
		}
	}
	if err := os.Rename(s.path, s.path+".1"); err != nil {
		return err
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	s.f = f
	s.w.Reset(f)
	s.size = 0
	return nil
}

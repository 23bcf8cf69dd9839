/*
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package genassume

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fwessels/genassume/internal/rewriter"
)

// ProcessDir rewrites every configured header found in dir, prepending the
// sentinel include and injecting feature assumptions. A header that already
// carries the sentinel as its first line is left untouched, so a second run
// over the same directory is a no-op. Any missing file or I/O failure aborts
// the whole run.
func ProcessDir(fm FeatureMap, dir string) error {
	rw := rewriter.New(fm)
	for _, name := range headerFiles {
		if err := processFile(rw, filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	if leftover := rw.Pending(); len(leftover) > 0 {
		slog.Debug("intrinsics never matched in any header", "count", len(leftover), "names", leftover)
	}
	return nil
}

// processFile renames the original aside, rewrites it under its own name and
// removes the renamed-aside copy on success. If the file turns out to be
// processed already, the original is restored unchanged.
func processFile(rw *rewriter.Rewriter, path string) error {
	tmp := path + ".tmp"
	if err := os.Rename(path, tmp); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}

	in, err := os.Open(tmp)
	if err != nil {
		return fmt.Errorf("open %s: %w", tmp, err)
	}
	var out bytes.Buffer
	err = rw.Rewrite(in, &out)
	in.Close()

	if errors.Is(err, rewriter.ErrAlreadyProcessed) {
		slog.Debug("already processed", "file", filepath.Base(path))
		if err := os.Rename(tmp, path); err != nil {
			return fmt.Errorf("restore %s: %w", path, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("rewrite %s: %w", path, err)
	}

	slog.Info("adding assumes", "file", filepath.Base(path))
	if err := os.WriteFile(path, out.Bytes(), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Remove(tmp); err != nil {
		return fmt.Errorf("remove %s: %w", tmp, err)
	}
	return nil
}

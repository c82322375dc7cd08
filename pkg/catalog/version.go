// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"database/sql"
	"fmt"

	"golang.org/x/mod/semver"
)

// VersionCompatibility is the result of comparing the running binary's
// version against the version recorded in run_meta by whichever run first
// created this catalog file.
type VersionCompatibility int

const (
	VersionCompatCheckSkipped VersionCompatibility = iota
	VersionCompatNotRecorded
	VersionCompatOlder
	VersionCompatEqual
	VersionCompatNewer
)

// CheckVersion compares binaryVersion against the version recorded in
// run_meta, recording binaryVersion if no row exists yet (first run against
// this catalog file). "development" builds skip the check entirely, since
// they carry no comparable semver tag.
func (s *Store) CheckVersion(ctx context.Context, binaryVersion string) (VersionCompatibility, error) {
	if binaryVersion == "" || binaryVersion == "development" {
		return VersionCompatCheckSkipped, nil
	}

	var recorded string
	err := s.db.QueryRowContext(ctx, "SELECT version FROM run_meta WHERE id = 0").Scan(&recorded)
	if err == sql.ErrNoRows {
		return VersionCompatNotRecorded, s.recordVersion(ctx, binaryVersion)
	}
	if err != nil {
		return 0, wrapDBError("check version", err)
	}

	tag, recordedTag := normalizeSemver(binaryVersion), normalizeSemver(recorded)
	if !semver.IsValid(tag) || !semver.IsValid(recordedTag) {
		return VersionCompatCheckSkipped, nil
	}

	switch semver.Compare(tag, recordedTag) {
	case -1:
		return VersionCompatOlder, nil
	case 1:
		return VersionCompatNewer, nil
	default:
		return VersionCompatEqual, nil
	}
}

func (s *Store) recordVersion(ctx context.Context, version string) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO run_meta (id, version) VALUES (0, ?) ON CONFLICT (id) DO NOTHING", version)
		return err
	})
}

// normalizeSemver adds the "v" prefix golang.org/x/mod/semver requires.
func normalizeSemver(v string) string {
	if len(v) > 0 && v[0] != 'v' {
		return "v" + v
	}
	return v
}

func (c VersionCompatibility) String() string {
	switch c {
	case VersionCompatCheckSkipped:
		return "skipped"
	case VersionCompatNotRecorded:
		return "not-recorded"
	case VersionCompatOlder:
		return "binary older than run directory"
	case VersionCompatNewer:
		return "binary newer than run directory"
	case VersionCompatEqual:
		return "equal"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

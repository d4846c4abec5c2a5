// ABOUTME: Agent version comparison and update availability checks
// ABOUTME: Dotted-numeric compare with missing components treated as zero

package monitor

import (
	"fmt"
	"strconv"
	"strings"
)

// VersionCheckResult describes whether an agent should update.
type VersionCheckResult struct {
	CurrentVersion  string `json:"current_version"`
	LatestVersion   string `json:"latest_version"`
	UpdateAvailable bool   `json:"update_available"`
	ReleaseNotes    string `json:"release_notes,omitempty"`
	UpdateURL       string `json:"update_url,omitempty"`
}

// CheckVersion compares an agent's reported version against the
// configured latest version.
func (m *Monitor) CheckVersion(current string) VersionCheckResult {
	res := VersionCheckResult{
		CurrentVersion: current,
		LatestVersion:  m.version.Latest,
	}

	if !versionNewer(m.version.Latest, current) {
		return res
	}

	res.UpdateAvailable = true
	res.ReleaseNotes = m.version.ReleaseNotes
	res.UpdateURL = fmt.Sprintf("%s/fleet-agent-%s", strings.TrimRight(m.version.UpdateURLBase, "/"), m.version.Latest)
	return res
}

// versionNewer reports whether a is strictly newer than b under
// dotted-numeric comparison. Missing trailing components count as zero,
// so "1.0" < "1.0.1". A non-numeric component resolves the whole
// comparison to "not newer" rather than erroring.
func versionNewer(a, b string) bool {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")

	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}

	for i := 0; i < n; i++ {
		av, bv := 0, 0
		var err error
		if i < len(as) {
			if av, err = strconv.Atoi(as[i]); err != nil {
				return false
			}
		}
		if i < len(bs) {
			if bv, err = strconv.Atoi(bs[i]); err != nil {
				return false
			}
		}
		if av != bv {
			return av > bv
		}
	}
	return false
}

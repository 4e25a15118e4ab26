package scheduler

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/tanq16/hanzo/internal/manifest"
	"github.com/tanq16/hanzo/internal/store"
	"github.com/tanq16/hanzo/utils"
)

// checkDiskSpace estimates the bytes still needed for the bundle and
// compares against free space on the destination volume. Files already
// present count as done; partials count at their current length. The
// check is advisory: if the volume can't be stat'd we log and move on.
func checkDiskSpace(s *store.Store, m *manifest.Manifest) error {
	log := utils.GetLogger("preflight")
	var needed int64
	for _, e := range m.Files {
		if !e.SizeKnown() {
			continue
		}
		existing, isFinal, err := s.ExistingBytes(e.Name)
		if err != nil {
			continue
		}
		if isFinal {
			continue
		}
		if remaining := e.Size - existing; remaining > 0 {
			needed += remaining
		}
	}
	if needed == 0 {
		return nil
	}
	usage, err := disk.Usage(s.Root())
	if err != nil {
		log.Debug().Err(err).Str("path", s.Root()).Msg("Could not stat destination volume, skipping space check")
		return nil
	}
	if usage.Free < uint64(needed) {
		return fmt.Errorf("insufficient disk space: need %s, have %s free at %s",
			utils.FormatBytes(uint64(needed)), utils.FormatBytes(usage.Free), s.Root())
	}
	log.Debug().Str("needed", utils.FormatBytes(uint64(needed))).Str("free", utils.FormatBytes(usage.Free)).Msg("Disk space check passed")
	return nil
}

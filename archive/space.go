package archive

import "fmt"

// scratchFactor is the headroom required on the scratch volume relative to
// the archive size before extraction may begin.
const scratchFactor = 1.15

// CheckScratchSpace verifies the precondition that the scratch volume can
// hold the extraction working set. It must be called before any write.
func CheckScratchSpace(dir string, archiveSize int64) error {
	free, err := freeSpace(dir)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", ErrScratchSpace, dir, err)
	}
	need := uint64(float64(archiveSize) * scratchFactor)
	if free < need {
		return fmt.Errorf("%w: need %d bytes on %s, have %d", ErrScratchSpace, need, dir, free)
	}
	return nil
}

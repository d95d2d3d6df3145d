package memory

import (
	"github.com/dustin/go-humanize"
)

// Defragment repacks live allocations on dev when the backend supports
// in-place compaction. Allocation ids, sizes and virtual addresses do not
// change; only physical placement does. BytesReclaimed is the growth of the
// largest contiguous free block.
func (a *Allocator) Defragment(dev DeviceID) (DefragResult, error) {
	d, err := a.device(dev)
	if err != nil {
		return DefragResult{}, err
	}
	res := DefragResult{Device: dev}
	c, ok := d.backend.(Compactor)
	if !ok {
		return res, nil
	}
	if sc, ok := d.backend.(interface{ SupportsCompaction() bool }); ok && !sc.SupportsCompaction() {
		return res, nil
	}
	res.Supported = true

	d.mu.Lock()
	defer d.mu.Unlock()

	if fr, ok := d.backend.(FragmentationReporter); ok {
		if res.Before, err = fr.Fragmentation(dev); err != nil {
			return res, asDeviceUnavailable(err, dev)
		}
	}
	moves, err := c.Compact(dev)
	if err != nil {
		return res, asDeviceUnavailable(err, dev)
	}
	res.Moved = a.tracker.relocate(dev, moves)
	if fr, ok := d.backend.(FragmentationReporter); ok {
		if res.After, err = fr.Fragmentation(dev); err != nil {
			return res, asDeviceUnavailable(err, dev)
		}
	}
	if res.After.LargestFree > res.Before.LargestFree {
		res.BytesReclaimed = res.After.LargestFree - res.Before.LargestFree
		defragReclaimedBytes.WithLabelValues(string(dev)).Add(float64(res.BytesReclaimed))
	}
	a.log.Info().
		Str("device", string(dev)).
		Int("moved", res.Moved).
		Str("reclaimed", humanize.IBytes(res.BytesReclaimed)).
		Float64("frag_before", res.Before.Ratio).
		Float64("frag_after", res.After.Ratio).
		Msg("defragmented")
	return res, nil
}

package ntfs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Load opens the volume holding root (or the explicit device path),
// builds its index and closes the device again. Every failure is
// reported as ErrUnavailable so the caller can fall back.
func Load(ctx context.Context, root, device string, opts Options) (*Index, error) {
	start := time.Now()
	vol, err := openVolume(root, device)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer vol.Close()

	idx, err := Build(ctx, vol, opts)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	opts.Log.Info().
		Str("root", root).
		Int("records", idx.stats.InUse).
		Dur("took", time.Since(start)).
		Msg("ntfs: using fast path")
	return idx, nil
}

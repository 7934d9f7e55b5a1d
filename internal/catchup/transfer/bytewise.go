package transfer

import (
	"context"
	"fmt"
	"io"

	"github.com/vbp1/pg-catchup/internal/catchup/model"
	"github.com/vbp1/pg-catchup/internal/catchup/remoteio"
)

// BytewiseCopy copies the full byte range of a non-datafile entry,
// preserving mode bits. A source that vanished between the scan and the
// copy is reported via model.FileNotFound rather than as an error,
// matching the reconciliation-friendly semantics incremental modes
// depend on (the parent directory already exists, topology
// materialization made sure of it).
func BytewiseCopy(ctx context.Context, sourceCap, destCap remoteio.Capability, fromPath, toPath string, mode uint32) (readSize, writeSize int64, err error) {
	if _, serr := sourceCap.Stat(ctx, fromPath); serr != nil {
		return 0, model.FileNotFound, nil
	}

	r, err := sourceCap.Open(ctx, fromPath, 0)
	if err != nil {
		return 0, model.FileNotFound, nil
	}
	defer r.Close()

	w, err := destCap.Create(ctx, toPath, fileModeOrDefault(mode))
	if err != nil {
		return 0, 0, fmt.Errorf("create %q: %w", toPath, err)
	}
	n, copyErr := io.Copy(w, r)
	if cerr := w.Close(); copyErr == nil {
		copyErr = cerr
	}
	if copyErr != nil {
		return n, 0, fmt.Errorf("copy %q: %w", fromPath, copyErr)
	}
	return n, n, nil
}

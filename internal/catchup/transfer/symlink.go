package transfer

import (
	"context"

	"github.com/vbp1/pg-catchup/internal/catchup/model"
	"github.com/vbp1/pg-catchup/internal/catchup/remoteio"
)

// copySymlink recreates a symlink entry that is not a tablespace link
// under pg_tblspc (those are topology materialization's job). A source
// link that vanished
// between scan and copy is reported the same way a missing regular file
// is, via model.FileNotFound.
func copySymlink(ctx context.Context, sourceCap, destCap remoteio.Capability, fromPath, toPath string) (readSize, writeSize int64, err error) {
	target, terr := sourceCap.Readlink(ctx, fromPath)
	if terr != nil {
		return 0, model.FileNotFound, nil
	}
	if err := destCap.Symlink(ctx, target, toPath); err != nil {
		return 0, 0, err
	}
	n := int64(len(target))
	return n, n, nil
}

package remoteio

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/vbp1/pg-catchup/internal/catchup/model"
	"github.com/vbp1/pg-catchup/internal/ssh"
)

// SSH implements Capability over a single persistent SSH connection to the
// source host: the control file is fetched with a plain "cat" over
// client.Output, and List shells out to `find` and parses its output —
// the same text-parsing idiom pg_probackup's remote agent uses for
// directory listings. That `find` runs without -L, so List does not
// follow symlinks: a symlink (a tablespace link under pg_tblspc included)
// is listed as one entry with its target, and the contents of the
// directory it points to are not listed.
type SSH struct {
	Client *ssh.Client
}

func NewSSH(client *ssh.Client) *SSH { return &SSH{Client: client} }

func (s *SSH) List(ctx context.Context, root string) ([]ListedFile, error) {
	// %y: file type (f/d/l), %m: octal perm, %s: size, %p: path, %l: link target
	cmd := fmt.Sprintf(`find '%s' -mindepth 1 \( -name 'postmaster.pid' -o -name 'postmaster.opts' -o -name 'pg_internal.init' -o -name 'pgsql_tmp*' \) -prune -o \( -name pg_dynshmem -o -name pg_notify -o -name pg_serial -o -name pg_snapshots -o -name pg_stat_tmp -o -name pg_subtrans \) -prune -o -printf '%%y\t%%m\t%%s\t%%p\t%%l\n'`, root)
	out, err := s.Client.Output(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("remote list: %w", err)
	}
	var entries []ListedFile
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		fields := strings.SplitN(sc.Text(), "\t", 5)
		if len(fields) < 5 {
			continue
		}
		rel := strings.TrimPrefix(fields[3], root+"/")
		mode, _ := strconv.ParseUint(fields[1], 8, 32)
		size, _ := strconv.ParseInt(fields[2], 10, 64)
		lf := ListedFile{RelPath: rel, Mode: uint32(mode), Size: size}
		switch fields[0] {
		case "d":
			lf.Kind = model.KindDirectory
		case "l":
			lf.Kind = model.KindSymlink
			lf.LinkTarget = fields[4]
		default:
			lf.Kind = model.KindRegular
		}
		entries = append(entries, lf)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].RelPath < entries[j].RelPath })
	return entries, nil
}

func (s *SSH) Open(ctx context.Context, path string, off int64) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	cmd := fmt.Sprintf("tail -c +%d '%s'", off+1, path)
	go func() {
		err := s.Client.Run(ctx, cmd, pw, io.Discard)
		_ = pw.CloseWithError(err)
	}()
	return pr, nil
}

func (s *SSH) Create(ctx context.Context, path string, mode uint32) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	cmd := fmt.Sprintf("cat > '%s' && chmod %o '%s'", path, mode, path)
	done := make(chan error, 1)
	go func() {
		done <- s.Client.RunStdin(ctx, cmd, pr, io.Discard, io.Discard)
	}()
	return &sshWriter{pw: pw, done: done}, nil
}

type sshWriter struct {
	pw   *io.PipeWriter
	done chan error
}

func (w *sshWriter) Write(p []byte) (int, error) { return w.pw.Write(p) }

func (w *sshWriter) Close() error {
	_ = w.pw.Close()
	return <-w.done
}

func (s *SSH) WriteAt(ctx context.Context, path string, off int64, data []byte) error {
	cmd := fmt.Sprintf("dd of='%s' bs=1 seek=%d conv=notrunc 2>/dev/null", path, off)
	return s.Client.RunStdin(ctx, cmd, bytes.NewReader(data), io.Discard, io.Discard)
}

func (s *SSH) Mkdir(ctx context.Context, path string, mode uint32) error {
	return s.Client.Run(ctx, fmt.Sprintf("mkdir -p -m %o '%s'", mode, path), io.Discard, io.Discard)
}

func (s *SSH) Readlink(ctx context.Context, path string) (string, error) {
	out, err := s.Client.Output(ctx, fmt.Sprintf("readlink '%s'", path))
	return strings.TrimSpace(string(out)), err
}

func (s *SSH) Symlink(ctx context.Context, target, path string) error {
	return s.Client.Run(ctx, fmt.Sprintf("ln -s '%s' '%s'", target, path), io.Discard, io.Discard)
}

func (s *SSH) Sync(ctx context.Context, path string) error {
	// No portable single-file fsync from the shell; fsync the containing
	// directory's filesystem view is close enough for a best-effort
	// remote flush and matches what a plain `sync` does for local disks.
	return s.Client.Run(ctx, fmt.Sprintf("sync -- '%s' 2>/dev/null || sync", path), io.Discard, io.Discard)
}

func (s *SSH) Delete(ctx context.Context, path string) error {
	return s.Client.Run(ctx, fmt.Sprintf("rm -rf '%s'", path), io.Discard, io.Discard)
}

func (s *SSH) CheckPostmaster(ctx context.Context, pgdata string) (int, bool, error) {
	out, err := s.Client.Output(ctx, fmt.Sprintf("cat '%s/postmaster.pid' 2>/dev/null || true", pgdata))
	_ = err // absence is not an I/O failure here
	s2 := strings.TrimSpace(string(out))
	if s2 == "" {
		return 0, false, nil
	}
	line := strings.SplitN(s2, "\n", 2)[0]
	pid, convErr := strconv.Atoi(strings.TrimSpace(line))
	if convErr != nil {
		return 0, false, fmt.Errorf("parse postmaster.pid: %w", convErr)
	}
	checkErr := s.Client.Run(ctx, fmt.Sprintf("kill -0 %d", pid), io.Discard, io.Discard)
	return pid, checkErr == nil, nil
}

func (s *SSH) ReadControlFile(ctx context.Context, pgdata string) ([]byte, error) {
	return s.Client.Output(ctx, fmt.Sprintf("cat '%s/global/pg_control'", pgdata))
}

func (s *SSH) Stat(ctx context.Context, path string) (ListedFile, error) {
	out, err := s.Client.Output(ctx, fmt.Sprintf("stat -c '%%F|%%a|%%s' '%s'", path))
	if err != nil {
		return ListedFile{}, err
	}
	parts := strings.SplitN(strings.TrimSpace(string(out)), "|", 3)
	if len(parts) != 3 {
		return ListedFile{}, fmt.Errorf("unexpected stat output %q", out)
	}
	lf := ListedFile{}
	switch {
	case strings.Contains(parts[0], "directory"):
		lf.Kind = model.KindDirectory
	case strings.Contains(parts[0], "symbolic link"):
		lf.Kind = model.KindSymlink
	default:
		lf.Kind = model.KindRegular
	}
	mode, _ := strconv.ParseUint(parts[1], 8, 32)
	size, _ := strconv.ParseInt(parts[2], 10, 64)
	lf.Mode, lf.Size = uint32(mode), size
	return lf, nil
}

func (s *SSH) Close() error { return s.Client.Close() }

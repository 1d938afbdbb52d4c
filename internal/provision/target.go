package provision

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"

	"stevedore/internal/bundle"
	"stevedore/internal/remote"
	"stevedore/internal/stage"
)

// Target is a connected, locked host. Close releases the lock.
type Target struct {
	host      remote.Host
	dir       string
	releaseID string
	tools     []Tool
	install   bool
	log       *slog.Logger
	closed    bool
}

func (t *Target) Host() remote.Host { return t.host }

// Dir is the bundle directory on the host.
func (t *Target) Dir() string { return t.dir }

// EnsureTooling probes every tool and installs only the missing ones. On a
// provisioned host it runs nothing but the probes.
func (t *Target) EnsureTooling(ctx context.Context) error {
	missing, err := t.probe(ctx)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		t.log.Debug("Tooling present.")
		return nil
	}
	if !t.install {
		return stage.Errorf(stage.ErrTooling, "missing on host: %s", toolNames(missing))
	}

	t.log.Info("Installing missing tooling.", "tools", toolNames(missing))
	if _, err := t.host.Exec(ctx, "sh", "-c", InstallScript(missing)); err != nil {
		return stage.New(stage.ErrTooling, "install "+toolNames(missing), err)
	}

	missing, err = t.probe(ctx)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return stage.Errorf(stage.ErrTooling, "still missing after install: %s", toolNames(missing))
	}
	return nil
}

func (t *Target) probe(ctx context.Context) ([]Tool, error) {
	var missing []Tool
	for _, tool := range t.tools {
		_, err := t.host.Exec(ctx, tool.Probe...)
		if err == nil {
			continue
		}
		if !remote.IsExit(err) {
			return nil, stage.New(stage.ErrConnection, "probe "+tool.Name, err)
		}
		t.log.Debug("Tool missing.", "tool", tool.Name, "err", err)
		missing = append(missing, tool)
	}
	return missing, nil
}

// Transfer uploads the bundle in two phases. Every file is first written to
// a per-release staging directory. Only when all uploads succeed are they
// installed, each previous file moved aside first. If any install step
// fails, the moved files are put back and the new ones removed, so the host
// keeps the previous bundle.
func (t *Target) Transfer(ctx context.Context, b bundle.Bundle) error {
	files := b.Files()
	staging := stagingDir(t.dir, t.releaseID)
	previous := path.Join(staging, previousDir)

	if err := t.host.RemoveAll(ctx, staging); err != nil {
		return stage.New(stage.ErrTransfer, "clear staging", err)
	}
	if err := t.host.MkdirAll(ctx, previous); err != nil {
		return stage.New(stage.ErrTransfer, "create staging", err)
	}

	for _, f := range files {
		if err := t.host.WriteFile(ctx, path.Join(staging, f.Name), f.Data, f.Mode); err != nil {
			t.discard(staging)
			return stage.New(stage.ErrTransfer, "upload "+f.Name, err)
		}
	}

	var done []installed
	for i, f := range files {
		step := installed{name: f.Name}
		dst := path.Join(t.dir, f.Name)

		err := t.host.Rename(ctx, dst, path.Join(previous, f.Name))
		switch {
		case err == nil:
			step.backedUp = true
		case errors.Is(err, fs.ErrNotExist):
		default:
			t.rollback(previous, done)
			t.discard(staging)
			return stage.New(stage.ErrTransfer, "back up "+f.Name, err)
		}
		if err := ctx.Err(); err != nil {
			t.rollback(previous, append(done, step))
			t.discard(staging)
			return stage.New(stage.ErrTransfer, "install "+f.Name, err)
		}

		if err := t.host.Rename(ctx, path.Join(staging, f.Name), dst); err != nil {
			t.rollback(previous, append(done, step))
			t.discard(staging)
			return stage.New(stage.ErrTransfer, "install "+f.Name,
				fmt.Errorf("%w (%d of %d files installed, previous bundle restored)", err, i, len(files)))
		}
		step.placed = true
		done = append(done, step)
	}

	if err := t.host.RemoveAll(ctx, staging); err != nil {
		t.log.Warn("Failed to remove staging directory.", "path", staging, "err", err)
	}
	t.log.Info("Bundle transferred.", "dir", t.dir, "files", len(files), "digest", b.Digest())
	return nil
}

// installed tracks one file of an interrupted install.
type installed struct {
	name     string
	backedUp bool
	placed   bool
}

// rollback undoes installs in reverse order. It runs on a fresh context so
// an aborted release still restores the previous bundle.
func (t *Target) rollback(previous string, done []installed) {
	ctx := context.Background()
	for i := len(done) - 1; i >= 0; i-- {
		f := done[i]
		dst := path.Join(t.dir, f.name)
		var err error
		switch {
		case f.backedUp:
			err = t.host.Rename(ctx, path.Join(previous, f.name), dst)
		case f.placed:
			err = t.host.RemoveAll(ctx, dst)
		}
		if err != nil {
			t.log.Error("Failed to restore previous bundle file.", "path", dst, "err", err)
		}
	}
}

// discard removes the staging directory with a fresh context so cleanup
// still runs after cancellation.
func (t *Target) discard(staging string) {
	if err := t.host.RemoveAll(context.Background(), staging); err != nil {
		t.log.Warn("Failed to remove staging directory.", "path", staging, "err", err)
	}
}

// Close releases the host lock and closes the channel. It is safe to call
// more than once.
func (t *Target) Close(ctx context.Context) error {
	if t.closed {
		return nil
	}
	t.closed = true

	lockErr := t.host.RemoveAll(ctx, path.Join(t.dir, lockName))
	if lockErr != nil {
		lockErr = fmt.Errorf("release host lock: %w", lockErr)
	} else {
		t.log.Info("Host unlocked.", "release", t.releaseID)
	}
	return errors.Join(lockErr, t.host.Close())
}

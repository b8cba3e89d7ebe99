// Package fileutil writes files the way the engine's consumers expect to
// find them: complete or not at all, with the requested owner and mode.
package fileutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// WriteAtomic replaces path with data. The content is written to a temporary
// file in the same directory, synced, given mode and owner, and renamed over
// path, so readers see either the old or the new content. A uid or gid of -1
// leaves that id unchanged.
func WriteAtomic(path string, data []byte, mode os.FileMode, uid, gid int) error {
	tmp, err := writeTemp(path, data, mode, uid, gid)
	if err != nil {
		return err
	}
	err = os.Rename(tmp, path)
	if err != nil {
		_ = os.Remove(tmp)
	}
	return err
}

// writeTemp writes data to a new temporary file next to path and returns its
// name.
func writeTemp(path string, data []byte, mode os.FileMode, uid, gid int) (name string, err error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".*")
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	_, err = tmp.Write(data)
	if err != nil {
		return "", err
	}
	err = tmp.Sync()
	if err != nil {
		return "", err
	}
	err = tmp.Chmod(mode)
	if err != nil {
		return "", err
	}
	if uid != -1 || gid != -1 {
		err = tmp.Chown(uid, gid)
		if err != nil {
			return "", err
		}
	}
	err = tmp.Close()
	if err != nil {
		return "", err
	}
	return tmp.Name(), nil
}

type stagedFile struct {
	path string
	tmp  string
	// backup is a hard link to the previous content of path, while a
	// commit is in progress.
	backup string
}

// FileSet replaces several files together: either every target gets its new
// content or every target keeps what it had. Nothing is visible at the
// targets until Commit.
type FileSet struct {
	files []stagedFile
}

// Add writes data to a temporary file next to path. See WriteAtomic for
// mode, uid and gid.
func (fs *FileSet) Add(path string, data []byte, mode os.FileMode, uid, gid int) error {
	tmp, err := writeTemp(path, data, mode, uid, gid)
	if err != nil {
		return err
	}
	fs.files = append(fs.files, stagedFile{path: path, tmp: tmp})
	return nil
}

// Discard removes the temporary files of everything not committed.
func (fs *FileSet) Discard() {
	for _, f := range fs.files {
		_ = os.Remove(f.tmp)
	}
	fs.files = nil
}

// Commit renames every staged file over its target. When a rename fails, the
// targets replaced so far get their previous content back, targets that did
// not exist before are removed again, and the error is returned.
func (fs *FileSet) Commit() error {
	defer fs.Discard()
	for i := range fs.files {
		f := &fs.files[i]
		fi, err := os.Lstat(f.path)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		f.backup, err = keepPrevious(f.path)
		if err != nil {
			fs.removeBackups()
			return fmt.Errorf("keeping previous %s: %w", f.path, err)
		}
	}
	for i, f := range fs.files {
		err := os.Rename(f.tmp, f.path)
		if err != nil {
			fs.restore(i)
			return err
		}
	}
	fs.removeBackups()
	return nil
}

// restore undoes the first n renames of a failed commit.
func (fs *FileSet) restore(n int) {
	for _, f := range fs.files[:n] {
		if f.backup != "" {
			_ = os.Rename(f.backup, f.path)
		} else {
			_ = os.Remove(f.path)
		}
	}
	fs.removeBackups()
}

func (fs *FileSet) removeBackups() {
	for i := range fs.files {
		if fs.files[i].backup != "" {
			_ = os.Remove(fs.files[i].backup)
			fs.files[i].backup = ""
		}
	}
}

// keepPrevious hard links path to a fresh name in the same directory.
func keepPrevious(path string) (string, error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	placeholder, err := os.CreateTemp(dir, "."+base+".old.*")
	if err != nil {
		return "", err
	}
	name := placeholder.Name()
	_ = placeholder.Close()
	err = os.Remove(name)
	if err != nil {
		return "", err
	}
	err = os.Link(path, name)
	if err != nil {
		return "", err
	}
	return name, nil
}

// ReadIfExists returns the content of path, or nil if it does not exist.
func ReadIfExists(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// RunCommand runs the command line template with every "{}" replaced by arg.
// The line is split on white space; there is no shell. An empty template is
// a no-op. The combined output is part of the returned error.
func RunCommand(ctx context.Context, template, arg string) error {
	fields := strings.Fields(strings.ReplaceAll(template, "{}", arg))
	if len(fields) == 0 {
		return nil
	}
	out, err := exec.CommandContext(ctx, fields[0], fields[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("running %q: %w: %s", strings.Join(fields, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

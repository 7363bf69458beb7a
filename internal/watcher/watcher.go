// Package watcher tracks one or more freebsd-update database
// directories, refreshing an install/rollback counter pair for each
// whenever the directory changes (or, failing that, on a fixed
// schedule), and knows how to drive freebsd-update and rc.d scripts on
// the watched system's behalf.
package watcher

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/facund/facund/internal/privilege"
)

// ErrUnknownService is returned by RestartService when no rc.d script
// exists for the requested service name.
var ErrUnknownService = errors.New("watcher: unknown service")

// ErrNotRootBase is returned by RestartService when asked to restart a
// service outside the "/" base directory.
var ErrNotRootBase = errors.New("watcher: can only restart services in /")

const (
	updateDataDir        = "var/db/freebsd-update"
	freebsdUpdateCommand = "/usr/sbin/freebsd-update"

	// DefaultCheckPeriod matches the original 30-minute sleep/kqueue
	// timeout used when nothing else has prompted a refresh.
	DefaultCheckPeriod = 30 * time.Minute
)

// tagLine is one decoded row of a freebsd-update tag file.
type tagLine struct {
	platform   string
	release    string
	patch      uint32
	tindexhash string
	eol        string
}

// decodeTagLine parses one "|"-delimited tag file line. Malformed
// lines (wrong leading literal, bad patch number, wrong-length hash or
// EOL field) are reported via ok=false and discarded by the caller.
func decodeTagLine(buf string) (line tagLine, ok bool) {
	parts := strings.Split(buf, "|")
	if len(parts) != 6 {
		return tagLine{}, false
	}
	if parts[0] != "freebsd-update" {
		return tagLine{}, false
	}

	patch, err := strconv.ParseUint(parts[3], 10, 32)
	if err != nil {
		return tagLine{}, false
	}

	tindexhash := parts[4]
	if len(tindexhash) != 64 {
		return tagLine{}, false
	}

	eol := strings.TrimRight(parts[5], "\r\n")
	if len(eol) != 11 {
		return tagLine{}, false
	}

	return tagLine{
		platform:   parts[1],
		release:    parts[2],
		patch:      uint32(patch),
		tindexhash: tindexhash,
		eol:        eol,
	}, true
}

type tagSnapshot struct {
	release string
	patch   uint32
}

// Entry tracks one watched base directory's install/rollback state.
// NextPatch and RollbackDepth are updated by exactly one goroutine
// (the watcher's refresh loop) and read by any number of protocol
// sessions concurrently, so they are word-sized atomics rather than
// mutex-guarded fields.
type Entry struct {
	Base string

	dir     string
	tagFile string

	nextPatch     atomic.Uint32
	rollbackDepth atomic.Uint32
	tag           atomic.Pointer[tagSnapshot]
}

func (e *Entry) NextPatch() uint32     { return e.nextPatch.Load() }
func (e *Entry) RollbackDepth() uint32 { return e.rollbackDepth.Load() }

// TagPatch is the most recently parsed tag file's patch number, 0 if
// no tag file has been read successfully yet.
func (e *Entry) TagPatch() uint32 {
	if snap := e.tag.Load(); snap != nil {
		return snap.patch
	}
	return 0
}

// Watcher holds the set of watched base directories and the shared
// release string used to format patch identifiers.
type Watcher struct {
	entries     []*Entry
	checkPeriod time.Duration
	release     string
}

// New builds a Watcher for the space-separated list of base
// directories in baseDirs (the configuration file's "base_dirs" key).
// An empty list is rejected, mirroring the original's refusal to run
// with nothing to watch.
func New(baseDirs string, release string) (*Watcher, error) {
	dirs := strings.Fields(baseDirs)
	if len(dirs) == 0 {
		return nil, fmt.Errorf("watcher: base_dirs must name at least one directory")
	}

	w := &Watcher{checkPeriod: DefaultCheckPeriod, release: release}
	for _, base := range dirs {
		dir := filepath.Join(base, updateDataDir)
		w.entries = append(w.entries, &Entry{
			Base:    base,
			dir:     dir,
			tagFile: filepath.Join(dir, "tag"),
		})
	}
	return w, nil
}

func (w *Watcher) Entries() []*Entry { return w.entries }
func (w *Watcher) Release() string   { return w.release }

// EntryByBase returns the watched entry for base, if any.
func (w *Watcher) EntryByBase(base string) (*Entry, bool) {
	for _, e := range w.entries {
		if e.Base == base {
			return e, true
		}
	}
	return nil, false
}

func (w *Watcher) entryForPath(path string) *Entry {
	for _, e := range w.entries {
		if strings.HasPrefix(path, e.dir) {
			return e
		}
	}
	return nil
}

// refreshEntry re-reads the tag file and, under a scoped privilege
// elevation, walks the install/rollback symlinks the way
// facund_has_update did: an existing "<sum>-install" symlink means a
// patch is ready, and "<sum>-rollback" may chain through further
// "<target>/rollback" symlinks, each one a previously installed patch
// that could still be rolled back.
func (w *Watcher) refreshEntry(e *Entry) error {
	sum := sha256.Sum256([]byte(e.Base + "\n"))
	sumHex := hex.EncodeToString(sum[:])

	if f, err := os.Open(e.tagFile); err == nil {
		var last *tagLine
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			if parsed, ok := decodeTagLine(sc.Text()); ok {
				last = &parsed
			}
		}
		f.Close()
		if last != nil {
			e.tag.Store(&tagSnapshot{release: last.release, patch: last.patch})
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("watcher: open tag file %s: %w", e.tagFile, err)
	}

	drop, err := privilege.Elevate()
	if err != nil {
		return err
	}
	defer drop()

	installLink := filepath.Join(e.dir, sumHex+"-install")
	if e.TagPatch() != 0 && isSymlink(installLink) {
		e.nextPatch.Store(e.TagPatch())
	} else {
		e.nextPatch.Store(0)
	}

	rollbackCount := uint32(0)
	path := filepath.Join(e.dir, sumHex+"-rollback")
	for {
		fi, statErr := os.Lstat(path)
		if statErr != nil {
			if os.IsNotExist(statErr) {
				break
			}
			return fmt.Errorf("watcher: lstat %s: %w", path, statErr)
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			break
		}

		rollbackCount++
		target, readErr := os.Readlink(path)
		if readErr != nil {
			return fmt.Errorf("watcher: readlink %s: %w", path, readErr)
		}
		path = filepath.Join(e.dir, target, "rollback")
	}
	e.rollbackDepth.Store(rollbackCount)

	return nil
}

func isSymlink(path string) bool {
	fi, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeSymlink != 0
}

func (w *Watcher) refreshAll() {
	for _, e := range w.entries {
		if err := w.refreshEntry(e); err != nil {
			log.Printf("[WARN] watcher: refresh %s: %v", e.Base, err)
		}
	}
}

// Run refreshes every watched directory once, then blocks until ctx
// is canceled, refreshing on filesystem change notifications with a
// fixed-interval poll as a backstop (and as the sole mechanism if
// fsnotify cannot be initialized at all).
func (w *Watcher) Run(ctx context.Context) {
	w.refreshAll()

	fw, err := fsnotify.NewWatcher()
	useNotify := err == nil
	if useNotify {
		defer fw.Close()
		for _, e := range w.entries {
			if err := fw.Add(e.dir); err != nil {
				log.Printf("[WARN] watcher: could not watch %s: %v", e.dir, err)
			}
		}
	} else {
		log.Printf("[WARN] watcher: fsnotify unavailable (%v), falling back to polling every %s", err, w.checkPeriod)
	}

	ticker := time.NewTicker(w.checkPeriod)
	defer ticker.Stop()

	for {
		if !useNotify {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.refreshAll()
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				useNotify = false
				continue
			}
			if e := w.entryForPath(ev.Name); e != nil {
				if err := w.refreshEntry(e); err != nil {
					log.Printf("[WARN] watcher: refresh %s: %v", e.Base, err)
				}
			}
		case err, ok := <-fw.Errors:
			if !ok {
				useNotify = false
				continue
			}
			log.Printf("[WARN] watcher: fsnotify error: %v", err)
		case <-ticker.C:
			w.refreshAll()
		}
	}
}

// RunUpdate invokes freebsd-update install|rollback against baseDir.
func (w *Watcher) RunUpdate(command, baseDir string) error {
	args := []string{"-b", baseDir, command}
	cmd := exec.Command(freebsdUpdateCommand, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("watcher: freebsd-update %s: %w: %s", command, err, out)
	}
	return nil
}

// ListServices lists the names of every non-hidden entry in
// /etc/rc.d/, the set of service names restart_services can offer.
func (w *Watcher) ListServices() ([]string, error) {
	entries, err := os.ReadDir("/etc/rc.d/")
	if err != nil {
		return nil, fmt.Errorf("watcher: read /etc/rc.d/: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, de := range entries {
		if strings.HasPrefix(de.Name(), ".") {
			continue
		}
		names = append(names, de.Name())
	}
	return names, nil
}

// RestartService restarts service by invoking its rc.d script with
// "restart", under a scoped privilege elevation. Only services under
// "/" can be restarted; the daemon has no way to signal a service
// running in, say, a jail under some other base directory.
func (w *Watcher) RestartService(baseDir, service string) error {
	if baseDir != "/" {
		return ErrNotRootBase
	}

	var script string
	for _, candidate := range []string{
		filepath.Join("/etc/rc.d", service),
		filepath.Join("/usr/local/etc/rc.d", service),
	} {
		if _, err := os.Stat(candidate); err == nil {
			script = candidate
			break
		}
	}
	if script == "" {
		return fmt.Errorf("%w: %s", ErrUnknownService, service)
	}

	drop, err := privilege.Elevate()
	if err != nil {
		return err
	}
	defer drop()

	cmd := exec.Command(script, "restart")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("watcher: restart %s: %w: %s", service, err, out)
	}
	return nil
}

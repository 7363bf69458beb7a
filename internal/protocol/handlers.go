package protocol

import (
	"errors"
	"fmt"

	"github.com/facund/facund/internal/object"
	"github.com/facund/facund/internal/response"
	"github.com/facund/facund/internal/watcher"
)

// Handlers implements the eight update-control operations the engine
// registers once a client authenticates (or immediately, if the
// daemon is configured to run without a password).
type Handlers struct {
	w *watcher.Watcher
}

// NewHandlers binds the operation set to w.
func NewHandlers(w *watcher.Watcher) *Handlers {
	return &Handlers{w: w}
}

func fail(code int, msg string) (*response.Response, error) {
	return response.New(code, msg)
}

// Ping answers "pong", the simplest possible liveness check.
func (h *Handlers) Ping(id string, arg *object.Object) (*response.Response, error) {
	pong := object.NewString()
	if err := pong.SetString("pong"); err != nil {
		return nil, err
	}
	resp, err := response.New(response.Good, "No error")
	if err != nil {
		return nil, err
	}
	resp.SetBody(pong)
	return resp, nil
}

// GetDirectories lists every watched base directory.
func (h *Handlers) GetDirectories(id string, arg *object.Object) (*response.Response, error) {
	dirs := object.NewArray()
	for _, e := range h.w.Entries() {
		item := object.NewString()
		if err := item.SetString(e.Base); err != nil {
			return nil, err
		}
		if err := dirs.Append(item); err != nil {
			return nil, err
		}
	}
	resp, err := response.New(response.Good, "No Error")
	if err != nil {
		return nil, err
	}
	resp.SetBody(dirs)
	return resp, nil
}

// getUpdateTypes reads the "base"/"ports" selector argument, accepting
// either a 2-element array of strings or a single string. A position
// is flagged when its string equals the keyword; the original C had a
// comparison bug here (an asymmetric `strcmp(areas[1], "base")` with
// no `== 0`, which set the base flag whenever areas[1] was simply
// *not* "base") that this corrects to the equality check it clearly
// intended.
func getUpdateTypes(obj *object.Object) (base, ports bool, errResp *response.Response) {
	switch obj.Kind() {
	case object.Array:
		n, _ := obj.Len()
		if n != 2 {
			r, _ := fail(response.Failure, "Wrong number of arguments")
			return false, false, r
		}
		a0, _ := obj.At(0)
		a1, _ := obj.At(1)
		s0, err0 := a0.Str()
		s1, err1 := a1.Str()
		if err0 != nil || err1 != nil {
			r, _ := fail(response.Failure, "Incorrect data type")
			return false, false, r
		}
		if s0 == "base" || s1 == "base" {
			base = true
		}
		if s0 == "ports" || s1 == "ports" {
			ports = true
		}
	case object.String:
		s, err := obj.Str()
		if err != nil {
			r, _ := fail(response.Failure, "Incorrect data type")
			return false, false, r
		}
		switch s {
		case "base":
			base = true
		case "ports":
			ports = true
		}
	default:
		r, _ := fail(response.Failure, "Incorrect data type")
		return false, false, r
	}
	return base, ports, nil
}

// getDirList extracts a plain string slice from either a single
// string object or an array of string objects.
func getDirList(obj *object.Object) ([]string, error) {
	switch obj.Kind() {
	case object.String:
		s, err := obj.Str()
		if err != nil {
			return nil, err
		}
		return []string{s}, nil
	case object.Array:
		n, _ := obj.Len()
		if n == 0 {
			return nil, errors.New("protocol: empty directory list")
		}
		out := make([]string, 0, n)
		for i := 0; i < n; i++ {
			item, _ := obj.At(i)
			s, err := item.Str()
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, errors.New("protocol: unsupported directory list type")
	}
}

// readTypeDirectory parses the 2-element [selector, directories]
// argument shape shared by list_updates and list_installed.
func readTypeDirectory(obj *object.Object) (dirs []string, base, ports bool, errResp *response.Response) {
	if obj == nil || obj.Kind() != object.Array {
		r, _ := fail(response.Failure, "Bad data sent")
		return nil, false, false, r
	}
	n, _ := obj.Len()
	if n < 2 {
		r, _ := fail(response.Failure, "Not enough arguments")
		return nil, false, false, r
	}
	if n > 2 {
		r, _ := fail(response.Failure, "Too many arguments")
		return nil, false, false, r
	}

	selector, _ := obj.At(0)
	base, ports, errResp = getUpdateTypes(selector)
	if errResp != nil {
		return nil, false, false, errResp
	}

	dirsObj, _ := obj.At(1)
	dirs, err := getDirList(dirsObj)
	if err != nil {
		r, _ := fail(response.Failure, "Malloc failed")
		return nil, false, false, r
	}
	return dirs, base, ports, nil
}

// readDirectoryPatchlevel parses the 2-element [directory, patches]
// argument shape shared by install_patches and rollback_patches.
func readDirectoryPatchlevel(obj *object.Object) (baseDir string, patches []string, errResp *response.Response) {
	if obj == nil || obj.Kind() != object.Array {
		r, _ := fail(response.Failure, "Bad data sent")
		return "", nil, r
	}
	n, _ := obj.Len()
	if n != 2 {
		r, _ := fail(response.Failure, "Bad data sent")
		return "", nil, r
	}

	dirObj, _ := obj.At(0)
	if dirObj.Kind() != object.String {
		r, _ := fail(response.Failure, "Bad data sent")
		return "", nil, r
	}
	dir, err := dirObj.Str()
	if err != nil {
		r, _ := fail(response.Failure, "Bad data sent")
		return "", nil, r
	}

	patchObj, _ := obj.At(1)
	patches, err = getDirList(patchObj)
	if err != nil {
		r, _ := fail(response.Failure, "Malloc failed")
		return "", nil, r
	}
	return dir, patches, nil
}

// ListUpdates reports, for each requested directory that currently
// has a pending install, the single next patch level available.
func (h *Handlers) ListUpdates(id string, arg *object.Object) (*response.Response, error) {
	if arg == nil {
		return fail(response.Failure, "No data sent")
	}
	dirs, _, _, errResp := readTypeDirectory(arg)
	if errResp != nil {
		return errResp, nil
	}

	result := object.NewArray()
	for _, reqDir := range dirs {
		entry, ok := h.w.EntryByBase(reqDir)
		if !ok || entry.NextPatch() == 0 {
			continue
		}

		pair := object.NewArray()
		dirItem := object.NewString()
		if err := dirItem.SetString(reqDir); err != nil {
			return nil, err
		}
		if err := pair.Append(dirItem); err != nil {
			return nil, err
		}

		updates := object.NewArray()
		item := object.NewString()
		if err := item.SetString(fmt.Sprintf("%s-p%d", h.w.Release(), entry.NextPatch())); err != nil {
			return nil, err
		}
		if err := updates.Append(item); err != nil {
			return nil, err
		}
		if err := pair.Append(updates); err != nil {
			return nil, err
		}
		if err := result.Append(pair); err != nil {
			return nil, err
		}
	}

	resp, err := response.New(response.Good, "Success")
	if err != nil {
		return nil, err
	}
	if n, _ := result.Len(); n > 0 {
		resp.SetBody(result)
	}
	return resp, nil
}

// saturatingInstalledLevel computes the patch level for one entry in
// the rollback chain: tag.patch + 1 - rollback_pos, minus one more if
// a patch is still pending install. The original computed this in
// unsigned arithmetic as `level = tag_patch; level -= rollback_pos - 1;
// if (next_patch>0) level--;`, which underflows only when the
// rollback chain is longer than tag_patch (rollback_pos > tag_patch +
// 1, or pending install brings it down further); this floors at 0
// instead of wrapping in that case.
func saturatingInstalledLevel(tagPatch, rollbackPos uint32, pendingInstall bool) uint32 {
	level := uint64(tagPatch) + 1
	sub := uint64(rollbackPos)
	if pendingInstall {
		sub++
	}
	if sub > level {
		return 0
	}
	return uint32(level - sub)
}

// ListInstalled reports, for each requested directory with a
// rollback chain, every previously-installed patch level still
// reachable by rolling back.
func (h *Handlers) ListInstalled(id string, arg *object.Object) (*response.Response, error) {
	if arg == nil {
		return fail(response.Failure, "No data sent")
	}
	dirs, _, _, errResp := readTypeDirectory(arg)
	if errResp != nil {
		return errResp, nil
	}

	result := object.NewArray()
	for _, reqDir := range dirs {
		entry, ok := h.w.EntryByBase(reqDir)
		depth := uint32(0)
		if ok {
			depth = entry.RollbackDepth()
		}
		if !ok || depth == 0 {
			continue
		}

		pair := object.NewArray()
		dirItem := object.NewString()
		if err := dirItem.SetString(reqDir); err != nil {
			return nil, err
		}
		if err := pair.Append(dirItem); err != nil {
			return nil, err
		}

		updates := object.NewArray()
		for rollbackPos := uint32(0); rollbackPos < depth; rollbackPos++ {
			level := saturatingInstalledLevel(entry.TagPatch(), rollbackPos, entry.NextPatch() > 0)
			item := object.NewString()
			if err := item.SetString(fmt.Sprintf("%s-p%d", h.w.Release(), level)); err != nil {
				return nil, err
			}
			if err := updates.Append(item); err != nil {
				return nil, err
			}
		}
		if err := pair.Append(updates); err != nil {
			return nil, err
		}
		if err := result.Append(pair); err != nil {
			return nil, err
		}
	}

	resp, err := response.New(response.Good, "Success")
	if err != nil {
		return nil, err
	}
	if n, _ := result.Len(); n > 0 {
		resp.SetBody(result)
	}
	return resp, nil
}

// InstallPatches installs every available base patch for one watched
// directory. Only "base" is a supported patch target.
func (h *Handlers) InstallPatches(id string, arg *object.Object) (*response.Response, error) {
	if arg == nil {
		return fail(response.Failure, "No data sent")
	}
	baseDir, patches, errResp := readDirectoryPatchlevel(arg)
	if errResp != nil {
		return errResp, nil
	}
	if _, ok := h.w.EntryByBase(baseDir); !ok {
		return fail(response.Failure, "Incorrect directory")
	}
	if len(patches) == 0 || patches[0] != "base" {
		return fail(response.Failure, "Unsupported patch")
	}

	if err := h.w.RunUpdate("install", baseDir); err != nil {
		return fail(response.Failure, "Some updates failed to install")
	}
	return response.New(response.Good, "All updates installed")
}

// RollbackPatches rolls back the top-most installed base patch for
// one watched directory.
func (h *Handlers) RollbackPatches(id string, arg *object.Object) (*response.Response, error) {
	if arg == nil {
		return fail(response.Failure, "No data sent")
	}
	baseDir, patches, errResp := readDirectoryPatchlevel(arg)
	if errResp != nil {
		return errResp, nil
	}
	if _, ok := h.w.EntryByBase(baseDir); !ok {
		return fail(response.Failure, "Incorrect directory")
	}
	if len(patches) == 0 || patches[0] != "base" {
		return fail(response.Failure, "Unsupported patch")
	}

	if err := h.w.RunUpdate("rollback", baseDir); err != nil {
		return fail(response.Failure, "Some patches failed to rollback")
	}
	return response.New(response.Good, "Success")
}

// GetServices lists the services available to restart under "/".
func (h *Handlers) GetServices(id string, arg *object.Object) (*response.Response, error) {
	if arg == nil {
		return fail(response.Failure, "No data sent")
	}
	if arg.Kind() != object.String {
		return fail(response.Failure, "Incorrect data")
	}
	baseDir, err := arg.Str()
	if err != nil {
		return fail(response.Failure, "Incorrect data")
	}
	if baseDir != "/" {
		return fail(response.Failure, "Can only restart services in /")
	}
	if _, ok := h.w.EntryByBase(baseDir); !ok {
		return fail(response.Failure, "Unknown base dir")
	}

	names, err := h.w.ListServices()
	if err != nil {
		return fail(response.Failure, "Could not open /etc/rc.d/")
	}
	if len(names) == 0 {
		return fail(response.Failure, "No services found")
	}

	arr := object.NewArray()
	for _, name := range names {
		item := object.NewString()
		if err := item.SetString(name); err != nil {
			return nil, err
		}
		if err := arr.Append(item); err != nil {
			return nil, err
		}
	}
	resp, err := response.New(response.Good, "Services found")
	if err != nil {
		return nil, err
	}
	resp.SetBody(arr)
	return resp, nil
}

// RestartServices restarts one service under "/".
func (h *Handlers) RestartServices(id string, arg *object.Object) (*response.Response, error) {
	if arg == nil {
		return fail(response.Failure, "No data sent")
	}
	if arg.Kind() != object.Array {
		return fail(response.Failure, "Incorrect data")
	}
	if n, _ := arg.Len(); n != 2 {
		return fail(response.Failure, "Incorrect data")
	}

	dirObj, _ := arg.At(0)
	if dirObj.Kind() != object.String {
		return fail(response.Failure, "Incorrect data")
	}
	baseDir, err := dirObj.Str()
	if err != nil {
		return fail(response.Failure, "Incorrect data")
	}
	if _, ok := h.w.EntryByBase(baseDir); !ok {
		return fail(response.Failure, "Unknown base dir")
	}

	svcObj, _ := arg.At(1)
	if svcObj.Kind() != object.String {
		return fail(response.Failure, "Incorrect data")
	}
	service, err := svcObj.Str()
	if err != nil {
		return fail(response.Failure, "Incorrect data")
	}

	if err := h.w.RestartService(baseDir, service); err != nil {
		if errors.Is(err, watcher.ErrUnknownService) {
			return fail(response.Failure, "Unknown service")
		}
		if errors.Is(err, watcher.ErrNotRootBase) {
			return fail(response.Failure, "Can only restart services in /")
		}
		return fail(response.Failure, "Service restart failed")
	}
	return response.New(response.Good, "Service restart successful")
}

// Package concat stitches a chain of btrfs send-stream files into a
// single continuous stream, as if an incremental chain had been produced
// in one shot against the final snapshot's name.
package concat

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/btrfs-backup/repoctl/sendstream"
)

// ErrTooFewPaths is returned when fewer than two input paths are given;
// concatenation is meaningless for a single file.
var ErrTooFewPaths = errors.New("concat: at least two input paths are required")

// ChainBreakError reports that an incremental file's SNAPSHOT did not
// reference the UUID most recently introduced by the prior file in the
// chain. It is fatal: the output at that point is necessarily
// inconsistent, so no recovery is attempted.
type ChainBreakError struct {
	Path     string
	Expected uuid.UUID
	Got      uuid.UUID
}

func (e *ChainBreakError) Error() string {
	return fmt.Sprintf("concat: chain break in %s: snapshot clones %s, expected %s", e.Path, e.Got, e.Expected)
}

// PathError annotates an underlying I/O failure with the path being
// processed when it occurred.
type PathError struct {
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("concat: %s: %v", e.Path, e.Err)
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// engine models the reader lifecycle: which file is being actively read,
// whether the pending tail reader is still held back, and how many
// unopened middle paths remain.
type engine struct {
	paths    []string // unopened middle files, FIFO order
	active   io.ReadCloser
	path     string // path backing active, for error annotation
	last     io.ReadCloser
	lastPath string

	// lastFirstCmd holds the tail file's leading SNAPSHOT, already read out
	// of last by newEngine to learn the adopted name. It is handed back
	// through fetch the moment last is promoted to active, so it still
	// passes through validate exactly like every other command instead of
	// silently skipping the chain-continuity check at the head/tail seam.
	lastFirstCmd *sendstream.RawCommand

	// headFirstCmd holds the head file's leading command, already read out
	// of active by newEngine so the head/tail adjacency case can be
	// validated eagerly (see newEngine). fetch hands it back before ever
	// reading active again, so it still passes through validate/suppress/
	// transform exactly like every other command.
	headFirstCmd *sendstream.RawCommand

	adoptedName []byte
	haveAdopted bool
	currentUUID *uuid.UUID
}

// Concat writes a single version-1 stream to w, formed by sequentially
// replaying paths[0] (the head) through paths[len(paths)-1] (the tail).
// The output's single SUBVOL command is renamed to the tail's snapshot
// name and keeps the head's UUID. Intermediate END and all SNAPSHOT
// commands are suppressed; chain continuity is validated across file
// boundaries and any break aborts the whole operation.
//
// Concat streams: memory use is bounded by the size of one command
// frame, not by the combined size of the inputs.
func Concat(w io.Writer, paths []string) error {
	if len(paths) < 2 {
		return ErrTooFewPaths
	}

	eng, err := newEngine(paths)
	if err != nil {
		return err
	}
	defer eng.Close()

	if _, err := w.Write(sendstream.Header{Version: sendstream.SupportedVersion}.Serialize()); err != nil {
		return fmt.Errorf("concat: writing output header: %w", err)
	}

	for {
		cmd, err := eng.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := w.Write(cmd.Bytes()); err != nil {
			return fmt.Errorf("concat: writing output frame: %w", err)
		}
	}
}

func openStream(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &PathError{Path: path, Err: err}
	}
	if _, err := sendstream.ParseHeader(f); err != nil {
		f.Close()
		return nil, &PathError{Path: path, Err: err}
	}
	return f, nil
}

func newEngine(paths []string) (*engine, error) {
	lastPath := paths[len(paths)-1]
	lastReader, err := openStream(lastPath)
	if err != nil {
		return nil, err
	}

	lastCmd, err := sendstream.ReadRawCommand(lastReader)
	if err != nil {
		lastReader.Close()
		return nil, &PathError{Path: lastPath, Err: err}
	}
	if lastCmd.Kind() != sendstream.KindSnapshot {
		lastReader.Close()
		return nil, &PathError{Path: lastPath, Err: fmt.Errorf("expected SNAPSHOT as first command of tail file, got %v", lastCmd.Kind())}
	}
	lastSnap, err := sendstream.ParseSnapshot(lastCmd.Payload())
	if err != nil {
		lastReader.Close()
		return nil, &PathError{Path: lastPath, Err: err}
	}

	middlePaths := paths[:len(paths)-1]
	headPath := middlePaths[0]
	headReader, err := openStream(headPath)
	if err != nil {
		lastReader.Close()
		return nil, err
	}

	headCmd, err := sendstream.ReadRawCommand(headReader)
	if err != nil {
		headReader.Close()
		lastReader.Close()
		return nil, &PathError{Path: headPath, Err: err}
	}

	// When the head file feeds the tail directly (no middle files between
	// them), the tail's SNAPSHOT is validated against the UUID the head's
	// own SUBVOL establishes - but streaming that SUBVOL out before the
	// tail has even been looked at would mean a chain-break is only
	// reported after non-header bytes are already written. Check this one
	// adjacency eagerly, before Concat writes anything.
	if len(middlePaths) == 1 && headCmd.Kind() == sendstream.KindSubvol {
		if headSubvol, err := sendstream.ParseSubvol(headCmd.Payload()); err == nil {
			if headSubvol.UUID != lastSnap.CloneUUID {
				headReader.Close()
				lastReader.Close()
				return nil, &ChainBreakError{Path: lastPath, Expected: headSubvol.UUID, Got: lastSnap.CloneUUID}
			}
		}
	}

	return &engine{
		paths:        append([]string{}, middlePaths[1:]...),
		active:       headReader,
		path:         headPath,
		headFirstCmd: headCmd,
		last:         lastReader,
		lastPath:     lastPath,
		lastFirstCmd: lastCmd,
		adoptedName:  []byte(lastSnap.Name),
		haveAdopted:  true,
	}, nil
}

func (e *engine) Close() {
	if e.active != nil {
		e.active.Close()
	}
	if e.last != nil {
		e.last.Close()
	}
}

// next fetches, validates, suppresses and transforms the next command in
// program order, returning io.EOF once the tail file's END has been
// emitted and no more input remains.
func (e *engine) next() (*sendstream.RawCommand, error) {
	for {
		cmd, err := e.fetch()
		if err != nil {
			return nil, err
		}
		if cmd == nil {
			return nil, io.EOF
		}
		if err := e.validate(cmd); err != nil {
			return nil, err
		}
		if e.suppress(cmd) {
			continue
		}
		return e.transform(cmd), nil
	}
}

// fetch reads the next raw command from whichever reader is currently
// active, advancing through middle files and finally into the held-back
// tail reader as each prior reader is exhausted. Returns (nil, nil) when
// the whole chain is exhausted.
func (e *engine) fetch() (*sendstream.RawCommand, error) {
	if e.headFirstCmd != nil {
		cmd := e.headFirstCmd
		e.headFirstCmd = nil
		return cmd, nil
	}

	for {
		if e.active != nil {
			cmd, err := sendstream.ReadRawCommand(e.active)
			if err == nil {
				return cmd, nil
			}
			if err != io.EOF {
				return nil, &PathError{Path: e.path, Err: err}
			}
			e.active.Close()
			e.active = nil
		}

		if len(e.paths) > 0 {
			next := e.paths[0]
			e.paths = e.paths[1:]
			r, err := openStream(next)
			if err != nil {
				return nil, err
			}
			e.active = r
			e.path = next
			continue
		}

		if e.last != nil {
			e.active = e.last
			e.path = e.lastPath
			e.last = nil
			if e.lastFirstCmd != nil {
				cmd := e.lastFirstCmd
				e.lastFirstCmd = nil
				return cmd, nil
			}
			continue
		}

		return nil, nil
	}
}

// validate enforces chain continuity: a SUBVOL establishes the current
// UUID (and must not appear while one is already held); a SNAPSHOT must
// clone the current UUID and then becomes it. The UUID captured here is
// taken from the parsed command before any rename transform, so a
// rewritten head SUBVOL's validation reflects its original UUID.
func (e *engine) validate(cmd *sendstream.RawCommand) error {
	switch cmd.Kind() {
	case sendstream.KindSubvol:
		if e.currentUUID != nil {
			return &PathError{Path: e.path, Err: errors.New("unexpected SUBVOL mid-chain")}
		}
		subvol, err := sendstream.ParseSubvol(cmd.Payload())
		if err != nil {
			return &PathError{Path: e.path, Err: err}
		}
		id := subvol.UUID
		e.currentUUID = &id
	case sendstream.KindSnapshot:
		snap, err := sendstream.ParseSnapshot(cmd.Payload())
		if err != nil {
			return &PathError{Path: e.path, Err: err}
		}
		if e.currentUUID == nil || *e.currentUUID != snap.CloneUUID {
			expected := uuid.UUID{}
			if e.currentUUID != nil {
				expected = *e.currentUUID
			}
			return &ChainBreakError{Path: e.path, Expected: expected, Got: snap.CloneUUID}
		}
		id := snap.UUID
		e.currentUUID = &id
	}
	return nil
}

// suppress skips intermediate END markers (one from every file but the
// tail) and every SNAPSHOT (the incremental chain is being folded into a
// single root, so only its side effects - not its header - survive).
func (e *engine) suppress(cmd *sendstream.RawCommand) bool {
	if cmd.Kind() == sendstream.KindEnd && e.last != nil {
		return true
	}
	if cmd.Kind() == sendstream.KindSnapshot {
		return true
	}
	return false
}

// transform rewrites the one SUBVOL command's name to the adopted name
// (the tail file's snapshot name) the first time a SUBVOL is seen, and
// passes every other command through unmodified.
func (e *engine) transform(cmd *sendstream.RawCommand) *sendstream.RawCommand {
	if !e.haveAdopted || cmd.Kind() != sendstream.KindSubvol {
		return cmd
	}
	subvol, err := sendstream.ParseSubvol(cmd.Payload())
	if err != nil {
		// validate already parsed this payload successfully; this would
		// only fail if validate and transform disagreed about framing.
		return cmd
	}
	subvol.Name = string(e.adoptedName)
	e.haveAdopted = false
	return subvol.Encap()
}

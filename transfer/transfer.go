// Package transfer provides the reliable-copy collaborator used to
// receive an uploaded archive: it forwards bytes to a destination while
// validating that what it is forwarding is a well-formed send stream,
// classifying any failure into one of a small, stable set of errors.
package transfer

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/btrfs-backup/repoctl/sendstream"
)

// copyBufferSize matches the block-sized I/O granularity the rest of this
// codebase reads and writes in.
const copyBufferSize = 32 * 1024

var (
	// ErrIntegrity marks a frame whose stored CRC32 does not match its
	// computed CRC32.
	ErrIntegrity = errors.New("transfer: stream failed CRC32 validation")
	// ErrProtocol marks a stream that is not a well-formed send stream:
	// bad header, malformed frame, or a leading command that is neither
	// SUBVOL nor SNAPSHOT.
	ErrProtocol = errors.New("transfer: malformed send stream")
	// ErrRead marks a failure to read from the source.
	ErrRead = errors.New("transfer: read from source failed")
	// ErrWrite marks a failure to write to the destination.
	ErrWrite = errors.New("transfer: write to destination failed")
)

// trackingWriter remembers whether its most recent Write failed, so a
// caller reading through a TeeReader can tell a destination-side write
// failure apart from a source-side read failure - both surface as the
// same error value out of Read, but only one of them came from us.
type trackingWriter struct {
	w      io.Writer
	failed bool
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil {
		t.failed = true
	}
	return n, err
}

// CopyOut streams src to dst, validating as it goes that src decodes as
// a well-formed send stream: the header parses, the first command is a
// SUBVOL or SNAPSHOT, and every frame's stored CRC32 matches its
// computed CRC32. It stops forwarding bytes at the first violation;
// dst may hold a partial, unusable prefix in that case, and the caller
// is responsible for discarding it.
func CopyOut(dst io.Writer, src io.Reader) error {
	bw := bufio.NewWriterSize(dst, copyBufferSize)
	tw := &trackingWriter{w: bw}
	tee := io.TeeReader(src, tw)

	cr, err := sendstream.NewCommandReader(tee)
	if err != nil {
		return classify(err, tw)
	}

	sawFirst := false
	for {
		cmd, err := cr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return classify(err, tw)
		}
		if !sawFirst {
			sawFirst = true
			if cmd.Kind() != sendstream.KindSubvol && cmd.Kind() != sendstream.KindSnapshot {
				return fmt.Errorf("%w: leading command is %v, want SUBVOL or SNAPSHOT", ErrProtocol, cmd.Kind())
			}
		}
		if !cmd.ValidateCRC32() {
			return fmt.Errorf("%w: frame kind %v failed CRC32 validation", ErrIntegrity, cmd.Kind())
		}
	}
	if !sawFirst {
		return fmt.Errorf("%w: stream has no commands", ErrProtocol)
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// classify turns a raw read/parse error into one of the package's
// sentinel errors: a failed destination write always wins (the source
// read loop only stopped because writing failed), then a protocol-level
// decode error, then a generic source read failure.
func classify(err error, tw *trackingWriter) error {
	if tw.failed {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	var protoErr *sendstream.ProtocolError
	if errors.As(err, &protoErr) || errors.Is(err, sendstream.ErrInvalidVersion) {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return fmt.Errorf("%w: %v", ErrRead, err)
}

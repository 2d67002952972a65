package sendstream

import "io"

// CommandReader lazily yields the framed commands of a stream, one at a
// time, after validating the stream header once. It terminates after
// yielding the END command; subsequent calls to Next return io.EOF. A
// read error during framing is fatal - the reader does not attempt to
// resynchronize on the next call.
type CommandReader struct {
	r      io.Reader
	done   bool
	header Header
}

// NewCommandReader validates the stream header and returns a reader
// positioned at the first command frame.
func NewCommandReader(r io.Reader) (*CommandReader, error) {
	header, err := ParseHeader(r)
	if err != nil {
		return nil, err
	}
	return &CommandReader{r: r, header: header}, nil
}

// Header returns the stream header validated at construction time.
func (cr *CommandReader) Header() Header {
	return cr.header
}

// Next reads the next framed command. It returns io.EOF once the END
// command has been yielded, or immediately on every subsequent call.
func (cr *CommandReader) Next() (*RawCommand, error) {
	if cr.done {
		return nil, io.EOF
	}
	cmd, err := ReadRawCommand(cr.r)
	if err != nil {
		cr.done = true
		return nil, err
	}
	if cmd.Kind() == KindEnd {
		cr.done = true
	}
	return cmd, nil
}

// FirstCommand validates the stream header and returns only the first
// framed command, discarding the reader. It is the primitive the
// repository loader uses to classify a stream file without reading it
// in full.
func FirstCommand(r io.Reader) (*RawCommand, error) {
	cr, err := NewCommandReader(r)
	if err != nil {
		return nil, err
	}
	cmd, err := cr.Next()
	if err != nil {
		if err == io.EOF {
			return nil, protocolErrorf("no commands in stream")
		}
		return nil, err
	}
	return cmd, nil
}

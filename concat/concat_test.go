package concat

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/btrfs-backup/repoctl/sendstream"
)

func writeStream(t *testing.T, dir, name string, cmds ...*sendstream.RawCommand) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.Write(sendstream.Header{Version: 1}.Serialize()); err != nil {
		t.Fatalf("write header: %v", err)
	}
	for _, c := range cmds {
		if _, err := f.Write(c.Bytes()); err != nil {
			t.Fatalf("write command: %v", err)
		}
	}
	return path
}

func writeCmd(kind sendstream.CommandKind, payload []byte) *sendstream.RawCommand {
	return sendstream.NewRawCommand(kind, payload)
}

func countNonEndNonSnapshot(t *testing.T, stream []byte) int {
	t.Helper()
	cr, err := sendstream.NewCommandReader(bytes.NewReader(stream))
	if err != nil {
		t.Fatalf("NewCommandReader: %v", err)
	}
	count := 0
	for {
		cmd, err := cr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if cmd.Kind() != sendstream.KindEnd && cmd.Kind() != sendstream.KindSnapshot {
			count++
		}
	}
	return count
}

func TestConcatTwoFiles(t *testing.T) {
	dir := t.TempDir()

	uA := uuid.New()
	uB := uuid.New()

	subvolA := (&sendstream.Subvol{Name: "A", UUID: uA, Ctransid: 1}).Encap()
	writeA := writeCmd(sendstream.KindWrite, []byte("x"))
	endA := writeCmd(sendstream.KindEnd, nil)
	p0 := writeStream(t, dir, "p0", subvolA, writeA, endA)

	snapB := (&sendstream.Snapshot{Name: "B", UUID: uB, Ctransid: 2, CloneUUID: uA, CloneCtransid: 1}).Encap()
	writeB := writeCmd(sendstream.KindWrite, []byte("y"))
	endB := writeCmd(sendstream.KindEnd, nil)
	p1 := writeStream(t, dir, "p1", snapB, writeB, endB)

	var out bytes.Buffer
	if err := Concat(&out, []string{p0, p1}); err != nil {
		t.Fatalf("Concat: %v", err)
	}

	cr, err := sendstream.NewCommandReader(bytes.NewReader(out.Bytes()))
	if err != nil {
		t.Fatalf("NewCommandReader(output): %v", err)
	}

	cmd, err := cr.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if cmd.Kind() != sendstream.KindSubvol {
		t.Fatalf("first output command kind = %v, want SUBVOL", cmd.Kind())
	}
	subvol, err := sendstream.ParseSubvol(cmd.Payload())
	if err != nil {
		t.Fatalf("ParseSubvol: %v", err)
	}
	if subvol.Name != "B" {
		t.Fatalf("renamed subvol name = %q, want %q", subvol.Name, "B")
	}
	if subvol.UUID != uA {
		t.Fatalf("renamed subvol uuid = %v, want head uuid %v", subvol.UUID, uA)
	}

	var kinds []sendstream.CommandKind
	for {
		cmd, err := cr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		kinds = append(kinds, cmd.Kind())
	}
	want := []sendstream.CommandKind{sendstream.KindWrite, sendstream.KindWrite, sendstream.KindEnd}
	if len(kinds) != len(want) {
		t.Fatalf("output kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("output kinds = %v, want %v", kinds, want)
		}
	}

	inA := countNonEndNonSnapshot(t, mustReadFile(t, p0))
	inB := countNonEndNonSnapshot(t, mustReadFile(t, p1))
	// 1 for the SUBVOL read before the loop, plus `kinds` minus its
	// trailing END; countNonEndNonSnapshot already excludes END/SNAPSHOT
	// from the inputs.
	emitted := 1 + len(kinds) - 1
	if emitted != inA+inB {
		t.Fatalf("emitted non-END/non-SNAPSHOT count mismatch: got %d, want %d", emitted, inA+inB)
	}
}

func mustReadFile(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", path, err)
	}
	return b
}

func TestConcatChainBreak(t *testing.T) {
	dir := t.TempDir()

	uA := uuid.New()
	uB := uuid.New()
	uWrong := uuid.New()

	subvolA := (&sendstream.Subvol{Name: "A", UUID: uA, Ctransid: 1}).Encap()
	endA := writeCmd(sendstream.KindEnd, nil)
	p0 := writeStream(t, dir, "p0", subvolA, endA)

	// clone_uuid does not match uA: this must be a fatal chain break.
	snapB := (&sendstream.Snapshot{Name: "B", UUID: uB, Ctransid: 2, CloneUUID: uWrong, CloneCtransid: 1}).Encap()
	endB := writeCmd(sendstream.KindEnd, nil)
	p1 := writeStream(t, dir, "p1", snapB, endB)

	var out bytes.Buffer
	err := Concat(&out, []string{p0, p1})
	if err == nil {
		t.Fatal("expected chain-break error, got nil")
	}
	var chainErr *ChainBreakError
	if !errors.As(err, &chainErr) {
		t.Fatalf("err = %v (%T), want *ChainBreakError", err, err)
	}

	// Per spec scenario 4: a chain-break at the head/tail boundary must
	// produce zero non-header output - the head's SUBVOL must never reach
	// the writer before the tail's SNAPSHOT has been checked against it.
	if out.Len() != 0 {
		t.Fatalf("output = %d bytes, want none written once the break is detected", out.Len())
	}
}

func TestConcatTooFewPaths(t *testing.T) {
	err := Concat(&bytes.Buffer{}, []string{"only-one"})
	if !errors.Is(err, ErrTooFewPaths) {
		t.Fatalf("err = %v, want ErrTooFewPaths", err)
	}
}

func TestConcatThreeFiles(t *testing.T) {
	dir := t.TempDir()

	uA := uuid.New()
	uB := uuid.New()
	uC := uuid.New()

	subvolA := (&sendstream.Subvol{Name: "A", UUID: uA, Ctransid: 1}).Encap()
	p0 := writeStream(t, dir, "p0", subvolA, writeCmd(sendstream.KindEnd, nil))

	snapB := (&sendstream.Snapshot{Name: "B", UUID: uB, Ctransid: 2, CloneUUID: uA, CloneCtransid: 1}).Encap()
	p1 := writeStream(t, dir, "p1", snapB, writeCmd(sendstream.KindEnd, nil))

	snapC := (&sendstream.Snapshot{Name: "C", UUID: uC, Ctransid: 3, CloneUUID: uB, CloneCtransid: 2}).Encap()
	p2 := writeStream(t, dir, "p2", snapC, writeCmd(sendstream.KindEnd, nil))

	var out bytes.Buffer
	if err := Concat(&out, []string{p0, p1, p2}); err != nil {
		t.Fatalf("Concat: %v", err)
	}

	cr, err := sendstream.NewCommandReader(bytes.NewReader(out.Bytes()))
	if err != nil {
		t.Fatalf("NewCommandReader: %v", err)
	}
	cmd, err := cr.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	subvol, err := sendstream.ParseSubvol(cmd.Payload())
	if err != nil {
		t.Fatalf("ParseSubvol: %v", err)
	}
	if subvol.Name != "C" || subvol.UUID != uA {
		t.Fatalf("renamed subvol = %+v, want name=C uuid=%v", subvol, uA)
	}

	endCount := 0
	for {
		cmd, err := cr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if cmd.Kind() == sendstream.KindEnd {
			endCount++
		}
		if cmd.Kind() == sendstream.KindSnapshot {
			t.Fatalf("SNAPSHOT command leaked into output")
		}
	}
	if endCount != 1 {
		t.Fatalf("END count = %d, want exactly 1", endCount)
	}
}

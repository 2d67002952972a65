package sendstream

// CommandKind identifies the operation carried by a single framed command.
//
// The full v1/v2/v3 kind space is enumerated here, following
// tinyzimmer/btrsync's pkg/sendstream, but only SUBVOL and SNAPSHOT are
// destructured into typed payloads by this package - everything else is
// tolerated and passed through as an opaque RawCommand.
type CommandKind uint16

const (
	KindUnspec CommandKind = 0

	KindSubvol   CommandKind = 1
	KindSnapshot CommandKind = 2

	KindMkfile  CommandKind = 3
	KindMkdir   CommandKind = 4
	KindMknod   CommandKind = 5
	KindMkfifo  CommandKind = 6
	KindMksock  CommandKind = 7
	KindSymlink CommandKind = 8

	KindRename CommandKind = 9
	KindLink   CommandKind = 10
	KindUnlink CommandKind = 11
	KindRmdir  CommandKind = 12

	KindSetXattr    CommandKind = 13
	KindRemoveXattr CommandKind = 14

	KindWrite CommandKind = 15
	KindClone CommandKind = 16

	KindTruncate CommandKind = 17
	KindChmod    CommandKind = 18
	KindChown    CommandKind = 19
	KindUtimes   CommandKind = 20

	KindEnd          CommandKind = 21
	KindUpdateExtent CommandKind = 22
	KindMaxV1        CommandKind = 22

	// Tolerated but never destructured: send-stream v2/v3 additions.
	KindFallocate     CommandKind = 23
	KindFileattr      CommandKind = 24
	KindEncodedWrite  CommandKind = 25
	KindEnableVerity  CommandKind = 26
)

// String renders a human-readable name for known kinds, and a numeric
// placeholder for anything this package does not recognize.
func (k CommandKind) String() string {
	switch k {
	case KindUnspec:
		return "UNSPEC"
	case KindSubvol:
		return "SUBVOL"
	case KindSnapshot:
		return "SNAPSHOT"
	case KindMkfile:
		return "MKFILE"
	case KindMkdir:
		return "MKDIR"
	case KindMknod:
		return "MKNOD"
	case KindMkfifo:
		return "MKFIFO"
	case KindMksock:
		return "MKSOCK"
	case KindSymlink:
		return "SYMLINK"
	case KindRename:
		return "RENAME"
	case KindLink:
		return "LINK"
	case KindUnlink:
		return "UNLINK"
	case KindRmdir:
		return "RMDIR"
	case KindSetXattr:
		return "SET_XATTR"
	case KindRemoveXattr:
		return "REMOVE_XATTR"
	case KindWrite:
		return "WRITE"
	case KindClone:
		return "CLONE"
	case KindTruncate:
		return "TRUNCATE"
	case KindChmod:
		return "CHMOD"
	case KindChown:
		return "CHOWN"
	case KindUtimes:
		return "UTIMES"
	case KindEnd:
		return "END"
	case KindUpdateExtent:
		return "UPDATE_EXTENT"
	case KindFallocate:
		return "FALLOCATE"
	case KindFileattr:
		return "FILEATTR"
	case KindEncodedWrite:
		return "ENCODED_WRITE"
	case KindEnableVerity:
		return "ENABLE_VERITY"
	default:
		return "UNKNOWN"
	}
}

// Known reports whether k is one of the 23 kinds spec'd for v1 streams.
func (k CommandKind) Known() bool {
	return k <= KindMaxV1
}

// attrTag identifies a TLV entry's position within a command payload.
type attrTag uint16

const (
	attrUUID          attrTag = 1
	attrCtransid      attrTag = 2
	attrPath          attrTag = 15
	attrCloneUUID     attrTag = 20
	attrCloneCtransid attrTag = 21
)

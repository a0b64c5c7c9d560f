package disk

// Devices are conceptually divided into blocks of equal BlockSize.
// Block n of a device starts at byte offset n*BlockSize.

// BlockSize is the unit of disk transfer in bytes.
const BlockSize = 1024

// Device is a synchronous block device. ReadBlock and WriteBlock move
// exactly one block and do not return until the transfer is complete.
// Implementations panic on I/O failure; callers treat the disk as reliable.
type Device interface {
	ReadBlock(blockno uint32, data []byte)
	WriteBlock(blockno uint32, data []byte)
}

func checkBlockBuf(data []byte) {
	if len(data) != BlockSize {
		panic("disk: buffer is not one block")
	}
}

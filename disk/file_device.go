package disk

import (
	"fmt"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"io"
	"os"
)

// FileDevice serves blocks from a single OS file.
// Reads past the end of the file are zero-filled, so a freshly created
// file behaves like a zeroed disk of unbounded size.
type FileDevice struct {
	file *os.File
	id   string
}

// OpenFile opens or creates the file at path and wraps it as a Device.
func OpenFile(path string) (*FileDevice, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "disk: open %v", path)
	}
	return &FileDevice{
		file: file,
		id:   uuid.NewString(),
	}, nil
}

func (d *FileDevice) ReadBlock(blockno uint32, data []byte) {
	checkBlockBuf(data)
	n, err := d.file.ReadAt(data, int64(blockno)*BlockSize)
	if err != nil && err != io.EOF {
		panic(fmt.Sprintf("%v: read block %v: %v", d, blockno, err))
	}
	for i := n; i < BlockSize; i++ {
		data[i] = 0
	}
}

func (d *FileDevice) WriteBlock(blockno uint32, data []byte) {
	checkBlockBuf(data)
	_, err := d.file.WriteAt(data, int64(blockno)*BlockSize)
	if err != nil {
		panic(fmt.Sprintf("%v: write block %v: %v", d, blockno, err))
	}
}

func (d *FileDevice) Close() error {
	return d.file.Close()
}

func (d *FileDevice) String() string {
	return fmt.Sprintf("disk %v [%v]", d.id[len(d.id)-3:], d.file.Name())
}

package fota

import (
	"fmt"
	"os"
)

// BootSlot abstracts the two-slot OTA primitive of §6: a platform-level
// collaborator this engine depends on but does not implement. The engine
// writes firmware bytes at arbitrary offsets (to support resume), then
// commits by ending the write and marking the slot bootable.
type BootSlot interface {
	WriteAt(offset int64, data []byte) error
	End() error
	SetBoot() error
}

// FileBootSlot is a file-backed BootSlot for development and testing,
// standing in for the platform's flash-partition primitive.
type FileBootSlot struct {
	path string
	file *os.File
}

// NewFileBootSlot opens (creating if necessary) the backing file for slot
// writes; the file is not truncated so resumed writes land correctly.
func NewFileBootSlot(path string) (*FileBootSlot, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open boot slot: %w", err)
	}
	return &FileBootSlot{path: path, file: f}, nil
}

func (s *FileBootSlot) WriteAt(offset int64, data []byte) error {
	_, err := s.file.WriteAt(data, offset)
	return err
}

func (s *FileBootSlot) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

func (s *FileBootSlot) End() error {
	return s.file.Sync()
}

// SetBoot marks the slot as the next-boot partition. The sibling ".boot"
// marker file stands in for the platform's partition-table write.
func (s *FileBootSlot) SetBoot() error {
	return os.WriteFile(s.path+".boot", []byte("1"), 0644)
}

func (s *FileBootSlot) Close() error {
	return s.file.Close()
}

package hostapi

// Memory is the guest linear memory as seen by host functions.
// Read may return a view into the underlying memory; callers that retain
// the bytes past the host call must copy them.
type Memory interface {
	Read(offset uint32, length uint32) ([]byte, error)
	Write(offset uint32, data []byte) error
	ReadU32(offset uint32) (uint32, error)
	ReadU64(offset uint32) (uint64, error)
	WriteU32(offset uint32, value uint32) error
	WriteU64(offset uint32, value uint64) error
	Size() uint32
}

// readCopy reads length bytes at offset into a fresh slice.
func readCopy(mem Memory, offset, length uint32) ([]byte, error) {
	view, err := mem.Read(offset, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(view))
	copy(out, view)
	return out, nil
}

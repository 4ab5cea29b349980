package hostapi

// Schedule is the weight charged by host functions. Byte costs are charged
// on the guest-supplied lengths, before the operation runs.
type Schedule struct {
	Base         uint64
	PerByte      uint64
	StorageRead  uint64
	StorageWrite uint64
	StorageClear uint64
	Hash         uint64
	Verify       uint64
	Random       uint64
	Event        uint64
}

// DefaultSchedule returns the weights used by the reference node.
func DefaultSchedule() *Schedule {
	return &Schedule{
		Base:         10,
		PerByte:      1,
		StorageRead:  200,
		StorageWrite: 500,
		StorageClear: 300,
		Hash:         100,
		Verify:       5000,
		Random:       150,
		Event:        100,
	}
}

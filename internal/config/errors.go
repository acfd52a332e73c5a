package config

import "errors"

var (
	errInvalidSlotBytes           = errors.New("config: SlotBytes must equal DefaultSlotBytes (4096)")
	errInvalidRingSlots           = errors.New("config: RingSlots must be in [MinRingSlots, 1<<16)")
	errInvalidCompletionCapacity  = errors.New("config: CompletionCapacity must be positive")
	errInvalidCommandChannelDepth = errors.New("config: CommandChannelDepth must be positive")
	errInvalidGPUOrdinal          = errors.New("config: GPUOrdinal must be >= 0")
)

package nl

import (
	"fmt"
	"os"
	"sync"

	"github.com/overnet-network/overnet/pkg/util"
)

var (
	pschedOnce    sync.Once
	pschedErr     error
	pschedTickSec float64
)

// readPsched reads the kernel timer resolution from /proc/net/psched. The
// file is read once per process; all police actions share the result.
func readPsched() {
	data, err := os.ReadFile("/proc/net/psched")
	if err != nil {
		pschedErr = fmt.Errorf("%w: reading /proc/net/psched: %v", util.ErrOs, err)
		return
	}
	var t2us, us2t, clockRes uint32
	if _, err := fmt.Sscanf(string(data), "%08x%08x%08x", &t2us, &us2t, &clockRes); err != nil {
		pschedErr = fmt.Errorf("%w: parsing /proc/net/psched: %v", util.ErrOs, err)
		return
	}
	// Old iproute binaries ignored the kernel clock resolution, so the kernel
	// advertises a tick multiplier of 1000 for nano-second resolution, which
	// really is 1.
	if clockRes == 1000000000 {
		t2us = us2t
	}
	pschedTickSec = float64(t2us) / float64(us2t) * float64(clockRes)
}

// TicksPerSec returns the kernel packet scheduler tick rate.
func TicksPerSec() (float64, error) {
	pschedOnce.Do(readPsched)
	return pschedTickSec, pschedErr
}

// XmitTicks converts a transmission of size bytes at rate bytes/s into
// scheduler ticks. Used to scale police burst sizes.
func XmitTicks(rate float64, size uint32) (uint32, error) {
	ticks, err := TicksPerSec()
	if err != nil {
		return 0, err
	}
	return uint32(ticks * float64(size) / rate), nil
}

package resourcemonitor

import (
	"math"

	"github.com/shirou/gopsutil/v4/process"
)

type processSampler struct{}

// NewProcessSampler reads RSS through gopsutil, which covers Linux,
// macOS and Windows.
func NewProcessSampler() Sampler {
	return processSampler{}
}

func (processSampler) SampleRSS(pid int) (int64, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	if info.RSS > math.MaxInt64 {
		return math.MaxInt64, nil
	}
	return int64(info.RSS), nil
}

//go:build !linux

package workerpool

import (
	"time"

	"github.com/efficientgo/core/errors"
)

type processSample struct {
	at         time.Time
	cpuSeconds float64
	rssBytes   uint64
}

func sampleProcess(pid int) (processSample, error) {
	return processSample{}, errors.New("process resource sampling is only implemented on linux")
}

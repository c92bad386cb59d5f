package monitor

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemSample 当前进程的一次资源采样
type SystemSample struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryMB      float64   `json:"memory_mb"`
	MemoryRSS     uint64    `json:"memory_rss"`
	MemoryPercent float64   `json:"memory_percent"` // 占系统总内存的百分比
	Goroutines    int       `json:"goroutines"`
	ProcessID     int       `json:"process_id"`
}

// 进程句柄跨采样复用：gopsutil 在句柄上记录上次采样时间点，
// 复用后 CPUPercent 反映两次采样之间的占用率而非进程启动以来的均值
var (
	procOnce sync.Once
	proc     *process.Process
	procErr  error
)

func currentProcess() (*process.Process, error) {
	procOnce.Do(func() {
		proc, procErr = process.NewProcess(int32(os.Getpid()))
	})
	return proc, procErr
}

// CollectSystemSample 采集当前进程的CPU、内存和 goroutine 指标
func CollectSystemSample() (*SystemSample, error) {
	p, err := currentProcess()
	if err != nil {
		return nil, fmt.Errorf("获取进程失败: %w", err)
	}

	cpuPercent, err := p.CPUPercent()
	if err != nil {
		// 进程级采集失败时退回整机CPU使用率
		if cpuPercent, err = hostCPUPercent(); err != nil {
			return nil, fmt.Errorf("获取CPU占用率失败: %w", err)
		}
	}

	memInfo, err := p.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("获取内存信息失败: %w", err)
	}

	var memoryPercent float64
	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		memoryPercent = float64(memInfo.RSS) / float64(vm.Total) * 100
	}

	return &SystemSample{
		Timestamp:     time.Now(),
		CPUPercent:    cpuPercent,
		MemoryMB:      float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS:     memInfo.RSS,
		MemoryPercent: memoryPercent,
		Goroutines:    runtime.NumGoroutine(),
		ProcessID:     os.Getpid(),
	}, nil
}

// hostCPUPercent 整机CPU使用率，取相对上一次调用的区间值
func hostCPUPercent() (float64, error) {
	percentages, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(percentages) == 0 {
		return 0, fmt.Errorf("无法获取CPU使用率")
	}
	return percentages[0], nil
}

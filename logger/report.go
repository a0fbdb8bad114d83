package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsClient   int64
	errorsPipeline int64
	warnsClient    int64
	warnsPipeline  int64
	framesReceived int64
	framesDropped  int64
	commandsSent   int64
	storageWrites  int64
	channels       sync.Map // map[string]*channelStat
)

// client components are the cortex_* family and the websocket transport
func isClientComponent(component string) bool {
	return strings.HasPrefix(component, "cortex") || strings.HasSuffix(component, "transport")
}

func recordWarn(component string) {
	if isClientComponent(component) {
		atomic.AddInt64(&warnsClient, 1)
	} else {
		atomic.AddInt64(&warnsPipeline, 1)
	}
}

func recordError(component string) {
	if isClientComponent(component) {
		atomic.AddInt64(&errorsClient, 1)
	} else {
		atomic.AddInt64(&errorsPipeline, 1)
	}
}

// IncrementFrameReceived counts a frame message of size bytes read off the wire.
func IncrementFrameReceived(size int) {
	atomic.AddInt64(&framesReceived, 1)
	recordChannel("host_frames", size)
}

// IncrementFrameDropped counts a frame that was coalesced or dropped
// before reaching its consumer.
func IncrementFrameDropped() {
	atomic.AddInt64(&framesDropped, 1)
}

func IncrementCommand(size int) {
	atomic.AddInt64(&commandsSent, 1)
	recordChannel("host_commands", size)
}

// IncrementStorageWrite counts an upload or flush to target.
func IncrementStorageWrite(target string, size int64) {
	atomic.AddInt64(&storageWrites, 1)
	recordChannel(target+"_write", int(size))
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport logs system and channel statistics every interval until ctx ends.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func snapshotChannels() map[string]map[string]int64 {
	out := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		out[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})
	return out
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := snapshotChannels()

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	var memUsed, diskUsed uint64
	if memStats != nil {
		memUsed = memStats.Used
	}
	if diskStats != nil {
		diskUsed = diskStats.Used
	}
	var bytesSent, bytesRecv uint64
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	counters := map[string]int64{
		"errors_client":   atomic.LoadInt64(&errorsClient),
		"errors_pipeline": atomic.LoadInt64(&errorsPipeline),
		"warns_client":    atomic.LoadInt64(&warnsClient),
		"warns_pipeline":  atomic.LoadInt64(&warnsPipeline),
		"frames_received": atomic.LoadInt64(&framesReceived),
		"frames_dropped":  atomic.LoadInt64(&framesDropped),
		"commands_sent":   atomic.LoadInt64(&commandsSent),
		"storage_writes":  atomic.LoadInt64(&storageWrites),
	}

	fields := Fields{
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memUsed) / 1024 / 1024,
		"disk_mb":        int64(diskUsed) / 1024 / 1024,
		"channels":       channelData,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}
	for k, v := range counters {
		fields[k] = v
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memUsed) / 1024 / 1024)},
		{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskUsed) / 1024 / 1024)},
		{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	}
	for name, v := range counters {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(metricName(name)),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(float64(v)),
		})
	}
	for name, stats := range channelData {
		dims := []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("ChannelMessages"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["messages"]))},
			cwtypes.MetricDatum{MetricName: aws.String("ChannelBytes"), Unit: cwtypes.StandardUnitBytes, Dimensions: dims, Value: aws.Float64(float64(stats["bytes"]))},
		)
	}

	publishMetrics(ctx, data)
}

// metricName turns "frames_received" into "FramesReceived".
func metricName(field string) string {
	parts := strings.Split(field, "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "")
}

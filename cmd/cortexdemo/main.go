// Command cortexdemo runs one capture session against a host: connect, list
// the body definitions, stream a number of frames, pause and exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"

	"cortexflow/config"
	"cortexflow/cortex"
	"cortexflow/internal/hostsim"
	"cortexflow/logger"
	"cortexflow/models"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	hostAddr := flag.String("host", "", "Host address (IP, host name or ws:// URL); empty uses the default host")
	localAddr := flag.String("local", "", "Local interface address to bind")
	frames := flag.Int("frames", 120, "Number of frames to stream before pausing")
	verbosity := flag.String("verbosity", "info", "Diagnostic level: none, error, warning, info, debug")
	simulate := flag.Bool("simulate", false, "Run against a built-in simulated capture host")
	flag.Parse()

	cfg := config.Default()
	if err := log.Configure("info", "text", "stdout", 0); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *simulate {
		sim := hostsim.New(hostsim.Options{
			BodyDefs:     hostsim.DefaultBodyDefs(cfg.Simulator.Bodies, cfg.Simulator.Markers),
			FrameRate:    cfg.Simulator.FrameRate,
			Unidentified: cfg.Simulator.Unidentified,
		})
		url, err := sim.Listen(cfg.Simulator.Address)
		if err != nil {
			log.WithError(err).Error("failed to start simulated host")
			os.Exit(1)
		}
		defer sim.Close()
		sim.Start(ctx)
		*hostAddr = url
	}

	if err := run(ctx, &cfg, *localAddr, *hostAddr, *frames, *verbosity); err != nil {
		log.WithError(err).Error("demo session failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, localAddr, hostAddr string, frames int, verbosity string) error {
	log := logger.GetLogger()
	entry := log.WithComponent("cortexdemo")

	v := cortex.SdkVersion()
	entry.WithFields(logger.Fields{"sdk": fmt.Sprintf("%d.%d.%d.%d", v[0], v[1], v[2], v[3])}).Info("cortex client")

	client := cortex.NewClient(cfg, nil, log)
	defer client.Exit()

	level, err := cortex.ParseVerbosity(verbosity)
	if err != nil {
		return err
	}
	if err := client.SetVerbosityLevel(level); err != nil {
		return err
	}
	client.SetErrorMsgHandlerFunc(func(v cortex.Verbosity, msg string) {
		fmt.Printf("[%s] %s\n", v, msg)
	})

	var (
		seen int64
		done = make(chan struct{})
	)
	client.SetDataHandlerFunc(func(view cortex.FrameView) {
		n := atomic.AddInt64(&seen, 1)
		f := view.Frame()
		if n%30 == 1 {
			printFrame(f)
		}
		if n == int64(frames) {
			close(done)
		}
	})

	initCtx, initCancel := context.WithTimeout(ctx, cfg.Cortex.ConnectTimeout)
	defer initCancel()
	if err := client.Initialize(initCtx, localAddr, hostAddr); err != nil {
		return err
	}

	info, err := client.GetHostInfo()
	if err != nil {
		return err
	}
	fmt.Printf("host %s (%d.%d.%d.%d) running %s %d.%d.%d.%d\n",
		info.HostMachineName,
		info.HostMachineAddress[0], info.HostMachineAddress[1], info.HostMachineAddress[2], info.HostMachineAddress[3],
		info.HostProgramName,
		info.HostProgramVersion[0], info.HostProgramVersion[1], info.HostProgramVersion[2], info.HostProgramVersion[3])

	defs, err := client.GetBodyDefs()
	if err != nil {
		return err
	}
	if defs == nil {
		fmt.Println("no bodies defined")
	} else {
		printBodyDefs(defs.Defs())
	}

	if resp, err := client.Request("GetContextFrameRate"); err == nil {
		if rate, err := resp.Float32(); err == nil {
			fmt.Printf("frame rate %.1f\n", rate)
		}
	}

	if _, err := client.Request("LiveMode"); err != nil {
		return err
	}

	timeout := time.Duration(frames)*time.Second/10 + 10*time.Second
	select {
	case <-done:
	case <-time.After(timeout):
		entry.WithFields(logger.Fields{"frames": atomic.LoadInt64(&seen)}).Warn("stopped waiting for frames")
	case <-ctx.Done():
	}

	if _, err := client.Request("Pause"); err != nil {
		return err
	}
	if defs != nil {
		if err := client.FreeBodyDefs(defs); err != nil {
			return err
		}
	}

	stats := client.Stats()
	fmt.Printf("received %d, delivered %d, coalesced %d frames\n",
		stats.FramesReceived, stats.FramesDelivered, stats.FramesCoalesced)
	return nil
}

func printBodyDefs(defs *models.BodyDefs) {
	fmt.Printf("%d bodies, %d analog channels, %d forceplates\n",
		defs.NumBodyDefs(), defs.NumAnalogChannels(), defs.NumForcePlates)
	for i := range defs.BodyDefs {
		d := &defs.BodyDefs[i]
		fmt.Printf("  %s: %d markers, %d segments, %d dofs\n",
			d.Name, d.NumMarkers(), d.Hierarchy.NumSegments(), d.NumDofs())
		for j, name := range d.MarkerNames {
			fmt.Printf("    %2d %s\n", j, name)
		}
	}
}

func printFrame(f *models.FrameOfData) {
	fmt.Printf("frame %d delay %.4f bodies %d unidentified %d\n",
		f.Frame, f.Delay, f.NumBodies(), f.NumUnidentifiedMarkers())
	for i := range f.Bodies {
		b := &f.Bodies[i]
		if len(b.Markers) == 0 || b.Markers[0].Empty() {
			continue
		}
		m := b.Markers[0]
		fmt.Printf("  %s marker 0 at %.1f %.1f %.1f\n", b.Name, m[0], m[1], m[2])
	}
}

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/theckman/yacspin"
	yml "gopkg.in/yaml.v2"

	"github.com/sdss/jaeger/can"
	"github.com/sdss/jaeger/config"
	"github.com/sdss/jaeger/fps"
)

const (
	// SystemConfigPath is the fleet-wide configuration layer, below the
	// user's own jaeger.yml (spec.md §6).
	SystemConfigPath = "/etc/jaeger/jaeger.yml"
	// UserConfigFileName is the highest-priority configuration layer,
	// read from the current working directory.
	UserConfigFileName = "jaeger.yml"

	helpBlurb = `jaeger drives the SDSS Focal Plane System's fleet of robotic fiber
positioners over CAN, coordinating discovery, trajectories, and the
fleet-wide safety lock.

Usage:
	jaegerd <command>

Commands:
	run      start the daemon: acquire the lockfile, discover the fleet,
	         start pollers, and run until interrupted
	mkconf   write jaeger.yml populated with the compiled-in defaults
	conf     print the effective layered configuration
	version
	help`
)

// Version is the build version, normally set via -ldflags.
var Version = "dev"

func main() {
	if len(os.Args) == 1 {
		fmt.Println(helpBlurb)
		return
	}
	switch strings.ToLower(os.Args[1]) {
	case "help":
		fmt.Println(helpBlurb)
	case "version":
		fmt.Printf("jaegerd version %s\n", Version)
	case "mkconf":
		mkconf()
	case "conf":
		printConf()
	case "run":
		run()
	default:
		log.Fatalf("jaegerd: unknown command %q", os.Args[1])
	}
}

func loader() *config.Loader {
	return config.NewLoader(SystemConfigPath, UserConfigFileName, log.Default())
}

func mkconf() {
	c := config.Default()
	f, err := os.Create(UserConfigFileName)
	if err != nil {
		log.Fatalf("jaegerd: creating %s: %v", UserConfigFileName, err)
	}
	defer f.Close()
	if err := yml.NewEncoder(f).Encode(c); err != nil {
		log.Fatalf("jaegerd: writing %s: %v", UserConfigFileName, err)
	}
}

func printConf() {
	c, err := loader().Load()
	if err != nil {
		log.Fatalf("jaegerd: %v", err)
	}
	if err := yml.NewEncoder(os.Stdout).Encode(c); err != nil {
		log.Fatalf("jaegerd: %v", err)
	}
}

func run() {
	cfg, err := loader().Load()
	if err != nil {
		log.Fatalf("jaegerd: %v", err)
	}

	lockfile, err := fps.AcquireLockfile(cfg.LockfilePath)
	if err != nil {
		log.Fatalf("jaegerd: %v", err)
	}
	defer lockfile.Close()

	interfaces, err := buildInterfaces(cfg)
	if err != nil {
		log.Fatalf("jaegerd: %v", err)
	}

	fleet := fps.New(cfg, interfaces, log.Default())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, bus := range interfaces {
		if err := bus.Open(ctx); err != nil {
			log.Fatalf("jaegerd: opening interface %d: %v", bus.Index(), err)
		}
	}

	if err := discover(ctx, fleet); err != nil {
		log.Fatalf("jaegerd: discovery: %v", err)
	}
	printSnapshot(fleet)

	fleet.StartPollers(ctx)
	go logEvents(ctx, fleet)

	color.Cyan("jaegerd running (%d positioners); press ctrl-c to stop", len(fleet.Snapshot()))
	<-ctx.Done()

	log.Println("jaegerd: shutting down")
	if err := fleet.Shutdown(); err != nil {
		log.Printf("jaegerd: shutdown: %v", err)
	}
}

// discover runs Fps.Initialise behind a spinner, since a full broadcast
// discovery pass over ~500 positioners can take a couple of seconds.
func discover(ctx context.Context, fleet *fps.Fps) error {
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[11],
		Suffix:          " discovering positioners",
		SuffixAutoColon: true,
		StopCharacter:   "✓",
		StopColors:      []string{"fgGreen"},
		StopFailMessage: "discovery failed",
		StopFailColors:  []string{"fgRed"},
	})
	if err != nil {
		// A spinner is cosmetic; fall back to a plain discovery pass if
		// the terminal doesn't support it.
		return fleet.Initialise(ctx)
	}
	spinner.Start()
	if err := fleet.Initialise(ctx); err != nil {
		spinner.StopFail()
		return err
	}
	spinner.StopMessage(fmt.Sprintf("discovered %d positioners", len(fleet.Snapshot())))
	spinner.Stop()
	return nil
}

func printSnapshot(fleet *fps.Fps) {
	for id, snap := range fleet.Snapshot() {
		if snap.Flags.Offline {
			color.Red("positioner %d: offline", id)
			continue
		}
		color.Green("positioner %d: firmware %d.%d.%d", id, snap.FirmwareVersion.Major, snap.FirmwareVersion.Minor, snap.FirmwareVersion.Patch)
	}
}

// logEvents prints a line per fleet event until ctx is cancelled, colored
// by severity the way the daemon's terminal output distinguishes routine
// status changes from alerts.
func logEvents(ctx context.Context, fleet *fps.Fps) {
	events := fleet.Events().Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			line := fmt.Sprintf("[%s] %s", event.Time.Format(time.RFC3339), event.Kind)
			if event.PositionerID != 0 {
				line += fmt.Sprintf(" positioner=%d", event.PositionerID)
			}
			switch event.Kind {
			case fps.EventLocked, fps.EventAlert:
				color.Red(line)
			case fps.EventUnlocked, fps.EventDiscoveryComplete, fps.EventTrajectoryFinished:
				color.Green(line)
			default:
				log.Println(line)
			}
		}
	}
}

// buildInterfaces constructs one BusInterface per configured CAN profile
// entry (spec.md §4.1: "interfaces are configured, not auto-detected").
func buildInterfaces(cfg config.Config) (map[int]can.BusInterface, error) {
	interfaces := make(map[int]can.BusInterface, len(cfg.CAN))
	var network *can.VirtualNetwork
	for _, ifaceCfg := range cfg.CAN {
		switch strings.ToLower(ifaceCfg.Kind) {
		case "tcp":
			interfaces[ifaceCfg.Index] = can.NewTCPBus(ifaceCfg.Index, ifaceCfg.Buses, ifaceCfg.Addr)
		case "slcan":
			busIndex := 0
			if len(ifaceCfg.Buses) > 0 {
				busIndex = ifaceCfg.Buses[0]
			}
			interfaces[ifaceCfg.Index] = can.NewSLCANBus(ifaceCfg.Index, busIndex, ifaceCfg.Addr)
		case "socketcan":
			busIndex := 0
			if len(ifaceCfg.Buses) > 0 {
				busIndex = ifaceCfg.Buses[0]
			}
			interfaces[ifaceCfg.Index] = can.NewSocketCANBus(ifaceCfg.Index, busIndex, ifaceCfg.Addr)
		case "virtual", "":
			if network == nil {
				network = can.NewVirtualNetwork()
			}
			interfaces[ifaceCfg.Index] = can.NewVirtualBus(network, ifaceCfg.Index, ifaceCfg.Buses)
		default:
			return nil, fmt.Errorf("jaegerd: unknown CAN interface kind %q", ifaceCfg.Kind)
		}
	}
	return interfaces, nil
}

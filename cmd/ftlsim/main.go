// Command ftlsim drives a RAM-backed NAND simulator through a scripted
// scenario, exercising Format/Mount/Read/Write/Trim/GarbageCollect against
// internal/ftln without any physical hardware. The device geometry and
// volume policy come from an INI file (internal/config); the fault
// injection and operation script come from a second, TOML-formatted
// scenario file, exercising a second config format the way the teacher's
// execution-context configuration does for query plans.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pelletier/go-toml"

	"github.com/zhukovaskychina/goftl/internal/config"
	"github.com/zhukovaskychina/goftl/internal/driver/simdriver"
	"github.com/zhukovaskychina/goftl/internal/ftln"
	"github.com/zhukovaskychina/goftl/logger"
)

// scenario is the decoded shape of the TOML scenario file.
type scenario struct {
	Faults struct {
		ECCErrorInterval int `toml:"ecc_error_interval"`
		BadBlockInterval int `toml:"bad_block_interval"`
		BadBlockBurst    int `toml:"bad_block_burst"`
	} `toml:"faults"`
	Ops []scenarioOp `toml:"ops"`
}

type scenarioOp struct {
	Type    string `toml:"type"` // write, read, trim, recycle, diagnose, flush
	VPN     int    `toml:"vpn"`
	Pattern int64  `toml:"pattern"`
}

func main() {
	iniPath := flag.String("config", "", "path to the device/volume INI config")
	scenarioPath := flag.String("scenario", "", "path to the TOML scenario file")
	format := flag.Bool("format", false, "format the simulated device before running the scenario")
	flag.Parse()

	if *iniPath == "" || *scenarioPath == "" {
		fmt.Fprintln(os.Stderr, "usage: ftlsim -config device.ini -scenario scenario.toml [-format]")
		os.Exit(2)
	}

	if err := logger.InitLogger(logger.Config{LogLevel: "info"}); err != nil {
		fmt.Fprintln(os.Stderr, "logger init:", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*iniPath)
	if err != nil {
		logger.Errorf("ftlsim: %v", err)
		os.Exit(1)
	}

	tomlBytes, err := os.ReadFile(*scenarioPath)
	if err != nil {
		logger.Errorf("ftlsim: reading scenario: %v", err)
		os.Exit(1)
	}
	var sc scenario
	if err := toml.Unmarshal(tomlBytes, &sc); err != nil {
		logger.Errorf("ftlsim: parsing scenario: %v", err)
		os.Exit(1)
	}

	sim := simdriver.New(cfg.Geometry())
	sim.ECCErrorInterval = sc.Faults.ECCErrorInterval
	sim.BadBlockInterval = sc.Faults.BadBlockInterval
	sim.BadBlockBurst = sc.Faults.BadBlockBurst

	var vol *ftln.Volume
	if *format {
		vol, err = ftln.Format(sim, cfg.VolumeConfig(), nil)
	} else {
		vol, err = ftln.Mount(sim, cfg.VolumeConfig(), cfg.Volume.ReadOnly)
	}
	if err != nil {
		logger.Errorf("ftlsim: %v", err)
		os.Exit(1)
	}

	if err := runScenario(vol, sc); err != nil {
		logger.Errorf("ftlsim: scenario failed: %v", err)
		os.Exit(1)
	}

	if err := vol.Unmount(); err != nil {
		logger.Errorf("ftlsim: unmount: %v", err)
		os.Exit(1)
	}
	logger.Infof("ftlsim: scenario completed successfully")
}

func runScenario(vol *ftln.Volume, sc scenario) error {
	for i, op := range sc.Ops {
		switch op.Type {
		case "write":
			data := patternBuf(vol, op.Pattern)
			if err := vol.Write(op.VPN, 1, data); err != nil {
				return fmt.Errorf("op %d write vpn=%d: %w", i, op.VPN, err)
			}
		case "read":
			data := patternBuf(vol, 0)
			if err := vol.Read(op.VPN, 1, data); err != nil {
				return fmt.Errorf("op %d read vpn=%d: %w", i, op.VPN, err)
			}
		case "trim":
			if err := vol.Trim(op.VPN, 1); err != nil {
				return fmt.Errorf("op %d trim vpn=%d: %w", i, op.VPN, err)
			}
		case "recycle":
			if err := vol.GarbageCollect(); err != nil {
				return fmt.Errorf("op %d recycle: %w", i, err)
			}
		case "flush":
			if err := vol.Flush(); err != nil {
				return fmt.Errorf("op %d flush: %w", i, err)
			}
		case "diagnose":
			for _, issue := range vol.DiagnoseKnownIssues() {
				logger.Warnf("ftlsim: [%s/%s] %s", issue.Severity, issue.Code, issue.Message)
			}
		default:
			return fmt.Errorf("op %d: unknown op type %q", i, op.Type)
		}
	}
	return nil
}

func patternBuf(vol *ftln.Volume, pattern int64) []byte {
	b := make([]byte, vol.PageSize())
	for i := range b {
		b[i] = byte(pattern)
	}
	return b
}

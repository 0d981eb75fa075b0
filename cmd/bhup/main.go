// Command bhup brings up one accelerator: it opens the device, detects
// harvesting, derives the tile grid, and uploads the RISC-V firmware that
// every fresh boot requires. It can also drive an explicit reset.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/openbh/internal/device"
	"github.com/tinyrange/openbh/internal/firmware"
	"github.com/tinyrange/openbh/internal/grid"
	"github.com/tinyrange/openbh/internal/harvest"
	"github.com/tinyrange/openbh/internal/kmd"
)

type config struct {
	Device      string `yaml:"device"`
	FirmwareDir string `yaml:"firmware_dir"`
	Debug       bool   `yaml:"debug"`
}

func loadConfig(path string, explicit bool) (config, error) {
	cfg := config{
		Device:      "/dev/tenstorrent/0",
		FirmwareDir: "riscv-firmware",
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// confirmReset asks the operator whether to reset a board that failed
// validation. Non-interactive runs never reset implicitly.
func confirmReset(reason string) bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false
	}
	fmt.Fprintf(os.Stderr, "%s. reset y/n: ", reason)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(line), "y")
}

func run() error {
	configPath := flag.String("config", "bhup.yaml", "Path to the YAML config file")
	devPath := flag.String("device", "", "Device node path (overrides config)")
	fwDir := flag.String("fw", "", "Firmware directory (overrides config)")
	doReset := flag.Bool("reset", false, "Reset the device and exit")
	dmc := flag.Bool("dmc", false, "Also reset the management controller (with -reset)")
	skipFirmware := flag.Bool("no-fw", false, "Skip the firmware upload")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	explicitConfig := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicitConfig = true
		}
	})

	cfg, err := loadConfig(*configPath, explicitConfig)
	if err != nil {
		return err
	}
	if *devPath != "" {
		cfg.Device = *devPath
	}
	if *fwDir != "" {
		cfg.FirmwareDir = *fwDir
	}

	level := slog.LevelInfo
	if *dbg || cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	h, err := device.Open(kmd.System(), cfg.Device, device.Options{
		ConfirmReset: confirmReset,
	})
	if err != nil {
		return err
	}
	defer h.Close()

	if *doReset {
		return h.Reset(*dmc)
	}

	harvesting, err := harvest.Detect(h.Conn())
	if err != nil {
		return err
	}
	slog.Info("harvesting detected",
		"tensix_cols", harvesting.TensixCols,
		"dram_bank", harvesting.DRAMBank,
		"eth_disabled", harvesting.AllEthDisabled)

	tiles := grid.Build(harvesting)
	slog.Info("tile grid built",
		"tensix", len(tiles.Tensix),
		"dram", len(tiles.DRAM),
		"mcast_ranges", len(tiles.TensixMcast))

	if *skipFirmware {
		return nil
	}

	images, err := firmware.LoadDir(cfg.FirmwareDir, h.CardType())
	if err != nil {
		return err
	}

	bar := progressbar.DefaultBytes(int64(firmware.TotalBytes(images)), "uploading firmware")
	uploader := firmware.Uploader{
		Conn: h.Conn(),
		Grid: tiles,
		Progress: func(n int) {
			bar.Add(n)
		},
	}
	if err := uploader.Upload(images); err != nil {
		return err
	}
	bar.Finish()

	slog.Info("device ready", "path", h.Path(), "card_type", h.CardType(), "bdf", h.BDF())
	return nil
}

func main() {
	if err := run(); err != nil {
		slog.Error("bhup failed", "error", err)
		os.Exit(1)
	}
}

// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/gousb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sbootil/sbootil/bootstub"
	"github.com/sbootil/sbootil/download"
	"github.com/sbootil/sbootil/driver"
	"github.com/sbootil/sbootil/memfile"
	"github.com/sbootil/sbootil/proto"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// app is the state shared by all commands of one invocation.
type app struct {
	v      *viper.Viper
	fs     afero.Fs
	reg    prometheus.Registerer
	stdout io.Writer
	stderr io.Writer

	// set up once flags are parsed
	logger log.Logger
	cfg    settings

	// guards logger writes and closers
	mu      sync.Mutex
	closers []io.Closer
}

// track registers c to be closed when the invocation is interrupted.
func (a *app) track(c io.Closer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, c)
}

// interrupt closes every tracked resource, unblocking pending reads.
func (a *app) interrupt() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.closers {
		_ = c.Close()
	}
	a.closers = nil
}

func (a *app) setup(cmd *cobra.Command) error {
	if err := initConfig(a.v, cmd.Root().PersistentFlags()); err != nil {
		return err
	}
	logger, err := newLogger(a.stderr, a.v.GetString("log-level"))
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.logger = log.With(logger, "cmd", cmd.CommandPath())
	a.mu.Unlock()
	a.cfg, err = loadSettings(a.v)
	return err
}

// currentLogger is safe to call from goroutines other than the command's.
func (a *app) currentLogger() log.Logger {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.logger
}

func (a *app) progress(total int64, desc string) *progressbar.ProgressBar {
	if a.cfg.Quiet {
		return nil
	}
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(a.stderr),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionShowBytes(true),
		progressbar.OptionClearOnFinish(),
	)
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "sbootil",
		Short:         "Talk to Samsung download mode and the serial bootstub",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	defineFlags(root.PersistentFlags())
	root.AddCommand(
		newListDevicesCommand(a),
		newDownloadCommand(a),
		newBootstubCommand(a),
	)
	return root
}

func newListDevicesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list-devices [vendor]",
		Short: "List connected USB devices of a vendor",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			vendor := driver.DefaultListVendor
			if len(args) == 1 {
				var err error
				if vendor, err = parseID(args[0]); err != nil {
					return err
				}
			}
			usb := gousb.NewContext()
			defer usb.Close()

			devices, err := driver.ListDevices(usb, vendor)
			if err != nil {
				return err
			}
			for _, d := range devices {
				if _, err := fmt.Fprintln(a.stdout, d); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newDownloadCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Talk to download mode",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reboot",
		Short: "Reboot the device",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return a.downloadReboot()
		},
	})
	return cmd
}

func (a *app) downloadReboot() error {
	usb := gousb.NewContext()
	defer usb.Close()

	t, err := driver.OpenUSB(usb, a.cfg.Vendor, a.cfg.Product, a.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := t.Close(); err != nil {
			_ = level.Warn(a.logger).Log("msg", "failed to close USB device", "err", err)
		}
	}()

	return rebootDevice(t, a.cfg.USBTimeout, a.logger, a.reg)
}

// claimableDevice is an opened download-mode device whose interface is
// claimed for the duration of one command.
type claimableDevice interface {
	download.Transport
	Claim() error
	Release() error
}

// rebootDevice claims dev, reboots it and releases the claim on every path.
func rebootDevice(dev claimableDevice, timeout time.Duration, logger log.Logger, reg prometheus.Registerer) error {
	if err := dev.Claim(); err != nil {
		return err
	}
	defer func() {
		if err := dev.Release(); err != nil {
			_ = level.Warn(logger).Log("msg", "failed to release USB interface", "err", err)
		}
	}()

	p := download.New(dev, timeout, logger, reg)
	if err := p.Reboot(); err != nil {
		return errors.Wrap(err, "reboot")
	}
	_ = level.Info(logger).Log("msg", "device is rebooting")
	return nil
}

func newBootstubCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstub",
		Short: "Talk to the serial bootstub",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "dump <start> <end> <output>",
			Short: "Dump memory from the device",
			Long: "Dump memory from start up to but not including end. Addresses are decimal " +
				"or hexadecimal with a 0x prefix. An output name ending in .hex or .ihex is " +
				"written as Intel HEX.",
			Args: cobra.ExactArgs(3),
			RunE: func(_ *cobra.Command, args []string) error {
				return a.bootstubDump(args[0], args[1], args[2])
			},
		},
		&cobra.Command{
			Use:   "boot <binary>",
			Short: "Boot a binary on the device and show its console",
			Long: "Upload a binary, boot it and copy the device console to stdout until " +
				"interrupted. A .hex or .ihex input is flattened from its lowest address.",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.bootstubBoot(cmd, args[0])
			},
		},
	)
	return cmd
}

func (a *app) bootstubConfig() bootstub.Config {
	return bootstub.Config{
		Encoding:     a.cfg.Encoding,
		CommandDelay: a.cfg.CommandDelay,
	}
}

// openBootstub opens the serial port and performs the handshake.
func (a *app) openBootstub(cfg bootstub.Config) (*driver.SerialTransport, *bootstub.Protocol, error) {
	t, err := driver.OpenSerial(a.cfg.Port, a.cfg.Baud, a.logger)
	if err != nil {
		return nil, nil, err
	}
	a.track(t)
	p := bootstub.New(t, cfg, a.logger, a.reg)
	if err := p.Handshake(); err != nil {
		_ = t.Close()
		return nil, nil, err
	}
	return t, p, nil
}

func (a *app) bootstubDump(start, end, output string) error {
	r, err := proto.ParseMemoryRange(start, end)
	if err != nil {
		return err
	}
	sink, err := memfile.NewSink(a.fs, output, r.Start.Value)
	if err != nil {
		return &proto.ConfigurationError{Reason: err.Error()}
	}
	defer func() {
		if sink != nil {
			_ = sink.Close()
		}
	}()

	t, p, err := a.openBootstub(a.bootstubConfig())
	if err != nil {
		return err
	}
	defer t.Close()

	var w io.Writer = sink
	bar := a.progress(int64(r.Len()), "dumping")
	if bar != nil {
		w = io.MultiWriter(sink, bar)
	}
	res, err := p.Dump(r, w)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return errors.Wrapf(err, "dump stopped after %d bytes", res.Bytes)
	}
	closeErr := sink.Close()
	sink = nil
	if closeErr != nil {
		return closeErr
	}
	if res.Err() != nil {
		_, _ = fmt.Fprintf(a.stderr, "Warning: %v\n", res.Err())
	}
	_ = level.Info(a.logger).Log("msg", "dump complete", "bytes", res.Bytes, "output", output)
	return nil
}

func (a *app) bootstubBoot(cmd *cobra.Command, binary string) error {
	image, err := memfile.Load(a.fs, binary)
	if err != nil {
		return err
	}
	if len(image) == 0 {
		return proto.NewConfigurationError("%s is empty", binary)
	}

	cfg := a.bootstubConfig()
	bar := a.progress(int64(len(image)), "uploading")
	if bar != nil {
		cfg.Progress = bar
	}
	t, p, err := a.openBootstub(cfg)
	if err != nil {
		return err
	}
	defer t.Close()

	// The bar completes itself once every byte went through cfg.Progress.
	return p.Boot(cmd.Context(), image, a.stdout)
}

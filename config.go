// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/mitchellh/mapstructure"
	"github.com/sbootil/sbootil/bootstub"
	"github.com/sbootil/sbootil/driver"
	"github.com/sbootil/sbootil/proto"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	defaultDevice = "04e8:685d"
	defaultPort   = "/dev/ttyUSB0"
)

// Profile is a named device setup from the config file.
type Profile struct {
	Device   string `json:"device"`
	Port     string `json:"port"`
	Baud     int    `json:"baud"`
	Encoding string `json:"encoding"`
}

// settings is the resolved configuration of one invocation.
type settings struct {
	Vendor, Product driver.USBID
	Port            string
	Baud            int
	Encoding        bootstub.Encoding
	CommandDelay    time.Duration
	USBTimeout      time.Duration
	Quiet           bool
	MetricsTextfile string
}

// defineFlags adds the global flags to fs.
func defineFlags(fs *flag.FlagSet) {
	fs.String("config", "", "Path to the config file.")
	fs.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	fs.String("device", defaultDevice, "The vendor and product ID of the download mode device, as vvvv:pppp.")
	fs.String("port", defaultPort, "The serial port the bootstub is attached to.")
	fs.Int("baud", driver.DefaultBaudRate, "The serial line speed.")
	fs.String("encoding", bootstub.EncodingRaw.String(), "The dump encoding of the bootstub firmware. Possible values: raw, packed")
	fs.Duration("command-delay", proto.CommandDelay, "The pause between consecutive bootstub request messages.")
	fs.Duration("usb-timeout", driver.DefaultTimeout, "The timeout of every USB transfer.")
	fs.String("profile", "", "The config file profile to take device settings from.")
	fs.Bool("quiet", false, "Do not show progress bars.")
	fs.String("metrics-textfile", "", "Write metrics in the Prometheus text format to this file on exit.")
}

// initConfig binds fs to v and reads the config file and environment.
func initConfig(v *viper.Viper, fs *flag.FlagSet) error {
	if err := v.BindPFlags(fs); err != nil {
		return errors.Wrap(err, "failed to bind config")
	}

	if cfgFile, _ := fs.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/sbootil/")
		v.AddConfigPath("$HOME/.config/sbootil/")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("sbootil")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			// Config file was found but another error was produced
			return errors.Wrap(err, "failed to read config file")
		}
	}

	return applyProfile(v)
}

func getProfiles(v *viper.Viper) (map[string]Profile, error) {
	result := make(map[string]Profile)
	for name, data := range v.GetStringMap("profiles") {
		var p Profile
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &p,
			TagName:          "json",
			WeaklyTypedInput: true,
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(data); err != nil {
			return nil, errors.Wrapf(err, "failed to decode profile %q", name)
		}
		result[name] = p
	}
	return result, nil
}

// applyProfile fills every setting not given by flag, environment or the
// top level of the config file from the selected profile.
func applyProfile(v *viper.Viper) error {
	name := v.GetString("profile")
	if name == "" {
		return nil
	}
	profiles, err := getProfiles(v)
	if err != nil {
		return err
	}
	p, ok := profiles[name]
	if !ok {
		return proto.NewConfigurationError("profile %q is not defined", name)
	}
	for key, value := range map[string]any{
		"device":   p.Device,
		"port":     p.Port,
		"baud":     p.Baud,
		"encoding": p.Encoding,
	} {
		if value == "" || value == 0 || v.IsSet(key) {
			continue
		}
		v.Set(key, value)
	}
	return nil
}

func loadSettings(v *viper.Viper) (settings, error) {
	s := settings{
		Port:            v.GetString("port"),
		Baud:            v.GetInt("baud"),
		CommandDelay:    v.GetDuration("command-delay"),
		USBTimeout:      v.GetDuration("usb-timeout"),
		Quiet:           v.GetBool("quiet"),
		MetricsTextfile: v.GetString("metrics-textfile"),
	}
	var err error
	if s.Vendor, s.Product, err = parseDeviceID(v.GetString("device")); err != nil {
		return s, err
	}
	if s.Encoding, err = bootstub.ParseEncoding(v.GetString("encoding")); err != nil {
		return s, err
	}
	if s.Baud <= 0 {
		return s, proto.NewConfigurationError("baud rate must be positive, got %d", s.Baud)
	}
	if s.CommandDelay < 0 {
		return s, proto.NewConfigurationError("command delay must not be negative, got %v", s.CommandDelay)
	}
	return s, nil
}

// parseID parses a 16-bit hexadecimal USB ID such as 04e8.
func parseID(s string) (driver.USBID, error) {
	n, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, proto.NewConfigurationError("invalid USB ID %q", s)
	}
	return driver.USBID(n), nil
}

// parseDeviceID parses vendor:product.
func parseDeviceID(s string) (vendor, product driver.USBID, err error) {
	v, p, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, proto.NewConfigurationError("device %q is not of the form vendor:product", s)
	}
	if vendor, err = parseID(v); err != nil {
		return 0, 0, err
	}
	if product, err = parseID(p); err != nil {
		return 0, 0, err
	}
	return vendor, product, nil
}

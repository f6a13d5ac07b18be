package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/go-kit/log/level"
	"github.com/sbootil/sbootil/bootstub"
	"github.com/sbootil/sbootil/driver"
	"github.com/sbootil/sbootil/proto"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, logLevelWarn)
	if err != nil {
		t.Fatal(err)
	}
	_ = level.Info(logger).Log("msg", "hidden")
	_ = level.Warn(logger).Log("msg", "shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "msg=shown") {
		t.Errorf("unexpected log output %q", buf.String())
	}
	if !strings.Contains(buf.String(), "caller=") {
		t.Errorf("no caller in %q", buf.String())
	}

	if _, err := newLogger(&buf, "verbose"); proto.ExitCode(err) != proto.ExitConfiguration {
		t.Errorf("got %v; want a configuration error", err)
	}
}

func TestParseDeviceID(t *testing.T) {
	for _, tc := range []struct {
		in              string
		vendor, product driver.USBID
		fail            bool
	}{
		{in: "04e8:685d", vendor: 0x04e8, product: 0x685d},
		{in: "04E8:685D", vendor: 0x04e8, product: 0x685d},
		{in: "1:2", vendor: 1, product: 2},
		{in: "04e8", fail: true},
		{in: "04e8:", fail: true},
		{in: "10000:0001", fail: true},
		{in: "0x04e8:685d", fail: true},
	} {
		vendor, product, err := parseDeviceID(tc.in)
		if tc.fail {
			if proto.ExitCode(err) != proto.ExitConfiguration {
				t.Errorf("%q: got %v; want a configuration error", tc.in, err)
			}
			continue
		}
		if err != nil || vendor != tc.vendor || product != tc.product {
			t.Errorf("%q: got %s:%s, %v", tc.in, vendor, product, err)
		}
	}
}

const testConfig = `
encoding: packed
profiles:
  galaxy:
    device: "04e8:6601"
    port: /dev/ttyACM3
    baud: "57600"
    encoding: raw
`

func newTestConfig(t *testing.T, args ...string) *viper.Viper {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	defineFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatal(err)
	}
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		t.Fatal(err)
	}
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(testConfig)); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestDefaults(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	defineFlags(fs)
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		t.Fatal(err)
	}
	s, err := loadSettings(v)
	if err != nil {
		t.Fatal(err)
	}
	if s.Vendor != 0x04e8 || s.Product != 0x685d {
		t.Errorf("device %s:%s", s.Vendor, s.Product)
	}
	if s.Port != defaultPort || s.Baud != 115200 || s.Encoding != bootstub.EncodingRaw {
		t.Errorf("serial settings %+v", s)
	}
	if s.CommandDelay != proto.CommandDelay || s.USBTimeout != driver.DefaultTimeout {
		t.Errorf("timing settings %+v", s)
	}
}

func TestProfile(t *testing.T) {
	v := newTestConfig(t, "--profile", "galaxy", "--port", "/dev/ttyUSB1")
	if err := applyProfile(v); err != nil {
		t.Fatal(err)
	}
	s, err := loadSettings(v)
	if err != nil {
		t.Fatal(err)
	}
	if s.Vendor != 0x04e8 || s.Product != 0x6601 {
		t.Errorf("device %s:%s; want the profile device", s.Vendor, s.Product)
	}
	if s.Port != "/dev/ttyUSB1" {
		t.Errorf("port %q; want the flag to win over the profile", s.Port)
	}
	if s.Baud != 57600 {
		t.Errorf("baud %d; want the profile baud", s.Baud)
	}
	if s.Encoding != bootstub.EncodingPacked {
		t.Errorf("encoding %v; want the top level setting to win over the profile", s.Encoding)
	}
}

func TestUnknownProfile(t *testing.T) {
	v := newTestConfig(t, "--profile", "note")
	if err := applyProfile(v); proto.ExitCode(err) != proto.ExitConfiguration {
		t.Errorf("got %v; want a configuration error", err)
	}
}

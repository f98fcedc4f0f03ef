package sensor

import (
	"context"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// IIO channel files exposed by the Linux dht11 driver. Values are in
// milli-degrees Celsius and milli-percent relative humidity.
const (
	iioTempFile     = "in_temp_input"
	iioHumidityFile = "in_humidityrelative_input"
)

// IIODriver reads a DHT11/DHT22 through the kernel's industrial I/O
// interface (dtoverlay=dht11 on a Raspberry Pi). The kernel does the
// bit-banging; a read that times out or fails its checksum surfaces as
// EIO and becomes NaN here.
type IIODriver struct {
	dir    string
	logger *slog.Logger
}

// NewIIODriver creates a driver for the IIO device directory, e.g.
// /sys/bus/iio/devices/iio:device0.
func NewIIODriver(dir string, logger *slog.Logger) *IIODriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &IIODriver{dir: dir, logger: logger}
}

// Name implements [Driver].
func (d *IIODriver) Name() string { return "iio:" + filepath.Base(d.dir) }

// Temperature implements [Driver].
func (d *IIODriver) Temperature(context.Context) float64 {
	return d.readMilli(iioTempFile)
}

// Humidity implements [Driver].
func (d *IIODriver) Humidity(context.Context) float64 {
	return d.readMilli(iioHumidityFile)
}

func (d *IIODriver) readMilli(name string) float64 {
	path := filepath.Join(d.dir, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		d.logger.Debug("iio read failed", "path", path, "error", err)
		return math.NaN()
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		d.logger.Debug("iio value unparseable", "path", path, "raw", string(raw), "error", err)
		return math.NaN()
	}
	return float64(v) / 1000
}

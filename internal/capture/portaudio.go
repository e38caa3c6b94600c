package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/teslashibe/go-voice/internal/audio"
)

// InputDevice describes a PortAudio capture device
type InputDevice struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	Channels  int    `json:"channels"`
	IsDefault bool   `json:"is_default"`
}

// ListInputDevices returns the PortAudio devices that have input channels
func ListInputDevices() ([]InputDevice, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	defaultInput, err := portaudio.DefaultInputDevice()
	if err != nil {
		defaultInput = nil
	}

	var result []InputDevice
	for i, dev := range devices {
		if dev.MaxInputChannels <= 0 {
			continue
		}
		result = append(result, InputDevice{
			Index:     i,
			Name:      dev.Name,
			Channels:  dev.MaxInputChannels,
			IsDefault: defaultInput != nil && dev.Name == defaultInput.Name,
		})
	}

	return result, nil
}

// PortAudioDevice captures from a PortAudio input stream in blocking mode
type PortAudioDevice struct {
	deviceName string
	logger     *slog.Logger

	mu          sync.Mutex
	stream      *portaudio.Stream
	buffer      []int16
	initialized bool
	closed      bool
	overflows   uint64
}

// NewPortAudioDevice creates a device bound to the named input ("" = system default)
func NewPortAudioDevice(deviceName string, logger *slog.Logger) *PortAudioDevice {
	if logger == nil {
		logger = slog.Default()
	}

	return &PortAudioDevice{
		deviceName: deviceName,
		logger:     logger,
	}
}

// Open initialises PortAudio and starts an input stream at the requested format
func (d *PortAudioDevice) Open(format audio.Format) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return audio.ErrDeviceClosed
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initialize portaudio: %w", err)
	}
	d.initialized = true

	device, err := d.findDevice()
	if err != nil {
		d.terminate()
		return err
	}

	if device.MaxInputChannels < format.Channels {
		d.terminate()
		return fmt.Errorf("device %q has %d input channels, need %d",
			device.Name, device.MaxInputChannels, format.Channels)
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: format.Channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(format.Rate),
		FramesPerBuffer: format.FrameSize,
	}

	d.buffer = make([]int16, format.Samples())

	// Passing a buffer instead of a callback selects blocking I/O
	stream, err := portaudio.OpenStream(params, d.buffer)
	if err != nil {
		d.terminate()
		return fmt.Errorf("open stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		d.terminate()
		return fmt.Errorf("start stream: %w", err)
	}

	d.stream = stream

	d.logger.Info("portaudio stream opened",
		"device", device.Name,
		"latency", device.DefaultLowInputLatency,
	)

	return nil
}

func (d *PortAudioDevice) findDevice() (*portaudio.DeviceInfo, error) {
	if d.deviceName == "" {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("default input device: %w", err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	for _, dev := range devices {
		if dev.Name == d.deviceName && dev.MaxInputChannels > 0 {
			return dev, nil
		}
	}

	return nil, fmt.Errorf("input device %q not found", d.deviceName)
}

// Read blocks until the stream delivers one frame
func (d *PortAudioDevice) Read(ctx context.Context, buf []int16) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || d.stream == nil {
		return audio.ErrDeviceClosed
	}

	if err := d.stream.Read(); err != nil {
		// An overflow still yields a full buffer; the lost samples precede it
		if !errors.Is(err, portaudio.InputOverflowed) {
			return fmt.Errorf("read stream: %w", err)
		}
		d.overflows++
		d.logger.Debug("portaudio input overflow", "overflows", d.overflows)
	}

	copy(buf, d.buffer)
	return nil
}

// Close stops the stream and terminates PortAudio
func (d *PortAudioDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	var errs []error
	if d.stream != nil {
		if err := d.stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop stream: %w", err))
		}
		if err := d.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stream: %w", err))
		}
		d.stream = nil
	}

	if err := d.terminate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (d *PortAudioDevice) terminate() error {
	if !d.initialized {
		return nil
	}
	d.initialized = false
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("terminate portaudio: %w", err)
	}
	return nil
}

// Name returns the driver name
func (d *PortAudioDevice) Name() string {
	return "portaudio"
}

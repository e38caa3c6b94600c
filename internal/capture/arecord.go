package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"

	"github.com/teslashibe/go-voice/internal/audio"
)

// ARecordDevice streams raw S16_LE frames from an ALSA arecord child process.
// Useful on boards where PortAudio is not installed.
type ARecordDevice struct {
	command    string
	deviceName string // ALSA PCM name passed with -D ("" = default)
	logger     *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser
	reader *bufio.Reader
	raw    []byte
	closed bool
}

// NewARecordDevice creates an arecord-backed device
func NewARecordDevice(command, deviceName string, logger *slog.Logger) *ARecordDevice {
	if logger == nil {
		logger = slog.Default()
	}
	if command == "" {
		command = "arecord"
	}

	return &ARecordDevice{
		command:    command,
		deviceName: deviceName,
		logger:     logger,
	}
}

// Args returns the arecord command line for a format
func (d *ARecordDevice) Args(format audio.Format) []string {
	args := []string{
		"-f", "S16_LE",
		"-r", strconv.Itoa(format.Rate),
		"-c", strconv.Itoa(format.Channels),
		"-t", "raw",
		"-q",
	}
	if d.deviceName != "" {
		args = append(args, "-D", d.deviceName)
	}
	return args
}

// Open starts the arecord process
func (d *ARecordDevice) Open(format audio.Format) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return audio.ErrDeviceClosed
	}

	if _, err := exec.LookPath(d.command); err != nil {
		return fmt.Errorf("capture command %q unavailable: %w", d.command, err)
	}

	cmd := exec.Command(d.command, d.Args(format)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start capture command: %w", err)
	}

	d.cmd = cmd
	d.stdout = stdout
	d.reader = bufio.NewReaderSize(stdout, format.Samples()*2*4)
	d.raw = make([]byte, format.Samples()*2)

	d.logger.Info("arecord capture started",
		"command", d.command,
		"device", d.deviceName,
		"pid", cmd.Process.Pid,
	)

	return nil
}

// Read reads one frame of little-endian samples from the child's stdout
func (d *ARecordDevice) Read(ctx context.Context, buf []int16) error {
	d.mu.Lock()
	reader, raw, closed := d.reader, d.raw, d.closed
	d.mu.Unlock()

	if closed || reader == nil {
		return audio.ErrDeviceClosed
	}

	if len(buf)*2 != len(raw) {
		return fmt.Errorf("buffer holds %d samples, frame has %d", len(buf), len(raw)/2)
	}

	if _, err := io.ReadFull(reader, raw); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
			return fmt.Errorf("capture process exited: %w", audio.ErrDeviceClosed)
		}
		return fmt.Errorf("read capture stream: %w", err)
	}

	decodePCM16(raw, buf)
	return nil
}

func decodePCM16(raw []byte, out []int16) {
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
}

// Close kills the child process
func (d *ARecordDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	if d.cmd == nil || d.cmd.Process == nil {
		return nil
	}

	if err := d.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill capture command: %w", err)
	}
	// Exit status after Kill is always an error; only reap the process
	_ = d.cmd.Wait()

	d.logger.Info("arecord capture stopped")
	return nil
}

// Name returns the driver name
func (d *ARecordDevice) Name() string {
	return "arecord"
}

// IsAvailable checks whether the capture command is on PATH
func (d *ARecordDevice) IsAvailable() bool {
	_, err := exec.LookPath(d.command)
	return err == nil
}

package audio

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// Context owns the miniaudio backend context. One Context serves any number
// of sequentially opened capture sources and players.
type Context struct {
	mctx *malgo.AllocatedContext
}

func NewContext() (*Context, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}
	return &Context{mctx: mctx}, nil
}

func (c *Context) Close() error {
	if c.mctx == nil {
		return nil
	}
	if err := c.mctx.Uninit(); err != nil {
		return fmt.Errorf("uninitializing audio context: %w", err)
	}
	c.mctx.Free()
	c.mctx = nil
	return nil
}

// ListDevices enumerates capture devices. The returned IDs are stable for
// the lifetime of the context and accepted by Open.
func (c *Context) ListDevices() ([]Device, error) {
	infos, err := c.mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate capture devices: %w", err)
	}
	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, Device{
			ID:      hex.EncodeToString(info.ID[:]),
			Name:    info.Name(),
			Default: info.IsDefault != 0,
		})
	}
	return devices, nil
}

// Open claims a capture device and starts delivering frames. An empty
// deviceID selects the system default device.
func (c *Context) Open(deviceID string, format Format) (Source, error) {
	if !format.valid() {
		return nil, fmt.Errorf("%w: %d Hz, %d ch, frame %d",
			ErrUnsupportedFormat, format.SampleRate, format.Channels, format.FrameSize)
	}

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceCfg.Capture.Format = malgo.FormatS16
	deviceCfg.Capture.Channels = uint32(format.Channels)
	deviceCfg.SampleRate = uint32(format.SampleRate)

	if deviceID != "" {
		id, err := resolveDeviceID(c, deviceID)
		if err != nil {
			return nil, err
		}
		deviceCfg.Capture.DeviceID = id.Pointer()
	}

	src := &captureSource{
		format: format,
		frames: make(chan []byte, 64),
		closed: make(chan struct{}),
	}

	callbacks := malgo.DeviceCallbacks{Data: src.onRecv}
	device, err := malgo.InitDevice(c.mctx.Context, deviceCfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	src.device = device
	return src, nil
}

func resolveDeviceID(c *Context, deviceID string) (malgo.DeviceID, error) {
	var id malgo.DeviceID
	raw, err := hex.DecodeString(deviceID)
	if err != nil || len(raw) != len(id) {
		return id, fmt.Errorf("%w: malformed device id %q", ErrDeviceUnavailable, deviceID)
	}
	infos, err := c.mctx.Devices(malgo.Capture)
	if err != nil {
		return id, fmt.Errorf("enumerate capture devices: %w", err)
	}
	for _, info := range infos {
		if bytes.Equal(info.ID[:], raw) {
			copy(id[:], raw)
			return id, nil
		}
	}
	return id, fmt.Errorf("%w: no capture device with id %q", ErrDeviceUnavailable, deviceID)
}

type captureSource struct {
	device *malgo.Device
	format Format

	frames chan []byte // raw callback payloads, dropped when full

	mu      sync.Mutex
	pending []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// onRecv runs on the miniaudio thread and must never block.
func (s *captureSource) onRecv(_, pSample []byte, _ uint32) {
	buf := make([]byte, len(pSample))
	copy(buf, pSample)
	select {
	case s.frames <- buf:
	case <-s.closed:
	default:
		// device outpaced the reader; drop rather than stall the driver
	}
}

func (s *captureSource) ReadFrame(ctx context.Context) ([]byte, error) {
	want := s.format.FrameBytes()
	for {
		s.mu.Lock()
		if len(s.pending) >= want {
			frame := make([]byte, want)
			copy(frame, s.pending[:want])
			s.pending = s.pending[want:]
			s.mu.Unlock()
			return frame, nil
		}
		s.mu.Unlock()

		select {
		case buf := <-s.frames:
			s.mu.Lock()
			s.pending = append(s.pending, buf...)
			s.mu.Unlock()
		case <-s.closed:
			return nil, ErrSourceClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *captureSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.device != nil {
			s.device.Uninit()
			s.device = nil
		}
	})
	return nil
}

package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// Player renders 16-bit PCM to the default output device. One playback
// device is created per Play call and released when playback ends.
type Player struct {
	ctx        *Context
	sampleRate int
	channels   int
}

func NewPlayer(ctx *Context, sampleRate, channels int) *Player {
	return &Player{ctx: ctx, sampleRate: sampleRate, channels: channels}
}

// Play blocks until pcm has been rendered in full or ctx is cancelled.
func (p *Player) Play(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceCfg.Playback.Format = malgo.FormatS16
	deviceCfg.Playback.Channels = uint32(p.channels)
	deviceCfg.SampleRate = uint32(p.sampleRate)

	var (
		mu     sync.Mutex
		offset int
	)
	done := make(chan struct{})
	var doneOnce sync.Once

	onSend := func(pOutput, _ []byte, _ uint32) {
		mu.Lock()
		n := copy(pOutput, pcm[offset:])
		offset += n
		finished := offset >= len(pcm)
		mu.Unlock()
		if finished {
			doneOnce.Do(func() { close(done) })
		}
	}

	device, err := malgo.InitDevice(p.ctx.mctx.Context, deviceCfg, malgo.DeviceCallbacks{Data: onSend})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

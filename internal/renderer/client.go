package renderer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/rs/zerolog"

	"go2tv.app/loopcast/internal/domain"
	"go2tv.app/loopcast/internal/metrics"
)

type State string

const (
	StateIdle    State = "IDLE"
	StatePlaying State = "PLAYING"
	StateStopped State = "STOPPED"
	StateStalled State = "STALLED"
	StatePaused  State = "PAUSED"
)

const (
	// VariantV1 restarts on STOPPED or after the inactivity timeout.
	VariantV1 = "v1"
	// VariantV2 also restarts shortly before the end of the track and
	// reports playback progress after every poll.
	VariantV2 = "v2"

	DefaultPollInterval      = 5 * time.Second
	DefaultInactivityTimeout = 30 * time.Second
	DefaultEndMargin         = 2 * time.Second
	DefaultStopWait          = 3 * time.Second
)

type MonitorConfig struct {
	Variant           string
	PollInterval      time.Duration
	InactivityTimeout time.Duration
	EndMargin         time.Duration
	StopWait          time.Duration
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.Variant != VariantV1 {
		c.Variant = VariantV2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.EndMargin <= 0 {
		c.EndMargin = DefaultEndMargin
	}
	if c.StopWait <= 0 {
		c.StopWait = DefaultStopWait
	}
	return c
}

type Options struct {
	DeviceName string
	Dialect    Dialect
	Monitor    MonitorConfig
	Retry      RetryConfig
	// OnProgress receives playback progress from the v2 monitor. It is called
	// from the monitor goroutine and must not call back into the Client.
	OnProgress func(domain.PlaybackProgress)
	Logger     *zerolog.Logger
	Now        func() time.Time
}

// Client controls one renderer. Play with loop=true starts a monitor
// goroutine that restarts the URL whenever the device stops or stalls.
type Client struct {
	device     string
	dialect    Dialect
	monitor    MonitorConfig
	executor   failsafe.Executor[any]
	onProgress func(domain.PlaybackProgress)
	logger     zerolog.Logger
	now        func() time.Time

	// opMu serializes caller commands. The monitor only try-locks it so a
	// restart never races a pause, stop or replay in progress.
	opMu sync.Mutex

	mu            sync.Mutex
	state         State
	mediaURL      string
	looping       bool
	paused        bool
	lastActivity  time.Time
	lastPosition  time.Duration
	restarts      int
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

func NewClient(opts Options) *Client {
	c := &Client{
		device:     opts.DeviceName,
		dialect:    opts.Dialect,
		monitor:    opts.Monitor.withDefaults(),
		executor:   newExecutor(opts.Retry),
		onProgress: opts.OnProgress,
		now:        opts.Now,
		state:      StateIdle,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if opts.Logger != nil {
		c.logger = opts.Logger.With().Str("device", opts.DeviceName).Logger()
	} else {
		c.logger = zerolog.Nop()
	}
	return c
}

// Play sets the transport URI and starts playback. Any previous monitor is
// stopped and joined first.
func (c *Client) Play(ctx context.Context, mediaURL string, loop bool) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.stopMonitor()
	if err := c.start(ctx, mediaURL); err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.mediaURL = ""
		c.looping = false
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.state = StatePlaying
	c.mediaURL = mediaURL
	c.looping = loop
	c.paused = false
	c.lastActivity = c.now()
	c.lastPosition = 0
	c.mu.Unlock()

	c.logger.Info().Str("url", mediaURL).Bool("loop", loop).Str("variant", c.monitor.Variant).Msg("renderer_play")
	if loop {
		c.startMonitor()
	}
	return nil
}

// Stop disables the monitor, waits for it to exit and then stops the device.
func (c *Client) Stop(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.stopMonitor()

	c.mu.Lock()
	active := c.mediaURL != ""
	c.looping = false
	c.paused = false
	c.mu.Unlock()

	var err error
	if active {
		err = c.do(ctx, "stop", c.dialect.Stop)
	}

	c.mu.Lock()
	c.state = StateIdle
	c.mediaURL = ""
	c.mu.Unlock()

	c.logger.Info().Err(err).Msg("renderer_stop")
	return err
}

// Pause pauses the device and suppresses monitor restarts until Resume or
// the next Play.
func (c *Client) Pause(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.do(ctx, "pause", c.dialect.Pause); err != nil {
		return err
	}
	c.mu.Lock()
	c.paused = true
	c.state = StatePaused
	c.mu.Unlock()
	return nil
}

func (c *Client) Resume(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.do(ctx, "play", c.dialect.Play); err != nil {
		return err
	}
	c.mu.Lock()
	c.paused = false
	c.state = StatePlaying
	c.lastActivity = c.now()
	c.mu.Unlock()
	return nil
}

// Seek moves playback to position, measured from the start of the track.
func (c *Client) Seek(ctx context.Context, position time.Duration) error {
	if position < 0 {
		return domain.NewError(domain.CodeInvalidArgument, "seek position must not be negative")
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	target := formatClock(position)
	if err := c.do(ctx, "seek", func(ctx context.Context) error {
		return c.dialect.Seek(ctx, target)
	}); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastActivity = c.now()
	c.lastPosition = position
	c.mu.Unlock()
	return nil
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) MediaURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mediaURL
}

// Looping reports whether a monitor goroutine is currently running.
func (c *Client) Looping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.monitorCancel != nil
}

func (c *Client) Restarts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restarts
}

func (c *Client) start(ctx context.Context, mediaURL string) error {
	if err := c.do(ctx, "set_uri", func(ctx context.Context) error {
		return c.dialect.SetURI(ctx, mediaURL)
	}); err != nil {
		return err
	}
	return c.do(ctx, "play", c.dialect.Play)
}

func (c *Client) do(ctx context.Context, action string, call func(context.Context) error) error {
	_, err := c.executor.WithContext(ctx).Get(func() (any, error) {
		return nil, call(ctx)
	})
	if err != nil {
		metrics.IncCommandError(action)
		return fmt.Errorf("%s on %s: %w", action, c.device, err)
	}
	return nil
}

func (c *Client) startMonitor() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.monitorCancel = cancel
	c.monitorDone = done
	c.mu.Unlock()

	go c.runMonitor(ctx, done)
}

func (c *Client) stopMonitor() {
	c.mu.Lock()
	cancel, done := c.monitorCancel, c.monitorDone
	c.monitorCancel = nil
	c.monitorDone = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(c.monitor.StopWait):
		c.logger.Warn().Dur("wait", c.monitor.StopWait).Msg("renderer_monitor_stop_timeout")
	}
}

func (c *Client) runMonitor(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.monitor.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.poll(ctx)
		}
	}
}

func (c *Client) poll(ctx context.Context) {
	c.mu.Lock()
	paused, mediaURL, lastActivity := c.paused, c.mediaURL, c.lastActivity
	c.mu.Unlock()
	if paused || mediaURL == "" {
		return
	}

	now := c.now()
	info, err := c.dialect.TransportInfo(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		metrics.IncCommandError("transport_info")
		c.logger.Debug().Err(err).Msg("renderer_poll_failed")
		c.checkInactive(ctx, mediaURL, now, lastActivity)
		return
	}

	switch info.State {
	case "stopped":
		c.setState(StateStopped)
		c.restart(ctx, mediaURL, "stopped")
		return
	case "playing", "buffering":
		active := true
		if c.monitor.Variant == VariantV2 {
			pos, err := c.dialect.PositionInfo(ctx)
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				c.reportProgress(info.State, pos)
				if info.State == "playing" && pos.Duration > 0 && pos.Duration-pos.Position <= c.monitor.EndMargin {
					c.restart(ctx, mediaURL, "near_end")
					return
				}
				active = info.State == "buffering" || c.positionAdvanced(pos.Position)
			}
		}
		if active {
			c.markActive(now)
			return
		}
	}
	c.checkInactive(ctx, mediaURL, now, lastActivity)
}

func (c *Client) checkInactive(ctx context.Context, mediaURL string, now, lastActivity time.Time) {
	if now.Sub(lastActivity) <= c.monitor.InactivityTimeout {
		return
	}
	c.setState(StateStalled)
	c.restart(ctx, mediaURL, "inactive")
}

func (c *Client) restart(ctx context.Context, mediaURL, reason string) {
	if !c.opMu.TryLock() {
		return
	}
	defer c.opMu.Unlock()

	c.mu.Lock()
	skip := c.paused || c.mediaURL != mediaURL
	c.mu.Unlock()
	if skip || ctx.Err() != nil {
		return
	}

	c.logger.Info().Str("reason", reason).Str("url", mediaURL).Msg("renderer_restart")
	if err := c.start(ctx, mediaURL); err != nil {
		if ctx.Err() == nil {
			c.logger.Warn().Err(err).Str("reason", reason).Msg("renderer_restart_failed")
		}
		return
	}
	metrics.IncRestart(reason)

	c.mu.Lock()
	c.state = StatePlaying
	c.lastActivity = c.now()
	c.lastPosition = 0
	c.restarts++
	c.mu.Unlock()
}

// positionAdvanced records pos and reports whether playback moved since the
// last poll. Renderers that never report a position count as advancing.
func (c *Client) positionAdvanced(pos time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pos == 0 {
		return true
	}
	moved := pos != c.lastPosition
	c.lastPosition = pos
	return moved
}

func (c *Client) markActive(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = now
	if !c.paused {
		c.state = StatePlaying
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		c.state = s
	}
}

func (c *Client) reportProgress(state string, pos PositionInfo) {
	if c.onProgress == nil {
		return
	}
	progress := domain.PlaybackProgress{
		State:    state,
		Position: pos.Position,
		Duration: pos.Duration,
		Playing:  state == "playing" || state == "buffering",
	}
	if pos.Duration > 0 {
		progress.Percent = float64(pos.Position) / float64(pos.Duration) * 100
		if progress.Percent > 100 {
			progress.Percent = 100
		}
	}
	c.onProgress(progress)
}

package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/sentinel/internal/config"
	"github.com/mikeyg42/sentinel/internal/crypto"
	"github.com/mikeyg42/sentinel/internal/daywindow"
	"github.com/mikeyg42/sentinel/internal/dropdir"
	"github.com/mikeyg42/sentinel/internal/motion"
	"github.com/mikeyg42/sentinel/internal/notification"
	"github.com/mikeyg42/sentinel/internal/procwatch"
	"github.com/mikeyg42/sentinel/internal/recorder"
	"github.com/mikeyg42/sentinel/internal/shipper"
	"github.com/mikeyg42/sentinel/internal/storage"
	"github.com/mikeyg42/sentinel/internal/vision"
)

type Mode int

const (
	// ModeFull runs the recorder and the ship workers.
	ModeFull Mode = iota
	// ModeShipOnly drains the drop directory without a camera.
	ModeShipOnly
)

// App is a fully assembled pipeline.
type App struct {
	cfg        *config.Config
	mode       Mode
	logger     *zap.Logger
	orch       *Orchestrator
	threshold  *motion.Threshold
	dispatcher *notification.Dispatcher
	stage      *shipper.Stage
	closers    []func() error
}

// NewApp builds every component from cfg. The caller owns Close.
func NewApp(ctx context.Context, cfg *config.Config, mode Mode, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:       cfg,
		mode:      mode,
		logger:    logger,
		threshold: motion.NewThreshold(cfg.Motion.DetectionThreshold),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	dropDir := cfg.Recording.DropDir
	if err := os.MkdirAll(dropDir, 0o750); err != nil {
		return nil, fmt.Errorf("create drop directory: %w", err)
	}

	var ledger *storage.Ledger
	if cfg.Ledger.Driver != "" {
		ledger, err = storage.OpenLedger(cfg.Ledger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, ledger.Close)
	}

	stage, up, err := buildStage(cfg, ledger, logger)
	if err != nil {
		return nil, err
	}
	a.stage = stage

	a.orch = New(Options{
		Interval:  cfg.Supervisor.Interval,
		Capture:   captureChecker(cfg.Supervisor),
		DropDir:   dropDir,
		MinFreeMB: cfg.Shipping.MinFreeMB,
	}, logger)

	for _, suffix := range []string{cfg.Recording.ImageSuffix, cfg.Recording.VideoSuffix} {
		pollers := []shipper.Poller{
			dropdir.New(dropDir, suffix+stage.EncryptedSuffix(), cfg.Shipping.SettlePolls),
			dropdir.New(dropDir, suffix, cfg.Shipping.SettlePolls),
		}
		interval := cfg.Shipping.PollInterval
		a.orch.Add("ship"+suffix, false, func(ctx context.Context) error {
			return stage.Run(ctx, interval, pollers...)
		})
	}
	a.orch.Report(func() {
		m := stage.Metrics()
		logger.Named("shipper").Info("ship stats",
			zap.Uint64("shipped", m.Shipped),
			zap.Uint64("encrypt_failed", m.EncryptFailed),
			zap.Uint64("upload_failed", m.UploadFailed),
			zap.Uint64("bytes", m.Bytes))
		um := up.GetMetrics()
		logger.Named("uploader").Info("upload stats",
			zap.Any("total_uploads", um["total_uploads"]),
			zap.Any("upload_bytes", um["upload_bytes"]),
			zap.Any("upload_errors", um["upload_errors"]),
			zap.Any("active_uploads", um["active_uploads"]))
	})

	if mode == ModeShipOnly {
		return a, nil
	}

	a.dispatcher, err = BuildDispatcher(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.orch.Report(func() {
		a.dispatcher.LogStats()
		if n := a.dispatcher.InFlight(); n > 0 {
			logger.Named("alerts").Info("alert tasks in flight", zap.Int64("in_flight", n))
		}
	})

	if err := a.addRecorder(ledger); err != nil {
		return nil, err
	}
	return a, nil
}

func buildStage(cfg *config.Config, ledger *storage.Ledger, logger *zap.Logger) (*shipper.Stage, *storage.MinIOUploader, error) {
	ring, err := crypto.LoadKeyring(cfg.Shipping.PublicKeysFile)
	if err != nil {
		return nil, nil, err
	}
	for _, k := range crypto.Describe(ring) {
		logger.Info("imported recipient key",
			zap.String("key_id", k.KeyID),
			zap.String("fingerprint", k.Fingerprint),
			zap.Strings("identities", k.Identities))
	}
	enc, err := crypto.NewPGPEncryptor(ring, cfg.Shipping.Recipients)
	if err != nil {
		return nil, nil, err
	}
	enc.WithArmor(cfg.Shipping.Armor)

	up, err := storage.NewMinIOUploader(cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("connect object storage: %w", err)
	}

	opts := shipper.Options{
		EncryptedSuffix: cfg.Shipping.EncryptedSuffix,
		Prefix:          cfg.Storage.Prefix,
	}
	if ledger != nil {
		opts.Ledger = ledger
	}
	stage, err := shipper.NewStage(enc, up, opts, logger)
	if err != nil {
		return nil, nil, err
	}
	return stage, up, nil
}

func captureChecker(cfg config.SupervisorConfig) LivenessChecker {
	if c := procwatch.New(cfg); c != nil {
		return c
	}
	return nil
}

func (a *App) addRecorder(ledger *storage.Ledger) error {
	cfg := a.cfg

	var window *daywindow.Window
	if cfg.Recording.DayRunTime != "" {
		w, err := daywindow.Parse(cfg.Recording.DayRunTime)
		if err != nil {
			return err
		}
		window = w
	}

	cam, err := vision.OpenCamera(cfg.Camera)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, cam.Close)

	ops := vision.NewRunningAverage(vision.BackgroundParams{
		BlendFactor:      cfg.Motion.BlendFactor,
		Intensity:        cfg.Motion.IntensityThreshold,
		DilateIterations: cfg.Motion.DilateIterations,
		ErodeIterations:  cfg.Motion.ErodeIterations,
		BlurSize:         cfg.Motion.BlurSize,
	})
	eval, err := motion.NewEvaluator(ops, a.threshold)
	if err != nil {
		ops.Close()
		return err
	}
	a.closers = append(a.closers, eval.Close)

	pub, err := vision.NewPublisher(cfg.Recording.DropDir, cfg.Recording.Codec, cfg.Recording.ImageSuffix, cam.FPS())
	if err != nil {
		return err
	}

	opts := recorder.Options{
		RecordOnMotion: cfg.Recording.RecordOnMotion,
		LaunchDelay:    cfg.Recording.LaunchDelay,
		RecordDuration: cfg.Recording.RecordDuration,
		Window:         window,
		VideoSuffix:    cfg.Recording.VideoSuffix,
		ImageSuffix:    cfg.Recording.ImageSuffix,
		FrameSize:      cam.Size(),
	}
	if ledger != nil {
		opts.Ledger = ledger
	}
	machine, err := recorder.NewMachine(opts, eval, pub, a.dispatcher, a.logger)
	if err != nil {
		return err
	}

	var display recorder.Display
	if cfg.Camera.DisplayWindow {
		win := vision.NewWindow("sentinel", a.threshold)
		a.closers = append(a.closers, win.Close)
		display = win
	}

	a.orch.Add("recorder", true, func(ctx context.Context) error {
		a.dispatcher.Started(ctx)
		return machine.Run(ctx, cam, display)
	})
	a.orch.Report(func() {
		m := machine.Metrics()
		a.logger.Named("recorder").Info("recorder stats",
			zap.Stringer("state", machine.State()),
			zap.Uint64("frames", m.Frames),
			zap.Uint64("sessions", m.Sessions),
			zap.Uint64("stills", m.Stills),
			zap.Uint64("videos", m.Videos),
			zap.Uint64("media_errors", m.MediaErrors))
		es := eval.Stats()
		a.logger.Named("motion").Info("motion stats",
			zap.Int64("frames", es.FramesProcessed),
			zap.Int64("motion_frames", es.MotionFrames),
			zap.Float64("max_coverage", es.MaxCoverage),
			zap.Time("last_motion", es.LastMotionTime),
			zap.Duration("processing_time", es.ProcessingTime))
	})
	return nil
}

// BuildDispatcher enables the alert channels cfg asks for.
func BuildDispatcher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*notification.Dispatcher, error) {
	ac := cfg.Alerts
	var options []notification.DispatcherOption

	if ac.Speak {
		p, err := notification.NewCommandPlayer(ac.SpeakCommand)
		if err != nil {
			return nil, fmt.Errorf("speech: %w", err)
		}
		options = append(options, notification.WithSpeaker(p))
	}
	if ac.Alarm {
		p, err := notification.NewCommandPlayer(ac.AlarmCommand)
		if err != nil {
			return nil, fmt.Errorf("alarm: %w", err)
		}
		options = append(options, notification.WithAlarm(p))
	}
	if ac.Telegram.Enabled {
		tg, err := notification.NewTelegram(ac.Telegram.APIBase, ac.Telegram.BotToken, ac.Telegram.Recipients, nil)
		if err != nil {
			return nil, err
		}
		options = append(options, notification.WithMessenger(tg))
	}

	from := ac.SMTP.From
	if ac.Email != "" {
		switch ac.EmailMethod {
		case "gmail":
			m, err := notification.NewGmailMailer(ctx, ac.Gmail)
			if err != nil {
				return nil, err
			}
			from = ac.Gmail.From
			options = append(options, notification.WithMailer(m))
		default:
			options = append(options, notification.WithMailer(notification.NewSMTPMailer(ac.SMTP)))
		}
	}

	d := notification.NewDispatcher(notification.Options{
		SystemName:  "sentinel",
		AlertEmail:  ac.Email,
		FromEmail:   from,
		AlarmRepeat: ac.AlarmRepeat,
		Retry: notification.RetryConfig{
			MaxAttempts: ac.MaxAttempts,
			Delay:       time.Second,
			MaxDelay:    10 * time.Second,
		},
		Timeout: ac.Timeout,
	}, logger, options...)
	logger.Info("alert channels", zap.Strings("enabled", d.Channels()))
	return d, nil
}

// Run blocks until the pipeline exits and returns the process exit code.
// SIGHUP re-reads the detection threshold through reload.
func (a *App) Run(ctx context.Context, reload func() (*config.Config, error)) int {
	if reload != nil {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go WatchReload(ctx, hup, reload, a.threshold, a.logger)
	}

	code := a.orch.Run(ctx)
	if a.dispatcher != nil {
		a.dispatcher.Wait(a.cfg.Alerts.Timeout)
		a.dispatcher.LogStats()
	}
	return code
}

// WatchReload applies a freshly loaded detection threshold on every signal
// received from sig.
func WatchReload(ctx context.Context, sig <-chan os.Signal, reload func() (*config.Config, error), th *motion.Threshold, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			cfg, err := reload()
			if err != nil {
				logger.Warn("config reload failed, keeping current threshold", zap.Error(err))
				continue
			}
			old := th.Load()
			now := th.Set(cfg.Motion.DetectionThreshold)
			logger.Info("detection threshold reloaded", zap.Float64("old", old), zap.Float64("new", now))
		}
	}
}

// Close releases devices and connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Debug("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

// Package config holds the sentinel configuration, its defaults and the
// YAML loader.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Camera     CameraConfig     `yaml:"camera"`
	Motion     MotionConfig     `yaml:"motion"`
	Recording  RecordingConfig  `yaml:"recording"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Shipping   ShippingConfig   `yaml:"shipping"`
	Storage    StorageConfig    `yaml:"storage"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type CameraConfig struct {
	Device        string  `yaml:"device"`
	FPS           float64 `yaml:"fps" validate:"gt=0,lte=120"`
	Width         int     `yaml:"width" validate:"gte=0"`
	Height        int     `yaml:"height" validate:"gte=0"`
	DisplayWindow bool    `yaml:"display_window"`
}

// MotionConfig tunes the background-subtraction evaluator.
type MotionConfig struct {
	// DetectionThreshold is the percentage of the frame that must be covered
	// by contours before motion is reported. Adjustable at runtime.
	DetectionThreshold float64 `yaml:"detection_threshold" validate:"gte=0,lte=100"`
	BlendFactor        float64 `yaml:"blend_factor" validate:"gt=0,lte=1"`
	IntensityThreshold float32 `yaml:"intensity_threshold" validate:"gt=0,lt=255"`
	DilateIterations   int     `yaml:"dilate_iterations" validate:"gte=0"`
	ErodeIterations    int     `yaml:"erode_iterations" validate:"gte=0"`
	BlurSize           int     `yaml:"blur_size" validate:"gte=0"`
}

type RecordingConfig struct {
	RecordOnMotion bool          `yaml:"record_on_motion"`
	LaunchDelay    time.Duration `yaml:"launch_delay" validate:"gte=0"`
	RecordDuration time.Duration `yaml:"record_duration" validate:"gt=0"`
	// DayRunTime is an optional HHMM--HHMM window outside of which motion
	// is ignored.
	DayRunTime  string `yaml:"day_run_time" validate:"omitempty,dayruntime"`
	DropDir     string `yaml:"drop_dir" validate:"required"`
	Codec       string `yaml:"codec" validate:"len=4"`
	VideoSuffix string `yaml:"video_suffix" validate:"required,startswith=."`
	ImageSuffix string `yaml:"image_suffix" validate:"required,oneof=.png .jpg .jpeg"`
}

type AlertsConfig struct {
	Speak        bool     `yaml:"speak"`
	SpeakCommand []string `yaml:"speak_command"`
	Alarm        bool     `yaml:"alarm"`
	AlarmCommand []string `yaml:"alarm_command"`
	AlarmRepeat  int      `yaml:"alarm_repeat" validate:"gte=1"`

	// Email is the alert address; empty disables email alerts.
	Email       string `yaml:"email" validate:"omitempty,email"`
	EmailMethod string `yaml:"email_method" validate:"oneof=smtp gmail"`

	SMTP     SMTPConfig     `yaml:"smtp"`
	Gmail    GmailConfig    `yaml:"gmail"`
	Telegram TelegramConfig `yaml:"telegram"`

	MaxAttempts int           `yaml:"max_attempts" validate:"gte=1,lte=10"`
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"gte=0,lte=65535"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type GmailConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// TokenPath holds an OAuth2 token sealed with TokenKey.
	TokenPath   string `yaml:"token_path"`
	TokenKey    string `yaml:"token_key"`
	RedirectURL string `yaml:"redirect_url" validate:"omitempty,url"`
	From        string `yaml:"from"`
}

type TelegramConfig struct {
	Enabled    bool     `yaml:"enabled"`
	BotToken   string   `yaml:"bot_token"`
	Recipients []string `yaml:"recipients"`
	APIBase    string   `yaml:"api_base" validate:"omitempty,url"`
}

type ShippingConfig struct {
	// Recipients are key ids, fingerprints or e-mail addresses of the
	// OpenPGP keys each file is encrypted to.
	Recipients      []string      `yaml:"recipients" validate:"required,min=1,dive,required"`
	PublicKeysFile  string        `yaml:"public_keys_file" validate:"required"`
	EncryptedSuffix string        `yaml:"encrypted_suffix" validate:"required,startswith=."`
	PollInterval    time.Duration `yaml:"poll_interval" validate:"gt=0"`
	SettlePolls     int           `yaml:"settle_polls" validate:"gte=1"`
	MinFreeMB       uint64        `yaml:"min_free_mb"`
	// Armor writes ASCII-armored ciphertext instead of binary.
	Armor bool `yaml:"armor"`
}

type StorageConfig struct {
	Endpoint        string        `yaml:"endpoint" validate:"required"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	UseSSL          bool          `yaml:"use_ssl"`
	Bucket          string        `yaml:"bucket" validate:"required"`
	Region          string        `yaml:"region"`
	Prefix          string        `yaml:"prefix"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// LedgerConfig selects the optional shipment ledger. An empty driver
// disables it.
type LedgerConfig struct {
	Driver string `yaml:"driver" validate:"omitempty,oneof=sqlite postgres"`
	DSN    string `yaml:"dsn" validate:"required_with=Driver"`
}

type SupervisorConfig struct {
	Interval           time.Duration `yaml:"interval" validate:"gt=0"`
	CapturePIDFile     string        `yaml:"capture_pid_file"`
	CaptureProcessName string        `yaml:"capture_process_name"`
}

type LoggingConfig struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups  int    `yaml:"max_backups" validate:"gte=0"`
	Development bool   `yaml:"development"`
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		Camera: CameraConfig{
			Device: "0",
			FPS:    30,
		},
		Motion: MotionConfig{
			DetectionThreshold: 4,
			BlendFactor:        0.05,
			IntensityThreshold: 50,
			DilateIterations:   15,
			ErodeIterations:    10,
			BlurSize:           3,
		},
		Recording: RecordingConfig{
			RecordOnMotion: true,
			LaunchDelay:    5 * time.Second,
			RecordDuration: 20 * time.Second,
			DropDir:        "/data",
			Codec:          "DIVX",
			VideoSuffix:    ".avi",
			ImageSuffix:    ".png",
		},
		Alerts: AlertsConfig{
			Speak:        true,
			SpeakCommand: []string{"espeak"},
			Alarm:        true,
			AlarmCommand: []string{"aplay", "-q", "/usr/share/sentinel/alarm.wav"},
			AlarmRepeat:  5,
			EmailMethod:  "smtp",
			SMTP: SMTPConfig{
				Host: "localhost",
				Port: 25,
				From: "sentinel@localhost",
			},
			Gmail: GmailConfig{
				TokenPath:   "/var/lib/sentinel/gmail_token.sealed",
				RedirectURL: "http://127.0.0.1:8787/oauth2/callback",
			},
			Telegram: TelegramConfig{
				APIBase: "https://api.telegram.org",
			},
			MaxAttempts: 3,
			Timeout:     30 * time.Second,
		},
		Shipping: ShippingConfig{
			EncryptedSuffix: ".gpg",
			PollInterval:    time.Second,
			SettlePolls:     2,
		},
		Storage: StorageConfig{
			Endpoint:       "s3.amazonaws.com",
			UseSSL:         true,
			ConnectTimeout: 30 * time.Second,
			RequestTimeout: 5 * time.Minute,
		},
		Supervisor: SupervisorConfig{
			Interval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
		},
	}
}

// Load reads a YAML file on top of the defaults. Secrets may be supplied
// through the environment instead of the file.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setFromEnv(&c.Storage.AccessKeyID, "SENTINEL_S3_ACCESS_KEY")
	setFromEnv(&c.Storage.SecretAccessKey, "SENTINEL_S3_SECRET_KEY")
	setFromEnv(&c.Storage.Bucket, "S3_BUCKET")
	setFromEnv(&c.Alerts.Telegram.BotToken, "SENTINEL_TELEGRAM_TOKEN")
	setFromEnv(&c.Alerts.SMTP.Password, "SENTINEL_SMTP_PASSWORD")
	setFromEnv(&c.Alerts.Gmail.TokenKey, "SENTINEL_GMAIL_TOKEN_KEY")
	setFromEnv(&c.Ledger.DSN, "SENTINEL_LEDGER_DSN")
}

func setFromEnv(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

package validate

import (
	"errors"
	"fmt"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mikeyg42/sentinel/internal/config"
	"github.com/mikeyg42/sentinel/internal/daywindow"
)

// -----------------------------------------------------------------------------
// Top-level full-config validation
// -----------------------------------------------------------------------------

var hostnameLabel = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// ValidateConfig runs the struct-tag rules first and then the cross-field
// checks. Every problem found is reported, not only the first.
func ValidateConfig(cfg *config.Config) error {
	v := &Validator{}

	validateTags(v, cfg)
	validateRecordingConfig(v, cfg)
	validateAlertsConfig(v, &cfg.Alerts)
	validateShippingConfig(v, &cfg.Shipping)
	validateStorageConfig(v, &cfg.Storage)
	validateSupervisorConfig(v, &cfg.Supervisor)

	if v.HasErrors() {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

func newStructValidator() *validator.Validate {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	_ = validate.RegisterValidation("dayruntime", func(fl validator.FieldLevel) bool {
		_, err := daywindow.Parse(fl.Field().String())
		return err == nil
	})
	return validate
}

func validateTags(v *Validator, cfg *config.Config) {
	err := newStructValidator().Struct(cfg)
	if err == nil {
		return
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		v.AddError("%v", err)
		return
	}
	for _, fe := range verrs {
		ns := fe.Namespace()
		if i := strings.IndexByte(ns, '.'); i >= 0 {
			ns = ns[i+1:]
		}
		if fe.Param() != "" {
			v.AddError("%s: failed %q (%s), got %v", ns, fe.Tag(), fe.Param(), fe.Value())
		} else {
			v.AddError("%s: failed %q, got %v", ns, fe.Tag(), fe.Value())
		}
	}
}

// -----------------------------------------------------------------------------
// Sections
// -----------------------------------------------------------------------------

func validateRecordingConfig(v *Validator, cfg *config.Config) {
	rec := cfg.Recording
	if !isValidDirectoryPath(rec.DropDir) {
		v.AddError("invalid drop directory: %q", rec.DropDir)
	}
	if rec.VideoSuffix == rec.ImageSuffix {
		v.AddError("video and image suffixes must differ (both %q)", rec.VideoSuffix)
	}
	enc := cfg.Shipping.EncryptedSuffix
	if enc != "" && (enc == rec.VideoSuffix || enc == rec.ImageSuffix) {
		v.AddError("encrypted suffix %q collides with a media suffix", enc)
	}
}

func validateAlertsConfig(v *Validator, cfg *config.AlertsConfig) {
	if cfg.Speak && len(cfg.SpeakCommand) == 0 {
		v.AddError("alerts.speak is enabled but alerts.speak_command is empty")
	}
	if cfg.Alarm && len(cfg.AlarmCommand) == 0 {
		v.AddError("alerts.alarm is enabled but alerts.alarm_command is empty")
	}

	tg := cfg.Telegram
	if tg.Enabled {
		if strings.TrimSpace(tg.BotToken) == "" {
			v.AddError("telegram is enabled but no bot token is configured")
		}
		if len(tg.Recipients) == 0 || strings.EqualFold(tg.Recipients[0], "none") {
			v.AddError("telegram is enabled but no recipients are specified")
		}
	}

	if cfg.Email == "" {
		return
	}
	switch cfg.EmailMethod {
	case "smtp":
		validateSMTPConfig(v, &cfg.SMTP)
	case "gmail":
		validateGmailConfig(v, &cfg.Gmail)
	}
}

func validateSMTPConfig(v *Validator, cfg *config.SMTPConfig) {
	if cfg.Host == "" {
		v.AddError("smtp host is required for email alerts")
	} else if ip := net.ParseIP(cfg.Host); ip == nil && cfg.Host != "localhost" && !isValidHostname(cfg.Host) {
		v.AddError("invalid smtp host: %s", cfg.Host)
	}
	if cfg.Port <= 0 {
		v.AddError("invalid smtp port: %d", cfg.Port)
	}
	if cfg.From != "" && !isValidEmail(cfg.From) {
		v.AddError("invalid smtp from address: %s", cfg.From)
	}
}

func validateGmailConfig(v *Validator, cfg *config.GmailConfig) {
	if cfg.ClientID == "" {
		v.AddError("Gmail OAuth2 client ID is required")
	}
	if cfg.ClientSecret == "" {
		v.AddError("Gmail OAuth2 client secret is required")
	}
	if !isValidFilePath(cfg.TokenPath) {
		v.AddError("invalid Gmail token path: %q", cfg.TokenPath)
	}
	if cfg.TokenKey == "" {
		v.AddError("Gmail token key is required to open the sealed token")
	}
	if cfg.From != "" && !isValidEmail(cfg.From) {
		v.AddError("invalid Gmail from email: %s", cfg.From)
	}
}

func validateShippingConfig(v *Validator, cfg *config.ShippingConfig) {
	if cfg.PublicKeysFile == "" {
		return
	}
	if _, err := os.Stat(cfg.PublicKeysFile); err != nil {
		v.AddError("public keys file %q: %v", cfg.PublicKeysFile, err)
	}
}

func validateStorageConfig(v *Validator, cfg *config.StorageConfig) {
	if cfg.Endpoint == "" {
		return
	}
	host, portStr, err := net.SplitHostPort(cfg.Endpoint)
	if err != nil {
		host = cfg.Endpoint
	} else if port, perr := strconv.Atoi(portStr); perr != nil || port < 1 || port > 65535 {
		v.AddError("invalid port in storage endpoint: %s", portStr)
	}
	if strings.Contains(host, "/") {
		v.AddError("storage endpoint must be host[:port] without scheme or path: %s", cfg.Endpoint)
	}
}

func validateSupervisorConfig(v *Validator, cfg *config.SupervisorConfig) {
	if cfg.CapturePIDFile != "" && cfg.CaptureProcessName != "" {
		v.AddError("set only one of supervisor.capture_pid_file and supervisor.capture_process_name")
	}
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

func isValidEmail(email string) bool {
	_, err := mail.ParseAddress(email)
	return err == nil
}

func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	for _, l := range strings.Split(hostname, ".") {
		if !hostnameLabel.MatchString(l) {
			return false
		}
	}
	return true
}

func isValidFilePath(path string) bool {
	if path == "" {
		return false
	}
	clean := filepath.Clean(path)
	return clean != "" && !strings.Contains(path, "\x00")
}

func isValidDirectoryPath(path string) bool {
	if path == "" {
		return false
	}
	clean := filepath.Clean(path)
	return clean != "" && !strings.Contains(path, "\x00") && !strings.HasPrefix(clean, "..")
}

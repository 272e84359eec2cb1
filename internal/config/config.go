package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// Values come from env (optionally seeded from a .env file by main); the
// reminder script may additionally be overlaid from YAML.
type Config struct {
	App      AppConfig
	Store    StoreConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Twilio   TwilioConfig
	Deepgram DeepgramConfig
	Reminder ReminderConfig
}

type AppConfig struct {
	Env  string
	Port int

	// PublicBaseURL is the externally reachable origin Twilio calls back into,
	// e.g. https://reminders.example.org.
	PublicBaseURL string
}

// StoreConfig selects the call record store implementation.
// Accepts: memory, postgres
type StoreConfig struct {
	Driver string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	// MaxOpenConns caps the pool; 0 keeps the default.
	MaxOpenConns int
}

// RedisConfig is optional. When Host is empty, processing locks stay in-process.
type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type TwilioConfig struct {
	AccountSID  string
	AuthToken   string
	PhoneNumber string
	APIBaseURL  string
}

type DeepgramConfig struct {
	APIKey            string
	Model             string
	TTSModel          string
	BaseURL           string
	TranscribeTimeout time.Duration
}

type ReminderConfig struct {
	ScratchDir     string
	RecordingGrace time.Duration
	PromptTTL      time.Duration
	ScriptPath     string

	Script Script
}

const (
	StoreDriverMemory   = "memory"
	StoreDriverPostgres = "postgres"
)

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port, parseErrs = collect(parseErrs)(optionalInt("APP_PORT", 3000))
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")

	c.Store.Driver = strings.ToLower(strings.TrimSpace(os.Getenv("STORE_DRIVER")))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port, parseErrs = collect(parseErrs)(optionalInt("DB_PORT", 5432))
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	c.DB.MaxOpenConns, parseErrs = collect(parseErrs)(optionalInt("DB_MAX_OPEN_CONNS", 0))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port, parseErrs = collect(parseErrs)(optionalInt("REDIS_PORT", 6379))

	c.Auth, parseErrs = loadAuth(parseErrs)

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.PhoneNumber = strings.TrimSpace(os.Getenv("TWILIO_PHONE_NUMBER"))
	c.Twilio.APIBaseURL = strings.TrimSpace(os.Getenv("TWILIO_API_BASE_URL"))

	c.Deepgram.APIKey = os.Getenv("DEEPGRAM_API_KEY")
	c.Deepgram.Model = strings.TrimSpace(os.Getenv("DEEPGRAM_MODEL"))
	c.Deepgram.TTSModel = strings.TrimSpace(os.Getenv("DEEPGRAM_TTS_MODEL"))
	c.Deepgram.BaseURL = strings.TrimSpace(os.Getenv("DEEPGRAM_BASE_URL"))
	c.Deepgram.TranscribeTimeout, parseErrs = collectDuration(parseErrs)(optionalDuration("TRANSCRIBE_TIMEOUT"))

	c.Reminder.ScratchDir = strings.TrimSpace(os.Getenv("SCRATCH_DIR"))
	c.Reminder.RecordingGrace, parseErrs = collectDuration(parseErrs)(optionalDuration("RECORDING_GRACE"))
	c.Reminder.PromptTTL, parseErrs = collectDuration(parseErrs)(optionalDuration("PROMPT_TTL"))
	c.Reminder.ScriptPath = strings.TrimSpace(os.Getenv("REMINDER_CONFIG_PATH"))

	script, err := LoadScript(c.Reminder.ScriptPath)
	if err != nil {
		parseErrs = append(parseErrs, err)
	}
	c.Reminder.Script = script

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		c.App.Env = "local"
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.PublicBaseURL == "" {
		errs = append(errs, errors.New("PUBLIC_BASE_URL is required"))
	}

	if c.Store.Driver == "" {
		c.Store.Driver = StoreDriverMemory
	}
	switch c.Store.Driver {
	case StoreDriverMemory:
		if c.IsProduction() {
			errs = append(errs, errors.New("STORE_DRIVER=memory is not allowed in production"))
		}
	case StoreDriverPostgres:
		errs = append(errs, c.validateDB()...)
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be one of memory, postgres, got %q", c.Store.Driver))
	}

	if c.Redis.Host != "" && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	errs = append(errs, c.Auth.validate(c.IsProduction())...)

	if c.Twilio.AccountSID == "" {
		errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required"))
	}
	if c.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required"))
	}
	if c.Twilio.PhoneNumber == "" {
		errs = append(errs, errors.New("TWILIO_PHONE_NUMBER is required"))
	}

	if c.Deepgram.APIKey == "" {
		errs = append(errs, errors.New("DEEPGRAM_API_KEY is required"))
	}
	if c.Deepgram.TranscribeTimeout <= 0 {
		c.Deepgram.TranscribeTimeout = 45 * time.Second
	}

	if c.Reminder.ScratchDir == "" {
		c.Reminder.ScratchDir = "tmp"
	}
	if c.Reminder.RecordingGrace <= 0 {
		c.Reminder.RecordingGrace = 2 * time.Second
	}
	if c.Reminder.PromptTTL <= 0 {
		c.Reminder.PromptTTL = 60 * time.Second
	}
	if len(c.Reminder.Script.Medications) == 0 {
		c.Reminder.Script = c.Reminder.Script.withDefaults()
	}

	return joinErrors(errs)
}

// LoadAuth reads only the JWT settings. Tools that mint tokens use it
// without needing the provider credentials Load requires.
func LoadAuth() (AuthConfig, error) {
	a, errs := loadAuth(nil)
	errs = append(errs, a.validate(false)...)
	if err := joinErrors(errs); err != nil {
		return AuthConfig{}, err
	}
	return a, nil
}

func loadAuth(errs []error) (AuthConfig, []error) {
	a := AuthConfig{
		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTIssuer:   strings.TrimSpace(os.Getenv("JWT_ISSUER")),
		JWTAudience: strings.TrimSpace(os.Getenv("JWT_AUDIENCE")),
	}
	a.AccessTokenTTL, errs = collectDuration(errs)(optionalDuration("JWT_ACCESS_TTL"))
	a.RefreshTokenTTL, errs = collectDuration(errs)(optionalDuration("JWT_REFRESH_TTL"))
	return a, errs
}

func (a *AuthConfig) validate(production bool) []error {
	var errs []error
	if a.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if production {
		if a.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if a.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if a.AccessTokenTTL <= 0 {
		a.AccessTokenTTL = 15 * time.Minute
	}
	if a.RefreshTokenTTL <= 0 {
		a.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if a.RefreshTokenTTL <= a.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}
	return errs
}

func (c *Config) validateDB() []error {
	var errs []error
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	if c.DB.MaxOpenConns < 0 {
		errs = append(errs, fmt.Errorf("DB_MAX_OPEN_CONNS must not be negative, got %d", c.DB.MaxOpenConns))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisEnabled() bool {
	return c.Redis.Host != ""
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func optionalInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

// optionalDuration returns 0 for an unset key so Validate can apply defaults.
func optionalDuration(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
}

func collect(errs []error) func(int, error) (int, []error) {
	return func(n int, err error) (int, []error) {
		if err != nil {
			return n, append(errs, err)
		}
		return n, errs
	}
}

func collectDuration(errs []error) func(time.Duration, error) (time.Duration, []error) {
	return func(d time.Duration, err error) (time.Duration, []error) {
		if err != nil {
			return d, append(errs, err)
		}
		return d, errs
	}
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}

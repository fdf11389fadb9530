package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type PostgresConfig struct {
	DSN             string
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
	Migrate         bool
}

type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	MailStream string
	MailGroup     string
	Consumer      string
	ClaimInterval time.Duration
	MaxDeliveries int64
}

// StorageConfig points at the S3-compatible bucket used when the CA key
// material is kept in object storage instead of on local disk.
type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
}

type SecurityConfig struct {
	JWTSecret        string
	SessionTTL       time.Duration
	PasswordResetTTL time.Duration
}

type TokenConfig struct {
	TTL time.Duration
}

type CAConfig struct {
	Backend      string
	CertPath     string
	KeyPath      string
	ValidityDays int
	RootValidity time.Duration
	CommonName   string
	Organization string
	Country      string
}

type ZTMConfig struct {
	MeshName     string
	HubAddress   string
	RootAgentURL string
	Timeout      time.Duration
	MeshInfoTTL  time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	UseTLS   bool
}

type MailConfig struct {
	Mode       string
	Workers    int
	QueueSize  int
	MaxRetries int
	RetryDelay time.Duration
}

type FrontendConfig struct {
	URL string
}

type SweeperConfig struct {
	Schedule           string
	Timeout            time.Duration
	InactiveDeviceDays int
}

type RateLimitConfig struct {
	AuthPerMinute int
}

type LoggingConfig struct {
	Level string
}

type AppConfig struct {
	Environment      string
	DebugMode        bool
	HTTP             HTTPConfig
	Postgres         PostgresConfig
	Redis            RedisConfig
	Storage          StorageConfig
	Security         SecurityConfig
	ActivationToken  TokenConfig
	EnrollmentToken  TokenConfig
	CA               CAConfig
	ZTM              ZTMConfig
	SMTP             SMTPConfig
	Mail             MailConfig
	Frontend         FrontendConfig
	Sweeper          SweeperConfig
	RateLimit        RateLimitConfig
	Logging          LoggingConfig
	AllowCORSOrigins []string
}

const (
	CABackendFile   = "file"
	CABackendObject = "object"

	MailModeInProcess = "inprocess"
	MailModeRedis     = "redis"
)

func Load() (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")

	v.SetEnvPrefix("MESHID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	return decode(v)
}

// secondsDurationHook reads a bare number, or a numeric string, destined for a
// time.Duration as whole seconds. Values with a unit ("90s", "2m") fall
// through to the stock duration hook.
func secondsDurationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != durationType || from == durationType {
			return data, nil
		}
		switch from.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return time.Duration(reflect.ValueOf(data).Uint()) * time.Second, nil
		case reflect.Float32, reflect.Float64:
			return time.Duration(reflect.ValueOf(data).Float() * float64(time.Second)), nil
		case reflect.String:
			secs, err := strconv.ParseFloat(strings.TrimSpace(reflect.ValueOf(data).String()), 64)
			if err != nil {
				return data, nil
			}
			return time.Duration(secs * float64(time.Second)), nil
		}
		return data, nil
	}
}

func decode(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			secondsDurationHook(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects combinations that are unsafe or unusable at runtime.
func (c *AppConfig) Validate() error {
	var errs []error
	production := c.Environment == "production"

	if production && c.DebugMode {
		errs = append(errs, errors.New("debugmode must not be enabled in production"))
	}
	if production && c.Security.JWTSecret == "" {
		errs = append(errs, errors.New("security.jwtsecret is required in production"))
	}
	if c.ActivationToken.TTL <= 0 {
		errs = append(errs, errors.New("activationtoken.ttl must be positive"))
	}
	if c.EnrollmentToken.TTL <= 0 {
		errs = append(errs, errors.New("enrollmenttoken.ttl must be positive"))
	}
	if c.Security.SessionTTL <= 0 {
		errs = append(errs, errors.New("security.sessionttl must be positive"))
	}
	if c.Security.PasswordResetTTL <= 0 {
		errs = append(errs, errors.New("security.passwordresetttl must be positive"))
	}
	if c.CA.ValidityDays <= 0 {
		errs = append(errs, errors.New("ca.validitydays must be positive"))
	}
	switch c.CA.Backend {
	case CABackendFile, CABackendObject:
	default:
		errs = append(errs, fmt.Errorf("ca.backend %q is not supported", c.CA.Backend))
	}
	switch c.Mail.Mode {
	case MailModeInProcess, MailModeRedis:
	default:
		errs = append(errs, fmt.Errorf("mail.mode %q is not supported", c.Mail.Mode))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("debugmode", false)

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.readtimeout", "10s")
	v.SetDefault("http.writetimeout", "15s")
	v.SetDefault("http.idletimeout", "60s")

	// Keys without a usable default are registered empty so that
	// AutomaticEnv picks them up during Unmarshal.
	for _, key := range []string{
		"postgres.dsn", "redis.password", "security.jwtsecret",
		"storage.endpoint", "storage.accesskey", "storage.secretkey",
		"smtp.host", "smtp.username", "smtp.password",
		"logging.level", "allowcorsorigins",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("postgres.maxopen", 30)
	v.SetDefault("postgres.maxidle", 10)
	v.SetDefault("postgres.connmaxlifetime", "30m")
	v.SetDefault("postgres.migrate", true)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.mailstream", "mail:outbox")
	v.SetDefault("redis.mailgroup", "mailers")
	v.SetDefault("redis.consumer", "worker-1")
	v.SetDefault("redis.claiminterval", "1m")
	v.SetDefault("redis.maxdeliveries", 5)

	v.SetDefault("storage.bucket", "meshid-ca")
	v.SetDefault("storage.usessl", false)
	v.SetDefault("storage.region", "us-east-1")

	v.SetDefault("security.sessionttl", "168h") // 7 days
	v.SetDefault("security.passwordresetttl", "1h")

	v.SetDefault("activationtoken.ttl", "180s")
	v.SetDefault("enrollmenttoken.ttl", "300s")

	v.SetDefault("ca.backend", CABackendFile)
	v.SetDefault("ca.certpath", "./certs/ca.crt")
	v.SetDefault("ca.keypath", "./certs/ca.key")
	v.SetDefault("ca.validitydays", 90)
	v.SetDefault("ca.rootvalidity", "87600h") // 10 years
	v.SetDefault("ca.commonname", "Mesh Root CA")
	v.SetDefault("ca.organization", "MeshID")
	v.SetDefault("ca.country", "CN")

	v.SetDefault("ztm.meshname", "ztm-hub:8888")
	v.SetDefault("ztm.hubaddress", "ztm-hub:8888")
	v.SetDefault("ztm.rootagenturl", "http://localhost:7777")
	v.SetDefault("ztm.timeout", "10s")
	v.SetDefault("ztm.meshinfottl", "1m")

	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.usetls", false)
	v.SetDefault("smtp.from", "no-reply@meshid.local")

	v.SetDefault("mail.mode", MailModeInProcess)
	v.SetDefault("mail.workers", 2)
	v.SetDefault("mail.queuesize", 256)
	v.SetDefault("mail.maxretries", 3)
	v.SetDefault("mail.retrydelay", "1s")

	v.SetDefault("frontend.url", "http://localhost:3000")

	v.SetDefault("sweeper.schedule", "0 */10 * * * *")
	v.SetDefault("sweeper.timeout", "2m")
	v.SetDefault("sweeper.inactivedevicedays", 90)

	v.SetDefault("ratelimit.authperminute", 10)
}

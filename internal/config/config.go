/**
 * @description
 * This package handles the configuration management for the service. It uses
 * the Viper library to read configuration from environment variables,
 * providing a centralized and straightforward way to manage application
 * settings, including the two independent QPay credential profiles.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const defaultGatewayBaseURL = "https://merchant.qpay.mn/v2"

// CredentialProfile is one independent set of QPay merchant credentials.
// The "test" and "course" profiles are configured separately and must never
// share a token cache.
type CredentialProfile struct {
	ClientID     string
	ClientSecret string
	InvoiceCode  string
	CallbackURL  string
	BaseURL      string
}

// Configured reports whether the profile carries usable credentials.
func (p CredentialProfile) Configured() bool {
	return strings.TrimSpace(p.ClientID) != "" && strings.TrimSpace(p.ClientSecret) != ""
}

// Config holds all the configuration variables for the payment-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	PaymentEventExchange string `mapstructure:"PAYMENT_EVENT_EXCHANGE"`
	AdminJWKSURL         string `mapstructure:"ADMIN_JWKS_URL"`

	QPayTestClientID       string `mapstructure:"QPAY_TEST_CLIENT_ID"`
	QPayTestClientSecret   string `mapstructure:"QPAY_TEST_CLIENT_SECRET"`
	QPayTestInvoiceCode    string `mapstructure:"QPAY_TEST_INVOICE_CODE"`
	QPayTestCallbackURL    string `mapstructure:"QPAY_TEST_CALLBACK_URL"`
	QPayTestBaseURL        string `mapstructure:"QPAY_TEST_BASE_URL"`
	QPayCourseClientID     string `mapstructure:"QPAY_COURSE_CLIENT_ID"`
	QPayCourseClientSecret string `mapstructure:"QPAY_COURSE_CLIENT_SECRET"`
	QPayCourseInvoiceCode  string `mapstructure:"QPAY_COURSE_INVOICE_CODE"`
	QPayCourseCallbackURL  string `mapstructure:"QPAY_COURSE_CALLBACK_URL"`
	QPayCourseBaseURL      string `mapstructure:"QPAY_COURSE_BASE_URL"`

	FallbackInvoiceAmount          int64 `mapstructure:"FALLBACK_INVOICE_AMOUNT"`
	PaymentCheckRateLimitPerMinute int   `mapstructure:"PAYMENT_CHECK_RATE_LIMIT_PER_MINUTE"`
}

// TestProfile assembles the test-item credential profile.
func (c Config) TestProfile() CredentialProfile {
	return CredentialProfile{
		ClientID:     c.QPayTestClientID,
		ClientSecret: c.QPayTestClientSecret,
		InvoiceCode:  c.QPayTestInvoiceCode,
		CallbackURL:  c.QPayTestCallbackURL,
		BaseURL:      c.QPayTestBaseURL,
	}
}

// CourseProfile assembles the course credential profile.
func (c Config) CourseProfile() CredentialProfile {
	return CredentialProfile{
		ClientID:     c.QPayCourseClientID,
		ClientSecret: c.QPayCourseClientSecret,
		InvoiceCode:  c.QPayCourseInvoiceCode,
		CallbackURL:  c.QPayCourseCallbackURL,
		BaseURL:      c.QPayCourseBaseURL,
	}
}

// LoadConfig reads configuration from environment variables from the given
// path. It uses Viper to automatically bind environment variables to the
// Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("PAYMENT_EVENT_EXCHANGE", "payment_events")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "setgelsudlal:rate_limit")
	viper.SetDefault("QPAY_TEST_BASE_URL", defaultGatewayBaseURL)
	viper.SetDefault("QPAY_COURSE_BASE_URL", defaultGatewayBaseURL)
	viper.SetDefault("FALLBACK_INVOICE_AMOUNT", 1000)
	viper.SetDefault("PAYMENT_CHECK_RATE_LIMIT_PER_MINUTE", 120)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PAYMENT_EVENT_EXCHANGE")
	_ = viper.BindEnv("ADMIN_JWKS_URL")
	// The test profile accepts the legacy unprefixed QPAY_* names that were
	// in use before the course profile existed.
	_ = viper.BindEnv("QPAY_TEST_CLIENT_ID", "QPAY_TEST_CLIENT_ID", "QPAY_CLIENT_ID")
	_ = viper.BindEnv("QPAY_TEST_CLIENT_SECRET", "QPAY_TEST_CLIENT_SECRET", "QPAY_CLIENT_SECRET")
	_ = viper.BindEnv("QPAY_TEST_INVOICE_CODE", "QPAY_TEST_INVOICE_CODE", "QPAY_INVOICE_CODE")
	_ = viper.BindEnv("QPAY_TEST_CALLBACK_URL", "QPAY_TEST_CALLBACK_URL", "QPAY_CALLBACK_URL")
	_ = viper.BindEnv("QPAY_TEST_BASE_URL", "QPAY_TEST_BASE_URL", "QPAY_BASE_URL")
	_ = viper.BindEnv("QPAY_COURSE_CLIENT_ID")
	_ = viper.BindEnv("QPAY_COURSE_CLIENT_SECRET")
	_ = viper.BindEnv("QPAY_COURSE_INVOICE_CODE")
	_ = viper.BindEnv("QPAY_COURSE_CALLBACK_URL")
	_ = viper.BindEnv("QPAY_COURSE_BASE_URL")
	_ = viper.BindEnv("FALLBACK_INVOICE_AMOUNT")
	_ = viper.BindEnv("PAYMENT_CHECK_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "setgelsudlal:rate_limit"
	}

	config.QPayTestBaseURL = normalizeBaseURL(config.QPayTestBaseURL)
	config.QPayCourseBaseURL = normalizeBaseURL(config.QPayCourseBaseURL)

	if config.FallbackInvoiceAmount <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive fallback invoice amount configured; using default\" amount=%d", config.FallbackInvoiceAmount)
		config.FallbackInvoiceAmount = 1000
	}
	if config.PaymentCheckRateLimitPerMinute < 0 {
		config.PaymentCheckRateLimitPerMinute = 0
	}

	return
}

// normalizeBaseURL strips a trailing slash and a mistakenly appended
// /auth/token suffix, both of which have shown up in deployed configuration.
func normalizeBaseURL(raw string) string {
	base := strings.TrimSpace(raw)
	if base == "" {
		return defaultGatewayBaseURL
	}
	base = strings.TrimSuffix(base, "/auth/token")
	base = strings.TrimSuffix(base, "/")
	return base
}

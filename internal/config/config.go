package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-join-verify/internal/pkg/validate"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	AppPort   string
	AppEnv    string
	LogLevel  string
	LogFormat string

	SMTPHost     string
	SMTPPort     int `validate:"min=1,max=65535"`
	SMTPUsername string
	SMTPPassword string
	SMTPUseSSL   bool // implicit TLS when true, STARTTLS upgrade otherwise
	SMTPFrom     string
	SMTPFromName string

	Templates Templates

	KickDelaySeconds int `validate:"min=1"`

	GroupWhitelist     []string
	GroupBlacklist     []string
	DefaultEmailDomain string   `validate:"required"`
	ResendCommands     []string `validate:"min=1,dive,required"`

	OneBotAPIURL      string `validate:"required,url"`
	OneBotAccessToken string
	OneBotSecret      string // HMAC key for the X-Signature header on reports
	BotSelfID         string

	StorageBackend     string `validate:"oneof=file s3 dynamo"`
	StateFile          string
	S3BucketName       string `validate:"required_if=StorageBackend s3"`
	S3StateKey         string
	DynamoTablePending string `validate:"required_if=StorageBackend dynamo"`

	AWSRegion      string
	AWSEndpointURL string // empty in prod, set to LocalStack URL in dev
	AWSAccessKeyID string
	AWSSecretKey   string

	GroupNameCacheTTLSeconds int `validate:"min=0"`
	AuditSNSTopicARN         string

	// Operator tokens for the admin listing. The listing is not mounted when
	// the public key cannot be loaded.
	JWTPrivateKeyPath string // only needed to mint tokens
	JWTPublicKeyPath  string
	JWTExpiryDays     int `validate:"min=1"`

	AllowedOrigins    []string // CORS allowed origins
	TrustProxyHeaders bool     // key rate limits on X-Forwarded-For / X-Real-Ip
}

// Templates holds every user-facing text. Placeholders are substituted by
// the verification service; unknown ones are left as-is.
type Templates struct {
	EmailSubject string // {code} {group_name} {group_id} {timeout}
	EmailBody    string // {code} {group_name} {group_id} {timeout}
	Welcome      string // {at_user} {timeout}
	Kick         string // {at_user} {timeout}
	Success      string // {at_user} {timeout}
	ResendSent   string // {email}
	NotPending   string
	WrongGroup   string
	InvalidEmail string
}

// Load reads all configuration from environment variables.
func Load() *Config {
	return &Config{
		AppPort:   getEnv("APP_PORT", "3000"),
		AppEnv:    getEnv("APP_ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),

		SMTPHost:     getEnv("SMTP_HOST", "smtp.qq.com"),
		SMTPPort:     getEnvInt("SMTP_PORT", 465),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		SMTPUseSSL:   getEnvBool("SMTP_USE_SSL", true),
		SMTPFrom:     getEnv("SMTP_FROM_ADDRESS", ""),
		SMTPFromName: getEnv("SMTP_FROM_NAME", "Join Verification"),

		Templates: Templates{
			EmailSubject: getEnv("VERIFY_EMAIL_SUBJECT", "Your group verification code"),
			EmailBody: getEnv("VERIFY_EMAIL_TEMPLATE",
				"<p>Welcome to {group_name} ({group_id})!</p><p>Your verification code: <b>{code}</b></p><p>Post it in the group within {timeout} minutes.</p>"),
			Welcome: getEnv("WELCOME_MSG_TEMPLATE",
				"{at_user} welcome! A verification code was sent to your mailbox. Post it here within {timeout} minutes or you will be removed."),
			Kick:         getEnv("KICK_MSG_TEMPLATE", "{at_user} did not verify in time and has been removed."),
			Success:      getEnv("VERIFY_SUCCESS_MSG", "{at_user} verified, welcome aboard!"),
			ResendSent:   getEnv("RESEND_SENT_MSG", "A new code was sent to {email}. Earlier codes are still valid."),
			NotPending:   getEnv("RESEND_NOT_PENDING_MSG", "You do not need to verify."),
			WrongGroup:   getEnv("RESEND_WRONG_GROUP_MSG", "Please use this command in the group you are joining."),
			InvalidEmail: getEnv("RESEND_INVALID_EMAIL_MSG", "That does not look like an email address."),
		},

		KickDelaySeconds: getEnvInt("KICK_DELAY_SECONDS", 300),

		GroupWhitelist:     getEnvList("GROUP_WHITELIST", ""),
		GroupBlacklist:     getEnvList("GROUP_BLACKLIST", ""),
		DefaultEmailDomain: getEnv("DEFAULT_EMAIL_DOMAIN", "qq.com"),
		ResendCommands:     getEnvList("RESEND_COMMANDS", "/resend,/verifycode,/验证码,/验证码重发,验证码,验证码重发"),

		OneBotAPIURL:      getEnv("ONEBOT_API_URL", "http://127.0.0.1:5700"),
		OneBotAccessToken: getEnv("ONEBOT_ACCESS_TOKEN", ""),
		OneBotSecret:      getEnv("ONEBOT_SECRET", ""),
		BotSelfID:         getEnv("BOT_SELF_ID", ""),

		StorageBackend:     getEnv("STORAGE_BACKEND", "file"),
		StateFile:          getEnv("STATE_FILE", "./data/pending_verifications.json"),
		S3BucketName:       getEnv("S3_BUCKET_NAME", ""),
		S3StateKey:         getEnv("S3_STATE_KEY", "joinverify/pending_verifications.json"),
		DynamoTablePending: getEnv("DYNAMO_TABLE_PENDING", "pending_verifications"),

		AWSRegion:      getEnv("AWS_REGION", "us-east-1"),
		AWSEndpointURL: getEnv("AWS_ENDPOINT_URL", ""),
		AWSAccessKeyID: getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretKey:   getEnv("AWS_SECRET_ACCESS_KEY", ""),

		GroupNameCacheTTLSeconds: getEnvInt("GROUP_NAME_CACHE_TTL_SECONDS", 600),
		AuditSNSTopicARN:         getEnv("AUDIT_SNS_TOPIC_ARN", ""),

		JWTPrivateKeyPath: getEnv("JWT_PRIVATE_KEY_PATH", ""),
		JWTPublicKeyPath:  getEnv("JWT_PUBLIC_KEY_PATH", "./public_key.pem"),
		JWTExpiryDays:     getEnvInt("JWT_EXPIRY_DAYS", 7),

		AllowedOrigins:    getEnvList("ALLOWED_ORIGINS", "*"),
		TrustProxyHeaders: getEnvBool("TRUST_PROXY_HEADERS", false),
	}
}

// Validate checks structural constraints that would otherwise surface as
// confusing runtime failures. Missing SMTP credentials are not checked here:
// mail sends fail and log instead.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvList splits a comma-separated value, dropping blanks.
func getEnvList(key, fallback string) []string {
	var out []string
	for _, s := range strings.Split(getEnv(key, fallback), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

package internal

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Host           string `env:"HOST,default=0.0.0.0"`
	Port           int    `env:"PORT,default=8080"`
	OpsGrpcPort    int    `env:"OPS_GRPC_PORT,default=9090"`
	DebugPort      int    `env:"DEBUG_PORT,default=8081"`
	LogLevel       string `env:"LOG_LEVEL,default=INFO"`
	NodeID         string `env:"NODE_ID"`
	BadgerFilepath string `env:"BADGER_FILEPATH,required=true"`
	BlugeFilepath  string `env:"BLUGE_FILEPATH,required=true"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB,default=0"`

	JwtSecret string `env:"JWT_SECRET,required=true"`
	JwtIssuer string `env:"JWT_ISSUER,default=chat-core"`

	SessionBufferSize     int           `env:"SESSION_BUFFER_SIZE,default=256"`
	MaxFrameBytes         int64         `env:"MAX_FRAME_BYTES,default=65536"`
	MaxContentLength      int           `env:"MAX_CONTENT_LENGTH,default=4096"`
	FrameRatePerSecond    float64       `env:"FRAME_RATE_PER_SECOND,default=20"`
	FrameBurst            int           `env:"FRAME_BURST,default=40"`
	PresenceGrace         time.Duration `env:"PRESENCE_GRACE,default=10m"`
	PresenceSweepInterval time.Duration `env:"PRESENCE_SWEEP_INTERVAL,default=30s"`
	PongWait              time.Duration `env:"PONG_WAIT,default=60s"`

	PersistAttempts int           `env:"PERSIST_ATTEMPTS,default=3"`
	PersistBackoff  time.Duration `env:"PERSIST_BACKOFF,default=20ms"`
	RedeliveryLimit int           `env:"REDELIVERY_LIMIT,default=100"`
	HistoryPageSize int           `env:"HISTORY_PAGE_SIZE,default=50"`
	LimitMessages   *int          `env:"LIMIT_MESSAGES"`

	NotificationPollInterval time.Duration `env:"NOTIFICATION_POLL_INTERVAL,default=1s"`
	NotificationBatchSize    int           `env:"NOTIFICATION_BATCH_SIZE,default=50"`
	NotificationMaxAttempts  int           `env:"NOTIFICATION_MAX_ATTEMPTS,default=5"`
	NotificationBackoff      time.Duration `env:"NOTIFICATION_BACKOFF,default=30s"`

	ExpiryCron      string `env:"EXPIRY_CRON,default=* * * * *"`
	CensoredWords   string `env:"CENSORED_WORDS"`
	CharReplacement string `env:"CHAR_REPLACEMENT,default=*"`
	BotTriggers     string `env:"BOT_TRIGGERS"`
	BotQueueSize    int    `env:"BOT_QUEUE_SIZE,default=256"`

	AttachmentDir      string `env:"ATTACHMENT_DIR,default=./attachments"`
	AttachmentBaseURL  string `env:"ATTACHMENT_BASE_URL,default=/attachments"`
	MaxAttachmentBytes int    `env:"MAX_ATTACHMENT_BYTES,default=10485760"`

	RestartInterval        time.Duration `env:"RESTART_INTERVAL,default=200ms"`
	ProcessMetricsInterval time.Duration `env:"PROCESS_METRICS_INTERVAL,default=15s"`
	HealthProbeInterval    time.Duration `env:"HEALTH_PROBE_INTERVAL,default=5s"`
}

func CharacterRune(str string) (rune, error) {
	r := []rune(str)
	if len(r) != 1 {
		return 0, fmt.Errorf(
			"CHAR_REPLACEMENT must be a single character, got %q",
			str,
		)
	}
	return r[0], nil
}

// Words splits a comma separated list, dropping blanks.
func Words(str string) []string {
	var words []string
	for _, word := range strings.Split(str, ",") {
		if word = strings.TrimSpace(word); word != "" {
			words = append(words, word)
		}
	}
	return words
}

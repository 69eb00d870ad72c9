package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type Queue struct {
	Driver      string        // sqlite, postgres or redis
	SQLitePath  string        // file path or ":memory:"
	RedisAddr   string        // e.g. redis:6379
	RedisDB     int           // Redis logical database
	RedisPrefix string        // key prefix for queue keys
	Lease       time.Duration // how long a claimed job stays invisible
}

type NSQ struct {
	NsqdTCPAddr string // e.g. nsqd:4150
	DLQTopic    string // topic for exhausted replication jobs
	PublishDLQ  bool   // whether to publish dead letters at all
}

type Dispatcher struct {
	NodeID        string        // token issuer and loop-guard origin
	TickInterval  time.Duration // how often the queue is drained
	BatchSize     int           // jobs claimed per tick
	MaxRetries    int           // attempts before a job is dropped
	BaseDelay     time.Duration // first retry delay, doubled per attempt
	HTTPTimeout   time.Duration // bound on a single replication request
	Concurrency   int           // parallel jobs within one batch
	RateLimitRPS  float64       // outbound requests per second, 0 disables
	RateBurst     int           // burst for the outbound limiter
	AutoSync      bool          // enqueue on entity change events
	TokenTTL      time.Duration // bearer token lifetime
	PublicBaseURL string        // base for resolving relative media URLs
	TargetsFile   string        // YAML/JSON file with targets
	IngestSecret  string        // HS256 secret for the events endpoint
	HTTPPort      string        // worker HTTP port
}

type Receiver struct {
	Port              string        // receiver listen port
	CredentialsFile   string        // YAML/JSON file with accepted credentials
	MatchStrategy     string        // slug or title
	MediaMaxBytes     int64         // upper bound for imported media
	MediaFetchTimeout time.Duration // bound on a media download
	ReadTimeout       time.Duration // HTTP read timeout
	WriteTimeout      time.Duration // HTTP write timeout
	IdleTimeout       time.Duration // HTTP idle timeout
}

type FakeTarget struct {
	FailFirstN      int    // Number of requests to fail initially
	Secret          string // Secret for bearer token verification
	ResponseDelayMS int    // Simulated response delay in milliseconds
	Port            string // Server listen port
}

type Config struct {
	AppName    string
	HTTPPort   string // :8080
	GRPCPort   string // :50051
	ContentDB  string // SQLite file for the local content store
	DB         DB
	Queue      Queue
	NSQ        NSQ
	Dispatcher Dispatcher
	Receiver   Receiver
	FakeTarget FakeTarget
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func FromEnv() Config {
	return Config{
		AppName:   getenv("APP_NAME", "harborsync"),
		HTTPPort:  getenv("HTTP_PORT", ":8080"),
		GRPCPort:  getenv("GRPC_PORT", ":50051"),
		ContentDB: getenv("CONTENT_DB", "content.db"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "harborsync"),
		},
		Queue: Queue{
			Driver:      getenv("QUEUE_DRIVER", "sqlite"),
			SQLitePath:  getenv("QUEUE_SQLITE_PATH", "queue.db"),
			RedisAddr:   getenv("REDIS_ADDR", "redis:6379"),
			RedisDB:     getenvInt("REDIS_DB", 0),
			RedisPrefix: getenv("REDIS_PREFIX", "harborsync"),
			Lease:       getenvDuration("LEASE_DURATION", 2*time.Minute),
		},
		NSQ: NSQ{
			NsqdTCPAddr: getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			DLQTopic:    getenv("NSQ_DLQ_TOPIC", "sync_dlq"),
			PublishDLQ:  getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		Dispatcher: Dispatcher{
			NodeID:        getenv("NODE_ID", hostname()),
			TickInterval:  getenvDuration("TICK_INTERVAL", 5*time.Minute),
			BatchSize:     getenvInt("BATCH_SIZE", 10),
			MaxRetries:    getenvInt("MAX_RETRIES", 3),
			BaseDelay:     getenvDuration("BASE_DELAY", 300*time.Second),
			HTTPTimeout:   getenvDuration("HTTP_TIMEOUT", 30*time.Second),
			Concurrency:   getenvInt("WORKER_CONCURRENCY", 4),
			RateLimitRPS:  getenvFloat("RATE_LIMIT_RPS", 0),
			RateBurst:     getenvInt("RATE_LIMIT_BURST", 1),
			AutoSync:      getenvBool("AUTO_SYNC", true),
			TokenTTL:      getenvDuration("TOKEN_TTL", 300*time.Second),
			PublicBaseURL: getenv("PUBLIC_BASE_URL", "http://localhost:8080"),
			TargetsFile:   getenv("TARGETS_FILE", "targets.yaml"),
			IngestSecret:  getenv("INGEST_SECRET", ""),
			HTTPPort:      ":" + getenv("WORKER_HTTP_PORT", "8083"),
		},
		Receiver: Receiver{
			Port:              getenv("RECEIVER_PORT", ":8082"),
			CredentialsFile:   getenv("CREDENTIALS_FILE", "credentials.yaml"),
			MatchStrategy:     getenv("MATCH_STRATEGY", "slug"),
			MediaMaxBytes:     getenvInt64("MEDIA_MAX_BYTES", 20<<20),
			MediaFetchTimeout: getenvDuration("MEDIA_FETCH_TIMEOUT", 30*time.Second),
			ReadTimeout:       getenvDuration("RECEIVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:      getenvDuration("RECEIVER_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:       getenvDuration("RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
		FakeTarget: FakeTarget{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			Secret:          getenv("TARGET_SECRET", ""),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_TARGET_PORT", ":8081"),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "harborsync"
}

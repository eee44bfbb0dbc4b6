package types

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for Loki
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// AuthMode controls how handshakes without a credential are treated.
type AuthMode string

const (
	AuthModeStrict     AuthMode = "strict"     // credential required
	AuthModePermissive AuthMode = "permissive" // anonymous connections allowed
)

// PubSubDriver selects the cross-process bus implementation.
type PubSubDriver string

const (
	PubSubNATS   PubSubDriver = "nats"
	PubSubRedis  PubSubDriver = "redis"
	PubSubMemory PubSubDriver = "memory" // single process, in-memory fan-out
	PubSubNone   PubSubDriver = "none"   // bridge disabled
)

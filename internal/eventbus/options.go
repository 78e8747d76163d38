package eventbus

import (
	"os"
	"strconv"
)

// Options controls how the event bus connects to NATS/JetStream.
type Options struct {
	Enabled       bool
	URL           string
	Stream        string
	SubjectPrefix string
	ConsumerName  string
	Embedded      bool
	EmbeddedPort  int
}

const defaultNATSURL = "nats://127.0.0.1:4222"

// EnvOptions builds bus options from LOOM_EVENTBUS_* environment variables,
// auto-disabling the embedded server when URL points somewhere external.
func EnvOptions() Options {
	url := getenvDefault("LOOM_EVENTBUS_URL", defaultNATSURL)
	embedded := url == defaultNATSURL
	if val := os.Getenv("LOOM_EVENTBUS_EMBEDDED"); val != "" {
		embedded = getenvBool("LOOM_EVENTBUS_EMBEDDED", embedded)
	}

	return Options{
		Enabled:       getenvBool("LOOM_EVENTBUS_ENABLED", false),
		URL:           url,
		Stream:        getenvDefault("LOOM_EVENTBUS_STREAM", "WORKFLOW_EVENTS"),
		SubjectPrefix: getenvDefault("LOOM_EVENTBUS_SUBJECT_PREFIX", "workflow"),
		ConsumerName:  getenvDefault("LOOM_EVENTBUS_CONSUMER", "loomctl"),
		Embedded:      embedded,
		EmbeddedPort:  getenvInt("LOOM_EVENTBUS_PORT", 4222),
	}
}

func getenvDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

// Config loads configuration from the environment.
//
// There are no package-level singletons; Load returns a value that the
// binaries pass explicitly into each worker's constructor.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// GetInt loads the environment variable varName, converts it to an integer,
// and returns that integer or an error.
func GetInt(varName string) (int, error) {
	envVar := os.Getenv(varName)
	return strconv.Atoi(envVar)
}

// GetIntDefault returns the integer value of varName, or def if the
// variable is unset or unparseable.
func GetIntDefault(varName string, def int) int {
	if v, err := GetInt(varName); err == nil {
		return v
	}
	return def
}

func getDefault(varName, def string) string {
	if v := os.Getenv(varName); v != "" {
		return v
	}
	return def
}

// Config carries every external address and name the workers need. The core
// logic treats all of it as opaque.
type Config struct {
	DatabaseURL string
	DBConns     int

	NatsURL    string
	StreamName string

	RequestsSubject string
	ResultsSubject  string
	ArchiveSubject  string
	ThawSubject     string
	RestoreSubject  string

	// AckWait is the queue visibility timeout.
	AckWait    time.Duration
	MaxDeliver int

	ObjectStoreEndpoint  string
	ObjectStoreAccessKey string
	ObjectStoreSecretKey string
	ObjectStoreSecure    bool
	ResultsBucket        string
	ResultsKeyPrefix     string

	VaultURL   string
	VaultToken string
	VaultName  string

	ProfilesURL   string
	ProfilesToken string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	MailSender   string
	MailSubject  string

	// JobsDirectory is the root of the per-(user, job) working directories.
	JobsDirectory string
	// AnnToolPath is the black-box annotation executable.
	AnnToolPath string
	// RunnerPath is the wrapper binary the dispatcher launches per job.
	RunnerPath string

	// LinkBase is the web front end's base URL for job detail pages.
	LinkBase   string
	LinkExpiry time.Duration
}

// Subjects returns every queue subject, for stream bootstrap.
func (c *Config) Subjects() []string {
	return []string{
		c.RequestsSubject,
		c.ResultsSubject,
		c.ArchiveSubject,
		c.ThawSubject,
		c.RestoreSubject,
	}
}

// Load reads the configuration from the environment. A .env file in the
// working directory is honored if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	c := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBConns:     GetIntDefault("PG_WORKER_POOL_SIZE", 20),

		NatsURL:    getDefault("NATS_URL", "nats://localhost:4222"),
		StreamName: getDefault("ANNEX_STREAM", "ANNEX"),

		RequestsSubject: getDefault("REQUESTS_SUBJECT", "ANNEX.requests"),
		ResultsSubject:  getDefault("RESULTS_SUBJECT", "ANNEX.results"),
		ArchiveSubject:  getDefault("ARCHIVE_SUBJECT", "ANNEX.archive"),
		ThawSubject:     getDefault("THAW_SUBJECT", "ANNEX.thaw"),
		RestoreSubject:  getDefault("RESTORE_SUBJECT", "ANNEX.restore"),

		AckWait:    time.Duration(GetIntDefault("ACK_WAIT_SECONDS", 120)) * time.Second,
		MaxDeliver: GetIntDefault("MAX_DELIVER", 10),

		ObjectStoreEndpoint:  os.Getenv("OBJECT_STORE_ENDPOINT"),
		ObjectStoreAccessKey: os.Getenv("OBJECT_STORE_ACCESS_KEY"),
		ObjectStoreSecretKey: os.Getenv("OBJECT_STORE_SECRET_KEY"),
		ObjectStoreSecure:    os.Getenv("OBJECT_STORE_SECURE") == "true",
		ResultsBucket:        os.Getenv("RESULTS_BUCKET"),
		ResultsKeyPrefix:     getDefault("RESULTS_KEY_PREFIX", "annex-results"),

		VaultURL:   os.Getenv("VAULT_URL"),
		VaultToken: os.Getenv("VAULT_TOKEN"),
		VaultName:  getDefault("VAULT_NAME", "annex-archive"),

		ProfilesURL:   os.Getenv("PROFILES_URL"),
		ProfilesToken: os.Getenv("PROFILES_TOKEN"),

		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPPort:     GetIntDefault("SMTP_PORT", 587),
		SMTPUsername: os.Getenv("SMTP_USERNAME"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		MailSender:   getDefault("MAIL_DEFAULT_SENDER", "Annex <no-reply@annex.bio>"),
		MailSubject:  getDefault("MAIL_SUBJECT", "Annex job complete"),

		JobsDirectory: getDefault("JOBS_DIRECTORY", "/var/annex/jobs"),
		AnnToolPath:   os.Getenv("ANN_TOOL_PATH"),
		RunnerPath:    getDefault("RUNNER_PATH", "annex-runner"),

		LinkBase:   os.Getenv("LINK_BASE_URL"),
		LinkExpiry: time.Duration(GetIntDefault("LINK_EXPIRY_HOURS", 48)) * time.Hour,
	}
	if c.DatabaseURL == "" {
		return nil, errors.New("config: No value provided for DATABASE_URL")
	}
	if c.LinkBase != "" {
		if _, err := url.Parse(c.LinkBase); err != nil {
			return nil, fmt.Errorf("config: invalid LINK_BASE_URL: %w", err)
		}
	}
	return c, nil
}

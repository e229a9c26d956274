/*
Copyright 2024 Xfer Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/xferhq/xfer/model"
)

const (
	DEFAULT_PORT                   = "5001"
	DEFAULT_MONITORING_PORT        = "5004"
	DEFAULT_PARTICIPANTS_FILE      = "participants.json"
	DEFAULT_REQUEST_TIMEOUT_SEC    = 3.0
	DEFAULT_MAX_RETRIES            = 2
	DEFAULT_RETRY_BASE_DELAY_MS    = 200
	DEFAULT_RECONCILE_AGE_MINUTES  = 5
	DEFAULT_RECONCILE_INTERVAL_SEC = 60
	DEFAULT_WEBHOOK_QUEUE          = "xfer_webhook_queue"
	DEFAULT_RECONCILE_QUEUE        = "xfer_reconcile_queue"
)

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"XFER_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"XFER_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"XFER_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"XFER_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"XFER_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"XFER_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"XFER_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"XFER_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"XFER_REDIS_SKIP_TLS_VERIFY"`
}

// TransactionConfig holds the coordinator's network and reconciliation settings.
type TransactionConfig struct {
	RequestTimeoutSec    float64 `json:"request_timeout_sec" envconfig:"XFER_REQUEST_TIMEOUT"`
	MaxRetries           *int    `json:"max_retries" envconfig:"XFER_REQUEST_RETRIES"`
	RetryBaseDelayMs     int     `json:"retry_base_delay_ms" envconfig:"XFER_RETRY_BASE_DELAY_MS"`
	ReconcileAgeMinutes  int     `json:"reconcile_age_minutes" envconfig:"XFER_RECONCILE_AGE_MINUTES"`
	ReconcileIntervalSec int     `json:"reconcile_interval_sec" envconfig:"XFER_RECONCILE_INTERVAL_SEC"`
}

func (t TransactionConfig) RequestTimeout() time.Duration {
	return time.Duration(t.RequestTimeoutSec * float64(time.Second))
}

func (t TransactionConfig) RetryBaseDelay() time.Duration {
	return time.Duration(t.RetryBaseDelayMs) * time.Millisecond
}

func (t TransactionConfig) ReconcileAge() time.Duration {
	return time.Duration(t.ReconcileAgeMinutes) * time.Minute
}

func (t TransactionConfig) ReconcileInterval() time.Duration {
	return time.Duration(t.ReconcileIntervalSec) * time.Second
}

// Retries returns the configured retry count, zero when unset.
func (t TransactionConfig) Retries() int {
	if t.MaxRetries == nil {
		return 0
	}
	return *t.MaxRetries
}

type QueueConfig struct {
	WebhookQueue   string `json:"webhook_queue" envconfig:"XFER_QUEUE_WEBHOOK"`
	ReconcileQueue string `json:"reconcile_queue" envconfig:"XFER_QUEUE_RECONCILE"`
	MonitoringPort string `json:"monitoring_port" envconfig:"XFER_QUEUE_MONITORING_PORT"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"XFER_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"XFER_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"XFER_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"XFER_SLACK_WEBHOOK_URL"`
}

type Webhook struct {
	Url     string            `json:"url" envconfig:"XFER_WEBHOOK_URL"`
	Headers map[string]string `json:"headers"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook Webhook      `json:"webhook"`
}

// ParticipantList is the ordered set of participants every transfer is coordinated across.
// From the environment it is read as "name|url|role,name|url|role".
type ParticipantList []model.Participant

// Decode implements envconfig.Decoder. Items with fewer than three fields are skipped.
func (l *ParticipantList) Decode(value string) error {
	parsed, err := ParseParticipants(value)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

type Configuration struct {
	ProjectName      string            `json:"project_name" envconfig:"XFER_PROJECT_NAME"`
	EnvMode          string            `json:"env_mode" envconfig:"XFER_ENV_MODE"`
	EnableTelemetry  bool              `json:"enable_telemetry" envconfig:"XFER_ENABLE_TELEMETRY"`
	Server           ServerConfig      `json:"server"`
	DataSource       DataSourceConfig  `json:"data_source"`
	Redis            RedisConfig       `json:"redis"`
	Participants     ParticipantList   `json:"participants" envconfig:"XFER_PARTICIPANTS"`
	ParticipantsFile string            `json:"participants_file" envconfig:"XFER_PARTICIPANTS_FILE"`
	Transaction      TransactionConfig `json:"transaction"`
	Queue            QueueConfig       `json:"queue"`
	Notification     Notification      `json:"notification"`
	RateLimit        RateLimitConfig   `json:"rate_limit"`
}

// ParseParticipants reads the "name|url|role,..." form of a participant list.
func ParseParticipants(raw string) (ParticipantList, error) {
	var participants ParticipantList
	if strings.TrimSpace(raw) == "" {
		return participants, nil
	}
	for _, item := range strings.Split(raw, ",") {
		parts := strings.Split(item, "|")
		if len(parts) < 3 {
			continue
		}
		role, err := model.ParseRole(parts[2])
		if err != nil {
			return nil, err
		}
		participants = append(participants, model.NewParticipant(parts[0], parts[1], role))
	}
	return participants, nil
}

// LoadParticipantsFromFile reads a JSON array of participants. A missing file yields an empty list.
func LoadParticipantsFromFile(path string) (ParticipantList, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading participants file %s", path)
	}

	var participants ParticipantList
	if err := json.Unmarshal(data, &participants); err != nil {
		return nil, errors.Wrapf(err, "decoding participants file %s", path)
	}

	result := make(ParticipantList, 0, len(participants))
	for _, p := range participants {
		if p.Name == "" || p.URL == "" {
			continue
		}
		result = append(result, model.NewParticipant(p.Name, p.URL, p.Role))
	}
	return result, nil
}

func defaultParticipants(envMode string) ParticipantList {
	if strings.EqualFold(envMode, "docker") {
		return ParticipantList{
			model.NewParticipant("bank_a", "http://bank_a_api:8000", model.RoleDebit),
			model.NewParticipant("bank_b", "http://bank_b_api:8000", model.RoleCredit),
		}
	}
	return ParticipantList{
		model.NewParticipant("bank_a", "http://localhost:8001", model.RoleDebit),
		model.NewParticipant("bank_b", "http://localhost:8002", model.RoleCredit),
	}
}

func loadConfigFromFile(file string) (*Configuration, error) {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding config file %s", file)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("xfer", &cnf)
	if err != nil {
		return nil, err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return nil, err
	}

	return &cnf, nil
}

// InitConfig routes the standard logger through logrus and loads the configuration from file and environment.
func InitConfig(configFile string) (*Configuration, error) {
	logger()
	return loadConfigFromFile(configFile)
}

// Load reads the configuration without touching the process logger.
func Load(configFile string) (*Configuration, error) {
	return loadConfigFromFile(configFile)
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Xfer Coordinator"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if err := cnf.resolveParticipants(); err != nil {
		return err
	}

	cnf.Transaction.setDefaults()
	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = DEFAULT_WEBHOOK_QUEUE
	}
	if cnf.Queue.ReconcileQueue == "" {
		cnf.Queue.ReconcileQueue = DEFAULT_RECONCILE_QUEUE
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = DEFAULT_MONITORING_PORT
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

// resolveParticipants applies the lookup order: explicit list, participants file, built-in defaults.
func (cnf *Configuration) resolveParticipants() error {
	if len(cnf.Participants) == 0 {
		file := cnf.ParticipantsFile
		if file == "" {
			file = DEFAULT_PARTICIPANTS_FILE
		}
		fromFile, err := LoadParticipantsFromFile(file)
		if err != nil {
			logrus.WithError(err).Warn("ignoring unreadable participants file")
		}
		cnf.Participants = fromFile
	}

	if len(cnf.Participants) == 0 {
		cnf.Participants = defaultParticipants(cnf.EnvMode)
		log.Printf("Warning: No participants configured. Using %s defaults.", envModeName(cnf.EnvMode))
	}

	for i, p := range cnf.Participants {
		if p.Name == "" || p.URL == "" {
			return errors.Errorf("participant %d: name and url are required", i)
		}
		if _, err := model.ParseRole(string(p.Role)); err != nil {
			return errors.Wrapf(err, "participant %s", p.Name)
		}
		cnf.Participants[i] = model.NewParticipant(p.Name, p.URL, p.Role)
	}
	return nil
}

func (t *TransactionConfig) setDefaults() {
	if t.RequestTimeoutSec <= 0 {
		t.RequestTimeoutSec = DEFAULT_REQUEST_TIMEOUT_SEC
	}
	if t.MaxRetries == nil || *t.MaxRetries < 0 {
		retries := DEFAULT_MAX_RETRIES
		t.MaxRetries = &retries
	}
	if t.RetryBaseDelayMs <= 0 {
		t.RetryBaseDelayMs = DEFAULT_RETRY_BASE_DELAY_MS
	}
	if t.ReconcileAgeMinutes <= 0 {
		t.ReconcileAgeMinutes = DEFAULT_RECONCILE_AGE_MINUTES
	}
	if t.ReconcileIntervalSec <= 0 {
		t.ReconcileIntervalSec = DEFAULT_RECONCILE_INTERVAL_SEC
	}
}

func envModeName(mode string) string {
	if strings.EqualFold(mode, "docker") {
		return "docker"
	}
	return "localhost"
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}

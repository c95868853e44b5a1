package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/contactbridge/internal/contact"
)

// Config is the process configuration, read once from the environment at
// startup. Mapping rules live in a separate YAML file so they can be edited
// and hot-reloaded without a restart.
type Config struct {
	Addr string

	EventQueueDSN  string
	EventQueueSize int

	Workers       int
	MaxAttempts   int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	PrimarySystem     contact.System
	ReconcileInterval time.Duration
	ForceDelete       bool
	LinkField         string

	MappingFile string

	SchedulerBaseURL string
	SchedulerToken   string
	CRMBaseURL       string
	CRMToken         string

	WebhookSecret string
	CallbackURL   string
	TunnelURL     string

	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// FromEnv reads the CONTACTBRIDGE_* environment. Unset values get working
// defaults; malformed values log a warning and fall back.
func FromEnv() Config {
	primary := contact.System(strings.ToLower(strings.TrimSpace(os.Getenv("CONTACTBRIDGE_PRIMARY_SYSTEM"))))
	if !primary.Valid() {
		primary = contact.SystemScheduler
	}
	addr := strings.TrimSpace(os.Getenv("CONTACTBRIDGE_ADDR"))
	if addr == "" {
		addr = ":8080"
	}
	return Config{
		Addr:              addr,
		EventQueueDSN:     strings.TrimSpace(os.Getenv("CONTACTBRIDGE_EVENT_QUEUE_DSN")),
		EventQueueSize:    intEnv("CONTACTBRIDGE_EVENT_QUEUE_SIZE", 0),
		Workers:           intEnv("CONTACTBRIDGE_WORKERS", 0),
		MaxAttempts:       intEnv("CONTACTBRIDGE_MAX_ATTEMPTS", 0),
		RetryDelay:        durationEnv("CONTACTBRIDGE_RETRY_DELAY", 0),
		MaxRetryDelay:     durationEnv("CONTACTBRIDGE_MAX_RETRY_DELAY", 0),
		PrimarySystem:     primary,
		ReconcileInterval: durationEnv("CONTACTBRIDGE_RECONCILE_INTERVAL", 0),
		ForceDelete:       boolEnv("CONTACTBRIDGE_FORCE_DELETE", false),
		LinkField:         strings.TrimSpace(os.Getenv("CONTACTBRIDGE_LINK_FIELD")),
		MappingFile:       strings.TrimSpace(os.Getenv("CONTACTBRIDGE_MAPPING_FILE")),
		SchedulerBaseURL:  strings.TrimSpace(os.Getenv("CONTACTBRIDGE_SCHEDULER_BASE_URL")),
		SchedulerToken:    os.Getenv("CONTACTBRIDGE_SCHEDULER_TOKEN"),
		CRMBaseURL:        strings.TrimSpace(os.Getenv("CONTACTBRIDGE_CRM_BASE_URL")),
		CRMToken:          os.Getenv("CONTACTBRIDGE_CRM_TOKEN"),
		WebhookSecret:     os.Getenv("CONTACTBRIDGE_WEBHOOK_SECRET"),
		CallbackURL:       strings.TrimSpace(os.Getenv("CONTACTBRIDGE_CALLBACK_URL")),
		TunnelURL:         strings.TrimSpace(os.Getenv("CONTACTBRIDGE_TUNNEL_URL")),
		RateLimitMax:      intEnv("CONTACTBRIDGE_RATE_LIMIT_MAX", 0),
		RateLimitWindow:   durationEnv("CONTACTBRIDGE_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:      int64Env("CONTACTBRIDGE_MAX_BODY_BYTES", 0),
	}
}

// Rules is the editable mapping configuration: field mappings between the
// two systems, placeholder values per native field, and per-field JSON
// Schema predicates describing what each system rejects.
type Rules struct {
	Mappings     []contact.MappingRule     `yaml:"mappings"`
	Placeholders map[string]string         `yaml:"placeholders"`
	Schemas      map[string]map[string]any `yaml:"schemas"`
}

// DefaultRules is the stock configuration used when no mapping file is set.
func DefaultRules() *Rules {
	schemas := map[string]map[string]any{}
	for sys, fields := range contact.DefaultSchemas() {
		schemas[string(sys)] = fields
	}
	return &Rules{
		Mappings:     contact.DefaultRules(),
		Placeholders: map[string]string{},
		Schemas:      schemas,
	}
}

// LoadRules reads and parses the mapping file. An empty path yields the
// defaults.
func LoadRules(path string) (*Rules, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultRules(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mapping file: %w", err)
	}
	var rules Rules
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("mapping file %s: %w", path, err)
	}
	if len(rules.Mappings) == 0 {
		rules.Mappings = contact.DefaultRules()
	}
	return &rules, nil
}

// Build compiles the rules into their runtime forms. Compilation failures
// surface here, before anything replaces a working rule set.
func (r *Rules) Build() (*contact.Mapper, *contact.Validator, map[string]string, error) {
	mapper, err := contact.NewMapper(r.Mappings)
	if err != nil {
		return nil, nil, nil, err
	}
	defs := map[contact.System]map[string]any{}
	for sysName, fields := range r.Schemas {
		sys := contact.System(sysName)
		if !sys.Valid() {
			return nil, nil, nil, fmt.Errorf("schemas: unknown system %q", sysName)
		}
		defs[sys] = fields
	}
	if len(defs) == 0 {
		defs = nil
	}
	validator, err := contact.NewValidator(defs)
	if err != nil {
		return nil, nil, nil, err
	}
	return mapper, validator, r.Placeholders, nil
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

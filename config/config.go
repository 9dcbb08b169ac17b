package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"stockarena/fee"
	"stockarena/i18n"
)

// 环境变量覆盖（优先级高于配置文件）
const (
	EnvAIAPIKey      = "STOCKARENA_AI_API_KEY"
	EnvDatabaseDSN   = "STOCKARENA_DB_DSN"
	EnvRedisPassword = "STOCKARENA_REDIS_PASSWORD"
)

// DefaultUniverse 未配置股票池时的默认标的
var DefaultUniverse = []string{"600519.SH", "600036.SH", "000001.SZ", "300750.SZ"}

// 交易频率范围（分钟）
const (
	MinFrequencyMinutes = 1
	MaxFrequencyMinutes = 1440
)

// FeeConfig 交易费率，零值表示使用默认费率
type FeeConfig struct {
	CommissionRate float64 `yaml:"commission_rate" json:"commission_rate"` // 佣金费率，默认 0.0003
	MinCommission  float64 `yaml:"min_commission" json:"min_commission"`   // 最低佣金（元），默认 5
	TransferRate   float64 `yaml:"transfer_rate" json:"transfer_rate"`     // 过户费率，默认 0.00001
	StampDutyRate  float64 `yaml:"stamp_duty_rate" json:"stamp_duty_rate"` // 印花税率（仅卖出），默认 0.001
}

// Rates 转换为计费参数
func (f FeeConfig) Rates() fee.Rates {
	return fee.Rates{
		CommissionRate: decimal.NewFromFloat(f.CommissionRate),
		MinCommission:  decimal.NewFromFloat(f.MinCommission),
		TransferRate:   decimal.NewFromFloat(f.TransferRate),
		StampDutyRate:  decimal.NewFromFloat(f.StampDutyRate),
	}
}

// StaticQuote 静态行情（market.provider=static 时使用）
type StaticQuote struct {
	Symbol    string  `yaml:"symbol"`
	Name      string  `yaml:"name"`
	Price     float64 `yaml:"price"`
	PrevClose float64 `yaml:"prev_close"`
	Volume    int64   `yaml:"volume"`
	Suspended bool    `yaml:"suspended"`
}

// ModelConfig 启动时确保存在的模型
type ModelConfig struct {
	Name           string   `yaml:"name"`
	Provider       string   `yaml:"provider"`   // openai / gemini / hold，空则使用 ai.provider
	ModelName      string   `yaml:"model_name"` // 空则使用 ai.model
	InitialCapital float64  `yaml:"initial_capital"`
	Universe       []string `yaml:"universe"`
}

// Config A股模拟交易竞技场配置
type Config struct {
	System struct {
		LogLevel string `yaml:"log_level"` // DEBUG/INFO/WARN/ERROR
		Timezone string `yaml:"timezone"`  // 默认 Asia/Shanghai
		Language string `yaml:"language"`  // 拒单原因语言，zh-CN 或 en-US
	} `yaml:"system"`

	// 数据库配置（支持 SQLite、PostgreSQL、MySQL）
	Database struct {
		Type            string `yaml:"type"`              // sqlite, postgres, mysql，默认 sqlite
		DSN             string `yaml:"dsn"`               // 默认 ./data/stockarena.db
		MaxOpenConns    int    `yaml:"max_open_conns"`    // 默认 10（sqlite 固定为 1）
		MaxIdleConns    int    `yaml:"max_idle_conns"`    // 默认 5
		ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // 秒，默认 3600
		LogLevel        string `yaml:"log_level"`         // silent, error, warn, info，默认 error
	} `yaml:"database"`

	// 分布式锁配置（多实例部署时保证单模型单写者）
	DistributedLock struct {
		Enabled    bool   `yaml:"enabled"`
		Type       string `yaml:"type"`        // 目前仅支持 redis
		Prefix     string `yaml:"prefix"`      // 默认 "stockarena:lock:"
		DefaultTTL int    `yaml:"default_ttl"` // 秒，默认 10

		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			PoolSize int    `yaml:"pool_size"`
		} `yaml:"redis"`
	} `yaml:"distributed_lock"`

	Web struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`    // 默认 0.0.0.0
		Port    int    `yaml:"port"`    // 默认 5002
		APIKey  string `yaml:"api_key"` // 非空时所有 /api 请求需携带 X-API-Key
	} `yaml:"web"`

	AI struct {
		Provider       string `yaml:"provider"` // openai, gemini, hold
		APIKey         string `yaml:"api_key"`
		BaseURL        string `yaml:"base_url"`
		Model          string `yaml:"model"`
		TimeoutSeconds int    `yaml:"timeout_seconds"` // 单次请求超时，默认 60
		RatePerMinute  int    `yaml:"rate_per_minute"` // 0 表示不限速
	} `yaml:"ai"`

	Market struct {
		Provider        string        `yaml:"provider"`          // sina 或 static
		BaseURL         string        `yaml:"base_url"`          // 新浪行情地址，空则使用默认
		CacheTTLSeconds int           `yaml:"cache_ttl_seconds"` // 默认 8
		RatePerSecond   float64       `yaml:"rate_per_second"`   // 默认 5
		Static          []StaticQuote `yaml:"static"`
	} `yaml:"market"`

	Trading struct {
		FrequencyMinutes       int      `yaml:"frequency_minutes"`        // 1-1440，默认 60
		InitialCapital         float64  `yaml:"initial_capital"`          // 新模型默认初始资金，默认 100000
		DefaultUniverse        []string `yaml:"default_universe"`         // 模型未指定股票池时使用
		DecisionTimeoutSeconds int      `yaml:"decision_timeout_seconds"` // 默认 120
	} `yaml:"trading"`

	Fees FeeConfig `yaml:"fees"`

	Calendar struct {
		File string `yaml:"file"` // 节假日表文件，空则使用内置表
	} `yaml:"calendar"`

	Models []ModelConfig `yaml:"models"`
}

// LoadConfig 加载配置文件（先加载 .env，再应用环境变量覆盖）
func LoadConfig(configPath string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return LoadConfigFromBytes(data)
}

// LoadConfigFromBytes 从字节数组加载配置
func LoadConfigFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return &cfg, nil
}

// SaveConfig 保存配置到文件
func SaveConfig(cfg *Config, configPath string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("配置验证失败: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("写入配置文件失败: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAIAPIKey); v != "" {
		c.AI.APIKey = v
	}
	if v := os.Getenv(EnvDatabaseDSN); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.DistributedLock.Redis.Password = v
	}
}

// Validate 校验配置并填充默认值
func (c *Config) Validate() error {
	// 系统
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.System.Timezone == "" {
		c.System.Timezone = "Asia/Shanghai"
	}
	if _, err := time.LoadLocation(c.System.Timezone); err != nil {
		return fmt.Errorf("无效的时区 %s: %w", c.System.Timezone, err)
	}
	if c.System.Language == "" {
		c.System.Language = "zh-CN"
	}
	if _, err := i18n.ParseLanguage(c.System.Language); err != nil {
		return err
	}

	// 数据库
	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	switch c.Database.Type {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("不支持的数据库类型: %s", c.Database.Type)
	}
	if c.Database.DSN == "" {
		if c.Database.Type != "sqlite" {
			return fmt.Errorf("%s 数据库必须配置 dsn", c.Database.Type)
		}
		c.Database.DSN = "./data/stockarena.db"
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime <= 0 {
		c.Database.ConnMaxLifetime = 3600
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "error"
	}

	// 分布式锁
	if c.DistributedLock.Enabled {
		if c.DistributedLock.Type == "" {
			c.DistributedLock.Type = "redis"
		}
		if c.DistributedLock.Type != "redis" {
			return fmt.Errorf("不支持的分布式锁类型: %s", c.DistributedLock.Type)
		}
		if c.DistributedLock.Redis.Addr == "" {
			c.DistributedLock.Redis.Addr = "localhost:6379"
		}
		if c.DistributedLock.Redis.PoolSize <= 0 {
			c.DistributedLock.Redis.PoolSize = 10
		}
	}
	if c.DistributedLock.Prefix == "" {
		c.DistributedLock.Prefix = "stockarena:lock:"
	}
	if c.DistributedLock.DefaultTTL <= 0 {
		c.DistributedLock.DefaultTTL = 10
	}

	// Web
	if c.Web.Host == "" {
		c.Web.Host = "0.0.0.0"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 5002
	}
	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("Web 端口必须在 1-65535 之间: %d", c.Web.Port)
	}

	// AI
	c.AI.Provider = strings.ToLower(strings.TrimSpace(c.AI.Provider))
	if c.AI.Provider == "" {
		c.AI.Provider = "hold"
	}
	if err := validateProvider(c.AI.Provider); err != nil {
		return err
	}
	if c.AI.TimeoutSeconds <= 0 {
		c.AI.TimeoutSeconds = 60
	}
	if c.AI.RatePerMinute < 0 {
		return fmt.Errorf("ai.rate_per_minute 不能为负数")
	}

	// 行情
	c.Market.Provider = strings.ToLower(strings.TrimSpace(c.Market.Provider))
	if c.Market.Provider == "" {
		c.Market.Provider = "sina"
	}
	if c.Market.Provider != "sina" && c.Market.Provider != "static" {
		return fmt.Errorf("不支持的行情源: %s", c.Market.Provider)
	}
	if c.Market.CacheTTLSeconds <= 0 {
		c.Market.CacheTTLSeconds = 8
	}
	if c.Market.RatePerSecond <= 0 {
		c.Market.RatePerSecond = 5
	}
	for _, q := range c.Market.Static {
		if q.Symbol == "" || q.Price < 0 || q.PrevClose < 0 {
			return fmt.Errorf("静态行情配置无效: %+v", q)
		}
	}

	// 交易
	if c.Trading.FrequencyMinutes == 0 {
		c.Trading.FrequencyMinutes = 60
	}
	if err := ValidateFrequency(c.Trading.FrequencyMinutes); err != nil {
		return err
	}
	if c.Trading.InitialCapital == 0 {
		c.Trading.InitialCapital = 100000
	}
	if c.Trading.InitialCapital < 0 {
		return fmt.Errorf("初始资金必须大于0: %v", c.Trading.InitialCapital)
	}
	if c.Trading.DecisionTimeoutSeconds <= 0 {
		c.Trading.DecisionTimeoutSeconds = 120
	}
	if len(c.Trading.DefaultUniverse) == 0 {
		c.Trading.DefaultUniverse = append([]string(nil), DefaultUniverse...)
	}

	// 费率
	if err := c.Fees.normalize(); err != nil {
		return err
	}

	// 模型
	seen := make(map[string]bool)
	for i := range c.Models {
		m := &c.Models[i]
		if m.Name == "" {
			return fmt.Errorf("第 %d 个模型缺少名称", i+1)
		}
		if seen[m.Name] {
			return fmt.Errorf("模型名称重复: %s", m.Name)
		}
		seen[m.Name] = true
		m.Provider = strings.ToLower(strings.TrimSpace(m.Provider))
		if m.Provider != "" {
			if err := validateProvider(m.Provider); err != nil {
				return err
			}
		}
		if m.InitialCapital == 0 {
			m.InitialCapital = c.Trading.InitialCapital
		}
		if m.InitialCapital < 0 {
			return fmt.Errorf("模型 %s 的初始资金必须大于0", m.Name)
		}
	}

	return nil
}

// ValidateFrequency 校验交易频率
func ValidateFrequency(minutes int) error {
	if minutes < MinFrequencyMinutes || minutes > MaxFrequencyMinutes {
		return fmt.Errorf("交易频率必须在 %d-%d 分钟之间: %d", MinFrequencyMinutes, MaxFrequencyMinutes, minutes)
	}
	return nil
}

func validateProvider(p string) error {
	switch p {
	case "openai", "gemini", "hold":
		return nil
	default:
		return fmt.Errorf("不支持的 AI 服务: %s", p)
	}
}

func (f *FeeConfig) normalize() error {
	def := fee.DefaultRates()
	if f.CommissionRate == 0 {
		f.CommissionRate = def.CommissionRate.InexactFloat64()
	}
	if f.MinCommission == 0 {
		f.MinCommission = def.MinCommission.InexactFloat64()
	}
	if f.TransferRate == 0 {
		f.TransferRate = def.TransferRate.InexactFloat64()
	}
	if f.StampDutyRate == 0 {
		f.StampDutyRate = def.StampDutyRate.InexactFloat64()
	}
	return ValidateFees(*f)
}

// ValidateFees 校验费率范围
func ValidateFees(f FeeConfig) error {
	for name, v := range map[string]float64{
		"commission_rate": f.CommissionRate,
		"transfer_rate":   f.TransferRate,
		"stamp_duty_rate": f.StampDutyRate,
	} {
		if v < 0 || v >= 0.1 {
			return fmt.Errorf("费率 %s 必须在 [0, 0.1) 之间: %v", name, v)
		}
	}
	if f.MinCommission < 0 {
		return fmt.Errorf("最低佣金不能为负数: %v", f.MinCommission)
	}
	return nil
}

// DecisionTimeout 决策超时
func (c *Config) DecisionTimeout() time.Duration {
	return time.Duration(c.Trading.DecisionTimeoutSeconds) * time.Second
}

// CacheTTL 行情缓存有效期
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Market.CacheTTLSeconds) * time.Second
}

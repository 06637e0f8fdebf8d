// Package config 加载引擎的JSON配置文件。
package config

import (
	"encoding/json"
	"os"
	"time"
)

// LogConfig 日志配置。
type LogConfig struct {
	Level      string `json:"level"`
	Output     string `json:"output"` // "console", "file" or "both"
	File       string `json:"file"`
	MaxSize    int    `json:"max_size"` // megabytes
	MaxBackups int    `json:"max_backups"`
	MaxAge     int    `json:"max_age"` // days
	Compress   bool   `json:"compress"`
}

// Config 引擎进程配置。API凭证不在这里：它们由凭证库从环境变量解析。
type Config struct {
	// RESTEndpoints 按优先级排列的REST基地址，第一个是主端点，其余是镜像。
	RESTEndpoints []string `json:"rest_endpoints"`
	// WSBaseURL websocket 基地址，形如 wss://stream.binance.com:9443。
	WSBaseURL string `json:"ws_base_url"`
	Testnet   bool   `json:"testnet"`

	// Paper 纸面交易模式：用内置模拟交易所代替真实交易所。
	Paper bool `json:"paper"`

	DBPath string `json:"db_path"`

	// PollIntervalSec 兜底轮询间隔，不低于10秒。
	PollIntervalSec int `json:"poll_interval_sec"`

	Log LogConfig `json:"log"`
}

const (
	mainnetREST = "https://api.binance.com"
	mainnetWS   = "wss://stream.binance.com:9443"
	testnetREST = "https://testnet.binance.vision"
	testnetWS   = "wss://stream.testnet.binance.vision"
)

// mainnetMirrors 官方镜像端点，主端点限流或故障时轮换使用。
var mainnetMirrors = []string{"https://api1.binance.com", "https://api2.binance.com"}

// Load 从指定路径加载JSON配置文件并填充默认值。
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := &Config{}
	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a ready-to-use mainnet configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if len(c.RESTEndpoints) == 0 {
		if c.Testnet {
			c.RESTEndpoints = []string{testnetREST}
		} else {
			c.RESTEndpoints = append([]string{mainnetREST}, mainnetMirrors...)
		}
	}
	if c.WSBaseURL == "" {
		if c.Testnet {
			c.WSBaseURL = testnetWS
		} else {
			c.WSBaseURL = mainnetWS
		}
	}
	if c.DBPath == "" {
		c.DBPath = "data/engine"
	}
	if c.PollIntervalSec < 10 {
		c.PollIntervalSec = 10
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Output == "" {
		c.Log.Output = "console"
	}
	if c.Log.File == "" {
		c.Log.File = "logs/engine.log"
	}
}

// PollInterval 轮询间隔。
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// MarketStreamURL 行情流完整地址。
func (c *Config) MarketStreamURL() string {
	return c.WSBaseURL + "/ws"
}

package config

import (
	"log"
	"os"
	"time"

	"github.com/code-100-precent/LingDispatch/pkg/cache"
	"github.com/code-100-precent/LingDispatch/pkg/dispatch"
	"github.com/code-100-precent/LingDispatch/pkg/logger"
	stores "github.com/code-100-precent/LingDispatch/pkg/storage"
	"github.com/code-100-precent/LingDispatch/pkg/utils"
)

// Config 服务配置
type Config struct {
	ServerName    string `env:"SERVER_NAME"`
	DBDriver      string `env:"DB_DRIVER"`
	DSN           string `env:"DSN"`
	Log           logger.LogConfig
	Addr          string `env:"ADDR"`
	Mode          string `env:"MODE"`
	APIPrefix     string `env:"API_PREFIX"`
	MonitorPrefix string `env:"MONITOR_PREFIX"`

	// 引擎回调鉴权
	EngineAPIKey string `env:"ENGINE_API_KEY"`

	// 控制台鉴权缓存
	AuthCacheTTL time.Duration `env:"AUTH_CACHE_TTL"`

	// 限流, ulule/limiter 格式, 例如 "100-M"
	RateLimit string `env:"RATE_LIMIT"`

	// 开发环境种子数据
	SeedDispatchers bool `env:"SEED_DISPATCHERS"`

	// 紧急升级告警 webhook，为空时只写日志
	AlertWebhookURL    string        `env:"ALERT_WEBHOOK_URL"`
	AlertWebhookSecret string        `env:"ALERT_WEBHOOK_SECRET"`
	AlertCooldown      time.Duration `env:"ALERT_COOLDOWN"`

	// 缓存配置
	Cache cache.Config

	// 审计日志归档，ArchiveEnabled 为 false 时不启动归档任务
	ArchiveEnabled bool `env:"ARCHIVE_ENABLED"`
	Archive        stores.Config

	// SSL/TLS配置
	SSLEnabled  bool   `env:"SSL_ENABLED"`
	SSLCertFile string `env:"SSL_CERT_FILE"`
	SSLKeyFile  string `env:"SSL_KEY_FILE"`

	// 调度协调层
	Dispatch dispatch.Config
}

var GlobalConfig *Config

func Load() error {
	// 1. 根据环境加载 .env 文件（如果不存在也不报错，使用默认值）
	env := os.Getenv("APP_ENV")
	err := utils.LoadEnv(env)
	if err != nil {
		log.Printf("Note: .env file not found or failed to load: %v (using default values)", err)
	}

	// 2. 调度参数走 env tag 解析
	dispatchCfg, err := dispatch.LoadConfig()
	if err != nil {
		return err
	}

	mode := getStringOrDefault("MODE", "development")
	GlobalConfig = &Config{
		ServerName:    getStringOrDefault("SERVER_NAME", "LingDispatch"),
		DBDriver:      getStringOrDefault("DB_DRIVER", "sqlite"),
		DSN:           getStringOrDefault("DSN", "./dispatch.db"),
		Addr:          getStringOrDefault("ADDR", ":7080"),
		Mode:          mode,
		APIPrefix:     getStringOrDefault("API_PREFIX", "/api"),
		MonitorPrefix: getStringOrDefault("MONITOR_PREFIX", "/metrics"),
		Log: logger.LogConfig{
			Level:      getStringOrDefault("LOG_LEVEL", "info"),
			Filename:   getStringOrDefault("LOG_FILENAME", "./logs/dispatch.log"),
			MaxSize:    getIntOrDefault("LOG_MAX_SIZE", 100),
			MaxAge:     getIntOrDefault("LOG_MAX_AGE", 30),
			MaxBackups: getIntOrDefault("LOG_MAX_BACKUPS", 5),
			Daily:      getBoolOrDefault("LOG_DAILY", true),
		},
		EngineAPIKey:       getStringOrDefault("ENGINE_API_KEY", defaultEngineKey(mode)),
		AuthCacheTTL:       parseDuration(utils.GetEnv("AUTH_CACHE_TTL"), time.Minute),
		RateLimit:          getStringOrDefault("RATE_LIMIT", "600-M"),
		SeedDispatchers:    getBoolOrDefault("SEED_DISPATCHERS", mode != "production"),
		AlertWebhookURL:    utils.GetEnv("ALERT_WEBHOOK_URL"),
		AlertWebhookSecret: utils.GetEnv("ALERT_WEBHOOK_SECRET"),
		AlertCooldown:      parseDuration(utils.GetEnv("ALERT_COOLDOWN"), time.Minute),
		Cache:              loadCacheConfig(),
		ArchiveEnabled:     getBoolOrDefault("ARCHIVE_ENABLED", false),
		Archive:            loadArchiveConfig(),
		SSLEnabled:         getBoolOrDefault("SSL_ENABLED", false),
		SSLCertFile:        getStringOrDefault("SSL_CERT_FILE", ""),
		SSLKeyFile:         getStringOrDefault("SSL_KEY_FILE", ""),
		Dispatch:           dispatchCfg,
	}
	return nil
}

// getStringOrDefault 获取环境变量值，如果为空则返回默认值
func getStringOrDefault(key, defaultValue string) string {
	value := utils.GetEnv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getBoolOrDefault 获取布尔环境变量值，如果为空则返回默认值
func getBoolOrDefault(key string, defaultValue bool) bool {
	value := utils.GetEnv(key)
	if value == "" {
		return defaultValue
	}
	return utils.GetBoolEnv(key)
}

// getIntOrDefault 获取整数环境变量值，如果为空则返回默认值
func getIntOrDefault(key string, defaultValue int) int {
	value := utils.GetIntEnv(key)
	if value == 0 {
		return defaultValue
	}
	return int(value)
}

func parseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// defaultEngineKey 开发环境生成随机 key，生产环境必须显式配置
func defaultEngineKey(mode string) string {
	if mode == "production" {
		return ""
	}
	return "dev-engine-" + utils.RandText(16)
}

// loadCacheConfig 加载缓存配置，设置所有默认值
func loadCacheConfig() cache.Config {
	cacheType := utils.GetEnv("CACHE_TYPE")
	if cacheType == "" {
		cacheType = "local"
	}

	redisAddr := getStringOrDefault("REDIS_ADDR", "localhost:6379")

	return cache.Config{
		Type: cacheType,
		Redis: cache.RedisConfig{
			Addr:         redisAddr,
			Password:     utils.GetEnv("REDIS_PASSWORD"),
			DB:           int(utils.GetIntEnv("REDIS_DB")),
			PoolSize:     getIntOrDefault("REDIS_POOL_SIZE", 10),
			MinIdleConns: getIntOrDefault("REDIS_MIN_IDLE_CONNS", 5),
			DialTimeout:  parseDuration(utils.GetEnv("REDIS_DIAL_TIMEOUT"), 5*time.Second),
			ReadTimeout:  parseDuration(utils.GetEnv("REDIS_READ_TIMEOUT"), 3*time.Second),
			WriteTimeout: parseDuration(utils.GetEnv("REDIS_WRITE_TIMEOUT"), 3*time.Second),
			IdleTimeout:  parseDuration(utils.GetEnv("REDIS_IDLE_TIMEOUT"), 5*time.Minute),
		},
		Local: cache.LocalConfig{
			MaxSize:           getIntOrDefault("LOCAL_CACHE_MAX_SIZE", 1000),
			DefaultExpiration: parseDuration(utils.GetEnv("LOCAL_CACHE_DEFAULT_EXPIRATION"), 5*time.Minute),
			CleanupInterval:   parseDuration(utils.GetEnv("LOCAL_CACHE_CLEANUP_INTERVAL"), 10*time.Minute),
		},
	}
}

// loadArchiveConfig 加载归档存储配置
func loadArchiveConfig() stores.Config {
	return stores.Config{
		Kind: getStringOrDefault("ARCHIVE_STORE", stores.KindLocal),
		Root: getStringOrDefault("ARCHIVE_DIR", stores.DefaultArchiveDir),
		QiNiu: stores.QiNiuConfig{
			AccessKey:  utils.GetEnv("QINIU_ACCESS_KEY"),
			SecretKey:  utils.GetEnv("QINIU_SECRET_KEY"),
			BucketName: utils.GetEnv("QINIU_BUCKET"),
			Domain:     utils.GetEnv("QINIU_DOMAIN"),
			Private:    getBoolOrDefault("QINIU_PRIVATE", true),
		},
		Cos: stores.CosConfig{
			BucketURL: utils.GetEnv("COS_BUCKET_URL"),
			SecretID:  utils.GetEnv("COS_SECRET_ID"),
			SecretKey: utils.GetEnv("COS_SECRET_KEY"),
		},
		Minio: stores.MinioConfig{
			Endpoint:  utils.GetEnv("MINIO_ENDPOINT"),
			AccessKey: utils.GetEnv("MINIO_ACCESS_KEY"),
			SecretKey: utils.GetEnv("MINIO_SECRET_KEY"),
			Bucket:    utils.GetEnv("MINIO_BUCKET"),
			UseSSL:    getBoolOrDefault("MINIO_USE_SSL", false),
		},
	}
}

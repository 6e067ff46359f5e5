package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// LoadEnv loads .env and, when env is set, .env.{env} on top of it.
// Variables already present in the process environment win.
func LoadEnv(env string) error {
	files := []string{}
	if env != "" {
		name := fmt.Sprintf(".env.%s", env)
		if _, err := os.Stat(name); err == nil {
			files = append(files, name)
		}
	}
	if _, err := os.Stat(".env"); err == nil {
		files = append(files, ".env")
	}
	if len(files) == 0 {
		return fmt.Errorf("no env file found (APP_ENV=%q)", env)
	}
	return godotenv.Load(files...)
}

// GetEnv 获取环境变量，去除首尾空白
func GetEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// GetIntEnv 获取整数环境变量，解析失败返回 0
func GetIntEnv(key string) int64 {
	v := GetEnv(key)
	if v == "" {
		return 0
	}
	return cast.ToInt64(v)
}

// GetBoolEnv 获取布尔环境变量
func GetBoolEnv(key string) bool {
	v := strings.ToLower(GetEnv(key))
	switch v {
	case "yes", "on":
		return true
	}
	return cast.ToBool(v)
}

// RandText returns a random alphanumeric string of length n.
func RandText(n int) string {
	if n <= 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(n)
	max := big.NewInt(int64(len(letters)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			sb.WriteByte(letters[i%len(letters)])
			continue
		}
		sb.WriteByte(letters[idx.Int64()])
	}
	return sb.String()
}

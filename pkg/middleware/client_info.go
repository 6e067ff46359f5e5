package middleware

import (
	"github.com/code-100-precent/LingDispatch/pkg/constants"
	"github.com/gin-gonic/gin"
	"github.com/mssola/user_agent"
	"go.uber.org/zap"
)

// ClientInfo 控制台客户端信息，连接建立时记录
type ClientInfo struct {
	IP        string `json:"ip"`
	UserAgent string `json:"userAgent"`
	Device    string `json:"device"`
	Browser   string `json:"browser"`
	OS        string `json:"os"`
	Mobile    bool   `json:"mobile"`
}

// Fields returns the info as log fields.
func (ci ClientInfo) Fields() []zap.Field {
	return []zap.Field{
		zap.String("ip", ci.IP),
		zap.String("device", ci.Device),
		zap.String("browser", ci.Browser),
		zap.String("os", ci.OS),
		zap.Bool("mobile", ci.Mobile),
	}
}

// ParseClientInfo 解析 User-Agent
func ParseClientInfo(ip, ua string) ClientInfo {
	parsed := user_agent.New(ua)
	browser, version := parsed.Browser()
	if version != "" {
		browser += " " + version
	}
	return ClientInfo{
		IP:        ip,
		UserAgent: ua,
		Device:    parsed.Platform(),
		Browser:   browser,
		OS:        parsed.OS(),
		Mobile:    parsed.Mobile(),
	}
}

// ClientInfoMiddleware 解析请求方信息并放入上下文
func ClientInfoMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(constants.ClientInfoField, ParseClientInfo(c.ClientIP(), c.GetHeader("User-Agent")))
		c.Next()
	}
}

// GetClientInfo 读取 ClientInfoMiddleware 写入的信息，缺失时现场解析
func GetClientInfo(c *gin.Context) ClientInfo {
	if v, ok := c.Get(constants.ClientInfoField); ok {
		if ci, ok := v.(ClientInfo); ok {
			return ci
		}
	}
	return ParseClientInfo(c.ClientIP(), c.GetHeader("User-Agent"))
}

package constants

import "time"

// gin context keys
const (
	ClientInfoField = "_dispatch_client_info"
	EngineField     = "_dispatch_engine"
	PrincipalField  = "_dispatch_principal"
)

// Request headers and query parameters
const (
	HeaderEngineKey   = "X-Engine-Key"
	HeaderRequestID   = "X-Request-ID"
	QueryAPIKey       = "apiKey"
	QueryAPISecret    = "apiSecret"
	QueryCallID       = "callId"
	QueryAfterSeq     = "afterSeq"
	QueryBeforeSeq    = "beforeSeq"
	QueryLimit        = "limit"
	QueryDispatcherID = "dispatcherId"
	QueryUnacked      = "unacknowledged"
)

// 缓存键前缀
const (
	CacheKeyRateLimit = "dispatch:ratelimit:"
	CacheKeyOverdue   = "dispatch:escalation:overdue:"
	CacheKeyAlert     = "dispatch:alert:"
)

// OverdueNoticeTTL 超时提醒去重窗口
const OverdueNoticeTTL = 10 * time.Minute

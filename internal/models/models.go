package models

// AllModels 需要自动迁移的表
func AllModels() []interface{} {
	return []interface{}{
		&AuditRecord{},
		&Escalation{},
		&DispatcherCredential{},
	}
}

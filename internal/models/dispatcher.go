package models

import (
	"context"
	"errors"
	"time"

	"github.com/code-100-precent/LingDispatch/pkg/auth"
	"github.com/code-100-precent/LingDispatch/pkg/utils"
	"gorm.io/gorm"
)

// DispatcherCredential 控制台接入凭证。密钥只保存哈希
type DispatcherCredential struct {
	ID           uint       `json:"id" gorm:"primaryKey"`
	CreatedAt    time.Time  `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt    time.Time  `json:"-" gorm:"autoUpdateTime"`
	DispatcherID string     `json:"dispatcherId" gorm:"size:64;index;not null"`
	Name         string     `json:"name" gorm:"size:128"`
	Role         string     `json:"role" gorm:"size:32;not null"`
	APIKey       string     `json:"apiKey" gorm:"size:128;uniqueIndex;not null"`
	SecretHash   string     `json:"-" gorm:"size:128;not null"`
	Enabled      bool       `json:"enabled" gorm:"default:true"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty"`
}

func (DispatcherCredential) TableName() string {
	return "dispatch_credentials"
}

func (c DispatcherCredential) Principal() auth.Principal {
	return auth.Principal{DispatcherID: c.DispatcherID, Name: c.Name, Role: auth.Role(c.Role)}
}

// CreateDispatcherCredential 生成 apiKey/apiSecret，secret 只在此处返回一次
func CreateDispatcherCredential(db *gorm.DB, dispatcherID, name string, role auth.Role) (*DispatcherCredential, string, error) {
	if dispatcherID == "" {
		return nil, "", errors.New("dispatcherId is required")
	}
	switch role {
	case auth.RoleObserver, auth.RoleDispatcher, auth.RoleSupervisor:
	default:
		return nil, "", errors.New("unknown role: " + string(role))
	}
	apiKey, err := utils.GenerateSecureToken(16)
	if err != nil {
		return nil, "", err
	}
	secret, err := utils.GenerateSecureToken(32)
	if err != nil {
		return nil, "", err
	}
	cred := &DispatcherCredential{
		DispatcherID: dispatcherID,
		Name:         name,
		Role:         string(role),
		APIKey:       apiKey,
		SecretHash:   utils.HashSecret(secret),
		Enabled:      true,
	}
	if err := db.Create(cred).Error; err != nil {
		return nil, "", err
	}
	return cred, secret, nil
}

// GetDispatcherCredentialByAPIKey 找不到时返回 nil, nil
func GetDispatcherCredentialByAPIKey(db *gorm.DB, apiKey string) (*DispatcherCredential, error) {
	var cred DispatcherCredential
	err := db.Where("api_key = ?", apiKey).First(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cred, nil
}

// SetDispatcherCredentialEnabled 启用/停用凭证
func SetDispatcherCredentialEnabled(db *gorm.DB, apiKey string, enabled bool) error {
	res := db.Model(&DispatcherCredential{}).Where("api_key = ?", apiKey).Update("enabled", enabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListDispatcherCredentials 某调度员的全部凭证
func ListDispatcherCredentials(db *gorm.DB, dispatcherID string) ([]DispatcherCredential, error) {
	var out []DispatcherCredential
	err := db.Where("dispatcher_id = ?", dispatcherID).Order("id ASC").Find(&out).Error
	return out, err
}

// CredentialValidator resolves console credentials against the database.
// Unknown keys, wrong secrets and disabled credentials are all ErrRejected;
// database failures are returned as is.
type CredentialValidator struct {
	db *gorm.DB
}

func NewCredentialValidator(db *gorm.DB) *CredentialValidator {
	return &CredentialValidator{db: db}
}

func (v *CredentialValidator) Validate(ctx context.Context, cred auth.Credential) (auth.Principal, error) {
	if cred.APIKey == "" || cred.APISecret == "" {
		return auth.Principal{}, auth.ErrRejected
	}
	row, err := GetDispatcherCredentialByAPIKey(v.db.WithContext(ctx), cred.APIKey)
	if err != nil {
		return auth.Principal{}, err
	}
	if row == nil || !row.Enabled || !utils.SecretMatches(cred.APISecret, row.SecretHash) {
		return auth.Principal{}, auth.ErrRejected
	}
	now := time.Now()
	v.db.WithContext(ctx).Model(row).Update("last_used_at", &now)
	return row.Principal(), nil
}

// Enabled 缓存命中时复核凭证是否仍启用；不存在视为停用
func (v *CredentialValidator) Enabled(ctx context.Context, apiKey string) (bool, error) {
	row, err := GetDispatcherCredentialByAPIKey(v.db.WithContext(ctx), apiKey)
	if err != nil {
		return false, err
	}
	return row != nil && row.Enabled, nil
}

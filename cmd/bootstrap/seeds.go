package bootstrap

import (
	"github.com/code-100-precent/LingDispatch/internal/models"
	"github.com/code-100-precent/LingDispatch/pkg/auth"
	"github.com/code-100-precent/LingDispatch/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type SeedService struct {
	db *gorm.DB
}

type seedDispatcher struct {
	id   string
	name string
	role auth.Role
}

var devDispatchers = []seedDispatcher{
	{id: "dev-dispatcher", name: "Dev Dispatcher", role: auth.RoleDispatcher},
	{id: "dev-supervisor", name: "Dev Supervisor", role: auth.RoleSupervisor},
	{id: "dev-observer", name: "Dev Observer", role: auth.RoleObserver},
}

func (s *SeedService) SeedAll() error {
	return s.seedDispatchers()
}

// seedDispatchers 仅在没有任何凭证时创建，secret 只打印这一次
func (s *SeedService) seedDispatchers() error {
	var count int64
	if err := s.db.Model(&models.DispatcherCredential{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	for _, d := range devDispatchers {
		cred, secret, err := models.CreateDispatcherCredential(s.db, d.id, d.name, d.role)
		if err != nil {
			return err
		}
		logger.Info("seeded console credential",
			zap.String("dispatcherId", d.id),
			zap.String("role", string(d.role)),
			zap.String("apiKey", cred.APIKey),
			zap.String("apiSecret", secret))
	}
	return nil
}

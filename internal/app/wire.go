//go:build wireinject

package app

import (
	"github.com/dushixiang/dashrun/internal/config"
	"github.com/google/wire"
)

//go:generate go run -mod=mod github.com/google/wire/cmd/wire

// InitApp 组装应用
func InitApp(cfg *config.AppConfig) (*App, func(), error) {
	panic(wire.Build(ProviderSet))
}

// Package vfiokvm 提供服务的主入口和初始化逻辑
package vfiokvm

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/jimmicro/grace"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jimyag/vfio-kvm/internal/vfiokvm/api"
	"github.com/jimyag/vfio-kvm/internal/vfiokvm/config"
	"github.com/jimyag/vfio-kvm/internal/vfiokvm/dbusx"
	"github.com/jimyag/vfio-kvm/internal/vfiokvm/service"
	"github.com/jimyag/vfio-kvm/pkg/libvirt"
)

type Server struct {
	cfg      *config.Config
	services []grace.Grace
}

func New(cfg *config.Config) (*Server, error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(logLevel())
	zerolog.DefaultContextLogger = &logger
	log.Logger = logger

	// 1. 创建服务注册表，按需连接 libvirtd 做启动对账
	opts := []service.Option{}
	if cfg.Resync {
		lv, err := libvirt.New(cfg.LibvirtURI)
		if err != nil {
			// 对账是尽力而为的，连不上 libvirtd 不阻止服务启动
			logger.Warn().Err(err).Msg("Failed to connect to libvirt, startup resync disabled")
		} else {
			opts = append(opts, service.WithLibvirtClient(lv))
		}
	}
	svc := service.New(cfg, opts...)

	// 2. 创建 D-Bus 服务
	dbusServer := dbusx.New(cfg, svc)

	server := &Server{
		cfg:      cfg,
		services: []grace.Grace{svc, dbusServer},
	}

	// 3. 按需创建只读状态 API
	if cfg.HTTPAddress != "" {
		server.services = append(server.services, api.New(cfg.HTTPAddress, svc))
	}
	return server, nil
}

func (s *Server) Run(ctx context.Context) error {
	// 使用 grace.Shepherd 管理服务生命周期
	shepherd := grace.NewShepherd(
		s.services,
		grace.WithTimeout(30*time.Second),
		grace.WithLogger(&zerologLogger{}),
	)

	shepherd.Start(ctx)
	return nil
}

// logLevel 从环境变量 LOGLEVEL 读取日志级别，默认 info
func logLevel() zerolog.Level {
	value := strings.ToLower(os.Getenv("LOGLEVEL"))
	if value == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(value)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// zerologLogger 实现 grace.Logger 接口
type zerologLogger struct{}

func (l *zerologLogger) Info(msg string, args ...interface{}) {
	logger := zerolog.DefaultContextLogger.Info()
	if len(args) > 0 {
		logger.Msgf(msg, args...)
	} else {
		logger.Msg(msg)
	}
}

func (l *zerologLogger) Error(msg string, args ...interface{}) {
	logger := zerolog.DefaultContextLogger.Error()
	if len(args) > 0 {
		logger.Msgf(msg, args...)
	} else {
		logger.Msg(msg)
	}
}

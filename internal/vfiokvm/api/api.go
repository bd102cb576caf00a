// Package api 提供只读的 HTTP 状态接口
// 所有变更操作都走 D-Bus，这里只用于监控当前目标和设备复制状态
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jimyag/vfio-kvm/internal/vfiokvm/service"
)

type API struct {
	engine *gin.Engine
	server *http.Server
	svc    *service.Service
}

func New(address string, svc *service.Service) *API {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.Default()

	api := &API{
		engine: engine,
		svc:    svc,
	}
	apiGroup := engine.Group("/api")
	apiGroup.GET("/healthz", api.healthz)
	apiGroup.GET("/status", api.status)

	api.server = &http.Server{
		Addr:    address,
		Handler: engine,
	}
	return api
}

func (a *API) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) status(c *gin.Context) {
	c.JSON(http.StatusOK, a.svc.Status())
}

func (a *API) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

// Name 实现 grace.Grace 接口
func (a *API) Name() string {
	return "Status API"
}

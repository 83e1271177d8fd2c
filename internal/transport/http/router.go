package http

import (
	"github.com/gin-gonic/gin"
	"github.com/richardliu001/escrow-settler/internal/config"
	"go.uber.org/zap"
)

func NewRouter(api *API, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(RecoveryMiddleware(log))
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, api)
	return r
}

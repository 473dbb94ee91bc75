package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	httpmw "github.com/richardliu001/mpesa-ledger/http"
	"github.com/richardliu001/mpesa-ledger/internal/config"
	"github.com/richardliu001/mpesa-ledger/internal/service"
)

func NewRouter(svc *service.FundService, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(httpmw.LoggingMiddleware(log))
	r.Use(httpmw.RecoveryMiddleware(log))
	RegisterHandlers(r, svc, log, httpmw.RateLimitMiddleware(rl.RPS, rl.Burst))
	return r
}

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"git.sr.ht/~aondrejcak/finpulse-api/endpoints"
	"git.sr.ht/~aondrejcak/finpulse-api/endpoints/payments"
	"git.sr.ht/~aondrejcak/finpulse-api/kernel"
	"git.sr.ht/~aondrejcak/finpulse-api/middleware"
)

func main() {
	art := kernel.LoadConfig()
	art.Context = context.Background()

	if art.DeploymentEnvironment == "production" {
		log.Printf(" === RUNNING IN PRODUCTION MODE ===")
		gin.SetMode(gin.ReleaseMode)
	}

	cleanupFunc, err := art.SetupOtel()
	if err != nil {
		log.Fatal(err)
	}
	defer cleanupFunc()

	span, _ := art.Diagnostic.BeginTracing(art.Context, "main")
	defer span.End()

	err = art.PrepareDatabase()
	if err != nil {
		span.RecordError(err)
	}

	endpoints.LoadServices(art)

	r := gin.Default()
	err = r.SetTrustedProxies([]string{})
	if err != nil {
		span.RecordError(err)
		log.Fatal(err)
	}

	if art.DeploymentEnvironment == "production" {
		r.Use(gin.Logger())
		r.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "a panic occurred, request aborted",
			})
		}))
		r.Use(cors.New(cors.Config{
			AllowOrigins:     []string{"https://portal.finpulse.space"},
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "X-Api-Key"},
			ExposeHeaders:    []string{"Content-Length", "Access-Control-Allow-Origin", "Access-Control-Allow-Headers", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           7 * time.Hour * 24,
			AllowAllOrigins:  false,
		}))
	}

	r.Use(otelgin.Middleware(art.ServiceName))
	r.Use(middleware.TracerMiddleware())

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, &gin.Error{
			Err: errors.New("route not found"),
		})
	})

	r.Use(func() gin.HandlerFunc {
		return func(c *gin.Context) {
			c.Next()

			if len(c.Errors) > 0 {
				c.JSON(500, &gin.Error{
					Err: errors.New(c.Errors.Last().Error()),
				})
				return
			}
		}
	}())

	authorized := r.Group("/")
	authorized.Use(middleware.TokenMiddleware())
	{
		authorized.GET("/banks", endpoints.Banks)

		authorized.POST("/consents", endpoints.InitiateConsent)
		authorized.POST("/consents/full", endpoints.InitiateFullConsentFlow)
		authorized.GET("/consents/poll", endpoints.PollConsentStatus)
		authorized.POST("/consents/batch", endpoints.CreateConsentBatch)
		authorized.GET("/consents/status", endpoints.ConsentsOverview)
		authorized.POST("/consents/callback", endpoints.ConsentCallback)

		authorized.POST("/sync", endpoints.StartSync)
		authorized.GET("/sync/status", endpoints.SyncStatus)
		authorized.POST("/sync/refresh", endpoints.FullRefresh)

		authorized.GET("/accounts", endpoints.Accounts)
		authorized.GET("/transactions", endpoints.Transactions)
		authorized.GET("/credits", endpoints.CreditAgreements)

		payments.RegisterController(authorized)
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	err = r.Run(art.Host)
	if err != nil {
		span.RecordError(err)
		log.Fatal(err)
	}
}

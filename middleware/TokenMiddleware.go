package middleware

import (
	"errors"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"git.sr.ht/~aondrejcak/finpulse-api/kernel"
	"git.sr.ht/~aondrejcak/finpulse-api/models"
)

func TokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rt := c.MustGet("rt").(*kernel.RequestRuntime)

		rt.StepInto("middleware.token")

		authHeader := c.GetHeader("X-Api-Key")
		if authHeader == "" {
			rt.Ef(401, "unauthorized: no auth header")
			return
		}

		hashedToken := kernel.Sha512(authHeader)

		key := models.ServiceKey{}
		res := rt.DB.WithContext(c.Request.Context()).First(&key, "token_hash = ?", hashedToken)
		if err := res.Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				rt.Ef(401, "unauthorized: invalid key")
				return
			}

			rt.Ef(500, "failed to authorize user: could not query database: %s", err)
			return
		}

		if !key.Enabled {
			rt.Ef(401, "unauthorized: key disabled")
			return
		}

		rt.Key = &key

		rt.StepBack()
		c.Next()
	}
}

package handlers

import (
	"context"
	"net/http"

	"github.com/codingric/receiptbox/auth"
	"github.com/codingric/receiptbox/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const userKey = "user"

type UserStore interface {
	FindOrCreate(ctx context.Context, email, name string) (*models.User, error)
}

// RequireUser rejects requests without a valid bearer token and stores the
// token's owner on the context.
func RequireUser(v *auth.Verifier, users UserStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		authed, err := v.ValidateBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			log.Warn().Err(err).Str("request_url", c.Request.RequestURI).Str("remote_addr", c.ClientIP()).Msg("Rejected request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorMessage{Error: err.Error()})
			return
		}
		u, err := users.FindOrCreate(c.Request.Context(), authed.Email, authed.Name)
		if err != nil {
			log.Error().Err(err).Str("email", authed.Email).Msg("Failed to load user")
			c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorMessage{Error: http.StatusText(http.StatusInternalServerError)})
			return
		}
		c.Set(userKey, u)
		c.Next()
	}
}

func currentUser(c *gin.Context) *models.User {
	return c.MustGet(userKey).(*models.User)
}

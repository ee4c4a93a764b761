package api

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"order-exchange/internal/entity"
	"order-exchange/internal/service"
)

// JwtCustomClaims identifies the caller. Subject is the user id; PartnerID is
// set when the user acts for a gallery or other partner.
type JwtCustomClaims struct {
	PartnerID string `json:"partner_id,omitempty"`
	Admin     bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

var errUnauthorized = errors.New("unauthorized")

func JWT(secret string) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey: []byte(secret),
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return new(JwtCustomClaims)
		},
	})
}

func claimsFrom(c echo.Context) (*JwtCustomClaims, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok {
		return nil, errUnauthorized
	}
	claims, ok := token.Claims.(*JwtCustomClaims)
	if !ok || claims.Subject == "" {
		return nil, errUnauthorized
	}
	return claims, nil
}

func actorFrom(c echo.Context) (service.Actor, error) {
	claims, err := claimsFrom(c)
	if err != nil {
		return service.Actor{}, err
	}
	actor := service.Actor{Party: entity.User{ID: claims.Subject}, UserID: claims.Subject}
	if claims.PartnerID != "" {
		actor.Party = entity.Partner{ID: claims.PartnerID}
	}
	return actor, nil
}

func adminFrom(c echo.Context) (service.Actor, error) {
	claims, err := claimsFrom(c)
	if err != nil {
		return service.Actor{}, err
	}
	if !claims.Admin {
		return service.Actor{}, errForbidden
	}
	return service.Actor{UserID: claims.Subject}, nil
}

package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/auth"
	"taskboard/domain"
)

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

func registerUser(users UserService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req registerRequest
		if err := decodeBody(c, &req); err != nil {
			return writeError(c, err, logger)
		}
		if err := users.Register(c.Request().Context(), req.Email, req.Name, req.Password); err != nil {
			return writeError(c, err, logger)
		}
		return c.JSON(http.StatusCreated, messageResponse{Message: "User registered successfully"})
	}
}

func loginUser(users UserService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req loginRequest
		if err := decodeBody(c, &req); err != nil {
			return writeError(c, err, logger)
		}
		token, err := users.Login(c.Request().Context(), req.Email, req.Password)
		if err != nil {
			// Bad credentials are a client error on this route, not 401.
			if domain.KindOf(err) == domain.KindUnauthorized {
				return c.JSON(http.StatusBadRequest, errorResponse{Error: domain.ErrBadCredentials.Error()})
			}
			return writeError(c, err, logger)
		}
		return c.JSON(http.StatusOK, tokenResponse{Token: token})
	}
}

func logoutUser(users UserService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		token, err := auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return writeError(c, domain.Unauthorized("unauthorized", err), logger)
		}
		if err := users.Logout(c.Request().Context(), token); err != nil {
			return writeError(c, err, logger)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

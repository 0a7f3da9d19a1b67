package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/synapsehq/synapse/pkg/store"
)

func (s *Server) putSecretHandler(c *echo.Context) error {
	var req PutSecretRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := store.ValidateSecretKey(req.Key); err != nil {
		return mapServiceError(err)
	}
	if req.Value == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "value is required")
	}

	ctx := c.Request().Context()
	name := c.Param("name")
	if _, err := s.db.GetProject(ctx, name); err != nil {
		return mapServiceError(err)
	}
	cipher, err := s.box.Encrypt(req.Value)
	if err != nil {
		return mapServiceError(err)
	}
	if err := s.db.UpsertSecret(ctx, name, req.Key, cipher); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"key": req.Key})
}

// listSecretsHandler returns keys and timestamps only. Values are sealed at
// rest and only ever decrypted into a container environment.
func (s *Server) listSecretsHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("name")
	if _, err := s.db.GetProject(ctx, name); err != nil {
		return mapServiceError(err)
	}
	secrets, err := s.db.ListSecrets(ctx, name)
	if err != nil {
		return mapServiceError(err)
	}
	out := make([]SecretResponse, 0, len(secrets))
	for _, sec := range secrets {
		out = append(out, SecretResponse{
			Key:       sec.Key,
			CreatedAt: sec.CreatedAt,
			UpdatedAt: sec.UpdatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) deleteSecretHandler(c *echo.Context) error {
	if err := s.db.DeleteSecret(c.Request().Context(), c.Param("name"), c.Param("key")); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"deleted": true})
}

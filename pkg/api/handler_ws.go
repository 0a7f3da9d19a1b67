package api

import (
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/synapsehq/synapse/pkg/gateway"
)

// chatHandler bridges an operator WebSocket to the project's in-container
// gateway, worker or local. Close codes propagate through the relay's
// substitution rules.
func (s *Server) chatHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("name")
	if _, err := s.db.GetProject(ctx, name); err != nil {
		return mapServiceError(err)
	}

	upstream, err := s.mgr.DialGateway(ctx, name)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "gateway unreachable: "+err.Error())
	}

	client, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		upstream.Close(websocket.StatusNormalClosure, "")
		return err
	}

	gateway.Relay(ctx, client, upstream)
	return nil
}

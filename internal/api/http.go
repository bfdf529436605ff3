package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/victornm/livequiz/internal/errors"
)

func (a *API) registerRoutes(r gin.IRouter) {
	g := r.Group("/api/sessions")
	g.POST("", a.handleCreateSession)
	g.GET("/:id/state", a.handleGetState)
	g.GET("/:id/leaderboard", a.handleGetLeaderboard)
	g.POST("/:id/complete", a.handleEndSession)
}

func (a *API) handleCreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.Reject(errors.ReasonValidation, "invalid request: %v", err))
		return
	}

	resp, err := a.CreateSession(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (a *API) handleGetState(c *gin.Context) {
	handleSession(c, a.GetState)
}

func (a *API) handleGetLeaderboard(c *gin.Context) {
	handleSession(c, a.GetLeaderboard)
}

func (a *API) handleEndSession(c *gin.Context) {
	handleSession(c, a.EndSession)
}

func handleSession[Resp any](c *gin.Context, call func(context.Context, *SessionRequest) (*Resp, error)) {
	resp, err := call(c.Request.Context(), &SessionRequest{SessionID: c.Param("id")})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func writeError(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		_ = c.Error(err)
		c.JSON(e.HTTPStatusCode(), errors.New(errors.CodeInternal))
		return
	}

	c.JSON(e.HTTPStatusCode(), e)
}

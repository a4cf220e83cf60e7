package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	policydomain "github.com/smallbiznis/voxbill/internal/policy/domain"
	"github.com/smallbiznis/voxbill/pkg/tenantctx"
)

func (s *Server) GetVoicePolicy(c *gin.Context) {
	id, err := parseTenantParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	policy, err := s.policySvc.GetPolicy(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, policy)
}

func (s *Server) UpdateVoicePolicy(c *gin.Context) {
	id, err := parseTenantParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req policydomain.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.TenantID = id
	if role, ok := tenantctx.CallerRole(c.Request.Context()); ok {
		req.CallerRole = role
	}

	result, err := s.policySvc.UpdateMinuteLimitPolicy(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

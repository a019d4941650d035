package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentfabric/runtime/types"
)

// JSON-RPC replies always travel as HTTP 200; failures live in the error
// member of the envelope, never in the HTTP status line.

func writeRPCResult(c *gin.Context, id any, result any) {
	c.JSON(http.StatusOK, types.JSONRPCSuccessResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}

func writeRPCError(c *gin.Context, logger *zap.Logger, id any, code int, message string) {
	logger.Warn("request rejected",
		zap.Any("id", id),
		zap.Int("rpc_code", code),
		zap.String("reason", message))
	c.JSON(http.StatusOK, types.JSONRPCErrorResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &types.JSONRPCError{
			Code:    code,
			Message: message,
		},
	})
}

// writeRPCFailure maps a runtime error onto its wire code by kind.
func writeRPCFailure(c *gin.Context, logger *zap.Logger, id any, err error) {
	writeRPCError(c, logger, id, JRPCErrorCode(KindOf(err)), err.Error())
}
